// Package cmd wires the tether CLI: flag/command definitions plus the
// glue between a loaded account-pair config and the sync engine.
package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/urfave/cli/v2"

	"github.com/tethermail/tether/internal/logging"
)

var (
	// Version stores the version tag from build-time injection.
	Version = "dev"
	// Commit stores the git commit hash from build-time injection.
	Commit = "none"
	// Date stores the build date from build-time injection.
	Date = "unknown"

	appName = "tether"
)

// Run configures and executes the tether CLI application.
func Run() error {
	cli.VersionPrinter = func(cCtx *cli.Context) {
		fmt.Println(cCtx.App.Version)
	}
	app := &cli.App{
		Name:                   appName,
		Usage:                  "sync folders and mail between two arbitrary backends",
		UseShortOptionHandling: true,
		Version:                fmt.Sprintf("%s (commit: %s, built: %s) // %s", Version, Commit, Date, runtime.Version()),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "tether.yaml",
				Usage:   "path to the account-pair configuration file",
				EnvVars: []string{"TETHER_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "debug, info, warn, or error",
				EnvVars: []string{"TETHER_LOG_LEVEL"},
			},
			&cli.BoolFlag{
				Name:  "log-pretty",
				Usage: "use a human-readable console log writer instead of JSON",
			},
		},
		Before: func(cCtx *cli.Context) error {
			logging.Init(logging.Config{
				Level:  cCtx.String("log-level"),
				Pretty: cCtx.Bool("log-pretty"),
			})
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "sync",
				Usage:  "run one sync pass over the configured account pair",
				Action: Sync,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "list what would change without applying any hunk",
					},
				},
			},
			{
				Name:      "login",
				Usage:     "run the OAuth2 PKCE flow for a side and store the resulting tokens",
				ArgsUsage: "<google|microsoft> <account-id>",
				Action:    Login,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "client-id", EnvVars: []string{"TETHER_OAUTH_CLIENT_ID"}},
					&cli.StringFlag{Name: "client-secret", EnvVars: []string{"TETHER_OAUTH_CLIENT_SECRET"}},
					&cli.StringFlag{Name: "config-dir", Value: ".tether", Usage: "directory holding the cache/credential database"},
				},
			},
			{
				Name:      "import-pgp-key",
				Usage:     "import an armored PGP key for an account, for transparent verify/decrypt during sync",
				ArgsUsage: "<account-id> <armored-key-file>",
				Action:    ImportPGPKey,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "config-dir", Value: ".tether", Usage: "directory holding the cache/credential database"},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		return fmt.Errorf("app.Run: %w", err)
	}
	return nil
}
