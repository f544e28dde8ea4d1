package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/tethermail/tether/internal/backend"
	"github.com/tethermail/tether/internal/cache"
	"github.com/tethermail/tether/internal/config"
	"github.com/tethermail/tether/internal/credentials"
	"github.com/tethermail/tether/internal/events"
	"github.com/tethermail/tether/internal/imap"
	"github.com/tethermail/tether/internal/imapbackend"
	"github.com/tethermail/tether/internal/logging"
	"github.com/tethermail/tether/internal/maildirbackend"
	"github.com/tethermail/tether/internal/mml"
	"github.com/tethermail/tether/internal/notmuchbackend"
	"github.com/tethermail/tether/internal/pgp"
	"github.com/tethermail/tether/internal/pool"
	"github.com/tethermail/tether/internal/smtptransport"
	"github.com/tethermail/tether/internal/syncengine"
)

// Sync loads the configured account pair, builds its four backends (the
// two live sides plus their cache mirrors), and runs one full sync pass.
func Sync(cCtx *cli.Context) error {
	log := logging.WithComponent("cmd")

	cfg, err := config.Load(cCtx.String("config"))
	if err != nil {
		return err
	}

	left, err := buildSideBackend("left", cfg.Left)
	if err != nil {
		return fmt.Errorf("build left backend: %w", err)
	}
	defer closeBackend(log, "left", left)
	right, err := buildSideBackend("right", cfg.Right)
	if err != nil {
		return fmt.Errorf("build right backend: %w", err)
	}
	defer closeBackend(log, "right", right)

	db, err := cache.Open(cfg.CacheDir+"/cache.db", cfg.CacheDir+"/bodies")
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate cache: %w", err)
	}
	store := cache.NewStore(db)

	account := cfg.Left.Label + "+" + cfg.Right.Label
	leftCache := store.Backend(account, config.LeftDestination)
	rightCache := store.Backend(account, config.RightDestination)

	var interp *mml.Interpreter
	if cfg.PGP.Enabled {
		interp, err = buildPGPInterpreter(db, cfg.CacheDir, account)
		if err != nil {
			return fmt.Errorf("build pgp interpreter: %w", err)
		}
	}

	bus := events.NewBus(func(ev events.Event) {
		logEvent(log, ev)
	})
	defer bus.Close()

	// Every pool.Context shares the same four backends: each backend
	// driver already pools its own connections internally (imapbackend
	// wraps an internal/imap.Pool, for instance), so cfg.Workers contexts
	// contending for work is what actually drives that concurrency rather
	// than needing cfg.Workers separate backend instances.
	contexts := make([]*pool.Context, cfg.Workers)
	for i := range contexts {
		contexts[i] = &pool.Context{
			Left: left, LeftCache: leftCache,
			Right: right, RightCache: rightCache,
			Events:      bus,
			DryRun:      cCtx.Bool("dry-run"),
			Interpreter: interp,
		}
	}
	p := pool.NewPool(pool.DefaultConfig(), contexts)

	run := &syncengine.Run{
		Pool:              p,
		Bus:               bus,
		Strategy:          cfg.BuildStrategy(),
		FolderPermissions: cfg.BuildFolderPermissions(),
		EmailPermissions:  cfg.BuildEnvelopePermissions(),
	}

	log.Info().Str("left", cfg.Left.Label).Str("right", cfg.Right.Label).Msg("starting sync")
	report, err := run.Sync(cCtx.Context)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	failedFolders, failedEmails := 0, 0
	for _, r := range report.FolderResults {
		if r.Err != nil {
			failedFolders++
			log.Error().Str("folder", r.Hunk.Folder).Str("kind", r.Hunk.Kind.String()).Err(r.Err).Msg("folder hunk failed")
		}
	}
	for _, r := range report.EmailResults {
		if r.Err != nil {
			failedEmails++
			log.Error().Str("folder", r.Hunk.Folder).Str("kind", r.Hunk.Kind.String()).Err(r.Err).Msg("email hunk failed")
		}
	}
	for folder, ferr := range report.FolderListErrors {
		log.Error().Str("folder", folder).Err(ferr).Msg("folder envelope listing failed, skipped")
	}

	log.Info().
		Int("folder_hunks", len(report.FolderResults)).
		Int("email_hunks", len(report.EmailResults)).
		Msg("sync complete")

	if report.Failed() {
		return fmt.Errorf("sync completed with failures: %d folder hunk(s), %d email hunk(s), %d folder(s) skipped",
			failedFolders, failedEmails, len(report.FolderListErrors))
	}
	return nil
}

// closeBackend releases a side's resources (an IMAP backend's pooled
// connections; everything else has nothing to release) once the sync
// pass that opened it is done, logging rather than failing the run on
// error since by this point the sync result itself is already decided.
func closeBackend(log zerolog.Logger, side string, b *backend.Backend) {
	if err := b.CloseF(context.Background()); err != nil {
		log.Warn().Str("side", side).Err(err).Msg("error closing backend")
	}
}

// buildPGPInterpreter wires a PGP-aware mml.Interpreter for account: the
// same credentials.Store used for backend passwords/OAuth tokens (its
// "pgp_private_key" kind) supplies private key material, and the cache
// database's pgp_keys/pgp_sender_keys tables (internal/pgp.Store) supply
// key metadata and cached sender public keys. Every hunk that renders a
// cache body for this account pair shares the returned interpreter, so a
// signed or encrypted message is unwrapped exactly once before it is
// written to either side's cache.
func buildPGPInterpreter(db *cache.DB, cacheDir, account string) (*mml.Interpreter, error) {
	credStore, err := credentials.NewStore(db.DB, cacheDir)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	pgpStore := pgp.NewStore(db.DB)
	verifier := pgp.NewVerifier(pgpStore)
	decryptor := pgp.NewDecryptor(pgpStore, credStore)

	interp := mml.New().WithPGP(account, verifier, decryptor)
	return &interp, nil
}

// buildSideBackend constructs the single backend named by sc (exactly one
// of IMAP/Maildir/Notmuch/SMTP — config.Load already validated this).
func buildSideBackend(name string, sc config.SideConfig) (*backend.Backend, error) {
	switch {
	case sc.IMAP != nil:
		client := sc.IMAP.BuildIMAPClientConfig()
		return imapbackend.New(imapbackend.Config{
			AccountID:   sc.Label,
			AccountName: sc.Label,
			Pool:        sc.IMAP.BuildPoolConfig(),
			CredentialsFor: func(accountID string) (*imap.ClientConfig, error) {
				cfg := client
				return &cfg, nil
			},
			Idle: imap.DefaultIdleConfig(),
		}), nil
	case sc.Maildir != nil:
		return maildirbackend.New(name, sc.Maildir.BasePath), nil
	case sc.Notmuch != nil:
		return notmuchbackend.New(name, sc.Notmuch.BuildNotmuchConfig()), nil
	case sc.SMTP != nil:
		return smtptransport.New(smtptransport.Config{
			AccountID: sc.Label,
			From:      sc.SMTP.From,
			Client:    sc.SMTP.BuildSMTPClientConfig(),
		}), nil
	default:
		return nil, fmt.Errorf("side %q names no backend", name)
	}
}

// logEvent renders one sync progress event as a single structured log
// line; it never blocks or errors since events.Bus already drops rather
// than waits on a slow handler.
func logEvent(log zerolog.Logger, ev events.Event) {
	e := log.Debug().Int("kind", int(ev.Kind))
	if ev.Folder != "" {
		e = e.Str("folder", ev.Folder)
	}
	switch ev.Kind {
	case events.GeneratedFolderPatch:
		e.Int("folders", len(ev.FolderPatches)).Msg("generated folder patch")
	case events.ApplyFolderHunk:
		log.Debug().Str("folder", ev.FolderHunk.Folder).Str("side", ev.FolderHunk.Side.String()).Msg("applying folder hunk")
	case events.ProcessedFolderHunk:
		log.Debug().Str("folder", ev.FolderHunk.Folder).Msg("processed folder hunk")
	case events.GeneratedEmailPatch:
		e.Int("hunks", ev.Count).Msg("generated email patch")
	case events.ProcessedEmailHunk:
		log.Debug().Str("folder", ev.EmailHunk.Folder).Msg("processed email hunk")
	case events.ProcessedAllEmailHunks:
		e.Msg("processed all email hunks for folder")
	default:
		e.Int("count", ev.Count).Msg("listed envelopes")
	}
}
