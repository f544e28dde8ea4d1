package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tethermail/tether/internal/cache"
	"github.com/tethermail/tether/internal/credentials"
	"github.com/tethermail/tether/internal/logging"
	"github.com/tethermail/tether/internal/oauth2clients"
	"github.com/tethermail/tether/internal/oauth2pkce"
)

var googleIMAPScopes = []string{
	"https://mail.google.com/",
}

var microsoftIMAPScopes = []string{
	"https://outlook.office.com/IMAP.AccessAsUser.All",
	"https://outlook.office.com/SMTP.Send",
	"offline_access",
}

// Login runs the OAuth2 PKCE authorization flow for one account and
// stores the resulting access/refresh tokens in the credential store, so
// a later `sync` run can pick them up by account ID without re-prompting.
func Login(cCtx *cli.Context) error {
	log := logging.WithComponent("cmd")

	if cCtx.NArg() < 2 {
		return fmt.Errorf("usage: tether login <google|microsoft> <account-id>")
	}
	providerArg := cCtx.Args().Get(0)
	accountID := cCtx.Args().Get(1)

	var provider oauth2pkce.Provider
	var scopes []string
	switch providerArg {
	case "google":
		provider, scopes = oauth2pkce.ProviderGoogle, googleIMAPScopes
	case "microsoft":
		provider, scopes = oauth2pkce.ProviderMicrosoft, microsoftIMAPScopes
	default:
		return fmt.Errorf("unknown provider %q, want google or microsoft", providerArg)
	}

	clientID := cCtx.String("client-id")
	if clientID == "" {
		clientID = oauth2clients.ClientIDFor(providerArg)
	}
	if clientID == "" {
		return fmt.Errorf("--client-id is required (no build-time client ID configured for %s)", providerArg)
	}
	clientSecret := cCtx.String("client-secret")
	if clientSecret == "" {
		clientSecret = oauth2clients.ClientSecretFor(providerArg)
	}

	flow, err := oauth2pkce.NewFlow(oauth2pkce.ProviderConfig{
		Provider:     provider,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       scopes,
	})
	if err != nil {
		return fmt.Errorf("build oauth2 flow: %w", err)
	}

	fmt.Printf("Open this URL to authorize %s:\n\n  %s\n\n", accountID, flow.AuthURL())

	ctx, cancel := context.WithTimeout(cCtx.Context, 5*time.Minute)
	defer cancel()
	token, err := flow.ListenAndExchange(ctx)
	if err != nil {
		return fmt.Errorf("exchange authorization code: %w", err)
	}

	cacheDir := cCtx.String("config-dir")
	if cacheDir == "" {
		cacheDir = "."
	}
	db, err := cache.Open(cacheDir+"/cache.db", cacheDir+"/bodies")
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer db.Close()

	store, err := credentials.NewStore(db.DB, cacheDir)
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}
	if err := store.SetOAuthTokens(accountID, token.AccessToken, token.RefreshToken); err != nil {
		return fmt.Errorf("store oauth tokens: %w", err)
	}

	log.Info().Str("account", accountID).Bool("keyring", store.IsKeyringEnabled()).Msg("stored oauth tokens")
	fmt.Println("Login complete.")
	return nil
}
