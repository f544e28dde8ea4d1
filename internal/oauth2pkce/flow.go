// Package oauth2pkce implements the OAuth 2.0 Authorization Code Grant with
// PKCE (RFC 7636) for accounts that authenticate against Google or
// Microsoft, the two forms of OAuth2 in practical use for IMAP/SMTP today.
package oauth2pkce

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
)

// ProviderConfig names the client and scopes one account authenticates
// with. ClientSecret is optional — public (installed-app) OAuth2 clients,
// the norm for desktop mail clients, use PKCE instead of a client secret.
type ProviderConfig struct {
	Provider     Provider
	ClientID     string
	ClientSecret string
	Scopes       []string

	// RedirectHost/RedirectPort name the loopback address the local
	// redirect listener binds during Authorize; defaults to
	// 127.0.0.1:9999 (the teacher's original default) when zero.
	RedirectHost string
	RedirectPort int
}

// Provider selects a well-known OAuth2 endpoint set.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

// Flow drives one Authorization Code + PKCE exchange from redirect URL
// construction through code exchange.
type Flow struct {
	oauthConfig oauth2.Config
	verifier    string
	state       string
	redirectURL string
}

// NewFlow builds a Flow for cfg, generating a fresh PKCE verifier and CSRF
// state for this single authorization attempt — a Flow is single-use.
func NewFlow(cfg ProviderConfig) (*Flow, error) {
	host := cfg.RedirectHost
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.RedirectPort
	if port == 0 {
		port = 9999
	}
	redirectURL := fmt.Sprintf("http://%s:%d", host, port)

	endpoint, err := endpointFor(cfg.Provider)
	if err != nil {
		return nil, err
	}

	state, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("generate csrf state: %w", err)
	}

	return &Flow{
		oauthConfig: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
			Endpoint:     endpoint,
			RedirectURL:  redirectURL,
		},
		verifier:    oauth2.GenerateVerifier(),
		state:       state,
		redirectURL: redirectURL,
	}, nil
}

func endpointFor(p Provider) (oauth2.Endpoint, error) {
	switch p {
	case ProviderGoogle:
		return google.Endpoint, nil
	case ProviderMicrosoft:
		return microsoft.AzureADEndpoint("consumers"), nil
	default:
		return oauth2.Endpoint{}, fmt.Errorf("oauth2pkce: unknown provider %q", p)
	}
}

func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// AuthURL returns the URL the user should open in a browser to grant
// consent; the redirect lands on ListenAndExchange's loopback listener.
func (f *Flow) AuthURL() string {
	return f.oauthConfig.AuthCodeURL(f.state, oauth2.S256ChallengeOption(f.verifier))
}

// ErrStateMismatch is returned by ListenAndExchange when the redirect's
// state parameter doesn't match the one AuthURL issued — a forged or
// replayed redirect, never expected in normal use.
var ErrStateMismatch = errors.New("oauth2pkce: redirect state mismatch")

// ListenAndExchange binds the loopback redirect URL, blocks for exactly one
// redirect from the provider, and exchanges the returned code for a token.
// It mirrors the original's raw-socket redirect-catcher with a one-shot
// net/http.Server instead, the idiomatic Go equivalent.
func (f *Flow) ListenAndExchange(ctx context.Context) (*oauth2.Token, error) {
	addr, err := redirectAddr(f.redirectURL)
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind redirect listener on %s: %w", addr, err)
	}

	type result struct {
		token *oauth2.Token
		err   error
	}
	done := make(chan result, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if got := query.Get("state"); got != f.state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			done <- result{err: ErrStateMismatch}
			return
		}
		code := query.Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			done <- result{err: fmt.Errorf("oauth2pkce: redirect carried no code")}
			return
		}

		token, err := f.oauthConfig.Exchange(r.Context(), code, oauth2.VerifierOption(f.verifier))
		if err != nil {
			http.Error(w, "exchange failed", http.StatusInternalServerError)
			done <- result{err: fmt.Errorf("exchange code: %w", err)}
			return
		}

		fmt.Fprint(w, "Authentication successful! You may close this window.")
		done <- result{token: token}
	})

	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	defer srv.Close()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		return res.token, res.err
	}
}

func redirectAddr(redirectURL string) (string, error) {
	u, err := url.Parse(redirectURL)
	if err != nil {
		return "", fmt.Errorf("oauth2pkce: parse redirect URL %q: %w", redirectURL, err)
	}
	return u.Host, nil
}
