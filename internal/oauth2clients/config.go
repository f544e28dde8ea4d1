// Package oauth2clients resolves the OAuth2 client IDs tether builds
// against, so `tether login` does not require --client-id on every
// invocation once a binary has been built for a given provider account.
package oauth2clients

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X 'github.com/tethermail/tether/internal/oauth2clients.GoogleClientID=xxx'"
//
// If ldflags are not set, credentials are loaded from the tether-creds
// shim binary instead, so a packaged build can keep secrets out of the
// main binary's own build flags.
var (
	GoogleClientID     string
	GoogleClientSecret string
	MicrosoftClientID  string
)

func init() {
	if GoogleClientID != "" {
		return
	}
	loadFromShim()
}

func loadFromShim() {
	paths := []string{
		"/app/lib/tether/tether-creds", // Flatpak
	}

	if exe, err := os.Executable(); err == nil {
		paths = append(paths, filepath.Join(filepath.Dir(exe), "tether-creds"))
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		out, err := exec.Command(p).Output()
		if err != nil {
			continue
		}
		var creds map[string]string
		if err := json.Unmarshal(out, &creds); err != nil {
			continue
		}
		GoogleClientID = creds["google_client_id"]
		GoogleClientSecret = creds["google_client_secret"]
		MicrosoftClientID = creds["microsoft_client_id"]
		return
	}
}

// ClientIDFor returns the build-time client ID for provider ("google" or
// "microsoft"), or "" if none was injected or found via the shim.
func ClientIDFor(provider string) string {
	switch provider {
	case "google":
		return GoogleClientID
	case "microsoft":
		return MicrosoftClientID
	default:
		return ""
	}
}

// ClientSecretFor returns the build-time client secret for provider, when
// one exists (Microsoft's desktop flow needs none; Google's sometimes does
// for confidential clients).
func ClientSecretFor(provider string) string {
	if provider == "google" {
		return GoogleClientSecret
	}
	return ""
}
