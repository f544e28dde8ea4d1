package oauth2pkce

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestAuthURLCarriesPKCEChallenge(t *testing.T) {
	f, err := NewFlow(ProviderConfig{
		Provider: ProviderGoogle,
		ClientID: "client-id",
		Scopes:   []string{"mail.read"},
	})
	if err != nil {
		t.Fatalf("NewFlow: %v", err)
	}

	authURL := f.AuthURL()
	if !strings.Contains(authURL, "code_challenge=") {
		t.Fatalf("AuthURL missing PKCE challenge: %s", authURL)
	}
	if !strings.Contains(authURL, "code_challenge_method=S256") {
		t.Fatalf("AuthURL missing S256 challenge method: %s", authURL)
	}
	if !strings.Contains(authURL, "state="+f.state) {
		t.Fatalf("AuthURL missing expected state: %s", authURL)
	}
}

func TestNewFlowUnknownProvider(t *testing.T) {
	if _, err := NewFlow(ProviderConfig{Provider: "carrier-pigeon"}); err == nil {
		t.Fatalf("expected an error for an unknown provider")
	}
}

func TestListenAndExchangeRejectsStateMismatch(t *testing.T) {
	f, err := NewFlow(ProviderConfig{
		Provider:     ProviderGoogle,
		ClientID:     "client-id",
		RedirectHost: "127.0.0.1",
		RedirectPort: 19999,
	})
	if err != nil {
		t.Fatalf("NewFlow: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resultCh := make(chan error, 1)
	go func() {
		_, err := f.ListenAndExchange(ctx)
		resultCh <- err
	}()

	// give the listener a moment to bind before hitting it
	time.Sleep(50 * time.Millisecond)
	resp, err := http.Get("http://127.0.0.1:19999/?state=wrong&code=abc")
	if err != nil {
		t.Fatalf("GET redirect: %v", err)
	}
	resp.Body.Close()

	if err := <-resultCh; err != ErrStateMismatch {
		t.Fatalf("ListenAndExchange error = %v, want ErrStateMismatch", err)
	}
}
