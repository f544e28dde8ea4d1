package imapbackend

import (
	"context"
	"fmt"
	"testing"

	"github.com/tethermail/tether/internal/imap"
)

// TestCloseReleasesThePoolWithoutEverConnecting confirms that closing a
// freshly built backend (one that never opened a connection) is a clean
// no-op, since cmd/tether's sync command unconditionally defers a close
// on every backend it builds, including ones an early config error could
// leave unused.
func TestCloseReleasesThePoolWithoutEverConnecting(t *testing.T) {
	b := New(Config{
		AccountID:   "acct",
		AccountName: "acct",
		Pool:        imap.DefaultPoolConfig(),
		CredentialsFor: func(accountID string) (*imap.ClientConfig, error) {
			return nil, fmt.Errorf("no network in this test")
		},
		Idle: imap.DefaultIdleConfig(),
	})

	if err := b.CloseF(context.Background()); err != nil {
		t.Fatalf("CloseF on an unused backend should be a no-op, got: %v", err)
	}
}
