package imap

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestConnKeyDistinguishesFoldersOnTheSameAccount(t *testing.T) {
	if connKey("acct", "INBOX") == connKey("acct", "Archive") {
		t.Fatal("connKey must differ across folders for the same account")
	}
	if connKey("acct1", "INBOX") == connKey("acct2", "INBOX") {
		t.Fatal("connKey must differ across accounts for the same folder")
	}
}

// TestIdleManagerTracksOneConnectionPerAccountFolderPair verifies that
// watching two folders on the same account runs two independent IDLE
// connections (rather than the second silently displacing the first, the
// bug that watching only ever "INBOX" previously masked).
func TestIdleManagerTracksOneConnectionPerAccountFolderPair(t *testing.T) {
	noCreds := func(accountID string) (*ClientConfig, error) {
		return nil, fmt.Errorf("no network in this test")
	}
	cfg := DefaultIdleConfig()
	cfg.ReconnectBackoff = time.Millisecond
	cfg.MaxReconnectAttempts = 1

	mgr := NewIdleManager(cfg, noCreds)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	mgr.Start(ctx)

	mgr.StartAccount("acct", "Alice", "INBOX")
	mgr.StartAccount("acct", "Alice", "Archive")

	mgr.mu.Lock()
	n := len(mgr.connections)
	_, hasInbox := mgr.connections[connKey("acct", "INBOX")]
	_, hasArchive := mgr.connections[connKey("acct", "Archive")]
	mgr.mu.Unlock()

	if n != 2 || !hasInbox || !hasArchive {
		t.Fatalf("expected independent connections for INBOX and Archive, got %d: inbox=%v archive=%v", n, hasInbox, hasArchive)
	}

	mgr.Stop()
}
