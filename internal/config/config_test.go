package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tethermail/tether/internal/folderdiff"
	"github.com/tethermail/tether/internal/imap"
)

const testYAML = `
left:
  label: work
  aliases:
    Inbox: INBOX
  imap:
    host: imap.example.com
    port: 993
    security: tls
    username: alice@example.com
    password: hunter2
    max_connections: 5
    idle_timeout: 10m
right:
  label: archive
  maildir:
    base_path: /home/alice/Maildir
strategy:
  mode: exclude
  folders:
    - Spam
permissions:
  right:
    can_delete_folders: false
    can_delete_emails: false
`

func writeTestConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tether.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadParsesBothSidesAndDefaults(t *testing.T) {
	path := writeTestConfig(t, testYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Left.IMAP == nil || cfg.Left.IMAP.Host != "imap.example.com" {
		t.Fatalf("left imap config not parsed: %+v", cfg.Left)
	}
	if cfg.Right.Maildir == nil || cfg.Right.Maildir.BasePath != "/home/alice/Maildir" {
		t.Fatalf("right maildir config not parsed: %+v", cfg.Right)
	}
	if cfg.Workers != defaultWorkers {
		t.Fatalf("Workers = %d, want default %d", cfg.Workers, defaultWorkers)
	}
	if cfg.CacheDir != defaultCacheDir {
		t.Fatalf("CacheDir = %q, want default %q", cfg.CacheDir, defaultCacheDir)
	}
	if got := cfg.Left.FolderAliases().Resolve("Inbox"); got != "INBOX" {
		t.Fatalf("FolderAliases.Resolve(Inbox) = %q, want INBOX", got)
	}
	if got := cfg.Left.FolderAliases().Resolve("Archive"); got != "Archive" {
		t.Fatalf("unaliased folder should pass through unchanged, got %q", got)
	}
}

func TestLoadRejectsSideWithoutExactlyOneBackend(t *testing.T) {
	const badYAML = `
left:
  label: work
right:
  label: archive
  maildir:
    base_path: /tmp/x
`
	path := writeTestConfig(t, badYAML)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected an error when a side names zero backends")
	}
}

func TestLoadRejectsSideWithMultipleBackends(t *testing.T) {
	const badYAML = `
left:
  label: work
  imap:
    host: imap.example.com
  maildir:
    base_path: /tmp/x
right:
  label: archive
  maildir:
    base_path: /tmp/y
`
	path := writeTestConfig(t, badYAML)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected an error when a side names more than one backend")
	}
}

func TestBuildStrategyTranslatesExcludeMode(t *testing.T) {
	path := writeTestConfig(t, testYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	strategy := cfg.BuildStrategy()
	if strategy.Mode != folderdiff.Exclude {
		t.Fatalf("Mode = %v, want Exclude", strategy.Mode)
	}
	if strategy.Admits("Spam") {
		t.Fatalf("excluded folder Spam should not be admitted")
	}
	if !strategy.Admits("INBOX") {
		t.Fatalf("non-excluded folder INBOX should be admitted")
	}
}

func TestBuildPermissionsHonorsExplicitFalseAndDefaultsElseTrue(t *testing.T) {
	path := writeTestConfig(t, testYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	folderPerms := cfg.BuildFolderPermissions()
	if !folderPerms.Left.CanCreateFolders || !folderPerms.Left.CanDeleteFolders {
		t.Fatalf("left folder permissions should default to allow, got %+v", folderPerms.Left)
	}
	if folderPerms.Right.CanDeleteFolders {
		t.Fatalf("right CanDeleteFolders should be false per config")
	}
	if !folderPerms.Right.CanCreateFolders {
		t.Fatalf("right CanCreateFolders was not set in config, should default to true")
	}

	envPerms := cfg.BuildEnvelopePermissions()
	if envPerms.Right.CanDeleteMessages {
		t.Fatalf("right CanDeleteMessages should be false per config")
	}
	if !envPerms.Right.CanSetFlags || !envPerms.Left.CanSetFlags {
		t.Fatalf("CanSetFlags should default to true when unset, got left=%v right=%v",
			envPerms.Left.CanSetFlags, envPerms.Right.CanSetFlags)
	}
}

func TestIMAPConfigBuildsClientAndPoolConfig(t *testing.T) {
	path := writeTestConfig(t, testYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	client := cfg.Left.IMAP.BuildIMAPClientConfig()
	if client.Host != "imap.example.com" || client.Port != 993 {
		t.Fatalf("unexpected client config: %+v", client)
	}
	if client.Security != imap.SecurityTLS {
		t.Fatalf("Security = %v, want tls", client.Security)
	}

	pool := cfg.Left.IMAP.BuildPoolConfig()
	if pool.MaxConnections != 5 {
		t.Fatalf("MaxConnections = %d, want 5", pool.MaxConnections)
	}
	if pool.IdleTimeout.Minutes() != 10 {
		t.Fatalf("IdleTimeout = %v, want 10m", pool.IdleTimeout)
	}
}
