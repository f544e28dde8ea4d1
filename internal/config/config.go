// Package config loads a Tether account-pair configuration from YAML and
// translates it into the types the sync engine and backend drivers take
// directly (A2): folder aliases (§5.1), the folder/envelope permission
// masks (§5.2), and the per-side connection parameters each backend
// driver's own Config expects.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tethermail/tether/internal/envelopediff"
	"github.com/tethermail/tether/internal/folderdiff"
	"github.com/tethermail/tether/internal/imap"
	"github.com/tethermail/tether/internal/model"
	"github.com/tethermail/tether/internal/notmuchbackend"
	"github.com/tethermail/tether/internal/smtp"
)

const (
	defaultWorkers  = 4
	maxWorkers      = 32
	defaultCacheDir = ".tether"
)

// Config is the root of a loaded account-pair configuration file: one left
// side, one right side, a sync strategy, and the permission masks that
// gate what the engine is allowed to mutate on each side.
type Config struct {
	Workers     int          `yaml:"-"`
	Left        SideConfig   `yaml:"left"`
	Right       SideConfig   `yaml:"right"`
	Strategy    StrategyConf `yaml:"strategy"`
	Permissions PermConf     `yaml:"permissions"`
	CacheDir    string       `yaml:"cache_dir"`
	PGP         PGPConf      `yaml:"pgp"`
}

// PGPConf turns on transparent PGP/MIME verification and decryption of
// cached message bodies (C8) using a key already imported for this account
// pair's identity (internal/pgp, internal/credentials). Disabled by
// default: most account pairs carry no PGP key material at all, and
// probing for one on every hunk would be pure overhead.
type PGPConf struct {
	Enabled bool `yaml:"enabled"`
}

// SideConfig names one of the two backends being synchronized and its
// folder aliases. Exactly one of IMAP, Maildir, Notmuch, SMTP should be
// set; which field is populated determines the backend driver built for
// this side.
type SideConfig struct {
	Label   string            `yaml:"label"`
	Aliases map[string]string `yaml:"aliases"`

	IMAP    *IMAPConfig    `yaml:"imap"`
	Maildir *MaildirConfig `yaml:"maildir"`
	Notmuch *NotmuchConfig `yaml:"notmuch"`
	SMTP    *SMTPConfig    `yaml:"smtp"`
}

// IMAPConfig is the YAML shape of internal/imap.ClientConfig plus the pool
// and IDLE tuning knobs, with durations expressed as human strings
// ("30s", "5m") rather than raw nanosecond integers.
type IMAPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Security string `yaml:"security"` // "tls", "starttls", "none"
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	MaxConnections int    `yaml:"max_connections"`
	IdleTimeout    string `yaml:"idle_timeout"`
	ConnectTimeout string `yaml:"connect_timeout"`
}

// MaildirConfig names a local Maildir++ tree.
type MaildirConfig struct {
	BasePath string `yaml:"base_path"`
}

// NotmuchConfig names the notmuch CLI binary and insertion folder.
type NotmuchConfig struct {
	Binary       string `yaml:"binary"`
	InsertFolder string `yaml:"insert_folder"`
}

// SMTPConfig is the YAML shape of internal/smtp.ClientConfig for the
// outbound half of an account.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Security string `yaml:"security"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`

	ConnectTimeout string `yaml:"connect_timeout"`
}

// StrategyConf selects which folders participate in sync (§5's Strategy).
type StrategyConf struct {
	Mode    string   `yaml:"mode"` // "all" (default), "include", "exclude"
	Folders []string `yaml:"folders"`
}

// PermConf carries the three independent per-side booleans §5.2 describes:
// CanCreateFolders, CanDeleteFolders/CanDeleteEmails, CanSetFlags. Unset
// fields default to true (all-allow), matching DefaultPermissions().
type PermConf struct {
	Left  SidePermConf `yaml:"left"`
	Right SidePermConf `yaml:"right"`
}

// SidePermConf uses *bool so "omitted" (allow) is distinguishable from
// "explicitly false" (deny) in YAML.
type SidePermConf struct {
	CanCreateFolders *bool `yaml:"can_create_folders"`
	CanDeleteFolders *bool `yaml:"can_delete_folders"`
	CanCreateEmails  *bool `yaml:"can_create_emails"`
	CanDeleteEmails  *bool `yaml:"can_delete_emails"`
	CanSetFlags      *bool `yaml:"can_set_flags"`
}

// Load reads and parses a YAML config file at path, applying field
// defaults and validating that each side names exactly one backend.
func Load(path string) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve path %q: %w", path, err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", abs, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: invalid YAML in %q: %w", abs, err)
	}

	if cfg.Workers <= 0 || cfg.Workers > maxWorkers {
		cfg.Workers = defaultWorkers
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = defaultCacheDir
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if err := c.Left.validate("left"); err != nil {
		return err
	}
	if err := c.Right.validate("right"); err != nil {
		return err
	}
	return nil
}

func (s SideConfig) validate(name string) error {
	count := 0
	for _, set := range []bool{s.IMAP != nil, s.Maildir != nil, s.Notmuch != nil, s.SMTP != nil} {
		if set {
			count++
		}
	}
	if count != 1 {
		return fmt.Errorf("config: %s side must name exactly one of imap/maildir/notmuch/smtp, got %d", name, count)
	}
	return nil
}

// FolderAliases resolves user-declared aliases (e.g. "Inbox" → "INBOX") at
// the backend boundary, before any diff engine sees a folder name (§5.1).
// Resolve(name) returns name unchanged when no alias applies.
type FolderAliases map[string]string

// Resolve maps a configured alias onto the backend-native folder name.
func (a FolderAliases) Resolve(name string) string {
	if a == nil {
		return name
	}
	if resolved, ok := a[name]; ok {
		return resolved
	}
	return name
}

// FolderAliases returns this side's folder alias table.
func (s SideConfig) FolderAliases() FolderAliases {
	return FolderAliases(s.Aliases)
}

// BuildStrategy translates the YAML strategy block into folderdiff.Strategy.
func (c Config) BuildStrategy() folderdiff.Strategy {
	folders := make(map[string]struct{}, len(c.Strategy.Folders))
	for _, f := range c.Strategy.Folders {
		folders[f] = struct{}{}
	}
	switch strings.ToLower(c.Strategy.Mode) {
	case "include":
		return folderdiff.Strategy{Mode: folderdiff.Include, Folders: folders}
	case "exclude":
		return folderdiff.Strategy{Mode: folderdiff.Exclude, Folders: folders}
	default:
		return folderdiff.Strategy{Mode: folderdiff.All}
	}
}

// BuildFolderPermissions translates the YAML permission block into
// folderdiff.Permissions, defaulting every omitted field to allow.
func (c Config) BuildFolderPermissions() folderdiff.Permissions {
	perms := folderdiff.DefaultPermissions()
	perms.Left.CanCreateFolders = boolOr(c.Permissions.Left.CanCreateFolders, perms.Left.CanCreateFolders)
	perms.Left.CanDeleteFolders = boolOr(c.Permissions.Left.CanDeleteFolders, perms.Left.CanDeleteFolders)
	perms.Right.CanCreateFolders = boolOr(c.Permissions.Right.CanCreateFolders, perms.Right.CanCreateFolders)
	perms.Right.CanDeleteFolders = boolOr(c.Permissions.Right.CanDeleteFolders, perms.Right.CanDeleteFolders)
	return perms
}

// BuildEnvelopePermissions translates the YAML permission block into
// envelopediff.Permissions, defaulting every omitted field to allow.
func (c Config) BuildEnvelopePermissions() envelopediff.Permissions {
	perms := envelopediff.DefaultPermissions()
	perms.Left.CanCreateMessages = boolOr(c.Permissions.Left.CanCreateEmails, perms.Left.CanCreateMessages)
	perms.Left.CanDeleteMessages = boolOr(c.Permissions.Left.CanDeleteEmails, perms.Left.CanDeleteMessages)
	perms.Left.CanSetFlags = boolOr(c.Permissions.Left.CanSetFlags, perms.Left.CanSetFlags)
	perms.Right.CanCreateMessages = boolOr(c.Permissions.Right.CanCreateEmails, perms.Right.CanCreateMessages)
	perms.Right.CanDeleteMessages = boolOr(c.Permissions.Right.CanDeleteEmails, perms.Right.CanDeleteMessages)
	perms.Right.CanSetFlags = boolOr(c.Permissions.Right.CanSetFlags, perms.Right.CanSetFlags)
	return perms
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// BuildIMAPClientConfig translates the YAML block into imap.ClientConfig.
func (ic IMAPConfig) BuildIMAPClientConfig() imap.ClientConfig {
	cfg := imap.DefaultConfig()
	cfg.Host = ic.Host
	if ic.Port != 0 {
		cfg.Port = ic.Port
	}
	cfg.Username = ic.Username
	cfg.Password = ic.Password
	switch strings.ToLower(ic.Security) {
	case "starttls":
		cfg.Security = imap.SecurityStartTLS
	case "none":
		cfg.Security = imap.SecurityNone
	case "tls", "":
		cfg.Security = imap.SecurityTLS
	}
	if d, err := time.ParseDuration(ic.ConnectTimeout); err == nil && d > 0 {
		cfg.ConnectTimeout = d
	}
	return cfg
}

// BuildPoolConfig translates the YAML block's pool knobs into
// imap.PoolConfig.
func (ic IMAPConfig) BuildPoolConfig() imap.PoolConfig {
	cfg := imap.DefaultPoolConfig()
	if ic.MaxConnections > 0 {
		cfg.MaxConnections = ic.MaxConnections
	}
	if d, err := time.ParseDuration(ic.IdleTimeout); err == nil && d > 0 {
		cfg.IdleTimeout = d
	}
	return cfg
}

// BuildNotmuchConfig translates the YAML block into notmuchbackend.Config.
func (nc NotmuchConfig) BuildNotmuchConfig() notmuchbackend.Config {
	return notmuchbackend.Config{Binary: nc.Binary, InsertFolder: nc.InsertFolder}
}

// BuildSMTPClientConfig translates the YAML block into smtp.ClientConfig.
func (sc SMTPConfig) BuildSMTPClientConfig() smtp.ClientConfig {
	cfg := smtp.DefaultConfig()
	cfg.Host = sc.Host
	if sc.Port != 0 {
		cfg.Port = sc.Port
	}
	cfg.Username = sc.Username
	cfg.Password = sc.Password
	switch strings.ToLower(sc.Security) {
	case "tls":
		cfg.Security = smtp.SecurityTLS
	case "none":
		cfg.Security = smtp.SecurityNone
	case "starttls", "":
		cfg.Security = smtp.SecurityStartTLS
	}
	if d, err := time.ParseDuration(sc.ConnectTimeout); err == nil && d > 0 {
		cfg.ConnectTimeout = d
	}
	return cfg
}

// sideOf is a small convenience so cmd/tether can log which SyncDestination
// a SideConfig corresponds to without repeating the left/right literal.
func sideOf(isLeft bool) model.SyncDestination {
	if isLeft {
		return model.Left
	}
	return model.Right
}

// LeftDestination and RightDestination name the two constant
// model.SyncDestination values config translation deals in, spelled out so
// callers don't need to import internal/model just for this.
var (
	LeftDestination  = sideOf(true)
	RightDestination = sideOf(false)
)
