package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tethermail/tether/internal/backend"
	"github.com/tethermail/tether/internal/logging"
	"github.com/tethermail/tether/internal/model"
)

// Store is the cache's CRUD layer for one account. A Store is shared by
// both sides (Left/Right); callers scope every operation with a side
// argument, mirroring the "side" column in the schema.
type Store struct {
	db  *DB
	log zerolog.Logger
}

// NewStore wraps an opened, migrated DB.
func NewStore(db *DB) *Store {
	return &Store{db: db, log: logging.WithComponent("cache")}
}

// bodyPath returns the on-disk path for one envelope's cached MML body,
// keyed by (side, folder, message_id) per §6.
func (s *Store) bodyPath(account string, side model.SyncDestination, folder, messageID string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_").Replace(folder)
	return filepath.Join(s.db.bodyRoot, account, side.String(), safe, messageID+".mml")
}

// Backend builds a backend.Backend wired to this store's cache rows for
// one (account, side) pair, so the diff/executor engines can treat a cache
// exactly like any other backend.
func (s *Store) Backend(account string, side model.SyncDestination) *backend.Backend {
	return backend.New(fmt.Sprintf("cache:%s:%s", side, account), backend.Features{
		AddFolder:     func(ctx context.Context, name string) error { return s.AddFolder(ctx, account, side, name) },
		ListFolders:   func(ctx context.Context) ([]model.Folder, error) { return s.ListFolders(ctx, account, side) },
		ExpungeFolder: func(ctx context.Context, name string) error { return s.ExpungeFolder(ctx, account, side, name) },
		PurgeFolder:   func(ctx context.Context, name string) error { return s.PurgeFolder(ctx, account, side, name) },
		DeleteFolder:  func(ctx context.Context, name string) error { return s.DeleteFolder(ctx, account, side, name) },

		GetEnvelope:   func(ctx context.Context, folder string, id model.Id) (model.Envelope, error) { return s.GetEnvelope(ctx, account, side, folder, id.First()) },
		ListEnvelopes: func(ctx context.Context, folder string, opts backend.ListOptions) ([]model.Envelope, error) { return s.ListEnvelopes(ctx, account, side, folder, opts) },

		AddFlags:    func(ctx context.Context, folder string, id model.Id, flags model.Flags) error { return s.mutateFlags(ctx, account, side, folder, id.First(), flags, mutateAdd) },
		SetFlags:    func(ctx context.Context, folder string, id model.Id, flags model.Flags) error { return s.mutateFlags(ctx, account, side, folder, id.First(), flags, mutateSet) },
		RemoveFlags: func(ctx context.Context, folder string, id model.Id, flags model.Flags) error { return s.mutateFlags(ctx, account, side, folder, id.First(), flags, mutateRemove) },

		AddMessageWithFlags: func(ctx context.Context, folder string, raw []byte, flags model.Flags) (model.Id, error) {
			return s.AddMessageWithFlags(ctx, account, side, folder, raw, flags)
		},
		PeekMessages: func(ctx context.Context, folder string, id model.Id) ([]model.Message, error) { return s.ReadMessages(ctx, account, side, folder, id) },
		GetMessages:  func(ctx context.Context, folder string, id model.Id) ([]model.Message, error) { return s.ReadMessages(ctx, account, side, folder, id) },

		// Delete(cache side) sets the Deleted flag on the cache row, per
		// the data model (§3: "Uncache(...) — set Deleted flag on cache
		// side"); it does not physically remove the row.
		DeleteMessages: func(ctx context.Context, folder string, id model.Id) error {
			return s.mutateFlags(ctx, account, side, folder, id.First(), model.NewFlags(model.Deleted), mutateAdd)
		},
		// RemoveMessages is the unconditional physical delete.
		RemoveMessages: func(ctx context.Context, folder string, id model.Id) error {
			return s.RemoveEnvelope(ctx, account, side, folder, id.First())
		},

		// CopyMessages, MoveMessages, SendMessage, WatchEnvelopes are not
		// meaningful for a cache: transfers and sends always originate
		// from a live backend, and the cache has no push mechanism of its
		// own. Left nil; calling them surfaces ErrFeatureNotAvailable.
	})
}

func (s *Store) AddFolder(ctx context.Context, account string, side model.SyncDestination, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO folders (account, side, name, kind) VALUES (?, ?, ?, ?)
		ON CONFLICT (account, side, name) DO NOTHING
	`, account, side.String(), name, string(model.DetectKind(name)))
	if err != nil {
		return fmt.Errorf("cache add_folder %q: %w", name, err)
	}
	return nil
}

func (s *Store) ListFolders(ctx context.Context, account string, side model.SyncDestination) ([]model.Folder, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, kind FROM folders WHERE account = ? AND side = ?`, account, side.String())
	if err != nil {
		return nil, fmt.Errorf("cache list_folders: %w", err)
	}
	defer rows.Close()

	var out []model.Folder
	for rows.Next() {
		var name, kind string
		if err := rows.Scan(&name, &kind); err != nil {
			return nil, fmt.Errorf("cache list_folders scan: %w", err)
		}
		out = append(out, model.Folder{Name: name, Kind: model.Kind(kind)})
	}
	return out, rows.Err()
}

func (s *Store) ExpungeFolder(ctx context.Context, account string, side model.SyncDestination, name string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM envelopes WHERE account = ? AND side = ? AND folder = ? AND flags LIKE '%Deleted%'
	`, account, side.String(), name)
	if err != nil {
		return fmt.Errorf("cache expunge_folder %q: %w", name, err)
	}
	return nil
}

func (s *Store) PurgeFolder(ctx context.Context, account string, side model.SyncDestination, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM envelopes WHERE account = ? AND side = ? AND folder = ?`, account, side.String(), name)
	if err != nil {
		return fmt.Errorf("cache purge_folder %q: %w", name, err)
	}
	return nil
}

func (s *Store) DeleteFolder(ctx context.Context, account string, side model.SyncDestination, name string) error {
	if err := s.PurgeFolder(ctx, account, side, name); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM folders WHERE account = ? AND side = ? AND name = ?`, account, side.String(), name)
	if err != nil {
		return fmt.Errorf("cache delete_folder %q: %w", name, err)
	}
	return nil
}

// ErrNotFound is returned by GetEnvelope when no cache row matches.
var ErrNotFound = errors.New("cache: envelope not found")

func (s *Store) GetEnvelope(ctx context.Context, account string, side model.SyncDestination, folder, messageID string) (model.Envelope, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT internal_id, flags, date, sender, recipient, subject
		FROM envelopes WHERE account = ? AND side = ? AND folder = ? AND message_id = ?
	`, account, side.String(), folder, messageID)
	return scanEnvelope(row, messageID)
}

func scanEnvelope(row *sql.Row, messageID string) (model.Envelope, error) {
	var internalID, flagsCSV, sender, recipient, subject string
	var dateUnix int64
	if err := row.Scan(&internalID, &flagsCSV, &dateUnix, &sender, &recipient, &subject); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Envelope{}, ErrNotFound
		}
		return model.Envelope{}, fmt.Errorf("cache get_envelope: %w", err)
	}
	return model.Envelope{
		InternalID: model.Single(internalID),
		MessageID:  messageID,
		Flags:      flagsFromCSV(flagsCSV),
		Date:       time.Unix(dateUnix, 0).UTC(),
		From:       model.Address{Email: sender},
		To:         model.Address{Email: recipient},
		Subject:    subject,
	}, nil
}

func (s *Store) ListEnvelopes(ctx context.Context, account string, side model.SyncDestination, folder string, opts backend.ListOptions) ([]model.Envelope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, internal_id, flags, date, sender, recipient, subject
		FROM envelopes WHERE account = ? AND side = ? AND folder = ?
		ORDER BY date
	`, account, side.String(), folder)
	if err != nil {
		return nil, fmt.Errorf("cache list_envelopes: %w", err)
	}
	defer rows.Close()

	var all []model.Envelope
	for rows.Next() {
		var messageID, internalID, flagsCSV, sender, recipient, subject string
		var dateUnix int64
		if err := rows.Scan(&messageID, &internalID, &flagsCSV, &dateUnix, &sender, &recipient, &subject); err != nil {
			return nil, fmt.Errorf("cache list_envelopes scan: %w", err)
		}
		all = append(all, model.Envelope{
			InternalID: model.Single(internalID),
			MessageID:  messageID,
			Flags:      flagsFromCSV(flagsCSV),
			Date:       time.Unix(dateUnix, 0).UTC(),
			From:       model.Address{Email: sender},
			To:         model.Address{Email: recipient},
			Subject:    subject,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if opts.Page == 0 {
		return all, nil
	}
	start := (opts.Page - 1) * opts.PageSize
	if start >= len(all) || start < 0 {
		return nil, &backend.ErrPageOutOfRange{Folder: folder, Page: opts.Page}
	}
	end := start + opts.PageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

// ListEnvelopesByMessageID returns the folder's full envelope set keyed by
// message_id, the shape the diff engines consume directly (§4.2).
func (s *Store) ListEnvelopesByMessageID(ctx context.Context, account string, side model.SyncDestination, folder string) (map[string]model.Envelope, error) {
	envs, err := s.ListEnvelopes(ctx, account, side, folder, backend.ListOptions{})
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.Envelope, len(envs))
	for _, e := range envs {
		out[e.MessageID] = e
	}
	return out, nil
}

// UpsertEnvelope writes or overwrites a cache row (used by GetThenCache and
// CopyThenCache's target-side cache write), and persists body to disk.
func (s *Store) UpsertEnvelope(ctx context.Context, account string, side model.SyncDestination, folder string, env model.Envelope, body []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO envelopes (account, side, folder, message_id, internal_id, flags, date, sender, recipient, subject)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account, side, folder, message_id) DO UPDATE SET
			internal_id = excluded.internal_id,
			flags = excluded.flags,
			date = excluded.date,
			sender = excluded.sender,
			recipient = excluded.recipient,
			subject = excluded.subject
	`, account, side.String(), folder, env.MessageID, env.InternalID.First(),
		flagsToCSV(env.Flags), env.Date.UTC().Unix(), env.From.Email, env.To.Email, env.Subject)
	if err != nil {
		return fmt.Errorf("cache upsert envelope %q: %w", env.MessageID, err)
	}

	if body != nil {
		path := s.bodyPath(account, side, folder, env.MessageID)
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return fmt.Errorf("cache body dir: %w", err)
		}
		if err := os.WriteFile(path, body, 0600); err != nil {
			return fmt.Errorf("cache write body %q: %w", env.MessageID, err)
		}
	}
	return nil
}

// RemoveEnvelope unconditionally deletes a cache row and its body file.
func (s *Store) RemoveEnvelope(ctx context.Context, account string, side model.SyncDestination, folder, messageID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM envelopes WHERE account = ? AND side = ? AND folder = ? AND message_id = ?`,
		account, side.String(), folder, messageID)
	if err != nil {
		return fmt.Errorf("cache remove envelope %q: %w", messageID, err)
	}
	_ = os.Remove(s.bodyPath(account, side, folder, messageID))
	return nil
}

// ReadMessages returns the cached body (as raw bytes) for id.First(), which
// is the message_id for a cache-side read.
func (s *Store) ReadMessages(ctx context.Context, account string, side model.SyncDestination, folder string, id model.Id) ([]model.Message, error) {
	path := s.bodyPath(account, side, folder, id.First())
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cache read body %q: %w", id.First(), err)
	}
	return []model.Message{{Raw: raw}}, nil
}

// AddMessageWithFlags writes a new cache row keyed by a freshly-synthesized
// id, deriving the message_id from raw headers since the cache, unlike a
// live backend, is never the originating authority for Message-Id.
func (s *Store) AddMessageWithFlags(ctx context.Context, account string, side model.SyncDestination, folder string, raw []byte, flags model.Flags) (model.Id, error) {
	msg := &model.Message{Raw: raw}
	messageID := model.CanonicalMessageID(msg.Header("Message-Id"))
	if messageID == "" {
		from := msg.Header("From")
		if addr, err := mail.ParseAddress(from); err == nil {
			from = addr.Address
		}
		date, err := mail.ParseDate(msg.Header("Date"))
		if err != nil {
			date = time.Now().UTC()
		}
		messageID = model.SynthesizeMessageID(from, msg.Header("Subject"), date)
	}

	env := model.Envelope{
		InternalID: model.Single(messageID),
		MessageID:  messageID,
		Flags:      flags,
		Date:       time.Now().UTC(),
		From:       model.Address{Email: msg.Header("From")},
		To:         model.Address{Email: msg.Header("To")},
		Subject:    msg.Header("Subject"),
	}
	if err := s.UpsertEnvelope(ctx, account, side, folder, env, raw); err != nil {
		return model.Id{}, err
	}
	return model.Single(messageID), nil
}

type flagMutation int

const (
	mutateAdd flagMutation = iota
	mutateSet
	mutateRemove
)

func (s *Store) mutateFlags(ctx context.Context, account string, side model.SyncDestination, folder, messageID string, flags model.Flags, op flagMutation) error {
	current, err := s.GetEnvelope(ctx, account, side, folder, messageID)
	if err != nil {
		return err
	}

	switch op {
	case mutateSet:
		current.Flags = flags.Clone()
	case mutateAdd:
		current.Flags = model.Union(current.Flags, flags)
	case mutateRemove:
		for f := range flags {
			current.Flags.Remove(f)
		}
	}

	return s.UpsertEnvelope(ctx, account, side, folder, current, nil)
}

func flagsToCSV(fs model.Flags) string {
	slice := fs.Slice()
	names := make([]string, len(slice))
	for i, f := range slice {
		names[i] = string(f)
	}
	return strings.Join(names, ",")
}

func flagsFromCSV(csv string) model.Flags {
	fs := make(model.Flags)
	if csv == "" {
		return fs
	}
	for _, name := range strings.Split(csv, ",") {
		fs.Add(model.Flag(name))
	}
	return fs
}
