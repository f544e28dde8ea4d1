package pgp

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tethermail/tether/internal/logging"
)

// Store persists PGP key metadata in the cache database's pgp_keys and
// pgp_sender_keys tables (internal/cache/schema.go). Private key material
// never lives here — that goes through credentials.Store under the
// "pgp_private_key" kind, keyed by Key.ID — so a Store by itself only
// ever hands back public data.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStore opens a Store over db, the same *sql.DB the cache package
// already migrated pgp_keys/pgp_sender_keys into.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, log: logging.WithComponent("pgp")}
}

// SaveKey records key's metadata and armored public key, assigning it a
// fresh ID if it has none. A second SaveKey for the same fingerprint
// updates the account it belongs to rather than erroring, so re-importing
// the same key under a different account simply re-homes it.
func (s *Store) SaveKey(key *Key, publicKeyArmored string) error {
	if key.ID == "" {
		key.ID = uuid.New().String()
	}

	_, err := s.db.Exec(`
		INSERT INTO pgp_keys (id, account_id, email, key_id, fingerprint, user_id,
			algorithm, key_size, created_at_key, expires_at_key, public_key_armored,
			is_default, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET account_id = excluded.account_id`,
		key.ID, key.AccountID, key.Email, key.KeyID, key.Fingerprint, key.UserID,
		key.Algorithm, key.KeySize, key.CreatedAtKey, key.ExpiresAtKey,
		publicKeyArmored, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("pgp: save key %s: %w", key.Fingerprint, err)
	}
	s.log.Debug().Str("account_id", key.AccountID).Str("fingerprint", key.Fingerprint).Msg("saved pgp key")
	return nil
}

// ListKeys returns every key imported for accountID, newest first.
func (s *Store) ListKeys(accountID string) ([]*Key, error) {
	rows, err := s.db.Query(`
		SELECT id, account_id, email, key_id, fingerprint, user_id,
			algorithm, key_size, created_at_key, expires_at_key, created_at
		FROM pgp_keys WHERE account_id = ?
		ORDER BY created_at DESC`, accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("pgp: list keys for %s: %w", accountID, err)
	}
	defer rows.Close()

	var keys []*Key
	for rows.Next() {
		key := &Key{}
		var createdAtKey, expiresAtKey sql.NullTime
		if err := rows.Scan(
			&key.ID, &key.AccountID, &key.Email, &key.KeyID, &key.Fingerprint, &key.UserID,
			&key.Algorithm, &key.KeySize, &createdAtKey, &expiresAtKey, &key.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("pgp: scan key row: %w", err)
		}
		if createdAtKey.Valid {
			key.CreatedAtKey = &createdAtKey.Time
		}
		if expiresAtKey.Valid {
			key.ExpiresAtKey = &expiresAtKey.Time
			key.IsExpired = time.Now().After(expiresAtKey.Time)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// CacheSenderKey stores or refreshes a public key collected for email,
// either from a verified signature ("message") or a manual import
// ("manual"). A second call for the same fingerprint only bumps
// last_seen_at, so a frequent correspondent's key doesn't accumulate
// duplicate rows.
func (s *Store) CacheSenderKey(email, armoredPublicKey, source string) error {
	entities, err := ParseArmoredKey(armoredPublicKey)
	if err != nil {
		return fmt.Errorf("pgp: cache sender key: %w", err)
	}

	meta := ExtractKeyMetadata(entities[0])
	now := time.Now()

	_, err = s.db.Exec(`
		INSERT INTO pgp_sender_keys (id, email, key_id, fingerprint, user_id,
			algorithm, key_size, created_at_key, expires_at_key, public_key_armored,
			source, collected_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET last_seen_at = excluded.last_seen_at`,
		uuid.New().String(), email, meta.KeyID, meta.Fingerprint, meta.UserID,
		meta.Algorithm, meta.KeySize, meta.CreatedAtKey, meta.ExpiresAtKey,
		armoredPublicKey, source, now, now,
	)
	if err != nil {
		return fmt.Errorf("pgp: cache sender key for %s: %w", email, err)
	}
	return nil
}

// ListAllSenderKeys returns every cached sender key, across every address,
// most recently seen first — the full keyring a signature verifier checks
// a detached signature against.
func (s *Store) ListAllSenderKeys() ([]*SenderKey, error) {
	rows, err := s.db.Query(`
		SELECT id, email, key_id, fingerprint, user_id, algorithm, key_size,
			created_at_key, expires_at_key, source, collected_at, last_seen_at
		FROM pgp_sender_keys
		ORDER BY last_seen_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("pgp: list sender keys: %w", err)
	}
	defer rows.Close()

	var keys []*SenderKey
	for rows.Next() {
		sk := &SenderKey{}
		var createdAtKey, expiresAtKey sql.NullTime
		if err := rows.Scan(
			&sk.ID, &sk.Email, &sk.KeyID, &sk.Fingerprint, &sk.UserID,
			&sk.Algorithm, &sk.KeySize, &createdAtKey, &expiresAtKey,
			&sk.Source, &sk.CollectedAt, &sk.LastSeenAt,
		); err != nil {
			return nil, fmt.Errorf("pgp: scan sender key row: %w", err)
		}
		if createdAtKey.Valid {
			sk.CreatedAtKey = &createdAtKey.Time
		}
		if expiresAtKey.Valid {
			sk.ExpiresAtKey = &expiresAtKey.Time
		}
		keys = append(keys, sk)
	}
	return keys, rows.Err()
}

// GetSenderKeyArmored returns the armored public key for a cached sender
// key ID, as returned by ListAllSenderKeys.
func (s *Store) GetSenderKeyArmored(id string) (string, error) {
	var armored string
	err := s.db.QueryRow("SELECT public_key_armored FROM pgp_sender_keys WHERE id = ?", id).Scan(&armored)
	if err != nil {
		return "", fmt.Errorf("pgp: get sender key %s: %w", id, err)
	}
	return armored, nil
}
