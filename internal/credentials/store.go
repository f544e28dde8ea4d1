// Package credentials provides secret storage for account passwords, OAuth2
// tokens, and PGP private keys: the OS keyring first, falling back to an
// encrypted table in the cache database when no keyring is available (a
// headless server, most CI containers, some minimal Linux desktops).
package credentials

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	gokeyring "github.com/zalando/go-keyring"

	"github.com/tethermail/tether/internal/crypto"
	"github.com/tethermail/tether/internal/logging"
)

const serviceName = "tether"

// ErrNotFound is returned when no credential exists for the given account
// and kind, in either the keyring or the fallback table.
var ErrNotFound = errors.New("credential not found")

// kind distinguishes the several secrets a single account can carry.
type kind string

const (
	kindPassword     kind = "password"
	kindAccessToken  kind = "oauth_access_token"
	kindRefreshToken kind = "oauth_refresh_token"
	kindPGPKey       kind = "pgp_private_key"
)

// Store is the credential store for every configured account.
type Store struct {
	db             *sql.DB
	encryptor      *crypto.Encryptor
	keyringEnabled bool
	log            zerolog.Logger
}

// NewStore opens a Store backed by db (the cache database's "credentials"
// table) for its encrypted fallback, probing the OS keyring once at
// startup rather than on every call.
func NewStore(db *sql.DB, dataDir string) (*Store, error) {
	log := logging.WithComponent("credentials")

	encryptor, err := crypto.NewEncryptor(dataDir)
	if err != nil {
		return nil, fmt.Errorf("create encryptor: %w", err)
	}

	keyringEnabled := testKeyring()
	if keyringEnabled {
		log.Info().Msg("OS keyring available, using as primary credential storage")
	} else {
		log.Warn().Msg("OS keyring not available, using encrypted database storage")
	}

	return &Store{db: db, encryptor: encryptor, keyringEnabled: keyringEnabled, log: log}, nil
}

func testKeyring() bool {
	const testKey = "tether-keyring-check"
	if err := gokeyring.Set(serviceName, testKey, "test"); err != nil {
		return false
	}
	gokeyring.Delete(serviceName, testKey)
	return true
}

// IsKeyringEnabled reports whether the OS keyring is being used.
func (s *Store) IsKeyringEnabled() bool { return s.keyringEnabled }

func keyringKey(accountID string, k kind) string {
	return accountID + ":" + string(k)
}

// set stores value under (accountID, k), preferring the OS keyring and
// clearing any stale fallback row on success.
func (s *Store) set(accountID string, k kind, value string) error {
	if value == "" {
		return nil
	}

	if s.keyringEnabled {
		if err := gokeyring.Set(serviceName, keyringKey(accountID, k), value); err == nil {
			s.log.Debug().Str("account_id", accountID).Str("kind", string(k)).Msg("secret stored in OS keyring")
			s.clearFallback(accountID, k)
			return nil
		} else {
			s.log.Warn().Err(err).Msg("failed to store in OS keyring, using fallback")
		}
	}

	encrypted, err := s.encryptor.Encrypt(value)
	if err != nil {
		return fmt.Errorf("encrypt secret: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO credentials (account_id, kind, ciphertext) VALUES (?, ?, ?)
		 ON CONFLICT (account_id, kind) DO UPDATE SET ciphertext = excluded.ciphertext`,
		accountID, string(k), encrypted,
	)
	if err != nil {
		return fmt.Errorf("store encrypted secret: %w", err)
	}
	s.log.Debug().Str("account_id", accountID).Str("kind", string(k)).Msg("secret stored in encrypted database")
	return nil
}

// get retrieves the secret for (accountID, k), trying the OS keyring first.
func (s *Store) get(accountID string, k kind) (string, error) {
	if s.keyringEnabled {
		value, err := gokeyring.Get(serviceName, keyringKey(accountID, k))
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, gokeyring.ErrNotFound) {
			s.log.Warn().Err(err).Msg("error reading from OS keyring, trying fallback")
		}
	}

	var encrypted sql.NullString
	err := s.db.QueryRow(
		`SELECT ciphertext FROM credentials WHERE account_id = ? AND kind = ?`,
		accountID, string(k),
	).Scan(&encrypted)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("query secret: %w", err)
	}
	if err != nil || !encrypted.Valid || encrypted.String == "" {
		return "", ErrNotFound
	}

	value, err := s.encryptor.Decrypt(encrypted.String)
	if err != nil {
		return "", fmt.Errorf("decrypt secret: %w", err)
	}
	return value, nil
}

// delete removes the secret for (accountID, k) from both the keyring and
// the fallback table.
func (s *Store) delete(accountID string, k kind) error {
	if s.keyringEnabled {
		gokeyring.Delete(serviceName, keyringKey(accountID, k))
	}
	s.clearFallback(accountID, k)
	return nil
}

func (s *Store) clearFallback(accountID string, k kind) {
	s.db.Exec(`DELETE FROM credentials WHERE account_id = ? AND kind = ?`, accountID, string(k))
}

// SetPassword stores an account's plain password auth credential.
func (s *Store) SetPassword(accountID, password string) error {
	return s.set(accountID, kindPassword, password)
}

// GetPassword retrieves an account's plain password auth credential.
func (s *Store) GetPassword(accountID string) (string, error) {
	return s.get(accountID, kindPassword)
}

// DeletePassword removes an account's plain password auth credential.
func (s *Store) DeletePassword(accountID string) error {
	return s.delete(accountID, kindPassword)
}

// SetOAuthTokens stores an account's OAuth2 access and refresh tokens.
// refreshToken may be empty when the provider didn't issue one (a later
// authorization with the same scopes usually will).
func (s *Store) SetOAuthTokens(accountID, accessToken, refreshToken string) error {
	if err := s.set(accountID, kindAccessToken, accessToken); err != nil {
		return err
	}
	if refreshToken == "" {
		return nil
	}
	return s.set(accountID, kindRefreshToken, refreshToken)
}

// GetAccessToken retrieves an account's current OAuth2 access token.
func (s *Store) GetAccessToken(accountID string) (string, error) {
	return s.get(accountID, kindAccessToken)
}

// GetRefreshToken retrieves an account's OAuth2 refresh token.
func (s *Store) GetRefreshToken(accountID string) (string, error) {
	return s.get(accountID, kindRefreshToken)
}

// DeleteOAuthTokens removes both OAuth2 tokens for an account.
func (s *Store) DeleteOAuthTokens(accountID string) error {
	if err := s.delete(accountID, kindAccessToken); err != nil {
		return err
	}
	return s.delete(accountID, kindRefreshToken)
}

// SetPGPPrivateKey stores an armored PGP private key for a keypair.
func (s *Store) SetPGPPrivateKey(keyID string, armoredKey []byte) error {
	return s.set(keyID, kindPGPKey, string(armoredKey))
}

// GetPGPPrivateKey retrieves an armored PGP private key for a keypair.
func (s *Store) GetPGPPrivateKey(keyID string) ([]byte, error) {
	value, err := s.get(keyID, kindPGPKey)
	if err != nil {
		return nil, err
	}
	return []byte(value), nil
}

// DeletePGPPrivateKey removes a PGP private key for a keypair.
func (s *Store) DeletePGPPrivateKey(keyID string) error {
	return s.delete(keyID, kindPGPKey)
}

// DeleteAllCredentials removes every secret stored for accountID.
func (s *Store) DeleteAllCredentials(accountID string) error {
	if err := s.DeletePassword(accountID); err != nil {
		return err
	}
	return s.DeleteOAuthTokens(accountID)
}
