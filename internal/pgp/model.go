// Package pgp verifies and decrypts PGP/MIME mail (RFC 3156) for the
// MIME→MML interpreter (C8): an optional layer that unwraps a signed or
// encrypted envelope before its body is rendered into a cache payload.
// Composing outbound PGP (encrypting or signing a message being sent) is
// out of scope — see DESIGN.md.
package pgp

import "time"

// SignatureStatus reports the outcome of verifying a PGP/MIME signed part.
type SignatureStatus string

const (
	StatusNone       SignatureStatus = ""            // not PGP/MIME signed
	StatusSigned     SignatureStatus = "signed"      // signature verified, signer known
	StatusInvalid    SignatureStatus = "invalid"     // signature present but does not verify
	StatusUnknownKey SignatureStatus = "unknown_key" // signature verified against no key we hold
	StatusExpiredKey SignatureStatus = "expired_key" // valid signature, but the signer's key has expired
)

// Key is one imported keypair belonging to a local account: the public
// key and metadata live here, the armored private key lives in
// credentials.Store under the "pgp_private_key" kind keyed by Key.ID.
type Key struct {
	ID           string
	AccountID    string
	Email        string
	KeyID        string // 16-hex short key ID
	Fingerprint  string // 40-hex full fingerprint
	UserID       string // "Name <email>" from the key's self-signed identity
	Algorithm    string
	KeySize      int
	CreatedAtKey *time.Time
	ExpiresAtKey *time.Time
	IsExpired    bool // computed at read time, not stored
	HasPrivate   bool // computed from the entity that produced this Key, not stored
	CreatedAt    time.Time
}

// SenderKey is a public key collected from a verified signature or
// imported manually, cached so a later message from the same address can
// be verified (or, eventually, encrypted to) without a fresh lookup.
type SenderKey struct {
	ID           string
	Email        string
	KeyID        string
	Fingerprint  string
	UserID       string
	Algorithm    string
	KeySize      int
	CreatedAtKey *time.Time
	ExpiresAtKey *time.Time
	Source       string // "message" (collected while verifying) or "manual"
	CollectedAt  time.Time
	LastSeenAt   time.Time
}

// SignatureResult is the per-message outcome VerifyAndUnwrap reports.
type SignatureResult struct {
	Status       SignatureStatus
	SignerEmail  string
	SignerKeyID  string
	ErrorMessage string
}
