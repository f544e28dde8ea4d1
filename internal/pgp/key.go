package pgp

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

// ParseArmoredKey parses an ASCII-armored public or private keyring.
func ParseArmoredKey(armored string) (openpgp.EntityList, error) {
	entities, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armored))
	if err != nil {
		return nil, fmt.Errorf("pgp: parse armored key: %w", err)
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("pgp: no keys found in armored data")
	}
	return entities, nil
}

// ExtractKeyMetadata reads the fields of Key that can be derived straight
// from an openpgp.Entity, leaving AccountID and ID for the caller to fill
// in once the key is associated with an account and assigned a store ID.
func ExtractKeyMetadata(entity *openpgp.Entity) *Key {
	pk := entity.PrimaryKey
	createdAt := pk.CreationTime

	key := &Key{
		KeyID:        fmt.Sprintf("%016X", pk.KeyId),
		Fingerprint:  fmt.Sprintf("%X", pk.Fingerprint),
		Algorithm:    algorithmName(pk.PubKeyAlgo),
		KeySize:      keyBitLength(pk),
		CreatedAtKey: &createdAt,
		IsExpired:    IsKeyExpired(entity),
		HasPrivate:   entity.PrivateKey != nil,
	}

	for _, ident := range entity.Identities {
		key.UserID = ident.Name
		if ident.UserId != nil {
			key.Email = ident.UserId.Email
		}
		if expiry, ok := identityExpiry(pk.CreationTime, ident); ok {
			key.ExpiresAtKey = &expiry
		}
		break // every Identities entry names the same key; the first is enough
	}

	return key
}

// ExtractEmailFromKey returns the email address of an entity's first
// identity, or "" if it has none.
func ExtractEmailFromKey(entity *openpgp.Entity) string {
	for _, ident := range entity.Identities {
		if ident.UserId != nil && ident.UserId.Email != "" {
			return ident.UserId.Email
		}
	}
	return ""
}

// IsKeyExpired reports whether entity's primary key has passed its
// self-signed lifetime, if it declares one.
func IsKeyExpired(entity *openpgp.Entity) bool {
	for _, ident := range entity.Identities {
		if expiry, ok := identityExpiry(entity.PrimaryKey.CreationTime, ident); ok {
			return time.Now().After(expiry)
		}
		break
	}
	return false
}

func identityExpiry(created time.Time, ident *openpgp.Identity) (time.Time, bool) {
	if ident.SelfSignature == nil || ident.SelfSignature.KeyLifetimeSecs == nil {
		return time.Time{}, false
	}
	return created.Add(time.Duration(*ident.SelfSignature.KeyLifetimeSecs) * time.Second), true
}

func algorithmName(algo packet.PublicKeyAlgorithm) string {
	switch algo {
	case packet.PubKeyAlgoRSA, packet.PubKeyAlgoRSASignOnly, packet.PubKeyAlgoRSAEncryptOnly:
		return "RSA"
	case packet.PubKeyAlgoDSA:
		return "DSA"
	case packet.PubKeyAlgoElGamal:
		return "ElGamal"
	case packet.PubKeyAlgoECDSA:
		return "ECDSA"
	case packet.PubKeyAlgoEdDSA:
		return "EdDSA"
	case packet.PubKeyAlgoECDH:
		return "ECDH"
	default:
		return fmt.Sprintf("unknown(%d)", algo)
	}
}

func keyBitLength(pk *packet.PublicKey) int {
	bitLen, err := pk.BitLength()
	if err != nil {
		return 0
	}
	return int(bitLen)
}

// ArmorPublicKey exports entity's public key as ASCII-armored text.
func ArmorPublicKey(entity *openpgp.Entity) (string, error) {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, "PGP PUBLIC KEY BLOCK", nil)
	if err != nil {
		return "", fmt.Errorf("pgp: open armor writer: %w", err)
	}
	if err := entity.Serialize(w); err != nil {
		return "", fmt.Errorf("pgp: serialize public key: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("pgp: close armor writer: %w", err)
	}
	return buf.String(), nil
}

// ArmorPrivateKey exports entity's private key as ASCII-armored text.
func ArmorPrivateKey(entity *openpgp.Entity) (string, error) {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, "PGP PRIVATE KEY BLOCK", nil)
	if err != nil {
		return "", fmt.Errorf("pgp: open armor writer: %w", err)
	}
	if err := entity.SerializePrivate(w, nil); err != nil {
		return "", fmt.Errorf("pgp: serialize private key: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("pgp: close armor writer: %w", err)
	}
	return buf.String(), nil
}
