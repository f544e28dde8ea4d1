package pgp

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/rs/zerolog"

	"github.com/tethermail/tether/internal/credentials"
	"github.com/tethermail/tether/internal/logging"
)

// Decryptor opens PGP/MIME (RFC 3156) encrypted messages addressed to one
// of an account's imported keys, as part of rendering a message's cache
// body (C8). Private key material comes from credStore, never from disk
// or from the message itself.
type Decryptor struct {
	store     *Store
	credStore *credentials.Store
	log       zerolog.Logger
}

// NewDecryptor returns a Decryptor that decrypts with accounts' keys in
// store, unlocking the matching private key from credStore.
func NewDecryptor(store *Store, credStore *credentials.Store) *Decryptor {
	return &Decryptor{store: store, credStore: credStore, log: logging.WithComponent("pgp.decryptor")}
}

// DecryptMessage decrypts a PGP/MIME encrypted message (RFC 3156 §4) for
// accountID. Returns the decrypted bytes (which may themselves be
// multipart/signed, for sign-then-encrypt), whether raw was PGP/MIME
// encrypted at all, and any decryption error. A message that is not
// PGP/MIME encrypted returns (nil, false, nil) so the caller renders raw
// unchanged.
func (d *Decryptor) DecryptMessage(accountID string, raw []byte) ([]byte, bool, error) {
	headers, bodyStart, ok := splitMessage(raw)
	if !ok {
		return nil, false, fmt.Errorf("pgp: cannot find header/body boundary")
	}

	_, params, ok := pgpMediaType(headers, "multipart/encrypted", "application/pgp-encrypted")
	if !ok {
		return nil, false, nil
	}

	boundary := params["boundary"]
	if boundary == "" {
		return nil, true, fmt.Errorf("pgp: missing boundary parameter")
	}

	encData, err := encryptedPart(raw[bodyStart:], boundary)
	if err != nil {
		return nil, true, err
	}

	keyring, err := d.buildPrivateKeyring(accountID)
	if err != nil {
		return nil, true, fmt.Errorf("pgp: build private keyring: %w", err)
	}

	decrypted, err := decryptPGPData(encData, keyring)
	if err != nil {
		return nil, true, fmt.Errorf("pgp: decrypt message: %w", err)
	}

	d.log.Info().Str("account_id", accountID).Msg("decrypted pgp/mime message")
	return decrypted, true, nil
}

// encryptedPart pulls the second MIME part (the encrypted payload) out of
// a multipart/encrypted body, skipping the first part (the fixed
// "Version: 1" application/pgp-encrypted identification, RFC 3156 §4).
func encryptedPart(body []byte, boundary string) ([]byte, error) {
	reader := multipart.NewReader(bytes.NewReader(body), boundary)
	if p, err := reader.NextPart(); err == nil {
		io.Copy(io.Discard, p)
	}
	encPart, err := reader.NextPart()
	if err != nil {
		return nil, fmt.Errorf("pgp: read encrypted part: %w", err)
	}
	data, err := io.ReadAll(encPart)
	if err != nil {
		return nil, fmt.Errorf("pgp: read encrypted data: %w", err)
	}
	return data, nil
}

// decryptPGPData decrypts an armored or binary OpenPGP message against
// keyring, returning its plaintext body.
func decryptPGPData(data []byte, keyring openpgp.EntityList) ([]byte, error) {
	reader := io.Reader(bytes.NewReader(data))
	if block, err := armor.Decode(bytes.NewReader(data)); err == nil {
		reader = block.Body
	}

	md, err := openpgp.ReadMessage(reader, keyring, nil, nil)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(md.UnverifiedBody)
}

// buildPrivateKeyring assembles every private key accountID has imported
// into one openpgp.EntityList, the shape openpgp.ReadMessage wants to try
// candidate recipients against.
func (d *Decryptor) buildPrivateKeyring(accountID string) (openpgp.EntityList, error) {
	keys, err := d.store.ListKeys(accountID)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}

	var keyring openpgp.EntityList
	for _, key := range keys {
		armoredPrivate, err := d.credStore.GetPGPPrivateKey(key.ID)
		if err != nil {
			d.log.Debug().Err(err).Str("key_id", key.ID).Msg("no private key material for this key")
			continue
		}
		entities, err := ParseArmoredKey(string(armoredPrivate))
		if err != nil {
			d.log.Debug().Err(err).Str("key_id", key.ID).Msg("failed to parse private key")
			continue
		}
		keyring = append(keyring, entities...)
	}

	if len(keyring) == 0 {
		return nil, fmt.Errorf("no private keys found for account %q", accountID)
	}
	return keyring, nil
}
