package pgp

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"

	"github.com/tethermail/tether/internal/cache"
	"github.com/tethermail/tether/internal/credentials"
)

const testMessage = "Subject: hello\r\nFrom: alice@example.com\r\nTo: bob@example.com\r\n\r\nHi Bob.\r\n"

func newTestEntity(t *testing.T, name, email string) *openpgp.Entity {
	t.Helper()
	entity, err := openpgp.NewEntity(name, "", email, nil)
	if err != nil {
		t.Fatalf("NewEntity: %v", err)
	}
	return entity
}

func newTestHarness(t *testing.T) (*Store, *credentials.Store) {
	t.Helper()
	dir := t.TempDir()

	db, err := cache.Open(filepath.Join(dir, "cache.db"), filepath.Join(dir, "bodies"))
	if err != nil {
		t.Fatalf("cache.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	credStore, err := credentials.NewStore(db.DB, dir)
	if err != nil {
		t.Fatalf("credentials.NewStore: %v", err)
	}

	return NewStore(db.DB), credStore
}

func importEntity(t *testing.T, store *Store, credStore *credentials.Store, accountID string, entity *openpgp.Entity) *Key {
	t.Helper()

	pubArmored, err := ArmorPublicKey(entity)
	if err != nil {
		t.Fatalf("ArmorPublicKey: %v", err)
	}
	privArmored, err := ArmorPrivateKey(entity)
	if err != nil {
		t.Fatalf("ArmorPrivateKey: %v", err)
	}

	key := ExtractKeyMetadata(entity)
	key.AccountID = accountID

	if err := store.SaveKey(key, pubArmored); err != nil {
		t.Fatalf("SaveKey: %v", err)
	}
	if err := credStore.SetPGPPrivateKey(key.ID, []byte(privArmored)); err != nil {
		t.Fatalf("SetPGPPrivateKey: %v", err)
	}
	return key
}

// signTestMessage wraps rawMsg in an RFC 3156 multipart/signed structure
// using entity's private key, exercising the exact wire shape
// Verifier.VerifyAndUnwrap expects. There is no production Signer (outbound
// PGP composition is out of scope, see DESIGN.md); this is test-only.
func signTestMessage(t *testing.T, entity *openpgp.Entity, rawMsg []byte) []byte {
	t.Helper()

	headerEnd := bytes.Index(rawMsg, []byte("\r\n\r\n"))
	if headerEnd == -1 {
		t.Fatalf("test message has no header/body boundary")
	}
	body := rawMsg[headerEnd+4:]

	innerPart := []byte("Content-Type: text/plain; charset=utf-8\r\n\r\n" + string(body))

	var sigBuf bytes.Buffer
	armorWriter, err := armor.Encode(&sigBuf, "PGP SIGNATURE", nil)
	if err != nil {
		t.Fatalf("armor.Encode: %v", err)
	}
	if err := openpgp.DetachSignText(armorWriter, entity, bytes.NewReader(innerPart), nil); err != nil {
		t.Fatalf("DetachSignText: %v", err)
	}
	if err := armorWriter.Close(); err != nil {
		t.Fatalf("close armor writer: %v", err)
	}

	const boundary = "test-boundary"
	var result bytes.Buffer
	result.WriteString("Subject: hello\r\n")
	result.WriteString("From: alice@example.com\r\n")
	result.WriteString("To: bob@example.com\r\n")
	result.WriteString("Content-Type: multipart/signed;\r\n")
	result.WriteString("\tprotocol=\"application/pgp-signature\";\r\n")
	result.WriteString("\tmicalg=pgp-sha256;\r\n")
	result.WriteString(fmt.Sprintf("\tboundary=\"%s\"\r\n", boundary))
	result.WriteString("\r\n")
	result.WriteString("--" + boundary + "\r\n")
	result.Write(innerPart)
	result.WriteString("\r\n")
	result.WriteString("--" + boundary + "\r\n")
	result.WriteString("Content-Type: application/pgp-signature; name=\"signature.asc\"\r\n\r\n")
	result.Write(sigBuf.Bytes())
	result.WriteString("\r\n")
	result.WriteString("--" + boundary + "--\r\n")

	return result.Bytes()
}

// encryptTestMessage wraps rawMsg in an RFC 3156 multipart/encrypted
// structure for recipients, exercising the wire shape Decryptor.DecryptMessage
// expects. Test-only, mirroring signTestMessage above.
func encryptTestMessage(t *testing.T, recipients openpgp.EntityList, rawMsg []byte) []byte {
	t.Helper()

	headerEnd := bytes.Index(rawMsg, []byte("\r\n\r\n"))
	if headerEnd == -1 {
		t.Fatalf("test message has no header/body boundary")
	}
	body := rawMsg[headerEnd+4:]
	innerContent := []byte("Content-Type: text/plain; charset=utf-8\r\n\r\n" + string(body))

	var encryptedBuf bytes.Buffer
	armorWriter, err := armor.Encode(&encryptedBuf, "PGP MESSAGE", nil)
	if err != nil {
		t.Fatalf("armor.Encode: %v", err)
	}
	w, err := openpgp.Encrypt(armorWriter, recipients, nil, nil, nil)
	if err != nil {
		t.Fatalf("openpgp.Encrypt: %v", err)
	}
	if _, err := w.Write(innerContent); err != nil {
		t.Fatalf("write encrypted content: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close encryption writer: %v", err)
	}
	if err := armorWriter.Close(); err != nil {
		t.Fatalf("close armor writer: %v", err)
	}

	const boundary = "test-enc-boundary"
	var result bytes.Buffer
	result.WriteString("Subject: hello\r\n")
	result.WriteString("From: alice@example.com\r\n")
	result.WriteString("To: bob@example.com\r\n")
	result.WriteString("Content-Type: multipart/encrypted;\r\n")
	result.WriteString("\tprotocol=\"application/pgp-encrypted\";\r\n")
	result.WriteString(fmt.Sprintf("\tboundary=\"%s\"\r\n", boundary))
	result.WriteString("\r\n")
	result.WriteString("--" + boundary + "\r\n")
	result.WriteString("Content-Type: application/pgp-encrypted\r\n\r\n")
	result.WriteString("Version: 1\r\n")
	result.WriteString("\r\n")
	result.WriteString("--" + boundary + "\r\n")
	result.WriteString("Content-Type: application/octet-stream; name=\"encrypted.asc\"\r\n\r\n")
	result.Write(encryptedBuf.Bytes())
	result.WriteString("\r\n")
	result.WriteString("--" + boundary + "--\r\n")

	return result.Bytes()
}

func TestSignThenVerifyRoundTrip(t *testing.T) {
	store, credStore := newTestHarness(t)
	entity := newTestEntity(t, "Alice", "alice@example.com")
	importEntity(t, store, credStore, "acct1", entity)

	// the signer's own key must be cached as a sender key for the verifier
	// (a separate, pre-populated keyring) to recognize it
	pubArmored, err := ArmorPublicKey(entity)
	if err != nil {
		t.Fatalf("ArmorPublicKey: %v", err)
	}
	if err := store.CacheSenderKey("alice@example.com", pubArmored, "manual"); err != nil {
		t.Fatalf("CacheSenderKey: %v", err)
	}

	signed := signTestMessage(t, entity, []byte(testMessage))
	if !IsPGPSigned(extractHeaderValue(signed, "Content-Type")) {
		t.Fatalf("signed message does not report as PGP-signed: %s", signed)
	}

	verifier := NewVerifier(store)
	result, unwrapped := verifier.VerifyAndUnwrap(signed)
	if result == nil {
		t.Fatalf("VerifyAndUnwrap returned nil result for a signed message")
	}
	if result.Status != StatusSigned {
		t.Fatalf("Status = %q, want %q (%s)", result.Status, StatusSigned, result.ErrorMessage)
	}
	if !strings.Contains(string(unwrapped), "Hi Bob.") {
		t.Fatalf("unwrapped content missing original body: %s", unwrapped)
	}
}

func TestVerifyAndUnwrapIgnoresPlainMessage(t *testing.T) {
	verifier := NewVerifier(&Store{})
	result, unwrapped := verifier.VerifyAndUnwrap([]byte(testMessage))
	if result != nil || unwrapped != nil {
		t.Fatalf("expected (nil, nil) for an unsigned message, got (%v, %q)", result, unwrapped)
	}
}

func TestEncryptThenDecryptRoundTrip(t *testing.T) {
	recipientStore, recipientCredStore := newTestHarness(t)
	recipient := newTestEntity(t, "Bob", "bob@example.com")
	importEntity(t, recipientStore, recipientCredStore, "acct2", recipient)

	encrypted := encryptTestMessage(t, openpgp.EntityList{recipient}, []byte(testMessage))
	if !IsPGPEncrypted(extractHeaderValue(encrypted, "Content-Type")) {
		t.Fatalf("encrypted message does not report as PGP-encrypted: %s", encrypted)
	}

	decryptor := NewDecryptor(recipientStore, recipientCredStore)
	decrypted, wasEncrypted, err := decryptor.DecryptMessage("acct2", encrypted)
	if err != nil {
		t.Fatalf("DecryptMessage: %v", err)
	}
	if !wasEncrypted {
		t.Fatalf("expected wasEncrypted = true")
	}
	if !strings.Contains(string(decrypted), "Hi Bob.") {
		t.Fatalf("decrypted content missing original body: %s", decrypted)
	}
}

func TestIsPGPSignedAndEncryptedDetection(t *testing.T) {
	if IsPGPSigned("") {
		t.Fatalf("empty Content-Type should not be signed")
	}
	if !IsPGPSigned(`multipart/signed; protocol="application/pgp-signature"; boundary="x"`) {
		t.Fatalf("expected multipart/signed with pgp-signature protocol to be detected")
	}
	if !IsPGPEncrypted(`multipart/encrypted; protocol="application/pgp-encrypted"; boundary="x"`) {
		t.Fatalf("expected multipart/encrypted with pgp-encrypted protocol to be detected")
	}
	if IsPGPEncrypted(`multipart/mixed; boundary="x"`) {
		t.Fatalf("plain multipart/mixed should not be detected as PGP-encrypted")
	}
}
