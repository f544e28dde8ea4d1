package mml

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
	"github.com/tethermail/tether/internal/pgp"
)

const rawMessage = "Message-Id: <id@localhost>\r\n" +
	"In-Reply-To: <reply-id@localhost>\r\n" +
	"Date: Thu, 01 Jan 1970 00:00:00 +0000\r\n" +
	"From: from@localhost\r\n" +
	"To: to@localhost\r\n" +
	"Subject: subject\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"Content-Transfer-Encoding: 7bit\r\n" +
	"\r\n" +
	"Hello, world!\r\n"

func TestFromBytesShowsOnlyRequestedHeaders(t *testing.T) {
	mml, err := New().WithShowOnlyHeaders("From", "Subject").FromBytes([]byte(rawMessage))
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}

	if !strings.Contains(mml, "From: from@localhost\n") {
		t.Fatalf("missing From header: %q", mml)
	}
	if !strings.Contains(mml, "Subject: subject\n") {
		t.Fatalf("missing Subject header: %q", mml)
	}
	if strings.Contains(mml, "To:") {
		t.Fatalf("unexpected To header in output: %q", mml)
	}
	if !strings.HasSuffix(mml, "Hello, world!\n") {
		t.Fatalf("expected body to end the render, got %q", mml)
	}
}

func TestFromBytesDedupsRequestedHeaders(t *testing.T) {
	mml, err := New().WithShowOnlyHeaders("From", "Subject", "From").FromBytes([]byte(rawMessage))
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if strings.Count(mml, "From:") != 1 {
		t.Fatalf("expected From header exactly once, got %q", mml)
	}
}

func TestFromBytesHideAllHeaders(t *testing.T) {
	mml, err := New().WithHideAllHeaders().FromBytes([]byte(rawMessage))
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if mml != "Hello, world!\n" {
		t.Fatalf("expected body only, got %q", mml)
	}
}

func TestFromBytesEscapesMMLMarkupInBody(t *testing.T) {
	raw := "From: from@localhost\r\n" +
		"Subject: subject\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"<#part>Should be escaped.<#/part>\r\n"

	mml, err := New().WithShowOnlyHeaders("From", "Subject").FromBytes([]byte(raw))
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}

	if !strings.HasSuffix(mml, "<#!part>Should be escaped.<#!/part>\n") {
		t.Fatalf("expected escaped markup, got %q", mml)
	}
}

func newPGPHarness(t *testing.T) (*pgp.Store, *credentials.Store) {
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
	return pgp.NewStore(db.DB), credStore
}

// signRawMessage wraps rawMessage in an RFC 3156 multipart/signed structure
// using entity's private key. There is no production Signer (outbound PGP
// composition is out of scope, see DESIGN.md); this mirrors the shape
// Interpreter.unwrapPGP expects, built directly from openpgp primitives for
// test purposes only.
func signRawMessage(t *testing.T, entity *openpgp.Entity) []byte {
	t.Helper()

	innerPart := []byte("Content-Type: text/plain; charset=utf-8\r\n" +
		"Content-Transfer-Encoding: 7bit\r\n\r\n" +
		"Hello, world!\r\n")

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
	result.WriteString("Message-Id: <id@localhost>\r\n")
	result.WriteString("In-Reply-To: <reply-id@localhost>\r\n")
	result.WriteString("Date: Thu, 01 Jan 1970 00:00:00 +0000\r\n")
	result.WriteString("From: from@localhost\r\n")
	result.WriteString("To: to@localhost\r\n")
	result.WriteString("Subject: subject\r\n")
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

func TestFromBytesSignatureStatusOnlyAnnotatedWithPGPSupport(t *testing.T) {
	store, _ := newPGPHarness(t)
	entity, err := openpgp.NewEntity("Alice", "", "alice@example.com", nil)
	if err != nil {
		t.Fatalf("NewEntity: %v", err)
	}
	pubArmored, _ := pgp.ArmorPublicKey(entity)
	if err := store.CacheSenderKey("alice@example.com", pubArmored, "manual"); err != nil {
		t.Fatalf("CacheSenderKey: %v", err)
	}

	signed := signRawMessage(t, entity)

	// Without WithPGP, multipart/signed's first part is still the literal
	// original content, so it renders as plain text — just without a
	// verification status, since nothing checked the signature.
	without, err := New().FromBytes(signed)
	if err != nil {
		t.Fatalf("FromBytes without PGP: %v", err)
	}
	if strings.Contains(without, "X-PGP-Signature-Status") {
		t.Fatalf("expected no signature status without WithPGP, got %q", without)
	}
	if !strings.Contains(without, "Hello, world!") {
		t.Fatalf("expected the original body to still render, got %q", without)
	}

	verifier := pgp.NewVerifier(store)
	with, err := New().WithPGP("acct1", verifier, nil).FromBytes(signed)
	if err != nil {
		t.Fatalf("FromBytes with PGP: %v", err)
	}
	if !strings.Contains(with, "X-PGP-Signature-Status: signed") {
		t.Fatalf("expected a signature status line, got %q", with)
	}
	if !strings.Contains(with, "Hello, world!") {
		t.Fatalf("expected the unwrapped original body, got %q", with)
	}
}
