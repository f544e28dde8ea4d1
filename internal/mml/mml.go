// Package mml renders a MIME message into a stable textual payload (C8):
// one RFC 5322 header block plus an MML-escaped plaintext body, used as
// the sync engine's cache body representation (§4.5).
package mml

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/tethermail/tether/internal/model"
	"github.com/tethermail/tether/internal/pgp"
)

// FilterMode selects which headers Interpreter renders.
type FilterMode int

const (
	// All renders every header present on the message.
	All FilterMode = iota
	// Include renders only the named headers, in the order given.
	Include
	// Exclude renders every header except the named ones.
	Exclude
)

// FilterHeaders is the header display strategy (mirrors the Rust source's
// FilterHeaders enum).
type FilterHeaders struct {
	Mode    FilterMode
	Headers []string
}

// Contains reports whether header is covered by this strategy's list
// (meaningless for All, which is handled by the caller separately — same
// shape as the original's own contains(), used to dedup with
// with_show_additional_headers-style builders).
func (f FilterHeaders) Contains(header string) bool {
	switch f.Mode {
	case Include:
		return containsFold(f.Headers, header)
	case Exclude:
		return !containsFold(f.Headers, header)
	default:
		return false
	}
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}

// Interpreter renders a parsed message into MML text.
type Interpreter struct {
	ShowHeaders FilterHeaders

	pgpAccountID string
	pgpVerifier  *pgp.Verifier
	pgpDecryptor *pgp.Decryptor
}

// New returns an interpreter that shows all headers, the default strategy.
func New() Interpreter {
	return Interpreter{ShowHeaders: FilterHeaders{Mode: All}}
}

// WithPGP returns a copy that transparently verifies PGP/MIME signed
// messages and decrypts PGP/MIME encrypted messages (addressed to
// accountID) before rendering their body. Messages that are neither
// signed nor encrypted render exactly as before; PGP support is strictly
// additive, never required.
func (i Interpreter) WithPGP(accountID string, verifier *pgp.Verifier, decryptor *pgp.Decryptor) Interpreter {
	i.pgpAccountID = accountID
	i.pgpVerifier = verifier
	i.pgpDecryptor = decryptor
	return i
}

// WithShowOnlyHeaders returns a copy restricted to exactly the given
// headers, in the order given, with duplicates dropped.
func (i Interpreter) WithShowOnlyHeaders(headers ...string) Interpreter {
	var deduped []string
	for _, h := range headers {
		if !containsFold(deduped, h) {
			deduped = append(deduped, h)
		}
	}
	i.ShowHeaders = FilterHeaders{Mode: Include, Headers: deduped}
	return i
}

// WithHideAllHeaders returns a copy that renders no headers at all.
func (i Interpreter) WithHideAllHeaders() Interpreter {
	i.ShowHeaders = FilterHeaders{Mode: Include, Headers: nil}
	return i
}

// WithExcludeHeaders returns a copy that renders every header except the
// given ones.
func (i Interpreter) WithExcludeHeaders(headers ...string) Interpreter {
	i.ShowHeaders = FilterHeaders{Mode: Exclude, Headers: headers}
	return i
}

// mmlDirective matches an MML part directive so the plaintext body escaper
// can neutralize accidental markup in real message content (e.g. a literal
// "<#part>" in someone's email), per the Rust source's mml_markup_escaped
// test.
var mmlDirective = regexp.MustCompile(`<#(/?[A-Za-z][\w-]*)`)

func escapeMML(body string) string {
	return mmlDirective.ReplaceAllString(body, "<#!$1")
}

// FromBytes interprets raw RFC 5322 message bytes as an MML string.
func (i Interpreter) FromBytes(raw []byte) (string, error) {
	raw, sigNote, err := i.unwrapPGP(raw)
	if err != nil {
		return "", err
	}

	r, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("mml: parse message: %w", err)
	}

	var out strings.Builder
	if sigNote != "" {
		out.WriteString(sigNote)
	}
	i.renderHeaders(&out, r.Header)
	if out.Len() > 0 {
		out.WriteByte('\n')
	}

	body, err := i.renderBody(r)
	if err != nil {
		return "", err
	}
	out.WriteString(strings.TrimRight(strings.ReplaceAll(body, "\r\n", "\n"), "\n"))
	out.WriteByte('\n')

	return out.String(), nil
}

// pgpSkipHeaders names the headers a PGP/MIME wrapper owns; they describe
// the wrapper structure, not the original message, so they're dropped when
// an unwrapped inner part is spliced back under the outer headers.
var pgpSkipHeaders = map[string]bool{
	"content-type":              true,
	"content-transfer-encoding": true,
	"mime-version":              true,
}

// unwrapPGP decrypts a PGP/MIME encrypted message and/or verifies a PGP/MIME
// signed one, returning the plain message bytes to render plus an optional
// leading status line. Raw bytes pass through untouched when no PGP support
// was configured via WithPGP, or when the message isn't PGP/MIME at all.
func (i Interpreter) unwrapPGP(raw []byte) ([]byte, string, error) {
	if i.pgpVerifier == nil && i.pgpDecryptor == nil {
		return raw, "", nil
	}

	r, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return raw, "", nil
	}
	mediaType, params, _ := r.Header.ContentType()

	if i.pgpDecryptor != nil &&
		strings.EqualFold(mediaType, "multipart/encrypted") &&
		strings.EqualFold(params["protocol"], "application/pgp-encrypted") {

		decrypted, _, err := i.pgpDecryptor.DecryptMessage(i.pgpAccountID, raw)
		if err != nil {
			return nil, "", fmt.Errorf("mml: decrypt pgp message: %w", err)
		}
		raw = decrypted
		if r2, err2 := mail.CreateReader(bytes.NewReader(raw)); err2 == nil {
			mediaType, params, _ = r2.Header.ContentType()
			r = r2
		}
	}

	if i.pgpVerifier != nil &&
		strings.EqualFold(mediaType, "multipart/signed") &&
		strings.EqualFold(params["protocol"], "application/pgp-signature") {

		result, unwrapped := i.pgpVerifier.VerifyAndUnwrap(raw)
		if result != nil && unwrapped != nil {
			var headerBuf bytes.Buffer
			fields := r.Header.Header.Fields()
			for fields.Next() {
				if pgpSkipHeaders[strings.ToLower(fields.Key())] {
					continue
				}
				val, _ := fields.Text()
				fmt.Fprintf(&headerBuf, "%s: %s\r\n", fields.Key(), val)
			}
			// unwrapped already carries its own Content-Type header line(s)
			// followed by a blank line and the body (the first part of a
			// multipart/signed message is a complete MIME entity), so it's
			// appended directly rather than after another blank line.
			headerBuf.Write(unwrapped)

			note := fmt.Sprintf("X-PGP-Signature-Status: %s\n", result.Status)
			return headerBuf.Bytes(), note, nil
		}
	}

	return raw, "", nil
}

// FromMessage interprets a model.Message.
func (i Interpreter) FromMessage(msg *model.Message) (string, error) {
	return i.FromBytes(msg.Bytes())
}

func (i Interpreter) renderHeaders(out *strings.Builder, h mail.Header) {
	fields := h.Header.Fields()
	switch i.ShowHeaders.Mode {
	case Include:
		for _, key := range i.ShowHeaders.Headers {
			if val, err := h.Header.Text(key); err == nil && val != "" {
				fmt.Fprintf(out, "%s: %s\n", key, val)
			}
		}
	case Exclude:
		for fields.Next() {
			key := fields.Key()
			if containsFold(i.ShowHeaders.Headers, key) {
				continue
			}
			val, _ := fields.Text()
			fmt.Fprintf(out, "%s: %s\n", key, val)
		}
	default: // All
		for fields.Next() {
			val, _ := fields.Text()
			fmt.Fprintf(out, "%s: %s\n", fields.Key(), val)
		}
	}
}

// renderBody walks the message's parts looking for the first readable
// textual part (plain preferred over HTML), matching the scope of a cache
// body render: enough to reconstitute and re-display the mail, not a full
// MIME→MML structural transcription of every multipart/signed/encrypted
// nesting (that belongs to the MML compiler, out of scope per §1).
func (i Interpreter) renderBody(r *mail.Reader) (string, error) {
	var plain, html string

	for {
		part, err := r.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("mml: read part: %w", err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			data, err := io.ReadAll(part.Body)
			if err != nil {
				return "", fmt.Errorf("mml: read inline part: %w", err)
			}
			switch ct {
			case "text/plain":
				if plain == "" {
					plain = string(data)
				}
			case "text/html":
				if html == "" {
					html = string(data)
				}
			}
		case *mail.AttachmentHeader:
			// Attachments are not rendered into the cache body; the sync
			// engine caches the raw message separately for re-fetch.
			continue
		}
	}

	if plain != "" {
		return escapeMML(plain), nil
	}
	return escapeMML(html), nil
}
