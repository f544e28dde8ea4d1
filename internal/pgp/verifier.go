package pgp

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/rs/zerolog"

	"github.com/tethermail/tether/internal/logging"
)

// Verifier checks PGP/MIME (RFC 3156) detached signatures against keys
// collected in a Store, as part of rendering a message's cache body (C8).
type Verifier struct {
	store *Store
	log   zerolog.Logger
}

// NewVerifier returns a Verifier backed by store's cached sender keys.
func NewVerifier(store *Store) *Verifier {
	return &Verifier{store: store, log: logging.WithComponent("pgp.verifier")}
}

// VerifyAndUnwrap inspects raw for a multipart/signed, pgp-signature part.
// If present, it verifies the detached signature, caches the signer's
// public key for future messages, and returns the result plus the
// unwrapped signed content. A message that isn't PGP/MIME signed returns
// (nil, nil) so the caller renders raw exactly as it would without PGP
// support at all.
func (v *Verifier) VerifyAndUnwrap(raw []byte) (*SignatureResult, []byte) {
	headers, bodyStart, ok := splitMessage(raw)
	if !ok {
		return nil, nil
	}

	_, params, ok := pgpMediaType(headers, "multipart/signed", "application/pgp-signature")
	if !ok {
		return nil, nil
	}

	return v.verifyMultipartSigned(raw[bodyStart:], params)
}

func (v *Verifier) verifyMultipartSigned(body []byte, params map[string]string) (*SignatureResult, []byte) {
	boundary := params["boundary"]
	if boundary == "" {
		return &SignatureResult{Status: StatusInvalid, ErrorMessage: "missing boundary parameter"}, nil
	}

	signedContent, ok := firstPartBytes(body, boundary)
	if !ok {
		return &SignatureResult{Status: StatusInvalid, ErrorMessage: "cannot find signed part boundaries"}, nil
	}

	reader := multipart.NewReader(bytes.NewReader(body), boundary)
	if p, err := reader.NextPart(); err == nil {
		io.Copy(io.Discard, p) // signed part, already extracted above
	}
	sigPart, err := reader.NextPart()
	if err != nil {
		return &SignatureResult{Status: StatusInvalid, ErrorMessage: fmt.Sprintf("read signature part: %v", err)}, nil
	}
	sigBytes, err := io.ReadAll(sigPart)
	if err != nil {
		return &SignatureResult{Status: StatusInvalid, ErrorMessage: fmt.Sprintf("read signature bytes: %v", err)}, nil
	}

	keyring, err := v.buildKeyring()
	if err != nil {
		v.log.Warn().Err(err).Msg("failed to build verification keyring")
		return &SignatureResult{Status: StatusUnknownKey, ErrorMessage: "failed to build keyring"}, signedContent
	}

	signer, err := openpgp.CheckArmoredDetachedSignature(keyring, bytes.NewReader(signedContent), bytes.NewReader(sigBytes), nil)
	if err != nil {
		if strings.Contains(err.Error(), "signature made by unknown entity") {
			return &SignatureResult{Status: StatusUnknownKey, ErrorMessage: "signing key not found"}, signedContent
		}
		return &SignatureResult{Status: StatusInvalid, ErrorMessage: fmt.Sprintf("signature verification failed: %v", err)}, signedContent
	}

	signerEmail := ExtractEmailFromKey(signer)
	signerKeyID := fmt.Sprintf("%016X", signer.PrimaryKey.KeyId)
	v.cacheSenderKey(signer, signerEmail)

	if IsKeyExpired(signer) {
		return &SignatureResult{
			Status:       StatusExpiredKey,
			SignerEmail:  signerEmail,
			SignerKeyID:  signerKeyID,
			ErrorMessage: "signing key has expired",
		}, signedContent
	}

	return &SignatureResult{Status: StatusSigned, SignerEmail: signerEmail, SignerKeyID: signerKeyID}, signedContent
}

// buildKeyring assembles every sender key this Store has cached into one
// openpgp.EntityList, the shape CheckArmoredDetachedSignature wants.
func (v *Verifier) buildKeyring() (openpgp.EntityList, error) {
	senderKeys, err := v.store.ListAllSenderKeys()
	if err != nil {
		return nil, fmt.Errorf("list sender keys: %w", err)
	}

	var keyring openpgp.EntityList
	for _, sk := range senderKeys {
		armored, err := v.store.GetSenderKeyArmored(sk.ID)
		if err != nil {
			continue
		}
		entities, err := ParseArmoredKey(armored)
		if err != nil {
			continue
		}
		keyring = append(keyring, entities...)
	}
	return keyring, nil
}

func (v *Verifier) cacheSenderKey(entity *openpgp.Entity, email string) {
	if email == "" {
		return
	}
	armored, err := ArmorPublicKey(entity)
	if err != nil {
		v.log.Warn().Err(err).Str("email", email).Msg("failed to armor sender key for caching")
		return
	}
	if err := v.store.CacheSenderKey(email, armored, "message"); err != nil {
		v.log.Warn().Err(err).Str("email", email).Msg("failed to cache sender key")
	}
}

// IsPGPSigned reports whether a Content-Type header names a PGP/MIME
// signed part (RFC 3156 §5).
func IsPGPSigned(contentType string) bool {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.EqualFold(mediaType, "multipart/signed") &&
		strings.EqualFold(params["protocol"], "application/pgp-signature")
}

// IsPGPEncrypted reports whether a Content-Type header names a PGP/MIME
// encrypted part (RFC 3156 §4).
func IsPGPEncrypted(contentType string) bool {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.EqualFold(mediaType, "multipart/encrypted") &&
		strings.EqualFold(params["protocol"], "application/pgp-encrypted")
}

// splitMessage locates the header/body boundary of an RFC 5322 message and
// returns the Content-Type-bearing headers plus the offset the body
// starts at. ok is false if raw has no blank-line terminated header block.
func splitMessage(raw []byte) (headers []byte, bodyStart int, ok bool) {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i != -1 {
		return raw[:i], i + 4, true
	}
	if i := bytes.Index(raw, []byte("\n\n")); i != -1 {
		return raw[:i], i + 2, true
	}
	return nil, 0, false
}

// pgpMediaType reports whether headers' Content-Type matches wantType
// with a "protocol" parameter equal to wantProtocol, returning the parsed
// parameters for the caller to pull boundary etc. out of.
func pgpMediaType(headers []byte, wantType, wantProtocol string) (string, map[string]string, bool) {
	ct := extractHeaderValue(headers, "Content-Type")
	if ct == "" {
		return "", nil, false
	}
	mediaType, params, err := mime.ParseMediaType(ct)
	if err != nil || !strings.EqualFold(mediaType, wantType) {
		return "", nil, false
	}
	if !strings.EqualFold(params["protocol"], wantProtocol) {
		return "", nil, false
	}
	return mediaType, params, true
}

// firstPartBytes extracts the raw bytes of the first body part of a
// multipart message, exactly as they appear between the opening
// boundary's trailing CRLF and the CRLF introducing the next boundary
// (RFC 2046 §5.1) — the precise span a detached signature was computed
// over.
func firstPartBytes(body []byte, boundary string) ([]byte, bool) {
	boundaryLine := []byte("--" + boundary)

	firstIdx := bytes.Index(body, boundaryLine)
	if firstIdx == -1 {
		return nil, false
	}
	contentStart := firstIdx + len(boundaryLine)
	if contentStart+2 <= len(body) && body[contentStart] == '\r' && body[contentStart+1] == '\n' {
		contentStart += 2
	} else if contentStart < len(body) && body[contentStart] == '\n' {
		contentStart++
	}

	rest := body[contentStart:]
	delim := []byte("\r\n--" + boundary)
	endIdx := bytes.Index(rest, delim)
	if endIdx == -1 {
		delim = []byte("\n--" + boundary)
		endIdx = bytes.Index(rest, delim)
		if endIdx == -1 {
			return nil, false
		}
	}
	return rest[:endIdx], true
}

// extractHeaderValue returns a header's value, case-insensitively,
// unfolding RFC 5322 continuation lines.
func extractHeaderValue(headers []byte, name string) string {
	lines := strings.Split(string(headers), "\n")
	lowerName := strings.ToLower(name)

	for i, line := range lines {
		line = strings.TrimRight(line, "\r")
		colonIdx := strings.Index(line, ":")
		if colonIdx == -1 {
			continue
		}
		if strings.ToLower(strings.TrimSpace(line[:colonIdx])) != lowerName {
			continue
		}

		value := strings.TrimSpace(line[colonIdx+1:])
		for j := i + 1; j < len(lines); j++ {
			next := strings.TrimRight(lines[j], "\r")
			if len(next) == 0 || (next[0] != ' ' && next[0] != '\t') {
				break
			}
			value += " " + strings.TrimSpace(next)
		}
		return value
	}
	return ""
}
