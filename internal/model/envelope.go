package model

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"time"
)

// Address is a single RFC 5322 mailbox (display name + address literal).
type Address struct {
	Name  string
	Email string
}

// String renders the address the way header-display prefers it: the
// display name when present, else the bare address literal.
func (a Address) String() string {
	if a.Name != "" {
		return fmt.Sprintf("%s <%s>", a.Name, a.Email)
	}
	return a.Email
}

// Envelope is the header-level summary of a message, keyed logically by
// MessageID. Two envelopes are the same logical mail iff their MessageID
// matches (I2).
type Envelope struct {
	InternalID Id
	MessageID  string
	Flags      Flags
	Date       time.Time
	From       Address
	To         Address
	Subject    string
}

// CanonicalMessageID strips angle brackets and lowercases an RFC 5322
// Message-ID header value for use as the sync engine's join key.
func CanonicalMessageID(raw string) string {
	id := strings.TrimSpace(raw)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.ToLower(id)
}

// SynthesizeMessageID derives a stable fingerprint for mail lacking a
// Message-ID header, from the fields most likely to be both present and
// unique: From, Subject and Date. This is a supplement to the original
// spec — without it, (I2) cannot hold for the not-uncommon real-world mail
// with no Message-ID at all.
func SynthesizeMessageID(from, subject string, date time.Time) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d", from, subject, date.Unix())
	return fmt.Sprintf("%x@tether.invalid", h.Sum(nil)[:16])
}

// SameLogicalMail reports whether two envelopes represent the same logical
// mail per (I2): their MessageID matches.
func SameLogicalMail(a, b Envelope) bool {
	return a.MessageID != "" && a.MessageID == b.MessageID
}
