package imapbackend

import (
	"fmt"
	"strconv"

	goimap "github.com/emersion/go-imap/v2"

	"github.com/tethermail/tether/internal/imap"
	"github.com/tethermail/tether/internal/model"
)

// parseUID decodes a model.Id wrapping a single decimal IMAP UID string,
// the form addMessageWithFlags and getEnvelope hand back and take in.
func parseUID(id model.Id) (goimap.UID, error) {
	if id.Len() != 1 {
		return 0, fmt.Errorf("imap: expected a single id, got %d", id.Len())
	}
	n, err := strconv.ParseUint(id.First(), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("imap: invalid UID %q: %w", id.First(), err)
	}
	return goimap.UID(n), nil
}

// parseUIDs decodes a model.Id wrapping one or more decimal UID strings.
func parseUIDs(id model.Id) ([]goimap.UID, error) {
	values := id.Values()
	out := make([]goimap.UID, 0, len(values))
	for _, v := range values {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("imap: invalid UID %q: %w", v, err)
		}
		out = append(out, goimap.UID(n))
	}
	return out, nil
}

// toIMAPFlags translates a model.Flags set into the wire flag literals go-imap
// expects: the five standard flags get their backslash form, everything else
// passes through as a keyword (fromIMAPFlags applies the same mapping in
// reverse).
func toIMAPFlags(flags model.Flags) []goimap.Flag {
	out := make([]goimap.Flag, 0, len(flags))
	for f := range flags {
		switch f {
		case model.Seen:
			out = append(out, goimap.FlagSeen)
		case model.Answered:
			out = append(out, goimap.FlagAnswered)
		case model.Flagged:
			out = append(out, goimap.FlagFlagged)
		case model.Deleted:
			out = append(out, goimap.FlagDeleted)
		case model.Draft:
			out = append(out, goimap.FlagDraft)
		default:
			out = append(out, goimap.Flag(f))
		}
	}
	return out
}

// fromIMAPFlags is toIMAPFlags's inverse.
func fromIMAPFlags(flags []goimap.Flag) model.Flags {
	out := make(model.Flags, len(flags))
	for _, f := range flags {
		switch f {
		case goimap.FlagSeen:
			out.Add(model.Seen)
		case goimap.FlagAnswered:
			out.Add(model.Answered)
		case goimap.FlagFlagged:
			out.Add(model.Flagged)
		case goimap.FlagDeleted:
			out.Add(model.Deleted)
		case goimap.FlagDraft:
			out.Add(model.Draft)
		default:
			out.Add(model.Custom(string(f)))
		}
	}
	return out
}

// toEnvelope adapts a raw Fetch result into the domain Envelope, synthesizing
// a Message-ID when the server's ENVELOPE carries none (not uncommon in the
// wild, per model.SynthesizeMessageID's own doc comment).
func toEnvelope(data imap.EnvelopeData) model.Envelope {
	env := model.Envelope{
		InternalID: model.Single(strconv.FormatUint(uint64(data.UID), 10)),
		Flags:      fromIMAPFlags(data.Flags),
	}

	if data.Env == nil {
		return env
	}

	env.Date = data.Env.Date
	env.Subject = data.Env.Subject
	env.MessageID = model.CanonicalMessageID(data.Env.MessageID)

	if len(data.Env.From) > 0 {
		env.From = addressOf(data.Env.From[0])
	}
	if len(data.Env.To) > 0 {
		env.To = addressOf(data.Env.To[0])
	}

	if env.MessageID == "" {
		env.MessageID = model.SynthesizeMessageID(env.From.Email, env.Subject, env.Date)
	}
	return env
}

func addressOf(a goimap.Address) model.Address {
	return model.Address{Name: a.Name, Email: a.Addr()}
}
