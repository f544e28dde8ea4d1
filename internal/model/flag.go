// Package model defines the backend-agnostic data model shared by every
// Tether component: folders, flags, envelopes, messages and ids.
package model

import "sort"

// Flag is a single envelope/message flag.
type Flag string

// Standard IMAP-derived flags. Any other value is a Custom flag.
const (
	Seen     Flag = "Seen"
	Answered Flag = "Answered"
	Flagged  Flag = "Flagged"
	Deleted  Flag = "Deleted"
	Draft    Flag = "Draft"
)

// Custom builds a non-standard flag. The medium that drops custom flags
// (Maildir's info suffix) is allowed to do so per spec.
func Custom(name string) Flag { return Flag(name) }

// IsStandard reports whether f is one of the five standard flags.
func (f Flag) IsStandard() bool {
	switch f {
	case Seen, Answered, Flagged, Deleted, Draft:
		return true
	default:
		return false
	}
}

// maildirLetters maps the standard five flags to their canonical Maildir
// info-suffix letter, in the canonical order required by the Maildir spec
// (letters must appear in ASCII order within the suffix).
var maildirLetters = map[Flag]byte{
	Draft:    'D',
	Flagged:  'F',
	Answered: 'R',
	Seen:     'S',
	Deleted:  'T',
}

// Flags is a set of Flag; insertion order is irrelevant and duplicates
// collapse naturally.
type Flags map[Flag]struct{}

// NewFlags builds a Flags set from individual flags.
func NewFlags(flags ...Flag) Flags {
	fs := make(Flags, len(flags))
	for _, f := range flags {
		fs[f] = struct{}{}
	}
	return fs
}

// Clone returns an independent copy.
func (fs Flags) Clone() Flags {
	out := make(Flags, len(fs))
	for f := range fs {
		out[f] = struct{}{}
	}
	return out
}

// Has reports whether f is in the set.
func (fs Flags) Has(f Flag) bool {
	_, ok := fs[f]
	return ok
}

// Add inserts f into the set.
func (fs Flags) Add(f Flag) { fs[f] = struct{}{} }

// Remove deletes f from the set.
func (fs Flags) Remove(f Flag) { delete(fs, f) }

// Equal reports whether fs and other contain exactly the same flags.
func (fs Flags) Equal(other Flags) bool {
	if len(fs) != len(other) {
		return false
	}
	for f := range fs {
		if !other.Has(f) {
			return false
		}
	}
	return true
}

// Union returns the union of fs with every set in others.
func Union(sets ...Flags) Flags {
	out := make(Flags)
	for _, set := range sets {
		for f := range set {
			out[f] = struct{}{}
		}
	}
	return out
}

// MaildirSuffix renders the Maildir ":2," info suffix for this set: the
// standard five flags mapped to single ASCII letters in canonical order,
// custom flags silently dropped (the medium has no room for them).
func (fs Flags) MaildirSuffix() string {
	var letters []byte
	for flag, letter := range maildirLetters {
		if fs.Has(flag) {
			letters = append(letters, letter)
		}
	}
	sort.Slice(letters, func(i, j int) bool { return letters[i] < letters[j] })
	return ":2," + string(letters)
}

// FlagsFromMaildirSuffix parses a Maildir ":2," info suffix back into a
// Flags set. Unknown letters are ignored.
func FlagsFromMaildirSuffix(suffix string) Flags {
	fs := make(Flags)
	for _, letter := range suffix {
		for flag, l := range maildirLetters {
			if byte(letter) == l {
				fs.Add(flag)
			}
		}
	}
	return fs
}

// Slice returns the flags sorted by name (one plain string sort, so custom
// flags interleave with the standard ones), useful for deterministic
// logging/serialization.
func (fs Flags) Slice() []Flag {
	out := make([]Flag, 0, len(fs))
	for f := range fs {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
