package model

import "strings"

// Kind is the semantic role of a folder, used so that e.g. "INBOX" and a
// localized alias both resolve to the same logical folder.
type Kind string

const (
	KindInbox  Kind = "inbox"
	KindSent   Kind = "sent"
	KindDrafts Kind = "drafts"
	KindTrash  Kind = "trash"
	KindOther  Kind = ""
)

// Folder is an opaque backend folder name plus its semantic kind.
type Folder struct {
	Name      string
	Kind      Kind
	Delimiter string
}

// KindOrName returns the identity used for equality and for the diff
// engines: the kind when known (Inbox is a semantic singleton regardless of
// its label), else the raw name.
func (f Folder) KindOrName() string {
	if f.Kind != KindOther {
		return string(f.Kind)
	}
	return f.Name
}

// inboxAliases are case-insensitive names recognized as the Inbox without
// any user configuration, covering the common localized/provider variants.
var inboxAliases = map[string]bool{
	"inbox":      true,
	"posteingang": true,
	"boîte de réception": true,
}

// DetectKind guesses a folder's Kind from its name when the backend gives
// no stronger signal (IMAP SPECIAL-USE, Maildir convention, etc). Callers
// that have a stronger signal should set Kind directly instead of calling
// this.
func DetectKind(name string) Kind {
	lower := strings.ToLower(name)
	if inboxAliases[lower] {
		return KindInbox
	}
	switch lower {
	case "sent", "sent items", "sent mail":
		return KindSent
	case "drafts":
		return KindDrafts
	case "trash", "deleted items", "deleted messages":
		return KindTrash
	default:
		return KindOther
	}
}
