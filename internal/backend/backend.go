// Package backend defines the capability surface (§4.6/C2) that every
// concrete driver (IMAP, Maildir, Notmuch, SMTP, the local cache) exposes
// to the sync engine. Mirroring the teacher's connection pool (which wraps
// a single always-available client), a backend here is a struct of
// optional operation objects resolved at build time — calling an
// unavailable operation returns ErrFeatureNotAvailable instead of
// panicking, per the dynamic feature registry design note (§9).
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/tethermail/tether/internal/model"
)

// ErrFeatureNotAvailable is returned when a capability was not registered
// for this backend instance.
var ErrFeatureNotAvailable = errors.New("feature not available")

// ListOptions constrains a ListEnvelopes call.
type ListOptions struct {
	// Page is 1-indexed; 0 means "all pages" (no pagination).
	Page int
	// PageSize is ignored when Page is 0.
	PageSize int
	// Query is a backend-specific search predicate (free text for IMAP,
	// notmuch query syntax for Notmuch, empty for "no filter").
	Query string
	// Order, when non-empty, names the sort key ("date", "subject", ...).
	// Empty means backend-default order.
	Order string
}

// ErrPageOutOfRange is returned by ListEnvelopes when Page is beyond the
// computed range.
type ErrPageOutOfRange struct {
	Folder string
	Page   int
}

func (e *ErrPageOutOfRange) Error() string {
	return fmt.Sprintf("folder %q: page %d is out of range", e.Folder, e.Page)
}

// Features is the complete operation set a backend may support. Each field
// is nil when the backend does not implement that operation; Backend
// methods turn a nil field into ErrFeatureNotAvailable.
type Features struct {
	AddFolder      func(ctx context.Context, name string) error
	ListFolders    func(ctx context.Context) ([]model.Folder, error)
	ExpungeFolder  func(ctx context.Context, name string) error
	PurgeFolder    func(ctx context.Context, name string) error
	DeleteFolder   func(ctx context.Context, name string) error

	GetEnvelope   func(ctx context.Context, folder string, id model.Id) (model.Envelope, error)
	ListEnvelopes func(ctx context.Context, folder string, opts ListOptions) ([]model.Envelope, error)
	WatchEnvelopes func(ctx context.Context, folder string, onChange func()) (cancel func(), err error)

	AddFlags    func(ctx context.Context, folder string, id model.Id, flags model.Flags) error
	SetFlags    func(ctx context.Context, folder string, id model.Id, flags model.Flags) error
	RemoveFlags func(ctx context.Context, folder string, id model.Id, flags model.Flags) error

	AddMessageWithFlags func(ctx context.Context, folder string, raw []byte, flags model.Flags) (model.Id, error)
	PeekMessages        func(ctx context.Context, folder string, id model.Id) ([]model.Message, error)
	GetMessages         func(ctx context.Context, folder string, id model.Id) ([]model.Message, error)
	CopyMessages        func(ctx context.Context, from, to string, id model.Id) error
	MoveMessages        func(ctx context.Context, from, to string, id model.Id) error
	DeleteMessages       func(ctx context.Context, folder string, id model.Id) error
	RemoveMessages       func(ctx context.Context, folder string, id model.Id) error

	SendMessage func(ctx context.Context, raw []byte) error

	// Close releases any held resources (e.g. a connection pool's
	// sockets). Most backends need nothing here; IMAP does.
	Close func(ctx context.Context) error
}

// Backend is the polymorphic record of optional operation-objects the sync
// engine and executor consume. It is deliberately a struct, not an
// interface, so a builder can assemble it piecemeal from whichever driver
// features are actually configured (§9 design note).
type Backend struct {
	Name string // for logging/error context, e.g. "imap:inbox@example.com"
	Features
}

// New wraps a Features set with a display name.
func New(name string, f Features) *Backend {
	return &Backend{Name: name, Features: f}
}

func (b *Backend) AddFolderF(ctx context.Context, name string) error {
	if b.Features.AddFolder == nil {
		return fmt.Errorf("%s: add_folder: %w", b.Name, ErrFeatureNotAvailable)
	}
	return b.Features.AddFolder(ctx, name)
}

func (b *Backend) ListFoldersF(ctx context.Context) ([]model.Folder, error) {
	if b.Features.ListFolders == nil {
		return nil, fmt.Errorf("%s: list_folders: %w", b.Name, ErrFeatureNotAvailable)
	}
	return b.Features.ListFolders(ctx)
}

func (b *Backend) ExpungeFolderF(ctx context.Context, name string) error {
	if b.Features.ExpungeFolder == nil {
		return fmt.Errorf("%s: expunge_folder: %w", b.Name, ErrFeatureNotAvailable)
	}
	return b.Features.ExpungeFolder(ctx, name)
}

func (b *Backend) PurgeFolderF(ctx context.Context, name string) error {
	if b.Features.PurgeFolder == nil {
		return fmt.Errorf("%s: purge_folder: %w", b.Name, ErrFeatureNotAvailable)
	}
	return b.Features.PurgeFolder(ctx, name)
}

func (b *Backend) DeleteFolderF(ctx context.Context, name string) error {
	if b.Features.DeleteFolder == nil {
		return fmt.Errorf("%s: delete_folder: %w", b.Name, ErrFeatureNotAvailable)
	}
	return b.Features.DeleteFolder(ctx, name)
}

func (b *Backend) GetEnvelopeF(ctx context.Context, folder string, id model.Id) (model.Envelope, error) {
	if b.Features.GetEnvelope == nil {
		return model.Envelope{}, fmt.Errorf("%s: get_envelope: %w", b.Name, ErrFeatureNotAvailable)
	}
	return b.Features.GetEnvelope(ctx, folder, id)
}

func (b *Backend) ListEnvelopesF(ctx context.Context, folder string, opts ListOptions) ([]model.Envelope, error) {
	if b.Features.ListEnvelopes == nil {
		return nil, fmt.Errorf("%s: list_envelopes: %w", b.Name, ErrFeatureNotAvailable)
	}
	return b.Features.ListEnvelopes(ctx, folder, opts)
}

func (b *Backend) AddFlagsF(ctx context.Context, folder string, id model.Id, flags model.Flags) error {
	if b.Features.AddFlags == nil {
		return fmt.Errorf("%s: add_flags: %w", b.Name, ErrFeatureNotAvailable)
	}
	return b.Features.AddFlags(ctx, folder, id, flags)
}

func (b *Backend) SetFlagsF(ctx context.Context, folder string, id model.Id, flags model.Flags) error {
	if b.Features.SetFlags == nil {
		return fmt.Errorf("%s: set_flags: %w", b.Name, ErrFeatureNotAvailable)
	}
	return b.Features.SetFlags(ctx, folder, id, flags)
}

func (b *Backend) RemoveFlagsF(ctx context.Context, folder string, id model.Id, flags model.Flags) error {
	if b.Features.RemoveFlags == nil {
		return fmt.Errorf("%s: remove_flags: %w", b.Name, ErrFeatureNotAvailable)
	}
	return b.Features.RemoveFlags(ctx, folder, id, flags)
}

func (b *Backend) AddMessageWithFlagsF(ctx context.Context, folder string, raw []byte, flags model.Flags) (model.Id, error) {
	if b.Features.AddMessageWithFlags == nil {
		return model.Id{}, fmt.Errorf("%s: add_message_with_flags: %w", b.Name, ErrFeatureNotAvailable)
	}
	return b.Features.AddMessageWithFlags(ctx, folder, raw, flags)
}

func (b *Backend) PeekMessagesF(ctx context.Context, folder string, id model.Id) ([]model.Message, error) {
	if b.Features.PeekMessages == nil {
		return nil, fmt.Errorf("%s: peek_messages: %w", b.Name, ErrFeatureNotAvailable)
	}
	return b.Features.PeekMessages(ctx, folder, id)
}

func (b *Backend) GetMessagesF(ctx context.Context, folder string, id model.Id) ([]model.Message, error) {
	if b.Features.GetMessages == nil {
		return nil, fmt.Errorf("%s: get_messages: %w", b.Name, ErrFeatureNotAvailable)
	}
	return b.Features.GetMessages(ctx, folder, id)
}

func (b *Backend) WatchEnvelopesF(ctx context.Context, folder string, onChange func()) (func(), error) {
	if b.Features.WatchEnvelopes == nil {
		return nil, fmt.Errorf("%s: watch_envelopes: %w", b.Name, ErrFeatureNotAvailable)
	}
	return b.Features.WatchEnvelopes(ctx, folder, onChange)
}

func (b *Backend) CopyMessagesF(ctx context.Context, from, to string, id model.Id) error {
	if b.Features.CopyMessages == nil {
		return fmt.Errorf("%s: copy_messages: %w", b.Name, ErrFeatureNotAvailable)
	}
	return b.Features.CopyMessages(ctx, from, to, id)
}

func (b *Backend) MoveMessagesF(ctx context.Context, from, to string, id model.Id) error {
	if b.Features.MoveMessages == nil {
		return fmt.Errorf("%s: move_messages: %w", b.Name, ErrFeatureNotAvailable)
	}
	return b.Features.MoveMessages(ctx, from, to, id)
}

func (b *Backend) DeleteMessagesF(ctx context.Context, folder string, id model.Id) error {
	if b.Features.DeleteMessages == nil {
		return fmt.Errorf("%s: delete_messages: %w", b.Name, ErrFeatureNotAvailable)
	}
	return b.Features.DeleteMessages(ctx, folder, id)
}

func (b *Backend) RemoveMessagesF(ctx context.Context, folder string, id model.Id) error {
	if b.Features.RemoveMessages == nil {
		return fmt.Errorf("%s: remove_messages: %w", b.Name, ErrFeatureNotAvailable)
	}
	return b.Features.RemoveMessages(ctx, folder, id)
}

func (b *Backend) SendMessageF(ctx context.Context, raw []byte) error {
	if b.Features.SendMessage == nil {
		return fmt.Errorf("%s: send_message: %w", b.Name, ErrFeatureNotAvailable)
	}
	return b.Features.SendMessage(ctx, raw)
}

// CloseF releases this backend's held resources, if it has any. Unlike
// every other *F method, a missing Close is not an error: most backends
// (Maildir, notmuch, SMTP) have nothing to release.
func (b *Backend) CloseF(ctx context.Context) error {
	if b.Features.Close == nil {
		return nil
	}
	return b.Features.Close(ctx)
}
