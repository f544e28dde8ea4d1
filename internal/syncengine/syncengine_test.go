package syncengine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/tethermail/tether/internal/backend"
	"github.com/tethermail/tether/internal/envelopediff"
	"github.com/tethermail/tether/internal/events"
	"github.com/tethermail/tether/internal/folderdiff"
	"github.com/tethermail/tether/internal/model"
	"github.com/tethermail/tether/internal/pool"
)

const testRawMessage = "Message-Id: <m1@x>\r\n" +
	"From: alice@example.com\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: hi\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"hello\r\n"

// memMessage is raw bytes plus the flags a message carries in a folder.
type memMessage struct {
	raw   []byte
	flags model.Flags
}

// memBackend is an in-memory backend.Backend double: folders and messages
// (keyed by folder, then a synthetic id) live in plain maps so a sync run
// can be exercised without a real IMAP/Maildir/cache store.
type memBackend struct {
	folders map[string]bool
	envs    map[string]map[string]model.Envelope // folder -> id -> envelope
	msgs    map[string]map[string]memMessage     // folder -> id -> message
	nextID  int
}

func newMemBackend() *memBackend {
	return &memBackend{
		folders: map[string]bool{},
		envs:    map[string]map[string]model.Envelope{},
		msgs:    map[string]map[string]memMessage{},
	}
}

func (m *memBackend) put(folder string, env model.Envelope, raw []byte) {
	m.nextID++
	id := fmt.Sprintf("id%d", m.nextID)
	env.InternalID = model.Single(id)
	if m.envs[folder] == nil {
		m.envs[folder] = map[string]model.Envelope{}
		m.msgs[folder] = map[string]memMessage{}
	}
	m.envs[folder][id] = env
	m.msgs[folder][id] = memMessage{raw: raw, flags: env.Flags}
}

func (m *memBackend) backend(name string) *backend.Backend {
	return backend.New(name, backend.Features{
		AddFolder: func(ctx context.Context, folderName string) error {
			m.folders[folderName] = true
			return nil
		},
		DeleteFolder: func(ctx context.Context, folderName string) error {
			delete(m.folders, folderName)
			return nil
		},
		ListFolders: func(ctx context.Context) ([]model.Folder, error) {
			out := make([]model.Folder, 0, len(m.folders))
			for name := range m.folders {
				out = append(out, model.Folder{Name: name})
			}
			return out, nil
		},
		ListEnvelopes: func(ctx context.Context, folderName string, opts backend.ListOptions) ([]model.Envelope, error) {
			out := make([]model.Envelope, 0, len(m.envs[folderName]))
			for _, env := range m.envs[folderName] {
				out = append(out, env)
			}
			return out, nil
		},
		GetEnvelope: func(ctx context.Context, folderName string, id model.Id) (model.Envelope, error) {
			env, ok := m.envs[folderName][id.First()]
			if !ok {
				return model.Envelope{}, fmt.Errorf("memBackend: no envelope %s/%s", folderName, id.First())
			}
			return env, nil
		},
		PeekMessages: func(ctx context.Context, folderName string, id model.Id) ([]model.Message, error) {
			msg, ok := m.msgs[folderName][id.First()]
			if !ok {
				return nil, fmt.Errorf("memBackend: no message %s/%s", folderName, id.First())
			}
			return []model.Message{{Raw: msg.raw}}, nil
		},
		AddMessageWithFlags: func(ctx context.Context, folderName string, raw []byte, flags model.Flags) (model.Id, error) {
			m.put(folderName, model.Envelope{MessageID: "synthetic@tether.invalid", Flags: flags}, raw)
			for id, msg := range m.msgs[folderName] {
				if string(msg.raw) == string(raw) {
					return model.Single(id), nil
				}
			}
			return model.Id{}, fmt.Errorf("memBackend: lost the message just added")
		},
	})
}

func TestSyncCreatesMissingFolderThenCachesEnvelope(t *testing.T) {
	left := newMemBackend()
	leftCache := newMemBackend()
	right := newMemBackend()
	rightCache := newMemBackend()

	// Right already has an Inbox with one message; nothing else exists
	// anywhere yet, so a full sync should create Inbox on the left and
	// cache the message on both sides' cache backends.
	right.folders["INBOX"] = true
	right.put("INBOX", model.Envelope{MessageID: "m1@x", Flags: model.NewFlags(model.Seen)}, []byte(testRawMessage))

	ctx := pool.Context{
		Left: left.backend("left"), LeftCache: leftCache.backend("left-cache"),
		Right: right.backend("right"), RightCache: rightCache.backend("right-cache"),
	}
	p := pool.NewPool(pool.DefaultConfig(), []*pool.Context{&ctx})
	bus := events.NewBus(nil)

	run := &Run{
		Pool:              p,
		Bus:               bus,
		Strategy:          folderdiff.Strategy{Mode: folderdiff.All},
		FolderPermissions: folderdiff.DefaultPermissions(),
		EmailPermissions:  envelopediff.DefaultPermissions(),
	}

	report, err := run.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if report.Failed() {
		t.Fatalf("expected a clean report, got %+v", report)
	}

	if !left.folders["INBOX"] {
		t.Fatalf("expected INBOX to be created on the left live backend")
	}
	if !leftCache.folders["INBOX"] || !rightCache.folders["INBOX"] {
		t.Fatalf("expected INBOX cached on both sides, left=%v right=%v", leftCache.folders, rightCache.folders)
	}
	if len(leftCache.envs["INBOX"]) != 1 || len(rightCache.envs["INBOX"]) != 1 {
		t.Fatalf("expected the message cached once on both sides, left=%d right=%d", len(leftCache.envs["INBOX"]), len(rightCache.envs["INBOX"]))
	}
}

func TestSyncRespectsForbiddenFolderCreation(t *testing.T) {
	left := newMemBackend()
	leftCache := newMemBackend()
	right := newMemBackend()
	rightCache := newMemBackend()

	right.folders["Archive"] = true

	ctx := pool.Context{
		Left: left.backend("left"), LeftCache: leftCache.backend("left-cache"),
		Right: right.backend("right"), RightCache: rightCache.backend("right-cache"),
	}
	p := pool.NewPool(pool.DefaultConfig(), []*pool.Context{&ctx})
	bus := events.NewBus(nil)

	perms := folderdiff.DefaultPermissions()
	perms.Left.CanCreateFolders = false

	run := &Run{
		Pool:              p,
		Bus:               bus,
		Strategy:          folderdiff.Strategy{Mode: folderdiff.All},
		FolderPermissions: perms,
		EmailPermissions:  envelopediff.DefaultPermissions(),
	}

	report, err := run.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if report.Failed() {
		t.Fatalf("expected a clean report, got %+v", report)
	}

	if left.folders["Archive"] {
		t.Fatalf("left should not have gained Archive when CanCreateFolders is false")
	}
}

// TestSyncContinuesPastFolderHunkFailure covers a Create hunk that fails
// on one folder: a second, healthy folder must still sync to completion,
// and the failure must surface in the report rather than aborting the run.
func TestSyncContinuesPastFolderHunkFailure(t *testing.T) {
	left := newMemBackend()
	leftCache := newMemBackend()
	right := newMemBackend()
	rightCache := newMemBackend()

	right.folders["Broken"] = true
	right.folders["INBOX"] = true
	right.put("INBOX", model.Envelope{MessageID: "m1@x", Flags: model.NewFlags(model.Seen)}, []byte(testRawMessage))

	failAddFolder := errors.New("left: add folder denied by server")
	plainLeft := left.backend("left")
	leftBackend := backend.New("left", backend.Features{
		AddFolder: func(ctx context.Context, folderName string) error {
			if folderName == "Broken" {
				return failAddFolder
			}
			left.folders[folderName] = true
			return nil
		},
		DeleteFolder:        plainLeft.DeleteFolderF,
		ListFolders:         plainLeft.ListFoldersF,
		ListEnvelopes:       plainLeft.ListEnvelopesF,
		GetEnvelope:         plainLeft.GetEnvelopeF,
		PeekMessages:        plainLeft.PeekMessagesF,
		AddMessageWithFlags: plainLeft.AddMessageWithFlagsF,
	})

	ctx := pool.Context{
		Left: leftBackend, LeftCache: leftCache.backend("left-cache"),
		Right: right.backend("right"), RightCache: rightCache.backend("right-cache"),
	}
	p := pool.NewPool(pool.DefaultConfig(), []*pool.Context{&ctx})
	bus := events.NewBus(nil)

	run := &Run{
		Pool:              p,
		Bus:               bus,
		Strategy:          folderdiff.Strategy{Mode: folderdiff.All},
		FolderPermissions: folderdiff.DefaultPermissions(),
		EmailPermissions:  envelopediff.DefaultPermissions(),
	}

	report, err := run.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync returned a fatal error for a per-hunk failure: %v", err)
	}
	if !report.Failed() {
		t.Fatalf("expected the report to record the Broken folder's failure")
	}

	var sawBrokenFailure bool
	for _, r := range report.FolderResults {
		if r.Hunk.Folder == "Broken" {
			if r.Err == nil {
				t.Fatalf("expected Broken's Create hunk to have failed")
			}
			sawBrokenFailure = true
		}
	}
	if !sawBrokenFailure {
		t.Fatalf("report has no result for the Broken folder: %+v", report.FolderResults)
	}

	if !left.folders["INBOX"] {
		t.Fatalf("INBOX should still have synced despite Broken's failure")
	}
	if !leftCache.folders["INBOX"] || !rightCache.folders["INBOX"] {
		t.Fatalf("INBOX should still be cached on both sides despite Broken's failure")
	}
	if left.folders["Broken"] {
		t.Fatalf("Broken must not have been created on the left after AddFolder failed")
	}
}
