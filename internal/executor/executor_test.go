package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tethermail/tether/internal/backend"
	"github.com/tethermail/tether/internal/cache"
	"github.com/tethermail/tether/internal/events"
	"github.com/tethermail/tether/internal/model"
	"github.com/tethermail/tether/internal/pool"
)

func newBus() *events.Bus {
	return events.NewBus(nil)
}

func testPoolContext(dryRun bool) (*pool.Context, *pool.Pool) {
	c := &pool.Context{DryRun: dryRun}
	p := pool.NewPool(pool.Config{WaiterTimeout: time.Second}, []*pool.Context{c})
	return c, p
}

func TestExecuteFolderPatchDispatchesByKind(t *testing.T) {
	var calledAdd, calledDelete []string
	c, p := testPoolContext(false)
	c.LeftCache = backend.New("left-cache", backend.Features{
		AddFolder: func(ctx context.Context, name string) error { calledAdd = append(calledAdd, "cache:"+name); return nil },
	})
	c.Left = backend.New("left", backend.Features{
		AddFolder:    func(ctx context.Context, name string) error { calledAdd = append(calledAdd, "live:"+name); return nil },
		DeleteFolder: func(ctx context.Context, name string) error { calledDelete = append(calledDelete, "live:"+name); return nil },
	})

	hunks := []model.FolderSyncHunk{
		{Kind: model.FolderCache, Folder: "INBOX", Side: model.Left},
		{Kind: model.FolderCreate, Folder: "INBOX", Side: model.Left},
		{Kind: model.FolderDelete, Folder: "Trash", Side: model.Left},
	}

	results := ExecuteFolderPatch(context.Background(), p, newBus(), "INBOX", hunks)
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("unexpected error for %+v: %v", r.Hunk, r.Err)
		}
	}
	if len(calledAdd) != 2 || calledAdd[0] != "cache:INBOX" || calledAdd[1] != "live:INBOX" {
		t.Fatalf("unexpected add calls: %v", calledAdd)
	}
	if len(calledDelete) != 1 || calledDelete[0] != "live:Trash" {
		t.Fatalf("unexpected delete calls: %v", calledDelete)
	}
}

func TestExecuteFolderPatchDryRunSkipsMutation(t *testing.T) {
	called := false
	c, p := testPoolContext(true)
	c.Left = backend.New("left", backend.Features{
		AddFolder: func(ctx context.Context, name string) error { called = true; return nil },
	})

	results := ExecuteFolderPatch(context.Background(), p, newBus(), "INBOX", []model.FolderSyncHunk{
		{Kind: model.FolderCreate, Folder: "INBOX", Side: model.Left},
	})
	if called {
		t.Fatalf("dry run must not call the backend")
	}
	if results[0].Err != nil {
		t.Fatalf("dry run hunk must report success, got %v", results[0].Err)
	}
}

func TestExecuteGetThenCache(t *testing.T) {
	c, p := testPoolContext(false)
	env := model.Envelope{InternalID: model.Single("42"), MessageID: "m1@x", Flags: model.NewFlags(model.Seen), Date: time.Unix(0, 0)}

	c.Right = backend.New("right", backend.Features{
		GetEnvelope: func(ctx context.Context, folder string, id model.Id) (model.Envelope, error) {
			if id.First() != "42" {
				t.Fatalf("expected to fetch by internal id 42, got %q", id.First())
			}
			return env, nil
		},
	})

	var cachedRaw []byte
	var cachedFlags model.Flags
	c.RightCache = backend.New("right-cache", backend.Features{
		AddMessageWithFlags: func(ctx context.Context, folder string, raw []byte, flags model.Flags) (model.Id, error) {
			cachedRaw = raw
			cachedFlags = flags
			return model.Single("m1@x"), nil
		},
	})

	hunk := model.EmailSyncHunk{Kind: model.EmailGetThenCache, Folder: "INBOX", ID: "m1@x", Side: model.Right, Envelope: env}
	results := ExecuteEmailPatch(context.Background(), p, newBus(), "INBOX", []model.EmailSyncHunk{hunk})
	if results[0].Err != nil {
		t.Fatalf("unexpected error: %v", results[0].Err)
	}
	if !cachedFlags.Equal(model.NewFlags(model.Seen)) {
		t.Fatalf("expected cached flags to match envelope flags, got %v", cachedFlags.Slice())
	}
	if len(cachedRaw) == 0 {
		t.Fatalf("expected a non-empty synthesized cache message")
	}
}

const testRawMessage = "Message-Id: <orig@x>\r\nFrom: a@x\r\nSubject: hi\r\n\r\nhello\r\n"

func TestExecuteCopyThenCache(t *testing.T) {
	c, p := testPoolContext(false)
	srcEnv := model.Envelope{InternalID: model.Single("7"), MessageID: "m1@x", Flags: model.NewFlags(model.Seen)}

	c.Right = backend.New("right", backend.Features{
		PeekMessages: func(ctx context.Context, folder string, id model.Id) ([]model.Message, error) {
			if id.First() != "7" {
				t.Fatalf("expected source id 7, got %q", id.First())
			}
			return []model.Message{{Raw: []byte(testRawMessage)}}, nil
		},
	})
	var addedFlags model.Flags
	c.Left = backend.New("left", backend.Features{
		AddMessageWithFlags: func(ctx context.Context, folder string, raw []byte, flags model.Flags) (model.Id, error) {
			addedFlags = flags
			return model.Single("99"), nil
		},
		GetEnvelope: func(ctx context.Context, folder string, id model.Id) (model.Envelope, error) {
			if id.First() != "99" {
				t.Fatalf("expected to re-fetch by new id 99, got %q", id.First())
			}
			return model.Envelope{InternalID: model.Single("99"), MessageID: "m1@x", Flags: model.NewFlags(model.Seen)}, nil
		},
	})
	var targetCacheBody []byte
	c.LeftCache = backend.New("left-cache", backend.Features{
		AddMessageWithFlags: func(ctx context.Context, folder string, raw []byte, flags model.Flags) (model.Id, error) {
			targetCacheBody = raw
			return model.Single("m1@x"), nil
		},
	})

	hunk := model.EmailSyncHunk{
		Kind: model.EmailCopyThenCache, Folder: "INBOX", Envelope: srcEnv,
		Source: model.Right, Target: model.Left, RefreshSourceCache: false,
	}
	results := ExecuteEmailPatch(context.Background(), p, newBus(), "INBOX", []model.EmailSyncHunk{hunk})
	if results[0].Err != nil {
		t.Fatalf("unexpected error: %v", results[0].Err)
	}
	if !addedFlags.Equal(model.NewFlags(model.Seen)) {
		t.Fatalf("expected source flags carried to target add, got %v", addedFlags.Slice())
	}
	if len(targetCacheBody) == 0 {
		t.Fatalf("expected a rendered cache body for the target")
	}
}

func TestExecuteUncacheTreatsNotFoundAsNoOp(t *testing.T) {
	c, p := testPoolContext(false)
	c.RightCache = backend.New("right-cache", backend.Features{
		AddFlags: func(ctx context.Context, folder string, id model.Id, flags model.Flags) error {
			return cache.ErrNotFound
		},
	})

	hunk := model.EmailSyncHunk{Kind: model.EmailUncache, Folder: "INBOX", ID: "m1@x", Side: model.Right}
	results := ExecuteEmailPatch(context.Background(), p, newBus(), "INBOX", []model.EmailSyncHunk{hunk})
	if results[0].Err != nil {
		t.Fatalf("expected ErrNotFound to be swallowed, got %v", results[0].Err)
	}
}

func TestExecuteDeletePropagatesBackendError(t *testing.T) {
	wantErr := errors.New("boom")
	c, p := testPoolContext(false)
	c.Right = backend.New("right", backend.Features{
		AddFlags: func(ctx context.Context, folder string, id model.Id, flags model.Flags) error {
			return wantErr
		},
	})

	hunk := model.EmailSyncHunk{Kind: model.EmailDelete, Folder: "INBOX", ID: "m1@x", Side: model.Right}
	results := ExecuteEmailPatch(context.Background(), p, newBus(), "INBOX", []model.EmailSyncHunk{hunk})
	if !errors.Is(results[0].Err, wantErr) {
		t.Fatalf("expected wrapped backend error, got %v", results[0].Err)
	}
}
