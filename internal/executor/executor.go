// Package executor applies the hunks produced by folderdiff and
// envelopediff against a pool.Context's four backends (C7 / spec §4.3).
// Folder hunks run strictly in order within a folder; envelope hunks run
// concurrently across a folder's patch, each dispatched through the
// worker pool. Per-hunk failures are reported, never fatal to the run.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tethermail/tether/internal/backend"
	"github.com/tethermail/tether/internal/cache"
	"github.com/tethermail/tether/internal/events"
	"github.com/tethermail/tether/internal/mml"
	"github.com/tethermail/tether/internal/model"
	"github.com/tethermail/tether/internal/pool"
)

// defaultInterpreter renders a peeked message into the textual form
// written to a cache body file when a Context carries no Interpreter of
// its own (show-all-headers, no PGP support). A caller that configured
// PGP for this account pair sets pool.Context.Interpreter instead, so
// encrypted or signed bodies are transparently decrypted/verified before
// they ever reach the cache.
var defaultInterpreter = mml.New()

func interpreterFor(c *pool.Context) mml.Interpreter {
	if c.Interpreter != nil {
		return *c.Interpreter
	}
	return defaultInterpreter
}

// FolderHunkResult pairs an executed folder hunk with its outcome.
type FolderHunkResult struct {
	Hunk model.FolderSyncHunk
	Err  error
}

// EmailHunkResult pairs an executed envelope hunk with its outcome.
type EmailHunkResult struct {
	Hunk model.EmailSyncHunk
	Err  error
}

// ExecuteFolderPatch runs folder as hunks in order, each against a
// checked-out pool.Context. Hunks run sequentially — never concurrently —
// because a Delete racing a Create for the same folder name is undefined,
// and each folderdiff row's hunks then apply in the order the row lists
// them (e.g. row 0001's Cache(L), Create(L), Cache(R)).
func ExecuteFolderPatch(ctx context.Context, p *pool.Pool, bus *events.Bus, folder string, hunks []model.FolderSyncHunk) []FolderHunkResult {
	results := make([]FolderHunkResult, 0, len(hunks))
	for _, hunk := range hunks {
		bus.Emit(events.Event{Kind: events.ApplyFolderHunk, Folder: folder, FolderHunk: hunk})

		err := p.Exec(ctx, func(c *pool.Context) error {
			if c.DryRun {
				return nil
			}
			return executeFolderHunk(ctx, c, hunk)
		})

		bus.Emit(events.Event{Kind: events.ProcessedFolderHunk, Folder: folder, FolderHunk: hunk})
		results = append(results, FolderHunkResult{Hunk: hunk, Err: err})
	}
	return results
}

// ExecuteEmailPatch runs folder's envelope hunks concurrently, each
// against its own checked-out pool.Context, and emits
// ProcessedAllEmailHunks once every hunk has reported back.
func ExecuteEmailPatch(ctx context.Context, p *pool.Pool, bus *events.Bus, folder string, hunks []model.EmailSyncHunk) []EmailHunkResult {
	results := make([]EmailHunkResult, len(hunks))

	var wg sync.WaitGroup
	for i, hunk := range hunks {
		wg.Add(1)
		go func(i int, hunk model.EmailSyncHunk) {
			defer wg.Done()

			err := p.Exec(ctx, func(c *pool.Context) error {
				if c.DryRun {
					return nil
				}
				return executeEmailHunk(ctx, c, hunk)
			})

			bus.Emit(events.Event{Kind: events.ProcessedEmailHunk, Folder: folder, EmailHunk: hunk})
			results[i] = EmailHunkResult{Hunk: hunk, Err: err}
		}(i, hunk)
	}
	wg.Wait()

	bus.Emit(events.Event{Kind: events.ProcessedAllEmailHunks, Folder: folder, Count: len(hunks)})
	return results
}

func liveBackend(c *pool.Context, side model.SyncDestination) *backend.Backend {
	if side == model.Left {
		return c.Left
	}
	return c.Right
}

func cacheBackend(c *pool.Context, side model.SyncDestination) *backend.Backend {
	if side == model.Left {
		return c.LeftCache
	}
	return c.RightCache
}

func executeFolderHunk(ctx context.Context, c *pool.Context, hunk model.FolderSyncHunk) error {
	switch hunk.Kind {
	case model.FolderCache:
		return cacheBackend(c, hunk.Side).AddFolderF(ctx, hunk.Folder)
	case model.FolderUncache:
		return cacheBackend(c, hunk.Side).DeleteFolderF(ctx, hunk.Folder)
	case model.FolderCreate:
		return liveBackend(c, hunk.Side).AddFolderF(ctx, hunk.Folder)
	case model.FolderDelete:
		return liveBackend(c, hunk.Side).DeleteFolderF(ctx, hunk.Folder)
	default:
		return fmt.Errorf("executor: unknown folder hunk kind %v", hunk.Kind)
	}
}

// resolveID picks the id the executor addresses a backend with: the
// acted-on side's own envelope view when the diff engine had one (the
// common case), falling back to the bare message_id for the two
// ambiguous-row cache hunks that target a cache side with no existing row
// (see envelopediff's rowHunks 0110/1001 cases).
func resolveID(hunk model.EmailSyncHunk) model.Id {
	if hunk.Envelope.InternalID.Len() > 0 {
		return hunk.Envelope.InternalID
	}
	return model.Single(hunk.ID)
}

func executeEmailHunk(ctx context.Context, c *pool.Context, hunk model.EmailSyncHunk) error {
	switch hunk.Kind {
	case model.EmailGetThenCache:
		return executeGetThenCache(ctx, c, hunk)
	case model.EmailCopyThenCache:
		return executeCopyThenCache(ctx, c, hunk)
	case model.EmailUncache:
		err := cacheBackend(c, hunk.Side).AddFlagsF(ctx, hunk.Folder, resolveID(hunk), model.NewFlags(model.Deleted))
		if errors.Is(err, cache.ErrNotFound) {
			// The cache never had this message; uncaching it is already
			// satisfied.
			return nil
		}
		return err
	case model.EmailDelete:
		return liveBackend(c, hunk.Side).AddFlagsF(ctx, hunk.Folder, resolveID(hunk), model.NewFlags(model.Deleted))
	case model.EmailUpdateFlags:
		return liveBackend(c, hunk.Side).SetFlagsF(ctx, hunk.Folder, resolveID(hunk), hunk.Envelope.Flags)
	case model.EmailUpdateCachedFlags:
		return cacheBackend(c, hunk.Side).SetFlagsF(ctx, hunk.Folder, resolveID(hunk), hunk.Envelope.Flags)
	default:
		return fmt.Errorf("executor: unknown email hunk kind %v", hunk.Kind)
	}
}

// executeGetThenCache re-fetches the envelope fresh from the live side
// (the diff-time view may be stale by the time this hunk runs) and writes
// a synthetic, header-only cache message for it — there is no raw body to
// render here, since GetThenCache never reads message content, only
// metadata.
func executeGetThenCache(ctx context.Context, c *pool.Context, hunk model.EmailSyncHunk) error {
	live := liveBackend(c, hunk.Side)
	env, err := live.GetEnvelopeF(ctx, hunk.Folder, resolveID(hunk))
	if err != nil {
		return fmt.Errorf("get_then_cache: get envelope: %w", err)
	}

	_, err = cacheBackend(c, hunk.Side).AddMessageWithFlagsF(ctx, hunk.Folder, envelopeSummaryMessage(env), env.Flags)
	if err != nil {
		return fmt.Errorf("get_then_cache: cache envelope: %w", err)
	}
	return nil
}

// executeCopyThenCache peeks the message from the source side, adds it to
// the target side, then caches it on both: the source cache only when
// RefreshSourceCache asks for it, the target cache always, since the
// target now has a freshly-minted copy whose own internal id the source
// never knew about.
func executeCopyThenCache(ctx context.Context, c *pool.Context, hunk model.EmailSyncHunk) error {
	source := liveBackend(c, hunk.Source)
	sourceCache := cacheBackend(c, hunk.Source)
	target := liveBackend(c, hunk.Target)
	targetCache := cacheBackend(c, hunk.Target)

	id := resolveID(hunk)
	msgs, err := source.PeekMessagesF(ctx, hunk.Folder, id)
	if err != nil {
		return fmt.Errorf("copy_then_cache: peek source: %w", err)
	}
	if len(msgs) == 0 {
		return fmt.Errorf("copy_then_cache: source returned no message for %q", hunk.Envelope.MessageID)
	}
	raw := msgs[0].Bytes()

	interp := interpreterFor(c)
	if hunk.RefreshSourceCache {
		body, err := interp.FromBytes(raw)
		if err != nil {
			return fmt.Errorf("copy_then_cache: render source cache body: %w", err)
		}
		if _, err := sourceCache.AddMessageWithFlagsF(ctx, hunk.Folder, []byte(body), hunk.Envelope.Flags); err != nil {
			return fmt.Errorf("copy_then_cache: refresh source cache: %w", err)
		}
	}

	newID, err := target.AddMessageWithFlagsF(ctx, hunk.Folder, raw, hunk.Envelope.Flags)
	if err != nil {
		return fmt.Errorf("copy_then_cache: add to target: %w", err)
	}

	targetEnv, err := target.GetEnvelopeF(ctx, hunk.Folder, newID)
	if err != nil {
		return fmt.Errorf("copy_then_cache: get target envelope: %w", err)
	}

	body, err := interp.FromBytes(raw)
	if err != nil {
		return fmt.Errorf("copy_then_cache: render target cache body: %w", err)
	}
	if _, err := targetCache.AddMessageWithFlagsF(ctx, hunk.Folder, []byte(body), targetEnv.Flags); err != nil {
		return fmt.Errorf("copy_then_cache: cache target: %w", err)
	}
	return nil
}

// envelopeSummaryMessage synthesizes a minimal RFC 5322 message carrying
// only the envelope's own metadata, no body: GetThenCache never reads
// message content, so this is all the cache has to store.
func envelopeSummaryMessage(env model.Envelope) []byte {
	return []byte(fmt.Sprintf(
		"Message-Id: <%s>\r\nFrom: %s\r\nTo: %s\r\nSubject: %s\r\nDate: %s\r\n\r\n",
		env.MessageID, env.From.String(), env.To.String(), env.Subject, env.Date.UTC().Format("Mon, 02 Jan 2006 15:04:05 -0700"),
	))
}
