// Package syncengine drives one full sync run of an account pair: list
// folders and envelopes on all four corners (left, left-cache, right,
// right-cache), build the folder and envelope patches (C5/C6), apply the
// configured permission masks (§5.2), and execute the resulting hunks
// (C7) through a pool.Pool. It is the orchestration layer spec.md leaves
// implicit and SPEC_FULL.md's `cmd/tether` needs to drive the library
// from a single call per account pair.
package syncengine

import (
	"context"
	"fmt"

	"github.com/tethermail/tether/internal/backend"
	"github.com/tethermail/tether/internal/envelopediff"
	"github.com/tethermail/tether/internal/events"
	"github.com/tethermail/tether/internal/executor"
	"github.com/tethermail/tether/internal/folderdiff"
	"github.com/tethermail/tether/internal/model"
	"github.com/tethermail/tether/internal/pool"
)

// Run holds everything one sync pass over an account pair needs: the four
// backends a pool.Context bundles, plus the engine-level configuration
// that controls which folders and hunks actually get applied.
type Run struct {
	Pool *pool.Pool
	Bus  *events.Bus

	Strategy          folderdiff.Strategy
	FolderPermissions folderdiff.Permissions
	EmailPermissions  envelopediff.Permissions
	EnvelopeFilter    envelopediff.EnvelopeFilter
}

// Report is the terminal artifact of one sync pass: every folder and
// email hunk the run attempted, paired with its outcome, plus any folder
// whose envelope-diff phase never got that far. A non-nil error on any
// entry means that one hunk (or one folder's envelope listing) failed —
// it does not mean the run as a whole failed; every other folder still
// ran to completion.
type Report struct {
	FolderResults []executor.FolderHunkResult
	EmailResults  []executor.EmailHunkResult

	// FolderListErrors maps a folder name to the error that aborted its
	// envelope-diff phase before any email hunk could even be generated
	// (e.g. a transient failure listing envelopes on one side). Other
	// folders are unaffected.
	FolderListErrors map[string]error
}

// Failed reports whether anything in the report did not succeed.
func (r *Report) Failed() bool {
	for _, fr := range r.FolderResults {
		if fr.Err != nil {
			return true
		}
	}
	for _, er := range r.EmailResults {
		if er.Err != nil {
			return true
		}
	}
	return len(r.FolderListErrors) > 0
}

// folderNameSet lists every folder a backend reports, as a presence set
// keyed by Folder.KindOrName() so a differently-named Inbox on each side
// still joins as one logical folder once config.FolderAliases has already
// normalized provider-specific names upstream of this call.
func folderNameSet(ctx context.Context, b *backend.Backend) (map[string]struct{}, error) {
	folders, err := b.ListFoldersF(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(folders))
	for _, f := range folders {
		set[f.KindOrName()] = struct{}{}
	}
	return set, nil
}

// Sync runs one full pass: folder reconciliation first (so a folder that
// needs creating on one side exists before any envelope work touches it),
// then, for every folder admitted by r.Strategy, envelope reconciliation.
//
// Listing and executing each acquire their own pool.Context via p.Exec
// rather than holding one checked out for the whole run: executor.
// ExecuteFolderPatch/ExecuteEmailPatch acquire their own contexts per
// hunk, and a pool with only as many contexts as its configured
// concurrency would deadlock against itself if Sync held one the whole
// time.
func (r *Run) Sync(ctx context.Context) (*Report, error) {
	var leftCache, left, rightCache, right map[string]struct{}
	err := r.Pool.Exec(ctx, func(c *pool.Context) error {
		var err error
		if leftCache, err = folderNameSet(ctx, c.LeftCache); err != nil {
			return fmt.Errorf("list left cache folders: %w", err)
		}
		if left, err = folderNameSet(ctx, c.Left); err != nil {
			return fmt.Errorf("list left folders: %w", err)
		}
		if rightCache, err = folderNameSet(ctx, c.RightCache); err != nil {
			return fmt.Errorf("list right cache folders: %w", err)
		}
		if right, err = folderNameSet(ctx, c.Right); err != nil {
			return fmt.Errorf("list right folders: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("syncengine: %w", err)
	}

	left = r.Strategy.Filter(left)
	right = r.Strategy.Filter(right)

	folderPatches := folderdiff.BuildPatch(leftCache, left, rightCache, right)
	r.Bus.Emit(events.Event{Kind: events.GeneratedFolderPatch, FolderPatches: folderPatches})

	report := &Report{FolderListErrors: make(map[string]error)}

	var folderNames []string
	for name, hunks := range folderPatches {
		hunks = folderdiff.ApplyPermissions(hunks, r.FolderPermissions)
		folderPatches[name] = hunks
		if len(hunks) > 0 {
			results := executor.ExecuteFolderPatch(ctx, r.Pool, r.Bus, name, hunks)
			report.FolderResults = append(report.FolderResults, results...)
		}
		folderNames = append(folderNames, name)
	}

	// A folder hunk failure (e.g. Create(L) erroring) or an envelope-diff
	// listing failure never aborts the run: every other folder still gets
	// its own pass, and every outcome lands in the report rather than
	// short-circuiting the loop.
	for _, name := range folderNames {
		if !r.Strategy.Admits(name) {
			continue
		}
		results, err := r.syncFolderEnvelopes(ctx, name)
		report.EmailResults = append(report.EmailResults, results...)
		if err != nil {
			report.FolderListErrors[name] = err
			continue
		}
	}
	if len(report.FolderListErrors) == 0 {
		report.FolderListErrors = nil
	}
	return report, nil
}

func (r *Run) syncFolderEnvelopes(ctx context.Context, folder string) ([]executor.EmailHunkResult, error) {
	var leftCache, left, rightCache, right map[string]model.Envelope
	err := r.Pool.Exec(ctx, func(c *pool.Context) error {
		var err error
		if leftCache, err = envelopesByMessageID(ctx, c.LeftCache, folder); err != nil {
			return fmt.Errorf("list left cache envelopes: %w", err)
		}
		if left, err = envelopesByMessageID(ctx, c.Left, folder); err != nil {
			return fmt.Errorf("list left envelopes: %w", err)
		}
		if rightCache, err = envelopesByMessageID(ctx, c.RightCache, folder); err != nil {
			return fmt.Errorf("list right cache envelopes: %w", err)
		}
		if right, err = envelopesByMessageID(ctx, c.Right, folder); err != nil {
			return fmt.Errorf("list right envelopes: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.Bus.Emit(events.Event{Kind: events.ListedLeftCachedEnvelopes, Folder: folder, Count: len(leftCache)})
	r.Bus.Emit(events.Event{Kind: events.ListedLeftEnvelopes, Folder: folder, Count: len(left)})
	r.Bus.Emit(events.Event{Kind: events.ListedRightCachedEnvelopes, Folder: folder, Count: len(rightCache)})
	r.Bus.Emit(events.Event{Kind: events.ListedRightEnvelopes, Folder: folder, Count: len(right)})

	if r.EnvelopeFilter != nil {
		left = filterEnvelopes(left, r.EnvelopeFilter)
		right = filterEnvelopes(right, r.EnvelopeFilter)
	}

	hunks := envelopediff.BuildPatch(folder, leftCache, left, rightCache, right)
	r.Bus.Emit(events.Event{Kind: events.GeneratedEmailPatch, Folder: folder, Count: len(hunks)})

	hunks = envelopediff.ApplyPermissions(hunks, r.EmailPermissions)
	if len(hunks) == 0 {
		return nil, nil
	}

	results := executor.ExecuteEmailPatch(ctx, r.Pool, r.Bus, folder, hunks)
	return results, nil
}

func envelopesByMessageID(ctx context.Context, b *backend.Backend, folder string) (map[string]model.Envelope, error) {
	envs, err := b.ListEnvelopesF(ctx, folder, backend.ListOptions{})
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.Envelope, len(envs))
	for _, env := range envs {
		out[model.CanonicalMessageID(env.MessageID)] = env
	}
	return out, nil
}

func filterEnvelopes(envs map[string]model.Envelope, keep envelopediff.EnvelopeFilter) map[string]model.Envelope {
	out := make(map[string]model.Envelope, len(envs))
	for id, env := range envs {
		if keep(env) {
			out[id] = env
		}
	}
	return out
}
