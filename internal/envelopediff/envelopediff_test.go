package envelopediff

import (
	"testing"
	"time"

	"github.com/tethermail/tether/internal/model"
)

func env(flags model.Flags) model.Envelope {
	return model.Envelope{MessageID: "m1@x", Flags: flags, Date: time.Unix(0, 0)}
}

func hunksEqual(t *testing.T, got, want []model.EmailSyncHunk) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d hunks %+v, want %d %+v", len(got), got, len(want), want)
	}
	for i := range want {
		if got[i].Kind != want[i].Kind || got[i].Side != want[i].Side ||
			got[i].Source != want[i].Source || got[i].Target != want[i].Target ||
			got[i].Folder != want[i].Folder || got[i].ID != want[i].ID {
			t.Fatalf("hunk %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

// TestBuildPatchNewOnRightOnly covers §4.2's first representative row
// (0,0,0,1): GetThenCache(R) then CopyThenCache(R->L).
func TestBuildPatchNewOnRightOnly(t *testing.T) {
	right := map[string]model.Envelope{"m1@x": env(model.NewFlags(model.Seen))}

	got := BuildPatch("INBOX", nil, nil, nil, right)
	want := []model.EmailSyncHunk{
		{Kind: model.EmailGetThenCache, Folder: "INBOX", ID: "m1@x", Side: model.Right},
		{Kind: model.EmailCopyThenCache, Folder: "INBOX", Source: model.Right, Target: model.Left},
	}
	hunksEqual(t, got, want)
}

// TestBuildPatchStaleCachesBothSides covers (1,0,1,0): clean stale cache
// entries on both sides, per §4.2's third representative row.
func TestBuildPatchStaleCachesBothSides(t *testing.T) {
	lc := map[string]model.Envelope{"m1@x": env(nil)}
	rc := map[string]model.Envelope{"m1@x": env(nil)}

	got := BuildPatch("INBOX", lc, nil, rc, nil)
	want := []model.EmailSyncHunk{
		{Kind: model.EmailUncache, Folder: "INBOX", ID: "m1@x", Side: model.Left},
		{Kind: model.EmailUncache, Folder: "INBOX", ID: "m1@x", Side: model.Right},
	}
	hunksEqual(t, got, want)
}

// TestBuildPatchMovedNotCopied reproduces §8 scenario 4 exactly: Lc={m2},
// L={}, Rc={}, R={m2}, row (1,0,0,1). Expected: Uncache(L), Delete(R),
// Uncache(R) — deletion propagated from the left cache's ancestor state,
// even though Right still has a live copy.
func TestBuildPatchMovedNotCopied(t *testing.T) {
	lc := map[string]model.Envelope{"m2@x": env(nil)}
	right := map[string]model.Envelope{"m2@x": env(model.NewFlags(model.Seen))}

	got := BuildPatch("INBOX", lc, nil, nil, right)
	want := []model.EmailSyncHunk{
		{Kind: model.EmailUncache, Folder: "INBOX", ID: "m2@x", Side: model.Left},
		{Kind: model.EmailDelete, Folder: "INBOX", ID: "m2@x", Side: model.Right},
		{Kind: model.EmailUncache, Folder: "INBOX", ID: "m2@x", Side: model.Right},
	}
	hunksEqual(t, got, want)
}

// TestBuildPatchMovedNotCopiedMirror exercises the symmetric ambiguous row
// (0,1,1,0), resolved the same way as (1,0,0,1): deletion propagated from
// the right cache's ancestor state.
func TestBuildPatchMovedNotCopiedMirror(t *testing.T) {
	rc := map[string]model.Envelope{"m2@x": env(nil)}
	left := map[string]model.Envelope{"m2@x": env(model.NewFlags(model.Seen))}

	got := BuildPatch("INBOX", nil, left, rc, nil)
	want := []model.EmailSyncHunk{
		{Kind: model.EmailUncache, Folder: "INBOX", ID: "m2@x", Side: model.Right},
		{Kind: model.EmailDelete, Folder: "INBOX", ID: "m2@x", Side: model.Left},
		{Kind: model.EmailUncache, Folder: "INBOX", ID: "m2@x", Side: model.Left},
	}
	hunksEqual(t, got, want)
}

// TestBuildPatchFlagDrift reproduces §8 scenario 3: L={Seen,Flagged},
// Lc={Seen}, R={Seen}, Rc={Seen}. Merged={Seen,Flagged}. Expected:
// UpdateFlags(R), UpdateCachedFlags(L), UpdateCachedFlags(R);
// UpdateFlags(L) skipped since Left already matches the merge.
func TestBuildPatchFlagDrift(t *testing.T) {
	lc := map[string]model.Envelope{"m1@x": env(model.NewFlags(model.Seen))}
	left := map[string]model.Envelope{"m1@x": env(model.NewFlags(model.Seen, model.Flagged))}
	rc := map[string]model.Envelope{"m1@x": env(model.NewFlags(model.Seen))}
	right := map[string]model.Envelope{"m1@x": env(model.NewFlags(model.Seen))}

	got := BuildPatch("INBOX", lc, left, rc, right)

	var kinds []model.EmailHunkKind
	var sides []model.SyncDestination
	for _, h := range got {
		kinds = append(kinds, h.Kind)
		sides = append(sides, h.Side)
	}

	wantKindSide := []struct {
		Kind model.EmailHunkKind
		Side model.SyncDestination
	}{
		{model.EmailUpdateFlags, model.Right},
		{model.EmailUpdateCachedFlags, model.Left},
		{model.EmailUpdateCachedFlags, model.Right},
	}
	if len(got) != len(wantKindSide) {
		t.Fatalf("got %d hunks %+v, want %d", len(got), got, len(wantKindSide))
	}
	for i, w := range wantKindSide {
		if kinds[i] != w.Kind || sides[i] != w.Side {
			t.Fatalf("hunk %d: got kind=%v side=%v, want kind=%v side=%v", i, kinds[i], sides[i], w.Kind, w.Side)
		}
		if !got[i].Envelope.Flags.Equal(model.NewFlags(model.Seen, model.Flagged)) {
			t.Fatalf("hunk %d: merged flags = %v, want {Seen,Flagged}", i, got[i].Envelope.Flags.Slice())
		}
	}
}

// TestBuildPatchDeletedFlagDroppedUnlessLive covers the Deleted-removal
// half of the merge policy: Deleted present only in a cache view is
// dropped from the merge.
func TestBuildPatchDeletedFlagDroppedUnlessLive(t *testing.T) {
	lc := map[string]model.Envelope{"m1@x": env(model.NewFlags(model.Seen, model.Deleted))}
	left := map[string]model.Envelope{"m1@x": env(model.NewFlags(model.Seen))}
	rc := map[string]model.Envelope{"m1@x": env(model.NewFlags(model.Seen))}
	right := map[string]model.Envelope{"m1@x": env(model.NewFlags(model.Seen))}

	got := BuildPatch("INBOX", lc, left, rc, right)

	// Only the stale left cache (which still carries Deleted) needs
	// updating; nothing else differs from the merged {Seen} set.
	if len(got) != 1 || got[0].Kind != model.EmailUpdateCachedFlags || got[0].Side != model.Left {
		t.Fatalf("unexpected hunks: %+v", got)
	}
	if got[0].Envelope.Flags.Has(model.Deleted) {
		t.Fatalf("Deleted should have been dropped from the merge, got %v", got[0].Envelope.Flags.Slice())
	}
}

func TestApplyPermissionsDropsForbiddenHunks(t *testing.T) {
	hunks := []model.EmailSyncHunk{
		{Kind: model.EmailCopyThenCache, Folder: "INBOX", Target: model.Left},
		{Kind: model.EmailDelete, Folder: "INBOX", ID: "m1@x", Side: model.Right},
		{Kind: model.EmailUpdateFlags, Folder: "INBOX", Side: model.Left},
		{Kind: model.EmailUncache, Folder: "INBOX", ID: "m1@x", Side: model.Left},
	}

	perms := DefaultPermissions()
	perms.Left.CanCreateMessages = false
	perms.Right.CanDeleteMessages = false

	got := ApplyPermissions(hunks, perms)
	want := []model.EmailSyncHunk{
		{Kind: model.EmailUpdateFlags, Folder: "INBOX", Side: model.Left},
		{Kind: model.EmailUncache, Folder: "INBOX", ID: "m1@x", Side: model.Left},
	}
	hunksEqual(t, got, want)
}
