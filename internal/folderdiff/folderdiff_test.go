package folderdiff

import (
	"sort"
	"testing"

	"github.com/tethermail/tether/internal/model"
)

func set(names ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[n] = struct{}{}
	}
	return out
}

func empty() map[string]struct{} { return map[string]struct{}{} }

func hunksEqual(t *testing.T, name string, got, want []model.FolderSyncHunk) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: got %d hunks %v, want %d %v", name, len(got), got, len(want), want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("%s: hunk %d: got %+v, want %+v", name, i, got[i], want[i])
		}
	}
}

// TestBuildPatchAllSixteenRows walks every row of the presence truth table
// (lc, l, rc, r) for a single folder name, matching the original
// implementation's build_patch test suite case by case.
func TestBuildPatchAllSixteenRows(t *testing.T) {
	const f = "Folder"

	cases := []struct {
		name           string
		lc, l, rc, r   bool
		want           []model.FolderSyncHunk
	}{
		{"0000", false, false, false, false, nil},
		{"0001", false, false, false, true, []model.FolderSyncHunk{
			{Kind: model.FolderCache, Side: model.Left, Folder: f},
			{Kind: model.FolderCreate, Side: model.Left, Folder: f},
			{Kind: model.FolderCache, Side: model.Right, Folder: f},
		}},
		{"0010", false, false, true, false, []model.FolderSyncHunk{
			{Kind: model.FolderUncache, Side: model.Right, Folder: f},
		}},
		{"0011", false, false, true, true, []model.FolderSyncHunk{
			{Kind: model.FolderCache, Side: model.Left, Folder: f},
			{Kind: model.FolderCreate, Side: model.Left, Folder: f},
		}},
		{"0100", false, true, false, false, []model.FolderSyncHunk{
			{Kind: model.FolderCache, Side: model.Left, Folder: f},
			{Kind: model.FolderCache, Side: model.Right, Folder: f},
			{Kind: model.FolderCreate, Side: model.Right, Folder: f},
		}},
		{"0101", false, true, false, true, []model.FolderSyncHunk{
			{Kind: model.FolderCache, Side: model.Left, Folder: f},
			{Kind: model.FolderCache, Side: model.Right, Folder: f},
		}},
		{"0110", false, true, true, false, []model.FolderSyncHunk{
			{Kind: model.FolderCache, Side: model.Left, Folder: f},
			{Kind: model.FolderCreate, Side: model.Right, Folder: f},
		}},
		{"0111", false, true, true, true, []model.FolderSyncHunk{
			{Kind: model.FolderCache, Side: model.Left, Folder: f},
		}},
		{"1000", true, false, false, false, []model.FolderSyncHunk{
			{Kind: model.FolderUncache, Side: model.Left, Folder: f},
		}},
		{"1001", true, false, false, true, []model.FolderSyncHunk{
			{Kind: model.FolderCreate, Side: model.Left, Folder: f},
			{Kind: model.FolderCache, Side: model.Right, Folder: f},
		}},
		{"1010", true, false, true, false, []model.FolderSyncHunk{
			{Kind: model.FolderUncache, Side: model.Left, Folder: f},
			{Kind: model.FolderUncache, Side: model.Right, Folder: f},
		}},
		{"1011", true, false, true, true, []model.FolderSyncHunk{
			{Kind: model.FolderUncache, Side: model.Left, Folder: f},
			{Kind: model.FolderUncache, Side: model.Right, Folder: f},
			{Kind: model.FolderDelete, Side: model.Right, Folder: f},
		}},
		{"1100", true, true, false, false, []model.FolderSyncHunk{
			{Kind: model.FolderCache, Side: model.Right, Folder: f},
			{Kind: model.FolderCreate, Side: model.Right, Folder: f},
		}},
		{"1101", true, true, false, true, []model.FolderSyncHunk{
			{Kind: model.FolderCache, Side: model.Right, Folder: f},
		}},
		{"1110", true, true, true, false, []model.FolderSyncHunk{
			{Kind: model.FolderUncache, Side: model.Left, Folder: f},
			{Kind: model.FolderDelete, Side: model.Left, Folder: f},
			{Kind: model.FolderUncache, Side: model.Right, Folder: f},
		}},
		{"1111", true, true, true, true, nil},
	}

	for _, c := range cases {
		lc, l, rc, r := empty(), empty(), empty(), empty()
		if c.lc {
			lc = set(f)
		}
		if c.l {
			l = set(f)
		}
		if c.rc {
			rc = set(f)
		}
		if c.r {
			r = set(f)
		}

		patches := BuildPatch(lc, l, rc, r)
		got := patches[f]
		hunksEqual(t, c.name, got, c.want)
	}
}

func TestBuildPatchMultipleFolders(t *testing.T) {
	lc := set("INBOX", "Archive")
	l := set("INBOX", "Archive")
	rc := set("INBOX", "Archive")
	r := set("INBOX") // Archive deleted on right while untouched on left: 1110

	patches := BuildPatch(lc, l, rc, r)

	if got := patches["INBOX"]; len(got) != 0 {
		t.Fatalf("INBOX: expected no hunks, got %v", got)
	}
	want := []model.FolderSyncHunk{
		{Kind: model.FolderUncache, Side: model.Left, Folder: "Archive"},
		{Kind: model.FolderDelete, Side: model.Left, Folder: "Archive"},
		{Kind: model.FolderUncache, Side: model.Right, Folder: "Archive"},
	}
	hunksEqual(t, "Archive", patches["Archive"], want)
}

func TestStrategyFilter(t *testing.T) {
	names := set("INBOX", "Archive", "Spam")

	all := Strategy{Mode: All}
	if got := all.Filter(names); len(got) != 3 {
		t.Fatalf("All: expected 3 folders, got %d", len(got))
	}

	inc := Strategy{Mode: Include, Folders: set("INBOX")}
	got := inc.Filter(names)
	if len(got) != 1 {
		t.Fatalf("Include: expected 1 folder, got %d", len(got))
	}
	if _, ok := got["INBOX"]; !ok {
		t.Fatalf("Include: expected INBOX present")
	}

	exc := Strategy{Mode: Exclude, Folders: set("Spam")}
	got = exc.Filter(names)
	keys := make([]string, 0, len(got))
	for k := range got {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "Archive" || keys[1] != "INBOX" {
		t.Fatalf("Exclude: unexpected result %v", keys)
	}
}

func TestApplyPermissionsDropsForbiddenFolderHunks(t *testing.T) {
	hunks := []model.FolderSyncHunk{
		{Kind: model.FolderCreate, Side: model.Left, Folder: "Archive"},
		{Kind: model.FolderDelete, Side: model.Right, Folder: "Old"},
		{Kind: model.FolderCache, Side: model.Left, Folder: "Archive"},
		{Kind: model.FolderUncache, Side: model.Right, Folder: "Old"},
	}

	perms := DefaultPermissions()
	perms.Left.CanCreateFolders = false
	perms.Right.CanDeleteFolders = false

	got := ApplyPermissions(hunks, perms)
	want := []model.FolderSyncHunk{
		{Kind: model.FolderCache, Side: model.Left, Folder: "Archive"},
		{Kind: model.FolderUncache, Side: model.Right, Folder: "Old"},
	}
	hunksEqual(t, "ApplyPermissions", got, want)
}
