package notmuchbackend

import (
	"testing"
	"time"

	"github.com/tethermail/tether/internal/model"
)

func TestFolderTag(t *testing.T) {
	cases := map[string]string{"INBOX": "inbox", "inbox": "inbox", "Work": "Work"}
	for in, want := range cases {
		if got := folderTag(in); got != want {
			t.Errorf("folderTag(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTagsToFlagsSeenIsAbsenceOfUnread(t *testing.T) {
	read := tagsToFlags([]string{"inbox", "flagged"})
	if !read.Has(model.Seen) {
		t.Fatalf("expected Seen without an unread tag: %v", read)
	}
	if !read.Has(model.Flagged) {
		t.Fatalf("expected Flagged tag to survive: %v", read)
	}

	unread := tagsToFlags([]string{"inbox", "unread"})
	if unread.Has(model.Seen) {
		t.Fatalf("expected no Seen when unread tag present: %v", unread)
	}
}

func TestTagsForFlagsDropsSeen(t *testing.T) {
	tags := tagsForFlags(model.NewFlags(model.Seen, model.Flagged, model.Answered, model.Draft, model.Deleted))
	for _, tag := range tags {
		if tag == "unread" || tag == "seen" {
			t.Fatalf("tagsForFlags must not emit a Seen-derived tag directly, got %v", tags)
		}
	}
	want := map[string]bool{"flagged": true, "replied": true, "draft": true, "deleted": true}
	for _, tag := range tags {
		if !want[tag] {
			t.Fatalf("unexpected tag %q in %v", tag, tags)
		}
	}
}

func TestTagLinesFormat(t *testing.T) {
	diff := notmuchTagDiff{add: []string{"flagged"}, remove: []string{"unread"}}
	lines := tagLines(model.Multiple([]string{"id1", "id2"}), diff)
	want := []string{"-unread +flagged -- id:id1", "-unread +flagged -- id:id2"}
	if len(lines) != len(want) {
		t.Fatalf("tagLines = %v, want %v", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("tagLines[%d] = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestParseMailboxAddress(t *testing.T) {
	addr := parseMailboxAddress(`Alice Example <alice@example.com>`)
	if addr.Name != "Alice Example" || addr.Email != "alice@example.com" {
		t.Fatalf("parseMailboxAddress = %+v", addr)
	}

	bare := parseMailboxAddress("bob@example.com")
	if bare.Name != "" || bare.Email != "bob@example.com" {
		t.Fatalf("parseMailboxAddress(bare) = %+v", bare)
	}
}

func TestParseNotmuchDate(t *testing.T) {
	got := parseNotmuchDate("Mon, 2 Jan 2006 15:04:05 +0000")
	want := time.Date(2006, time.January, 2, 15, 4, 5, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("parseNotmuchDate = %v, want %v", got, want)
	}

	if !parseNotmuchDate("not a date").IsZero() {
		t.Fatalf("expected zero time for unparsable date")
	}
}

func TestUnwrapNotmuchShow(t *testing.T) {
	raw := []byte(`[[[{"id":"abc123","tags":["inbox","unread"],"headers":{"Subject":"hi"}},[]]]]`)
	msg := unwrapNotmuchShow(raw)
	if msg == nil {
		t.Fatalf("unwrapNotmuchShow returned nil")
	}
	if msg.ID != "abc123" || msg.Headers.Subject != "hi" {
		t.Fatalf("unwrapNotmuchShow = %+v", msg)
	}
}

func TestUnwrapNotmuchShowEmpty(t *testing.T) {
	if msg := unwrapNotmuchShow([]byte(`[]`)); msg != nil {
		t.Fatalf("expected nil for empty forest, got %+v", msg)
	}
}
