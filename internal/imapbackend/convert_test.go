package imapbackend

import (
	"testing"

	goimap "github.com/emersion/go-imap/v2"

	"github.com/tethermail/tether/internal/model"
)

func TestParseUID(t *testing.T) {
	uid, err := parseUID(model.Single("42"))
	if err != nil {
		t.Fatalf("parseUID: %v", err)
	}
	if uid != 42 {
		t.Fatalf("parseUID = %d, want 42", uid)
	}

	if _, err := parseUID(model.Multiple([]string{"1", "2"})); err == nil {
		t.Fatalf("expected error for multi-value id")
	}
	if _, err := parseUID(model.Single("not-a-number")); err == nil {
		t.Fatalf("expected error for non-numeric id")
	}
}

func TestParseUIDs(t *testing.T) {
	uids, err := parseUIDs(model.Multiple([]string{"1", "2", "3"}))
	if err != nil {
		t.Fatalf("parseUIDs: %v", err)
	}
	want := []goimap.UID{1, 2, 3}
	if len(uids) != len(want) {
		t.Fatalf("parseUIDs = %v, want %v", uids, want)
	}
	for i := range want {
		if uids[i] != want[i] {
			t.Errorf("parseUIDs[%d] = %d, want %d", i, uids[i], want[i])
		}
	}
}

func TestFlagConversionRoundTrip(t *testing.T) {
	flags := model.NewFlags(model.Seen, model.Answered, model.Flagged, model.Deleted, model.Draft)
	back := fromIMAPFlags(toIMAPFlags(flags))
	for f := range flags {
		if !back.Has(f) {
			t.Fatalf("flag %v lost in round trip: %v -> %v", f, flags, back)
		}
	}
}

func TestFlagConversionCustomFlag(t *testing.T) {
	flags := model.NewFlags(model.Custom("$Important"))
	imapFlags := toIMAPFlags(flags)
	if len(imapFlags) != 1 || string(imapFlags[0]) != "$Important" {
		t.Fatalf("toIMAPFlags custom = %v", imapFlags)
	}
	back := fromIMAPFlags(imapFlags)
	if !back.Has(model.Custom("$Important")) {
		t.Fatalf("fromIMAPFlags lost custom flag: %v", back)
	}
}

func TestAddressOf(t *testing.T) {
	a := goimap.Address{Name: "Alice", Mailbox: "alice", Host: "example.com"}
	addr := addressOf(a)
	if addr.Name != "Alice" || addr.Email != "alice@example.com" {
		t.Fatalf("addressOf = %+v", addr)
	}
}
