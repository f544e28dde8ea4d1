package cmd

import (
	"strings"
	"testing"

	"github.com/tethermail/tether/internal/config"
	"github.com/tethermail/tether/internal/events"
	"github.com/tethermail/tether/internal/logging"
	"github.com/tethermail/tether/internal/model"
)

func init() {
	logging.Init(logging.Config{Level: "error"})
}

func TestBuildSideBackendPicksMaildirFromConfig(t *testing.T) {
	sc := config.SideConfig{
		Label:   "work",
		Maildir: &config.MaildirConfig{BasePath: "/tmp/does-not-need-to-exist"},
	}
	b, err := buildSideBackend("left", sc)
	if err != nil {
		t.Fatalf("buildSideBackend: %v", err)
	}
	if b == nil {
		t.Fatal("expected a non-nil backend")
	}
}

func TestBuildSideBackendRejectsEmptySide(t *testing.T) {
	_, err := buildSideBackend("right", config.SideConfig{Label: "empty"})
	if err == nil {
		t.Fatal("expected an error for a side naming no backend")
	}
	if !strings.Contains(err.Error(), "right") {
		t.Fatalf("error should name the side, got: %v", err)
	}
}

func TestLogEventDoesNotPanicForEachKind(t *testing.T) {
	log := logging.WithComponent("cmd_test")
	kinds := []events.Kind{
		events.GeneratedFolderPatch,
		events.ApplyFolderHunk,
		events.ProcessedFolderHunk,
		events.GeneratedEmailPatch,
		events.ProcessedEmailHunk,
		events.ProcessedAllEmailHunks,
	}
	for _, k := range kinds {
		ev := events.Event{
			Kind:       k,
			Folder:     "INBOX",
			Count:      1,
			FolderHunk: model.FolderSyncHunk{Folder: "INBOX", Side: model.Left},
			EmailHunk:  model.EmailSyncHunk{Folder: "INBOX"},
		}
		logEvent(log, ev)
	}
}
