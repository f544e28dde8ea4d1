// Package notmuchbackend adapts the notmuch command-line tool into a
// backend.Backend by shelling out to it (os/exec), the same way a notmuch
// mail store wraps the CLI rather than linking libnotmuch directly.
// notmuch has no folder concept of its own — tags stand in for folders,
// with one tag per logical folder name and \Seen modeled as the absence of
// the "unread" tag, matching the tag vocabulary notmuch itself ships with.
package notmuchbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tethermail/tether/internal/backend"
	"github.com/tethermail/tether/internal/model"
)

// Config names the notmuch binary and the maildir folder new mail is
// inserted under.
type Config struct {
	// Binary is the notmuch executable path; "notmuch" if empty.
	Binary string
	// InsertFolder is the --folder value passed to `notmuch insert`, the
	// maildir subdirectory (relative to the notmuch database's mail root)
	// newly added messages are delivered into.
	InsertFolder string
}

// New builds a backend.Backend that drives notmuch as a subprocess.
func New(name string, cfg Config) *backend.Backend {
	if cfg.Binary == "" {
		cfg.Binary = "notmuch"
	}
	d := &driver{cfg: cfg}
	return backend.New(name, backend.Features{
		AddFolder:     d.addFolder,
		ListFolders:   d.listFolders,
		ExpungeFolder: d.expungeFolder,
		PurgeFolder:   d.expungeFolder,
		DeleteFolder:  d.deleteFolder,

		GetEnvelope:   d.getEnvelope,
		ListEnvelopes: d.listEnvelopes,

		AddFlags:    d.addFlags,
		SetFlags:    d.setFlags,
		RemoveFlags: d.removeFlags,

		AddMessageWithFlags: d.addMessageWithFlags,
		PeekMessages:        d.getMessages,
		GetMessages:         d.getMessages,
		DeleteMessages:      d.deleteMessages,
		RemoveMessages:      d.deleteMessages,
	})
}

type driver struct {
	cfg Config
	mu  sync.Mutex // serializes writes, notmuch disallows concurrent writers
}

// notmuchMessage is the shape of one entry in `notmuch show --format=json`,
// restricted to the fields this driver reads.
type notmuchMessage struct {
	ID      string            `json:"id"`
	Tags    []string          `json:"tags"`
	Headers notmuchHeaders    `json:"headers"`
}

type notmuchHeaders struct {
	Subject string `json:"Subject"`
	From    string `json:"From"`
	To      string `json:"To"`
	Date    string `json:"Date"`
}

func (d *driver) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, d.cfg.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("notmuch %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.Bytes(), nil
}

func (d *driver) runJSON(ctx context.Context, out interface{}, args ...string) error {
	raw, err := d.run(ctx, args...)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// runTagBatch pipes one "+tag -tag -- id:<id>" line per message into
// `notmuch tag --batch`, the batched-write pattern the grounding file uses
// to avoid spawning one process per message.
func (d *driver) runTagBatch(ctx context.Context, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	cmd := exec.CommandContext(ctx, d.cfg.Binary, "tag", "--batch")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return err
	}
	for _, line := range lines {
		if _, err := io.WriteString(stdin, line+"\n"); err != nil {
			stdin.Close()
			return err
		}
	}
	stdin.Close()
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("notmuch tag --batch: %w: %s", err, stderr.String())
	}
	return nil
}

func (d *driver) insert(ctx context.Context, raw []byte, tags []string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	args := []string{"insert"}
	if d.cfg.InsertFolder != "" {
		args = append(args, "--folder="+d.cfg.InsertFolder)
	}
	for _, t := range tags {
		args = append(args, "+"+t)
	}

	cmd := exec.CommandContext(ctx, d.cfg.Binary, args...)
	cmd.Stdin = bytes.NewReader(raw)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("notmuch insert: %w: %s", err, stderr.String())
	}

	id := strings.TrimSpace(stdout.String())
	if id == "" {
		return "", fmt.Errorf("notmuch insert: no message id returned")
	}
	return id, nil
}

func (d *driver) addFolder(ctx context.Context, name string) error {
	// notmuch has no folder-creation verb: a tag exists the moment a
	// message carries it. Nothing to do until the first message is tagged.
	return nil
}

func (d *driver) listFolders(ctx context.Context) ([]model.Folder, error) {
	var tags []string
	if err := d.runJSON(ctx, &tags, "search", "--output=tags", "--format=json", "*"); err != nil {
		return nil, err
	}
	sort.Strings(tags)
	out := make([]model.Folder, 0, len(tags))
	for _, tag := range tags {
		if tag == "unread" {
			continue // \Seen's absence, not a folder
		}
		name := tag
		if tag == "inbox" {
			name = "INBOX"
		}
		out = append(out, model.Folder{Name: name, Kind: model.DetectKind(name)})
	}
	return out, nil
}

// expungeFolder drops the folder's tag from every message it's currently
// on, the notmuch analogue of removing messages from a mailbox — the
// message itself, and its other tags, survive.
func (d *driver) expungeFolder(ctx context.Context, name string) error {
	ids, err := d.messageIDs(ctx, name)
	if err != nil {
		return err
	}
	lines := make([]string, 0, len(ids))
	for _, id := range ids {
		lines = append(lines, fmt.Sprintf("-%s -- id:%s", folderTag(name), id))
	}
	return d.runTagBatch(ctx, lines)
}

func (d *driver) deleteFolder(ctx context.Context, name string) error {
	return d.expungeFolder(ctx, name)
}

func folderTag(name string) string {
	if strings.EqualFold(name, "INBOX") {
		return "inbox"
	}
	return name
}

func (d *driver) messageIDs(ctx context.Context, folder string) ([]string, error) {
	var ids []string
	err := d.runJSON(ctx, &ids, "search", "--output=messages", "--format=json", "tag:"+folderTag(folder))
	return ids, err
}

func (d *driver) getEnvelope(ctx context.Context, folder string, id model.Id) (model.Envelope, error) {
	msg, err := d.showMessage(ctx, id.First())
	if err != nil {
		return model.Envelope{}, err
	}
	return envelopeFromNotmuch(msg), nil
}

func (d *driver) listEnvelopes(ctx context.Context, folder string, opts backend.ListOptions) ([]model.Envelope, error) {
	query := "tag:" + folderTag(folder)
	if opts.Query != "" {
		query = fmt.Sprintf("(%s) and (%s)", query, opts.Query)
	}

	var ids []string
	if err := d.runJSON(ctx, &ids, "search", "--output=messages", "--format=json", "--sort=newest-first", query); err != nil {
		return nil, err
	}

	if opts.Page > 0 {
		start := (opts.Page - 1) * opts.PageSize
		if start >= len(ids) {
			return nil, &backend.ErrPageOutOfRange{Folder: folder, Page: opts.Page}
		}
		end := start + opts.PageSize
		if end > len(ids) {
			end = len(ids)
		}
		ids = ids[start:end]
	}

	out := make([]model.Envelope, 0, len(ids))
	for _, id := range ids {
		msg, err := d.showMessage(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, envelopeFromNotmuch(msg))
	}
	return out, nil
}

// showMessage runs `notmuch show --format=json --body=false` for a single
// message and unwraps the deeply nested thread/reply array notmuch always
// returns, down to the one message requested.
func (d *driver) showMessage(ctx context.Context, id string) (*notmuchMessage, error) {
	raw, err := d.run(ctx, "show", "--format=json", "--body=false", "id:"+id)
	if err != nil {
		return nil, err
	}
	msg := unwrapNotmuchShow(raw)
	if msg == nil {
		return nil, fmt.Errorf("notmuch: message %q not found", id)
	}
	return msg, nil
}

// unwrapNotmuchShow descends notmuch show's [[[{msg}, [replies]]]] nesting
// to the first message object, the shape `notmuch show --format=json`
// always produces even for a single `id:` query.
func unwrapNotmuchShow(raw []byte) *notmuchMessage {
	var forest []json.RawMessage
	if err := json.Unmarshal(raw, &forest); err != nil || len(forest) == 0 {
		return nil
	}
	var thread []json.RawMessage
	if err := json.Unmarshal(forest[0], &thread); err != nil || len(thread) == 0 {
		return nil
	}
	var pair []json.RawMessage
	if err := json.Unmarshal(thread[0], &pair); err != nil || len(pair) == 0 {
		return nil
	}
	var msg notmuchMessage
	if err := json.Unmarshal(pair[0], &msg); err != nil {
		return nil
	}
	return &msg
}

func envelopeFromNotmuch(msg *notmuchMessage) model.Envelope {
	env := model.Envelope{
		InternalID: model.Single(msg.ID),
		Flags:      tagsToFlags(msg.Tags),
		Subject:    msg.Headers.Subject,
		From:       parseMailboxAddress(msg.Headers.From),
		To:         parseMailboxAddress(msg.Headers.To),
	}
	env.Date = parseNotmuchDate(msg.Headers.Date)
	env.MessageID = model.CanonicalMessageID(msg.ID)
	if env.MessageID == "" {
		env.MessageID = model.SynthesizeMessageID(env.From.Email, env.Subject, env.Date)
	}
	return env
}

func parseMailboxAddress(raw string) model.Address {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return model.Address{}
	}
	if i := strings.LastIndex(raw, "<"); i >= 0 && strings.HasSuffix(raw, ">") {
		return model.Address{Name: strings.Trim(raw[:i], ` "`), Email: raw[i+1 : len(raw)-1]}
	}
	return model.Address{Email: raw}
}

// notmuchDateLayouts are the Date header formats notmuch's JSON output
// passes through verbatim (RFC 5322, with and without the day-of-week).
var notmuchDateLayouts = []string{
	time.RFC1123Z,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 -0700",
	time.RFC1123,
}

func parseNotmuchDate(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	for _, layout := range notmuchDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}

func (d *driver) addFlags(ctx context.Context, folder string, id model.Id, flags model.Flags) error {
	diff := notmuchTagDiff{add: tagsForFlags(flags)}
	if flags.Has(model.Seen) {
		diff.remove = append(diff.remove, "unread")
	}
	return d.runTagBatch(ctx, tagLines(id, diff))
}

func (d *driver) removeFlags(ctx context.Context, folder string, id model.Id, flags model.Flags) error {
	diff := notmuchTagDiff{remove: tagsForFlags(flags)}
	if flags.Has(model.Seen) {
		diff.add = append(diff.add, "unread")
	}
	return d.runTagBatch(ctx, tagLines(id, diff))
}

// setFlags replaces a message's flag-derived tags outright: drop every tag
// this driver manages, then add back only what flags asks for, rather than
// `tag --remove-all` which would also strip the folder tag.
func (d *driver) setFlags(ctx context.Context, folder string, id model.Id, flags model.Flags) error {
	diff := notmuchTagDiff{
		remove: []string{"flagged", "replied", "draft", "deleted"},
		add:    tagsForFlags(flags),
	}
	if flags.Has(model.Seen) {
		diff.remove = append(diff.remove, "unread")
	} else {
		diff.add = append(diff.add, "unread")
	}
	return d.runTagBatch(ctx, tagLines(id, diff))
}

type notmuchTagDiff struct {
	add    []string
	remove []string
}

func tagLines(id model.Id, diff notmuchTagDiff) []string {
	lines := make([]string, 0, id.Len())
	for _, key := range id.Values() {
		var parts []string
		for _, t := range diff.remove {
			parts = append(parts, "-"+t)
		}
		for _, t := range diff.add {
			parts = append(parts, "+"+t)
		}
		parts = append(parts, "--", "id:"+key)
		lines = append(lines, strings.Join(parts, " "))
	}
	return lines
}

// tagsForFlags translates the flag set into the tag names notmuch should
// carry; \Seen is modeled as the ABSENCE of "unread" and is handled by the
// caller (setFlags/addFlags/removeFlags invert it before building tags).
func tagsForFlags(flags model.Flags) []string {
	out := make([]string, 0, len(flags))
	for f := range flags {
		switch f {
		case model.Seen:
			continue // handled as -unread by the Seen-aware callers below
		case model.Answered:
			out = append(out, "replied")
		case model.Flagged:
			out = append(out, "flagged")
		case model.Draft:
			out = append(out, "draft")
		case model.Deleted:
			out = append(out, "deleted")
		default:
			out = append(out, string(f))
		}
	}
	return out
}

func tagsToFlags(tags []string) model.Flags {
	out := make(model.Flags)
	seen := true
	for _, t := range tags {
		switch t {
		case "unread":
			seen = false
		case "flagged":
			out.Add(model.Flagged)
		case "replied":
			out.Add(model.Answered)
		case "draft":
			out.Add(model.Draft)
		case "deleted":
			out.Add(model.Deleted)
		case "inbox":
			// folder tag, not a flag
		default:
			out.Add(model.Custom(t))
		}
	}
	if seen {
		out.Add(model.Seen)
	}
	return out
}

func (d *driver) addMessageWithFlags(ctx context.Context, folder string, raw []byte, flags model.Flags) (model.Id, error) {
	tags := []string{folderTag(folder)}
	tags = append(tags, tagsForFlags(flags)...)
	if !flags.Has(model.Seen) {
		tags = append(tags, "unread")
	}
	id, err := d.insert(ctx, raw, tags)
	if err != nil {
		return model.Id{}, err
	}
	return model.Single(id), nil
}

func (d *driver) getMessages(ctx context.Context, folder string, id model.Id) ([]model.Message, error) {
	out := make([]model.Message, 0, id.Len())
	for _, key := range id.Values() {
		raw, err := d.run(ctx, "show", "--format=raw", "--part=0", "id:"+key)
		if err != nil {
			return nil, err
		}
		out = append(out, model.Message{Raw: raw})
	}
	return out, nil
}

func (d *driver) deleteMessages(ctx context.Context, folder string, id model.Id) error {
	lines := make([]string, 0, id.Len())
	for _, key := range id.Values() {
		lines = append(lines, "+deleted -- id:"+key)
	}
	return d.runTagBatch(ctx, lines)
}
