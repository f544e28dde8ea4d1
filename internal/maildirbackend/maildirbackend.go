// Package maildirbackend adapts emersion/go-maildir into a backend.Backend:
// one maildir.Dir per folder under a single account's base directory, each
// folder a standard cur/new/tmp maildir.
package maildirbackend

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/emersion/go-maildir"
	"github.com/emersion/go-message/mail"

	"github.com/tethermail/tether/internal/backend"
	"github.com/tethermail/tether/internal/model"
)

// New builds a backend.Backend rooted at basePath, where each subdirectory
// is one folder's maildir.
func New(name, basePath string) *backend.Backend {
	d := &driver{basePath: basePath}
	return backend.New(name, backend.Features{
		AddFolder:     d.addFolder,
		ListFolders:   d.listFolders,
		ExpungeFolder: d.expungeFolder,
		PurgeFolder:   d.purgeFolder,
		DeleteFolder:  d.deleteFolder,

		GetEnvelope:   d.getEnvelope,
		ListEnvelopes: d.listEnvelopes,

		AddFlags:    d.addFlags,
		SetFlags:    d.setFlags,
		RemoveFlags: d.removeFlags,

		AddMessageWithFlags: d.addMessageWithFlags,
		PeekMessages:        d.getMessages,
		GetMessages:         d.getMessages,
		CopyMessages:        d.copyMessages,
		MoveMessages:        d.moveMessages,
		DeleteMessages:      d.deleteMessages,
		RemoveMessages:      d.deleteMessages,
	})
}

type driver struct {
	basePath string
}

func (d *driver) folderPath(name string) string {
	return filepath.Join(d.basePath, sanitizeFolderName(name))
}

// sanitizeFolderName maps a possibly hierarchical folder name ("Work/2026")
// to a single filesystem path component, since "/" would otherwise be read
// back as nested directories instead of one folder.
func sanitizeFolderName(name string) string {
	return strings.ReplaceAll(name, "/", ".")
}

func (d *driver) dir(name string) maildir.Dir {
	return maildir.Dir(d.folderPath(name))
}

func (d *driver) exists(name string) bool {
	_, err := os.Stat(filepath.Join(d.folderPath(name), "cur"))
	return err == nil
}

func (d *driver) addFolder(ctx context.Context, name string) error {
	path := d.folderPath(name)
	if err := os.MkdirAll(path, 0o700); err != nil {
		return fmt.Errorf("maildir: create folder %q: %w", name, err)
	}
	return d.dir(name).Init()
}

func (d *driver) listFolders(ctx context.Context) ([]model.Folder, error) {
	entries, err := os.ReadDir(d.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []model.Folder
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(d.basePath, e.Name(), "cur")); err != nil {
			continue
		}
		name := strings.ReplaceAll(e.Name(), ".", "/")
		out = append(out, model.Folder{Name: name, Kind: model.DetectKind(name), Delimiter: "/"})
	}
	return out, nil
}

// expungeFolder permanently removes every message carrying the \Deleted
// flag, mirroring IMAP's EXPUNGE semantics against a maildir's flag suffix.
func (d *driver) expungeFolder(ctx context.Context, name string) error {
	if !d.exists(name) {
		return fmt.Errorf("maildir: folder %q does not exist", name)
	}
	dir := d.dir(name)
	msgs, err := dir.Messages()
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if hasFlag(msg.Flags(), maildir.FlagTrashed) {
			if err := msg.Remove(); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	return nil
}

// purgeFolder removes every message in the folder outright. Distinct from
// expungeFolder: purge empties the folder unconditionally (used for a trash
// folder being emptied), expunge only removes messages already marked
// \Deleted.
func (d *driver) purgeFolder(ctx context.Context, name string) error {
	if !d.exists(name) {
		return fmt.Errorf("maildir: folder %q does not exist", name)
	}
	dir := d.dir(name)
	msgs, err := dir.Messages()
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if err := msg.Remove(); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (d *driver) deleteFolder(ctx context.Context, name string) error {
	if !d.exists(name) {
		return fmt.Errorf("maildir: folder %q does not exist", name)
	}
	return os.RemoveAll(d.folderPath(name))
}

func hasFlag(flags []maildir.Flag, target maildir.Flag) bool {
	for _, f := range flags {
		if f == target {
			return true
		}
	}
	return false
}

func (d *driver) getEnvelope(ctx context.Context, folder string, id model.Id) (model.Envelope, error) {
	dir := d.dir(folder)
	msg, err := dir.MessageByKey(id.First())
	if err != nil {
		return model.Envelope{}, fmt.Errorf("maildir: message %q not found: %w", id.First(), err)
	}
	return envelopeFromMessage(msg)
}

func (d *driver) listEnvelopes(ctx context.Context, folder string, opts backend.ListOptions) ([]model.Envelope, error) {
	if !d.exists(folder) {
		return nil, fmt.Errorf("maildir: folder %q does not exist", folder)
	}
	dir := d.dir(folder)

	// Unseen moves new/ into cur/ so every message is enumerated uniformly
	// by Messages(); the \Recent-ness it reports isn't modeled here, since
	// the sync engine tracks newness via the cache diff, not the mailspool.
	if _, err := dir.Unseen(); err != nil {
		return nil, err
	}
	msgs, err := dir.Messages()
	if err != nil {
		return nil, err
	}

	out := make([]model.Envelope, 0, len(msgs))
	for _, msg := range msgs {
		env, err := envelopeFromMessage(msg)
		if err != nil {
			continue // skip unparsable messages rather than failing the whole list
		}
		out = append(out, env)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })

	if opts.Page > 0 {
		start := (opts.Page - 1) * opts.PageSize
		if start >= len(out) {
			return nil, &backend.ErrPageOutOfRange{Folder: folder, Page: opts.Page}
		}
		end := start + opts.PageSize
		if end > len(out) {
			end = len(out)
		}
		out = out[start:end]
	}
	return out, nil
}

func envelopeFromMessage(msg *maildir.Message) (model.Envelope, error) {
	r, err := msg.Open()
	if err != nil {
		return model.Envelope{}, err
	}
	defer r.Close()

	mr, err := mail.CreateReader(r)
	if err != nil {
		return model.Envelope{}, fmt.Errorf("maildir: parse headers: %w", err)
	}

	env := model.Envelope{
		InternalID: model.Single(msg.Key()),
		Flags:      fromMaildirFlags(msg.Flags()),
	}
	env.Subject, _ = mr.Header.Subject()
	env.Date, _ = mr.Header.Date()
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		env.From = model.Address{Name: from[0].Name, Email: from[0].Address}
	}
	if to, err := mr.Header.AddressList("To"); err == nil && len(to) > 0 {
		env.To = model.Address{Name: to[0].Name, Email: to[0].Address}
	}
	if msgID, err := mr.Header.MessageID(); err == nil && msgID != "" {
		env.MessageID = model.CanonicalMessageID(msgID)
	} else {
		env.MessageID = model.SynthesizeMessageID(env.From.Email, env.Subject, env.Date)
	}
	return env, nil
}

func (d *driver) addFlags(ctx context.Context, folder string, id model.Id, flags model.Flags) error {
	return d.modifyFlags(folder, id, func(existing []maildir.Flag) []maildir.Flag {
		have := map[maildir.Flag]bool{}
		for _, f := range existing {
			have[f] = true
		}
		for _, f := range toMaildirFlags(flags) {
			have[f] = true
		}
		return flagSet(have)
	})
}

func (d *driver) removeFlags(ctx context.Context, folder string, id model.Id, flags model.Flags) error {
	drop := map[maildir.Flag]bool{}
	for _, f := range toMaildirFlags(flags) {
		drop[f] = true
	}
	return d.modifyFlags(folder, id, func(existing []maildir.Flag) []maildir.Flag {
		have := map[maildir.Flag]bool{}
		for _, f := range existing {
			if !drop[f] {
				have[f] = true
			}
		}
		return flagSet(have)
	})
}

func (d *driver) setFlags(ctx context.Context, folder string, id model.Id, flags model.Flags) error {
	return d.modifyFlags(folder, id, func(existing []maildir.Flag) []maildir.Flag {
		return toMaildirFlags(flags)
	})
}

func (d *driver) modifyFlags(folder string, id model.Id, transform func([]maildir.Flag) []maildir.Flag) error {
	dir := d.dir(folder)
	for _, key := range id.Values() {
		msg, err := dir.MessageByKey(key)
		if err != nil {
			return fmt.Errorf("maildir: message %q not found: %w", key, err)
		}
		if err := msg.SetFlags(transform(msg.Flags())); err != nil {
			return err
		}
	}
	return nil
}

func flagSet(have map[maildir.Flag]bool) []maildir.Flag {
	out := make([]maildir.Flag, 0, len(have))
	for f := range have {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func toMaildirFlags(flags model.Flags) []maildir.Flag {
	out := make([]maildir.Flag, 0, len(flags))
	for f := range flags {
		switch f {
		case model.Seen:
			out = append(out, maildir.FlagSeen)
		case model.Answered:
			out = append(out, maildir.FlagReplied)
		case model.Flagged:
			out = append(out, maildir.FlagFlagged)
		case model.Draft:
			out = append(out, maildir.FlagDraft)
		case model.Deleted:
			out = append(out, maildir.FlagTrashed)
			// Custom flags have no maildir letter and are dropped, per
			// model.Flags.MaildirSuffix's own documented behavior.
		}
	}
	return out
}

func fromMaildirFlags(flags []maildir.Flag) model.Flags {
	out := make(model.Flags, len(flags))
	for _, f := range flags {
		switch f {
		case maildir.FlagSeen:
			out.Add(model.Seen)
		case maildir.FlagReplied:
			out.Add(model.Answered)
		case maildir.FlagFlagged:
			out.Add(model.Flagged)
		case maildir.FlagDraft:
			out.Add(model.Draft)
		case maildir.FlagTrashed:
			out.Add(model.Deleted)
		}
	}
	return out
}

func (d *driver) addMessageWithFlags(ctx context.Context, folder string, raw []byte, flags model.Flags) (model.Id, error) {
	path := d.folderPath(folder)
	if !d.exists(folder) {
		if err := d.addFolder(ctx, folder); err != nil {
			return model.Id{}, err
		}
	}

	// Delivery exposes no key accessor, so the new key is found by diffing
	// new/'s contents before and after, the same approach used to locate an
	// APPEND-delivered message's key.
	newDir := filepath.Join(path, "new")
	before, err := newKeys(newDir)
	if err != nil {
		return model.Id{}, err
	}

	delivery, err := maildir.NewDelivery(path)
	if err != nil {
		return model.Id{}, err
	}
	if _, err := delivery.Write(raw); err != nil {
		_ = delivery.Abort()
		return model.Id{}, err
	}
	if err := delivery.Close(); err != nil {
		return model.Id{}, err
	}

	key, err := newKey(newDir, before)
	if err != nil {
		return model.Id{}, err
	}

	dir := d.dir(folder)
	if len(flags) > 0 {
		msg, err := dir.MessageByKey(key)
		if err != nil {
			return model.Id{}, err
		}
		if err := msg.SetFlags(toMaildirFlags(flags)); err != nil {
			return model.Id{}, err
		}
	}
	return model.Single(key), nil
}

// newKeys snapshots the filenames currently in a maildir's new/ directory.
func newKeys(newDir string) (map[string]bool, error) {
	entries, err := os.ReadDir(newDir)
	if os.IsNotExist(err) {
		return map[string]bool{}, nil
	}
	if err != nil {
		return nil, err
	}
	keys := make(map[string]bool, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			keys[e.Name()] = true
		}
	}
	return keys, nil
}

// newKey finds the single entry in new/ absent from before, i.e. the key a
// just-completed Delivery produced.
func newKey(newDir string, before map[string]bool) (string, error) {
	entries, err := os.ReadDir(newDir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if !e.IsDir() && !before[e.Name()] {
			return e.Name(), nil
		}
	}
	return "", fmt.Errorf("maildir: delivered message key not found in %s", newDir)
}

func (d *driver) getMessages(ctx context.Context, folder string, id model.Id) ([]model.Message, error) {
	dir := d.dir(folder)
	out := make([]model.Message, 0, id.Len())
	for _, key := range id.Values() {
		msg, err := dir.MessageByKey(key)
		if err != nil {
			return nil, fmt.Errorf("maildir: message %q not found: %w", key, err)
		}
		r, err := msg.Open()
		if err != nil {
			return nil, err
		}
		raw, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, model.Message{Raw: raw})
	}
	return out, nil
}

func (d *driver) copyMessages(ctx context.Context, from, to string, id model.Id) error {
	if !d.exists(to) {
		if err := d.addFolder(ctx, to); err != nil {
			return err
		}
	}
	srcDir := d.dir(from)
	destDir := d.dir(to)
	for _, key := range id.Values() {
		msg, err := srcDir.MessageByKey(key)
		if err != nil {
			return fmt.Errorf("maildir: message %q not found: %w", key, err)
		}
		if _, err := msg.CopyTo(destDir); err != nil {
			return err
		}
	}
	return nil
}

func (d *driver) moveMessages(ctx context.Context, from, to string, id model.Id) error {
	if err := d.copyMessages(ctx, from, to, id); err != nil {
		return err
	}
	return d.deleteMessages(ctx, from, id)
}

func (d *driver) deleteMessages(ctx context.Context, folder string, id model.Id) error {
	dir := d.dir(folder)
	for _, key := range id.Values() {
		msg, err := dir.MessageByKey(key)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		if err := msg.Remove(); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
