// Package imapbackend adapts internal/imap's connection pool and client
// into a backend.Backend, the polymorphic surface the sync engine and
// executor address every side through (C2/C7).
package imapbackend

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	goimap "github.com/emersion/go-imap/v2"

	"github.com/tethermail/tether/internal/backend"
	"github.com/tethermail/tether/internal/imap"
	"github.com/tethermail/tether/internal/model"
)

// Config names the account this backend instance serves. CredentialsFor
// resolves an accountID (only ever AccountID here, but kept account-keyed
// to match internal/imap.Pool's multi-account shape) to connection config.
type Config struct {
	AccountID       string
	AccountName     string
	Pool            imap.PoolConfig
	CredentialsFor  func(accountID string) (*imap.ClientConfig, error)
	Idle            imap.IdleConfig
}

// New builds a backend.Backend backed by a live IMAP connection pool for a
// single account. Every Features closure checks out a pooled connection,
// selects the folder, performs the operation, and releases the connection —
// concurrent envelope hunks (internal/executor) each get their own
// connection rather than serializing on one.
func New(cfg Config) *backend.Backend {
	pool := imap.NewPool(cfg.Pool, cfg.CredentialsFor)
	d := &driver{cfg: cfg, pool: pool}

	return backend.New(fmt.Sprintf("imap:%s", cfg.AccountID), backend.Features{
		AddFolder:     d.addFolder,
		ListFolders:   d.listFolders,
		ExpungeFolder: d.expungeFolder,
		PurgeFolder:   d.expungeFolder,
		DeleteFolder:  d.deleteFolder,

		GetEnvelope:    d.getEnvelope,
		ListEnvelopes:  d.listEnvelopes,
		WatchEnvelopes: d.watchEnvelopes,

		AddFlags:    d.addFlags,
		SetFlags:    d.setFlags,
		RemoveFlags: d.removeFlags,

		AddMessageWithFlags: d.addMessageWithFlags,
		PeekMessages:        d.peekMessages,
		GetMessages:         d.getMessages,
		CopyMessages:        d.copyMessages,
		MoveMessages:        d.moveMessages,
		DeleteMessages:      d.deleteMessages,
		RemoveMessages:      d.deleteMessages,

		Close: d.close,
	})
}

type driver struct {
	cfg  Config
	pool *imap.Pool
}

// withConn checks out a connection, selects folder when non-empty, runs fn,
// and returns the connection to the pool — or discards it if fn's error
// looks like a dead connection, so the pool doesn't hand a broken socket to
// the next caller.
func (d *driver) withConn(ctx context.Context, folder string, fn func(*imap.Client) error) error {
	conn, err := d.pool.GetConnection(ctx, d.cfg.AccountID)
	if err != nil {
		return err
	}

	if folder != "" {
		if _, err := conn.Client().SelectMailbox(ctx, folder); err != nil {
			d.pool.Discard(conn)
			return fmt.Errorf("select %q: %w", folder, err)
		}
	}

	err = fn(conn.Client())
	if err != nil && imap.IsConnectionError(err) {
		d.pool.Discard(conn)
		return err
	}
	d.pool.Release(conn)
	return err
}

// close tears down every pooled connection for this account. A CLI sync
// pass opens the pool once and runs to completion, so there is no
// long-lived cleanup ticker to stop here — just the sockets themselves.
func (d *driver) close(ctx context.Context) error {
	d.pool.CloseAccount(d.cfg.AccountID)
	return nil
}

func (d *driver) addFolder(ctx context.Context, name string) error {
	var created error
	err := d.withConn(ctx, "", func(c *imap.Client) error {
		createCmd := c.RawClient().Create(name, nil)
		created = createCmd.Wait()
		return created
	})
	if err != nil {
		return err
	}
	return created
}

func (d *driver) listFolders(ctx context.Context) ([]model.Folder, error) {
	var out []model.Folder
	err := d.withConn(ctx, "", func(c *imap.Client) error {
		mailboxes, err := c.ListMailboxes()
		if err != nil {
			return err
		}
		out = make([]model.Folder, 0, len(mailboxes))
		for _, mb := range mailboxes {
			out = append(out, model.Folder{Name: mb.Name, Kind: folderKind(mb.Type), Delimiter: mb.Delimiter})
		}
		return nil
	})
	return out, err
}

func folderKind(t imap.FolderType) model.Kind {
	switch t {
	case imap.FolderTypeInbox:
		return model.KindInbox
	case imap.FolderTypeSent:
		return model.KindSent
	case imap.FolderTypeDrafts:
		return model.KindDrafts
	case imap.FolderTypeTrash:
		return model.KindTrash
	default:
		return model.KindOther
	}
}

func (d *driver) expungeFolder(ctx context.Context, name string) error {
	return d.withConn(ctx, name, func(c *imap.Client) error {
		return c.RawClient().Expunge().Close()
	})
}

func (d *driver) deleteFolder(ctx context.Context, name string) error {
	return d.withConn(ctx, "", func(c *imap.Client) error {
		return c.RawClient().Delete(name).Wait()
	})
}

func (d *driver) getEnvelope(ctx context.Context, folder string, id model.Id) (model.Envelope, error) {
	uid, err := parseUID(id)
	if err != nil {
		return model.Envelope{}, err
	}

	var env model.Envelope
	err = d.withConn(ctx, folder, func(c *imap.Client) error {
		data, err := c.FetchEnvelopes(ctx, []goimap.UID{uid})
		if err != nil {
			return err
		}
		if len(data) == 0 {
			return fmt.Errorf("message not found: UID %d", uid)
		}
		env = toEnvelope(data[0])
		return nil
	})
	return env, err
}

func (d *driver) listEnvelopes(ctx context.Context, folder string, opts backend.ListOptions) ([]model.Envelope, error) {
	var out []model.Envelope
	err := d.withConn(ctx, folder, func(c *imap.Client) error {
		var uids []goimap.UID
		var err error
		if opts.Query != "" {
			uids, err = c.Search(ctx, opts.Query)
		} else {
			uids, err = c.SearchAll(ctx)
		}
		if err != nil {
			return err
		}

		sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] }) // newest UID first

		if opts.Page > 0 {
			start := (opts.Page - 1) * opts.PageSize
			if start >= len(uids) {
				return &backend.ErrPageOutOfRange{Folder: folder, Page: opts.Page}
			}
			end := start + opts.PageSize
			if end > len(uids) {
				end = len(uids)
			}
			uids = uids[start:end]
		}

		data, err := c.FetchEnvelopes(ctx, uids)
		if err != nil {
			return err
		}
		out = make([]model.Envelope, 0, len(data))
		for _, item := range data {
			out = append(out, toEnvelope(item))
		}
		if opts.Order == "" || opts.Order == "date" {
			sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
		}
		return nil
	})
	return out, err
}

// watchEnvelopes starts an IDLE loop selected on folder (any folder this
// side's strategy admits, not just INBOX — internal/imap/idle.go's
// IdleConnection now selects whatever mailbox it's told to watch) and
// invokes onChange on every unilateral EXISTS/EXPUNGE notification.
func (d *driver) watchEnvelopes(ctx context.Context, folder string, onChange func()) (func(), error) {
	mgr := imap.NewIdleManager(d.cfg.Idle, d.cfg.CredentialsFor)
	mgr.Start(ctx)
	mgr.StartAccount(d.cfg.AccountID, d.cfg.AccountName, folder)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-mgr.Events():
				if !ok {
					return
				}
				if ev.Folder == folder {
					onChange()
				}
			}
		}
	}()

	cancel := func() {
		mgr.Stop()
		<-done
	}
	return cancel, nil
}

func (d *driver) addFlags(ctx context.Context, folder string, id model.Id, flags model.Flags) error {
	uids, err := parseUIDs(id)
	if err != nil {
		return err
	}
	return d.withConn(ctx, folder, func(c *imap.Client) error {
		return c.AddMessageFlags(uids, toIMAPFlags(flags))
	})
}

func (d *driver) setFlags(ctx context.Context, folder string, id model.Id, flags model.Flags) error {
	uids, err := parseUIDs(id)
	if err != nil {
		return err
	}
	return d.withConn(ctx, folder, func(c *imap.Client) error {
		return c.SetMessageFlags(uids, toIMAPFlags(flags))
	})
}

func (d *driver) removeFlags(ctx context.Context, folder string, id model.Id, flags model.Flags) error {
	uids, err := parseUIDs(id)
	if err != nil {
		return err
	}
	return d.withConn(ctx, folder, func(c *imap.Client) error {
		return c.RemoveMessageFlags(uids, toIMAPFlags(flags))
	})
}

func (d *driver) addMessageWithFlags(ctx context.Context, folder string, raw []byte, flags model.Flags) (model.Id, error) {
	var id model.Id
	err := d.withConn(ctx, "", func(c *imap.Client) error {
		uid, err := c.AppendMessage(folder, toIMAPFlags(flags), time.Time{}, raw)
		if err != nil {
			return err
		}
		id = model.Single(strconv.FormatUint(uint64(uid), 10))
		return nil
	})
	return id, err
}

func (d *driver) peekMessages(ctx context.Context, folder string, id model.Id) ([]model.Message, error) {
	return d.fetchMessages(ctx, folder, id, true)
}

func (d *driver) getMessages(ctx context.Context, folder string, id model.Id) ([]model.Message, error) {
	return d.fetchMessages(ctx, folder, id, false)
}

func (d *driver) fetchMessages(ctx context.Context, folder string, id model.Id, peek bool) ([]model.Message, error) {
	uids, err := parseUIDs(id)
	if err != nil {
		return nil, err
	}

	var out []model.Message
	err = d.withConn(ctx, folder, func(c *imap.Client) error {
		out = make([]model.Message, 0, len(uids))
		for _, uid := range uids {
			var raw []byte
			var ferr error
			if peek {
				raw, ferr = c.PeekBody(ctx, uid)
			} else {
				raw, ferr = c.GetBody(ctx, uid)
			}
			if ferr != nil {
				return ferr
			}
			out = append(out, model.Message{Raw: raw})
		}
		return nil
	})
	return out, err
}

func (d *driver) copyMessages(ctx context.Context, from, to string, id model.Id) error {
	uids, err := parseUIDs(id)
	if err != nil {
		return err
	}
	return d.withConn(ctx, from, func(c *imap.Client) error {
		_, err := c.CopyMessages(uids, to)
		return err
	})
}

func (d *driver) moveMessages(ctx context.Context, from, to string, id model.Id) error {
	uids, err := parseUIDs(id)
	if err != nil {
		return err
	}
	return d.withConn(ctx, from, func(c *imap.Client) error {
		return c.MoveMessagesByUID(uids, to)
	})
}

func (d *driver) deleteMessages(ctx context.Context, folder string, id model.Id) error {
	uids, err := parseUIDs(id)
	if err != nil {
		return err
	}
	return d.withConn(ctx, folder, func(c *imap.Client) error {
		return c.DeleteMessagesByUID(uids)
	})
}
