package imap

import (
	"context"
	"fmt"
	"io"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// maxMessageSize bounds a single fetched body literal, protecting against a
// misbehaving server streaming an unbounded literal.
const maxMessageSize = 64 * 1024 * 1024

// EnvelopeData is one Fetch result: UID plus the server's own ENVELOPE and
// FLAGS responses, with no body content.
type EnvelopeData struct {
	UID   imap.UID
	Env   *imap.Envelope
	Flags []imap.Flag
}

// SearchAll returns every UID in the currently selected mailbox.
func (c *Client) SearchAll(ctx context.Context) ([]imap.UID, error) {
	if c.client == nil {
		return nil, fmt.Errorf("not connected")
	}
	return c.runSearch(ctx, &imap.SearchCriteria{})
}

// Search runs a free-text OR search across From/Subject/To/Cc/Body, the
// same shape IMAP servers handle best (notably Gmail, whose TEXT/BODY
// search is unreliable in isolation).
func (c *Client) Search(ctx context.Context, query string) ([]imap.UID, error) {
	if c.client == nil {
		return nil, fmt.Errorf("not connected")
	}
	return c.runSearch(ctx, buildSearchCriteria(query))
}

func buildSearchCriteria(query string) *imap.SearchCriteria {
	return &imap.SearchCriteria{
		Or: [][2]imap.SearchCriteria{
			{
				{Header: []imap.SearchCriteriaHeaderField{{Key: "FROM", Value: query}}},
				{Or: [][2]imap.SearchCriteria{
					{
						{Header: []imap.SearchCriteriaHeaderField{{Key: "SUBJECT", Value: query}}},
						{Or: [][2]imap.SearchCriteria{
							{
								{Header: []imap.SearchCriteriaHeaderField{{Key: "TO", Value: query}}},
								{Or: [][2]imap.SearchCriteria{
									{
										{Header: []imap.SearchCriteriaHeaderField{{Key: "CC", Value: query}}},
										{Body: []string{query}},
									},
								}},
							},
						}},
					},
				}},
			},
		},
	}
}

func (c *Client) runSearch(ctx context.Context, criteria *imap.SearchCriteria) ([]imap.UID, error) {
	searchCmd := c.client.UIDSearch(criteria, nil)

	type searchResult struct {
		data *imap.SearchData
		err  error
	}
	resultCh := make(chan searchResult, 1)
	go func() {
		data, err := searchCmd.Wait()
		resultCh <- searchResult{data, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-resultCh:
		if result.err != nil {
			return nil, fmt.Errorf("search failed: %w", result.err)
		}
		return result.data.AllUIDs(), nil
	}
}

// FetchEnvelopes fetches envelope, flags and UID for a set of messages —
// no body content — streaming results instead of blocking on .Collect() so
// a slow or dead connection can be interrupted by ctx.
func (c *Client) FetchEnvelopes(ctx context.Context, uids []imap.UID) ([]EnvelopeData, error) {
	if c.client == nil {
		return nil, fmt.Errorf("not connected")
	}
	if len(uids) == 0 {
		return nil, nil
	}

	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(uid)
	}

	fetchCmd := c.client.Fetch(uidSet, &imap.FetchOptions{UID: true, Envelope: true, Flags: true})
	defer fetchCmd.Close()

	var out []EnvelopeData
	for {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		var data EnvelopeData
		for {
			item := msg.Next()
			if item == nil {
				break
			}
			switch v := item.(type) {
			case imapclient.FetchItemDataUID:
				data.UID = v.UID
			case imapclient.FetchItemDataEnvelope:
				data.Env = v.Envelope
			case imapclient.FetchItemDataFlags:
				data.Flags = v.Flags
			}
		}
		if data.UID != 0 {
			out = append(out, data)
		}
	}
	return out, nil
}

// fetchBody fetches a single message's full RFC 822 bytes. peek leaves the
// \Seen flag untouched (PeekMessages semantics); otherwise the fetch itself
// may cause the server to mark the message seen (GetMessages semantics).
func (c *Client) fetchBody(ctx context.Context, uid imap.UID, peek bool) ([]byte, error) {
	if c.client == nil {
		return nil, fmt.Errorf("not connected")
	}

	uidSet := imap.UIDSet{}
	uidSet.AddNum(uid)

	fetchCmd := c.client.Fetch(uidSet, &imap.FetchOptions{
		BodySection: []*imap.FetchItemBodySection{{Specifier: imap.PartSpecifierNone, Peek: peek}},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, fmt.Errorf("message not found: UID %d", uid)
	}

	var raw []byte
	for {
		item := msg.Next()
		if item == nil {
			break
		}
		if data, ok := item.(imapclient.FetchItemDataBodySection); ok && data.Literal != nil {
			var err error
			raw, err = io.ReadAll(io.LimitReader(data.Literal, maxMessageSize))
			if err != nil {
				return nil, fmt.Errorf("failed to read message body: %w", err)
			}
		}
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("message body not found: UID %d", uid)
	}
	return raw, nil
}

// PeekBody fetches a message's raw bytes without marking it \Seen.
func (c *Client) PeekBody(ctx context.Context, uid imap.UID) ([]byte, error) {
	return c.fetchBody(ctx, uid, true)
}

// GetBody fetches a message's raw bytes, letting the server mark it \Seen.
func (c *Client) GetBody(ctx context.Context, uid imap.UID) ([]byte, error) {
	return c.fetchBody(ctx, uid, false)
}

// SetMessageFlags replaces a message's flag set outright (STORE FLAGS, not
// +FLAGS/-FLAGS), mirroring the sync engine's reconciled-flags write.
func (c *Client) SetMessageFlags(uids []imap.UID, flags []imap.Flag) error {
	if c.client == nil {
		return fmt.Errorf("not connected")
	}
	if len(uids) == 0 {
		return nil
	}

	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(uid)
	}

	storeFlags := imap.StoreFlags{Op: imap.StoreFlagsSet, Flags: flags, Silent: true}
	storeCmd := c.client.Store(uidSet, &storeFlags, nil)
	return storeCmd.Close()
}

// MoveMessagesByUID moves messages to destMailbox, using the MOVE extension
// (RFC 6851) when the server advertises it and falling back to COPY +
// delete-and-expunge otherwise.
func (c *Client) MoveMessagesByUID(uids []imap.UID, destMailbox string) error {
	if c.client == nil {
		return fmt.Errorf("not connected")
	}
	if len(uids) == 0 {
		return nil
	}

	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(uid)
	}

	if c.caps.Has(imap.CapMove) {
		moveCmd := c.client.Move(uidSet, destMailbox)
		_, err := moveCmd.Wait()
		if err != nil {
			return fmt.Errorf("failed to move messages: %w", err)
		}
		return nil
	}

	if _, err := c.CopyMessages(uids, destMailbox); err != nil {
		return err
	}
	return c.DeleteMessagesByUID(uids)
}
