// Package smtptransport adapts internal/smtp's client into a backend.Backend
// that implements only SendMessage — a submission account has no folders or
// envelopes of its own, it is purely the outbound half of an account pair.
package smtptransport

import (
	"bytes"
	"context"
	"fmt"

	gomail "github.com/emersion/go-message/mail"

	"github.com/tethermail/tether/internal/backend"
	"github.com/tethermail/tether/internal/smtp"
)

// Config names the account this backend instance submits mail for. From is
// the envelope sender used on MAIL FROM; recipients are read off the
// message's own To/Cc/Bcc headers.
type Config struct {
	AccountID string
	From      string
	Client    smtp.ClientConfig
}

// New builds a backend.Backend whose only Features field is SendMessage. A
// fresh connection is dialed per call rather than pooled — outbound
// submission is comparatively rare next to the sync traffic internal/pool
// exists for, and most servers cap concurrent submission sessions tightly.
func New(cfg Config) *backend.Backend {
	d := &driver{cfg: cfg}
	return backend.New(fmt.Sprintf("smtp:%s", cfg.AccountID), backend.Features{
		SendMessage: d.sendMessage,
	})
}

type driver struct {
	cfg Config
}

func (d *driver) sendMessage(ctx context.Context, raw []byte) error {
	recipients, err := recipientsOf(raw)
	if err != nil {
		return fmt.Errorf("smtptransport: %w", err)
	}
	if len(recipients) == 0 {
		return fmt.Errorf("smtptransport: message has no To/Cc/Bcc recipients")
	}

	client := smtp.NewClient(d.cfg.Client)
	if err := client.Connect(); err != nil {
		return fmt.Errorf("smtptransport: connect: %w", err)
	}
	defer client.Close()

	return client.SendMail(d.cfg.From, recipients, raw)
}

// recipientsOf reads To, Cc, and Bcc off the message's own headers, so a
// Bcc recipient gets an envelope RCPT TO only while raw still carries the
// Bcc header; sendMessage submits raw unchanged, Bcc header included.
func recipientsOf(raw []byte) ([]string, error) {
	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing message: %w", err)
	}

	var out []string
	for _, field := range []string{"To", "Cc", "Bcc"} {
		addrs, err := mr.Header.AddressList(field)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			out = append(out, a.Address)
		}
	}
	return out, nil
}
