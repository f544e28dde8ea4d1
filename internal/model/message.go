package model

import (
	"bytes"
	"sync"

	"github.com/emersion/go-message/mail"
)

// Message holds raw RFC 5322 bytes plus a lazily-parsed view of its
// headers and body parts. Parsing is deferred because most sync operations
// only need the raw bytes to ship to a backend.
type Message struct {
	Raw []byte

	once     sync.Once
	header   mail.Header
	parseErr error
}

// Bytes returns the raw RFC 5322 message.
func (m *Message) Bytes() []byte { return m.Raw }

// Header returns the named header's first raw value, or "" if absent. It
// parses the message headers on first use and caches the result.
func (m *Message) Header(name string) string {
	h, err := m.parsedHeader()
	if err != nil {
		return ""
	}
	v, _ := h.Header.Text(name)
	return v
}

// parsedHeader lazily parses Raw's header block, caching both the header
// and any parse error so repeated calls are cheap.
func (m *Message) parsedHeader() (*mail.Header, error) {
	m.once.Do(func() {
		r, err := mail.CreateReader(bytes.NewReader(m.Raw))
		if err != nil {
			m.parseErr = err
			return
		}
		m.header = r.Header
	})
	if m.parseErr != nil {
		return nil, m.parseErr
	}
	return &m.header, nil
}
