package smtp

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/rs/zerolog"

	"github.com/tethermail/tether/internal/imap"
	"github.com/tethermail/tether/internal/logging"
)

// SecurityType selects how Client.Connect secures the transport, mirroring
// internal/imap's connection-security enum.
type SecurityType string

const (
	SecurityNone     SecurityType = "none"
	SecurityTLS      SecurityType = "tls"
	SecurityStartTLS SecurityType = "starttls"
)

// AuthType selects how Client.Connect authenticates once connected.
type AuthType string

const (
	AuthTypePassword AuthType = "password"
	AuthTypeOAuth2   AuthType = "oauth2"
)

// ClientConfig holds everything needed to dial and authenticate against a
// submission server.
type ClientConfig struct {
	Host     string
	Port     int
	Security SecurityType
	Username string
	Password string

	AuthType    AuthType
	AccessToken string

	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration

	TLSConfig *tls.Config
}

// DefaultConfig returns a ClientConfig with sensible submission-port defaults.
func DefaultConfig() ClientConfig {
	return ClientConfig{
		Port:           587,
		Security:       SecurityStartTLS,
		ConnectTimeout: 30 * time.Second,
		ReadTimeout:    2 * time.Minute,
		WriteTimeout:   30 * time.Second,
	}
}

// Client wraps a go-smtp client with the dial/auth/send lifecycle the
// accounts in this module need.
type Client struct {
	config ClientConfig
	client *gosmtp.Client
	log    zerolog.Logger
}

// NewClient builds a Client but does not connect.
func NewClient(config ClientConfig) *Client {
	return &Client{config: config, log: logging.WithComponent("smtp")}
}

// Connect dials the server, negotiates TLS per Security, and authenticates.
func (c *Client) Connect() error {
	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)

	c.log.Debug().
		Str("host", c.config.Host).
		Int("port", c.config.Port).
		Str("security", string(c.config.Security)).
		Msg("Connecting to SMTP server")

	dialer := &net.Dialer{Timeout: c.config.ConnectTimeout}

	var conn net.Conn
	var err error
	switch c.config.Security {
	case SecurityTLS:
		tlsConfig := c.config.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: c.config.Host}
		}
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
	default:
		// SecurityStartTLS and SecurityNone both start in the clear; STARTTLS
		// is negotiated below once the client is constructed.
		conn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	conn = &deadlineConn{
		Conn:         conn,
		readTimeout:  c.config.ReadTimeout,
		writeTimeout: c.config.WriteTimeout,
	}

	c.client = gosmtp.NewClient(conn)
	if err := c.client.Hello(clientDomain(c.config.Username)); err != nil {
		c.client.Close()
		return fmt.Errorf("EHLO failed: %w", err)
	}

	if c.config.Security == SecurityStartTLS {
		tlsConfig := c.config.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: c.config.Host}
		}
		if ok, _ := c.client.Extension("STARTTLS"); ok {
			if err := c.client.StartTLS(tlsConfig); err != nil {
				c.client.Close()
				return fmt.Errorf("STARTTLS failed: %w", err)
			}
		} else {
			c.log.Warn().Msg("server does not advertise STARTTLS, continuing in the clear")
		}
	}

	if err := c.authenticate(); err != nil {
		c.client.Close()
		return err
	}

	c.log.Info().Str("host", c.config.Host).Msg("Connected to SMTP server")
	return nil
}

// clientDomain derives a best-effort HELO/EHLO identity from the account's
// username (its domain part when it looks like an email address, otherwise
// a generic fallback — servers rarely reject on this value).
func clientDomain(username string) string {
	for i := 0; i < len(username); i++ {
		if username[i] == '@' {
			return username[i+1:]
		}
	}
	return "localhost"
}

func (c *Client) authenticate() error {
	authType := c.config.AuthType
	if authType == "" {
		authType = AuthTypePassword
	}

	c.log.Debug().Str("authType", string(authType)).Msg("Authenticating")

	var saslClient sasl.Client
	switch authType {
	case AuthTypeOAuth2:
		if c.config.AccessToken == "" {
			return fmt.Errorf("OAuth2 authentication requires an access token")
		}
		saslClient = imap.NewXOAuth2Client(c.config.Username, c.config.AccessToken)
	default:
		saslClient = sasl.NewPlainClient("", c.config.Username, c.config.Password)
	}

	if err := c.client.Auth(saslClient); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	return nil
}

// SendMail submits a single message envelope. raw must be a complete RFC
// 5322 message including headers, as produced by ComposeMessage.ToRFC822.
func (c *Client) SendMail(from string, to []string, raw []byte) error {
	if c.client == nil {
		return fmt.Errorf("not connected")
	}

	if err := c.client.Mail(from, nil); err != nil {
		return fmt.Errorf("MAIL FROM failed: %w", err)
	}
	for _, rcpt := range to {
		if err := c.client.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("RCPT TO %q failed: %w", rcpt, err)
		}
	}

	w, err := c.client.Data()
	if err != nil {
		return fmt.Errorf("DATA failed: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return fmt.Errorf("writing message body failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing message body failed: %w", err)
	}

	c.log.Debug().Str("from", from).Int("recipients", len(to)).Msg("Message sent")
	return nil
}

// Close terminates the session with QUIT, falling back to a hard close if
// the server doesn't respond cleanly.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if err := c.client.Quit(); err != nil {
		c.log.Warn().Err(err).Msg("QUIT failed, closing anyway")
		return c.client.Close()
	}
	return nil
}

// deadlineConn mirrors internal/imap's connection wrapper so slow or dead
// submission servers can't block a send indefinitely.
type deadlineConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.readTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}
