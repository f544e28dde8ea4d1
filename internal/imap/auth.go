package imap

import "fmt"

// AuthType selects how Client.Login authenticates.
type AuthType string

const (
	AuthTypePassword AuthType = "password"
	AuthTypeOAuth2   AuthType = "oauth2"
)

// xoauth2Client implements sasl.Client for the XOAUTH2 mechanism (used by
// Gmail and Outlook/Microsoft 365), which go-sasl does not ship itself.
type xoauth2Client struct {
	username    string
	accessToken string
}

// NewXOAuth2Client builds a sasl.Client for the XOAUTH2 mechanism.
func NewXOAuth2Client(username, accessToken string) *xoauth2Client {
	return &xoauth2Client{username: username, accessToken: accessToken}
}

func (c *xoauth2Client) Start() (mech string, ir []byte, err error) {
	ir = []byte(fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", c.username, c.accessToken))
	return "XOAUTH2", ir, nil
}

// Next is called only if the server rejects the initial response with a
// continuation (a JSON error payload for XOAUTH2); responding with an empty
// message lets the server complete the exchange with its failure status.
func (c *xoauth2Client) Next(challenge []byte) (response []byte, err error) {
	return nil, nil
}
