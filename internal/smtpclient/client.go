// Package smtpclient is the transport half of the delivery engine: dial an
// endpoint, speak just enough SMTP to hand the message over, and classify
// the outcome. It does not implement an MTA.
package smtpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"
)

// Credentials are optional endpoint login details.
type Credentials struct {
	User string
	Pass string
}

// StatusError is a transport failure carrying an SMTP status code. Codes
// >= 500 are permanent failures; 4xx are transient.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return strconv.Itoa(e.Code) + " " + e.Message
}

// Permanent reports whether the status marks a permanent failure.
func (e *StatusError) Permanent() bool {
	return e.Code >= 500
}

// AsStatus extracts an SMTP status from a transport error, unwrapping the
// protocol-level error the smtp package surfaces.
func AsStatus(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}

	var te *textproto.Error
	if errors.As(err, &te) {
		return &StatusError{Code: te.Code, Message: te.Msg}, true
	}

	return nil, false
}

// Sender delivers a signed message to a single endpoint. Implemented by
// Client; faked in tests.
type Sender interface {
	Send(ctx context.Context, host string, port int, creds *Credentials, from string, to []string, message []byte) error
}

// Client speaks SMTP against delivery endpoints.
type Client struct {
	heloName       string
	dialTimeout    time.Duration
	sessionTimeout time.Duration
}

// New creates a transport client announcing heloName.
func New(heloName string) *Client {
	if heloName == "" {
		heloName = "mailflow.local"
	}

	return &Client{
		heloName:       heloName,
		dialTimeout:    30 * time.Second,
		sessionTimeout: 2 * time.Minute,
	}
}

// Send performs one delivery attempt: dial, EHLO, STARTTLS and AUTH when
// credentials are present, then MAIL/RCPT/DATA. Errors that carry an SMTP
// status can be recovered with AsStatus.
func (c *Client) Send(ctx context.Context, host string, port int, creds *Credentials, from string, to []string, message []byte) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	dialer := &net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.sessionTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return fmt.Errorf("new client: %w", err)
	}
	defer client.Close()

	if err := client.Hello(c.heloName); err != nil {
		return fmt.Errorf("helo: %w", err)
	}

	if creds != nil && creds.User != "" && creds.Pass != "" {
		if ok, _ := client.Extension("STARTTLS"); ok {
			tlsConf := &tls.Config{
				ServerName: host,
				MinVersion: tls.VersionTLS12,
			}
			if err := client.StartTLS(tlsConf); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}

		auth := smtp.PlainAuth("", creds.User, creds.Pass, host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("rcpt to %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data start: %w", err)
	}
	if _, err := w.Write(message); err != nil {
		return fmt.Errorf("data write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("data close: %w", err)
	}

	if err := client.Quit(); err != nil {
		return fmt.Errorf("quit: %w", err)
	}

	return nil
}
