// Package bus publishes transcript events to NATS.
//
// A [Forwarder] subscribes to a [transcript.State] and publishes every event
// as JSON to "<prefix>.<kind>" through a [Publisher]. [Client] is the NATS
// implementation of Publisher; [StartEmbedded] runs an in-process NATS server
// for single-node deployments.
package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultConnectTimeout bounds the initial connection attempt.
const DefaultConnectTimeout = 2 * time.Second

// ErrNotConnected is returned by [Client.Check] while the connection is down.
var ErrNotConnected = errors.New("bus: not connected")

// Publisher sends one message to a subject.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Client wraps a NATS connection.
type Client struct {
	conn *nats.Conn
	log  *slog.Logger
}

var _ Publisher = (*Client)(nil)

// Connect dials the NATS server(s) at url, a comma-separated list. The client
// keeps reconnecting in the background after the initial connection.
func Connect(url, name string, log *slog.Logger) (*Client, error) {
	if url == "" {
		return nil, errors.New("bus: no NATS url configured")
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "bus")

	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(DefaultConnectTimeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: connect to nats: %w", err)
	}
	log.Info("connected to NATS", "url", conn.ConnectedUrl())
	return &Client{conn: conn, log: log}, nil
}

// Publish implements [Publisher].
func (c *Client) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("bus: publish %s: %w", subject, err)
	}
	return nil
}

// Check returns nil while the connection is established. It serves as a
// readiness probe.
func (c *Client) Check() error {
	if c == nil || c.conn == nil || c.conn.Status() != nats.CONNECTED {
		return ErrNotConnected
	}
	return nil
}

// Conn exposes the underlying connection, e.g. for subscriptions in tests.
func (c *Client) Conn() *nats.Conn { return c.conn }

// Close drains pending messages and closes the connection.
func (c *Client) Close() {
	if c == nil || c.conn == nil {
		return
	}
	c.log.Info("closing NATS connection")
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
}
