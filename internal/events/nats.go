package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// conn is the subset of *nats.Conn used here.
type conn interface {
	Publish(subj string, data []byte) error
	Drain() error
	Close()
}

// NATS publishes JSON events on a core NATS connection under an optional subject prefix.
type NATS struct {
	conn   conn
	prefix string
}

// NewNATS connects to url.
func NewNATS(url, prefix string, opts ...nats.Option) (*NATS, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATS{conn: nc, prefix: prefix}, nil
}

// Publish encodes v as JSON and publishes it.
func (n *NATS) Publish(ctx context.Context, subject string, v any) error {
	if n == nil {
		return errors.New("nil publisher")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if n.prefix != "" {
		subject = n.prefix + "." + subject
	}
	return n.conn.Publish(subject, data)
}

// Close drains pending messages and closes the connection.
func (n *NATS) Close() {
	if n == nil {
		return
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}
}
