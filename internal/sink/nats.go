package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/gyaneshwarpardhi/linkreach/internal/batcher"
	"github.com/gyaneshwarpardhi/linkreach/internal/pubsub"
)

// DefaultNATSPrefix is the subject prefix used when none is configured.
const DefaultNATSPrefix = "linkreach"

// NATS publishes batches to "<prefix>.batches" and mirrors bus messages to
// "<prefix>.events.<topic>".
type NATS struct {
	conn   *nats.Conn
	prefix string
}

// NewNATS connects to url with automatic reconnection.
func NewNATS(url, prefix string, opts ...nats.Option) (*NATS, error) {
	defaults := []nats.Option{
		nats.Name("linkreach"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	if prefix == "" {
		prefix = DefaultNATSPrefix
	}
	return &NATS{conn: nc, prefix: prefix}, nil
}

func (n *NATS) Name() string { return "nats" }

// BatchSubject is the subject batches are published on.
func (n *NATS) BatchSubject() string { return n.prefix + ".batches" }

// EventSubject is the subject bus messages for topic are mirrored to.
func (n *NATS) EventSubject(topic string) string { return n.prefix + ".events." + topic }

// Deliver publishes the encoded payload with batch metadata in headers.
func (n *NATS) Deliver(ctx context.Context, b batcher.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := nats.NewMsg(n.BatchSubject())
	msg.Data = b.Payload
	msg.Header.Set("Batch-Id", b.ID)
	msg.Header.Set("Batch-Part", strconv.Itoa(b.Part))
	msg.Header.Set("Batch-Parts", strconv.Itoa(b.Parts))
	msg.Header.Set("Content-Encoding", b.Encoding)
	msg.Header.Set("Content-Type", contentType(b.Encoding))
	if err := n.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Relay returns a bus handler that republishes each message as JSON.
func (n *NATS) Relay() pubsub.Handler {
	return func(m pubsub.Message) error {
		data, err := json.Marshal(m.Payload)
		if err != nil {
			return fmt.Errorf("marshaling %s payload: %w", m.Topic, err)
		}
		return n.conn.Publish(n.EventSubject(m.Topic), data)
	}
}

// Flush waits until the server has processed everything published so far.
func (n *NATS) Flush(ctx context.Context) error {
	return n.conn.FlushWithContext(ctx)
}

func (n *NATS) Close() error {
	n.conn.Close()
	return nil
}
