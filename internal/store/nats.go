package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/eldtechnologies/mcpcommons/internal/models"
)

// NATSPublisher appends new messages to a JetStream stream.
type NATSPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	subject string
}

// NATSStreamName derives the JetStream stream name for a feed channel.
func NATSStreamName(channel string) string {
	return "COMMONS_" + sanitizeStreamName(channel)
}

func sanitizeStreamName(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
			out = append(out, c-'a'+'A')
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// NewNATSPublisher connects to NATS and makes sure the feed stream exists.
// keep bounds the number of messages the stream retains.
func NewNATSPublisher(ctx context.Context, natsURL, channel string, keep int) (*NATSPublisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("commons-publisher"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, err
	}

	if err := EnsureStream(ctx, js, channel, keep); err != nil {
		nc.Close()
		return nil, err
	}

	return &NATSPublisher{nc: nc, js: js, subject: channel}, nil
}

// EnsureStream creates or updates the stream backing channel.
func EnsureStream(ctx context.Context, js jetstream.JetStream, channel string, keep int) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      NATSStreamName(channel),
		Subjects:  []string{channel},
		Retention: jetstream.LimitsPolicy,
		MaxMsgs:   int64(keep),
		Discard:   jetstream.DiscardOld,
		Storage:   jetstream.FileStorage,
	})
	return err
}

// Conn exposes the NATS connection for subscribers.
func (p *NATSPublisher) Conn() *nats.Conn {
	return p.nc
}

// Ping reports whether the connection is up.
func (p *NATSPublisher) Ping(ctx context.Context) error {
	if !p.nc.IsConnected() {
		return errors.New("nats: not connected")
	}
	return p.nc.FlushWithContext(ctx)
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}

// Publish appends msg to the stream.
func (p *NATSPublisher) Publish(ctx context.Context, msg *models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = p.js.Publish(ctx, p.subject, data, jetstream.WithMsgID(msg.ID))
	return err
}
