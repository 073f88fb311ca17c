// ABOUTME: Tests for event envelopes, AMQP message building and the recorder
// ABOUTME: No broker is needed; publishing is checked through the built message

package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	e := New(ChannelStatusChanged, "tenant-1", ChannelStatusData{ChannelID: "ch-1", From: "pending", To: "awaiting_scan"})

	assert.NotEmpty(t, e.Meta.ID)
	assert.Equal(t, ChannelStatusChanged, e.Meta.Type)
	assert.Equal(t, Producer, e.Meta.Producer)
	assert.Equal(t, "tenant-1", e.Meta.TenantID)
	assert.False(t, e.Meta.Time.IsZero())

	other := New(ChannelStatusChanged, "tenant-1", nil)
	assert.NotEqual(t, e.Meta.ID, other.Meta.ID)
}

func TestPublishing(t *testing.T) {
	e := New(MessageReceived, "tenant-1", MessageData{ChannelID: "ch-1", SessionID: "s-1", MessageID: "m-1", Direction: "inbound"})

	msg, err := publishing(e)
	require.NoError(t, err)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, amqp091.Persistent, msg.DeliveryMode)
	assert.Equal(t, e.Meta.ID, msg.MessageId)
	assert.Equal(t, MessageReceived, msg.Type)

	var decoded struct {
		Meta Meta           `json:"meta"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, e.Meta.ID, decoded.Meta.ID)
	assert.Equal(t, "s-1", decoded.Data["session_id"])
	assert.NotContains(t, decoded.Data, "automated")
}

func TestRecorder(t *testing.T) {
	var r Recorder
	ctx := context.Background()
	require.NoError(t, r.Publish(ctx, New(MessageReceived, "t", nil)))
	require.NoError(t, r.Publish(ctx, New(ReplySent, "t", nil)))
	require.NoError(t, r.Publish(ctx, New(MessageReceived, "t", nil)))

	assert.Len(t, r.Events(""), 3)
	assert.Len(t, r.Events(MessageReceived), 2)
	assert.Len(t, r.Events(ReplySent), 1)
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.Publish(context.Background(), New(ReplySent, "t", nil)))
	assert.NoError(t, p.Close())
}

type fakeConn struct {
	closed  bool
	chanErr error
}

func (c *fakeConn) Channel() (*amqp091.Channel, error) { return nil, c.chanErr }
func (c *fakeConn) IsClosed() bool                     { return c.closed }
func (c *fakeConn) Close() error                       { c.closed = true; return nil }

func TestAMQPPublisher_RedialsDroppedConnection(t *testing.T) {
	refused := errors.New("channel refused")
	var dialed []string
	next := &fakeConn{chanErr: refused}
	p := &AMQPPublisher{
		url:      "amqp://broker",
		conn:     &fakeConn{closed: true},
		exchange: "relay",
		logger:   slog.Default(),
		dial: func(url string) (amqpConn, error) {
			dialed = append(dialed, url)
			return next, nil
		},
	}

	err := p.Publish(context.Background(), New(MessageReceived, "tenant-1", nil))
	require.ErrorIs(t, err, refused)
	assert.Equal(t, []string{"amqp://broker"}, dialed)
	assert.Same(t, next, p.conn)

	// an open connection is reused
	err = p.Publish(context.Background(), New(MessageReceived, "tenant-1", nil))
	require.ErrorIs(t, err, refused)
	assert.Len(t, dialed, 1)
}

func TestAMQPPublisher_DialFailureRetriedNextPublish(t *testing.T) {
	down := errors.New("connection refused")
	dials := 0
	p := &AMQPPublisher{
		conn:   &fakeConn{closed: true},
		logger: slog.Default(),
		dial: func(string) (amqpConn, error) {
			dials++
			return nil, down
		},
	}

	for i := 0; i < 2; i++ {
		err := p.Publish(context.Background(), New(ReplySent, "tenant-1", nil))
		require.ErrorIs(t, err, down)
	}
	assert.Equal(t, 2, dials)
	require.NoError(t, p.Close())
}
