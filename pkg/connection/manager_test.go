package connection

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumnet/concord/pkg/envelope"
	"github.com/quorumnet/concord/pkg/eventbus"
	"github.com/quorumnet/concord/pkg/transport"
)

func newTestManager(t *testing.T) (*Manager, *transport.MemoryTransport, *eventbus.Bus) {
	t.Helper()
	codec, err := envelope.NewCodec()
	require.NoError(t, err)
	tr := transport.NewMemoryTransport()
	bus := eventbus.New(nil)
	m, err := NewManager(Config{
		AgentID:   "self",
		Transport: tr,
		Publisher: transport.NewPublisher(transport.PublisherConfig{Transport: tr, ActorID: "self"}),
		Codec:     codec,
		Bus:       bus,
	})
	require.NoError(t, err)
	return m, tr, bus
}

func connectionRequest(sender, operatorID string) *envelope.Envelope {
	return envelope.New(envelope.TypeRequest, sender, &envelope.RequestDetails{
		RequestID: "req-" + sender,
		Action:    ActionConnectionRequest,
		Data:      map[string]any{"operatorId": operatorID},
	})
}

func collectReplies(t *testing.T, tr *transport.MemoryTransport, channel string) *[]*envelope.Envelope {
	t.Helper()
	codec, err := envelope.NewCodec()
	require.NoError(t, err)
	replies := &[]*envelope.Envelope{}
	_, err = tr.Subscribe(channel, func(message []byte) {
		env, err := codec.Decode(message)
		require.NoError(t, err)
		*replies = append(*replies, env)
	})
	require.NoError(t, err)
	return replies
}

func TestHandshakeEstablishesConnection(t *testing.T) {
	m, tr, bus := newTestManager(t)
	replies := collectReplies(t, tr, "chan-peer")

	var established []string
	bus.Subscribe(eventbus.TopicConnectionEstablished, func(e eventbus.Event) {
		established = append(established, e.Payload.(string))
	})

	err := m.HandleRequest(context.Background(), connectionRequest("peer-1", "chan-peer@peer-1"))
	require.NoError(t, err)

	conn, err := m.Get("peer-1")
	require.NoError(t, err)
	assert.Equal(t, StateEstablished, conn.State)
	assert.NotEmpty(t, conn.ConnectionTopicID)
	assert.Equal(t, []string{"peer-1"}, established)

	require.Len(t, *replies, 1)
	response, err := (*replies)[0].Response()
	require.NoError(t, err)
	assert.Equal(t, "connection_created", response.Data["operation"])
	assert.Equal(t, "peer-1", response.Data["requesterId"])
	assert.Equal(t, conn.ConnectionTopicID, response.Data["connectionTopicId"])
}

func TestDuplicateRequestIsIdempotent(t *testing.T) {
	m, tr, _ := newTestManager(t)
	replies := collectReplies(t, tr, "chan-peer")
	ctx := context.Background()

	require.NoError(t, m.HandleRequest(ctx, connectionRequest("peer-1", "chan-peer@peer-1")))
	require.NoError(t, m.HandleRequest(ctx, connectionRequest("peer-1", "chan-peer@peer-1")))

	// Exactly one stored connection and exactly one reply.
	assert.Len(t, m.Active(), 1)
	assert.Len(t, *replies, 1)
}

func TestProposedConnectionTopicReused(t *testing.T) {
	m, _, _ := newTestManager(t)

	env := envelope.New(envelope.TypeRequest, "peer-1", &envelope.RequestDetails{
		RequestID: "req-1",
		Action:    ActionConnectionRequest,
		Data: map[string]any{
			"operatorId":        "chan-peer@peer-1",
			"connectionTopicId": "chan-proposed",
		},
	})
	require.NoError(t, m.HandleRequest(context.Background(), env))

	conn, err := m.Get("peer-1")
	require.NoError(t, err)
	assert.Equal(t, "chan-proposed", conn.ConnectionTopicID)
}

func TestMalformedOperatorID(t *testing.T) {
	m, _, _ := newTestManager(t)

	err := m.HandleRequest(context.Background(), connectionRequest("peer-1", "no-separator"))
	assert.Error(t, err)
	assert.Empty(t, m.Active())
}

func TestCloseConnection(t *testing.T) {
	m, _, bus := newTestManager(t)
	ctx := context.Background()

	var closed []string
	bus.Subscribe(eventbus.TopicConnectionClosed, func(e eventbus.Event) {
		closed = append(closed, e.Payload.(string))
	})

	require.NoError(t, m.HandleRequest(ctx, connectionRequest("peer-1", "chan-peer@peer-1")))

	closeEnv := envelope.New(envelope.TypeRequest, "peer-1", &envelope.RequestDetails{
		RequestID: "req-close",
		Action:    ActionCloseConnection,
		Data:      map[string]any{"reason": "done"},
	})
	require.NoError(t, m.HandleClose(closeEnv))

	assert.Equal(t, []string{"peer-1"}, closed)
	assert.Empty(t, m.Active())
	_, err := m.Get("peer-1")
	assert.ErrorIs(t, err, ErrConnectionNotFound)

	// Retained for diagnostics.
	retained := m.Closed()
	require.Len(t, retained, 1)
	assert.Equal(t, StateClosed, retained[0].State)

	// A fresh request after close opens a new connection.
	require.NoError(t, m.HandleRequest(ctx, connectionRequest("peer-1", "chan-peer@peer-1")))
	assert.Len(t, m.Active(), 1)
}

func TestCloseUnknownCounterpartyIsNoop(t *testing.T) {
	m, _, _ := newTestManager(t)
	closeEnv := envelope.New(envelope.TypeRequest, "stranger", &envelope.RequestDetails{
		RequestID: "req-close",
		Action:    ActionCloseConnection,
	})
	assert.NoError(t, m.HandleClose(closeEnv))
}
