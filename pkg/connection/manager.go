// Package connection manages per-counterparty handshakes over
// dedicated channels.
//
// The state machine per counterparty is NONE -> REQUESTED ->
// ESTABLISHED -> CLOSED. Handshake operations arrive as request
// envelopes with the actions "connection_request" and
// "close_connection"; the acknowledgement travels back as a response
// envelope carrying the dedicated connection channel id.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/quorumnet/concord/pkg/envelope"
	"github.com/quorumnet/concord/pkg/eventbus"
	"github.com/quorumnet/concord/pkg/transport"
)

const (
	ActionConnectionRequest = "connection_request"
	ActionCloseConnection   = "close_connection"
)

var ErrConnectionNotFound = errors.New("connection: no active connection for counterparty")

// State tracks a Connection's lifecycle.
type State string

const (
	StateRequested   State = "REQUESTED"
	StateEstablished State = "ESTABLISHED"
	StateClosed      State = "CLOSED"
)

// Connection is the stored handshake record for one counterparty.
type Connection struct {
	CounterpartyID    string
	ConnectionTopicID string
	EstablishedAt     time.Time
	State             State
}

// Config wires a Manager.
type Config struct {
	AgentID   string
	Transport transport.Transport
	Publisher *transport.Publisher
	Codec     *envelope.Codec
	Bus       *eventbus.Bus
	Clock     func() time.Time
	Logger    *slog.Logger
}

// Manager owns the Connection table. A counterparty has at most one
// active (non-CLOSED) connection; duplicate requests are acknowledged
// idempotently without creating a second record or a second reply.
type Manager struct {
	cfg Config

	mu     sync.RWMutex
	active map[string]*Connection
	closed []*Connection

	clock  func() time.Time
	logger *slog.Logger
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.AgentID == "" {
		return nil, errors.New("connection: AgentID is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("connection: Transport is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		active: make(map[string]*Connection),
		clock:  clock,
		logger: logger.With("component", "connection"),
	}, nil
}

// HandleRequest processes an inbound connection_request. The
// operatorId in the request data has the form <topic>@<account>; the
// topic is the counterparty's inbound channel for the reply, the
// account identifies the counterparty.
func (m *Manager) HandleRequest(ctx context.Context, env *envelope.Envelope) error {
	request, err := env.Request()
	if err != nil {
		return err
	}
	replyTopic, counterparty, err := parseOperatorID(request.Data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if existing, ok := m.active[counterparty]; ok {
		m.mu.Unlock()
		// Idempotent: the first reply already carried the connection
		// channel; a duplicate creates no record and no second reply.
		m.logger.Info("duplicate connection_request acknowledged",
			"counterparty", counterparty,
			"state", string(existing.State),
		)
		return nil
	}

	connectionTopic, _ := request.Data["connectionTopicId"].(string)
	if connectionTopic == "" {
		created, err := m.cfg.Transport.CreateChannel(ctx)
		if err != nil {
			m.mu.Unlock()
			return fmt.Errorf("connection: create channel for %s: %w", counterparty, err)
		}
		connectionTopic = created
	}

	conn := &Connection{
		CounterpartyID:    counterparty,
		ConnectionTopicID: connectionTopic,
		State:             StateRequested,
	}
	m.active[counterparty] = conn
	m.mu.Unlock()

	reply := envelope.New(envelope.TypeResponse, m.cfg.AgentID, &envelope.ResponseDetails{
		RequestID: request.RequestID,
		Data: map[string]any{
			"operation":         "connection_created",
			"requesterId":       counterparty,
			"connectionTopicId": connectionTopic,
		},
	})
	raw, err := m.cfg.Codec.Encode(reply)
	if err != nil {
		return err
	}
	if _, err := m.cfg.Publisher.Publish(ctx, replyTopic, raw); err != nil {
		// The record stays REQUESTED; the counterparty will resend and
		// the duplicate path above keeps the table consistent.
		return fmt.Errorf("connection: reply to %s: %w", counterparty, err)
	}

	m.mu.Lock()
	conn.State = StateEstablished
	conn.EstablishedAt = m.clock()
	m.mu.Unlock()

	m.logger.Info("connection established",
		"counterparty", counterparty,
		"connection_topic", connectionTopic,
	)
	if m.cfg.Bus != nil {
		_ = m.cfg.Bus.Publish(eventbus.TopicConnectionEstablished, counterparty)
	}
	return nil
}

// HandleClose marks the sender's connection CLOSED and removes it from
// the active index. The record is retained for diagnostics.
func (m *Manager) HandleClose(env *envelope.Envelope) error {
	request, err := env.Request()
	if err != nil {
		return err
	}
	counterparty := env.Sender
	reason, _ := request.Data["reason"].(string)

	m.mu.Lock()
	conn, ok := m.active[counterparty]
	if !ok {
		m.mu.Unlock()
		m.logger.Debug("close_connection for unknown counterparty", "counterparty", counterparty)
		return nil
	}
	conn.State = StateClosed
	delete(m.active, counterparty)
	m.closed = append(m.closed, conn)
	m.mu.Unlock()

	m.logger.Info("connection closed", "counterparty", counterparty, "reason", reason)
	if m.cfg.Bus != nil {
		_ = m.cfg.Bus.Publish(eventbus.TopicConnectionClosed, counterparty)
	}
	return nil
}

// Get returns a copy of the active connection for the counterparty.
func (m *Manager) Get(counterparty string) (Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.active[counterparty]
	if !ok {
		return Connection{}, ErrConnectionNotFound
	}
	return *conn, nil
}

// Active returns copies of all active connections.
func (m *Manager) Active() []Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Connection, 0, len(m.active))
	for _, conn := range m.active {
		out = append(out, *conn)
	}
	return out
}

// Closed returns copies of the retained closed connections.
func (m *Manager) Closed() []Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Connection, len(m.closed))
	for i, conn := range m.closed {
		out[i] = *conn
	}
	return out
}

func parseOperatorID(data map[string]any) (topic, account string, err error) {
	operator, _ := data["operatorId"].(string)
	parts := strings.SplitN(operator, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("connection: malformed operatorId %q", operator)
	}
	return parts[0], parts[1], nil
}
