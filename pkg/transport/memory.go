package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryTransport is an in-process loopback transport. Publishes are
// delivered synchronously to subscribers in subscription order, which
// mirrors the ordered append-only delivery the real channel provides.
type MemoryTransport struct {
	mu       sync.RWMutex
	channels map[string][]*memorySubscription
	sequence uint64
}

type memorySubscription struct {
	transport *MemoryTransport
	channelID string
	id        string
	handler   func(message []byte)
}

func (s *memorySubscription) Unsubscribe() {
	s.transport.mu.Lock()
	defer s.transport.mu.Unlock()
	subs := s.transport.channels[s.channelID]
	for i, sub := range subs {
		if sub.id == s.id {
			s.transport.channels[s.channelID] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// NewMemoryTransport creates an empty loopback transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{channels: make(map[string][]*memorySubscription)}
}

// CreateChannel allocates a fresh channel id.
func (t *MemoryTransport) CreateChannel(ctx context.Context) (string, error) {
	id := "chan-" + uuid.New().String()
	t.mu.Lock()
	if _, ok := t.channels[id]; !ok {
		t.channels[id] = nil
	}
	t.mu.Unlock()
	return id, nil
}

// Publish delivers the message to every subscriber of the channel.
// Unknown channels are created implicitly: the real transport accepts
// publishes to any topic id, so the loopback does too.
func (t *MemoryTransport) Publish(ctx context.Context, channelID string, message []byte) (*PublishResult, error) {
	if channelID == "" {
		return nil, fmt.Errorf("transport: empty channel id")
	}

	t.mu.Lock()
	t.sequence++
	txID := fmt.Sprintf("tx-%d", t.sequence)
	subs := make([]*memorySubscription, len(t.channels[channelID]))
	copy(subs, t.channels[channelID])
	t.mu.Unlock()

	for _, sub := range subs {
		sub.handler(message)
	}
	return &PublishResult{Success: true, TransactionID: txID}, nil
}

// Subscribe registers a handler for the channel.
func (t *MemoryTransport) Subscribe(channelID string, handler func(message []byte)) (Subscription, error) {
	if channelID == "" {
		return nil, ErrChannelNotFound
	}
	sub := &memorySubscription{
		transport: t,
		channelID: channelID,
		id:        uuid.New().String(),
		handler:   handler,
	}
	t.mu.Lock()
	t.channels[channelID] = append(t.channels[channelID], sub)
	t.mu.Unlock()
	return sub, nil
}
