// Package transport defines the consumed message-channel interface and
// the outbound publish pipeline (rate limiting, retry).
//
// The channel itself (creation, ordering, consensus) is an external
// collaborator. Everything here treats it as opaque: bytes in, bytes
// out, ordered append-only delivery assumed.
package transport

import (
	"context"
	"errors"
)

var (
	ErrChannelNotFound = errors.New("transport: channel not found")
	ErrRateLimited     = errors.New("transport: publish rate limit exceeded")
)

// PublishResult reports the outcome of a publish.
type PublishResult struct {
	Success       bool
	TransactionID string
}

// Subscription is the handle returned by Subscribe.
type Subscription interface {
	Unsubscribe()
}

// Transport is the consumed channel primitive: create, publish,
// subscribe. Implementations must deliver messages to a channel's
// subscribers in publish order.
type Transport interface {
	CreateChannel(ctx context.Context) (string, error)
	Publish(ctx context.Context, channelID string, message []byte) (*PublishResult, error)
	Subscribe(channelID string, handler func(message []byte)) (Subscription, error)
}
