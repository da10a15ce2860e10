// Package request implements the request/response correlator: it
// publishes correlated request envelopes, tracks the in-flight table,
// and settles each pending request exactly once: on the matching
// response, on timeout exhaustion, on cancellation, or at shutdown.
package request

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/quorumnet/concord/pkg/envelope"
	"github.com/quorumnet/concord/pkg/eventbus"
	"github.com/quorumnet/concord/pkg/transport"
)

var (
	ErrUnknownRecipient = errors.New("request: recipient not registered")
	ErrTimeout          = errors.New("request: timed out after retries exhausted")
	ErrCanceled         = errors.New("request: canceled")
	ErrShutdown         = errors.New("request: correlator stopped")
)

// Resolver maps an agent id to its inbound channel. The registry
// satisfies this.
type Resolver interface {
	TopicFor(agentID string) (string, bool)
}

// Options tunes one request. A zero Timeout means fire-and-forget: no
// timer is armed and the call resolves immediately after publish. Use
// Correlator.DefaultOptions for the configured defaults.
type Options struct {
	Timeout    time.Duration
	MaxRetries int
}

// Result is the settled outcome of a pending request.
type Result struct {
	Data map[string]any
	Err  error
}

// Pending is the caller's handle on an in-flight request.
type Pending struct {
	RequestID string
	done      chan Result
}

// Wait blocks until the request settles or ctx is done.
func (p *Pending) Wait(ctx context.Context) (map[string]any, error) {
	select {
	case result := <-p.done:
		return result.Data, result.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done exposes the settlement channel for select loops.
func (p *Pending) Done() <-chan Result {
	return p.done
}

// TimeoutEvent is the payload of request.timeout bus events.
type TimeoutEvent struct {
	RequestID string
	WillRetry bool
}

type pendingRequest struct {
	requestID        string
	recipientID      string
	topic            string
	raw              []byte
	timeout          time.Duration
	retriesRemaining int
	timer            *time.Timer
	settled          atomic.Bool
	done             chan Result
}

// settle resolves the request exactly once; a response and a timeout
// racing each other cannot both win.
func (p *pendingRequest) settle(result Result) bool {
	if !p.settled.CompareAndSwap(false, true) {
		return false
	}
	p.done <- result
	return true
}

// Config wires a Correlator.
type Config struct {
	AgentID           string
	Resolver          Resolver
	Publisher         *transport.Publisher
	Codec             *envelope.Codec
	Bus               *eventbus.Bus
	DefaultTimeout    time.Duration
	DefaultMaxRetries int
	Logger            *slog.Logger
}

// Correlator owns the PendingRequest table. Unrelated requests execute
// independently; nothing serializes sends to different recipients.
type Correlator struct {
	cfg Config

	mu      sync.Mutex
	pending map[string]*pendingRequest
	stopped bool

	logger *slog.Logger
}

func New(cfg Config) (*Correlator, error) {
	if cfg.AgentID == "" {
		return nil, errors.New("request: AgentID is required")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("request: Resolver is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		cfg:     cfg,
		pending: make(map[string]*pendingRequest),
		logger:  logger.With("component", "correlator"),
	}, nil
}

// DefaultOptions returns the configured request timeout and retry
// budget.
func (c *Correlator) DefaultOptions() Options {
	return Options{Timeout: c.cfg.DefaultTimeout, MaxRetries: c.cfg.DefaultMaxRetries}
}

// Send publishes a request envelope to the recipient's inbound channel
// and returns the pending handle. Unknown recipients fail immediately
// with ErrUnknownRecipient, no retry.
func (c *Correlator) Send(ctx context.Context, recipientID, action string, data map[string]any, opts Options) (*Pending, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrShutdown
	}
	c.mu.Unlock()

	topic, ok := c.cfg.Resolver.TopicFor(recipientID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRecipient, recipientID)
	}

	if opts.Timeout < 0 {
		opts.Timeout = 0
	}

	requestID := uuid.New().String()
	env := envelope.New(envelope.TypeRequest, c.cfg.AgentID, &envelope.RequestDetails{
		RequestID: requestID,
		Action:    action,
		Data:      data,
	})
	raw, err := c.cfg.Codec.Encode(env)
	if err != nil {
		return nil, err
	}

	pendingHandle := &Pending{RequestID: requestID, done: make(chan Result, 1)}

	// Fire-and-forget: no timer, no table entry, resolved on publish.
	if opts.Timeout == 0 {
		if _, err := c.cfg.Publisher.Publish(ctx, topic, raw); err != nil {
			return nil, fmt.Errorf("request %s: publish: %w", requestID, err)
		}
		if c.cfg.Bus != nil {
			_ = c.cfg.Bus.Publish(eventbus.TopicRequestSent, requestID)
		}
		pendingHandle.done <- Result{}
		return pendingHandle, nil
	}

	entry := &pendingRequest{
		requestID:        requestID,
		recipientID:      recipientID,
		topic:            topic,
		raw:              raw,
		timeout:          opts.Timeout,
		retriesRemaining: opts.MaxRetries,
		done:             pendingHandle.done,
	}

	// Register before publishing: a recipient on a loopback transport
	// can respond before Publish returns.
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrShutdown
	}
	c.pending[requestID] = entry
	entry.timer = time.AfterFunc(opts.Timeout, func() { c.onTimeout(requestID) })
	c.mu.Unlock()

	if _, err := c.cfg.Publisher.Publish(ctx, topic, raw); err != nil {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		entry.timer.Stop()
		entry.settle(Result{Err: err})
		return nil, fmt.Errorf("request %s: publish: %w", requestID, err)
	}
	if c.cfg.Bus != nil {
		_ = c.cfg.Bus.Publish(eventbus.TopicRequestSent, requestID)
	}
	return pendingHandle, nil
}

// Respond publishes a response envelope. The correlation bookkeeping
// lives only on the requester's side; this has none of its own.
func (c *Correlator) Respond(ctx context.Context, requestID, recipientID string, data map[string]any) error {
	topic, ok := c.cfg.Resolver.TopicFor(recipientID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRecipient, recipientID)
	}
	env := envelope.New(envelope.TypeResponse, c.cfg.AgentID, &envelope.ResponseDetails{
		RequestID: requestID,
		Data:      data,
	})
	raw, err := c.cfg.Codec.Encode(env)
	if err != nil {
		return err
	}
	_, err = c.cfg.Publisher.Publish(ctx, topic, raw)
	return err
}

// HandleResponse resolves the matching pending request, cancels its
// timer, and removes it from the table. Responses without a pending
// entry are logged and dropped.
func (c *Correlator) HandleResponse(env *envelope.Envelope) error {
	response, err := env.Response()
	if err != nil {
		return err
	}

	c.mu.Lock()
	entry, ok := c.pending[response.RequestID]
	if ok {
		delete(c.pending, response.RequestID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("unmatched response dropped", "request_id", response.RequestID)
		return nil
	}

	entry.timer.Stop()
	if entry.settle(Result{Data: response.Data}) {
		if c.cfg.Bus != nil {
			_ = c.cfg.Bus.Publish(eventbus.TopicResponseReceived, response.RequestID)
		}
	}
	return nil
}

// Cancel settles a pending request with ErrCanceled and removes it.
func (c *Correlator) Cancel(requestID string) {
	c.mu.Lock()
	entry, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	entry.timer.Stop()
	entry.settle(Result{Err: ErrCanceled})
}

// onTimeout fires when a request's timer elapses without a response.
// With retries remaining it resends and re-arms; otherwise it fails the
// pending request with ErrTimeout.
func (c *Correlator) onTimeout(requestID string) {
	c.mu.Lock()
	entry, ok := c.pending[requestID]
	if !ok || entry.settled.Load() {
		c.mu.Unlock()
		return
	}

	if entry.retriesRemaining > 0 {
		entry.retriesRemaining--
		entry.timer = time.AfterFunc(entry.timeout, func() { c.onTimeout(requestID) })
		c.mu.Unlock()

		c.logger.Warn("request timed out, retrying",
			"request_id", requestID,
			"recipient", entry.recipientID,
			"retries_remaining", entry.retriesRemaining,
		)
		if c.cfg.Bus != nil {
			_ = c.cfg.Bus.Publish(eventbus.TopicRequestTimeout, TimeoutEvent{RequestID: requestID, WillRetry: true})
		}
		if _, err := c.cfg.Publisher.Publish(context.Background(), entry.topic, entry.raw); err != nil {
			// The re-armed timer fires again regardless; the resend is
			// best effort.
			c.logger.Warn("retry publish failed", "request_id", requestID, "error", err)
		}
		return
	}

	delete(c.pending, requestID)
	c.mu.Unlock()

	if entry.settle(Result{Err: ErrTimeout}) {
		c.logger.Warn("request failed after retries", "request_id", requestID, "recipient", entry.recipientID)
		if c.cfg.Bus != nil {
			_ = c.cfg.Bus.Publish(eventbus.TopicRequestTimeout, TimeoutEvent{RequestID: requestID, WillRetry: false})
		}
	}
}

// InFlight returns the number of pending requests.
func (c *Correlator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Stop cancels every outstanding timer and settles all in-flight
// requests with ErrShutdown. Callers blocked in Wait return instead of
// crashing; the table is left empty and inspectable.
func (c *Correlator) Stop() {
	c.mu.Lock()
	c.stopped = true
	entries := make([]*pendingRequest, 0, len(c.pending))
	for id, entry := range c.pending {
		entries = append(entries, entry)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	for _, entry := range entries {
		entry.timer.Stop()
		entry.settle(Result{Err: ErrShutdown})
	}
}
