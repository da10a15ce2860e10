package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// PublisherConfig configures the outbound publish pipeline.
type PublisherConfig struct {
	Transport Transport
	// ActorID keys the rate-limit bucket; typically the local agent id.
	ActorID string
	// Limiter may be nil to disable rate limiting.
	Limiter LimiterStore
	Policy  LimitPolicy
	// MaxElapsed bounds the retry window for transient publish
	// failures. Zero means a single attempt.
	MaxElapsed time.Duration
	Logger     *slog.Logger
}

// Publisher wraps a Transport with rate limiting and bounded
// exponential-backoff retry. Transport errors are never fatal: the
// caller gets the final error after the retry budget is spent and
// decides on its own schedule (timer tick, next proposal) whether to
// try again.
type Publisher struct {
	transport  Transport
	actorID    string
	limiter    LimiterStore
	policy     LimitPolicy
	maxElapsed time.Duration
	logger     *slog.Logger
}

func NewPublisher(config PublisherConfig) *Publisher {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		transport:  config.Transport,
		actorID:    config.ActorID,
		limiter:    config.Limiter,
		policy:     config.Policy,
		maxElapsed: config.MaxElapsed,
		logger:     logger,
	}
}

// Publish applies the rate limit, then publishes with retry.
func (p *Publisher) Publish(ctx context.Context, channelID string, message []byte) (*PublishResult, error) {
	if p.limiter != nil {
		allowed, err := p.limiter.Allow(ctx, p.actorID, p.policy, 1)
		if err != nil {
			// A broken limiter store must not stop the protocol;
			// log and publish anyway.
			p.logger.Warn("limiter store unavailable", "error", err)
		} else if !allowed {
			return nil, ErrRateLimited
		}
	}

	if p.maxElapsed <= 0 {
		return p.transport.Publish(ctx, channelID, message)
	}

	attempt := 0
	operation := func() (*PublishResult, error) {
		attempt++
		result, err := p.transport.Publish(ctx, channelID, message)
		if err != nil {
			p.logger.Warn("publish failed, will retry",
				"channel_id", channelID,
				"attempt", attempt,
				"error", err,
			)
			return nil, err
		}
		return result, nil
	}

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(p.maxElapsed),
	)
	if err != nil {
		p.logger.Error("publish exhausted retry budget",
			"channel_id", channelID,
			"attempts", attempt,
			"error", err,
		)
		return nil, err
	}
	return result, nil
}
