// Package agent assembles the full communication stack: registry,
// connection manager, request correlator, governance engine, and
// rebalance executor, all fed from the subscribed channels through one
// envelope dispatcher.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/quorumnet/concord/pkg/audit"
	"github.com/quorumnet/concord/pkg/config"
	"github.com/quorumnet/concord/pkg/connection"
	"github.com/quorumnet/concord/pkg/envelope"
	"github.com/quorumnet/concord/pkg/eventbus"
	"github.com/quorumnet/concord/pkg/governance"
	"github.com/quorumnet/concord/pkg/ledger"
	"github.com/quorumnet/concord/pkg/observability"
	"github.com/quorumnet/concord/pkg/rebalance"
	"github.com/quorumnet/concord/pkg/registry"
	"github.com/quorumnet/concord/pkg/request"
	"github.com/quorumnet/concord/pkg/transport"
)

// RequestHandler serves application-level request actions. Returning
// an error suppresses the response; the requester times out and
// retries.
type RequestHandler func(ctx context.Context, action string, data map[string]any) (map[string]any, error)

// Options wires an Agent.
type Options struct {
	Config        *config.Config
	Transport     transport.Transport
	Ledger        ledger.Ledger
	LimiterStore  transport.LimiterStore
	LimitPolicy   transport.LimitPolicy
	AuditLog      *audit.Log
	Observability *observability.Provider
	Handler       RequestHandler
	Logger        *slog.Logger
}

// Agent is the composition root. Start subscribes the channels and
// begins announcing; Stop tears the stack down in reverse order.
type Agent struct {
	cfg       *config.Config
	logger    *slog.Logger
	transport transport.Transport

	bus        *eventbus.Bus
	codec      *envelope.Codec
	publisher  *transport.Publisher
	registry   *registry.Registry
	conns      *connection.Manager
	correlator *request.Correlator
	engine     *governance.Engine
	executor   *rebalance.Executor
	auditLog   *audit.Log
	obs        *observability.Provider
	handler    RequestHandler

	mu      sync.Mutex
	subs    []transport.Subscription
	started bool
}

func New(opts Options) (*Agent, error) {
	if opts.Config == nil {
		return nil, errors.New("agent: Config is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("agent: Transport is required")
	}
	if opts.Ledger == nil {
		return nil, errors.New("agent: Ledger is required")
	}
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("agent_id", cfg.AgentID)

	codec, err := envelope.NewCodec()
	if err != nil {
		return nil, fmt.Errorf("agent: codec: %w", err)
	}
	bus := eventbus.New(logger)
	publisher := transport.NewPublisher(transport.PublisherConfig{
		Transport: opts.Transport,
		ActorID:   cfg.AgentID,
		Limiter:   opts.LimiterStore,
		Policy:    opts.LimitPolicy,
		Logger:    logger,
	})

	reg, err := registry.New(registry.Config{
		AgentID:            cfg.AgentID,
		Capabilities:       cfg.Capabilities,
		Description:        cfg.Description,
		ProtocolVersion:    cfg.ProtocolVersion,
		RegistryChannel:    cfg.RegistryChannel,
		ReregisterInterval: cfg.ReregisterInterval,
		DiscoveryInterval:  cfg.DiscoveryInterval,
		Transport:          opts.Transport,
		Publisher:          publisher,
		Codec:              codec,
		Bus:                bus,
		Logger:             logger,
	})
	if err != nil {
		return nil, err
	}

	conns, err := connection.NewManager(connection.Config{
		AgentID:   cfg.AgentID,
		Transport: opts.Transport,
		Publisher: publisher,
		Codec:     codec,
		Bus:       bus,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	correlator, err := request.New(request.Config{
		AgentID:           cfg.AgentID,
		Resolver:          reg,
		Publisher:         publisher,
		Codec:             codec,
		Bus:               bus,
		DefaultTimeout:    cfg.RequestTimeout,
		DefaultMaxRetries: cfg.RequestMaxRetries,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}

	executor, err := rebalance.NewExecutor(rebalance.Config{
		AgentID:        cfg.AgentID,
		Ledger:         opts.Ledger,
		Publisher:      publisher,
		Codec:          codec,
		Bus:            bus,
		BroadcastTopic: cfg.IndexChannel,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	guard, err := governance.NewTriggerGuard(cfg.TriggerGuard)
	if err != nil {
		return nil, err
	}
	engine, err := governance.NewEngine(governance.Config{
		AgentID:            cfg.AgentID,
		Rebalancer:         executor,
		Publisher:          publisher,
		Codec:              codec,
		Bus:                bus,
		BroadcastTopic:     cfg.IndexChannel,
		ProposalTimeout:    cfg.ProposalTimeout,
		RebalanceThreshold: cfg.RebalanceThreshold,
		Quorum:             cfg.Quorum,
		Guard:              guard,
		Logger:             logger,
	})
	if err != nil {
		return nil, err
	}

	return &Agent{
		cfg:        cfg,
		logger:     logger,
		transport:  opts.Transport,
		bus:        bus,
		codec:      codec,
		publisher:  publisher,
		registry:   reg,
		conns:      conns,
		correlator: correlator,
		engine:     engine,
		executor:   executor,
		auditLog:   opts.AuditLog,
		obs:        opts.Observability,
		handler:    opts.Handler,
	}, nil
}

// Start subscribes the registry channel, the agent's own inbound
// topic, and the shared index channel, then begins the announce and
// sweep loops.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return errors.New("agent: already started")
	}
	a.started = true
	a.mu.Unlock()

	inboundTopic, err := a.registry.TopicID(ctx)
	if err != nil {
		return fmt.Errorf("agent: create inbound topic: %w", err)
	}

	for _, channel := range []string{a.cfg.RegistryChannel, inboundTopic, a.cfg.IndexChannel} {
		sub, err := a.transport.Subscribe(channel, func(message []byte) {
			a.dispatch(context.Background(), message)
		})
		if err != nil {
			return fmt.Errorf("agent: subscribe %s: %w", channel, err)
		}
		a.mu.Lock()
		a.subs = append(a.subs, sub)
		a.mu.Unlock()
	}

	if err := a.registry.Start(ctx); err != nil {
		return err
	}

	a.audit(audit.KindLifecycle, a.cfg.AgentID, map[string]any{"event": "started", "topic": inboundTopic})
	a.logger.Info("agent started",
		"inbound_topic", inboundTopic,
		"registry_channel", a.cfg.RegistryChannel,
		"index_channel", a.cfg.IndexChannel,
	)
	return nil
}

// dispatch decodes one raw message and routes it to the owning
// component. Malformed messages are dropped with an envelope.dropped
// event; they never stop the dispatcher.
func (a *Agent) dispatch(ctx context.Context, message []byte) {
	env, err := a.codec.Decode(message)
	if err != nil {
		var decodeErr *envelope.DecodeError
		code := "UNKNOWN"
		if errors.As(err, &decodeErr) {
			code = decodeErr.Code
		}
		a.logger.Warn("inbound message dropped", "code", code, "error", err)
		_ = a.bus.Publish(eventbus.TopicEnvelopeDropped, code)
		if a.obs != nil {
			a.obs.RecordEnvelopeDropped(ctx, code)
		}
		return
	}

	if a.obs != nil {
		a.obs.RecordEnvelopeIn(ctx, string(env.Type))
	}
	a.audit(audit.KindEnvelopeIn, env.ID, map[string]any{"type": string(env.Type), "sender": env.Sender})

	if err := a.route(ctx, env); err != nil {
		a.logger.Warn("envelope handling failed",
			"envelope_id", env.ID,
			"type", string(env.Type),
			"sender", env.Sender,
			"error", err,
		)
	}
}

func (a *Agent) route(ctx context.Context, env *envelope.Envelope) error {
	switch env.Type {
	case envelope.TypeAgentInfo:
		return a.registry.HandleAgentInfo(env)
	case envelope.TypeAgentVerification:
		return a.registry.HandleVerification(env)
	case envelope.TypeRequest:
		return a.routeRequest(ctx, env)
	case envelope.TypeResponse:
		return a.correlator.HandleResponse(env)
	case envelope.TypeRebalanceProposal:
		return a.engine.HandleProposalEnvelope(env)
	case envelope.TypeRebalanceApproved:
		return a.engine.HandleApproval(ctx, env)
	case envelope.TypeRebalanceExecuted:
		executed, err := env.RebalanceExecuted()
		if err != nil {
			return err
		}
		a.audit(audit.KindExecution, executed.ProposalID, map[string]any{"sender": env.Sender})
		return nil
	case envelope.TypeRiskAlert:
		return a.engine.HandleRiskAlert(ctx, env)
	case envelope.TypePriceUpdate:
		return a.engine.HandlePriceUpdate(ctx, env)
	default:
		return fmt.Errorf("agent: unroutable envelope type %q", env.Type)
	}
}

func (a *Agent) routeRequest(ctx context.Context, env *envelope.Envelope) error {
	if env.Sender == a.cfg.AgentID {
		return nil
	}
	req, err := env.Request()
	if err != nil {
		return err
	}
	switch req.Action {
	case connection.ActionConnectionRequest:
		return a.conns.HandleRequest(ctx, env)
	case connection.ActionCloseConnection:
		return a.conns.HandleClose(env)
	}
	if a.handler == nil {
		a.logger.Debug("no handler for request action", "action", req.Action, "sender", env.Sender)
		return nil
	}
	data, err := a.handler(ctx, req.Action, req.Data)
	if err != nil {
		return fmt.Errorf("agent: handle %q: %w", req.Action, err)
	}
	return a.correlator.Respond(ctx, req.RequestID, env.Sender, data)
}

// Request sends a correlated request with the configured defaults.
func (a *Agent) Request(ctx context.Context, recipientID, action string, data map[string]any) (*request.Pending, error) {
	return a.correlator.Send(ctx, recipientID, action, data, a.correlator.DefaultOptions())
}

// Notify sends a fire-and-forget request.
func (a *Agent) Notify(ctx context.Context, recipientID, action string, data map[string]any) error {
	_, err := a.correlator.Send(ctx, recipientID, action, data, request.Options{})
	return err
}

// Stop tears the stack down: channels first so nothing new arrives,
// then the timer-bearing components, then the bus.
func (a *Agent) Stop(ctx context.Context) {
	a.mu.Lock()
	subs := a.subs
	a.subs = nil
	a.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	a.registry.Stop()
	a.correlator.Stop()
	a.engine.Stop()

	a.audit(audit.KindLifecycle, a.cfg.AgentID, map[string]any{"event": "stopped"})
	a.bus.Close()
	a.logger.Info("agent stopped")
}

func (a *Agent) audit(kind audit.Kind, subject string, payload map[string]any) {
	if a.auditLog == nil {
		return
	}
	if _, err := a.auditLog.Append(kind, subject, payload); err != nil {
		a.logger.Error("audit append failed", "subject", subject, "error", err)
	}
}

// Component accessors for callers that drive the stack directly.

func (a *Agent) Bus() *eventbus.Bus               { return a.bus }
func (a *Agent) Registry() *registry.Registry     { return a.registry }
func (a *Agent) Connections() *connection.Manager { return a.conns }
func (a *Agent) Correlator() *request.Correlator  { return a.correlator }
func (a *Agent) Governance() *governance.Engine   { return a.engine }
func (a *Agent) Executor() *rebalance.Executor    { return a.executor }
