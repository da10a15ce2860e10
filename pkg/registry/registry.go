// Package registry maintains the known-agent table and drives the
// periodic self-announcement and discovery sweep.
//
// The registry is the single owner of AgentRecords. Records are never
// physically deleted; stale agents are marked EXPIRED so the audit
// history survives. Verification is advisory: a successful
// AgentVerification emits an event but never mutates the stored status.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/quorumnet/concord/pkg/envelope"
	"github.com/quorumnet/concord/pkg/eventbus"
	"github.com/quorumnet/concord/pkg/transport"
)

var ErrAgentNotFound = errors.New("registry: agent not found")

// Status tracks an AgentRecord's lifecycle.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusVerified Status = "VERIFIED"
	StatusExpired  Status = "EXPIRED"
)

// AgentRecord is the stored view of a discovered agent.
type AgentRecord struct {
	AgentID         string
	TopicID         string
	Capabilities    []string
	Description     string
	ProtocolVersion string
	Status          Status
	LastSeenAt      time.Time
}

// Config wires a Registry.
type Config struct {
	AgentID      string
	Capabilities []string
	Description  string
	// ProtocolVersion is announced in AgentInfo envelopes.
	ProtocolVersion string
	// SupportedProtocols is a semver constraint; discovered agents
	// announcing a version outside it are stored but excluded from
	// capability lookups. Empty disables the gate.
	SupportedProtocols string
	// TopicID is the agent's inbound channel. Empty means the registry
	// lazily creates one on the first TopicID call.
	TopicID         string
	RegistryChannel string

	ReregisterInterval time.Duration
	DiscoveryInterval  time.Duration
	// StalenessMultiplier scales DiscoveryInterval into the expiry
	// horizon. Zero defaults to 3.
	StalenessMultiplier int

	Transport transport.Transport
	Publisher *transport.Publisher
	Codec     *envelope.Codec
	Bus       *eventbus.Bus
	Clock     func() time.Time
	Logger    *slog.Logger
}

// Registry owns the agent table and its maintenance timers.
type Registry struct {
	cfg        Config
	constraint *semver.Constraints

	mu      sync.RWMutex
	agents  map[string]*AgentRecord
	order   []string // insertion order of discovery
	topicID string

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	clock  func() time.Time
	logger *slog.Logger
}

// New creates a Registry. It does not start the timers; call Start.
func New(cfg Config) (*Registry, error) {
	if cfg.AgentID == "" {
		return nil, errors.New("registry: AgentID is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("registry: Transport is required")
	}
	var constraint *semver.Constraints
	if cfg.SupportedProtocols != "" {
		c, err := semver.NewConstraint(cfg.SupportedProtocols)
		if err != nil {
			return nil, errors.New("registry: invalid SupportedProtocols constraint")
		}
		constraint = c
	}
	if cfg.StalenessMultiplier <= 0 {
		cfg.StalenessMultiplier = 3
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:        cfg,
		constraint: constraint,
		agents:     make(map[string]*AgentRecord),
		topicID:    cfg.TopicID,
		stopCh:     make(chan struct{}),
		clock:      clock,
		logger:     logger.With("component", "registry"),
	}, nil
}

// TopicID returns the agent's inbound channel id, creating one via the
// Transport on first use when none was configured. This is the only
// place the registry asks the transport for channel creation.
func (r *Registry) TopicID(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.topicID != "" {
		return r.topicID, nil
	}
	id, err := r.cfg.Transport.CreateChannel(ctx)
	if err != nil {
		return "", err
	}
	r.topicID = id
	return id, nil
}

// Start launches the re-registration and discovery-sweep loops.
func (r *Registry) Start(ctx context.Context) error {
	if _, err := r.TopicID(ctx); err != nil {
		return err
	}

	if r.cfg.ReregisterInterval > 0 {
		r.wg.Add(1)
		go r.announceLoop(ctx)
	}
	if r.cfg.DiscoveryInterval > 0 {
		r.wg.Add(1)
		go r.sweepLoop()
	}
	return nil
}

// Stop cancels both loops and waits for them to exit. No announcement
// or sweep runs after Stop returns.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Registry) announceLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.ReregisterInterval)
	defer ticker.Stop()

	r.announce(ctx)
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.announce(ctx)
		}
	}
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.DiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// announce publishes the self AgentInfo envelope to the registry
// channel. Transport errors are logged and retried on the next tick;
// they never stop the loops.
func (r *Registry) announce(ctx context.Context) {
	topic, err := r.TopicID(ctx)
	if err != nil {
		r.logger.Warn("self-announcement skipped: no topic", "error", err)
		return
	}

	env := envelope.New(envelope.TypeAgentInfo, r.cfg.AgentID, &envelope.AgentInfoDetails{
		AgentID:         r.cfg.AgentID,
		TopicID:         topic,
		Capabilities:    r.cfg.Capabilities,
		Description:     r.cfg.Description,
		Status:          string(StatusPending),
		ProtocolVersion: r.cfg.ProtocolVersion,
	})
	raw, err := r.cfg.Codec.Encode(env)
	if err != nil {
		r.logger.Error("self-announcement encode failed", "error", err)
		return
	}
	if _, err := r.cfg.Publisher.Publish(ctx, r.cfg.RegistryChannel, raw); err != nil {
		r.logger.Warn("self-announcement publish failed, retrying next tick", "error", err)
	}
}

// sweep marks records stale past the expiry horizon as EXPIRED.
func (r *Registry) sweep() {
	horizon := time.Duration(r.cfg.StalenessMultiplier) * r.cfg.DiscoveryInterval
	now := r.clock()

	var expired []string
	r.mu.Lock()
	for id, record := range r.agents {
		if record.Status == StatusExpired {
			continue
		}
		if now.Sub(record.LastSeenAt) > horizon {
			record.Status = StatusExpired
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		r.logger.Info("agent expired", "agent_id", id)
		if r.cfg.Bus != nil {
			_ = r.cfg.Bus.Publish(eventbus.TopicAgentExpired, id)
		}
	}
}

// HandleAgentInfo upserts the announcing agent's record: create on
// first sighting, refresh lastSeen/capabilities/topic afterwards. An
// EXPIRED agent that re-announces comes back as PENDING.
func (r *Registry) HandleAgentInfo(env *envelope.Envelope) error {
	info, err := env.AgentInfo()
	if err != nil {
		return err
	}
	if info.AgentID == "" || info.AgentID == r.cfg.AgentID {
		return nil
	}

	now := r.clock()
	r.mu.Lock()
	record, seen := r.agents[info.AgentID]
	if !seen {
		record = &AgentRecord{AgentID: info.AgentID, Status: StatusPending}
		r.agents[info.AgentID] = record
		r.order = append(r.order, info.AgentID)
	}
	record.TopicID = info.TopicID
	record.Capabilities = append([]string(nil), info.Capabilities...)
	record.Description = info.Description
	record.ProtocolVersion = info.ProtocolVersion
	record.LastSeenAt = now
	if record.Status == StatusExpired {
		record.Status = StatusPending
	}
	r.mu.Unlock()

	topic := eventbus.TopicAgentRefreshed
	if !seen {
		topic = eventbus.TopicAgentRegistered
		r.logger.Info("discovered agent", "agent_id", info.AgentID, "topic_id", info.TopicID)
	}
	if r.cfg.Bus != nil {
		_ = r.cfg.Bus.Publish(topic, info.AgentID)
	}
	return nil
}

// HandleVerification emits an agent.verified event for a positive
// verification result. Registry state is untouched: verification is
// advisory, observed via events, not a stored status.
func (r *Registry) HandleVerification(env *envelope.Envelope) error {
	verification, err := env.AgentVerification()
	if err != nil {
		return err
	}
	if !verification.VerificationResult {
		return nil
	}
	if r.cfg.Bus != nil {
		_ = r.cfg.Bus.Publish(eventbus.TopicAgentVerified, verification.VerifiedAgentID)
	}
	return nil
}

// FindAgentsByCapability returns all non-expired,
// protocol-compatible agents advertising the capability, in the
// insertion order of discovery.
func (r *Registry) FindAgentsByCapability(capability string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for _, id := range r.order {
		record := r.agents[id]
		if record.Status == StatusExpired {
			continue
		}
		if !r.protocolCompatible(record) {
			continue
		}
		for _, c := range record.Capabilities {
			if c == capability {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

func (r *Registry) protocolCompatible(record *AgentRecord) bool {
	if r.constraint == nil || record.ProtocolVersion == "" {
		return true
	}
	version, err := semver.NewVersion(record.ProtocolVersion)
	if err != nil {
		return false
	}
	return r.constraint.Check(version)
}

// Get returns a copy of one record.
func (r *Registry) Get(agentID string) (*AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	copied := *record
	copied.Capabilities = append([]string(nil), record.Capabilities...)
	return &copied, nil
}

// TopicFor resolves an agent's inbound channel for the correlator.
func (r *Registry) TopicFor(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.agents[agentID]
	if !ok || record.TopicID == "" {
		return "", false
	}
	return record.TopicID, true
}

// Snapshot returns a copy of the whole table, safe for concurrent read.
func (r *Registry) Snapshot() map[string]AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]AgentRecord, len(r.agents))
	for id, record := range r.agents {
		copied := *record
		copied.Capabilities = append([]string(nil), record.Capabilities...)
		out[id] = copied
	}
	return out
}
