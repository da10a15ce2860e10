// Package governance turns market signals into weighted-allocation
// proposals and tracks them through approval, execution, and expiry.
//
// The proposal lifecycle is PROPOSED -> APPROVED -> EXECUTED, with
// PROPOSED -> EXPIRED on timeout. Proposals are retained after any
// terminal state so duplicate approvals stay idempotent.
package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quorumnet/concord/pkg/envelope"
	"github.com/quorumnet/concord/pkg/eventbus"
	"github.com/quorumnet/concord/pkg/rebalance"
	"github.com/quorumnet/concord/pkg/transport"
)

// Status tracks a proposal's lifecycle.
type Status string

const (
	StatusProposed Status = "PROPOSED"
	StatusApproved Status = "APPROVED"
	StatusExecuted Status = "EXECUTED"
	StatusExpired  Status = "EXPIRED"
)

// Trigger names what created a proposal.
type Trigger string

const (
	TriggerPriceDeviation Trigger = "price_deviation"
	TriggerRiskThreshold  Trigger = "risk_threshold"
	TriggerScheduled      Trigger = "scheduled"
)

// SeverityHigh is the only risk severity that creates a proposal.
const SeverityHigh = "high"

var ErrProposalNotFound = errors.New("governance: proposal not found")

// Proposal is one stored governance proposal. Weight sums are not
// validated at creation; WeightsSum exposes the invariant for callers
// that want to check it.
type Proposal struct {
	ID           string
	NewWeights   map[string]float64
	Trigger      Trigger
	CreatedAt    time.Time
	ExecuteAfter time.Time
	Quorum       float64
	Status       Status

	approvals map[string]float64
	timer     *time.Timer
}

// Rebalancer executes an approved proposal's weights.
type Rebalancer interface {
	Execute(ctx context.Context, proposalID string, weights map[string]float64) (*rebalance.Receipt, error)
}

// TargetWeightsFunc supplies the target allocation for a
// price-deviation trigger.
type TargetWeightsFunc func(asset string, price, baseline float64, knownTokens []string) map[string]float64

// Config wires an Engine.
type Config struct {
	AgentID            string
	Rebalancer         Rebalancer
	Publisher          *transport.Publisher
	Codec              *envelope.Codec
	Bus                *eventbus.Bus
	BroadcastTopic     string
	ProposalTimeout    time.Duration
	RebalanceThreshold float64
	Quorum             float64
	Guard              *TriggerGuard
	TokenUniverse      []string
	TargetWeights      TargetWeightsFunc
	Clock              func() time.Time
	Logger             *slog.Logger
}

// Engine owns the proposal table and the price baselines.
type Engine struct {
	cfg Config

	mu        sync.Mutex
	proposals map[string]*Proposal
	baselines map[string]float64
	tokens    map[string]bool
	stopped   bool

	clock  func() time.Time
	logger *slog.Logger
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Rebalancer == nil {
		return nil, errors.New("governance: Rebalancer is required")
	}
	if cfg.RebalanceThreshold <= 0 {
		cfg.RebalanceThreshold = 0.05
	}
	if cfg.TargetWeights == nil {
		cfg.TargetWeights = equalWeights
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tokens := make(map[string]bool, len(cfg.TokenUniverse))
	for _, token := range cfg.TokenUniverse {
		tokens[token] = true
	}
	return &Engine{
		cfg:       cfg,
		proposals: make(map[string]*Proposal),
		baselines: make(map[string]float64),
		tokens:    tokens,
		clock:     clock,
		logger:    logger.With("component", "governance"),
	}, nil
}

// equalWeights is the fallback target allocation: the full portfolio
// split evenly across the known token universe.
func equalWeights(asset string, price, baseline float64, knownTokens []string) map[string]float64 {
	weights := make(map[string]float64, len(knownTokens))
	for _, token := range knownTokens {
		weights[token] = 1.0 / float64(len(knownTokens))
	}
	return weights
}

// HandlePriceUpdate records the observation and, when the deviation
// from the asset's baseline exceeds the rebalance threshold and the
// guard admits it, creates a price_deviation proposal. The first
// observation of an asset only seeds its baseline.
func (e *Engine) HandlePriceUpdate(ctx context.Context, env *envelope.Envelope) error {
	update, err := env.PriceUpdate()
	if err != nil {
		return err
	}
	if update.Asset == "" || update.Price <= 0 {
		return fmt.Errorf("governance: invalid price update for %q", update.Asset)
	}

	e.mu.Lock()
	e.tokens[update.Asset] = true
	baseline, seen := e.baselines[update.Asset]
	if !seen {
		e.baselines[update.Asset] = update.Price
		e.mu.Unlock()
		e.logger.Debug("price baseline seeded", "asset", update.Asset, "price", update.Price)
		return nil
	}
	e.mu.Unlock()

	deviation := math.Abs(update.Price-baseline) / baseline
	if deviation <= e.cfg.RebalanceThreshold {
		return nil
	}

	if e.cfg.Guard != nil {
		allowed, err := e.cfg.Guard.Allow(GuardInput{
			Asset:     update.Asset,
			Price:     update.Price,
			Baseline:  baseline,
			Deviation: deviation,
		})
		if err != nil {
			return err
		}
		if !allowed {
			e.logger.Info("trigger suppressed by guard",
				"asset", update.Asset,
				"deviation", deviation,
			)
			return nil
		}
	}

	weights := e.cfg.TargetWeights(update.Asset, update.Price, baseline, e.knownTokens())

	// The new price becomes the baseline for the next deviation check.
	e.mu.Lock()
	e.baselines[update.Asset] = update.Price
	e.mu.Unlock()

	e.logger.Info("price deviation trigger",
		"asset", update.Asset,
		"price", update.Price,
		"baseline", baseline,
		"deviation", deviation,
	)
	_, err = e.Propose(ctx, weights, TriggerPriceDeviation)
	return err
}

// HandleRiskAlert creates a risk_threshold proposal with emergency
// weights when severity is "high". Other severities never propose.
func (e *Engine) HandleRiskAlert(ctx context.Context, env *envelope.Envelope) error {
	alert, err := env.RiskAlert()
	if err != nil {
		return err
	}
	if alert.Severity != SeverityHigh {
		e.logger.Debug("risk alert below threshold", "severity", alert.Severity)
		return nil
	}

	e.mu.Lock()
	for _, token := range alert.AffectedTokens {
		e.tokens[token] = true
	}
	e.mu.Unlock()

	if e.cfg.Guard != nil {
		allowed, err := e.cfg.Guard.Allow(GuardInput{Severity: alert.Severity})
		if err != nil {
			return err
		}
		if !allowed {
			e.logger.Info("risk trigger suppressed by guard", "severity", alert.Severity)
			return nil
		}
	}

	weights := EmergencyWeights(e.knownTokens(), alert.AffectedTokens)
	e.logger.Warn("high-severity risk trigger",
		"affected", alert.AffectedTokens,
		"description", alert.Description,
	)
	_, err = e.Propose(ctx, weights, TriggerRiskThreshold)
	return err
}

// EmergencyWeights forces each affected token to 0.1 and splits the
// remaining 0.9 evenly across the other known tokens. With no other
// tokens the remainder stays unassigned; the sum invariant is a
// property of the inputs, not enforced here.
func EmergencyWeights(knownTokens, affectedTokens []string) map[string]float64 {
	affected := make(map[string]bool, len(affectedTokens))
	for _, token := range affectedTokens {
		affected[token] = true
	}

	others := 0
	for _, token := range knownTokens {
		if !affected[token] {
			others++
		}
	}

	weights := make(map[string]float64, len(knownTokens))
	for _, token := range knownTokens {
		if affected[token] {
			weights[token] = 0.1
		} else {
			weights[token] = 0.9 / float64(others)
		}
	}
	return weights
}

// Propose stores a new proposal, publishes it, and arms its expiry
// timer. Weights are stored as given; malformed sums are observable via
// WeightsSum but not rejected.
func (e *Engine) Propose(ctx context.Context, weights map[string]float64, trigger Trigger) (Proposal, error) {
	now := e.clock()
	proposal := &Proposal{
		ID:           uuid.New().String(),
		NewWeights:   weights,
		Trigger:      trigger,
		CreatedAt:    now,
		ExecuteAfter: now,
		Quorum:       e.cfg.Quorum,
		Status:       StatusProposed,
		approvals:    make(map[string]float64),
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return Proposal{}, errors.New("governance: engine stopped")
	}
	e.proposals[proposal.ID] = proposal
	if e.cfg.ProposalTimeout > 0 {
		proposal.timer = time.AfterFunc(e.cfg.ProposalTimeout, func() { e.expire(proposal.ID) })
	}
	snapshot := e.snapshotLocked(proposal)
	e.mu.Unlock()

	if err := e.publishProposal(ctx, proposal); err != nil {
		e.logger.Error("publish proposal", "proposal_id", proposal.ID, "error", err)
	}
	if e.cfg.Bus != nil {
		_ = e.cfg.Bus.Publish(eventbus.TopicProposalCreated, proposal.ID)
	}
	e.logger.Info("proposal created",
		"proposal_id", proposal.ID,
		"trigger", string(trigger),
		"assets", len(weights),
	)
	return snapshot, nil
}

// HandleProposalEnvelope stores a proposal announced by another agent
// so approvals for it can be tracked locally. Self-announcements are
// ignored; the local copy was stored by Propose.
func (e *Engine) HandleProposalEnvelope(env *envelope.Envelope) error {
	details, err := env.RebalanceProposal()
	if err != nil {
		return err
	}
	if env.Sender == e.cfg.AgentID {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.proposals[details.ProposalID]; exists {
		return nil
	}
	proposal := &Proposal{
		ID:           details.ProposalID,
		NewWeights:   details.NewWeights,
		Trigger:      Trigger(details.Trigger),
		CreatedAt:    e.clock(),
		ExecuteAfter: time.UnixMilli(details.ExecuteAfter),
		Quorum:       details.Quorum,
		Status:       StatusProposed,
		approvals:    make(map[string]float64),
	}
	e.proposals[details.ProposalID] = proposal
	if e.cfg.ProposalTimeout > 0 {
		proposal.timer = time.AfterFunc(e.cfg.ProposalTimeout, func() { e.expire(proposal.ID) })
	}
	e.logger.Info("external proposal tracked", "proposal_id", details.ProposalID, "sender", env.Sender)
	return nil
}

// HandleApproval accumulates the sender's approval weight and, once
// quorum is met, executes the proposal. Approvals for absent, executed,
// or expired proposals are no-ops; a repeated approval from the same
// sender replaces its previous weight rather than double-counting.
func (e *Engine) HandleApproval(ctx context.Context, env *envelope.Envelope) error {
	approval, err := env.RebalanceApproved()
	if err != nil {
		return err
	}

	e.mu.Lock()
	proposal, ok := e.proposals[approval.ProposalID]
	if !ok {
		e.mu.Unlock()
		e.logger.Debug("approval for unknown proposal", "proposal_id", approval.ProposalID)
		return nil
	}
	if proposal.Status == StatusExecuted || proposal.Status == StatusExpired {
		e.mu.Unlock()
		e.logger.Debug("approval for settled proposal",
			"proposal_id", approval.ProposalID,
			"status", string(proposal.Status),
		)
		return nil
	}

	weight := approval.Weight
	if weight == 0 {
		weight = 1
	}
	proposal.approvals[env.Sender] = weight

	accumulated := 0.0
	for _, w := range proposal.approvals {
		accumulated += w
	}
	if proposal.Quorum > 0 && accumulated < proposal.Quorum {
		e.mu.Unlock()
		e.logger.Info("approval recorded, quorum pending",
			"proposal_id", approval.ProposalID,
			"accumulated", accumulated,
			"quorum", proposal.Quorum,
		)
		return nil
	}

	proposal.Status = StatusApproved
	if proposal.timer != nil {
		proposal.timer.Stop()
	}
	weights := proposal.NewWeights
	e.mu.Unlock()

	if e.cfg.Bus != nil {
		_ = e.cfg.Bus.Publish(eventbus.TopicProposalApproved, approval.ProposalID)
	}
	e.logger.Info("proposal approved", "proposal_id", approval.ProposalID, "approver", env.Sender)

	if _, err := e.cfg.Rebalancer.Execute(ctx, approval.ProposalID, weights); err != nil {
		// Stays APPROVED; a later approval retries the handoff.
		e.logger.Error("rebalance handoff failed", "proposal_id", approval.ProposalID, "error", err)
		return err
	}

	e.mu.Lock()
	proposal.Status = StatusExecuted
	e.mu.Unlock()
	return nil
}

// expire moves a still-PROPOSED proposal to EXPIRED. Any other status
// has already won the race.
func (e *Engine) expire(proposalID string) {
	e.mu.Lock()
	proposal, ok := e.proposals[proposalID]
	if !ok || proposal.Status != StatusProposed {
		e.mu.Unlock()
		return
	}
	proposal.Status = StatusExpired
	e.mu.Unlock()

	e.logger.Info("proposal expired", "proposal_id", proposalID)
	if e.cfg.Bus != nil {
		_ = e.cfg.Bus.Publish(eventbus.TopicProposalExpired, proposalID)
	}
}

// Get returns a copy of the stored proposal.
func (e *Engine) Get(proposalID string) (Proposal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	proposal, ok := e.proposals[proposalID]
	if !ok {
		return Proposal{}, ErrProposalNotFound
	}
	return e.snapshotLocked(proposal), nil
}

// WeightsSum returns the sum of the proposal's target weights. A
// well-formed proposal sums to 1.0 within tolerance; callers decide
// what to do with the rest.
func (e *Engine) WeightsSum(proposalID string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	proposal, ok := e.proposals[proposalID]
	if !ok {
		return 0, ErrProposalNotFound
	}
	sum := 0.0
	for _, weight := range proposal.NewWeights {
		sum += weight
	}
	return sum, nil
}

// Baseline returns the recorded baseline price for an asset.
func (e *Engine) Baseline(asset string) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	baseline, ok := e.baselines[asset]
	return baseline, ok
}

// Stop cancels every pending expiry timer. Stored proposals remain
// readable.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	for _, proposal := range e.proposals {
		if proposal.timer != nil {
			proposal.timer.Stop()
		}
	}
}

func (e *Engine) knownTokens() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	tokens := make([]string, 0, len(e.tokens))
	for token := range e.tokens {
		tokens = append(tokens, token)
	}
	return tokens
}

// snapshotLocked copies a proposal; callers may hold e.mu, and the
// copy never aliases the stored weights map.
func (e *Engine) snapshotLocked(p *Proposal) Proposal {
	weights := make(map[string]float64, len(p.NewWeights))
	for asset, weight := range p.NewWeights {
		weights[asset] = weight
	}
	return Proposal{
		ID:           p.ID,
		NewWeights:   weights,
		Trigger:      p.Trigger,
		CreatedAt:    p.CreatedAt,
		ExecuteAfter: p.ExecuteAfter,
		Quorum:       p.Quorum,
		Status:       p.Status,
	}
}

func (e *Engine) publishProposal(ctx context.Context, proposal *Proposal) error {
	if e.cfg.BroadcastTopic == "" || e.cfg.Publisher == nil || e.cfg.Codec == nil {
		return nil
	}
	env := envelope.New(envelope.TypeRebalanceProposal, e.cfg.AgentID, &envelope.RebalanceProposalDetails{
		ProposalID:   proposal.ID,
		NewWeights:   proposal.NewWeights,
		Trigger:      string(proposal.Trigger),
		ExecuteAfter: proposal.ExecuteAfter.UnixMilli(),
		Quorum:       proposal.Quorum,
	})
	raw, err := e.cfg.Codec.Encode(env)
	if err != nil {
		return err
	}
	_, err = e.cfg.Publisher.Publish(ctx, e.cfg.BroadcastTopic, raw)
	return err
}
