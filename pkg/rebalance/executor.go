// Package rebalance executes approved weighted-allocation proposals
// against the asset ledger and publishes the execution receipt.
package rebalance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/quorumnet/concord/pkg/envelope"
	"github.com/quorumnet/concord/pkg/eventbus"
	"github.com/quorumnet/concord/pkg/ledger"
	"github.com/quorumnet/concord/pkg/transport"
)

// ErrExecutionInProgress rejects a second execution while one is
// running. At most one rebalance executes at a time, system-wide.
var ErrExecutionInProgress = errors.New("rebalance: execution already in progress")

// DefaultMaterialityThreshold is the minimum adjustment magnitude worth
// a ledger call.
const DefaultMaterialityThreshold = 1.0

// Config wires an Executor.
type Config struct {
	AgentID              string
	Ledger               ledger.Ledger
	Publisher            *transport.Publisher
	Codec                *envelope.Codec
	Bus                  *eventbus.Bus
	BroadcastTopic       string
	MaterialityThreshold float64
	Clock                func() time.Time
	Logger               *slog.Logger
}

// Receipt is the outcome of one execution. Failures lists the ledger
// operations that were rejected; partial execution is surfaced in the
// receipt, never rolled back.
type Receipt struct {
	ProposalID   string
	PreBalances  map[string]float64
	PostBalances map[string]float64
	ExecutedAt   time.Time
	Failures     []string
}

// Executor applies target weights to the ledger under a single-flight
// guard.
type Executor struct {
	cfg       Config
	executing atomic.Bool
	clock     func() time.Time
	logger    *slog.Logger
}

func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("rebalance: Ledger is required")
	}
	if cfg.MaterialityThreshold <= 0 {
		cfg.MaterialityThreshold = DefaultMaterialityThreshold
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		cfg:    cfg,
		clock:  clock,
		logger: logger.With("component", "executor"),
	}, nil
}

// CalculateAdjustments maps each asset to targetWeight*totalValue minus
// its current balance, over the union of weighted and held assets.
// Adjustments below the materiality threshold are zeroed. The total is
// recomputed from the balances passed in, never cached.
func CalculateAdjustments(balances, weights map[string]float64, materiality float64) map[string]float64 {
	total := 0.0
	for _, amount := range balances {
		total += amount
	}

	assets := make(map[string]bool, len(balances)+len(weights))
	for asset := range balances {
		assets[asset] = true
	}
	for asset := range weights {
		assets[asset] = true
	}

	adjustments := make(map[string]float64, len(assets))
	for asset := range assets {
		adjustment := weights[asset]*total - balances[asset]
		if math.Abs(adjustment) < materiality {
			adjustment = 0
		}
		adjustments[asset] = adjustment
	}
	return adjustments
}

// Execute applies the proposal's weights. It holds the single-flight
// flag for the duration; a concurrent call fails immediately with
// ErrExecutionInProgress. The flag release and the receipt publication
// sit on the deferred path, so a failed mint or burn still releases the
// lock and still reports what happened.
func (e *Executor) Execute(ctx context.Context, proposalID string, weights map[string]float64) (*Receipt, error) {
	if !e.executing.CompareAndSwap(false, true) {
		return nil, ErrExecutionInProgress
	}
	defer e.executing.Store(false)

	// 1. Snapshot the pre-execution balances.
	preBalances, err := e.cfg.Ledger.Balances(ctx)
	if err != nil {
		return nil, fmt.Errorf("rebalance %s: read balances: %w", proposalID, err)
	}

	receipt := &Receipt{
		ProposalID:  proposalID,
		PreBalances: preBalances,
	}
	defer func() {
		receipt.ExecutedAt = e.clock()
		e.publishReceipt(ctx, receipt)
	}()

	// 2. Compute per-asset adjustments from the current total value.
	adjustments := CalculateAdjustments(preBalances, weights, e.cfg.MaterialityThreshold)

	// 3. Apply mint/burn in deterministic asset order. Failures are
	// recorded and execution continues with the remaining assets.
	assets := make([]string, 0, len(adjustments))
	for asset := range adjustments {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	for _, asset := range assets {
		adjustment := adjustments[asset]
		switch {
		case adjustment > 0:
			if !e.cfg.Ledger.Mint(ctx, asset, adjustment) {
				receipt.Failures = append(receipt.Failures, fmt.Sprintf("mint %s %.6f", asset, adjustment))
				e.logger.Error("mint failed", "proposal_id", proposalID, "asset", asset, "amount", adjustment)
			}
		case adjustment < 0:
			if !e.cfg.Ledger.Burn(ctx, asset, -adjustment) {
				receipt.Failures = append(receipt.Failures, fmt.Sprintf("burn %s %.6f", asset, -adjustment))
				e.logger.Error("burn failed", "proposal_id", proposalID, "asset", asset, "amount", -adjustment)
			}
		}
	}

	// 4. Re-read balances for the receipt.
	postBalances, err := e.cfg.Ledger.Balances(ctx)
	if err != nil {
		receipt.Failures = append(receipt.Failures, fmt.Sprintf("read post balances: %v", err))
		postBalances = nil
	}
	receipt.PostBalances = postBalances

	e.logger.Info("rebalance executed",
		"proposal_id", proposalID,
		"assets", len(assets),
		"failures", len(receipt.Failures),
	)
	return receipt, nil
}

// Executing reports whether an execution is currently in flight.
func (e *Executor) Executing() bool {
	return e.executing.Load()
}

func (e *Executor) publishReceipt(ctx context.Context, receipt *Receipt) {
	if e.cfg.Bus != nil {
		_ = e.cfg.Bus.Publish(eventbus.TopicRebalanceExecuted, receipt.ProposalID)
	}
	if e.cfg.BroadcastTopic == "" || e.cfg.Publisher == nil || e.cfg.Codec == nil {
		return
	}
	env := envelope.New(envelope.TypeRebalanceExecuted, e.cfg.AgentID, &envelope.RebalanceExecutedDetails{
		ProposalID:   receipt.ProposalID,
		PreBalances:  receipt.PreBalances,
		PostBalances: receipt.PostBalances,
		ExecutedAt:   receipt.ExecutedAt.UnixMilli(),
		Failures:     receipt.Failures,
	})
	raw, err := e.cfg.Codec.Encode(env)
	if err != nil {
		e.logger.Error("encode execution receipt", "proposal_id", receipt.ProposalID, "error", err)
		return
	}
	if _, err := e.cfg.Publisher.Publish(ctx, e.cfg.BroadcastTopic, raw); err != nil {
		e.logger.Error("publish execution receipt", "proposal_id", receipt.ProposalID, "error", err)
	}
}
