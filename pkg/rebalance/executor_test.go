package rebalance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumnet/concord/pkg/envelope"
	"github.com/quorumnet/concord/pkg/eventbus"
	"github.com/quorumnet/concord/pkg/ledger"
	"github.com/quorumnet/concord/pkg/transport"
)

func newTestExecutor(t *testing.T, led ledger.Ledger) (*Executor, *transport.MemoryTransport, *eventbus.Bus) {
	t.Helper()
	codec, err := envelope.NewCodec()
	require.NoError(t, err)
	tr := transport.NewMemoryTransport()
	bus := eventbus.New(nil)
	e, err := NewExecutor(Config{
		AgentID:        "self",
		Ledger:         led,
		Publisher:      transport.NewPublisher(transport.PublisherConfig{Transport: tr, ActorID: "self"}),
		Codec:          codec,
		Bus:            bus,
		BroadcastTopic: "chan-index",
	})
	require.NoError(t, err)
	return e, tr, bus
}

func TestCalculateAdjustments(t *testing.T) {
	balances := map[string]float64{"BTC": 100, "ETH": 200, "SOL": 300}
	weights := map[string]float64{"BTC": 0.5, "ETH": 0.3, "SOL": 0.2}

	adjustments := CalculateAdjustments(balances, weights, DefaultMaterialityThreshold)

	assert.Equal(t, map[string]float64{"BTC": 200, "ETH": -20, "SOL": -180}, adjustments)
}

func TestCalculateAdjustmentsBelowMateriality(t *testing.T) {
	balances := map[string]float64{"BTC": 500, "ETH": 300, "SOL": 200}
	weights := map[string]float64{"BTC": 0.5, "ETH": 0.3, "SOL": 0.2}

	adjustments := CalculateAdjustments(balances, weights, DefaultMaterialityThreshold)

	assert.Equal(t, map[string]float64{"BTC": 0, "ETH": 0, "SOL": 0}, adjustments)
}

func TestCalculateAdjustmentsUnweightedHolding(t *testing.T) {
	// A held asset absent from the weights drains to zero.
	balances := map[string]float64{"BTC": 100, "DOGE": 100}
	weights := map[string]float64{"BTC": 1.0}

	adjustments := CalculateAdjustments(balances, weights, DefaultMaterialityThreshold)

	assert.Equal(t, map[string]float64{"BTC": 100, "DOGE": -100}, adjustments)
}

func TestExecuteAppliesAdjustments(t *testing.T) {
	led := ledger.NewInMemoryLedger(map[string]float64{"BTC": 100, "ETH": 200, "SOL": 300})
	e, _, _ := newTestExecutor(t, led)

	receipt, err := e.Execute(context.Background(), "prop-1", map[string]float64{"BTC": 0.5, "ETH": 0.3, "SOL": 0.2})
	require.NoError(t, err)

	assert.Equal(t, map[string]float64{"BTC": 100, "ETH": 200, "SOL": 300}, receipt.PreBalances)
	assert.Equal(t, map[string]float64{"BTC": 300, "ETH": 180, "SOL": 120}, receipt.PostBalances)
	assert.Empty(t, receipt.Failures)
	assert.False(t, e.Executing())
}

type countingLedger struct {
	*ledger.InMemoryLedger
	mu    sync.Mutex
	calls int
}

func (l *countingLedger) Mint(ctx context.Context, asset string, amount float64) bool {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	return l.InMemoryLedger.Mint(ctx, asset, amount)
}

func (l *countingLedger) Burn(ctx context.Context, asset string, amount float64) bool {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	return l.InMemoryLedger.Burn(ctx, asset, amount)
}

func TestExecuteSkipsImmaterialAdjustments(t *testing.T) {
	led := &countingLedger{InMemoryLedger: ledger.NewInMemoryLedger(map[string]float64{"BTC": 500, "ETH": 300, "SOL": 200})}
	e, _, _ := newTestExecutor(t, led)

	receipt, err := e.Execute(context.Background(), "prop-1", map[string]float64{"BTC": 0.5, "ETH": 0.3, "SOL": 0.2})
	require.NoError(t, err)

	assert.Equal(t, 0, led.calls, "already-balanced portfolio touches the ledger zero times")
	assert.Equal(t, receipt.PreBalances, receipt.PostBalances)
}

type blockingLedger struct {
	*ledger.InMemoryLedger
	entered chan struct{}
	release chan struct{}
}

func (l *blockingLedger) Balances(ctx context.Context) (map[string]float64, error) {
	select {
	case l.entered <- struct{}{}:
		<-l.release
	default:
	}
	return l.InMemoryLedger.Balances(ctx)
}

func TestExecuteSingleFlight(t *testing.T) {
	led := &blockingLedger{
		InMemoryLedger: ledger.NewInMemoryLedger(map[string]float64{"BTC": 100}),
		entered:        make(chan struct{}, 1),
		release:        make(chan struct{}),
	}
	e, _, _ := newTestExecutor(t, led)

	done := make(chan error, 1)
	go func() {
		_, err := e.Execute(context.Background(), "prop-slow", map[string]float64{"BTC": 1.0})
		done <- err
	}()

	<-led.entered
	_, err := e.Execute(context.Background(), "prop-fast", map[string]float64{"BTC": 1.0})
	assert.ErrorIs(t, err, ErrExecutionInProgress)

	close(led.release)
	require.NoError(t, <-done)

	// The flag is released; a follow-up execution proceeds.
	_, err = e.Execute(context.Background(), "prop-after", map[string]float64{"BTC": 1.0})
	assert.NoError(t, err)
}

type failingLedger struct {
	*ledger.InMemoryLedger
}

func (l *failingLedger) Burn(ctx context.Context, asset string, amount float64) bool {
	return false
}

func TestExecutePartialFailureSurfaced(t *testing.T) {
	led := &failingLedger{InMemoryLedger: ledger.NewInMemoryLedger(map[string]float64{"BTC": 100, "ETH": 500})}
	e, tr, _ := newTestExecutor(t, led)
	codec, err := envelope.NewCodec()
	require.NoError(t, err)

	var receipts []*envelope.RebalanceExecutedDetails
	_, err = tr.Subscribe("chan-index", func(message []byte) {
		env, err := codec.Decode(message)
		require.NoError(t, err)
		executed, err := env.RebalanceExecuted()
		require.NoError(t, err)
		receipts = append(receipts, executed)
	})
	require.NoError(t, err)

	receipt, err := e.Execute(context.Background(), "prop-1", map[string]float64{"BTC": 0.5, "ETH": 0.5})
	require.NoError(t, err)

	// The burn failed but the mint landed, and the receipt says so.
	require.Len(t, receipt.Failures, 1)
	assert.Contains(t, receipt.Failures[0], "burn ETH")
	assert.Equal(t, 300.0, receipt.PostBalances["BTC"])
	assert.Equal(t, 500.0, receipt.PostBalances["ETH"])
	assert.False(t, e.Executing(), "flag released despite the failure")

	require.Len(t, receipts, 1)
	assert.Equal(t, "prop-1", receipts[0].ProposalID)
	assert.Equal(t, receipt.Failures, receipts[0].Failures)
}

func TestExecutePublishesReceiptAndEvent(t *testing.T) {
	led := ledger.NewInMemoryLedger(map[string]float64{"BTC": 100, "ETH": 200, "SOL": 300})
	e, tr, bus := newTestExecutor(t, led)
	codec, err := envelope.NewCodec()
	require.NoError(t, err)

	var executed []string
	bus.Subscribe(eventbus.TopicRebalanceExecuted, func(ev eventbus.Event) {
		executed = append(executed, ev.Payload.(string))
	})

	var envelopes []*envelope.Envelope
	_, err = tr.Subscribe("chan-index", func(message []byte) {
		env, err := codec.Decode(message)
		require.NoError(t, err)
		envelopes = append(envelopes, env)
	})
	require.NoError(t, err)

	start := time.Now()
	_, err = e.Execute(context.Background(), "prop-1", map[string]float64{"BTC": 0.5, "ETH": 0.3, "SOL": 0.2})
	require.NoError(t, err)

	assert.Equal(t, []string{"prop-1"}, executed)
	require.Len(t, envelopes, 1)
	details, err := envelopes[0].RebalanceExecuted()
	require.NoError(t, err)
	assert.Equal(t, "prop-1", details.ProposalID)
	assert.GreaterOrEqual(t, details.ExecutedAt, start.UnixMilli())
	assert.Equal(t, 300.0, details.PostBalances["BTC"])
}
