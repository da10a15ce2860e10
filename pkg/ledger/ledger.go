// Package ledger defines the consumed asset-ledger interface. The
// ledger's token semantics (supply control, authorization) live in the
// external system; this package only models mint/burn/query plus an
// in-memory implementation for tests and loopback wiring.
package ledger

import (
	"context"
	"sync"
)

// Ledger is the consumed asset ledger. Mint and Burn report success as
// a boolean: a false return is a LedgerOperationFailure that the caller
// records in its execution receipt. Rollback is not possible on an
// append-only ledger, so failures are surfaced, not retried here.
type Ledger interface {
	Balances(ctx context.Context) (map[string]float64, error)
	Mint(ctx context.Context, asset string, amount float64) bool
	Burn(ctx context.Context, asset string, amount float64) bool
}

// InMemoryLedger is a thread-safe ledger for tests and demo wiring.
type InMemoryLedger struct {
	mu       sync.RWMutex
	balances map[string]float64
}

// NewInMemoryLedger seeds a ledger with the given balances. The seed
// map is copied.
func NewInMemoryLedger(seed map[string]float64) *InMemoryLedger {
	balances := make(map[string]float64, len(seed))
	for asset, amount := range seed {
		balances[asset] = amount
	}
	return &InMemoryLedger{balances: balances}
}

// Balances returns a snapshot copy.
func (l *InMemoryLedger) Balances(ctx context.Context) (map[string]float64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	snapshot := make(map[string]float64, len(l.balances))
	for asset, amount := range l.balances {
		snapshot[asset] = amount
	}
	return snapshot, nil
}

// Mint credits the asset. Non-positive amounts fail.
func (l *InMemoryLedger) Mint(ctx context.Context, asset string, amount float64) bool {
	if asset == "" || amount <= 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[asset] += amount
	return true
}

// Burn debits the asset. Burning more than the current balance fails
// and leaves the balance untouched.
func (l *InMemoryLedger) Burn(ctx context.Context, asset string, amount float64) bool {
	if asset == "" || amount <= 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[asset] < amount {
		return false
	}
	l.balances[asset] -= amount
	return true
}
