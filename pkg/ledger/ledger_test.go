package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintAndBurn(t *testing.T) {
	l := NewInMemoryLedger(map[string]float64{"BTC": 100})
	ctx := context.Background()

	assert.True(t, l.Mint(ctx, "BTC", 50))
	assert.True(t, l.Burn(ctx, "BTC", 25))

	balances, err := l.Balances(ctx)
	require.NoError(t, err)
	assert.Equal(t, 125.0, balances["BTC"])
}

func TestBurnBeyondBalanceFails(t *testing.T) {
	l := NewInMemoryLedger(map[string]float64{"ETH": 10})
	ctx := context.Background()

	assert.False(t, l.Burn(ctx, "ETH", 11))

	balances, _ := l.Balances(ctx)
	assert.Equal(t, 10.0, balances["ETH"], "failed burn must not move the balance")
}

func TestInvalidAmounts(t *testing.T) {
	l := NewInMemoryLedger(nil)
	ctx := context.Background()

	assert.False(t, l.Mint(ctx, "BTC", 0))
	assert.False(t, l.Mint(ctx, "BTC", -1))
	assert.False(t, l.Mint(ctx, "", 1))
	assert.False(t, l.Burn(ctx, "BTC", 0))
}

func TestBalancesSnapshotIsACopy(t *testing.T) {
	l := NewInMemoryLedger(map[string]float64{"SOL": 5})
	ctx := context.Background()

	snapshot, _ := l.Balances(ctx)
	snapshot["SOL"] = 999

	fresh, _ := l.Balances(ctx)
	assert.Equal(t, 5.0, fresh["SOL"])
}
