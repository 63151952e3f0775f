package exchange

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestStateRootEmptyLedger(t *testing.T) {
	ledger := NewLedger()
	_, ok := ledger.StateRoot()
	assert.False(t, ok)
}

func TestStateRootDeterministic(t *testing.T) {
	build := func(order []string) *Ledger {
		ledger := NewLedger()
		for _, user := range order {
			_, err := ledger.Deposit(user, "USDT", decimal.NewFromInt(100))
			assert.NoError(t, err)
			_, err = ledger.Deposit(user, "ETH", decimal.NewFromInt(7))
			assert.NoError(t, err)
		}
		return ledger
	}

	// Insertion order must not matter, only the resulting state.
	a, okA := build([]string{"alice", "bob", "carol"}).StateRoot()
	b, okB := build([]string{"carol", "alice", "bob"}).StateRoot()
	assert.True(t, okA)
	assert.True(t, okB)
	assert.Equal(t, a, b)
}

func TestStateRootTracksBalanceChanges(t *testing.T) {
	ledger := NewLedger()
	_, err := ledger.Deposit("user1", "USDT", decimal.NewFromInt(100))
	assert.NoError(t, err)

	before, ok := ledger.StateRoot()
	assert.True(t, ok)

	// An available to locked move changes custody state and the root.
	assert.NoError(t, ledger.Reserve("user1", "USDT", decimal.NewFromInt(40)))
	after, ok := ledger.StateRoot()
	assert.True(t, ok)
	assert.NotEqual(t, before, after)

	// Undoing the move restores the original root.
	assert.NoError(t, ledger.Release("user1", "USDT", decimal.NewFromInt(40)))
	again, ok := ledger.StateRoot()
	assert.True(t, ok)
	assert.Equal(t, before, again)
}

func TestStateRootOddAccountCount(t *testing.T) {
	ledger := NewLedger()
	for _, user := range []string{"u1", "u2", "u3"} {
		_, err := ledger.Deposit(user, "USDT", decimal.NewFromInt(1))
		assert.NoError(t, err)
	}

	root, ok := ledger.StateRoot()
	assert.True(t, ok)
	assert.NotEqual(t, [32]byte{}, root)
	assert.Len(t, encodeStateRoot(root), 64)
}
