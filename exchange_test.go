package exchange

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func newTestExchange(t *testing.T, opts ...Option) *Exchange {
	t.Helper()

	ex := New([]Pair{testPair}, opts...)
	t.Cleanup(func() {
		_ = ex.Shutdown(context.Background())
	})
	return ex
}

func TestExchangeTradingSession(t *testing.T) {
	ctx := context.Background()
	ex := newTestExchange(t)

	_, err := ex.Deposit("user1", "ETH", decimal.NewFromInt(1_000_000))
	assert.NoError(t, err)
	_, err = ex.Deposit("user1", "USDT", decimal.NewFromInt(2_000_000_000))
	assert.NoError(t, err)
	_, err = ex.Deposit("user2", "ETH", decimal.NewFromInt(2_000_000))
	assert.NoError(t, err)
	_, err = ex.Deposit("user2", "USDT", decimal.NewFromInt(1_000_000_000))
	assert.NoError(t, err)

	// User1 bids for 500,000 base units at 3,000 quote per unit.
	buyResult, err := ex.PlaceOrder(ctx, "user1", "ETH_USDT", Buy, decimal.NewFromInt(3000), decimal.NewFromInt(500_000))
	assert.NoError(t, err)
	assert.Empty(t, buyResult.Trades)
	assert.Equal(t, Open, buyResult.Order.Status)
	assert.True(t, ex.BalanceOf("user1", "USDT").Locked.Equal(decimal.NewFromInt(1_500_000_000)))

	// User2 sells 300,000 below the resting bid; the maker price rule
	// executes at 3,000, not the seller's 2,900.
	sellResult, err := ex.PlaceOrder(ctx, "user2", "ETH_USDT", Sell, decimal.NewFromInt(2900), decimal.NewFromInt(300_000))
	assert.NoError(t, err)
	assert.Len(t, sellResult.Trades, 1)
	trade := sellResult.Trades[0]
	assert.True(t, trade.Price.Equal(decimal.NewFromInt(3000)))
	assert.True(t, trade.Amount.Equal(decimal.NewFromInt(300_000)))
	assert.Equal(t, buyResult.Order.ID, trade.BuyOrderID)
	assert.Equal(t, sellResult.Order.ID, trade.SellOrderID)
	assert.Equal(t, Filled, sellResult.Order.Status)

	buyOrder, err := ex.GetOrder(ctx, buyResult.Order.ID)
	assert.NoError(t, err)
	assert.Equal(t, PartiallyFilled, buyOrder.Status)
	assert.True(t, buyOrder.Remaining.Equal(decimal.NewFromInt(200_000)))

	// Settlement moved 900,000,000 quote to user2 and 300,000 base to user1.
	assert.True(t, ex.BalanceOf("user2", "USDT").Available.Equal(decimal.NewFromInt(1_900_000_000)))
	assert.True(t, ex.BalanceOf("user1", "ETH").Available.Equal(decimal.NewFromInt(1_300_000)))
	assert.True(t, ex.BalanceOf("user1", "USDT").Locked.Equal(decimal.NewFromInt(600_000_000)))

	// A sell above the best bid rests on the ask side.
	restResult, err := ex.PlaceOrder(ctx, "user2", "ETH_USDT", Sell, decimal.NewFromInt(3100), decimal.NewFromInt(200_000))
	assert.NoError(t, err)
	assert.Empty(t, restResult.Trades)
	assert.Equal(t, Open, restResult.Order.Status)

	depth, err := ex.Depth(ctx, "ETH_USDT", 0)
	assert.NoError(t, err)
	assert.Len(t, depth.Bids, 1)
	assert.Len(t, depth.Asks, 1)

	// Cancelling the resting sell releases exactly its 200,000 base units.
	lockedBefore := ex.BalanceOf("user2", "ETH").Locked
	cancelled, err := ex.CancelOrder(ctx, "ETH_USDT", restResult.Order.ID, "user2")
	assert.NoError(t, err)
	assert.Equal(t, Cancelled, cancelled.Status)
	assert.True(t, lockedBefore.Sub(ex.BalanceOf("user2", "ETH").Locked).Equal(decimal.NewFromInt(200_000)))

	depth, err = ex.Depth(ctx, "ETH_USDT", 0)
	assert.NoError(t, err)
	assert.Empty(t, depth.Asks)

	// A withdrawal beyond available fails and changes nothing.
	ethBefore := ex.BalanceOf("user1", "ETH")
	_, err = ex.Withdraw("user1", "ETH", decimal.NewFromInt(10_000_000))
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, ethBefore, ex.BalanceOf("user1", "ETH"))

	// Conservation: totals changed only by deposits.
	assert.True(t, ex.Ledger().TotalSupply("ETH").Equal(decimal.NewFromInt(3_000_000)))
	assert.True(t, ex.Ledger().TotalSupply("USDT").Equal(decimal.NewFromInt(3_000_000_000)))

	trades, err := ex.Trades("ETH_USDT")
	assert.NoError(t, err)
	assert.Len(t, trades, 1)
	assert.Equal(t, uint64(1), trades[0].ID)
}

func TestExchangePlaceOrderValidation(t *testing.T) {
	ctx := context.Background()
	ex := newTestExchange(t)

	_, err := ex.Deposit("user1", "USDT", decimal.NewFromInt(1000))
	assert.NoError(t, err)

	_, err = ex.PlaceOrder(ctx, "user1", "BTC_USDT", Buy, decimal.NewFromInt(10), decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrInvalidOrder)

	_, err = ex.PlaceOrder(ctx, "user1", "ETH_USDT", Buy, decimal.Zero, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrInvalidOrder)

	_, err = ex.PlaceOrder(ctx, "user1", "ETH_USDT", Buy, decimal.NewFromInt(10), decimal.NewFromInt(-1))
	assert.ErrorIs(t, err, ErrInvalidOrder)

	fractional, _ := decimal.NewFromString("1.5")
	_, err = ex.PlaceOrder(ctx, "user1", "ETH_USDT", Buy, decimal.NewFromInt(10), fractional)
	assert.ErrorIs(t, err, ErrInvalidOrder)

	_, err = ex.PlaceOrder(ctx, "", "ETH_USDT", Buy, decimal.NewFromInt(10), decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrInvalidOrder)

	// Rejections never touch funds.
	assert.True(t, ex.BalanceOf("user1", "USDT").Available.Equal(decimal.NewFromInt(1000)))
	assert.True(t, ex.BalanceOf("user1", "USDT").Locked.IsZero())
}

func TestExchangePlaceOrderInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	ex := newTestExchange(t)

	_, err := ex.Deposit("user1", "USDT", decimal.NewFromInt(999))
	assert.NoError(t, err)

	// 10 * 100 = 1000 > 999.
	_, err = ex.PlaceOrder(ctx, "user1", "ETH_USDT", Buy, decimal.NewFromInt(100), decimal.NewFromInt(10))
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	depth, err := ex.Depth(ctx, "ETH_USDT", 0)
	assert.NoError(t, err)
	assert.Empty(t, depth.Bids)
	assert.True(t, ex.BalanceOf("user1", "USDT").Locked.IsZero())
}

func TestExchangeCancelErrors(t *testing.T) {
	ctx := context.Background()
	ex := newTestExchange(t)

	_, err := ex.CancelOrder(ctx, "BTC_USDT", "some-order", "user1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = ex.CancelOrder(ctx, "ETH_USDT", "missing", "user1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = ex.Deposit("user1", "USDT", decimal.NewFromInt(1000))
	assert.NoError(t, err)
	result, err := ex.PlaceOrder(ctx, "user1", "ETH_USDT", Buy, decimal.NewFromInt(100), decimal.NewFromInt(10))
	assert.NoError(t, err)

	_, err = ex.CancelOrder(ctx, "ETH_USDT", result.Order.ID, "user2")
	assert.ErrorIs(t, err, ErrNotOwner)

	_, err = ex.CancelOrder(ctx, "ETH_USDT", result.Order.ID, "user1")
	assert.NoError(t, err)
	_, err = ex.CancelOrder(ctx, "ETH_USDT", result.Order.ID, "user1")
	assert.ErrorIs(t, err, ErrAlreadyClosed)
}

func TestExchangeTradesFilter(t *testing.T) {
	ctx := context.Background()
	ex := newTestExchange(t)

	_, err := ex.Deposit("user1", "USDT", decimal.NewFromInt(1000))
	assert.NoError(t, err)
	_, err = ex.Deposit("user2", "ETH", decimal.NewFromInt(10))
	assert.NoError(t, err)

	_, err = ex.PlaceOrder(ctx, "user1", "ETH_USDT", Buy, decimal.NewFromInt(100), decimal.NewFromInt(10))
	assert.NoError(t, err)
	_, err = ex.PlaceOrder(ctx, "user2", "ETH_USDT", Sell, decimal.NewFromInt(100), decimal.NewFromInt(10))
	assert.NoError(t, err)

	trades, err := ex.Trades("ETH_USDT")
	assert.NoError(t, err)
	assert.Len(t, trades, 1)

	all, err := ex.Trades("")
	assert.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = ex.Trades("BTC_USDT")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExchangeShutdown(t *testing.T) {
	ctx := context.Background()
	ex := New([]Pair{testPair})

	_, err := ex.Deposit("user1", "USDT", decimal.NewFromInt(1000))
	assert.NoError(t, err)

	assert.NoError(t, ex.Shutdown(ctx))

	_, err = ex.PlaceOrder(ctx, "user1", "ETH_USDT", Buy, decimal.NewFromInt(100), decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrShutdown)
	_, err = ex.Deposit("user1", "USDT", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrShutdown)
	_, err = ex.Withdraw("user1", "USDT", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestExchangeBookEventPublishing(t *testing.T) {
	ctx := context.Background()
	pub := NewMemoryPublishLog()
	ex := newTestExchange(t, WithPublishLog(pub))

	_, err := ex.Deposit("user1", "USDT", decimal.NewFromInt(1000))
	assert.NoError(t, err)
	_, err = ex.Deposit("user2", "ETH", decimal.NewFromInt(10))
	assert.NoError(t, err)

	_, err = ex.PlaceOrder(ctx, "user1", "ETH_USDT", Buy, decimal.NewFromInt(100), decimal.NewFromInt(10))
	assert.NoError(t, err)
	_, err = ex.PlaceOrder(ctx, "user2", "ETH_USDT", Sell, decimal.NewFromInt(100), decimal.NewFromInt(10))
	assert.NoError(t, err)

	logs := pub.Logs()
	assert.Len(t, logs, 2)
	assert.Equal(t, LogTypeOpen, logs[0].Type)
	assert.Equal(t, LogTypeMatch, logs[1].Type)
	assert.Equal(t, "ETH_USDT", logs[1].PairID)
}

// Trade history must stay oldest first even when placements on the same
// pair race each other: trades are published from the book loop, never
// from the caller's goroutine after the reply.
func TestExchangeTradeHistoryOrderUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	ex := newTestExchange(t)

	const (
		takers         = 2
		ordersPerTaker = 32
	)

	_, err := ex.Deposit("maker", "ETH", decimal.NewFromInt(takers*ordersPerTaker))
	assert.NoError(t, err)
	for i := 0; i < takers*ordersPerTaker; i++ {
		_, err := ex.PlaceOrder(ctx, "maker", "ETH_USDT", Sell, decimal.NewFromInt(100), decimal.NewFromInt(1))
		assert.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < takers; i++ {
		userID := fmt.Sprintf("taker%d", i)
		_, err := ex.Deposit(userID, "USDT", decimal.NewFromInt(100*ordersPerTaker))
		assert.NoError(t, err)

		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < ordersPerTaker; j++ {
				_, err := ex.PlaceOrder(ctx, userID, "ETH_USDT", Buy, decimal.NewFromInt(100), decimal.NewFromInt(1))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	trades, err := ex.Trades("ETH_USDT")
	assert.NoError(t, err)
	assert.Len(t, trades, takers*ordersPerTaker)
	for i := 1; i < len(trades); i++ {
		assert.Less(t, trades[i-1].ID, trades[i].ID, "trade at index %d out of order", i)
	}
}
