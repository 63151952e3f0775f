package exchange

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/clearbook/exchange/protocol"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func applyCommand(t *testing.T, ex *Exchange, cmdType protocol.CommandType, payload any) *protocol.Reply {
	t.Helper()

	data, err := json.Marshal(payload)
	assert.NoError(t, err)
	return ex.Apply(context.Background(), &protocol.Command{Type: cmdType, Payload: data})
}

func decodePayload(t *testing.T, reply *protocol.Reply, v any) {
	t.Helper()

	assert.True(t, reply.Success, "unexpected failure: %s", reply.Error)
	assert.NoError(t, json.Unmarshal(reply.Payload, v))
}

func TestApplyDepositWithdrawBalance(t *testing.T) {
	ex := newTestExchange(t)

	reply := applyCommand(t, ex, protocol.CmdDeposit, &protocol.DepositRequest{
		UserID: "user1", Token: "USDT", Amount: "1000",
	})
	var balance protocol.BalanceView
	decodePayload(t, reply, &balance)
	assert.Equal(t, "1000", balance.Available)
	assert.Equal(t, "0", balance.Locked)

	reply = applyCommand(t, ex, protocol.CmdWithdraw, &protocol.WithdrawRequest{
		UserID: "user1", Token: "USDT", Amount: "300",
	})
	decodePayload(t, reply, &balance)
	assert.Equal(t, "700", balance.Available)

	reply = applyCommand(t, ex, protocol.CmdGetBalance, &protocol.BalanceRequest{
		UserID: "user1", Token: "USDT",
	})
	decodePayload(t, reply, &balance)
	assert.Equal(t, "700", balance.Available)
}

func TestApplyFailureCodes(t *testing.T) {
	ex := newTestExchange(t)

	reply := applyCommand(t, ex, protocol.CmdWithdraw, &protocol.WithdrawRequest{
		UserID: "user1", Token: "USDT", Amount: "10",
	})
	assert.False(t, reply.Success)
	assert.Equal(t, protocol.ErrorCodeInsufficientFunds, reply.Code)

	// Balance mutations report malformed and non-positive amounts with
	// their own code, distinct from order validation failures.
	reply = applyCommand(t, ex, protocol.CmdDeposit, &protocol.DepositRequest{
		UserID: "user1", Token: "USDT", Amount: "not-a-number",
	})
	assert.False(t, reply.Success)
	assert.Equal(t, protocol.ErrorCodeInvalidAmount, reply.Code)

	reply = applyCommand(t, ex, protocol.CmdDeposit, &protocol.DepositRequest{
		UserID: "user1", Token: "USDT", Amount: "-5",
	})
	assert.False(t, reply.Success)
	assert.Equal(t, protocol.ErrorCodeInvalidAmount, reply.Code)

	reply = applyCommand(t, ex, protocol.CmdWithdraw, &protocol.WithdrawRequest{
		UserID: "user1", Token: "USDT", Amount: "0.5",
	})
	assert.False(t, reply.Success)
	assert.Equal(t, protocol.ErrorCodeInvalidAmount, reply.Code)

	reply = applyCommand(t, ex, protocol.CmdPlaceOrder, &protocol.PlaceOrderRequest{
		UserID: "user1", PairID: "BTC_USDT", Side: true, Price: "100", Amount: "1",
	})
	assert.False(t, reply.Success)
	assert.Equal(t, protocol.ErrorCodeInvalidOrder, reply.Code)

	reply = applyCommand(t, ex, protocol.CmdCancelOrder, &protocol.CancelOrderRequest{
		UserID: "user1", PairID: "ETH_USDT", OrderID: "missing",
	})
	assert.False(t, reply.Success)
	assert.Equal(t, protocol.ErrorCodeNotFound, reply.Code)
}

func TestApplyPlaceAndCancel(t *testing.T) {
	ex := newTestExchange(t)

	applyCommand(t, ex, protocol.CmdDeposit, &protocol.DepositRequest{UserID: "user1", Token: "USDT", Amount: "1000"})
	applyCommand(t, ex, protocol.CmdDeposit, &protocol.DepositRequest{UserID: "user2", Token: "ETH", Amount: "10"})

	// Buy resting, true means buy on the wire.
	reply := applyCommand(t, ex, protocol.CmdPlaceOrder, &protocol.PlaceOrderRequest{
		UserID: "user1", PairID: "ETH_USDT", Side: true, Price: "100", Amount: "10",
	})
	var placed protocol.PlaceOrderResponse
	decodePayload(t, reply, &placed)
	assert.True(t, placed.Order.Side)
	assert.Equal(t, protocol.OrderStatusOpen, placed.Order.Status)
	assert.Empty(t, placed.Trades)

	// Crossing sell fills it at the maker price.
	reply = applyCommand(t, ex, protocol.CmdPlaceOrder, &protocol.PlaceOrderRequest{
		UserID: "user2", PairID: "ETH_USDT", Side: false, Price: "90", Amount: "4",
	})
	var filled protocol.PlaceOrderResponse
	decodePayload(t, reply, &filled)
	assert.Len(t, filled.Trades, 1)
	assert.Equal(t, "100", filled.Trades[0].Price)
	assert.Equal(t, "4", filled.Trades[0].Amount)

	reply = applyCommand(t, ex, protocol.CmdGetOrder, &protocol.GetOrderRequest{OrderID: placed.Order.ID})
	var got protocol.GetOrderResponse
	decodePayload(t, reply, &got)
	assert.Equal(t, protocol.OrderStatusPartiallyFilled, got.Order.Status)
	assert.Equal(t, "6", got.Order.Remaining)

	reply = applyCommand(t, ex, protocol.CmdGetOrderBook, &protocol.OrderBookRequest{PairID: "ETH_USDT"})
	var depth protocol.OrderBookResponse
	decodePayload(t, reply, &depth)
	assert.Len(t, depth.Bids, 1)
	assert.Equal(t, "100", depth.Bids[0].Price)
	assert.Equal(t, "6", depth.Bids[0].Size)

	reply = applyCommand(t, ex, protocol.CmdGetTrades, &protocol.TradesRequest{PairID: "ETH_USDT"})
	var trades protocol.TradesResponse
	decodePayload(t, reply, &trades)
	assert.Len(t, trades.Trades, 1)

	reply = applyCommand(t, ex, protocol.CmdCancelOrder, &protocol.CancelOrderRequest{
		UserID: "user1", PairID: "ETH_USDT", OrderID: placed.Order.ID,
	})
	var cancelled protocol.CancelOrderResponse
	decodePayload(t, reply, &cancelled)
	assert.Equal(t, protocol.OrderStatusCancelled, cancelled.Order.Status)

	// 400 spent on the fill, the rest back available.
	assert.True(t, ex.BalanceOf("user1", "USDT").Available.Equal(decimal.NewFromInt(600)))
}

func TestApplyUnknownCommand(t *testing.T) {
	ex := newTestExchange(t)

	reply := ex.Apply(context.Background(), &protocol.Command{Type: protocol.CmdUnknown})
	assert.False(t, reply.Success)
	assert.Equal(t, protocol.ErrorCodeNotFound, reply.Code)
}
