package exchange

import (
	"context"
	"errors"

	"github.com/clearbook/exchange/protocol"
	"github.com/shopspring/decimal"
)

// errorCode maps the engine's error taxonomy onto wire error codes.
func errorCode(err error) protocol.ErrorCode {
	switch {
	case errors.Is(err, ErrInvalidOrder):
		return protocol.ErrorCodeInvalidOrder
	case errors.Is(err, ErrInvalidAmount):
		return protocol.ErrorCodeInvalidAmount
	case errors.Is(err, ErrInsufficientFunds):
		return protocol.ErrorCodeInsufficientFunds
	case errors.Is(err, ErrNotFound):
		return protocol.ErrorCodeNotFound
	case errors.Is(err, ErrNotOwner):
		return protocol.ErrorCodeNotOwner
	case errors.Is(err, ErrAlreadyClosed):
		return protocol.ErrorCodeAlreadyClosed
	case errors.Is(err, ErrShutdown):
		return protocol.ErrorCodeShutdown
	default:
		return protocol.ErrorCodeInternal
	}
}

func orderView(o *Order) *protocol.OrderView {
	return &protocol.OrderView{
		ID:        o.ID,
		UserID:    o.UserID,
		PairID:    o.PairID,
		Side:      o.Side.Bool(),
		Price:     o.Price.String(),
		Amount:    o.Amount.String(),
		Remaining: o.Remaining.String(),
		Status:    o.Status,
		Sequence:  o.Sequence,
		CreatedAt: o.Timestamp,
	}
}

func tradeView(t *Trade) *protocol.TradeView {
	return &protocol.TradeView{
		ID:          t.ID,
		PairID:      t.PairID,
		BuyOrderID:  t.BuyOrderID,
		SellOrderID: t.SellOrderID,
		Price:       t.Price.String(),
		Amount:      t.Amount.String(),
		CreatedAt:   t.CreatedAt.UnixNano(),
	}
}

func balanceView(userID, token string, b Balance) *protocol.BalanceView {
	return &protocol.BalanceView{
		UserID:    userID,
		Token:     token,
		Available: b.Available.String(),
		Locked:    b.Locked.String(),
	}
}

func depthView(d *Depth) *protocol.OrderBookResponse {
	resp := &protocol.OrderBookResponse{
		PairID:   d.PairID,
		UpdateID: d.UpdateID,
		Bids:     make([]*protocol.DepthItem, 0, len(d.Bids)),
		Asks:     make([]*protocol.DepthItem, 0, len(d.Asks)),
	}
	for _, lvl := range d.Bids {
		resp.Bids = append(resp.Bids, &protocol.DepthItem{Price: lvl.Price.String(), Size: lvl.Amount.String(), Count: lvl.Count})
	}
	for _, lvl := range d.Asks {
		resp.Asks = append(resp.Asks, &protocol.DepthItem{Price: lvl.Price.String(), Size: lvl.Amount.String(), Count: lvl.Count})
	}
	return resp
}

func (e *Exchange) failure(err error) *protocol.Reply {
	return &protocol.Reply{
		Success: false,
		Code:    errorCode(err),
		Error:   err.Error(),
	}
}

func (e *Exchange) success(payload any) *protocol.Reply {
	data, err := e.serializer.Marshal(payload)
	if err != nil {
		return e.failure(err)
	}
	return &protocol.Reply{Success: true, Payload: data}
}

// parseUnits parses a wire amount into a decimal, without validating
// sign or integrality; the operations do that.
func parseUnits(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, ErrInvalidAmount
	}
	return d, nil
}

// Apply dispatches a serialized command to the matching operation and
// wraps the outcome in a Reply. All user-facing failures come back as
// structured results; nothing is raised across this boundary.
func (e *Exchange) Apply(ctx context.Context, cmd *protocol.Command) *protocol.Reply {
	switch cmd.Type {
	case protocol.CmdDeposit:
		req := &protocol.DepositRequest{}
		if err := e.serializer.Unmarshal(cmd.Payload, req); err != nil {
			return e.failure(ErrInvalidAmount)
		}
		amount, err := parseUnits(req.Amount)
		if err != nil {
			return e.failure(err)
		}
		balance, err := e.Deposit(req.UserID, req.Token, amount)
		if err != nil {
			return e.failure(err)
		}
		return e.success(balanceView(req.UserID, req.Token, balance))

	case protocol.CmdWithdraw:
		req := &protocol.WithdrawRequest{}
		if err := e.serializer.Unmarshal(cmd.Payload, req); err != nil {
			return e.failure(ErrInvalidAmount)
		}
		amount, err := parseUnits(req.Amount)
		if err != nil {
			return e.failure(err)
		}
		balance, err := e.Withdraw(req.UserID, req.Token, amount)
		if err != nil {
			return e.failure(err)
		}
		return e.success(balanceView(req.UserID, req.Token, balance))

	case protocol.CmdGetBalance:
		req := &protocol.BalanceRequest{}
		if err := e.serializer.Unmarshal(cmd.Payload, req); err != nil {
			return e.failure(ErrInvalidAmount)
		}
		return e.success(balanceView(req.UserID, req.Token, e.BalanceOf(req.UserID, req.Token)))

	case protocol.CmdPlaceOrder:
		req := &protocol.PlaceOrderRequest{}
		if err := e.serializer.Unmarshal(cmd.Payload, req); err != nil {
			return e.failure(ErrInvalidOrder)
		}
		price, err := parseUnits(req.Price)
		if err != nil {
			return e.failure(ErrInvalidOrder)
		}
		amount, err := parseUnits(req.Amount)
		if err != nil {
			return e.failure(ErrInvalidOrder)
		}
		result, err := e.PlaceOrder(ctx, req.UserID, req.PairID, protocol.SideFromBool(req.Side), price, amount)
		if err != nil {
			return e.failure(err)
		}
		resp := &protocol.PlaceOrderResponse{
			Order:  orderView(result.Order),
			Trades: make([]*protocol.TradeView, 0, len(result.Trades)),
		}
		for _, t := range result.Trades {
			resp.Trades = append(resp.Trades, tradeView(t))
		}
		return e.success(resp)

	case protocol.CmdCancelOrder:
		req := &protocol.CancelOrderRequest{}
		if err := e.serializer.Unmarshal(cmd.Payload, req); err != nil {
			return e.failure(ErrNotFound)
		}
		order, err := e.CancelOrder(ctx, req.PairID, req.OrderID, req.UserID)
		if err != nil {
			return e.failure(err)
		}
		return e.success(&protocol.CancelOrderResponse{Order: orderView(order)})

	case protocol.CmdGetOrderBook:
		req := &protocol.OrderBookRequest{}
		if err := e.serializer.Unmarshal(cmd.Payload, req); err != nil {
			return e.failure(ErrNotFound)
		}
		depth, err := e.Depth(ctx, req.PairID, req.Limit)
		if err != nil {
			return e.failure(err)
		}
		return e.success(depthView(depth))

	case protocol.CmdGetTrades:
		req := &protocol.TradesRequest{}
		if err := e.serializer.Unmarshal(cmd.Payload, req); err != nil {
			return e.failure(ErrNotFound)
		}
		trades, err := e.Trades(req.PairID)
		if err != nil {
			return e.failure(err)
		}
		resp := &protocol.TradesResponse{Trades: make([]*protocol.TradeView, 0, len(trades))}
		for _, t := range trades {
			resp.Trades = append(resp.Trades, tradeView(t))
		}
		return e.success(resp)

	case protocol.CmdGetOrder:
		req := &protocol.GetOrderRequest{}
		if err := e.serializer.Unmarshal(cmd.Payload, req); err != nil {
			return e.failure(ErrNotFound)
		}
		order, err := e.GetOrder(ctx, req.OrderID)
		if err != nil {
			return e.failure(err)
		}
		return e.success(&protocol.GetOrderResponse{Order: orderView(order)})

	default:
		return e.failure(ErrNotFound)
	}
}
