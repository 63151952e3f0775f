package exchange

import (
	"time"

	"github.com/clearbook/exchange/protocol"
	"github.com/shopspring/decimal"
)

const (
	// EngineVersion is the current version of the exchange engine
	EngineVersion = "v1.0.0"

	// SnapshotSchemaVersion is the current version of the snapshot schema
	// Increment this when the snapshot format changes in a backward-incompatible way
	SnapshotSchemaVersion = 1
)

type Side = protocol.Side

const (
	Buy  Side = protocol.SideBuy
	Sell Side = protocol.SideSell
)

type OrderStatus = protocol.OrderStatus

const (
	Open            OrderStatus = protocol.OrderStatusOpen
	PartiallyFilled OrderStatus = protocol.OrderStatusPartiallyFilled
	Filled          OrderStatus = protocol.OrderStatusFilled
	Cancelled       OrderStatus = protocol.OrderStatusCancelled
)

// Pair is the static configuration of a trading pair. Amounts are
// denominated in the base token, prices in quote smallest units per
// base smallest unit. Pairs are never mutated at runtime.
type Pair struct {
	ID    string `json:"id"`
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// Order represents the state of an order. While resting it is owned
// exclusively by its pair's order book; copies handed out through the
// API are detached.
//
// Price, Amount, and Remaining are integers in smallest token units.
// Sequence is assigned by the book on admission and breaks ties between
// orders at the same price.
type Order struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	PairID    string          `json:"pair_id"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Remaining decimal.Decimal `json:"remaining"`
	Status    OrderStatus     `json:"status"`
	Sequence  uint64          `json:"sequence"`
	Timestamp int64           `json:"timestamp"` // Unix nano, creation time

	// Intrusive linked list pointers for the price level FIFO (ignored by JSON)
	next *Order
	prev *Order
}

// fill consumes qty from the remaining amount and advances the status.
// Status becomes Filled exactly when Remaining reaches zero.
func (o *Order) fill(qty decimal.Decimal) {
	o.Remaining = o.Remaining.Sub(qty)
	if o.Remaining.IsZero() {
		o.Status = Filled
	} else {
		o.Status = PartiallyFilled
	}
}

// clone returns a detached copy safe to hand across the book boundary.
func (o *Order) clone() *Order {
	cpy := *o
	cpy.next = nil
	cpy.prev = nil
	return &cpy
}

// Trade is an immutable record of one fill. Price is always the resting
// (maker) order's price. ID is globally monotonic across all pairs.
type Trade struct {
	ID          uint64          `json:"id"`
	PairID      string          `json:"pair_id"`
	BuyOrderID  string          `json:"buy_order_id"`
	SellOrderID string          `json:"sell_order_id"`
	Price       decimal.Decimal `json:"price"`
	Amount      decimal.Decimal `json:"amount"`
	TakerSide   Side            `json:"taker_side"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Balance is a point-in-time view of one (user, token) custody entry.
type Balance struct {
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
}

// Total returns available + locked.
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Locked)
}

// DepthLevel is one aggregated price level of a depth snapshot.
type DepthLevel struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
	Count  int64           `json:"count"`
}

// Depth is a point-in-time aggregated view of one order book. UpdateID
// is the book's event sequence at capture time.
type Depth struct {
	PairID   string        `json:"pair_id"`
	UpdateID uint64        `json:"update_id"`
	Bids     []*DepthLevel `json:"bids"`
	Asks     []*DepthLevel `json:"asks"`
}

// isUnits reports whether d is a valid smallest-unit quantity: a
// strictly positive integer. All external amounts and prices must pass
// this check before they reach the ledger or a book.
func isUnits(d decimal.Decimal) bool {
	return d.IsPositive() && d.IsInteger()
}
