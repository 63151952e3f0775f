package protocol

// CommandType defines the type of the command (using uint8 for memory alignment and performance)
type CommandType uint8

// Command Type Numbering Strategy:
// - 0-50:  Custody Commands (balance mutations and queries)
// - 51+:   Trading Commands (order flow hot path)
const (
	CmdUnknown    CommandType = 0
	CmdDeposit    CommandType = 1
	CmdWithdraw   CommandType = 2
	CmdGetBalance CommandType = 3

	CmdPlaceOrder   CommandType = 51
	CmdCancelOrder  CommandType = 52
	CmdGetOrderBook CommandType = 53
	CmdGetTrades    CommandType = 54
	CmdGetOrder     CommandType = 55
)

// Command is the standard carrier for requests entering the exchange.
// It is designed to be efficient for serialization and compatible with
// event sourcing: the payload stays opaque until routed.
type Command struct {
	// Version is the protocol version for backward compatibility.
	Version uint8 `json:"version"`

	// SeqID is used for global ordering and deduplication.
	SeqID uint64 `json:"seq_id"`

	// Type identifies the payload type for fast routing.
	Type CommandType `json:"type"`

	// Payload contains the serialized business data (e.g. JSON bytes of PlaceOrderRequest).
	Payload []byte `json:"payload"`

	// Metadata stores non-business context (e.g. tracing ID, source IP).
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Reply is the uniform response envelope returned for a Command.
// Payload holds the serialized operation result when Success is true.
type Reply struct {
	Success bool      `json:"success"`
	Code    ErrorCode `json:"code,omitempty"`
	Error   string    `json:"error,omitempty"`
	Payload []byte    `json:"payload,omitempty"`
}

// DepositRequest credits a user's available balance.
// Amount is a string of integer smallest units.
type DepositRequest struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

// WithdrawRequest debits a user's available balance.
type WithdrawRequest struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

// BalanceRequest queries a user's balance for one token.
type BalanceRequest struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

// PlaceOrderRequest submits a limit order. Side uses the wire
// convention true = buy.
type PlaceOrderRequest struct {
	UserID string `json:"user_id"`
	PairID string `json:"pair_id"`
	Amount string `json:"amount"`
	Price  string `json:"price"`
	Side   bool   `json:"side"`
}

// PlaceOrderResponse carries the final order state and the trades the
// placement generated (possibly none).
type PlaceOrderResponse struct {
	Order  *OrderView   `json:"order"`
	Trades []*TradeView `json:"trades"`
}

// CancelOrderRequest cancels a resting order. UserID must match the
// order's owner.
type CancelOrderRequest struct {
	UserID  string `json:"user_id"`
	PairID  string `json:"pair_id"`
	OrderID string `json:"order_id"`
}

// CancelOrderResponse returns the cancelled order.
type CancelOrderResponse struct {
	Order *OrderView `json:"order"`
}

// OrderBookRequest queries the aggregated depth of one pair.
// Limit of zero means all levels.
type OrderBookRequest struct {
	PairID string `json:"pair_id"`
	Limit  uint32 `json:"limit,omitempty"`
}

// OrderBookResponse is a point-in-time depth snapshot.
type OrderBookResponse struct {
	PairID   string       `json:"pair_id"`
	UpdateID uint64       `json:"update_id"`
	Bids     []*DepthItem `json:"bids"`
	Asks     []*DepthItem `json:"asks"`
}

// TradesRequest queries trade history, oldest first. PairID is an
// optional filter.
type TradesRequest struct {
	PairID string `json:"pair_id,omitempty"`
}

// TradesResponse lists trades in execution order.
type TradesResponse struct {
	Trades []*TradeView `json:"trades"`
}

// GetOrderRequest queries the state of a single order by ID.
type GetOrderRequest struct {
	OrderID string `json:"order_id"`
}

// GetOrderResponse returns the current order state.
type GetOrderResponse struct {
	Order *OrderView `json:"order"`
}
