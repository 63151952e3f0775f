package protocol

// Side represents the order side (Buy/Sell).
type Side int8

const (
	SideBuy  Side = 1
	SideSell Side = 2
)

// SideFromBool converts the wire representation (true = buy) used by the
// request payloads into a Side.
func SideFromBool(buy bool) Side {
	if buy {
		return SideBuy
	}
	return SideSell
}

// Bool returns the wire representation of the side.
func (s Side) Bool() bool {
	return s == SideBuy
}

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderStatus represents the lifecycle state of an order.
// Filled and Cancelled are terminal.
type OrderStatus string

const (
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled
}

// LogType represents the type of book event log.
type LogType string

const (
	LogTypeOpen   LogType = "open"
	LogTypeMatch  LogType = "match"
	LogTypeCancel LogType = "cancel"
	LogTypeReject LogType = "reject"
)

// RejectReason explains why an order (or its remainder) was discarded
// without entering the book.
type RejectReason string

const (
	RejectReasonNone      RejectReason = ""
	RejectReasonSelfTrade RejectReason = "self_trade"
)

// ErrorCode classifies a failed operation for the transport layer.
type ErrorCode string

const (
	ErrorCodeNone              ErrorCode = ""
	ErrorCodeInvalidOrder      ErrorCode = "invalid_order"
	ErrorCodeInvalidAmount     ErrorCode = "invalid_amount"
	ErrorCodeInsufficientFunds ErrorCode = "insufficient_funds"
	ErrorCodeNotFound          ErrorCode = "not_found"
	ErrorCodeNotOwner          ErrorCode = "not_owner"
	ErrorCodeAlreadyClosed     ErrorCode = "already_closed"
	ErrorCodeShutdown          ErrorCode = "shutting_down"
	ErrorCodeInternal          ErrorCode = "internal"
)

// BalanceView is the wire shape of a custody balance.
// Amounts are strings of integer smallest units to prevent precision
// loss in JSON.
type BalanceView struct {
	UserID    string `json:"user_id"`
	Token     string `json:"token"`
	Available string `json:"available"`
	Locked    string `json:"locked"`
}

// OrderView is the wire shape of an order.
type OrderView struct {
	ID        string      `json:"id"`
	UserID    string      `json:"user_id"`
	PairID    string      `json:"pair_id"`
	Side      bool        `json:"side"` // true = buy
	Price     string      `json:"price"`
	Amount    string      `json:"amount"`
	Remaining string      `json:"remaining"`
	Status    OrderStatus `json:"status"`
	Sequence  uint64      `json:"sequence"`
	CreatedAt int64       `json:"created_at"` // unix nano
}

// TradeView is the wire shape of an executed trade.
type TradeView struct {
	ID          uint64 `json:"id"`
	PairID      string `json:"pair_id"`
	BuyOrderID  string `json:"buy_order_id"`
	SellOrderID string `json:"sell_order_id"`
	Price       string `json:"price"`
	Amount      string `json:"amount"`
	CreatedAt   int64  `json:"created_at"` // unix nano
}

// DepthItem is one aggregated price level.
type DepthItem struct {
	Price string `json:"price"`
	Size  string `json:"size"`
	Count int64  `json:"count"`
}
