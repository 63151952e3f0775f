package exchange

import "errors"

var (
	// ErrInvalidOrder rejects orders with a non-positive or non-integer
	// price or amount, or an unknown pair.
	ErrInvalidOrder = errors.New("order price, amount, or pair is invalid")

	// ErrInvalidAmount rejects deposits and withdrawals whose amount is
	// not a positive integer of smallest units.
	ErrInvalidAmount = errors.New("amount must be a positive integer of smallest units")

	// ErrInsufficientFunds signals a reservation or withdrawal shortfall.
	ErrInsufficientFunds = errors.New("available balance is insufficient")

	// ErrNotFound signals an unknown order, pair, or user.
	ErrNotFound = errors.New("not found")

	// ErrNotOwner rejects a cancellation requested by a non-owner.
	ErrNotOwner = errors.New("order belongs to a different user")

	// ErrAlreadyClosed rejects a cancellation of a filled or cancelled order.
	ErrAlreadyClosed = errors.New("order is already filled or cancelled")

	// ErrInvariantViolation signals an internal accounting bug. It is the
	// only fatal error class: the book loop panics on it rather than
	// reporting it to the caller.
	ErrInvariantViolation = errors.New("ledger invariant violated")

	// ErrSequenceGap is returned by AggregatedBook.Apply when a book log
	// arrives out of order and the view must be rebuilt from a snapshot.
	ErrSequenceGap = errors.New("book log sequence gap detected")

	ErrShutdown = errors.New("exchange is shutting down")
	ErrTimeout  = errors.New("timeout")
)
