package exchange

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

type balanceKey struct {
	userID string
	token  string
}

func (k balanceKey) less(other balanceKey) bool {
	if k.userID != other.userID {
		return k.userID < other.userID
	}
	return k.token < other.token
}

// balanceEntry is one (user, token) custody record. The entry mutex
// guards both amounts; multi-entry operations take entry locks in
// deterministic key order.
type balanceEntry struct {
	mu        sync.Mutex
	available decimal.Decimal
	locked    decimal.Decimal
}

// Ledger owns every custody balance of the exchange. All mutations are
// atomic per entry, so books for different pairs can reserve and settle
// concurrently without coordinating with each other.
//
// Conservation invariant: for each token, the sum of available+locked
// over all users changes only through Deposit and Withdraw. Reserve,
// Release, and Settle only move funds between states or owners.
type Ledger struct {
	mu      sync.RWMutex
	entries map[balanceKey]*balanceEntry
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		entries: make(map[balanceKey]*balanceEntry),
	}
}

// entry returns the balance entry for (userID, token), creating it on
// first touch. Reads take the shared lock; the slow path re-checks
// under the exclusive lock.
func (l *Ledger) entry(userID, token string) *balanceEntry {
	key := balanceKey{userID: userID, token: token}

	l.mu.RLock()
	e, ok := l.entries[key]
	l.mu.RUnlock()
	if ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok = l.entries[key]; ok {
		return e
	}
	e = &balanceEntry{
		available: decimal.Zero,
		locked:    decimal.Zero,
	}
	l.entries[key] = e
	return e
}

// lookup returns the entry without creating it.
func (l *Ledger) lookup(userID, token string) (*balanceEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[balanceKey{userID: userID, token: token}]
	return e, ok
}

// Deposit credits amount to the user's available balance. Amount must
// be a positive integer of smallest units.
func (l *Ledger) Deposit(userID, token string, amount decimal.Decimal) (Balance, error) {
	if userID == "" || token == "" || !isUnits(amount) {
		return Balance{}, ErrInvalidAmount
	}

	e := l.entry(userID, token)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.available = e.available.Add(amount)
	return Balance{Available: e.available, Locked: e.locked}, nil
}

// Withdraw debits amount from the user's available balance. Locked
// funds are never eligible for withdrawal.
func (l *Ledger) Withdraw(userID, token string, amount decimal.Decimal) (Balance, error) {
	if userID == "" || token == "" || !isUnits(amount) {
		return Balance{}, ErrInvalidAmount
	}

	e := l.entry(userID, token)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.available.LessThan(amount) {
		return Balance{Available: e.available, Locked: e.locked}, ErrInsufficientFunds
	}
	e.available = e.available.Sub(amount)
	return Balance{Available: e.available, Locked: e.locked}, nil
}

// Reserve moves amount from available to locked, failing with
// ErrInsufficientFunds if available is short. Amount must be a positive
// integer of smallest units. Used when admitting an order: buy orders
// reserve quote (amount x price), sell orders reserve base (amount).
func (l *Ledger) Reserve(userID, token string, amount decimal.Decimal) error {
	if userID == "" || token == "" || !isUnits(amount) {
		return ErrInvalidAmount
	}

	e := l.entry(userID, token)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.available.LessThan(amount) {
		return ErrInsufficientFunds
	}
	e.available = e.available.Sub(amount)
	e.locked = e.locked.Add(amount)
	return nil
}

// Release moves amount from locked back to available. Amount must be a
// positive integer of smallest units. A shortfall in locked funds means
// reservation accounting is broken and is reported as
// ErrInvariantViolation.
func (l *Ledger) Release(userID, token string, amount decimal.Decimal) error {
	if userID == "" || token == "" || !isUnits(amount) {
		return ErrInvalidAmount
	}

	e := l.entry(userID, token)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.locked.LessThan(amount) {
		return fmt.Errorf("release %s %s for user %s exceeds locked balance %s: %w",
			amount, token, userID, e.locked, ErrInvariantViolation)
	}
	e.locked = e.locked.Sub(amount)
	e.available = e.available.Add(amount)
	return nil
}

// Settle moves amount out of the payer's locked balance into the
// payee's available balance. A locked shortfall must never occur under
// correct reservation accounting and is reported as
// ErrInvariantViolation, never as a user-facing error.
func (l *Ledger) Settle(payerID, payeeID, token string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}

	payer := l.entry(payerID, token)
	payee := l.entry(payeeID, token)

	if payer == payee {
		// Self trade: funds move from the user's own locked balance back
		// to their available balance.
		payer.mu.Lock()
		defer payer.mu.Unlock()
	} else {
		// Lock both entries in deterministic key order to stay
		// deadlock-free under concurrent settlement from multiple books.
		payerKey := balanceKey{userID: payerID, token: token}
		payeeKey := balanceKey{userID: payeeID, token: token}
		if payerKey.less(payeeKey) {
			payer.mu.Lock()
			payee.mu.Lock()
		} else {
			payee.mu.Lock()
			payer.mu.Lock()
		}
		defer payer.mu.Unlock()
		defer payee.mu.Unlock()
	}

	if payer.locked.LessThan(amount) {
		return fmt.Errorf("settle %s %s from user %s exceeds locked balance %s: %w",
			amount, token, payerID, payer.locked, ErrInvariantViolation)
	}
	payer.locked = payer.locked.Sub(amount)
	payee.available = payee.available.Add(amount)
	return nil
}

// BalanceOf returns the balance for (userID, token). Unknown entries
// read as zero.
func (l *Ledger) BalanceOf(userID, token string) Balance {
	e, ok := l.lookup(userID, token)
	if !ok {
		return Balance{Available: decimal.Zero, Locked: decimal.Zero}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return Balance{Available: e.available, Locked: e.locked}
}

// TotalSupply returns the sum of available+locked over all users for a
// token. Intended for conservation checks and audits; the sum is
// consistent only when mutators are quiesced.
func (l *Ledger) TotalSupply(token string) decimal.Decimal {
	l.mu.RLock()
	keys := make([]balanceKey, 0, len(l.entries))
	for k := range l.entries {
		if k.token == token {
			keys = append(keys, k)
		}
	}
	l.mu.RUnlock()

	total := decimal.Zero
	for _, k := range keys {
		b := l.BalanceOf(k.userID, k.token)
		total = total.Add(b.Total())
	}
	return total
}

// restore replaces the ledger contents with the given account
// snapshots. Only called while no books are mutating.
func (l *Ledger) restore(accounts []AccountSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = make(map[balanceKey]*balanceEntry, len(accounts))
	for _, acc := range accounts {
		for _, tb := range acc.Balances {
			l.entries[balanceKey{userID: acc.UserID, token: tb.Token}] = &balanceEntry{
				available: tb.Available,
				locked:    tb.Locked,
			}
		}
	}
}
