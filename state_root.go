package exchange

import (
	"encoding/hex"
	"sort"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/sha3"
)

// encodeStateRoot renders a root digest as lowercase hex for logs and
// snapshot metadata.
func encodeStateRoot(root [32]byte) string {
	return hex.EncodeToString(root[:])
}

// TokenBalance is one token's custody amounts inside an account snapshot.
type TokenBalance struct {
	Token     string          `json:"token"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
}

// AccountSnapshot is the serializable custody state of one user, with
// balances sorted by token for deterministic hashing.
type AccountSnapshot struct {
	UserID   string         `json:"user_id"`
	Balances []TokenBalance `json:"balances"`
}

// Accounts returns a snapshot of every account, sorted by user ID with
// balances sorted by token. The snapshot is consistent per entry; for a
// globally exact capture, quiesce mutators first (the snapshot engine
// does this by draining the books).
func (l *Ledger) Accounts() []AccountSnapshot {
	l.mu.RLock()
	keys := make([]balanceKey, 0, len(l.entries))
	for k := range l.entries {
		keys = append(keys, k)
	}
	l.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })

	accounts := make([]AccountSnapshot, 0)
	for _, k := range keys {
		b := l.BalanceOf(k.userID, k.token)
		if len(accounts) == 0 || accounts[len(accounts)-1].UserID != k.userID {
			accounts = append(accounts, AccountSnapshot{UserID: k.userID})
		}
		acc := &accounts[len(accounts)-1]
		acc.Balances = append(acc.Balances, TokenBalance{
			Token:     k.token,
			Available: b.Available,
			Locked:    b.Locked,
		})
	}
	return accounts
}

// hash returns the SHA3-256 digest of the account: user ID followed by
// each token's name and amounts in sorted token order.
func (a AccountSnapshot) hash() [32]byte {
	h := sha3.New256()
	h.Write([]byte(a.UserID))
	for _, tb := range a.Balances {
		h.Write([]byte(tb.Token))
		h.Write([]byte(tb.Available.String()))
		h.Write([]byte(tb.Locked.String()))
	}

	var out [32]byte
	h.Sum(out[:0])
	return out
}

// StateRoot computes a SHA3-256 merkle root over all account snapshots.
// Leaves are per-account hashes in user ID order; an odd node at any
// level is paired with itself. Returns false when the ledger is empty.
//
// The root lets settlement layers above the engine commit to the full
// custody state with a single digest.
func (l *Ledger) StateRoot() ([32]byte, bool) {
	accounts := l.Accounts()
	if len(accounts) == 0 {
		return [32]byte{}, false
	}

	level := make([][32]byte, 0, len(accounts))
	for _, acc := range accounts {
		level = append(level, acc.hash())
	}

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][32]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			h := sha3.New256()
			h.Write(level[i][:])
			h.Write(level[i+1][:])
			var node [32]byte
			h.Sum(node[:0])
			next = append(next, node)
		}
		level = next
	}

	return level[0], true
}
