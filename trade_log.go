package exchange

import "sync"

// TradePublisher receives executed trades in execution order.
// Implementations must not retain the slice; the Trade values
// themselves are immutable once published.
type TradePublisher interface {
	PublishTrades(trades ...*Trade)
}

// TradeStore is a TradePublisher that also serves trade history
// queries, oldest first.
type TradeStore interface {
	TradePublisher

	// Trades returns the recorded trades oldest first. An empty pairID
	// returns all pairs.
	Trades(pairID string) []*Trade
}

// MemoryTradeStore keeps the append-only trade log in memory. It is the
// default store of the exchange facade.
type MemoryTradeStore struct {
	mu     sync.RWMutex
	trades []*Trade
}

// NewMemoryTradeStore creates a new MemoryTradeStore.
func NewMemoryTradeStore() *MemoryTradeStore {
	return &MemoryTradeStore{
		trades: make([]*Trade, 0),
	}
}

// PublishTrades records trades in trade ID order. Each book publishes
// its trades in ascending ID order, but books for different pairs can
// interleave, so insertion walks back from the tail to keep the log
// oldest first.
func (m *MemoryTradeStore) PublishTrades(trades ...*Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range trades {
		i := len(m.trades)
		for i > 0 && m.trades[i-1].ID > t.ID {
			i--
		}
		m.trades = append(m.trades, nil)
		copy(m.trades[i+1:], m.trades[i:])
		m.trades[i] = t
	}
}

// Count returns the number of recorded trades.
func (m *MemoryTradeStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.trades)
}

// Get returns the trade at the specified index.
func (m *MemoryTradeStore) Get(index int) *Trade {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.trades[index]
}

// Trades returns recorded trades oldest first, optionally filtered by
// pair.
func (m *MemoryTradeStore) Trades(pairID string) []*Trade {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Trade, 0, len(m.trades))
	for _, t := range m.trades {
		if pairID == "" || t.PairID == pairID {
			result = append(result, t)
		}
	}
	return result
}

// DiscardTradePublisher drops all trades, useful for benchmarking.
type DiscardTradePublisher struct{}

// NewDiscardTradePublisher creates a new DiscardTradePublisher.
func NewDiscardTradePublisher() *DiscardTradePublisher {
	return &DiscardTradePublisher{}
}

// PublishTrades does nothing.
func (p *DiscardTradePublisher) PublishTrades(trades ...*Trade) {
}

// DiscardTradeStore drops all trades and serves empty history, useful
// for benchmarking the matching path without log growth.
type DiscardTradeStore struct {
	DiscardTradePublisher
}

// NewDiscardTradeStore creates a new DiscardTradeStore.
func NewDiscardTradeStore() *DiscardTradeStore {
	return &DiscardTradeStore{}
}

// Trades always returns an empty log.
func (p *DiscardTradeStore) Trades(pairID string) []*Trade {
	return nil
}
