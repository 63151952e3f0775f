// Package journal persists executed trades to a local pebble database.
// It implements exchange.TradePublisher, so a journal can be plugged
// into an exchange with WithTradePublisher and replayed on restart to
// rebuild downstream state.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/clearbook/exchange"
)

var tradePrefix = []byte("t:")

// tradeKey is the prefix plus the big endian trade ID, so iteration
// order equals execution order.
func tradeKey(id uint64) []byte {
	key := make([]byte, len(tradePrefix)+8)
	copy(key, tradePrefix)
	binary.BigEndian.PutUint64(key[len(tradePrefix):], id)
	return key
}

func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// TradeJournal is an append-only trade log backed by pebble.
type TradeJournal struct {
	db *pebble.DB
}

// Open opens or creates a journal at path.
func Open(path string) (*TradeJournal, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &TradeJournal{db: db}, nil
}

// Close flushes and closes the underlying database.
func (j *TradeJournal) Close() error { return j.db.Close() }

// PublishTrades appends trades in one synced batch. Trade IDs are
// assigned by the engine and strictly increasing, so keys never
// collide. A storage failure here means executed trades would be lost,
// which the engine cannot tolerate, so it panics.
func (j *TradeJournal) PublishTrades(trades ...*exchange.Trade) {
	if len(trades) == 0 {
		return
	}

	batch := j.db.NewBatch()
	defer batch.Close()

	for _, trade := range trades {
		data, err := json.Marshal(trade)
		if err != nil {
			panic(fmt.Errorf("encode trade %d: %w", trade.ID, err))
		}
		if err := batch.Set(tradeKey(trade.ID), data, nil); err != nil {
			panic(fmt.Errorf("journal trade %d: %w", trade.ID, err))
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		panic(fmt.Errorf("commit trade batch: %w", err))
	}
}

// Replay streams every journaled trade in execution order. Iteration
// stops when fn returns false.
func (j *TradeJournal) Replay(fn func(*exchange.Trade) bool) error {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: tradePrefix,
		UpperBound: keyUpperBound(tradePrefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var trade exchange.Trade
		if err := json.Unmarshal(iter.Value(), &trade); err != nil {
			return fmt.Errorf("decode trade at %x: %w", iter.Key(), err)
		}
		if !fn(&trade) {
			break
		}
	}
	return iter.Error()
}

// LastTradeID returns the highest journaled trade ID, or zero when the
// journal is empty. Used to position replay after a restart.
func (j *TradeJournal) LastTradeID() (uint64, error) {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: tradePrefix,
		UpperBound: keyUpperBound(tradePrefix),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, iter.Error()
	}
	key := iter.Key()
	return binary.BigEndian.Uint64(key[len(tradePrefix):]), nil
}

var _ exchange.TradePublisher = (*TradeJournal)(nil)
