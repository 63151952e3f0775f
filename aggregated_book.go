package exchange

import (
	"fmt"
	"sync/atomic"

	"github.com/igrmk/treemap/v2"
	"github.com/shopspring/decimal"
)

// DepthChange describes how a single BookLog event moves the aggregated
// depth: which side, which price level, and the signed size delta.
type DepthChange struct {
	Side     Side
	Price    decimal.Decimal
	SizeDiff decimal.Decimal
}

// CalculateDepthChange maps a book log event onto a depth delta.
// For Match events the returned side is the maker's side, the opposite
// of the log's taker side, because a match consumes resting liquidity.
func CalculateDepthChange(log *BookLog) DepthChange {
	switch log.Type {
	case LogTypeOpen:
		return DepthChange{
			Side:     log.Side,
			Price:    log.Price,
			SizeDiff: log.Amount,
		}
	case LogTypeCancel:
		return DepthChange{
			Side:     log.Side,
			Price:    log.Price,
			SizeDiff: log.Amount.Neg(),
		}
	case LogTypeMatch:
		return DepthChange{
			Side:     log.Side.Opposite(),
			Price:    log.Price,
			SizeDiff: log.Amount.Neg(),
		}
	case LogTypeReject:
		// Rejected orders never entered the book, so no depth change.
		return DepthChange{}
	}

	return DepthChange{}
}

// AggregatedBook maintains a simplified view of one order book,
// tracking only price levels and their aggregated sizes. It is designed
// for downstream services that rebuild book state from BookLog events
// received off a message queue: seed it with Reset from a depth
// snapshot, then feed it every event with Apply.
type AggregatedBook struct {
	seqID atomic.Uint64 // Last processed SequenceID for gap detection and deduplication
	ask   *treemap.TreeMap[decimal.Decimal, decimal.Decimal]
	bid   *treemap.TreeMap[decimal.Decimal, decimal.Decimal]
}

// NewAggregatedBook creates an empty aggregated book.
func NewAggregatedBook() *AggregatedBook {
	return &AggregatedBook{
		ask: treemap.NewWithKeyCompare[decimal.Decimal, decimal.Decimal](func(a, b decimal.Decimal) bool {
			return a.LessThan(b)
		}),
		bid: treemap.NewWithKeyCompare[decimal.Decimal, decimal.Decimal](func(a, b decimal.Decimal) bool {
			return a.LessThan(b)
		}),
	}
}

// SequenceID returns the last processed sequence ID. Used for
// synchronization and gap detection during rebuild.
func (ab *AggregatedBook) SequenceID() uint64 {
	return ab.seqID.Load()
}

// Reset reinitializes the book from a depth snapshot. Events replayed
// after Reset must start at the snapshot's UpdateID plus one.
func (ab *AggregatedBook) Reset(depth *Depth) {
	ab.ask.Clear()
	ab.bid.Clear()
	for _, lvl := range depth.Asks {
		ab.ask.Set(lvl.Price, lvl.Amount)
	}
	for _, lvl := range depth.Bids {
		ab.bid.Set(lvl.Price, lvl.Amount)
	}
	ab.seqID.Store(depth.UpdateID)
}

func (ab *AggregatedBook) side(side Side) *treemap.TreeMap[decimal.Decimal, decimal.Decimal] {
	if side == Buy {
		return ab.bid
	}
	return ab.ask
}

// Apply updates the book with one BookLog event. Events at or below the
// current sequence ID are duplicates and ignored; an event that skips
// ahead returns ErrSequenceGap, and the caller should resynchronize
// from a fresh snapshot.
func (ab *AggregatedBook) Apply(log *BookLog) error {
	current := ab.seqID.Load()
	if log.SequenceID <= current {
		return nil
	}
	if log.SequenceID > current+1 {
		return fmt.Errorf("%w: have %d, got %d", ErrSequenceGap, current, log.SequenceID)
	}

	change := CalculateDepthChange(log)
	if !change.SizeDiff.IsZero() {
		levels := ab.side(change.Side)
		size, ok := levels.Get(change.Price)
		if !ok {
			size = decimal.Zero
		}
		size = size.Add(change.SizeDiff)
		if size.IsPositive() {
			levels.Set(change.Price, size)
		} else {
			levels.Del(change.Price)
		}
	}

	ab.seqID.Store(log.SequenceID)
	return nil
}

// Depth returns the aggregated size at a specific price level for the
// given side, or zero if the level does not exist.
func (ab *AggregatedBook) Depth(side Side, price decimal.Decimal) decimal.Decimal {
	size, ok := ab.side(side).Get(price)
	if !ok {
		return decimal.Zero
	}
	return size
}

// Top returns up to limit best levels for the side, best price first.
// limit <= 0 returns every level. The aggregated view tracks sizes
// only, so Count is always zero.
func (ab *AggregatedBook) Top(side Side, limit int) []*DepthLevel {
	levels := ab.side(side)
	out := make([]*DepthLevel, 0, levels.Len())

	appendLevel := func(price, size decimal.Decimal) bool {
		out = append(out, &DepthLevel{Price: price, Amount: size})
		return limit <= 0 || len(out) < limit
	}

	if side == Buy {
		for it := levels.Reverse(); it.Valid(); it.Next() {
			if !appendLevel(it.Key(), it.Value()) {
				break
			}
		}
	} else {
		for it := levels.Iterator(); it.Valid(); it.Next() {
			if !appendLevel(it.Key(), it.Value()) {
				break
			}
		}
	}

	return out
}
