package exchange

import (
	"github.com/huandu/skiplist"
	"github.com/shopspring/decimal"
)

// priceLevel is the FIFO of resting orders at one price. The intrusive
// linked list preserves arrival order; totalAmount aggregates the
// remaining amounts for depth queries.
type priceLevel struct {
	totalAmount decimal.Decimal
	head        *Order
	tail        *Order
	count       int64
}

// queue is one side of an order book: price levels held in a skip list
// (bids descending, asks ascending) with maps for O(1) access to a
// level by price or an order by ID. An order in the queue is always
// Open or PartiallyFilled.
type queue struct {
	side        Side
	totalOrders int64
	levels      *skiplist.SkipList
	levelIndex  map[string]*skiplist.Element
	orders      map[string]*Order
}

func newQueue(side Side) *queue {
	return &queue{
		side: side,
		levels: skiplist.New(skiplist.GreaterThanFunc(func(lhs, rhs any) int {
			d1, _ := lhs.(decimal.Decimal)
			d2, _ := rhs.(decimal.Decimal)

			cmp := d1.Cmp(d2)
			if side == Buy {
				// Bids: highest price first.
				return -cmp
			}
			return cmp
		})),
		levelIndex: make(map[string]*skiplist.Element),
		orders:     make(map[string]*Order),
	}
}

// newBidQueue creates the buy side, sorted by price descending.
func newBidQueue() *queue {
	return newQueue(Buy)
}

// newAskQueue creates the sell side, sorted by price ascending.
func newAskQueue() *queue {
	return newQueue(Sell)
}

// order finds a resting order by its ID.
func (q *queue) order(id string) *Order {
	return q.orders[id]
}

// insert appends an order to the FIFO of its price level, creating the
// level if needed. Arrival order within a level is never reordered, so
// price-then-sequence priority holds by construction.
func (q *queue) insert(order *Order) {
	priceKey := order.Price.String()

	el, ok := q.levelIndex[priceKey]
	if ok {
		level, _ := el.Value.(*priceLevel)
		order.prev = level.tail
		order.next = nil
		if level.tail != nil {
			level.tail.next = order
		}
		level.tail = order
		if level.head == nil {
			level.head = order
		}

		level.totalAmount = level.totalAmount.Add(order.Remaining)
		level.count++
	} else {
		level := &priceLevel{
			head:        order,
			tail:        order,
			totalAmount: order.Remaining,
			count:       1,
		}
		order.next = nil
		order.prev = nil

		el := q.levels.Set(order.Price, level)
		q.levelIndex[priceKey] = el
	}

	q.orders[order.ID] = order
	q.totalOrders++
}

// remove extracts an order by ID regardless of its position. Returns
// false if the order is not resting (already filled or cancelled).
func (q *queue) remove(id string) bool {
	order, ok := q.orders[id]
	if !ok {
		return false
	}

	priceKey := order.Price.String()
	el, ok := q.levelIndex[priceKey]
	if !ok {
		return false
	}
	level, _ := el.Value.(*priceLevel)

	if order.prev != nil {
		order.prev.next = order.next
	} else {
		level.head = order.next
	}
	if order.next != nil {
		order.next.prev = order.prev
	} else {
		level.tail = order.prev
	}
	order.next = nil
	order.prev = nil

	level.totalAmount = level.totalAmount.Sub(order.Remaining)
	level.count--
	delete(q.orders, id)
	q.totalOrders--

	if level.count == 0 {
		q.levels.RemoveElement(el)
		delete(q.levelIndex, priceKey)
	}

	return true
}

// reduce consumes qty from a resting order in place, keeping its
// priority and the level aggregate in sync. The caller removes the
// order once its remaining amount reaches zero.
func (q *queue) reduce(id string, qty decimal.Decimal) {
	order, ok := q.orders[id]
	if !ok {
		return
	}

	if el, ok := q.levelIndex[order.Price.String()]; ok {
		level, _ := el.Value.(*priceLevel)
		level.totalAmount = level.totalAmount.Sub(qty)
	}
	order.fill(qty)
}

// peek returns the highest-priority resting order (lowest ask / highest
// bid) without removing it, or nil if the side is empty.
func (q *queue) peek() *Order {
	el := q.levels.Front()
	if el == nil {
		return nil
	}

	level, _ := el.Value.(*priceLevel)
	return level.head
}

// orderCount returns the total number of resting orders.
func (q *queue) orderCount() int64 {
	return q.totalOrders
}

// levelCount returns the number of price levels.
func (q *queue) levelCount() int64 {
	return int64(q.levels.Len())
}

// depth returns up to limit aggregated price levels in priority order.
// A limit of zero means all levels.
func (q *queue) depth(limit uint32) []*DepthLevel {
	result := make([]*DepthLevel, 0, q.levels.Len())

	el := q.levels.Front()
	var i uint32
	for el != nil && (limit == 0 || i < limit) {
		level, _ := el.Value.(*priceLevel)
		result = append(result, &DepthLevel{
			Price:  level.head.Price,
			Amount: level.totalAmount,
			Count:  level.count,
		})

		el = el.Next()
		i++
	}

	return result
}

// toSnapshot serializes the side into detached order copies, iterating
// price levels and then each level's FIFO to preserve priority.
func (q *queue) toSnapshot() []Order {
	snapshots := make([]Order, 0, q.totalOrders)

	el := q.levels.Front()
	for el != nil {
		level, _ := el.Value.(*priceLevel)

		order := level.head
		for order != nil {
			snapshots = append(snapshots, *order.clone())
			order = order.next
		}

		el = el.Next()
	}

	return snapshots
}
