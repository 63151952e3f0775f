package exchange

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// SelfTradePolicy controls what happens when an incoming order would
// match a resting order of the same user.
type SelfTradePolicy int

const (
	// SelfTradeAllow executes the match normally. Funds move between the
	// user's own balances, so conservation holds either way.
	SelfTradeAllow SelfTradePolicy = iota

	// SelfTradeCancelTaker stops matching and discards the incoming
	// order's remainder, releasing its reservation.
	SelfTradeCancelTaker

	// SelfTradeCancelMaker cancels the resting order and keeps matching.
	SelfTradeCancelMaker
)

type bookCmdType int

const (
	cmdPlace bookCmdType = iota
	cmdCancel
	cmdDepth
	cmdGetOrder
	cmdStats
	cmdSnapshot
	cmdRestore
)

type cancelRequest struct {
	orderID string
	userID  string
}

// bookCommand is the unified command sent to the order book loop.
// resp is buffered with capacity 1 so the loop never blocks on reply.
type bookCommand struct {
	kind    bookCmdType
	order   *Order
	cancel  *cancelRequest
	orderID string
	limit   uint32
	snap    *OrderBookSnapshot
	resp    chan bookReply
}

type bookReply struct {
	result any
	err    error
}

// PlaceResult is the outcome of one order placement: the final order
// state and the trades the placement generated, in execution order.
type PlaceResult struct {
	Order  *Order
	Trades []*Trade
}

// BookStats contains statistics about the order book queues
type BookStats struct {
	AskLevelCount int64
	AskOrderCount int64
	BidLevelCount int64
	BidOrderCount int64
}

// OrderBook is the matching venue for one trading pair. A single
// goroutine (Start) owns all book state and applies commands in arrival
// order, which serializes every mutating operation on the pair. Fund
// movements go through the shared Ledger, whose per-entry locking makes
// settlement safe against books of other pairs.
type OrderBook struct {
	pair   Pair
	ledger *Ledger

	seqID    atomic.Uint64  // Increasing sequence ID for BookLog production
	orderSeq atomic.Uint64  // Arrival sequence, the tie-break within a price level
	tradeSeq *atomic.Uint64 // Global trade ID counter, owned by the facade

	isShutdown       atomic.Bool
	bids             *queue
	asks             *queue
	orders           map[string]*Order // every order admitted to this book, terminal included
	cmdChan          chan bookCommand
	done             chan struct{}
	shutdownComplete chan struct{}

	publisher PublishLog
	trades    TradePublisher
	selfTrade SelfTradePolicy
}

// OrderBookOption configures an OrderBook at construction.
type OrderBookOption func(*OrderBook)

// WithSelfTradePolicy sets the self-trade handling policy. The default
// is SelfTradeAllow, matching the observed behavior of the system.
func WithSelfTradePolicy(p SelfTradePolicy) OrderBookOption {
	return func(book *OrderBook) {
		book.selfTrade = p
	}
}

// WithCommandBuffer sets the capacity of the command channel.
func WithCommandBuffer(n int) OrderBookOption {
	return func(book *OrderBook) {
		book.cmdChan = make(chan bookCommand, n)
	}
}

// NewOrderBook creates a new order book for the pair. tradeSeq is the
// facade's global trade ID counter; publisher receives every book
// event and trades receives every executed trade. Trades are published
// from inside the book loop, so sinks observe them in execution order.
func NewOrderBook(pair Pair, ledger *Ledger, tradeSeq *atomic.Uint64, publisher PublishLog, trades TradePublisher, opts ...OrderBookOption) *OrderBook {
	book := &OrderBook{
		pair:             pair,
		ledger:           ledger,
		tradeSeq:         tradeSeq,
		bids:             newBidQueue(),
		asks:             newAskQueue(),
		orders:           make(map[string]*Order),
		cmdChan:          make(chan bookCommand, 32768),
		done:             make(chan struct{}),
		shutdownComplete: make(chan struct{}),
		publisher:        publisher,
		trades:           trades,
		selfTrade:        SelfTradeAllow,
	}

	for _, opt := range opts {
		opt(book)
	}

	return book
}

// Pair returns the book's static pair configuration.
func (book *OrderBook) Pair() Pair {
	return book.pair
}

// submit enqueues a command and waits for the loop's reply. The reply
// channel is buffered, so a reply is never lost: if shutdownComplete
// fires first, a final non-blocking read tells whether the command was
// processed before the drain finished.
func (book *OrderBook) submit(ctx context.Context, cmd bookCommand) (bookReply, error) {
	if book.isShutdown.Load() {
		return bookReply{}, ErrShutdown
	}

	select {
	case book.cmdChan <- cmd:
	case <-ctx.Done():
		return bookReply{}, ErrTimeout
	case <-book.done:
		return bookReply{}, ErrShutdown
	}

	select {
	case r := <-cmd.resp:
		return r, nil
	case <-book.shutdownComplete:
		select {
		case r := <-cmd.resp:
			return r, nil
		default:
			return bookReply{}, ErrShutdown
		}
	}
}

// PlaceOrder submits an order to the book and waits for the matching
// outcome. The order's reservation must already be held; the book
// settles fills and releases price improvements against that
// reservation. Once the command is accepted it runs to completion even
// if ctx expires.
func (book *OrderBook) PlaceOrder(ctx context.Context, order *Order) (*PlaceResult, error) {
	cmd := bookCommand{kind: cmdPlace, order: order, resp: make(chan bookReply, 1)}
	r, err := book.submit(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if r.err != nil {
		return nil, r.err
	}
	result, _ := r.result.(*PlaceResult)
	return result, nil
}

// CancelOrder removes a resting order, releasing exactly the locked
// funds backing its remaining amount. Fails with ErrNotFound,
// ErrNotOwner, or ErrAlreadyClosed.
func (book *OrderBook) CancelOrder(ctx context.Context, orderID, userID string) (*Order, error) {
	cmd := bookCommand{kind: cmdCancel, cancel: &cancelRequest{orderID: orderID, userID: userID}, resp: make(chan bookReply, 1)}
	r, err := book.submit(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if r.err != nil {
		return nil, r.err
	}
	order, _ := r.result.(*Order)
	return order, nil
}

// Depth returns a point-in-time aggregated snapshot of the book up to
// limit levels per side. A limit of zero means all levels.
func (book *OrderBook) Depth(ctx context.Context, limit uint32) (*Depth, error) {
	cmd := bookCommand{kind: cmdDepth, limit: limit, resp: make(chan bookReply, 1)}
	r, err := book.submit(ctx, cmd)
	if err != nil {
		return nil, err
	}
	depth, _ := r.result.(*Depth)
	return depth, nil
}

// GetOrder returns the current state of an order this book has seen,
// including terminal ones.
func (book *OrderBook) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	cmd := bookCommand{kind: cmdGetOrder, orderID: orderID, resp: make(chan bookReply, 1)}
	r, err := book.submit(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if r.err != nil {
		return nil, r.err
	}
	order, _ := r.result.(*Order)
	return order, nil
}

// Stats returns usage statistics for the order book.
func (book *OrderBook) Stats(ctx context.Context) (*BookStats, error) {
	cmd := bookCommand{kind: cmdStats, resp: make(chan bookReply, 1)}
	r, err := book.submit(ctx, cmd)
	if err != nil {
		return nil, err
	}
	stats, _ := r.result.(*BookStats)
	return stats, nil
}

// TakeSnapshot captures the resting state of the book through the
// command loop, so it is consistent with respect to order processing.
func (book *OrderBook) TakeSnapshot(ctx context.Context) (*OrderBookSnapshot, error) {
	cmd := bookCommand{kind: cmdSnapshot, resp: make(chan bookReply, 1)}
	r, err := book.submit(ctx, cmd)
	if err != nil {
		return nil, err
	}
	snap, _ := r.result.(*OrderBookSnapshot)
	return snap, nil
}

// Restore replaces the book state with a snapshot, through the command
// loop. The matching ledger snapshot must be restored separately.
func (book *OrderBook) Restore(ctx context.Context, snap *OrderBookSnapshot) error {
	cmd := bookCommand{kind: cmdRestore, snap: snap, resp: make(chan bookReply, 1)}
	r, err := book.submit(ctx, cmd)
	if err != nil {
		return err
	}
	return r.err
}

// Start runs the order book loop to process placements, cancellations,
// and queries. Returns nil when Shutdown() is called and all pending
// commands are drained.
func (book *OrderBook) Start() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		select {
		case <-book.done:
			return book.drain()
		case cmd := <-book.cmdChan:
			book.handle(cmd)
		}
	}
}

// Shutdown signals the order book to stop accepting new commands and
// waits for all pending commands to be processed. Returns ctx.Err() if
// the context expires first.
func (book *OrderBook) Shutdown(ctx context.Context) error {
	if book.isShutdown.CompareAndSwap(false, true) {
		close(book.done)
	}

	select {
	case <-book.shutdownComplete:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain processes all remaining commands in the channel before returning.
func (book *OrderBook) drain() error {
	defer close(book.shutdownComplete)

	for {
		select {
		case cmd := <-book.cmdChan:
			book.handle(cmd)
		default:
			return nil
		}
	}
}

func (book *OrderBook) handle(cmd bookCommand) {
	switch cmd.kind {
	case cmdPlace:
		if _, exists := book.orders[cmd.order.ID]; exists {
			cmd.resp <- bookReply{err: ErrInvalidOrder}
			return
		}
		cmd.resp <- bookReply{result: book.place(cmd.order)}
	case cmdCancel:
		order, err := book.cancel(cmd.cancel)
		cmd.resp <- bookReply{result: order, err: err}
	case cmdDepth:
		cmd.resp <- bookReply{result: book.depth(cmd.limit)}
	case cmdGetOrder:
		order, ok := book.orders[cmd.orderID]
		if !ok {
			cmd.resp <- bookReply{err: ErrNotFound}
			return
		}
		cmd.resp <- bookReply{result: order.clone()}
	case cmdStats:
		cmd.resp <- bookReply{result: &BookStats{
			AskLevelCount: book.asks.levelCount(),
			AskOrderCount: book.asks.orderCount(),
			BidLevelCount: book.bids.levelCount(),
			BidOrderCount: book.bids.orderCount(),
		}}
	case cmdSnapshot:
		cmd.resp <- bookReply{result: book.createSnapshot()}
	case cmdRestore:
		book.restore(cmd.snap)
		cmd.resp <- bookReply{}
	}
}

// crosses reports whether the incoming order's limit price is
// compatible with the resting order's price.
func crosses(taker, maker *Order) bool {
	if taker.Side == Buy {
		return taker.Price.GreaterThanOrEqual(maker.Price)
	}
	return taker.Price.LessThanOrEqual(maker.Price)
}

// place runs the matching loop for an incoming limit order: it walks
// the opposite side while prices cross, settles each fill at the maker
// price, and rests any remainder on its own side. The entire state
// transition happens inside the book loop, so it is all-or-nothing with
// respect to other operations on this pair.
func (book *OrderBook) place(order *Order) *PlaceResult {
	order.Sequence = book.orderSeq.Add(1)
	order.Timestamp = time.Now().UnixNano()
	order.Status = Open
	book.orders[order.ID] = order

	var myQueue, targetQueue *queue
	if order.Side == Buy {
		myQueue, targetQueue = book.bids, book.asks
	} else {
		myQueue, targetQueue = book.asks, book.bids
	}

	logs := make([]*BookLog, 0, 8)
	trades := make([]*Trade, 0, 4)
	now := time.Now().UTC()
	discarded := false

	for order.Remaining.IsPositive() {
		maker := targetQueue.peek()
		if maker == nil || !crosses(order, maker) {
			break
		}

		if maker.UserID == order.UserID && book.selfTrade != SelfTradeAllow {
			if book.selfTrade == SelfTradeCancelMaker {
				logs = append(logs, book.cancelResting(maker, now))
				continue
			}
			discarded = true
			break
		}

		fill := decimal.Min(order.Remaining, maker.Remaining)
		price := maker.Price
		book.settleFill(order, maker, fill, price)

		trade := &Trade{
			ID:        book.tradeSeq.Add(1),
			PairID:    book.pair.ID,
			Price:     price,
			Amount:    fill,
			TakerSide: order.Side,
			CreatedAt: now,
		}
		if order.Side == Buy {
			trade.BuyOrderID, trade.SellOrderID = order.ID, maker.ID
		} else {
			trade.BuyOrderID, trade.SellOrderID = maker.ID, order.ID
		}
		trades = append(trades, trade)

		log := acquireBookLog()
		log.SequenceID = book.seqID.Add(1)
		log.TradeID = trade.ID
		log.Type = LogTypeMatch
		log.PairID = book.pair.ID
		log.Side = order.Side
		log.Price = price
		log.Amount = fill
		log.Quote = price.Mul(fill)
		log.OrderID = order.ID
		log.UserID = order.UserID
		log.MakerOrderID = maker.ID
		log.MakerUserID = maker.UserID
		log.CreatedAt = now
		logs = append(logs, log)

		makerID := maker.ID
		targetQueue.reduce(makerID, fill)
		if maker.Remaining.IsZero() {
			targetQueue.remove(makerID)
		}
		order.fill(fill)
	}

	switch {
	case discarded:
		book.releaseRemainder(order)
		order.Status = Cancelled

		log := acquireBookLog()
		log.SequenceID = book.seqID.Add(1)
		log.Type = LogTypeReject
		log.PairID = book.pair.ID
		log.Side = order.Side
		log.Price = order.Price
		log.Amount = order.Remaining
		log.OrderID = order.ID
		log.UserID = order.UserID
		log.RejectReason = RejectReasonSelfTrade
		log.CreatedAt = now
		logs = append(logs, log)
	case order.Remaining.IsPositive():
		myQueue.insert(order)

		log := acquireBookLog()
		log.SequenceID = book.seqID.Add(1)
		log.Type = LogTypeOpen
		log.PairID = book.pair.ID
		log.Side = order.Side
		log.Price = order.Price
		log.Amount = order.Remaining
		log.OrderID = order.ID
		log.UserID = order.UserID
		log.CreatedAt = now
		logs = append(logs, log)
	}

	// Published from the loop goroutine, before the reply is sent, so
	// trade sinks see trades in execution order even when placements on
	// this pair race each other.
	if len(trades) > 0 {
		book.trades.PublishTrades(trades...)
	}

	if len(logs) > 0 {
		book.publisher.Publish(logs...)
		for _, log := range logs {
			releaseBookLog(log)
		}
	}

	return &PlaceResult{Order: order.clone(), Trades: trades}
}

// settleFill moves the funds of one fill through the ledger: the
// buyer's locked quote pays the seller, the seller's locked base pays
// the buyer. A taker buy locked quote at its own limit price, while the
// maker price rule executes at a price no worse, so the difference is
// released back to the buyer per fill.
//
// Settlement draws only on funds reserved at admission, so a failure
// here is an accounting bug: it is logged and escalated as a panic,
// never reported to the caller.
func (book *OrderBook) settleFill(taker, maker *Order, fill, price decimal.Decimal) {
	buyer, seller := maker, taker
	if taker.Side == Buy {
		buyer, seller = taker, maker
	}

	quote := price.Mul(fill)
	if err := book.ledger.Settle(buyer.UserID, seller.UserID, book.pair.Quote, quote); err != nil {
		logger.Error("quote settlement failed",
			"pair_id", book.pair.ID, "buy_order", buyer.ID, "sell_order", seller.ID, "error", err)
		panic(err)
	}
	if err := book.ledger.Settle(seller.UserID, buyer.UserID, book.pair.Base, fill); err != nil {
		logger.Error("base settlement failed",
			"pair_id", book.pair.ID, "buy_order", buyer.ID, "sell_order", seller.ID, "error", err)
		panic(err)
	}

	if taker.Side == Buy && taker.Price.GreaterThan(price) {
		refund := taker.Price.Sub(price).Mul(fill)
		if err := book.ledger.Release(buyer.UserID, book.pair.Quote, refund); err != nil {
			logger.Error("price improvement release failed",
				"pair_id", book.pair.ID, "order_id", buyer.ID, "error", err)
			panic(err)
		}
	}
}

// releaseRemainder returns the locked funds backing the order's
// remaining amount: quote at the order's own price for buys, base for
// sells.
func (book *OrderBook) releaseRemainder(order *Order) {
	var token string
	var amount decimal.Decimal
	if order.Side == Buy {
		token = book.pair.Quote
		amount = order.Remaining.Mul(order.Price)
	} else {
		token = book.pair.Base
		amount = order.Remaining
	}

	if err := book.ledger.Release(order.UserID, token, amount); err != nil {
		logger.Error("reservation release failed",
			"pair_id", book.pair.ID, "order_id", order.ID, "error", err)
		panic(err)
	}
}

// cancel processes the cancellation of an order.
func (book *OrderBook) cancel(req *cancelRequest) (*Order, error) {
	order, ok := book.orders[req.orderID]
	if !ok {
		return nil, ErrNotFound
	}
	if order.UserID != req.userID {
		return nil, ErrNotOwner
	}
	if order.Status.Terminal() {
		return nil, ErrAlreadyClosed
	}

	log := book.cancelResting(order, time.Now().UTC())
	book.publisher.Publish(log)
	releaseBookLog(log)

	return order.clone(), nil
}

// cancelResting removes an open or partially filled order from its
// queue, releases its remaining reservation, and marks it Cancelled.
func (book *OrderBook) cancelResting(order *Order, now time.Time) *BookLog {
	myQueue := book.bids
	if order.Side == Sell {
		myQueue = book.asks
	}
	myQueue.remove(order.ID)
	book.releaseRemainder(order)
	order.Status = Cancelled

	log := acquireBookLog()
	log.SequenceID = book.seqID.Add(1)
	log.Type = LogTypeCancel
	log.PairID = book.pair.ID
	log.Side = order.Side
	log.Price = order.Price
	log.Amount = order.Remaining
	log.OrderID = order.ID
	log.UserID = order.UserID
	log.CreatedAt = now
	return log
}

// depth returns the point-in-time snapshot of the order book depth.
func (book *OrderBook) depth(limit uint32) *Depth {
	return &Depth{
		PairID:   book.pair.ID,
		UpdateID: book.seqID.Load(),
		Bids:     book.bids.depth(limit),
		Asks:     book.asks.depth(limit),
	}
}

// createSnapshot captures the resting orders and counters of the book.
// Called from the loop, so it is consistent with order processing.
func (book *OrderBook) createSnapshot() *OrderBookSnapshot {
	return &OrderBookSnapshot{
		PairID:   book.pair.ID,
		SeqID:    book.seqID.Load(),
		OrderSeq: book.orderSeq.Load(),
		Bids:     book.bids.toSnapshot(),
		Asks:     book.asks.toSnapshot(),
	}
}

// restore rebuilds the book from a snapshot, bypassing matching.
// Terminal orders are not part of snapshots; only resting state
// survives a restore.
func (book *OrderBook) restore(snap *OrderBookSnapshot) {
	book.seqID.Store(snap.SeqID)
	book.orderSeq.Store(snap.OrderSeq)

	book.bids = newBidQueue()
	book.asks = newAskQueue()
	book.orders = make(map[string]*Order, len(snap.Bids)+len(snap.Asks))

	restoreOrders := func(orders []Order, q *queue) {
		for i := range orders {
			order := orders[i].clone()
			book.orders[order.ID] = order
			// Snapshots are written in priority order, so appending
			// preserves price-time priority.
			q.insert(order)
		}
	}

	restoreOrders(snap.Bids, book.bids)
	restoreOrders(snap.Asks, book.asks)
}
