package exchange

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/clearbook/exchange/protocol"
	"github.com/rs/xid"
	"github.com/shopspring/decimal"
)

// Exchange is the coordinating aggregate of the system: it owns the
// Ledger, one OrderBook per configured pair, and the append-only trade
// log, and exposes the verbs used by the transport layer. Pair
// configuration is static after construction; all state lives inside
// this object, with lifecycle tied to New and Shutdown.
type Exchange struct {
	isShutdown atomic.Bool
	ledger     *Ledger
	pairs      map[string]Pair
	books      map[string]*OrderBook
	orderPairs sync.Map // order ID -> pair ID
	tradeSeq   atomic.Uint64

	store      TradeStore
	tradePubs  []TradePublisher
	publisher  PublishLog
	serializer protocol.Serializer
	bookOpts   []OrderBookOption
}

// Option configures an Exchange at construction.
type Option func(*Exchange)

// WithTradeStore replaces the default in-memory trade store.
func WithTradeStore(store TradeStore) Option {
	return func(e *Exchange) {
		e.store = store
	}
}

// WithTradePublisher registers an additional trade sink, e.g. a durable
// journal. Publishers are invoked in registration order after the
// store.
func WithTradePublisher(pub TradePublisher) Option {
	return func(e *Exchange) {
		e.tradePubs = append(e.tradePubs, pub)
	}
}

// WithPublishLog sets the sink for book event logs. Defaults to
// DiscardPublishLog.
func WithPublishLog(pub PublishLog) Option {
	return func(e *Exchange) {
		e.publisher = pub
	}
}

// WithSerializer sets the payload serializer used by Apply.
func WithSerializer(s protocol.Serializer) Option {
	return func(e *Exchange) {
		e.serializer = s
	}
}

// WithBookOptions forwards options to every order book, e.g.
// WithSelfTradePolicy.
func WithBookOptions(opts ...OrderBookOption) Option {
	return func(e *Exchange) {
		e.bookOpts = append(e.bookOpts, opts...)
	}
}

// New creates an exchange serving the given pairs and starts one book
// loop per pair.
func New(pairs []Pair, opts ...Option) *Exchange {
	e := &Exchange{
		ledger:     NewLedger(),
		pairs:      make(map[string]Pair, len(pairs)),
		books:      make(map[string]*OrderBook, len(pairs)),
		store:      NewMemoryTradeStore(),
		publisher:  NewDiscardPublishLog(),
		serializer: &protocol.DefaultJSONSerializer{},
	}

	for _, opt := range opts {
		opt(e)
	}

	fanout := &tradeFanout{store: e.store, pubs: e.tradePubs}
	for _, pair := range pairs {
		e.pairs[pair.ID] = pair
		e.books[pair.ID] = NewOrderBook(pair, e.ledger, &e.tradeSeq, e.publisher, fanout, e.bookOpts...)
	}

	for _, book := range e.books {
		go func(b *OrderBook) {
			_ = b.Start()
		}(book)
	}

	return e
}

// Ledger exposes the custody ledger for audits (balance sums, state
// roots). Mutations must go through the exchange verbs.
func (e *Exchange) Ledger() *Ledger {
	return e.ledger
}

// Pairs returns the static pair configuration.
func (e *Exchange) Pairs() []Pair {
	pairs := make([]Pair, 0, len(e.pairs))
	for _, p := range e.pairs {
		pairs = append(pairs, p)
	}
	return pairs
}

// Book returns the order book for a pair ID, or nil if unknown.
func (e *Exchange) Book(pairID string) *OrderBook {
	return e.books[pairID]
}

// Deposit credits amount (integer smallest units) to the user's
// available balance and returns the new balance.
func (e *Exchange) Deposit(userID, token string, amount decimal.Decimal) (Balance, error) {
	if e.isShutdown.Load() {
		return Balance{}, ErrShutdown
	}
	return e.ledger.Deposit(userID, token, amount)
}

// Withdraw debits amount from the user's available balance. Locked
// funds never leave through Withdraw.
func (e *Exchange) Withdraw(userID, token string, amount decimal.Decimal) (Balance, error) {
	if e.isShutdown.Load() {
		return Balance{}, ErrShutdown
	}
	return e.ledger.Withdraw(userID, token, amount)
}

// BalanceOf returns the user's balance for a token. Reads proceed
// concurrently with mutators and observe a consistent entry state.
func (e *Exchange) BalanceOf(userID, token string) Balance {
	return e.ledger.BalanceOf(userID, token)
}

// reservation computes what an order must lock at admission: quote
// (amount x price) for buys, base (amount) for sells.
func reservation(pair Pair, side Side, price, amount decimal.Decimal) (token string, qty decimal.Decimal) {
	if side == Buy {
		return pair.Quote, amount.Mul(price)
	}
	return pair.Base, amount
}

// PlaceOrder validates and admits a limit order: the reservation is
// taken before the book sees the order, so matching never runs against
// unfunded orders, and it is rolled back if the book rejects the
// command. Returns the final order state and the trades generated by
// this placement.
func (e *Exchange) PlaceOrder(ctx context.Context, userID, pairID string, side Side, price, amount decimal.Decimal) (*PlaceResult, error) {
	if e.isShutdown.Load() {
		return nil, ErrShutdown
	}

	pair, ok := e.pairs[pairID]
	if !ok {
		return nil, ErrInvalidOrder
	}
	if userID == "" || !isUnits(price) || !isUnits(amount) {
		return nil, ErrInvalidOrder
	}
	if side != Buy && side != Sell {
		return nil, ErrInvalidOrder
	}

	order := &Order{
		ID:        xid.New().String(),
		UserID:    userID,
		PairID:    pairID,
		Side:      side,
		Price:     price,
		Amount:    amount,
		Remaining: amount,
		Status:    Open,
	}

	token, qty := reservation(pair, side, price, amount)
	if err := e.ledger.Reserve(userID, token, qty); err != nil {
		return nil, err
	}

	result, err := e.books[pairID].PlaceOrder(ctx, order)
	if err != nil {
		// The book never saw the order; hand the reservation back.
		if rbErr := e.ledger.Release(userID, token, qty); rbErr != nil {
			logger.Error("reservation rollback failed",
				"pair_id", pairID, "order_id", order.ID, "error", rbErr)
			panic(rbErr)
		}
		return nil, err
	}

	e.orderPairs.Store(order.ID, pairID)

	return result, nil
}

// CancelOrder cancels a resting order on behalf of userID.
func (e *Exchange) CancelOrder(ctx context.Context, pairID, orderID, userID string) (*Order, error) {
	book, ok := e.books[pairID]
	if !ok {
		return nil, ErrNotFound
	}
	return book.CancelOrder(ctx, orderID, userID)
}

// GetOrder returns the current state of any order the exchange has
// admitted, using the order ID index to find its pair.
func (e *Exchange) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	pairID, ok := e.orderPairs.Load(orderID)
	if !ok {
		return nil, ErrNotFound
	}
	return e.books[pairID.(string)].GetOrder(ctx, orderID)
}

// Depth returns a point-in-time aggregated order book snapshot for the
// pair. A limit of zero means all levels.
func (e *Exchange) Depth(ctx context.Context, pairID string, limit uint32) (*Depth, error) {
	book, ok := e.books[pairID]
	if !ok {
		return nil, ErrNotFound
	}
	return book.Depth(ctx, limit)
}

// Trades returns the trade history oldest first. An empty pairID
// returns all pairs; an unknown pairID fails with ErrNotFound.
func (e *Exchange) Trades(pairID string) ([]*Trade, error) {
	if pairID != "" {
		if _, ok := e.pairs[pairID]; !ok {
			return nil, ErrNotFound
		}
	}
	return e.store.Trades(pairID), nil
}

// tradeFanout forwards executed trades to the store and every
// registered publisher. Each book calls it from its loop goroutine, so
// per-pair trade streams arrive in execution order.
type tradeFanout struct {
	store TradeStore
	pubs  []TradePublisher
}

func (f *tradeFanout) PublishTrades(trades ...*Trade) {
	f.store.PublishTrades(trades...)
	for _, pub := range f.pubs {
		pub.PublishTrades(trades...)
	}
}

// Shutdown stops accepting commands and drains every book in parallel.
// Blocks until all books have completed their shutdown or the context
// is cancelled.
func (e *Exchange) Shutdown(ctx context.Context) error {
	e.isShutdown.Store(true)

	var wg sync.WaitGroup
	var errs []error
	var errMu sync.Mutex

	for _, book := range e.books {
		wg.Add(1)
		go func(b *OrderBook) {
			defer wg.Done()
			if err := b.Shutdown(ctx); err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
		}(book)
	}

	wg.Wait()

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
