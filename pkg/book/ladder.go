package book

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/gregtusar/etfarb/pkg/models"
)

// Level is an aggregated view of one price level.
type Level struct {
	Price  decimal.Decimal
	Volume decimal.Decimal
	Orders int
}

// resting remembers where an order was filed, so a caller mutating the order
// afterwards cannot strand it.
type resting struct {
	order *models.Order
	side  models.BookSide
	price decimal.Decimal
}

type priceLevel struct {
	price  decimal.Decimal
	orders []*models.Order
}

func (l *priceLevel) volume() decimal.Decimal {
	v := decimal.Zero
	for _, o := range l.orders {
		v = v.Add(o.Remaining())
	}
	return v
}

// Ladder mirrors one instrument's limit order book. Bid levels are kept in
// strictly decreasing price order and ask levels in strictly increasing order;
// orders inside a level keep arrival order.
type Ladder struct {
	mu sync.RWMutex

	ticker   string
	currency string
	fee      decimal.Decimal
	rebate   decimal.Decimal

	bids  []*priceLevel
	asks  []*priceLevel
	index map[int64]resting

	quotes   []QuoteSnapshot
	tape     []models.Transaction
	lastTxID int64
}

func NewLadder(ticker, currency string, fee, rebate decimal.Decimal) *Ladder {
	return &Ladder{
		ticker:   ticker,
		currency: currency,
		fee:      fee,
		rebate:   rebate,
		index:    make(map[int64]resting),
		lastTxID: -1,
	}
}

func (l *Ladder) Ticker() string   { return l.ticker }
func (l *Ladder) Currency() string { return l.currency }

func (l *Ladder) Fees() (fee, rebate decimal.Decimal) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.fee, l.rebate
}

func (l *Ladder) SetFees(fee, rebate decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fee = fee
	l.rebate = rebate
}

func (l *Ladder) levels(side models.BookSide) *[]*priceLevel {
	if side == models.BookSideBid {
		return &l.bids
	}
	return &l.asks
}

// search returns the position of price on the given side and whether a level
// already exists there.
func (l *Ladder) search(side models.BookSide, price decimal.Decimal) (int, bool) {
	levels := *l.levels(side)
	var i int
	if side == models.BookSideBid {
		i = sort.Search(len(levels), func(i int) bool { return levels[i].price.LessThanOrEqual(price) })
	} else {
		i = sort.Search(len(levels), func(i int) bool { return levels[i].price.GreaterThanOrEqual(price) })
	}
	return i, i < len(levels) && levels[i].price.Equal(price)
}

// Insert adds an order at price-time priority. An order whose id is already
// on the book replaces the previous entry.
func (l *Ladder) Insert(order *models.Order) error {
	if order == nil {
		return fmt.Errorf("%w: nil order", models.ErrValidation)
	}
	if order.Side != models.BookSideBid && order.Side != models.BookSideAsk {
		return fmt.Errorf("%w: unknown book side %q", models.ErrValidation, order.Side)
	}
	if !order.Remaining().IsPositive() {
		return fmt.Errorf("%w: order %d has no remaining volume", models.ErrValidation, order.ID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if prev, ok := l.index[order.ID]; ok {
		l.removeOrder(order.ID, prev)
	}

	levels := l.levels(order.Side)
	i, found := l.search(order.Side, order.Price)
	if found {
		(*levels)[i].orders = append((*levels)[i].orders, order)
	} else {
		lvl := &priceLevel{price: order.Price, orders: []*models.Order{order}}
		*levels = append(*levels, nil)
		copy((*levels)[i+1:], (*levels)[i:])
		(*levels)[i] = lvl
	}
	l.index[order.ID] = resting{order: order, side: order.Side, price: order.Price}
	return nil
}

func (l *Ladder) removeOrder(id int64, r resting) {
	delete(l.index, id)
	levels := l.levels(r.side)
	i, found := l.search(r.side, r.price)
	if !found {
		return
	}
	lvl := (*levels)[i]
	for j, o := range lvl.orders {
		if o.ID == id {
			lvl.orders = append(lvl.orders[:j], lvl.orders[j+1:]...)
			break
		}
	}
	if len(lvl.orders) == 0 {
		*levels = append((*levels)[:i], (*levels)[i+1:]...)
	}
}

// RemoveByID deletes one order. It reports whether the id was on that side.
func (l *Ladder) RemoveByID(side models.BookSide, id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.index[id]
	if !ok || r.side != side {
		return false
	}
	l.removeOrder(id, r)
	return true
}

// RemoveByPrice removes volume from a level in FIFO order. Without a volume
// the whole level is dropped. It returns the volume actually removed.
func (l *Ladder) RemoveByPrice(side models.BookSide, price decimal.Decimal, volume decimal.NullDecimal) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()

	levels := l.levels(side)
	i, found := l.search(side, price)
	if !found {
		return decimal.Zero
	}
	lvl := (*levels)[i]

	if !volume.Valid {
		removed := lvl.volume()
		for _, o := range lvl.orders {
			delete(l.index, o.ID)
		}
		*levels = append((*levels)[:i], (*levels)[i+1:]...)
		return removed
	}

	left := volume.Decimal
	removed := decimal.Zero
	for len(lvl.orders) > 0 && left.IsPositive() {
		head := lvl.orders[0]
		rem := head.Remaining()
		if rem.LessThanOrEqual(left) {
			lvl.orders = lvl.orders[1:]
			delete(l.index, head.ID)
			left = left.Sub(rem)
			removed = removed.Add(rem)
			continue
		}
		head.FilledVolume = head.FilledVolume.Add(left)
		removed = removed.Add(left)
		left = decimal.Zero
	}
	if len(lvl.orders) == 0 {
		*levels = append((*levels)[:i], (*levels)[i+1:]...)
	}
	return removed
}

// Clear empties both sides. History is kept.
func (l *Ladder) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bids = nil
	l.asks = nil
	l.index = make(map[int64]resting)
}

// Replace rebuilds the book from a venue snapshot. Entries that are no longer
// open are skipped.
func (l *Ladder) Replace(bids, asks []models.BookEntry) error {
	l.Clear()
	for _, entries := range [][]models.BookEntry{bids, asks} {
		for _, e := range entries {
			if !e.Open() || !e.Quantity.GreaterThan(e.Filled) {
				continue
			}
			err := l.Insert(&models.Order{
				ID:            e.ID,
				Ticker:        l.ticker,
				Side:          e.Side,
				Type:          models.OrderTypeLimit,
				Price:         e.Price,
				InitialVolume: e.Quantity,
				FilledVolume:  e.Filled,
				Status:        models.OrderStatusNew,
			})
			if err != nil {
				return fmt.Errorf("failed to load %s book entry %d: %w", l.ticker, e.ID, err)
			}
		}
	}
	return nil
}

func (l *Ladder) Order(id int64) (*models.Order, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.index[id]
	return r.order, ok
}

func (l *Ladder) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.index)
}

func (l *Ladder) BestBid() (decimal.Decimal, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.bids) == 0 {
		return decimal.Zero, false
	}
	return l.bids[0].price, true
}

func (l *Ladder) BestAsk() (decimal.Decimal, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.asks) == 0 {
		return decimal.Zero, false
	}
	return l.asks[0].price, true
}

// Mid is the midpoint of the best quotes.
func (l *Ladder) Mid() (decimal.Decimal, bool) {
	bid, okb := l.BestBid()
	ask, oka := l.BestAsk()
	if !okb || !oka {
		return decimal.Zero, false
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2)), true
}

func (l *Ladder) Spread() (decimal.Decimal, bool) {
	bid, okb := l.BestBid()
	ask, oka := l.BestAsk()
	if !okb || !oka {
		return decimal.Zero, false
	}
	return ask.Sub(bid), true
}

// Depth is the total resting volume on one side.
func (l *Ladder) Depth(side models.BookSide) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := decimal.Zero
	for _, lvl := range *l.levels(side) {
		total = total.Add(lvl.volume())
	}
	return total
}

// Levels returns the aggregated side from the best price outward.
func (l *Ladder) Levels(side models.BookSide) []Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	src := *l.levels(side)
	out := make([]Level, 0, len(src))
	for _, lvl := range src {
		out = append(out, Level{Price: lvl.price, Volume: lvl.volume(), Orders: len(lvl.orders)})
	}
	return out
}
