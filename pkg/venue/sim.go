package venue

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/etfarb/pkg/models"
)

// SimLevel is one price level handed to the simulator.
type SimLevel struct {
	Price    float64
	Quantity float64
}

type simSecurity struct {
	sec    models.Security
	bids   []models.BookEntry
	asks   []models.BookEntry
	last   decimal.Decimal
	mid    float64
	spread float64
	depth  float64
	tape   []models.Transaction
}

type simLimit struct {
	name       string
	grossLimit float64
	netLimit   float64
}

// Simulator is an in-memory paper venue. Our orders cross the public book
// immediately; limit remainders rest privately until FillResting or a cancel.
type Simulator struct {
	mu         sync.Mutex
	logger     *logrus.Logger
	rng        *rand.Rand
	caseInfo   models.CaseInfo
	securities map[string]*simSecurity
	orders     map[int64]*models.Order
	tenders    map[int64]models.Tender
	limits     []simLimit
	nextID     int64
	nextTx     int64
	failSubmit int
	authFailed bool
}

func NewSimulator(ticksPerPeriod int, seed int64, logger *logrus.Logger) *Simulator {
	return &Simulator{
		logger: logger,
		rng:    rand.New(rand.NewSource(seed)),
		caseInfo: models.CaseInfo{
			Tick:           1,
			Period:         1,
			TicksPerPeriod: ticksPerPeriod,
			Status:         "ACTIVE",
		},
		securities: make(map[string]*simSecurity),
		orders:     make(map[int64]*models.Order),
		tenders:    make(map[int64]models.Tender),
		nextID:     1,
		nextTx:     1,
	}
}

// AddSecurity registers an instrument. Currencies carry the cash balance in
// Position; a currency quoted in another currency is tradeable FX.
func (s *Simulator) AddSecurity(sec models.Security) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.securities[sec.Ticker] = &simSecurity{sec: sec, mid: sec.StartPrice, spread: 0.02, depth: 1000}
}

// SetBook replaces the public book. Bids are given best first, as are asks.
func (s *Simulator) SetBook(ticker string, bids, asks []SimLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss, ok := s.securities[ticker]
	if !ok {
		return &models.VenueRejectedError{Code: http.StatusNotFound, Message: "unknown ticker " + ticker}
	}
	ss.bids = s.levels(bids, models.BookSideBid)
	ss.asks = s.levels(asks, models.BookSideAsk)
	if len(bids) > 0 && len(asks) > 0 {
		ss.mid = (bids[0].Price + asks[0].Price) / 2
		ss.spread = asks[0].Price - bids[0].Price
	}
	return nil
}

func (s *Simulator) levels(in []SimLevel, side models.BookSide) []models.BookEntry {
	out := make([]models.BookEntry, 0, len(in))
	for _, l := range in {
		out = append(out, models.BookEntry{
			ID:       s.id(),
			Price:    decimal.NewFromFloat(l.Price),
			Quantity: decimal.NewFromFloat(l.Quantity),
			Side:     side,
			Status:   "OPEN",
		})
	}
	return out
}

func (s *Simulator) id() int64 {
	id := s.nextID
	s.nextID++
	return id
}

// AddTender publishes a tender and returns its id.
func (s *Simulator) AddTender(t models.Tender) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == 0 {
		t.ID = s.id()
	}
	if t.Tick == 0 {
		t.Tick = s.caseInfo.Tick
	}
	s.tenders[t.ID] = t
	return t.ID
}

// SetLimit adds a limit bucket; securities whose LimitName matches count
// toward it.
func (s *Simulator) SetLimit(name string, gross, net float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits = append(s.limits, simLimit{name: name, grossLimit: gross, netLimit: net})
}

// FailNextSubmits makes the next n order submissions fail with a rejection.
func (s *Simulator) FailNextSubmits(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSubmit = n
}

// SetAuthFailure makes every call fail with ErrAuth.
func (s *Simulator) SetAuthFailure(failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authFailed = failed
}

// SetTick moves the case clock; reaching the period length stops the case
// and expired tenders are withdrawn.
func (s *Simulator) SetTick(tick int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setTick(tick)
}

func (s *Simulator) setTick(tick int) {
	s.caseInfo.Tick = tick
	if s.caseInfo.TicksPerPeriod > 0 && tick >= s.caseInfo.TicksPerPeriod {
		s.caseInfo.Status = "STOPPED"
	}
	for id, t := range s.tenders {
		if t.Expires > 0 && tick > t.Expires {
			delete(s.tenders, id)
		}
	}
}

// Position reports the venue-side position, cash included.
func (s *Simulator) Position(ticker string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ss, ok := s.securities[ticker]; ok {
		return ss.sec.Position
	}
	return 0
}

// FillResting fills qty of a resting order of ours at price, as if a
// counterparty had crossed it.
func (s *Simulator) FillResting(id int64, qty, price float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok || o.Status.Terminal() {
		return false
	}
	q := decimal.NewFromFloat(qty)
	if q.GreaterThan(o.Remaining()) {
		q = o.Remaining()
	}
	p := decimal.NewFromFloat(price)
	s.fill(o, q, p)
	return true
}

// Run advances the clock and moves the books until ctx ends or the case
// stops.
func (s *Simulator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.Step() {
				return
			}
		}
	}
}

// Step advances one tick: mids take a random step, books are rebuilt and
// every 30 ticks a tender appears on a random stock.
func (s *Simulator) Step() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.caseInfo.Active() {
		return false
	}
	s.setTick(s.caseInfo.Tick + 1)

	tickers := s.sortedTickers()
	var stocks []string
	for _, t := range tickers {
		ss := s.securities[t]
		if ss.mid <= 0 || !ss.sec.Tradeable {
			continue
		}
		ss.mid = math.Max(0.01, ss.mid*(1+s.rng.NormFloat64()*0.001))
		s.rebuild(ss)
		if ss.sec.Type != models.SecurityTypeCurrency {
			stocks = append(stocks, t)
		}
	}

	if len(stocks) > 0 && s.caseInfo.Tick%30 == 0 {
		ss := s.securities[stocks[s.rng.Intn(len(stocks))]]
		action := models.OrderSideBuy
		price := ss.mid * 0.99
		if s.rng.Intn(2) == 0 {
			action = models.OrderSideSell
			price = ss.mid * 1.01
		}
		// one tender in four is floating and asks for a bid
		fixed := s.rng.Intn(4) != 0
		quoted := decimal.NewFromFloat(price).Round(2)
		if !fixed {
			quoted = decimal.Zero
		}
		id := s.id()
		s.tenders[id] = models.Tender{
			ID:      id,
			Ticker:  ss.sec.Ticker,
			Volume:  float64(1000 * (1 + s.rng.Intn(10))),
			Price:   quoted,
			Fixed:   fixed,
			Action:  action,
			Tick:    s.caseInfo.Tick,
			Expires: s.caseInfo.Tick + 15,
			Caption: "simulated institutional block",
		}
		s.logger.WithFields(logrus.Fields{
			"tender_id": id,
			"ticker":    ss.sec.Ticker,
			"action":    action,
			"fixed":     fixed,
		}).Debug("Simulator issued tender")
	}
	return s.caseInfo.Active()
}

func (s *Simulator) rebuild(ss *simSecurity) {
	half := math.Max(ss.spread/2, 0.01)
	var bids, asks []SimLevel
	for i := 0; i < 5; i++ {
		step := float64(i) * 0.01
		bids = append(bids, SimLevel{Price: round2(ss.mid - half - step), Quantity: ss.depth})
		asks = append(asks, SimLevel{Price: round2(ss.mid + half + step), Quantity: ss.depth})
	}
	ss.bids = s.levels(bids, models.BookSideBid)
	ss.asks = s.levels(asks, models.BookSideAsk)
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}

func (s *Simulator) sortedTickers() []string {
	out := make([]string, 0, len(s.securities))
	for t := range s.securities {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (s *Simulator) guard() error {
	if s.authFailed {
		return models.ErrAuth
	}
	return nil
}

func (s *Simulator) FetchCase(ctx context.Context) (models.CaseInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return models.CaseInfo{}, err
	}
	return s.caseInfo, nil
}

func (s *Simulator) FetchSecurities(ctx context.Context) ([]models.Security, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	out := make([]models.Security, 0, len(s.securities))
	for _, t := range s.sortedTickers() {
		ss := s.securities[t]
		sec := ss.sec
		sec.NLV = sec.Position * ss.mid
		out = append(out, sec)
	}
	return out, nil
}

func (s *Simulator) lookup(ticker string) (*simSecurity, error) {
	ss, ok := s.securities[ticker]
	if !ok {
		return nil, &models.VenueRejectedError{Code: http.StatusNotFound, Message: "unknown ticker " + ticker}
	}
	return ss, nil
}

func (s *Simulator) FetchBook(ctx context.Context, ticker string) ([]models.BookEntry, []models.BookEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, nil, err
	}
	ss, err := s.lookup(ticker)
	if err != nil {
		return nil, nil, err
	}
	bids := append([]models.BookEntry(nil), ss.bids...)
	asks := append([]models.BookEntry(nil), ss.asks...)
	return bids, asks, nil
}

func (s *Simulator) FetchQuote(ctx context.Context, ticker string) (models.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return models.Quote{}, err
	}
	ss, err := s.lookup(ticker)
	if err != nil {
		return models.Quote{}, err
	}
	q := models.Quote{Last: ss.last}
	if len(ss.bids) > 0 {
		q.Bid, q.BidSize = ss.bids[0].Price, ss.bids[0].Quantity.Sub(ss.bids[0].Filled)
	}
	if len(ss.asks) > 0 {
		q.Ask, q.AskSize = ss.asks[0].Price, ss.asks[0].Quantity.Sub(ss.asks[0].Filled)
	}
	return q, nil
}

// FetchTape returns prints after the given id, newest first.
func (s *Simulator) FetchTape(ctx context.Context, ticker string, after int64) ([]models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	ss, err := s.lookup(ticker)
	if err != nil {
		return nil, err
	}
	var out []models.Transaction
	for i := len(ss.tape) - 1; i >= 0; i-- {
		if ss.tape[i].ID > after {
			out = append(out, ss.tape[i])
		}
	}
	return out, nil
}

func (s *Simulator) FetchTenders(ctx context.Context) ([]models.Tender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	out := make([]models.Tender, 0, len(s.tenders))
	for _, t := range s.tenders {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Simulator) FetchLimits(ctx context.Context) ([]models.LimitUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	out := make([]models.LimitUsage, 0, len(s.limits))
	for _, l := range s.limits {
		u := models.LimitUsage{Name: l.name, GrossLimit: l.grossLimit, NetLimit: l.netLimit}
		for _, ss := range s.securities {
			if ss.sec.LimitName != l.name {
				continue
			}
			w := 1.0
			if ss.sec.LimitUnit > 0 {
				w = 1 / ss.sec.LimitUnit
			}
			u.Gross += math.Abs(ss.sec.Position) * w
			u.Net += ss.sec.Position * w
		}
		out = append(out, u)
	}
	return out, nil
}

func (s *Simulator) SubmitOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	if s.failSubmit > 0 {
		s.failSubmit--
		return nil, &models.VenueRejectedError{Code: http.StatusTooManyRequests, Message: "simulated rejection"}
	}
	if !s.caseInfo.Active() {
		return nil, fmt.Errorf("%w: order for %s refused", models.ErrCaseEnded, req.Ticker)
	}
	ss, err := s.lookup(req.Ticker)
	if err != nil {
		return nil, err
	}
	if !ss.sec.Tradeable {
		return nil, &models.VenueRejectedError{Code: http.StatusUnprocessableEntity, Message: req.Ticker + " is not tradeable"}
	}
	if req.Quantity <= 0 || (ss.sec.MaxTradeSize > 0 && req.Quantity > ss.sec.MaxTradeSize) {
		return nil, &models.VenueRejectedError{Code: http.StatusUnprocessableEntity, Message: "invalid quantity"}
	}
	if req.Type == models.OrderTypeLimit && !req.Price.Valid {
		return nil, &models.VenueRejectedError{Code: http.StatusUnprocessableEntity, Message: "limit order without price"}
	}

	o := &models.Order{
		ID:            s.id(),
		Ticker:        req.Ticker,
		Side:          req.Action.BookSide(),
		Type:          req.Type,
		Price:         req.Price.Decimal,
		InitialVolume: decimal.NewFromFloat(req.Quantity),
		Tick:          s.caseInfo.Tick,
		Status:        models.OrderStatusNew,
	}
	s.orders[o.ID] = o
	s.cross(ss, o)

	if o.Type == models.OrderTypeMarket && !o.Status.Terminal() {
		// market remainder with no liquidity left is cancelled
		o.Cancel()
	}
	cp := *o
	return &cp, nil
}

func (s *Simulator) cross(ss *simSecurity, o *models.Order) {
	book := &ss.asks
	if o.Side == models.BookSideAsk {
		book = &ss.bids
	}
	for len(*book) > 0 && o.Remaining().IsPositive() {
		lvl := &(*book)[0]
		if o.Type == models.OrderTypeLimit {
			if o.Side == models.BookSideBid && lvl.Price.GreaterThan(o.Price) {
				break
			}
			if o.Side == models.BookSideAsk && lvl.Price.LessThan(o.Price) {
				break
			}
		}
		avail := lvl.Quantity.Sub(lvl.Filled)
		q := decimal.Min(avail, o.Remaining())
		s.fill(o, q, lvl.Price)
		lvl.Filled = lvl.Filled.Add(q)
		if lvl.Filled.GreaterThanOrEqual(lvl.Quantity) {
			*book = (*book)[1:]
		}
	}
}

func (s *Simulator) fill(o *models.Order, q, price decimal.Decimal) {
	if !q.IsPositive() {
		return
	}
	ss := s.securities[o.Ticker]
	notional := o.VWAP.Mul(o.FilledVolume).Add(price.Mul(q))
	filled := o.FilledVolume.Add(q)
	o.ApplyFill(filled, notional.Div(filled))

	sign := o.Action().Sign()
	qf := q.InexactFloat64()
	pf := price.InexactFloat64()
	s.applyPosition(ss, sign*qf, pf)
	s.adjustCash(ss.sec.Currency, -sign*qf*pf-qf*ss.sec.TradingFee)

	ss.last = price
	ss.tape = append(ss.tape, models.Transaction{
		ID:       s.nextTx,
		Period:   s.caseInfo.Period,
		Tick:     s.caseInfo.Tick,
		Price:    price,
		Quantity: q,
	})
	s.nextTx++
}

func (s *Simulator) applyPosition(ss *simSecurity, delta, price float64) {
	pos := ss.sec.Position
	next := pos + delta
	switch {
	case next == 0:
		ss.sec.VWAP = 0
	case pos == 0 || pos*delta > 0:
		ss.sec.VWAP = (ss.sec.VWAP*math.Abs(pos) + price*math.Abs(delta)) / math.Abs(next)
	case pos*next < 0:
		ss.sec.VWAP = price
	}
	ss.sec.Position = next
}

func (s *Simulator) adjustCash(currency string, amount float64) {
	if cash, ok := s.securities[strings.ToUpper(currency)]; ok && cash.sec.Type == models.SecurityTypeCurrency {
		cash.sec.Position += amount
	}
}

func (s *Simulator) FetchOrderStatus(ctx context.Context, id int64) (models.OrderStatusReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return models.OrderStatusReport{}, err
	}
	o, ok := s.orders[id]
	if !ok {
		return models.OrderStatusReport{}, &models.VenueRejectedError{Code: http.StatusNotFound, Message: "unknown order"}
	}
	status := "OPEN"
	switch o.Status {
	case models.OrderStatusFilled:
		status = "TRANSACTED"
	case models.OrderStatusCancelled:
		status = "CANCELLED"
	}
	return models.OrderStatusReport{
		ID:       id,
		Quantity: o.InitialVolume,
		Filled:   o.FilledVolume,
		VWAP:     o.VWAP,
		Status:   status,
	}, nil
}

func (s *Simulator) RespondTender(ctx context.Context, id int64, accept bool, price decimal.NullDecimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return false, err
	}
	t, ok := s.tenders[id]
	if !ok {
		return false, &models.VenueRejectedError{Code: http.StatusNotFound, Message: "tender expired or unknown"}
	}
	p := t.Price
	if accept && !t.Fixed {
		if !price.Valid || !price.Decimal.IsPositive() {
			return false, &models.VenueRejectedError{Code: http.StatusUnprocessableEntity, Message: "price is required for a floating tender"}
		}
		p = price.Decimal
	}
	delete(s.tenders, id)
	if !accept {
		return true, nil
	}
	ss, err := s.lookup(t.Ticker)
	if err != nil {
		return false, err
	}
	pf := p.InexactFloat64()
	s.applyPosition(ss, t.Delta(), pf)
	s.adjustCash(ss.sec.Currency, -t.Delta()*pf)
	return true, nil
}

func (s *Simulator) CancelOrder(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return false, err
	}
	o, ok := s.orders[id]
	if !ok {
		return false, nil
	}
	return o.Cancel(), nil
}

func (s *Simulator) BulkCancel(ctx context.Context, q models.CancelQuery) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	ids := make(map[int64]bool, len(q.IDs))
	for _, id := range q.IDs {
		ids[id] = true
	}
	var out []int64
	for id, o := range s.orders {
		if o.Status.Terminal() {
			continue
		}
		if q.All || (q.Ticker != "" && o.Ticker == q.Ticker) || ids[id] {
			o.Cancel()
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
