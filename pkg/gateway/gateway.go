package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/etfarb/pkg/ledger"
	"github.com/gregtusar/etfarb/pkg/metrics"
	"github.com/gregtusar/etfarb/pkg/models"
	"github.com/gregtusar/etfarb/pkg/venue"
)

// Gateway validates orders against the ledgers, gates them through
// admission control, submits them and tracks their lifecycle.
type Gateway struct {
	mu        sync.RWMutex
	venue     venue.Client
	positions *ledger.PositionLedger
	cash      *ledger.CurrencyLedger
	admission *Admission
	metrics   *metrics.Metrics
	logger    *logrus.Logger

	history   map[int64]*models.Order
	active    map[int64]struct{}
	completed map[int64]struct{}
	cancelled map[int64]struct{}
	accepted  map[int64]struct{}
	rejected  map[int64]struct{}
}

func New(client venue.Client, positions *ledger.PositionLedger, admission *Admission, m *metrics.Metrics, logger *logrus.Logger) *Gateway {
	return &Gateway{
		venue:     client,
		positions: positions,
		cash:      positions.Cash(),
		admission: admission,
		metrics:   m,
		logger:    logger,
		history:   make(map[int64]*models.Order),
		active:    make(map[int64]struct{}),
		completed: make(map[int64]struct{}),
		cancelled: make(map[int64]struct{}),
		accepted:  make(map[int64]struct{}),
		rejected:  make(map[int64]struct{}),
	}
}

func (g *Gateway) Admission() *Admission { return g.admission }

// CanSubmit reports whether n more venue actions fit this second.
func (g *Gateway) CanSubmit(n int) bool {
	ok := g.admission.CanSubmit(n)
	if g.metrics != nil {
		g.metrics.AdmissionWindow.Set(float64(g.admission.Len()))
	}
	return ok
}

func (g *Gateway) reject(ticker, reason string) {
	if g.metrics != nil {
		g.metrics.OrdersRejected.WithLabelValues(ticker, reason).Inc()
	}
}

func (g *Gateway) reserve(ticker string) error {
	if g.admission.Reserve(1) {
		return nil
	}
	if g.metrics != nil {
		g.metrics.AdmissionDenied.Inc()
	}
	g.reject(ticker, "rate_limited")
	return models.ErrRateLimited
}

func validateRequest(req models.OrderRequest) error {
	if req.Quantity <= 0 || math.IsNaN(req.Quantity) || math.IsInf(req.Quantity, 0) {
		return fmt.Errorf("%w: quantity %v", models.ErrValidation, req.Quantity)
	}
	if req.Action != models.OrderSideBuy && req.Action != models.OrderSideSell {
		return fmt.Errorf("%w: action %q", models.ErrValidation, req.Action)
	}
	switch req.Type {
	case models.OrderTypeMarket:
	case models.OrderTypeLimit:
		if !req.Price.Valid || !req.Price.Decimal.IsPositive() {
			return fmt.Errorf("%w: limit order needs a positive price", models.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: order type %q", models.ErrValidation, req.Type)
	}
	return nil
}

// PlaceOrder validates and submits an order. Sells of a non-shortable
// instrument are clipped to the long position and every order to the
// instrument's max trade size before anything is sent.
func (g *Gateway) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	req.Ticker = strings.ToUpper(strings.TrimSpace(req.Ticker))
	if err := validateRequest(req); err != nil {
		g.reject(req.Ticker, "validation")
		return nil, err
	}
	inst, err := g.positions.Instrument(req.Ticker)
	if err != nil {
		g.reject(req.Ticker, "validation")
		return nil, fmt.Errorf("%w: %w", models.ErrValidation, err)
	}
	if !inst.Tradeable {
		g.reject(req.Ticker, "validation")
		return nil, fmt.Errorf("%w: %s is not tradeable", models.ErrValidation, req.Ticker)
	}

	qty := req.Quantity
	if req.Action == models.OrderSideSell && !inst.Shortable {
		if inst.Volume <= 0 {
			g.reject(req.Ticker, "validation")
			return nil, fmt.Errorf("%w: %s is not shortable", models.ErrValidation, req.Ticker)
		}
		if qty > inst.Volume {
			g.logger.WithFields(logrus.Fields{
				"ticker":   req.Ticker,
				"quantity": qty,
				"position": inst.Volume,
			}).Info("Clipping sell to the long position")
			qty = inst.Volume
		}
	}
	if qty > inst.MaxTradeSize {
		g.logger.WithFields(logrus.Fields{
			"ticker":   req.Ticker,
			"quantity": qty,
			"max":      inst.MaxTradeSize,
		}).Debug("Clipping order to max trade size")
		qty = inst.MaxTradeSize
	}
	req.Quantity = qty

	if err := g.reserve(req.Ticker); err != nil {
		return nil, err
	}

	order, err := g.venue.SubmitOrder(ctx, req)
	if err != nil {
		g.reject(req.Ticker, "venue")
		g.logger.WithError(err).WithFields(logrus.Fields{
			"ticker":   req.Ticker,
			"action":   req.Action,
			"type":     req.Type,
			"quantity": req.Quantity,
		}).Warn("Order placement failed")
		return nil, err
	}
	if g.metrics != nil {
		g.metrics.OrdersSubmitted.WithLabelValues(req.Ticker, string(req.Type), string(req.Action)).Inc()
	}

	g.track(order)
	g.book(inst, order.Action(), order.FilledVolume, order.VWAP)
	g.logger.WithFields(logrus.Fields{
		"order_id": order.ID,
		"ticker":   order.Ticker,
		"action":   order.Action(),
		"quantity": req.Quantity,
		"filled":   order.FilledVolume.String(),
		"status":   order.Status,
	}).Info("Order placed")
	return order, nil
}

func (g *Gateway) track(order *models.Order) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.history[order.ID] = order
	switch {
	case order.Status == models.OrderStatusCancelled:
		g.cancelled[order.ID] = struct{}{}
	case order.Remaining().IsZero():
		g.completed[order.ID] = struct{}{}
		if g.metrics != nil {
			g.metrics.Fills.WithLabelValues(order.Ticker).Inc()
		}
	default:
		g.active[order.ID] = struct{}{}
	}
}

// book applies a fill optimistically to the ledgers; the next Refresh
// overwrites it with the venue's numbers.
func (g *Gateway) book(inst ledger.Instrument, action models.OrderSide, qty, price decimal.Decimal) {
	if !qty.IsPositive() {
		return
	}
	q := qty.InexactFloat64()
	p := price.InexactFloat64()
	if err := g.positions.ApplyFill(inst.Ticker, action.Sign()*q, p); err != nil {
		g.logger.WithError(err).WithField("ticker", inst.Ticker).Warn("Failed to book fill")
	}
	if err := g.cash.Adjust(inst.Currency, -action.Sign()*q*p-q*inst.Fee); err != nil {
		g.logger.WithError(err).WithField("currency", inst.Currency).Debug("No subaccount for fill currency")
	}
}

// PlaceCurrencyOrder buys or sells a foreign currency against the main one
// at market, clipped to the subaccount's max transaction. It returns the
// quantity sent.
func (g *Gateway) PlaceCurrencyOrder(ctx context.Context, currency string, action models.OrderSide, qty float64) (float64, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	req := models.OrderRequest{Ticker: currency, Type: models.OrderTypeMarket, Quantity: qty, Action: action}
	if err := validateRequest(req); err != nil {
		g.reject(currency, "validation")
		return 0, err
	}
	acct, err := g.cash.Subaccount(currency)
	if err != nil {
		g.reject(currency, "validation")
		return 0, fmt.Errorf("%w: %w", models.ErrValidation, err)
	}
	if !acct.Tradeable {
		g.reject(currency, "validation")
		return 0, fmt.Errorf("%w: %s is not tradeable", models.ErrValidation, currency)
	}
	if req.Quantity > acct.MaxTransaction {
		req.Quantity = acct.MaxTransaction
	}

	if err := g.reserve(currency); err != nil {
		return 0, err
	}
	order, err := g.venue.SubmitOrder(ctx, req)
	if err != nil {
		g.reject(currency, "venue")
		g.logger.WithError(err).WithFields(logrus.Fields{
			"currency": currency,
			"action":   action,
			"quantity": req.Quantity,
		}).Warn("Currency order failed")
		return 0, err
	}
	if g.metrics != nil {
		g.metrics.OrdersSubmitted.WithLabelValues(currency, string(req.Type), string(action)).Inc()
	}
	g.track(order)

	if filled := order.FilledVolume; filled.IsPositive() {
		q := filled.InexactFloat64()
		if err := g.cash.Adjust(currency, action.Sign()*q); err != nil {
			g.logger.WithError(err).WithField("currency", currency).Warn("Failed to book currency fill")
		}
		if err := g.cash.Adjust(g.cash.Main(), -action.Sign()*q*order.VWAP.InexactFloat64()); err != nil {
			g.logger.WithError(err).WithField("currency", g.cash.Main()).Warn("Failed to book currency fill")
		}
	}
	return req.Quantity, nil
}

// AcceptTenderChecked accepts a tender only if the resulting position stays
// inside limits. A limit breach is a plain rejection with no venue call.
func (g *Gateway) AcceptTenderChecked(ctx context.Context, t models.Tender, price decimal.NullDecimal) (bool, error) {
	exceeds, err := g.positions.CheckLimits(t.Ticker, t.Delta())
	if err != nil {
		return false, fmt.Errorf("%w: %w", models.ErrValidation, err)
	}
	if exceeds {
		g.logger.WithFields(logrus.Fields{
			"tender_id": t.ID,
			"ticker":    t.Ticker,
			"delta":     t.Delta(),
		}).Info("Tender would breach limits, not accepting")
		g.countTender(t.Ticker, "limit")
		return false, nil
	}

	ok, err := g.venue.RespondTender(ctx, t.ID, true, price)
	if err != nil {
		g.logger.WithError(err).WithField("tender_id", t.ID).Warn("Tender acceptance failed")
		return false, err
	}
	if !ok {
		return false, nil
	}

	g.mu.Lock()
	g.accepted[t.ID] = struct{}{}
	g.mu.Unlock()
	g.countTender(t.Ticker, "accepted")

	p := t.Price
	if price.Valid {
		p = price.Decimal
	}
	if inst, err := g.positions.Instrument(t.Ticker); err == nil {
		g.book(inst, t.Action, decimal.NewFromFloat(t.Volume), p)
	}
	g.logger.WithFields(logrus.Fields{
		"tender_id": t.ID,
		"ticker":    t.Ticker,
		"action":    t.Action,
		"volume":    t.Volume,
		"price":     p.String(),
	}).Info("Tender accepted")
	return true, nil
}

func (g *Gateway) RejectTender(ctx context.Context, t models.Tender) (bool, error) {
	ok, err := g.venue.RespondTender(ctx, t.ID, false, decimal.NullDecimal{})
	if err != nil {
		g.logger.WithError(err).WithField("tender_id", t.ID).Warn("Tender rejection failed")
		return false, err
	}
	if ok {
		g.mu.Lock()
		g.rejected[t.ID] = struct{}{}
		g.mu.Unlock()
		g.countTender(t.Ticker, "rejected")
	}
	return ok, nil
}

func (g *Gateway) countTender(ticker, decision string) {
	if g.metrics != nil {
		g.metrics.Tenders.WithLabelValues(ticker, decision).Inc()
	}
}

// Reconcile polls every active order and applies fill progress. Only ErrAuth
// is returned; anything else is logged and retried next tick.
func (g *Gateway) Reconcile(ctx context.Context) error {
	for _, id := range g.Active() {
		rep, err := g.venue.FetchOrderStatus(ctx, id)
		if err != nil {
			if models.Fatal(err) {
				return err
			}
			g.logger.WithError(err).WithField("order_id", id).Warn("Failed to fetch order status")
			continue
		}
		g.apply(id, rep)
	}
	return nil
}

func (g *Gateway) apply(id int64, rep models.OrderStatusReport) {
	g.mu.Lock()
	order, ok := g.history[id]
	if !ok {
		g.mu.Unlock()
		return
	}
	before := order.FilledVolume
	order.ApplyFill(rep.Filled, rep.VWAP)
	increment := order.FilledVolume.Sub(before)

	switch {
	case order.Status == models.OrderStatusFilled:
		delete(g.active, id)
		g.completed[id] = struct{}{}
		if g.metrics != nil {
			g.metrics.Fills.WithLabelValues(order.Ticker).Inc()
		}
	case rep.Status == "CANCELLED":
		order.Cancel()
		delete(g.active, id)
		g.cancelled[id] = struct{}{}
	}
	ticker, action, vwap := order.Ticker, order.Action(), order.VWAP
	status := order.Status
	g.mu.Unlock()

	if increment.IsPositive() {
		if inst, err := g.positions.Instrument(ticker); err == nil {
			g.book(inst, action, increment, vwap)
		}
		g.logger.WithFields(logrus.Fields{
			"order_id": id,
			"ticker":   ticker,
			"filled":   increment.String(),
			"status":   status,
		}).Info("Order fill reconciled")
	}
}

// Cancel cancels one order. Failures are logged and reported as false;
// only ErrAuth comes back as an error.
func (g *Gateway) Cancel(ctx context.Context, id int64) (bool, error) {
	ok, err := g.venue.CancelOrder(ctx, id)
	if err != nil {
		if models.Fatal(err) {
			return false, err
		}
		g.logger.WithError(err).WithField("order_id", id).Warn("Order cancellation failed")
		return false, nil
	}
	if !ok {
		g.logger.WithField("order_id", id).Warn("Venue refused to cancel order")
		return false, nil
	}
	g.markCancelled(id)
	return true, nil
}

// BulkCancel cancels what the query selects and marks the venue-confirmed
// ids cancelled.
func (g *Gateway) BulkCancel(ctx context.Context, q models.CancelQuery) ([]int64, error) {
	ids, err := g.venue.BulkCancel(ctx, q)
	if err != nil {
		if models.Fatal(err) || errors.Is(err, models.ErrValidation) {
			return nil, err
		}
		g.logger.WithError(err).Warn("Bulk cancel failed")
		return nil, nil
	}
	for _, id := range ids {
		g.markCancelled(id)
	}
	return ids, nil
}

func (g *Gateway) markCancelled(id int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.history[id]
	if !ok || !o.Cancel() {
		return
	}
	delete(g.active, id)
	g.cancelled[id] = struct{}{}
}

// ClosePosition flattens volume of a position at market; volume <= 0 closes
// all of it. A flat position is a no-op returning nil.
func (g *Gateway) ClosePosition(ctx context.Context, ticker string, volume float64) (*models.Order, error) {
	pos := g.positions.Position(ticker)
	if pos == 0 {
		return nil, nil
	}
	action := models.OrderSideSell
	if pos < 0 {
		action = models.OrderSideBuy
	}
	if volume <= 0 || volume > math.Abs(pos) {
		volume = math.Abs(pos)
	}
	return g.PlaceOrder(ctx, models.OrderRequest{Ticker: ticker, Type: models.OrderTypeMarket, Quantity: volume, Action: action})
}

// Refresh replaces ledger state with the venue snapshot: currency positions
// become cash balances, everything else instrument positions, and limit
// buckets are routed to the cash or position ledger by name.
func (g *Gateway) Refresh(ctx context.Context) error {
	secs, err := g.venue.FetchSecurities(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch securities: %w", err)
	}
	for _, s := range secs {
		if s.Type != models.SecurityTypeCurrency {
			continue
		}
		if _, err := g.cash.Subaccount(s.Ticker); err != nil {
			credit := 0.0
			if s.Shortable {
				credit = math.Inf(1)
			}
			if err := g.cash.AddSubaccount(s.Ticker, s.Position, credit); err != nil {
				return err
			}
			if s.MaxTradeSize > 0 {
				if err := g.cash.SetMaxTransaction(s.Ticker, s.MaxTradeSize); err != nil {
					g.logger.WithError(err).WithField("currency", s.Ticker).Warn("Failed to set max transaction")
				}
			}
			if err := g.cash.SetTradeable(s.Ticker, s.Tradeable); err != nil {
				g.logger.WithError(err).WithField("currency", s.Ticker).Warn("Failed to set tradeable flag")
			}
			continue
		}
		if err := g.cash.SetBalance(s.Ticker, s.Position); err != nil {
			g.logger.WithError(err).WithField("currency", s.Ticker).Warn("Failed to sync currency balance")
		}
	}
	g.positions.ApplySnapshot(secs)
	if g.admission != nil {
		for _, s := range secs {
			if s.OrdersPerSecond > 0 {
				g.admission.SetCapacity(s.OrdersPerSecond)
				break
			}
		}
	}

	limits, err := g.venue.FetchLimits(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch limits: %w", err)
	}
	for _, l := range limits {
		if strings.Contains(strings.ToUpper(l.Name), "CASH") {
			g.cash.ApplyLimitUsage(l)
		} else {
			g.positions.ApplyLimitUsage(l)
		}
	}
	g.publish()
	return nil
}

func (g *Gateway) publish() {
	if g.metrics == nil {
		return
	}
	for _, p := range g.positions.Snapshot() {
		g.metrics.Position.WithLabelValues(p.Ticker).Set(p.Volume)
	}
	for _, cur := range g.cash.Currencies() {
		if b, err := g.cash.Balance(cur); err == nil {
			g.metrics.Cash.WithLabelValues(cur).Set(b)
		}
	}
	g.metrics.GrossExposure.Set(g.positions.GrossPosition())
	g.metrics.NetExposure.Set(g.positions.NetPosition())
}

func (g *Gateway) ids(set map[int64]struct{}) []int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (g *Gateway) Active() []int64    { return g.ids(g.active) }
func (g *Gateway) Completed() []int64 { return g.ids(g.completed) }
func (g *Gateway) Cancelled() []int64 { return g.ids(g.cancelled) }

// TenderDecisions lists accepted and rejected tender ids.
func (g *Gateway) TenderDecisions() (accepted, rejected []int64) {
	return g.ids(g.accepted), g.ids(g.rejected)
}

// Order returns a copy of a tracked order.
func (g *Gateway) Order(id int64) (models.Order, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	o, ok := g.history[id]
	if !ok {
		return models.Order{}, false
	}
	return *o, true
}

// ActiveOrders returns copies of the orders still working.
func (g *Gateway) ActiveOrders() []models.Order {
	ids := g.Active()
	out := make([]models.Order, 0, len(ids))
	for _, id := range ids {
		if o, ok := g.Order(id); ok {
			out = append(out, o)
		}
	}
	return out
}
