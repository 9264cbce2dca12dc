package trader

import (
	"context"
	"errors"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/googleapis/gax-go/v2"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/etfarb/internal/config"
	"github.com/gregtusar/etfarb/pkg/gateway"
	"github.com/gregtusar/etfarb/pkg/models"
)

const volumeEpsilon = 1e-6

var errIncomplete = errors.New("order not completely filled")

// Residual is tender volume left unhedged after an unwind, with the signed
// cost it was bought or sold at.
type Residual struct {
	Ticker string
	Volume float64
	Cost   float64
}

// pairState tracks the open cross ETF position. InitialValue is its entry
// basis in portfolio currency.
type pairState struct {
	Open         bool
	InitialValue float64
}

func retryable(err error) bool {
	return !models.Fatal(err) && !errors.Is(err, models.ErrValidation) && !errors.Is(err, models.ErrCaseEnded)
}

func (t *Trader) attempts() int {
	if t.cfg.RetryAttempts > 0 {
		return t.cfg.RetryAttempts
	}
	return 5
}

// retry runs fn through the bounded retry loop. Pauses start at one loop
// interval so the order window can drain, and double up to eight.
func (t *Trader) retry(ctx context.Context, fn func(attempt int) error) gateway.Outcome {
	bo := gax.Backoff{Initial: t.cfg.SleepTime, Max: 8 * t.cfg.SleepTime, Multiplier: 2}
	return gateway.Retry(ctx, t.attempts(), bo, fn, retryable)
}

func (t *Trader) countSignal(sig models.Signal) {
	if t.metrics != nil {
		t.metrics.Signals.WithLabelValues(sig.Strategy, strconv.Itoa(sig.Direction)).Inc()
	}
}

func (t *Trader) runTenders(ctx context.Context) error {
	for _, tn := range t.tenders.Pending() {
		if !t.gateway.CanSubmit(2) {
			continue
		}
		if err := t.evaluateTender(ctx, tn); err != nil {
			if models.Fatal(err) {
				return err
			}
			t.logger.WithError(err).WithField("tender_id", tn.ID).Warn("Tender evaluation failed")
		}
	}
	return nil
}

func (t *Trader) evaluateTender(ctx context.Context, tn models.Tender) error {
	l, ok := t.market.Ladder(tn.Ticker)
	if !ok {
		t.logger.WithField("ticker", tn.Ticker).Debug("No book for tender ticker")
		return nil
	}
	params, _ := t.cfg.Tender(tn.Ticker)
	sig, err := t.engine.TenderSignal(tn, l, params.BuyThreshold, params.SellThreshold)
	switch {
	case errors.Is(err, models.ErrInsufficientDepth):
		t.logger.WithField("tender_id", tn.ID).Debug("Book too thin to unwind tender")
	case err != nil:
		return err
	case sig.Active():
		t.countSignal(sig)
		accepted, err := t.acceptTender(ctx, tn, sig)
		if err != nil || !accepted {
			return err
		}
		if sig.Bid.Valid {
			tn.Price = sig.Bid.Decimal
		}
		return t.unwindTender(ctx, tn, params)
	}
	// a basket ETF can still be delivered through the basket
	if strings.EqualFold(tn.Ticker, t.cfg.Basket.ETF) {
		return t.evaluateETFTender(ctx, tn)
	}
	return nil
}

// acceptTender accepts at the tender's own price, or at the signal's bid for
// a floating tender.
func (t *Trader) acceptTender(ctx context.Context, tn models.Tender, sig models.Signal) (bool, error) {
	price := tn.Price
	if sig.Bid.Valid {
		price = sig.Bid.Decimal
	}
	t.logger.WithFields(logrus.Fields{
		"tender_id": tn.ID,
		"ticker":    tn.Ticker,
		"action":    tn.Action,
		"volume":    tn.Volume,
		"price":     price.String(),
		"fixed":     tn.Fixed,
		"profit":    sig.Profit,
	}).Info("Accepting tender")
	accepted, err := t.gateway.AcceptTenderChecked(ctx, tn, sig.Bid)
	if err != nil {
		if models.IsVenueRejected(err) {
			t.tenders.MarkDecided(tn.ID)
		}
		return false, err
	}
	if accepted {
		t.tenders.MarkDecided(tn.ID)
	}
	return accepted, nil
}

// unwindTender closes the configured share of an accepted tender at market.
// Up to attempts failed orders are tolerated; whatever is left becomes a
// residual for the risk exit.
func (t *Trader) unwindTender(ctx context.Context, tn models.Tender, params config.TenderParams) error {
	unwind := tn.Action.Opposite()
	remaining := tn.Volume * params.ClosePercentage
	failures := 0
	for remaining > volumeEpsilon && failures < t.attempts() {
		order, err := t.gateway.PlaceOrder(ctx, models.OrderRequest{
			Ticker:   tn.Ticker,
			Type:     models.OrderTypeMarket,
			Quantity: remaining,
			Action:   unwind,
		})
		if err != nil {
			if models.Fatal(err) {
				return err
			}
			failures++
			if errors.Is(err, models.ErrRateLimited) {
				t.sleep(ctx)
			}
			continue
		}
		filled := order.FilledVolume.InexactFloat64()
		if filled <= 0 {
			failures++
			continue
		}
		remaining -= filled
	}
	if remaining < volumeEpsilon {
		remaining = 0
	}

	left := tn.Volume*(1-params.ClosePercentage) + remaining
	fields := logrus.Fields{
		"tender_id": tn.ID,
		"ticker":    tn.Ticker,
		"unwound":   tn.Volume*params.ClosePercentage - remaining,
		"residual":  left,
	}
	if remaining > 0 {
		t.logger.WithFields(fields).Warn("Tender unwind incomplete, residual left unhedged")
	} else {
		t.logger.WithFields(fields).Info("Tender unwound")
	}
	if left > volumeEpsilon {
		sign := -unwind.Sign()
		t.addResidual(tn.Ticker, sign*left, sign*left*tn.Price.InexactFloat64())
	}
	return nil
}

// evaluateETFTender prices a basket ETF tender through conversion: the
// tender is the ETF leg, the basket is traded against it.
func (t *Trader) evaluateETFTender(ctx context.Context, tn models.Tender) error {
	basket, ok := t.market.Basket(t.cfg.Basket.Weights)
	etf, okETF := t.market.Ladder(tn.Ticker)
	if !ok || !okETF {
		return nil
	}
	threshold := t.cfg.Conversion.RedeemThreshold
	if tn.Action == models.OrderSideSell {
		threshold = t.cfg.Conversion.CreateThreshold
	}
	sig, err := t.engine.ETFTenderSignal(tn, basket, t.cfg.Basket.Weights, etf, threshold)
	if err != nil {
		if errors.Is(err, models.ErrInsufficientDepth) {
			return nil
		}
		return err
	}
	if !sig.Active() {
		return nil
	}
	t.countSignal(sig)
	accepted, err := t.acceptTender(ctx, tn, sig)
	if err != nil || !accepted {
		return err
	}

	orders, err := t.executeLegs(ctx, sig.Legs)
	if err == nil {
		t.logger.WithField("tender_id", tn.ID).Info("ETF tender hedged through the basket")
		return nil
	}
	if models.Fatal(err) {
		return err
	}
	t.logger.WithError(err).WithField("tender_id", tn.ID).Warn("Basket hedge failed, reversing filled legs")
	if err := t.reverse(ctx, orders); err != nil {
		return err
	}
	t.addResidual(tn.Ticker, tn.Delta(), tn.Delta()*tn.Price.InexactFloat64())
	return nil
}

// executeLegs sends legs in order and stops at the first failure. The orders
// placed so far are returned either way.
func (t *Trader) executeLegs(ctx context.Context, legs []models.Leg) ([]*models.Order, error) {
	orders := make([]*models.Order, 0, len(legs))
	for _, leg := range legs {
		order, err := t.gateway.PlaceOrder(ctx, leg.Request())
		if err != nil {
			return orders, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// reverse trades back the filled part of each order at market.
func (t *Trader) reverse(ctx context.Context, orders []*models.Order) error {
	for _, o := range orders {
		filled := o.FilledVolume.InexactFloat64()
		if filled <= 0 {
			continue
		}
		_, err := t.gateway.PlaceOrder(ctx, models.OrderRequest{
			Ticker:   o.Ticker,
			Type:     models.OrderTypeMarket,
			Quantity: filled,
			Action:   o.Action().Opposite(),
		})
		if err != nil {
			if models.Fatal(err) {
				return err
			}
			t.logger.WithError(err).WithFields(logrus.Fields{
				"ticker":   o.Ticker,
				"quantity": filled,
			}).Error("Failed to reverse leg, position left open")
		}
	}
	return nil
}

func (t *Trader) addResidual(ticker string, volume, cost float64) {
	r, ok := t.residuals[ticker]
	if !ok {
		r = &Residual{Ticker: ticker}
		t.residuals[ticker] = r
	}
	r.Volume += volume
	r.Cost += cost
	if t.metrics != nil {
		t.metrics.Unhedged.WithLabelValues(ticker).Set(r.Volume)
	}
}

func (t *Trader) clearResidual(ticker string) {
	delete(t.residuals, ticker)
	if t.metrics != nil {
		t.metrics.Unhedged.WithLabelValues(ticker).Set(0)
	}
}

// runConversion trades basket against ETF when the conversion edge clears
// its threshold. It stays out near the period end, when the order window is
// short and while existing basket or ETF positions are outside the band.
func (t *Trader) runConversion(ctx context.Context) error {
	etfTicker := t.cfg.Basket.ETF
	if etfTicker == "" || len(t.cfg.Basket.Weights) == 0 {
		return nil
	}
	if t.ticksPerPeriod(t.caseInfo)-t.caseInfo.Tick <= t.cfg.ConversionCutoff {
		return nil
	}
	if !t.gateway.CanSubmit(5) {
		return nil
	}
	band := t.cfg.ConversionOrderSize * t.cfg.Conversion.Tolerance
	for _, tk := range append(sortedWeightKeys(t.cfg.Basket.Weights), etfTicker) {
		if math.Abs(t.positions.Position(tk)) > band {
			return nil
		}
	}

	basket, ok := t.market.Basket(t.cfg.Basket.Weights)
	etf, okETF := t.market.Ladder(etfTicker)
	if !ok || !okETF {
		return nil
	}
	sig, err := t.engine.ConversionSignal(basket, t.cfg.Basket.Weights, etf, t.cfg.ArbitrageOrderSize,
		t.cfg.Conversion.PriceShift, t.cfg.Conversion.CreateThreshold, t.cfg.Conversion.RedeemThreshold)
	if err != nil {
		if errors.Is(err, models.ErrInsufficientDepth) {
			return nil
		}
		return err
	}
	if !sig.Active() {
		return nil
	}
	t.countSignal(sig)

	legs, err := t.conversionLegs(sig, etf.Ticker())
	if err != nil || len(legs) == 0 {
		return err
	}
	t.logger.WithFields(logrus.Fields{
		"direction": sig.Direction,
		"profit":    sig.Profit,
		"legs":      len(legs),
	}).Info("Executing conversion arbitrage")

	// the ETF leg goes first; without it the basket legs are not sent
	if _, err := t.gateway.PlaceOrder(ctx, legs[0].Request()); err != nil {
		return err
	}
	for _, leg := range legs[1:] {
		if _, err := t.gateway.PlaceOrder(ctx, leg.Request()); err != nil {
			if models.Fatal(err) {
				return err
			}
			t.logger.WithError(err).WithFields(logrus.Fields{
				"ticker":   leg.Ticker,
				"action":   leg.Action,
				"quantity": leg.Quantity,
			}).Warn("Conversion leg failed, basket left unhedged")
		}
	}
	return nil
}

// conversionLegs puts the ETF leg first at market for the conversion size and
// shrinks every leg when the combined trade would breach limits.
func (t *Trader) conversionLegs(sig models.Signal, etfTicker string) ([]models.Leg, error) {
	var etfLeg models.Leg
	basket := make([]models.Leg, 0, len(sig.Legs))
	for _, leg := range sig.Legs {
		if leg.Ticker == etfTicker {
			etfLeg = leg
			etfLeg.Type = models.OrderTypeMarket
			etfLeg.Price = decimal.NullDecimal{}
			etfLeg.Quantity = t.cfg.ConversionOrderSize
			continue
		}
		basket = append(basket, leg)
	}
	legs := append([]models.Leg{etfLeg}, basket...)

	deltas := make(map[string]float64, len(legs))
	for _, leg := range legs {
		deltas[leg.Ticker] += leg.Delta()
	}
	exceeds, err := t.positions.CheckBulkLimits(deltas)
	if err != nil {
		return nil, err
	}
	if !exceeds {
		exceeds, err = t.positions.CheckBulkPortfolioLimits(deltas)
		if err != nil {
			return nil, err
		}
	}
	if !exceeds {
		return legs, nil
	}

	compressed, err := t.positions.Compress(deltas)
	if err != nil {
		return nil, err
	}
	t.logger.WithFields(logrus.Fields{
		"requested":  deltas,
		"compressed": compressed,
	}).Info("Conversion compressed to fit limits")
	out := legs[:0]
	for _, leg := range legs {
		q := math.Abs(compressed[leg.Ticker])
		if q <= 0 {
			if leg.Ticker == etfTicker {
				return nil, nil
			}
			continue
		}
		leg.Quantity = q
		out = append(out, leg)
	}
	return out, nil
}

// runCrossETF opens the home/foreign pair when the signal fires and the
// position band allows, then manages any open pair whether or not new
// entries are enabled.
func (t *Trader) runCrossETF(ctx context.Context, enabled bool) error {
	c := t.cfg.CrossETF
	if c.Home == "" || c.Foreign == "" {
		return nil
	}
	if enabled && t.gateway.CanSubmit(2) && t.crossETFBand() {
		if err := t.openPair(ctx); err != nil {
			return err
		}
	}
	return t.managePair(ctx)
}

func (t *Trader) crossETFBand() bool {
	c := t.cfg.CrossETF
	size := t.cfg.ETFArbitrageOrderSize
	home := t.positions.Position(c.Home)
	foreign := t.positions.Position(c.Foreign)
	homeOK := home < size*(c.LongMultiplier-1) && home > -size*(c.ShortMultiplier-1)
	foreignOK := foreign < size*(c.ShortMultiplier-1) && foreign > -size*(c.LongMultiplier-1)
	return homeOK || foreignOK
}

func (t *Trader) openPair(ctx context.Context) error {
	c := t.cfg.CrossETF
	home, okHome := t.market.Ladder(c.Home)
	foreign, okForeign := t.market.Ladder(c.Foreign)
	if !okHome || !okForeign {
		return nil
	}
	sig, err := t.engine.CrossETFSignal(home, foreign, t.cfg.ETFArbitrageOrderSize, c.LongThreshold, c.ShortThreshold)
	if err != nil {
		if errors.Is(err, models.ErrInsufficientDepth) {
			return nil
		}
		return err
	}
	if sig.Conflict || !sig.Active() {
		return nil
	}
	t.countSignal(sig)
	t.logger.WithFields(logrus.Fields{
		"direction": sig.Direction,
		"profit":    sig.Profit,
		"quantity":  t.cfg.ETFArbitrageOrderSize,
	}).Info("Executing cross ETF arbitrage")

	var orders []*models.Order
	var failed error
	for _, leg := range sig.Legs {
		order, err := t.gateway.PlaceOrder(ctx, leg.Request())
		if err != nil {
			if models.Fatal(err) {
				return err
			}
			failed = err
			continue
		}
		orders = append(orders, order)
	}
	if failed != nil {
		t.logger.WithError(failed).Warn("Cross ETF leg failed, reversing the other leg")
		return t.reverse(ctx, orders)
	}

	for _, o := range orders {
		inst, err := t.positions.Instrument(o.Ticker)
		if err != nil {
			continue
		}
		// entry basis is the negated cash flow of the fill
		notional := o.FilledVolume.Mul(o.VWAP).InexactFloat64()
		flow, err := t.cash.Value(inst.Currency, t.cfg.PortfolioCurrency, -o.Action().Sign()*notional)
		if err != nil {
			t.logger.WithError(err).Warn("Failed to value cross ETF leg")
			continue
		}
		t.pair.InitialValue -= flow
	}
	t.pair.Open = true
	return nil
}

// managePair closes the pair on its take-profit or stop-loss return per
// unhedged unit. The unhedged volume is the negated foreign position.
func (t *Trader) managePair(ctx context.Context) error {
	if !t.pair.Open {
		return nil
	}
	c := t.cfg.CrossETF
	foreignVol := t.positions.Position(c.Foreign)
	unhedged := -foreignVol
	if math.Abs(unhedged) < volumeEpsilon {
		t.pair = pairState{}
		return nil
	}

	current := 0.0
	for _, leg := range []struct {
		ticker string
		volume float64
	}{{c.Home, unhedged}, {c.Foreign, foreignVol}} {
		mark, ok := t.market.MarkValue(leg.ticker, leg.volume)
		if !ok {
			return nil
		}
		inst, err := t.positions.Instrument(leg.ticker)
		if err != nil {
			return nil
		}
		v, err := t.cash.Value(inst.Currency, t.cfg.PortfolioCurrency, mark)
		if err != nil {
			return nil
		}
		current += v
	}

	ret := (current - t.pair.InitialValue) / math.Abs(unhedged)
	reason := ""
	switch {
	case ret > c.TakeProfit:
		reason = "take_profit"
	case ret < -c.StopLoss:
		reason = "stop_loss"
	default:
		return nil
	}
	t.logger.WithFields(logrus.Fields{
		"return":   ret,
		"unhedged": unhedged,
		"reason":   reason,
	}).Info("Closing cross ETF pair")

	homeAction := models.OrderSideSell
	if unhedged < 0 {
		homeAction = models.OrderSideBuy
	}
	q := math.Abs(unhedged)
	for _, req := range []models.OrderRequest{
		{Ticker: c.Home, Type: models.OrderTypeMarket, Quantity: q, Action: homeAction},
		{Ticker: c.Foreign, Type: models.OrderTypeMarket, Quantity: q, Action: homeAction.Opposite()},
	} {
		if _, err := t.gateway.PlaceOrder(ctx, req); err != nil {
			if models.Fatal(err) {
				return err
			}
			t.logger.WithError(err).WithField("ticker", req.Ticker).Error("Failed to close cross ETF leg")
		}
	}
	t.pair = pairState{}
	return nil
}

// runRiskExit closes tender residuals whose return crosses the ticker's
// take-profit or stop-loss line.
func (t *Trader) runRiskExit(ctx context.Context) error {
	tickers := make([]string, 0, len(t.residuals))
	for tk := range t.residuals {
		tickers = append(tickers, tk)
	}
	sort.Strings(tickers)

	for _, tk := range tickers {
		r := t.residuals[tk]
		if math.Abs(r.Volume) < volumeEpsilon {
			t.clearResidual(tk)
			continue
		}
		if r.Cost == 0 {
			continue
		}
		ret, ok := t.residualReturn(r)
		if !ok {
			continue
		}
		params, _ := t.cfg.Tender(tk)
		if ret <= params.TakeProfit && ret >= -params.StopLoss {
			continue
		}

		action := models.OrderSideSell
		if r.Volume < 0 {
			action = models.OrderSideBuy
		}
		order, err := t.gateway.PlaceOrder(ctx, models.OrderRequest{
			Ticker:   tk,
			Type:     models.OrderTypeMarket,
			Quantity: math.Abs(r.Volume),
			Action:   action,
		})
		if err != nil {
			if models.Fatal(err) {
				return err
			}
			t.logger.WithError(err).WithField("ticker", tk).Warn("Risk exit order failed")
			continue
		}
		t.logger.WithFields(logrus.Fields{
			"ticker":      tk,
			"return":      ret,
			"take_profit": ret > params.TakeProfit,
			"filled":      order.FilledVolume.String(),
		}).Info("Residual closed by risk exit")

		filled := order.FilledVolume.InexactFloat64()
		frac := math.Min(filled/math.Abs(r.Volume), 1)
		r.Cost *= 1 - frac
		r.Volume += action.Sign() * filled
		if math.Abs(r.Volume) < volumeEpsilon {
			t.clearResidual(tk)
		} else if t.metrics != nil {
			t.metrics.Unhedged.WithLabelValues(tk).Set(r.Volume)
		}
	}
	return nil
}

func (t *Trader) residualReturn(r *Residual) (float64, bool) {
	bid, ask, ok := t.market.Touch(r.Ticker)
	if !ok {
		return 0, false
	}
	if r.Volume > 0 {
		return (r.Volume*bid - r.Cost) / r.Cost, true
	}
	return (r.Volume*ask - r.Cost) / math.Abs(r.Cost), true
}

// hedge drives each foreign currency's exposure, cash plus the marked value
// of instruments quoted in it, back to zero. Exposure that includes
// instruments is left alone inside the deadband; bare cash is always
// flattened.
func (t *Trader) hedge(ctx context.Context) error {
	main := t.cash.Main()
	for _, cur := range t.cash.Currencies() {
		if cur == main {
			continue
		}
		acct, err := t.cash.Subaccount(cur)
		if err != nil || !acct.Tradeable {
			continue
		}
		balance := acct.Balance
		held, instruments := t.instrumentExposure(cur)
		exposure := balance + held
		band := volumeEpsilon
		if instruments {
			band = math.Max(t.cfg.HedgeDeadband, volumeEpsilon)
		}
		if math.Abs(exposure) <= band {
			continue
		}

		action := models.OrderSideSell
		if exposure < 0 {
			action = models.OrderSideBuy
		}
		remaining := math.Abs(exposure)
		out := t.retry(ctx, func(int) error {
			sent, err := t.gateway.PlaceCurrencyOrder(ctx, cur, action, remaining)
			if err != nil {
				return err
			}
			remaining -= sent
			if remaining > volumeEpsilon {
				return errIncomplete
			}
			return nil
		})
		if out.Err != nil && models.Fatal(out.Err) {
			return out.Err
		}
		fields := logrus.Fields{
			"currency": cur,
			"exposure": exposure,
			"action":   action,
			"attempts": out.Attempts,
		}
		if out.Reason != gateway.Succeeded {
			fields["unhedged"] = remaining
			t.logger.WithError(out.Err).WithFields(fields).Warn("Currency hedge incomplete")
			continue
		}
		t.logger.WithFields(fields).Debug("Currency exposure hedged")
	}
	return nil
}

func (t *Trader) instrumentExposure(currency string) (float64, bool) {
	total := 0.0
	held := false
	for _, tk := range t.positions.Tickers() {
		inst, err := t.positions.Instrument(tk)
		if err != nil || inst.Currency != currency || inst.Volume == 0 {
			continue
		}
		held = true
		if v, ok := t.market.MarkValue(tk, inst.Volume); ok {
			total += v
		} else {
			total += inst.NLV
		}
	}
	return total, held
}

// closeAll cancels working orders and flattens every position, then the
// cash left in foreign currencies.
func (t *Trader) closeAll(ctx context.Context) error {
	if _, err := t.gateway.BulkCancel(ctx, models.CancelQuery{All: true}); err != nil && models.Fatal(err) {
		return err
	}
	for _, tk := range t.positions.Tickers() {
		if t.positions.Position(tk) == 0 {
			continue
		}
		ticker := tk
		out := t.retry(ctx, func(int) error {
			if _, err := t.gateway.ClosePosition(ctx, ticker, 0); err != nil {
				return err
			}
			if t.positions.Position(ticker) != 0 {
				return errIncomplete
			}
			return nil
		})
		if out.Err != nil && models.Fatal(out.Err) {
			return out.Err
		}
		if out.Reason != gateway.Succeeded {
			t.logger.WithError(out.Err).WithFields(logrus.Fields{
				"ticker":   ticker,
				"position": t.positions.Position(ticker),
			}).Error("Failed to flatten position")
		}
		t.clearResidual(ticker)
	}
	t.pair = pairState{}
	return t.hedge(ctx)
}

func sortedWeightKeys(m map[string]float64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
