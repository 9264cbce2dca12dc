package arbitrage

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/etfarb/pkg/models"
)

// floatingMargin is added on top of the threshold when bidding on a floating
// tender so the bid clears it strictly.
var floatingMargin = decimal.New(1, -2)

// TenderSignal prices unwinding the tender volume on the opposite side of
// the book. A sell tender earns price - VWAP(buy), a buy tender VWAP(sell) -
// price; the total edge must beat the threshold for the tender's direction.
//
// A floating tender carries no price. It is bid at the unwind VWAP shifted by
// the threshold per unit plus one cent, rounded away from the book, and the
// bid is returned on the signal.
func (e *Engine) TenderSignal(t models.Tender, b Book, buyThreshold, sellThreshold float64) (models.Signal, error) {
	sig := models.Signal{Strategy: StrategyTender}
	if t.Volume <= 0 {
		return sig, fmt.Errorf("%w: tender %d has no volume", models.ErrValidation, t.ID)
	}
	unwind := t.Action.Opposite()
	vwap, err := b.VWAPToFill(qty(t.Volume), unwind, true)
	if err != nil {
		return sig, fmt.Errorf("tender %d on %s: %w", t.ID, t.Ticker, err)
	}

	threshold := buyThreshold
	if t.Action == models.OrderSideSell {
		threshold = sellThreshold
	}
	price := t.Price
	if !t.Fixed {
		shift := decimal.NewFromFloat(threshold).Div(qty(t.Volume)).Add(floatingMargin)
		if t.Action == models.OrderSideSell {
			price = vwap.Add(shift).RoundCeil(2)
		} else {
			price = vwap.Sub(shift).RoundFloor(2)
		}
		if !price.IsPositive() {
			return sig, nil
		}
		sig.Bid = decimal.NewNullDecimal(price)
	}

	var perUnit decimal.Decimal
	if t.Action == models.OrderSideSell {
		perUnit = price.Sub(vwap)
	} else {
		perUnit = vwap.Sub(price)
	}
	edge := perUnit.Mul(qty(t.Volume)).InexactFloat64()

	profit, err := e.proceeds(b.Currency(), edge)
	if err != nil {
		return sig, err
	}
	sig.Profit = profit
	sig.Legs = []models.Leg{{
		Ticker:         t.Ticker,
		Action:         unwind,
		Type:           models.OrderTypeMarket,
		Quantity:       t.Volume,
		Value:          vwap.Mul(qty(t.Volume)).InexactFloat64(),
		ValuePortfolio: profit,
	}}
	if edge > threshold {
		sig.Direction = 1
	}
	return sig, nil
}

// ETFTenderSignal values a tender on an ETF by converting through the
// basket at the tender price: a sell tender is delivered by creating the
// ETF, a buy tender is redeemed into the basket. Only basket legs are
// returned since the ETF side is the tender itself.
func (e *Engine) ETFTenderSignal(t models.Tender, basket map[string]Book, weights map[string]float64, etf Book, threshold float64) (models.Signal, error) {
	sig := models.Signal{Strategy: StrategyTender}
	if t.Volume <= 0 {
		return sig, fmt.Errorf("%w: tender %d has no volume", models.ErrValidation, t.ID)
	}
	if !t.Fixed {
		if e.logger != nil {
			e.logger.WithField("tender_id", t.ID).Debug("Floating ETF tender not bid")
		}
		return sig, nil
	}
	create := t.Action == models.OrderSideSell
	conv, err := e.ConversionProfit(basket, weights, etf, t.Volume, create, decimal.NewNullDecimal(t.Price))
	if err != nil {
		return sig, err
	}
	sig.Profit = conv.Profit
	for _, l := range conv.Legs {
		if l.Ticker != etf.Ticker() {
			sig.Legs = append(sig.Legs, l)
		}
	}
	if conv.Profit > 0 && conv.Profit/t.Volume > threshold {
		sig.Direction = 1
	}
	if e.logger != nil {
		e.logger.WithFields(logrus.Fields{
			"tender_id": t.ID,
			"profit":    conv.Profit,
			"accept":    sig.Active(),
		}).Debug("ETF tender evaluated")
	}
	return sig, nil
}

func sortedTickers(m map[string]Book) []string {
	out := make([]string, 0, len(m))
	for t := range m {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
