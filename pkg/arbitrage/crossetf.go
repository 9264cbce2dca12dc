package arbitrage

import (
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/etfarb/pkg/models"
)

// CrossETFSignal compares buying a and selling b at market against the
// mirror trade. +1 buys a and sells b, -1 the reverse. If both directions
// clear their thresholds the books disagree with themselves and the signal
// is a no-op flagged as a conflict.
func (e *Engine) CrossETFSignal(a, b Book, quantity, buyAThreshold, sellAThreshold float64) (models.Signal, error) {
	sig := models.Signal{Strategy: StrategyCrossETF}

	buyA, err := e.marketPair(a, b, quantity)
	if err != nil {
		return sig, err
	}
	sellA, err := e.marketPair(b, a, quantity)
	if err != nil {
		return sig, err
	}

	long := buyA.profit > buyAThreshold
	short := sellA.profit > sellAThreshold
	switch {
	case long && short:
		sig.Conflict = true
		if e.logger != nil {
			e.logger.WithFields(logrus.Fields{
				"buy_a_profit":  buyA.profit,
				"sell_a_profit": sellA.profit,
			}).Warn("Conflicting cross ETF signals")
		}
	case long:
		sig.Direction, sig.Profit, sig.Legs = 1, buyA.profit, buyA.legs
	case short:
		sig.Direction, sig.Profit, sig.Legs = -1, sellA.profit, sellA.legs
	}
	return sig, nil
}

type pair struct {
	profit float64
	legs   []models.Leg
}

func (e *Engine) marketPair(buy, sell Book, quantity float64) (pair, error) {
	q := qty(quantity)
	cost, err := buy.TradeValue(q, models.OrderTypeMarket, models.OrderSideBuy, decimal.NullDecimal{})
	if err != nil {
		return pair{}, err
	}
	gain, err := sell.TradeValue(q, models.OrderTypeMarket, models.OrderSideSell, decimal.NullDecimal{})
	if err != nil {
		return pair{}, err
	}
	costPV, err := e.cost(buy.Currency(), cost.InexactFloat64())
	if err != nil {
		return pair{}, err
	}
	gainPV, err := e.proceeds(sell.Currency(), gain.InexactFloat64())
	if err != nil {
		return pair{}, err
	}
	return pair{
		profit: gainPV - costPV,
		legs: []models.Leg{
			{Ticker: buy.Ticker(), Action: models.OrderSideBuy, Type: models.OrderTypeMarket, Quantity: quantity,
				Value: cost.InexactFloat64(), ValuePortfolio: costPV},
			{Ticker: sell.Ticker(), Action: models.OrderSideSell, Type: models.OrderTypeMarket, Quantity: quantity,
				Value: gain.InexactFloat64(), ValuePortfolio: gainPV},
		},
	}, nil
}
