package arbitrage

import (
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/etfarb/pkg/book"
	"github.com/gregtusar/etfarb/pkg/models"
)

// Strategy names used in signals, toggles and metrics.
const (
	StrategyTender     = "tender"
	StrategyConversion = "conversion"
	StrategyCrossETF   = "cross_etf"
	StrategyRiskExit   = "risk_exit"
)

// Book is the part of a ladder the signals price against.
type Book interface {
	Ticker() string
	Currency() string
	VWAPToFill(qty decimal.Decimal, action models.OrderSide, includeFee bool) (decimal.Decimal, error)
	Advise(qty decimal.Decimal, action models.OrderSide, tolerance decimal.Decimal) (book.Advice, error)
	TradeValue(qty decimal.Decimal, typ models.OrderType, action models.OrderSide, price decimal.NullDecimal) (decimal.Decimal, error)
}

// FX converts cash between currencies at executable rates.
type FX interface {
	ConvertAmount(from, to string, amount float64) (float64, error)
	ConvertToTarget(from, to string, target float64) (float64, error)
}

type Params struct {
	PortfolioCurrency string
	SlippageTolerance float64
	ConvertFee        float64
	FeeCurrency       string
	// SelectByThreshold picks create over redeem by comparing thresholds
	// when both fire; off, the larger per-unit profit wins.
	SelectByThreshold bool
}

// Engine evaluates arbitrage signals. It only reads books and rates.
type Engine struct {
	params Params
	fx     FX
	logger *logrus.Logger
}

func NewEngine(params Params, fx FX, logger *logrus.Logger) *Engine {
	if params.FeeCurrency == "" {
		params.FeeCurrency = params.PortfolioCurrency
	}
	return &Engine{params: params, fx: fx, logger: logger}
}

func (e *Engine) Params() Params { return e.params }

// cost is what paying amount in currency costs in the portfolio currency.
func (e *Engine) cost(currency string, amount float64) (float64, error) {
	return e.fx.ConvertToTarget(e.params.PortfolioCurrency, currency, amount)
}

// proceeds is what receiving amount in currency is worth in the portfolio
// currency.
func (e *Engine) proceeds(currency string, amount float64) (float64, error) {
	return e.fx.ConvertAmount(currency, e.params.PortfolioCurrency, amount)
}

func (e *Engine) portfolioValue(currency string, action models.OrderSide, amount float64) (float64, error) {
	if action == models.OrderSideBuy {
		return e.cost(currency, amount)
	}
	return e.proceeds(currency, amount)
}

func qty(q float64) decimal.Decimal {
	return decimal.NewFromFloat(q)
}
