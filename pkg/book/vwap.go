package book

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/gregtusar/etfarb/pkg/models"
)

// Advice is the suggested execution style for a quantity.
type Advice struct {
	Type  models.OrderType
	Price decimal.NullDecimal
}

// takingSide is the side a market order for action consumes.
func takingSide(action models.OrderSide) models.BookSide {
	if action == models.OrderSideBuy {
		return models.BookSideAsk
	}
	return models.BookSideBid
}

func validAction(action models.OrderSide) error {
	if action != models.OrderSideBuy && action != models.OrderSideSell {
		return fmt.Errorf("%w: unknown action %q", models.ErrValidation, action)
	}
	return nil
}

// walk consumes qty from the best price outward with every level's volume
// scaled by depthFactor and every price scaled by priceFactor. It returns the
// notional and the price of the last level touched.
func (l *Ladder) walk(qty decimal.Decimal, side models.BookSide, depthFactor, priceFactor decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	notional := decimal.Zero
	last := decimal.Zero
	left := qty
	for _, lvl := range *l.levels(side) {
		if !left.IsPositive() {
			break
		}
		avail := lvl.volume().Mul(depthFactor)
		take := decimal.Min(avail, left)
		price := lvl.price.Mul(priceFactor)
		notional = notional.Add(price.Mul(take))
		left = left.Sub(take)
		last = lvl.price
	}
	if left.IsPositive() {
		return decimal.Zero, last, fmt.Errorf("%w: %s short %s of %s on %s side",
			models.ErrInsufficientDepth, l.ticker, left.String(), qty.String(), side)
	}
	return notional, last, nil
}

func (l *Ladder) applyFee(price decimal.Decimal, action models.OrderSide) decimal.Decimal {
	if action == models.OrderSideBuy {
		return price.Add(l.fee)
	}
	return price.Sub(l.fee)
}

// VWAPToFill is the average price of filling qty with a market order. Buys
// walk the asks and sells walk the bids. When includeFee is set the per-unit
// fee is added for buys and subtracted for sells. A book too thin for qty
// fails with ErrInsufficientDepth; no partial average is returned.
func (l *Ladder) VWAPToFill(qty decimal.Decimal, action models.OrderSide, includeFee bool) (decimal.Decimal, error) {
	if err := validAction(action); err != nil {
		return decimal.Zero, err
	}
	if !qty.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: quantity must be positive", models.ErrValidation)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	notional, _, err := l.walk(qty, takingSide(action), decimal.NewFromInt(1), decimal.NewFromInt(1))
	if err != nil {
		return decimal.Zero, err
	}
	vwap := notional.Div(qty)
	if includeFee {
		vwap = l.applyFee(vwap, action)
	}
	return vwap, nil
}

// StressVWAP prices qty against a shocked book: each level keeps only
// depthFactor of its volume and prices move against us by priceShock
// (a fraction, e.g. 0.02).
func (l *Ladder) StressVWAP(qty decimal.Decimal, action models.OrderSide, depthFactor, priceShock decimal.Decimal, includeFee bool) (decimal.Decimal, error) {
	if err := validAction(action); err != nil {
		return decimal.Zero, err
	}
	if !qty.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: quantity must be positive", models.ErrValidation)
	}
	if !depthFactor.IsPositive() || depthFactor.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("%w: depth factor must be in (0, 1]", models.ErrValidation)
	}

	factor := decimal.NewFromInt(1).Add(priceShock)
	if action == models.OrderSideSell {
		factor = decimal.NewFromInt(1).Sub(priceShock)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	notional, _, err := l.walk(qty, takingSide(action), depthFactor, factor)
	if err != nil {
		return decimal.Zero, err
	}
	vwap := notional.Div(qty)
	if includeFee {
		vwap = l.applyFee(vwap, action)
	}
	return vwap, nil
}

// Advise picks between a market and a limit order. If the fee-free VWAP of
// qty stays within tolerance of the best quote a market order is suggested;
// otherwise a limit order at the last level qty would reach. A book without
// enough depth always gets a limit at its deepest level.
func (l *Ladder) Advise(qty decimal.Decimal, action models.OrderSide, tolerance decimal.Decimal) (Advice, error) {
	if err := validAction(action); err != nil {
		return Advice{}, err
	}
	if !qty.IsPositive() {
		return Advice{}, fmt.Errorf("%w: quantity must be positive", models.ErrValidation)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	side := takingSide(action)
	levels := *l.levels(side)
	if len(levels) == 0 {
		return Advice{}, fmt.Errorf("%w: %s has no %s levels", models.ErrInsufficientDepth, l.ticker, side)
	}
	best := levels[0].price

	one := decimal.NewFromInt(1)
	notional, last, err := l.walk(qty, side, one, one)
	if err == nil {
		slippage := notional.Div(qty).Sub(best).Abs()
		if slippage.LessThanOrEqual(tolerance) {
			return Advice{Type: models.OrderTypeMarket}, nil
		}
	}
	return Advice{Type: models.OrderTypeLimit, Price: decimal.NewNullDecimal(last)}, nil
}

// TradeValue is the cash magnitude of trading qty: the cost of a buy or the
// proceeds of a sell. Market orders use the fee-inclusive VWAP; limit orders
// use the given price adjusted for the fee and the passive rebate.
func (l *Ladder) TradeValue(qty decimal.Decimal, typ models.OrderType, action models.OrderSide, price decimal.NullDecimal) (decimal.Decimal, error) {
	if err := validAction(action); err != nil {
		return decimal.Zero, err
	}
	switch typ {
	case models.OrderTypeMarket:
		vwap, err := l.VWAPToFill(qty, action, true)
		if err != nil {
			return decimal.Zero, err
		}
		return vwap.Mul(qty), nil
	case models.OrderTypeLimit:
		if !price.Valid {
			return decimal.Zero, fmt.Errorf("%w: limit value needs a price", models.ErrValidation)
		}
		fee, rebate := l.Fees()
		if action == models.OrderSideBuy {
			return price.Decimal.Add(fee).Sub(rebate).Mul(qty), nil
		}
		return price.Decimal.Sub(fee).Add(rebate).Mul(qty), nil
	}
	return decimal.Zero, fmt.Errorf("%w: unknown order type %q", models.ErrValidation, typ)
}
