package arbitrage

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/etfarb/pkg/models"
)

// Conversion is the priced result of one basket/ETF conversion.
type Conversion struct {
	Create bool
	Profit float64
	Legs   []models.Leg
}

// ConversionProfit prices creating (buy basket, sell ETF) or redeeming
// (sell basket, buy ETF) qty units. Each leg is priced with the ladder's
// order advice and converted to the portfolio currency; the conversion fee
// is charged per unit. A valid etfPrice fixes the ETF leg at that price.
func (e *Engine) ConversionProfit(basket map[string]Book, weights map[string]float64, etf Book, quantity float64, create bool, etfPrice decimal.NullDecimal) (Conversion, error) {
	conv := Conversion{Create: create}
	if quantity <= 0 {
		return conv, fmt.Errorf("%w: conversion quantity %v", models.ErrValidation, quantity)
	}
	stockAction := models.OrderSideSell
	if create {
		stockAction = models.OrderSideBuy
	}
	tol := decimal.NewFromFloat(e.params.SlippageTolerance)

	basketValue := 0.0
	for _, ticker := range sortedTickers(basket) {
		w, ok := weights[ticker]
		if !ok {
			return conv, fmt.Errorf("%w: no basket weight for %s", models.ErrValidation, ticker)
		}
		b := basket[ticker]
		leg, err := e.pricedLeg(b, quantity*w, stockAction, tol)
		if err != nil {
			return conv, err
		}
		basketValue += leg.ValuePortfolio
		conv.Legs = append(conv.Legs, leg)
	}

	etfAction := stockAction.Opposite()
	var etfLeg models.Leg
	if etfPrice.Valid {
		value := etfPrice.Decimal.Mul(qty(quantity)).InexactFloat64()
		pv, err := e.portfolioValue(etf.Currency(), etfAction, value)
		if err != nil {
			return conv, err
		}
		etfLeg = models.Leg{
			Ticker:         etf.Ticker(),
			Action:         etfAction,
			Type:           models.OrderTypeLimit,
			Price:          etfPrice,
			Quantity:       quantity,
			Value:          value,
			ValuePortfolio: pv,
		}
	} else {
		var err error
		etfLeg, err = e.pricedLeg(etf, quantity, etfAction, tol)
		if err != nil {
			return conv, err
		}
	}
	conv.Legs = append(conv.Legs, etfLeg)

	fee, err := e.cost(e.params.FeeCurrency, e.params.ConvertFee)
	if err != nil {
		return conv, err
	}
	if create {
		conv.Profit = etfLeg.ValuePortfolio - basketValue - quantity*fee
	} else {
		conv.Profit = basketValue - etfLeg.ValuePortfolio - quantity*fee
	}
	return conv, nil
}

func (e *Engine) pricedLeg(b Book, quantity float64, action models.OrderSide, tol decimal.Decimal) (models.Leg, error) {
	q := qty(quantity)
	advice, err := b.Advise(q, action, tol)
	if err != nil {
		return models.Leg{}, fmt.Errorf("%s: %w", b.Ticker(), err)
	}
	value, err := b.TradeValue(q, advice.Type, action, advice.Price)
	if err != nil {
		return models.Leg{}, fmt.Errorf("%s: %w", b.Ticker(), err)
	}
	v := value.InexactFloat64()
	pv, err := e.portfolioValue(b.Currency(), action, v)
	if err != nil {
		return models.Leg{}, err
	}
	return models.Leg{
		Ticker:         b.Ticker(),
		Action:         action,
		Type:           advice.Type,
		Price:          advice.Price,
		Quantity:       quantity,
		Value:          v,
		ValuePortfolio: pv,
	}, nil
}

// ConversionSignal fires create (+1) when the per-unit create profit plus
// shift beats createThreshold, and redeem (-1) when the per-unit redeem
// profit minus shift beats redeemThreshold.
func (e *Engine) ConversionSignal(basket map[string]Book, weights map[string]float64, etf Book, quantity, shift, createThreshold, redeemThreshold float64) (models.Signal, error) {
	sig := models.Signal{Strategy: StrategyConversion}
	create, err := e.ConversionProfit(basket, weights, etf, quantity, true, decimal.NullDecimal{})
	if err != nil {
		return sig, err
	}
	redeem, err := e.ConversionProfit(basket, weights, etf, quantity, false, decimal.NullDecimal{})
	if err != nil {
		return sig, err
	}

	createFires := create.Profit > 0 && create.Profit/quantity+shift > createThreshold
	redeemFires := redeem.Profit > 0 && redeem.Profit/quantity-shift > redeemThreshold

	pick := create
	direction := 0
	switch {
	case createFires && redeemFires:
		chooseCreate := createThreshold > redeemThreshold
		if !e.params.SelectByThreshold {
			chooseCreate = create.Profit >= redeem.Profit
		}
		direction = 1
		if !chooseCreate {
			pick, direction = redeem, -1
		}
		if e.logger != nil {
			e.logger.WithFields(logrus.Fields{
				"create_profit": create.Profit,
				"redeem_profit": redeem.Profit,
				"direction":     direction,
			}).Warn("Both conversion directions fired")
		}
	case createFires:
		direction = 1
	case redeemFires:
		pick, direction = redeem, -1
	}

	sig.Direction = direction
	if direction != 0 {
		sig.Legs = pick.Legs
		sig.Profit = pick.Profit
	}
	return sig, nil
}
