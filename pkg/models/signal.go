package models

import (
	"github.com/shopspring/decimal"
)

// Leg is one order an arbitrage signal wants executed.
type Leg struct {
	Ticker         string
	Action         OrderSide
	Type           OrderType
	Price          decimal.NullDecimal
	Quantity       float64
	Value          float64
	ValuePortfolio float64
}

// Delta is the signed position change of the leg.
func (l Leg) Delta() float64 {
	return l.Action.Sign() * l.Quantity
}

// Request turns the leg into a gateway order request.
func (l Leg) Request() OrderRequest {
	req := OrderRequest{
		Ticker:   l.Ticker,
		Type:     l.Type,
		Quantity: l.Quantity,
		Action:   l.Action,
	}
	if l.Type == OrderTypeLimit {
		req.Price = l.Price
	}
	return req
}

// Signal is the outcome of one strategy evaluation.
type Signal struct {
	Strategy  string
	Direction int
	Legs      []Leg
	Profit    float64
	Conflict  bool
	// Bid is the price to submit with a floating tender acceptance.
	Bid decimal.NullDecimal
}

// Active reports whether the signal asks for a trade.
func (s Signal) Active() bool {
	return s.Direction != 0
}

// Deltas aggregates leg quantities per ticker.
func (s Signal) Deltas() map[string]float64 {
	out := make(map[string]float64, len(s.Legs))
	for _, l := range s.Legs {
		out[l.Ticker] += l.Delta()
	}
	return out
}
