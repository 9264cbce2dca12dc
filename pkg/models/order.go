package models

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the side that unwinds a position opened with s.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// BookSide is the ladder side an order rests on.
func (s OrderSide) BookSide() BookSide {
	if s == OrderSideBuy {
		return BookSideBid
	}
	return BookSideAsk
}

// Sign is +1 for buys and -1 for sells.
func (s OrderSide) Sign() float64 {
	if s == OrderSideBuy {
		return 1
	}
	return -1
}

func ParseOrderSide(s string) (OrderSide, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "b":
		return OrderSideBuy, nil
	case "sell", "s":
		return OrderSideSell, nil
	}
	return "", fmt.Errorf("%w: unknown action %q", ErrValidation, s)
}

type BookSide string

const (
	BookSideBid BookSide = "bid"
	BookSideAsk BookSide = "ask"
)

type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

func ParseOrderType(s string) (OrderType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "market", "m":
		return OrderTypeMarket, nil
	case "limit", "l":
		return OrderTypeLimit, nil
	}
	return "", fmt.Errorf("%w: unknown order type %q", ErrValidation, s)
}

type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled
}

// Order is a resting book entry or one of our own submissions.
type Order struct {
	ID            int64
	Ticker        string
	Side          BookSide
	Type          OrderType
	Price         decimal.Decimal
	InitialVolume decimal.Decimal
	FilledVolume  decimal.Decimal
	VWAP          decimal.Decimal
	Tick          int
	Status        OrderStatus
}

// Remaining is the unfilled volume.
func (o *Order) Remaining() decimal.Decimal {
	r := o.InitialVolume.Sub(o.FilledVolume)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// Action is the trading direction of the order.
func (o *Order) Action() OrderSide {
	if o.Side == BookSideBid {
		return OrderSideBuy
	}
	return OrderSideSell
}

// ApplyFill advances the order to the reported filled volume. Fills never move
// backwards and terminal orders are left untouched; the return value tells
// whether anything changed.
func (o *Order) ApplyFill(filled, vwap decimal.Decimal) bool {
	if o.Status.Terminal() || !filled.GreaterThan(o.FilledVolume) {
		return false
	}
	if filled.GreaterThan(o.InitialVolume) {
		filled = o.InitialVolume
	}
	o.FilledVolume = filled
	if !vwap.IsZero() {
		o.VWAP = vwap
	}
	if o.Remaining().IsZero() {
		o.Status = OrderStatusFilled
	} else {
		o.Status = OrderStatusPartiallyFilled
	}
	return true
}

// Cancel moves a live order to CANCELLED.
func (o *Order) Cancel() bool {
	if o.Status.Terminal() {
		return false
	}
	o.Status = OrderStatusCancelled
	return true
}

// OrderRequest is what strategies and the console ask the gateway to submit.
type OrderRequest struct {
	Ticker   string
	Type     OrderType
	Quantity float64
	Action   OrderSide
	Price    decimal.NullDecimal
}

// OrderStatusReport is the venue's view of one of our orders.
type OrderStatusReport struct {
	ID       int64
	Quantity decimal.Decimal
	Filled   decimal.Decimal
	VWAP     decimal.Decimal
	Status   string
}

// CancelQuery selects orders for a bulk cancel.
type CancelQuery struct {
	All    bool
	Ticker string
	IDs    []int64
	Query  string
}
