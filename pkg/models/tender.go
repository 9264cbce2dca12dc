package models

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Tender is an off-book offer. Action is the side we take by accepting it:
// a BUY tender means we buy the volume at Price.
type Tender struct {
	ID      int64
	Ticker  string
	Volume  float64
	Price   decimal.Decimal
	Fixed   bool
	Action  OrderSide
	Tick    int
	Expires int
	Caption string
}

// Delta is the signed position change from accepting the tender.
func (t Tender) Delta() float64 {
	return t.Action.Sign() * t.Volume
}

// ParseTenderAction accepts the venue's upper-case action strings.
func ParseTenderAction(s string) (OrderSide, error) {
	return ParseOrderSide(strings.ToLower(s))
}
