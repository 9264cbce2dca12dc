package models

import (
	"github.com/shopspring/decimal"
)

type SecurityType string

const (
	SecurityTypeStock    SecurityType = "stock"
	SecurityTypeIndex    SecurityType = "index"
	SecurityTypeCurrency SecurityType = "currency"
)

// CaseInfo is the venue's session clock.
type CaseInfo struct {
	Tick           int
	Period         int
	TicksPerPeriod int
	Status         string
}

// Active reports whether trading is still open.
func (c CaseInfo) Active() bool {
	return c.Status == "ACTIVE"
}

// BookEntry is one resting order in a ladder snapshot.
type BookEntry struct {
	ID       int64
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Filled   decimal.Decimal
	Side     BookSide
	Status   string
}

// Open reports whether the entry still rests on the book.
func (e BookEntry) Open() bool {
	return e.Status == "" || e.Status == "OPEN"
}

type Quote struct {
	Last    decimal.Decimal
	Bid     decimal.Decimal
	Ask     decimal.Decimal
	BidSize decimal.Decimal
	AskSize decimal.Decimal
}

// Transaction is a print on the time and sales tape.
type Transaction struct {
	ID       int64
	Period   int
	Tick     int
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Security carries both static instrument data and the position snapshot.
type Security struct {
	Ticker          string
	Type            SecurityType
	Currency        string
	LimitName       string
	LimitUnit       float64
	Shortable       bool
	Tradeable       bool
	MinTradeSize    float64
	MaxTradeSize    float64
	StartPrice      float64
	TradingFee      float64
	LimitRebate     float64
	OrdersPerSecond int

	Position   float64
	VWAP       float64
	NLV        float64
	Realized   float64
	Unrealized float64
}

// LimitUsage is one venue limit bucket with its current usage.
type LimitUsage struct {
	Name       string
	GrossLimit float64
	NetLimit   float64
	Gross      float64
	Net        float64
	GrossFine  float64
	NetFine    float64
}
