package ledger

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/etfarb/pkg/models"
)

var ErrUnknownInstrument = errors.New("unknown instrument")

// Instrument is one tradable security and our position in it. Zero gross and
// net limits mean the instrument only answers to the portfolio limits.
type Instrument struct {
	Ticker     string
	Currency   string
	Volume     float64
	Cost       float64
	AvgCost    float64
	Realized   float64
	Unrealized float64
	NLV        float64

	Tradeable    bool
	Shortable    bool
	MinTradeSize float64
	MaxTradeSize float64
	Multiplier   float64
	Fee          float64
	Rebate       float64

	GrossLimit float64
	NetLimit   float64
	LimitName  string
}

// PositionLedger tracks instrument positions against instrument and
// portfolio limits.
type PositionLedger struct {
	mu          sync.RWMutex
	logger      *logrus.Logger
	cash        *CurrencyLedger
	instruments map[string]*Instrument

	grossLimit float64
	netLimit   float64
	maxUsage   float64

	reportedGross float64
	reportedNet   float64
	grossFine     float64
	netFine       float64

	maxValue    float64
	maxDrawdown float64
}

func NewPositionLedger(cash *CurrencyLedger, logger *logrus.Logger) *PositionLedger {
	return &PositionLedger{
		logger:      logger,
		cash:        cash,
		instruments: make(map[string]*Instrument),
		grossLimit:  math.Inf(1),
		netLimit:    math.Inf(1),
		maxUsage:    1,
	}
}

func (p *PositionLedger) Cash() *CurrencyLedger { return p.cash }

func normTicker(t string) string {
	return strings.ToUpper(strings.TrimSpace(t))
}

func (p *PositionLedger) AddInstrument(inst Instrument) error {
	inst.Ticker = normTicker(inst.Ticker)
	inst.Currency = normCurrency(inst.Currency)
	if inst.Ticker == "" {
		return fmt.Errorf("%w: empty ticker", models.ErrValidation)
	}
	if inst.Multiplier == 0 {
		inst.Multiplier = 1
	}
	if inst.MaxTradeSize == 0 {
		inst.MaxTradeSize = math.Inf(1)
	}
	if inst.GrossLimit == 0 && inst.NetLimit == 0 {
		inst.GrossLimit = math.Inf(1)
		inst.NetLimit = math.Inf(1)
	}
	if !inst.Tradeable {
		inst.MaxTradeSize = 0
		inst.MinTradeSize = 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.instruments[inst.Ticker]; ok {
		return fmt.Errorf("%w: instrument %s already exists", models.ErrValidation, inst.Ticker)
	}
	p.instruments[inst.Ticker] = &inst
	return nil
}

func (p *PositionLedger) instrument(ticker string) (*Instrument, error) {
	inst, ok := p.instruments[normTicker(ticker)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstrument, ticker)
	}
	return inst, nil
}

func (p *PositionLedger) Instrument(ticker string) (Instrument, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	inst, err := p.instrument(ticker)
	if err != nil {
		return Instrument{}, err
	}
	return *inst, nil
}

// Position is the signed volume held, zero for unknown tickers.
func (p *PositionLedger) Position(ticker string) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if inst, err := p.instrument(ticker); err == nil {
		return inst.Volume
	}
	return 0
}

func (p *PositionLedger) Tickers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return sortedKeys(p.instruments)
}

func (p *PositionLedger) SetLimits(gross, net float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.grossLimit = gross
	p.netLimit = net
}

func (p *PositionLedger) SetInstrumentLimits(ticker string, gross, net float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, err := p.instrument(ticker)
	if err != nil {
		return err
	}
	inst.GrossLimit = gross
	inst.NetLimit = net
	return nil
}

// SetMaxUsage caps the fraction of every limit the ledger will use.
func (p *PositionLedger) SetMaxUsage(usage float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxUsage = usage
}

func (p *PositionLedger) caps() (maxGross, maxNet float64) {
	return p.grossLimit * p.maxUsage, p.netLimit * p.maxUsage
}

// exposure returns the weighted gross and net positions with deltas applied.
func (p *PositionLedger) exposure(deltas map[string]float64) (gross, net float64) {
	for t, inst := range p.instruments {
		v := inst.Volume + deltas[t]
		gross += math.Abs(v) * inst.Multiplier
		net += v * inst.Multiplier
	}
	return gross, net
}

func (p *PositionLedger) GrossPosition() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	g, _ := p.exposure(nil)
	return g
}

func (p *PositionLedger) NetPosition() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, n := p.exposure(nil)
	return n
}

func (p *PositionLedger) instrumentExceeds(inst *Instrument, delta float64) bool {
	if math.Abs(inst.Volume+delta) > inst.NetLimit*p.maxUsage {
		return true
	}
	return math.Abs(inst.Volume)+math.Abs(delta) > inst.GrossLimit*p.maxUsage
}

func (p *PositionLedger) portfolioExceeds(deltas map[string]float64) bool {
	maxGross, maxNet := p.caps()
	gross, net := p.exposure(deltas)
	return gross > maxGross || math.Abs(net) > maxNet
}

func (p *PositionLedger) normDeltas(deltas map[string]float64) (map[string]float64, error) {
	out := make(map[string]float64, len(deltas))
	for t, d := range deltas {
		key := normTicker(t)
		if _, ok := p.instruments[key]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownInstrument, t)
		}
		out[key] += d
	}
	return out, nil
}

// CheckLimits reports whether trading delta in ticker would breach the
// instrument's own limits or the portfolio limits.
func (p *PositionLedger) CheckLimits(ticker string, delta float64) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	inst, err := p.instrument(ticker)
	if err != nil {
		return false, err
	}
	if p.instrumentExceeds(inst, delta) {
		return true, nil
	}
	return p.portfolioExceeds(map[string]float64{inst.Ticker: delta}), nil
}

// CheckBulkLimits runs CheckLimits for every delta on its own.
func (p *PositionLedger) CheckBulkLimits(deltas map[string]float64) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	norm, err := p.normDeltas(deltas)
	if err != nil {
		return false, err
	}
	for t, d := range norm {
		if p.instrumentExceeds(p.instruments[t], d) {
			return true, nil
		}
		if p.portfolioExceeds(map[string]float64{t: d}) {
			return true, nil
		}
	}
	return false, nil
}

// CheckBulkPortfolioLimits applies all deltas together and checks the
// combined portfolio exposure.
func (p *PositionLedger) CheckBulkPortfolioLimits(deltas map[string]float64) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	norm, err := p.normDeltas(deltas)
	if err != nil {
		return false, err
	}
	return p.portfolioExceeds(norm), nil
}

// ApplySnapshot overwrites positions and security data with the venue's
// view. Tickers not yet known are added.
func (p *PositionLedger) ApplySnapshot(secs []models.Security) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range secs {
		if s.Type == models.SecurityTypeCurrency {
			continue
		}
		key := normTicker(s.Ticker)
		inst, ok := p.instruments[key]
		if !ok {
			inst = &Instrument{
				Ticker:     key,
				Currency:   normCurrency(s.Currency),
				Multiplier: 1,
				GrossLimit: math.Inf(1),
				NetLimit:   math.Inf(1),
			}
			p.instruments[key] = inst
		}
		inst.Volume = s.Position
		inst.AvgCost = s.VWAP
		inst.Cost = s.Position * s.VWAP
		inst.Realized = s.Realized
		inst.Unrealized = s.Unrealized
		inst.NLV = s.NLV
		inst.Tradeable = s.Tradeable
		inst.Shortable = s.Shortable
		inst.MinTradeSize = s.MinTradeSize
		inst.MaxTradeSize = s.MaxTradeSize
		if inst.MaxTradeSize == 0 {
			inst.MaxTradeSize = math.Inf(1)
		}
		if !s.Tradeable {
			inst.MaxTradeSize = 0
		}
		inst.Fee = s.TradingFee
		inst.Rebate = s.LimitRebate
		inst.LimitName = s.LimitName
		// the venue quotes units per limit slot
		if s.LimitUnit > 0 {
			inst.Multiplier = 1 / s.LimitUnit
		}
	}
}

// ApplyLimitUsage records the venue's view of portfolio limit usage and
// adopts its limits.
func (p *PositionLedger) ApplyLimitUsage(u models.LimitUsage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reportedGross = u.Gross
	p.reportedNet = u.Net
	p.grossFine = u.GrossFine
	p.netFine = u.NetFine
	if u.GrossLimit > 0 {
		p.grossLimit = u.GrossLimit
	}
	if u.NetLimit > 0 {
		p.netLimit = u.NetLimit
	}
}

// ReportedUsage is the last venue-reported gross and net usage.
func (p *PositionLedger) ReportedUsage() (gross, net float64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.reportedGross, p.reportedNet
}

// ApplyFill updates a position from a local fill until the next snapshot.
func (p *PositionLedger) ApplyFill(ticker string, delta, price float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, err := p.instrument(ticker)
	if err != nil {
		return err
	}
	applyFill(inst, delta, price)
	return nil
}

func applyFill(inst *Instrument, delta, price float64) {
	prev := inst.Volume
	next := prev + delta
	switch {
	case prev == 0 || (prev > 0) == (delta > 0):
		inst.Cost += delta * price
	case math.Abs(delta) <= math.Abs(prev):
		inst.Realized += -delta * (price - inst.AvgCost)
		inst.Cost = next * inst.AvgCost
	default:
		inst.Realized += prev * (price - inst.AvgCost)
		inst.Cost = next * price
	}
	inst.Volume = next
	if next == 0 {
		inst.Cost = 0
		inst.AvgCost = 0
		return
	}
	inst.AvgCost = inst.Cost / next
}

// Totals are P&L figures across all instruments in one currency.
type Totals struct {
	Realized   float64 `json:"realized"`
	Unrealized float64 `json:"unrealized"`
	Cost       float64 `json:"cost"`
	Cash       float64 `json:"cash"`
	Value      float64 `json:"value"`
	Drawdown   float64 `json:"drawdown"`
}

// Totals converts every instrument's figures to target. Portfolio value is
// cost plus unrealized P&L plus cash; the running peak feeds the drawdown.
func (p *PositionLedger) Totals(target string) (Totals, error) {
	p.mu.RLock()
	snap := make([]Instrument, 0, len(p.instruments))
	for _, inst := range p.instruments {
		snap = append(snap, *inst)
	}
	p.mu.RUnlock()

	var t Totals
	for _, inst := range snap {
		for _, f := range []struct {
			v   float64
			dst *float64
		}{
			{inst.Realized, &t.Realized},
			{inst.Unrealized, &t.Unrealized},
			{inst.Cost, &t.Cost},
		} {
			v, err := p.cash.Value(inst.Currency, target, f.v)
			if err != nil {
				return Totals{}, fmt.Errorf("failed to value %s: %w", inst.Ticker, err)
			}
			*f.dst += v
		}
	}
	cash, err := p.cash.TotalValue(target)
	if err != nil {
		return Totals{}, err
	}
	t.Cash = cash
	t.Value = t.Cost + t.Unrealized + t.Cash

	p.mu.Lock()
	if t.Value > p.maxValue {
		p.maxValue = t.Value
	}
	if p.maxValue > 0 {
		dd := (p.maxValue - t.Value) / p.maxValue
		if dd > p.maxDrawdown {
			p.maxDrawdown = dd
		}
		t.Drawdown = dd
	}
	p.mu.Unlock()
	return t, nil
}

// MaxDrawdown is the worst drawdown seen by Totals so far.
func (p *PositionLedger) MaxDrawdown() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.maxDrawdown
}

// PositionView is the JSON-safe status row for one instrument.
type PositionView struct {
	Ticker     string  `json:"ticker"`
	Currency   string  `json:"currency"`
	Volume     float64 `json:"volume"`
	AvgCost    float64 `json:"avg_cost"`
	Realized   float64 `json:"realized"`
	Unrealized float64 `json:"unrealized"`
	NLV        float64 `json:"nlv"`
}

func (p *PositionLedger) Snapshot() []PositionView {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PositionView, 0, len(p.instruments))
	for _, t := range sortedKeys(p.instruments) {
		inst := p.instruments[t]
		out = append(out, PositionView{
			Ticker:     inst.Ticker,
			Currency:   inst.Currency,
			Volume:     inst.Volume,
			AvgCost:    inst.AvgCost,
			Realized:   inst.Realized,
			Unrealized: inst.Unrealized,
			NLV:        inst.NLV,
		})
	}
	return out
}
