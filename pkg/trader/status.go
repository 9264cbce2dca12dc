package trader

import (
	"sort"
	"time"

	"github.com/gregtusar/etfarb/pkg/ledger"
)

// Status is an immutable snapshot of the loop for the HTTP API. A new one
// is published after every iteration.
type Status struct {
	Tick       int                   `json:"tick"`
	Period     int                   `json:"period"`
	CaseStatus string                `json:"case_status"`
	Paused     bool                  `json:"paused"`
	Strategies map[string]bool       `json:"strategies"`
	Positions  []ledger.PositionView `json:"positions"`
	Cash       ledger.CashSnapshot   `json:"cash"`
	Totals     ledger.Totals         `json:"totals"`
	Orders     []OrderView           `json:"orders"`
	Tenders    []TenderView          `json:"tenders"`
	Accepted   []int64               `json:"accepted_tenders"`
	Rejected   []int64               `json:"rejected_tenders"`
	Residuals  []ResidualView        `json:"residuals"`
	CrossETF   PairView              `json:"cross_etf"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

type OrderView struct {
	ID       int64  `json:"id"`
	Ticker   string `json:"ticker"`
	Action   string `json:"action"`
	Type     string `json:"type"`
	Price    string `json:"price,omitempty"`
	Quantity string `json:"quantity"`
	Filled   string `json:"filled"`
	VWAP     string `json:"vwap"`
	Status   string `json:"status"`
}

type TenderView struct {
	ID      int64   `json:"id"`
	Ticker  string  `json:"ticker"`
	Action  string  `json:"action"`
	Volume  float64 `json:"volume"`
	Price   string  `json:"price"`
	Expires int     `json:"expires"`
}

type ResidualView struct {
	Ticker string  `json:"ticker"`
	Volume float64 `json:"volume"`
	Cost   float64 `json:"cost"`
}

type PairView struct {
	Open         bool    `json:"open"`
	InitialValue float64 `json:"initial_value"`
}

// Status returns the last published snapshot.
func (t *Trader) Status() *Status {
	return t.status.Load()
}

func (t *Trader) publish() {
	s := &Status{
		Tick:       t.caseInfo.Tick,
		Period:     t.caseInfo.Period,
		CaseStatus: t.caseInfo.Status,
		Paused:     t.paused.Load(),
		Strategies: t.Strategies(),
		Positions:  t.positions.Snapshot(),
		Cash:       t.cash.Snapshot(),
		CrossETF:   PairView{Open: t.pair.Open, InitialValue: t.pair.InitialValue},
		UpdatedAt:  time.Now().UTC(),
	}

	if totals, err := t.positions.Totals(t.cfg.PortfolioCurrency); err == nil {
		s.Totals = totals
		if t.metrics != nil {
			t.metrics.PortfolioValue.Set(totals.Value)
		}
	} else {
		t.logger.WithError(err).Debug("Totals unavailable without a full FX table")
	}

	for _, o := range t.gateway.ActiveOrders() {
		v := OrderView{
			ID:       o.ID,
			Ticker:   o.Ticker,
			Action:   string(o.Action()),
			Type:     string(o.Type),
			Quantity: o.InitialVolume.String(),
			Filled:   o.FilledVolume.String(),
			VWAP:     o.VWAP.String(),
			Status:   string(o.Status),
		}
		if !o.Price.IsZero() {
			v.Price = o.Price.String()
		}
		s.Orders = append(s.Orders, v)
	}
	for _, tn := range t.tenders.Pending() {
		s.Tenders = append(s.Tenders, TenderView{
			ID:      tn.ID,
			Ticker:  tn.Ticker,
			Action:  string(tn.Action),
			Volume:  tn.Volume,
			Price:   tn.Price.String(),
			Expires: tn.Expires,
		})
	}
	s.Accepted, s.Rejected = t.gateway.TenderDecisions()

	for tk, r := range t.residuals {
		s.Residuals = append(s.Residuals, ResidualView{Ticker: tk, Volume: r.Volume, Cost: r.Cost})
	}
	sort.Slice(s.Residuals, func(i, j int) bool { return s.Residuals[i].Ticker < s.Residuals[j].Ticker })

	t.status.Store(s)
}
