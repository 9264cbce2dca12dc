package trader

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/etfarb/pkg/arbitrage"
	"github.com/gregtusar/etfarb/pkg/book"
	"github.com/gregtusar/etfarb/pkg/ledger"
	"github.com/gregtusar/etfarb/pkg/models"
	"github.com/gregtusar/etfarb/pkg/venue"
)

const historyDepth = 500

// Market holds one ladder per traded instrument and FX ticker and keeps the
// FX table in step with the FX books.
type Market struct {
	client    venue.Client
	positions *ledger.PositionLedger
	cash      *ledger.CurrencyLedger
	portfolio string
	fxTickers []string
	fee       float64
	rebate    float64
	ladders   map[string]*book.Ladder
	logger    *logrus.Logger
}

func NewMarket(client venue.Client, positions *ledger.PositionLedger, portfolio string, fxTickers []string, fee, rebate float64, logger *logrus.Logger) *Market {
	fx := make([]string, 0, len(fxTickers))
	for _, t := range fxTickers {
		fx = append(fx, strings.ToUpper(t))
	}
	return &Market{
		client:    client,
		positions: positions,
		cash:      positions.Cash(),
		portfolio: strings.ToUpper(portfolio),
		fxTickers: fx,
		fee:       fee,
		rebate:    rebate,
		ladders:   make(map[string]*book.Ladder),
		logger:    logger,
	}
}

// ensure creates ladders for instruments the ledger learned about since the
// last refresh and keeps their fees current.
func (m *Market) ensure() {
	for _, tk := range m.positions.Tickers() {
		inst, err := m.positions.Instrument(tk)
		if err != nil {
			continue
		}
		fee, rebate := m.fee, m.rebate
		if inst.Fee > 0 {
			fee = inst.Fee
		}
		if inst.Rebate > 0 {
			rebate = inst.Rebate
		}
		l, ok := m.ladders[tk]
		if !ok {
			m.ladders[tk] = book.NewLadder(tk, inst.Currency, decimal.NewFromFloat(fee), decimal.NewFromFloat(rebate))
			continue
		}
		l.SetFees(decimal.NewFromFloat(fee), decimal.NewFromFloat(rebate))
	}
	for _, fx := range m.fxTickers {
		if _, ok := m.ladders[fx]; !ok {
			m.ladders[fx] = book.NewLadder(fx, m.portfolio, decimal.Zero, decimal.Zero)
		}
	}
}

// Refresh polls book, quote and tape for every ladder, then reprices the FX
// table. Per-ticker failures leave that ladder stale; only ErrAuth is
// returned.
func (m *Market) Refresh(ctx context.Context, tick int) error {
	m.ensure()
	for tk, l := range m.ladders {
		if err := m.refreshLadder(ctx, tk, l, tick); err != nil {
			if models.Fatal(err) {
				return err
			}
			m.logger.WithError(err).WithField("ticker", tk).Warn("Failed to refresh market data")
		}
	}
	for _, fx := range m.fxTickers {
		l := m.ladders[fx]
		bid, okBid := l.BestBid()
		ask, okAsk := l.BestAsk()
		if !okBid || !okAsk {
			m.logger.WithField("ticker", fx).Debug("FX book is one-sided, keeping previous rate")
			continue
		}
		if err := m.cash.SetFXRate(m.portfolio, fx, bid.InexactFloat64(), ask.InexactFloat64()); err != nil {
			m.logger.WithError(err).WithField("ticker", fx).Warn("Failed to update FX rate")
		}
	}
	return nil
}

func (m *Market) refreshLadder(ctx context.Context, ticker string, l *book.Ladder, tick int) error {
	bids, asks, err := m.client.FetchBook(ctx, ticker)
	if err != nil {
		return fmt.Errorf("failed to fetch book: %w", err)
	}
	if err := l.Replace(bids, asks); err != nil {
		return err
	}
	q, err := m.client.FetchQuote(ctx, ticker)
	if err != nil {
		return fmt.Errorf("failed to fetch quote: %w", err)
	}
	l.RecordQuote(tick, q)
	txs, err := m.client.FetchTape(ctx, ticker, l.LastTransactionID())
	if err != nil {
		return fmt.Errorf("failed to fetch tape: %w", err)
	}
	l.RecordTape(txs)
	l.TrimHistory(historyDepth)
	return nil
}

func (m *Market) Ladder(ticker string) (*book.Ladder, bool) {
	l, ok := m.ladders[strings.ToUpper(ticker)]
	return l, ok
}

// Basket returns the ladders for every weighted ticker, or false if any is
// missing.
func (m *Market) Basket(weights map[string]float64) (map[string]arbitrage.Book, bool) {
	out := make(map[string]arbitrage.Book, len(weights))
	for tk := range weights {
		l, ok := m.Ladder(tk)
		if !ok {
			return nil, false
		}
		out[l.Ticker()] = l
	}
	return out, true
}

// Touch returns the best bid and ask of ticker as floats.
func (m *Market) Touch(ticker string) (bid, ask float64, ok bool) {
	l, found := m.Ladder(ticker)
	if !found {
		return 0, 0, false
	}
	b, okBid := l.BestBid()
	a, okAsk := l.BestAsk()
	if !okBid || !okAsk {
		return 0, 0, false
	}
	return b.InexactFloat64(), a.InexactFloat64(), true
}

// MarkValue prices a signed volume at the side it would close against: longs
// at the bid, shorts at the ask.
func (m *Market) MarkValue(ticker string, volume float64) (float64, bool) {
	bid, ask, ok := m.Touch(ticker)
	if !ok {
		return 0, false
	}
	if volume >= 0 {
		return volume * bid, true
	}
	return volume * ask, true
}
