package book

import (
	"github.com/shopspring/decimal"

	"github.com/gregtusar/etfarb/pkg/models"
)

// QuoteSnapshot is one polled top-of-book observation.
type QuoteSnapshot struct {
	Tick    int
	Last    decimal.Decimal
	Bid     decimal.Decimal
	Ask     decimal.Decimal
	BidSize decimal.Decimal
	AskSize decimal.Decimal
}

func (l *Ladder) RecordQuote(tick int, q models.Quote) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.quotes = append(l.quotes, QuoteSnapshot{
		Tick:    tick,
		Last:    q.Last,
		Bid:     q.Bid,
		Ask:     q.Ask,
		BidSize: q.BidSize,
		AskSize: q.AskSize,
	})
}

// LastQuote returns the most recent quote, if any.
func (l *Ladder) LastQuote() (QuoteSnapshot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.quotes) == 0 {
		return QuoteSnapshot{}, false
	}
	return l.quotes[len(l.quotes)-1], true
}

// LastPrices returns up to n of the latest last-trade prices, oldest first.
func (l *Ladder) LastPrices(n int) []decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	start := len(l.quotes) - n
	if start < 0 {
		start = 0
	}
	out := make([]decimal.Decimal, 0, len(l.quotes)-start)
	for _, q := range l.quotes[start:] {
		out = append(out, q.Last)
	}
	return out
}

// RecordTape appends prints not seen before and returns how many were new.
// The venue returns the tape newest first, so ordering is by id.
func (l *Ladder) RecordTape(txs []models.Transaction) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	added := 0
	for i := len(txs) - 1; i >= 0; i-- {
		tx := txs[i]
		if tx.ID <= l.lastTxID {
			continue
		}
		l.tape = append(l.tape, tx)
		l.lastTxID = tx.ID
		added++
	}
	return added
}

// LastTransactionID is the newest print id seen, or -1.
func (l *Ladder) LastTransactionID() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastTxID
}

func (l *Ladder) Tape() []models.Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.Transaction, len(l.tape))
	copy(out, l.tape)
	return out
}

// TrimHistory keeps only the newest keep quotes and prints.
func (l *Ladder) TrimHistory(keep int) {
	if keep < 0 {
		keep = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.quotes) > keep {
		l.quotes = append([]QuoteSnapshot(nil), l.quotes[len(l.quotes)-keep:]...)
	}
	if len(l.tape) > keep {
		l.tape = append([]models.Transaction(nil), l.tape[len(l.tape)-keep:]...)
	}
}
