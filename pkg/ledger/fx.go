package ledger

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gregtusar/etfarb/pkg/models"
)

var ErrRateNotFound = errors.New("exchange rate not found")

// FXQuote prices one quote-currency unit in base-currency units. Bid is what
// we receive selling the quote currency, Ask is what we pay buying it.
type FXQuote struct {
	Bid float64
	Ask float64
}

type EdgeKind int

const (
	EdgeSame EdgeKind = iota
	EdgeDirect
	EdgeInverse
)

func (e EdgeKind) String() string {
	switch e {
	case EdgeSame:
		return "same"
	case EdgeDirect:
		return "direct"
	case EdgeInverse:
		return "inverse"
	}
	return "unknown"
}

// FXTable is a directed graph of base -> quote edges. A pair with only the
// reverse edge stored is answered by inverting it with bid and ask swapped.
type FXTable struct {
	mu    sync.RWMutex
	edges map[string]map[string]FXQuote
}

func NewFXTable() *FXTable {
	return &FXTable{edges: make(map[string]map[string]FXQuote)}
}

func normCurrency(c string) string {
	return strings.ToUpper(strings.TrimSpace(c))
}

// Set stores base -> quote. Other edges out of base are kept.
func (t *FXTable) Set(base, quote string, bid, ask float64) error {
	base, quote = normCurrency(base), normCurrency(quote)
	if base == "" || quote == "" || base == quote {
		return fmt.Errorf("%w: bad currency pair %s/%s", models.ErrValidation, base, quote)
	}
	if bid <= 0 || ask <= 0 {
		return fmt.Errorf("%w: non-positive rate for %s/%s", models.ErrValidation, base, quote)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.edges[base] == nil {
		t.edges[base] = make(map[string]FXQuote)
	}
	t.edges[base][quote] = FXQuote{Bid: bid, Ask: ask}
	return nil
}

// Lookup resolves base -> quote and reports which edge answered.
func (t *FXTable) Lookup(base, quote string) (FXQuote, EdgeKind, error) {
	base, quote = normCurrency(base), normCurrency(quote)
	if base == quote {
		return FXQuote{Bid: 1, Ask: 1}, EdgeSame, nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if q, ok := t.edges[base][quote]; ok {
		return q, EdgeDirect, nil
	}
	if q, ok := t.edges[quote][base]; ok {
		return FXQuote{Bid: 1 / q.Ask, Ask: 1 / q.Bid}, EdgeInverse, nil
	}
	return FXQuote{}, EdgeSame, fmt.Errorf("%w: %s/%s", ErrRateNotFound, base, quote)
}

// Rate returns the ask when buying the quote currency and the bid when selling.
func (t *FXTable) Rate(base, quote string, action models.OrderSide) (float64, error) {
	q, _, err := t.Lookup(base, quote)
	if err != nil {
		return 0, err
	}
	switch action {
	case models.OrderSideBuy:
		return q.Ask, nil
	case models.OrderSideSell:
		return q.Bid, nil
	}
	return 0, fmt.Errorf("%w: unknown action %q", models.ErrValidation, action)
}

// Pairs lists stored edges as "BASE/QUOTE".
func (t *FXTable) Pairs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for base, quotes := range t.edges {
		for quote := range quotes {
			out = append(out, base+"/"+quote)
		}
	}
	sort.Strings(out)
	return out
}
