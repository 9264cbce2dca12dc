package trader

import (
	"sort"
	"sync"

	"github.com/gregtusar/etfarb/pkg/models"
)

// TenderBook keeps the tenders the venue is currently offering. A tender
// stays pending until it is decided or withdrawn.
type TenderBook struct {
	mu      sync.RWMutex
	pending map[int64]models.Tender
	decided map[int64]struct{}
}

func NewTenderBook() *TenderBook {
	return &TenderBook{
		pending: make(map[int64]models.Tender),
		decided: make(map[int64]struct{}),
	}
}

// Sync replaces the offer set with the venue's list and reports which
// tenders are new and which were withdrawn since the last call.
func (b *TenderBook) Sync(offered []models.Tender) (added, expired []models.Tender) {
	b.mu.Lock()
	defer b.mu.Unlock()

	seen := make(map[int64]struct{}, len(offered))
	for _, t := range offered {
		seen[t.ID] = struct{}{}
		if _, done := b.decided[t.ID]; done {
			continue
		}
		if _, ok := b.pending[t.ID]; !ok {
			added = append(added, t)
		}
		b.pending[t.ID] = t
	}
	for id, t := range b.pending {
		if _, ok := seen[id]; !ok {
			expired = append(expired, t)
			delete(b.pending, id)
		}
	}
	sortTenders(added)
	sortTenders(expired)
	return added, expired
}

// MarkDecided removes a tender from the pending set for good.
func (b *TenderBook) MarkDecided(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, id)
	b.decided[id] = struct{}{}
}

// Pending returns the open tenders ordered by id.
func (b *TenderBook) Pending() []models.Tender {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]models.Tender, 0, len(b.pending))
	for _, t := range b.pending {
		out = append(out, t)
	}
	sortTenders(out)
	return out
}

func sortTenders(ts []models.Tender) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].ID < ts[j].ID })
}
