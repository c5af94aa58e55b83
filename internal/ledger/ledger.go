// Package ledger accumulates realized revenue across the process lifetime
// with exact decimal arithmetic, so long-running totals never drift the way
// float sums do.
package ledger

import (
	"sync"

	"github.com/shopspring/decimal"
)

// Ledger tracks cumulative hourly profit per site and in total. One entry is
// recorded per site per cycle.
type Ledger struct {
	mu      sync.RWMutex
	bySite  map[string]decimal.Decimal
	total   decimal.Decimal
	entries int64
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{bySite: make(map[string]decimal.Decimal)}
}

// Record books one site's realized hourly profit for a cycle.
func (l *Ledger) Record(siteID string, profit float64) {
	amount := decimal.NewFromFloat(profit)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.bySite[siteID] = l.bySite[siteID].Add(amount)
	l.total = l.total.Add(amount)
	l.entries++
}

// Summary is the wire form of the ledger.
type Summary struct {
	TotalProfit  string            `json:"total_profit"`
	SiteProfits  map[string]string `json:"site_profits"`
	EntriesCount int64             `json:"entries_count"`
}

// Snapshot returns the current totals, rendered with two decimal places.
func (l *Ledger) Snapshot() Summary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	sites := make(map[string]string, len(l.bySite))
	for id, amount := range l.bySite {
		sites[id] = amount.StringFixed(2)
	}
	return Summary{
		TotalProfit:  l.total.StringFixed(2),
		SiteProfits:  sites,
		EntriesCount: l.entries,
	}
}

// Total returns the exact cumulative profit.
func (l *Ledger) Total() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total
}

// SiteTotal returns one site's exact cumulative profit.
func (l *Ledger) SiteTotal(siteID string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.bySite[siteID]
}
