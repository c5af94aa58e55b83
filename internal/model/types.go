// Package model holds the state and wire types shared by the engine, the
// history store and the transport collaborators. The json tags are the de
// facto contract existing observers depend on.
package model

import (
	"time"

	"github.com/wattshift/powerengine/internal/allocation"
	"github.com/wattshift/powerengine/internal/config"
	"github.com/wattshift/powerengine/internal/dr"
	"github.com/wattshift/powerengine/internal/market"
	"github.com/wattshift/powerengine/internal/profit"
)

// Demand response status gauges shown per site.
const (
	DRStatusStandby = "STANDBY"
	DRStatusActive  = "ACTIVE_EVENT"
)

// SiteState is the fully derived state of one site, recomputed every cycle.
// The engine is its only writer.
type SiteState struct {
	config.SiteConfig

	CurrentOperation string                     `json:"current_operation"`
	CurrentProfit    float64                    `json:"current_profit"`
	Profits          profit.SiteProfits         `json:"profits"`
	PowerAllocation  allocation.PowerAllocation `json:"power_allocation"`
	LastUpdated      time.Time                  `json:"last_updated"`
	Efficiency       float64                    `json:"efficiency"`
	DRStatus         string                     `json:"dr_status"`
	DREventsThisYear int                        `json:"dr_events_this_year"`
	AIDemandLevel    float64                    `json:"ai_demand_level"`
}

// Clone returns a deep copy of the site state.
func (s *SiteState) Clone() *SiteState {
	out := *s
	if s.RampTimes != nil {
		out.RampTimes = make(map[string]int, len(s.RampTimes))
		for k, v := range s.RampTimes {
			out.RampTimes[k] = v
		}
	}
	return &out
}

// CloneSites deep-copies a site state map.
func CloneSites(sites map[string]*SiteState) map[string]*SiteState {
	out := make(map[string]*SiteState, len(sites))
	for id, s := range sites {
		out[id] = s.Clone()
	}
	return out
}

// MarketConditions is the summarized market attached to each history record.
type MarketConditions struct {
	BTCPrice       float64 `json:"btc_price"`
	AIDemand       float64 `json:"ai_demand"`
	AvgEnergyPrice float64 `json:"avg_energy_price"`
}

// OptimizationRecord is one cycle's outcome as kept by the history store.
type OptimizationRecord struct {
	Timestamp        time.Time             `json:"timestamp"`
	TotalProfit      float64               `json:"total_profit"`
	Sites            map[string]*SiteState `json:"sites"`
	ActiveDREvent    *dr.Event             `json:"active_dr_event"`
	DREventsThisYear int                   `json:"dr_events_this_year"`
	MarketConditions MarketConditions      `json:"market_conditions"`
}

// OptimizationUpdate is the aggregate payload pushed to observers after each
// cycle and returned by the recompute ingress.
type OptimizationUpdate struct {
	History            []*OptimizationRecord `json:"history"`
	CurrentTotalProfit float64               `json:"current_total_profit"`
	ActiveDREvent      *dr.Event             `json:"active_dr_event"`
	DREventsThisYear   int                   `json:"dr_events_this_year"`
}

// EngineSnapshot is the read-only view served to on-demand queries.
type EngineSnapshot struct {
	Market           market.Snapshot       `json:"market"`
	Sites            map[string]*SiteState `json:"sites"`
	History          []*OptimizationRecord `json:"history"`
	ActiveDREvent    *dr.Event             `json:"active_dr_event"`
	DREventsThisYear int                   `json:"dr_events_this_year"`
	TotalProfit      float64               `json:"total_profit_per_hour"`
}
