package profit

import (
	"fmt"

	"github.com/wattshift/powerengine/internal/config"
	"github.com/wattshift/powerengine/internal/market"
)

// Pricing constants.
const (
	// PUE is the power usage effectiveness applied to all energy costs.
	PUE = 1.15

	// BTCPerMWPerDay is the mining yield at current-generation hardware.
	BTCPerMWPerDay = 0.035

	// GPUsPerMW is the inference rack density.
	GPUsPerMW = 8

	// AIUtilization is the fraction of allocated capacity AI actually draws.
	AIUtilization = 0.85

	// HoursPerYear converts annual demand response payments to hourly.
	HoursPerYear = 365 * 24
)

// Breakdown is the hourly economics of one workload at one site. The
// description, flexibility and risk fields are informational only and never
// feed back into allocation decisions.
type Breakdown struct {
	Profit      float64 `json:"profit"`
	Revenue     float64 `json:"revenue"`
	Cost        float64 `json:"cost"`
	Description string  `json:"description"`
	Flexibility string  `json:"flexibility"`
	Risk        string  `json:"risk"`
}

// SiteProfits holds the per-workload breakdowns for one site.
type SiteProfits struct {
	Bitcoin        Breakdown `json:"bitcoin"`
	AI             Breakdown `json:"ai"`
	DemandResponse Breakdown `json:"demand_response"`
}

// Price computes the full-capacity hourly profit of each workload at a site
// under the given market conditions. Deterministic given its inputs.
func Price(site config.SiteConfig, m market.Snapshot) SiteProfits {
	energyPrice := m.EnergyPrices[site.ID]
	capacity := site.CapacityMW

	btcRevenuePerMWHour := BTCPerMWPerDay * m.BTCPrice / 24
	btcCostPerMWHour := energyPrice * PUE

	totalGPUs := capacity * GPUsPerMW
	aiRevenue := totalGPUs * m.AIRentalRate * m.AIDemandLevel
	aiCost := capacity * AIUtilization * energyPrice * PUE

	// The standing annual contract pays out every hour whether or not an
	// event is active.
	drHourlyRate := site.DRAnnualPayment / HoursPerYear

	return SiteProfits{
		Bitcoin: Breakdown{
			Profit:      (btcRevenuePerMWHour - btcCostPerMWHour) * capacity,
			Revenue:     btcRevenuePerMWHour * capacity,
			Cost:        btcCostPerMWHour * capacity,
			Description: "Always Available • Safe Baseline",
			Flexibility: "Instant",
			Risk:        "Low",
		},
		AI: Breakdown{
			Profit:      aiRevenue - aiCost,
			Revenue:     aiRevenue,
			Cost:        aiCost,
			Description: "Customer Dependent • Higher Revenue",
			Flexibility: "5 minutes",
			Risk:        "Medium",
		},
		DemandResponse: Breakdown{
			Profit:      drHourlyRate,
			Revenue:     drHourlyRate,
			Cost:        0,
			Description: fmt.Sprintf("Grid Stability • %.0f%% Committed", site.DRCommitmentPercent),
			Flexibility: "Instant",
			Risk:        "None",
		},
	}
}
