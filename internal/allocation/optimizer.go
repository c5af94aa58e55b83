package allocation

import (
	"math"

	"github.com/wattshift/powerengine/internal/config"
	"github.com/wattshift/powerengine/internal/dr"
	"github.com/wattshift/powerengine/internal/profit"
)

// Operation modes.
const (
	ModeBitcoin        = "bitcoin"
	ModeAI             = "ai"
	ModeDemandResponse = "demand_response"
)

// The two demand thresholds are intentionally independent: 0.6 gates
// preferring AI in normal operation, 0.3 gates protecting AI under a
// demand response event.
const (
	aiPreferThreshold  = 0.6
	aiProtectThreshold = 0.3

	aiMaxShare       = 0.8
	aiProtectShare   = 0.6
	btcFallbackShare = 0.9
)

// PowerAllocation is the per-site power split in MW. Capacity shed for a
// demand response commitment is removed from the allocatable pool entirely;
// it does not show up as idle.
type PowerAllocation struct {
	AIMW      float64 `json:"ai"`
	BitcoinMW float64 `json:"bitcoin"`
	IdleMW    float64 `json:"idle"`
}

// Result is one site's allocation decision for one cycle.
type Result struct {
	Mode       string
	Allocation PowerAllocation
	Profit     float64
}

// Allocate decides the power split for a site. Every call produces a
// complete allocation; there are no error conditions.
//
// When the site is named by the active event, the committed share of
// capacity is shed and customer-facing AI keeps priority over bitcoin unless
// demand is already negligible. Otherwise the split follows whichever
// workload prices higher, with AI additionally gated on demand.
func Allocate(site config.SiteConfig, profits profit.SiteProfits, active *dr.Event, aiDemandLevel float64) Result {
	capacity := site.CapacityMW
	aiPerMW := profits.AI.Profit / capacity
	btcPerMW := profits.Bitcoin.Profit / capacity

	if active.Affects(site.ID) {
		available := capacity - site.CommittedCapacityMW()

		var alloc PowerAllocation
		if aiDemandLevel > aiProtectThreshold {
			alloc.AIMW = math.Min(available, capacity*aiProtectShare)
			alloc.BitcoinMW = math.Max(0, available-alloc.AIMW)
		} else {
			alloc.BitcoinMW = available
		}

		return Result{
			Mode:       ModeDemandResponse,
			Allocation: alloc,
			Profit:     profits.DemandResponse.Profit + aiPerMW*alloc.AIMW + btcPerMW*alloc.BitcoinMW,
		}
	}

	var alloc PowerAllocation
	var mode string
	if profits.AI.Profit > profits.Bitcoin.Profit && aiDemandLevel > aiPreferThreshold {
		share := math.Min(aiMaxShare, aiDemandLevel)
		alloc.AIMW = capacity * share
		alloc.BitcoinMW = capacity - alloc.AIMW
		mode = ModeAI
	} else {
		alloc.BitcoinMW = capacity * btcFallbackShare
		alloc.AIMW = capacity * (1 - btcFallbackShare)
		mode = ModeBitcoin
	}

	// The standing contract pays out in normal operation too.
	return Result{
		Mode:       mode,
		Allocation: alloc,
		Profit:     aiPerMW*alloc.AIMW + btcPerMW*alloc.BitcoinMW + profits.DemandResponse.Profit,
	}
}
