package market

import (
	"math/rand"
	"time"

	"github.com/wattshift/powerengine/internal/config"
)

// Simulator parameters. Prices are drawn uniformly around a baseline so the
// result is always positive.
const (
	btcPriceBase   = 110000.0
	btcPriceSpread = 8000.0

	aiBaseRate  = 2.2
	aiDemandMin = 0.4
	aiDemandMax = 1.3

	difficultyBase   = 72_000_000_000_000.0
	difficultySpread = 2_000_000_000_000.0
)

// Snapshot is one cycle's market conditions. Every field is regenerated
// wholesale each cycle; there is no smoothing against the previous draw.
type Snapshot struct {
	Timestamp         time.Time          `json:"timestamp"`
	BTCPrice          float64            `json:"btc_price"`
	EnergyPrices      map[string]float64 `json:"energy_prices"`
	AIRentalRate      float64            `json:"ai_rental_rate"`
	AIDemandLevel     float64            `json:"ai_demand_level"`
	NetworkDifficulty float64            `json:"network_difficulty"`
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.EnergyPrices = make(map[string]float64, len(s.EnergyPrices))
	for id, p := range s.EnergyPrices {
		out.EnergyPrices[id] = p
	}
	return out
}

// Simulator produces synthetic market snapshots.
type Simulator struct {
	sites []config.SiteConfig
	rng   *rand.Rand
	now   func() time.Time
}

// NewSimulator creates a simulator for the given fleet. The random source is
// injected so tests can fix the seed.
func NewSimulator(sites []config.SiteConfig, rng *rand.Rand) *Simulator {
	return &Simulator{
		sites: sites,
		rng:   rng,
		now:   time.Now,
	}
}

// Generate draws one market snapshot. All draws are uniform and independent.
func (s *Simulator) Generate() Snapshot {
	prices := make(map[string]float64, len(s.sites))
	for _, site := range s.sites {
		prices[site.ID] = site.EnergyPriceBase + (s.rng.Float64()-0.5)*site.EnergyPriceSpread*2
	}

	demand := aiDemandMin + s.rng.Float64()*(aiDemandMax-aiDemandMin)

	return Snapshot{
		Timestamp:         s.now().UTC(),
		BTCPrice:          btcPriceBase + (s.rng.Float64()-0.5)*btcPriceSpread,
		EnergyPrices:      prices,
		AIRentalRate:      aiBaseRate * demand,
		AIDemandLevel:     demand,
		NetworkDifficulty: difficultyBase + (s.rng.Float64()-0.5)*difficultySpread,
	}
}
