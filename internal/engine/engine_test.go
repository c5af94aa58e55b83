package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wattshift/powerengine/internal/allocation"
	"github.com/wattshift/powerengine/internal/config"
	"github.com/wattshift/powerengine/internal/dr"
	"github.com/wattshift/powerengine/internal/market"
	"github.com/wattshift/powerengine/internal/model"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		CycleInterval:      time.Hour, // ticks never fire during tests
		HourScale:          20 * time.Millisecond,
		HistoryLimit:       100,
		HistoryWindow:      20,
		MaxDREventsPerYear: 25,
		DREventLogLimit:    200,
		Sites: []config.SiteConfig{
			{
				ID: "site-a", Name: "Site A", CapacityMW: 200,
				DRCommitmentPercent: 70, DRAnnualPayment: 2100000,
				EnergyPriceBase: 0.04, EnergyPriceSpread: 0.0075,
			},
			{
				ID: "site-b", Name: "Site B", CapacityMW: 150,
				DRCommitmentPercent: 60, DRAnnualPayment: 1350000,
				EnergyPriceBase: 0.06, EnergyPriceSpread: 0.01,
			},
		},
	}
}

// fixedMarket always generates the same conditions.
type fixedMarket struct {
	mu   sync.Mutex
	snap market.Snapshot
}

func (f *fixedMarket) Generate() market.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap.Clone()
}

func (f *fixedMarket) set(snap market.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = snap
}

func marketWithDemand(demand float64) market.Snapshot {
	return market.Snapshot{
		Timestamp:     time.Now().UTC(),
		BTCPrice:      1000, // keeps bitcoin cheap so AI can win on profit
		EnergyPrices:  map[string]float64{"site-a": 0.04, "site-b": 0.06},
		AIRentalRate:  1.98,
		AIDemandLevel: demand,
	}
}

// recordingBroadcaster captures everything the engine publishes.
type recordingBroadcaster struct {
	mu        sync.Mutex
	markets   []market.Snapshot
	sites     []map[string]*model.SiteState
	updates   []model.OptimizationUpdate
	observers int
}

func (r *recordingBroadcaster) PublishMarket(m market.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markets = append(r.markets, m)
}

func (r *recordingBroadcaster) PublishSites(s map[string]*model.SiteState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sites = append(r.sites, s)
}

func (r *recordingBroadcaster) PublishOptimization(u model.OptimizationUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recordingBroadcaster) Observers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.observers
}

func (r *recordingBroadcaster) lastUpdate() *model.OptimizationUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.updates) == 0 {
		return nil
	}
	u := r.updates[len(r.updates)-1]
	return &u
}

func (r *recordingBroadcaster) updateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func newTestEngine(t *testing.T, sim Generator) (*Engine, *recordingBroadcaster) {
	t.Helper()

	eng := New(testConfig(), Options{Simulator: sim})
	rb := &recordingBroadcaster{}
	eng.SetBroadcaster(rb)
	t.Cleanup(eng.Stop)
	return eng, rb
}

func TestInitialCycleAtStartup(t *testing.T) {
	eng, _ := newTestEngine(t, &fixedMarket{snap: marketWithDemand(0.9)})

	snap := eng.Snapshot(10)
	require.Len(t, snap.Sites, 2)
	require.Len(t, snap.History, 1)
	assert.Equal(t, int64(1), eng.Cycles())
	assert.NotZero(t, snap.Market.BTCPrice)
}

func TestHighDemandPrefersAI(t *testing.T) {
	eng, _ := newTestEngine(t, &fixedMarket{snap: marketWithDemand(0.9)})

	update := eng.Recompute()
	require.NotNil(t, update)

	snap := eng.Snapshot(0)
	for id, site := range snap.Sites {
		assert.Equal(t, allocation.ModeAI, site.CurrentOperation, "site %s", id)
		assert.InDelta(t, site.CapacityMW*0.8, site.PowerAllocation.AIMW, 1e-9)
		assert.InDelta(t, site.CapacityMW*0.2, site.PowerAllocation.BitcoinMW, 1e-9)
		assert.Zero(t, site.PowerAllocation.IdleMW)
	}
}

func TestDREventCurtailsAffectedSiteOnly(t *testing.T) {
	sim := &fixedMarket{snap: marketWithDemand(0.1)}
	eng, _ := newTestEngine(t, sim)

	event, err := eng.TriggerDR(dr.Event{
		ID: "DR-test", Reason: "grid emergency", DurationHours: 100,
		AffectedSites: []string{"site-a"},
	})
	require.NoError(t, err)
	assert.InDelta(t, 140.0, event.CapacityReducedMW, 1e-9)

	snap := eng.Snapshot(0)

	siteA := snap.Sites["site-a"]
	assert.Equal(t, allocation.ModeDemandResponse, siteA.CurrentOperation)
	assert.Zero(t, siteA.PowerAllocation.AIMW)
	assert.InDelta(t, 60.0, siteA.PowerAllocation.BitcoinMW, 1e-9)

	siteB := snap.Sites["site-b"]
	assert.Equal(t, allocation.ModeBitcoin, siteB.CurrentOperation)
	assert.InDelta(t, 135.0, siteB.PowerAllocation.BitcoinMW, 1e-9)
	assert.InDelta(t, 15.0, siteB.PowerAllocation.AIMW, 1e-9)

	assert.Equal(t, 1, snap.DREventsThisYear)
	require.NotNil(t, snap.ActiveDREvent)
	assert.Equal(t, "DR-test", snap.ActiveDREvent.ID)
}

func TestDRTransitionsAlwaysBroadcast(t *testing.T) {
	eng, rb := newTestEngine(t, &fixedMarket{snap: marketWithDemand(0.5)})

	// Zero observers: periodic cycles stay silent.
	eng.RunCycle(false)
	assert.Zero(t, rb.updateCount())

	_, err := eng.TriggerDR(dr.Event{Reason: "test", DurationHours: 100, AffectedSites: []string{"site-a"}})
	require.NoError(t, err)
	require.NotZero(t, rb.updateCount())
	require.NotNil(t, rb.lastUpdate().ActiveDREvent)

	_, err = eng.EndDR()
	require.NoError(t, err)
	assert.Nil(t, rb.lastUpdate().ActiveDREvent)
}

func TestPeriodicBroadcastGatedOnObservers(t *testing.T) {
	eng, rb := newTestEngine(t, &fixedMarket{snap: marketWithDemand(0.5)})

	eng.RunCycle(false)
	assert.Zero(t, rb.updateCount(), "no observers, no delivery")

	rb.mu.Lock()
	rb.observers = 1
	rb.mu.Unlock()

	eng.RunCycle(false)
	assert.Equal(t, 1, rb.updateCount())
}

func TestAutoEndRecomputesAndBroadcasts(t *testing.T) {
	eng, rb := newTestEngine(t, &fixedMarket{snap: marketWithDemand(0.9)})

	// HourScale is 20ms, so one contract hour elapses almost immediately.
	_, err := eng.TriggerDR(dr.Event{ID: "DR-short", Reason: "test", DurationHours: 1, AffectedSites: []string{"site-a"}})
	require.NoError(t, err)
	require.NotNil(t, eng.Snapshot(0).ActiveDREvent)

	// The expiry clears the slot, recomputes and broadcasts.
	require.Eventually(t, func() bool {
		last := rb.lastUpdate()
		return last != nil && last.ActiveDREvent == nil
	}, 2*time.Second, 10*time.Millisecond, "expiry broadcast never arrived")

	assert.Nil(t, eng.Snapshot(0).ActiveDREvent)
	assert.Equal(t, 1, rb.lastUpdate().DREventsThisYear)

	// The post-expiry cycle returns the site to normal-mode allocation.
	siteA := eng.Snapshot(0).Sites["site-a"]
	assert.Equal(t, allocation.ModeAI, siteA.CurrentOperation)
}

func TestEndDRWithoutActiveEvent(t *testing.T) {
	eng, _ := newTestEngine(t, &fixedMarket{snap: marketWithDemand(0.5)})

	before := eng.Cycles()
	_, err := eng.EndDR()
	assert.ErrorIs(t, err, dr.ErrNoActiveEvent)
	assert.Equal(t, before, eng.Cycles(), "failed end must not run a cycle")
}

func TestInvalidTriggerLeavesStateUnchanged(t *testing.T) {
	eng, _ := newTestEngine(t, &fixedMarket{snap: marketWithDemand(0.5)})

	before := eng.Cycles()
	_, err := eng.TriggerDR(dr.Event{Reason: "bad", DurationHours: 1, AffectedSites: nil})

	var invalid *dr.InvalidEventError
	require.ErrorAs(t, err, &invalid)
	assert.Nil(t, eng.Snapshot(0).ActiveDREvent)
	assert.Equal(t, before, eng.Cycles())
}

func TestAllocationInvariantsUnderRandomMarkets(t *testing.T) {
	// Real simulator, many cycles: allocations must always be feasible.
	eng, _ := newTestEngine(t, nil)

	for i := 0; i < 200; i++ {
		require.NotNil(t, eng.Recompute())

		snap := eng.Snapshot(0)
		for id, site := range snap.Sites {
			alloc := site.PowerAllocation
			sum := alloc.AIMW + alloc.BitcoinMW + alloc.IdleMW
			assert.LessOrEqual(t, sum, site.CapacityMW+1e-9, "site %s", id)
			assert.GreaterOrEqual(t, alloc.AIMW, 0.0)
			assert.GreaterOrEqual(t, alloc.BitcoinMW, 0.0)
			assert.Zero(t, alloc.IdleMW, "no DR event, idle must be zero")
			assert.InDelta(t, site.CapacityMW, sum, 1e-9, "normal mode uses all capacity")

			assert.GreaterOrEqual(t, site.Efficiency, 85.0)
			assert.LessOrEqual(t, site.Efficiency, 100.0)

			drHourly := site.DRAnnualPayment / 8760
			assert.InDelta(t, drHourly, site.Profits.DemandResponse.Profit, 1e-9)
		}
	}
}

func TestHistoryWindowAndTotals(t *testing.T) {
	eng, _ := newTestEngine(t, &fixedMarket{snap: marketWithDemand(0.9)})

	for i := 0; i < 30; i++ {
		eng.Recompute()
	}

	update := eng.CurrentUpdate()
	assert.Len(t, update.History, 20, "window capped at 20")

	snap := eng.Snapshot(100)
	assert.Len(t, snap.History, 31) // initial cycle + 30 recomputes

	total := 0.0
	for _, site := range snap.Sites {
		total += site.CurrentProfit
	}
	assert.InDelta(t, total, snap.TotalProfit, 1e-6)
	assert.InDelta(t, total, update.CurrentTotalProfit, 1e-6)
}

func TestLedgerAccumulatesEveryCycle(t *testing.T) {
	eng, _ := newTestEngine(t, &fixedMarket{snap: marketWithDemand(0.9)})

	eng.Recompute()
	eng.Recompute()

	summary := eng.Ledger().Snapshot()
	assert.Equal(t, int64(6), summary.EntriesCount) // 3 cycles x 2 sites
	assert.NotEqual(t, "0.00", summary.TotalProfit)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	eng, _ := newTestEngine(t, &fixedMarket{snap: marketWithDemand(0.9)})

	snap := eng.Snapshot(0)
	snap.Sites["site-a"].CurrentProfit = -1
	snap.Market.EnergyPrices["site-a"] = -1

	fresh := eng.Snapshot(0)
	assert.NotEqual(t, -1.0, fresh.Sites["site-a"].CurrentProfit)
	assert.NotEqual(t, -1.0, fresh.Market.EnergyPrices["site-a"])
}

// gatedBroadcaster stalls its first market publish until released.
type gatedBroadcaster struct {
	recordingBroadcaster
	release chan struct{}
	once    sync.Once
}

func (g *gatedBroadcaster) PublishMarket(m market.Snapshot) {
	g.once.Do(func() { <-g.release })
	g.recordingBroadcaster.PublishMarket(m)
}

func TestCycleIncludesHandoffInCriticalSection(t *testing.T) {
	eng := New(testConfig(), Options{Simulator: &fixedMarket{snap: marketWithDemand(0.9)}})
	t.Cleanup(eng.Stop)

	gb := &gatedBroadcaster{release: make(chan struct{})}
	eng.SetBroadcaster(gb)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		eng.RunCycle(true)
	}()
	time.Sleep(50 * time.Millisecond) // first cycle computed, stalled mid-handoff

	go func() {
		defer wg.Done()
		eng.RunCycle(true)
	}()
	time.Sleep(50 * time.Millisecond)

	// The second cycle must not compute, let alone deliver, while the first
	// cycle's handoff is still in flight.
	assert.Equal(t, int64(2), eng.Cycles()) // startup + the stalled cycle
	assert.Zero(t, gb.updateCount())

	close(gb.release)
	wg.Wait()

	assert.Equal(t, int64(3), eng.Cycles())
	assert.Equal(t, 2, gb.updateCount())

	// The last-delivered aggregate belongs to the newest cycle.
	assert.Len(t, gb.lastUpdate().History, 3)
}

func TestSnapshotPairsSitesWithMatchingDRView(t *testing.T) {
	eng, _ := newTestEngine(t, &fixedMarket{snap: marketWithDemand(0.9)})

	_, err := eng.TriggerDR(dr.Event{Reason: "test", DurationHours: 100, AffectedSites: []string{"site-a"}})
	require.NoError(t, err)

	// Clear the controller slot without running a cycle. The snapshot keeps
	// the view the last cycle computed, so sites stamped active are never
	// served alongside a nil event.
	_, err = eng.DR().End()
	require.NoError(t, err)

	snap := eng.Snapshot(0)
	require.NotNil(t, snap.ActiveDREvent)
	assert.Equal(t, model.DRStatusActive, snap.Sites["site-a"].DRStatus)
	assert.Equal(t, 1, snap.DREventsThisYear)

	// The next cycle reconciles with the controller.
	eng.Recompute()
	assert.Nil(t, eng.Snapshot(0).ActiveDREvent)
	assert.Equal(t, model.DRStatusStandby, eng.Snapshot(0).Sites["site-a"].DRStatus)
}

func TestZeroConfigCapAllowsNoEvents(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDREventsPerYear = 0
	eng := New(cfg, Options{Simulator: &fixedMarket{snap: marketWithDemand(0.9)}})
	t.Cleanup(eng.Stop)

	_, err := eng.TriggerDR(dr.Event{Reason: "test", DurationHours: 1, AffectedSites: []string{"site-a"}})
	assert.ErrorIs(t, err, dr.ErrEventLimitReached)
}

func TestConcurrentRecomputesAreSerialized(t *testing.T) {
	eng, _ := newTestEngine(t, &fixedMarket{snap: marketWithDemand(0.9)})

	before := eng.Cycles()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NotNil(t, eng.Recompute())
		}()
	}
	wg.Wait()

	assert.Equal(t, before+20, eng.Cycles())
}

// panicOnce fails its first generation, then recovers.
type panicOnce struct {
	mu    sync.Mutex
	fired bool
	inner *fixedMarket
}

func (p *panicOnce) Generate() market.Snapshot {
	p.mu.Lock()
	fired := p.fired
	p.fired = true
	p.mu.Unlock()

	if !fired {
		panic("synthetic market failure")
	}
	return p.inner.Generate()
}

func TestCycleSelfHealsAfterPanic(t *testing.T) {
	sim := &panicOnce{inner: &fixedMarket{snap: marketWithDemand(0.9)}}
	eng := New(testConfig(), Options{Simulator: sim})
	t.Cleanup(eng.Stop)

	// The startup cycle panicked and was swallowed.
	assert.Equal(t, int64(0), eng.Cycles())

	// The next cycle succeeds; the loop never died.
	update := eng.Recompute()
	require.NotNil(t, update)
	assert.Equal(t, int64(1), eng.Cycles())
}
