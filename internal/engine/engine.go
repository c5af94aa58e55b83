// Package engine drives the periodic optimization cycle: regenerate market
// conditions, price and allocate every site, aggregate, record history, and
// hand the results to the broadcast collaborator.
package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/wattshift/powerengine/internal/allocation"
	"github.com/wattshift/powerengine/internal/config"
	"github.com/wattshift/powerengine/internal/dr"
	"github.com/wattshift/powerengine/internal/history"
	"github.com/wattshift/powerengine/internal/ledger"
	"github.com/wattshift/powerengine/internal/market"
	"github.com/wattshift/powerengine/internal/model"
	"github.com/wattshift/powerengine/internal/profit"
)

// Broadcaster receives the three per-cycle payloads. Delivery is
// fire-and-forget; the engine never waits for or retries it.
type Broadcaster interface {
	PublishMarket(m market.Snapshot)
	PublishSites(sites map[string]*model.SiteState)
	PublishOptimization(u model.OptimizationUpdate)
}

// ObserverCounter is optionally implemented by a Broadcaster that knows how
// many observers are connected. Periodic cycles skip delivery when there are
// none.
type ObserverCounter interface {
	Observers() int
}

// MultiBroadcaster fans a payload out to several collaborators.
type MultiBroadcaster []Broadcaster

func (mb MultiBroadcaster) PublishMarket(m market.Snapshot) {
	for _, b := range mb {
		b.PublishMarket(m)
	}
}

func (mb MultiBroadcaster) PublishSites(sites map[string]*model.SiteState) {
	for _, b := range mb {
		b.PublishSites(sites)
	}
}

func (mb MultiBroadcaster) PublishOptimization(u model.OptimizationUpdate) {
	for _, b := range mb {
		b.PublishOptimization(u)
	}
}

// Generator produces one market snapshot per cycle.
type Generator interface {
	Generate() market.Snapshot
}

// Options configure the engine beyond the static Config.
type Options struct {
	Logger hclog.Logger

	// Simulator overrides the default market simulator (used by tests to
	// fix market conditions).
	Simulator Generator

	// Rand seeds the synthetic efficiency gauge; defaults to a time-seeded
	// source.
	Rand *rand.Rand
}

// Engine owns all mutable state. Cycle executions are serialized end to end:
// cycleMu is the single-flight lock covering both the computation and the
// broadcast handoff, so an out-of-band recompute and the periodic tick can
// never interleave and payloads are always delivered in cycle order. The
// state lock is held only during computation so readers are not blocked by a
// slow collaborator.
type Engine struct {
	cfg    *config.Config
	logger hclog.Logger

	sim    Generator
	drc    *dr.Controller
	hist   *history.Store
	ledger *ledger.Ledger

	broadcaster Broadcaster

	cycleMu sync.Mutex

	mu             sync.RWMutex
	market         market.Snapshot
	sites          map[string]*model.SiteState
	activeEvent    *dr.Event
	eventsThisYear int
	totalProfit    float64
	cycles         int64
	rng            *rand.Rand

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds the engine and runs one synchronous cycle so the first observer
// never sees empty state.
func New(cfg *config.Config, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if opts.Simulator == nil {
		opts.Simulator = market.NewSimulator(cfg.Sites, rand.New(rand.NewSource(time.Now().UnixNano())))
	}

	e := &Engine{
		cfg:    cfg,
		logger: opts.Logger,
		sim:    opts.Simulator,
		hist:   history.NewStore(cfg.HistoryLimit),
		ledger: ledger.New(),
		rng:    opts.Rand,
		stopCh: make(chan struct{}),
	}

	// An explicit zero in the config means no events allowed; the controller
	// expresses that as a negative cap.
	maxEvents := cfg.MaxDREventsPerYear
	if maxEvents == 0 {
		maxEvents = -1
	}

	e.drc = dr.NewController(cfg.Sites, dr.Options{
		MaxEventsPerYear: maxEvents,
		EventLogLimit:    cfg.DREventLogLimit,
		HourScale:        cfg.HourScale,
		OnExpire:         e.handleAutoEnd,
		Logger:           opts.Logger.Named("dr"),
	})

	e.RunCycle(false)
	return e
}

// SetBroadcaster installs the egress collaborator.
func (e *Engine) SetBroadcaster(b Broadcaster) {
	e.broadcaster = b
}

// DR exposes the demand response controller for read-only queries.
func (e *Engine) DR() *dr.Controller {
	return e.drc
}

// Ledger exposes the cumulative revenue ledger.
func (e *Engine) Ledger() *ledger.Ledger {
	return e.ledger
}

// Start runs the periodic cycle until the context is cancelled or Stop is
// called.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ticker := time.NewTicker(e.cfg.CycleInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				e.RunCycle(false)
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			}
		}
	}()
}

// Stop halts the periodic loop and cancels any pending auto-end so nothing
// fires into torn-down state.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.drc.Stop()
	e.wg.Wait()
}

// RunCycle executes one full optimization cycle, including the broadcast
// handoff. With force set the result is broadcast even when no observers are
// connected (DR transitions and explicit recomputes always publish). Returns
// nil only if the cycle computation failed; failures never stop the periodic
// loop.
func (e *Engine) RunCycle(force bool) *model.OptimizationUpdate {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	update, m, sites, err := e.computeCycle()
	if err != nil {
		e.logger.Error("optimization cycle failed", "error", err)
		return nil
	}

	if e.broadcaster != nil && (force || e.observers() > 0) {
		e.broadcaster.PublishMarket(m)
		e.broadcaster.PublishSites(sites)
		e.broadcaster.PublishOptimization(*update)
	}
	return update
}

func (e *Engine) observers() int {
	if oc, ok := e.broadcaster.(ObserverCounter); ok {
		return oc.Observers()
	}
	return 0
}

// computeCycle is the serialized critical section. All state mutation
// happens here, under the write lock, so readers always observe a fully
// updated snapshot.
func (e *Engine) computeCycle() (update *model.OptimizationUpdate, m market.Snapshot, sites map[string]*model.SiteState, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panic: %v", r)
		}
	}()

	m = e.sim.Generate()
	active := e.drc.Active()
	eventsThisYear := e.drc.EventsThisYear()
	now := time.Now().UTC()

	drStatus := model.DRStatusStandby
	if active != nil {
		drStatus = model.DRStatusActive
	}

	total := 0.0
	sites = make(map[string]*model.SiteState, len(e.cfg.Sites))
	for _, site := range e.cfg.Sites {
		profits := profit.Price(site, m)
		result := allocation.Allocate(site, profits, active, m.AIDemandLevel)

		sites[site.ID] = &model.SiteState{
			SiteConfig:       site,
			CurrentOperation: result.Mode,
			CurrentProfit:    result.Profit,
			Profits:          profits,
			PowerAllocation:  result.Allocation,
			LastUpdated:      now,
			Efficiency:       e.efficiencyGauge(),
			DRStatus:         drStatus,
			DREventsThisYear: eventsThisYear,
			AIDemandLevel:    m.AIDemandLevel,
		}

		total += result.Profit
		e.ledger.Record(site.ID, result.Profit)
	}

	e.market = m
	e.sites = sites
	e.activeEvent = active
	e.eventsThisYear = eventsThisYear
	e.totalProfit = total
	e.cycles++

	e.hist.Append(&model.OptimizationRecord{
		Timestamp:        now,
		TotalProfit:      total,
		Sites:            model.CloneSites(sites),
		ActiveDREvent:    active,
		DREventsThisYear: eventsThisYear,
		MarketConditions: model.MarketConditions{
			BTCPrice:       m.BTCPrice,
			AIDemand:       m.AIDemandLevel,
			AvgEnergyPrice: avgPrice(m.EnergyPrices),
		},
	})

	// Log every 5th cycle to keep the output readable.
	if e.cycles%5 == 0 {
		args := []interface{}{"cycle", e.cycles, "total_profit_per_hour", total}
		if active != nil {
			args = append(args, "dr_event", active.Reason)
		}
		e.logger.Info("optimization complete", args...)
	}

	update = &model.OptimizationUpdate{
		History:            e.hist.Window(e.cfg.HistoryWindow),
		CurrentTotalProfit: total,
		ActiveDREvent:      active,
		DREventsThisYear:   eventsThisYear,
	}

	m = m.Clone()
	sites = model.CloneSites(sites)
	return update, m, sites, nil
}

// efficiencyGauge draws the synthetic per-site efficiency in [85,100].
func (e *Engine) efficiencyGauge() float64 {
	eff := 92 + (e.rng.Float64()-0.5)*10
	if eff < 85 {
		eff = 85
	}
	if eff > 100 {
		eff = 100
	}
	return eff
}

func avgPrice(prices map[string]float64) float64 {
	if len(prices) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range prices {
		sum += p
	}
	return sum / float64(len(prices))
}

// Recompute forces one synchronous cycle and returns the aggregate.
func (e *Engine) Recompute() *model.OptimizationUpdate {
	return e.RunCycle(true)
}

// TriggerDR validates and installs a demand response event, then forces a
// recompute so observers see the curtailment immediately.
func (e *Engine) TriggerDR(spec dr.Event) (*dr.Event, error) {
	event, err := e.drc.Trigger(spec)
	if err != nil {
		return nil, err
	}
	e.RunCycle(true)
	return event, nil
}

// EndDR clears the active event and forces a recompute.
func (e *Engine) EndDR() (*dr.Event, error) {
	event, err := e.drc.End()
	if err != nil {
		return nil, err
	}
	e.RunCycle(true)
	return event, nil
}

// handleAutoEnd runs after a scheduled event expiry; the controller has
// already cleared the slot.
func (e *Engine) handleAutoEnd(eventID string) {
	select {
	case <-e.stopCh:
		return
	default:
	}
	e.logger.Info("recomputing after demand response expiry", "id", eventID)
	e.RunCycle(true)
}

// Snapshot returns a consistent, deep-copied view of the current state with
// up to historyN history records. The demand response fields are the view
// the last cycle computed, never a live controller read, so the sites'
// dr_status is always paired with the matching active event.
func (e *Engine) Snapshot(historyN int) *model.EngineSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return &model.EngineSnapshot{
		Market:           e.market.Clone(),
		Sites:            model.CloneSites(e.sites),
		History:          e.hist.Window(historyN),
		ActiveDREvent:    e.activeEvent,
		DREventsThisYear: e.eventsThisYear,
		TotalProfit:      e.totalProfit,
	}
}

// CurrentUpdate rebuilds the optimization aggregate from current state
// without running a cycle. Used to greet new observers.
func (e *Engine) CurrentUpdate() *model.OptimizationUpdate {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return &model.OptimizationUpdate{
		History:            e.hist.Window(e.cfg.HistoryWindow),
		CurrentTotalProfit: e.totalProfit,
		ActiveDREvent:      e.activeEvent,
		DREventsThisYear:   e.eventsThisYear,
	}
}

// Cycles returns the number of completed optimization cycles.
func (e *Engine) Cycles() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cycles
}
