package dr

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/wattshift/powerengine/internal/config"
)

// ErrNoActiveEvent is returned when ending while no event is in flight.
var ErrNoActiveEvent = errors.New("no active demand response event")

// ErrEventLimitReached is returned once the annual event counter hits the
// configured ceiling.
var ErrEventLimitReached = errors.New("annual demand response event limit reached")

// InvalidEventError reports a malformed trigger request.
type InvalidEventError struct {
	Reason string
}

func (e *InvalidEventError) Error() string {
	return fmt.Sprintf("invalid demand response event: %s", e.Reason)
}

// Event is one demand response call. At most one event is active at a time.
type Event struct {
	ID                    string    `json:"id"`
	Reason                string    `json:"reason"`
	DurationHours         float64   `json:"duration_hours"`
	AffectedSites         []string  `json:"affected_sites"`
	CapacityReducedMW     float64   `json:"capacity_reduced_mw"`
	EstimatedProfitImpact float64   `json:"estimated_profit_impact"`
	StartTime             time.Time `json:"start_time"`
}

// Affects reports whether the event curtails the given site.
func (e *Event) Affects(siteID string) bool {
	if e == nil {
		return false
	}
	for _, id := range e.AffectedSites {
		if id == siteID {
			return true
		}
	}
	return false
}

func (e *Event) clone() *Event {
	if e == nil {
		return nil
	}
	out := *e
	out.AffectedSites = append([]string(nil), e.AffectedSites...)
	return &out
}

// Controller owns the single active event slot, the annual counter and the
// bounded log of past events.
type Controller struct {
	mu sync.Mutex

	sites      map[string]config.SiteConfig
	maxPerYear int
	logLimit   int
	hourScale  time.Duration

	active      *Event
	timer       *time.Timer
	events      []*Event
	yearCount   int
	currentYear int

	// onExpire fires after an event auto-ends, outside the controller lock.
	onExpire func(eventID string)

	logger hclog.Logger
	now    func() time.Time
}

// Options tune the controller. Zero values fall back to defaults; a caller
// who genuinely wants no events or no log passes a negative value.
type Options struct {
	// MaxEventsPerYear caps annual triggers. 0 means the default (25);
	// negative means no events are allowed.
	MaxEventsPerYear int

	// EventLogLimit bounds the past-event log. 0 means the default (200);
	// negative means keep no log.
	EventLogLimit int

	// HourScale maps duration_hours to wall-clock time. Defaults to
	// time.Hour; tests compress it.
	HourScale time.Duration

	// OnExpire is invoked after an automatic end, with the ended event's id.
	OnExpire func(eventID string)

	Logger hclog.Logger
	Now    func() time.Time
}

// NewController creates a controller for the given fleet.
func NewController(sites []config.SiteConfig, opts Options) *Controller {
	switch {
	case opts.MaxEventsPerYear == 0:
		opts.MaxEventsPerYear = 25
	case opts.MaxEventsPerYear < 0:
		opts.MaxEventsPerYear = 0
	}
	switch {
	case opts.EventLogLimit == 0:
		opts.EventLogLimit = 200
	case opts.EventLogLimit < 0:
		opts.EventLogLimit = 0
	}
	if opts.HourScale == 0 {
		opts.HourScale = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	known := make(map[string]config.SiteConfig, len(sites))
	for _, s := range sites {
		known[s.ID] = s
	}

	return &Controller{
		sites:       known,
		maxPerYear:  opts.MaxEventsPerYear,
		logLimit:    opts.EventLogLimit,
		hourScale:   opts.HourScale,
		onExpire:    opts.OnExpire,
		logger:      opts.Logger,
		now:         opts.Now,
		currentYear: opts.Now().Year(),
	}
}

// Trigger validates and installs a new active event, replacing any pending
// auto-end of a previous event, and schedules the new event's auto-end.
func (c *Controller) Trigger(spec Event) (*Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(spec.AffectedSites) == 0 {
		return nil, &InvalidEventError{Reason: "affected_sites must not be empty"}
	}
	for _, id := range spec.AffectedSites {
		if _, ok := c.sites[id]; !ok {
			return nil, &InvalidEventError{Reason: fmt.Sprintf("unknown site %q", id)}
		}
	}
	if spec.DurationHours <= 0 {
		return nil, &InvalidEventError{Reason: "duration_hours must be positive"}
	}

	now := c.now()
	if year := now.Year(); year != c.currentYear {
		c.currentYear = year
		c.yearCount = 0
	}
	if c.yearCount >= c.maxPerYear {
		return nil, ErrEventLimitReached
	}

	event := spec.clone()
	if event.ID == "" {
		event.ID = "DR-" + uuid.NewString()
	}
	event.StartTime = now
	if event.CapacityReducedMW == 0 {
		for _, id := range event.AffectedSites {
			event.CapacityReducedMW += c.sites[id].CommittedCapacityMW()
		}
	}
	if event.EstimatedProfitImpact == 0 {
		for _, id := range event.AffectedSites {
			site := c.sites[id]
			event.EstimatedProfitImpact += site.DRAnnualPayment / (365 * 24) * event.DurationHours
		}
	}

	// A new event supersedes any pending auto-end of the previous one.
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}

	c.active = event
	c.yearCount++
	c.events = append(c.events, event.clone())
	if len(c.events) > c.logLimit {
		c.events = c.events[len(c.events)-c.logLimit:]
	}

	delay := time.Duration(event.DurationHours * float64(c.hourScale))
	id := event.ID
	c.timer = time.AfterFunc(delay, func() { c.autoEnd(id) })

	c.logger.Info("demand response event triggered",
		"id", event.ID,
		"reason", event.Reason,
		"duration_hours", event.DurationHours,
		"sites", event.AffectedSites,
		"events_this_year", c.yearCount,
	)

	return event.clone(), nil
}

// End clears the active event manually. The annual counter and the event log
// are untouched.
func (c *Controller) End() (*Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		return nil, ErrNoActiveEvent
	}

	ended := c.active
	c.active = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}

	c.logger.Info("demand response event ended manually", "id", ended.ID)
	return ended.clone(), nil
}

// autoEnd fires from the scheduled timer. The event must still be the active
// one; a newer event reusing the slot is left alone.
func (c *Controller) autoEnd(eventID string) {
	c.mu.Lock()
	if c.active == nil || c.active.ID != eventID {
		c.mu.Unlock()
		return
	}
	ended := c.active
	c.active = nil
	c.timer = nil
	c.mu.Unlock()

	c.logger.Info("demand response event auto-ended",
		"id", ended.ID, "duration_hours", ended.DurationHours)

	if c.onExpire != nil {
		c.onExpire(eventID)
	}
}

// Active returns a copy of the current event, or nil.
func (c *Controller) Active() *Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active.clone()
}

// EventsThisYear returns the annual trigger counter.
func (c *Controller) EventsThisYear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.yearCount
}

// MaxEventsPerYear returns the annual ceiling.
func (c *Controller) MaxEventsPerYear() int {
	return c.maxPerYear
}

// RecentEvents returns up to n most recent events, newest last.
func (c *Controller) RecentEvents(n int) []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n > len(c.events) {
		n = len(c.events)
	}
	out := make([]*Event, 0, n)
	for _, e := range c.events[len(c.events)-n:] {
		out = append(out, e.clone())
	}
	return out
}

// SiteCommitments summarizes each site's standing commitment.
func (c *Controller) SiteCommitments() map[string]SiteCommitment {
	out := make(map[string]SiteCommitment, len(c.sites))
	for id, site := range c.sites {
		out[id] = SiteCommitment{
			Name:                site.Name,
			CommitmentPercent:   site.DRCommitmentPercent,
			AnnualPayment:       site.DRAnnualPayment,
			CommittedCapacityMW: site.CommittedCapacityMW(),
		}
	}
	return out
}

// SiteCommitment is the wire form of a site's demand response contract.
type SiteCommitment struct {
	Name                string  `json:"name"`
	CommitmentPercent   float64 `json:"commitment_percent"`
	AnnualPayment       float64 `json:"annual_payment"`
	CommittedCapacityMW float64 `json:"committed_capacity_mw"`
}

// Stop cancels any pending auto-end so a torn-down engine is never called
// back.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
