// Package mirror keeps the latest cycle payloads in Redis so external
// dashboards can poll current state without touching the engine. The mirror
// is a cache of the most recent values only; nothing survives a restart by
// design.
package mirror

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"
	"github.com/wattshift/powerengine/internal/market"
	"github.com/wattshift/powerengine/internal/model"
	"github.com/wattshift/powerengine/pkg/circuit"
)

// Keys for the mirrored payloads.
const (
	KeyMarket       = "powerengine:market_update"
	KeySites        = "powerengine:sites_update"
	KeyOptimization = "powerengine:optimization_update"
)

const writeTimeout = 2 * time.Second

// Mirror writes each payload to Redis with a TTL slightly above the cycle
// interval, so stale entries age out if the engine stops. Writes run behind
// a circuit breaker: once Redis is unreachable the mirror stops paying the
// write timeout on every cycle and probes again after a cooldown.
type Mirror struct {
	client  *redis.Client
	ttl     time.Duration
	logger  hclog.Logger
	breaker *circuit.Breaker
}

// New creates a mirror against the given Redis address.
func New(addr string, ttl time.Duration, logger hclog.Logger) *Mirror {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	m := &Mirror{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
		logger: logger,
	}
	m.breaker = circuit.New(circuit.Options{
		MaxFailures: 3,
		Cooldown:    30 * time.Second,
		OnStateChange: func(from, to circuit.State) {
			m.logger.Warn("redis mirror breaker state changed", "from", from, "to", to)
		},
	})
	return m
}

// Ping verifies connectivity at startup.
func (m *Mirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

func (m *Mirror) set(key string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error("failed to marshal payload", "key", key, "error", err)
		return
	}

	err = m.breaker.Do(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		return m.client.Set(ctx, key, data, m.ttl).Err()
	})
	if err != nil && err != circuit.ErrOpen {
		m.logger.Warn("failed to mirror payload", "key", key, "error", err)
	}
}

// PublishMarket mirrors the market snapshot.
func (m *Mirror) PublishMarket(snap market.Snapshot) {
	m.set(KeyMarket, snap)
}

// PublishSites mirrors the per-site states.
func (m *Mirror) PublishSites(sites map[string]*model.SiteState) {
	m.set(KeySites, sites)
}

// PublishOptimization mirrors the optimization aggregate.
func (m *Mirror) PublishOptimization(u model.OptimizationUpdate) {
	m.set(KeyOptimization, u)
}

// Close releases the client.
func (m *Mirror) Close() error {
	return m.client.Close()
}
