// Package bus publishes cycle results onto NATS for out-of-process
// consumers. Delivery is fire-and-forget, matching the engine's egress
// contract.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/nats-io/nats.go"
	"github.com/wattshift/powerengine/internal/market"
	"github.com/wattshift/powerengine/internal/model"
)

// Subjects for the three payloads.
const (
	SubjectMarket       = "power.market_update"
	SubjectSites        = "power.sites_update"
	SubjectOptimization = "power.optimization_update"
)

// Publisher is a thin NATS client that mirrors the engine's broadcast
// payloads onto the bus.
type Publisher struct {
	conn   *nats.Conn
	logger hclog.Logger
}

// Connect dials NATS. The connection reconnects on its own; publish errors
// are logged and dropped.
func Connect(url, name string, logger hclog.Logger) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Publisher{conn: conn, logger: logger}, nil
}

func (p *Publisher) publish(subject string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("failed to marshal payload", "subject", subject, "error", err)
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("failed to publish", "subject", subject, "error", err)
	}
}

// PublishMarket publishes the market snapshot.
func (p *Publisher) PublishMarket(m market.Snapshot) {
	p.publish(SubjectMarket, m)
}

// PublishSites publishes the per-site states.
func (p *Publisher) PublishSites(sites map[string]*model.SiteState) {
	p.publish(SubjectSites, sites)
}

// PublishOptimization publishes the optimization aggregate.
func (p *Publisher) PublishOptimization(u model.OptimizationUpdate) {
	p.publish(SubjectOptimization, u)
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}
