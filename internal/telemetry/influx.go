// Package telemetry records per-cycle measurements to InfluxDB through the
// non-blocking write API, so a slow or absent sink never stalls a cycle.
package telemetry

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/wattshift/powerengine/internal/market"
	"github.com/wattshift/powerengine/internal/model"
)

// Recorder writes cycle measurements.
type Recorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

// New creates a recorder for the given InfluxDB instance.
func New(url, token, org, bucket string) *Recorder {
	client := influxdb2.NewClient(url, token)
	return &Recorder{
		client:   client,
		writeAPI: client.WriteAPI(org, bucket),
	}
}

// PublishMarket records the market draw.
func (r *Recorder) PublishMarket(m market.Snapshot) {
	point := influxdb2.NewPointWithMeasurement("market").
		AddField("btc_price", m.BTCPrice).
		AddField("ai_rental_rate", m.AIRentalRate).
		AddField("ai_demand_level", m.AIDemandLevel).
		AddField("network_difficulty", m.NetworkDifficulty).
		SetTime(m.Timestamp)
	for siteID, price := range m.EnergyPrices {
		point.AddField("energy_price_"+siteID, price)
	}
	r.writeAPI.WritePoint(point)
}

// PublishSites records one point per site allocation.
func (r *Recorder) PublishSites(sites map[string]*model.SiteState) {
	for id, site := range sites {
		r.writeAPI.WritePoint(influxdb2.NewPointWithMeasurement("site_allocation").
			AddTag("site", id).
			AddTag("operation", site.CurrentOperation).
			AddField("profit_per_hour", site.CurrentProfit).
			AddField("ai_mw", site.PowerAllocation.AIMW).
			AddField("bitcoin_mw", site.PowerAllocation.BitcoinMW).
			AddField("idle_mw", site.PowerAllocation.IdleMW).
			AddField("efficiency", site.Efficiency).
			SetTime(site.LastUpdated))
	}
}

// PublishOptimization records the cycle aggregate.
func (r *Recorder) PublishOptimization(u model.OptimizationUpdate) {
	point := influxdb2.NewPointWithMeasurement("optimization").
		AddField("total_profit_per_hour", u.CurrentTotalProfit).
		AddField("dr_events_this_year", u.DREventsThisYear).
		AddField("dr_active", u.ActiveDREvent != nil).
		SetTime(time.Now())
	r.writeAPI.WritePoint(point)
}

// Close flushes buffered points and releases the client.
func (r *Recorder) Close() {
	r.writeAPI.Flush()
	r.client.Close()
}
