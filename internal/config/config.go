package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// SiteConfig describes one physical site. The fleet is fixed for the
// lifetime of the process.
type SiteConfig struct {
	ID                  string         `json:"id"`
	Name                string         `json:"name"`
	Location            string         `json:"location"`
	CapacityMW          float64        `json:"capacity_mw"`
	DRCommitmentPercent float64        `json:"dr_commitment_percent"`
	DRAnnualPayment     float64        `json:"dr_annual_payment"`
	RampTimes           map[string]int `json:"ramp_times"`

	// Baseline and half-width for the site's simulated energy price, $/kWh.
	EnergyPriceBase   float64 `json:"-"`
	EnergyPriceSpread float64 `json:"-"`
}

// CommittedCapacityMW is the capacity the site must shed when a demand
// response event calls on it.
func (s SiteConfig) CommittedCapacityMW() float64 {
	return s.CapacityMW * s.DRCommitmentPercent / 100
}

// Config holds the full engine configuration.
type Config struct {
	Port          string
	CycleInterval time.Duration

	// HourScale maps one contract hour to wall-clock time. Production runs
	// at time.Hour; tests compress it.
	HourScale time.Duration

	HistoryLimit       int
	HistoryWindow      int
	MaxDREventsPerYear int
	DREventLogLimit    int

	Sites []SiteConfig

	// Optional collaborators. Empty means disabled.
	NATSURL      string
	RedisAddr    string
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string
}

// ConfigurationError reports a malformed site or engine configuration.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// DefaultSites returns the built-in two-site fleet.
func DefaultSites() []SiteConfig {
	return []SiteConfig{
		{
			ID:                  "finland-1",
			Name:                "Nordic Data Center",
			Location:            "Finland",
			CapacityMW:          200,
			DRCommitmentPercent: 70,
			DRAnnualPayment:     2100000,
			RampTimes:           map[string]int{"ai": 5, "bitcoin": 1, "demand_response": 0},
			EnergyPriceBase:     0.04,
			EnergyPriceSpread:   0.0075,
		},
		{
			ID:                  "texas-1",
			Name:                "Texas Energy Hub",
			Location:            "Texas, USA",
			CapacityMW:          150,
			DRCommitmentPercent: 60,
			DRAnnualPayment:     1350000,
			RampTimes:           map[string]int{"ai": 5, "bitcoin": 1, "demand_response": 0},
			EnergyPriceBase:     0.06,
			EnergyPriceSpread:   0.01,
		},
	}
}

// Load builds the configuration from the environment, falling back to
// defaults, and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Port:               envOr("PORT", "5000"),
		CycleInterval:      envDuration("CYCLE_INTERVAL", 15*time.Second),
		HourScale:          envDuration("HOUR_SCALE", time.Hour),
		HistoryLimit:       envInt("HISTORY_LIMIT", 100),
		HistoryWindow:      envInt("HISTORY_WINDOW", 20),
		MaxDREventsPerYear: envInt("MAX_DR_EVENTS_PER_YEAR", 25),
		DREventLogLimit:    envInt("DR_EVENT_LOG_LIMIT", 200),
		Sites:              DefaultSites(),
		NATSURL:            os.Getenv("NATS_URL"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		InfluxURL:          os.Getenv("INFLUXDB_URL"),
		InfluxToken:        os.Getenv("INFLUXDB_TOKEN"),
		InfluxOrg:          os.Getenv("INFLUXDB_ORG"),
		InfluxBucket:       os.Getenv("INFLUXDB_BUCKET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for startup errors.
func (c *Config) Validate() error {
	if c.CycleInterval <= 0 {
		return &ConfigurationError{Field: "cycle_interval", Reason: "must be positive"}
	}
	if c.HourScale <= 0 {
		return &ConfigurationError{Field: "hour_scale", Reason: "must be positive"}
	}
	if c.HistoryLimit <= 0 {
		return &ConfigurationError{Field: "history_limit", Reason: "must be positive"}
	}
	if c.HistoryWindow <= 0 {
		return &ConfigurationError{Field: "history_window", Reason: "must be positive"}
	}
	if c.MaxDREventsPerYear < 0 {
		return &ConfigurationError{Field: "max_dr_events_per_year", Reason: "must not be negative"}
	}
	if c.DREventLogLimit <= 0 {
		return &ConfigurationError{Field: "dr_event_log_limit", Reason: "must be positive"}
	}
	if len(c.Sites) == 0 {
		return &ConfigurationError{Field: "sites", Reason: "at least one site is required"}
	}

	seen := make(map[string]bool, len(c.Sites))
	for _, site := range c.Sites {
		if site.ID == "" {
			return &ConfigurationError{Field: "site.id", Reason: "must not be empty"}
		}
		if seen[site.ID] {
			return &ConfigurationError{Field: "site.id", Reason: fmt.Sprintf("duplicate site %q", site.ID)}
		}
		seen[site.ID] = true

		if site.CapacityMW <= 0 {
			return &ConfigurationError{
				Field:  "site.capacity_mw",
				Reason: fmt.Sprintf("site %q: capacity must be positive", site.ID),
			}
		}
		if site.DRCommitmentPercent < 0 || site.DRCommitmentPercent > 100 {
			return &ConfigurationError{
				Field:  "site.dr_commitment_percent",
				Reason: fmt.Sprintf("site %q: commitment must be within [0,100]", site.ID),
			}
		}
		if site.DRAnnualPayment < 0 {
			return &ConfigurationError{
				Field:  "site.dr_annual_payment",
				Reason: fmt.Sprintf("site %q: annual payment must not be negative", site.ID),
			}
		}
		if site.EnergyPriceBase <= site.EnergyPriceSpread/2 {
			return &ConfigurationError{
				Field:  "site.energy_price",
				Reason: fmt.Sprintf("site %q: price range must stay positive", site.ID),
			}
		}
	}

	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
