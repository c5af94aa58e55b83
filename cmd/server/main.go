package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/wattshift/powerengine/internal/bus"
	"github.com/wattshift/powerengine/internal/config"
	"github.com/wattshift/powerengine/internal/engine"
	"github.com/wattshift/powerengine/internal/mirror"
	"github.com/wattshift/powerengine/internal/server"
	"github.com/wattshift/powerengine/internal/telemetry"
)

func main() {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "powerengine",
		Level: hclog.LevelFromString(levelFromEnv()),
	})

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	gin.SetMode(gin.ReleaseMode)

	eng := engine.New(cfg, engine.Options{Logger: logger.Named("engine")})
	hub := server.NewHub(eng, logger.Named("hub"))

	broadcasters := engine.MultiBroadcaster{hub}

	if cfg.NATSURL != "" {
		publisher, err := bus.Connect(cfg.NATSURL, "powerengine", logger.Named("bus"))
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()
		broadcasters = append(broadcasters, publisher)
		logger.Info("NATS egress enabled", "url", cfg.NATSURL)
	}

	if cfg.RedisAddr != "" {
		m := mirror.New(cfg.RedisAddr, 4*cfg.CycleInterval, logger.Named("mirror"))
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := m.Ping(pingCtx); err != nil {
			logger.Warn("redis mirror unreachable, continuing without it", "error", err)
		} else {
			broadcasters = append(broadcasters, m)
			logger.Info("redis mirror enabled", "addr", cfg.RedisAddr)
		}
		cancel()
		defer m.Close()
	}

	if cfg.InfluxURL != "" {
		recorder := telemetry.New(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket)
		defer recorder.Close()
		broadcasters = append(broadcasters, recorder)
		logger.Info("influx telemetry enabled", "url", cfg.InfluxURL)
	}

	eng.SetBroadcaster(broadcasters)

	snap := eng.Snapshot(0)
	logger.Info("initial optimization complete",
		"total_profit_per_hour", snap.TotalProfit,
		"active_sites", len(snap.Sites),
		"btc_price", snap.Market.BTCPrice,
		"ai_demand_level", snap.Market.AIDemandLevel,
	)

	srv := server.New(eng, hub, logger.Named("http"))
	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: srv.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		eng.Start(ctx)
		return nil
	})

	g.Go(func() error {
		logger.Info("server listening", "port", cfg.Port, "cycle_interval", cfg.CycleInterval.String())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		eng.Stop()
		hub.CloseAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func levelFromEnv() string {
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		return lvl
	}
	return "INFO"
}
