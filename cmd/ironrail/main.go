// Iron Rail Core - Model Railway Control
//
// Drives locomotives, switches, signals and accessories over several
// families of digital command stations, reads feedback sensors, and moves
// trains automatically between blocks along pre-configured routes under a
// reserve/lock/release interlocking discipline.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/iron-rail-core/migrations"

	"github.com/nerrad567/iron-rail-core/internal/api"
	"github.com/nerrad567/iron-rail-core/internal/bridge"
	"github.com/nerrad567/iron-rail-core/internal/infrastructure/config"
	"github.com/nerrad567/iron-rail-core/internal/infrastructure/database"
	"github.com/nerrad567/iron-rail-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/iron-rail-core/internal/infrastructure/logging"
	"github.com/nerrad567/iron-rail-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/iron-rail-core/internal/manager"
	"github.com/nerrad567/iron-rail-core/internal/model"
	"github.com/nerrad567/iron-rail-core/internal/storage"
	"github.com/nerrad567/iron-rail-core/internal/telemetry"

	// hardware drivers register themselves
	_ "github.com/nerrad567/iron-rail-core/internal/hardware/cs2"
	_ "github.com/nerrad567/iron-rail-core/internal/hardware/ecos"
	_ "github.com/nerrad567/iron-rail-core/internal/hardware/virtual"

	"github.com/prometheus/client_golang/prometheus"
)

// Version information - set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main so every failure path
// flows through one exit-code decision.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Iron Rail Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath)

	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			log.Error("closing database", "error", closeErr)
		}
	}()

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	store := storage.NewHandler(db.DB)
	mgr := manager.New(store, log.Named("manager"))

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)
	mgr.SetMetrics(metrics)

	if err := mgr.Load(ctx); err != nil {
		return fmt.Errorf("loading layout: %w", err)
	}
	defer mgr.Shutdown()

	if err := mgr.SeedSettings(settingsFromConfig(cfg, mgr.GetSettings())); err != nil {
		log.Warn("seeding settings failed", "error", err)
	}

	// telemetry sink (optional)
	if cfg.InfluxDB.Enabled {
		influxClient, err := influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			log.Warn("influxdb unavailable, telemetry disabled", "error", err)
		} else {
			influxClient.SetOnError(func(err error) {
				log.Warn("influxdb write failed", "error", err)
			})
			defer func() { _ = influxClient.Close() }()
			mgr.RegisterObserver(telemetry.NewInfluxObserver(influxClient))
			log.Info("influxdb telemetry enabled", "url", cfg.InfluxDB.URL)
		}
	}

	// MQTT bridge (optional)
	if cfg.MQTT.Enabled {
		mqttClient, err := mqtt.Connect(cfg.MQTT)
		if err != nil {
			log.Warn("mqtt unavailable, bridge disabled", "error", err)
		} else {
			mqttClient.SetLogger(log.Named("mqtt"))
			defer func() { _ = mqttClient.Close() }()
			if _, err := bridge.New(mqttClient, mgr, log.Named("bridge")); err != nil {
				log.Warn("mqtt bridge setup failed", "error", err)
			} else {
				log.Info("mqtt bridge enabled", "broker",
					fmt.Sprintf("%s:%d", cfg.MQTT.Host, cfg.MQTT.Port))
			}
		}
	}

	hub := api.NewHub(cfg.WebSocket, log.Named("websocket"))
	mgr.RegisterObserver(hub)
	go hub.Run(ctx)

	server := api.NewServer(cfg, mgr, hub, log.Named("api"))
	if err := server.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "error", err)
	}
	return nil
}

// settingsFromConfig merges the layout section of the configuration into
// the current settings for first-start seeding.
func settingsFromConfig(cfg *config.Config, current manager.Settings) manager.Settings {
	current.AutoAddFeedback = cfg.Layout.AutoAddFeedback
	current.StopOnFeedbackInFreeTrack = cfg.Layout.StopOnFeedbackInFreeTrack
	if cfg.Layout.AccessoryDuration > 0 {
		current.AccessoryDurationMS = uint16(cfg.Layout.AccessoryDuration)
	}
	if n := cfg.Layout.NrOfTracksToReserve; n == 1 || n == 2 {
		current.NrOfTracksToReserve = uint8(n)
	}
	switch cfg.Layout.SelectRouteApproach {
	case "random":
		current.SelectRouteApproach = model.SelectRouteRandom
	case "min-track-length":
		current.SelectRouteApproach = model.SelectRouteMinTrackLength
	case "longest-unused":
		current.SelectRouteApproach = model.SelectRouteLongestUnused
	default:
		current.SelectRouteApproach = model.SelectRouteDoNotCare
	}
	current.LogLevel = cfg.Logging.Level
	return current
}

func getConfigPath() string {
	if len(os.Args) > 1 {
		return os.Args[1]
	}
	if path := os.Getenv("IRONRAIL_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
