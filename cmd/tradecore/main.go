package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/tradecore/internal/audit"
	"github.com/nexus-trading/tradecore/internal/bridge"
	"github.com/nexus-trading/tradecore/internal/bus"
	"github.com/nexus-trading/tradecore/internal/config"
	"github.com/nexus-trading/tradecore/internal/control"
	"github.com/nexus-trading/tradecore/internal/observability"
	"github.com/nexus-trading/tradecore/internal/optimizer"
	"github.com/nexus-trading/tradecore/internal/orchestrator"
	"github.com/nexus-trading/tradecore/internal/quality"
	"github.com/nexus-trading/tradecore/internal/regime"
	"github.com/nexus-trading/tradecore/internal/risk"
)

const auditBuffer = 1000

func main() {
	// 1. Parse flags.
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	once := flag.Bool("once", false, "Run a single iteration and exit")
	flag.Parse()

	// 2. Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	// 3. Setup logging.
	setupLogging(cfg.General)

	log.Info().Msg("=============================================")
	log.Info().Msg("TRADECORE - Starting")
	log.Info().Msg("FETCH -> EVALUATE -> GATE -> EXECUTE -> PUBLISH")
	log.Info().Msg("=============================================")

	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Str("environment", cfg.General.Environment).
		Str("symbol", cfg.Orchestrator.Symbol).
		Str("strategy", cfg.Orchestrator.Strategy).
		Str("data_source", cfg.Orchestrator.DataSource).
		Bool("live_trading", cfg.Orchestrator.LiveTrading).
		Dur("interval", cfg.Orchestrator.Interval).
		Msg("Configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Metrics and the event bus. The bus reports handler failures to the
	// metrics so a broken subscriber shows up on a dashboard.
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	b := bus.New(bus.WithErrorHook(metrics.HandlerError))
	metrics.Attach(b)

	regimes := regime.NewTracker(regime.NewDetector(regime.DefaultConfig()), regime.DefaultWindow, func(u regime.Update) {
		metrics.SetRegime(u.Symbol, string(u.Regime), u.Confidence)
	})
	regimes.Attach(b)

	// 5. Kafka. Without it the audit trail publishes to an in-memory stub.
	var producer bus.Producer = bus.NewStubProducer()
	if cfg.Kafka.Enabled {
		kp, err := bus.NewProducer(cfg.Kafka.Brokers, bus.WithInstanceID(cfg.General.InstanceID))
		if err != nil {
			log.Fatal().Err(err).Strs("brokers", cfg.Kafka.Brokers).Msg("Kafka producer init failed")
		}
		defer func() {
			if n := kp.Flush(5 * time.Second); n > 0 {
				log.Warn().Int("pending", n).Msg("Kafka flush incomplete")
			}
			kp.Close()
		}()
		producer = kp
		stopMirror := bus.Mirror(b, kp, cfg.Kafka.TopicPrefix)
		defer stopMirror()
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("prefix", cfg.Kafka.TopicPrefix).Msg("Kafka mirror: ENABLED")
	}

	trail := audit.NewTrail(producer, auditBuffer)
	trail.Attach(b)

	// 6. Risk, markets, execution.
	riskMgr := risk.NewManager(riskLimits(cfg.Risk), b)

	markets := buildMarkets(cfg)
	orders, prices, venue := buildExecution(cfg)
	log.Info().Str("venue", venue).Strs("sources", sourceNames(markets)).Msg("Gateways ready")

	sizer, err := buildSizer(cfg.Sizing)
	if err != nil {
		log.Fatal().Err(err).Msg("Sizing policy invalid")
	}

	// 7. Strategies and optimizer.
	registry, err := buildRegistry(cfg.Rules)
	if err != nil {
		log.Fatal().Err(err).Msg("Strategy rules invalid")
	}
	log.Info().Int("strategies", len(registry.List())).Msg("Strategy registry ready")

	deps := orchestrator.Deps{
		Bus:       b,
		Registry:  registry,
		Risk:      riskMgr,
		Markets:   markets,
		Orders:    orders,
		Sizer:     sizer,
		Optimizer: optimizer.New(registry),
		Prices:    prices,
	}

	// 8. AI enrichment.
	if cfg.Intel.Enabled {
		analyst, closeCache := buildAnalyst(cfg)
		if closeCache != nil {
			defer closeCache()
		}
		deps.Analyst = analyst
	}

	// 9. Orchestrator.
	orch, err := orchestrator.New(deps, orchestratorConfig(cfg))
	if err != nil {
		log.Fatal().Err(err).Msg("Orchestrator init failed")
	}

	if *once {
		err := orch.RunOnce(ctx)
		orch.Wait()
		if err != nil {
			log.Error().Err(err).Msg("Iteration failed")
			os.Exit(1)
		}
		log.Info().Interface("state", orch.State()).Msg("Iteration complete")
		return
	}

	// 10. Health and metrics endpoints.
	heartbeat := observability.NewHeartbeatTracker(3 * cfg.Orchestrator.Interval)
	heartbeat.Attach(b)
	feeds := quality.NewMonitor(cfg.Orchestrator.Interval)
	feeds.Attach(b)
	go feeds.Start(ctx)
	go logFeedAlerts(ctx, feeds)

	health := observability.NewHealthMonitor()
	health.Register("orchestrator", heartbeat.Check)
	health.Register("market_feed", feeds.Check)

	if cfg.Metrics.Enabled {
		srv := observability.Serve(cfg.Metrics.Port, observability.NewMux(reg, health))
		defer observability.Shutdown(srv, 5*time.Second)
	}

	// 11. Websocket bridge.
	if cfg.Bridge.Enabled {
		hub := bridge.NewHub()
		hub.Attach(b)
		ws := bridge.Serve(cfg.Bridge.Addr, hub)
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = ws.Shutdown(shutdownCtx)
			hub.Close()
		}()
	}

	// 12. Operator control channel.
	if cfg.Kafka.Enabled {
		consumer, err := bus.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, []string{cfg.Kafka.ControlTopic})
		if err != nil {
			log.Fatal().Err(err).Msg("Kafka control consumer init failed")
		}
		defer consumer.Close()
		handler := control.NewHandler(ctx, orch, riskMgr)
		go func() {
			if err := control.Run(ctx, consumer, handler); err != nil {
				log.Error().Err(err).Msg("Control consumer stopped")
			}
		}()
		log.Info().Str("topic", cfg.Kafka.ControlTopic).Msg("Control channel: LISTENING")
	}

	// 13. Run until signalled.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	orch.Start(ctx)
	log.Info().Msg("Orchestrator running")

	sig := <-sigCh
	log.Warn().Str("signal", sig.String()).Msg("Shutdown signal received")

	orch.Stop()
	cancel()
	orch.Wait()

	rs := riskMgr.State()
	log.Info().
		Uint64("iterations", orch.Iterations()).
		Int("audit_entries", trail.Len()).
		Str("daily_loss", rs.AccumulatedLoss.String()).
		Bool("kill_switch", rs.KillSwitchActive).
		Msg("TRADECORE - Shutdown complete")
}

func setupLogging(general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Str("service", "tradecore").
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", "tradecore").
			Str("instance", general.InstanceID).Logger()
	}
}

func logFeedAlerts(ctx context.Context, m *quality.Monitor) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-m.Alerts():
			ev := log.Warn()
			if a.Level == "critical" {
				ev = log.Error()
			}
			ev.Str("source", a.Source).Str("symbol", a.Symbol).Msg(a.Message)
		}
	}
}
