// Command brain runs the decision node: market feed, decision engines, the
// risk engine and the signed order link to the gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"execution-core/internal/api"
	"execution-core/internal/engine"
	"execution-core/internal/events"
	"execution-core/internal/gateway"
	"execution-core/internal/launcher"
	"execution-core/internal/market"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/internal/persistence"
	"execution-core/internal/protocol"
	"execution-core/internal/risk"
	"execution-core/internal/shadow"
	"execution-core/internal/signature"
	"execution-core/internal/strategy"
	"execution-core/internal/worker"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
	"execution-core/pkg/logger"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to the YAML config (defaults to CONFIG_PATH)")
	hashPassword := flag.String("hash-password", "", "print the bcrypt hash of an operator password and exit")
	flag.Parse()

	if *hashPassword != "" {
		hash, err := api.HashPassword(*hashPassword)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "brain: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	log = log.With().Str("node", "brain").Str("version", version).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- storage and audit ---

	database, err := db.Open(cfg.DB.Path)
	if err != nil {
		return err
	}
	defer database.Close()

	bus := events.NewBus(cfg.Risk.EventHistory, logger.Component(log, "events"))
	defer bus.Close()

	writer := persistence.NewBatchWriter(database.DB, 100, time.Second, logger.Component(log, "batch_writer"))
	defer writer.Close()
	audit := persistence.NewAudit(bus, writer, log)
	audit.Start()
	defer func() {
		if err := audit.Stop(); err != nil {
			log.Error().Err(err).Msg("audit flush failed")
		}
	}()

	if cfg.Kafka.EventsTopic != "" && len(cfg.Kafka.Brokers) > 0 {
		exporter := persistence.NewExporter(bus, persistence.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic), log)
		exporter.Start()
		defer func() {
			if err := exporter.Stop(); err != nil {
				log.Error().Err(err).Msg("event export shutdown failed")
			}
		}()
	}

	rec := monitor.NewRecorder()
	mon := monitor.New(bus, rec, log, monitor.LogSink{Log: logger.Component(log, "alerts")})
	mon.Start()
	defer mon.Stop()

	// --- risk engine ---

	riskMgr := risk.NewManager(risk.Config{
		MaxConsecutiveLosses: cfg.Risk.MaxConsecutiveLosses,
		MaxLossAmount:        cfg.Risk.MaxLossAmount,
		MaxLossPercentage:    cfg.Risk.MaxLossPercentage,
		Cooldown:             time.Duration(cfg.Risk.CooldownSeconds) * time.Second,
		DrawdownWarningPct:   cfg.Risk.DrawdownWarningPct,
		DrawdownCriticalPct:  cfg.Risk.DrawdownCriticalPct,
		DrawdownHaltPct:      cfg.Risk.DrawdownHaltPct,
		MaxTotalExposurePct:  cfg.Risk.MaxTotalExposurePct,
		MaxSinglePositionPct: cfg.Risk.MaxSinglePositionPct,
		DefaultContractSize:  cfg.Risk.DefaultContractSize,
		ContractSizes:        cfg.Risk.ContractSizes,
	}, bus, log)

	// --- launch decision ---

	nodeID := gateway.NodeID()
	mode := shadow.ModeShadow
	scaler := launcher.FullSize()
	var decision *engine.DecisionInfo

	requested, err := shadow.ParseMode(cfg.Shadow.Mode)
	if err != nil {
		return err
	}
	if requested.Trades() {
		l := launcher.New(launcher.Config{
			MinConfidence:          cfg.Launcher.MinConfidence,
			CanaryPositionFraction: cfg.Launcher.CanaryPositionFraction,
			CanaryRampStep:         cfg.Launcher.CanaryRampStep,
			CanaryRampEvery:        cfg.Launcher.CanaryRampEvery,
			LotStep:                cfg.Worker.VolumeStep,
			NodeID:                 nodeID,
		}, database, log)
		launch, err := l.Launch(ctx, cfg.Launcher.DecisionRecordPath)
		switch {
		case errors.Is(err, launcher.ErrNoRecord):
			log.Warn().Str("requested", string(requested)).Msg("no decision record configured, running shadow only")
		case err != nil:
			return fmt.Errorf("launch refused: %w", err)
		default:
			mode, scaler = launch.Mode, launch.Scaler
			decision = &engine.DecisionInfo{
				Model:      launch.Record.Model,
				Version:    launch.Record.Version,
				Confidence: launch.Record.Confidence,
				Hash:       launch.Record.DecisionHash,
			}
		}
	} else if cfg.Launcher.DecisionRecordPath != "" {
		log.Info().Str("path", cfg.Launcher.DecisionRecordPath).Msg("shadow mode requested, decision record left unconsumed")
	}

	// --- gateway link ---
	// Only a launched node opens a connection to the gateway.

	latency := monitor.NewLatencyHistogram(1000)
	clock := protocol.NewClock()
	var (
		client *protocol.Client
		health *protocol.HealthMonitor
		signer *signature.Authority
	)
	if mode.Trades() {
		clientCfg := protocol.ClientConfig{
			URL:            cfg.Protocol.GatewayURL,
			RequestTimeout: cfg.Protocol.RequestTimeout,
			MaxRetries:     cfg.Protocol.MaxRetries,
		}
		beat := protocol.NewClient(clientCfg, logger.Component(log, "heartbeat_client"), protocol.WithClock(clock))
		defer beat.Close()
		health = protocol.NewHealthMonitor(beat, protocol.HealthConfig{
			Interval:        cfg.Protocol.HeartbeatInterval,
			MissedThreshold: cfg.Protocol.HeartbeatMissedThreshold,
			MaxBackoff:      cfg.Protocol.ReconnectMaxBackoff,
			HaltAfter:       cfg.Protocol.LinkDownHaltAfter,
		}, bus, log)

		client = protocol.NewClient(clientCfg, logger.Component(log, "order_client"),
			protocol.WithLinkChecker(health),
			protocol.WithClock(clock),
			protocol.WithLatencyObserver(func(typ protocol.MessageType, d time.Duration) {
				rec.RecordRoundTrip(string(typ), d)
				if typ == protocol.TypeOrderOpen || typ == protocol.TypeOrderClose {
					latency.RecordDuration(d)
				}
			}),
		)
		defer client.Close()

		signer, err = signature.New([]byte(cfg.Protocol.SignatureSecret),
			signature.WithTTL(cfg.Protocol.SignatureTTL()),
			signature.WithPolicyEpoch(cfg.Risk.PolicyEpoch),
			signature.WithClockSkew(cfg.Protocol.MaxClockSkew),
			signature.WithClock(clock.Now),
		)
		if err != nil {
			return err
		}
	}

	// --- harness, drift and guardian ---

	parity, err := shadow.OpenParityLog(cfg.Shadow.ParityLogPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := parity.Close(); err != nil {
			log.Error().Err(err).Msg("parity log close failed")
		}
	}()

	var transport shadow.Transport
	if client != nil {
		transport = client
	}
	harness := shadow.NewHarness(shadow.HarnessConfig{Mode: mode, RequestTimeout: cfg.Protocol.RequestTimeout},
		transport, parity, bus, rec, log)

	drift := shadow.NewDriftDetector(shadow.DriftConfig{
		Bins:           cfg.Shadow.PSIBins,
		Window:         cfg.Shadow.PSIWindow,
		ReferenceSize:  cfg.Shadow.ReferenceSize,
		AlertThreshold: cfg.Shadow.PSIAlertThreshold,
		DriftThreshold: cfg.Shadow.PSIDriftThreshold,
		Interval:       cfg.Shadow.DriftCheckInterval,
	}, bus, rec, log)

	guardianDeps := launcher.GuardianDeps{
		Latency: latency,
		Drift:   drift,
		Risk:    riskMgr,
		Switch:  harness,
		Scaler:  scaler,
		Bus:     bus,
	}
	if health != nil {
		guardianDeps.Link = health
	}
	guardian := launcher.NewGuardian(launcher.GuardianConfig{
		MaxLatencyP99Ms:   cfg.Launcher.MaxLatencyP99Ms,
		MinLatencySamples: cfg.Launcher.MinLatencySamples,
		Interval:          cfg.Launcher.GuardianInterval,
	}, guardianDeps, log)
	drift.OnDrift(func(shadow.DriftReport) { guardian.Check() })

	// --- order journal ---

	journal, err := order.OpenJournal(cfg.Worker.JournalPath, log)
	if err != nil {
		return err
	}
	defer journal.Close()
	unresolved, err := journal.Recover()
	if err != nil {
		return err
	}
	for _, s := range unresolved {
		log.Warn().Str("order_id", s.Order.ID).Str("symbol", s.Order.Symbol).Str("side", string(s.Order.Side)).
			Float64("volume", s.Order.Volume).Msg("order outcome unknown after restart, reconcile with the broker")
	}

	// --- workers ---

	router := market.NewRouter(cfg.Worker.TickBuffer)
	deps := worker.Deps{
		Risk:     riskMgr,
		Harness:  harness,
		Guardian: guardian,
		Scaler:   scaler,
		Drift:    drift,
		Features: shadow.NewFeatureExtractor(),
		Journal:  journal,
	}
	if client != nil {
		deps.Signer = signer
		deps.Link = health
		deps.Closer = client
	}

	workers := make([]*worker.Worker, 0, len(cfg.Symbols))
	comparators := make(map[string]*shadow.ModelComparator)
	for _, symbol := range cfg.Symbols {
		baseline, err := strategy.New(cfg.Shadow.Baseline, cfg.Shadow.EngineParams[cfg.Shadow.Baseline])
		if err != nil {
			return err
		}
		var challenger strategy.Engine
		if cfg.Shadow.Challenger != "" {
			challenger, err = strategy.New(cfg.Shadow.Challenger, cfg.Shadow.EngineParams[cfg.Shadow.Challenger])
			if err != nil {
				return err
			}
		}
		w := worker.New(worker.Config{
			Symbol:         symbol,
			BaseVolume:     cfg.Worker.BaseVolume,
			RequestTimeout: cfg.Protocol.RequestTimeout,
		}, deps, baseline, challenger, log)
		if c := w.Comparator(); c != nil {
			comparators[symbol] = c
		}
		workers = append(workers, w)
	}

	// --- operator API ---

	svcCfg := engine.Config{
		Risk:        riskMgr,
		Harness:     harness,
		Guardian:    guardian,
		Drift:       drift,
		Latency:     latency,
		Scaler:      scaler,
		Bus:         bus,
		DB:          database,
		Comparators: comparators,
		Meta: engine.Meta{
			Symbols:  cfg.Symbols,
			Feed:     cfg.Feed.Source,
			Version:  version,
			Decision: decision,
		},
	}
	if health != nil {
		svcCfg.Link = health
	}
	svc := engine.NewImpl(svcCfg, log)
	apiServer := api.NewServer(svc, bus, rec, api.Config{
		Addr:                 ":" + cfg.API.Port,
		JWTSecret:            cfg.API.JWTSecret,
		OperatorUser:         cfg.API.OperatorUser,
		OperatorPasswordHash: cfg.API.OperatorPasswordHash,
	}, log)

	log.Info().
		Str("mode", string(harness.Mode())).
		Float64("canary_fraction", scaler.Fraction()).
		Strs("symbols", cfg.Symbols).
		Str("feed", cfg.Feed.Source).
		Str("baseline", cfg.Shadow.Baseline).
		Str("challenger", cfg.Shadow.Challenger).
		Msg("brain starting")

	// --- run ---

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer router.Close()
		err := feedSource(cfg, log).Run(gctx, router.Dispatch)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	for _, w := range workers {
		g.Go(func() error { return ignoreCanceled(w.Run(gctx, router.Channel(w.Symbol()))) })
	}
	g.Go(func() error { return ignoreCanceled(drift.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(guardian.Run(gctx)) })
	g.Go(func() error { return apiServer.ListenAndServe(gctx) })

	if health != nil {
		poller := worker.NewAccountPoller(client, riskMgr, health, cfg.Worker.AccountPollInterval, log)
		health.OnChange(func(s protocol.LinkState) {
			if s != protocol.LinkUp {
				return
			}
			// refresh equity as soon as the link comes back
			go func() {
				if err := poller.Poll(gctx); err != nil {
					log.Warn().Err(err).Msg("account refresh after reconnect failed")
				}
			}()
		})
		g.Go(func() error { return ignoreCanceled(health.Run(gctx)) })
		g.Go(func() error { return ignoreCanceled(poller.Run(gctx)) })
	}

	err = g.Wait()
	log.Info().Int("pending_orders", journal.Pending()).Int64("dropped_ticks", router.Dropped()).Msg("brain stopped")
	return err
}

func feedSource(cfg *config.Config, log zerolog.Logger) market.Source {
	if cfg.Feed.Source == "kafka" {
		return &market.KafkaFeed{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.TicksTopic,
			GroupID: cfg.Kafka.GroupID,
			Log:     logger.Component(log, "kafka_feed"),
		}
	}
	return &market.MockFeed{
		Symbols:    cfg.Symbols,
		StartPrice: cfg.Feed.StartPrice,
		Spread:     cfg.Feed.Spread,
		Interval:   cfg.Feed.Interval,
		Seed:       time.Now().UnixNano(),
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
