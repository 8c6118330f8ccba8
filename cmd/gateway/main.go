// Command gateway runs the execution node: it verifies signed orders from
// the brain and routes them to the broker exactly once.
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

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"execution-core/internal/gateway"
	"execution-core/internal/market"
	"execution-core/internal/monitor"
	"execution-core/internal/signature"
	"execution-core/pkg/broker"
	"execution-core/pkg/config"
	"execution-core/pkg/logger"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to the YAML config (defaults to CONFIG_PATH)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
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
	nodeID := gateway.NodeID()
	log = log.With().Str("node", "gateway").Str("node_id", nodeID).Str("version", version).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	auth, err := signature.New([]byte(cfg.Protocol.SignatureSecret),
		signature.WithTTL(cfg.Protocol.SignatureTTL()),
		signature.WithPolicyEpoch(cfg.Risk.PolicyEpoch),
		signature.WithClockSkew(cfg.Protocol.MaxClockSkew),
	)
	if err != nil {
		return err
	}

	// The paper broker prices fills from the latest tick of its own feed.
	quotes := market.NewRouter(cfg.Worker.TickBuffer)
	defer quotes.Close()
	paper := broker.NewPaper(broker.PaperConfig{
		Balance:      cfg.Gateway.PaperBalance,
		Currency:     cfg.Gateway.Currency,
		Symbols:      cfg.Symbols,
		ContractSize: cfg.Risk.ContractSize,
	}, quotes)

	ttl := cfg.Gateway.IdempotencyTTL
	if floor := 2 * cfg.Protocol.SignatureTTL(); ttl < floor {
		log.Warn().Dur("configured", ttl).Dur("using", floor).Msg("idempotency ttl raised to twice the signature ttl")
		ttl = floor
	}
	store, closeStore, err := idempotencyStore(ctx, cfg, ttl, log)
	if err != nil {
		return err
	}
	defer closeStore()

	rec := monitor.NewRecorder()
	handler := gateway.NewHandler(gateway.HandlerConfig{
		NodeID:        nodeID,
		BrokerTimeout: cfg.Gateway.BrokerTimeout,
	}, auth, paper, store, rec, log)
	server := gateway.NewServer(gateway.ServerConfig{
		ListenAddr:         cfg.Gateway.ListenAddr,
		RateLimitPerSecond: cfg.Gateway.RateLimitPerSecond,
		RateLimitBurst:     cfg.Gateway.RateLimitBurst,
	}, handler, rec, log)

	log.Info().
		Str("listen", cfg.Gateway.ListenAddr).
		Str("idempotency_store", cfg.Gateway.IdempotencyStore).
		Dur("idempotency_ttl", ttl).
		Int("risk_policy_epoch", cfg.Risk.PolicyEpoch).
		Float64("paper_balance", cfg.Gateway.PaperBalance).
		Msg("gateway starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := quoteSource(cfg, log).Run(gctx, quotes.Dispatch)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error { return server.ListenAndServe(gctx) })

	err = g.Wait()
	log.Info().Int("open_positions", paper.OpenPositions()).Msg("gateway stopped")
	return err
}

func idempotencyStore(ctx context.Context, cfg *config.Config, ttl time.Duration, log zerolog.Logger) (gateway.IdempotencyStore, func(), error) {
	if cfg.Gateway.IdempotencyStore != "redis" {
		return gateway.NewMemoryStore(ttl), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
	}
	log.Info().Str("addr", cfg.Redis.Addr).Msg("redis idempotency store connected")
	closeFn := func() {
		if err := client.Close(); err != nil {
			log.Warn().Err(err).Msg("redis close failed")
		}
	}
	return gateway.NewRedisStore(client, "", ttl), closeFn, nil
}

func quoteSource(cfg *config.Config, log zerolog.Logger) market.Source {
	if cfg.Feed.Source == "kafka" {
		return &market.KafkaFeed{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.TicksTopic,
			GroupID: cfg.Kafka.GroupID + "-gateway",
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
