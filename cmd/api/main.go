package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tsa-backend/ledger/internal/config"
	httphandler "github.com/tsa-backend/ledger/internal/delivery/http"
	"github.com/tsa-backend/ledger/internal/delivery/kafka"
	"github.com/tsa-backend/ledger/internal/metrics"
	"github.com/tsa-backend/ledger/internal/repository"
	"github.com/tsa-backend/ledger/internal/repository/memory"
	"github.com/tsa-backend/ledger/internal/repository/sqlite"
	"github.com/tsa-backend/ledger/internal/usecase"
	"github.com/twmb/franz-go/pkg/kgo"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	setupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("open store")
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		log.Fatal().Err(err).Msg("register metrics")
	}

	ledger := usecase.NewLedger(
		usecase.NewVoucherService(store, usecase.VoucherPolicy{
			TTL:             cfg.VoucherTTL(),
			CodePrefix:      cfg.VoucherCodePrefix,
			DefaultCurrency: cfg.VoucherDefaultCurrency,
			CodeAttempts:    cfg.CodeAttempts(),
		}),
		usecase.NewLoyaltyService(store, usecase.LoyaltyPolicy{
			PointsPerUnit: cfg.PointsPerUnit(),
		}),
	)

	var gateway usecase.LedgerGateway = ledger
	var clients []*kgo.Client

	if cfg.EventDriven() {
		brokers := cfg.Brokers()
		consumerClient, err := newConsumerClient(brokers, cfg.KafkaClientID, cfg.KafkaGroupID, kafka.RequestTopics...)
		if err != nil {
			log.Fatal().Err(err).Msg("create kafka client")
		}
		clients = append(clients, consumerClient)

		if err := kafka.EnsureTopics(ctx, consumerClient, cfg); err != nil {
			log.Warn().Err(err).Msg("ensure kafka topics")
		}

		kgateway := kafka.NewGateway(cfg, consumerClient)
		gateway = kgateway

		consumer := kafka.NewConsumer(cfg, consumerClient, ledger, m)
		go consumer.Start(ctx)

		retryClient, err := newConsumerClient(brokers, cfg.KafkaClientID+"-retry", cfg.KafkaRetryGroupID, kafka.RetryTopics...)
		if err != nil {
			log.Fatal().Err(err).Msg("create retry kafka client")
		}
		clients = append(clients, retryClient)
		retryConsumer := kafka.NewConsumer(cfg, retryClient, ledger, m)
		go retryConsumer.StartRetry(ctx)

		replyClient, err := newReplyClient(brokers, cfg.KafkaClientID+"-reply", kafka.ReplyTopic(cfg.KafkaInstanceID))
		if err != nil {
			log.Fatal().Err(err).Msg("create reply kafka client")
		}
		clients = append(clients, replyClient)
		startReplyPoller(ctx, replyClient, kgateway)

		log.Info().Strs("brokers", brokers).Str("instance", cfg.KafkaInstanceID).Msg("event-driven mode enabled")
	}

	handler := httphandler.NewHandler(gateway, m)
	srv := &http.Server{
		Addr:              ":" + cfg.AppPort,
		Handler:           httphandler.NewRouter(handler, reg, cfg.AllowedOrigins()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("port", cfg.AppPort).Str("driver", cfg.DBDriver).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	for _, client := range clients {
		client.Close()
	}

	wg.Wait()
	log.Info().Msg("shutdown complete")
}

func setupLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	logger := zerolog.New(os.Stdout)
	if cfg.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	log.Logger = logger.With().Timestamp().Str("service", "ledger").Logger()
}

func openStore(ctx context.Context, cfg *config.Config) (repository.Store, error) {
	switch cfg.DBDriver {
	case "memory":
		log.Warn().Msg("using in-memory store, data is lost on exit")
		return memory.New(), nil
	case "sqlite":
		store, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		pool, err := initDB(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := repository.RunMigrations(ctx, pool, cfg.Migrations); err != nil {
			pool.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		return repository.New(pool), nil
	}
}

func initDB(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.PostgresURL())
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return pool, nil
}

func newConsumerClient(brokers []string, clientID, groupID string, topics ...string) (*kgo.Client, error) {
	return kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
	)
}

func newReplyClient(brokers []string, clientID, topic string) (*kgo.Client, error) {
	return kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.ConsumeTopics(topic),
	)
}

func startReplyPoller(ctx context.Context, client *kgo.Client, gateway *kafka.Gateway) {
	go func() {
		for {
			fetches := client.PollFetches(ctx)
			if fetches.IsClientClosed() || ctx.Err() != nil {
				return
			}
			iter := fetches.RecordIter()
			for !iter.Done() {
				gateway.HandleResponse(iter.Next().Value)
			}
		}
	}()
}
