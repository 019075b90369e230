package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/Checker-Finance/rfq-engine/internal/aggregation"
	"github.com/Checker-Finance/rfq-engine/internal/api"
	"github.com/Checker-Finance/rfq-engine/internal/breaker"
	"github.com/Checker-Finance/rfq-engine/internal/events"
	"github.com/Checker-Finance/rfq-engine/internal/execution"
	"github.com/Checker-Finance/rfq-engine/internal/jobs"
	"github.com/Checker-Finance/rfq-engine/internal/publisher"
	"github.com/Checker-Finance/rfq-engine/internal/quoting"
	"github.com/Checker-Finance/rfq-engine/internal/rabbitmq"
	"github.com/Checker-Finance/rfq-engine/internal/rate"
	"github.com/Checker-Finance/rfq-engine/internal/rfq"
	internalsecrets "github.com/Checker-Finance/rfq-engine/internal/secrets"
	"github.com/Checker-Finance/rfq-engine/internal/store"
	"github.com/Checker-Finance/rfq-engine/internal/venue"
	"github.com/Checker-Finance/rfq-engine/pkg/config"
	"github.com/Checker-Finance/rfq-engine/pkg/logger"
	"github.com/Checker-Finance/rfq-engine/pkg/secrets"
	"github.com/Checker-Finance/rfq-engine/pkg/utils"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Load configuration ---
	cfg := config.Load()

	logger.Init(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	defer logger.Sync()
	logg := logger.S()
	logg.Info("starting [rfq-engine]...")

	latePolicy, err := aggregation.ParseLatePolicy(cfg.LateQuotePolicy)
	if err != nil {
		logg.Fatalw("invalid LATE_QUOTE_POLICY", "error", err)
	}
	tieBreak, err := aggregation.ParseTieBreak(cfg.RankingTieBreak)
	if err != nil {
		logg.Fatalw("invalid RANKING_TIE_BREAK", "error", err)
	}
	catalog, err := config.LoadVenues(cfg.VenuesFile)
	if err != nil {
		logg.Fatalw("failed to load venue catalogue", "file", cfg.VenuesFile, "error", err)
	}

	// --- Venue credentials (AWS Secrets Manager, optional) ---
	var creds venue.CredentialSource
	stopCleaner := make(chan struct{})
	if cfg.VenueSecretsPrefix != "" {
		awsProvider, err := secrets.NewAWSProvider(ctx, cfg.AWSRegion)
		if err != nil {
			logg.Fatalw("failed to create AWS Secrets Manager provider", "error", err)
		}
		credCache := secrets.NewCache[venue.Credentials](cfg.CacheTTL)
		go credCache.StartCleaner(cfg.CleanupFreq, stopCleaner)

		resolver := internalsecrets.NewVenueResolver(logger.Named("secrets"), cfg.Env, cfg.VenueSecretsPrefix, awsProvider, credCache)
		if found, err := resolver.DiscoverVenues(ctx); err != nil {
			logg.Warnw("failed to discover venue secrets", "error", err)
		} else {
			logg.Infow("discovered venue secrets", "count", len(found), "venues", found)
		}
		creds = resolver
	}

	// --- Venues ---
	rateMgr := rate.NewManager(rate.Config{RequestsPerSecond: 20, Burst: 40})
	registry, err := buildRegistry(catalog, breaker.Config{
		WindowSize:           cfg.BreakerWindowSize,
		MinSamples:           cfg.BreakerMinSamples,
		FailureRateThreshold: cfg.BreakerFailureRate,
		Cooldown:             cfg.BreakerCooldown,
		MaxCooldown:          cfg.BreakerMaxCooldown,
	}, rateMgr, creds, logger.L())
	if err != nil {
		logg.Fatalw("failed to build venue registry", "error", err)
	}
	logg.Infow("venues registered", "count", len(registry.List()))

	// --- Event sinks ---
	var (
		sinks    []events.Sink
		nc       *nats.Conn
		amqpPub  *rabbitmq.Publisher
		pgStore  *store.PGEventStore
		redisLog *store.RedisEventLog
		tradeRec execution.TradeRecorder
		history  store.Chain
		checks   []api.HealthCheck
		closePG  func()
	)
	if cfg.HasSink("log") {
		sinks = append(sinks, events.NewLogSink(logger.Named("events")))
	}
	if cfg.HasSink("redis") {
		rdb, err := store.OpenRedis(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			logg.Fatalw("failed to connect to redis", "addr", cfg.RedisAddr, "error", err)
		}
		redisLog = store.NewRedisEventLog(rdb, cfg.RedisEventTTL, logger.Named("store.redis"))
		sinks = append(sinks, redisLog)
		history = append(history, redisLog)
		checks = append(checks, api.HealthCheck{Name: "redis", Check: redisLog.HealthCheck})
	}
	if cfg.HasSink("postgres") {
		logg.Info("connection to DSN: ", utils.MaskDSN(cfg.DatabaseURL))
		pool, err := store.OpenPostgres(ctx, cfg.DatabaseURL, store.PGPoolConfig{
			MaxConns:          int32(cfg.PGMaxConns),
			MinConns:          int32(cfg.PGMinConns),
			MaxConnLifetime:   cfg.PGMaxConnLifetime,
			MaxConnIdleTime:   cfg.PGMaxConnIdleTime,
			HealthCheckPeriod: cfg.PGHealthCheckPeriod,
		})
		if err != nil {
			logg.Fatalw("failed to connect to postgres", "error", err)
		}
		closePG = pool.Close
		pgStore = store.NewPGEventStore(pool, logger.Named("store.postgres"))
		if err := pgStore.Migrate(ctx); err != nil {
			logg.Fatalw("failed to migrate event store", "error", err)
		}
		tw := execution.NewTradeWriter(pool, logger.Named("trades"), cfg.ServiceName)
		if err := tw.Migrate(ctx); err != nil {
			logg.Fatalw("failed to migrate trade table", "error", err)
		}
		tradeRec = tw
		sinks = append(sinks, pgStore)
		history = append(history, pgStore)
		checks = append(checks, api.HealthCheck{Name: "postgres", Check: pool.Ping})
	}
	if cfg.HasSink("nats") {
		nc, err = nats.Connect(cfg.NATSURL, nats.Name(cfg.ServiceName))
		if err != nil {
			logg.Fatalw("failed to connect to NATS", "url", utils.MaskURL(cfg.NATSURL), "error", err)
		}
		pub, err := publisher.New(nc, cfg.EventSubjectPrefix, cfg.ServiceName, logger.Named("events.nats"))
		if err != nil {
			logg.Fatalw("failed to init publisher", "error", err)
		}
		if err := pub.EnsureStream(cfg.EventStream); err != nil {
			logg.Fatalw("failed to ensure event stream", "stream", cfg.EventStream, "error", err)
		}
		sinks = append(sinks, pub)
		checks = append(checks, api.HealthCheck{Name: "nats", Check: func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New(nc.Status().String())
			}
			return nil
		}})
	}
	if cfg.HasSink("amqp") {
		amqpPub, err = rabbitmq.Dial(cfg.AMQPURL, cfg.AMQPExchange, logger.Named("events.amqp"))
		if err != nil {
			logg.Fatalw("failed to connect to RabbitMQ", "url", utils.MaskURL(cfg.AMQPURL), "error", err)
		}
		sinks = append(sinks, amqpPub)
	}

	dispatcher := events.NewDispatcher(logger.Named("events"), events.DispatcherConfig{
		BatchSize:    cfg.EventBatchSize,
		FlushTimeout: cfg.EventFlushTimeout,
	}, sinks...)

	// --- Core ---
	ledger := rfq.NewLedger(
		rfq.WithEmitter(dispatcher),
		rfq.WithLogger(logger.Named("ledger")),
	)
	var audit aggregation.LateQuoteRecorder
	if latePolicy == aggregation.LateAudit {
		audit = dispatcher
	}
	engine := aggregation.NewEngine(ledger, registry, aggregation.Config{
		PerVenueTimeout: cfg.PerVenueTimeout,
		LatePolicy:      latePolicy,
		TieBreak:        tieBreak,
	}, audit, logger.Named("aggregation"))
	runner := aggregation.NewRunner(engine, logger.Named("aggregation"))

	var settler execution.Settler = execution.PaperSettler{}
	if cfg.SettlementURL != "" {
		settler = execution.NewHTTPSettler(cfg.SettlementURL, rateMgr, &http.Client{Timeout: cfg.SettlementTimeout}, logger.Named("settlement"))
	}
	handoff := execution.NewHandoff(ledger, settler, tradeRec, cfg.SettlementTimeout, logger.Named("execution"))

	deps := quoting.Deps{
		Ledger:   ledger,
		Engine:   engine,
		Runner:   runner,
		Handoff:  handoff,
		Registry: registry,
	}
	if len(history) > 0 {
		deps.History = history
	}
	// Collection goroutines outlive requests but stop with the process.
	lifetime, cancelLifetime := context.WithCancel(context.Background())
	defer cancelLifetime()
	svc := quoting.NewService(lifetime, deps, quoting.Config{
		DefaultDeadline: cfg.QuoteDeadlineDefault,
		MinDeadline:     cfg.QuoteDeadlineMin,
		MaxDeadline:     cfg.QuoteDeadlineMax,
		MinQuotes:       cfg.MinQuotes,
	}, logger.Named("quoting"))

	if pgStore != nil {
		n, err := svc.Rehydrate(ctx, pgStore)
		if err != nil {
			logg.Warnw("failed to rehydrate open rfqs", "error", err)
		} else {
			logg.Infow("rehydrated open rfqs", "count", n)
		}
	}

	sweeper := jobs.NewDeadlineSweeper(logger.Named("sweeper"), ledger, cfg.SweepInterval, cfg.TerminalRetention)

	// --- Fiber HTTP Server ---
	app := fiber.New(fiber.Config{
		ReadTimeout:           cfg.HTTPReadTimeout,
		WriteTimeout:          cfg.HTTPWriteTimeout,
		IdleTimeout:           cfg.HTTPIdleTimeout,
		BodyLimit:             cfg.HTTPBodyLimit,
		DisableStartupMessage: true,
	})
	api.RegisterRoutes(app, api.NewRFQHandler(logger.Named("api"), svc), checks...)

	// --- Run ---
	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return dispatcher.Run(dispatchCtx) })
	g.Go(func() error {
		sweeper.Start(gctx)
		return nil
	})
	g.Go(func() error {
		logg.Infof("HTTP API listening on :%d", cfg.Port)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			return fmt.Errorf("fiber listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logg.Info("shutting down [rfq-engine]...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logg.Warnw("fiber.shutdown_failed", "error", err)
		}
		sweeper.Stop()
		cancelLifetime()
		runner.Wait()
		close(stopCleaner)
		// events emitted by the last collections are drained before sinks close
		cancelDispatch()
		return nil
	})

	logg.Infow("[rfq-engine] running",
		"env", cfg.Env,
		"sinks", cfg.EventSinks,
		"late_policy", latePolicy,
		"tie_break", tieBreak)

	if err := g.Wait(); err != nil {
		logg.Errorw("rfq-engine stopped with error", "error", err)
	}

	if nc != nil {
		if err := nc.Drain(); err != nil {
			logg.Warnw("nats.drain_failed", "error", err)
		}
	}
	if amqpPub != nil {
		if err := amqpPub.Close(); err != nil {
			logg.Warnw("amqp.close_failed", "error", err)
		}
	}
	if redisLog != nil {
		if err := redisLog.Close(); err != nil {
			logg.Warnw("redis.close_failed", "error", err)
		}
	}
	if closePG != nil {
		closePG()
	}
}
