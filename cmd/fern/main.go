package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectoinject/ectocontainer"
	"github.com/Gobusters/ectologger"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Ramsey-B/fern/config"
	configrepo "github.com/Ramsey-B/fern/internal/repositories/consolidationconfig"
	entityrepo "github.com/Ramsey-B/fern/internal/repositories/entity"
	"github.com/Ramsey-B/fern/internal/repositories/mergehistory"
	relationshiprepo "github.com/Ramsey-B/fern/internal/repositories/relationship"
	"github.com/Ramsey-B/fern/internal/repositories/reviewitem"
	"github.com/Ramsey-B/fern/internal/repositories/runlease"
	"github.com/Ramsey-B/fern/pkg/blocking"
	consolidationpkg "github.com/Ramsey-B/fern/pkg/consolidation"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/embeddings"
	"github.com/Ramsey-B/fern/pkg/events"
	graphpkg "github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/processor"
	consolidationroutes "github.com/Ramsey-B/fern/pkg/routes/consolidation"
	configroutes "github.com/Ramsey-B/fern/pkg/routes/consolidationconfig"
	entityroutes "github.com/Ramsey-B/fern/pkg/routes/entity"
	graphroutes "github.com/Ramsey-B/fern/pkg/routes/graph"
	"github.com/Ramsey-B/fern/pkg/routes/health"
	historyroutes "github.com/Ramsey-B/fern/pkg/routes/history"
	reviewroutes "github.com/Ramsey-B/fern/pkg/routes/review"
	"github.com/Ramsey-B/fern/pkg/scoring"
	"github.com/Ramsey-B/fern/pkg/sweeper"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/tracing/exporters"
)

const version = "0.1.0"

func main() {
	_ = godotenv.Load()

	cfg := &config.Config{}
	if err := ectoenv.BindEnv(cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := newLogger()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// tracing
	var tracerProvider *sdktrace.TracerProvider
	if cfg.TracingEnabled {
		exporter, err := exporters.NewOTLPExporter(ctx, exporters.OTLPConfig{
			Endpoint: cfg.TracingOTLPEndpoint,
			Protocol: cfg.TracingOTLPProtocol,
			Insecure: cfg.TracingInsecure,
			Timeout:  10 * time.Second,
		})
		if err != nil {
			fatal(logger, err, "Failed to create trace exporter")
		}
		tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(resource.NewSchemaless(
				attribute.String("service.name", cfg.AppName),
				attribute.String("service.version", version),
			)),
		)
		otel.SetTracerProvider(tracerProvider)
		tracing.SetTracer(tracerProvider.Tracer(cfg.AppName))
	}

	// postgres
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DatabaseHost, cfg.DatabasePort, cfg.DatabaseUserName, cfg.DatabasePassword,
		cfg.DatabaseName, cfg.DatabaseSSLMode)
	sqlxDB, err := sqlx.Connect(cfg.DatabaseDriver, dsn)
	if err != nil {
		fatal(logger, err, "Failed to connect to database")
	}
	sqlxDB.SetMaxOpenConns(cfg.DatabaseMaxOpenConns)
	sqlxDB.SetMaxIdleConns(cfg.DatabaseMaxIdleConns)
	sqlxDB.SetConnMaxLifetime(cfg.DatabaseConnMaxLifetime)
	db := database.NewDatabaseInstance(sqlxDB, logger)

	// migrations
	migrationDriver, err := migratepg.WithInstance(sqlxDB.DB, &migratepg.Config{})
	if err != nil {
		fatal(logger, err, "Failed to create migration driver")
	}
	migrations := database.NewMigrationService(logger, &database.MigrationConfig{
		MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
		Version:             uint(cfg.DatabaseMigrationVersion),
		Force:               cfg.DatabaseMigrationForce,
		AutoRollback:        cfg.DatabaseMigrationAutoRollback,
	})
	if err := migrations.Migrate(cfg.DatabaseName, migrationDriver); err != nil {
		fatal(logger, err, "Failed to run migrations")
	}

	// repositories
	entities := entityrepo.NewRepository(db, logger)
	relationships := relationshiprepo.NewRepository(db, logger)
	history := mergehistory.NewRepository(db, logger)
	reviews := reviewitem.NewRepository(db, logger)
	configs := configrepo.NewRepository(db, logger)
	leases := runlease.NewRepository(db, logger)

	// graph mirror, best effort
	var graphClient *graphpkg.Client
	var queryService *graphpkg.QueryService
	var neighborSource scoring.NeighborSource
	var graphMirror *graphpkg.Mirror
	if cfg.GraphMirrorEnabled {
		graphClient, err = graphpkg.NewClient(graphpkg.Config{
			Host:     cfg.GraphDBHost,
			Port:     cfg.GraphDBPort,
			Username: cfg.GraphDBUser,
			Password: cfg.GraphDBPassword,
		}, logger)
		if err != nil {
			fatal(logger, err, "Failed to create graph client")
		}
		queryService = graphpkg.NewQueryService(graphClient, logger)
		neighborSource = graphpkg.NewNeighborService(graphClient, logger)
		graphMirror = graphpkg.NewMirror(
			graphpkg.NewEntityService(graphClient, logger),
			graphpkg.NewRelationshipService(graphClient, logger),
			logger,
		)
	}

	// embeddings
	embeddingCache, err := embeddings.NewCache(embeddings.CacheConfig{
		DataDir:  cfg.EmbeddingCachePath,
		InMemory: cfg.EmbeddingCacheInMemory,
		Model:    cfg.EmbeddingModel,
		TTL:      cfg.EmbeddingCacheTTL,
	}, logger)
	if err != nil {
		fatal(logger, err, "Failed to open embedding cache")
	}
	embeddingService := embeddings.NewService(
		embeddings.NewProvider(embeddings.ProviderConfig{
			BaseURL: cfg.EmbeddingProviderURL,
			Model:   cfg.EmbeddingModel,
			Timeout: cfg.EmbeddingTimeout,
		}, logger),
		embeddingCache,
		logger,
	)

	// kafka producer + event emitter
	producer := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:      cfg.KafkaBrokers,
		Topic:        cfg.KafkaOutputTopic,
		BatchSize:    cfg.KafkaBatchSize,
		BatchTimeout: time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
		RequiredAcks: cfg.KafkaRequiredAcks,
		Compression:  cfg.KafkaCompression,
	}, logger)
	emitter := events.NewEmitter(producer, logger)

	// merge lifecycle events fan out to kafka and the graph mirror
	fanout := merging.FanoutEmitter{emitter}
	if graphMirror != nil {
		fanout = append(fanout, graphMirror)
	}

	executor := merging.NewExecutor(logger, db, entities, relationships, history, embeddingService, fanout)
	blocker := blocking.NewEngine(entities, logger)
	scorer := scoring.NewScorer(embeddingService, neighborSource, logger)
	runner := consolidationpkg.NewRunner(logger, configs, entities, leases, blocker, scorer,
		executor, reviews, embeddingService, consolidationpkg.RunnerOptions{
			Workers:  cfg.RunWorkerCount,
			LeaseTTL: cfg.RunLeaseTTL,
		})

	var ingestGraph processor.GraphMirror
	if graphMirror != nil {
		ingestGraph = graphMirror
	}
	proc := processor.NewProcessor(logger, db, entities, relationships, configs, ingestGraph, emitter, embeddingService)

	// DI container for route handlers
	container, err := ectoinject.NewDIDefaultContainer()
	if err != nil {
		fatal(logger, err, "Failed to create DI container")
	}
	mustRegister := func(err error) {
		if err != nil {
			fatal(logger, err, "Failed to register dependency")
		}
	}
	mustRegister(ectoinject.RegisterInstance[ectologger.Logger](container, logger))
	mustRegister(ectoinject.RegisterInstance[*entityrepo.Repository](container, entities))
	mustRegister(ectoinject.RegisterInstance[*relationshiprepo.Repository](container, relationships))
	mustRegister(ectoinject.RegisterInstance[*mergehistory.Repository](container, history))
	mustRegister(ectoinject.RegisterInstance[*reviewitem.Repository](container, reviews))
	mustRegister(ectoinject.RegisterInstance[*configrepo.Repository](container, configs))
	mustRegister(ectoinject.RegisterInstance[*runlease.Repository](container, leases))
	mustRegister(ectoinject.RegisterInstance[*merging.Executor](container, executor))
	mustRegister(ectoinject.RegisterInstance[*consolidationpkg.Runner](container, runner))
	mustRegister(ectoinject.RegisterInstance[*processor.Processor](container, proc))
	if queryService != nil {
		mustRegister(ectoinject.RegisterInstance[*graphpkg.QueryService](container, queryService))
	}

	// http server
	e := echo.New()
	e.HideBanner = true
	e.Server.ReadTimeout = time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second
	e.Server.WriteTimeout = time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second
	e.Server.IdleTimeout = time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second
	e.Server.MaxHeaderBytes = cfg.MaxHeaderBytes
	e.HTTPErrorHandler = middleware.Error(logger)

	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
	}))
	if cfg.TracingEnabled {
		e.Use(otelecho.Middleware(cfg.AppName))
	}
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))
	e.Use(containerMiddleware(container))

	// ingest consumer
	var consumer *kafka.Consumer
	if cfg.KafkaConsumerEnabled {
		consumer = kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers:       cfg.KafkaBrokers,
			Topic:         cfg.KafkaInputTopic,
			ConsumerGroup: cfg.KafkaConsumerGroup,
		}, logger, func(ctx context.Context, msg *kafka.IncomingMessage) error {
			return proc.ProcessMessage(ctx, msg)
		})
		if err := consumer.Start(ctx); err != nil {
			fatal(logger, err, "Failed to start ingest consumer")
		}
	}

	checker := newHealthChecker(sqlxDB, graphClient, consumer, version)
	checker.RegisterRoutes(e)

	entityroutes.Register(e.Group("/api/v1/entities"))
	reviewroutes.Register(e.Group("/api/v1/reviews"))
	historyroutes.Register(e.Group("/api/v1/history"))
	consolidationroutes.Register(e.Group("/api/v1/consolidation"))
	configroutes.Register(e.Group("/api/v1/consolidation/config"))
	graphroutes.NewHandler(queryService, logger).Register(e.Group("/api/v1/graph"))

	// background loops
	reviewSweeper := sweeper.NewSweeper(logger, reviews, cfg.ReviewItemTTL, cfg.ReviewSweepInterval)
	if err := reviewSweeper.Start(ctx); err != nil {
		fatal(logger, err, "Failed to start review sweeper")
	}

	var scheduler *consolidationpkg.Scheduler
	if cfg.SchedulerEnabled {
		scheduler = consolidationpkg.NewScheduler(logger, configs, runner, cfg.SchedulerInterval)
		if err := scheduler.Start(ctx); err != nil {
			fatal(logger, err, "Failed to start consolidation scheduler")
		}
	}

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		if err := e.Start(addr); err != nil {
			logger.WithContext(ctx).WithError(err).Info("HTTP server stopped")
		}
	}()
	checker.SetReady(true)

	<-ctx.Done()
	logger.Info("Shutting down")
	checker.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown failed")
	}
	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			logger.WithError(err).Error("Consumer shutdown failed")
		}
	}
	reviewSweeper.Stop()
	if scheduler != nil {
		scheduler.Stop()
	}
	if err := producer.Close(); err != nil {
		logger.WithError(err).Error("Producer close failed")
	}
	if err := embeddingCache.Close(); err != nil {
		logger.WithError(err).Error("Embedding cache close failed")
	}
	if graphClient != nil {
		if err := graphClient.Close(shutdownCtx); err != nil {
			logger.WithError(err).Error("Graph client close failed")
		}
	}
	if err := sqlxDB.Close(); err != nil {
		logger.WithError(err).Error("Database close failed")
	}
	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Tracer shutdown failed")
		}
	}
}

// newLogger writes structured log lines to stdout
func newLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(msg ectologger.EctoLogMessage) {
		data, err := json.Marshal(msg)
		if err != nil {
			return
		}
		fmt.Fprintln(os.Stdout, string(data))
	})
}

// fatal logs the error and exits; startup failures have no recovery path
func fatal(logger ectologger.Logger, err error, msg string) {
	logger.WithError(err).Error(msg)
	os.Exit(1)
}

// newHealthChecker wires only the checks that are configured
func newHealthChecker(db *sqlx.DB, graphClient *graphpkg.Client, consumer *kafka.Consumer, version string) *health.Checker {
	var pinger health.GraphPinger
	if graphClient != nil {
		pinger = graphClient
	}
	var consumerHealth health.ConsumerHealth
	if consumer != nil {
		consumerHealth = consumer
	}
	return health.NewChecker(db, pinger, consumerHealth, version)
}

// containerMiddleware attaches the DI container to each request context so
// handlers can resolve their dependencies
func containerMiddleware(container ectocontainer.DIContainer) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, err := ectoinject.SetActiveContainer(c.Request().Context(), container.GetContainerID())
			if err != nil {
				return err
			}
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}
