// cmd/worker-manager/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"loan-orchestrator/internal/agent"
	commonaws "loan-orchestrator/internal/common/aws"
	"loan-orchestrator/internal/common/camunda"
	"loan-orchestrator/internal/common/config"
	"loan-orchestrator/internal/common/database"
	"loan-orchestrator/internal/common/logger"
	"loan-orchestrator/internal/common/observability"
	"loan-orchestrator/internal/events"
	"loan-orchestrator/internal/intake"
	"loan-orchestrator/internal/models"
	"loan-orchestrator/internal/notify"
	"loan-orchestrator/internal/pipeline"
	"loan-orchestrator/internal/stages"
	"loan-orchestrator/internal/store"
	"loan-orchestrator/internal/tools"
	httptransport "loan-orchestrator/internal/transport/http"
	"loan-orchestrator/pkg/registry"

	aa "loan-orchestrator/internal/workers/loan/assess-application"
	it "loan-orchestrator/internal/workers/loan/intake-turn"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting loan orchestrator",
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs := observability.New(observability.Options{
		ServiceName:      cfg.Observability.ServiceName,
		TraceSampleRatio: cfg.Observability.TraceSampleRatio,
	}, log)
	defer func() { _ = obs.Shutdown(context.Background()) }()

	// --- Init Zeebe Client with retry ---
	var zeebe *camunda.Client
	err = retryWithBackoff(func() error {
		var err error
		zeebe, err = camunda.NewClientWithConfig(&camunda.ClientConfig{
			GatewayAddress:         cfg.Camunda.BrokerAddress,
			UsePlaintextConnection: true,
			ConnectionTimeout:      config.GetDuration(cfg.Camunda.RequestTimeout),
		})
		return err
	}, 10, 2*time.Second, zapLog, "Zeebe client initialization")
	if err != nil {
		zapLog.Fatal("zeebe client failed after retries", zap.Error(err))
	}
	defer zeebe.Close()
	zapLog.Info("Zeebe client connected successfully")

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	if err := pg.Migrate(ctx); err != nil {
		zapLog.Fatal("postgres migration failed", zap.Error(err))
	}
	zapLog.Info("PostgreSQL connected successfully")

	// --- Init Elasticsearch with retry ---
	var esClient *database.ElasticsearchClient
	err = retryWithBackoff(func() error {
		var err error
		esClient, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
		if err != nil {
			return err
		}
		return esClient.EnsureIndex(ctx, cfg.Database.Elasticsearch.DecisionIndex)
	}, 10, 2*time.Second, zapLog, "Elasticsearch connection")
	if err != nil {
		zapLog.Fatal("elasticsearch failed after retries", zap.Error(err))
	}
	zapLog.Info("Elasticsearch connected successfully")

	// --- Init Redis with retry ---
	var rdb *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		rdb, err = database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		return rdb.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")
	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer rdb.Close()
	zapLog.Info("Redis connected successfully")

	// --- Stage registry, tools and agent ---
	reg, err := registry.Load(cfg.Pipeline.RegistryPath)
	if err != nil {
		zapLog.Fatal("stage registry load failed", zap.Error(err), zap.String("path", cfg.Pipeline.RegistryPath))
	}

	gateway, err := tools.NewGateway(log,
		cachedProvider(tools.NewHTTPProvider(tools.CapabilityVerification, cfg.Tools.Verification), rdb, cfg.Tools.Verification, log),
		cachedProvider(tools.NewHTTPProvider(tools.CapabilityDocuments, cfg.Tools.Documents), rdb, cfg.Tools.Documents, log),
		cachedProvider(tools.NewHTTPProvider(tools.CapabilityCalculations, cfg.Tools.Calculations), rdb, cfg.Tools.Calculations, log),
	)
	if err != nil {
		zapLog.Fatal("tool gateway init failed", zap.Error(err))
	}

	reasoner := agent.NewHTTPClient(cfg.APIs.Agent, log)

	adapters, err := stages.BuildAdapters(reg, reasoner, gateway, log)
	if err != nil {
		zapLog.Fatal("stage adapters init failed", zap.Error(err))
	}
	runners := make(map[models.StageID]pipeline.StageRunner, len(adapters))
	for id, a := range adapters {
		runners[id] = a
	}

	// --- Progress events ---
	buffer := events.NewBuffer(cfg.Events.BufferPerRun, cfg.Events.MaxRuns)
	broadcaster := events.NewBroadcaster(0, log)
	redisSink := events.NewRedisSink(rdb.Client, config.GetDuration(cfg.Events.RedisTTL), cfg.Events.RedisMaxLen, log)
	sink := events.NewFanout(buffer, broadcaster, redisSink)

	// --- Pipeline and run manager ---
	p, err := pipeline.New(runners, pipeline.ConfigFrom(cfg.Pipeline, reg), sink, obs, log)
	if err != nil {
		zapLog.Fatal("pipeline init failed", zap.Error(err))
	}

	archive := store.Multi{
		store.NewPostgresArchive(pg.DB, log),
		store.NewSearchIndex(esClient.Client, cfg.Database.Elasticsearch.DecisionIndex, log),
	}
	manager := pipeline.NewManager(p, archive, newNotifier(ctx, cfg.Notifications, log), log)

	// --- Intake ---
	machine, err := intake.NewMachine(intake.OptionsFromConfig(cfg.Intake), reasoner, redisSink, log)
	if err != nil {
		zapLog.Fatal("intake machine init failed", zap.Error(err))
	}
	sessionTTL := config.GetDuration(cfg.Intake.SessionTTL)
	sessions := intake.NewRedisSessionStore(rdb.Client, sessionTTL)
	records := intake.NewRedisRecordStore(rdb.Client, sessionTTL)

	// --- Workers ---
	workers := camunda.NewWorkerSet(zeebe.GetClient(), log)

	intakeCfg := config.GetWorkerConfig(cfg, it.TaskType)
	workers.Start(it.TaskType, intakeCfg,
		it.NewHandler(it.LoadConfig(intakeCfg), machine, sessions, records, log).Handle)

	assessCfg := config.GetWorkerConfig(cfg, aa.TaskType)
	workers.Start(aa.TaskType, assessCfg,
		aa.NewHandler(aa.LoadConfig(assessCfg), manager, records, log).Handle)

	zapLog.Info("Workers registered", zap.Strings("taskTypes", workers.TaskTypes()))

	// --- HTTP server ---
	srv := &http.Server{
		Addr: cfg.Server.Address,
		Handler: httptransport.NewRouter(httptransport.Deps{
			Runs:   manager,
			Events: events.NewFallbackSource(redisSink, buffer, log),
			Live:   broadcaster,
			Remote: redisSink,
			Readiness: map[string]httptransport.Pinger{
				"postgres":      pg,
				"redis":         rdb,
				"elasticsearch": esClient,
				"zeebe":         zeebe,
			},
			Logger:  log,
			Version: cfg.App.Version,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zapLog.Info("HTTP server listening", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		zapLog.Info("Shutdown signal received, stopping workers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// In-flight handlers block workers.Close, so their runs are cancelled
		// first and stop at the next stage boundary.
		manager.CancelAll()
		workers.Close()
		manager.Wait()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		zapLog.Error("Loan orchestrator stopped with error", zap.Error(err))
		return
	}
	zapLog.Info("Loan orchestrator stopped")
}

func cachedProvider(p tools.Provider, rdb *database.RedisClient, pcfg config.ProviderConfig, log logger.Logger) tools.Provider {
	if pcfg.CacheTTL <= 0 {
		return p
	}
	return tools.NewCachedProvider(p, rdb.Client, config.GetDuration(pcfg.CacheTTL), log)
}

// newNotifier returns nil when no channel is enabled so the manager skips
// the hand-off entirely.
func newNotifier(ctx context.Context, ncfg config.NotificationConfig, log logger.Logger) pipeline.Notifier {
	if !ncfg.SES.Enabled && !ncfg.SNS.Enabled {
		return nil
	}
	awsCfg, err := commonaws.LoadConfig(ctx, ncfg.AWS.Region)
	if err != nil {
		log.Error("aws config load failed, notifications disabled", map[string]interface{}{"error": err.Error()})
		return nil
	}

	var (
		email notify.EmailSender
		topic notify.TopicPublisher
		opts  notify.Options
	)
	if ncfg.SES.Enabled {
		email = commonaws.NewSESClientFromConfig(awsCfg)
		opts.FromEmail = ncfg.SES.FromEmail
	}
	if ncfg.SNS.Enabled {
		topic = commonaws.NewSNSClientFromConfig(awsCfg)
		opts.TopicARN = ncfg.SNS.TopicARN
	}
	return notify.NewDecisionNotifier(email, topic, opts, log)
}
