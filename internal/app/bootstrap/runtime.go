package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/wa-lead-router/internal/api/router"
	"github.com/wolfman30/wa-lead-router/internal/chatflow"
	appconfig "github.com/wolfman30/wa-lead-router/internal/config"
	"github.com/wolfman30/wa-lead-router/internal/conversation"
	"github.com/wolfman30/wa-lead-router/internal/delivery"
	"github.com/wolfman30/wa-lead-router/internal/events"
	"github.com/wolfman30/wa-lead-router/internal/http/handlers"
	"github.com/wolfman30/wa-lead-router/internal/ingest"
	"github.com/wolfman30/wa-lead-router/internal/leads"
	"github.com/wolfman30/wa-lead-router/internal/media"
	"github.com/wolfman30/wa-lead-router/internal/messaging"
	"github.com/wolfman30/wa-lead-router/internal/messaging/gatewayclient"
	"github.com/wolfman30/wa-lead-router/internal/messaging/metaclient"
	"github.com/wolfman30/wa-lead-router/internal/notify"
	"github.com/wolfman30/wa-lead-router/internal/observability/metrics"
	"github.com/wolfman30/wa-lead-router/internal/phone"
	"github.com/wolfman30/wa-lead-router/internal/processor"
	"github.com/wolfman30/wa-lead-router/internal/qualification"
	"github.com/wolfman30/wa-lead-router/internal/queue"
	"github.com/wolfman30/wa-lead-router/internal/sellers"
	"github.com/wolfman30/wa-lead-router/internal/tasks"
	"github.com/wolfman30/wa-lead-router/internal/transfer"
	"github.com/wolfman30/wa-lead-router/pkg/logging"
)

// Runtime is every long-lived component of one process. The API server,
// the worker, the CLI and the scheduler lambda all build the same graph and
// use the parts they need.
type Runtime struct {
	Config   *appconfig.Config
	Logger   *logging.Logger
	Settings appconfig.Provider
	Registry *prometheus.Registry
	Metrics  *metrics.RouterMetrics

	Pool  *pgxpool.Pool
	SQLDB *sql.DB
	Redis *redis.Client

	Normalizer    phone.Normalizer
	Conversations *conversation.PostgresStore
	Leads         *leads.PostgresRepository
	Sellers       *sellers.PostgresRepository
	DeliveryLog   *delivery.PostgresStore
	Events        *events.SQLStore
	Alerter       notify.Alerter

	Queue        *queue.Queue
	Dispatcher   *messaging.Dispatcher
	Processor    *processor.Processor
	Orchestrator *transfer.Orchestrator
	Sweeper      *qualification.Sweeper
	Monitor      *delivery.Monitor
	Reaper       *queue.Reaper
	Publisher    *events.Publisher
	Ingest       *ingest.Service
	Tasks        *tasks.Runner
}

// BuildRuntime connects to the database and wires every service. Optional
// integrations (Redis, the gateway, S3 media, SQS events, a model provider)
// are left out when not configured.
func BuildRuntime(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	logger = logging.OrDefault(logger)

	pool, err := ConnectPostgres(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, err
	}
	awsCfg, err := LoadAWSConfig(ctx, cfg)
	if err != nil {
		pool.Close()
		return nil, err
	}

	rt := &Runtime{
		Config:   cfg,
		Logger:   logger,
		Settings: Settings(cfg),
		Registry: prometheus.NewRegistry(),
		Pool:     pool,
		SQLDB:    stdlib.OpenDBFromPool(pool),
		Redis:    BuildRedisClient(ctx, cfg, logger, true),
	}
	rt.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rt.Metrics = metrics.NewRouterMetrics(rt.Registry)
	rt.Normalizer = phone.New(cfg.HomeCountryCode)

	rt.Conversations = conversation.NewPostgresStore(pool)
	rt.Leads = leads.NewPostgresRepository(pool)
	rt.Sellers = sellers.NewPostgresRepository(pool)
	rt.DeliveryLog = delivery.NewPostgresStore(pool)
	rt.Events = events.NewSQLStore(rt.SQLDB)
	rt.Alerter = BuildAlerter(cfg, awsCfg, logger)

	queueStore := queue.NewPostgresStore(pool)
	rt.Queue = queue.New(queueStore, queue.Policy{
		Window:         cfg.QueueDebounceWindow,
		ExtendOnAppend: cfg.QueueExtendOnAppend,
		MaxDebounce:    cfg.QueueMaxDebounce,
	}, logger)
	rt.Reaper = queue.NewReaper(queueStore, rt.Alerter, logger).
		WithMaxRetries(cfg.QueueMaxRetries).
		WithBaseDelay(cfg.QueueRetryBaseDelay).
		WithStaleAfter(cfg.QueueStaleAfter).
		WithBatchSize(cfg.QueueBatchSize)

	official := metaclient.New(metaclient.Config{
		BaseURL:  cfg.MetaGraphBaseURL,
		Settings: rt.Settings,
		Timeout:  cfg.MetaRequestTimeout,
		Logger:   logger,
	})
	var (
		gatewaySender messaging.GatewaySender
		gatewayMedia  media.GatewayMedia
		statusLookup  delivery.StatusLookup
	)
	if gw, err := gatewayclient.New(cfg.GatewayBaseURL, gatewayclient.Options{Timeout: cfg.GatewayTimeout, RetryCount: 2}, logger); err != nil {
		logger.Warn("gateway channel disabled", "error", err)
	} else {
		gatewaySender, gatewayMedia, statusLookup = gw, gw, gw
	}

	rt.Dispatcher = messaging.NewDispatcher(messaging.DispatcherConfig{
		Official:   official,
		Gateway:    gatewaySender,
		Log:        rt.DeliveryLog,
		Settings:   rt.Settings,
		Normalizer: rt.Normalizer,
		Metrics:    rt.Metrics,
		Logger:     logger,
	})

	rt.Processor = processor.New(processor.Config{
		Queue:         rt.Queue,
		Engine:        chatflow.NewClient(rt.Settings, chatflow.Options{Timeout: cfg.ChatflowTimeout, RetryCount: 1}, logger),
		Conversations: rt.Conversations,
		Messages:      rt.Conversations,
		Sender:        rt.Dispatcher,
		Events:        rt.Events,
		Metrics:       rt.Metrics,
		Logger:        logger,
		BatchSize:     cfg.QueueBatchSize,
	})

	policy := transfer.DefaultPolicy()
	if cfg.NotificationMaxAttempts > 0 {
		policy.MaxAttempts = cfg.NotificationMaxAttempts
	}
	if cfg.NotificationBaseDelay > 0 {
		policy.BaseDelay = cfg.NotificationBaseDelay
	}
	rt.Orchestrator = transfer.NewOrchestrator(transfer.Config{
		Conversations: rt.Conversations,
		Messages:      rt.Conversations,
		Leads:         rt.Leads,
		Sellers:       rt.Sellers,
		Matcher:       transfer.NewLeastWorkloadMatcher(rt.Sellers),
		Relay:         messaging.NewRelay(rt.Dispatcher, messaging.IdentityRelay),
		Sender:        rt.Dispatcher,
		Alerter:       rt.Alerter,
		Events:        rt.Events,
		Metrics:       rt.Metrics,
		Logger:        logger,
		Policy:        policy,
	})

	client, err := BuildLLMClient(ctx, cfg, awsCfg, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Sweeper = qualification.NewSweeper(qualification.SweeperConfig{
		Conversations: rt.Conversations,
		Messages:      rt.Conversations,
		Queue:         rt.Queue,
		Evaluator:     BuildEvaluator(cfg, client, logger),
		Transfers:     rt.Orchestrator,
		Events:        rt.Events,
		Metrics:       rt.Metrics,
		Logger:        logger,
		IdleAfter:     cfg.ConversationIdleTime,
		BatchSize:     cfg.SweepBatchSize,
	})

	rt.Monitor = delivery.NewMonitor(delivery.MonitorConfig{
		Store:      rt.DeliveryLog,
		Lookup:     statusLookup,
		Resender:   rt.Dispatcher,
		Settings:   rt.Settings,
		Alerter:    rt.Alerter,
		Metrics:    rt.Metrics,
		Logger:     logger,
		StaleAfter: cfg.DeliveryStaleAfter,
		BatchSize:  cfg.DeliveryBatchSize,
	})

	processed := events.NewProcessedStore(pool)
	var deduper ingest.Deduper = ingest.NewTableDeduper(processed)
	if rt.Redis != nil {
		deduper = ingest.NewRedisDeduper(rt.Redis, cfg.DedupeTTL)
	}
	var resolver ingest.MediaResolver
	if bucket := strings.TrimSpace(cfg.MediaBucket); bucket != "" {
		store := media.NewS3Store(newS3Client(awsCfg, cfg.AWSEndpointOverride), bucket, "", logger)
		resolver = media.NewResolver(media.ResolverConfig{
			Official: official,
			Gateway:  gatewayMedia,
			Store:    store,
			Settings: rt.Settings,
		})
	}
	rt.Ingest = ingest.NewService(ingest.ServiceConfig{
		Conversations: rt.Conversations,
		Messages:      rt.Conversations,
		Queue:         rt.Queue,
		Deduper:       deduper,
		Statuses:      rt.Monitor,
		Sent:          rt.DeliveryLog,
		Media:         resolver,
		Alerter:       rt.Alerter,
		Normalizer:    rt.Normalizer,
		Events:        rt.Events,
		Metrics:       rt.Metrics,
		Logger:        logger,
	})

	var publisher tasks.Publisher
	if url := strings.TrimSpace(cfg.EventsQueueURL); url != "" {
		rt.Publisher = events.NewPublisher(rt.Events, events.NewSQSHandler(sqs.NewFromConfig(awsCfg), url), logger)
		publisher = rt.Publisher
	}

	rt.Tasks = tasks.NewRunner(tasks.Config{
		Processor:      rt.Processor,
		Sweeper:        rt.Sweeper,
		Delivery:       rt.Monitor,
		Reaper:         rt.Reaper,
		Notifications:  rt.Orchestrator,
		Queue:          rt.Queue,
		Processed:      processed,
		Publisher:      publisher,
		QueueRetention: cfg.QueueRetention,
		Timeout:        cfg.TaskTimeout,
		Metrics:        rt.Metrics,
		Logger:         logger,
	})
	return rt, nil
}

func newS3Client(awsCfg aws.Config, endpoint string) *s3.Client {
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// LocalStack and MinIO only serve path-style URLs.
		o.UsePathStyle = strings.TrimSpace(endpoint) != ""
	})
}

// Router builds the HTTP surface over the runtime.
func (rt *Runtime) Router() http.Handler {
	cfg := rt.Config
	pingers := map[string]handlers.Pinger{"postgres": rt.Pool.Ping}
	if rt.Redis != nil {
		pingers["redis"] = func(ctx context.Context) error { return rt.Redis.Ping(ctx).Err() }
	}
	return router.New(&router.Config{
		Logger:             rt.Logger,
		Webhooks:           handlers.NewWebhookHandler(rt.Ingest, rt.Settings, rt.Metrics, rt.Logger),
		Conversations:      handlers.NewAdminConversationsHandler(rt.Conversations, rt.Conversations, rt.Orchestrator, rt.Events, rt.Logger),
		Delivery:           handlers.NewAdminDeliveryHandler(rt.Monitor, rt.Logger),
		LeadsHandler:       leads.NewHandler(rt.Leads, rt.Orchestrator, rt.Logger),
		Tasks:              handlers.NewTasksHandler(rt.Tasks),
		Health:             handlers.NewHealthHandler(pingers),
		MetricsHandler:     promhttp.HandlerFor(rt.Registry, promhttp.HandlerOpts{Registry: rt.Registry}),
		AdminAuthSecret:    cfg.AdminJWTSecret,
		TasksToken:         cfg.TasksToken,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		AdminRateLimit:     cfg.AdminRateLimit,
		AdminRateBurst:     cfg.AdminRateBurst,
	})
}

// Close releases connections. It is safe on a partially built runtime.
func (rt *Runtime) Close() {
	if rt == nil {
		return
	}
	if rt.Redis != nil {
		_ = rt.Redis.Close()
	}
	if rt.SQLDB != nil {
		_ = rt.SQLDB.Close()
	}
	if rt.Pool != nil {
		rt.Pool.Close()
	}
}
