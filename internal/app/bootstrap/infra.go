package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/wa-lead-router/internal/chatflow"
	appconfig "github.com/wolfman30/wa-lead-router/internal/config"
	"github.com/wolfman30/wa-lead-router/internal/http/handlers"
	"github.com/wolfman30/wa-lead-router/internal/messaging"
	"github.com/wolfman30/wa-lead-router/internal/messaging/metaclient"
	"github.com/wolfman30/wa-lead-router/pkg/logging"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	logger = logging.OrDefault(logger)
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available, falling back to table dedupe", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// ConnectPostgres opens the pgx pool and checks it answers.
func ConnectPostgres(ctx context.Context, databaseURL string, logger *logging.Logger) (*pgxpool.Pool, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	if databaseURL == "" {
		return nil, fmt.Errorf("bootstrap: %w: DATABASE_URL", appconfig.ErrMissingSetting)
	}
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: parse database url: %w", err)
	}
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: open pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap: ping database: %w", err)
	}
	logging.OrDefault(logger).Info("connected to postgres")
	return pool, nil
}

// LoadAWSConfig centralizes AWS SDK initialization so every binary shares
// the same LocalStack/production wiring. Per-service endpoint overrides are
// applied where the clients are built.
func LoadAWSConfig(ctx context.Context, cfg *appconfig.Config) (aws.Config, error) {
	loaders := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWSRegion)}
	if strings.TrimSpace(cfg.AWSAccessKeyID) != "" && strings.TrimSpace(cfg.AWSSecretAccessKey) != "" {
		loaders = append(loaders, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("bootstrap: load aws config: %w", err)
	}
	if endpoint := strings.TrimSpace(cfg.AWSEndpointOverride); endpoint != "" {
		awsCfg.BaseEndpoint = aws.String(endpoint)
	}
	return awsCfg, nil
}

// Settings resolves call-time secrets from the environment first and the
// loaded config second.
func Settings(cfg *appconfig.Config) appconfig.Provider {
	values := map[string]string{}
	if cfg != nil {
		values = map[string]string{
			metaclient.KeyAccessToken:            cfg.MetaAccessToken,
			metaclient.KeyPhoneNumberID:          cfg.MetaPhoneNumberID,
			handlers.SettingMetaAppSecret:        cfg.MetaAppSecret,
			handlers.SettingMetaVerifyToken:      cfg.MetaVerifyToken,
			handlers.SettingGatewayWebhookSecret: cfg.GatewayWebhookSecret,
			messaging.IdentityCustomer:           cfg.GatewayToken,
			messaging.IdentityRelay:              cfg.RelayGatewayToken,
			chatflow.KeyBaseURL:                  cfg.ChatflowBaseURL,
			chatflow.KeyFlowID:                   cfg.ChatflowFlowID,
			chatflow.KeyAPIKey:                   cfg.ChatflowAPIKey,
		}
	}
	return appconfig.Chain{appconfig.EnvProvider{}, appconfig.NewMapProvider(values)}
}
