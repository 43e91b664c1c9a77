package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port     string
	Env      string
	LogLevel string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool
	DedupeTTL     time.Duration

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	MediaBucket         string
	EventsQueueURL      string

	// Official channel (Meta WhatsApp Cloud API)
	MetaGraphBaseURL   string
	MetaPhoneNumberID  string
	MetaAccessToken    string
	MetaAppSecret      string
	MetaVerifyToken    string
	MetaRequestTimeout time.Duration

	// Gateway channel
	GatewayBaseURL       string
	GatewayToken         string
	GatewayWebhookSecret string
	GatewayTimeout       time.Duration
	RelayGatewayToken    string

	// Chatflow engine
	ChatflowBaseURL string
	ChatflowFlowID  string
	ChatflowAPIKey  string
	ChatflowTimeout time.Duration

	AdminJWTSecret     string
	TasksToken         string
	CORSAllowedOrigins []string
	AdminRateLimit     float64
	AdminRateBurst     int

	HomeCountryCode string

	QueueDebounceWindow  time.Duration
	QueueMaxDebounce     time.Duration
	QueueExtendOnAppend  bool
	QueueBatchSize       int
	QueueMaxRetries      int
	QueueRetryBaseDelay  time.Duration
	QueueStaleAfter      time.Duration
	QueueRetention       time.Duration
	ConversationIdleTime time.Duration
	SweepBatchSize       int

	DeliveryStaleAfter time.Duration
	DeliveryBatchSize  int

	NotificationMaxAttempts int
	NotificationBaseDelay   time.Duration

	QualificationProvider     string
	QualificationKeywords     []string
	QualificationStrongMin    int
	QualificationWeakMin      int
	QualificationModel        string
	BedrockModelID            string
	GeminiAPIKey              string
	OpenAIAPIKey              string
	OpenAIBaseURL             string
	QualificationLLMMaxTokens int

	EmailProvider     string
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string
	SESFromEmail      string
	SESConfigSet      string
	AlertEmail        string

	TickSchedule     string
	SweepSchedule    string
	DeliverySchedule string
	ReapSchedule     string
	RetrySchedule    string
	PurgeSchedule    string
	PublishSchedule  string
	TaskTimeout      time.Duration
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),
		DedupeTTL:     getEnvAsDuration("WEBHOOK_DEDUPE_TTL", 24*time.Hour),

		AWSRegion:           getEnv("AWS_REGION", "sa-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		MediaBucket:         getEnv("MEDIA_BUCKET", ""),
		EventsQueueURL:      getEnv("EVENTS_QUEUE_URL", ""),

		MetaGraphBaseURL:   getEnv("META_GRAPH_BASE_URL", "https://graph.facebook.com/v21.0"),
		MetaPhoneNumberID:  getEnv("META_PHONE_NUMBER_ID", ""),
		MetaAccessToken:    getEnv("META_ACCESS_TOKEN", ""),
		MetaAppSecret:      getEnv("META_APP_SECRET", ""),
		MetaVerifyToken:    getEnv("META_VERIFY_TOKEN", ""),
		MetaRequestTimeout: getEnvAsDuration("META_REQUEST_TIMEOUT", 10*time.Second),

		GatewayBaseURL:       getEnv("GATEWAY_BASE_URL", ""),
		GatewayToken:         getEnv("GATEWAY_TOKEN", ""),
		GatewayWebhookSecret: getEnv("GATEWAY_WEBHOOK_SECRET", ""),
		GatewayTimeout:       getEnvAsDuration("GATEWAY_TIMEOUT", 15*time.Second),
		RelayGatewayToken:    getEnv("RELAY_GATEWAY_TOKEN", ""),

		ChatflowBaseURL: getEnv("CHATFLOW_BASE_URL", ""),
		ChatflowFlowID:  getEnv("CHATFLOW_FLOW_ID", ""),
		ChatflowAPIKey:  getEnv("CHATFLOW_API_KEY", ""),
		ChatflowTimeout: getEnvAsDuration("CHATFLOW_TIMEOUT", 45*time.Second),

		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),
		TasksToken:     getEnv("TASKS_TOKEN", ""),

		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS"),
		AdminRateLimit:     getEnvAsFloat("ADMIN_RATE_LIMIT", 5),
		AdminRateBurst:     getEnvAsInt("ADMIN_RATE_BURST", 20),

		HomeCountryCode: getEnv("HOME_COUNTRY_CODE", "55"),

		QueueDebounceWindow:  getEnvAsDuration("QUEUE_DEBOUNCE_WINDOW", 60*time.Second),
		QueueMaxDebounce:     getEnvAsDuration("QUEUE_MAX_DEBOUNCE", 3*time.Minute),
		QueueExtendOnAppend:  getEnvAsBool("QUEUE_EXTEND_ON_APPEND", true),
		QueueBatchSize:       getEnvAsInt("QUEUE_BATCH_SIZE", 10),
		QueueMaxRetries:      getEnvAsInt("QUEUE_MAX_RETRIES", 3),
		QueueRetryBaseDelay:  getEnvAsDuration("QUEUE_RETRY_BASE_DELAY", time.Minute),
		QueueStaleAfter:      getEnvAsDuration("QUEUE_STALE_AFTER", 10*time.Minute),
		QueueRetention:       getEnvAsDuration("QUEUE_RETENTION", 7*24*time.Hour),
		ConversationIdleTime: getEnvAsDuration("CONVERSATION_IDLE_THRESHOLD", 5*time.Minute),
		SweepBatchSize:       getEnvAsInt("SWEEP_BATCH_SIZE", 50),

		DeliveryStaleAfter: getEnvAsDuration("DELIVERY_STALE_AFTER", 15*time.Minute),
		DeliveryBatchSize:  getEnvAsInt("DELIVERY_BATCH_SIZE", 25),

		NotificationMaxAttempts: getEnvAsInt("NOTIFICATION_MAX_ATTEMPTS", 5),
		NotificationBaseDelay:   getEnvAsDuration("NOTIFICATION_BASE_DELAY", 2*time.Minute),

		QualificationProvider:     getEnv("QUALIFICATION_PROVIDER", "heuristic"),
		QualificationKeywords:     getEnvAsList("QUALIFICATION_KEYWORDS"),
		QualificationStrongMin:    getEnvAsInt("QUALIFICATION_STRONG_MIN_EXCHANGES", 4),
		QualificationWeakMin:      getEnvAsInt("QUALIFICATION_WEAK_MIN_EXCHANGES", 1),
		QualificationModel:        getEnv("QUALIFICATION_MODEL", ""),
		BedrockModelID:            getEnv("BEDROCK_MODEL_ID", ""),
		GeminiAPIKey:              getEnv("GEMINI_API_KEY", ""),
		OpenAIAPIKey:              getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:             getEnv("OPENAI_BASE_URL", ""),
		QualificationLLMMaxTokens: getEnvAsInt("QUALIFICATION_MAX_TOKENS", 400),

		EmailProvider:     getEnv("EMAIL_PROVIDER", ""),
		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "Lead Router"),
		SESFromEmail:      getEnv("SES_FROM_EMAIL", ""),
		SESConfigSet:      getEnv("SES_CONFIGURATION_SET", ""),
		AlertEmail:        getEnv("OPERATOR_ALERT_EMAIL", ""),

		TickSchedule:     getEnv("SCHEDULE_QUEUE_TICK", "@every 30s"),
		SweepSchedule:    getEnv("SCHEDULE_SWEEP", "@every 2m"),
		DeliverySchedule: getEnv("SCHEDULE_DELIVERY_CHECK", "@every 15s"),
		ReapSchedule:     getEnv("SCHEDULE_QUEUE_REAP", "@every 1m"),
		RetrySchedule:    getEnv("SCHEDULE_NOTIFICATION_RETRY", "@every 2m"),
		PurgeSchedule:    getEnv("SCHEDULE_QUEUE_PURGE", "@every 6h"),
		PublishSchedule:  getEnv("SCHEDULE_EVENTS_PUBLISH", "@every 10s"),
		TaskTimeout:      getEnvAsDuration("TASK_TIMEOUT", 50*time.Second),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma separated variable, dropping blanks.
func getEnvAsList(key string) []string {
	return SplitList(getEnv(key, ""))
}

// SplitList splits a comma separated value, trimming and dropping blanks.
func SplitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
