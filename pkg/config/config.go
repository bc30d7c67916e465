package config

import (
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"followup-nudge-engine/pkg/constants"
)

type Config struct {
	RedisURL          string
	Port              string
	PodID             string
	LogLevel          string
	TickSchedule      string
	TickIntervalMS    int64
	ClaimBatchSize    int
	DispatchWorkers   int
	LeaderElectionTTL int
	ClaimLeaseSeconds int
	CronSecret        string
	DraftTimeoutMS    int64
	SendTimeoutMS     int64
	CalendarTimeoutMS int64
	SendRatePerSecond float64
	SendRateBurst     int
	AuditStreamMaxLen int64
	PolicyFile        string
	DrafterURL        string
	DraftConfidence   float64
	CalendarURL       string

	WhatsAppAccessToken   string
	WhatsAppPhoneNumberID string
	WhatsAppAPIVersion    string
	WebhookVerifyToken    string
}

func Load() *Config {
	config := &Config{
		RedisURL:          getEnv("REDIS_URL", "redis://localhost:6379"),
		Port:              getEnv("PORT", "8080"),
		PodID:             getEnv("POD_ID", generatePodID()),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		TickSchedule:      getEnv("TICK_SCHEDULE", constants.DefaultTickSchedule),
		TickIntervalMS:    getEnvInt64("TICK_INTERVAL_MS", 60000),
		ClaimBatchSize:    getEnvInt("CLAIM_BATCH_SIZE", constants.DefaultClaimBatchSize),
		DispatchWorkers:   getEnvInt("DISPATCH_CONCURRENCY", constants.DefaultDispatchConcurrency),
		LeaderElectionTTL: getEnvInt("LEADER_ELECTION_TTL", int(constants.DefaultLeaderElectionTTL/time.Second)),
		ClaimLeaseSeconds: getEnvInt("CLAIM_LEASE_SECONDS", int(constants.DefaultClaimLease/time.Second)),
		CronSecret:        getEnv("CRON_SECRET", ""),
		DraftTimeoutMS:    getEnvInt64("DRAFT_TIMEOUT_MS", constants.DraftTimeout.Milliseconds()),
		SendTimeoutMS:     getEnvInt64("SEND_TIMEOUT_MS", constants.SendTimeout.Milliseconds()),
		CalendarTimeoutMS: getEnvInt64("CALENDAR_TIMEOUT_MS", constants.CalendarTimeout.Milliseconds()),
		SendRatePerSecond: getEnvFloat("SEND_RATE_PER_SECOND", 5),
		SendRateBurst:     getEnvInt("SEND_RATE_BURST", 10),
		AuditStreamMaxLen: getEnvInt64("AUDIT_STREAM_MAXLEN", 100000),
		PolicyFile:        getEnv("POLICY_FILE", ""),
		DrafterURL:        getEnv("DRAFTER_URL", ""),
		DraftConfidence:   getEnvFloat("TEMPLATE_DRAFT_CONFIDENCE", 0.6),
		CalendarURL:       getEnv("CALENDAR_URL", ""),

		WhatsAppAccessToken:   getEnv("WHATSAPP_ACCESS_TOKEN", ""),
		WhatsAppPhoneNumberID: getEnv("WHATSAPP_PHONE_NUMBER_ID", ""),
		WhatsAppAPIVersion:    getEnv("WHATSAPP_API_VERSION", "v21.0"),
		WebhookVerifyToken:    getEnv("WEBHOOK_VERIFY_TOKEN", ""),
	}

	return config
}

func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMS) * time.Millisecond
}

func (c *Config) LeaderElectionTTLDuration() time.Duration {
	return time.Duration(c.LeaderElectionTTL) * time.Second
}

func (c *Config) ClaimLease() time.Duration {
	return time.Duration(c.ClaimLeaseSeconds) * time.Second
}

func (c *Config) DraftTimeout() time.Duration {
	return time.Duration(c.DraftTimeoutMS) * time.Millisecond
}

func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutMS) * time.Millisecond
}

func (c *Config) CalendarTimeout() time.Duration {
	return time.Duration(c.CalendarTimeoutMS) * time.Millisecond
}

// WhatsAppEnabled reports whether enough credentials are set to send over the
// Cloud API.
func (c *Config) WhatsAppEnabled() bool {
	return c.WhatsAppAccessToken != "" && c.WhatsAppPhoneNumberID != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func generatePodID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return uuid.New().String()
	}
	return hostname + "-" + uuid.New().String()[:8]
}
