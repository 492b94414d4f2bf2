package config

import (
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env"
	"github.com/joho/godotenv"
)

const (
	TransportModeReal = "REAL"
	TransportModeMock = "MOCK"
)

// Settings holds the static configuration of the sync service.
type Settings struct {
	Port                string `env:"PORT" envDefault:"8080"`
	GoEnv               string `env:"GO_ENV" envDefault:"development"`
	CorsAllowedOrigins  string `env:"CORS_ALLOWED_ORIGINS"`
	SkipMigrations      bool   `env:"SKIP_MIGRATIONS" envDefault:"false"`
	TransportMode       string `env:"TINY_ERP_MODE" envDefault:"MOCK"`
	TinyAPIBaseURL      string `env:"TINY_API_BASE_URL" envDefault:"https://api.tiny.com.br/api2"`
	TinyRateLimitPerMin int    `env:"TINY_RATE_LIMIT_PER_MIN" envDefault:"30"`
	TinyHTTPTimeoutSecs int    `env:"TINY_HTTP_TIMEOUT_SECONDS" envDefault:"30"`
	SyncBatchDelayMs    int    `env:"TINY_SYNC_BATCH_DELAY_MS" envDefault:"1000"`
	SimulatorDelayMs    int    `env:"TINY_SIMULATOR_DELAY_MS" envDefault:"300"`
	SyncTopic           string `env:"TINY_SYNC_TOPIC" envDefault:"tiny-sync"`
	NotifyTopic         string `env:"TINY_NOTIFY_TOPIC"`
	EnablePubSub        bool   `env:"ENABLE_TINY_PUBSUB" envDefault:"false"`
	CreateTopics        bool   `env:"TINY_PUBSUB_CREATE_TOPICS" envDefault:"false"`
	MachineID           int64  `env:"MACHINE_ID" envDefault:"1"`
}

var (
	settings     Settings
	settingsOnce sync.Once
)

// GetSettings parses the environment once (after loading .env) and returns the result.
func GetSettings() Settings {
	settingsOnce.Do(func() {
		_ = godotenv.Load()
		if err := env.Parse(&settings); err != nil {
			GetLogger().WithField("module", "config").Error("failed to parse settings: " + err.Error())
		}
		settings.TransportMode = NormalizeTransportMode(settings.TransportMode)
	})
	return settings
}

// NormalizeTransportMode folds unknown values to MOCK so a typo never sends real orders.
func NormalizeTransportMode(mode string) string {
	if strings.EqualFold(strings.TrimSpace(mode), TransportModeReal) {
		return TransportModeReal
	}
	return TransportModeMock
}

func (s Settings) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(s.GoEnv), "production")
}

func (s Settings) BatchDelay() time.Duration {
	if s.SyncBatchDelayMs < 0 {
		return 0
	}
	return time.Duration(s.SyncBatchDelayMs) * time.Millisecond
}

func (s Settings) HTTPTimeout() time.Duration {
	if s.TinyHTTPTimeoutSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.TinyHTTPTimeoutSecs) * time.Second
}

func (s Settings) SimulatorDelay() time.Duration {
	if s.SimulatorDelayMs <= 0 {
		return 0
	}
	return time.Duration(s.SimulatorDelayMs) * time.Millisecond
}
