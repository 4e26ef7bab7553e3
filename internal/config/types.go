package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage configures the medication document store.
	Storage StorageConfig `json:"storage"`

	// Scheduler controls the two batch ticks (dose reminders + stock alerts)
	// and the civil timezone used for all calendar math.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Gateway selects and configures the push delivery transport.
	Gateway GatewayConfig `json:"gateway"`

	// HTTP exposes health/status and the dose-log endpoints.
	HTTP HTTPConfig `json:"http,omitempty"`

	// Defaults are applied when a user has no stored preference value.
	Defaults DefaultsConfig `json:"defaults,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./dosewatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SchedulerConfig controls the scanner ticks.
//
// All durations are Go duration strings (e.g. "10m", "2h").
//
// Defaults (when fields are omitted/zero):
//   - timezone: "America/Chicago"
//   - dose_spec: "*/5 * * * *"
//   - stock_spec: "0 9 * * *"
//   - lookahead: "2h" (must be >= the dose tick interval)
//   - tick_tolerance: "10m" (half the tick interval plus safety margin)
//   - workers: 8
type SchedulerConfig struct {
	// Timezone is the IANA zone used for civil-date math when a user record
	// carries no timezone of its own.
	Timezone string `json:"timezone,omitempty"`

	DoseSpec  string `json:"dose_spec,omitempty"`
	StockSpec string `json:"stock_spec,omitempty"`

	Lookahead     string `json:"lookahead,omitempty"`
	TickTolerance string `json:"tick_tolerance,omitempty"`

	// Workers bounds the per-tick fan-out over candidate medications.
	Workers int `json:"workers,omitempty"`
}

// GatewayConfig selects the push delivery transport.
//
// Driver values:
//   - "fcm": Firebase Cloud Messaging legacy REST endpoint
//   - "telegram": Telegram bot; the user's delivery token is a chat ID
//   - "log": log-only sink for development
type GatewayConfig struct {
	Driver     string `json:"driver"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`

	// RetryMax is the number of resend attempts after a failed delivery.
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`      // Go duration string
	RetryMaxDelay string `json:"retry_max_delay,omitempty"` // Go duration string

	FCM      FCMConfig      `json:"fcm,omitempty"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
}

type FCMConfig struct {
	ServerKey string `json:"server_key,omitempty"`
	// Endpoint overrides the default FCM send URL (useful for tests).
	Endpoint string `json:"endpoint,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token,omitempty"`
}

// HTTPConfig controls the small operational HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8686").
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8686"

	// Server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

// DefaultsConfig provides fallback values for users whose preferences
// document is missing or partial.
type DefaultsConfig struct {
	LeadTimeMinutes    int     `json:"lead_time_minutes,omitempty"`    // default 10
	StockThresholdDays int     `json:"stock_threshold_days,omitempty"` // default 2
	DailyUsage         float64 `json:"daily_usage,omitempty"`          // stock burn rate for non-everyday rules, default 1
}
