package config

// Config is the on-disk configuration (JSON, or YAML coerced to JSON).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Engine  EngineConfig  `json:"engine"`
	Storage StorageConfig `json:"storage"`

	// Push and Email default to disabled when omitted.
	Push  *PushConfig  `json:"push,omitempty"`
	Email *EmailConfig `json:"email,omitempty"`

	HTTP    HTTPConfig    `json:"http"`
	Systemd SystemdConfig `json:"systemd"`
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

// EngineConfig controls the tick loops.
//
// Enabled is a pointer so an omitted key (default true) differs from an
// explicit false.
//
// Defaults (when fields are omitted/zero):
//   - tick_interval: "60s"
//   - sweep_interval: "5m"
//   - compensation_window: "5m"
//   - call_timeout: "10s"
//   - default_timezone: "UTC"
//   - batch_size: 500
type EngineConfig struct {
	Enabled            *bool  `json:"enabled,omitempty"`
	TickInterval       string `json:"tick_interval,omitempty"`
	SweepInterval      string `json:"sweep_interval,omitempty"`
	CompensationWindow string `json:"compensation_window,omitempty"`
	CallTimeout        string `json:"call_timeout,omitempty"`
	DefaultTimezone    string `json:"default_timezone,omitempty"`
	BatchSize          int    `json:"batch_size,omitempty"`
}

// StorageConfig controls the schedule store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/carecue.db" }
type StorageConfig struct {
	Driver         string `json:"driver"`
	Path           string `json:"path"`
	BusyTimeout    string `json:"busy_timeout,omitempty"`
	EventRetention string `json:"event_retention,omitempty"`
}

type PushConfig struct {
	Enabled    bool   `json:"enabled"`
	Provider   string `json:"provider"` // telegram|log
	Token      string `json:"token,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

type EmailConfig struct {
	Enabled    bool                     `json:"enabled"`
	Provider   string                   `json:"provider"` // smtp|log
	Host       string                   `json:"host,omitempty"`
	Port       int                      `json:"port,omitempty"`
	Username   string                   `json:"username,omitempty"`
	Password   string                   `json:"password,omitempty"`
	From       string                   `json:"from,omitempty"`
	RatePerSec int                      `json:"rate_per_sec,omitempty"`
	Timeout    string                   `json:"timeout,omitempty"`
	Templates  map[string]EmailTemplate `json:"templates,omitempty"`
}

type EmailTemplate struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// HTTPConfig controls the caregiver/operator API.
type HTTPConfig struct {
	Enabled         bool   `json:"enabled"`
	Addr            string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog"`
}

// EngineEnabled resolves the effective engine.enabled value.
func (c *Config) EngineEnabled() bool {
	if c == nil || c.Engine.Enabled == nil {
		return true
	}
	return *c.Engine.Enabled
}
