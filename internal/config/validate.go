package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	logx "carecue/pkg/logx"
)

// Validate checks values that can be checked without building services.
// It is used both at startup and before committing a hot reload.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		return errors.New("logging.file.path is required when file logging is enabled")
	}

	e := cfg.Engine
	if _, err := parseMinDuration("engine.tick_interval", e.TickInterval, time.Minute, time.Second); err != nil {
		return err
	}
	if _, err := parseMinDuration("engine.sweep_interval", e.SweepInterval, 5*time.Minute, time.Second); err != nil {
		return err
	}
	if _, err := ParseDurationField("engine.compensation_window", e.CompensationWindow); err != nil {
		return err
	}
	if _, err := ParseDurationField("engine.call_timeout", e.CallTimeout); err != nil {
		return err
	}
	if tz := strings.TrimSpace(e.DefaultTimezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("engine.default_timezone: invalid %q: %w", tz, err)
		}
	}
	if e.BatchSize < 0 {
		return errors.New("engine.batch_size must be >= 0")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("storage.event_retention", cfg.Storage.EventRetention); err != nil {
		return err
	}

	if p := cfg.Push; p != nil && p.Enabled {
		switch strings.ToLower(strings.TrimSpace(p.Provider)) {
		case "", "telegram":
			if strings.TrimSpace(p.Token) == "" {
				return errors.New("push.token is required for the telegram provider")
			}
		case "log":
		default:
			return fmt.Errorf("push.provider: unknown provider %q", p.Provider)
		}
		if p.RatePerSec < 0 {
			return errors.New("push.rate_per_sec must be >= 0")
		}
		if _, err := ParseDurationField("push.timeout", p.Timeout); err != nil {
			return err
		}
	}
	if m := cfg.Email; m != nil && m.Enabled {
		switch strings.ToLower(strings.TrimSpace(m.Provider)) {
		case "", "smtp":
			if strings.TrimSpace(m.Host) == "" || strings.TrimSpace(m.From) == "" {
				return errors.New("email.host and email.from are required for the smtp provider")
			}
			if m.Port < 0 || m.Port > 65535 {
				return fmt.Errorf("email.port: out of range %d", m.Port)
			}
		case "log":
		default:
			return fmt.Errorf("email.provider: unknown provider %q", m.Provider)
		}
		if m.RatePerSec < 0 {
			return errors.New("email.rate_per_sec must be >= 0")
		}
		if _, err := ParseDurationField("email.timeout", m.Timeout); err != nil {
			return err
		}
	}

	for _, f := range []struct{ path, raw string }{
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"http.shutdown_timeout", cfg.HTTP.ShutdownTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}
