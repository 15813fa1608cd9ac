package app

import (
	"fmt"
	"strings"
	"time"

	"carecue/internal/config"
	"carecue/internal/engine"
	"carecue/internal/notify"
	"carecue/internal/storage"
	logx "carecue/pkg/logx"
)

const (
	defaultCallTimeout     = 10 * time.Second
	defaultHTTPAddr        = "127.0.0.1:8080"
	defaultShutdownTimeout = 5 * time.Second
)

func mapLogConfig(cfg *config.Config) logx.Config {
	if cfg == nil {
		return logx.Config{Level: "info", Console: true}
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	if cfg == nil {
		return engine.Config{}, nil
	}
	ec := cfg.Engine
	tick, err := config.ParseDurationOrDefault("engine.tick_interval", ec.TickInterval, engine.DefaultTickInterval)
	if err != nil {
		return engine.Config{}, err
	}
	sweep, err := config.ParseDurationOrDefault("engine.sweep_interval", ec.SweepInterval, engine.DefaultSweepInterval)
	if err != nil {
		return engine.Config{}, err
	}
	window, err := config.ParseDurationOrDefault("engine.compensation_window", ec.CompensationWindow, engine.DefaultCompensationWindow)
	if err != nil {
		return engine.Config{}, err
	}
	loc := time.UTC
	if tz := strings.TrimSpace(ec.DefaultTimezone); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return engine.Config{}, fmt.Errorf("engine.default_timezone: invalid %q: %w", tz, err)
		}
	}
	if ec.BatchSize < 0 {
		return engine.Config{}, fmt.Errorf("engine.batch_size must be >= 0")
	}
	return engine.Config{
		Enabled:            cfg.EngineEnabled(),
		TickInterval:       tick,
		SweepInterval:      sweep,
		CompensationWindow: window,
		DefaultLocation:    loc,
		BatchSize:          ec.BatchSize,
	}, nil
}

func callTimeout(cfg *config.Config) (time.Duration, error) {
	if cfg == nil {
		return defaultCallTimeout, nil
	}
	return config.ParseDurationOrDefault("engine.call_timeout", cfg.Engine.CallTimeout, defaultCallTimeout)
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil {
		return storage.Config{}, fmt.Errorf("storage: config required")
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		driver = "sqlite"
	case "memory":
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	retention, err := config.ParseDurationOrDefault("storage.event_retention", sc.EventRetention, 0)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, EventRetention: retention}, nil
}

func mapPushConfig(cfg *config.Config) (notify.PushConfig, error) {
	if cfg == nil || cfg.Push == nil {
		return notify.PushConfig{}, nil
	}
	def, err := callTimeout(cfg)
	if err != nil {
		return notify.PushConfig{}, err
	}
	p := cfg.Push
	timeout, err := config.ParseDurationOrDefault("push.timeout", p.Timeout, def)
	if err != nil {
		return notify.PushConfig{}, err
	}
	return notify.PushConfig{
		Enabled:    p.Enabled,
		Provider:   p.Provider,
		Token:      strings.TrimSpace(p.Token),
		RatePerSec: p.RatePerSec,
		Timeout:    timeout,
	}, nil
}

func mapEmailConfig(cfg *config.Config) (notify.EmailConfig, error) {
	if cfg == nil || cfg.Email == nil {
		return notify.EmailConfig{}, nil
	}
	def, err := callTimeout(cfg)
	if err != nil {
		return notify.EmailConfig{}, err
	}
	e := cfg.Email
	timeout, err := config.ParseDurationOrDefault("email.timeout", e.Timeout, def)
	if err != nil {
		return notify.EmailConfig{}, err
	}
	var tpls map[string]notify.Template
	if len(e.Templates) > 0 {
		tpls = make(map[string]notify.Template, len(e.Templates))
		for id, t := range e.Templates {
			tpls[id] = notify.Template{Subject: t.Subject, Body: t.Body}
		}
	}
	return notify.EmailConfig{
		Enabled:    e.Enabled,
		Provider:   e.Provider,
		Host:       strings.TrimSpace(e.Host),
		Port:       e.Port,
		Username:   e.Username,
		Password:   e.Password,
		From:       strings.TrimSpace(e.From),
		RatePerSec: e.RatePerSec,
		Timeout:    timeout,
		Templates:  tpls,
	}, nil
}

type httpSettings struct {
	Enabled         bool
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

func mapHTTPConfig(cfg *config.Config) (httpSettings, error) {
	if cfg == nil {
		return httpSettings{}, nil
	}
	h := cfg.HTTP
	addr := strings.TrimSpace(h.Addr)
	if addr == "" {
		addr = defaultHTTPAddr
	}
	read, err := config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 15*time.Second)
	if err != nil {
		return httpSettings{}, err
	}
	write, err := config.ParseDurationOrDefault("http.write_timeout", h.WriteTimeout, 30*time.Second)
	if err != nil {
		return httpSettings{}, err
	}
	shutdown, err := config.ParseDurationOrDefault("http.shutdown_timeout", h.ShutdownTimeout, defaultShutdownTimeout)
	if err != nil {
		return httpSettings{}, err
	}
	return httpSettings{
		Enabled:         h.Enabled,
		Addr:            addr,
		ReadTimeout:     read,
		WriteTimeout:    write,
		ShutdownTimeout: shutdown,
	}, nil
}
