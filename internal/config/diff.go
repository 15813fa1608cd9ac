package config

import (
	"reflect"
	"strings"

	logx "carecue/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Secrets (push token, smtp password) are never
// included; only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.EngineEnabled() != newCfg.EngineEnabled() ||
		!sameTrim(oldCfg.Engine.TickInterval, newCfg.Engine.TickInterval) ||
		!sameTrim(oldCfg.Engine.SweepInterval, newCfg.Engine.SweepInterval) ||
		!sameTrim(oldCfg.Engine.CompensationWindow, newCfg.Engine.CompensationWindow) ||
		!sameTrim(oldCfg.Engine.CallTimeout, newCfg.Engine.CallTimeout) ||
		!sameTrim(oldCfg.Engine.DefaultTimezone, newCfg.Engine.DefaultTimezone) ||
		oldCfg.Engine.BatchSize != newCfg.Engine.BatchSize {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Bool("engine.enabled", newCfg.EngineEnabled()),
			logx.String("engine.tick_interval", strings.TrimSpace(newCfg.Engine.TickInterval)),
			logx.String("engine.sweep_interval", strings.TrimSpace(newCfg.Engine.SweepInterval)),
			logx.String("engine.compensation_window", strings.TrimSpace(newCfg.Engine.CompensationWindow)),
			logx.String("engine.default_timezone", strings.TrimSpace(newCfg.Engine.DefaultTimezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)),
		)
	}

	op, np := pushOrZero(oldCfg.Push), pushOrZero(newCfg.Push)
	if op != np {
		changed = append(changed, "push")
		attrs = append(attrs,
			logx.Bool("push.enabled", np.Enabled),
			logx.String("push.provider", strings.TrimSpace(np.Provider)),
			logx.Bool("push.token_set", strings.TrimSpace(np.Token) != ""),
			logx.Int("push.rate_per_sec", np.RatePerSec),
		)
	}

	oe, ne := emailOrZero(oldCfg.Email), emailOrZero(newCfg.Email)
	if !reflect.DeepEqual(oe, ne) {
		changed = append(changed, "email")
		attrs = append(attrs,
			logx.Bool("email.enabled", ne.Enabled),
			logx.String("email.provider", strings.TrimSpace(ne.Provider)),
			logx.String("email.host", strings.TrimSpace(ne.Host)),
			logx.Bool("email.password_set", ne.Password != ""),
			logx.Int("email.template_count", len(ne.Templates)),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
		attrs = append(attrs,
			logx.Bool("systemd.notify", newCfg.Systemd.Notify),
			logx.Bool("systemd.watchdog", newCfg.Systemd.Watchdog),
		)
	}

	return changed, attrs
}

func sameTrim(a, b string) bool { return strings.TrimSpace(a) == strings.TrimSpace(b) }

func pushOrZero(p *PushConfig) PushConfig {
	if p == nil {
		return PushConfig{}
	}
	return *p
}

func emailOrZero(e *EmailConfig) EmailConfig {
	if e == nil {
		return EmailConfig{}
	}
	return *e
}
