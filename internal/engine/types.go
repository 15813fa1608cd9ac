package engine

import (
	"time"

	"carecue/internal/eventbus"
	"carecue/internal/notify"
	"carecue/internal/storage"
	logx "carecue/pkg/logx"
)

const (
	DefaultTickInterval       = time.Minute
	DefaultSweepInterval      = 5 * time.Minute
	DefaultCompensationWindow = 5 * time.Minute
	DefaultBatchSize          = 500
	DefaultMissedThreshold    = 30 // minutes

	// DefaultEscalationRetryWindow bounds how far back a sweep looks for
	// missed occurrences whose escalation never went out.
	DefaultEscalationRetryWindow = 24 * time.Hour

	// MaxCourseOccurrences bounds a single pre-generated course.
	MaxCourseOccurrences = 1000
)

// Config is the resolved engine configuration. Zero fields take defaults.
type Config struct {
	Enabled            bool
	TickInterval       time.Duration
	SweepInterval      time.Duration
	CompensationWindow time.Duration
	DefaultLocation    *time.Location
	BatchSize          int

	EscalationRetryWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.CompensationWindow <= 0 {
		c.CompensationWindow = DefaultCompensationWindow
	}
	if c.DefaultLocation == nil {
		c.DefaultLocation = time.UTC
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.EscalationRetryWindow <= 0 {
		c.EscalationRetryWindow = DefaultEscalationRetryWindow
	}
	return c
}

// Deps are the collaborators of the engine. Push and Email may be nil when
// the channel is disabled. Now defaults to time.Now.
type Deps struct {
	Store storage.Store
	Push  notify.PushGateway
	Email notify.EmailGateway
	Bus   eventbus.Bus
	Log   logx.Logger
	Now   func() time.Time
}

// Report summarizes one pass. Errors counts per-item failures that were
// logged and skipped.
type Report struct {
	Started        time.Time     `json:"started"`
	Took           time.Duration `json:"took"`
	Evaluated      int           `json:"evaluated"`
	Expired        int           `json:"expired"`
	Created        int           `json:"created"`
	Delivered      int           `json:"delivered"`
	DeliveryFailed int           `json:"delivery_failed"`
	Missed         int           `json:"missed"`
	Escalated      int           `json:"escalated"`
	Errors         int           `json:"errors"`
}

func (r *Report) add(o Report) {
	r.Evaluated += o.Evaluated
	r.Expired += o.Expired
	r.Created += o.Created
	r.Delivered += o.Delivered
	r.DeliveryFailed += o.DeliveryFailed
	r.Missed += o.Missed
	r.Escalated += o.Escalated
	r.Errors += o.Errors
}

// Snapshot is the engine status surfaced by the API and CLI.
type Snapshot struct {
	Enabled            bool          `json:"enabled"`
	Running            bool          `json:"running"`
	TickInterval       time.Duration `json:"tick_interval"`
	SweepInterval      time.Duration `json:"sweep_interval"`
	CompensationWindow time.Duration `json:"compensation_window"`
	Timezone           string        `json:"timezone"`
	NextTick           time.Time     `json:"next_tick,omitempty"`
	NextSweep          time.Time     `json:"next_sweep,omitempty"`
	Ticks              uint64        `json:"ticks"`
	Sweeps             uint64        `json:"sweeps"`
	LastTick           Report        `json:"last_tick"`
	LastSweep          Report        `json:"last_sweep"`
}
