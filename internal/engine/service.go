package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"carecue/internal/eventbus"
	"carecue/internal/notify"
	"carecue/internal/storage"
	logx "carecue/pkg/logx"
)

// Service is the reminder engine. It is safe for concurrent use; Tick, Sweep
// and RunOnce may overlap each other.
type Service struct {
	store storage.Store
	push  notify.PushGateway
	email notify.EmailGateway
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	mu      sync.Mutex
	cfg     Config
	baseCtx context.Context
	runCtx  context.Context
	cancel  context.CancelFunc
	c       *cron.Cron
	tickID  cron.EntryID
	sweepID cron.EntryID

	lastMu    sync.Mutex
	lastTick  Report
	lastSweep Report

	ticks  atomic.Uint64
	sweeps atomic.Uint64
}

func New(cfg Config, deps Deps) *Service {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store: deps.Store,
		push:  deps.Push,
		email: deps.Email,
		bus:   deps.Bus,
		log:   log,
		now:   now,
		cfg:   cfg.withDefaults(),
	}
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool { return s.config().Enabled }

// Start registers the tick and sweep loops. It is a no-op when the engine is
// disabled; a later Apply that enables it starts the loops then.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseCtx = ctx
	if !s.cfg.Enabled {
		s.log.Info("engine disabled; loops not started")
		return
	}
	s.startLocked()
}

func (s *Service) startLocked() {
	if s.c != nil || s.baseCtx == nil {
		return
	}
	cl := cronLogger{log: s.log}
	s.runCtx, s.cancel = context.WithCancel(s.baseCtx)
	s.c = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
	s.scheduleLocked()
	s.c.Start()
	s.log.Info("engine started",
		logx.Duration("tick_interval", s.cfg.TickInterval),
		logx.Duration("sweep_interval", s.cfg.SweepInterval),
		logx.Duration("compensation_window", s.cfg.CompensationWindow),
	)
}

// scheduleLocked (re)registers both loops on the current cron.
func (s *Service) scheduleLocked() {
	if s.tickID != 0 {
		s.c.Remove(s.tickID)
	}
	if s.sweepID != 0 {
		s.c.Remove(s.sweepID)
	}
	ctx := s.runCtx
	s.tickID = s.c.Schedule(cron.Every(s.cfg.TickInterval), cron.FuncJob(func() { s.Tick(ctx) }))
	s.sweepID = s.c.Schedule(cron.Every(s.cfg.SweepInterval), cron.FuncJob(func() { s.Sweep(ctx) }))
}

// Stop stops triggering and waits for in-flight passes until ctx is done.
// Passes still running after that have their context canceled.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.tickID, s.sweepID = 0, 0
	s.mu.Unlock()

	if c == nil {
		return
	}
	s.log.Info("stop requested")
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("engine stop timed out; canceling in-flight passes")
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("engine stopped", logx.Duration("took", time.Since(start)))
}

// Apply swaps the config at runtime. Cadence changes re-register the loops;
// toggling Enabled starts or stops triggering.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	switch {
	case s.c == nil:
		if cfg.Enabled {
			s.startLocked()
		}
		s.mu.Unlock()
		return
	case !cfg.Enabled:
		c, cancel := s.c, s.cancel
		s.c, s.cancel = nil, nil
		s.tickID, s.sweepID = 0, 0
		s.mu.Unlock()
		// Running passes finish on their own; only triggering stops here.
		done := c.Stop()
		if cancel != nil {
			go func() {
				<-done.Done()
				cancel()
			}()
		}
		s.log.Info("engine disabled by config")
		return
	}
	if old.TickInterval != cfg.TickInterval || old.SweepInterval != cfg.SweepInterval {
		s.scheduleLocked()
		s.log.Info("engine cadence updated",
			logx.Duration("tick_interval", cfg.TickInterval),
			logx.Duration("sweep_interval", cfg.SweepInterval),
		)
	}
	s.mu.Unlock()
}

// Tick evaluates recurring schedules and dispatches due occurrences.
func (s *Service) Tick(ctx context.Context) Report {
	start := time.Now()
	cfg := s.config()
	now := s.now()

	rep := Report{Started: now}
	rep.add(s.evaluate(ctx, cfg, now))
	rep.add(s.dispatch(ctx, cfg, now))
	rep.Took = time.Since(start)

	s.ticks.Add(1)
	s.lastMu.Lock()
	s.lastTick = rep
	s.lastMu.Unlock()

	s.log.Debug("tick done",
		logx.Int("evaluated", rep.Evaluated),
		logx.Int("created", rep.Created),
		logx.Int("delivered", rep.Delivered),
		logx.Int("errors", rep.Errors),
		logx.Duration("took", rep.Took),
	)
	return rep
}

// Sweep ages overdue occurrences to missed and escalates them.
func (s *Service) Sweep(ctx context.Context) Report {
	start := time.Now()
	cfg := s.config()
	now := s.now()

	rep := s.sweep(ctx, cfg, now)
	rep.Started = now
	rep.Took = time.Since(start)

	s.sweeps.Add(1)
	s.lastMu.Lock()
	s.lastSweep = rep
	s.lastMu.Unlock()

	s.log.Debug("sweep done",
		logx.Int("missed", rep.Missed),
		logx.Int("escalated", rep.Escalated),
		logx.Int("errors", rep.Errors),
		logx.Duration("took", rep.Took),
	)
	return rep
}

// RunOnce runs one tick followed by one sweep synchronously. It works whether
// or not the loops are running.
func (s *Service) RunOnce(ctx context.Context) Report {
	start := time.Now()
	tick := s.Tick(ctx)
	sweep := s.Sweep(ctx)
	rep := Report{Started: tick.Started}
	rep.add(tick)
	rep.add(sweep)
	rep.Took = time.Since(start)
	s.log.Info("manual run done",
		logx.Int("created", rep.Created),
		logx.Int("delivered", rep.Delivered),
		logx.Int("missed", rep.Missed),
		logx.Int("escalated", rep.Escalated),
		logx.Int("errors", rep.Errors),
	)
	return rep
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	c := s.c
	tickID, sweepID := s.tickID, s.sweepID
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:            cfg.Enabled,
		Running:            c != nil,
		TickInterval:       cfg.TickInterval,
		SweepInterval:      cfg.SweepInterval,
		CompensationWindow: cfg.CompensationWindow,
		Timezone:           cfg.DefaultLocation.String(),
		Ticks:              s.ticks.Load(),
		Sweeps:             s.sweeps.Load(),
	}
	if c != nil {
		snap.NextTick = c.Entry(tickID).Next
		snap.NextSweep = c.Entry(sweepID).Next
	}
	s.lastMu.Lock()
	snap.LastTick = s.lastTick
	snap.LastSweep = s.lastSweep
	s.lastMu.Unlock()
	return snap
}

// guard runs fn for one schedule or occurrence. A panic becomes an error so
// the rest of the pass continues.
func (s *Service) guard(ctx context.Context, item string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", item, r)
			s.log.Error("panic recovered", logx.String("item", item), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return fn(ctx)
}

func (s *Service) publish(typ string, at time.Time, p eventbus.Payload) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: p})
}
