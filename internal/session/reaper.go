package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepInterval is used when the reaper is given no interval.
const DefaultSweepInterval = 30 * time.Second

// Reaper periodically sweeps idle flows out of a Registry.
type Reaper struct {
	registry *Registry
	schedule string
	logger   *slog.Logger
	now      func() time.Time
	after    func(now time.Time)
}

// NewReaper creates a reaper that sweeps every interval.
func NewReaper(registry *Registry, interval time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		registry: registry,
		schedule: "@every " + interval.String(),
		logger:   logger.With(slog.String("component", "reaper")),
		now:      time.Now,
	}
}

// WithAfterSweep registers fn to run after every sweep, on the same schedule.
func (r *Reaper) WithAfterSweep(fn func(now time.Time)) *Reaper {
	r.after = fn
	return r
}

func (r *Reaper) run(ctx context.Context) {
	now := r.now()
	r.registry.Sweep(ctx, now)
	if r.after != nil {
		r.after(now)
	}
}

// Start begins sweeping in the background. Overlapping sweeps are skipped.
// Returns a cancel function that stops the reaper and waits for a running sweep.
func (r *Reaper) Start(ctx context.Context) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)

	clog := cronLogger{r.logger}
	c := cron.New(
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	if _, err := c.AddFunc(r.schedule, func() { r.run(ctx) }); err != nil {
		cancel()
		return nil, fmt.Errorf("reaper schedule %q: %w", r.schedule, err)
	}
	c.Start()

	r.logger.InfoContext(ctx, "idle reaper started",
		slog.String("schedule", r.schedule),
		slog.String("idle_timeout", r.registry.cfg.IdleTimeout.String()),
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		<-c.Stop().Done()
		r.logger.Info("idle reaper stopped")
	}()

	return func() {
		cancel()
		<-done
	}, nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
