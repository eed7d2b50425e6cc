package snapshot

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/pulse/pkg/health"
	"github.com/cuemby/pulse/pkg/log"
	"github.com/cuemby/pulse/pkg/metrics"
	"github.com/cuemby/pulse/pkg/storage"
	"github.com/cuemby/pulse/pkg/types"
	"github.com/rs/zerolog"
)

// ComponentName is the health component the scheduler reports as
const ComponentName = "snapshot"

// Store builds and prunes daily snapshots
type Store interface {
	CreateDailySnapshots(ctx context.Context, day time.Time) (int, error)
	DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// State is the scheduler state
type State string

const (
	StateIdle    State = "idle"
	StateWaiting State = "waiting"
	StateRunning State = "running"
	StateBackoff State = "backoff"
)

// Config controls the daily run
type Config struct {
	// RunAt is the offset from UTC midnight of the daily run
	RunAt time.Duration

	// RetentionDays is how long snapshots are kept
	RetentionDays int

	// BackoffBase is the delay after the first failure
	BackoffBase time.Duration

	// BackoffMax caps the retry delay
	BackoffMax time.Duration

	// MaxConsecutiveFailures marks the component degraded once reached
	MaxConsecutiveFailures int

	// RunTimeout bounds a single run
	RunTimeout time.Duration
}

// DefaultConfig returns the default snapshot configuration
func DefaultConfig() Config {
	return Config{
		RunAt:                  2 * time.Hour,
		RetentionDays:          730,
		BackoffBase:            15 * time.Minute,
		BackoffMax:             2 * time.Hour,
		MaxConsecutiveFailures: 5,
		RunTimeout:             30 * time.Minute,
	}
}

// Status is the externally visible scheduler state. Times are nil until
// they first happen.
type Status struct {
	State               State     `json:"state"`
	NextRun             *time.Time `json:"next_run,omitempty"`
	LastRun             *time.Time `json:"last_run,omitempty"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Degraded            bool       `json:"degraded"`
	LastCreated         int        `json:"last_created"`
	LastDeleted         int        `json:"last_deleted"`
}

// RunResult describes one completed run
type RunResult struct {
	Day      time.Time
	Created  int
	Deleted  int
	Duration time.Duration
}

// Scheduler runs daily aggregation and retention cleanup, retrying failed
// runs with exponential backoff forever
type Scheduler struct {
	cfg     Config
	store   Store
	checker *metrics.HealthChecker
	logger  zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool

	mu      sync.Mutex
	status  Status
	tracker *health.Status

	done chan struct{}
}

// New creates a scheduler. checker may be nil.
func New(cfg Config, store Store, checker *metrics.HealthChecker) *Scheduler {
	def := DefaultConfig()
	if cfg.RunAt < 0 || cfg.RunAt >= 24*time.Hour {
		cfg.RunAt = def.RunAt
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = def.RetentionDays
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = def.RunTimeout
	}

	s := &Scheduler{
		cfg:     cfg,
		store:   store,
		checker: checker,
		logger:  log.WithComponent("snapshot"),
		now:     time.Now,
		sleep:   sleepContext,
		status:  Status{State: StateIdle},
		tracker: health.NewStatus(),
		done:    make(chan struct{}),
	}
	s.report()
	return s
}

// NextRun returns the first time strictly after now at offset at from
// UTC midnight
func NextRun(now time.Time, at time.Duration) time.Time {
	midnight, _ := storage.DayBounds(now)
	next := midnight.Add(at)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

// BackoffDelay returns the retry delay after failures consecutive
// failures: base doubled per extra failure, capped at maxDelay
func BackoffDelay(failures int, base, maxDelay time.Duration) time.Duration {
	if failures <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < failures; i++ {
		if delay > maxDelay/2 {
			return maxDelay
		}
		delay *= 2
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// RunOnce aggregates the UTC day before now and prunes expired snapshots
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) (RunResult, error) {
	day, _ := storage.DayBounds(now.UTC().AddDate(0, 0, -1))
	return s.RunDay(ctx, day)
}

// RunDay aggregates day and prunes snapshots older than the retention
// window counted from day. The outcome is recorded in the status.
func (s *Scheduler) RunDay(ctx context.Context, day time.Time) (RunResult, error) {
	timer := metrics.NewTimer()
	result := RunResult{Day: day}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()

	err := s.run(ctx, &result)
	result.Duration = timer.ObserveDuration(metrics.SnapshotRunDuration)
	s.record(result, err)
	return result, err
}

func (s *Scheduler) run(ctx context.Context, result *RunResult) error {
	date := result.Day.Format(types.SnapshotDateLayout)

	created, err := s.store.CreateDailySnapshots(ctx, result.Day)
	if err != nil {
		return fmt.Errorf("%w: create snapshots for %s: %w", types.ErrTransientAggregation, date, err)
	}
	result.Created = created
	metrics.SnapshotsCreated.Add(float64(created))

	cutoff := result.Day.AddDate(0, 0, -s.cfg.RetentionDays)
	deleted, err := s.store.DeleteSnapshotsBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("%w: delete snapshots before %s: %w", types.ErrTransientAggregation,
			cutoff.Format(types.SnapshotDateLayout), err)
	}
	result.Deleted = deleted
	metrics.SnapshotsDeleted.Add(float64(deleted))
	return nil
}

func (s *Scheduler) record(result RunResult, err error) {
	now := s.now()

	s.mu.Lock()
	s.tracker.Update(health.Result{
		Healthy:   err == nil,
		CheckedAt: now,
		Duration:  result.Duration,
	}, health.Config{Retries: s.cfg.MaxConsecutiveFailures})

	s.status.LastRun = timePtr(now)
	s.status.ConsecutiveFailures = s.tracker.ConsecutiveFailures
	s.status.LastSuccess = timePtr(s.tracker.LastSuccess)
	s.status.Degraded = !s.tracker.Healthy
	if err != nil {
		s.status.LastError = err.Error()
	} else {
		s.status.LastError = ""
		s.status.LastCreated = result.Created
		s.status.LastDeleted = result.Deleted
	}
	failures := s.status.ConsecutiveFailures
	degraded := s.status.Degraded
	s.mu.Unlock()

	metrics.SnapshotConsecutiveFailures.Set(float64(failures))
	s.report()

	if err != nil {
		metrics.SnapshotRunsTotal.WithLabelValues("failure").Inc()
		event := s.logger.Warn()
		if degraded {
			event = s.logger.Error()
		}
		event.Err(err).
			Int("consecutive_failures", failures).
			Bool("degraded", degraded).
			Dur("duration", result.Duration).
			Msg("Snapshot run failed")
		return
	}

	metrics.SnapshotRunsTotal.WithLabelValues("success").Inc()
	s.logger.Info().
		Str("day", result.Day.Format(types.SnapshotDateLayout)).
		Int("created", result.Created).
		Int("deleted", result.Deleted).
		Dur("duration", result.Duration).
		Msg("Snapshot run complete")
}

// report publishes the current status to the health registry
func (s *Scheduler) report() {
	if s.checker == nil {
		return
	}
	st := s.Status()

	details := map[string]string{
		"state":                string(st.State),
		"consecutive_failures": strconv.Itoa(st.ConsecutiveFailures),
	}
	if st.LastSuccess != nil {
		details["last_success"] = st.LastSuccess.UTC().Format(time.RFC3339)
	}
	if st.NextRun != nil {
		details["next_run"] = st.NextRun.UTC().Format(time.RFC3339)
	}

	msg := "ok"
	if st.Degraded {
		msg = fmt.Sprintf("%d consecutive failures: %s", st.ConsecutiveFailures, st.LastError)
	}
	s.checker.Update(metrics.ComponentHealth{
		Name:     ComponentName,
		Healthy:  true,
		Degraded: st.Degraded,
		Message:  msg,
		Details:  details,
	})
}

// Status returns a copy of the current status
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Scheduler) setState(state State, next time.Time) {
	s.mu.Lock()
	s.status.State = state
	s.status.NextRun = timePtr(next)
	s.mu.Unlock()
	s.report()
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Start runs the scheduler loop until ctx is cancelled
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		s.loop(ctx)
	}()
}

// Done is closed once the loop has exited
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.setState(StateIdle, time.Time{})

	state := StateWaiting
	next := NextRun(s.now(), s.cfg.RunAt)
	day := dueDay(next, s.cfg.RunAt)

	for {
		s.setState(state, next)
		s.logger.Debug().
			Str("state", string(state)).
			Str("day", day.Format(types.SnapshotDateLayout)).
			Time("next_run", next).
			Msg("Waiting for next snapshot run")

		if !s.sleep(ctx, max(next.Sub(s.now()), 0)) {
			return
		}

		s.setState(StateRunning, time.Time{})
		_, err := s.RunDay(ctx, day)
		if ctx.Err() != nil {
			return
		}

		// A failed day is retried until it succeeds; days that came due
		// meanwhile run back to back afterwards.
		if err != nil {
			failures := s.Status().ConsecutiveFailures
			state = StateBackoff
			next = s.now().Add(BackoffDelay(failures, s.cfg.BackoffBase, s.cfg.BackoffMax))
			continue
		}

		state = StateWaiting
		day = day.AddDate(0, 0, 1)
		next = day.AddDate(0, 0, 1).Add(s.cfg.RunAt)
	}
}

// dueDay returns the day aggregated by the run scheduled at next
func dueDay(next time.Time, at time.Duration) time.Time {
	day, _ := storage.DayBounds(next.Add(-at).AddDate(0, 0, -1))
	return day
}

// sleepContext waits for d and reports false if ctx ended first
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
