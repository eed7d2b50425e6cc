package push

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/pulse/pkg/log"
	"github.com/cuemby/pulse/pkg/metrics"
	"github.com/cuemby/pulse/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// MetricsSource returns the current metrics of the businesses a user owns
type MetricsSource interface {
	CurrentMetrics(ctx context.Context, userID string) ([]types.BusinessMetrics, error)
}

// BaselineStore persists the last observed metrics per business
type BaselineStore interface {
	GetBaseline(ctx context.Context, businessID string) (*types.Baseline, error)
	PutBaseline(ctx context.Context, b *types.Baseline) error
}

// Publisher fans a message out to a topic
type Publisher interface {
	Publish(topic string, msg *types.Message) int
}

// Notifier forwards notifications outside the process
type Notifier interface {
	Notify(ctx context.Context, userID string, msg *types.Message) error
}

// Config controls the push loop
type Config struct {
	// Tick is how often the loop looks for due users
	Tick time.Duration

	// Workers bounds how many users are pushed in parallel
	Workers int

	// SurgeThreshold is the relative view increase that triggers a surge
	// notification
	SurgeThreshold float64

	// UserTimeout bounds the work done for a single user
	UserTimeout time.Duration
}

// DefaultConfig returns the default push configuration
func DefaultConfig() Config {
	return Config{
		Tick:           30 * time.Second,
		Workers:        8,
		SurgeThreshold: 0.10,
		UserTimeout:    10 * time.Second,
	}
}

// Scheduler pushes metrics to users at their requested interval
type Scheduler struct {
	cfg       Config
	source    MetricsSource
	baselines BaselineStore
	publisher Publisher
	notifier  Notifier
	logger    zerolog.Logger
	now       func() time.Time

	mu       sync.Mutex
	subs     map[string]*types.RefreshSubscription
	inFlight map[string]bool

	done chan struct{}
}

// New creates a scheduler. notifier may be nil.
func New(cfg Config, source MetricsSource, baselines BaselineStore, publisher Publisher, notifier Notifier) *Scheduler {
	def := DefaultConfig()
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.SurgeThreshold <= 0 {
		cfg.SurgeThreshold = def.SurgeThreshold
	}
	if cfg.UserTimeout <= 0 {
		cfg.UserTimeout = def.UserTimeout
	}

	return &Scheduler{
		cfg:       cfg,
		source:    source,
		baselines: baselines,
		publisher: publisher,
		notifier:  notifier,
		logger:    log.WithComponent("push"),
		now:       time.Now,
		subs:      make(map[string]*types.RefreshSubscription),
		inFlight:  make(map[string]bool),
		done:      make(chan struct{}),
	}
}

// SetInterval sets the push interval of userID in seconds. Zero disables
// pushes without forgetting the subscription.
func (s *Scheduler) SetInterval(userID string, seconds int) error {
	if userID == "" {
		return types.ErrUnauthenticated
	}
	if err := types.ValidateRefreshInterval(seconds); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[userID]
	if !ok {
		// The interval counts from the request, not from the epoch
		sub = &types.RefreshSubscription{UserID: userID, LastPush: s.now()}
		s.subs[userID] = sub
	}
	sub.IntervalSeconds = seconds
	metrics.RefreshSubscriptions.Set(float64(s.activeLocked()))
	return nil
}

// Remove forgets the subscription of userID
func (s *Scheduler) Remove(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, userID)
	metrics.RefreshSubscriptions.Set(float64(s.activeLocked()))
}

// Subscription returns a copy of the subscription of userID
func (s *Scheduler) Subscription(userID string) (types.RefreshSubscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[userID]
	if !ok {
		return types.RefreshSubscription{}, false
	}
	return *sub, true
}

// ActiveCount returns the number of subscriptions with a non-zero interval
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked()
}

func (s *Scheduler) activeLocked() int {
	n := 0
	for _, sub := range s.subs {
		if sub.IntervalSeconds > 0 {
			n++
		}
	}
	return n
}

// claimDue marks every due user in flight and stamps its last push.
// A user already in flight is never claimed twice.
func (s *Scheduler) claimDue(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []string
	for id, sub := range s.subs {
		if sub.IntervalSeconds <= 0 || s.inFlight[id] {
			continue
		}
		if now.Sub(sub.LastPush) < sub.Interval() {
			continue
		}
		sub.LastPush = now
		s.inFlight[id] = true
		due = append(due, id)
	}
	sort.Strings(due)
	return due
}

func (s *Scheduler) finish(userID string) {
	s.mu.Lock()
	delete(s.inFlight, userID)
	s.mu.Unlock()
}

// RunOnce pushes to every user due at now and waits for them. It returns
// the number of users pushed successfully.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) int {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PushCycleDuration)
	metrics.PushCyclesTotal.Inc()

	due := s.claimDue(now)
	if len(due) == 0 {
		return 0
	}

	var (
		mu sync.Mutex
		ok int
	)
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Workers)
	for _, userID := range due {
		g.Go(func() error {
			defer s.finish(userID)
			if s.safePush(ctx, userID, now) {
				mu.Lock()
				ok++
				mu.Unlock()
			}
			// Per-user failures never cancel the rest of the tick
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Debug().
		Int("due", len(due)).
		Int("pushed", ok).
		Msg("Push cycle complete")
	return ok
}

func (s *Scheduler) safePush(ctx context.Context, userID string, now time.Time) (pushed bool) {
	logger := s.logger.With().Str("user_id", userID).Logger()
	defer func() {
		if p := recover(); p != nil {
			metrics.PushesTotal.WithLabelValues("panic").Inc()
			logger.Error().Interface("panic", p).Msg("Push panicked")
			pushed = false
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.UserTimeout)
	defer cancel()

	if err := s.pushUser(ctx, userID, now); err != nil {
		metrics.PushesTotal.WithLabelValues("error").Inc()
		logger.Warn().Err(err).Msg("Push failed")
		return false
	}
	metrics.PushesTotal.WithLabelValues("success").Inc()
	return true
}

func (s *Scheduler) pushUser(ctx context.Context, userID string, now time.Time) error {
	current, err := s.source.CurrentMetrics(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load metrics: %w", err)
	}

	userTopic := types.UserTopic(userID)
	update, err := types.NewMessage(types.MessageMetricsUpdate, userTopic, types.MetricsUpdate{
		UserID:     userID,
		Businesses: current,
	}, now)
	if err != nil {
		return err
	}
	s.publisher.Publish(userTopic, update)

	var errs []error
	for _, m := range current {
		bizTopic := types.BusinessTopic(m.BusinessID, userID)
		msg, err := types.NewMessage(types.MessageBusinessUpdate, bizTopic, m, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.publisher.Publish(bizTopic, msg)

		if err := s.compare(ctx, userID, m, now); err != nil {
			errs = append(errs, fmt.Errorf("business %s: %w", m.BusinessID, err))
		}
	}
	return errors.Join(errs...)
}

// compare emits notifications for m against its baseline and stores m as
// the new baseline
func (s *Scheduler) compare(ctx context.Context, userID string, m types.BusinessMetrics, now time.Time) error {
	prev, err := s.baselines.GetBaseline(ctx, m.BusinessID)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return fmt.Errorf("failed to load baseline: %w", err)
	}

	surge, reviews := Detect(prev, m, s.cfg.SurgeThreshold)
	if surge != nil {
		s.notify(ctx, userID, types.MessageSurge, surge, now)
	}
	if reviews != nil {
		s.notify(ctx, userID, types.MessageNewReviews, reviews, now)
	}

	return s.baselines.PutBaseline(ctx, &types.Baseline{
		BusinessID: m.BusinessID,
		Views:      m.Views,
		Reviews:    m.Reviews,
		Rating:     m.Rating,
		ObservedAt: now,
	})
}

func (s *Scheduler) notify(ctx context.Context, userID string, typ types.MessageType, payload any, now time.Time) {
	topic := types.UserTopic(userID)
	msg, err := types.NewMessage(typ, topic, payload, now)
	if err != nil {
		s.logger.Error().Err(err).Str("type", string(typ)).Msg("Failed to build notification")
		return
	}

	s.publisher.Publish(topic, msg)
	metrics.NotificationsTotal.WithLabelValues(string(typ)).Inc()

	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, userID, msg); err != nil {
		s.logger.Warn().
			Err(err).
			Str("user_id", userID).
			Str("type", string(typ)).
			Msg("Failed to forward notification")
	}
}

// Detect compares current metrics against the previous baseline. A nil
// baseline is a first observation and never notifies.
func Detect(prev *types.Baseline, cur types.BusinessMetrics, threshold float64) (*types.SurgeNotification, *types.ReviewNotification) {
	if prev == nil {
		return nil, nil
	}

	var surge *types.SurgeNotification
	if prev.Views > 0 && cur.Views > prev.Views {
		increase := float64(cur.Views-prev.Views) / float64(prev.Views)
		if increase >= threshold {
			surge = &types.SurgeNotification{
				BusinessID:    cur.BusinessID,
				Name:          cur.Name,
				PreviousViews: prev.Views,
				CurrentViews:  cur.Views,
				Increase:      increase,
			}
		}
	}

	var reviews *types.ReviewNotification
	if cur.Reviews > prev.Reviews {
		reviews = &types.ReviewNotification{
			BusinessID:     cur.BusinessID,
			Name:           cur.Name,
			NewReviews:     cur.Reviews - prev.Reviews,
			TotalReviews:   cur.Reviews,
			PreviousRating: prev.Rating,
			CurrentRating:  cur.Rating,
		}
	}
	return surge, reviews
}

// Start runs the push loop every Tick until ctx is cancelled
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	go func() {
		defer close(s.done)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.RunOnce(ctx, s.now())
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Done is closed once the push loop has exited
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}
