package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/pulse/pkg/log"
	"github.com/cuemby/pulse/pkg/metrics"
	"github.com/cuemby/pulse/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Config controls admission and staleness
type Config struct {
	// Capacity is the maximum number of concurrently admitted connections
	Capacity int

	// WaitTimeout bounds how long Acquire waits for a free slot
	WaitTimeout time.Duration

	// StaleAfter is the inactivity after which Sweep releases a connection
	StaleAfter time.Duration

	// SweepInterval is how often the background sweep runs
	SweepInterval time.Duration

	// SendBuffer is the outbound message buffer of each connection
	SendBuffer int
}

// DefaultConfig returns the default registry configuration
func DefaultConfig() Config {
	return Config{
		Capacity:      100,
		WaitTimeout:   5 * time.Second,
		StaleAfter:    30 * time.Minute,
		SweepInterval: time.Minute,
		SendBuffer:    types.DefaultSendBuffer,
	}
}

// ReleaseHook runs once for every released connection
type ReleaseHook func(conn *types.Connection)

// UserGoneHook runs when the last connection of a user is released. It
// runs under the registry lock, so no new connection of that user is
// admitted until it returns. It must not call back into the registry.
type UserGoneHook func(userID string)

// Registry tracks live connections and bounds how many are admitted
type Registry struct {
	cfg    Config
	sem    *semaphore.Weighted
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	conns  map[string]*types.Connection
	byUser map[string]int
	hooks  []ReleaseHook
	gone   []UserGoneHook

	done chan struct{}
}

// New creates a registry. Zero config fields take their defaults.
func New(cfg Config) *Registry {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = def.WaitTimeout
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}

	return &Registry{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.Capacity)),
		logger: log.WithComponent("registry"),
		now:    time.Now,
		conns:  make(map[string]*types.Connection),
		byUser: make(map[string]int),
		done:   make(chan struct{}),
	}
}

// OnRelease registers a hook run after a connection leaves the registry
func (r *Registry) OnRelease(h ReleaseHook) {
	r.mu.Lock()
	r.hooks = append(r.hooks, h)
	r.mu.Unlock()
}

// OnUserGone registers a hook run when a user's last connection is released
func (r *Registry) OnUserGone(h UserGoneHook) {
	r.mu.Lock()
	r.gone = append(r.gone, h)
	r.mu.Unlock()
}

// Acquire admits a connection for userID, waiting at most WaitTimeout for
// a free slot
func (r *Registry) Acquire(ctx context.Context, userID string) (*types.Connection, error) {
	if userID == "" {
		return nil, types.ErrUnauthenticated
	}

	timer := metrics.NewTimer()
	waitCtx, cancel := context.WithTimeout(ctx, r.cfg.WaitTimeout)
	defer cancel()

	if err := r.sem.Acquire(waitCtx, 1); err != nil {
		metrics.AdmissionRejected.Inc()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Warn().
			Str("user_id", userID).
			Int("capacity", r.cfg.Capacity).
			Msg("Admission rejected")
		return nil, fmt.Errorf("%w: no slot freed within %s", types.ErrAdmissionRejected, r.cfg.WaitTimeout)
	}
	timer.ObserveDuration(metrics.AdmissionWait)

	conn := types.NewConnection(uuid.New().String(), userID, r.now(), r.cfg.SendBuffer)

	r.mu.Lock()
	r.conns[conn.ID] = conn
	r.byUser[userID]++
	metrics.ConnectionsActive.Set(float64(len(r.conns)))
	r.mu.Unlock()

	metrics.ConnectionsAdmitted.Inc()
	r.logger.Debug().
		Str("connection_id", conn.ID).
		Str("user_id", userID).
		Msg("Connection admitted")

	return conn, nil
}

// Release returns the connection's slot. Only the first call for a
// connection has any effect; it reports whether this call released it.
func (r *Registry) Release(conn *types.Connection) bool {
	if conn == nil || !conn.MarkClosed() {
		return false
	}
	defer r.sem.Release(1)

	r.mu.Lock()
	delete(r.conns, conn.ID)
	if r.byUser[conn.UserID] <= 1 {
		delete(r.byUser, conn.UserID)
		for _, h := range r.gone {
			r.runHook(conn, func() { h(conn.UserID) })
		}
	} else {
		r.byUser[conn.UserID]--
	}
	metrics.ConnectionsActive.Set(float64(len(r.conns)))
	hooks := append([]ReleaseHook(nil), r.hooks...)
	r.mu.Unlock()

	for _, h := range hooks {
		r.runHook(conn, func() { h(conn) })
	}
	conn.CloseTransport()

	r.logger.Debug().
		Str("connection_id", conn.ID).
		Str("user_id", conn.UserID).
		Msg("Connection released")
	return true
}

func (r *Registry) runHook(conn *types.Connection, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().
				Str("connection_id", conn.ID).
				Interface("panic", p).
				Msg("Release hook panicked")
		}
	}()
	fn()
}

// Serve admits a connection, runs fn, and releases the connection on
// every exit path of fn, including panics
func (r *Registry) Serve(ctx context.Context, userID string, fn func(ctx context.Context, conn *types.Connection) error) error {
	conn, err := r.Acquire(ctx, userID)
	if err != nil {
		return err
	}
	defer r.Release(conn)

	return fn(ctx, conn)
}

// Touch records inbound activity on conn
func (r *Registry) Touch(conn *types.Connection) {
	conn.Touch(r.now())
}

// Sweep releases connections idle for longer than StaleAfter and returns
// how many it released
func (r *Registry) Sweep(now time.Time) int {
	r.mu.RLock()
	var stale []*types.Connection
	for _, conn := range r.conns {
		if now.Sub(conn.LastActivity()) > r.cfg.StaleAfter {
			stale = append(stale, conn)
		}
	}
	r.mu.RUnlock()

	swept := 0
	for _, conn := range stale {
		if r.Release(conn) {
			swept++
		}
	}

	if swept > 0 {
		metrics.ConnectionsSwept.Add(float64(swept))
		r.logger.Info().Int("count", swept).Msg("Swept stale connections")
	}
	return swept
}

// Start runs the staleness sweep every SweepInterval until ctx is cancelled
func (r *Registry) Start(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	go func() {
		defer close(r.done)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.Sweep(r.now())
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Done is closed once the sweep loop has exited
func (r *Registry) Done() <-chan struct{} {
	return r.done
}

// Get returns a live connection by id
func (r *Registry) Get(id string) (*types.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Count returns the number of live connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// UserConnectionCount returns the number of live connections of userID
func (r *Registry) UserConnectionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byUser[userID]
}

// Capacity returns the configured admission capacity
func (r *Registry) Capacity() int {
	return r.cfg.Capacity
}
