package session

import (
	"context"
	"sync"
	"time"

	"github.com/openfleet/carsim/core/model"
)

// DefaultTTL is the session lifetime extension applied by Touch.
const DefaultTTL = 30 * time.Minute

// DefaultSweepPeriod is how often the garbage collector runs.
const DefaultSweepPeriod = 5 * time.Minute

// DefaultRetryResetThreshold is the connect-failure count at which the sweep
// resets a stuck device's counter.
const DefaultRetryResetThreshold = 5

// Registry is the process-wide map of live simulation sessions. It owns the
// TTL sweep that destroys expired sessions.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Manager

	deps        Deps
	sweepPeriod time.Duration
	retryReset  int
}

// NewRegistry creates an empty registry. The Deps are shared by every
// manager it constructs.
func NewRegistry(deps Deps) *Registry {
	if deps.TTL <= 0 {
		deps.TTL = DefaultTTL
	}
	if deps.Log == nil {
		deps.Log = nopLog{}
	}
	sweep := deps.Sweep
	if sweep <= 0 {
		sweep = DefaultSweepPeriod
	}
	return &Registry{
		sessions:    make(map[string]*Manager),
		deps:        deps,
		sweepPeriod: sweep,
		retryReset:  DefaultRetryResetThreshold,
	}
}

// CreateOrGet returns the manager for the config's sessionID, constructing
// it on first use. Repeat calls return the same instance and only refresh
// its TTL. The lookup and insert happen under one lock so concurrent
// requests for the same sessionID cannot create duplicates.
func (r *Registry) CreateOrGet(cfg model.SimulationConfig, channel ChannelFactory) (*Manager, error) {
	if cfg.SessionID == "" {
		return nil, ErrMissingSessionID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.sessions[cfg.SessionID]; ok {
		m.Touch()
		return m, nil
	}
	deps := r.deps
	if channel != nil {
		deps.Channel = channel
	}
	m, err := NewManager(cfg, deps)
	if err != nil {
		return nil, err
	}
	r.sessions[cfg.SessionID] = m
	r.recordStatsLocked()
	return m, nil
}

// Get returns the manager for the sessionID, refreshing its TTL when found.
func (r *Registry) Get(sessionID string) (*Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.sessions[sessionID]
	if ok {
		m.Touch()
	}
	return m, ok
}

// Terminate destroys the session and removes it from the registry. No-op if
// absent.
func (r *Registry) Terminate(sessionID string) {
	r.mu.Lock()
	m, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
		r.recordStatsLocked()
	}
	r.mu.Unlock()
	if ok {
		m.Destroy()
	}
}

// Stats aggregates counts across all live sessions.
func (r *Registry) Stats() model.Stats {
	r.mu.Lock()
	managers := make([]*Manager, 0, len(r.sessions))
	for _, m := range r.sessions {
		managers = append(managers, m)
	}
	r.mu.Unlock()
	st := model.Stats{Simulations: len(managers)}
	for _, m := range managers {
		devices, connected := m.Counts()
		st.Devices += devices
		st.ConnectedDevices += connected
	}
	return st
}

// Start runs the garbage-collection sweep until the context is canceled.
func (r *Registry) Start(ctx context.Context) {
	t := time.NewTicker(r.sweepPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Sweep(time.Now())
		}
	}
}

// Sweep terminates every session whose expiration deadline passed and, for
// the surviving ones, resets devices stuck in a failure-retry state.
func (r *Registry) Sweep(now time.Time) {
	r.mu.Lock()
	var expired []*Manager
	var live []*Manager
	for id, m := range r.sessions {
		if m.Expired(now) {
			expired = append(expired, m)
			delete(r.sessions, id)
		} else {
			live = append(live, m)
		}
	}
	if len(expired) > 0 {
		r.recordStatsLocked()
	}
	r.mu.Unlock()

	for _, m := range expired {
		r.deps.Log.Infof("session %s expired, terminating", m.SessionID())
		m.Destroy()
	}
	for _, m := range live {
		m.ResetStuckDevices(r.retryReset)
	}
}

// Shutdown terminates every live session. Used on process exit.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	managers := make([]*Manager, 0, len(r.sessions))
	for id, m := range r.sessions {
		managers = append(managers, m)
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	for _, m := range managers {
		m.Destroy()
	}
}

func (r *Registry) recordStatsLocked() {
	if r.deps.Metrics == nil {
		return
	}
	st := model.Stats{Simulations: len(r.sessions)}
	for _, m := range r.sessions {
		devices, connected := m.Counts()
		st.Devices += devices
		st.ConnectedDevices += connected
	}
	if err := r.deps.Metrics.RecordStats(st); err != nil {
		r.deps.Log.Warnf("record stats: %v", err)
	}
}
