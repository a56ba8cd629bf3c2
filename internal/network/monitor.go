package network

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"mistcharge/internal/logging"
)

// State is the last known reachability. IsInternetReachable is nil while
// unknown.
type State struct {
	IsConnected         bool      `json:"isConnected"`
	IsInternetReachable *bool     `json:"isInternetReachable"`
	OfflineMode         bool      `json:"offlineMode"`
	LastChecked         time.Time `json:"lastChecked"`
}

// Reachable is false while reachability is unknown.
func (s State) Reachable() bool {
	return s.IsInternetReachable != nil && *s.IsInternetReachable
}

// Online is the effective reachability: connected, reachable and not
// forced offline.
func (s State) Online() bool {
	return s.IsConnected && s.Reachable() && !s.OfflineMode
}

// Describe returns the short status text shown to the user.
func (s State) Describe() string {
	switch {
	case s.OfflineMode:
		return "Offline Mode"
	case !s.IsConnected:
		return "No Connection"
	case !s.Reachable():
		return "No Internet"
	default:
		return "Online"
	}
}

func (s State) sameAs(o State) bool {
	return s.IsConnected == o.IsConnected &&
		s.Reachable() == o.Reachable() &&
		(s.IsInternetReachable == nil) == (o.IsInternetReachable == nil) &&
		s.OfflineMode == o.OfflineMode
}

// Prober performs one connectivity check.
type Prober interface {
	Probe(ctx context.Context) (connected bool, reachable *bool)
}

// OverrideStore persists the user's offline override.
type OverrideStore interface {
	SetOfflineMode(ctx context.Context, offline bool) error
	OfflineMode(ctx context.Context) (bool, error)
}

type MonitorConfig struct {
	Prober        Prober
	Store         OverrideStore
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	MaxBackoff    time.Duration
	Log           *logrus.Entry
}

// Monitor tracks reachability and notifies subscribers of changes.
type Monitor struct {
	prober     Prober
	store      OverrideStore
	interval   time.Duration
	timeout    time.Duration
	maxBackoff time.Duration
	log        *logrus.Entry

	mu     sync.RWMutex
	state  State
	subs   map[int]func(State)
	nextID int
}

func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 15 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 2 * time.Minute
	}
	if cfg.Log == nil {
		cfg.Log = logging.Discard()
	}
	return &Monitor{
		prober:     cfg.Prober,
		store:      cfg.Store,
		interval:   cfg.ProbeInterval,
		timeout:    cfg.ProbeTimeout,
		maxBackoff: cfg.MaxBackoff,
		log:        cfg.Log,
		state:      State{IsConnected: true, LastChecked: time.Now()},
		subs:       make(map[int]func(State)),
	}
}

// Load restores the persisted offline override.
func (m *Monitor) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	offline, err := m.store.OfflineMode(ctx)
	if err != nil {
		return err
	}
	m.update(func(s *State) { s.OfflineMode = offline })
	return nil
}

// Current returns the last known state without probing.
func (m *Monitor) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Monitor) Online() bool {
	return m.Current().Online()
}

// Subscribe registers fn for state changes. The returned func unsubscribes.
func (m *Monitor) Subscribe(fn func(State)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// SetOfflineMode persists the override and applies it immediately. It does
// not interrupt work already in flight.
func (m *Monitor) SetOfflineMode(ctx context.Context, offline bool) error {
	if m.store != nil {
		if err := m.store.SetOfflineMode(ctx, offline); err != nil {
			return err
		}
	}
	m.update(func(s *State) { s.OfflineMode = offline })
	m.log.Infof("Offline mode: %v", offline)
	return nil
}

// Report records an observation made outside the probe loop.
func (m *Monitor) Report(connected bool, reachable *bool) {
	m.update(func(s *State) {
		s.IsConnected = connected
		s.IsInternetReachable = reachable
	})
}

// Check probes once and records the result.
func (m *Monitor) Check(ctx context.Context) State {
	if m.prober == nil {
		return m.Current()
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	connected, reachable := m.prober.Probe(ctx)
	m.Report(connected, reachable)
	return m.Current()
}

// Run probes until ctx is done. While the backend is unreachable probes back
// off exponentially up to the configured maximum.
func (m *Monitor) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = m.maxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	m.log.Infof("Starting reachability monitor with interval %s", m.interval)

	for {
		st := m.Check(ctx)

		wait := m.interval
		if st.IsConnected && st.Reachable() {
			b.Reset()
		} else {
			wait = b.NextBackOff()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.log.Info("Reachability monitor stopped")
			return nil
		case <-timer.C:
		}
	}
}

func (m *Monitor) update(fn func(*State)) {
	m.mu.Lock()
	prev := m.state
	next := prev
	fn(&next)
	next.LastChecked = time.Now()
	m.state = next

	changed := !prev.sameAs(next)
	var subs []func(State)
	if changed {
		subs = make([]func(State), 0, len(m.subs))
		for _, fn := range m.subs {
			subs = append(subs, fn)
		}
	}
	m.mu.Unlock()

	if !changed {
		return
	}
	m.log.WithFields(logrus.Fields{
		"connected": next.IsConnected,
		"reachable": next.Reachable(),
		"offline":   next.OfflineMode,
	}).Infof("Network status changed: %s", next.Describe())

	for _, fn := range subs {
		fn(next)
	}
}
