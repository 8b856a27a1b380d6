// Package connectivity tracks whether the POS server can be reached.
//
// Passive signals from the host (network interface up/down) are not trusted
// on their own: going online starts a debounce timer and, when it fires, an
// active probe against the server's health endpoint must succeed before the
// monitor reports Online and then ReadyToSync. Going offline is immediate.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tiendapos/possync/internal/logging"
	"github.com/tiendapos/possync/internal/offline/events"
)

// State is the monitor's view of the network.
type State int

const (
	Offline State = iota
	Online
	ReadyToSync
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case Offline:
		return "offline"
	case Online:
		return "online"
	case ReadyToSync:
		return "ready_to_sync"
	default:
		return "unknown"
	}
}

// Prober performs the active reachability check.
type Prober interface {
	Ping(ctx context.Context) error
}

// Config holds monitor timings.
type Config struct {
	// Debounce absorbs flapping before an online signal is probed.
	Debounce time.Duration

	// ProbeInterval is how often Run polls the server.
	ProbeInterval time.Duration

	// ProbeTimeout bounds one probe.
	ProbeTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Debounce:      2 * time.Second,
		ProbeInterval: 30 * time.Second,
		ProbeTimeout:  5 * time.Second,
	}
}

// Monitor is the connectivity state machine.
type Monitor struct {
	prober Prober
	pub    events.Publisher
	cfg    Config
	log    *logrus.Entry

	mu      sync.Mutex
	state   State
	timer   *time.Timer
	gen     uint64 // invalidates pending debounce timers
	subs    map[uint64]func(State)
	nextSub uint64
}

// New creates a monitor in the Offline state. pub may be nil.
func New(prober Prober, pub events.Publisher, cfg Config, logger *logrus.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.Debounce < 0 {
		cfg.Debounce = 0
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	return &Monitor{
		prober: prober,
		pub:    pub,
		cfg:    cfg,
		log:    logging.Component(logger, "connectivity"),
		subs:   make(map[uint64]func(State)),
	}
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsOnline reports whether the last probe confirmed the server.
func (m *Monitor) IsOnline() bool {
	return m.State() != Offline
}

// Subscribe registers fn for state changes and returns a function that
// removes it. fn runs on the goroutine that caused the change.
func (m *Monitor) Subscribe(fn func(State)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// SetOnline feeds a passive connectivity signal.
func (m *Monitor) SetOnline(online bool) {
	if !online {
		m.goOffline("signal")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Offline || m.timer != nil {
		return
	}
	gen := m.gen
	m.timer = time.AfterFunc(m.cfg.Debounce, func() { m.confirm(gen) })
}

// confirm runs when the debounce timer fires.
func (m *Monitor) confirm(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
	err := m.prober.Ping(ctx)
	cancel()

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	if err != nil {
		m.mu.Unlock()
		m.log.WithError(err).Info("online signal not confirmed by probe")
		return
	}
	m.mu.Unlock()

	m.goOnline("probe", gen)
}

// Check probes the server immediately and updates the state without
// debouncing. It reports whether the server answered.
func (m *Monitor) Check(ctx context.Context) bool {
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	err := m.prober.Ping(ctx)
	cancel()

	if err != nil {
		m.goOffline("probe failed")
		return false
	}
	m.goOnline("probe", gen)
	return true
}

// Run polls the server every ProbeInterval until ctx is done. A failed
// probe takes the monitor offline; a successful one feeds an online signal.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()
	defer m.Stop()

	m.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

func (m *Monitor) poll(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	err := m.prober.Ping(pctx)
	cancel()

	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.goOffline("probe failed")
		return
	}
	m.SetOnline(true)
}

// Stop cancels a pending debounce timer.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Monitor) goOffline(reason string) {
	m.mu.Lock()
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.state == Offline {
		m.mu.Unlock()
		return
	}
	m.state = Offline
	subs := m.subscribers()
	m.mu.Unlock()

	m.log.WithField("reason", reason).Info("connectivity lost")
	if m.pub != nil {
		m.pub.Publish(events.Offline, events.ConnectivityData{Reason: reason})
	}
	notify(subs, Offline)
}

// goOnline is a no-op when the monitor went offline or was stopped after
// gen was read, so a probe started before an offline signal cannot undo it.
func (m *Monitor) goOnline(reason string, gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != Offline {
		m.mu.Unlock()
		return
	}
	m.state = Online
	subs := m.subscribers()
	m.mu.Unlock()

	m.log.WithField("reason", reason).Info("connectivity confirmed")
	if m.pub != nil {
		m.pub.Publish(events.Online, events.ConnectivityData{Reason: reason})
	}
	notify(subs, Online)

	m.mu.Lock()
	if m.state != Online {
		m.mu.Unlock()
		return
	}
	m.state = ReadyToSync
	subs = m.subscribers()
	m.mu.Unlock()
	notify(subs, ReadyToSync)
}

// subscribers snapshots the callbacks. Callers hold m.mu.
func (m *Monitor) subscribers() []func(State) {
	out := make([]func(State), 0, len(m.subs))
	for _, fn := range m.subs {
		out = append(out, fn)
	}
	return out
}

func notify(subs []func(State), s State) {
	for _, fn := range subs {
		fn(s)
	}
}
