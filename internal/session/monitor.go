package session

import (
	"sync"
	"time"
)

// Monitor owns the two revalidation timers for a mounted protected route:
// a refresh timer that bumps the session while the page is visible, and a
// check timer that catches expiry while the route stays open. Both are
// torn down together by Stop.
type Monitor struct {
	mgr          *Manager
	refreshEvery time.Duration
	checkEvery   time.Duration

	onRefresh func(token string)
	onExpired func()

	mu      sync.Mutex
	token   string
	visible bool
	started bool
	stopped bool
	stop    chan struct{}
	done    chan struct{}
}

// NewMonitor arms a monitor for the given session token. onRefresh receives
// each re-issued token; onExpired fires once when the session lapses.
func NewMonitor(mgr *Manager, token string, refreshEvery, checkEvery time.Duration, onRefresh func(string), onExpired func()) *Monitor {
	if onRefresh == nil {
		onRefresh = func(string) {}
	}
	if onExpired == nil {
		onExpired = func() {}
	}
	return &Monitor{
		mgr:          mgr,
		refreshEvery: refreshEvery,
		checkEvery:   checkEvery,
		onRefresh:    onRefresh,
		onExpired:    onExpired,
		token:        token,
		visible:      true,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start launches the timer loop. Call Stop when the route unmounts.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()
	go m.loop()
}

func (m *Monitor) loop() {
	refresh := time.NewTicker(m.refreshEvery)
	check := time.NewTicker(m.checkEvery)
	defer refresh.Stop()
	defer check.Stop()
	defer close(m.done)
	for {
		select {
		case <-m.stop:
			return
		case <-refresh.C:
			m.refresh()
		case <-check.C:
			if !m.check() {
				return
			}
		}
	}
}

// refresh bumps the session, but only while the page is foreground-visible.
func (m *Monitor) refresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.visible || m.stopped {
		return
	}
	token, err := m.mgr.Refresh(m.token)
	if err != nil {
		return
	}
	m.token = token
	m.onRefresh(token)
}

// check re-runs the expiry check; returns false when the session lapsed
// and the monitor shut itself down.
func (m *Monitor) check() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return false
	}
	if _, err := m.mgr.Parse(m.token); err != nil {
		m.stopped = true
		close(m.stop)
		m.onExpired()
		return false
	}
	return true
}

// SetVisible records visibility. Regaining visibility re-runs the expiry
// check immediately, before the timers resume, so a session that lapsed
// while backgrounded is caught at the moment of return.
func (m *Monitor) SetVisible(visible bool) {
	m.mu.Lock()
	was := m.visible
	m.visible = visible
	m.mu.Unlock()
	if visible && !was {
		m.check()
	}
}

// Visible reports the last visibility state recorded.
func (m *Monitor) Visible() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.visible
}

// Token returns the current (possibly refreshed) token.
func (m *Monitor) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// Stop tears both timers down. Safe to call more than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.stopped {
		m.stopped = true
		close(m.stop)
	}
	started := m.started
	m.mu.Unlock()
	if started {
		<-m.done
	}
}
