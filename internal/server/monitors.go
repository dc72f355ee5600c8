package server

import (
	"log"
	"sync"

	"taxbridge/internal/config"
	"taxbridge/internal/session"
)

// monitorSet tracks one session monitor per verified phone. A monitor is
// armed at verification, follows visibility reports, and is torn down on
// logout or when its session lapses.
type monitorSet struct {
	mu      sync.Mutex
	byPhone map[string]*session.Monitor
}

func newMonitorSet() *monitorSet {
	return &monitorSet{byPhone: map[string]*session.Monitor{}}
}

func (ms *monitorSet) open(phone, token string, mgr *session.Manager, cfg *config.Config, logger *log.Logger) {
	ms.mu.Lock()
	if prev, ok := ms.byPhone[phone]; ok {
		delete(ms.byPhone, phone)
		ms.mu.Unlock()
		prev.Stop()
		ms.mu.Lock()
	}
	mon := session.NewMonitor(mgr, token, cfg.RefreshInterval(), cfg.CheckInterval(),
		nil,
		func() {
			if logger != nil {
				logger.Printf("session for %s lapsed; monitor shut down", phone)
			}
			ms.mu.Lock()
			delete(ms.byPhone, phone)
			ms.mu.Unlock()
		})
	ms.byPhone[phone] = mon
	ms.mu.Unlock()
	mon.Start()
}

func (ms *monitorSet) setVisible(phone string, visible bool) {
	ms.mu.Lock()
	mon := ms.byPhone[phone]
	ms.mu.Unlock()
	if mon != nil {
		mon.SetVisible(visible)
	}
}

func (ms *monitorSet) visible(phone string) bool {
	ms.mu.Lock()
	mon := ms.byPhone[phone]
	ms.mu.Unlock()
	if mon == nil {
		return false
	}
	return mon.Visible()
}

func (ms *monitorSet) close(phone string) {
	ms.mu.Lock()
	mon := ms.byPhone[phone]
	delete(ms.byPhone, phone)
	ms.mu.Unlock()
	if mon != nil {
		mon.Stop()
	}
}
