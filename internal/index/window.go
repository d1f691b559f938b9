package index

import (
	"sync"
	"time"

	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/model"
)

// SignalWindow maintains a per-service deque of recent signals with
// garbage collection. Index computation always reads from here rather
// than the durable signal store, so a pass only sees the configured
// window.
type SignalWindow struct {
	mu       sync.RWMutex
	services map[string]*serviceBuffer
	maxAge   time.Duration
	gcTicker *time.Ticker
	stopGC   chan struct{}
}

type serviceBuffer struct {
	mu      sync.RWMutex
	signals []model.Signal
}

// NewSignalWindow creates a window retaining signals up to maxAge old.
func NewSignalWindow(maxAge time.Duration) *SignalWindow {
	return &SignalWindow{
		services: make(map[string]*serviceBuffer),
		maxAge:   maxAge,
	}
}

// StartGC starts periodic eviction of expired signals.
func (w *SignalWindow) StartGC(interval time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.gcTicker != nil {
		return
	}
	w.gcTicker = time.NewTicker(interval)
	w.stopGC = make(chan struct{})
	go w.gcLoop(w.gcTicker, w.stopGC)
}

// StopGC stops the eviction routine.
func (w *SignalWindow) StopGC() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.gcTicker != nil {
		w.gcTicker.Stop()
		w.gcTicker = nil
	}
	if w.stopGC != nil {
		close(w.stopGC)
		w.stopGC = nil
	}
}

// Add appends a signal to its service buffer.
func (w *SignalWindow) Add(sig model.Signal) {
	if sig.ServiceID == "" {
		return
	}

	w.mu.Lock()
	buf, ok := w.services[sig.ServiceID]
	if !ok {
		buf = &serviceBuffer{}
		w.services[sig.ServiceID] = buf
	}
	w.mu.Unlock()

	buf.mu.Lock()
	buf.signals = append(buf.signals, sig)
	buf.mu.Unlock()
}

// Recent returns all signals for a service detected within the window,
// most recent first.
func (w *SignalWindow) Recent(serviceID string, within time.Duration, now time.Time) []model.Signal {
	if serviceID == "" {
		return nil
	}

	w.mu.RLock()
	buf, ok := w.services[serviceID]
	w.mu.RUnlock()
	if !ok {
		return nil
	}

	cutoff := now.Add(-within)

	buf.mu.RLock()
	defer buf.mu.RUnlock()

	var out []model.Signal
	for i := len(buf.signals) - 1; i >= 0; i-- {
		if buf.signals[i].DetectedAt.Before(cutoff) {
			continue
		}
		out = append(out, buf.signals[i])
	}
	return out
}

// RecentByCategory filters Recent by signal category.
func (w *SignalWindow) RecentByCategory(serviceID string, category model.SignalCategory, within time.Duration, now time.Time) []model.Signal {
	var out []model.Signal
	for _, sig := range w.Recent(serviceID, within, now) {
		if sig.Category == category {
			out = append(out, sig)
		}
	}
	return out
}

// GC drops signals older than the window's max age.
func (w *SignalWindow) GC(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.maxAge)
	for serviceID, buf := range w.services {
		buf.mu.Lock()
		var kept []model.Signal
		for _, sig := range buf.signals {
			if sig.DetectedAt.After(cutoff) {
				kept = append(kept, sig)
			}
		}
		buf.signals = kept
		buf.mu.Unlock()

		if len(kept) == 0 {
			delete(w.services, serviceID)
		}
	}
}

// Stats returns buffer occupancy for observability.
func (w *SignalWindow) Stats() (services int, signals int) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	for _, buf := range w.services {
		buf.mu.RLock()
		signals += len(buf.signals)
		buf.mu.RUnlock()
	}
	return len(w.services), signals
}

func (w *SignalWindow) gcLoop(ticker *time.Ticker, stop chan struct{}) {
	for {
		select {
		case <-ticker.C:
			w.GC(time.Now())
		case <-stop:
			return
		}
	}
}
