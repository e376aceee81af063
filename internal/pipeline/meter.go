package pipeline

import "time"

// Meter counts events in fixed one second windows. It is purely
// observational and not safe for concurrent use; callers guard it with the
// lock that already serializes their processing.
type Meter struct {
	count       int
	windowStart time.Time
}

func NewMeter(now time.Time) *Meter {
	return &Meter{windowStart: now}
}

// Tick records one event at now. When at least a second passed since the
// window started it returns the number of events in the window, including
// this one, and starts a new window.
func (m *Meter) Tick(now time.Time) (int, bool) {
	if m.windowStart.IsZero() {
		m.windowStart = now
	}
	m.count++
	if now.Sub(m.windowStart) < time.Second {
		return 0, false
	}
	n := m.count
	m.count = 0
	m.windowStart = now
	return n, true
}
