package interaction

import "time"

// Clock abstracts ticker creation so countdown behavior is testable
// without real timers.
type Clock interface {
	NewTicker(d time.Duration) Ticker
}

// Ticker is the minimal surface of time.Ticker the countdown needs.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}

// RealClock backs the countdown with time.Ticker.
type RealClock struct{}

func (RealClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (r *realTicker) Chan() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()                  { r.t.Stop() }
