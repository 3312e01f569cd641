// Package timectrl drives the TTI clock of a scheduling session.
package timectrl

import (
	"context"
	"sync"
	"time"

	"github.com/signalsfoundry/enb-scheduler/model"
)

// TTIDuration is the length of one LTE subframe.
const TTIDuration = time.Millisecond

// TTIClock gives components read access to the current TTI without tying
// them to a concrete controller.
type TTIClock interface {
	Now() uint32
}

// Mode describes how the controller advances TTIs.
type Mode int

const (
	// RealTime advances one TTI per Tick of wall-clock time.
	RealTime Mode = iota
	// Accelerated advances as quickly as the listeners return.
	Accelerated
)

// ParseMode maps "realtime" and "accelerated" to a Mode.
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "realtime", "real-time":
		return RealTime, true
	case "accelerated", "":
		return Accelerated, true
	}
	return 0, false
}

func (m Mode) String() string {
	if m == RealTime {
		return "realtime"
	}
	return "accelerated"
}

// TTIController steps the TTI counter and notifies registered listeners on
// every step. The counter wraps at model.NofTTIs.
type TTIController struct {
	mu    sync.RWMutex
	Start uint32
	Tick  time.Duration
	Mode  Mode

	current   uint32
	delivered bool // current has been handed to listeners
	listeners []func(ctx context.Context, tti uint32)
}

// NewTTIController constructs a controller whose first TTI is start. A zero
// tick defaults to TTIDuration.
func NewTTIController(start uint32, tick time.Duration, mode Mode) *TTIController {
	if tick <= 0 {
		tick = TTIDuration
	}
	start %= model.NofTTIs
	return &TTIController{
		Start:   start,
		Tick:    tick,
		Mode:    mode,
		current: start,
	}
}

// Now returns the last TTI handed to listeners, or the next one before any
// has been delivered.
func (tc *TTIController) Now() uint32 {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.current
}

// SetTTI makes tti the next TTI to be delivered.
func (tc *TTIController) SetTTI(tti uint32) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.current = tti % model.NofTTIs
	tc.delivered = false
}

// AddListener registers a callback invoked once per TTI, in registration order.
func (tc *TTIController) AddListener(fn func(ctx context.Context, tti uint32)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Run delivers nofTTIs consecutive TTIs, or runs until ctx is done when
// nofTTIs is zero. A second Run continues where the first stopped. It returns
// the number of TTIs delivered.
func (tc *TTIController) Run(ctx context.Context, nofTTIs uint64) uint64 {
	var ticker *time.Ticker
	if tc.Mode == RealTime {
		ticker = time.NewTicker(tc.Tick)
		defer ticker.Stop()
	}

	tc.mu.Lock()
	tti := tc.current
	next := tc.delivered
	listeners := append([]func(context.Context, uint32){}, tc.listeners...)
	tc.mu.Unlock()

	var n uint64
	for nofTTIs == 0 || n < nofTTIs {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return n
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return n
		}

		if next {
			tti = model.TTIAdd(tti, 1)
		}
		next = true
		tc.mu.Lock()
		tc.current = tti
		tc.delivered = true
		tc.mu.Unlock()

		for _, fn := range listeners {
			fn(ctx, tti)
		}
		n++
	}
	return n
}

// StartAsync runs the controller in a separate goroutine. The returned
// channel receives the number of delivered TTIs and is then closed.
func (tc *TTIController) StartAsync(ctx context.Context, nofTTIs uint64) <-chan uint64 {
	done := make(chan uint64, 1)
	go func() {
		defer close(done)
		done <- tc.Run(ctx, nofTTIs)
	}()
	return done
}
