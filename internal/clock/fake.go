package clock

import (
	"sync"
	"time"
)

// Fake is a manually advanced clock for deterministic timing tests.
// Params: start time and Advance calls.
// Returns: Source whose tickers/timers fire only inside Advance.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
	timers  []*fakeTimer
}

// NewFake creates fake clock at start time.
// Params: initial wall-clock value.
// Returns: fake time source.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns current fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// NewTicker registers fake ticker firing every period.
func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	ticker := &fakeTicker{
		c:       make(chan time.Time),
		stopped: make(chan struct{}),
		period:  d,
		next:    f.now.Add(d),
	}
	f.tickers = append(f.tickers, ticker)
	return ticker
}

// NewTimer registers fake one-shot timer.
func (f *Fake) NewTimer(d time.Duration) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	timer := &fakeTimer{
		c:        make(chan time.Time),
		stopped:  make(chan struct{}),
		deadline: f.now.Add(d),
	}
	f.timers = append(f.timers, timer)
	return timer
}

// Advance moves time forward and fires due tickers/timers in chronological order.
// Each fire blocks until the receiver takes the value or the handle is stopped.
// Params: duration to advance.
// Returns: after all due events are delivered.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		fire, at := f.nextDueLocked(target)
		if fire == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		f.now = at
		f.mu.Unlock()
		fire(at)
	}
}

// nextDueLocked selects earliest pending event not later than target.
func (f *Fake) nextDueLocked(target time.Time) (func(time.Time), time.Time) {
	var (
		fire func(time.Time)
		at   time.Time
	)
	for _, ticker := range f.tickers {
		if ticker.isStopped() || ticker.next.After(target) {
			continue
		}
		if fire == nil || ticker.next.Before(at) {
			t := ticker
			at = t.next
			fire = func(now time.Time) {
				f.mu.Lock()
				t.next = t.next.Add(t.period)
				f.mu.Unlock()
				select {
				case t.c <- now:
				case <-t.stopped:
				}
			}
		}
	}
	for _, timer := range f.timers {
		if timer.fired || timer.isStopped() || timer.deadline.After(target) {
			continue
		}
		if fire == nil || timer.deadline.Before(at) {
			tm := timer
			at = tm.deadline
			fire = func(now time.Time) {
				f.mu.Lock()
				tm.fired = true
				f.mu.Unlock()
				select {
				case tm.c <- now:
				case <-tm.stopped:
				}
			}
		}
	}
	return fire, at
}

type fakeTicker struct {
	c        chan time.Time
	stopped  chan struct{}
	stopOnce sync.Once
	period   time.Duration
	next     time.Time
}

func (t *fakeTicker) C() <-chan time.Time { return t.c }

func (t *fakeTicker) Stop() {
	t.stopOnce.Do(func() { close(t.stopped) })
}

func (t *fakeTicker) isStopped() bool {
	select {
	case <-t.stopped:
		return true
	default:
		return false
	}
}

type fakeTimer struct {
	c        chan time.Time
	stopped  chan struct{}
	stopOnce sync.Once
	deadline time.Time
	fired    bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.c }

func (t *fakeTimer) Stop() bool {
	active := !t.isStopped()
	t.stopOnce.Do(func() { close(t.stopped) })
	return active
}

func (t *fakeTimer) isStopped() bool {
	select {
	case <-t.stopped:
		return true
	default:
		return false
	}
}
