package loop

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/thorio/pubsub"
)

var loopIDCounter atomic.Uint64

// registration is the bookkeeping kept per watched file descriptor.
type registration struct {
	events IOEvents
	sink   func(IOEvents)
}

// Loop is a single-threaded reactor: one goroutine calls Run, which fires
// expired timers, polls a platform readiness backend, and dispatches I/O
// readiness to registered sinks, in that order, once per tick. See the
// package doc for the concurrency model.
type Loop struct {
	id      uint64
	opts    *options
	backend pollerBackend
	state   runState

	regs     map[int]*registration
	timers   timerHeap
	timerSeq uint64

	wakeReadFd, wakeWriteFd int

	onStart *pubsub.Emitter[func()]
	onStop  *pubsub.Emitter[func()]

	currentPhase string

	// now is the coarse cached clock reading, refreshed once per tick by
	// refreshClock rather than re-reading time.Now on every Time() call,
	// per §3's "coarse cached timestamp refreshed each tick."
	now time.Time
}

// New constructs a Loop with its platform readiness backend initialized
// and its wake pipe registered. The loop does not start ticking until Run
// is called.
func New(opts ...Option) (*Loop, error) {
	cfg := resolveOptions(opts)

	backend := newPollerBackend()
	if err := backend.init(); err != nil {
		return nil, err
	}

	readFd, writeFd, err := createWakeFd()
	if err != nil {
		_ = backend.closeBackend()
		return nil, err
	}

	l := &Loop{
		id:          loopIDCounter.Add(1),
		opts:        cfg,
		backend:     backend,
		regs:        make(map[int]*registration),
		wakeReadFd:  readFd,
		wakeWriteFd: writeFd,
		onStart:     pubsub.New[func()](),
		onStop:      pubsub.New[func()](),
	}
	l.state.store(StateCreated)
	l.refreshClock()

	if err := backend.registerFD(readFd, EventRead); err != nil {
		_ = closeWakeFd(readFd, writeFd)
		_ = backend.closeBackend()
		return nil, err
	}

	return l, nil
}

var defaultLoop struct {
	once sync.Once
	loop *Loop
	err  error
}

// Default lazily constructs and returns a process-wide Loop using
// default options, a convenience for callers that want a single shared
// instance without threading one through every constructor.
func Default() (*Loop, error) {
	defaultLoop.once.Do(func() {
		defaultLoop.loop, defaultLoop.err = New()
	})
	return defaultLoop.loop, defaultLoop.err
}

// ID returns a process-unique identifier for this Loop, useful as a log
// correlation field.
func (l *Loop) ID() uint64 { return l.id }

// State reports the loop's current lifecycle state.
func (l *Loop) State() State { return l.state.load() }

// Register begins watching fd for the given interests; sink is invoked
// with the observed readiness each time fd becomes ready. Must be called
// from the loop goroutine.
func (l *Loop) Register(fd int, events IOEvents, sink func(IOEvents)) error {
	if sink == nil {
		return ErrFDNotRegistered
	}
	if _, ok := l.regs[fd]; ok {
		return ErrFDAlreadyRegistered
	}
	if err := l.backend.registerFD(fd, events); err != nil {
		return err
	}
	l.regs[fd] = &registration{events: events, sink: sink}
	return nil
}

// Unregister stops watching fd. Must be called from the loop goroutine.
func (l *Loop) Unregister(fd int) error {
	if _, ok := l.regs[fd]; !ok {
		return ErrFDNotRegistered
	}
	delete(l.regs, fd)
	return l.backend.unregisterFD(fd)
}

// UpdateInterests changes the watched event set for an already-registered
// fd, e.g. to implement write-backpressure (add EventWrite once a socket
// buffer is full, drop it again once drained).
func (l *Loop) UpdateInterests(fd int, events IOEvents) error {
	reg, ok := l.regs[fd]
	if !ok {
		return ErrFDNotRegistered
	}
	if err := l.backend.modifyFD(fd, events); err != nil {
		return err
	}
	reg.events = events
	return nil
}

// Time returns the loop's notion of the current time: a coarse value
// cached once per tick (refreshed by refreshClock at the top of Run's
// loop), per §3, rather than a fresh time.Now on every call. Code
// scheduling relative to "now" within a single tick sees a consistent
// value regardless of how long that tick's callbacks actually take.
func (l *Loop) Time() time.Time {
	return l.now
}

// refreshClock updates the cached clock reading returned by Time. Called
// once before the loop's first tick and again at the top of every
// subsequent tick.
func (l *Loop) refreshClock() {
	l.now = time.Now()
}

// Schedule arranges for fn to run once, after d has elapsed, on the loop
// goroutine. The returned handle cancels it.
func (l *Loop) Schedule(d time.Duration, fn func()) TimeoutHandle {
	return l.scheduleAfter(l.Time(), d, fn)
}

// ScheduleEvery arranges for fn to run repeatedly, every d, until the
// returned handle is cancelled.
func (l *Loop) ScheduleEvery(d time.Duration, fn func()) TimeoutHandle {
	return l.scheduleEvery(l.Time(), d, fn)
}

// OnStart registers a listener invoked once, synchronously, at the start
// of Run before the first tick.
func (l *Loop) OnStart(fn func()) pubsub.ListenerID {
	return l.onStart.On(fn)
}

// OnStop registers a listener invoked once, synchronously, after Run's
// final tick, whether it stopped via Stop or a callback panic.
func (l *Loop) OnStop(fn func()) pubsub.ListenerID {
	return l.onStop.On(fn)
}

func (l *Loop) dispatchReady(fd int, events IOEvents) {
	reg, ok := l.regs[fd]
	if !ok {
		return
	}
	l.runCallback("io", func() { reg.sink(events) })
}

// runCallback invokes fn, tagging any panic that escapes it with phase so
// Run's recover can attribute it in the resulting CallbackError.
func (l *Loop) runCallback(phase string, fn func()) {
	l.currentPhase = phase
	// The debug diagnostic measures real wall-clock elapsed time, not
	// Time()'s per-tick cached value, which would read zero regardless
	// of how long fn actually took.
	start := time.Now()
	fn()
	if l.opts.debugThreshold > 0 {
		if elapsed := time.Now().Sub(start); elapsed > l.opts.debugThreshold {
			logWarn(l.opts.logger, phase, "callback exceeded debug threshold", nil)
		}
	}
}

// closeResources releases the backend and wake fd and drops every
// registration and pending timer. Idempotent enough to call once
// regardless of whether Run ever actually ticked.
func (l *Loop) closeResources() {
	_ = l.backend.unregisterFD(l.wakeReadFd)
	_ = closeWakeFd(l.wakeReadFd, l.wakeWriteFd)
	_ = l.backend.closeBackend()
	l.regs = make(map[int]*registration)
	l.timers = nil
}

// Run drives the loop until Stop is called or a registered callback
// panics. It must be called from exactly one goroutine, and that
// goroutine owns Register/Unregister/Schedule/UpdateInterests for the
// lifetime of the call; only Stop may be called from elsewhere.
func (l *Loop) Run() error {
	if !l.state.compareAndSwap(StateCreated, StateRunning) {
		// Stop() was called before Run(): nothing ever ticked, but the
		// backend and wake fd from New() are still open.
		if l.state.load() == StateTerminated {
			l.closeResources()
			return ErrTerminated
		}
		return ErrAlreadyRunning
	}

	l.refreshClock()
	l.onStart.Emit(func(fn func()) { fn() })

	var callbackErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				callbackErr = &CallbackError{Phase: l.currentPhase, Value: r}
				l.state.store(StateTerminated)
			}
		}()
		for l.state.load() == StateRunning {
			l.refreshClock()
			now := l.Time()
			l.fireExpiredTimers(now)
			if l.state.load() != StateRunning {
				break
			}

			timeout := l.nextTimerDeadline(l.Time())
			if timeout < 0 && l.opts.precision > 0 {
				// No pending timer: still wake periodically at the
				// configured precision instead of blocking indefinitely,
				// per §4.1's "default precision if none", so Time()'s
				// cached value doesn't go stale across an arbitrarily
				// long idle wait.
				timeout = l.opts.precision
			}
			l.state.compareAndSwap(StateRunning, StateSleeping)
			if err := l.backend.poll(timeout, l.dispatchReady); err != nil {
				logError(l.opts.logger, "poll", "backend poll failed", err)
			}
			l.state.compareAndSwap(StateSleeping, StateRunning)
			drainWakeFd(l.wakeReadFd)
		}
	}()

	l.state.store(StateTerminated)
	l.closeResources()

	l.onStop.Emit(func(fn func()) { fn() })

	return callbackErr
}

// Stop requests the loop to terminate after its current tick. Unlike
// every other Loop method, Stop is safe to call from any goroutine: it
// flips loop state and writes to the wake fd to interrupt a blocked poll.
func (l *Loop) Stop() {
	for {
		cur := l.state.load()
		if cur == StateTerminated {
			return
		}
		if l.state.compareAndSwap(cur, StateTerminated) {
			signalWakeFd(l.wakeWriteFd)
			return
		}
	}
}
