package loop

import (
	"container/heap"
	"time"
)

// TimeoutHandle identifies a scheduled timer for cancellation. It remains
// valid (Cancel is a harmless no-op) after the timer has already fired.
type TimeoutHandle struct {
	entry *timerEntry
}

// Cancel prevents the timer from firing, if it hasn't already. Safe to
// call more than once, and from the loop goroutine only, like every other
// Loop method except Stop.
func (h TimeoutHandle) Cancel() {
	if h.entry != nil {
		h.entry.cancelled = true
	}
}

// timerEntry is the heap element. cancelled entries are left in place at
// cancel time and skipped when popped, avoiding an O(n) heap-internal
// search for amortized O(log n) cancellation.
type timerEntry struct {
	when      time.Time
	interval  time.Duration // > 0 for repeating timers, rescheduled on fire
	fn        func()
	cancelled bool
	seq       uint64 // insertion order, tiebreaks equal when values
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}
func (h timerHeap) Swap(i, j int)     { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)       { *h = append(*h, x.(*timerEntry)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// scheduleAfter inserts a one-shot timer firing at now+d.
func (l *Loop) scheduleAfter(now time.Time, d time.Duration, fn func()) TimeoutHandle {
	l.timerSeq++
	e := &timerEntry{when: now.Add(d), fn: fn, seq: l.timerSeq}
	heap.Push(&l.timers, e)
	return TimeoutHandle{entry: e}
}

// scheduleEvery inserts a repeating timer, first firing at now+d and every
// d thereafter until cancelled.
func (l *Loop) scheduleEvery(now time.Time, d time.Duration, fn func()) TimeoutHandle {
	l.timerSeq++
	e := &timerEntry{when: now.Add(d), interval: d, fn: fn, seq: l.timerSeq}
	heap.Push(&l.timers, e)
	return TimeoutHandle{entry: e}
}

// nextTimerDeadline reports how long until the next live timer is due, or
// -1 if there are none. Cancelled entries at the heap's root are popped
// and discarded as a side effect, so repeated calls make progress even if
// nothing ever fires.
func (l *Loop) nextTimerDeadline(now time.Time) time.Duration {
	for l.timers.Len() > 0 {
		next := l.timers[0]
		if next.cancelled {
			heap.Pop(&l.timers)
			continue
		}
		if d := next.when.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return -1
}

// fireExpiredTimers pops and runs every timer due at or before now,
// rescheduling repeating timers as it goes. Timers scheduled by a firing
// timer's own callback are not fired in the same pass, even with a zero
// delay: the pass stops at the first entry stamped after it began.
func (l *Loop) fireExpiredTimers(now time.Time) {
	lastSeq := l.timerSeq
	for l.timers.Len() > 0 {
		next := l.timers[0]
		if next.cancelled {
			heap.Pop(&l.timers)
			continue
		}
		if next.when.After(now) || next.seq > lastSeq {
			return
		}
		heap.Pop(&l.timers)
		fn := next.fn
		if next.interval > 0 && !next.cancelled {
			next.when = now.Add(next.interval)
			l.timerSeq++
			next.seq = l.timerSeq
			heap.Push(&l.timers, next)
		}
		l.runCallback("timer", fn)
	}
}
