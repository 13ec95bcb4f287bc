package loop

import (
	"container/heap"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerHeap_OrdersByDeadline(t *testing.T) {
	var h timerHeap
	base := time.Unix(0, 0)
	heap.Init(&h)
	heap.Push(&h, &timerEntry{when: base.Add(30 * time.Millisecond)})
	heap.Push(&h, &timerEntry{when: base.Add(10 * time.Millisecond)})
	heap.Push(&h, &timerEntry{when: base.Add(20 * time.Millisecond)})

	var order []time.Duration
	for h.Len() > 0 {
		e := heap.Pop(&h).(*timerEntry)
		order = append(order, e.when.Sub(base))
	}
	require.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond}, order)
}

func TestLoop_NextTimerDeadlineSkipsCancelled(t *testing.T) {
	l := &Loop{}
	now := time.Unix(0, 0)

	h1 := l.scheduleAfter(now, 10*time.Millisecond, func() {})
	l.scheduleAfter(now, 20*time.Millisecond, func() {})
	h1.Cancel()

	d := l.nextTimerDeadline(now)
	assert.Equal(t, 20*time.Millisecond, d)
}

func TestLoop_NextTimerDeadlineNoTimersIsNegative(t *testing.T) {
	l := &Loop{}
	assert.Equal(t, time.Duration(-1), l.nextTimerDeadline(time.Unix(0, 0)))
}

func TestLoop_FireExpiredTimersRunsDueOnesInOrder(t *testing.T) {
	l := &Loop{opts: &options{logger: NewNoOpLogger()}}
	now := time.Unix(0, 0)

	var order []int
	l.scheduleAfter(now, 10*time.Millisecond, func() { order = append(order, 1) })
	l.scheduleAfter(now, 5*time.Millisecond, func() { order = append(order, 2) })

	l.fireExpiredTimers(now.Add(15 * time.Millisecond))
	assert.Equal(t, []int{2, 1}, order)
	assert.Equal(t, 0, l.timers.Len())
}

func TestLoop_RepeatingTimerReschedules(t *testing.T) {
	l := &Loop{opts: &options{logger: NewNoOpLogger()}}
	now := time.Unix(0, 0)

	fires := 0
	l.scheduleEvery(now, 10*time.Millisecond, func() { fires++ })

	l.fireExpiredTimers(now.Add(10 * time.Millisecond))
	assert.Equal(t, 1, fires)
	require.Equal(t, 1, l.timers.Len())
	assert.Equal(t, now.Add(20*time.Millisecond), l.timers[0].when)
}
