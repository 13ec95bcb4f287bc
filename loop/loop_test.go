package loop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoop_ScheduleFires(t *testing.T) {
	l, err := New(WithPrecision(time.Millisecond))
	require.NoError(t, err)

	fired := false
	l.Schedule(10*time.Millisecond, func() {
		fired = true
		l.Stop()
	})

	require.NoError(t, l.Run())
	assert.True(t, fired)
	assert.Equal(t, StateTerminated, l.State())
}

func TestLoop_ScheduleEveryRepeatsUntilCancelled(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	count := 0
	var handle TimeoutHandle
	handle = l.ScheduleEvery(5*time.Millisecond, func() {
		count++
		if count == 3 {
			handle.Cancel()
			l.Schedule(15*time.Millisecond, func() { l.Stop() })
		}
	})

	require.NoError(t, l.Run())
	assert.Equal(t, 3, count)
}

func TestLoop_CancelBeforeFireNeverRuns(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	ran := false
	handle := l.Schedule(20*time.Millisecond, func() { ran = true })
	handle.Cancel()
	l.Schedule(25*time.Millisecond, func() { l.Stop() })

	require.NoError(t, l.Run())
	assert.False(t, ran)
}

func TestLoop_StopBeforeRunTerminatesImmediately(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	l.Stop()
	err = l.Run()
	assert.ErrorIs(t, err, ErrTerminated)
}

func TestLoop_StopFromAnotherGoroutine(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		l.Stop()
	}()

	start := time.Now()
	require.NoError(t, l.Run())
	assert.Less(t, time.Since(start), time.Second)
}

func TestLoop_CallbackPanicTerminatesWithCallbackError(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	l.Schedule(time.Millisecond, func() {
		panic("boom")
	})

	err = l.Run()
	require.Error(t, err)
	var cbErr *CallbackError
	require.ErrorAs(t, err, &cbErr)
	assert.Equal(t, "timer", cbErr.Phase)
	assert.Equal(t, "boom", cbErr.Value)
}

func TestLoop_OnStartAndOnStopFireOnce(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	var startCount, stopCount int
	l.OnStart(func() { startCount++ })
	l.OnStop(func() { stopCount++ })
	l.Schedule(time.Millisecond, func() { l.Stop() })

	require.NoError(t, l.Run())
	assert.Equal(t, 1, startCount)
	assert.Equal(t, 1, stopCount)
}

func TestLoop_RunTwiceReturnsAlreadyRunning(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		l.Schedule(20*time.Millisecond, func() { l.Stop() })
		_ = l.Run()
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	assert.ErrorIs(t, l.Run(), ErrAlreadyRunning)
	<-done
}
