package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_AllowsUpToLimitThenBlocks(t *testing.T) {
	l := New(map[time.Duration]int{time.Second: 2})
	now := time.Unix(0, 0)

	ok, _ := l.Allow("origin-a", now)
	require.True(t, ok)
	ok, _ = l.Allow("origin-a", now.Add(10*time.Millisecond))
	require.True(t, ok)

	ok, wait := l.Allow("origin-a", now.Add(20*time.Millisecond))
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))
}

func TestLimiter_WindowSlidesOver(t *testing.T) {
	l := New(map[time.Duration]int{time.Second: 1})
	now := time.Unix(0, 0)

	ok, _ := l.Allow("x", now)
	require.True(t, ok)

	ok, _ = l.Allow("x", now.Add(500*time.Millisecond))
	require.False(t, ok)

	ok, _ = l.Allow("x", now.Add(1100*time.Millisecond))
	assert.True(t, ok)
}

func TestLimiter_CategoriesAreIndependent(t *testing.T) {
	l := New(map[time.Duration]int{time.Second: 1})
	now := time.Unix(0, 0)

	ok, _ := l.Allow("a", now)
	require.True(t, ok)
	ok, _ = l.Allow("b", now)
	require.True(t, ok)
}

func TestLimiter_NilRatesAlwaysAllows(t *testing.T) {
	var l *Limiter
	ok, wait := l.Allow("anything", time.Unix(0, 0))
	assert.True(t, ok)
	assert.Zero(t, wait)
}

func TestNew_PanicsOnNonMonotonicRates(t *testing.T) {
	assert.Panics(t, func() {
		New(map[time.Duration]int{
			time.Second: 10,
			time.Minute: 5,
		})
	})
}

func TestLimiter_Forget(t *testing.T) {
	l := New(map[time.Duration]int{time.Second: 1})
	now := time.Unix(0, 0)

	ok, _ := l.Allow("a", now)
	require.True(t, ok)
	ok, _ = l.Allow("a", now.Add(time.Millisecond))
	require.False(t, ok)

	l.Forget("a")
	ok, _ = l.Allow("a", now.Add(2*time.Millisecond))
	assert.True(t, ok)
}
