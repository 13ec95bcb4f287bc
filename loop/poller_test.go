package loop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIOEvents_String(t *testing.T) {
	assert.Equal(t, "-", IOEvents(0).String())
	assert.Equal(t, "R", EventRead.String())
	assert.Equal(t, "RW", (EventRead | EventWrite).String())
	assert.Equal(t, "RWEH", (EventRead | EventWrite | EventError | EventHangup).String())
}

func TestDurationToPollMillis(t *testing.T) {
	assert.Equal(t, -1, durationToPollMillis(-time.Second))
	assert.Equal(t, 0, durationToPollMillis(0))
	assert.Equal(t, 1, durationToPollMillis(time.Microsecond))
	assert.Equal(t, 100, durationToPollMillis(100*time.Millisecond))
	assert.Equal(t, 101, durationToPollMillis(100*time.Millisecond+1))
}
