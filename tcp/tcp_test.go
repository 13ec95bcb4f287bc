package tcp_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/thorio/loop"
	"github.com/joeycumines/thorio/tcp"
)

func runLoop(t *testing.T, l *loop.Loop) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- l.Run() }()
	t.Cleanup(func() {
		l.Stop()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("loop did not stop")
		}
	})
}

func TestServerAndClient_EchoRoundTrip(t *testing.T) {
	l, err := loop.New()
	require.NoError(t, err)

	var srv *tcp.Server
	connected := make(chan struct{})
	received := make(chan []byte, 1)

	l.Schedule(0, func() {
		var lerr error
		srv, lerr = tcp.Listen(l, "127.0.0.1:0", tcp.ListenOptions{ReuseAddr: true})
		require.NoError(t, lerr)

		srv.OnConnection(func(c *tcp.Connection) {
			c.OnData(func(data []byte) {
				assert.NoError(t, c.Write(data))
			})
			require.NoError(t, c.Pause(false))
		})

		_, lerr = tcp.Connect(l, srv.Addr().String(), func(c *tcp.Connection, derr error) {
			require.NoError(t, derr)
			c.OnData(func(data []byte) {
				received <- data
			})
			require.NoError(t, c.Pause(false))
			assert.NoError(t, c.Write([]byte("ping")))
			close(connected)
		})
		require.NoError(t, lerr)
	})

	runLoop(t, l)

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
	}

	select {
	case data := <-received:
		assert.Equal(t, "ping", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("never received echo")
	}
}

func TestConnect_RefusedConnection(t *testing.T) {
	l, err := loop.New()
	require.NoError(t, err)

	errCh := make(chan error, 1)
	l.Schedule(0, func() {
		// Bind and immediately close to free the port but make refusal likely.
		srv, lerr := tcp.Listen(l, "127.0.0.1:0", tcp.ListenOptions{})
		require.NoError(t, lerr)
		addr := srv.Addr().String()
		require.NoError(t, srv.Close())

		_, lerr = tcp.Connect(l, addr, func(c *tcp.Connection, derr error) {
			errCh <- derr
		})
		require.NoError(t, lerr)
	})

	runLoop(t, l)

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("never got connect result")
	}
}

func TestConnection_StartsReadPausedUntilResumed(t *testing.T) {
	l, err := loop.New()
	require.NoError(t, err)

	dataCount := make(chan int, 8)

	l.Schedule(0, func() {
		srv, lerr := tcp.Listen(l, "127.0.0.1:0", tcp.ListenOptions{ReuseAddr: true})
		require.NoError(t, lerr)

		srv.OnConnection(func(c *tcp.Connection) {
			// Deliberately left read-paused for a moment before resuming,
			// exercising the construction-state contract from §4.2.3.
			l.Schedule(20*time.Millisecond, func() {
				require.NoError(t, c.Pause(false))
			})
			n := 0
			c.OnData(func(data []byte) {
				n += len(data)
				dataCount <- n
			})
		})

		_, lerr = tcp.Connect(l, srv.Addr().String(), func(c *tcp.Connection, derr error) {
			require.NoError(t, derr)
			require.NoError(t, c.Pause(false))
			assert.NoError(t, c.Write([]byte("hello")))
		})
		require.NoError(t, lerr)
	})

	runLoop(t, l)

	select {
	case n := <-dataCount:
		assert.Equal(t, 5, n)
	case <-time.After(3 * time.Second):
		t.Fatal("paused connection never resumed delivery")
	}
}

func TestConnection_WriteBackpressureSignalsPause(t *testing.T) {
	l, err := loop.New()
	require.NoError(t, err)

	pauseEvents := make(chan bool, 8)

	l.Schedule(0, func() {
		srv, lerr := tcp.Listen(l, "127.0.0.1:0", tcp.ListenOptions{ReuseAddr: true})
		require.NoError(t, lerr)

		srv.OnConnection(func(c *tcp.Connection) {
			// Never resumed: the peer's kernel receive buffer fills,
			// backing up our send buffer past the high-water mark.
		})

		_, lerr = tcp.Connect(l, srv.Addr().String(), func(c *tcp.Connection, derr error) {
			require.NoError(t, derr)
			c.OnPause(func(p bool) { pauseEvents <- p })
			big := make([]byte, 4<<20)
			require.NoError(t, c.Write(big))
		})
		require.NoError(t, lerr)
	})

	runLoop(t, l)

	select {
	case p := <-pauseEvents:
		assert.True(t, p)
	case <-time.After(3 * time.Second):
		t.Fatal("never observed write backpressure pause(true)")
	}
}
