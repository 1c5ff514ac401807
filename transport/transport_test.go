package transport

import (
	"bufio"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeDialer hands out the client end of a fresh pipe per dial and
// records the server ends.
type pipeDialer struct {
	mu      sync.Mutex
	servers []net.Conn
	dials   int
}

func (d *pipeDialer) dial() (net.Conn, error) {
	client, server := net.Pipe()
	d.mu.Lock()
	d.servers = append(d.servers, server)
	d.dials++
	d.mu.Unlock()
	return client, nil
}

func (d *pipeDialer) server(i int) net.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.servers[i]
}

func (d *pipeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func TestReadLines(t *testing.T) {
	d := &pipeDialer{}
	lines := make(chan string, 10)
	c := New(Config{
		Dialer: d.dial,
		OnLine: func(_ uint64, line string) { lines <- line },
	})
	defer c.Close()
	require.NoError(t, c.Dial())

	go d.server(0).Write([]byte("one\ntwo\n"))

	assert.Equal(t, "one", <-lines)
	assert.Equal(t, "two", <-lines)
}

func TestWriteGate(t *testing.T) {
	d := &pipeDialer{}
	c := New(Config{Dialer: d.dial})
	defer c.Close()
	require.NoError(t, c.Dial())

	got := make(chan string, 10)
	go func() {
		scanner := bufio.NewScanner(d.server(0))
		for scanner.Scan() {
			got <- scanner.Text()
		}
	}()

	// Unforced writes queue until ready; forced ones pass through.
	require.NoError(t, c.WriteLine("queued-1", false))
	require.NoError(t, c.WriteLine("forced", true))
	require.NoError(t, c.WriteLine("queued-2", false))

	assert.Equal(t, "forced", <-got)
	require.NoError(t, c.SetReady(true))
	assert.Equal(t, "queued-1", <-got)
	assert.Equal(t, "queued-2", <-got)

	require.NoError(t, c.WriteLine("direct", false))
	assert.Equal(t, "direct", <-got)
}

func TestDisconnectAndReconnect(t *testing.T) {
	d := &pipeDialer{}
	disconnected := make(chan uint64, 1)
	c := New(Config{
		ReconnectInterval: 10 * time.Millisecond,
		Dialer:            d.dial,
		OnDisconnect:      func(gen uint64, _ error) { disconnected <- gen },
	})
	defer c.Close()
	require.NoError(t, c.Dial())
	gen := c.Generation()

	d.server(0).Close()

	select {
	case g := <-disconnected:
		assert.Equal(t, gen, g)
	case <-time.After(time.Second):
		t.Fatal("no disconnect notification")
	}

	// The reconnect timer must have dialed a fresh socket.
	require.Eventually(t, func() bool { return d.dialCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, gen+1, c.Generation())
}

func TestRedialReplacesSocket(t *testing.T) {
	d := &pipeDialer{}
	var mu sync.Mutex
	var gens []uint64
	c := New(Config{
		Dialer:       d.dial,
		OnDisconnect: func(gen uint64, _ error) { mu.Lock(); gens = append(gens, gen); mu.Unlock() },
	})
	defer c.Close()

	require.NoError(t, c.Dial())
	require.NoError(t, c.Dial())
	assert.Equal(t, uint64(2), c.Generation())

	// The first socket's read loop died with a stale generation; it
	// must not surface as a disconnect of the live socket.
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, gens)
	mu.Unlock()
}

func TestClose(t *testing.T) {
	d := &pipeDialer{}
	c := New(Config{Dialer: d.dial})
	require.NoError(t, c.Dial())
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.WriteLine("x", true), ErrClosed)
	assert.ErrorIs(t, c.Dial(), ErrClosed)
	assert.ErrorIs(t, c.Close(), ErrClosed)
}
