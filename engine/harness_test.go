package engine

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sebas/yatelink/wire"
)

// fakeEngine plays the Yate side of the protocol over a pipe. Every
// dial hands the client a fresh pipe; lines the client writes land in
// the lines channel.
type fakeEngine struct {
	t     *testing.T
	lines chan string

	mu      sync.Mutex
	servers []net.Conn
}

func newFakeEngine(t *testing.T) *fakeEngine {
	return &fakeEngine{t: t, lines: make(chan string, 128)}
}

func (f *fakeEngine) dial() (net.Conn, error) {
	client, server := net.Pipe()
	f.mu.Lock()
	f.servers = append(f.servers, server)
	f.mu.Unlock()
	go func() {
		scanner := bufio.NewScanner(server)
		for scanner.Scan() {
			f.lines <- scanner.Text()
		}
	}()
	return client, nil
}

func (f *fakeEngine) conn() net.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.servers[len(f.servers)-1]
}

// send writes one protocol line to the client.
func (f *fakeEngine) send(line string) {
	f.t.Helper()
	_, err := f.conn().Write([]byte(line + "\n"))
	require.NoError(f.t, err)
}

// sendMsg encodes and sends a message frame.
func (f *fakeEngine) sendMsg(m *wire.Message) {
	f.t.Helper()
	f.send(m.Encode())
}

// expectLine returns the next line the client wrote.
func (f *fakeEngine) expectLine() string {
	f.t.Helper()
	select {
	case line := <-f.lines:
		return line
	case <-time.After(2 * time.Second):
		f.t.Fatal("timed out waiting for a line from the client")
		return ""
	}
}

// expectMsg decodes the next line as a message frame.
func (f *fakeEngine) expectMsg() *wire.Message {
	f.t.Helper()
	frame, err := wire.Decode(f.expectLine())
	require.NoError(f.t, err)
	m, ok := frame.(*wire.Message)
	require.True(f.t, ok, "expected a message frame")
	return m
}

// drainHandshake consumes the connect/uninstall/unwatch/install/watch
// sweep and answers every install and watch.
func (f *fakeEngine) drainHandshake() {
	f.t.Helper()
	total := 1 + 2*len(installedMessages) + 2*len(watchedMessages)
	var installs []string
	var watches []string
	for i := 0; i < total; i++ {
		line := f.expectLine()
		switch {
		case strings.HasPrefix(line, "%%>install:"):
			parts := strings.SplitN(line, ":", 3)
			installs = append(installs, parts[2])
		case strings.HasPrefix(line, "%%>watch:"):
			watches = append(watches, strings.TrimPrefix(line, "%%>watch:"))
		}
	}
	for _, name := range installs {
		f.send("%%<install:10:" + name + ":true")
	}
	for _, name := range watches {
		f.send("%%<watch:" + name + ":true")
	}
}

// newTestEngine builds an engine wired to a fake peer. mutate may
// adjust the config before construction.
func newTestEngine(t *testing.T, mutate func(*Config)) (*Engine, *fakeEngine) {
	t.Helper()
	fake := newFakeEngine(t)
	cfg := Config{
		Host:             "testhost",
		Port:             5039,
		DisableReconnect: true,
		dialer:           fake.dial,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	eng, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Destroy() })
	return eng, fake
}

// connectReady dials and completes the handshake.
func connectReady(t *testing.T, eng *Engine, fake *fakeEngine) {
	t.Helper()
	connected := make(chan struct{})
	sub := eng.On(EventConnected, func(Event) { close(connected) })
	defer sub.Remove()

	require.NoError(t, eng.Connect())
	fake.drainHandshake()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("handshake never completed")
	}
	require.True(t, eng.Ready())
}

// waitFor polls a condition, failing the test if it never holds.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
