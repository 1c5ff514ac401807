// Package engine implements the client side of the Yate external
// module interface: the long-lived session with its install/watch
// handshake, message dispatch and reply correlation, per-channel event
// fan-out, user and carrier registries, and the call-processing
// Channel and IVR state machines built on top of them.
package engine

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sebas/yatelink/store"
	"github.com/sebas/yatelink/transport"
	"github.com/sebas/yatelink/wire"
)

// Defaults applied by New.
const (
	DefaultReconnectInterval = 5 * time.Second
	DefaultAuthTimeout       = 5 * time.Second
	DefaultCallTimeout       = 2 * time.Hour
	DefaultCallSetupTimeout  = 70 * time.Second

	userSweepInterval = 30 * time.Second
)

// Config configures an Engine. Port is required; everything else has a
// usable default.
type Config struct {
	Host string // engine host, default "localhost"
	Port int    // extmodule listener port, required

	// ReconnectInterval is the delay before re-dialing a lost socket.
	// DisableReconnect switches re-dialing off entirely.
	ReconnectInterval time.Duration
	DisableReconnect  bool

	// Authenticator answers user.auth requests; see SetAuthenticator.
	Authenticator Authenticator
	AuthTimeout   time.Duration

	// CallTimeout caps call duration, CallSetupTimeout the time until
	// answer. Both can be overridden per destination.
	CallTimeout      time.Duration
	CallSetupTimeout time.Duration

	// AllowUnregistered accepts every user.auth without consulting the
	// authenticator.
	AllowUnregistered bool

	// DisableRTPForward stops the session from offering rtp_forward=yes
	// on routes where the engine reported it possible.
	DisableRTPForward bool

	Logger *slog.Logger

	// Metrics registers the engine's Prometheus collectors; nil leaves
	// them unregistered.
	Metrics prometheus.Registerer

	// dialer overrides the TCP dial, used by tests.
	dialer func() (net.Conn, error)
}

func (cfg *Config) withDefaults() Config {
	out := *cfg
	if out.Host == "" {
		out.Host = "localhost"
	}
	if out.ReconnectInterval == 0 {
		out.ReconnectInterval = DefaultReconnectInterval
	}
	if out.AuthTimeout == 0 {
		out.AuthTimeout = DefaultAuthTimeout
	}
	if out.CallTimeout == 0 {
		out.CallTimeout = DefaultCallTimeout
	}
	if out.CallSetupTimeout == 0 {
		out.CallSetupTimeout = DefaultCallSetupTimeout
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// installEntry is one message the session installs a handler for.
type installEntry struct {
	name     string
	priority int
}

var installedMessages = []installEntry{
	{name: "call.route", priority: 10},
	{name: "user.auth", priority: 10},
	{name: "user.register", priority: 10},
}

var watchedMessages = []string{
	"call.execute",
	"user.login",
	"user.unregister",
	"user.notify",
	"chan.connected",
	"chan.hangup",
	"chan.notify",
	"chan.dtmf",
}

// Engine is one client session on the extmodule interface. A single
// mutex guards all session state; subscriber callbacks always run
// outside it, and ordering is preserved because the transport delivers
// frames from one goroutine.
type Engine struct {
	cfg Config
	log *slog.Logger
	met *metrics
	tr  *transport.Conn

	users *store.TTLStore[string, *wire.Message]

	mu        sync.Mutex
	destroyed bool
	ready     bool
	sockGen   uint64
	confirms  int
	seq       uint64
	auth      Authenticator
	subs      map[EventType][]*Sub
	chanSubs  map[chanKey][]*chanBinding
	pending   map[string]func(*wire.Message)
	carriers  map[string]*Carrier
	channels  map[string]*Channel
	outgoing  map[string]*outgoingCall
}

// New validates the configuration and builds an engine. No connection
// is attempted until Connect.
func New(cfg Config) (*Engine, error) {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPort, cfg.Port)
	}
	cfg = cfg.withDefaults()

	e := &Engine{
		cfg:      cfg,
		log:      cfg.Logger,
		met:      newMetrics(cfg.Metrics),
		auth:     cfg.Authenticator,
		subs:     make(map[EventType][]*Sub),
		chanSubs: make(map[chanKey][]*chanBinding),
		pending:  make(map[string]func(*wire.Message)),
		carriers: make(map[string]*Carrier),
		channels: make(map[string]*Channel),
		outgoing: make(map[string]*outgoingCall),
	}
	e.users = store.New(userSweepInterval, func(username string, m *wire.Message) {
		e.emit(Event{Type: EventUserExpired, Name: username, Message: m})
	})

	reconnect := cfg.ReconnectInterval
	if cfg.DisableReconnect {
		reconnect = 0
	}
	e.tr = transport.New(transport.Config{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		ReconnectInterval: reconnect,
		Logger:            cfg.Logger,
		OnConnect:         e.onSocketConnect,
		OnLine:            e.onLine,
		OnDisconnect:      e.onSocketDisconnect,
		Dialer:            cfg.dialer,
	})
	return e, nil
}

// Connect dials the engine and starts the handshake. When reconnecting
// is enabled a failed dial arms the retry timer before returning the
// dial error.
func (e *Engine) Connect() error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return ErrDestroyed
	}
	e.mu.Unlock()
	return e.tr.Dial()
}

// Ready reports whether the socket is up and the handshake completed.
func (e *Engine) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

// SetAuthenticator replaces the user.auth policy function.
func (e *Engine) SetAuthenticator(fn Authenticator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.auth = fn
}

// Destroy tears the session down for good: the socket is closed, the
// reconnect, user-sweep, outgoing-call and channel duration timers are
// canceled and a final disconnected event emitted. IVR tone timers and
// in-flight authenticator deadlines are not canceled; their later
// dispatches fail with ErrDestroyed. The engine is unusable afterwards.
func (e *Engine) Destroy() error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return ErrDestroyed
	}
	e.destroyed = true
	e.ready = false
	for _, oc := range e.outgoing {
		oc.timer.Stop()
	}
	e.outgoing = make(map[string]*outgoingCall)
	for _, ch := range e.channels {
		if ch.timer != nil {
			ch.timer.Stop()
			ch.timer = nil
		}
	}
	e.pending = make(map[string]func(*wire.Message))
	e.mu.Unlock()

	e.tr.Close()
	e.users.Close()
	e.emit(Event{Type: EventDisconnected})
	return nil
}

// dispatch encodes and writes one message. Forced messages bypass the
// pre-initialization write gate (handshake housekeeping only).
func (e *Engine) dispatch(m *wire.Message, force bool) error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return ErrDestroyed
	}
	if m.ID == "" {
		e.seq++
		m.ID = "ylink." + strconv.FormatUint(e.seq, 10)
	}
	e.mu.Unlock()

	line := m.Encode()
	err := e.tr.WriteLine(line, force)
	if err != nil {
		e.emitError(fmt.Errorf("dispatch %s: %w", m.Name, err))
		return err
	}
	e.met.linesOut.Inc()
	e.emit(Event{Type: EventSendLine, Line: line})
	return nil
}

// dispatchWithReply dispatches a request and invokes fn with the
// engine's eventual reply frame. Pending callbacks do not survive a
// socket loss.
func (e *Engine) dispatchWithReply(m *wire.Message, fn func(*wire.Message)) error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return ErrDestroyed
	}
	if m.ID == "" {
		e.seq++
		m.ID = "ylink." + strconv.FormatUint(e.seq, 10)
	}
	e.pending[m.ID] = fn
	e.mu.Unlock()

	err := e.dispatch(m, false)
	if err != nil {
		e.mu.Lock()
		delete(e.pending, m.ID)
		e.mu.Unlock()
	}
	return err
}

// reply answers an engine request. Only the reserved attributes of the
// original are reused; extras become the reply's parameters, with the
// "$retvalue" key routed into the return value field.
func (e *Engine) reply(orig *wire.Message, processed bool, extras []wire.Param) error {
	r := orig.NewReply(processed)
	for _, p := range extras {
		if p.Key == "$retvalue" {
			r.RetValue = p.Value
			continue
		}
		r.Set(p.Key, p.Value)
	}
	return e.dispatch(r, false)
}

// onSocketConnect runs the handshake for a fresh socket: the connect
// line, a clean uninstall/unwatch sweep, then the install and watch
// requests whose confirmations gate readiness.
func (e *Engine) onSocketConnect(gen uint64) {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	e.sockGen = gen
	e.confirms = 0
	e.ready = false
	e.mu.Unlock()

	e.met.connects.Inc()
	e.emit(Event{Type: EventConnect})

	write := func(line string) {
		if err := e.tr.WriteLine(line, true); err != nil {
			e.emitError(fmt.Errorf("handshake write: %w", err))
			return
		}
		e.emit(Event{Type: EventSendLine, Line: line})
	}
	write(wire.EncodeConnect("global"))
	for _, in := range installedMessages {
		write(wire.EncodeUninstall(in.name))
	}
	for _, name := range watchedMessages {
		write(wire.EncodeUnwatch(name))
	}
	for _, in := range installedMessages {
		write(wire.EncodeInstall(in.name, in.priority))
	}
	for _, name := range watchedMessages {
		write(wire.EncodeWatch(name))
	}
}

// onSocketDisconnect reacts to a lost socket: readiness drops, pending
// reply correlation is abandoned and every carrier is marked inactive.
func (e *Engine) onSocketDisconnect(gen uint64, err error) {
	e.mu.Lock()
	if e.destroyed || gen != e.sockGen {
		e.mu.Unlock()
		return
	}
	e.ready = false
	e.pending = make(map[string]func(*wire.Message))
	for _, c := range e.carriers {
		c.Active = false
	}
	e.mu.Unlock()

	e.emit(Event{Type: EventDisconnected, Err: err})
}

// onLine decodes and routes one received line. Errors never escape:
// a bad frame is reported and dropped.
func (e *Engine) onLine(gen uint64, line string) {
	e.met.linesIn.Inc()
	e.emit(Event{Type: EventRecvLine, Line: line})

	frame, err := wire.Decode(line)
	if err != nil {
		e.emitError(fmt.Errorf("decode: %w", err))
		return
	}
	switch f := frame.(type) {
	case wire.Ignored:
		e.emit(Event{Type: EventSuppressLine, Line: line})
	case *wire.InstallReply:
		e.handleConfirm(gen, EventInstallConfirm, f.Name, f.Success)
	case *wire.WatchReply:
		e.handleConfirm(gen, EventWatchConfirm, f.Name, f.Success)
	case *wire.Message:
		e.handleMessage(f)
	}
}

// handleConfirm counts install/watch confirmations toward the
// readiness gate. Confirmations for a replaced socket are discarded,
// which also releases a stale gate's counter.
func (e *Engine) handleConfirm(gen uint64, typ EventType, name string, success bool) {
	e.mu.Lock()
	if e.destroyed || gen != e.sockGen {
		e.mu.Unlock()
		return
	}
	e.confirms++
	becameReady := e.confirms == len(installedMessages)+len(watchedMessages)
	if becameReady {
		e.ready = true
	}
	e.mu.Unlock()

	if !success {
		e.emitError(fmt.Errorf("engine refused %s of %s", typ, name))
	}
	e.emit(Event{Type: typ, Name: name})

	if becameReady {
		e.tr.SetReady(true)
		e.log.Info("[Engine] Session ready", "installs", len(installedMessages), "watches", len(watchedMessages))
		e.emit(Event{Type: EventConnected})
		e.replayCarriers()
	}
}

// handleMessage routes a decoded message frame. Replies are correlated
// to their pending request first; everything else flows to the watch
// or install handlers.
func (e *Engine) handleMessage(m *wire.Message) {
	if m.Reply {
		e.mu.Lock()
		fn, ok := e.pending[m.ID]
		if ok {
			delete(e.pending, m.ID)
		}
		e.mu.Unlock()
		if ok {
			fn(m)
			return
		}
		e.handleWatched(m)
		return
	}
	e.handleInstalled(m)
}

func (e *Engine) handleWatched(m *wire.Message) {
	switch m.Name {
	case "chan.connected":
		e.handleChanConnected(m)
	case "chan.hangup":
		e.handleChanHangup(m)
	case "chan.notify":
		e.fanoutChan(m.Value("targetid"), chanEvNotify, chanEvent{msg: m})
	case "chan.dtmf":
		e.fanoutChan(m.Value("id"), chanEvDTMF, chanEvent{msg: m, text: m.Value("text")})
	case "call.execute":
		e.handleCallExecute(m)
	case "user.notify":
		e.handleUserNotify(m)
	case "user.unregister":
		e.handleUserUnregister(m)
	case "user.login":
		// Watched only so that foreign logins are visible in traces.
	default:
		e.emit(Event{Type: EventSuppressLine, Line: m.Name})
	}
}

func (e *Engine) handleInstalled(m *wire.Message) {
	switch m.Name {
	case "call.route":
		e.handleCallRoute(m)
	case "user.auth":
		e.handleUserAuth(m)
	case "user.register":
		e.handleUserRegister(m)
	default:
		// Not ours: answer so the engine does not wait, and surface it.
		e.reply(m, false, nil)
		e.emit(Event{Type: EventReplyUnhandled, Name: m.Name, Message: m})
	}
}

func (e *Engine) handleChanConnected(m *wire.Message) {
	id := m.Value("id")
	peerID := m.Value("peerid")
	ev := chanEvent{msg: m}
	if id != "" {
		e.fanoutChan(id, chanEvConnected, ev)
	}
	if peerID != "" {
		e.fanoutChan(peerID, chanEvConnectedAsPeer, ev)
	}
	if master, index, ok := splitForkSlave(peerID); ok {
		e.fanoutChan(master, chanEvSlaveConnected, chanEvent{msg: m, index: index})
	}
}

// handleChanHangup is terminal for a channel id: after the hangup
// fan-out, every subscription keyed by the id is dropped.
func (e *Engine) handleChanHangup(m *wire.Message) {
	id := m.Value("id")
	if id == "" {
		return
	}
	e.fanoutChan(id, chanEvHangup, chanEvent{msg: m})
	e.mu.Lock()
	e.clearChanSubsLocked(id)
	e.mu.Unlock()
}

func (e *Engine) handleCallExecute(m *wire.Message) {
	if id := m.Value("id"); id != "" {
		e.fanoutChan(id, chanEvExecute, chanEvent{msg: m})
	}
	if orig := m.Value("fork.origid"); orig != "" {
		e.fanoutChan(orig, chanEvExecuteFork, chanEvent{msg: m})
	}
}

// handleCallRoute answers a routing request: the return leg of an
// outgoing call is consumed by its dispatcher; everything else becomes
// a routing-mode channel handed to the incoming-call subscribers.
func (e *Engine) handleCallRoute(m *wire.Message) {
	if e.consumeOutgoingRoute(m) {
		return
	}
	id := m.Value("id")
	called := m.Value("called")
	if id == "" || called == "" {
		e.reply(m, false, nil)
		e.emitError(fmt.Errorf("%w: call.route %s", ErrEmptyCalled, m.ID))
		return
	}

	e.mu.Lock()
	ch := e.newChannelLocked(id, m)
	e.mu.Unlock()

	info := &CallInfo{
		Caller:     m.Value("caller"),
		Called:     called,
		BillID:     m.Value("billid"),
		CallerHost: m.Value("ip_host"),
	}
	n := e.emit(Event{Type: EventIncomingCall, Channel: ch, Call: info, Message: m})
	if n == 0 {
		e.emitError(fmt.Errorf("%w: %s -> %s", ErrUnhandledCall, info.Caller, info.Called))
		ch.Terminate(DefaultCause())
	}
}

// triggerChannelNotify synthesizes a chan.notify fan-out for internal
// timer paths (the IVR tone timer) without an engine round trip.
func (e *Engine) triggerChannelNotify(id string) {
	m := wire.NewMessage("chan.notify", time.Now().Unix())
	m.Set("targetid", id)
	e.fanoutChan(id, chanEvNotify, chanEvent{msg: m})
}
