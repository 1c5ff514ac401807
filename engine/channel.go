package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/looplab/fsm"

	"github.com/sebas/yatelink/sipcode"
	"github.com/sebas/yatelink/wire"
)

// Cause is a SIP-style disconnect cause.
type Cause struct {
	Code int
	Text string
}

// DefaultCause is the cause assumed when the engine supplies none.
func DefaultCause() Cause {
	return Cause{Code: 487, Text: "Request Terminated"}
}

func (c Cause) String() string {
	return strconv.Itoa(c.Code) + " " + c.Text
}

// Channel lifecycle states and transitions.
const (
	stRouting    = "routing"
	stIdle       = "idle"
	stRouted     = "routed"
	stConnected  = "connected"
	stTerminated = "terminated"

	evRoute   = "route"
	evConnect = "connect"
	evHangup  = "hangup"
)

func newChannelFSM(initial string) *fsm.FSM {
	return fsm.NewFSM(
		initial,
		fsm.Events{
			{Name: evRoute, Src: []string{stRouting}, Dst: stRouted},
			{Name: evConnect, Src: []string{stIdle, stRouted}, Dst: stConnected},
			{Name: evHangup, Src: []string{stRouting, stIdle, stRouted, stConnected}, Dst: stTerminated},
		},
		fsm.Callbacks{},
	)
}

// Channel is one call leg on the engine. Channels are created by the
// session, either in routing mode (the channel owes a reply to the
// call.route that spawned it) or in peer mode (wrapped around a leg
// the engine created). All state is guarded by the engine lock.
type Channel struct {
	eng *Engine
	id  string

	state     *fsm.FSM
	callRoute *wire.Message // routing mode only
	replied   bool
	rtpOffer  bool // engine offered rtp_forward=possible

	caller     string
	called     string
	billID     string
	callerHost string

	peer           *Channel
	ivrStarted     bool
	connectTime    time.Time
	disconnectTime time.Time
	savedCause     *Cause
	finalCause     *Cause
	timer          *time.Timer
}

// newChannelLocked creates a channel and registers its base hangup
// handler. routeMsg is nil for peer-mode channels. Callers hold the
// engine lock.
func (e *Engine) newChannelLocked(id string, routeMsg *wire.Message) *Channel {
	initial := stIdle
	if routeMsg != nil {
		initial = stRouting
	}
	ch := &Channel{
		eng:       e,
		id:        id,
		state:     newChannelFSM(initial),
		callRoute: routeMsg,
	}
	if routeMsg != nil {
		ch.caller = routeMsg.Value("caller")
		ch.called = routeMsg.Value("called")
		ch.billID = routeMsg.Value("billid")
		ch.callerHost = routeMsg.Value("ip_host")
		ch.rtpOffer = routeMsg.Value("rtp_forward") == "possible"
	}
	e.channels[id] = ch
	e.met.activeChannels.Inc()
	e.subscribeChanLocked(id, chanEvHangup, false, ch.onHangup)
	return ch
}

// ID returns the engine's identifier for this leg (e.g. "sip/42").
func (c *Channel) ID() string { return c.id }

// GetCaller returns the caller number from the originating route.
func (c *Channel) GetCaller() string {
	c.eng.mu.Lock()
	defer c.eng.mu.Unlock()
	return c.caller
}

// GetCalled returns the called number from the originating route.
func (c *Channel) GetCalled() string {
	c.eng.mu.Lock()
	defer c.eng.mu.Unlock()
	return c.called
}

// GetPeer returns the peered channel, or nil.
func (c *Channel) GetPeer() *Channel {
	c.eng.mu.Lock()
	defer c.eng.mu.Unlock()
	return c.peer
}

// Terminated reports whether the channel reached its terminal state.
func (c *Channel) Terminated() bool {
	c.eng.mu.Lock()
	defer c.eng.mu.Unlock()
	return c.terminatedLocked()
}

func (c *Channel) terminatedLocked() bool {
	return c.state.Current() == stTerminated
}

// GetDuration returns how long the call has been (or was) connected.
// Zero means the call never connected.
func (c *Channel) GetDuration() time.Duration {
	c.eng.mu.Lock()
	defer c.eng.mu.Unlock()
	return c.durationLocked()
}

func (c *Channel) durationLocked() time.Duration {
	if c.connectTime.IsZero() {
		return 0
	}
	end := c.disconnectTime
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(c.connectTime)
}

// GetDisconnectCause returns the reconciled disconnect cause. A call
// that carried any duration always ends normally; a 487 on our own
// canceled leg defers to the peer's cause.
func (c *Channel) GetDisconnectCause() Cause {
	c.eng.mu.Lock()
	defer c.eng.mu.Unlock()
	return c.disconnectCauseLocked()
}

func (c *Channel) disconnectCauseLocked() Cause {
	if c.finalCause != nil {
		return *c.finalCause
	}
	if c.durationLocked() > 0 {
		return Cause{Code: 200, Text: "Normal call clearing"}
	}
	if c.savedCause == nil {
		return DefaultCause()
	}
	if c.savedCause.Code == 487 && c.peer != nil && c.peer.savedCause != nil {
		return *c.peer.savedCause
	}
	return *c.savedCause
}

// causeFromHangup extracts the disconnect cause from a chan.hangup
// message: status first, then the reason phrase, then the numeric
// cause_sip. The engine's "hangup" shorthand stands for a canceled
// request.
func causeFromHangup(m *wire.Message) Cause {
	normalize := func(s string) string {
		if s == "hangup" {
			return "Request Terminated"
		}
		return s
	}
	if status := normalize(m.Value("status")); status != "" {
		if code, ok := sipcode.Code(status); ok {
			return Cause{Code: code, Text: status}
		}
	}
	reason := m.Value("reason")
	if reason == "" {
		reason = m.Value("reason_sip")
	}
	reason = normalize(reason)
	if reason != "" {
		if code, ok := sipcode.Code(reason); ok {
			return Cause{Code: code, Text: reason}
		}
	}
	if raw := m.Value("cause_sip"); raw != "" {
		if code, err := strconv.Atoi(raw); err == nil {
			text, ok := sipcode.Text(code)
			if !ok {
				text = reason
			}
			return Cause{Code: code, Text: text}
		}
	}
	return DefaultCause()
}

// onHangup is the base hangup subscriber every channel registers at
// creation.
func (c *Channel) onHangup(ev chanEvent) {
	cause := causeFromHangup(ev.msg)

	c.eng.mu.Lock()
	if c.terminatedLocked() {
		c.eng.mu.Unlock()
		return
	}
	owesReply := c.callRoute != nil && !c.replied
	if owesReply {
		c.replied = true
	}
	fire := c.doTerminateLocked(cause)
	c.eng.mu.Unlock()

	if owesReply {
		c.eng.reply(c.callRoute, false, nil)
	}
	for _, fn := range fire {
		fn()
	}
}

// doTerminateLocked is the single terminal transition. It is
// idempotent, cancels the timer, reconciles the cause and collects the
// end emissions to run after the lock is released. Callers hold the
// engine lock.
func (c *Channel) doTerminateLocked(cause Cause) []func() {
	if c.terminatedLocked() {
		return nil
	}
	c.state.Event(context.Background(), evHangup)
	if c.savedCause == nil {
		cc := cause
		c.savedCause = &cc
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.disconnectTime = time.Now()
	reconciled := c.disconnectCauseLocked()
	c.finalCause = &reconciled

	if c.peer != nil {
		c.peer.peer = nil
		c.peer = nil
	}
	delete(c.eng.channels, c.id)
	c.eng.met.activeChannels.Dec()

	// Snapshot the end subscribers, then drop every binding for the id.
	var endFns []func(chanEvent)
	for _, b := range c.eng.chanSubs[chanKey{id: c.id, event: chanEvEnd}] {
		if !b.removed {
			endFns = append(endFns, b.fn)
		}
	}
	c.eng.clearChanSubsLocked(c.id)

	id := c.id
	eng := c.eng
	return []func(){func() {
		ev := chanEvent{cause: reconciled}
		for _, fn := range endFns {
			func() {
				defer func() {
					if r := recover(); r != nil {
						eng.emitError(fmt.Errorf("channel %s end handler panicked: %v", id, r))
					}
				}()
				fn(ev)
			}()
		}
	}}
}

// Terminate hangs the channel up. It is idempotent; the first call
// answers a pending route negatively and asks the engine to drop the
// leg with the cause text.
func (c *Channel) Terminate(cause Cause) error {
	c.eng.mu.Lock()
	if c.terminatedLocked() {
		c.eng.mu.Unlock()
		return nil
	}
	owesReply := c.callRoute != nil && !c.replied
	if owesReply {
		c.replied = true
	}
	fire := c.doTerminateLocked(cause)
	c.eng.mu.Unlock()

	for _, fn := range fire {
		fn()
	}
	if owesReply {
		c.eng.reply(c.callRoute, false, nil)
	}
	m := wire.NewMessage("call.drop", time.Now().Unix())
	m.Set("id", c.id)
	m.Set("reason", cause.Text)
	return c.eng.dispatch(m, false)
}

// SetTimeout arms the duration timer: when it fires the channel emits
// timeout and the engine is told to drop the leg. A second call
// replaces the pending timer.
func (c *Channel) SetTimeout(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidTimeout, d)
	}
	c.eng.mu.Lock()
	defer c.eng.mu.Unlock()
	if c.terminatedLocked() {
		return ErrChannelTerminated
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(d, c.onTimeout)
	return nil
}

func (c *Channel) onTimeout() {
	c.eng.mu.Lock()
	if c.terminatedLocked() {
		c.eng.mu.Unlock()
		return
	}
	c.timer = nil
	c.eng.mu.Unlock()

	c.eng.fanoutChan(c.id, chanEvTimeout, chanEvent{ch: c})
	m := wire.NewMessage("call.drop", time.Now().Unix())
	m.Set("id", c.id)
	m.Set("reason", "Payment Required")
	c.eng.dispatch(m, false)
}

// bindPeersLocked establishes the symmetric peer link. The link is
// immutable until termination clears it.
func bindPeersLocked(a, b *Channel) error {
	if a.peer != nil && a.peer != b {
		return fmt.Errorf("%w: %s", ErrPeerBound, a.id)
	}
	if b.peer != nil && b.peer != a {
		return fmt.Errorf("%w: %s", ErrPeerBound, b.id)
	}
	a.peer = b
	b.peer = a
	return nil
}

// ConnectToChannel peers this channel with another at the engine level
// and mirrors the link locally.
func (c *Channel) ConnectToChannel(peer *Channel) error {
	c.eng.mu.Lock()
	if c.terminatedLocked() || peer.terminatedLocked() {
		c.eng.mu.Unlock()
		return ErrChannelTerminated
	}
	if err := bindPeersLocked(c, peer); err != nil {
		c.eng.mu.Unlock()
		return err
	}
	c.eng.mu.Unlock()

	m := wire.NewMessage("chan.connect", time.Now().Unix())
	m.Set("id", c.id)
	m.Set("targetid", peer.id)
	return c.eng.dispatch(m, false)
}

// RecordLegs selects which side of the call chan.record captures.
type RecordLegs int

const (
	RecordBoth RecordLegs = iota
	RecordOurs
	RecordPeer
)

// RecordOptions configures RecordAudio. File must be an absolute path;
// MaxLen, when positive, caps the recording size in bytes.
type RecordOptions struct {
	File   string
	Legs   RecordLegs
	MaxLen int64
}

// RecordAudio asks the engine to record the call into a wave file.
func (c *Channel) RecordAudio(opts RecordOptions) error {
	if !strings.HasPrefix(opts.File, "/") {
		return fmt.Errorf("%w: record file %q is not absolute", ErrInvalidSound, opts.File)
	}
	c.eng.mu.Lock()
	if c.terminatedLocked() {
		c.eng.mu.Unlock()
		return ErrChannelTerminated
	}
	c.eng.mu.Unlock()

	source := "wave/record/" + opts.File
	m := wire.NewMessage("chan.record", time.Now().Unix())
	m.Set("id", c.id)
	switch opts.Legs {
	case RecordOurs:
		m.Set("call", source)
	case RecordPeer:
		m.Set("peer", source)
	default:
		m.Set("call", source)
		m.Set("peer", source)
	}
	if opts.MaxLen > 0 {
		m.Set("maxlen", strconv.FormatInt(opts.MaxLen, 10))
	}
	return c.eng.dispatch(m, false)
}

// OnEnd subscribes to the channel's terminal event. On an already
// terminated channel the handler fires immediately with the reconciled
// disconnect cause.
func (c *Channel) OnEnd(fn func(Cause)) error {
	c.eng.mu.Lock()
	if c.terminatedLocked() {
		cause := c.disconnectCauseLocked()
		c.eng.mu.Unlock()
		fn(cause)
		return nil
	}
	c.eng.subscribeChanLocked(c.id, chanEvEnd, false, func(ev chanEvent) { fn(ev.cause) })
	c.eng.mu.Unlock()
	return nil
}

// OnDTMF subscribes to digits pressed on this leg.
func (c *Channel) OnDTMF(fn func(digits string)) error {
	return c.subscribe(chanEvDTMF, func(ev chanEvent) { fn(ev.text) })
}

// OnPeer subscribes to the peer link being established.
func (c *Channel) OnPeer(fn func(peer *Channel)) error {
	return c.subscribe(chanEvPeer, func(ev chanEvent) { fn(ev.ch) })
}

// OnTimeout subscribes to the duration timer firing.
func (c *Channel) OnTimeout(fn func()) error {
	return c.subscribe(chanEvTimeout, func(chanEvent) { fn() })
}

// OnFork subscribes to fork legs spawned by RouteToDestination.
func (c *Channel) OnFork(fn func(leg *Channel, route Route)) error {
	return c.subscribe(chanEvFork, func(ev chanEvent) {
		var route Route
		if ev.route != nil {
			route = *ev.route
		}
		fn(ev.ch, route)
	})
}

func (c *Channel) subscribe(event string, fn func(chanEvent)) error {
	c.eng.mu.Lock()
	defer c.eng.mu.Unlock()
	if c.terminatedLocked() {
		return ErrChannelTerminated
	}
	c.eng.subscribeChanLocked(c.id, event, false, fn)
	return nil
}

// splitForkSlave parses "fork/<n>/<m>" into the master id and the
// slave index.
func splitForkSlave(id string) (master string, index int, ok bool) {
	if !strings.HasPrefix(id, "fork/") {
		return "", 0, false
	}
	rest := id[len("fork/"):]
	n, m, found := strings.Cut(rest, "/")
	if !found || n == "" {
		return "", 0, false
	}
	idx, err := strconv.Atoi(m)
	if err != nil || idx < 1 {
		return "", 0, false
	}
	return "fork/" + n, idx, true
}
