package engine

import (
	"fmt"

	"github.com/sebas/yatelink/wire"
)

// EventType identifies a top-level engine event.
type EventType string

const (
	// EventConnect fires when the TCP socket is up, before handshake.
	EventConnect EventType = "connect"
	// EventConnected fires once every install and watch is confirmed.
	EventConnected EventType = "connected"
	// EventDisconnected fires when the socket is lost or torn down.
	EventDisconnected EventType = "disconnected"
	// EventError reports protocol, handler and usage errors.
	EventError EventType = "error"

	EventCarrierOnline  EventType = "carrier-online"
	EventCarrierOffline EventType = "carrier-offline"

	EventUserRegister   EventType = "user-register"
	EventUserUnregister EventType = "user-unregister"
	EventUserExpired    EventType = "user-expired"

	EventIncomingCall EventType = "incoming-call"
	EventOutgoingCall EventType = "outgoing-call"

	// Low-level trace events.
	EventSendLine       EventType = "send-line"
	EventRecvLine       EventType = "recv-line"
	EventSuppressLine   EventType = "suppress-line"
	EventInstallConfirm EventType = "install-confirm"
	EventWatchConfirm   EventType = "watch-confirm"
	EventReplyUnhandled EventType = "reply-unhandled"
)

// CallInfo describes an incoming call being routed.
type CallInfo struct {
	Caller     string
	Called     string
	BillID     string
	CallerHost string
}

// Event is delivered to On subscribers. Only the fields relevant to
// the event type are set.
type Event struct {
	Type        EventType
	Err         error
	Line        string
	Name        string // install/watch name, username or account
	Channel     *Channel
	IVR         *IVR
	Call        *CallInfo
	Carrier     *Carrier
	Destination *Destination
	Message     *wire.Message
}

// Sub is one event subscription; Remove detaches it.
type Sub struct {
	eng     *Engine
	typ     EventType
	fn      func(Event)
	removed bool
}

// Remove detaches the subscription.
func (s *Sub) Remove() {
	s.eng.mu.Lock()
	defer s.eng.mu.Unlock()
	s.removed = true
	list := s.eng.subs[s.typ]
	for i, sub := range list {
		if sub == s {
			s.eng.subs[s.typ] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// On subscribes to a top-level event.
func (e *Engine) On(typ EventType, fn func(Event)) *Sub {
	s := &Sub{eng: e, typ: typ, fn: fn}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs[typ] = append(e.subs[typ], s)
	return s
}

// emit delivers an event to its subscribers outside the engine lock
// and returns how many subscribers saw it.
func (e *Engine) emit(ev Event) int {
	e.mu.Lock()
	list := e.subs[ev.Type]
	fns := make([]func(Event), 0, len(list))
	for _, s := range list {
		if !s.removed {
			fns = append(fns, s.fn)
		}
	}
	e.mu.Unlock()

	for _, fn := range fns {
		e.invoke(func() { fn(ev) }, ev.Type == EventError)
	}
	return len(fns)
}

// emitError is shorthand for error events.
func (e *Engine) emitError(err error) {
	e.log.Error("[Engine] "+err.Error(), "error", err)
	e.emit(Event{Type: EventError, Err: err})
}

// invoke runs a subscriber, converting a panic into an error event so
// a misbehaving host callback cannot kill the read loop. Panics inside
// error subscribers are only logged, to break the recursion.
func (e *Engine) invoke(fn func(), inErrorHandler bool) {
	defer func() {
		if r := recover(); r != nil {
			if inErrorHandler {
				e.log.Error("[Engine] Error subscriber panicked", "panic", r)
				return
			}
			e.emitError(fmt.Errorf("event subscriber panicked: %v", r))
		}
	}()
	fn()
}

// Channel-level event names used in the fan-out table.
const (
	chanEvConnected       = "connected"
	chanEvConnectedAsPeer = "connected-as-peer"
	chanEvSlaveConnected  = "slave-connected"
	chanEvHangup          = "hangup"
	chanEvNotify          = "notify"
	chanEvDTMF            = "dtmf"
	chanEvExecute         = "execute"
	chanEvExecuteFork     = "execute-fork"

	// Synthetic events derived by the session or the channels.
	chanEvEnd     = "end"
	chanEvPeer    = "peer"
	chanEvTimeout = "timeout"
	chanEvFork    = "fork"
)

type chanKey struct {
	id    string
	event string
}

// chanEvent is the argument handed to channel-event handlers.
type chanEvent struct {
	msg   *wire.Message
	text  string
	ch    *Channel
	cause Cause
	index int
	route *Route
}

type chanBinding struct {
	key     chanKey
	fn      func(chanEvent)
	once    bool
	removed bool
}

// subscribeChanLocked appends a handler for (id, event). Callers hold
// the engine lock.
func (e *Engine) subscribeChanLocked(id, event string, once bool, fn func(chanEvent)) *chanBinding {
	b := &chanBinding{key: chanKey{id: id, event: event}, fn: fn, once: once}
	e.chanSubs[b.key] = append(e.chanSubs[b.key], b)
	return b
}

// fanoutChan delivers a channel event to every handler registered for
// its key, in subscription order, outside the lock. Once-handlers are
// consumed atomically with the snapshot.
func (e *Engine) fanoutChan(id, event string, ev chanEvent) {
	key := chanKey{id: id, event: event}

	e.mu.Lock()
	list := e.chanSubs[key]
	fns := make([]func(chanEvent), 0, len(list))
	keep := list[:0]
	for _, b := range list {
		if b.removed {
			continue
		}
		fns = append(fns, b.fn)
		if b.once {
			b.removed = true
			continue
		}
		keep = append(keep, b)
	}
	if len(keep) == 0 {
		delete(e.chanSubs, key)
	} else {
		e.chanSubs[key] = keep
	}
	e.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.emitError(fmt.Errorf("channel %s handler for %s panicked: %v", id, event, r))
				}
			}()
			fn(ev)
		}()
	}
}

// clearChanSubsLocked drops every subscription keyed by the channel
// id. Callers hold the engine lock.
func (e *Engine) clearChanSubsLocked(id string) {
	for key, list := range e.chanSubs {
		if key.id != id {
			continue
		}
		for _, b := range list {
			b.removed = true
		}
		delete(e.chanSubs, key)
	}
}
