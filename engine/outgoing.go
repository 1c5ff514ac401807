package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/yatelink/wire"
)

// callInitTimeout bounds how long the engine may take to hand the
// outgoing call's routing leg back to us.
var callInitTimeout = 5 * time.Second

// MakeCallFunc receives the result of MakeCall: the IVR wrapped around
// the outbound leg, or the error that stopped it.
type MakeCallFunc func(ivr *IVR, dest Destination, err error)

type outgoingCall struct {
	id    string
	dest  Destination
	cb    MakeCallFunc
	timer *time.Timer
}

// MakeCall places an outbound call through a dumb channel: the engine
// routes the dumb leg back to us, the dispatcher correlates it by the
// generated caller name, wraps it into an IVR and forks it out to the
// destination. cb may be nil.
func (e *Engine) MakeCall(dest Destination, cb MakeCallFunc) error {
	if dest.Called == "" {
		return ErrEmptyCalled
	}
	if len(dest.Routes) == 0 {
		return ErrNoRoutes
	}
	total, setup := e.callTimes(dest)
	id := "out-" + uuid.NewString()

	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return ErrDestroyed
	}
	oc := &outgoingCall{id: id, dest: dest, cb: cb}
	oc.timer = time.AfterFunc(callInitTimeout, func() { e.onCallInitTimeout(id) })
	e.outgoing[id] = oc
	e.mu.Unlock()

	m := wire.NewMessage("call.execute", time.Now().Unix())
	m.Set("callto", "dumb/")
	m.Set("target", dest.Called)
	m.Set("callername", id)
	m.Set("timeout", ms(total+setup))
	m.Set("maxcall", ms(setup))
	err := e.dispatch(m, false)
	if err != nil {
		e.mu.Lock()
		if cur, ok := e.outgoing[id]; ok {
			cur.timer.Stop()
			delete(e.outgoing, id)
		}
		e.mu.Unlock()
	}
	return err
}

// onCallInitTimeout gives up on an outgoing call the engine never
// routed back.
func (e *Engine) onCallInitTimeout(id string) {
	e.mu.Lock()
	oc, ok := e.outgoing[id]
	if ok {
		delete(e.outgoing, id)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	e.emitError(fmt.Errorf("%w: %s to %s", ErrCallInitTimeout, id, oc.dest.Called))
	if oc.cb != nil {
		oc.cb(nil, oc.dest, ErrCallInitTimeout)
	}
}

// consumeOutgoingRoute matches a call.route against the outstanding
// outgoing calls. A hit consumes the entry: the dumb leg becomes a
// routing-mode channel with an IVR on top and is forked out to the
// stored destination.
func (e *Engine) consumeOutgoingRoute(m *wire.Message) bool {
	if m.Value("caller") != "dumb/" {
		return false
	}
	name := m.Value("callername")
	if name == "" {
		return false
	}

	e.mu.Lock()
	oc, ok := e.outgoing[name]
	if !ok {
		e.mu.Unlock()
		return false
	}
	delete(e.outgoing, name)
	oc.timer.Stop()
	id := m.Value("id")
	if id == "" {
		e.mu.Unlock()
		e.reply(m, false, nil)
		e.emitError(fmt.Errorf("outgoing call %s: route without channel id", name))
		if oc.cb != nil {
			oc.cb(nil, oc.dest, ErrEmptyCalled)
		}
		return true
	}
	ch := e.newChannelLocked(id, m)
	ivr := e.newIVRLocked(ch)
	e.mu.Unlock()

	if err := ch.RouteToDestination(oc.dest); err != nil {
		e.emitError(fmt.Errorf("outgoing call %s: %w", name, err))
		if oc.cb != nil {
			oc.cb(nil, oc.dest, err)
		}
		return true
	}
	e.emit(Event{Type: EventOutgoingCall, IVR: ivr, Channel: ch, Destination: &oc.dest})
	if oc.cb != nil {
		oc.cb(ivr, oc.dest, nil)
	}
	return true
}
