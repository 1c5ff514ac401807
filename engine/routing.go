package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sebas/yatelink/wire"
)

// answerDelay separates peering the IVR leg from the first queued
// sound so the head of the first prompt is not truncated.
const answerDelay = 1200 * time.Millisecond

// callTimes resolves the per-call timeout pair against the engine
// defaults.
func (e *Engine) callTimes(dest Destination) (total, setup time.Duration) {
	total = dest.Timeout
	if total <= 0 {
		total = e.cfg.CallTimeout
	}
	setup = dest.SetupTimeout
	if setup <= 0 {
		setup = e.cfg.CallSetupTimeout
	}
	return total, setup
}

// rtpForwardParam adds rtp_forward=yes to a positive route reply when
// the engine offered forwarding and it is not disabled.
func (c *Channel) rtpForwardParam(extras []wire.Param) []wire.Param {
	if c.rtpOffer && !c.eng.cfg.DisableRTPForward {
		extras = append(extras, wire.Param{Key: "rtp_forward", Value: "yes"})
	}
	return extras
}

// RouteToDestination answers the pending route with a callfork over
// the destination's route list. The engine sums setup time into the
// call cap, so the reply over-budgets by the setup window and the
// precise timer is armed on the answering fork leg instead.
func (c *Channel) RouteToDestination(dest Destination) error {
	total, setup := c.eng.callTimes(dest)
	params, err := forkParams(dest)
	if err != nil {
		return err
	}

	c.eng.mu.Lock()
	if err := c.routeableLocked(); err != nil {
		c.eng.mu.Unlock()
		return err
	}
	c.state.Event(context.Background(), evRoute)
	c.replied = true
	c.eng.subscribeChanLocked(c.id, chanEvExecuteFork, false, func(ev chanEvent) {
		c.onForkExecute(ev, dest, total)
	})
	c.eng.mu.Unlock()

	extras := append(params,
		wire.Param{Key: "maxcall", Value: ms(setup)},
		wire.Param{Key: "timeout", Value: ms(total + setup)},
	)
	extras = c.rtpForwardParam(extras)
	return c.eng.reply(c.callRoute, true, extras)
}

func (c *Channel) routeableLocked() error {
	if c.terminatedLocked() {
		return ErrChannelTerminated
	}
	if c.callRoute == nil {
		return ErrNotRouting
	}
	if c.state.Current() != stRouting {
		return ErrAlreadyRouted
	}
	return nil
}

// onForkExecute wraps one fork leg reported by call.execute into a
// peer-mode channel and watches it for answer and hangup.
func (c *Channel) onForkExecute(ev chanEvent, dest Destination, total time.Duration) {
	sipID := ev.msg.Value("peerid")
	if sipID == "" {
		c.eng.emitError(fmt.Errorf("fork leg of %s has no peerid", c.id))
		return
	}
	var route *Route
	if _, idx, ok := splitForkSlave(ev.msg.Value("id")); ok && idx <= len(dest.Routes) {
		r := dest.Routes[idx-1]
		route = &r
	}

	c.eng.mu.Lock()
	if c.terminatedLocked() {
		c.eng.mu.Unlock()
		return
	}
	leg := c.eng.newChannelLocked(sipID, nil)
	c.eng.subscribeChanLocked(sipID, chanEvConnected, false, func(ev chanEvent) {
		c.onForkConnected(leg, ev, total)
	})
	c.eng.subscribeChanLocked(sipID, chanEvHangup, false, func(ev chanEvent) {
		c.onForkHangup(ev)
	})
	c.eng.mu.Unlock()

	c.eng.fanoutChan(c.id, chanEvFork, chanEvent{ch: leg, route: route})
}

// onForkConnected answers the first fork leg whose peer is the parent:
// the two are bound, the call clock starts and the duration timer is
// armed on the fork leg, which outlives a dumb parent.
func (c *Channel) onForkConnected(leg *Channel, ev chanEvent, total time.Duration) {
	if ev.msg.Value("peerid") != c.id {
		return
	}
	c.eng.mu.Lock()
	if c.terminatedLocked() || leg.terminatedLocked() || c.peer == leg {
		c.eng.mu.Unlock()
		return
	}
	if err := bindPeersLocked(c, leg); err != nil {
		c.eng.mu.Unlock()
		c.eng.emitError(err)
		return
	}
	now := time.Now()
	if c.connectTime.IsZero() {
		c.connectTime = now
	}
	leg.connectTime = now
	c.state.Event(context.Background(), evConnect)
	leg.state.Event(context.Background(), evConnect)
	c.eng.mu.Unlock()

	leg.SetTimeout(total)
	c.eng.fanoutChan(c.id, chanEvPeer, chanEvent{ch: leg})
	c.eng.fanoutChan(leg.id, chanEvPeer, chanEvent{ch: c})
}

// onForkHangup records a fork leg's cause on the parent. A busy leg
// stops the whole attempt even though fork.stop=busy should already
// have done so on the engine side.
func (c *Channel) onForkHangup(ev chanEvent) {
	cause := causeFromHangup(ev.msg)

	c.eng.mu.Lock()
	if c.terminatedLocked() {
		c.eng.mu.Unlock()
		return
	}
	cc := cause
	c.savedCause = &cc
	c.eng.mu.Unlock()

	if cause.Code == 486 {
		c.Terminate(cause)
	}
}

// RouteToIVR answers the pending route with a dumb leg and builds an
// IVR on it once the engine connects the two. ready runs as soon as
// the IVR exists; sounds enqueued from it start playing when the legs
// are peered.
func (c *Channel) RouteToIVR(ready func(*IVR)) error {
	c.eng.mu.Lock()
	if err := c.routeableLocked(); err != nil {
		c.eng.mu.Unlock()
		return err
	}
	c.state.Event(context.Background(), evRoute)
	c.replied = true
	// The engine reports the dumb leg from either side depending on
	// which channel settles first; accept both, first one wins.
	c.eng.subscribeChanLocked(c.id, chanEvConnected, true, func(ev chanEvent) {
		c.onIVRConnected(ev.msg.Value("peerid"), ready)
	})
	c.eng.subscribeChanLocked(c.id, chanEvConnectedAsPeer, true, func(ev chanEvent) {
		c.onIVRConnected(ev.msg.Value("id"), ready)
	})
	c.eng.mu.Unlock()

	extras := c.rtpForwardParam([]wire.Param{{Key: "$retvalue", Value: "dumb/"}})
	return c.eng.reply(c.callRoute, true, extras)
}

func (c *Channel) onIVRConnected(dumbID string, ready func(*IVR)) {
	if dumbID == "" {
		c.eng.emitError(fmt.Errorf("dumb leg for %s has no id", c.id))
		return
	}
	c.eng.mu.Lock()
	if c.ivrStarted || c.terminatedLocked() {
		c.eng.mu.Unlock()
		return
	}
	c.ivrStarted = true
	dumb := c.eng.newChannelLocked(dumbID, nil)
	ivr := c.eng.newIVRLocked(dumb)
	if err := bindPeersLocked(c, dumb); err != nil {
		c.eng.mu.Unlock()
		c.eng.emitError(err)
		return
	}
	now := time.Now()
	c.connectTime = now
	dumb.connectTime = now
	c.state.Event(context.Background(), evConnect)
	dumb.state.Event(context.Background(), evConnect)
	c.eng.mu.Unlock()

	// Answer the dumb leg so media starts flowing.
	m := wire.NewMessage("call.answered", time.Now().Unix())
	m.Set("id", dumbID)
	m.Set("targetid", c.id)
	c.eng.dispatch(m, false)

	dumb.SetTimeout(c.eng.cfg.CallTimeout)
	ivr.attachTone("silence")

	if ready != nil {
		ready(ivr)
	}
	time.AfterFunc(answerDelay, func() {
		if c.Terminated() || dumb.Terminated() {
			return
		}
		c.eng.fanoutChan(c.id, chanEvPeer, chanEvent{ch: dumb})
		c.eng.fanoutChan(dumbID, chanEvPeer, chanEvent{ch: c})
	})
}
