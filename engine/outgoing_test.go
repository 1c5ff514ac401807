package engine

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/yatelink/wire"
)

func TestMakeCallValidation(t *testing.T) {
	eng, fake := newTestEngine(t, nil)
	connectReady(t, eng, fake)

	assert.ErrorIs(t, eng.MakeCall(Destination{Routes: []Route{{Host: "h"}}}, nil), ErrEmptyCalled)
	assert.ErrorIs(t, eng.MakeCall(Destination{Called: "1"}, nil), ErrNoRoutes)
}

func TestMakeCallFlow(t *testing.T) {
	eng, fake := newTestEngine(t, nil)
	connectReady(t, eng, fake)

	result := make(chan *IVR, 1)
	dest := Destination{
		Called:       "31999",
		Routes:       []Route{{Host: "gw1"}},
		Timeout:      time.Minute,
		SetupTimeout: 5 * time.Second,
	}
	outgoing := make(chan *IVR, 1)
	eng.On(EventOutgoingCall, func(ev Event) { outgoing <- ev.IVR })

	require.NoError(t, eng.MakeCall(dest, func(ivr *IVR, _ Destination, err error) {
		require.NoError(t, err)
		result <- ivr
	}))

	exec := fake.expectMsg()
	assert.Equal(t, "call.execute", exec.Name)
	assert.Equal(t, "dumb/", exec.Value("callto"))
	assert.Equal(t, "31999", exec.Value("target"))
	assert.Equal(t, "65000", exec.Value("timeout"))
	assert.Equal(t, "5000", exec.Value("maxcall"))
	callerName := exec.Value("callername")
	require.NotEmpty(t, callerName)

	// The engine hands the dumb leg back for routing; the dispatcher
	// consumes it and forks it out to the destination.
	route := wire.NewMessage("call.route", time.Now().Unix())
	route.ID = "rt-out"
	route.Set("id", "dumb/9")
	route.Set("caller", "dumb/")
	route.Set("callername", callerName)
	route.Set("called", "31999")
	fake.sendMsg(route)

	reply := fake.expectMsg()
	assert.Equal(t, "call.route", reply.Name)
	assert.True(t, reply.Processed)
	assert.Equal(t, "fork", reply.RetValue)
	assert.Equal(t, "sip/sip:31999@gw1", reply.Value("callto.1"))

	ivr := <-result
	assert.Equal(t, "dumb/9", ivr.Channel().ID())
	assert.Same(t, ivr, <-outgoing)
}

func TestMakeCallInitTimeout(t *testing.T) {
	orig := callInitTimeout
	callInitTimeout = 30 * time.Millisecond
	defer func() { callInitTimeout = orig }()

	eng, fake := newTestEngine(t, nil)
	errs := make(chan error, 1)
	eng.On(EventError, func(ev Event) { errs <- ev.Err })
	connectReady(t, eng, fake)

	result := make(chan error, 1)
	dest := Destination{Called: "31999", Routes: []Route{{Host: "gw1"}}}
	require.NoError(t, eng.MakeCall(dest, func(ivr *IVR, _ Destination, err error) {
		assert.Nil(t, ivr)
		result <- err
	}))
	exec := fake.expectMsg()
	callerName := exec.Value("callername")

	assert.ErrorIs(t, <-result, ErrCallInitTimeout)
	assert.ErrorIs(t, <-errs, ErrCallInitTimeout)

	// The entry is gone: a late call.route is no longer consumed and
	// is answered like an ordinary (unhandled) incoming call.
	eng.mu.Lock()
	assert.Empty(t, eng.outgoing)
	eng.mu.Unlock()

	route := wire.NewMessage("call.route", time.Now().Unix())
	route.ID = "rt-late"
	route.Set("id", "dumb/10")
	route.Set("caller", "dumb/")
	route.Set("callername", callerName)
	route.Set("called", "31999")
	fake.sendMsg(route)

	reply := fake.expectMsg()
	assert.False(t, reply.Processed)
}

func TestMakeCallIDsAreUnique(t *testing.T) {
	eng, fake := newTestEngine(t, nil)
	connectReady(t, eng, fake)

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		dest := Destination{Called: strconv.Itoa(i), Routes: []Route{{Host: "gw"}}}
		require.NoError(t, eng.MakeCall(dest, nil))
		name := fake.expectMsg().Value("callername")
		assert.False(t, seen[name], "duplicate outgoing call id")
		seen[name] = true
	}
}
