package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/yatelink/wire"
)

// connectedIVR builds an IVR on a channel that already has a peer, the
// way RouteToIVR produces them.
func connectedIVR(t *testing.T, eng *Engine, fake *fakeEngine, id string) *IVR {
	t.Helper()
	eng.mu.Lock()
	ch := eng.newChannelLocked(id, nil)
	peer := eng.newChannelLocked(id+"-peer", nil)
	ivr := eng.newIVRLocked(ch)
	require.NoError(t, bindPeersLocked(ch, peer))
	eng.mu.Unlock()
	return ivr
}

func notifyMsg(target string) *wire.Message {
	m := wire.NewMessage("chan.notify", time.Now().Unix())
	m.ID = "n-" + target
	m.Reply = true
	m.Set("targetid", target)
	return m
}

func TestEnqueueValidation(t *testing.T) {
	eng, fake := newTestEngine(t, nil)
	connectReady(t, eng, fake)
	ivr := connectedIVR(t, eng, fake, "dumb/40")

	assert.ErrorIs(t, ivr.Enqueue(Sound{}), ErrInvalidSound)
	assert.ErrorIs(t, ivr.Enqueue(Sound{Path: "relative.au"}), ErrInvalidSound)
	assert.ErrorIs(t, ivr.Enqueue(Sound{Tone: "busy"}), ErrInvalidSound)
	assert.ErrorIs(t, ivr.Enqueue(Sound{Tone: "busy", Duration: -time.Second}), ErrInvalidSound)
	assert.ErrorIs(t, ivr.Enqueue(Sound{Path: "/a.au", Tone: "busy", Duration: time.Second}), ErrInvalidSound)
}

func TestQueueIsFIFO(t *testing.T) {
	eng, fake := newTestEngine(t, nil)
	connectReady(t, eng, fake)
	ivr := connectedIVR(t, eng, fake, "dumb/41")

	require.NoError(t, ivr.Enqueue(Sound{Path: "/sounds/one.au"}))
	require.NoError(t, ivr.Enqueue(Sound{Path: "/sounds/two.au"}))
	require.NoError(t, ivr.Enqueue(Sound{Path: "/sounds/three.au"}))

	// Only the head plays; each completion notify advances the queue.
	m := fake.expectMsg()
	assert.Equal(t, "chan.attach", m.Name)
	assert.Equal(t, "wave/play//sounds/one.au", m.Value("source"))
	assert.Equal(t, "dumb/41", m.Value("notify"))

	fake.sendMsg(notifyMsg("dumb/41"))
	m = fake.expectMsg()
	assert.Equal(t, "wave/play//sounds/two.au", m.Value("source"))

	fake.sendMsg(notifyMsg("dumb/41"))
	m = fake.expectMsg()
	assert.Equal(t, "wave/play//sounds/three.au", m.Value("source"))
}

func TestQueueEmptyComfortNoise(t *testing.T) {
	eng, fake := newTestEngine(t, nil)
	connectReady(t, eng, fake)
	ivr := connectedIVR(t, eng, fake, "dumb/42")

	empty := make(chan struct{}, 1)
	require.NoError(t, ivr.OnQueueEmpty(func() { empty <- struct{}{} }))

	require.NoError(t, ivr.Enqueue(Sound{Path: "/sounds/only.au"}))
	fake.expectMsg()

	fake.sendMsg(notifyMsg("dumb/42"))
	m := fake.expectMsg()
	assert.Equal(t, "tone/silence", m.Value("source"))
	<-empty
}

func TestToneTimerAdvancesQueue(t *testing.T) {
	eng, fake := newTestEngine(t, nil)
	connectReady(t, eng, fake)
	ivr := connectedIVR(t, eng, fake, "dumb/43")

	require.NoError(t, ivr.Enqueue(Sound{Tone: "dial", Duration: 20 * time.Millisecond}))
	require.NoError(t, ivr.Enqueue(Sound{Path: "/sounds/after.au"}))

	m := fake.expectMsg()
	assert.Equal(t, "tone/dial", m.Value("source"))
	assert.False(t, m.Has("notify"), "tones are timed locally, not notified")

	// No engine notify arrives; the local timer advances the queue.
	m = fake.expectMsg()
	assert.Equal(t, "wave/play//sounds/after.au", m.Value("source"))
}

func TestPlayToneDirectAttach(t *testing.T) {
	eng, fake := newTestEngine(t, nil)
	connectReady(t, eng, fake)
	ivr := connectedIVR(t, eng, fake, "dumb/44")

	require.NoError(t, ivr.PlayTone("busy", 0))
	m := fake.expectMsg()
	assert.Equal(t, "chan.attach", m.Name)
	assert.Equal(t, "tone/busy", m.Value("source"))
}

func TestInvalidQueueItemsAreSkipped(t *testing.T) {
	eng, fake := newTestEngine(t, nil)
	errs := make(chan error, 4)
	eng.On(EventError, func(ev Event) { errs <- ev.Err })
	connectReady(t, eng, fake)
	ivr := connectedIVR(t, eng, fake, "dumb/45")

	require.NoError(t, ivr.Enqueue(Sound{Path: "/sounds/head.au"}))
	// Corrupt a queued entry behind the head, as a host mutating a
	// shared Sound value would.
	eng.mu.Lock()
	ivr.queue = append(ivr.queue, Sound{Path: "broken"}, Sound{Path: "/sounds/tail.au"})
	eng.mu.Unlock()

	fake.expectMsg() // head playing
	fake.sendMsg(notifyMsg("dumb/45"))

	// The broken entry is skipped with an error; the tail still plays.
	m := fake.expectMsg()
	assert.Equal(t, "wave/play//sounds/tail.au", m.Value("source"))
	assert.Error(t, <-errs)
}

func TestHangupTruncatesQueue(t *testing.T) {
	eng, fake := newTestEngine(t, nil)
	connectReady(t, eng, fake)
	ivr := connectedIVR(t, eng, fake, "dumb/46")

	empty := make(chan struct{}, 1)
	require.NoError(t, ivr.OnQueueEmpty(func() { empty <- struct{}{} }))
	require.NoError(t, ivr.Enqueue(Sound{Path: "/sounds/a.au"}))
	require.NoError(t, ivr.Enqueue(Sound{Path: "/sounds/b.au"}))
	fake.expectMsg()

	hang := wire.NewMessage("chan.hangup", time.Now().Unix())
	hang.ID = "h46"
	hang.Reply = true
	hang.Set("id", "dumb/46")
	fake.sendMsg(hang)

	// The hangup is observed as a queue-empty emission.
	select {
	case <-empty:
	case <-time.After(time.Second):
		t.Fatal("queue-empty not emitted on hangup")
	}
	assert.ErrorIs(t, ivr.Enqueue(Sound{Path: "/sounds/c.au"}), ErrChannelTerminated)
	assert.ErrorIs(t, ivr.OnQueueEmpty(func() {}), ErrChannelTerminated)
}

func TestEnqueueWithoutPeerWaits(t *testing.T) {
	eng, fake := newTestEngine(t, nil)
	connectReady(t, eng, fake)

	eng.mu.Lock()
	ch := eng.newChannelLocked("dumb/47", nil)
	ivr := eng.newIVRLocked(ch)
	eng.mu.Unlock()

	require.NoError(t, ivr.Enqueue(Sound{Path: "/sounds/wait.au"}))
	select {
	case line := <-fake.lines:
		t.Fatalf("playback started without a peer: %s", line)
	case <-time.After(50 * time.Millisecond):
	}

	// Peering starts the pending queue.
	eng.mu.Lock()
	peer := eng.newChannelLocked("sip/47", nil)
	require.NoError(t, bindPeersLocked(ch, peer))
	eng.mu.Unlock()
	eng.fanoutChan("dumb/47", chanEvPeer, chanEvent{ch: peer})

	m := fake.expectMsg()
	assert.Equal(t, "wave/play//sounds/wait.au", m.Value("source"))
}
