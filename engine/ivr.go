package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/sebas/yatelink/wire"
)

// Sound is one entry in an IVR playback queue: either an absolute wave
// file path or a named tone generator with a positive duration.
type Sound struct {
	Path     string
	Tone     string
	Duration time.Duration
}

func (s Sound) valid() bool {
	if s.Path != "" {
		return s.Tone == "" && strings.HasPrefix(s.Path, "/")
	}
	return s.Tone != "" && s.Duration > 0
}

// IVR drives prompt playback on one channel. Sounds are played
// strictly in enqueue order with at most one active at a time; wave
// completion is reported by the engine's chan.notify, tone completion
// by a local timer.
type IVR struct {
	eng *Engine
	ch  *Channel

	// Guarded by the engine lock.
	queue     []Sound
	playing   bool
	toneTimer *time.Timer

	// Queue-empty subscribers live outside the channel fan-out table:
	// the terminal transition wipes that table, and the truncation on
	// hangup must still be observable.
	emptySubs []func()
}

// newIVRLocked wraps a channel into an IVR and registers its queue
// subscriptions. Callers hold the engine lock.
func (e *Engine) newIVRLocked(ch *Channel) *IVR {
	ivr := &IVR{eng: e, ch: ch}
	e.subscribeChanLocked(ch.id, chanEvNotify, false, ivr.onNotify)
	e.subscribeChanLocked(ch.id, chanEvHangup, false, ivr.onHangup)
	e.subscribeChanLocked(ch.id, chanEvPeer, false, ivr.onPeer)
	return ivr
}

// Channel returns the underlying call leg; termination, peering,
// timeouts and DTMF all live there.
func (ivr *IVR) Channel() *Channel { return ivr.ch }

// OnQueueEmpty subscribes to the playback queue draining (including
// the truncation on hangup).
func (ivr *IVR) OnQueueEmpty(fn func()) error {
	ivr.eng.mu.Lock()
	defer ivr.eng.mu.Unlock()
	if ivr.ch.terminatedLocked() {
		return ErrChannelTerminated
	}
	ivr.emptySubs = append(ivr.emptySubs, fn)
	return nil
}

// emitQueueEmpty notifies the queue-empty subscribers outside the
// engine lock.
func (ivr *IVR) emitQueueEmpty() {
	ivr.eng.mu.Lock()
	fns := make([]func(), len(ivr.emptySubs))
	copy(fns, ivr.emptySubs)
	ivr.eng.mu.Unlock()
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					ivr.eng.emitError(fmt.Errorf("ivr %s queue-empty handler panicked: %v", ivr.ch.id, r))
				}
			}()
			fn()
		}()
	}
}

// OnDTMF subscribes to digits pressed by the caller.
func (ivr *IVR) OnDTMF(fn func(digits string)) error {
	return ivr.ch.OnDTMF(fn)
}

// Enqueue appends a sound. Playback starts immediately when this is
// the first entry and the channel already has a peer; otherwise it
// starts on the peer event.
func (ivr *IVR) Enqueue(s Sound) error {
	if !s.valid() {
		return fmt.Errorf("%w: %+v", ErrInvalidSound, s)
	}
	ivr.eng.mu.Lock()
	if ivr.ch.terminatedLocked() {
		ivr.eng.mu.Unlock()
		return ErrChannelTerminated
	}
	ivr.queue = append(ivr.queue, s)
	start := !ivr.playing && len(ivr.queue) == 1 && ivr.ch.peer != nil
	ivr.eng.mu.Unlock()

	if start {
		ivr.playNext()
	}
	return nil
}

// PlayTone plays a named tone generator. With a zero duration the
// generator is attached directly and plays until replaced; otherwise
// the tone is queued like any other sound.
func (ivr *IVR) PlayTone(name string, d time.Duration) error {
	if d > 0 {
		return ivr.Enqueue(Sound{Tone: name, Duration: d})
	}
	ivr.eng.mu.Lock()
	if ivr.ch.terminatedLocked() {
		ivr.eng.mu.Unlock()
		return ErrChannelTerminated
	}
	ivr.eng.mu.Unlock()
	return ivr.attachTone(name)
}

// playNext starts the head of the queue, discarding invalid entries.
func (ivr *IVR) playNext() {
	ivr.eng.mu.Lock()
	skipped := 0
	for len(ivr.queue) > 0 && !ivr.queue[0].valid() {
		ivr.queue = ivr.queue[1:]
		skipped++
	}
	if len(ivr.queue) == 0 {
		ivr.playing = false
		ivr.eng.mu.Unlock()
		for i := 0; i < skipped; i++ {
			ivr.eng.emitError(fmt.Errorf("ivr %s: skip invalid sound", ivr.ch.id))
		}
		return
	}
	head := ivr.queue[0]
	ivr.playing = true
	if head.Tone != "" {
		id := ivr.ch.id
		ivr.toneTimer = time.AfterFunc(head.Duration, func() {
			ivr.eng.triggerChannelNotify(id)
		})
	}
	ivr.eng.mu.Unlock()

	for i := 0; i < skipped; i++ {
		ivr.eng.emitError(fmt.Errorf("ivr %s: skip invalid sound", ivr.ch.id))
	}
	if head.Path != "" {
		m := wire.NewMessage("chan.attach", time.Now().Unix())
		m.Set("id", ivr.ch.id)
		m.Set("source", "wave/play/"+head.Path)
		m.Set("notify", ivr.ch.id)
		ivr.eng.dispatch(m, false)
		return
	}
	ivr.attachTone(head.Tone)
}

// attachTone points the channel's source at a tone generator.
func (ivr *IVR) attachTone(name string) error {
	m := wire.NewMessage("chan.attach", time.Now().Unix())
	m.Set("id", ivr.ch.id)
	m.Set("source", "tone/"+name)
	return ivr.eng.dispatch(m, false)
}

// onNotify advances the queue when the current sound finishes. An
// empty queue gets comfort noise so the peer does not hear dead air.
func (ivr *IVR) onNotify(chanEvent) {
	ivr.eng.mu.Lock()
	if !ivr.playing {
		ivr.eng.mu.Unlock()
		return
	}
	if ivr.toneTimer != nil {
		ivr.toneTimer.Stop()
		ivr.toneTimer = nil
	}
	if len(ivr.queue) > 0 {
		ivr.queue = ivr.queue[1:]
	}
	empty := len(ivr.queue) == 0
	if empty {
		ivr.playing = false
	}
	ivr.eng.mu.Unlock()

	if empty {
		ivr.attachTone("silence")
		ivr.emitQueueEmpty()
		return
	}
	ivr.playNext()
}

// onHangup truncates the queue; the hangup fan-out still reaches every
// subscriber registered before it started, so the queue-empty emission
// is observed.
func (ivr *IVR) onHangup(chanEvent) {
	ivr.eng.mu.Lock()
	ivr.queue = nil
	ivr.playing = false
	if ivr.toneTimer != nil {
		ivr.toneTimer.Stop()
		ivr.toneTimer = nil
	}
	ivr.eng.mu.Unlock()

	ivr.emitQueueEmpty()
}

// onPeer starts playback of anything queued before the legs peered.
func (ivr *IVR) onPeer(chanEvent) {
	ivr.eng.mu.Lock()
	start := !ivr.playing && len(ivr.queue) > 0
	ivr.eng.mu.Unlock()
	if start {
		ivr.playNext()
	}
}
