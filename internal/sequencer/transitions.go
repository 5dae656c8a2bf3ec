package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ayusman/ppecheck/internal/detector"
	"github.com/ayusman/ppecheck/internal/log"
)

type transitionKey struct {
	state  State
	action Action
}

// transitionFunc runs with the sequencer lock held. It may return work to run
// after the lock is released, and reports whether the observable state changed.
type transitionFunc func(s *Sequencer) (follow func() error, changed bool)

// transitions lists every legal (state, action) pair. Missing pairs are no-ops.
var transitions map[transitionKey]transitionFunc

func init() {
	transitions = map[transitionKey]transitionFunc{
		{Idle, ActionStart}:  (*Sequencer).beginAcquire,
		{Idle, ActionStop}:   (*Sequencer).cancelAcquire,
		{Idle, ActionRetake}: (*Sequencer).clearCapture,

		{Live, ActionStart}: (*Sequencer).beginCountdown,
		{Live, ActionStop}:  (*Sequencer).stop,

		{CountingDown, actionTick}:    (*Sequencer).tick,
		{CountingDown, actionRelease}: (*Sequencer).releaseEarly,
		{CountingDown, ActionStop}:    (*Sequencer).stop,

		{Captured, ActionStart}:   (*Sequencer).restart,
		{Captured, ActionStop}:    (*Sequencer).stop,
		{Captured, ActionRetake}:  (*Sequencer).retake,
		{Captured, actionRelease}: (*Sequencer).releaseCaptured,
	}
}

func (s *Sequencer) beginAcquire() (func() error, bool) {
	if s.acquiring {
		return nil, false
	}
	if s.frame != nil || s.result != nil {
		s.discardCaptureLocked()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.acquiring = true
	s.acquireGen++
	s.acquireCancel = cancel
	s.lastErr = nil

	gen := s.acquireGen
	return func() error {
		return s.acquire(ctx, gen)
	}, true
}

func (s *Sequencer) cancelAcquire() (func() error, bool) {
	if !s.acquiring {
		return nil, false
	}
	s.abandonAcquireLocked()
	return nil, true
}

// clearCapture drops a frame kept after stop.
func (s *Sequencer) clearCapture() (func() error, bool) {
	if s.frame == nil && s.result == nil {
		return nil, false
	}
	s.discardCaptureLocked()
	s.lastErr = nil
	return nil, true
}

func (s *Sequencer) beginCountdown() (func() error, bool) {
	s.cancelTimersLocked()
	s.lastErr = nil
	s.state = CountingDown
	s.remaining = s.cfg.Countdown

	scope := newTimerScope(s.cfg.Clock)
	s.timers = scope
	scope.after(s.cfg.Tick, func() { s.fire(scope, actionTick) })
	scope.after(s.cfg.ReleaseAfter, func() { s.fire(scope, actionRelease) })

	log.Info("countdown started", "from", s.remaining)
	return nil, true
}

func (s *Sequencer) tick() (func() error, bool) {
	if s.remaining > 1 {
		s.remaining--
		scope := s.timers
		scope.after(s.cfg.Tick, func() { s.fire(scope, actionTick) })
		return nil, true
	}

	s.remaining = 0
	s.captureLocked()
	return nil, true
}

// captureLocked encodes the current frame and submits it for detection.
// On encode failure the camera is released and the sequencer goes back to Idle.
func (s *Sequencer) captureLocked() {
	frame, err := s.cfg.Encoder.Encode(s.session)
	if err != nil {
		if !errors.Is(err, ErrNoFrameAvailable) {
			err = fmt.Errorf("%w: %v", ErrNoFrameAvailable, err)
		}
		log.Error("frame capture failed", "error", err)
		s.lastErr = err
		s.endSessionLocked()
		s.state = Idle
		return
	}

	if frame.ID == "" {
		frame.ID = s.cfg.NewID()
	}
	if frame.CapturedAt.IsZero() {
		frame.CapturedAt = s.cfg.Clock.Now()
	}

	s.cycle++
	s.frame = &frame
	s.result = &detector.Result{}
	s.state = Captured

	log.Info("frame captured", "frame", frame.ID, "bytes", len(frame.PNG), "cycle", s.cycle)
	s.submitLocked(frame)
}

func (s *Sequencer) releaseEarly() (func() error, bool) {
	log.Warn("camera released before countdown finished")
	s.endSessionLocked()
	s.remaining = 0
	s.state = Idle
	return nil, true
}

func (s *Sequencer) releaseCaptured() (func() error, bool) {
	held := s.session != nil
	s.endSessionLocked()
	log.Debug("camera released after capture")
	return nil, held
}

// stop ends the session. A captured frame and its result are kept until the
// next start or retake; detection for it keeps running.
func (s *Sequencer) stop() (func() error, bool) {
	s.endSessionLocked()
	s.remaining = 0
	if s.frame == nil {
		s.lastErr = nil
	}
	s.state = Idle
	return nil, true
}

func (s *Sequencer) retake() (func() error, bool) {
	s.endSessionLocked()
	s.discardCaptureLocked()
	s.lastErr = nil
	s.state = Idle
	return nil, true
}

func (s *Sequencer) restart() (func() error, bool) {
	s.cancelTimersLocked()
	s.discardCaptureLocked()
	s.lastErr = nil

	if s.session != nil {
		s.state = Live
		return nil, true
	}
	s.state = Idle
	follow, _ := s.beginAcquire()
	return follow, true
}

// fire delivers a timer action unless its scope has since been cancelled.
func (s *Sequencer) fire(scope *timerScope, a Action) {
	if err := s.dispatch(a, scope); err != nil && !errors.Is(err, ErrClosed) {
		log.Error("timer action failed", "action", a, "error", err)
	}
}

func (s *Sequencer) abandonAcquireLocked() {
	if !s.acquiring {
		return
	}
	s.acquiring = false
	s.acquireGen++
	if s.acquireCancel != nil {
		s.acquireCancel()
		s.acquireCancel = nil
	}
	log.Debug("camera acquisition cancelled")
}

func (s *Sequencer) cancelTimersLocked() {
	if s.timers != nil {
		s.timers.stop()
		s.timers = nil
	}
}

// endSessionLocked cancels all timers and releases the camera if held.
func (s *Sequencer) endSessionLocked() {
	s.cancelTimersLocked()
	if s.session != nil {
		s.cfg.Gateway.Release(s.session)
		s.session = nil
	}
}

// discardCaptureLocked drops the frame and result and invalidates any
// in-flight detection for them.
func (s *Sequencer) discardCaptureLocked() {
	s.cycle++
	if s.cancelDetect != nil {
		s.cancelDetect()
		s.cancelDetect = nil
	}
	s.frame = nil
	s.result = nil
	s.pending = false
}

// timerScope groups the timers of one countdown so they are cancelled together.
type timerScope struct {
	clock Clock

	mu      sync.Mutex
	timers  []Timer
	stopped bool
}

func newTimerScope(clock Clock) *timerScope {
	return &timerScope{clock: clock}
}

func (t *timerScope) after(d time.Duration, f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}
	t.timers = append(t.timers, t.clock.AfterFunc(d, f))
}

func (t *timerScope) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	for _, tm := range t.timers {
		tm.Stop()
	}
	t.timers = nil
}
