// Package sequencer drives the camera capture cycle: acquire the camera, count
// down, capture a still, submit it for detection and release the camera.
//
// All transitions are serialized by one mutex. Blocking work (device
// acquisition, detection requests) runs outside the lock and re-enters through
// generation checks, so the latest capture always wins.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ayusman/ppecheck/internal/detector"
	"github.com/ayusman/ppecheck/internal/log"
)

// Default capture timings.
const (
	DefaultCountdown    = 3
	DefaultTick         = time.Second
	DefaultReleaseAfter = 4 * time.Second
)

// Gateway acquires and releases camera sessions.
type Gateway interface {
	// Acquire opens the camera. It fails with an error wrapping
	// ErrDeviceUnavailable when no camera can be used.
	Acquire(ctx context.Context) (Session, error)
	// Release stops the session. It must be idempotent and accept nil.
	Release(s Session)
}

// Encoder renders the current frame of a live session as PNG.
type Encoder interface {
	Encode(s Session) (Frame, error)
}

// Config holds the collaborators and timings of a Sequencer.
type Config struct {
	Gateway  Gateway
	Encoder  Encoder
	Detector detector.Detector
	Clock    Clock

	// Countdown is the number of ticks before capture (default 3).
	Countdown int
	// Tick is the countdown interval (default 1s).
	Tick time.Duration
	// ReleaseAfter is the delay from countdown start to camera release (default 4s).
	ReleaseAfter time.Duration

	// NewID generates frame ids when the encoder leaves them empty.
	NewID func() string
}

// Sequencer is the capture state machine.
type Sequencer struct {
	cfg Config

	mu            sync.Mutex
	state         State
	remaining     int
	session       Session
	acquiring     bool
	acquireGen    uint64
	acquireCancel context.CancelFunc
	timers        *timerScope
	frame         *Frame
	result        *detector.Result
	pending       bool
	cancelDetect  context.CancelFunc
	lastErr       error
	cycle         uint64
	version       uint64
	closed        bool

	inflight sync.WaitGroup

	notifyMu  sync.Mutex
	published uint64
	subs      map[int]func(Snapshot)
	nextSub   int
}

// New creates a Sequencer in the Idle state.
func New(cfg Config) (*Sequencer, error) {
	if cfg.Gateway == nil {
		return nil, errors.New("sequencer: gateway is required")
	}
	if cfg.Encoder == nil {
		return nil, errors.New("sequencer: encoder is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.Countdown <= 0 {
		cfg.Countdown = DefaultCountdown
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.ReleaseAfter <= 0 {
		cfg.ReleaseAfter = DefaultReleaseAfter
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}

	return &Sequencer{
		cfg:   cfg,
		state: Idle,
		subs:  make(map[int]func(Snapshot)),
	}, nil
}

// Start acquires the camera when idle, or begins the countdown when the camera
// is live. It is a no-op while counting down. When called from Captured, or
// from Idle with a frame kept by Stop, it discards the previous capture and
// starts a new cycle.
// Start blocks while the camera is being acquired.
func (s *Sequencer) Start() error {
	return s.dispatch(ActionStart, nil)
}

// Stop cancels the countdown, releases the camera and returns to Idle. A
// captured frame and its result stay available until the next Start or Retake.
func (s *Sequencer) Stop() error {
	return s.dispatch(ActionStop, nil)
}

// Retake discards the captured frame and its result and returns to Idle.
// After Stop it clears the frame that Stop kept.
func (s *Sequencer) Retake() error {
	return s.dispatch(ActionRetake, nil)
}

// Do applies a user action.
func (s *Sequencer) Do(a Action) error {
	switch a {
	case ActionStart, ActionStop, ActionRetake:
		return s.dispatch(a, nil)
	default:
		return fmt.Errorf("unsupported action %q", a)
	}
}

// ParseAction converts a user action name into an Action.
func ParseAction(name string) (Action, error) {
	for _, a := range []Action{ActionStart, ActionStop, ActionRetake} {
		if a.String() == name {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown action %q", name)
}

// Snapshot returns a copy of the current state.
func (s *Sequencer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Frame returns the captured frame, if any.
func (s *Sequencer) Frame() (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frame == nil {
		return Frame{}, false
	}
	return *s.frame, true
}

// AnnotatedImage returns the annotated detection image and its content type.
func (s *Sequencer) AnnotatedImage() ([]byte, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.result == nil || !s.result.ImageReady {
		return nil, "", false
	}
	return s.result.Annotated, s.result.AnnotatedType, true
}

// Subscribe registers fn to receive snapshots after every change.
// fn runs on the goroutine that made the change and must not call
// Start, Stop or Retake synchronously.
func (s *Sequencer) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn

	return func() {
		s.notifyMu.Lock()
		defer s.notifyMu.Unlock()
		delete(s.subs, id)
	}
}

// Wait blocks until all in-flight detection submissions have returned.
func (s *Sequencer) Wait() {
	s.inflight.Wait()
}

// Close releases the camera, cancels timers and in-flight detection, and
// waits for detection goroutines to exit.
func (s *Sequencer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.abandonAcquireLocked()
	s.endSessionLocked()
	s.discardCaptureLocked()
	s.remaining = 0
	s.state = Idle
	s.changedLocked()
	s.mu.Unlock()

	s.publish()
	s.inflight.Wait()
	return nil
}

// dispatch looks up the transition for the current state and action and runs it.
// Timer callbacks pass their scope; they are ignored once that scope was cancelled.
func (s *Sequencer) dispatch(a Action, scope *timerScope) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if scope != nil && scope != s.timers {
		s.mu.Unlock()
		return nil
	}

	fn, ok := transitions[transitionKey{state: s.state, action: a}]
	if !ok {
		log.Debug("action ignored", "state", s.state, "action", a)
		s.mu.Unlock()
		return nil
	}

	from := s.state
	follow, changed := fn(s)
	if changed {
		s.changedLocked()
	}
	to := s.state
	s.mu.Unlock()

	if from != to {
		log.Debug("state changed", "from", from, "to", to, "action", a)
	}
	if changed {
		s.publish()
	}

	if follow != nil {
		return follow()
	}
	return nil
}

// acquire runs the blocking device acquisition started by beginAcquire.
func (s *Sequencer) acquire(ctx context.Context, gen uint64) error {
	sess, err := s.cfg.Gateway.Acquire(ctx)

	s.mu.Lock()
	if s.closed || gen != s.acquireGen || !s.acquiring {
		s.mu.Unlock()
		if err == nil {
			s.cfg.Gateway.Release(sess)
		}
		log.Debug("camera acquisition abandoned")
		return nil
	}

	s.acquiring = false
	if s.acquireCancel != nil {
		s.acquireCancel()
		s.acquireCancel = nil
	}

	if err != nil {
		if !errors.Is(err, ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		s.lastErr = err
		s.changedLocked()
		s.mu.Unlock()

		log.Warn("camera acquisition failed", "error", err)
		s.publish()
		return err
	}

	s.session = sess
	s.state = Live
	s.changedLocked()
	s.mu.Unlock()

	log.Info("camera live", "session", sess.ID())
	s.publish()
	return nil
}

// submitLocked sends the captured frame for detection on a new goroutine.
func (s *Sequencer) submitLocked(frame Frame) {
	if s.cfg.Detector == nil {
		return
	}
	if s.cancelDetect != nil {
		s.cancelDetect()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelDetect = cancel
	s.pending = true

	cycle := s.cycle
	df := detector.Frame{ID: frame.ID, PNG: frame.PNG}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer cancel()

		err := s.cfg.Detector.Detect(ctx, df, func(u detector.Update) {
			s.merge(cycle, u)
		})
		s.finish(cycle, err)
	}()
}

// merge applies one half of a detection result if it belongs to the current cycle.
func (s *Sequencer) merge(cycle uint64, u detector.Update) {
	s.mu.Lock()
	if s.closed || cycle != s.cycle || s.result == nil {
		s.mu.Unlock()
		log.Debug("discarding stale detection update", "cycle", cycle, "kind", u.Kind)
		return
	}
	s.result.Apply(u)
	s.changedLocked()
	s.mu.Unlock()

	s.publish()
}

// finish records the end of a detection submission.
func (s *Sequencer) finish(cycle uint64, err error) {
	s.mu.Lock()
	if s.closed || cycle != s.cycle {
		s.mu.Unlock()
		log.Debug("discarding stale detection completion", "cycle", cycle)
		return
	}

	s.pending = false
	s.cancelDetect = nil
	if err != nil {
		if !errors.Is(err, detector.ErrDetectionUnavailable) {
			err = fmt.Errorf("%w: %v", detector.ErrDetectionUnavailable, err)
		}
		s.lastErr = err
	}
	s.changedLocked()
	s.mu.Unlock()

	if err != nil {
		log.Warn("detection failed", "cycle", cycle, "error", err)
	}
	s.publish()
}

// publish delivers the current snapshot to subscribers if it changed since the
// last delivery. Deliveries are serialized and carry increasing versions.
func (s *Sequencer) publish() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.version == s.published {
		s.mu.Unlock()
		return
	}
	snap := s.snapshotLocked()
	s.published = s.version
	s.mu.Unlock()

	for _, fn := range s.subs {
		fn(snap)
	}
}

func (s *Sequencer) changedLocked() {
	s.version++
}

func (s *Sequencer) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:        s.state,
		Remaining:    s.remaining,
		CameraActive: s.session != nil,
		Acquiring:    s.acquiring,
		Pending:      s.pending,
		Cycle:        s.cycle,
		Version:      s.version,
	}
	if s.frame != nil {
		snap.Frame = &FrameInfo{
			ID:         s.frame.ID,
			Width:      s.frame.Width,
			Height:     s.frame.Height,
			Size:       len(s.frame.PNG),
			CapturedAt: s.frame.CapturedAt,
		}
	}
	if s.result != nil {
		// The annotated image is served separately; keep it out of snapshots.
		shallow := *s.result
		shallow.Annotated = nil
		r := shallow.Clone()
		snap.Result = &r
	}
	if s.lastErr != nil {
		snap.Error = s.lastErr.Error()
	}
	return snap
}
