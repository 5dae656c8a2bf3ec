package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"gocv.io/x/gocv"

	"github.com/ayusman/ppecheck/internal/log"
)

// Session is a live camera stream handed out by the Gateway.
type Session struct {
	id       string
	deviceID int
	camera   Camera

	mu       sync.Mutex
	released bool
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// DeviceID returns the camera index the session was opened on.
func (s *Session) DeviceID() int { return s.deviceID }

// Released reports whether the session has been released.
func (s *Session) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// ReadFrame reads the current frame of the session.
// The caller is responsible for closing the returned Mat.
func (s *Session) ReadFrame() (*gocv.Mat, error) {
	if s == nil || s.Released() {
		return nil, ErrCameraNotOpen
	}
	return s.camera.ReadFrame()
}

// Gateway owns access to the camera device. At most one session is live.
type Gateway struct {
	newCamera func(deviceID int) Camera

	mu       sync.Mutex
	deviceID int
	fps      int
	current  *Session
}

// NewGateway creates a Gateway for deviceID. A nil factory opens real devices.
func NewGateway(deviceID int, factory func(deviceID int) Camera) *Gateway {
	if factory == nil {
		factory = NewCamera
	}
	return &Gateway{
		newCamera: factory,
		deviceID:  deviceID,
		fps:       DefaultFPS,
	}
}

// SetDeviceID selects the camera used by the next acquisition.
func (g *Gateway) SetDeviceID(id int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deviceID = id
}

// DeviceID returns the configured camera index.
func (g *Gateway) DeviceID() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.deviceID
}

// SetFPS sets the capture rate for the live session and later acquisitions.
// Values less than or equal to 0 are ignored.
func (g *Gateway) SetFPS(fps int) {
	if fps <= 0 {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.fps = fps
	if g.current != nil {
		g.current.camera.SetFPS(fps)
	}
}

// FPS returns the capture rate of the live session, or the configured rate
// when no session is live.
func (g *Gateway) FPS() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.current != nil {
		if fps := g.current.camera.FPS(); fps > 0 {
			return fps
		}
	}
	return g.fps
}

// Acquire opens the camera and checks that it delivers frames. Every
// successful call returns a new Session. A session still live at that point
// has been abandoned by its owner and is released first, so a late Release of
// it cannot close the new one.
func (g *Gateway) Acquire(ctx context.Context) (*Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	if prev := g.current; prev != nil {
		log.Warn("superseding camera session", "session", prev.id)
		g.releaseLocked(prev)
	}

	cam := g.newCamera(g.deviceID)
	cam.SetFPS(g.fps)
	if err := cam.Open(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	frame, err := cam.ReadFrame()
	if err != nil {
		cam.Close()
		return nil, fmt.Errorf("%w: camera %d: %v", ErrDeviceUnavailable, g.deviceID, err)
	}
	frame.Close()

	if err := ctx.Err(); err != nil {
		cam.Close()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	s := &Session{
		id:       uuid.NewString(),
		deviceID: g.deviceID,
		camera:   cam,
	}
	g.current = s

	log.Info("camera session opened", "session", s.id, "device", g.deviceID)
	return s, nil
}

// Release closes the session's camera. It is idempotent and accepts nil.
func (g *Gateway) Release(s *Session) {
	if s == nil {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.releaseLocked(s)
}

func (g *Gateway) releaseLocked(s *Session) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	s.mu.Unlock()

	if err := s.camera.Close(); err != nil {
		log.Warn("camera close failed", "session", s.id, "error", err)
	}
	if g.current == s {
		g.current = nil
	}
	log.Info("camera session released", "session", s.id)
}

// Current returns the live session, or nil.
func (g *Gateway) Current() *Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// ReadFrame reads from the live session for preview.
// The caller is responsible for closing the returned Mat.
func (g *Gateway) ReadFrame() (*gocv.Mat, error) {
	s := g.Current()
	if s == nil {
		return nil, ErrCameraNotOpen
	}
	return s.ReadFrame()
}
