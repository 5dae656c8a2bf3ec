package sequencer

import (
	"context"
	"fmt"
	"sync"
)

// MockSession is a Session handed out by MockGateway.
type MockSession struct {
	id string
}

// ID returns the session id.
func (m *MockSession) ID() string { return m.id }

// MockGateway is a test Gateway that tracks acquired sessions.
type MockGateway struct {
	mu       sync.Mutex
	err      error
	block    chan struct{}
	seq      int
	active   map[string]bool
	acquired int
	released int
}

// NewMockGateway creates a MockGateway whose acquisitions succeed.
func NewMockGateway() *MockGateway {
	return &MockGateway{active: make(map[string]bool)}
}

// SetError makes subsequent acquisitions fail with err.
func (g *MockGateway) SetError(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
}

// Block makes subsequent acquisitions wait until the returned function is called.
func (g *MockGateway) Block() (unblock func()) {
	ch := make(chan struct{})
	g.mu.Lock()
	g.block = ch
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { close(ch) })
	}
}

// Acquire opens a new mock session.
func (g *MockGateway) Acquire(ctx context.Context) (Session, error) {
	g.mu.Lock()
	block := g.block
	g.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, ctx.Err())
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.err != nil {
		return nil, g.err
	}
	g.seq++
	s := &MockSession{id: fmt.Sprintf("session-%d", g.seq)}
	g.active[s.id] = true
	g.acquired++
	return s, nil
}

// Release stops a mock session. Releasing twice or releasing nil is a no-op.
func (g *MockGateway) Release(s Session) {
	if s == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active[s.ID()] {
		delete(g.active, s.ID())
		g.released++
	}
}

// Active returns the number of sessions acquired and not yet released.
func (g *MockGateway) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}

// Counts returns the number of acquisitions and releases so far.
func (g *MockGateway) Counts() (acquired, released int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.acquired, g.released
}

// MockEncoder is a test Encoder producing numbered frames.
type MockEncoder struct {
	mu  sync.Mutex
	err error
	n   int
}

// NewMockEncoder creates a MockEncoder.
func NewMockEncoder() *MockEncoder {
	return &MockEncoder{}
}

// SetError makes subsequent encodes fail with err.
func (e *MockEncoder) SetError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

// Count returns the number of successful encodes.
func (e *MockEncoder) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.n
}

// Encode returns a small fake PNG payload for the session.
func (e *MockEncoder) Encode(s Session) (Frame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.err != nil {
		return Frame{}, e.err
	}
	if s == nil {
		return Frame{}, ErrNoFrameAvailable
	}
	e.n++
	return Frame{
		ID:     fmt.Sprintf("frame-%d", e.n),
		PNG:    []byte(fmt.Sprintf("\x89PNG frame %d from %s", e.n, s.ID())),
		Width:  640,
		Height: 480,
	}, nil
}
