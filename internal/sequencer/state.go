package sequencer

import (
	"errors"
	"fmt"
	"time"

	"github.com/ayusman/ppecheck/internal/detector"
)

var (
	// ErrDeviceUnavailable is reported when the camera cannot be acquired.
	ErrDeviceUnavailable = errors.New("camera device unavailable")

	// ErrNoFrameAvailable means the encoder ran without a rendered frame.
	// It indicates a sequencing bug, not a user-facing condition.
	ErrNoFrameAvailable = errors.New("no frame available")

	// ErrClosed is returned by actions on a closed Sequencer.
	ErrClosed = errors.New("sequencer closed")
)

// State is a Capture Sequencer state.
type State int

const (
	Idle State = iota
	Live
	CountingDown
	Captured
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Live:
		return "live"
	case CountingDown:
		return "counting_down"
	case Captured:
		return "captured"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Action is an input to the state machine.
type Action int

const (
	ActionStart Action = iota
	ActionStop
	ActionRetake
	actionTick
	actionRelease
)

func (a Action) String() string {
	switch a {
	case ActionStart:
		return "start"
	case ActionStop:
		return "stop"
	case ActionRetake:
		return "retake"
	case actionTick:
		return "tick"
	case actionRelease:
		return "release"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Session is a live camera session handed out by Devices.
type Session interface {
	ID() string
}

// Frame is a captured, PNG-encoded still.
type Frame struct {
	ID         string
	PNG        []byte
	Width      int
	Height     int
	CapturedAt time.Time
}

// FrameInfo is the frame metadata exposed in snapshots.
type FrameInfo struct {
	ID         string    `json:"id"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Size       int       `json:"size"`
	CapturedAt time.Time `json:"captured_at"`
}

// Snapshot is an immutable copy of the sequencer's observable state.
type Snapshot struct {
	State        State            `json:"state"`
	Remaining    int              `json:"remaining,omitempty"`
	CameraActive bool             `json:"camera_active"`
	Acquiring    bool             `json:"acquiring,omitempty"`
	Frame        *FrameInfo       `json:"frame,omitempty"`
	Result       *detector.Result `json:"result,omitempty"`
	Pending      bool             `json:"pending"`
	Error        string           `json:"error,omitempty"`
	Cycle        uint64           `json:"cycle"`
	Version      uint64           `json:"version"`
}
