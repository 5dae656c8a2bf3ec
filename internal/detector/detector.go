// Package detector submits captured frames to the remote PPE detection service
// and normalizes its two response shapes into a single Result.
package detector

import (
	"context"
	"errors"
)

// ErrDetectionUnavailable is returned when neither the structured nor the
// annotated-image request succeeded for a frame.
var ErrDetectionUnavailable = errors.New("detection unavailable")

// Frame is a captured still submitted for detection.
type Frame struct {
	// ID identifies the capture; it is used as the upload filename and request id.
	ID string
	// PNG is the encoded image.
	PNG []byte
}

// UpdateKind identifies which half of a Result an Update carries.
type UpdateKind int

const (
	// UpdateObjects carries the structured detected-objects list.
	UpdateObjects UpdateKind = iota + 1
	// UpdateImage carries the annotated overlay image.
	UpdateImage
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateObjects:
		return "objects"
	case UpdateImage:
		return "image"
	default:
		return "unknown"
	}
}

// Update is one half of a detection result, delivered as soon as it arrives.
type Update struct {
	Kind        UpdateKind
	Objects     []Object
	Image       []byte
	ContentType string
}

// Detector defines the interface for detection backends.
type Detector interface {
	// Detect submits frame and calls sink once per successful half of the
	// result, in arrival order. sink may be called from multiple goroutines.
	// It returns ErrDetectionUnavailable when both halves failed; a partial
	// success returns nil.
	Detect(ctx context.Context, frame Frame, sink func(Update)) error
}
