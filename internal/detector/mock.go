package detector

import (
	"context"
	"errors"
	"sync"
)

// MockDetector is a test implementation of the Detector interface.
// It allows tests to control the detection results.
type MockDetector struct {
	mu         sync.Mutex
	objects    []Object
	image      []byte
	imageType  string
	objectsErr error
	imageErr   error
	frames     []Frame
}

// NewMockDetector creates a new MockDetector that reports no objects and no image.
func NewMockDetector() *MockDetector {
	return &MockDetector{
		objects:   []Object{},
		imageErr:  errors.New("no image configured"),
		imageType: "image/jpeg",
	}
}

// SetObjects sets the objects that will be returned by Detect.
func (m *MockDetector) SetObjects(objects []Object) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects = objects
	m.objectsErr = nil
}

// SetImage sets the annotated image that will be returned by Detect.
func (m *MockDetector) SetImage(img []byte, contentType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.image = img
	m.imageType = contentType
	m.imageErr = nil
}

// SetObjectsError makes the structured half fail.
func (m *MockDetector) SetObjectsError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objectsErr = err
}

// SetImageError makes the image half fail.
func (m *MockDetector) SetImageError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.imageErr = err
}

// Frames returns the frames submitted so far.
func (m *MockDetector) Frames() []Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Frame(nil), m.frames...)
}

// Detect reports the pre-configured halves through sink.
func (m *MockDetector) Detect(ctx context.Context, frame Frame, sink func(Update)) error {
	m.mu.Lock()
	m.frames = append(m.frames, frame)
	objects, objectsErr := m.objects, m.objectsErr
	img, imgType, imageErr := m.image, m.imageType, m.imageErr
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return errors.Join(ErrDetectionUnavailable, err)
	}

	if objectsErr == nil {
		sink(Update{Kind: UpdateObjects, Objects: objects})
	}
	if imageErr == nil {
		sink(Update{Kind: UpdateImage, Image: img, ContentType: imgType})
	}

	if objectsErr != nil && imageErr != nil {
		return errors.Join(ErrDetectionUnavailable, objectsErr, imageErr)
	}
	return nil
}
