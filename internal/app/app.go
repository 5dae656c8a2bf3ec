// Package app wires the camera, capture sequencer and detection client together.
package app

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/ayusman/ppecheck/internal/capture"
	"github.com/ayusman/ppecheck/internal/detector"
	"github.com/ayusman/ppecheck/internal/log"
	"github.com/ayusman/ppecheck/internal/sequencer"
	"github.com/ayusman/ppecheck/internal/server/api"
)

// Config holds configuration options for the application.
type Config struct {
	BackendURL string
	CameraID   int
	// FPS is the camera capture rate. Zero keeps the camera default.
	FPS int

	// HTTPClient is used for detection requests. Nil uses httpc defaults.
	HTTPClient *http.Client
	// CameraFactory opens camera devices. Nil opens real devices through GoCV.
	CameraFactory func(deviceID int) capture.Camera
	// Clock drives the countdown. Nil uses the system clock.
	Clock sequencer.Clock
}

// App owns the capture components.
type App struct {
	config   Config
	gateway  *capture.Gateway
	encoder  *capture.Encoder
	detector *detector.Client
	seq      *sequencer.Sequencer

	closeOnce sync.Once
}

// New creates a new App instance with the given configuration.
func New(config Config) (*App, error) {
	a := &App{
		config:   config,
		gateway:  capture.NewGateway(config.CameraID, config.CameraFactory),
		encoder:  capture.NewEncoder(),
		detector: detector.NewClient(config.BackendURL, config.HTTPClient),
	}
	a.gateway.SetFPS(config.FPS)

	seq, err := sequencer.New(sequencer.Config{
		Gateway:  gatewayAdapter{gw: a.gateway},
		Encoder:  encoderAdapter{enc: a.encoder},
		Detector: a.detector,
		Clock:    config.Clock,
	})
	if err != nil {
		return nil, err
	}
	a.seq = seq

	log.Info("app initialized", "backend", config.BackendURL, "camera", config.CameraID)
	return a, nil
}

// Sequencer returns the capture state machine.
func (a *App) Sequencer() *sequencer.Sequencer {
	return a.seq
}

// Gateway returns the camera gateway.
func (a *App) Gateway() *capture.Gateway {
	return a.gateway
}

// Detector returns the detection client.
func (a *App) Detector() *detector.Client {
	return a.detector
}

// ApplySettings switches the camera device and detection service. Changes take
// effect on the next acquisition and the next submission.
func (a *App) ApplySettings(s api.Settings) {
	a.gateway.SetDeviceID(s.CameraID)
	a.detector.SetBaseURL(s.BackendURL)
	log.Info("settings applied", "backend", s.BackendURL, "camera", s.CameraID)
}

// CheckBackend probes the detection service. Failure is only reported.
func (a *App) CheckBackend(ctx context.Context) error {
	if err := a.detector.Ping(ctx); err != nil {
		log.Warn("detection service not reachable", "url", a.detector.BaseURL(), "error", err)
		return err
	}
	log.Info("detection service reachable", "url", a.detector.BaseURL())
	return nil
}

// Close stops the sequencer and releases the camera.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		err = a.seq.Close()
		a.gateway.Release(a.gateway.Current())
		log.Info("app stopped")
	})
	return err
}

// gatewayAdapter exposes capture.Gateway as a sequencer.Gateway.
type gatewayAdapter struct {
	gw *capture.Gateway
}

func (g gatewayAdapter) Acquire(ctx context.Context) (sequencer.Session, error) {
	s, err := g.gw.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (g gatewayAdapter) Release(s sequencer.Session) {
	cs, _ := s.(*capture.Session)
	g.gw.Release(cs)
}

// encoderAdapter exposes capture.Encoder as a sequencer.Encoder.
type encoderAdapter struct {
	enc *capture.Encoder
}

func (e encoderAdapter) Encode(s sequencer.Session) (sequencer.Frame, error) {
	cs, ok := s.(*capture.Session)
	if !ok || cs == nil {
		return sequencer.Frame{}, sequencer.ErrNoFrameAvailable
	}

	img, err := e.enc.Encode(cs)
	if err != nil {
		if !errors.Is(err, sequencer.ErrNoFrameAvailable) {
			return sequencer.Frame{}, errors.Join(sequencer.ErrNoFrameAvailable, err)
		}
		return sequencer.Frame{}, err
	}

	return sequencer.Frame{
		PNG:    img.Data,
		Width:  img.Width,
		Height: img.Height,
	}, nil
}
