package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ayusman/ppecheck/internal/detector"
	"github.com/ayusman/ppecheck/internal/log"
	"github.com/ayusman/ppecheck/internal/sequencer"
)

// Controller is the capture state machine as seen by the API.
type Controller interface {
	Do(a sequencer.Action) error
	Snapshot() sequencer.Snapshot
	Frame() (sequencer.Frame, bool)
	AnnotatedImage() ([]byte, string, bool)
}

// OverlayFunc draws detected objects onto a captured PNG.
type OverlayFunc func(png []byte, objects []detector.Object) ([]byte, error)

// CaptureHandler serves the capture state and the user controls.
type CaptureHandler struct {
	seq     Controller
	overlay OverlayFunc
}

// NewCaptureHandler creates a CaptureHandler driving seq.
func NewCaptureHandler(seq Controller) *CaptureHandler {
	return &CaptureHandler{seq: seq}
}

// WithOverlay makes the annotated endpoint fall back to drawing the detected
// objects locally when the service returned no annotated image.
func (h *CaptureHandler) WithOverlay(fn OverlayFunc) *CaptureHandler {
	h.overlay = fn
	return h
}

// ServeHTTP routes /api/state and /api/capture/{start,stop,retake,frame,annotated}.
func (h *CaptureHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api/state" {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, h.seq.Snapshot())
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/api/capture/")
	switch name {
	case "frame":
		h.frame(w, r)
	case "annotated":
		h.annotated(w, r)
	default:
		h.action(w, r, name)
	}
}

// action handles POST /api/capture/{start,stop,retake}.
func (h *CaptureHandler) action(w http.ResponseWriter, r *http.Request, name string) {
	a, err := sequencer.ParseAction(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "Unknown capture action")
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.seq.Do(a); err != nil {
		switch {
		case errors.Is(err, sequencer.ErrDeviceUnavailable):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		case errors.Is(err, sequencer.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, "Capture is shutting down")
		default:
			log.Error("capture action failed", "action", a, "error", err)
			writeError(w, http.StatusInternalServerError, "Capture action failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, h.seq.Snapshot())
}

// frame handles GET /api/capture/frame and returns the captured PNG.
func (h *CaptureHandler) frame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	f, ok := h.seq.Frame()
	if !ok {
		writeError(w, http.StatusNotFound, "No frame captured")
		return
	}
	w.Header().Set("X-Frame-ID", f.ID)
	writeBytes(w, "image/png", f.PNG)
}

// annotated handles GET /api/capture/annotated and returns the annotated image.
func (h *CaptureHandler) annotated(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if img, contentType, ok := h.seq.AnnotatedImage(); ok {
		writeBytes(w, contentType, img)
		return
	}

	img, ok := h.drawLocally()
	if !ok {
		writeError(w, http.StatusNotFound, "No annotated image available")
		return
	}
	w.Header().Set("X-Annotated-By", "local")
	writeBytes(w, "image/png", img)
}

// drawLocally renders the structured result over the captured frame.
func (h *CaptureHandler) drawLocally() ([]byte, bool) {
	if h.overlay == nil {
		return nil, false
	}
	snap := h.seq.Snapshot()
	if snap.Result == nil || !snap.Result.ObjectsReady {
		return nil, false
	}
	f, ok := h.seq.Frame()
	if !ok {
		return nil, false
	}

	img, err := h.overlay(f.PNG, snap.Result.Objects)
	if err != nil {
		log.Warn("local overlay failed", "frame", f.ID, "error", err)
		return nil, false
	}
	return img, true
}
