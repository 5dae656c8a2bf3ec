package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ayusman/ppecheck/internal/detector"
	"github.com/ayusman/ppecheck/internal/sequencer"
)

func newTestSequencer(t *testing.T, det detector.Detector) (*sequencer.Sequencer, *sequencer.MockGateway, *sequencer.FakeClock) {
	t.Helper()

	gw := sequencer.NewMockGateway()
	clock := sequencer.NewFakeClock(time.Unix(0, 0))
	seq, err := sequencer.New(sequencer.Config{
		Gateway:  gw,
		Encoder:  sequencer.NewMockEncoder(),
		Detector: det,
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("sequencer.New() error = %v", err)
	}
	t.Cleanup(func() { seq.Close() })
	return seq, gw, clock
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeSnapshot(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var snap map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	return snap
}

func TestCaptureHandler_State(t *testing.T) {
	seq, _, _ := newTestSequencer(t, nil)
	h := NewCaptureHandler(seq)

	rec := do(t, h, http.MethodGet, "/api/state")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if snap := decodeSnapshot(t, rec); snap["state"] != "idle" {
		t.Errorf("state = %v, want idle", snap["state"])
	}

	rec = do(t, h, http.MethodPost, "/api/state")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /api/state status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestCaptureHandler_Workflow(t *testing.T) {
	det := detector.NewMockDetector()
	det.SetImage([]byte("annotated"), "image/jpeg")
	seq, _, clock := newTestSequencer(t, det)
	h := NewCaptureHandler(seq)

	rec := do(t, h, http.MethodGet, "/api/capture/frame")
	if rec.Code != http.StatusNotFound {
		t.Errorf("frame before capture status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	steps := []struct {
		path      string
		wantState string
	}{
		{"/api/capture/start", "live"},
		{"/api/capture/start", "counting_down"},
	}
	for _, step := range steps {
		rec := do(t, h, http.MethodPost, step.path)
		if rec.Code != http.StatusOK {
			t.Fatalf("POST %s status = %d, want %d", step.path, rec.Code, http.StatusOK)
		}
		if snap := decodeSnapshot(t, rec); snap["state"] != step.wantState {
			t.Fatalf("POST %s state = %v, want %s", step.path, snap["state"], step.wantState)
		}
	}

	clock.Advance(3 * time.Second)
	seq.Wait()

	rec = do(t, h, http.MethodGet, "/api/capture/frame")
	if rec.Code != http.StatusOK {
		t.Fatalf("frame status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("frame Content-Type = %q, want image/png", ct)
	}
	if rec.Header().Get("X-Frame-ID") == "" {
		t.Error("X-Frame-ID header missing")
	}

	rec = do(t, h, http.MethodGet, "/api/capture/annotated")
	if rec.Code != http.StatusOK {
		t.Fatalf("annotated status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "annotated" || rec.Header().Get("Content-Type") != "image/jpeg" {
		t.Errorf("annotated = %q (%s)", rec.Body.String(), rec.Header().Get("Content-Type"))
	}

	rec = do(t, h, http.MethodPost, "/api/capture/retake")
	if snap := decodeSnapshot(t, rec); snap["state"] != "idle" {
		t.Errorf("after retake state = %v, want idle", snap["state"])
	}
	if rec := do(t, h, http.MethodGet, "/api/capture/annotated"); rec.Code != http.StatusNotFound {
		t.Errorf("annotated after retake status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestCaptureHandler_DeviceUnavailable(t *testing.T) {
	seq, gw, _ := newTestSequencer(t, nil)
	gw.SetError(errors.New("permission denied"))
	h := NewCaptureHandler(seq)

	rec := do(t, h, http.MethodPost, "/api/capture/start")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var body errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error: %v", err)
	}
	if body.Error == "" {
		t.Error("error message should not be empty")
	}
}

func TestCaptureHandler_BadRequests(t *testing.T) {
	seq, _, _ := newTestSequencer(t, nil)
	h := NewCaptureHandler(seq)

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"unknown action", http.MethodPost, "/api/capture/explode", http.StatusNotFound},
		{"internal action", http.MethodPost, "/api/capture/tick", http.StatusNotFound},
		{"GET on action", http.MethodGet, "/api/capture/start", http.StatusMethodNotAllowed},
		{"POST on frame", http.MethodPost, "/api/capture/frame", http.StatusMethodNotAllowed},
		{"DELETE on annotated", http.MethodDelete, "/api/capture/annotated", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(t, h, tt.method, tt.path); rec.Code != tt.want {
				t.Errorf("%s %s status = %d, want %d", tt.method, tt.path, rec.Code, tt.want)
			}
		})
	}
}

func TestCaptureHandler_Closed(t *testing.T) {
	seq, _, _ := newTestSequencer(t, nil)
	seq.Close()
	h := NewCaptureHandler(seq)

	if rec := do(t, h, http.MethodPost, "/api/capture/start"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestCaptureHandler_AnnotatedFallsBackToOverlay(t *testing.T) {
	det := detector.NewMockDetector()
	det.SetObjects([]detector.Object{{Class: "NO-Hardhat", BBox: []int{1, 2, 3, 4}}})
	seq, _, clock := newTestSequencer(t, det)

	var drawnFrame string
	var drawnObjects []detector.Object
	h := NewCaptureHandler(seq).WithOverlay(func(png []byte, objects []detector.Object) ([]byte, error) {
		drawnFrame = string(png)
		drawnObjects = objects
		return []byte("drawn"), nil
	})

	if rec := do(t, h, http.MethodGet, "/api/capture/annotated"); rec.Code != http.StatusNotFound {
		t.Errorf("annotated before capture status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	do(t, h, http.MethodPost, "/api/capture/start")
	do(t, h, http.MethodPost, "/api/capture/start")
	clock.Advance(3 * time.Second)
	seq.Wait()

	rec := do(t, h, http.MethodGet, "/api/capture/annotated")
	if rec.Code != http.StatusOK {
		t.Fatalf("annotated status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "drawn" || rec.Header().Get("Content-Type") != "image/png" {
		t.Errorf("annotated = %q (%s), want local overlay", rec.Body.String(), rec.Header().Get("Content-Type"))
	}
	if rec.Header().Get("X-Annotated-By") != "local" {
		t.Error("X-Annotated-By header missing")
	}
	if f, _ := seq.Frame(); drawnFrame != string(f.PNG) {
		t.Errorf("overlay frame = %q, want the captured PNG", drawnFrame)
	}
	if len(drawnObjects) != 1 || drawnObjects[0].Class != "NO-Hardhat" {
		t.Errorf("overlay objects = %+v", drawnObjects)
	}
}

func TestCaptureHandler_OverlayFailure(t *testing.T) {
	det := detector.NewMockDetector()
	det.SetObjects([]detector.Object{{Class: "Hardhat"}})
	seq, _, clock := newTestSequencer(t, det)
	h := NewCaptureHandler(seq).WithOverlay(func([]byte, []detector.Object) ([]byte, error) {
		return nil, errors.New("decode failed")
	})

	do(t, h, http.MethodPost, "/api/capture/start")
	do(t, h, http.MethodPost, "/api/capture/start")
	clock.Advance(3 * time.Second)
	seq.Wait()

	if rec := do(t, h, http.MethodGet, "/api/capture/annotated"); rec.Code != http.StatusNotFound {
		t.Errorf("annotated status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
