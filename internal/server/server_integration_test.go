package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"gocv.io/x/gocv"

	"github.com/ayusman/ppecheck/internal/capture"
	"github.com/ayusman/ppecheck/internal/config"
	"github.com/ayusman/ppecheck/internal/detector"
	"github.com/ayusman/ppecheck/internal/sequencer"
	"github.com/ayusman/ppecheck/internal/server/api"
	"github.com/ayusman/ppecheck/internal/store"
)

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	srv := New(cfg)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ts.Close()
	})
	return ts
}

func TestAPI_CaptureWorkflow(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	defer st.Close()

	det := detector.NewMockDetector()
	det.SetObjects([]detector.Object{{Class: "NO-Hardhat", BBox: []int{0, 0, 10, 10}}})
	clock := sequencer.NewFakeClock(time.Unix(0, 0))
	seq, err := sequencer.New(sequencer.Config{
		Gateway:  sequencer.NewMockGateway(),
		Encoder:  sequencer.NewMockEncoder(),
		Detector: det,
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("sequencer.New() error = %v", err)
	}
	defer seq.Close()

	var applied api.Settings
	ts := newTestServer(t, Config{
		Store:            st,
		Sequencer:        seq,
		Defaults:         config.Config{BackendURL: config.DefaultBackendURL},
		OnSettingsChange: func(s api.Settings) { applied = s },
	})
	client := ts.Client()

	post := func(path string) map[string]interface{} {
		t.Helper()
		resp, err := client.Post(ts.URL+path, "application/json", nil)
		if err != nil {
			t.Fatalf("POST %s error = %v", path, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("POST %s status = %d, want %d", path, resp.StatusCode, http.StatusOK)
		}
		var snap map[string]interface{}
		json.NewDecoder(resp.Body).Decode(&snap)
		return snap
	}

	// 1. Start twice: camera live, then countdown.
	if snap := post("/api/capture/start"); snap["state"] != "live" {
		t.Fatalf("state = %v, want live", snap["state"])
	}
	if snap := post("/api/capture/start"); snap["state"] != "counting_down" {
		t.Fatalf("state = %v, want counting_down", snap["state"])
	}

	// 2. Countdown completes and the detection result is merged.
	clock.Advance(3 * time.Second)
	seq.Wait()

	resp, err := client.Get(ts.URL + "/api/state")
	if err != nil {
		t.Fatalf("GET /api/state error = %v", err)
	}
	var raw struct {
		State  string          `json:"state"`
		Result json.RawMessage `json:"result"`
	}
	body := new(bytes.Buffer)
	body.ReadFrom(resp.Body)
	resp.Body.Close()
	json.Unmarshal(body.Bytes(), &raw)
	if raw.State != "captured" {
		t.Fatalf("state = %s, want captured", raw.State)
	}
	if !strings.Contains(string(raw.Result), "NO-Hardhat") {
		t.Errorf("result = %s, want NO-Hardhat", raw.Result)
	}

	// 3. Frame is downloadable.
	resp, _ = client.Get(ts.URL + "/api/capture/frame")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET frame status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	resp.Body.Close()

	// 4. Stop releases the camera but keeps the capture until retake.
	if snap := post("/api/capture/stop"); snap["state"] != "idle" || snap["camera_active"] != false {
		t.Errorf("after stop: state=%v camera_active=%v, want idle without camera", snap["state"], snap["camera_active"])
	}
	resp, _ = client.Get(ts.URL + "/api/capture/frame")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET frame after stop status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	resp.Body.Close()

	post("/api/capture/retake")
	resp, _ = client.Get(ts.URL + "/api/capture/frame")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET frame after retake status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
	resp.Body.Close()

	// 5. Settings round trip.
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/settings", bytes.NewBufferString(`{"camera_id": 3}`))
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("PUT /api/settings error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT /api/settings status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if applied.CameraID != 3 {
		t.Errorf("applied camera = %d, want 3", applied.CameraID)
	}
}

func TestAPI_EventsStream(t *testing.T) {
	clock := sequencer.NewFakeClock(time.Unix(0, 0))
	seq, err := sequencer.New(sequencer.Config{
		Gateway: sequencer.NewMockGateway(),
		Encoder: sequencer.NewMockEncoder(),
		Clock:   clock,
	})
	if err != nil {
		t.Fatalf("sequencer.New() error = %v", err)
	}
	defer seq.Close()

	ts := newTestServer(t, Config{Sequencer: seq})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	read := func() sequencerState {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var s sequencerState
		if err := conn.ReadJSON(&s); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		return s
	}

	if s := read(); s.State != "idle" {
		t.Fatalf("initial state = %s, want idle", s.State)
	}

	if err := seq.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Acquisition may publish more than one snapshot; wait for live.
	var last uint64
	for {
		s := read()
		if s.Version <= last {
			t.Fatalf("version went from %d to %d", last, s.Version)
		}
		last = s.Version
		if s.State == "live" {
			break
		}
	}
}

type sequencerState struct {
	State   string `json:"state"`
	Version uint64 `json:"version"`
}

func TestStream_MJPEG(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping OpenCV-backed test in short mode")
	}

	frame := gocv.NewMatWithSize(120, 160, gocv.MatTypeCV8UC3)
	defer frame.Close()
	cam := capture.NewMockCamera([]*gocv.Mat{&frame}, true)

	gw := capture.NewGateway(0, func(int) capture.Camera { return cam })
	s, err := gw.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer gw.Release(s)

	ts := newTestServer(t, Config{Preview: gw})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/stream", nil)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("GET /api/stream error = %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Errorf("Content-Type = %q", ct)
	}

	buf := make([]byte, 64)
	n, err := resp.Body.Read(buf)
	if err != nil && n == 0 {
		t.Fatalf("read stream error = %v", err)
	}
	if !strings.HasPrefix(string(buf[:n]), "--frame") {
		t.Errorf("stream starts with %q, want --frame boundary", buf[:n])
	}
}
