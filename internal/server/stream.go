package server

import (
	"fmt"
	"net/http"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/ppecheck/internal/capture"
)

// Preview pacing.
const (
	streamFrameInterval = 66 * time.Millisecond // ~15 FPS
	streamIdleInterval  = 250 * time.Millisecond
)

// FrameSource yields live frames for the preview stream.
type FrameSource interface {
	ReadFrame() (*gocv.Mat, error)
}

// rateSource is a FrameSource that reports its capture rate.
type rateSource interface {
	FPS() int
}

// StreamHandler serves MJPEG frames from the live camera session.
type StreamHandler struct {
	source FrameSource
}

// NewStreamHandler creates a new StreamHandler reading from source.
func NewStreamHandler(source FrameSource) *StreamHandler {
	return &StreamHandler{source: source}
}

// ServeHTTP streams MJPEG frames until the client disconnects. While no
// camera session is live the stream stays open and waits.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for {
		wait := h.frameInterval()
		if err := h.writeFrame(w); err != nil {
			wait = streamIdleInterval
		}

		select {
		case <-r.Context().Done():
			return
		case <-time.After(wait):
		}
	}
}

// frameInterval paces the stream at the source's capture rate when it has one.
func (h *StreamHandler) frameInterval() time.Duration {
	if rs, ok := h.source.(rateSource); ok {
		if fps := rs.FPS(); fps > 0 {
			return time.Second / time.Duration(fps)
		}
	}
	return streamFrameInterval
}

func (h *StreamHandler) writeFrame(w http.ResponseWriter) error {
	frame, err := h.source.ReadFrame()
	if err != nil {
		return err
	}
	img, err := capture.EncodeMat(gocv.JPEGFileExt, *frame)
	frame.Close()
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "--frame\r\n")
	fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
	fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(img.Data))
	w.Write(img.Data)
	fmt.Fprintf(w, "\r\n")

	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
