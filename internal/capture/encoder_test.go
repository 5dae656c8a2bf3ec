package capture

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"testing"

	"gocv.io/x/gocv"
)

func TestEncoder_Encode(t *testing.T) {
	gw, _ := newMockGateway(t, true)
	s, err := gw.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer gw.Release(s)

	img, err := NewEncoder().Encode(s)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if img.Width != 640 || img.Height != 480 {
		t.Errorf("size = %dx%d, want 640x480", img.Width, img.Height)
	}

	decoded, err := png.Decode(bytes.NewReader(img.Data))
	if err != nil {
		t.Fatalf("output is not a PNG: %v", err)
	}
	if b := decoded.Bounds(); b.Dx() != 640 || b.Dy() != 480 {
		t.Errorf("decoded size = %v, want 640x480", b)
	}
}

func TestEncoder_NoFrame(t *testing.T) {
	gw, _ := newMockGateway(t, true)
	s, err := gw.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	gw.Release(s)

	tests := []struct {
		name    string
		session *Session
	}{
		{name: "nil session", session: nil},
		{name: "released session", session: s},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewEncoder().Encode(tt.session); !errors.Is(err, ErrNoFrameAvailable) {
				t.Errorf("Encode() error = %v, want ErrNoFrameAvailable", err)
			}
		})
	}
}

func TestEncodeMat_Empty(t *testing.T) {
	mat := gocv.NewMat()
	defer mat.Close()

	if _, err := EncodeMat(gocv.JPEGFileExt, mat); !errors.Is(err, ErrNoFrameAvailable) {
		t.Errorf("EncodeMat() error = %v, want ErrNoFrameAvailable", err)
	}
}
