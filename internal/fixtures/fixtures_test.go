package fixtures

import (
	"testing"
)

func TestFrame(t *testing.T) {
	f := Frame(320, 240)
	defer f.Close()

	if f.Empty() {
		t.Fatal("frame is empty")
	}
	if f.Cols() != 320 || f.Rows() != 240 {
		t.Errorf("size = %dx%d, want 320x240", f.Cols(), f.Rows())
	}
}

func TestSequence(t *testing.T) {
	frames := Sequence(3, 160, 120, 5)
	defer Close(frames)

	if len(frames) != 3 {
		t.Fatalf("len = %d, want 3", len(frames))
	}
	for i, f := range frames {
		if f.Cols() != 160 || f.Rows() != 120 {
			t.Errorf("frame %d size = %dx%d, want 160x120", i, f.Cols(), f.Rows())
		}
	}
}
