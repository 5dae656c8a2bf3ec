package capture

import (
	"bytes"
	"fmt"

	"gocv.io/x/gocv"
)

// Image is an encoded still.
type Image struct {
	Data   []byte
	Width  int
	Height int
}

// Encoder turns the current frame of a session into an image file.
type Encoder struct {
	ext gocv.FileExt
}

// NewEncoder creates an Encoder producing lossless PNG.
func NewEncoder() *Encoder {
	return &Encoder{ext: gocv.PNGFileExt}
}

// Encode reads the session's current frame at native resolution and encodes it.
func (e *Encoder) Encode(s *Session) (Image, error) {
	if s == nil || s.Released() {
		return Image{}, ErrNoFrameAvailable
	}

	mat, err := s.ReadFrame()
	if err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrNoFrameAvailable, err)
	}
	defer mat.Close()

	return EncodeMat(e.ext, *mat)
}

// EncodeMat encodes a single frame with the given file extension.
func EncodeMat(ext gocv.FileExt, mat gocv.Mat) (Image, error) {
	if mat.Empty() {
		return Image{}, ErrNoFrameAvailable
	}

	buf, err := gocv.IMEncode(ext, mat)
	if err != nil {
		return Image{}, fmt.Errorf("encode %s: %w", ext, err)
	}
	defer buf.Close()

	return Image{
		Data:   bytes.Clone(buf.GetBytes()),
		Width:  mat.Cols(),
		Height: mat.Rows(),
	}, nil
}
