// Package fixtures builds synthetic camera frames for tests.
package fixtures

import (
	"image"
	"image/color"

	"gocv.io/x/gocv"
)

// Frame draws a scene of a worker wearing a hardhat on a grey background.
// The caller is responsible for closing the returned Mat.
func Frame(width, height int) *gocv.Mat {
	mat := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(128, 128, 128, 0), height, width, gocv.MatTypeCV8UC3)

	cx, cy := width/2, height/2
	head := height / 8
	body := image.Rect(cx-head, cy, cx+head, height-height/10)

	gocv.Rectangle(&mat, body, color.RGBA{R: 30, G: 90, B: 200}, -1)
	gocv.Circle(&mat, image.Pt(cx, cy-head), head, color.RGBA{R: 225, G: 190, B: 160}, -1)
	gocv.Rectangle(&mat, image.Rect(cx-head-head/4, cy-2*head-head/4, cx+head+head/4, cy-head-head/2),
		color.RGBA{R: 250, G: 210, B: 0}, -1)

	return &mat
}

// Sequence returns n copies of Frame, each shifted right by step pixels.
func Sequence(n, width, height, step int) []*gocv.Mat {
	frames := make([]*gocv.Mat, 0, n)
	for i := 0; i < n; i++ {
		f := Frame(width, height)
		if shift := i * step; shift > 0 {
			m := gocv.NewMatWithSize(2, 3, gocv.MatTypeCV64F)
			m.SetDoubleAt(0, 0, 1)
			m.SetDoubleAt(0, 2, float64(shift))
			m.SetDoubleAt(1, 1, 1)
			shifted := gocv.NewMat()
			gocv.WarpAffine(*f, &shifted, m, image.Pt(width, height))
			m.Close()
			f.Close()
			f = &shifted
		}
		frames = append(frames, f)
	}
	return frames
}

// Close releases all frames.
func Close(frames []*gocv.Mat) {
	for _, f := range frames {
		f.Close()
	}
}
