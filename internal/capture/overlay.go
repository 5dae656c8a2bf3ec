package capture

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/ayusman/ppecheck/internal/detector"
)

var (
	violationColor = color.RGBA{R: 255, A: 255}
	objectColor    = color.RGBA{G: 255, A: 255}
)

// DrawDetections outlines the boxed objects on an encoded still and returns it
// as PNG. Violations are drawn in red, other classes in green. Objects without
// a box are skipped.
func DrawDetections(data []byte, objects []detector.Object) ([]byte, error) {
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	defer mat.Close()
	if mat.Empty() {
		return nil, ErrNoFrameAvailable
	}

	for _, o := range objects {
		box, ok := o.Box()
		if !ok {
			continue
		}
		c := objectColor
		if o.Violation() {
			c = violationColor
		}
		gocv.Rectangle(&mat, box, c, 2)
		gocv.PutText(&mat, o.Class, image.Pt(box.Min.X, max(box.Min.Y-6, 12)),
			gocv.FontHersheySimplex, 0.5, c, 1)
	}

	img, err := EncodeMat(gocv.PNGFileExt, mat)
	if err != nil {
		return nil, err
	}
	return img.Data, nil
}
