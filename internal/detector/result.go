package detector

import (
	"image"
	"strings"
)

// ViolationPrefix marks classes that report missing equipment, e.g. "NO-Hardhat".
const ViolationPrefix = "NO-"

// Object is a single detection reported by the service.
type Object struct {
	Class      string   `json:"class"`
	Confidence *float64 `json:"confidence,omitempty"`
	BBox       []int    `json:"bbox,omitempty"`
}

// Violation reports whether the object marks missing protective equipment.
func (o Object) Violation() bool {
	return strings.HasPrefix(strings.ToUpper(o.Class), ViolationPrefix)
}

// Box returns the bounding box as a rectangle. ok is false when the service
// did not send a four-element [x1, y1, x2, y2] box.
func (o Object) Box() (r image.Rectangle, ok bool) {
	if len(o.BBox) != 4 {
		return image.Rectangle{}, false
	}
	return image.Rect(o.BBox[0], o.BBox[1], o.BBox[2], o.BBox[3]), true
}

// Result is the merged outcome of a detection submission.
// Either half may be missing when its request failed.
type Result struct {
	Objects       []Object `json:"detected_objects"`
	ObjectsReady  bool     `json:"objects_ready"`
	Annotated     []byte   `json:"-"`
	AnnotatedType string   `json:"annotated_type,omitempty"`
	ImageReady    bool     `json:"image_ready"`
}

// Apply merges an update into the result.
func (r *Result) Apply(u Update) {
	switch u.Kind {
	case UpdateObjects:
		r.Objects = append([]Object(nil), u.Objects...)
		if r.Objects == nil {
			r.Objects = []Object{}
		}
		r.ObjectsReady = true
	case UpdateImage:
		r.Annotated = append([]byte(nil), u.Image...)
		r.AnnotatedType = u.ContentType
		r.ImageReady = true
	}
}

// Empty reports whether no half of the result has arrived.
func (r Result) Empty() bool {
	return !r.ObjectsReady && !r.ImageReady
}

// Violations returns the detected objects that mark missing equipment.
func (r Result) Violations() []Object {
	var out []Object
	for _, o := range r.Objects {
		if o.Violation() {
			out = append(out, o)
		}
	}
	return out
}

// Compliant reports whether the structured result arrived and contains no violations.
func (r Result) Compliant() bool {
	return r.ObjectsReady && len(r.Violations()) == 0
}

// Clone returns a deep copy of the result.
func (r Result) Clone() Result {
	c := r
	if r.Objects != nil {
		c.Objects = make([]Object, len(r.Objects))
		for i, o := range r.Objects {
			c.Objects[i] = o
			if o.Confidence != nil {
				v := *o.Confidence
				c.Objects[i].Confidence = &v
			}
			if o.BBox != nil {
				c.Objects[i].BBox = append([]int(nil), o.BBox...)
			}
		}
	}
	if r.Annotated != nil {
		c.Annotated = append([]byte(nil), r.Annotated...)
	}
	return c
}
