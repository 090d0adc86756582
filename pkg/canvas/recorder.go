package canvas

import (
	"image"

	"github.com/menta2k/image-annotator/pkg/types"
)

// OpKind identifies a recorded drawing call
type OpKind string

const (
	OpClear OpKind = "clear"
	OpImage OpKind = "image"
	OpRect  OpKind = "rect"
	OpText  OpKind = "text"
)

// Op is one recorded drawing call. Box holds the image placement for
// OpImage, the outline for OpRect and the baseline origin for OpText.
type Op struct {
	Kind OpKind
	Box  types.Box
	Text string
	Pen  Pen
}

// Recorder is a Surface that records calls instead of drawing pixels
type Recorder struct {
	Width, Height int
	Ops           []Op
}

var _ Surface = (*Recorder)(nil)

// NewRecorder creates a Recorder reporting the given size
func NewRecorder(width, height int) *Recorder {
	return &Recorder{Width: width, Height: height}
}

func (r *Recorder) Size() (int, int) { return r.Width, r.Height }

func (r *Recorder) Clear() {
	r.Ops = append(r.Ops, Op{Kind: OpClear})
}

func (r *Recorder) DrawImage(_ image.Image, x, y, w, h float64) {
	r.Ops = append(r.Ops, Op{Kind: OpImage, Box: types.Box{X: x, Y: y, W: w, H: h}})
}

func (r *Recorder) StrokeRect(box types.Box, pen Pen) {
	r.Ops = append(r.Ops, Op{Kind: OpRect, Box: box, Pen: pen})
}

func (r *Recorder) FillText(text string, x, y float64, pen Pen) {
	r.Ops = append(r.Ops, Op{Kind: OpText, Box: types.Box{X: x, Y: y}, Text: text, Pen: pen})
}

func (r *Recorder) Snapshot() image.Image {
	return image.NewNRGBA(image.Rect(0, 0, r.Width, r.Height))
}

// Visible returns the operations issued since the last Clear, i.e. what is
// currently on the surface
func (r *Recorder) Visible() []Op {
	for i := len(r.Ops) - 1; i >= 0; i-- {
		if r.Ops[i].Kind == OpClear {
			return r.Ops[i+1:]
		}
	}
	return r.Ops
}

// Filter returns the visible operations of the given kind
func (r *Recorder) Filter(kind OpKind) []Op {
	var out []Op
	for _, op := range r.Visible() {
		if op.Kind == kind {
			out = append(out, op)
		}
	}
	return out
}
