// Package annotator runs a detector on an image and draws the results onto
// a prepared surface.
package annotator

import (
	"context"
	"fmt"
	"image"
	"math"

	"github.com/pkg/errors"

	"github.com/menta2k/image-annotator/pkg/canvas"
	"github.com/menta2k/image-annotator/pkg/model"
	"github.com/menta2k/image-annotator/pkg/types"
)

// Config holds annotation settings
type Config struct {
	Pen canvas.Pen
	// LabelOffset is how far above the box the label baseline sits
	LabelOffset float64
	// LabelMinY is the baseline used when the box is too close to the top
	LabelMinY float64
}

// DefaultConfig returns the default annotation configuration
func DefaultConfig() Config {
	return Config{
		Pen:         canvas.DefaultPen(),
		LabelOffset: 5,
		LabelMinY:   10,
	}
}

// Annotator detects objects and renders their boxes and labels
type Annotator struct {
	detector model.Detector
	config   Config
}

// Annotation is one drawn prediction in surface coordinates
type Annotation struct {
	Prediction types.Prediction `json:"prediction"`
	Box        types.Box        `json:"box"`
	Label      string           `json:"label"`
	LabelX     float64          `json:"label_x"`
	LabelY     float64          `json:"label_y"`
}

// New creates an annotator with the default pen
func New(detector model.Detector) *Annotator {
	return NewWithConfig(detector, DefaultConfig())
}

// NewWithConfig creates an annotator with custom configuration
func NewWithConfig(detector model.Detector, config Config) *Annotator {
	return &Annotator{detector: detector, config: config}
}

// Detect runs the detector on the original, unscaled image
func (a *Annotator) Detect(ctx context.Context, img image.Image) ([]types.Prediction, error) {
	if a.detector == nil {
		return nil, model.ErrModelNotReady
	}
	preds, err := a.detector.Detect(ctx, img)
	if err != nil {
		return nil, errors.Wrap(err, "detection failed")
	}
	return preds, nil
}

// Render draws preds on surface, scaling every box by scale. Nothing is
// drawn for an empty slice.
func (a *Annotator) Render(surface canvas.Surface, preds []types.Prediction, scale float64) []Annotation {
	annotations := make([]Annotation, 0, len(preds))
	for _, p := range preds {
		box := p.BBox.Scale(scale)
		ann := Annotation{
			Prediction: p,
			Box:        box,
			Label:      Label(p),
			LabelX:     box.X,
			LabelY:     a.labelY(box.Y),
		}
		surface.StrokeRect(box, a.config.Pen)
		surface.FillText(ann.Label, ann.LabelX, ann.LabelY, a.config.Pen)
		annotations = append(annotations, ann)
	}
	return annotations
}

// Annotate detects objects in img and renders them at scale
func (a *Annotator) Annotate(ctx context.Context, surface canvas.Surface, img image.Image, scale float64) ([]Annotation, error) {
	preds, err := a.Detect(ctx, img)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a.Render(surface, preds, scale), nil
}

// Label formats a prediction as "<class> (<percent>%)"
func Label(p types.Prediction) string {
	return fmt.Sprintf("%s (%d%%)", p.Class, int(math.Round(p.Score*100)))
}

// LabelY returns the label baseline for a box whose scaled top is y
func LabelY(y float64) float64 {
	return DefaultConfig().labelY(y)
}

func (a *Annotator) labelY(y float64) float64 {
	return a.config.labelY(y)
}

func (c Config) labelY(y float64) float64 {
	if y > c.LabelMinY {
		return y - c.LabelOffset
	}
	return c.LabelMinY
}
