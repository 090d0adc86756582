// Package preparer fits an uploaded image onto the drawing surface.
package preparer

import (
	"image"
	"math"

	"github.com/pkg/errors"

	"github.com/menta2k/image-annotator/pkg/canvas"
)

// DefaultMaxDimension is the side length of the square display area
const DefaultMaxDimension = 400

var (
	// ErrDegenerateImage is returned for images with a zero width or height
	ErrDegenerateImage = errors.New("image has zero width or height")
	// ErrInvalidMaxDimension is returned for a non-positive max dimension
	ErrInvalidMaxDimension = errors.New("max dimension must be positive")
)

// Config holds preparer settings
type Config struct {
	MaxDimension float64
}

// DefaultConfig returns the default preparer configuration
func DefaultConfig() Config {
	return Config{MaxDimension: DefaultMaxDimension}
}

// Preparer scales images to fit a MaxDimension x MaxDimension box
type Preparer struct {
	config Config
}

// Prepared describes an image that has been drawn onto a surface
type Prepared struct {
	Image      image.Image
	Width      int
	Height     int
	Scale      float64
	DrawWidth  float64
	DrawHeight float64
}

// New creates a preparer with the default max dimension
func New() *Preparer {
	return &Preparer{config: DefaultConfig()}
}

// NewWithConfig creates a preparer with custom configuration
func NewWithConfig(config Config) *Preparer {
	if config.MaxDimension <= 0 {
		config.MaxDimension = DefaultMaxDimension
	}
	return &Preparer{config: config}
}

// MaxDimension returns the configured display bound
func (p *Preparer) MaxDimension() float64 {
	return p.config.MaxDimension
}

// ComputeScale returns min(maxDim/width, maxDim/height). The result may be
// greater than 1, small images are enlarged to fill the box.
func ComputeScale(width, height int, maxDim float64) (float64, error) {
	if width <= 0 || height <= 0 {
		return 0, errors.Wrapf(ErrDegenerateImage, "%dx%d", width, height)
	}
	if maxDim <= 0 || math.IsNaN(maxDim) || math.IsInf(maxDim, 0) {
		return 0, errors.Wrapf(ErrInvalidMaxDimension, "%v", maxDim)
	}
	return math.Min(maxDim/float64(width), maxDim/float64(height)), nil
}

// Prepare clears surface and draws img at the origin scaled to fit. The
// surface is left untouched when img cannot be drawn.
func (p *Preparer) Prepare(surface canvas.Surface, img image.Image) (*Prepared, error) {
	if img == nil {
		return nil, errors.Wrap(ErrDegenerateImage, "no image")
	}

	b := img.Bounds()
	scale, err := ComputeScale(b.Dx(), b.Dy(), p.config.MaxDimension)
	if err != nil {
		return nil, err
	}

	prepared := &Prepared{
		Image:      img,
		Width:      b.Dx(),
		Height:     b.Dy(),
		Scale:      scale,
		DrawWidth:  float64(b.Dx()) * scale,
		DrawHeight: float64(b.Dy()) * scale,
	}

	surface.Clear()
	surface.DrawImage(img, 0, 0, prepared.DrawWidth, prepared.DrawHeight)

	return prepared, nil
}
