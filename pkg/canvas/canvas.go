// Package canvas provides the drawing surface the annotated image is rendered
// onto. GGSurface draws into an in-memory raster with fogleman/gg; Recorder
// only remembers the calls it received.
package canvas

import (
	"image"
	"image/color"

	"github.com/menta2k/image-annotator/pkg/types"
)

// Red is the colour used for boxes and labels
var Red = color.NRGBA{R: 255, G: 0, B: 0, A: 255}

// Pen describes how strokes and text are drawn
type Pen struct {
	Color     color.Color
	LineWidth float64
	FontSize  float64
}

// DefaultPen is a 2px red stroke with 16px text
func DefaultPen() Pen {
	return Pen{Color: Red, LineWidth: 2, FontSize: 16}
}

// Surface is a mutable 2D drawing surface. Implementations are not safe for
// concurrent use.
type Surface interface {
	// Size returns the surface dimensions in pixels
	Size() (width, height int)
	// Clear erases the whole surface to transparent
	Clear()
	// DrawImage draws img scaled to w x h with its top-left corner at (x, y)
	DrawImage(img image.Image, x, y, w, h float64)
	// StrokeRect outlines box
	StrokeRect(box types.Box, pen Pen)
	// FillText draws text with its baseline starting at (x, y)
	FillText(text string, x, y float64, pen Pen)
	// Snapshot returns a copy of the current surface content
	Snapshot() image.Image
}
