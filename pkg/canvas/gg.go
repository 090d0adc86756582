package canvas

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"

	"github.com/menta2k/image-annotator/pkg/types"
)

// GGSurface is a raster Surface backed by a gg.Context
type GGSurface struct {
	dc     *gg.Context
	filter imaging.ResampleFilter
	faces  map[float64]font.Face
}

var _ Surface = (*GGSurface)(nil)

// NewGGSurface creates a transparent surface of the given size
func NewGGSurface(width, height int) *GGSurface {
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}
	return &GGSurface{
		dc:     gg.NewContext(width, height),
		filter: imaging.Lanczos,
		faces:  make(map[float64]font.Face),
	}
}

func (s *GGSurface) Size() (int, int) {
	return s.dc.Width(), s.dc.Height()
}

func (s *GGSurface) Clear() {
	s.dc.SetColor(color.Transparent)
	s.dc.Clear()
}

func (s *GGSurface) DrawImage(img image.Image, x, y, w, h float64) {
	tw, th := pixels(w), pixels(h)
	if tw == 0 || th == 0 {
		return
	}
	b := img.Bounds()
	if b.Dx() != tw || b.Dy() != th {
		img = imaging.Resize(img, tw, th, s.filter)
	}
	s.dc.DrawImage(img, int(math.Round(x)), int(math.Round(y)))
}

func (s *GGSurface) StrokeRect(box types.Box, pen Pen) {
	s.dc.SetColor(pen.Color)
	s.dc.SetLineWidth(pen.LineWidth)
	s.dc.DrawRectangle(box.X, box.Y, box.W, box.H)
	s.dc.Stroke()
}

func (s *GGSurface) FillText(text string, x, y float64, pen Pen) {
	s.dc.SetFontFace(s.face(pen.FontSize))
	s.dc.SetColor(pen.Color)
	s.dc.DrawString(text, x, y)
}

func (s *GGSurface) Snapshot() image.Image {
	return imaging.Clone(s.dc.Image())
}

// face returns a Go Regular face of the given pixel size, falling back to
// the fixed 7x13 face if the font cannot be built
func (s *GGSurface) face(size float64) font.Face {
	if f, ok := s.faces[size]; ok {
		return f
	}
	var face font.Face = basicfont.Face7x13
	if size > 0 {
		if parsed, err := opentype.Parse(goregular.TTF); err == nil {
			if f, err := opentype.NewFace(parsed, &opentype.FaceOptions{
				Size:    size,
				DPI:     72,
				Hinting: font.HintingFull,
			}); err == nil {
				face = f
			}
		}
	}
	s.faces[size] = face
	return face
}

func pixels(v float64) int {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	n := int(math.Round(v))
	if n < 1 {
		n = 1
	}
	return n
}
