package preparer

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/image-annotator/pkg/canvas"
	"github.com/menta2k/image-annotator/pkg/types"
)

func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{uint8(x % 256), uint8(y % 256), 128, 255})
		}
	}
	return img
}

func TestComputeScale(t *testing.T) {
	tests := []struct {
		name          string
		width, height int
		want          float64
	}{
		{"landscape shrinks", 800, 400, 0.5},
		{"portrait shrinks", 300, 1200, 400.0 / 1200},
		{"small square grows", 200, 200, 2},
		{"exact fit", 400, 400, 1},
		{"tiny", 1, 1, 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scale, err := ComputeScale(tt.width, tt.height, DefaultMaxDimension)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, scale, 1e-9)

			longest := math.Max(float64(tt.width)*scale, float64(tt.height)*scale)
			assert.InDelta(t, DefaultMaxDimension, longest, 1e-9)
		})
	}
}

func TestComputeScaleErrors(t *testing.T) {
	_, err := ComputeScale(0, 100, DefaultMaxDimension)
	assert.ErrorIs(t, err, ErrDegenerateImage)

	_, err = ComputeScale(100, 0, DefaultMaxDimension)
	assert.ErrorIs(t, err, ErrDegenerateImage)

	_, err = ComputeScale(100, 100, 0)
	assert.ErrorIs(t, err, ErrInvalidMaxDimension)

	_, err = ComputeScale(100, 100, math.Inf(1))
	assert.ErrorIs(t, err, ErrInvalidMaxDimension)
}

func TestPrepare(t *testing.T) {
	p := New()
	rec := canvas.NewRecorder(400, 400)

	prepared, err := p.Prepare(rec, createTestImage(800, 400))
	require.NoError(t, err)

	assert.Equal(t, 800, prepared.Width)
	assert.Equal(t, 400, prepared.Height)
	assert.InDelta(t, 0.5, prepared.Scale, 1e-9)
	assert.InDelta(t, 400, prepared.DrawWidth, 1e-9)
	assert.InDelta(t, 200, prepared.DrawHeight, 1e-9)

	require.Len(t, rec.Ops, 2)
	assert.Equal(t, canvas.OpClear, rec.Ops[0].Kind)
	assert.Equal(t, canvas.OpImage, rec.Ops[1].Kind)
	assert.Equal(t, types.Box{X: 0, Y: 0, W: 400, H: 200}, rec.Ops[1].Box)
}

func TestPrepareReplacesPreviousImage(t *testing.T) {
	p := New()
	rec := canvas.NewRecorder(400, 400)

	_, err := p.Prepare(rec, createTestImage(800, 400))
	require.NoError(t, err)
	rec.StrokeRect(types.Box{X: 1, Y: 1, W: 5, H: 5}, canvas.DefaultPen())

	_, err = p.Prepare(rec, createTestImage(200, 200))
	require.NoError(t, err)

	visible := rec.Visible()
	require.Len(t, visible, 1)
	assert.Equal(t, types.Box{W: 400, H: 400}, visible[0].Box)
}

func TestPrepareDegenerateLeavesSurface(t *testing.T) {
	p := New()
	rec := canvas.NewRecorder(400, 400)

	_, err := p.Prepare(rec, image.NewRGBA(image.Rect(0, 0, 0, 10)))
	assert.ErrorIs(t, err, ErrDegenerateImage)

	_, err = p.Prepare(rec, nil)
	assert.ErrorIs(t, err, ErrDegenerateImage)

	assert.Empty(t, rec.Ops)
}

func TestNewWithConfig(t *testing.T) {
	p := NewWithConfig(Config{MaxDimension: 100})
	assert.Equal(t, 100.0, p.MaxDimension())

	p = NewWithConfig(Config{})
	assert.Equal(t, float64(DefaultMaxDimension), p.MaxDimension())

	rec := canvas.NewRecorder(100, 100)
	prepared, err := NewWithConfig(Config{MaxDimension: 100}).Prepare(rec, createTestImage(50, 200))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, prepared.Scale, 1e-9)
	assert.InDelta(t, 25, prepared.DrawWidth, 1e-9)
}

func BenchmarkPrepare(b *testing.B) {
	p := New()
	img := createTestImage(1024, 768)
	surface := canvas.NewGGSurface(DefaultMaxDimension, DefaultMaxDimension)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = p.Prepare(surface, img)
	}
}
