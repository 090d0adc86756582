package imageannotator

import (
	"context"
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/image-annotator/pkg/model"
	"github.com/menta2k/image-annotator/pkg/preparer"
	"github.com/menta2k/image-annotator/pkg/types"
)

// createTestImage creates a grey image with a bright square in the middle
func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if x > width/3 && x < 2*width/3 && y > height/3 && y < 2*height/3 {
				img.Set(x, y, color.RGBA{255, 255, 255, 255})
			} else {
				img.Set(x, y, color.RGBA{64, 64, 64, 255})
			}
		}
	}
	return img
}

func centerDetector() model.Detector {
	return model.DetectorFunc(func(_ context.Context, img image.Image) ([]types.Prediction, error) {
		b := img.Bounds()
		return []types.Prediction{{
			Class: "square",
			Score: 0.95,
			BBox:  types.Box{X: float64(b.Dx()) / 3, Y: float64(b.Dy()) / 3, W: float64(b.Dx()) / 3, H: float64(b.Dy()) / 3},
		}}, nil
	})
}

func TestAnnotate(t *testing.T) {
	ia := New(centerDetector())

	out, err := ia.Annotate(context.Background(), createTestImage(600, 300))
	require.NoError(t, err)

	assert.Equal(t, 600, out.Width)
	assert.InDelta(t, 400.0/600, out.Scale, 1e-9)
	require.Len(t, out.Annotations, 1)
	assert.InDelta(t, 400.0/3, out.Annotations[0].Box.X, 1e-6)
	assert.Equal(t, "square (95%)", out.Annotations[0].Label)

	b := out.Image.Bounds()
	assert.Equal(t, 400, b.Dx())
	assert.Equal(t, 400, b.Dy())
}

func TestAnnotateErrors(t *testing.T) {
	ia := New(centerDetector())
	_, err := ia.Annotate(context.Background(), image.NewRGBA(image.Rect(0, 0, 0, 0)))
	assert.ErrorIs(t, err, preparer.ErrDegenerateImage)

	failing := model.DetectorFunc(func(context.Context, image.Image) ([]types.Prediction, error) {
		return nil, errors.New("offline")
	})
	_, err = New(failing).Annotate(context.Background(), createTestImage(10, 10))
	assert.Error(t, err)
}

func TestAnnotateFileAndSave(t *testing.T) {
	dir := t.TempDir()
	ia := NewWithConfig(centerDetector(), Config{MaxDimension: 200, Annotation: DefaultConfig().Annotation})

	src := filepath.Join(dir, "in.png")
	require.NoError(t, ia.SaveImage(createTestImage(100, 50), src))

	out, err := ia.AnnotateFile(context.Background(), src)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, out.Scale, 1e-9)
	assert.Equal(t, 200, out.Image.Bounds().Dx())

	dst := filepath.Join(dir, "out.webp")
	require.NoError(t, ia.SaveImage(out.Image, dst))
	loaded, err := ia.LoadImage(dst)
	require.NoError(t, err)
	assert.Equal(t, 200, loaded.Bounds().Dx())

	_, err = ia.AnnotateFile(context.Background(), filepath.Join(dir, "missing.png"))
	assert.Error(t, err)
}

func TestGetVersion(t *testing.T) {
	assert.Equal(t, Version, GetVersion())
}

func BenchmarkAnnotate(b *testing.B) {
	ia := New(centerDetector())
	img := createTestImage(1024, 768)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = ia.Annotate(ctx, img)
	}
}
