package annotator

import (
	"context"
	"image"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/image-annotator/pkg/canvas"
	"github.com/menta2k/image-annotator/pkg/model"
	"github.com/menta2k/image-annotator/pkg/types"
)

func fixed(preds ...types.Prediction) model.Detector {
	return model.DetectorFunc(func(context.Context, image.Image) ([]types.Prediction, error) {
		return preds, nil
	})
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "dog (87%)", Label(types.Prediction{Class: "dog", Score: 0.87}))
	assert.Equal(t, "cat (100%)", Label(types.Prediction{Class: "cat", Score: 0.996}))
	assert.Equal(t, "person (51%)", Label(types.Prediction{Class: "person", Score: 0.506}))
}

func TestLabelY(t *testing.T) {
	assert.Equal(t, 10.0, LabelY(3))
	assert.Equal(t, 10.0, LabelY(10))
	assert.Equal(t, 45.0, LabelY(50))
	assert.InDelta(t, 5.5, LabelY(10.5), 1e-9)
}

func TestRender(t *testing.T) {
	a := New(nil)
	rec := canvas.NewRecorder(400, 400)

	anns := a.Render(rec, []types.Prediction{
		{Class: "dog", Score: 0.87, BBox: types.Box{X: 100, Y: 50, W: 60, H: 40}},
	}, 0.5)

	require.Len(t, anns, 1)
	assert.Equal(t, types.Box{X: 50, Y: 25, W: 30, H: 20}, anns[0].Box)
	assert.Equal(t, "dog (87%)", anns[0].Label)
	assert.Equal(t, 50.0, anns[0].LabelX)
	assert.Equal(t, 20.0, anns[0].LabelY)

	rects := rec.Filter(canvas.OpRect)
	require.Len(t, rects, 1)
	assert.Equal(t, types.Box{X: 50, Y: 25, W: 30, H: 20}, rects[0].Box)
	assert.Equal(t, 2.0, rects[0].Pen.LineWidth)
	assert.Equal(t, canvas.Red, rects[0].Pen.Color)

	texts := rec.Filter(canvas.OpText)
	require.Len(t, texts, 1)
	assert.Equal(t, "dog (87%)", texts[0].Text)
	assert.Equal(t, types.Box{X: 50, Y: 20}, texts[0].Box)
	assert.Equal(t, 16.0, texts[0].Pen.FontSize)
}

func TestRenderLabelNearTop(t *testing.T) {
	rec := canvas.NewRecorder(400, 400)
	anns := New(nil).Render(rec, []types.Prediction{
		{Class: "person", Score: 0.6, BBox: types.Box{X: 4, Y: 3, W: 10, H: 10}},
	}, 1)

	require.Len(t, anns, 1)
	assert.Equal(t, 10.0, anns[0].LabelY)
}

func TestRenderNothing(t *testing.T) {
	rec := canvas.NewRecorder(400, 400)
	anns := New(nil).Render(rec, nil, 1)
	assert.Empty(t, anns)
	assert.Empty(t, rec.Ops)
}

func TestAnnotate(t *testing.T) {
	a := New(fixed(
		types.Prediction{Class: "dog", Score: 0.9, BBox: types.Box{X: 10, Y: 20, W: 30, H: 40}},
		types.Prediction{Class: "cat", Score: 0.7, BBox: types.Box{X: 100, Y: 100, W: 20, H: 20}},
	))
	rec := canvas.NewRecorder(400, 400)

	anns, err := a.Annotate(context.Background(), rec, image.NewRGBA(image.Rect(0, 0, 200, 200)), 2)
	require.NoError(t, err)
	require.Len(t, anns, 2)
	assert.Equal(t, types.Box{X: 20, Y: 40, W: 60, H: 80}, anns[0].Box)
	assert.Len(t, rec.Filter(canvas.OpRect), 2)
	assert.Len(t, rec.Filter(canvas.OpText), 2)
}

func TestAnnotateErrors(t *testing.T) {
	rec := canvas.NewRecorder(400, 400)
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))

	_, err := New(nil).Annotate(context.Background(), rec, img, 1)
	assert.ErrorIs(t, err, model.ErrModelNotReady)

	failing := model.DetectorFunc(func(context.Context, image.Image) ([]types.Prediction, error) {
		return nil, errors.New("backend down")
	})
	_, err = New(failing).Annotate(context.Background(), rec, img, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend down")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = New(fixed(types.Prediction{Class: "dog", Score: 1})).Annotate(ctx, rec, img, 1)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Empty(t, rec.Ops)
}

func TestCustomPen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pen.LineWidth = 4
	cfg.LabelOffset = 8
	a := NewWithConfig(nil, cfg)
	rec := canvas.NewRecorder(400, 400)

	anns := a.Render(rec, []types.Prediction{{Class: "car", Score: 0.5, BBox: types.Box{X: 0, Y: 100, W: 1, H: 1}}}, 1)
	assert.Equal(t, 92.0, anns[0].LabelY)
	assert.Equal(t, 4.0, rec.Filter(canvas.OpRect)[0].Pen.LineWidth)
}
