package detection

import (
	"context"
	"image"
	"strings"

	"github.com/pkg/errors"

	"github.com/menta2k/image-annotator/pkg/client"
	"github.com/menta2k/image-annotator/pkg/model"
	"github.com/menta2k/image-annotator/pkg/processing"
	"github.com/menta2k/image-annotator/pkg/types"
)

// SimpleTestPrompt for testing if the model can see images
const SimpleTestPrompt = `What do you see in this image? Describe it briefly.`

// DefaultPrompt asks a vision model for every salient object in the image
const DefaultPrompt = `You are an object detector.

Return JSON only:
{
  "objects": [
    {
      "label": "string",
      "confidence": 0.0,
      "box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0}
    }
  ]
}

HARD RULES
- All coordinates are normalized to [0,1] (NOT pixels). x,y is the top-left corner.
- One entry per distinct object. Prefer COCO class names (person, car, dog, cup, ...).
- Labels: lowercase, singular, no punctuation.
- confidence is your certainty in [0,1].
- If there is nothing to report, return {"objects": []}.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// Config holds settings for the vision model detector
type Config struct {
	Model   string
	Prompt  string
	Format  string // jpg or png
	MaxSize int    // longest side sent to the model
	Quality int
}

// DefaultConfig returns the default detector configuration
func DefaultConfig() Config {
	return Config{
		Model:   "openbmb/minicpm-o2.6:latest",
		Prompt:  DefaultPrompt,
		Format:  "jpg",
		MaxSize: 1024,
		Quality: 85,
	}
}

// Detector finds objects by asking a vision language model
type Detector struct {
	client    client.VisionClient
	processor *processing.Processor
	config    Config
}

var _ model.Detector = (*Detector)(nil)

// NewDetector creates a new detector with a vision client
func NewDetector(client client.VisionClient) *Detector {
	return NewDetectorWithConfig(client, DefaultConfig())
}

// NewDetectorWithConfig creates a detector with custom configuration
func NewDetectorWithConfig(client client.VisionClient, config Config) *Detector {
	def := DefaultConfig()
	if config.Prompt == "" {
		config.Prompt = def.Prompt
	}
	if config.Format == "" {
		config.Format = def.Format
	}
	if config.Quality <= 0 {
		config.Quality = def.Quality
	}
	return &Detector{client: client, processor: processing.NewProcessor(), config: config}
}

// Loader returns a model.Loader that checks the backend is reachable before
// handing out the detector
func (d *Detector) Loader() model.Loader {
	return func(ctx context.Context) (model.Detector, error) {
		if err := d.client.Ping(ctx); err != nil {
			return nil, errors.Wrap(err, "vision backend unreachable")
		}
		return d, nil
	}
}

// Detect sends img to the vision model and returns predictions in pixels of img
func (d *Detector) Detect(ctx context.Context, img image.Image) ([]types.Prediction, error) {
	if img == nil {
		return nil, errors.New("no image")
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, errors.New("image has zero width or height")
	}

	imgB64, err := d.processor.PrepareImageForModel(img, d.config.Format, d.config.MaxSize, d.config.Quality)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode image for model")
	}

	result, err := d.client.DetectObjects(ctx, d.config.Model, d.config.Prompt, imgB64)
	if err != nil {
		return nil, err
	}

	return ToPredictions(result, b.Dx(), b.Dy()), nil
}

// TestVision tests if the model can actually see the image with a simple prompt
func (d *Detector) TestVision(ctx context.Context, img image.Image) (string, error) {
	imgB64, err := d.processor.PrepareImageForModel(img, d.config.Format, d.config.MaxSize, d.config.Quality)
	if err != nil {
		return "", err
	}
	return d.client.SimpleQuery(ctx, d.config.Model, SimpleTestPrompt, imgB64)
}

// ToPredictions converts normalized model output into pixel predictions for
// an image of width x height. Entries without a label or with an empty box
// are dropped.
func ToPredictions(result *types.DetectionResult, width, height int) []types.Prediction {
	if result == nil {
		return []types.Prediction{}
	}
	preds := make([]types.Prediction, 0, len(result.Objects))
	for _, obj := range result.Objects {
		label := normalizeLabel(obj.Label)
		if label == "" || label == "none" {
			continue
		}
		box := normalizeBox(obj.Box, width, height)
		if box.W <= 0 || box.H <= 0 {
			continue
		}
		preds = append(preds, types.Prediction{
			Class: label,
			Score: clamp(obj.Confidence, 0, 1),
			BBox: types.Box{
				X: box.X * float64(width),
				Y: box.Y * float64(height),
				W: box.W * float64(width),
				H: box.H * float64(height),
			},
		})
	}
	return preds
}

// clamp ensures a value is within the given bounds
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// normalizeBox returns b in [0,1] coordinates clipped to the image. Models
// occasionally answer in pixels, those boxes are converted.
func normalizeBox(b types.Box, imgW, imgH int) types.Box {
	if imgW > 0 && imgH > 0 && (b.X > 1 || b.Y > 1 || b.W > 1 || b.H > 1) {
		b = types.Box{
			X: b.X / float64(imgW),
			Y: b.Y / float64(imgH),
			W: b.W / float64(imgW),
			H: b.H / float64(imgH),
		}
	}

	x := clamp(b.X, 0, 1)
	y := clamp(b.Y, 0, 1)
	return types.Box{
		X: x,
		Y: y,
		W: clamp(b.X+b.W, 0, 1) - x,
		H: clamp(b.Y+b.H, 0, 1) - y,
	}
}

func normalizeLabel(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}
