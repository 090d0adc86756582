// Package onnx runs a YOLOv8 object detection model locally through
// onnxruntime.
package onnx

import (
	"context"
	"image"
	"math"
	"sort"
	"sync"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/menta2k/image-annotator/pkg/model"
	"github.com/menta2k/image-annotator/pkg/types"
)

// DefaultInputSize is the square input resolution of the exported model
const DefaultInputSize = 640

// DefaultAnchors is the number of candidate boxes YOLOv8 emits at 640x640
const DefaultAnchors = 8400

// ErrClosed is returned by Detect after Close
var ErrClosed = errors.New("onnx detector is closed")

// Config describes the model file and post-processing thresholds
type Config struct {
	ModelPath      string
	LibraryPath    string
	InputName      string
	OutputName     string
	InputSize      int
	Anchors        int
	ConfThreshold  float64
	IOUThreshold   float64
	IntraOpThreads int
	Classes        []string
}

// DefaultConfig returns settings for a stock yolov8n.onnx export
func DefaultConfig() Config {
	return Config{
		ModelPath:      "yolov8n.onnx",
		InputName:      "images",
		OutputName:     "output0",
		InputSize:      DefaultInputSize,
		Anchors:        DefaultAnchors,
		ConfThreshold:  0.5,
		IOUThreshold:   0.7,
		IntraOpThreads: 1,
		Classes:        CocoClasses,
	}
}

var (
	envOnce sync.Once
	envErr  error
)

func initEnvironment(libraryPath string) error {
	envOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		envErr = ort.InitializeEnvironment()
	})
	return envErr
}

// Detector holds one onnxruntime session. Runs are serialized since the
// session reuses its input and output tensors.
type Detector struct {
	config Config

	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

var _ model.Detector = (*Detector)(nil)

// NewDetector initializes onnxruntime and opens the model
func NewDetector(config Config) (*Detector, error) {
	config = withDefaults(config)
	if err := initEnvironment(config.LibraryPath); err != nil {
		return nil, errors.Wrap(err, "failed to initialize onnxruntime")
	}

	size := int64(config.InputSize)
	input, err := ort.NewTensor(ort.NewShape(1, 3, size, size), make([]float32, 3*config.InputSize*config.InputSize))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create input tensor")
	}

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(4+len(config.Classes)), int64(config.Anchors)))
	if err != nil {
		input.Destroy()
		return nil, errors.Wrap(err, "failed to create output tensor")
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, errors.Wrap(err, "failed to create session options")
	}
	defer options.Destroy()
	if config.IntraOpThreads > 0 {
		options.SetIntraOpNumThreads(config.IntraOpThreads)
	}

	session, err := ort.NewAdvancedSession(
		config.ModelPath,
		[]string{config.InputName},
		[]string{config.OutputName},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		options,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, errors.Wrapf(err, "failed to open model %s", config.ModelPath)
	}

	return &Detector{config: config, session: session, input: input, output: output}, nil
}

// Loader returns a model.Loader that opens the model on first use
func Loader(config Config) model.Loader {
	return func(ctx context.Context) (model.Detector, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return NewDetector(config)
	}
}

// Detect runs the model on img. Boxes are returned in pixels of img.
func (d *Detector) Detect(ctx context.Context, img image.Image) ([]types.Prediction, error) {
	if img == nil {
		return nil, errors.New("no image")
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, errors.New("image has zero width or height")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.session == nil {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := FillInput(img, d.input.GetData(), d.config.InputSize); err != nil {
		return nil, err
	}
	if err := d.session.Run(); err != nil {
		return nil, errors.Wrap(err, "inference failed")
	}

	preds := DecodeOutput(d.output.GetData(), d.config, b.Dx(), b.Dy())
	return NMS(preds, d.config.IOUThreshold), nil
}

// Close releases the session and its tensors
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.session != nil {
		d.session.Destroy()
		d.session = nil
	}
	if d.input != nil {
		d.input.Destroy()
		d.input = nil
	}
	if d.output != nil {
		d.output.Destroy()
		d.output = nil
	}
	return nil
}

func withDefaults(config Config) Config {
	def := DefaultConfig()
	if config.InputName == "" {
		config.InputName = def.InputName
	}
	if config.OutputName == "" {
		config.OutputName = def.OutputName
	}
	if config.InputSize <= 0 {
		config.InputSize = def.InputSize
	}
	if config.Anchors <= 0 {
		config.Anchors = def.Anchors
	}
	if config.IOUThreshold <= 0 {
		config.IOUThreshold = def.IOUThreshold
	}
	if len(config.Classes) == 0 {
		config.Classes = def.Classes
	}
	return config
}

// FillInput resizes img to size x size and writes it into dst as planar
// RGB scaled to [0,1]
func FillInput(img image.Image, dst []float32, size int) error {
	channel := size * size
	if len(dst) < 3*channel {
		return errors.Errorf("input tensor holds %d floats, needs %d", len(dst), 3*channel)
	}

	resized := resize.Resize(uint(size), uint(size), img, resize.Lanczos3)
	origin := resized.Bounds().Min

	red := dst[0:channel]
	green := dst[channel : 2*channel]
	blue := dst[2*channel : 3*channel]

	i := 0
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b, _ := resized.At(origin.X+x, origin.Y+y).RGBA()
			red[i] = float32(r>>8) / 255.0
			green[i] = float32(g>>8) / 255.0
			blue[i] = float32(b>>8) / 255.0
			i++
		}
	}
	return nil
}

// DecodeOutput turns a [1, 4+classes, anchors] tensor into predictions for
// an image of width x height. Candidates below the confidence threshold are
// skipped.
func DecodeOutput(output []float32, config Config, width, height int) []types.Prediction {
	numClasses := len(config.Classes)
	if numClasses == 0 || len(output)%(numClasses+4) != 0 {
		return []types.Prediction{}
	}
	anchors := len(output) / (numClasses + 4)
	size := float64(config.InputSize)
	sx := float64(width) / size
	sy := float64(height) / size

	preds := make([]types.Prediction, 0)
	for i := 0; i < anchors; i++ {
		classID, best := 0, float32(0)
		for c := 0; c < numClasses; c++ {
			if p := output[anchors*(c+4)+i]; p > best {
				best = p
				classID = c
			}
		}
		if float64(best) < config.ConfThreshold {
			continue
		}

		xc := float64(output[i])
		yc := float64(output[anchors+i])
		w := float64(output[2*anchors+i])
		h := float64(output[3*anchors+i])

		preds = append(preds, types.Prediction{
			Class: config.Classes[classID],
			Score: float64(best),
			BBox: types.Box{
				X: (xc - w/2) * sx,
				Y: (yc - h/2) * sy,
				W: w * sx,
				H: h * sy,
			},
		})
	}
	return preds
}

// NMS keeps the highest scoring box of every group overlapping by more than
// threshold. Only boxes of the same class suppress each other.
func NMS(preds []types.Prediction, threshold float64) []types.Prediction {
	sorted := make([]types.Prediction, len(preds))
	copy(sorted, preds)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	suppressed := make([]bool, len(sorted))
	kept := make([]types.Prediction, 0, len(sorted))
	for i := range sorted {
		if suppressed[i] {
			continue
		}
		kept = append(kept, sorted[i])
		for j := i + 1; j < len(sorted); j++ {
			if suppressed[j] || sorted[j].Class != sorted[i].Class {
				continue
			}
			if IoU(sorted[i].BBox, sorted[j].BBox) > threshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

// IoU computes the intersection over union of two boxes
func IoU(a, b types.Box) float64 {
	x1 := math.Max(a.X, b.X)
	y1 := math.Max(a.Y, b.Y)
	x2 := math.Min(a.X+a.W, b.X+b.W)
	y2 := math.Min(a.Y+a.H, b.Y+b.H)

	inter := math.Max(0, x2-x1) * math.Max(0, y2-y1)
	union := a.W*a.H + b.W*b.H - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
