// Package imageannotator detects objects in an image and draws labeled boxes
// around them on a fixed size surface.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"log"
//
//		imageannotator "github.com/menta2k/image-annotator"
//		"github.com/menta2k/image-annotator/pkg/ollama"
//		"github.com/menta2k/image-annotator/pkg/detection"
//	)
//
//	func main() {
//		vc, err := ollama.NewClient("http://localhost:11434/api/chat")
//		if err != nil {
//			log.Fatal(err)
//		}
//		ia := imageannotator.New(detection.NewDetector(vc))
//
//		out, err := ia.AnnotateFile(context.Background(), "street.jpg")
//		if err != nil {
//			log.Fatal(err)
//		}
//		if err := ia.SaveImage(out.Image, "street_annotated.png"); err != nil {
//			log.Fatal(err)
//		}
//		log.Printf("%d objects, scale %.2f", len(out.Annotations), out.Scale)
//	}
//
// The package consists of these components:
//
// 1. Preparer (pkg/preparer): scales the image to fit the surface and draws it
// 2. Annotator (pkg/annotator): runs the detector and draws boxes and labels
// 3. Canvas (pkg/canvas): the drawing surface
// 4. Model (pkg/model): the detector interface and the loading handle
// 5. Detection backends: pkg/detection with pkg/ollama or pkg/llamacpp, and pkg/onnx
// 6. Session (pkg/session): the upload cycle used by the HTTP server
//
// Detection always runs on the original image. Boxes are scaled into surface
// coordinates before they are drawn.
package imageannotator

import (
	"context"
	"image"
	"io"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/menta2k/image-annotator/pkg/annotator"
	"github.com/menta2k/image-annotator/pkg/canvas"
	"github.com/menta2k/image-annotator/pkg/model"
	"github.com/menta2k/image-annotator/pkg/preparer"
	"github.com/menta2k/image-annotator/pkg/processing"
)

// Version of the image annotator library
const Version = "1.0.0"

// Config holds the facade settings
type Config struct {
	MaxDimension float64
	Annotation   annotator.Config
	Quality      int
}

// DefaultConfig returns the default facade configuration
func DefaultConfig() Config {
	return Config{
		MaxDimension: preparer.DefaultMaxDimension,
		Annotation:   annotator.DefaultConfig(),
		Quality:      90,
	}
}

// ImageAnnotator provides a high-level interface for one-shot annotation
type ImageAnnotator struct {
	config    Config
	processor *processing.Processor
	preparer  *preparer.Preparer
	annotator *annotator.Annotator
}

// Output is the annotated surface together with what was drawn on it
type Output struct {
	Image       image.Image            `json:"-"`
	Width       int                    `json:"width"`
	Height      int                    `json:"height"`
	Scale       float64                `json:"scale"`
	Annotations []annotator.Annotation `json:"annotations"`
}

// New creates an ImageAnnotator with default configuration
func New(detector model.Detector) *ImageAnnotator {
	return NewWithConfig(detector, DefaultConfig())
}

// NewWithConfig creates an ImageAnnotator with custom configuration
func NewWithConfig(detector model.Detector, config Config) *ImageAnnotator {
	prep := preparer.NewWithConfig(preparer.Config{MaxDimension: config.MaxDimension})
	config.MaxDimension = prep.MaxDimension()
	if config.Quality <= 0 {
		config.Quality = DefaultConfig().Quality
	}
	return &ImageAnnotator{
		config:    config,
		processor: processing.NewProcessor(),
		preparer:  prep,
		annotator: annotator.NewWithConfig(detector, config.Annotation),
	}
}

// LoadImage loads an image from a file path or http(s) URL
func (ia *ImageAnnotator) LoadImage(source string) (image.Image, error) {
	return ia.processor.LoadImageSmart(source)
}

// LoadImageFromReader loads an image from an io.Reader
func (ia *ImageAnnotator) LoadImageFromReader(reader io.Reader) (image.Image, error) {
	return ia.processor.LoadImageFromReader(reader)
}

// SaveImage saves an image, the format follows the file extension
func (ia *ImageAnnotator) SaveImage(img image.Image, path string) error {
	format := filepath.Ext(path)
	if format != "" {
		format = format[1:]
	}
	return ia.processor.SaveImage(img, path, format, ia.config.Quality, false)
}

// Annotate draws img onto a fresh surface and annotates it with the
// detector's predictions
func (ia *ImageAnnotator) Annotate(ctx context.Context, img image.Image) (*Output, error) {
	side := int(ia.config.MaxDimension)
	surface := canvas.NewGGSurface(side, side)

	prepared, err := ia.preparer.Prepare(surface, img)
	if err != nil {
		return nil, errors.Wrap(err, "image preparation failed")
	}

	annotations, err := ia.annotator.Annotate(ctx, surface, prepared.Image, prepared.Scale)
	if err != nil {
		return nil, err
	}

	return &Output{
		Image:       surface.Snapshot(),
		Width:       prepared.Width,
		Height:      prepared.Height,
		Scale:       prepared.Scale,
		Annotations: annotations,
	}, nil
}

// AnnotateFile is a convenience function that loads and annotates an image
func (ia *ImageAnnotator) AnnotateFile(ctx context.Context, source string) (*Output, error) {
	img, err := ia.LoadImage(source)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load image")
	}
	return ia.Annotate(ctx, img)
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
