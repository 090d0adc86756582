// Package backend builds the model loader selected in the configuration
package backend

import (
	"context"

	"github.com/pkg/errors"

	"github.com/menta2k/image-annotator/internal/config"
	"github.com/menta2k/image-annotator/pkg/client"
	"github.com/menta2k/image-annotator/pkg/detection"
	"github.com/menta2k/image-annotator/pkg/llamacpp"
	"github.com/menta2k/image-annotator/pkg/model"
	"github.com/menta2k/image-annotator/pkg/ollama"
	"github.com/menta2k/image-annotator/pkg/onnx"
)

// NewLoader returns a loader for the configured backend. The detector it
// produces is wrapped with the configured score and count limits.
func NewLoader(cfg *config.Config) (model.Loader, error) {
	var inner model.Loader

	switch cfg.Detector.Backend {
	case config.BackendOllama, config.BackendLlamaCpp:
		vc, err := NewVisionClient(cfg.Detector.Backend, cfg.Detector.URL)
		if err != nil {
			return nil, err
		}
		d := detection.NewDetectorWithConfig(vc, detection.Config{
			Model:   cfg.Detector.Model,
			Format:  cfg.Detector.SendFormat,
			MaxSize: cfg.Detector.SendSize,
			Quality: cfg.Output.Quality,
		})
		inner = d.Loader()

	case config.BackendONNX:
		oc := onnx.DefaultConfig()
		oc.ModelPath = cfg.ONNX.ModelPath
		oc.LibraryPath = cfg.ONNX.LibraryPath
		oc.ConfThreshold = cfg.Detector.MinScore
		if cfg.ONNX.IOUThreshold > 0 {
			oc.IOUThreshold = cfg.ONNX.IOUThreshold
		}
		inner = onnx.Loader(oc)

	default:
		return nil, errors.Errorf("unknown backend: %s", cfg.Detector.Backend)
	}

	limits := model.Limits{MinScore: cfg.Detector.MinScore, MaxResults: cfg.Detector.MaxResults}
	return func(ctx context.Context) (model.Detector, error) {
		d, err := inner(ctx)
		if err != nil {
			return nil, err
		}
		return closer{Detector: model.WithLimits(d, limits), inner: d}, nil
	}, nil
}

// NewVisionClient creates the client for a vision LLM backend
func NewVisionClient(backend, url string) (client.VisionClient, error) {
	switch backend {
	case config.BackendOllama:
		return ollama.NewClient(url)
	case config.BackendLlamaCpp:
		return llamacpp.NewClient(url)
	}
	return nil, errors.Errorf("%s is not a vision LLM backend", backend)
}

// closer keeps the inner detector reachable for Close after wrapping
type closer struct {
	model.Detector
	inner model.Detector
}

func (c closer) Close() error {
	if cl, ok := c.inner.(interface{ Close() error }); ok {
		return cl.Close()
	}
	return nil
}
