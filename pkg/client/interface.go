package client

import (
	"context"

	"github.com/menta2k/image-annotator/pkg/types"
)

type VisionClient interface {
	Ping(ctx context.Context) error
	SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error)
	DetectObjects(ctx context.Context, model, prompt, imgB64 string) (*types.DetectionResult, error)
}
