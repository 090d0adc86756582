// Package model holds the detector abstraction and the process-wide handle
// through which the rest of the program reaches a loaded detection model.
package model

import (
	"context"
	"image"
	"io"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/menta2k/image-annotator/pkg/types"
)

var (
	// ErrModelNotReady is returned while the model is still loading
	ErrModelNotReady = errors.New("model is not ready yet")
	// ErrModelFailed is returned when loading the model failed
	ErrModelFailed = errors.New("model failed to load")

	errModelClosed = errors.New("model closed")
)

// Detector finds objects in an image. Boxes are in pixels of img.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]types.Prediction, error)
}

// DetectorFunc adapts a function to the Detector interface
type DetectorFunc func(ctx context.Context, img image.Image) ([]types.Prediction, error)

func (f DetectorFunc) Detect(ctx context.Context, img image.Image) ([]types.Prediction, error) {
	return f(ctx, img)
}

// Loader builds a Detector, typically by reaching a backend or reading
// model weights
type Loader func(ctx context.Context) (Detector, error)

// State of a Handle
type State int

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Handle owns a Detector that is loaded at most once. It implements Detector
// itself and answers ErrModelNotReady until loading has finished.
type Handle struct {
	loader Loader
	once   sync.Once
	done   chan struct{}

	mu       sync.RWMutex
	state    State
	detector Detector
	err      error
	closed   bool
}

// NewHandle returns an idle handle that will use loader on Load
func NewHandle(loader Loader) *Handle {
	return &Handle{loader: loader, done: make(chan struct{})}
}

// Ready returns a handle that is already loaded with d
func Ready(d Detector) *Handle {
	h := NewHandle(func(context.Context) (Detector, error) { return d, nil })
	h.run(context.Background())
	return h
}

// Load starts loading in the background. Only the first call has an effect.
func (h *Handle) Load(ctx context.Context) {
	h.once.Do(func() {
		h.setState(StateLoading)
		go h.finish(ctx)
	})
}

// LoadSync loads the model in the calling goroutine and returns the result
func (h *Handle) LoadSync(ctx context.Context) error {
	h.run(ctx)
	return h.Wait(ctx)
}

func (h *Handle) run(ctx context.Context) {
	h.once.Do(func() {
		h.setState(StateLoading)
		h.finish(ctx)
	})
}

func (h *Handle) finish(ctx context.Context) {
	var (
		d   Detector
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Errorf("panic while loading model: %v", r)
			}
		}()
		d, err = h.loader(ctx)
	}()
	if err == nil && d == nil {
		err = errors.New("loader returned no detector")
	}

	var orphan Detector
	h.mu.Lock()
	switch {
	case err != nil:
		h.state = StateFailed
		h.err = err
	case h.closed:
		h.state = StateFailed
		h.err = errModelClosed
		orphan = d
	default:
		h.state = StateReady
		h.detector = d
	}
	h.mu.Unlock()

	if c, ok := orphan.(io.Closer); ok {
		c.Close()
	}
	close(h.done)
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// State returns the current loading state
func (h *Handle) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Err returns the loading error, if any
func (h *Handle) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

// Done is closed once loading has finished, successfully or not
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until loading has finished or ctx is done
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := h.Err(); err != nil {
		return errors.Wrap(ErrModelFailed, err.Error())
	}
	return nil
}

// Detect runs the loaded detector
func (h *Handle) Detect(ctx context.Context, img image.Image) ([]types.Prediction, error) {
	h.mu.RLock()
	state, d, loadErr := h.state, h.detector, h.err
	h.mu.RUnlock()

	switch state {
	case StateReady:
		return d.Detect(ctx, img)
	case StateFailed:
		return nil, errors.Wrap(ErrModelFailed, loadErr.Error())
	default:
		return nil, ErrModelNotReady
	}
}

// Close releases the detector if it holds resources. A detector that is
// still loading is released as soon as its loader returns.
func (h *Handle) Close() error {
	h.mu.Lock()
	h.closed = true
	d := h.detector
	h.detector = nil
	if h.state == StateReady {
		h.state = StateFailed
		h.err = errModelClosed
	}
	h.mu.Unlock()

	if c, ok := d.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Limits bounds what a detector may return
type Limits struct {
	MinScore   float64
	MaxResults int
}

// DefaultLimits matches the usual COCO-SSD settings
func DefaultLimits() Limits {
	return Limits{MinScore: 0.5, MaxResults: 20}
}

// WithLimits wraps d so that predictions below MinScore are dropped and at
// most MaxResults of the highest scoring ones are kept. Zero values disable
// the respective limit.
func WithLimits(d Detector, limits Limits) Detector {
	return DetectorFunc(func(ctx context.Context, img image.Image) ([]types.Prediction, error) {
		preds, err := d.Detect(ctx, img)
		if err != nil {
			return nil, err
		}
		return ApplyLimits(preds, limits), nil
	})
}

// ApplyLimits drops low scores and returns the rest by descending score
func ApplyLimits(preds []types.Prediction, limits Limits) []types.Prediction {
	out := make([]types.Prediction, 0, len(preds))
	for _, p := range preds {
		if p.Score >= limits.MinScore {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limits.MaxResults > 0 && len(out) > limits.MaxResults {
		out = out[:limits.MaxResults]
	}
	return out
}
