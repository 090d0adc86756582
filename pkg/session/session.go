// Package session ties the drawing surface, the model handle and the status
// text together for one viewer. Every upload supersedes the previous one.
package session

import (
	"context"
	"image"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/menta2k/image-annotator/pkg/annotator"
	"github.com/menta2k/image-annotator/pkg/canvas"
	"github.com/menta2k/image-annotator/pkg/model"
	"github.com/menta2k/image-annotator/pkg/preparer"
	"github.com/menta2k/image-annotator/pkg/processing"
	"github.com/menta2k/image-annotator/pkg/types"
)

// Status messages
const (
	MsgLoading   = "Loading model..."
	MsgReady     = "Model loaded! Upload an image to start detecting objects."
	MsgDetecting = "Detecting objects..."
	MsgNoObjects = "No objects detected."
)

// Config holds session settings
type Config struct {
	MaxDimension float64
	// MaxPixels caps decoded uploads, non-positive values use
	// processing.DefaultMaxPixels
	MaxPixels  int64
	Annotation annotator.Config
	// Surface to draw on. A MaxDimension square GGSurface is used when nil.
	Surface canvas.Surface
}

// DefaultConfig returns the default session configuration
func DefaultConfig() Config {
	return Config{
		MaxDimension: preparer.DefaultMaxDimension,
		MaxPixels:    processing.DefaultMaxPixels,
		Annotation:   annotator.DefaultConfig(),
	}
}

// Result describes the outcome of one upload
type Result struct {
	Token       uint64                 `json:"token"`
	Scale       float64                `json:"scale"`
	Width       int                    `json:"width"`
	Height      int                    `json:"height"`
	Stale       bool                   `json:"stale"`
	Status      types.Status           `json:"status"`
	Annotations []annotator.Annotation `json:"annotations"`
}

// Session is the state behind one upload page
type Session struct {
	ID string

	handle    *model.Handle
	preparer  *preparer.Preparer
	annotator *annotator.Annotator
	processor *processing.Processor

	mu       sync.Mutex
	surface  canvas.Surface
	token    uint64
	cancel   context.CancelFunc
	status   types.Status
	watchers []func(types.Status)

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a session with the default configuration
func New(id string, handle *model.Handle) *Session {
	return NewWithConfig(id, handle, DefaultConfig())
}

// NewWithConfig creates a session with custom configuration
func NewWithConfig(id string, handle *model.Handle, config Config) *Session {
	prep := preparer.NewWithConfig(preparer.Config{MaxDimension: config.MaxDimension})
	surface := config.Surface
	if surface == nil {
		side := int(prep.MaxDimension())
		surface = canvas.NewGGSurface(side, side)
	}
	if config.MaxPixels <= 0 {
		config.MaxPixels = processing.DefaultMaxPixels
	}

	s := &Session{
		ID:        id,
		handle:    handle,
		preparer:  prep,
		annotator: annotator.NewWithConfig(handle, config.Annotation),
		processor: processing.NewProcessorWithConfig(processing.Config{MaxPixels: config.MaxPixels}),
		surface:   surface,
		closed:    make(chan struct{}),
	}

	select {
	case <-handle.Done():
		s.status = modelStatus(handle)
	default:
		s.status = types.Status{Phase: types.PhaseLoading, Message: MsgLoading}
		go s.watchModel()
	}
	return s
}

// watchModel moves the status out of "loading" once the model has settled,
// unless an upload already replaced it
func (s *Session) watchModel() {
	select {
	case <-s.handle.Done():
	case <-s.closed:
		return
	}

	s.mu.Lock()
	if s.status.Phase != types.PhaseLoading {
		s.mu.Unlock()
		return
	}
	st := modelStatus(s.handle)
	st.Token = s.token
	s.status = st
	s.mu.Unlock()

	s.notify(st)
}

func modelStatus(h *model.Handle) types.Status {
	switch h.State() {
	case model.StateReady:
		return types.Status{Phase: types.PhaseIdle, Message: MsgReady}
	case model.StateFailed:
		return types.Status{Phase: types.PhaseError, Message: Message(h.Err())}
	}
	return types.Status{Phase: types.PhaseLoading, Message: MsgLoading}
}

// OnStatus registers fn to be called after every status change
func (s *Session) OnStatus(fn func(types.Status)) {
	s.mu.Lock()
	s.watchers = append(s.watchers, fn)
	s.mu.Unlock()
}

func (s *Session) notify(st types.Status) {
	s.mu.Lock()
	watchers := append([]func(types.Status){}, s.watchers...)
	s.mu.Unlock()

	for _, fn := range watchers {
		fn(st)
	}
}

// Upload decodes an image from r and runs a full prepare and annotate cycle.
// A nil reader means nothing was selected and is ignored.
func (s *Session) Upload(ctx context.Context, r io.Reader) (*Result, error) {
	if r == nil {
		return nil, nil
	}

	img, err := s.processor.LoadImageFromReader(r)
	if err != nil {
		s.fail(err)
		return nil, err
	}
	return s.UploadImage(ctx, img)
}

// UploadDataURL is Upload for a base64 data URL
func (s *Session) UploadDataURL(ctx context.Context, dataURL string) (*Result, error) {
	if dataURL == "" {
		return nil, nil
	}

	img, err := s.processor.LoadImageFromDataURL(dataURL)
	if err != nil {
		s.fail(err)
		return nil, err
	}
	return s.UploadImage(ctx, img)
}

// UploadImage runs a prepare and annotate cycle for an already decoded image.
// The detection of any earlier upload still in flight is cancelled and its
// result discarded.
func (s *Session) UploadImage(ctx context.Context, img image.Image) (*Result, error) {
	s.mu.Lock()
	s.token++
	token := s.token
	if s.cancel != nil {
		s.cancel()
	}
	detectCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	prepared, err := s.preparer.Prepare(s.surface, img)
	if err != nil {
		st := s.setStatusLocked(types.Status{Phase: types.PhaseError, Message: Message(err), Token: token})
		s.cancel = nil
		s.mu.Unlock()
		cancel()
		s.notify(st)
		return nil, err
	}
	detecting := s.setStatusLocked(types.Status{Phase: types.PhaseDetecting, Message: MsgDetecting, Token: token})
	s.mu.Unlock()
	s.notify(detecting)

	preds, detectErr := s.annotator.Detect(detectCtx, prepared.Image)

	result := &Result{
		Token:       token,
		Scale:       prepared.Scale,
		Width:       prepared.Width,
		Height:      prepared.Height,
		Annotations: []annotator.Annotation{},
	}

	s.mu.Lock()
	if token != s.token {
		result.Stale = true
		result.Status = s.status
		s.mu.Unlock()
		cancel()
		return result, nil
	}
	s.cancel = nil

	var st types.Status
	switch {
	case detectErr != nil:
		st = s.setStatusLocked(types.Status{Phase: types.PhaseError, Message: Message(detectErr), Token: token})
	case len(preds) == 0:
		st = s.setStatusLocked(types.Status{Phase: types.PhaseNoObjects, Message: MsgNoObjects, Token: token})
	default:
		result.Annotations = s.annotator.Render(s.surface, preds, prepared.Scale)
		st = s.setStatusLocked(types.Status{Phase: types.PhaseResults, Token: token, Predictions: len(preds)})
	}
	result.Status = st
	s.mu.Unlock()
	cancel()
	s.notify(st)

	if detectErr != nil {
		return result, detectErr
	}
	return result, nil
}

// fail reports an upload that could not be decoded. It still supersedes the
// detection in flight, the surface keeps showing the previous image.
func (s *Session) fail(err error) {
	s.mu.Lock()
	s.token++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	st := s.setStatusLocked(types.Status{Phase: types.PhaseError, Message: Message(err), Token: s.token})
	s.mu.Unlock()
	s.notify(st)
}

func (s *Session) setStatusLocked(st types.Status) types.Status {
	s.status = st
	return st
}

// Status returns the current status
func (s *Session) Status() types.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Token returns the latest issued upload token
func (s *Session) Token() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Snapshot returns a copy of the drawing surface
func (s *Session) Snapshot() image.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.surface.Snapshot()
}

// ModelState returns the state of the shared model handle
func (s *Session) ModelState() model.State {
	return s.handle.State()
}

// Close cancels any detection in flight and stops the model watcher
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closed) })

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
}

// Message turns an error into the text shown to the user
func Message(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, processing.ErrTooLarge):
		return "The image is too large: " + err.Error()
	case errors.Is(err, processing.ErrRead):
		return "The upload could not be read."
	case errors.Is(err, processing.ErrDecode):
		return "Could not read the image: " + err.Error()
	case errors.Is(err, preparer.ErrDegenerateImage):
		return "The image has no pixels to draw."
	case errors.Is(err, model.ErrModelNotReady):
		return "The model is still loading, please try again in a moment."
	case errors.Is(err, model.ErrModelFailed):
		return "The model could not be loaded: " + err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Detection was interrupted."
	}
	return "Detection failed: " + errors.Cause(err).Error()
}
