package types

// Box is an axis-aligned rectangle given by its top-left corner and size.
// Depending on where it is used the unit is pixels of the original image,
// pixels of the drawing surface, or normalized [0,1] coordinates.
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Scale multiplies every component of the box by f
func (b Box) Scale(f float64) Box {
	return Box{X: b.X * f, Y: b.Y * f, W: b.W * f, H: b.H * f}
}

// Prediction is a single detector output. BBox is expressed in pixels of the
// original, unscaled image.
type Prediction struct {
	Class string  `json:"class"`
	Score float64 `json:"score"`
	BBox  Box     `json:"bbox"`
}

// DetectionResult is the raw answer of a vision model, with boxes normalized
// to [0,1] of the image it was shown.
type DetectionResult struct {
	Objects []DetectedObject `json:"objects"`
}

// DetectedObject is one entry of a DetectionResult
type DetectedObject struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// Phase is the state of the status text shown next to the drawing surface
type Phase string

const (
	PhaseLoading   Phase = "loading"
	PhaseIdle      Phase = "idle"
	PhaseDetecting Phase = "detecting"
	PhaseResults   Phase = "results"
	PhaseNoObjects Phase = "no-objects"
	PhaseError     Phase = "error"
)

// Status is what the user sees in the status region
type Status struct {
	Phase       Phase  `json:"phase"`
	Message     string `json:"message"`
	Token       uint64 `json:"token"`
	Predictions int    `json:"predictions"`
}

// Busy reports whether a detection is in flight
func (s Status) Busy() bool {
	return s.Phase == PhaseDetecting
}
