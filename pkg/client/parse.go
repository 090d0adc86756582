package client

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/menta2k/image-annotator/pkg/types"
)

// ErrNoJSON is returned when a model answer contains no JSON object at all
var ErrNoJSON = errors.New("no json object in model response")

var (
	reBlockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLineComment  = regexp.MustCompile(`(?m)^\s*//.*$`)
	reInline       = regexp.MustCompile(`(?m)//.*$`)
	reTrailing     = regexp.MustCompile(`,(\s*[}\]])`)
)

// ParseDetectionResult decodes the JSON answer of a vision model into a
// DetectionResult. A bare JSON array of objects is accepted as well.
func ParseDetectionResult(raw string) (*types.DetectionResult, error) {
	raw = SanitizeModelJSON(raw)
	if raw == "" {
		return nil, ErrNoJSON
	}

	var result types.DetectionResult
	switch raw[0] {
	case '[':
		if err := json.Unmarshal([]byte(raw), &result.Objects); err != nil {
			return nil, errors.Wrap(err, "decode object list")
		}
	case '{':
		if err := json.Unmarshal([]byte(raw), &result); err != nil {
			return nil, errors.Wrap(err, "decode detection result")
		}
	default:
		return nil, ErrNoJSON
	}

	if result.Objects == nil {
		result.Objects = []types.DetectedObject{}
	}
	return &result, nil
}

// SanitizeModelJSON removes code fences, comments, and trailing commas from JSON response
func SanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	// Strip triple-backtick fences if present
	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "`")

	raw = reBlockComment.ReplaceAllString(raw, "")
	raw = reLineComment.ReplaceAllString(raw, "")
	raw = reInline.ReplaceAllString(raw, "")
	raw = reTrailing.ReplaceAllString(raw, "$1")

	// Keep only the outermost object or array, whichever opens first
	start := strings.IndexAny(raw, "{[")
	if start < 0 {
		return ""
	}
	closer := "}"
	if raw[start] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(raw, closer)
	if end <= start {
		return ""
	}
	return strings.TrimSpace(raw[start : end+1])
}
