package ollama

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/pkg/errors"

	"github.com/menta2k/image-annotator/pkg/client"
	"github.com/menta2k/image-annotator/pkg/types"
)

// DefaultURL is used when no server URL is configured
const DefaultURL = "http://localhost:11435/api/chat"

// Client wraps the Ollama API client
type Client struct {
	client *api.Client
}

var _ client.VisionClient = (*Client)(nil)

// NewClient creates a new Ollama client
func NewClient(ollamaURL string) (*Client, error) {
	if ollamaURL == "" {
		ollamaURL = DefaultURL
	}
	parsedURL, err := url.Parse(ollamaURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, errors.Errorf("invalid URL: %q needs scheme and host", ollamaURL)
	}

	// Create base URL from the provided URL (removing path like /api/chat)
	baseURL := &url.URL{
		Scheme: parsedURL.Scheme,
		Host:   parsedURL.Host,
	}

	return &Client{client: api.NewClient(baseURL, http.DefaultClient)}, nil
}

// Ping checks that the Ollama server answers
func (c *Client) Ping(ctx context.Context) error {
	if err := c.client.Heartbeat(ctx); err != nil {
		return errors.Wrap(err, "ollama heartbeat")
	}
	return nil
}

// SimpleQuery performs a simple query with an image without expecting JSON
func (c *Client) SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	return c.chat(ctx, model, prompt, imgB64, nil)
}

// DetectObjects asks the model for the objects in the image and parses the
// JSON answer
func (c *Client) DetectObjects(ctx context.Context, model, prompt, imgB64 string) (*types.DetectionResult, error) {
	// Low temperature keeps coordinates stable between runs
	options := map[string]any{
		"temperature": 0.1,
	}

	// Optimize for MiniCPM-V 4.5 if that's the model being used
	modelLower := strings.ToLower(model)
	if strings.Contains(modelLower, "minicpm-v4") ||
		strings.Contains(modelLower, "minicpm-v-4") ||
		strings.Contains(modelLower, "minicpmv4") {
		options["top_p"] = 0.8
		options["num_ctx"] = 4096
	}

	content, err := c.chat(ctx, model, prompt, imgB64, options)
	if err != nil {
		return nil, err
	}
	if content == "" {
		return nil, errors.Errorf("empty response from ollama")
	}

	return client.ParseDetectionResult(content)
}

func (c *Client) chat(ctx context.Context, model, prompt, imgB64 string, options map[string]any) (string, error) {
	// Add timeout if context doesn't have one (longer for MiniCPM-V 4.5 on CPU)
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 300*time.Second)
		defer cancel()
	}

	imgBytes, err := base64.StdEncoding.DecodeString(imgB64)
	if err != nil {
		return "", errors.Wrap(err, "failed to decode base64 image")
	}

	streamFalse := false
	req := &api.ChatRequest{
		Model: model,
		Messages: []api.Message{
			{
				Role:    "user",
				Content: prompt,
				Images:  []api.ImageData{api.ImageData(imgBytes)},
			},
		},
		Stream:  &streamFalse,
		Options: options,
	}

	var responseContent strings.Builder
	err = c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		responseContent.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", errors.Wrap(err, "ollama chat error")
	}

	return responseContent.String(), nil
}
