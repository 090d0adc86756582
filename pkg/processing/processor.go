package processing

import (
	"bytes"
	"encoding/base64"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	_ "golang.org/x/image/webp"
)

// MaxImageBytes bounds how much data is read from a single upload or URL
const MaxImageBytes = 50 << 20

// DefaultMaxPixels bounds the decoded size of an image, width times height
const DefaultMaxPixels = 50_000_000

var (
	// ErrDecode is returned for input that is not a decodable image
	ErrDecode = errors.New("image: unknown or unsupported format")
	// ErrRead is returned when the image data could not be read
	ErrRead = errors.New("image: read failed")
	// ErrTooLarge is returned for images above the byte or pixel limits
	ErrTooLarge = errors.New("image: too large")
)

// readError keeps the underlying reader error in the chain while matching ErrRead
type readError struct {
	err error
}

func (e *readError) Error() string { return "failed to read image data: " + e.err.Error() }

func (e *readError) Unwrap() error { return e.err }

func (e *readError) Is(target error) bool { return target == ErrRead }

// Config holds processor limits
type Config struct {
	// MaxPixels rejects images whose width*height exceeds it, zero disables
	// the check
	MaxPixels int64
}

// DefaultConfig returns the default processor configuration
func DefaultConfig() Config {
	return Config{MaxPixels: DefaultMaxPixels}
}

// Processor handles image processing operations
type Processor struct {
	httpClient *http.Client
	config     Config
}

// NewProcessor creates a new image processor
func NewProcessor() *Processor {
	return NewProcessorWithConfig(DefaultConfig())
}

// NewProcessorWithConfig creates an image processor with custom limits
func NewProcessorWithConfig(config Config) *Processor {
	return &Processor{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		config:     config,
	}
}

// LoadImageFromURL downloads and loads an image from a URL
func (p *Processor) LoadImageFromURL(imageURL string) (image.Image, error) {
	parsedURL, err := url.Parse(imageURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, errors.Errorf("unsupported URL scheme: %s (only http and https are supported)", parsedURL.Scheme)
	}

	req, err := http.NewRequest(http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("User-Agent", "Image-Annotator/1.0")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to download image")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("failed to download image: HTTP %d %s", resp.StatusCode, resp.Status)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return nil, errors.Errorf("URL does not point to an image (Content-Type: %s)", contentType)
	}

	return p.LoadImageFromReader(resp.Body)
}

// LoadImage loads an image from a file path with WebP support
func (p *Processor) LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := p.LoadImageFromReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	return img, nil
}

// LoadImageSmart loads an image from either a file path or URL
func (p *Processor) LoadImageSmart(source string) (image.Image, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return p.LoadImageFromURL(source)
	}
	return p.LoadImage(source)
}

// LoadImageFromReader reads at most MaxImageBytes from r and decodes them
func (p *Processor) LoadImageFromReader(r io.Reader) (image.Image, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxImageBytes+1))
	if err != nil {
		return nil, &readError{err: err}
	}
	if len(data) > MaxImageBytes {
		return nil, errors.Wrapf(ErrTooLarge, "more than %d bytes", MaxImageBytes)
	}
	return p.decodeImageFromBytes(data)
}

// LoadImageFromDataURL decodes a "data:image/...;base64," URL as produced by
// a browser FileReader
func (p *Processor) LoadImageFromDataURL(dataURL string) (image.Image, error) {
	if !strings.HasPrefix(dataURL, "data:") {
		return nil, errors.Wrap(ErrDecode, "not a data URL")
	}
	meta, payload, ok := strings.Cut(dataURL[len("data:"):], ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return nil, errors.Wrap(ErrDecode, "data URL is not base64 encoded")
	}
	if meta != ";base64" && !strings.HasPrefix(meta, "image/") {
		return nil, errors.Wrapf(ErrDecode, "data URL media type %q", strings.TrimSuffix(meta, ";base64"))
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, errors.Wrap(ErrDecode, err.Error())
	}
	return p.decodeImageFromBytes(data)
}

// decodeImageFromBytes decodes an image from byte data with WebP support
func (p *Processor) decodeImageFromBytes(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, errors.Wrap(ErrDecode, "empty input")
	}
	if err := p.checkDimensions(data); err != nil {
		return nil, err
	}

	// imaging.Decode honours EXIF orientation for JPEGs
	if img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true)); err == nil {
		return img, nil
	}

	if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}

	return nil, ErrDecode
}

// checkDimensions reads only the image header and rejects images above the
// pixel limit before any pixel buffer is allocated
func (p *Processor) checkDimensions(data []byte) error {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		if cfg, err = webp.DecodeConfig(bytes.NewReader(data)); err != nil {
			return ErrDecode
		}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil
	}
	pixels := int64(cfg.Width) * int64(cfg.Height)
	if p.config.MaxPixels > 0 && pixels > p.config.MaxPixels {
		return errors.Wrapf(ErrTooLarge, "%dx%d exceeds %d pixels", cfg.Width, cfg.Height, p.config.MaxPixels)
	}
	return nil
}

// PrepareImageForModel converts an image to base64 for sending to vision models
func (p *Processor) PrepareImageForModel(img image.Image, format string, maxDim int, quality int) (string, error) {
	if maxDim > 0 {
		b := img.Bounds()
		w, h := b.Dx(), b.Dy()
		if w > maxDim || h > maxDim {
			if w >= h {
				img = imaging.Resize(img, maxDim, 0, imaging.Lanczos)
			} else {
				img = imaging.Resize(img, 0, maxDim, imaging.Lanczos)
			}
		}
	}

	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return "", err
		}
	default: // jpg
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return "", err
		}
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// EncodeImage writes img to w in the given format (png, jpg or webp)
func (p *Processor) EncodeImage(w io.Writer, img image.Image, format string, quality int, lossless bool) error {
	switch strings.ToLower(format) {
	case "webp":
		return webp.Encode(w, img, &webp.Options{Lossless: lossless, Quality: float32(quality)})
	case "png":
		return imaging.Encode(w, img, imaging.PNG)
	case "jpg", "jpeg":
		return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality))
	default:
		return errors.Errorf("unsupported output format: %s", format)
	}
}

// SaveImage saves an image to a file with the specified format and quality
func (p *Processor) SaveImage(img image.Image, path, format string, quality int, lossless bool) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := p.EncodeImage(f, img, format, quality, lossless); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
