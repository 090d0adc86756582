package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Backends understood by the detector factory
const (
	BackendOllama   = "ollama"
	BackendLlamaCpp = "llamacpp"
	BackendONNX     = "onnx"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `json:"server"`
	Canvas   CanvasConfig   `json:"canvas"`
	Detector DetectorConfig `json:"detector"`
	ONNX     ONNXConfig     `json:"onnx"`
	Output   OutputConfig   `json:"output"`
	Log      LogConfig      `json:"log"`
}

// ServerConfig holds HTTP settings
type ServerConfig struct {
	Addr            string `json:"addr"`
	ReadTimeoutSec  int    `json:"read_timeout_sec"`
	WriteTimeoutSec int    `json:"write_timeout_sec"`
	MaxUploadMB     int    `json:"max_upload_mb"`
	MaxPixels       int64  `json:"max_pixels"`
}

// CanvasConfig holds drawing settings
type CanvasConfig struct {
	MaxDimension float64 `json:"max_dimension"`
	LineWidth    float64 `json:"line_width"`
	FontSize     float64 `json:"font_size"`
}

// DetectorConfig selects and tunes the detection backend
type DetectorConfig struct {
	Backend    string  `json:"backend"`
	URL        string  `json:"url"`
	Model      string  `json:"model"`
	MinScore   float64 `json:"min_score"`
	MaxResults int     `json:"max_results"`
	SendFormat string  `json:"send_format"`
	SendSize   int     `json:"send_size"`
}

// ONNXConfig holds settings for the local YOLO backend
type ONNXConfig struct {
	ModelPath    string  `json:"model_path"`
	LibraryPath  string  `json:"library_path"`
	IOUThreshold float64 `json:"iou_threshold"`
}

// OutputConfig holds configuration for output generation
type OutputConfig struct {
	DefaultFormat string `json:"default_format"`
	Quality       int    `json:"quality"`
	OutputDir     string `json:"output_dir"`
	Suffix        string `json:"suffix"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string `json:"level"`
	File  string `json:"file"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8081",
			ReadTimeoutSec:  30,
			WriteTimeoutSec: 330,
			MaxUploadMB:     50,
			MaxPixels:       50_000_000,
		},
		Canvas: CanvasConfig{
			MaxDimension: 400,
			LineWidth:    2,
			FontSize:     16,
		},
		Detector: DetectorConfig{
			Backend:    BackendOllama,
			URL:        "http://localhost:11435/api/chat",
			Model:      "openbmb/minicpm-o2.6:latest",
			MinScore:   0.5,
			MaxResults: 20,
			SendFormat: "jpg",
			SendSize:   1024,
		},
		ONNX: ONNXConfig{
			ModelPath:    "yolov8n.onnx",
			IOUThreshold: 0.7,
		},
		Output: OutputConfig{
			DefaultFormat: "png",
			Quality:       90,
			OutputDir:     "./output",
			Suffix:        "_annotated",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadFromFile loads configuration from a JSON file on top of the defaults
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	return config, nil
}

// Load reads filename if it is not empty, loads an optional .env file and
// applies environment overrides
func Load(filename string) (*Config, error) {
	config := Default()
	if filename != "" {
		var err error
		if config, err = LoadFromFile(filename); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "failed to load .env")
	}
	config.ApplyEnv()

	return config, nil
}

// ApplyEnv overrides fields from ANNOTATOR_* environment variables
func (c *Config) ApplyEnv() {
	c.Server.Addr = getEnv("ANNOTATOR_ADDR", c.Server.Addr)
	c.Detector.Backend = getEnv("ANNOTATOR_BACKEND", c.Detector.Backend)
	c.Detector.URL = getEnv("ANNOTATOR_URL", c.Detector.URL)
	c.Detector.Model = getEnv("ANNOTATOR_MODEL", c.Detector.Model)
	c.Canvas.MaxDimension = getEnvAsFloat("ANNOTATOR_MAX_DIMENSION", c.Canvas.MaxDimension)
	c.ONNX.ModelPath = getEnv("ANNOTATOR_ONNX_MODEL", c.ONNX.ModelPath)
	c.ONNX.LibraryPath = getEnv("ANNOTATOR_ONNX_LIB", c.ONNX.LibraryPath)
	c.Log.Level = getEnv("ANNOTATOR_LOG_LEVEL", c.Log.Level)
	c.Log.File = getEnv("ANNOTATOR_LOG_FILE", c.Log.File)
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write config file")
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.Errorf("server.addr cannot be empty")
	}

	if c.Server.MaxUploadMB < 1 {
		return errors.Errorf("server.max_upload_mb must be positive")
	}

	if c.Server.MaxPixels < 1 {
		return errors.Errorf("server.max_pixels must be positive")
	}

	if c.Canvas.MaxDimension <= 0 {
		return errors.Errorf("canvas.max_dimension must be positive")
	}

	if c.Canvas.LineWidth <= 0 || c.Canvas.FontSize <= 0 {
		return errors.Errorf("canvas.line_width and canvas.font_size must be positive")
	}

	switch c.Detector.Backend {
	case BackendOllama, BackendLlamaCpp:
		if c.Detector.URL == "" {
			return errors.Errorf("detector.url is required for the %s backend", c.Detector.Backend)
		}
	case BackendONNX:
		if c.ONNX.ModelPath == "" {
			return errors.Errorf("onnx.model_path is required for the onnx backend")
		}
	default:
		return errors.Errorf("detector.backend must be one of %s, %s, %s", BackendOllama, BackendLlamaCpp, BackendONNX)
	}

	if c.Detector.MinScore < 0 || c.Detector.MinScore > 1 {
		return errors.Errorf("detector.min_score must be between 0 and 1")
	}

	if c.Detector.MaxResults < 0 {
		return errors.Errorf("detector.max_results cannot be negative")
	}

	if c.ONNX.IOUThreshold < 0 || c.ONNX.IOUThreshold > 1 {
		return errors.Errorf("onnx.iou_threshold must be between 0 and 1")
	}

	if c.Output.Quality < 1 || c.Output.Quality > 100 {
		return errors.Errorf("output.quality must be between 1 and 100")
	}

	return nil
}

// ReadTimeout returns the server read timeout
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Server.ReadTimeoutSec) * time.Second
}

// WriteTimeout returns the server write timeout
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.Server.WriteTimeoutSec) * time.Second
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "image-annotator", "config.json")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
