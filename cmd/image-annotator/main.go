package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	imageannotator "github.com/menta2k/image-annotator"
	"github.com/menta2k/image-annotator/internal/backend"
	"github.com/menta2k/image-annotator/internal/config"
	"github.com/menta2k/image-annotator/internal/logger"
	"github.com/menta2k/image-annotator/internal/utils"
	"github.com/menta2k/image-annotator/pkg/annotator"
	"github.com/menta2k/image-annotator/pkg/model"
)

func main() {
	var in, outDir, cfgPath, backendName, url, modelName, onnxModel, onnxLib, ext string
	var quality int
	var maxDim float64
	var writeJSON bool

	flag.StringVar(&in, "in", "", "input image path or URL (jpg/png/gif/webp)")
	flag.StringVar(&outDir, "out", "", "output directory (default from config)")
	flag.StringVar(&cfgPath, "config", "", "JSON config file")
	flag.StringVar(&backendName, "backend", "", "detector backend: ollama, llamacpp or onnx")
	flag.StringVar(&url, "url", "", "vision backend URL")
	flag.StringVar(&modelName, "model", "", "vision model name")
	flag.StringVar(&onnxModel, "onnx-model", "", "path to a YOLOv8 .onnx file")
	flag.StringVar(&onnxLib, "onnx-lib", "", "path to the onnxruntime shared library")
	flag.StringVar(&ext, "ext", "", "output format: png|jpg|webp")
	flag.IntVar(&quality, "quality", 0, "JPEG/WebP output quality (1-100)")
	flag.Float64Var(&maxDim, "max-dim", 0, "side of the square drawing surface")
	flag.BoolVar(&writeJSON, "json", false, "also write the annotations as JSON")
	flag.Parse()

	log := logrus.New()
	if in == "" {
		log.Fatalf("usage: %s -in input.jpg|URL [-backend ollama|llamacpp|onnx] [-url server_url] [-out outdir] [-ext png|jpg|webp] [-json]", filepath.Base(os.Args[0]))
	}

	if !strings.HasPrefix(in, "http://") && !strings.HasPrefix(in, "https://") {
		if !utils.FileExists(in) {
			log.Fatalf("input file not found: %s", in)
		}
		if !utils.IsImageFile(in) {
			log.Warnf("%s does not have an image extension, trying to decode anyway", in)
		}
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal(err)
	}
	applyFlags(cfg, backendName, url, modelName, onnxModel, onnxLib, outDir, ext, quality, maxDim)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	if log, err = logger.New(cfg.Log); err != nil {
		logrus.Fatal(err)
	}

	loader, err := backend.NewLoader(cfg)
	if err != nil {
		log.Fatal(err)
	}
	handle := model.NewHandle(loader)
	defer handle.Close()

	ctx := context.Background()
	log.WithField("backend", cfg.Detector.Backend).Info("Loading model...")
	if err := handle.LoadSync(ctx); err != nil {
		log.Fatal(err)
	}

	ann := annotator.DefaultConfig()
	ann.Pen.LineWidth = cfg.Canvas.LineWidth
	ann.Pen.FontSize = cfg.Canvas.FontSize
	ia := imageannotator.NewWithConfig(handle, imageannotator.Config{
		MaxDimension: cfg.Canvas.MaxDimension,
		Annotation:   ann,
		Quality:      cfg.Output.Quality,
	})

	out, err := ia.AnnotateFile(ctx, in)
	if err != nil {
		log.Fatal(err)
	}

	if len(out.Annotations) == 0 {
		log.Info("No objects detected.")
	}
	for _, a := range out.Annotations {
		log.WithFields(logrus.Fields{
			"class": a.Prediction.Class,
			"score": a.Prediction.Score,
			"box":   a.Box,
		}).Info(a.Label)
	}

	if err := utils.EnsureDir(cfg.Output.OutputDir); err != nil {
		log.Fatal(err)
	}
	format := strings.ToLower(cfg.Output.DefaultFormat)
	outPath := utils.GenerateOutputFilename(in, cfg.Output.OutputDir, cfg.Output.Suffix, format)
	if err := ia.SaveImage(out.Image, outPath); err != nil {
		log.Fatalf("save %s failed: %v", outPath, err)
	}
	if info, err := os.Stat(outPath); err == nil {
		log.Infof("wrote %s (%s)", outPath, utils.FormatFileSize(info.Size()))
	}

	if writeJSON {
		js, _ := json.MarshalIndent(out, "", "  ")
		jsonPath := strings.TrimSuffix(outPath, filepath.Ext(outPath)) + ".json"
		if err := os.WriteFile(jsonPath, js, 0o644); err != nil {
			log.Fatal(err)
		}
		log.Infof("wrote %s", jsonPath)
	}
}

func applyFlags(cfg *config.Config, backendName, url, modelName, onnxModel, onnxLib, outDir, ext string, quality int, maxDim float64) {
	if backendName != "" {
		cfg.Detector.Backend = backendName
		if url == "" && backendName == config.BackendLlamaCpp && cfg.Detector.URL == config.Default().Detector.URL {
			cfg.Detector.URL = "http://localhost:8080"
		}
	}
	if url != "" {
		cfg.Detector.URL = url
	}
	if modelName != "" {
		cfg.Detector.Model = modelName
	}
	if onnxModel != "" {
		cfg.ONNX.ModelPath = onnxModel
	}
	if onnxLib != "" {
		cfg.ONNX.LibraryPath = onnxLib
	}
	if outDir != "" {
		cfg.Output.OutputDir = outDir
	}
	if ext != "" {
		cfg.Output.DefaultFormat = ext
	}
	if quality > 0 {
		cfg.Output.Quality = quality
	}
	if maxDim > 0 {
		cfg.Canvas.MaxDimension = maxDim
	}
}
