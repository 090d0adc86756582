package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/menta2k/image-annotator/internal/backend"
	"github.com/menta2k/image-annotator/internal/config"
	"github.com/menta2k/image-annotator/internal/logger"
	"github.com/menta2k/image-annotator/internal/server"
	"github.com/menta2k/image-annotator/pkg/model"
)

func main() {
	var cfgPath, addr string
	flag.StringVar(&cfgPath, "config", "", "JSON config file")
	flag.StringVar(&addr, "addr", "", "listen address (overrides config and ANNOTATOR_ADDR)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logrus.Fatal(err)
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("invalid configuration: %v", err)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		logrus.Fatal(err)
	}

	loader, err := backend.NewLoader(cfg)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handle := model.NewHandle(loader)
	defer handle.Close()
	handle.Load(ctx)

	go func() {
		if err := handle.Wait(ctx); err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Error("Model failed to load")
			}
			return
		}
		log.WithField("backend", cfg.Detector.Backend).Info("Model loaded")
	}()

	srv := server.New(cfg, handle, log)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
