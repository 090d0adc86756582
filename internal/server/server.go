// Package server exposes annotation sessions over HTTP: an upload page, an
// upload endpoint, the current drawing surface as PNG and a websocket stream
// of status changes.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/image-annotator/internal/config"
	"github.com/menta2k/image-annotator/pkg/annotator"
	"github.com/menta2k/image-annotator/pkg/canvas"
	"github.com/menta2k/image-annotator/pkg/model"
	"github.com/menta2k/image-annotator/pkg/processing"
	"github.com/menta2k/image-annotator/pkg/session"
	"github.com/menta2k/image-annotator/pkg/types"
)

//go:embed static/index.html
var static embed.FS

// Server wires sessions, the model handle and the websocket hub together
type Server struct {
	cfg       *config.Config
	log       logrus.FieldLogger
	handle    *model.Handle
	sessions  *Registry
	hub       *Hub
	processor *processing.Processor
	mux       *http.ServeMux
	pongWait  time.Duration

	stopHub   context.CancelFunc
	closeOnce sync.Once
}

// New creates a server and starts its websocket hub. The handle is shared by
// all sessions. Handler may be mounted on any http.Server; call Close when it
// is no longer served, Run does so itself.
func New(cfg *config.Config, handle *model.Handle, log logrus.FieldLogger) *Server {
	return newServer(cfg, handle, log, pongWait)
}

func newServer(cfg *config.Config, handle *model.Handle, log logrus.FieldLogger, wait time.Duration) *Server {
	hubCtx, stopHub := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		log:       log,
		handle:    handle,
		hub:       NewHub(log, wait*9/10),
		processor: processing.NewProcessor(),
		mux:       http.NewServeMux(),
		pongWait:  wait,
		stopHub:   stopHub,
	}
	s.sessions = NewRegistry(s.newSession)
	s.routes()
	go s.hub.Run(hubCtx)
	return s
}

// Close stops the hub, disconnecting all viewers, and closes every session
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.sessions.Close()
		s.stopHub()
	})
}

func (s *Server) routes() {
	s.mux.HandleFunc("/", s.handleIndex)
	s.mux.HandleFunc("/api/upload", s.handleUpload)
	s.mux.HandleFunc("/api/canvas.png", s.handleCanvas)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/ws", s.handleWebsocket)
	s.mux.HandleFunc("/healthz", s.handleHealth)
}

func (s *Server) newSession(id string) *session.Session {
	pen := canvas.DefaultPen()
	pen.LineWidth = s.cfg.Canvas.LineWidth
	pen.FontSize = s.cfg.Canvas.FontSize
	ann := annotator.DefaultConfig()
	ann.Pen = pen

	sess := session.NewWithConfig(id, s.handle, session.Config{
		MaxDimension: s.cfg.Canvas.MaxDimension,
		MaxPixels:    s.cfg.Server.MaxPixels,
		Annotation:   ann,
	})
	sess.OnStatus(func(st types.Status) {
		payload, err := json.Marshal(st)
		if err != nil {
			return
		}
		s.hub.Broadcast(id, payload)
	})
	s.log.WithField("sid", id).Info("Session created")
	return sess
}

// Handler returns the HTTP handler with request logging
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// Run serves HTTP until ctx is done, then closes the server
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Server.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout(),
		WriteTimeout: s.cfg.WriteTimeout(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", srv.Addr).Info("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	s.log.Info("Shutting down")
	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// statusRecorder captures the response code for logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		}).Debug("Request served")
	})
}
