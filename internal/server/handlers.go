package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/menta2k/image-annotator/pkg/model"
	"github.com/menta2k/image-annotator/pkg/preparer"
	"github.com/menta2k/image-annotator/pkg/processing"
	"github.com/menta2k/image-annotator/pkg/session"
)

const pongWait = 60 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type dataURLRequest struct {
	Image string `json:"image"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	page, err := static.ReadFile("static/index.html")
	if err != nil {
		respondError(w, "Page unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}

// handleUpload handles POST /api/upload with either a multipart "image" file
// or a JSON body {"image": "data:image/...;base64,..."}
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sid := r.URL.Query().Get("sid")
	sess, err := s.sessions.Get(sid)
	if err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}
	log := s.log.WithField("sid", sess.ID)

	maxBytes := int64(s.cfg.Server.MaxUploadMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	var res *session.Result
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req dataURLRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondBodyError(w, "Invalid JSON body", err)
			return
		}
		res, err = sess.UploadDataURL(r.Context(), req.Image)
	} else {
		if err := r.ParseMultipartForm(maxBytes); err != nil {
			respondBodyError(w, "Failed to parse form", err)
			return
		}
		file, _, ferr := r.FormFile("image")
		if errors.Is(ferr, http.ErrMissingFile) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if ferr != nil {
			respondError(w, "Failed to read upload", http.StatusBadRequest)
			return
		}
		defer file.Close()
		res, err = sess.Upload(r.Context(), file)
	}

	if err != nil {
		code := uploadStatus(err)
		log.WithError(err).WithField("code", code).Warn("Upload failed")
		respondError(w, session.Message(err), code)
		return
	}
	if res == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	log.WithFields(logrus.Fields{
		"token":       res.Token,
		"stale":       res.Stale,
		"predictions": len(res.Annotations),
	}).Info("Upload processed")
	respondJSON(w, res, http.StatusOK)
}

func uploadStatus(err error) int {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, processing.ErrRead):
		return http.StatusBadRequest
	case errors.Is(err, processing.ErrDecode), errors.Is(err, processing.ErrTooLarge),
		errors.Is(err, preparer.ErrDegenerateImage):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrModelNotReady), errors.Is(err, model.ErrModelFailed):
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

// respondBodyError reports a request body that could not be parsed
func respondBodyError(w http.ResponseWriter, message string, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		respondError(w, fmt.Sprintf("Upload exceeds %d bytes", maxErr.Limit), http.StatusRequestEntityTooLarge)
		return
	}
	respondError(w, message, http.StatusBadRequest)
}

func (s *Server) handleCanvas(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.URL.Query().Get("sid"))
	if err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := s.processor.EncodeImage(w, sess.Snapshot(), "png", 0, false); err != nil {
		s.log.WithError(err).Error("Failed to encode canvas")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.URL.Query().Get("sid"))
	if err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}
	respondJSON(w, sess.Status(), http.StatusOK)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.handle.State()
	code := http.StatusOK
	if state != model.StateReady {
		code = http.StatusServiceUnavailable
	}
	body := map[string]interface{}{
		"model":    state.String(),
		"sessions": s.sessions.Len(),
	}
	if err := s.handle.Err(); err != nil {
		body["error"] = err.Error()
	}
	respondJSON(w, body, code)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.URL.Query().Get("sid"))
	if err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("WebSocket upgrade error")
		return
	}
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.pongWait))
		return nil
	})

	initial, _ := json.Marshal(sess.Status())
	s.hub.Register(conn, sess.ID, initial)
	defer s.hub.Unregister(conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func respondJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, message string, status int) {
	respondJSON(w, map[string]string{"error": message}, status)
}
