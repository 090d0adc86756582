package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/image-annotator/internal/config"
	"github.com/menta2k/image-annotator/internal/logger"
	"github.com/menta2k/image-annotator/pkg/model"
	"github.com/menta2k/image-annotator/pkg/processing"
	"github.com/menta2k/image-annotator/pkg/session"
	"github.com/menta2k/image-annotator/pkg/types"
)

func createTestPNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{uint8(x % 256), uint8(y % 256), 200, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func dogDetector() model.Detector {
	return model.DetectorFunc(func(context.Context, image.Image) ([]types.Prediction, error) {
		return []types.Prediction{{Class: "dog", Score: 0.87, BBox: types.Box{X: 100, Y: 50, W: 60, H: 40}}}, nil
	})
}

func newTestServer(t *testing.T, handle *model.Handle) (*Server, *httptest.Server) {
	t.Helper()
	return startTestServer(t, New(config.Default(), handle, logger.Discard()))
}

func startTestServer(t *testing.T, srv *Server) (*Server, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return srv, ts
}

func wsURL(ts *httptest.Server, sid string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?sid=" + sid
}

func multipartBody(t *testing.T, field string, data []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if data != nil {
		fw, err := mw.CreateFormFile(field, "upload.png")
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	} else {
		require.NoError(t, mw.WriteField("note", "nothing selected"))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func upload(t *testing.T, ts *httptest.Server, sid string, data []byte) *http.Response {
	t.Helper()
	body, contentType := multipartBody(t, "image", data)
	resp, err := http.Post(ts.URL+"/api/upload?sid="+sid, contentType, body)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestIndex(t *testing.T) {
	_, ts := newTestServer(t, model.Ready(dogDetector()))

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	page, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(page), `type="file"`)

	resp, err = http.Get(ts.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpload(t *testing.T) {
	_, ts := newTestServer(t, model.Ready(dogDetector()))

	resp := upload(t, ts, "abc", createTestPNG(t, 800, 400))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res session.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, uint64(1), res.Token)
	assert.InDelta(t, 0.5, res.Scale, 1e-9)
	assert.False(t, res.Stale)
	assert.Equal(t, types.PhaseResults, res.Status.Phase)
	require.Len(t, res.Annotations, 1)
	assert.Equal(t, types.Box{X: 50, Y: 25, W: 30, H: 20}, res.Annotations[0].Box)
	assert.Equal(t, "dog (87%)", res.Annotations[0].Label)
}

func TestUploadStatusCodes(t *testing.T) {
	_, ts := newTestServer(t, model.Ready(dogDetector()))

	assert.Equal(t, http.StatusNoContent, upload(t, ts, "s1", nil).StatusCode)
	assert.Equal(t, http.StatusUnprocessableEntity, upload(t, ts, "s1", []byte("not an image")).StatusCode)
	assert.Equal(t, http.StatusBadRequest, upload(t, ts, "bad/sid", createTestPNG(t, 10, 10)).StatusCode)

	resp, err := http.Get(ts.URL + "/api/upload")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestUploadModelNotReady(t *testing.T) {
	handle := model.NewHandle(func(ctx context.Context) (model.Detector, error) { return dogDetector(), nil })
	_, ts := newTestServer(t, handle)

	resp := upload(t, ts, "", createTestPNG(t, 20, 20))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body["error"], "still loading")
}

func TestUploadDetectorError(t *testing.T) {
	failing := model.DetectorFunc(func(context.Context, image.Image) ([]types.Prediction, error) {
		return nil, errors.New("backend down")
	})
	_, ts := newTestServer(t, model.Ready(failing))

	resp := upload(t, ts, "x", createTestPNG(t, 20, 20))
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestUploadDataURL(t *testing.T) {
	_, ts := newTestServer(t, model.Ready(dogDetector()))

	payload, err := json.Marshal(dataURLRequest{
		Image: "data:image/png;base64," + base64.StdEncoding.EncodeToString(createTestPNG(t, 200, 200)),
	})
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/api/upload?sid=json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res session.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.InDelta(t, 2.0, res.Scale, 1e-9)
	assert.Equal(t, types.Box{X: 200, Y: 100, W: 120, H: 80}, res.Annotations[0].Box)
}

func TestCanvasAndStatus(t *testing.T) {
	_, ts := newTestServer(t, model.Ready(dogDetector()))
	require.Equal(t, http.StatusOK, upload(t, ts, "view", createTestPNG(t, 800, 400)).StatusCode)

	resp, err := http.Get(ts.URL + "/api/canvas.png?sid=view")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	img, err := png.Decode(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 400, img.Bounds().Dx())
	assert.Equal(t, 400, img.Bounds().Dy())

	_, _, _, a := img.At(10, 300).RGBA()
	assert.Zero(t, a, "below the scaled image the surface is transparent")

	resp, err = http.Get(ts.URL + "/api/status?sid=view")
	require.NoError(t, err)
	defer resp.Body.Close()
	var st types.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, types.PhaseResults, st.Phase)
	assert.Equal(t, 1, st.Predictions)
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, model.Ready(dogDetector()))
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	failed := model.NewHandle(func(ctx context.Context) (model.Detector, error) {
		return nil, errors.New("no weights")
	})
	require.Error(t, failed.LoadSync(context.Background()))
	_, ts = newTestServer(t, failed)
	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "failed", body["model"])
	assert.Contains(t, body["error"], "no weights")
}

func TestWebsocketStatusStream(t *testing.T) {
	_, ts := newTestServer(t, model.Ready(dogDetector()))

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "live"), nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() types.Status {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var st types.Status
		require.NoError(t, conn.ReadJSON(&st))
		return st
	}

	initial := read()
	assert.Equal(t, types.PhaseIdle, initial.Phase)
	assert.Equal(t, session.MsgReady, initial.Message)

	require.Equal(t, http.StatusOK, upload(t, ts, "live", createTestPNG(t, 100, 100)).StatusCode)

	detecting := read()
	assert.Equal(t, types.PhaseDetecting, detecting.Phase)
	assert.Equal(t, session.MsgDetecting, detecting.Message)

	done := read()
	assert.Equal(t, types.PhaseResults, done.Phase)
	assert.Equal(t, uint64(1), done.Token)
}

func TestWebsocketSurvivesIdlePeriod(t *testing.T) {
	srv := newServer(config.Default(), model.Ready(dogDetector()), logger.Discard(), 500*time.Millisecond)
	_, ts := startTestServer(t, srv)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "idle"), nil)
	require.NoError(t, err)
	defer conn.Close()

	statuses := make(chan types.Status, 8)
	readErr := make(chan error, 1)
	go func() {
		for {
			var st types.Status
			if err := conn.ReadJSON(&st); err != nil {
				readErr <- err
				return
			}
			statuses <- st
		}
	}()

	next := func() types.Status {
		select {
		case st := <-statuses:
			return st
		case err := <-readErr:
			t.Fatalf("viewer disconnected: %v", err)
		case <-time.After(2 * time.Second):
			t.Fatal("no status received")
		}
		return types.Status{}
	}

	assert.Equal(t, types.PhaseIdle, next().Phase)

	// three read deadlines pass without the viewer sending anything
	select {
	case err := <-readErr:
		t.Fatalf("viewer disconnected while idle: %v", err)
	case <-time.After(1500 * time.Millisecond):
	}

	require.Equal(t, http.StatusOK, upload(t, ts, "idle", createTestPNG(t, 50, 50)).StatusCode)
	assert.Equal(t, types.PhaseDetecting, next().Phase)
	assert.Equal(t, types.PhaseResults, next().Phase)
}

func TestUploadBodyTooLarge(t *testing.T) {
	cfg := config.Default()
	cfg.Server.MaxUploadMB = 1
	srv := New(cfg, model.Ready(dogDetector()), logger.Discard())
	t.Cleanup(srv.Close)

	big := bytes.Repeat([]byte{0xff}, 2<<20)

	body, contentType := multipartBody(t, "image", big)
	req := httptest.NewRequest(http.MethodPost, "/api/upload?sid=big", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	payload, err := json.Marshal(map[string]string{"image": "data:image/png;base64," + base64.StdEncoding.EncodeToString(big)})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/api/upload?sid=big", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/upload?sid=big", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadTooManyPixels(t *testing.T) {
	cfg := config.Default()
	cfg.Server.MaxPixels = 10_000
	_, ts := startTestServer(t, New(cfg, model.Ready(dogDetector()), logger.Discard()))

	resp := upload(t, ts, "px", createTestPNG(t, 200, 100))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body["error"], "too large")

	assert.Equal(t, http.StatusOK, upload(t, ts, "px", createTestPNG(t, 100, 100)).StatusCode)
}

func TestRegistry(t *testing.T) {
	created := 0
	r := NewRegistry(func(id string) *session.Session {
		created++
		return session.New(id, model.Ready(dogDetector()))
	})

	a, err := r.Get("")
	require.NoError(t, err)
	assert.Equal(t, DefaultSessionID, a.ID)

	b, err := r.Get(DefaultSessionID)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, created)

	_, err = r.Get("../etc")
	assert.ErrorIs(t, err, ErrInvalidSessionID)

	r.Close()
	assert.Equal(t, 0, r.Len())
}

func TestUploadStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, uploadStatus(errors.Wrap(model.ErrModelFailed, "x")))
	assert.Equal(t, http.StatusBadGateway, uploadStatus(errors.New("timeout")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, uploadStatus(&http.MaxBytesError{Limit: 1}))
	assert.Equal(t, http.StatusUnprocessableEntity, uploadStatus(errors.Wrap(processing.ErrTooLarge, "9000x9000")))

	p := processing.NewProcessor()
	_, err := p.LoadImageFromReader(iotest.ErrReader(errors.New("connection reset")))
	assert.Equal(t, http.StatusBadRequest, uploadStatus(err))

	limited := http.MaxBytesReader(nil, io.NopCloser(bytes.NewReader(make([]byte, 64))), 8)
	_, err = p.LoadImageFromReader(limited)
	assert.Equal(t, http.StatusRequestEntityTooLarge, uploadStatus(err))
}
