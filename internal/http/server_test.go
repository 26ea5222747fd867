package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visualdiff/internal/core"
	"visualdiff/internal/db"
	controller "visualdiff/internal/http"
	"visualdiff/internal/schemas"
	"visualdiff/internal/storage"
)

type countingDispatcher struct {
	mu   sync.Mutex
	jobs int
}

func (d *countingDispatcher) Enqueue(context.Context, core.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs++
	return nil
}

type client struct {
	t       *testing.T
	handler http.Handler
	token   string
}

func newClient(t *testing.T, opts ...controller.Option) (*client, *countingDispatcher) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := &countingDispatcher{}
	svc := core.New(db.NewMemory(), storage.NewMemory(), d, core.WithLogger(logger))
	opts = append([]controller.Option{controller.WithLogger(logger)}, opts...)
	srv := controller.NewServer(svc, opts...)
	return &client{t: t, handler: srv.Handler}, d
}

func (c *client) do(req *http.Request) *httptest.ResponseRecorder {
	c.t.Helper()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	w := httptest.NewRecorder()
	c.handler.ServeHTTP(w, req)
	return w
}

func (c *client) post(path string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	b, err := json.Marshal(body)
	require.NoError(c.t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *client) get(path string) *httptest.ResponseRecorder {
	c.t.Helper()
	return c.do(httptest.NewRequest(http.MethodGet, path, nil))
}

func (c *client) upload(files map[string][]byte) *httptest.ResponseRecorder {
	c.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, data := range files {
		fw, err := mw.CreateFormFile("file", name)
		require.NoError(c.t, err)
		_, err = fw.Write(data)
		require.NoError(c.t, err)
	}
	require.NoError(c.t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req)
}

func decodeAs[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

func requireStatus(t *testing.T, w *httptest.ResponseRecorder, code int) {
	t.Helper()
	require.Equal(t, code, w.Code, w.Body.String())
}

func TestHealth(t *testing.T) {
	c, _ := newClient(t)
	w := c.get("/healthz")
	requireStatus(t, w, http.StatusOK)
	assert.Equal(t, "ok", decodeAs[schemas.HealthStatus](t, w).Status)
}

func TestAPIToken(t *testing.T) {
	c, _ := newClient(t, controller.WithAPIToken("s3cret"))

	w := c.post("/api/build", map[string]string{"name": "site"})
	requireStatus(t, w, http.StatusUnauthorized)
	assert.Equal(t, "unauthorized", decodeAs[schemas.ErrorResponse](t, w).Error.Kind)

	requireStatus(t, c.get("/healthz"), http.StatusOK)

	c.token = "s3cret"
	requireStatus(t, c.post("/api/build", map[string]string{"name": "site"}), http.StatusOK)
}

func TestLifecycleOverHTTP(t *testing.T) {
	c, d := newClient(t)

	build := decodeAs[db.Build](t, c.post("/api/build", map[string]string{"name": "site"}))
	require.NotEmpty(t, build.ID)

	w := c.post("/api/release", map[string]string{"build_id": build.ID, "name": "2024-06"})
	requireStatus(t, w, http.StatusOK)
	rel := decodeAs[db.Release](t, w)
	assert.Equal(t, 1, rel.Number)
	assert.Equal(t, db.StatusReceiving, rel.Status)

	w = c.upload(map[string][]byte{"home.png": []byte("\x89PNG\r\n\x1a\nfake")})
	requireStatus(t, w, http.StatusOK)
	art := decodeAs[db.Artifact](t, w)
	assert.Equal(t, core.ArtifactID([]byte("\x89PNG\r\n\x1a\nfake")), art.ID)
	assert.Equal(t, "image/png", art.ContentType)

	key := map[string]any{"build_id": build.ID, "name": "2024-06", "number": 1}
	w = c.post("/api/report_run", map[string]any{
		"build_id": build.ID, "name": "2024-06", "number": 1,
		"run_name": "home", "image": art.ID,
	})
	requireStatus(t, w, http.StatusOK)
	reported := decodeAs[schemas.ReportedRun](t, w)
	assert.Equal(t, build.ID, reported.BuildID)
	assert.Equal(t, "2024-06", reported.ReleaseKey.Name)
	assert.Equal(t, 1, reported.Number)
	require.NotNil(t, reported.Run)
	run := reported.Run
	assert.Equal(t, "home", run.Name)
	assert.True(t, run.NeedsDiff)
	assert.Equal(t, 1, d.jobs)

	w = c.post("/api/runs_done", key)
	requireStatus(t, w, http.StatusOK)
	assert.Equal(t, db.StatusProcessing, decodeAs[db.Release](t, w).Status)

	w = c.post("/api/redrive", nil)
	requireStatus(t, w, http.StatusOK)
	assert.Equal(t, 1, decodeAs[schemas.RedriveResponse](t, w).Enqueued)

	requireStatus(t, c.post("/api/report_pdiff", map[string]any{"run_id": run.ID, "no_diff": true}), http.StatusOK)

	w = c.get("/api/release/" + build.ID + "/2024-06/1/runs")
	requireStatus(t, w, http.StatusOK)
	listed := decodeAs[schemas.ReleaseRuns](t, w)
	assert.Equal(t, db.StatusReviewing, listed.Release.Status)
	require.Len(t, listed.Runs, 1)
	assert.False(t, listed.Runs[0].NeedsDiff)

	w = c.post("/api/release_done", map[string]any{
		"build_id": build.ID, "name": "2024-06", "number": 1, "status": "good",
	})
	requireStatus(t, w, http.StatusOK)
	assert.Equal(t, db.StatusGood, decodeAs[db.Release](t, w).Status)

	w = c.get("/api/artifact/" + art.ID)
	requireStatus(t, w, http.StatusOK)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Equal(t, "\x89PNG\r\n\x1a\nfake", w.Body.String())

	requireStatus(t, c.get("/api/run/"+run.ID), http.StatusOK)
	requireStatus(t, c.get("/api/build/"+build.ID), http.StatusOK)
}

func TestErrorMapping(t *testing.T) {
	c, _ := newClient(t)
	build := decodeAs[db.Build](t, c.post("/api/build", map[string]string{"name": "site"}))
	requireStatus(t, c.post("/api/release", map[string]string{"build_id": build.ID, "name": "r"}), http.StatusOK)
	report := map[string]any{"build_id": build.ID, "name": "r", "number": 1, "run_name": "home", "image": "abc"}
	requireStatus(t, c.post("/api/report_run", report), http.StatusOK)

	tests := []struct {
		name string
		req  func() *httptest.ResponseRecorder
		code int
		kind core.Kind
	}{
		{"missing field", func() *httptest.ResponseRecorder {
			return c.post("/api/build", map[string]string{})
		}, http.StatusBadRequest, core.KindValidation},
		{"unknown field", func() *httptest.ResponseRecorder {
			return c.post("/api/build", map[string]string{"name": "x", "nope": "y"})
		}, http.StatusBadRequest, core.KindValidation},
		{"unknown build", func() *httptest.ResponseRecorder {
			return c.post("/api/release", map[string]string{"build_id": "missing", "name": "r"})
		}, http.StatusNotFound, core.KindNotFound},
		{"duplicate run", func() *httptest.ResponseRecorder {
			return c.post("/api/report_run", report)
		}, http.StatusConflict, core.KindConflict},
		{"active candidate", func() *httptest.ResponseRecorder {
			return c.post("/api/release", map[string]string{"build_id": build.ID, "name": "r"})
		}, http.StatusConflict, core.KindConflict},
		{"bad status", func() *httptest.ResponseRecorder {
			return c.post("/api/release_done", map[string]any{"build_id": build.ID, "name": "r", "number": 1, "status": "meh"})
		}, http.StatusBadRequest, core.KindValidation},
		{"non numeric number", func() *httptest.ResponseRecorder {
			return c.get("/api/release/" + build.ID + "/r/one")
		}, http.StatusBadRequest, core.KindValidation},
		{"unknown release", func() *httptest.ResponseRecorder {
			return c.get("/api/release/" + build.ID + "/r/9")
		}, http.StatusNotFound, core.KindNotFound},
		{"unknown run", func() *httptest.ResponseRecorder {
			return c.post("/api/report_pdiff", map[string]any{"run_id": "missing", "no_diff": true})
		}, http.StatusNotFound, core.KindNotFound},
		{"unknown artifact", func() *httptest.ResponseRecorder {
			return c.get("/api/artifact/deadbeef")
		}, http.StatusNotFound, core.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := tt.req()
			requireStatus(t, w, tt.code)
			assert.Equal(t, string(tt.kind), decodeAs[schemas.ErrorResponse](t, w).Error.Kind)
		})
	}
}

func TestUploadFileCount(t *testing.T) {
	c, _ := newClient(t)

	w := c.upload(map[string][]byte{})
	requireStatus(t, w, http.StatusBadRequest)

	w = c.upload(map[string][]byte{"a.png": []byte("a"), "b.png": []byte("b")})
	requireStatus(t, w, http.StatusBadRequest)

	first := decodeAs[db.Artifact](t, c.upload(map[string][]byte{"a.txt": []byte("same")}))
	second := decodeAs[db.Artifact](t, c.upload(map[string][]byte{"b.txt": []byte("same")}))
	assert.Equal(t, first.ID, second.ID)
}

func TestUploadSizeLimit(t *testing.T) {
	c, _ := newClient(t, controller.WithMaxUploadBytes(512))

	w := c.upload(map[string][]byte{"big.png": bytes.Repeat([]byte("x"), 4096)})
	requireStatus(t, w, http.StatusBadRequest)
	assert.Equal(t, string(core.KindValidation), decodeAs[schemas.ErrorResponse](t, w).Error.Kind)

	requireStatus(t, c.upload(map[string][]byte{"small.png": []byte("x")}), http.StatusOK)
}
