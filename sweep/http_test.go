package sweep_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pewpewsetup/pewpew/generichttp"
	"github.com/pewpewsetup/pewpew/server/middleware/locker"
	"github.com/pewpewsetup/pewpew/sweep"
)

func serve(h *sweep.HTTPRunner, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for mp, f := range h.RT() {
		if mp.Method == method && mp.Path == path {
			f(w, req)
			return w
		}
	}
	w.Code = http.StatusNotFound
	return w
}

func TestHTTPRunnerStartAndStatus(t *testing.T) {
	r, _ := newRunner(&stage{}, &scope{})
	lock := locker.New()
	h := &sweep.HTTPRunner{
		Runner:   r,
		Lock:     lock,
		Defaults: sweep.Config{Start: 0, Stop: 1, Steps: 2, OutDir: t.TempDir(), Prefix: "p"},
	}

	w := serve(h, http.MethodPost, "/start", `{"steps": 3}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	var id generichttp.StrT
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &id))
	assert.NotEmpty(t, id.Str)

	h.Wait()
	assert.False(t, lock.Locked())

	w = serve(h, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st sweep.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.False(t, st.Running)
	assert.Empty(t, st.Err)
	assert.Equal(t, id.Str, st.Result.RunID)
	assert.Len(t, st.Result.Steps, 3)
}

func TestHTTPRunnerRejectsBadBody(t *testing.T) {
	r, _ := newRunner(&stage{}, &scope{})
	h := &sweep.HTTPRunner{Runner: r}
	assert.Equal(t, http.StatusBadRequest, serve(h, http.MethodPost, "/start", `{"steps": "many"}`).Code)
}

func TestHTTPRunnerCancelWhenIdle(t *testing.T) {
	r, _ := newRunner(&stage{}, &scope{})
	h := &sweep.HTTPRunner{Runner: r}
	assert.Equal(t, http.StatusConflict, serve(h, http.MethodPost, "/cancel", "").Code)
}

func TestHTTPRunnerBusyAndCancel(t *testing.T) {
	st := &blockingStage{entered: make(chan struct{}), release: make(chan struct{})}
	r, _ := newRunner(nil, &scope{})
	r.Stage = st
	lock := locker.New()
	h := &sweep.HTTPRunner{
		Runner:   r,
		Lock:     lock,
		Defaults: sweep.Config{Steps: 3, OutDir: t.TempDir(), Prefix: "p"},
	}
	require.Equal(t, http.StatusAccepted, serve(h, http.MethodPost, "/start", "").Code)
	<-st.entered
	assert.True(t, lock.Locked())
	assert.Equal(t, http.StatusConflict, serve(h, http.MethodPost, "/start", "").Code)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodPost, "/cancel", "").Code)
	close(st.release)
	h.Wait()

	var status sweep.Status
	require.NoError(t, json.Unmarshal(serve(h, http.MethodGet, "/status", "").Body.Bytes(), &status))
	assert.Contains(t, status.Err, "context canceled")
	assert.Len(t, status.Result.Steps, 1)
	assert.False(t, lock.Locked())
}

func TestHTTPRunnerConfinesFiles(t *testing.T) {
	r, _ := newRunner(&stage{}, &scope{})
	out := t.TempDir()
	h := &sweep.HTTPRunner{
		Runner:   r,
		SetupDir: t.TempDir(),
		Defaults: sweep.Config{Steps: 1, OutDir: out, Prefix: "p"},
	}
	for _, body := range []string{
		`{"outDir": "../elsewhere"}`,
		`{"outDir": "/tmp"}`,
		`{"prefix": "../../p"}`,
		`{"prefix": "a/b"}`,
		`{"options": {"SaveSetup": "../x.set"}}`,
		`{"options": {"LoadSetup": "/etc/passwd"}}`,
	} {
		assert.Equalf(t, http.StatusBadRequest, serve(h, http.MethodPost, "/start", body).Code, "body %s", body)
	}
	assert.False(t, r.Running())

	require.Equal(t, http.StatusAccepted, serve(h, http.MethodPost, "/start", `{"outDir": "run1", "prefix": "q"}`).Code)
	h.Wait()
	files, err := filepath.Glob(filepath.Join(out, "run1", "q_*.csv"))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

// parkedStage holds every move until its context ends
type parkedStage struct {
	stage
	entered chan struct{}
}

func (p *parkedStage) MoveRelative(ctx context.Context, delta float64) (float64, error) {
	p.entered <- struct{}{}
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestHTTPRunnerShutdown(t *testing.T) {
	st := &parkedStage{entered: make(chan struct{})}
	r, _ := newRunner(nil, &scope{})
	r.Stage = st
	lock := locker.New()
	h := &sweep.HTTPRunner{
		Runner:   r,
		Lock:     lock,
		Defaults: sweep.Config{Steps: 3, OutDir: t.TempDir(), Prefix: "p"},
	}
	h.Shutdown()

	require.Equal(t, http.StatusAccepted, serve(h, http.MethodPost, "/start", "").Code)
	<-st.entered
	h.Shutdown()
	assert.False(t, r.Running())
	assert.False(t, lock.Locked())

	var status sweep.Status
	require.NoError(t, json.Unmarshal(serve(h, http.MethodGet, "/status", "").Body.Bytes(), &status))
	assert.False(t, status.Running)
	assert.Contains(t, status.Err, "context canceled")
}
