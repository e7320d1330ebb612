package locker_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pewpewsetup/pewpew/generichttp"
	"github.com/pewpewsetup/pewpew/server/middleware/locker"
)

func router(l *locker.Locker) http.Handler {
	rt := generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/home"}: func(w http.ResponseWriter, r *http.Request) {},
	}
	locker.Inject(rt, l)
	r := chi.NewRouter()
	r.Use(l.Check)
	rt.Bind(r)
	return r
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
	return w
}

func TestLockBouncesProtectedRoutes(t *testing.T) {
	l := locker.New()
	h := router(l)
	assert.Equal(t, http.StatusOK, do(h, http.MethodPost, "/home", "").Code)

	l.Lock()
	assert.Equal(t, http.StatusLocked, do(h, http.MethodPost, "/home", "").Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/endpoints", "").Code)

	w := do(h, http.MethodGet, "/lock", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"bool": true}`, w.Body.String())
}

func TestLockOverHTTP(t *testing.T) {
	l := locker.New()
	h := router(l)
	assert.Equal(t, http.StatusOK, do(h, http.MethodPost, "/lock", `{"bool": true}`).Code)
	assert.True(t, l.Locked())
	assert.Equal(t, http.StatusOK, do(h, http.MethodPost, "/lock", `{"bool": false}`).Code)
	assert.False(t, l.Locked())
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/lock", `{`).Code)
}
