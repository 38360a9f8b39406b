package httpops

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resolvercore/confd/internal/confd/confset"
	"github.com/resolvercore/confd/internal/confd/dispatch"
)

func TestHandleHealthz_ReportsGeneration(t *testing.T) {
	d := dispatch.New()
	reg := confset.New(d, nil)
	s := New(reg, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}

func TestRequestIDMiddleware_KeepsCallerSuppliedID(t *testing.T) {
	d := dispatch.New()
	reg := confset.New(d, nil)
	s := New(reg, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "caller-id-123")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "caller-id-123", rec.Header().Get(RequestIDHeader))
}

func TestHandleDebugConfset_ListsRegisteredModules(t *testing.T) {
	d := dispatch.New()
	reg := confset.New(d, func(info *confset.Info) (any, error) {
		return "payload", nil
	})

	vt := &confset.Vtable{}
	_, err := reg.Register(vt, "mod-a", "/tmp/mod-a", true, 0, nil)
	require.NoError(t, err)
	_, err = reg.Load(0, false)
	require.NoError(t, err)

	s := New(reg, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/debug/confset", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mod-a")
}

func TestHandleDebugReload_CallsForceReload(t *testing.T) {
	d := dispatch.New()
	reg := confset.New(d, nil)

	called := false
	s := New(reg, nil, func() (bool, error) {
		called = true
		return true, nil
	})

	req := httptest.NewRequest(http.MethodPost, "/debug/reload", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, called)
	assert.Contains(t, rec.Body.String(), `"changed":true`)
}

func TestHandleDebugReload_UnwiredReturnsServiceUnavailable(t *testing.T) {
	d := dispatch.New()
	reg := confset.New(d, nil)
	s := New(reg, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/debug/reload", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
