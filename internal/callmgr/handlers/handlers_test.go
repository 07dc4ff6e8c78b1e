package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AsherBond/whistle/internal/callmgr/pool"
	"github.com/AsherBond/whistle/pkg/api"
	"github.com/AsherBond/whistle/pkg/logging"
)

type mockCaller struct {
	reply *gabs.Container
	err   error
	last  map[string]any
}

func (m *mockCaller) call(ctx context.Context, payload map[string]any, timeout time.Duration) (*gabs.Container, error) {
	m.last = payload
	return m.reply, m.err
}

func (m *mockCaller) AuthReq(ctx context.Context, payload map[string]any, timeout time.Duration) (*gabs.Container, error) {
	return m.call(ctx, payload, timeout)
}

func (m *mockCaller) RouteReq(ctx context.Context, payload map[string]any, timeout time.Duration) (*gabs.Container, error) {
	return m.call(ctx, payload, timeout)
}

func (m *mockCaller) RegQuery(ctx context.Context, payload map[string]any, timeout time.Duration) (*gabs.Container, error) {
	return m.call(ctx, payload, timeout)
}

func (m *mockCaller) MediaReq(ctx context.Context, payload map[string]any, timeout time.Duration) (*gabs.Container, error) {
	return m.call(ctx, payload, timeout)
}

func setupRouter(caller Caller) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandlers(caller, logging.NewLogger()).Register(r)
	return r
}

func TestHandleAuthReqSuccess(t *testing.T) {
	reply, err := gabs.ParseJSON([]byte(`{"Result":"granted"}`))
	require.NoError(t, err)
	caller := &mockCaller{reply: reply}
	r := setupRouter(caller)

	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), "POST", "/v1/requests/auth_req",
		strings.NewReader(`{"Msg-ID":"m1"}`))
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"Result":"granted"}`, w.Body.String())
	assert.Equal(t, "m1", caller.last["Msg-ID"])
}

func TestHandleValidationError(t *testing.T) {
	caller := &mockCaller{err: &api.EnvelopeError{Kind: "route_req", Missing: []string{"To"}}}
	r := setupRouter(caller)

	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), "POST", "/v1/requests/route_req",
		strings.NewReader(`{}`))
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleTimeout(t *testing.T) {
	caller := &mockCaller{err: pool.ErrTimeout}
	r := setupRouter(caller)

	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), "POST", "/v1/requests/reg_query",
		strings.NewReader(`{}`))
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}

func TestHandleBadJSON(t *testing.T) {
	caller := &mockCaller{}
	r := setupRouter(caller)

	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), "POST", "/v1/requests/auth_req",
		strings.NewReader(`{not json`))
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
