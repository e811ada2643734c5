package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixed(st Status) func() Status {
	return func() Status { return st }
}

func TestHandlerReturnsStatusOKWhenListening(t *testing.T) {
	handler := Handler(fixed(Status{State: "listening", SessionID: "abc"}))
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()

	handler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestHandlerResponseStructure(t *testing.T) {
	handler := Handler(fixed(Status{State: "listening", SessionID: "abc", Monitors: 2}))
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()

	handler(w, req)

	var resp Response
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	require.NoError(t, err)

	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "ert-ensemble", resp.ServiceName)
	assert.Equal(t, "listening", resp.BusState)
	assert.Equal(t, "abc", resp.SessionID)
	assert.Equal(t, 2, resp.Monitors)
	assert.NotEmpty(t, resp.Version)
	assert.NotEmpty(t, resp.Commit)
	assert.NotEmpty(t, resp.BuildTime)
	assert.NotEmpty(t, resp.GoVersion)
	assert.NotEmpty(t, resp.OS)
	assert.NotEmpty(t, resp.Architecture)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestHandlerUnavailableOutsideListening(t *testing.T) {
	for _, state := range []string{"starting", "draining", "stopped"} {
		t.Run(state, func(t *testing.T) {
			handler := Handler(fixed(Status{State: state}))
			req := httptest.NewRequest("GET", "/healthz", nil)
			w := httptest.NewRecorder()

			handler(w, req)

			assert.Equal(t, http.StatusServiceUnavailable, w.Code)

			var resp Response
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, "unavailable", resp.Status)
			assert.Equal(t, state, resp.BusState)
		})
	}
}

func TestHandlerReadsStatusPerRequest(t *testing.T) {
	state := "listening"
	handler := Handler(func() Status { return Status{State: state} })

	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	state = "draining"
	w = httptest.NewRecorder()
	handler(w, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandlerResponseBody(t *testing.T) {
	handler := Handler(fixed(Status{State: "listening", SessionID: "deadbeef"}))
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()

	handler(w, req)

	assert.Greater(t, w.Body.Len(), 0)

	body := w.Body.String()
	assert.True(t, strings.Contains(body, "healthy"))
	assert.True(t, strings.Contains(body, "ert-ensemble"))
	assert.True(t, strings.Contains(body, "deadbeef"))
	assert.True(t, strings.Contains(body, "go_version"))
}
