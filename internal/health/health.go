// Package health provides the HTTP readiness handler of the event bus.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/AlexanderSemenyak/ert/internal/buildinfo"
)

// ReadyState is the bus state in which the handler answers 200 OK.
const ReadyState = "listening"

// StartingState is the only unavailable state a bus leaves for ReadyState.
const StartingState = "starting"

// Status is the live part of the health response, supplied by the bus.
type Status struct {
	State     string
	SessionID string
	Monitors  int
}

// Response represents the health check response body.
type Response struct {
	Status       string    `json:"status"`
	ServiceName  string    `json:"service_name"`
	Version      string    `json:"version"`
	Commit       string    `json:"commit"`
	BuildTime    string    `json:"build_time"`
	GoVersion    string    `json:"go_version"`
	OS           string    `json:"os"`
	Architecture string    `json:"architecture"`
	BusState     string    `json:"bus_state"`
	SessionID    string    `json:"session_id"`
	Monitors     int       `json:"monitors"`
	Timestamp    time.Time `json:"timestamp"`
}

// Handler reports build info and the bus state.  It answers 200 OK while the
// bus accepts connections and 503 otherwise, so clients can poll it to learn
// when the bus is up.
func Handler(status func() Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := status()

		code := http.StatusOK
		response := Response{
			Status:       "healthy",
			ServiceName:  buildinfo.ServiceName,
			Version:      buildinfo.Version,
			Commit:       buildinfo.Commit,
			BuildTime:    buildinfo.BuildTime,
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			BusState:     st.State,
			SessionID:    st.SessionID,
			Monitors:     st.Monitors,
			Timestamp:    time.Now().UTC(),
		}
		if st.State != ReadyState {
			code = http.StatusServiceUnavailable
			response.Status = "unavailable"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(response)
	}
}
