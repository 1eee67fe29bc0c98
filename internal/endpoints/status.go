package endpoints

import (
	"net/http"
	"time"

	"github.com/thenexusengine/tne_bidgate/internal/engine"
	"github.com/thenexusengine/tne_bidgate/internal/events"
)

// EngineStatus reports the engine connection. *engine.Client satisfies it.
type EngineStatus interface {
	State() engine.State
	Pending() int
}

// EventStats reports publisher counters. *events.Publisher satisfies it.
type EventStats interface {
	Stats() events.Stats
}

// StatusHandler handles /status requests
type StatusHandler struct {
	engine EngineStatus
	events EventStats
	start  time.Time
}

// NewStatusHandler creates a status handler. Either dependency may be nil.
func NewStatusHandler(eng EngineStatus, ev EventStats) *StatusHandler {
	return &StatusHandler{engine: eng, events: ev, start: time.Now()}
}

// ServeHTTP handles status requests
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":         "ok",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(h.start).Seconds()),
	}

	if h.engine != nil {
		state := h.engine.State()
		resp["engine"] = map[string]interface{}{
			"state":   state.String(),
			"pending": h.engine.Pending(),
		}
		if state != engine.StateConnected {
			resp["status"] = "degraded"
		}
	} else {
		resp["engine"] = map[string]interface{}{"state": "disabled"}
		resp["status"] = "degraded"
	}

	if h.events != nil {
		resp["events"] = h.events.Stats()
	}

	writeJSON(w, http.StatusOK, resp)
}
