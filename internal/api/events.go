package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-meross/internal/eventlog"
)

// handleListEvents returns recent protocol events, optionally filtered
// by query parameters (device, namespace, method, limit, offset).
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	s.listEvents(w, r, r.URL.Query().Get("device"))
}

// handleListDeviceEvents returns recent protocol events for one device.
func (s *Server) handleListDeviceEvents(w http.ResponseWriter, r *http.Request) {
	s.listEvents(w, r, chi.URLParam(r, "uuid"))
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request, deviceUUID string) {
	if s.events == nil {
		writeError(w, http.StatusNotImplemented, ErrCodeInternal, "event log not enabled")
		return
	}

	q := r.URL.Query()
	filter := eventlog.Filter{
		Device:    deviceUUID,
		Namespace: q.Get("namespace"),
		Method:    q.Get("method"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, "limit must be an integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, "offset must be an integer")
			return
		}
		filter.Offset = n
	}

	result, err := s.events.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing protocol events failed", "error", err)
		writeInternalError(w, "listing events")
		return
	}

	writeJSON(w, http.StatusOK, result)
}
