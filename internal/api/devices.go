package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-meross/internal/device"
	"github.com/nerrad567/gray-logic-meross/internal/engine"
)

// deviceResponse combines persisted device info with the engine's live
// diagnostic snapshot.
type deviceResponse struct {
	device.Device
	Status *engine.DeviceStatus `json:"status,omitempty"`
}

// handleListDevices returns all registered devices with live status.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.registry.List()

	statuses := make(map[string]engine.DeviceStatus, len(devices))
	for _, st := range s.engine.StatusAll() {
		statuses[st.UUID] = st
	}

	out := make([]deviceResponse, 0, len(devices))
	for _, dev := range devices {
		resp := deviceResponse{Device: dev}
		if st, ok := statuses[dev.UUID]; ok {
			resp.Status = &st
		}
		out = append(out, resp)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": out,
		"count":   len(out),
	})
}

// handleGetDevice returns one device with live status.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")

	dev, err := s.registry.Get(uuid)
	if err != nil {
		if errors.Is(err, device.ErrNotFound) {
			writeNotFound(w, "device not found: "+uuid)
			return
		}
		writeInternalError(w, "loading device")
		return
	}

	resp := deviceResponse{Device: *dev}
	if st, serr := s.engine.Status(uuid); serr == nil {
		resp.Status = &st
	}

	writeJSON(w, http.StatusOK, resp)
}

// createDeviceRequest is the body of POST /devices.
type createDeviceRequest struct {
	UUID         string `json:"uuid"`
	Name         string `json:"name"`
	Host         string `json:"host"`
	Key          string `json:"key"`
	Transport    string `json:"transport"`
	PollInterval int    `json:"poll_interval_seconds"`
}

// handleCreateDevice registers a new device and starts driving it.
func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	transport := device.TransportMode(req.Transport)
	if req.Transport == "" {
		transport = device.TransportAuto
	}

	dev := &device.Device{
		UUID:         req.UUID,
		Name:         req.Name,
		Host:         req.Host,
		Key:          req.Key,
		Transport:    transport,
		PollInterval: time.Duration(req.PollInterval) * time.Second,
	}

	if err := s.registry.Create(r.Context(), dev); err != nil {
		switch {
		case errors.Is(err, device.ErrAlreadyExists):
			writeError(w, http.StatusConflict, ErrCodeConflict, "device already exists: "+req.UUID)
		case errors.Is(err, device.ErrInvalidDevice):
			writeBadRequest(w, err.Error())
		default:
			s.logger.Error("device create failed", "uuid", req.UUID, "error", err)
			writeInternalError(w, "persisting device")
		}
		return
	}

	if err := s.engine.AddDevice(dev); err != nil {
		// The device is persisted but not driven; surface the reason.
		s.logger.Error("driving new device failed", "uuid", req.UUID, "error", err)
		writeError(w, http.StatusUnprocessableEntity, ErrCodeBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, dev)
}

// handleDeleteDevice stops driving a device and removes it from storage.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")

	if err := s.engine.RemoveDevice(uuid); err != nil && !errors.Is(err, engine.ErrUnknownDevice) {
		s.logger.Warn("stopping device driver failed", "uuid", uuid, "error", err)
	}

	if err := s.registry.Delete(r.Context(), uuid); err != nil {
		if errors.Is(err, device.ErrNotFound) {
			writeNotFound(w, "device not found: "+uuid)
			return
		}
		writeInternalError(w, "deleting device")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"deleted": uuid})
}
