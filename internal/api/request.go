package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/gray-logic-meross/internal/engine"
	"github.com/nerrad567/gray-logic-meross/internal/protocol"
	"github.com/nerrad567/gray-logic-meross/internal/transport"
)

// requestBody is the body of POST /request: a raw protocol exchange.
type requestBody struct {
	DeviceUUID string          `json:"device_uuid"`
	Method     string          `json:"method"`
	Namespace  string          `json:"namespace"`
	Key        string          `json:"key,omitempty"` // signing key override for this exchange
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// requestResponse wraps the device's reply envelope.
type requestResponse struct {
	Method    string          `json:"method"`
	Namespace string          `json:"namespace"`
	Payload   json.RawMessage `json:"payload"`
}

// handleRequest performs one raw protocol exchange against a device.
//
// PUSH requests are fire-and-forget: a 202 with no payload means the
// envelope was handed to the transport.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	var body requestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if body.DeviceUUID == "" {
		writeBadRequest(w, "device_uuid is required")
		return
	}
	if body.Namespace == "" {
		writeBadRequest(w, "namespace is required")
		return
	}
	if body.Method == "" {
		body.Method = protocol.MethodGet
	}

	resp, err := s.engine.Request(r.Context(), engine.RawRequest{
		DeviceUUID: body.DeviceUUID,
		Method:     body.Method,
		Namespace:  body.Namespace,
		Key:        body.Key,
		Payload:    body.Payload,
	})
	if err != nil {
		s.writeRequestError(w, body, err)
		return
	}

	if resp == nil {
		// PUSH: no response envelope to return.
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status": "sent",
			"method": body.Method,
		})
		return
	}

	writeJSON(w, http.StatusOK, requestResponse{
		Method:    resp.Header.Method,
		Namespace: resp.Header.Namespace,
		Payload:   resp.Payload,
	})
}

// writeRequestError maps engine and protocol errors onto HTTP statuses.
func (s *Server) writeRequestError(w http.ResponseWriter, body requestBody, err error) {
	var devErr *protocol.DeviceError

	switch {
	case errors.Is(err, engine.ErrUnknownDevice):
		writeNotFound(w, "device not found: "+body.DeviceUUID)
	case errors.Is(err, engine.ErrInvalidRequest):
		writeBadRequest(w, err.Error())
	case errors.Is(err, engine.ErrDeviceUnavailable):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable,
			"device unreachable on all transports: "+body.DeviceUUID)
	case errors.As(err, &devErr):
		writeError(w, http.StatusBadGateway, ErrCodeDeviceError, devErr.Error())
	case errors.Is(err, transport.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout,
			"device did not answer: "+body.DeviceUUID)
	case errors.Is(err, transport.ErrTransport):
		writeError(w, http.StatusBadGateway, ErrCodeDeviceError, err.Error())
	default:
		s.logger.Error("raw request failed",
			"uuid", body.DeviceUUID,
			"namespace", body.Namespace,
			"error", err,
		)
		writeInternalError(w, "request failed")
	}
}
