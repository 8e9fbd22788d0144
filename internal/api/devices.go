package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/fleetmon/internal/correlator"
	"github.com/nerrad567/fleetmon/internal/fleet"
)

type sendCommandRequest struct {
	CommandType string         `json:"command_type"`
	Parameters  map[string]any `json:"parameters"`
}

// handleListDevices returns every known device with its latest status.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.fleet.Devices()
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleOnlineDevices returns the ids of devices currently online.
func (s *Server) handleOnlineDevices(w http.ResponseWriter, _ *http.Request) {
	ids := s.fleet.OnlineDevices()
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": ids,
		"count":   len(ids),
	})
}

// handleGetDevice returns one device.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.fleet.Device(chi.URLParam(r, "id"))
	if err != nil {
		s.writeFleetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// handleDeviceHistory returns recorded status transitions, newest first.
func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeServiceUnavailable(w, "history is disabled")
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	deviceID := chi.URLParam(r, "id")
	entries, err := s.history.StatusHistory(r.Context(), deviceID, limit)
	if err != nil {
		s.logger.Error("status history query failed", "device_id", deviceID, "error", err)
		writeInternalError(w, "failed to query status history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": deviceID,
		"entries":   entries,
		"count":     len(entries),
	})
}

// handleDeviceCommands returns the command log for one device, newest first.
func (s *Server) handleDeviceCommands(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeServiceUnavailable(w, "history is disabled")
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	deviceID := chi.URLParam(r, "id")
	entries, err := s.history.Commands(r.Context(), deviceID, limit)
	if err != nil {
		s.logger.Error("command log query failed", "device_id", deviceID, "error", err)
		writeInternalError(w, "failed to query command log")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": deviceID,
		"commands":  entries,
		"count":     len(entries),
	})
}

// handleSendCommand publishes a command to a device and returns its id.
// The device's response arrives asynchronously on the command.response channel.
func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	var req sendCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	deviceID := chi.URLParam(r, "id")
	commandID, err := s.fleet.SendCommand(deviceID, req.CommandType, req.Parameters)
	if err != nil {
		s.writeFleetError(w, err)
		return
	}

	subject := ""
	if claims := claimsFromContext(r.Context()); claims != nil {
		subject = claims.Subject
	}
	s.logger.Info("command sent via API",
		"device_id", deviceID,
		"command_id", commandID,
		"command_type", req.CommandType,
		"subject", subject,
	)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"command_id": commandID,
		"device_id":  deviceID,
	})
}

// handleDeviceStatusRequest asks one device to publish its status.
func (s *Server) handleDeviceStatusRequest(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")
	if err := s.fleet.RequestStatus(deviceID); err != nil {
		s.writeFleetError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"device_id": deviceID})
}

// handleBroadcastStatusRequest asks every device to publish its status.
func (s *Server) handleBroadcastStatusRequest(w http.ResponseWriter, _ *http.Request) {
	if err := s.fleet.RequestStatus(""); err != nil {
		s.writeFleetError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"device_id": "all"})
}

// writeFleetError maps fleet and correlator errors to HTTP responses.
func (s *Server) writeFleetError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fleet.ErrInvalidDeviceID), errors.Is(err, fleet.ErrInvalidCommand):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, fleet.ErrDeviceNotFound), errors.Is(err, fleet.ErrCommandNotFound):
		writeNotFound(w, err.Error())
	case errors.Is(err, fleet.ErrNotConnected):
		writeServiceUnavailable(w, err.Error())
	case errors.Is(err, correlator.ErrPublishFailed):
		writeError(w, http.StatusBadGateway, ErrCodeBadGateway, err.Error())
	default:
		s.logger.Error("fleet operation failed", "error", err)
		writeInternalError(w, "internal server error")
	}
}

// parseLimit reads the optional ?limit= query parameter.
// Zero means the repository default; it writes a 400 and returns false when malformed.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		writeBadRequest(w, "limit must be a non-negative integer")
		return 0, false
	}
	return limit, true
}
