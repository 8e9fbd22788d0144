package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/fleetmon/internal/fleet"
	"github.com/nerrad567/fleetmon/internal/history"
)

// handleListPendingCommands returns commands still awaiting a response.
func (s *Server) handleListPendingCommands(w http.ResponseWriter, _ *http.Request) {
	pending := s.fleet.PendingCommands()
	writeJSON(w, http.StatusOK, map[string]any{
		"commands": pending,
		"count":    len(pending),
	})
}

// handleGetCommand looks a command up among pending entries first, then in
// the command log.
func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "id")

	pc, err := s.fleet.PendingCommand(commandID)
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"pending": true,
			"command": pc,
		})
		return
	}
	if !errors.Is(err, fleet.ErrCommandNotFound) {
		s.writeFleetError(w, err)
		return
	}

	if s.history == nil {
		writeNotFound(w, "command not pending")
		return
	}

	entry, err := s.history.Command(r.Context(), commandID)
	if err != nil {
		if errors.Is(err, history.ErrCommandNotFound) {
			writeNotFound(w, "command not found")
			return
		}
		s.logger.Error("command lookup failed", "command_id", commandID, "error", err)
		writeInternalError(w, "failed to query command log")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"pending": false,
		"command": entry,
	})
}
