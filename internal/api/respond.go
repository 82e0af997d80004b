package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"yesterday/internal/core"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}

// writeDomainError maps domain errors onto HTTP statuses. Unknown errors are
// logged and reported as internal without leaking their text.
func (s *Server) writeDomainError(w http.ResponseWriter, err error, action string, attrs ...any) {
	var ve *core.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, "invalid_input", ve.Error())
	case errors.Is(err, core.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "not_found", "task not found")
	case errors.Is(err, core.ErrWorkflowNotFound):
		writeError(w, http.StatusNotFound, "not_found", "workflow not found")
	case errors.Is(err, core.ErrTaskNotPending):
		writeError(w, http.StatusConflict, "conflict", "task is not pending")
	case errors.Is(err, core.ErrWorkflowInUse):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		s.logger.Error(action, append(attrs, "err", err)...)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to "+action)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

// splitList reads a query parameter given either repeated or comma separated.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
