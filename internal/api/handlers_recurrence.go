package api

import (
	"net/http"
	"time"

	"yesterday/internal/core"
)

type recurrencePreviewRequest struct {
	ScheduledTime  time.Time           `json:"scheduledTime"`
	RecurrenceType core.RecurrenceType `json:"recurrenceType"`
}

type recurrencePreviewResponse struct {
	Label       string      `json:"label"`
	Count       int         `json:"count"`
	Summary     string      `json:"summary"`
	Occurrences []time.Time `json:"occurrences"`
}

func (s *Server) handleRecurrencePreview(w http.ResponseWriter, r *http.Request) {
	var req recurrencePreviewRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ScheduledTime.IsZero() {
		writeError(w, http.StatusBadRequest, "invalid_input", "scheduledTime is required")
		return
	}
	if req.RecurrenceType == "" {
		req.RecurrenceType = core.RecurrenceNone
	}
	if !req.RecurrenceType.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_input", "unknown recurrence type")
		return
	}

	start := req.ScheduledTime.In(s.location)
	inputs := core.GenerateRecurringTasks(core.CreateTaskInput{ScheduledTime: start}, req.RecurrenceType)
	occurrences := make([]time.Time, 0, len(inputs))
	for _, in := range inputs {
		occurrences = append(occurrences, in.ScheduledTime)
	}
	writeJSON(w, http.StatusOK, recurrencePreviewResponse{
		Label:       core.RecurrenceLabel(req.RecurrenceType),
		Count:       core.RecurrenceCount(start, req.RecurrenceType),
		Summary:     core.RecurrenceSummary(start, req.RecurrenceType),
		Occurrences: occurrences,
	})
}
