package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"yesterday/internal/core"
)

type intervalRequest struct {
	// CheckInterval is in milliseconds.
	CheckInterval int64 `json:"checkInterval"`
}

func (s *Server) handleSchedulerStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.Stats())
}

// handleSchedulerStart arms the scheduler with a context that outlives the
// request.
func (s *Server) handleSchedulerStart(w http.ResponseWriter, r *http.Request) {
	s.scheduler.Start(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusOK, s.scheduler.Stats())
}

func (s *Server) handleSchedulerStop(w http.ResponseWriter, r *http.Request) {
	s.scheduler.Stop()
	writeJSON(w, http.StatusOK, s.scheduler.Stats())
}

func (s *Server) handleSchedulerInterval(w http.ResponseWriter, r *http.Request) {
	var req intervalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.CheckInterval <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "checkInterval must be a positive number of milliseconds")
		return
	}
	applied := s.scheduler.SetCheckInterval(time.Duration(req.CheckInterval) * time.Millisecond)
	s.logger.Info("check interval changed", "requested_ms", req.CheckInterval, "applied", applied)
	writeJSON(w, http.StatusOK, s.scheduler.Stats())
}

func (s *Server) handleSchedulerQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNilTasks(s.scheduler.Queued()))
}

func (s *Server) handleSchedulerUpcoming(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNilTasks(s.scheduler.Upcoming()))
}

// handleSchedulerEvents streams task lifecycle events as server-sent events
// until the client goes away.
func (s *Server) handleSchedulerEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}
	events, unsubscribe := s.scheduler.Subscribe(32)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepAlive := time.NewTicker(25 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case msg, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, msg); err != nil {
				s.logger.Debug("write event", "err", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, msg core.TaskEventMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Event, data)
	return err
}
