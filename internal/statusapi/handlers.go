package statusapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/bc-dunia/fleetbench/internal/journal"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, &HealthResponse{Status: "ok", RunID: s.source.RunID()})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	j, ok := s.journal(w)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, j.Snapshot())
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	j, ok := s.journal(w)
	if !ok {
		return
	}
	snap := j.Snapshot()
	s.writeJSON(w, http.StatusOK, &GroupsResponse{
		RunID:   snap.RunID,
		Version: snap.Version,
		Groups:  snap.Groups(),
	})
}

// handleWatch returns the snapshot as soon as the journal version exceeds
// since, or the current snapshot once the watch timeout elapses.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, &ErrorResponse{
				ErrorType:    ErrorTypeInvalidArgument,
				ErrorCode:    ErrorCodeInvalidSince,
				ErrorMessage: "since must be a non-negative integer",
				Details:      map[string]any{"since": raw},
			})
			return
		}
		since = v
	}

	j, ok := s.journal(w)
	if !ok {
		return
	}

	// Subscribe before reading the version so no bump is missed.
	updates, unsubscribe := j.Subscribe()
	defer unsubscribe()

	timer := time.NewTimer(s.watchTimeout)
	defer timer.Stop()

	for j.Version() <= since {
		select {
		case <-updates:
		case <-timer.C:
			s.writeJSON(w, http.StatusOK, j.Snapshot())
			return
		case <-r.Context().Done():
			return
		}
	}
	s.writeJSON(w, http.StatusOK, j.Snapshot())
}

func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.lifecycle())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.logger.Warn("stop_requested_via_api", "remote_addr", r.RemoteAddr)
	s.source.Stop()
	s.writeJSON(w, http.StatusAccepted, s.lifecycle())
}

func (s *Server) lifecycle() *LifecycleResponse {
	state := s.source.Lifecycle()
	return &LifecycleResponse{RunID: s.source.RunID(), Phase: state.Phase, Stop: state.Stop}
}

func (s *Server) journal(w http.ResponseWriter) (*journal.Journal, bool) {
	j := s.source.Journal()
	if j == nil {
		s.writeError(w, http.StatusServiceUnavailable, &ErrorResponse{
			ErrorType:    ErrorTypeUnavailable,
			ErrorCode:    ErrorCodeRunNotStarted,
			ErrorMessage: "no run has started yet",
			Retryable:    true,
		})
		return nil, false
	}
	return j, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("status_api_write_failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, errResp *ErrorResponse) {
	s.writeJSON(w, status, errResp)
}
