package statusapi

import (
	"github.com/bc-dunia/fleetbench/internal/journal"
	"github.com/bc-dunia/fleetbench/internal/lifecycle"
)

const (
	ErrorTypeUnavailable     = "unavailable"
	ErrorTypeInvalidArgument = "invalid_argument"
)

const (
	ErrorCodeRunNotStarted = "RUN_NOT_STARTED"
	ErrorCodeInvalidSince  = "INVALID_SINCE"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	ErrorType    string         `json:"error_type"`
	ErrorCode    string         `json:"error_code"`
	ErrorMessage string         `json:"error_message"`
	Retryable    bool           `json:"retryable"`
	Details      map[string]any `json:"details,omitempty"`
}

// HealthResponse is the response body for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	RunID  string `json:"run_id,omitempty"`
}

// GroupsResponse is the response body for GET /v1/journal/groups.
type GroupsResponse struct {
	RunID   string          `json:"run_id"`
	Version uint64          `json:"version"`
	Groups  []journal.Group `json:"groups"`
}

// LifecycleResponse is the response body for GET /v1/lifecycle and
// POST /v1/stop.
type LifecycleResponse struct {
	RunID string              `json:"run_id"`
	Phase lifecycle.RunPhase  `json:"phase"`
	Stop  lifecycle.StopStage `json:"stop_stage"`
}
