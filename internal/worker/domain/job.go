package domain

import (
	"encoding/json"
	"time"
)

// Job represents a job row as seen by the worker
type Job struct {
	ID          string          `db:"id"`
	Name        string          `db:"name"`
	Params      json.RawMessage `db:"params"`
	Priority    int             `db:"priority"`
	State       State           `db:"state"`
	CreatedAt   time.Time       `db:"created_at"`
	SubmittedBy *string         `db:"submitted_by"`
}

// Event is the payload broadcast on every job state change
type Event struct {
	JobID         string   `json:"job_id"`
	State         State    `json:"state"`
	Timestamp     string   `json:"timestamp"`
	Name          string   `json:"name,omitempty"`
	GPUID         *int     `json:"gpu_id,omitempty"`
	ExecutionTime *float64 `json:"execution_time,omitempty"`
	Reason        string   `json:"reason,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// Subject returns the hierarchical subject jobs.<job_id>.<state>
func (e *Event) Subject() string {
	return SubjectPrefix + "." + e.JobID + "." + string(e.State)
}
