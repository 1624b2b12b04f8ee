package domain

import (
	"encoding/json"
	"errors"

	jobdomain "github.com/cuongbtq/constellation/internal/worker/domain"
)

// Page size bounds for GET /jobs
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

var (
	// ErrJobNotFound is shared with the worker so both sides of the store agree
	ErrJobNotFound = jobdomain.ErrJobNotFound

	ErrInvalidCursor = errors.New("invalid cursor")
)

// JobUpdate is a partial update; nil fields are left unchanged
type JobUpdate struct {
	Name        *string
	Params      json.RawMessage
	Priority    *int
	State       *jobdomain.State
	SubmittedBy *string
}

// IsEmpty reports whether the update touches no column
func (u *JobUpdate) IsEmpty() bool {
	return u.Name == nil && u.Params == nil && u.Priority == nil && u.State == nil && u.SubmittedBy == nil
}
