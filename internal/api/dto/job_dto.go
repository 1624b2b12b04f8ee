package dto

import "encoding/json"

type CreateJobRequest struct {
	Name        string          `json:"name" binding:"required"`
	Params      json.RawMessage `json:"params"`
	Priority    int             `json:"priority"`
	SubmittedBy *string         `json:"submitted_by"`
}

// UpdateJobRequest carries only the fields present in the body
type UpdateJobRequest struct {
	Name        *string         `json:"name" binding:"omitempty,min=1"`
	Params      json.RawMessage `json:"params"`
	Priority    *int            `json:"priority"`
	State       *string         `json:"state"`
	SubmittedBy *string         `json:"submitted_by"`
}

type ListJobsRequest struct {
	State    string `form:"state"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type JobDTO struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Params      json.RawMessage `json:"params"`
	Priority    int             `json:"priority"`
	State       string          `json:"state"`
	CreatedAt   string          `json:"created_at"`
	SubmittedBy *string         `json:"submitted_by"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
