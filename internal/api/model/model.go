package model

import (
	"encoding/json"
	"time"
)

type Job struct {
	ID          string          `db:"id"`
	Name        string          `db:"name"`
	Params      json.RawMessage `db:"params"`
	Priority    int             `db:"priority"`
	State       string          `db:"state"`
	CreatedAt   time.Time       `db:"created_at"`
	SubmittedBy *string         `db:"submitted_by"`
}
