package model

import "time"

// Company is an employer. Name is the natural key; rows are never mutated.
type Company struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Position is a job opening owned by a company. Candidate uniqueness is
// enforced within a position.
type Position struct {
	ID         string    `json:"id"`
	CompanyID  string    `json:"company_id"`
	Title      string    `json:"title"`
	ExternalID string    `json:"external_id,omitempty"` // portal job id, used for matching across runs
	CreatedAt  time.Time `json:"created_at"`
}
