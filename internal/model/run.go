package model

import "time"

// RunStatus tracks a reconciliation run's lifecycle.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// RunStats summarizes what a reconciliation run did.
type RunStats struct {
	Planned    int               `json:"planned"`
	Observed   int               `json:"observed"`
	Rejected   int               `json:"rejected"`
	Matched    int               `json:"matched"`
	ByStrategy map[MatchType]int `json:"by_strategy"`
	Upserted   int64             `json:"upserted"`
}

// Run is one row of the reconciliation run log.
type Run struct {
	ID           string     `json:"id"`
	ProjectScope string     `json:"project_scope"`
	Status       RunStatus  `json:"status"`
	Stats        RunStats   `json:"stats"`
	Error        string     `json:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	ProjectScope string    `json:"project_scope,omitempty"`
	Status       RunStatus `json:"status,omitempty"`
	Limit        int       `json:"limit,omitempty"`
}
