package model

import "time"

// Session identifies one logical run of a workflow: unique on
// (ProjectID, WorkflowName, SessionTime). A session can be executed more
// than once; each execution is a SessionAttempt.
type Session struct {
	ID            int64     `json:"id"`
	ProjectID     int64     `json:"project_id"`
	WorkflowName  string    `json:"workflow_name"`
	SessionTime   time.Time `json:"session_time"`
	LastAttemptID *int64    `json:"last_attempt_id,omitempty"`
}

// SessionAttempt is one execution of a Session. It owns exactly one root
// task. Index is a 1-based ordinal among attempts of the same session.
type SessionAttempt struct {
	ID        int64             `json:"id"`
	SessionID int64             `json:"session_id"`
	SiteID    int64             `json:"site_id"`
	Index     int               `json:"index"`
	Flags     AttemptStateFlags `json:"state_flags"`
	TimeZone  string            `json:"timezone"`
	Params    Params            `json:"params"`

	// RetryAttemptName is set when this attempt resumes a prior failed
	// attempt of the same session.
	RetryAttemptName *string `json:"retry_attempt_name,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// SessionMonitor schedules a synthetic task (e.g. an SLA alert) to be
// injected into a running attempt's tree at NextRunTime.
type SessionMonitor struct {
	ID         int64     `json:"id"`
	AttemptID  int64     `json:"attempt_id"`
	Type       string    `json:"type"`
	Config     Params    `json:"config"`
	NextRunTime time.Time `json:"next_run_time"`
	CreatedAt  time.Time `json:"created_at"`
}
