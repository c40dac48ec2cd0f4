package model

import "time"

// QueuedLock is a dispatch handle for one READY task, decoupled from the
// task row by UniqueName (stable across dispatch retries, unique per site).
// A nil QueueID means the handle sits in the site-wide shared pool.
type QueuedLock struct {
	ID         int64  `json:"id"`
	SiteID     int64  `json:"site_id"`
	QueueID    *int64 `json:"queue_id,omitempty"`
	UniqueName string `json:"unique_name"`
	Priority   int    `json:"priority"`

	// RetryCount counts how many times the lease expired without the
	// agent finishing, used to detect poison tasks.
	RetryCount int `json:"retry_count"`

	// LockExpireTime is nil while the handle is unlocked and available.
	LockExpireTime *time.Time `json:"lock_expire_time,omitempty"`
	LockAgentID    *string    `json:"lock_agent_id,omitempty"`
}

// Locked reports whether an agent currently holds a non-expired lease.
func (l *QueuedLock) Locked(now time.Time) bool {
	return l.LockExpireTime != nil && l.LockExpireTime.After(now)
}

// Queue is a named concurrency pool: at most MaxConcurrency handles in the
// queue may be locked simultaneously.
type Queue struct {
	ID             int64  `json:"id"`
	SiteID         int64  `json:"site_id"`
	Name           string `json:"name"`
	MaxConcurrency int    `json:"max_concurrency"`
}
