package domain

import "time"

// JobEvent records one status change of a job. Seq increases monotonically
// across all jobs so clients can resume with Since.
type JobEvent struct {
	Seq       int64     `json:"seq"`
	JobID     string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
