package protocol

import (
	"fmt"
	"time"
)

// JobStatusEvent is broadcast on the bus whenever a job changes status.
type JobStatusEvent struct {
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	Complete  bool      `json:"complete,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	StreamJobs       = "WHISPERLENS_JOBS"
	SubjectJobPrefix = "whisperlens.job"
	SubjectJobsAll   = SubjectJobPrefix + ".>"
)

// SubjectJobStatus returns the subject carrying status events for one job.
func SubjectJobStatus(jobID string) string {
	return fmt.Sprintf("%s.%s.status", SubjectJobPrefix, jobID)
}
