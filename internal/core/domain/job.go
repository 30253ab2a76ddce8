package domain

import (
	"fmt"
	"time"
)

// JobID is a monotonically increasing job identifier.
type JobID uint64

// Operation is the lifecycle work a job requests.
type Operation string

const (
	OpDeploy       Operation = "deploy"
	OpStop         Operation = "stop"
	OpRebuild      Operation = "rebuild"
	OpDecommission Operation = "decommission"
)

// ParseOperation validates an operation name.
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(s); op {
	case OpDeploy, OpStop, OpRebuild, OpDecommission:
		return op, nil
	default:
		return "", fmt.Errorf("unknown operation %q", s)
	}
}

// JobStatus is the dispatch status of a job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// Job is a unit of requested lifecycle work against one workspace.
type Job struct {
	ID          JobID       `json:"id"`
	Workspace   WorkspaceID `json:"workspace"`
	Operation   Operation   `json:"operation"`
	Origin      Operation   `json:"origin,omitempty"`
	Image       string      `json:"image,omitempty"`
	Source      string      `json:"source,omitempty"`
	EnqueuedAt  time.Time   `json:"enqueued_at"`
	Attempts    int         `json:"attempts"`
	Status      JobStatus   `json:"status"`
	LastError   string      `json:"last_error,omitempty"`
	NotBefore   time.Time   `json:"not_before,omitempty"`
	Worker      string      `json:"worker,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}
