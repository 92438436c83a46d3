// Package jobmanager is the typed client over the remote Job Manager's
// HTTP/JSON control plane: the Job/Stage/Task domain model, the dequeue and
// status-reporting operations the Worker consumes, and the Producer handle
// passed into user handlers for creating follow-up work.
package jobmanager

import "time"

// JobId, StageId and TaskId are opaque server-assigned identifiers. They are
// distinct string-wrapper types so a StageId cannot be passed where a TaskId
// is expected without a compile error, even though the server happens to
// mint both as UUIDs.
type (
	JobId   string
	StageId string
	TaskId  string
)

func (id JobId) String() string   { return string(id) }
func (id StageId) String() string { return string(id) }
func (id TaskId) String() string  { return string(id) }

// TaskStatus mirrors the server-owned task lifecycle. The Worker only ever
// writes COMPLETED or FAILED; the remaining values are observed, not set.
type TaskStatus string

const (
	TaskCreated    TaskStatus = "CREATED"
	TaskPending    TaskStatus = "PENDING"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
	TaskRetried    TaskStatus = "RETRIED"
)

// JobPriority orders Jobs on the server; the Worker never reads or writes it
// beyond surfacing it as a trace attribute.
type JobPriority string

const (
	PriorityVeryHigh JobPriority = "VERY_HIGH"
	PriorityHigh     JobPriority = "HIGH"
	PriorityMedium   JobPriority = "MEDIUM"
	PriorityLow      JobPriority = "LOW"
	PriorityVeryLow  JobPriority = "VERY_LOW"
)

// UserMetadata is an opaque, caller-defined JSON object attached to a Job,
// Stage or Task.
type UserMetadata map[string]interface{}

// TaskData is the opaque JSON payload a Task carries; its shape is defined
// by whatever produced the task, not by this package.
type TaskData map[string]interface{}

// Task is the central entity the Worker operates on.
type Task struct {
	ID           TaskId       `json:"id"`
	StageID      StageId      `json:"stageId"`
	Status       TaskStatus   `json:"status"`
	Attempts     int          `json:"attempts"`
	MaxAttempts  int          `json:"maxAttempts"`
	Data         TaskData     `json:"data,omitempty"`
	UserMetadata UserMetadata `json:"userMetadata,omitempty"`
	CreationTime time.Time    `json:"creationTime"`
	UpdateTime   time.Time    `json:"updateTime"`
	Traceparent  string       `json:"traceparent,omitempty"`
	Tracestate   string       `json:"tracestate,omitempty"`
}

// Stage is the routing unit between a Job and its Tasks; Type is the
// free-form identifier a Worker dequeues against.
type Stage struct {
	ID           StageId      `json:"id"`
	JobID        JobId        `json:"jobId"`
	Type         string       `json:"type"`
	Status       string       `json:"status"`
	UserMetadata UserMetadata `json:"userMetadata,omitempty"`
	Data         TaskData     `json:"data,omitempty"`
	Traceparent  string       `json:"traceparent,omitempty"`
}

// Job is the top-level unit of work a caller submits.
type Job struct {
	ID           JobId        `json:"id"`
	Name         string       `json:"name"`
	Priority     JobPriority  `json:"priority"`
	Status       string       `json:"status"`
	UserMetadata UserMetadata `json:"userMetadata,omitempty"`
	Data         TaskData     `json:"data,omitempty"`
	Traceparent  string       `json:"traceparent,omitempty"`
}
