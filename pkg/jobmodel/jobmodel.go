// Package jobmodel defines the data model shared by the server-side
// persistence components: jobs, queued operations, locks, sentinels,
// callbacks and batches. The persistence components (WAL, queue
// snapshot, lock files, sentinel file, callback queue) serialize
// these types directly, so one vocabulary here keeps their JSON
// representations consistent across restarts.
package jobmodel

import "time"

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobQueued         JobStatus = "queued"
	JobBatchedWaiting JobStatus = "batched_waiting"
	JobRunning        JobStatus = "running"
	JobCompleted      JobStatus = "completed"
	JobFailed         JobStatus = "failed"
	JobCancelled      JobStatus = "cancelled"
)

// Job is a unit of work submitted to the server. Created on submit;
// mutated only by the scheduler and its executor; destroyed on
// retention expiry.
type Job struct {
	ID             string    `json:"id"`
	Status         JobStatus `json:"status"`
	Owner          string    `json:"owner"`
	RepositoryName string    `json:"repository_name"`
	Args           []string  `json:"args"`
	Sequence       uint64    `json:"sequence"`
	Position       int       `json:"position,omitempty"` // 1-based; set on queue snapshot copies
	BatchID        string    `json:"batch_id,omitempty"`
	Webhooks       []string  `json:"webhooks,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// OperationKind names the kind of operation a QueuedOperation performs.
type OperationKind string

const (
	OpActivate   OperationKind = "activate"
	OpDeactivate OperationKind = "deactivate"
	OpIndex      OperationKind = "index"
	OpSync       OperationKind = "sync"
)

// QueuedOperation is a member of exactly one wait queue, keyed by
// repository name or by a composite key ("COMPOSITE#repoA+repoB+...").
type QueuedOperation struct {
	JobID    string        `json:"job_id"`
	User     string        `json:"user"`
	Kind     OperationKind `json:"kind"`
	QueuedAt time.Time     `json:"queued_at"`
	Position int           `json:"position"` // 1-based, recomputed on every mutation
	ETA      *time.Time    `json:"eta,omitempty"`
}

// CompositeKey builds the sorted, joined composite lock/queue key for
// a set of repository names, per the GLOSSARY definition of a
// composite repository.
func CompositeKey(repos []string) string {
	sorted := make([]string, len(repos))
	copy(sorted, repos)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	out := "COMPOSITE#"
	for i, r := range sorted {
		if i > 0 {
			out += "+"
		}
		out += r
	}
	return out
}

// Lock records exclusive ownership of a single repository.
type Lock struct {
	Repository  string    `json:"repository"`
	Holder      string    `json:"holder"` // job id
	Operation   string    `json:"operation"`
	AcquiredAt  time.Time `json:"acquired_at"` // UTC
	PID         int       `json:"pid"`
	OperationID string    `json:"operation_id"`
}

// Sentinel records a running job's heartbeat.
type Sentinel struct {
	JobID         string    `json:"job_id"`
	PID           int       `json:"pid"`
	LastHeartbeat time.Time `json:"last_heartbeat"` // UTC
	AdaptorEngine string    `json:"adaptor_engine"`
	Host          string    `json:"host"`
}

// CallbackStatus is the lifecycle state of a Callback.
type CallbackStatus string

const (
	CallbackPending   CallbackStatus = "pending"
	CallbackInFlight  CallbackStatus = "in_flight"
	CallbackCompleted CallbackStatus = "completed"
	CallbackFailed    CallbackStatus = "failed"
)

// Callback is a durable webhook delivery record.
type Callback struct {
	ID          string         `json:"id"`
	JobID       string         `json:"job_id"`
	URL         string         `json:"url"`
	Payload     any            `json:"payload"`
	Attempts    int            `json:"attempts"`
	Status      CallbackStatus `json:"status"`
	NextRetryAt time.Time      `json:"next_retry_at"`
	LastError   string         `json:"last_error,omitempty"`
}

// BatchIndexingState tracks the indexing sub-phase of a Batch's
// preparation phase.
type BatchIndexingState string

const (
	BatchIndexingNotStarted BatchIndexingState = "not_started"
	BatchIndexingInProgress BatchIndexingState = "in_progress"
	BatchIndexingCompleted  BatchIndexingState = "completed"
)

// Batch groups jobs that share a preparation phase (git-pull, indexing)
// on one repository.
type Batch struct {
	ID             string             `json:"id"`
	Repository     string             `json:"repository"`
	LeaderJobID    string             `json:"leader_job_id"`
	MemberJobIDs   []string           `json:"member_job_ids"`
	GitPullDone    bool               `json:"git_pull_done"`
	IndexingState  BatchIndexingState `json:"indexing_state"`
}
