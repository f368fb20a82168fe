package task

import "time"

// Operation is the kind of local mutation recorded in the replay log.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"

	// OpResolve marks a conflict resolution. On the next merge the local
	// version wins outright instead of re-triggering conflict detection
	// against the still-newer remote copy.
	OpResolve Operation = "resolve"
)

// PendingChange is a locally recorded intent not yet reflected in the
// remote backup. Changes are appended exactly once per mutation, in
// creation order; the ordered sequence is replayed on the next sync.
//
// A later entry for the same task supersedes intent, but all entries are
// kept and replayed in order so that delete-after-update resolves
// correctly.
type PendingChange struct {
	// Seq is the store-assigned sequence number (submission order).
	Seq int64 `json:"seq"`

	TaskID    string    `json:"task_id"`
	Op        Operation `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

// Conflict records a task that diverged on both sides since the last
// confirmed sync point. It exists until the consumer resolves it; the
// resolution is folded into the next upload.
type Conflict struct {
	TaskID     string    `json:"task_id"`
	Local      *Task     `json:"local"`
	Remote     *Task     `json:"remote"`
	DetectedAt time.Time `json:"detected_at"`
}
