// Package task provides the data model for taskkeep: tasks, the
// pending-change replay log, sync conflicts, and the backup wire record.
//
// Tasks use flat fields with last-write-wins timestamps. Each field can be
// updated independently, and updated_at resolves which side of a sync is
// newer. Soft deletes keep a tombstone so a delete made offline survives
// the next merge instead of being resurrected by the remote copy.
package task

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Type classifies how a task occurs over time.
type Type string

const (
	// TypeSingle is a one-shot task that is done once and closed.
	TypeSingle Type = "single"

	// TypeRecurring repeats on a schedule described by Recurrence.
	TypeRecurring Type = "recurring"

	// TypeProject is a larger unit of work broken into sessions
	// described by Project.
	TypeProject Type = "project"
)

// Recurrence describes the repeat pattern of a recurring task.
type Recurrence struct {
	// Frequency is one of: daily, weekly, monthly.
	Frequency string `json:"frequency"`

	// Interval is the multiplier on Frequency (every N days/weeks/months).
	Interval int `json:"interval"`

	// Weekdays restricts weekly recurrence to specific days (0=Sunday).
	Weekdays []int `json:"weekdays,omitempty"`
}

// Project describes session planning for a project task.
type Project struct {
	// SessionMinutes is the planned length of one working session.
	SessionMinutes int `json:"session_minutes"`

	// SessionsDone counts completed sessions.
	SessionsDone int `json:"sessions_done"`

	// SessionsPlanned is the total number of planned sessions.
	SessionsPlanned int `json:"sessions_planned"`
}

// Task is the unit of work managed by taskkeep.
//
// Tasks are owned by the local store and mutated only through its write
// path, which stamps UpdatedAt and records a pending change for the next
// sync cycle.
type Task struct {
	ID string `json:"id"`

	Name string `json:"name"`
	Type Type   `json:"type"`

	// EstimateMinutes is the user's time estimate for the task.
	EstimateMinutes int `json:"estimate_minutes,omitempty"`

	// Effort is the perceived effort level, 1 (trivial) to 5 (draining).
	Effort int `json:"effort,omitempty"`

	// Location is where the task can be done (home, office, errand, ...).
	Location string `json:"location,omitempty"`

	Status   string `json:"status"`
	Priority int    `json:"priority"`

	Deadline *time.Time `json:"deadline,omitempty"`

	// DependsOn optionally references the ID of a task that must be
	// completed first.
	DependsOn string `json:"depends_on,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`

	// Type-specific sub-records. At most one is set, matching Type.
	Recurrence *Recurrence `json:"recurrence,omitempty"`
	Project    *Project    `json:"project,omitempty"`
}

// Statuses used by the CLI. The engine treats Status as opaque content.
const (
	StatusOpen = "open"
	StatusDone = "done"
)

// Validate checks that the task has valid field values.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch t.Type {
	case TypeSingle, TypeRecurring, TypeProject:
	default:
		return fmt.Errorf("unknown task type %q", t.Type)
	}
	if t.Effort < 0 || t.Effort > 5 {
		return fmt.Errorf("effort must be between 0 and 5 (got %d)", t.Effort)
	}
	if t.Status == "" {
		return fmt.Errorf("status is required")
	}
	if t.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if t.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	if t.Type == TypeRecurring && t.Recurrence == nil {
		return fmt.Errorf("recurring task needs a recurrence pattern")
	}
	if t.Type == TypeProject && t.Project == nil {
		return fmt.Errorf("project task needs a project config")
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (t *Task) SetDefaults() {
	if t.Type == "" {
		t.Type = TypeSingle
	}
	if t.Status == "" {
		t.Status = StatusOpen
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
}

// Touch stamps UpdatedAt. The store write path calls this on every mutation.
func (t *Task) Touch() {
	t.UpdatedAt = time.Now().UTC()
}

// Deleted reports whether the task carries a soft-delete tombstone.
func (t *Task) Deleted() bool {
	return t.DeletedAt != nil
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	if t.Deadline != nil {
		d := *t.Deadline
		c.Deadline = &d
	}
	if t.DeletedAt != nil {
		d := *t.DeletedAt
		c.DeletedAt = &d
	}
	if t.Recurrence != nil {
		r := *t.Recurrence
		r.Weekdays = append([]int(nil), t.Recurrence.Weekdays...)
		c.Recurrence = &r
	}
	if t.Project != nil {
		p := *t.Project
		c.Project = &p
	}
	return &c
}

// ContentEquals reports whether two tasks have identical content.
// Comparison goes through the canonical encoding so that it agrees
// with the checksum: two tasks that hash the same compare equal.
func (t *Task) ContentEquals(other *Task) bool {
	if t == nil || other == nil {
		return t == other
	}
	a, err := canonicalEncode(t)
	if err != nil {
		return false
	}
	b, err := canonicalEncode(other)
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// canonicalEncode produces the deterministic encoding used for both
// content comparison and checksumming. Struct field order is fixed by
// the Task declaration, and timestamps are normalized to UTC so that
// the same instant in different zones encodes identically.
func canonicalEncode(t *Task) ([]byte, error) {
	c := t.Clone()
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	if c.Deadline != nil {
		d := c.Deadline.UTC()
		c.Deadline = &d
	}
	if c.DeletedAt != nil {
		d := c.DeletedAt.UTC()
		c.DeletedAt = &d
	}
	return json.Marshal(c)
}
