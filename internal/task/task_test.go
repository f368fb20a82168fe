package task

import (
	"testing"
	"time"
)

func newTestTask(id, name string) *Task {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &Task{
		ID:        id,
		Name:      name,
		Type:      TypeSingle,
		Status:    StatusOpen,
		Priority:  2,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Task)
		wantErr bool
	}{
		{name: "valid task", mutate: func(*Task) {}, wantErr: false},
		{name: "missing id", mutate: func(tk *Task) { tk.ID = "" }, wantErr: true},
		{name: "missing name", mutate: func(tk *Task) { tk.Name = "" }, wantErr: true},
		{name: "unknown type", mutate: func(tk *Task) { tk.Type = "someday" }, wantErr: true},
		{name: "effort out of range", mutate: func(tk *Task) { tk.Effort = 6 }, wantErr: true},
		{name: "recurring without pattern", mutate: func(tk *Task) { tk.Type = TypeRecurring }, wantErr: true},
		{name: "project without config", mutate: func(tk *Task) { tk.Type = TypeProject }, wantErr: true},
		{
			name: "recurring with pattern",
			mutate: func(tk *Task) {
				tk.Type = TypeRecurring
				tk.Recurrence = &Recurrence{Frequency: "weekly", Interval: 1}
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := newTestTask("t1", "water plants")
			tt.mutate(tk)
			err := tk.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestChecksumDeterministic(t *testing.T) {
	a := newTestTask("a", "first")
	b := newTestTask("b", "second")
	c := newTestTask("c", "third")

	sum1 := Checksum([]*Task{a, b, c})
	sum2 := Checksum([]*Task{c, a, b})
	if sum1 != sum2 {
		t.Errorf("Checksum depends on input order: %s != %s", sum1, sum2)
	}

	sum3 := Checksum([]*Task{a.Clone(), b.Clone(), c.Clone()})
	if sum1 != sum3 {
		t.Errorf("Checksum differs across identical collections: %s != %s", sum1, sum3)
	}
}

func TestChecksumDivergence(t *testing.T) {
	a := newTestTask("a", "first")
	b := newTestTask("b", "second")
	base := Checksum([]*Task{a, b})

	changed := b.Clone()
	changed.Name = "second, revised"
	if got := Checksum([]*Task{a, changed}); got == base {
		t.Error("Checksum did not change after a content change")
	}

	if got := Checksum([]*Task{a}); got == base {
		t.Error("Checksum did not change after removing a task")
	}
}

func TestChecksumNormalizesTimezones(t *testing.T) {
	a := newTestTask("a", "first")
	shifted := a.Clone()
	shifted.UpdatedAt = shifted.UpdatedAt.In(time.FixedZone("UTC+9", 9*3600))

	if Checksum([]*Task{a}) != Checksum([]*Task{shifted}) {
		t.Error("Checksum differs for the same instant in different zones")
	}
}

func TestChecksumExcludesTombstones(t *testing.T) {
	a := newTestTask("a", "first")
	b := newTestTask("b", "second")
	withBoth := Checksum([]*Task{a, b})

	deleted := b.Clone()
	now := time.Now().UTC()
	deleted.DeletedAt = &now

	if got := Checksum([]*Task{a, deleted}); got == withBoth {
		t.Error("tombstoned task still counted in checksum")
	}
	if got := Checksum([]*Task{a, deleted}); got != Checksum([]*Task{a}) {
		t.Error("collection with tombstone should hash like the live subset")
	}
}

func TestContentEquals(t *testing.T) {
	a := newTestTask("a", "first")
	if !a.ContentEquals(a.Clone()) {
		t.Error("clone does not compare equal")
	}

	changed := a.Clone()
	changed.Priority = 1
	if a.ContentEquals(changed) {
		t.Error("tasks with different content compare equal")
	}
}

func TestBackupRoundTrip(t *testing.T) {
	a := newTestTask("a", "first")
	deleted := newTestTask("b", "gone")
	now := time.Now().UTC()
	deleted.DeletedAt = &now

	b := NewBackup([]*Task{a, deleted})
	if len(b.Tasks) != 1 {
		t.Fatalf("NewBackup kept %d tasks, want 1 (tombstones dropped)", len(b.Tasks))
	}
	if err := b.Verify(); err != nil {
		t.Fatalf("fresh backup failed verification: %v", err)
	}

	data, err := b.Encode()
	if err != nil {
		t.Fatalf("Failed to encode backup: %v", err)
	}
	parsed, err := ParseBackup(data)
	if err != nil {
		t.Fatalf("Failed to parse backup: %v", err)
	}
	if err := parsed.Verify(); err != nil {
		t.Fatalf("parsed backup failed verification: %v", err)
	}
}

func TestBackupVerifyDetectsTampering(t *testing.T) {
	b := NewBackup([]*Task{newTestTask("a", "first")})
	b.Tasks[0].Name = "tampered"
	if err := b.Verify(); err == nil {
		t.Error("Verify accepted a modified collection")
	}
}

func TestParseBackupRejectsMalformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: "definitely not json"},
		{name: "missing checksum", payload: `{"version":1,"tasks":[]}`},
		{name: "missing version", payload: `{"checksum":"abc","tasks":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseBackup([]byte(tt.payload)); err == nil {
				t.Errorf("ParseBackup accepted %q", tt.payload)
			}
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	a := newTestTask("a", "first")
	a.Type = TypeRecurring
	a.Recurrence = &Recurrence{Frequency: "weekly", Interval: 1, Weekdays: []int{1, 3}}

	c := a.Clone()
	c.Recurrence.Weekdays[0] = 5
	if a.Recurrence.Weekdays[0] != 1 {
		t.Error("Clone shares recurrence weekdays with the original")
	}
}
