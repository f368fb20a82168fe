package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// BackupVersion is the current backup wire format version.
const BackupVersion = 1

// Backup is the single remote JSON object holding the full task collection
// plus its integrity checksum. The checksum is the sole integrity and
// divergence signal; there is no server-side revision vector.
type Backup struct {
	Version    int       `json:"version"`
	ExportedAt time.Time `json:"exported_at"`
	Tasks      []*Task   `json:"tasks"`
	Checksum   string    `json:"checksum"`
}

// NewBackup builds a backup record from the given tasks, embedding the
// collection checksum. Tombstoned tasks are dropped: deletes propagate
// by absence.
func NewBackup(tasks []*Task) *Backup {
	live := make([]*Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Deleted() {
			continue
		}
		live = append(live, t)
	}
	return &Backup{
		Version:    BackupVersion,
		ExportedAt: time.Now().UTC(),
		Tasks:      live,
		Checksum:   Checksum(live),
	}
}

// Verify recomputes the checksum over the backup's tasks and compares it
// to the embedded one. A mismatch means the remote object is corrupt.
func (b *Backup) Verify() error {
	got := Checksum(b.Tasks)
	if got != b.Checksum {
		return fmt.Errorf("backup checksum mismatch: embedded %s, computed %s", b.Checksum, got)
	}
	return nil
}

// ParseBackup decodes and validates a backup payload.
func ParseBackup(data []byte) (*Backup, error) {
	var b Backup
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse backup payload: %w", err)
	}
	if b.Version == 0 || b.Checksum == "" {
		return nil, fmt.Errorf("backup payload missing version or checksum")
	}
	return &b, nil
}

// Encode serializes the backup for upload.
func (b *Backup) Encode() ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal backup: %w", err)
	}
	return data, nil
}
