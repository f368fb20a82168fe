package task

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// Checksum computes a deterministic digest over a task collection.
//
// The digest is a SHA-256 over the canonical encoding of every live
// (non-deleted) task, sorted by ID. Input order never affects the result;
// any content change in any task changes it. Tombstoned tasks are excluded
// so that a soft delete shows up as an absence, the same way it does in
// an uploaded backup.
//
// Checksum panics only on non-serializable content, which cannot occur
// for well-formed tasks; that is a programming error, not a runtime case.
func Checksum(tasks []*Task) string {
	live := make([]*Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Deleted() {
			continue
		}
		live = append(live, t)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })

	h := sha256.New()
	for _, t := range live {
		data, err := canonicalEncode(t)
		if err != nil {
			panic(fmt.Sprintf("task %s is not serializable: %v", t.ID, err))
		}
		h.Write(data)
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
