// Package statesync replicates task-state changes between clones through
// git itself. Changes travel as append-only delta records stored in
// content-addressed git objects under a dedicated ref; the working tree is
// never touched, so state sync can never collide with the code changes the
// harness is making.
package statesync

import (
	"sort"
	"time"
)

// Delta is one field-level change record. Deltas are immutable once
// written; reconciliation is last-writer-wins per (task, field).
type Delta struct {
	TaskID    string    `json:"task_id"`
	Field     string    `json:"field"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// key identifies a delta for set-union across clones.
func (d Delta) key() string {
	return d.TaskID + "\x00" + d.Field + "\x00" + d.UpdatedAt.UTC().Format(time.RFC3339Nano) + "\x00" + d.Value
}

// Merge reduces a delta history to the winning value per (task, field).
// Later UpdatedAt wins; on an exact timestamp tie the larger value wins,
// so the result is independent of input order.
func Merge(history []Delta) map[string]map[string]Delta {
	merged := make(map[string]map[string]Delta)
	for _, d := range history {
		fields, ok := merged[d.TaskID]
		if !ok {
			fields = make(map[string]Delta)
			merged[d.TaskID] = fields
		}
		cur, ok := fields[d.Field]
		if !ok || wins(d, cur) {
			fields[d.Field] = d
		}
	}
	return merged
}

func wins(a, b Delta) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.Value > b.Value
}

// union appends the deltas from extra that base does not already contain,
// preserving base's order and sorting the additions by timestamp so the
// appended commit is deterministic.
func union(base, extra []Delta) (merged []Delta, added []Delta) {
	seen := make(map[string]struct{}, len(base))
	for _, d := range base {
		seen[d.key()] = struct{}{}
	}
	for _, d := range extra {
		if _, ok := seen[d.key()]; ok {
			continue
		}
		seen[d.key()] = struct{}{}
		added = append(added, d)
	}
	sort.SliceStable(added, func(i, j int) bool {
		return added[i].UpdatedAt.Before(added[j].UpdatedAt)
	})
	return append(append([]Delta(nil), base...), added...), added
}
