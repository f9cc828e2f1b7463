package domain

import "time"

// ProspectDiff represents the changes between two snapshots of a prospect.
// It is designed to be serialized to JSON for step events and status views.
type ProspectDiff struct {
	// ProspectID is always present to identify the target.
	ProspectID string `json:"prospect_id"`

	CurrentNodeID *string         `json:"current_node_id,omitempty"`
	Status        *ProspectStatus `json:"status,omitempty"`
	NextExecuteAt *time.Time      `json:"next_execute_at,omitempty"`
	Attempts      *int            `json:"attempts,omitempty"`

	// Appended contains the history entries added since old.
	// History is append-only, so a shorter or equal new history yields nothing.
	Appended []HistoryEntry `json:"appended,omitempty"`
}

// Diff calculates the difference between old and new.
// If old is nil, it returns a diff representing the entire new prospect.
// It returns nil when nothing changed.
func Diff(old, new *Prospect) *ProspectDiff {
	if new == nil {
		return nil
	}

	diff := &ProspectDiff{ProspectID: new.ID}

	if old == nil || old.CurrentNodeID != new.CurrentNodeID {
		v := new.CurrentNodeID
		diff.CurrentNodeID = &v
	}
	if old == nil || old.Status != new.Status {
		v := new.Status
		diff.Status = &v
	}
	if old == nil || !old.NextExecuteAt.Equal(new.NextExecuteAt) {
		v := new.NextExecuteAt
		diff.NextExecuteAt = &v
	}
	if old == nil {
		if new.Attempts != 0 {
			v := new.Attempts
			diff.Attempts = &v
		}
	} else if old.Attempts != new.Attempts {
		v := new.Attempts
		diff.Attempts = &v
	}

	oldLen := 0
	if old != nil {
		oldLen = len(old.History)
	}
	if len(new.History) > oldLen {
		diff.Appended = append([]HistoryEntry(nil), new.History[oldLen:]...)
	}

	if diff.IsEmpty() {
		return nil
	}
	return diff
}

// IsEmpty checks if the diff contains any actionable changes.
func (d *ProspectDiff) IsEmpty() bool {
	return d.CurrentNodeID == nil &&
		d.Status == nil &&
		d.NextExecuteAt == nil &&
		d.Attempts == nil &&
		len(d.Appended) == 0
}
