package model

// EventRecord is one calendar entry as produced by the exporter at a point
// in time. Start and End are opaque timestamps in whatever layout the
// exporter emits; the tracking core only compares them as strings.
type EventRecord struct {
	Subject string `json:"subject"`
	Start   string `json:"start"`
	End     string `json:"end"`

	// Location and Body are optional and never part of an event's identity.
	Location string `json:"location"`
	Body     string `json:"body"`
}

// Modification pairs the identifier an event had in the previous snapshot
// with the identifier it has now.
type Modification struct {
	OldID string `json:"old_id"`
	NewID string `json:"new_id"`
}

// ChangeSet classifies identifiers between two snapshots. Every identifier
// appears at most once across Added, Deleted and both sides of Modified.
type ChangeSet struct {
	Added    []string       `json:"added"`
	Deleted  []string       `json:"deleted"`
	Modified []Modification `json:"modified"`
}

// Empty reports whether nothing changed.
func (c ChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Deleted) == 0 && len(c.Modified) == 0
}

// DeletionIDs returns the identifiers that must be cancelled downstream:
// every deleted id followed by the old side of every modification.
func (c ChangeSet) DeletionIDs() []string {
	out := make([]string, 0, len(c.Deleted)+len(c.Modified))
	out = append(out, c.Deleted...)
	for _, m := range c.Modified {
		out = append(out, m.OldID)
	}
	return out
}
