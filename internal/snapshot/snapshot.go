// Package snapshot persists the identifier -> event mapping captured by one
// run so the next run can reconcile against it.
//
// A Store never runs concurrently with itself; callers serialize runs.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"calsync/internal/identity"
	"calsync/internal/model"
)

// ErrCorrupt is returned by Load when a persisted snapshot exists but cannot
// be decoded. Callers degrade to first-run semantics.
var ErrCorrupt = errors.New("snapshot: corrupt")

// Snapshot is the persisted view of all events seen by one run.
type Snapshot struct {
	SyncDate    time.Time                    `json:"sync_date"`
	Events      map[string]model.EventRecord `json:"events"`
	TotalEvents int                          `json:"total_events"`
}

// Store loads and saves the previous snapshot.
type Store interface {
	// Load returns (nil, nil) when no snapshot has been saved yet.
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, s *Snapshot) error
}

// New returns an empty snapshot captured at now.
func New(now time.Time) *Snapshot {
	return &Snapshot{
		SyncDate: now,
		Events:   map[string]model.EventRecord{},
	}
}

// FromRecords keys every record by its identifier. Records that share an
// identifier collapse into one entry; the last one wins.
func FromRecords(records []model.EventRecord, now time.Time) *Snapshot {
	s := New(now)
	for _, r := range records {
		s.Events[identity.Identify(r)] = r
	}
	s.TotalEvents = len(s.Events)
	return s
}

// Len is nil-safe.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Events)
}

// Get is nil-safe.
func (s *Snapshot) Get(id string) (model.EventRecord, bool) {
	if s == nil {
		return model.EventRecord{}, false
	}
	r, ok := s.Events[id]
	return r, ok
}

// IDs returns identifiers ordered by start timestamp, then identifier.
func (s *Snapshot) IDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, 0, len(s.Events))
	for id := range s.Events {
		ids = append(ids, id)
	}
	SortIDs(ids, s.Events)
	return ids
}

// SortIDs orders ids by their record's start string, then by id.
func SortIDs(ids []string, events map[string]model.EventRecord) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := events[ids[i]].Start, events[ids[j]].Start
		if a != b {
			return a < b
		}
		return ids[i] < ids[j]
	})
}

// Marshal encodes the snapshot in its persisted form.
func Marshal(s *Snapshot) ([]byte, error) {
	if s == nil {
		return nil, errors.New("snapshot is nil")
	}
	out := *s
	if out.Events == nil {
		out.Events = map[string]model.EventRecord{}
	}
	out.TotalEvents = len(out.Events)
	return json.MarshalIndent(&out, "", "  ")
}

// Unmarshal decodes a persisted snapshot. Decoding failures wrap ErrCorrupt.
func Unmarshal(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if s.Events == nil {
		s.Events = map[string]model.EventRecord{}
	}
	s.TotalEvents = len(s.Events)
	return &s, nil
}
