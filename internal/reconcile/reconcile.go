// Package reconcile classifies events between two snapshots as added,
// deleted or modified.
//
// Identifiers present in both snapshots are unchanged. The remaining
// identifiers are correlated by subject: a previous event and a current
// event with the same subject are reported as one modification instead of a
// deletion plus an addition. This cannot tell "the meeting moved" from "the
// meeting was cancelled and an unrelated one with the same title was
// created"; both are reported as a modification.
package reconcile

import (
	"fmt"
	"sort"
	"time"

	"calsync/internal/model"
	"calsync/internal/snapshot"
)

// Policy decides how unmatched events that share a subject are paired.
type Policy string

const (
	// PolicyNearest pairs every same-subject previous/current event greedily
	// by the smallest distance between their start times.
	PolicyNearest Policy = "nearest"
	// PolicyLastWins pairs at most one event per subject on each side: the
	// one that starts last. Further same-subject events stay added/deleted.
	PolicyLastWins Policy = "last"
)

// ParsePolicy validates a configured policy name. Empty means nearest.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyNearest:
		return PolicyNearest, nil
	case PolicyLastWins:
		return PolicyLastWins, nil
	default:
		return "", fmt.Errorf("unknown correlation policy %q (want %q or %q)", s, PolicyNearest, PolicyLastWins)
	}
}

// Reconciler is stateless apart from its policy and safe to reuse.
type Reconciler struct {
	policy Policy
}

// New returns a Reconciler using policy; an unknown policy falls back to
// PolicyNearest.
func New(policy Policy) *Reconciler {
	if policy != PolicyLastWins {
		policy = PolicyNearest
	}
	return &Reconciler{policy: policy}
}

// Policy reports the active correlation policy.
func (r *Reconciler) Policy() Policy {
	return r.policy
}

// Reconcile compares previous against current. A nil previous snapshot is
// a first run: every current event is added. Neither input is modified.
//
// Output slices are ordered by start timestamp, then identifier.
func (r *Reconciler) Reconcile(previous, current *snapshot.Snapshot) model.ChangeSet {
	prevEvents := eventsOf(previous)
	curEvents := eventsOf(current)

	added := difference(curEvents, prevEvents)
	deleted := difference(prevEvents, curEvents)

	addedBySubject := groupBySubject(added, curEvents)
	deletedBySubject := groupBySubject(deleted, prevEvents)

	subjects := make([]string, 0, len(addedBySubject))
	for subject := range addedBySubject {
		if _, ok := deletedBySubject[subject]; ok {
			subjects = append(subjects, subject)
		}
	}
	sort.Strings(subjects)

	var modified []model.Modification
	for _, subject := range subjects {
		var pairs []model.Modification
		switch r.policy {
		case PolicyLastWins:
			pairs = pairLast(deletedBySubject[subject], addedBySubject[subject])
		default:
			pairs = pairNearest(deletedBySubject[subject], addedBySubject[subject], prevEvents, curEvents)
		}
		for _, p := range pairs {
			delete(added, p.NewID)
			delete(deleted, p.OldID)
		}
		modified = append(modified, pairs...)
	}

	sort.Slice(modified, func(i, j int) bool {
		a, b := curEvents[modified[i].NewID].Start, curEvents[modified[j].NewID].Start
		if a != b {
			return a < b
		}
		return modified[i].NewID < modified[j].NewID
	})

	return model.ChangeSet{
		Added:    sortedKeys(added, curEvents),
		Deleted:  sortedKeys(deleted, prevEvents),
		Modified: modified,
	}
}

func eventsOf(s *snapshot.Snapshot) map[string]model.EventRecord {
	if s == nil || s.Events == nil {
		return map[string]model.EventRecord{}
	}
	return s.Events
}

// difference returns the identifiers in a that are not in b.
func difference(a, b map[string]model.EventRecord) map[string]struct{} {
	out := make(map[string]struct{})
	for id := range a {
		if _, ok := b[id]; !ok {
			out[id] = struct{}{}
		}
	}
	return out
}

// groupBySubject buckets ids by subject; each bucket is ordered by start.
func groupBySubject(ids map[string]struct{}, events map[string]model.EventRecord) map[string][]string {
	out := make(map[string][]string)
	for id := range ids {
		subject := events[id].Subject
		out[subject] = append(out[subject], id)
	}
	for _, group := range out {
		snapshot.SortIDs(group, events)
	}
	return out
}

func pairLast(prevIDs, curIDs []string) []model.Modification {
	return []model.Modification{{
		OldID: prevIDs[len(prevIDs)-1],
		NewID: curIDs[len(curIDs)-1],
	}}
}

// unknownDistance ranks pairs whose start times cannot be parsed behind
// every measurable pair; among themselves they pair in start order.
const unknownDistance = time.Duration(1<<63 - 1)

func pairNearest(prevIDs, curIDs []string, prevEvents, curEvents map[string]model.EventRecord) []model.Modification {
	type candidate struct {
		p, c int
		dist time.Duration
	}

	prevStarts := parseStarts(prevIDs, prevEvents)
	curStarts := parseStarts(curIDs, curEvents)

	candidates := make([]candidate, 0, len(prevIDs)*len(curIDs))
	for p := range prevIDs {
		for c := range curIDs {
			dist := unknownDistance
			if prevStarts[p] != nil && curStarts[c] != nil {
				dist = startDistance(*prevStarts[p], *curStarts[c])
			}
			candidates = append(candidates, candidate{p: p, c: c, dist: dist})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].dist != candidates[j].dist {
			return candidates[i].dist < candidates[j].dist
		}
		if candidates[i].p != candidates[j].p {
			return candidates[i].p < candidates[j].p
		}
		return candidates[i].c < candidates[j].c
	})

	usedPrev := make([]bool, len(prevIDs))
	usedCur := make([]bool, len(curIDs))
	var out []model.Modification
	for _, cand := range candidates {
		if usedPrev[cand.p] || usedCur[cand.c] {
			continue
		}
		usedPrev[cand.p] = true
		usedCur[cand.c] = true
		out = append(out, model.Modification{OldID: prevIDs[cand.p], NewID: curIDs[cand.c]})
	}
	return out
}

// startDistance is |a-b|. Sub saturates past ~292 years, and negating the
// saturated minimum overflows, so the larger time is always the receiver.
func startDistance(a, b time.Time) time.Duration {
	if a.After(b) {
		return a.Sub(b)
	}
	return b.Sub(a)
}

func parseStarts(ids []string, events map[string]model.EventRecord) []*time.Time {
	out := make([]*time.Time, len(ids))
	for i, id := range ids {
		if t, err := model.ParseTimestamp(events[id].Start); err == nil {
			out[i] = &t
		}
	}
	return out
}

func sortedKeys(set map[string]struct{}, events map[string]model.EventRecord) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	snapshot.SortIDs(ids, events)
	return ids
}
