package reconcile

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/identity"
	"calsync/internal/model"
	"calsync/internal/snapshot"
)

func ev(subject, start, end string) model.EventRecord {
	return model.EventRecord{Subject: subject, Start: start, End: end}
}

func snap(records ...model.EventRecord) *snapshot.Snapshot {
	return snapshot.FromRecords(records, time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC))
}

var policies = []Policy{PolicyNearest, PolicyLastWins}

func TestReconcile_FirstRun(t *testing.T) {
	a := ev("A", "2025-01-06 09:00:00", "2025-01-06 10:00:00")
	b := ev("B", "2025-01-07 09:00:00", "2025-01-07 10:00:00")

	for _, p := range policies {
		t.Run(string(p), func(t *testing.T) {
			cs := New(p).Reconcile(nil, snap(a, b))
			assert.Equal(t, []string{identity.Identify(a), identity.Identify(b)}, cs.Added)
			assert.Empty(t, cs.Deleted)
			assert.Empty(t, cs.Modified)
		})
	}
}

func TestReconcile_NoOp(t *testing.T) {
	s := snap(
		ev("Standup", "2025-01-06 09:00:00", "2025-01-06 09:30:00"),
		ev("Standup", "2025-01-07 09:00:00", "2025-01-07 09:30:00"),
		ev("Lunch", "2025-01-06 12:00:00", "2025-01-06 13:00:00"),
	)
	for _, p := range policies {
		t.Run(string(p), func(t *testing.T) {
			cs := New(p).Reconcile(s, s)
			assert.True(t, cs.Empty())
		})
	}
}

func TestReconcile_ModificationDetected(t *testing.T) {
	old := ev("Standup", "2025-01-06 09:00:00", "2025-01-06 09:30:00")
	moved := ev("Standup", "2025-01-07 09:00:00", "2025-01-07 09:30:00")

	for _, p := range policies {
		t.Run(string(p), func(t *testing.T) {
			cs := New(p).Reconcile(snap(old), snap(moved))
			assert.Empty(t, cs.Added)
			assert.Empty(t, cs.Deleted)
			require.Len(t, cs.Modified, 1)
			assert.Equal(t, identity.Identify(old), cs.Modified[0].OldID)
			assert.Equal(t, identity.Identify(moved), cs.Modified[0].NewID)
		})
	}
}

func TestReconcile_PureAddition(t *testing.T) {
	a := ev("A", "2025-01-06 09:00:00", "2025-01-06 10:00:00")
	b := ev("B", "2025-01-06 11:00:00", "2025-01-06 12:00:00")

	cs := New(PolicyNearest).Reconcile(snap(a), snap(a, b))
	assert.Equal(t, []string{identity.Identify(b)}, cs.Added)
	assert.Empty(t, cs.Deleted)
	assert.Empty(t, cs.Modified)
}

func TestReconcile_PureDeletion(t *testing.T) {
	a := ev("A", "2025-01-06 09:00:00", "2025-01-06 10:00:00")
	b := ev("B", "2025-01-06 11:00:00", "2025-01-06 12:00:00")

	cs := New(PolicyNearest).Reconcile(snap(a, b), snap(a))
	assert.Empty(t, cs.Added)
	assert.Equal(t, []string{identity.Identify(b)}, cs.Deleted)
	assert.Empty(t, cs.Modified)
}

func TestReconcile_CurrentEmpty(t *testing.T) {
	a := ev("A", "2025-01-06 09:00:00", "2025-01-06 10:00:00")
	cs := New(PolicyNearest).Reconcile(snap(a), snap())
	assert.Equal(t, []string{identity.Identify(a)}, cs.Deleted)
}

func TestReconcile_LocationChangeIsNoOp(t *testing.T) {
	a := ev("A", "2025-01-06 09:00:00", "2025-01-06 10:00:00")
	b := a
	b.Location = "Room 2"
	b.Body = "updated agenda"

	assert.True(t, New(PolicyNearest).Reconcile(snap(a), snap(b)).Empty())
}

func TestReconcile_UnchangedSameSubjectNotCorrelated(t *testing.T) {
	// One weekly standup stays, another is added: the unchanged one must
	// never be reported as the old side of a modification.
	kept := ev("Standup", "2025-01-06 09:00:00", "2025-01-06 09:30:00")
	extra := ev("Standup", "2025-01-13 09:00:00", "2025-01-13 09:30:00")

	for _, p := range policies {
		t.Run(string(p), func(t *testing.T) {
			cs := New(p).Reconcile(snap(kept), snap(kept, extra))
			assert.Equal(t, []string{identity.Identify(extra)}, cs.Added)
			assert.Empty(t, cs.Deleted)
			assert.Empty(t, cs.Modified)
		})
	}
}

func TestReconcile_NearestPairsByStart(t *testing.T) {
	prevMon := ev("Standup", "2025-01-06 09:00:00", "2025-01-06 09:30:00")
	prevWed := ev("Standup", "2025-01-08 09:00:00", "2025-01-08 09:30:00")
	curMon := ev("Standup", "2025-01-06 09:15:00", "2025-01-06 09:45:00")
	curWed := ev("Standup", "2025-01-08 10:00:00", "2025-01-08 10:30:00")

	cs := New(PolicyNearest).Reconcile(snap(prevMon, prevWed), snap(curWed, curMon))

	assert.Empty(t, cs.Added)
	assert.Empty(t, cs.Deleted)
	assert.Equal(t, []model.Modification{
		{OldID: identity.Identify(prevMon), NewID: identity.Identify(curMon)},
		{OldID: identity.Identify(prevWed), NewID: identity.Identify(curWed)},
	}, cs.Modified)
}

func TestReconcile_NearestIgnoresFarFutureMarker(t *testing.T) {
	// Exporters use 4501-01-01 as a "no date" placeholder; the gap to it
	// exceeds what a time.Duration can hold.
	marker := ev("Standup", "4501-01-01 00:00:00", "4501-01-01 00:00:00")
	monday := ev("Standup", "2025-01-06 09:00:00", "2025-01-06 09:30:00")
	moved := ev("Standup", "2025-01-06 09:15:00", "2025-01-06 09:45:00")

	cs := New(PolicyNearest).Reconcile(snap(marker, monday), snap(moved))

	assert.Empty(t, cs.Added)
	assert.Equal(t, []string{identity.Identify(marker)}, cs.Deleted)
	assert.Equal(t, []model.Modification{
		{OldID: identity.Identify(monday), NewID: identity.Identify(moved)},
	}, cs.Modified)
}

func TestStartDistance(t *testing.T) {
	base := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	far := time.Date(4501, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, 15*time.Minute, startDistance(base, base.Add(15*time.Minute)))
	assert.Equal(t, 15*time.Minute, startDistance(base.Add(15*time.Minute), base))
	assert.Equal(t, unknownDistance, startDistance(base, far))
	assert.Equal(t, unknownDistance, startDistance(far, base))
}

func TestReconcile_LastWinsPairsOnePerSubject(t *testing.T) {
	prevMon := ev("Standup", "2025-01-06 09:00:00", "2025-01-06 09:30:00")
	prevWed := ev("Standup", "2025-01-08 09:00:00", "2025-01-08 09:30:00")
	curMon := ev("Standup", "2025-01-06 09:15:00", "2025-01-06 09:45:00")
	curWed := ev("Standup", "2025-01-08 10:00:00", "2025-01-08 10:30:00")

	cs := New(PolicyLastWins).Reconcile(snap(prevMon, prevWed), snap(curMon, curWed))

	assert.Equal(t, []string{identity.Identify(curMon)}, cs.Added)
	assert.Equal(t, []string{identity.Identify(prevMon)}, cs.Deleted)
	assert.Equal(t, []model.Modification{
		{OldID: identity.Identify(prevWed), NewID: identity.Identify(curWed)},
	}, cs.Modified)
}

func TestReconcile_NearestUnparseableStartsPairInOrder(t *testing.T) {
	p1 := ev("X", "first", "a")
	p2 := ev("X", "second", "b")
	c1 := ev("X", "first", "c")
	c2 := ev("X", "second", "d")

	cs := New(PolicyNearest).Reconcile(snap(p1, p2), snap(c1, c2))
	assert.Equal(t, []model.Modification{
		{OldID: identity.Identify(p1), NewID: identity.Identify(c1)},
		{OldID: identity.Identify(p2), NewID: identity.Identify(c2)},
	}, cs.Modified)
}

func TestReconcile_InputsUntouched(t *testing.T) {
	prev := snap(ev("A", "1", "2"), ev("B", "3", "4"))
	cur := snap(ev("A", "5", "6"))
	prevLen, curLen := prev.Len(), cur.Len()

	_ = New(PolicyNearest).Reconcile(prev, cur)

	assert.Equal(t, prevLen, prev.Len())
	assert.Equal(t, curLen, cur.Len())
}

// TestReconcile_Partition checks on random snapshots that categories are
// disjoint and that nothing present on both sides is reported.
func TestReconcile_Partition(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	subjects := []string{"Standup", "1:1", "Review", "Lunch", "Planning"}

	randomSnap := func() *snapshot.Snapshot {
		var recs []model.EventRecord
		for i := 0; i < 2+rng.Intn(8); i++ {
			day := 6 + rng.Intn(5)
			hour := 8 + rng.Intn(8)
			recs = append(recs, ev(
				subjects[rng.Intn(len(subjects))],
				fmt.Sprintf("2025-01-%02d %02d:00:00", day, hour),
				fmt.Sprintf("2025-01-%02d %02d:30:00", day, hour),
			))
		}
		return snap(recs...)
	}

	for i := 0; i < 200; i++ {
		prev, cur := randomSnap(), randomSnap()
		for _, p := range policies {
			cs := New(p).Reconcile(prev, cur)

			seen := map[string]int{}
			for _, id := range cs.Added {
				seen[id]++
				assert.Contains(t, cur.Events, id)
				assert.NotContains(t, prev.Events, id)
			}
			for _, id := range cs.Deleted {
				seen[id]++
				assert.Contains(t, prev.Events, id)
				assert.NotContains(t, cur.Events, id)
			}
			for _, m := range cs.Modified {
				seen[m.OldID]++
				seen[m.NewID]++
				assert.NotContains(t, cur.Events, m.OldID)
				assert.NotContains(t, prev.Events, m.NewID)
				assert.Equal(t, prev.Events[m.OldID].Subject, cur.Events[m.NewID].Subject)
			}
			for id, n := range seen {
				assert.Equal(t, 1, n, "id %s classified %d times", id, n)
			}

			// Every id unique to one side is accounted for.
			for id := range cur.Events {
				if _, ok := prev.Events[id]; !ok {
					assert.Contains(t, seen, id)
				}
			}
			for id := range prev.Events {
				if _, ok := cur.Events[id]; !ok {
					assert.Contains(t, seen, id)
				}
			}
		}
	}
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyNearest, p)

	p, err = ParsePolicy("last")
	require.NoError(t, err)
	assert.Equal(t, PolicyLastWins, p)

	_, err = ParsePolicy("random")
	assert.Error(t, err)

	assert.Equal(t, PolicyNearest, New("bogus").Policy())
}
