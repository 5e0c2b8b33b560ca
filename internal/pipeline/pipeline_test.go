package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/ics"
	"calsync/internal/identity"
	"calsync/internal/mail"
	"calsync/internal/model"
	"calsync/internal/reconcile"
	"calsync/internal/snapshot"
	"calsync/internal/source"
)

type memStore struct {
	snap    *snapshot.Snapshot
	loadErr error
	saveErr error
	saves   int
}

func (m *memStore) Load(context.Context) (*snapshot.Snapshot, error) {
	return m.snap, m.loadErr
}

func (m *memStore) Save(_ context.Context, s *snapshot.Snapshot) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.snap = s
	m.saves++
	return nil
}

type sentMail struct {
	msg     mail.Message
	content string
}

type fakeMailer struct {
	sent   []sentMail
	failOn int // 1-based send index that fails; 0 never
}

func (f *fakeMailer) Send(_ context.Context, msg mail.Message) error {
	if f.failOn == len(f.sent)+1 {
		return errors.New("smtp: 535 authentication failed")
	}
	var content string
	if len(msg.Attachments) > 0 {
		b, err := os.ReadFile(msg.Attachments[0].Path)
		if err != nil {
			return err
		}
		content = string(b)
	}
	f.sent = append(f.sent, sentMail{msg: msg, content: content})
	return nil
}

func idsIn(t *testing.T, content string) []string {
	t.Helper()
	cal, err := ical.ParseCalendar(strings.NewReader(content))
	require.NoError(t, err)
	var ids []string
	for _, ev := range cal.Events() {
		ids = append(ids, identity.FromUID(ev.Id()))
	}
	return ids
}

func staticSource(records ...model.EventRecord) source.Source {
	return source.Func(func(context.Context) ([]model.EventRecord, error) {
		return records, nil
	})
}

var (
	standup = model.EventRecord{Subject: "Standup", Start: "2025-03-03 09:00:00", End: "2025-03-03 09:15:00"}
	review  = model.EventRecord{Subject: "Review", Start: "2025-03-04 14:00:00", End: "2025-03-04 15:00:00"}
	lunch   = model.EventRecord{Subject: "Lunch", Start: "2025-03-05 12:00:00", End: "2025-03-05 13:00:00"}

	runAt = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
)

func newRunner(t *testing.T, src source.Source, store snapshot.Store, m mail.Mailer, mutate ...func(*Options)) (*Runner, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "export.ics")
	opts := Options{
		ICSPath: path,
		Calendar: ics.Options{
			ProductID:    "-//calsync//test//EN",
			CalendarName: "Work",
			UIDDomain:    "calsync.local",
		},
		From:            "me@example.com",
		To:              []string{"me@example.com"},
		Subject:         "Calendar",
		Body:            "attached",
		DeletionSubject: "Deletions",
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	r := New(src, store, reconcile.New(reconcile.PolicyNearest), m, opts)
	r.SetClock(func() time.Time { return runAt })
	return r, path
}

func TestRun_FirstRun(t *testing.T) {
	store := &memStore{}
	m := &fakeMailer{}
	r, path := newRunner(t, staticSource(standup, review), store, m)

	rep, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, rep.FirstRun)
	assert.Equal(t, 2, rep.Total)
	assert.Equal(t, 2, rep.Added)
	assert.Zero(t, rep.DeletionCount)
	assert.Equal(t, []string{path}, rep.Files)
	assert.NotEmpty(t, rep.RunID)

	require.Len(t, m.sent, 1)
	assert.Equal(t, "Calendar", m.sent[0].msg.Subject)
	assert.Contains(t, m.sent[0].content, "METHOD:PUBLISH")

	assert.NoFileExists(t, ics.DeletionPath(path))
	require.Equal(t, 1, store.saves)
	assert.Equal(t, 2, store.snap.Len())

	last, ok := r.LastReport()
	require.True(t, ok)
	assert.Equal(t, rep.RunID, last.RunID)
}

func TestRun_ModificationSendsCancellationFirst(t *testing.T) {
	store := &memStore{snap: snapshot.FromRecords([]model.EventRecord{standup, review, lunch}, runAt.Add(-24*time.Hour))}
	moved := review
	moved.Start, moved.End = "2025-03-04 16:00:00", "2025-03-04 17:00:00"

	m := &fakeMailer{}
	r, path := newRunner(t, staticSource(standup, moved), store, m)

	rep, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, rep.FirstRun)
	assert.Equal(t, 1, rep.Modified)
	assert.Equal(t, 1, rep.Deleted)
	assert.Zero(t, rep.Added)
	assert.Equal(t, 2, rep.DeletionCount)
	assert.Equal(t, []string{ics.DeletionPath(path), path}, rep.Files)

	require.Len(t, m.sent, 2)
	assert.Equal(t, "Deletions", m.sent[0].msg.Subject)
	assert.Contains(t, m.sent[0].msg.Body, "2 removed/modified")
	assert.Contains(t, m.sent[0].content, "METHOD:CANCEL")
	assert.ElementsMatch(t, []string{identity.Identify(review), identity.Identify(lunch)},
		idsIn(t, m.sent[0].content))

	assert.Equal(t, "Calendar", m.sent[1].msg.Subject)
	assert.ElementsMatch(t, []string{identity.Identify(standup), identity.Identify(moved)},
		idsIn(t, m.sent[1].content))

	_, ok := store.snap.Get(identity.Identify(moved))
	assert.True(t, ok)
	assert.Equal(t, 2, store.snap.Len())
}

func TestRun_NoChangesRemovesStaleDeletionFile(t *testing.T) {
	store := &memStore{snap: snapshot.FromRecords([]model.EventRecord{standup}, runAt)}
	m := &fakeMailer{}
	r, path := newRunner(t, staticSource(standup), store, m)

	stale := ics.DeletionPath(path)
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))

	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Changes.Empty())
	assert.NoFileExists(t, stale)
	assert.Len(t, m.sent, 1)
}

func TestRun_UpstreamFailureLeavesSnapshot(t *testing.T) {
	prev := snapshot.FromRecords([]model.EventRecord{standup}, runAt)
	store := &memStore{snap: prev}
	m := &fakeMailer{}
	failing := source.Func(func(context.Context) ([]model.EventRecord, error) {
		return nil, source.ErrUpstream
	})
	r, path := newRunner(t, failing, store, m)

	rep, err := r.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, source.ErrUpstream)
	assert.NotEmpty(t, rep.Error)

	assert.Zero(t, store.saves)
	assert.Same(t, prev, store.snap)
	assert.Empty(t, m.sent)
	assert.NoFileExists(t, path)
}

func TestRun_EmptyExportGuard(t *testing.T) {
	store := &memStore{snap: snapshot.FromRecords([]model.EventRecord{standup, review}, runAt)}
	m := &fakeMailer{}
	r, _ := newRunner(t, staticSource(), store, m)

	_, err := r.Run(context.Background())
	require.ErrorIs(t, err, ErrEmptyExport)
	assert.Zero(t, store.saves)
	assert.Empty(t, m.sent)
}

func TestRun_EmptyExportAllowed(t *testing.T) {
	store := &memStore{snap: snapshot.FromRecords([]model.EventRecord{standup, review}, runAt)}
	m := &fakeMailer{}
	r, _ := newRunner(t, staticSource(), store, m, func(o *Options) { o.AllowEmpty = true })

	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Deleted)
	assert.Equal(t, 2, rep.DeletionCount)
	assert.Len(t, m.sent, 2)
	assert.Zero(t, store.snap.Len())
}

func TestRun_MailFailureSkipsSave(t *testing.T) {
	prev := snapshot.FromRecords([]model.EventRecord{standup, review}, runAt)
	for _, failOn := range []int{1, 2} {
		store := &memStore{snap: prev}
		m := &fakeMailer{failOn: failOn}
		r, _ := newRunner(t, staticSource(standup), store, m)

		_, err := r.Run(context.Background())
		require.Error(t, err, "failOn=%d", failOn)
		assert.Zero(t, store.saves, "failOn=%d", failOn)
		assert.Same(t, prev, store.snap)
	}
}

func TestRun_CorruptSnapshotIsFirstRun(t *testing.T) {
	store := &memStore{loadErr: snapshot.ErrCorrupt}
	m := &fakeMailer{}
	r, _ := newRunner(t, staticSource(standup), store, m)

	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.FirstRun)
	assert.Equal(t, 1, rep.Added)
	assert.Equal(t, 1, store.saves)
}

func TestRun_UnreadableSnapshotFileIsFirstRun(t *testing.T) {
	// A directory where the snapshot file should be cannot be read.
	store := snapshot.NewFileStore(t.TempDir())
	r, _ := newRunner(t, staticSource(standup, review), store, nil, func(o *Options) { o.DryRun = true })

	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.FirstRun)
	assert.Equal(t, 2, rep.Added)
	assert.Zero(t, rep.DeletionCount)
}

func TestRun_StoreLoadErrorIsFatal(t *testing.T) {
	store := &memStore{loadErr: errors.New("connection refused")}
	r, _ := newRunner(t, staticSource(standup), store, &fakeMailer{})

	_, err := r.Run(context.Background())
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "load snapshot"))
}

func TestRun_DryRun(t *testing.T) {
	prev := snapshot.FromRecords([]model.EventRecord{standup, review}, runAt)
	store := &memStore{snap: prev}
	r, path := newRunner(t, staticSource(standup), store, nil, func(o *Options) { o.DryRun = true })

	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.DryRun)
	assert.Equal(t, 1, rep.DeletionCount)
	assert.Zero(t, rep.Mailed)
	assert.FileExists(t, path)
	assert.FileExists(t, ics.DeletionPath(path))
	assert.Zero(t, store.saves)
}

func TestRun_SkippedEventsCounted(t *testing.T) {
	bad := model.EventRecord{Subject: "Broken", Start: "someday", End: "later"}
	store := &memStore{}
	r, _ := newRunner(t, staticSource(standup, bad), store, &fakeMailer{})

	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Total)
	assert.Equal(t, 1, rep.Skipped)
	// Unpublishable events are still tracked.
	assert.Equal(t, 2, store.snap.Len())
}
