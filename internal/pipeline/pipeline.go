// Package pipeline runs one export cycle: fetch the current events, compare
// them with the previous snapshot, publish the calendar and its
// cancellations, and persist the new snapshot.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"calsync/internal/ics"
	appLog "calsync/internal/log"
	"calsync/internal/mail"
	"calsync/internal/model"
	"calsync/internal/reconcile"
	"calsync/internal/snapshot"
	"calsync/internal/source"
)

// ErrEmptyExport is returned when the source yields no events while the
// previous snapshot still has some, and empty exports are not allowed.
var ErrEmptyExport = errors.New("export is empty but previous snapshot is not")

// Options is the per-deployment behavior of a Runner.
type Options struct {
	// ICSPath is the main calendar file. The cancellation file is written
	// beside it.
	ICSPath  string
	Calendar ics.Options

	From            string
	To              []string
	Subject         string
	Body            string
	DeletionSubject string
	// DeletionBody renders the cancellation mail body for n entries.
	DeletionBody func(n int) string

	AllowEmpty bool
	// DryRun writes calendar files but neither mails them nor saves the
	// snapshot, so the next real run sees the same changes.
	DryRun bool
}

// Report summarizes one run.
type Report struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	FirstRun   bool      `json:"first_run"`
	DryRun     bool      `json:"dry_run"`

	Total         int `json:"total"`
	Added         int `json:"added"`
	Deleted       int `json:"deleted"`
	Modified      int `json:"modified"`
	DeletionCount int `json:"deletion_count"`
	// Skipped counts events left out of the main calendar because their
	// times did not parse.
	Skipped int `json:"skipped"`

	// Files lists the calendar files produced, deletions first.
	Files []string `json:"files"`
	// Mailed is the number of messages actually sent.
	Mailed int `json:"mailed"`

	Changes model.ChangeSet `json:"-"`
	Error   string          `json:"error,omitempty"`
}

// Runner executes runs one at a time.
type Runner struct {
	src        source.Source
	store      snapshot.Store
	reconciler *reconcile.Reconciler
	mailer     mail.Mailer
	opts       Options
	now        func() time.Time

	runMu sync.Mutex

	mu   sync.RWMutex
	last *Report
}

// New creates a Runner. mailer may be nil when opts.DryRun is set.
func New(src source.Source, store snapshot.Store, rec *reconcile.Reconciler, mailer mail.Mailer, opts Options) *Runner {
	if rec == nil {
		rec = reconcile.New(reconcile.PolicyNearest)
	}
	if opts.DeletionBody == nil {
		opts.DeletionBody = func(n int) string {
			return fmt.Sprintf("Deletion commands for %d removed/modified calendar events.", n)
		}
	}
	return &Runner{
		src:        src,
		store:      store,
		reconciler: rec,
		mailer:     mailer,
		opts:       opts,
		now:        time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (r *Runner) SetClock(now func() time.Time) {
	r.now = now
}

// LastReport returns the report of the most recent finished run.
func (r *Runner) LastReport() (Report, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return Report{}, false
	}
	return *r.last, true
}

// Store exposes the snapshot store for read-only consumers.
func (r *Runner) Store() snapshot.Store {
	return r.store
}

// Run performs one cycle. The snapshot is saved only after every file has
// been written and every mail sent, so a failed run is repeated in full by
// the next one.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	rep := Report{
		RunID:     uuid.NewString(),
		StartedAt: r.now(),
		DryRun:    r.opts.DryRun,
	}
	err := r.run(ctx, &rep)
	rep.FinishedAt = r.now()
	if err != nil {
		rep.Error = err.Error()
		appLog.Error("sync run failed", err, "run_id", rep.RunID)
	} else {
		logSummary(rep)
	}

	r.mu.Lock()
	r.last = &rep
	r.mu.Unlock()
	return rep, err
}

func (r *Runner) run(ctx context.Context, rep *Report) error {
	appLog.Info("sync run started", "run_id", rep.RunID, "dry_run", r.opts.DryRun)

	previous, err := r.store.Load(ctx)
	switch {
	case errors.Is(err, snapshot.ErrCorrupt):
		appLog.Warn("previous snapshot unreadable, treating as first run", "err", err)
		previous = nil
	case err != nil:
		return fmt.Errorf("load snapshot: %w", err)
	}
	rep.FirstRun = previous == nil

	records, err := r.src.Events(ctx)
	if err != nil {
		return fmt.Errorf("fetch events: %w", err)
	}
	if len(records) == 0 && previous.Len() > 0 && !r.opts.AllowEmpty {
		return fmt.Errorf("%w (previous has %d events)", ErrEmptyExport, previous.Len())
	}

	current := snapshot.FromRecords(records, rep.StartedAt)
	rep.Total = current.Len()

	changes := r.reconciler.Reconcile(previous, current)
	rep.Changes = changes
	rep.Added = len(changes.Added)
	rep.Deleted = len(changes.Deleted)
	rep.Modified = len(changes.Modified)
	logChanges(changes, previous, current)

	calOpts := r.opts.Calendar
	calOpts.Now = rep.StartedAt

	stats, err := ics.WritePublish(r.opts.ICSPath, current, calOpts)
	if err != nil {
		return fmt.Errorf("write calendar: %w", err)
	}
	rep.Skipped = stats.Skipped

	deletionIDs := changes.DeletionIDs()
	deletionPath, count, err := ics.WriteCancellation(r.opts.ICSPath, deletionIDs, previous, calOpts)
	if err != nil {
		return fmt.Errorf("write deletion calendar: %w", err)
	}
	rep.DeletionCount = count
	if deletionPath == "" {
		removeStale(ics.DeletionPath(r.opts.ICSPath))
	} else {
		rep.Files = append(rep.Files, deletionPath)
	}
	rep.Files = append(rep.Files, r.opts.ICSPath)

	if r.opts.DryRun {
		appLog.Info("dry run: skipping mail and snapshot save", "run_id", rep.RunID)
		return nil
	}

	if err := r.deliver(ctx, rep, deletionPath, count); err != nil {
		return err
	}

	if err := r.store.Save(ctx, current); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	appLog.Info("snapshot saved", "events", current.Len())
	return nil
}

// deliver sends the cancellation file before the calendar; recipients must
// import it first.
func (r *Runner) deliver(ctx context.Context, rep *Report, deletionPath string, count int) error {
	if r.mailer == nil {
		return errors.New("no mailer configured")
	}

	if deletionPath != "" {
		err := r.mailer.Send(ctx, mail.Message{
			From:        r.opts.From,
			To:          r.opts.To,
			Subject:     r.opts.DeletionSubject,
			Body:        r.opts.DeletionBody(count),
			Attachments: []mail.Attachment{{Path: deletionPath}},
		})
		if err != nil {
			return fmt.Errorf("send deletion mail: %w", err)
		}
		rep.Mailed++
	}

	err := r.mailer.Send(ctx, mail.Message{
		From:        r.opts.From,
		To:          r.opts.To,
		Subject:     r.opts.Subject,
		Body:        r.opts.Body,
		Attachments: []mail.Attachment{{Path: r.opts.ICSPath}},
	})
	if err != nil {
		return fmt.Errorf("send calendar mail: %w", err)
	}
	rep.Mailed++
	return nil
}

func removeStale(path string) {
	err := os.Remove(path)
	switch {
	case err == nil:
		appLog.Info("removed stale deletion calendar", "path", filepath.Base(path))
	case !errors.Is(err, os.ErrNotExist):
		appLog.Warn("could not remove stale deletion calendar", "path", path, "err", err)
	}
}

const previewDeletions = 5

func logChanges(cs model.ChangeSet, previous, current *snapshot.Snapshot) {
	appLog.Info("changes detected",
		"added", len(cs.Added), "deleted", len(cs.Deleted), "modified", len(cs.Modified))

	ids := cs.DeletionIDs()
	for i, id := range ids {
		if i == previewDeletions {
			appLog.Info("more deletions not shown", "count", len(ids)-previewDeletions)
			break
		}
		if rec, ok := previous.Get(id); ok {
			appLog.Info("will cancel", "subject", rec.Subject, "start", rec.Start)
		}
	}

	for _, m := range cs.Modified {
		oldRec, _ := previous.Get(m.OldID)
		newRec, _ := current.Get(m.NewID)
		appLog.Debug("modified",
			"subject", newRec.Subject,
			"old_start", oldRec.Start, "old_end", oldRec.End,
			"new_start", newRec.Start, "new_end", newRec.End)
	}
}

func logSummary(rep Report) {
	appLog.Info("sync run finished",
		"run_id", rep.RunID,
		"first_run", rep.FirstRun,
		"total", rep.Total,
		"added", rep.Added,
		"deleted", rep.Deleted,
		"modified", rep.Modified,
		"cancellations", rep.DeletionCount,
		"skipped", rep.Skipped,
		"files", len(rep.Files),
		"mailed", rep.Mailed,
		"took", rep.FinishedAt.Sub(rep.StartedAt).String(),
	)
}
