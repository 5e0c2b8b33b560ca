package ics

import (
	ical "github.com/arran4/golang-ical"

	"calsync/internal/identity"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/snapshot"
)

// BuildCancellation emits one STATUS:CANCELLED VEVENT per identifier found
// in previous, under METHOD:CANCEL. DTSTART/DTEND are re-derived from the
// stored timestamps when they parse; otherwise the entry is still emitted
// without them, since a client can cancel by UID alone. Identifiers missing
// from previous are logged and skipped. It returns the number of entries.
func BuildCancellation(ids []string, previous *snapshot.Snapshot, opts Options) (*ical.Calendar, int) {
	name := opts.CalendarName
	if name != "" {
		name += " - Deletions"
	}
	cal := newCalendar(ical.MethodCancel, opts, name, "")
	stamp := opts.now()

	count := 0
	for _, id := range ids {
		rec, ok := previous.Get(id)
		if !ok {
			appLog.Warn("cancel: identifier not in previous snapshot", "id", id)
			continue
		}

		ev := cal.AddEvent(identity.UID(id, opts.UIDDomain))
		ev.SetDtStampTime(stamp)
		ev.SetStatus(ical.ObjectStatusCancelled)
		ev.SetSummary(rec.Subject)

		start, startErr := model.ParseTimestamp(rec.Start)
		end, endErr := model.ParseTimestamp(rec.End)
		if startErr == nil && endErr == nil {
			ev.SetProperty(ical.ComponentPropertyDtStart, start.Format(floatingLayout))
			ev.SetProperty(ical.ComponentPropertyDtEnd, end.Format(floatingLayout))
		} else {
			appLog.Warn("cancel: emitting entry without times", "id", id, "subject", rec.Subject,
				"start", rec.Start, "end", rec.End)
		}
		count++
	}
	return cal, count
}

// WriteCancellation writes the cancellation artifact next to mainPath and
// returns its path. Nothing is written, and "" is returned, when no entry
// would be emitted.
func WriteCancellation(mainPath string, ids []string, previous *snapshot.Snapshot, opts Options) (string, int, error) {
	if len(ids) == 0 {
		return "", 0, nil
	}
	cal, count := BuildCancellation(ids, previous, opts)
	if count == 0 {
		return "", 0, nil
	}

	path := DeletionPath(mainPath)
	if err := writeCalendar(path, cal); err != nil {
		return "", 0, err
	}
	appLog.Info("deletion calendar written", "path", path, "events", count)
	return path, count, nil
}
