package ics

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"calsync/internal/identity"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/snapshot"
)

// floatingLayout renders wall-clock time without a zone so calendar clients
// show the exporter's local time unchanged.
const floatingLayout = "20060102T150405"

// Options controls calendar-level metadata shared by the published calendar
// and the cancellation artifact.
type Options struct {
	ProductID    string
	CalendarName string
	CalendarDesc string
	// UIDDomain is appended to identifiers to form VEVENT UIDs.
	UIDDomain string
	// Now stamps DTSTAMP/CREATED/LAST-MODIFIED. Zero means time.Now().
	Now time.Time
}

func (o Options) now() time.Time {
	if o.Now.IsZero() {
		return time.Now().UTC()
	}
	return o.Now.UTC()
}

// PublishStats reports what BuildPublish wrote.
type PublishStats struct {
	Written int
	Skipped int
}

// BuildPublish converts the current snapshot into a METHOD:PUBLISH
// calendar. Each VEVENT UID is the event identifier, so the same event keeps
// the same UID across runs. Events whose start or end cannot be parsed are
// logged and skipped.
func BuildPublish(current *snapshot.Snapshot, opts Options) (*ical.Calendar, PublishStats) {
	var stats PublishStats
	cal := newCalendar(ical.MethodPublish, opts, opts.CalendarName, opts.CalendarDesc)
	stamp := opts.now()

	for _, id := range current.IDs() {
		rec := current.Events[id]

		start, err := model.ParseTimestamp(rec.Start)
		if err != nil {
			appLog.Error("publish: skipping event with bad start", err, "id", id, "subject", rec.Subject)
			stats.Skipped++
			continue
		}
		end, err := model.ParseTimestamp(rec.End)
		if err != nil {
			appLog.Error("publish: skipping event with bad end", err, "id", id, "subject", rec.Subject)
			stats.Skipped++
			continue
		}

		ev := cal.AddEvent(identity.UID(id, opts.UIDDomain))
		ev.SetDtStampTime(stamp)
		ev.SetCreatedTime(stamp)
		ev.SetModifiedAt(stamp)
		ev.SetSummary(rec.Subject)
		ev.SetProperty(ical.ComponentPropertyDtStart, start.Format(floatingLayout))
		ev.SetProperty(ical.ComponentPropertyDtEnd, end.Format(floatingLayout))
		if rec.Location != "" {
			ev.SetLocation(rec.Location)
		}
		if rec.Body != "" {
			ev.SetDescription(rec.Body)
		}
		ev.SetStatus(ical.ObjectStatusConfirmed)
		ev.SetProperty(ical.ComponentPropertyTransp, "OPAQUE")
		stats.Written++
	}

	return cal, stats
}

// WritePublish builds the published calendar and writes it to path.
func WritePublish(path string, current *snapshot.Snapshot, opts Options) (PublishStats, error) {
	cal, stats := BuildPublish(current, opts)
	if err := writeCalendar(path, cal); err != nil {
		return stats, err
	}
	appLog.Info("calendar written", "path", path, "events", stats.Written, "skipped", stats.Skipped)
	return stats, nil
}

func newCalendar(method ical.Method, opts Options, name, desc string) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.SetVersion("2.0")
	if opts.ProductID != "" {
		cal.SetProductId(opts.ProductID)
	}
	cal.SetCalscale("GREGORIAN")
	cal.SetMethod(method)
	if name != "" {
		cal.SetXWRCalName(name)
	}
	if desc != "" {
		cal.SetXWRCalDesc(desc)
	}
	return cal
}

// writeCalendar writes via a temp file + rename so a reader never sees a
// half-written artifact.
func writeCalendar(path string, cal *ical.Calendar) error {
	if path == "" {
		return fmt.Errorf("calendar path is empty")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".calsync-*.ics.tmp")
	if err != nil {
		return fmt.Errorf("create temp calendar: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(cal.Serialize()); err != nil {
		tmp.Close()
		return fmt.Errorf("write calendar: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close calendar: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace calendar %s: %w", path, err)
	}
	return nil
}

// DeletionPath derives the cancellation artifact name from the main
// calendar path: export.ics -> export_deletions.ics.
func DeletionPath(mainPath string) string {
	ext := filepath.Ext(mainPath)
	if strings.EqualFold(ext, ".ics") {
		return strings.TrimSuffix(mainPath, ext) + "_deletions" + ext
	}
	return mainPath + "_deletions.ics"
}
