package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	ical "github.com/arran4/golang-ical"

	appLog "calsync/internal/log"
	"calsync/internal/model"
)

// RecordLayout is how feed timestamps are rendered into event records. It
// matches the exporter's CSV layout so both sources produce identical
// identifiers for the same event.
const RecordLayout = "2006-01-02 15:04:05"

// ParseFeed converts an ICS payload into event records.
//
//   - Times are rendered in the zone the feed declares (TZID or UTC); no
//     conversion to a display zone is performed.
//   - Cancelled VEVENTs are dropped.
//   - RRULEs are not expanded; only the first occurrence is recorded.
//   - A VEVENT that cannot be read is logged and skipped.
func ParseFeed(src Source, body []byte) ([]model.EventRecord, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "id", src.ID, "url", redactURL(src.URL))
		return nil, fmt.Errorf("parse ics feed %s: %w", src.ID, err)
	}

	records := make([]model.EventRecord, 0)
	for _, ve := range cal.Events() {
		rec, ok, perr := recordFromVEvent(ve)
		if perr != nil {
			appLog.Error("ics vevent parse failed", perr, "id", src.ID, "uid", ve.Id())
			continue
		}
		if !ok {
			continue
		}
		records = append(records, rec)
	}

	appLog.Info("ics parse completed", "id", src.ID, "url", redactURL(src.URL), "event_count", len(records))
	return records, nil
}

func recordFromVEvent(ve *ical.VEvent) (model.EventRecord, bool, error) {
	var out model.EventRecord

	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil && strings.EqualFold(p.Value, string(ical.ObjectStatusCancelled)) {
		return out, false, nil
	}

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Subject = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Body = p.Value
	}

	start, err := ve.GetStartAt()
	if err != nil {
		return out, false, fmt.Errorf("dtstart: %w", err)
	}
	end, err := ve.GetEndAt()
	if err != nil {
		// DTEND is optional; a missing one means a zero-length event.
		end = start
	}

	out.Start = start.Format(RecordLayout)
	out.End = end.Format(RecordLayout)
	return out, true, nil
}
