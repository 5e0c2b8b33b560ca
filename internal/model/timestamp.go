package model

import (
	"fmt"
	"strings"
	"time"
)

// timestampLayouts are the layouts the exporter is known to produce, most
// common first. Offsets are kept as parsed; callers use the wall clock.
var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05-0700",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05",
	"01/02/2006 03:04:05 PM",
	"01/02/2006 15:04",
	"20060102T150405Z",
	"20060102T150405",
	"2006-01-02",
}

// ParseTimestamp parses an exporter timestamp. Values without an offset are
// returned in time.Local.
func ParseTimestamp(s string) (time.Time, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, v, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}
