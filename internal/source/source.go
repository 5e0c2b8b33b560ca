// Package source obtains the current list of event records from the
// upstream exporter.
package source

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"calsync/internal/model"
)

// ErrUpstream marks failures to obtain the current event list. A run that
// sees it must stop before reconciling.
var ErrUpstream = errors.New("upstream unavailable")

// Source yields the current events.
type Source interface {
	Events(ctx context.Context) ([]model.EventRecord, error)
}

// Func adapts a function to Source.
type Func func(ctx context.Context) ([]model.EventRecord, error)

func (f Func) Events(ctx context.Context) ([]model.EventRecord, error) {
	return f(ctx)
}

// normalizeBody flattens line breaks and cuts the body to limit runes.
// limit <= 0 disables truncation.
func normalizeBody(body string, limit int) string {
	body = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(body)
	body = strings.TrimSpace(body)
	if limit <= 0 || utf8.RuneCountInString(body) <= limit {
		return body
	}
	return string([]rune(body)[:limit])
}
