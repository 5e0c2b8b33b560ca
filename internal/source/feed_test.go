package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/ics"
)

const feedBody = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n" +
	"BEGIN:VEVENT\r\nUID:a@test\r\nDTSTAMP:20250101T000000Z\r\nSUMMARY:Planning\r\n" +
	"DESCRIPTION:first\\nsecond\r\nDTSTART:20250106T130000Z\r\nDTEND:20250106T140000Z\r\nEND:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func TestFeedSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(feedBody))
	}))
	defer srv.Close()

	fs := NewFeed(ics.NewFetcher(t.TempDir(), srv.Client()), ics.Source{ID: "work", URL: srv.URL}, 0)
	recs, err := fs.Events(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Planning", recs[0].Subject)
	assert.Equal(t, "2025-01-06 13:00:00", recs[0].Start)
	assert.Equal(t, "first second", recs[0].Body)
}

func TestFeedSource_Unavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	fs := NewFeed(ics.NewFetcher(t.TempDir(), srv.Client()), ics.Source{ID: "work", URL: srv.URL}, 0)
	_, err := fs.Events(context.Background())
	assert.ErrorIs(t, err, ErrUpstream)
}
