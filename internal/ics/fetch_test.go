package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetcher_ConditionalAndFallback(t *testing.T) {
	var calls int
	var fail bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if fail {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(feed))
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), srv.Client())
	src := Source{ID: "work", URL: srv.URL + "/cal.ics"}
	ctx := context.Background()

	res, err := f.Fetch(ctx, src)
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, feed, string(res.Body))

	res, err = f.Fetch(ctx, src)
	require.NoError(t, err)
	assert.True(t, res.FromCache, "304 reuses cached body")
	assert.Equal(t, feed, string(res.Body))

	fail = true
	res, err = f.Fetch(ctx, src)
	require.NoError(t, err)
	assert.True(t, res.FromCache, "server error falls back to cache")
	assert.Equal(t, 3, calls)
}

func TestFetcher_ErrorWithoutCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), srv.Client())
	_, err := f.Fetch(context.Background(), Source{ID: "x", URL: srv.URL})
	assert.Error(t, err)

	_, err = f.Fetch(context.Background(), Source{ID: "x"})
	assert.Error(t, err)
}
