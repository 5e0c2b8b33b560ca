package source

import (
	"context"
	"fmt"

	"calsync/internal/ics"
	"calsync/internal/model"
)

// FeedSource reads events from an ICS subscription.
type FeedSource struct {
	fetcher   *ics.Fetcher
	src       ics.Source
	bodyLimit int
}

func NewFeed(fetcher *ics.Fetcher, src ics.Source, bodyLimit int) *FeedSource {
	return &FeedSource{fetcher: fetcher, src: src, bodyLimit: bodyLimit}
}

func (s *FeedSource) Events(ctx context.Context) ([]model.EventRecord, error) {
	res, err := s.fetcher.Fetch(ctx, s.src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	records, err := ics.ParseFeed(res.Source, res.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	for i := range records {
		records[i].Body = normalizeBody(records[i].Body, s.bodyLimit)
	}
	return records, nil
}
