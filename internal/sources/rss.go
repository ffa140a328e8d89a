package sources

import (
	"context"
	"time"

	"github.com/garnizeh/insightpipe/internal/config"
	"github.com/garnizeh/insightpipe/pkg/models"
)

// RSS reads any number of RSS or Atom feeds. One failing feed fails the run so
// the job is retried; items from feeds already read are re-collapsed by dedup.
type RSS struct {
	*fetcher
	feeds []string
}

func NewRSS(cfg config.RSSConfig, o Options) *RSS {
	return &RSS{fetcher: newFetcher(models.SourceRSS, o), feeds: cfg.Feeds}
}

func (r *RSS) Name() models.Source { return models.SourceRSS }

func (r *RSS) Fetch(ctx context.Context, since *time.Time) ([]Candidate, error) {
	var out []Candidate
	for _, feedURL := range r.feeds {
		feed, err := r.getFeed(ctx, feedURL)
		if err != nil {
			return nil, err
		}
		for _, item := range feed.Items {
			var published time.Time
			switch {
			case item.PublishedParsed != nil:
				published = item.PublishedParsed.UTC()
			case item.UpdatedParsed != nil:
				published = item.UpdatedParsed.UTC()
			}
			if before(published, since) {
				continue
			}
			id := item.GUID
			if id == "" {
				id = item.Link
			}
			text := item.Description
			if text == "" {
				text = item.Content
			}
			author := ""
			if item.Author != nil {
				author = item.Author.Name
			}
			out = append(out, Candidate{
				ExternalID:  id,
				URL:         item.Link,
				Title:       item.Title,
				Text:        text,
				PublishedAt: published,
				Metadata: map[string]any{
					"feed_url":   feedURL,
					"feed_title": feed.Title,
					"author":     author,
					"categories": item.Categories,
				},
			})
		}
	}
	return out, nil
}

func (r *RSS) Normalize(c Candidate) (models.RawSignal, error) {
	return normalize(models.SourceRSS, c, map[string]any{"feed_url": ""})
}
