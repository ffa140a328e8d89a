package sources

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/garnizeh/insightpipe/internal/config"
	"github.com/garnizeh/insightpipe/pkg/models"
)

const hackerNewsBase = "https://hn.algolia.com"

type HackerNews struct {
	*fetcher
	baseURL string
}

// algoliaResponse is the search_by_date response shape.
type algoliaResponse struct {
	Hits    []algoliaHit `json:"hits"`
	Page    int          `json:"page"`
	NbPages int          `json:"nbPages"`
}

type algoliaHit struct {
	ObjectID    string `json:"objectID"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	Author      string `json:"author"`
	Points      int    `json:"points"`
	NumComments int    `json:"num_comments"`
	CreatedAtI  int64  `json:"created_at_i"`
	StoryText   string `json:"story_text"`
}

func NewHackerNews(cfg config.HackerNewsConfig, o Options) *HackerNews {
	base := cfg.BaseURL
	if base == "" {
		base = hackerNewsBase
	}
	return &HackerNews{fetcher: newFetcher(models.SourceHackerNews, o), baseURL: strings.TrimRight(base, "/")}
}

func (h *HackerNews) Name() models.Source { return models.SourceHackerNews }

func (h *HackerNews) Fetch(ctx context.Context, since *time.Time) ([]Candidate, error) {
	var out []Candidate
	for page := 0; page < h.maxPages; page++ {
		u := fmt.Sprintf("%s/api/v1/search_by_date?tags=story&hitsPerPage=100&page=%d", h.baseURL, page)
		if since != nil {
			u += fmt.Sprintf("&numericFilters=created_at_i>%d", since.Unix())
		}
		var resp algoliaResponse
		if err := h.getJSON(ctx, u, nil, &resp); err != nil {
			return nil, err
		}
		for _, hit := range resp.Hits {
			link := hit.URL
			if link == "" {
				link = "https://news.ycombinator.com/item?id=" + hit.ObjectID
			}
			out = append(out, Candidate{
				ExternalID:  hit.ObjectID,
				URL:         link,
				Title:       hit.Title,
				Text:        hit.StoryText,
				PublishedAt: time.Unix(hit.CreatedAtI, 0).UTC(),
				Metadata: map[string]any{
					"points":        hit.Points,
					"num_comments":  hit.NumComments,
					"author":        hit.Author,
					"comments_link": "https://news.ycombinator.com/item?id=" + hit.ObjectID,
				},
			})
		}
		if page+1 >= resp.NbPages {
			break
		}
	}
	return out, nil
}

func (h *HackerNews) Normalize(c Candidate) (models.RawSignal, error) {
	return normalize(models.SourceHackerNews, c, map[string]any{"points": 0, "num_comments": 0})
}
