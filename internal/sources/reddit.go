package sources

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/garnizeh/insightpipe/internal/config"
	"github.com/garnizeh/insightpipe/pkg/models"
)

const (
	redditPublicBase = "https://www.reddit.com"
	redditOAuthBase  = "https://oauth.reddit.com"
)

type Reddit struct {
	*fetcher
	subreddits []string
	token      string
	baseURL    string
}

type redditListing struct {
	Data struct {
		After    string `json:"after"`
		Children []struct {
			Data redditPost `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type redditPost struct {
	Name        string  `json:"name"`
	Title       string  `json:"title"`
	Selftext    string  `json:"selftext"`
	Permalink   string  `json:"permalink"`
	URL         string  `json:"url"`
	CreatedUTC  float64 `json:"created_utc"`
	Score       int     `json:"score"`
	NumComments int     `json:"num_comments"`
	Subreddit   string  `json:"subreddit"`
	UpvoteRatio float64 `json:"upvote_ratio"`
	Author      string  `json:"author"`
}

func NewReddit(cfg config.RedditConfig, o Options) *Reddit {
	base := cfg.BaseURL
	if base == "" {
		base = redditPublicBase
		if cfg.Token != "" {
			base = redditOAuthBase
		}
	}
	return &Reddit{
		fetcher:    newFetcher(models.SourceReddit, o),
		subreddits: cfg.Subreddits,
		token:      cfg.Token,
		baseURL:    strings.TrimRight(base, "/"),
	}
}

func (r *Reddit) Name() models.Source { return models.SourceReddit }

// Fetch walks /new for every subreddit, newest first, and stops a subreddit
// once it reaches posts at or before since.
func (r *Reddit) Fetch(ctx context.Context, since *time.Time) ([]Candidate, error) {
	var headers map[string]string
	if r.token != "" {
		headers = map[string]string{"Authorization": "Bearer " + r.token}
	}

	var out []Candidate
	for _, sub := range r.subreddits {
		after := ""
		for page := 0; page < r.maxPages; page++ {
			u := fmt.Sprintf("%s/r/%s/new.json?limit=100&raw_json=1", r.baseURL, url.PathEscape(sub))
			if after != "" {
				u += "&after=" + url.QueryEscape(after)
			}
			var listing redditListing
			if err := r.getJSON(ctx, u, headers, &listing); err != nil {
				return nil, err
			}

			reachedSince := false
			for _, child := range listing.Data.Children {
				p := child.Data
				created := time.Unix(int64(p.CreatedUTC), 0).UTC()
				if before(created, since) {
					reachedSince = true
					break
				}
				out = append(out, Candidate{
					ExternalID:  p.Name,
					URL:         redditPublicBase + p.Permalink,
					Title:       p.Title,
					Text:        p.Selftext,
					PublishedAt: created,
					Metadata: map[string]any{
						"score":        p.Score,
						"num_comments": p.NumComments,
						"subreddit":    p.Subreddit,
						"upvote_ratio": p.UpvoteRatio,
						"author":       p.Author,
						"link_url":     p.URL,
					},
				})
			}
			after = listing.Data.After
			if reachedSince || after == "" {
				break
			}
		}
	}
	return out, nil
}

func (r *Reddit) Normalize(c Candidate) (models.RawSignal, error) {
	return normalize(models.SourceReddit, c, map[string]any{"score": 0, "num_comments": 0})
}
