package sources

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/garnizeh/insightpipe/internal/config"
	"github.com/garnizeh/insightpipe/pkg/models"
)

const (
	twitterBase = "https://api.twitter.com"
	// recent search only covers the last seven days
	twitterWindow = 7 * 24 * time.Hour
)

type Twitter struct {
	*fetcher
	token   string
	query   string
	baseURL string
	now     func() time.Time
}

type twitterSearchResponse struct {
	Data []struct {
		ID            string    `json:"id"`
		Text          string    `json:"text"`
		AuthorID      string    `json:"author_id"`
		CreatedAt     time.Time `json:"created_at"`
		PublicMetrics struct {
			RetweetCount int `json:"retweet_count"`
			ReplyCount   int `json:"reply_count"`
			LikeCount    int `json:"like_count"`
			QuoteCount   int `json:"quote_count"`
		} `json:"public_metrics"`
	} `json:"data"`
	Meta struct {
		NextToken   string `json:"next_token"`
		ResultCount int    `json:"result_count"`
	} `json:"meta"`
}

func NewTwitter(cfg config.TwitterConfig, o Options) *Twitter {
	base := cfg.BaseURL
	if base == "" {
		base = twitterBase
	}
	return &Twitter{
		fetcher: newFetcher(models.SourceTwitter, o),
		token:   cfg.BearerToken,
		query:   cfg.Query,
		baseURL: strings.TrimRight(base, "/"),
		now:     time.Now,
	}
}

func (t *Twitter) Name() models.Source { return models.SourceTwitter }

func (t *Twitter) Fetch(ctx context.Context, since *time.Time) ([]Candidate, error) {
	if t.token == "" {
		return nil, &CredentialsError{Source: models.SourceTwitter}
	}
	headers := map[string]string{"Authorization": "Bearer " + t.token}

	params := url.Values{}
	params.Set("query", t.query)
	params.Set("max_results", "100")
	params.Set("tweet.fields", "created_at,public_metrics,author_id")
	if since != nil {
		start := since.UTC()
		if floor := t.now().UTC().Add(-twitterWindow + time.Minute); start.Before(floor) {
			start = floor
		}
		params.Set("start_time", start.Format(time.RFC3339))
	}

	var out []Candidate
	for page := 0; page < t.maxPages; page++ {
		var resp twitterSearchResponse
		if err := t.getJSON(ctx, t.baseURL+"/2/tweets/search/recent?"+params.Encode(), headers, &resp); err != nil {
			return nil, err
		}
		for _, tw := range resp.Data {
			out = append(out, Candidate{
				ExternalID:  tw.ID,
				URL:         "https://twitter.com/i/web/status/" + tw.ID,
				Title:       tweetTitle(tw.Text),
				Text:        tw.Text,
				PublishedAt: tw.CreatedAt,
				Metadata: map[string]any{
					"like_count":    tw.PublicMetrics.LikeCount,
					"retweet_count": tw.PublicMetrics.RetweetCount,
					"reply_count":   tw.PublicMetrics.ReplyCount,
					"quote_count":   tw.PublicMetrics.QuoteCount,
					"author_id":     tw.AuthorID,
				},
			})
		}
		if resp.Meta.NextToken == "" {
			break
		}
		params.Set("next_token", resp.Meta.NextToken)
	}
	return out, nil
}

// tweetTitle is the first line of the tweet, cut to 120 runes.
func tweetTitle(text string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	r := []rune(line)
	if len(r) > 120 {
		return string(r[:117]) + "..."
	}
	return line
}

func (t *Twitter) Normalize(c Candidate) (models.RawSignal, error) {
	return normalize(models.SourceTwitter, c, map[string]any{"like_count": 0, "retweet_count": 0})
}
