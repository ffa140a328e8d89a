package sources

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/garnizeh/insightpipe/internal/config"
	"github.com/garnizeh/insightpipe/pkg/models"
)

const googleTrendsBase = "https://trends.google.com"

// GoogleTrends reads the daily trending-searches feed for one region. A trend
// is identified by region, day and term, so the same term trending on two
// days yields two signals.
type GoogleTrends struct {
	*fetcher
	geo     string
	baseURL string
}

func NewGoogleTrends(cfg config.GoogleTrendsConfig, o Options) *GoogleTrends {
	base := cfg.BaseURL
	if base == "" {
		base = googleTrendsBase
	}
	geo := cfg.Geo
	if geo == "" {
		geo = "US"
	}
	return &GoogleTrends{fetcher: newFetcher(models.SourceGoogleTrends, o), geo: geo, baseURL: strings.TrimRight(base, "/")}
}

func (g *GoogleTrends) Name() models.Source { return models.SourceGoogleTrends }

func (g *GoogleTrends) Fetch(ctx context.Context, since *time.Time) ([]Candidate, error) {
	feed, err := g.getFeed(ctx, fmt.Sprintf("%s/trending/rss?geo=%s", g.baseURL, url.QueryEscape(g.geo)))
	if err != nil {
		return nil, err
	}

	var out []Candidate
	for _, item := range feed.Items {
		published := time.Now().UTC()
		if item.PublishedParsed != nil {
			published = item.PublishedParsed.UTC()
		}
		if before(published, since) {
			continue
		}
		term := strings.TrimSpace(item.Title)
		news := trendNewsTitles(item)
		out = append(out, Candidate{
			ExternalID:  fmt.Sprintf("%s:%s:%s", g.geo, published.Format("2006-01-02"), strings.ToLower(term)),
			URL:         item.Link,
			Title:       term,
			Text:        strings.Join(news, "\n"),
			PublishedAt: published,
			Metadata: map[string]any{
				"approx_traffic": trendExtension(item, "approx_traffic"),
				"geo":            g.geo,
				"news_titles":    news,
			},
		})
	}
	return out, nil
}

func trendExtension(item *gofeed.Item, name string) string {
	ht, ok := item.Extensions["ht"]
	if !ok {
		return ""
	}
	if vals := ht[name]; len(vals) > 0 {
		return strings.TrimSpace(vals[0].Value)
	}
	return ""
}

func trendNewsTitles(item *gofeed.Item) []string {
	ht, ok := item.Extensions["ht"]
	if !ok {
		return nil
	}
	var titles []string
	for _, n := range ht["news_item"] {
		if t := n.Children["news_item_title"]; len(t) > 0 && t[0].Value != "" {
			titles = append(titles, strings.TrimSpace(t[0].Value))
		}
	}
	return titles
}

func (g *GoogleTrends) Normalize(c Candidate) (models.RawSignal, error) {
	return normalize(models.SourceGoogleTrends, c, map[string]any{"approx_traffic": ""})
}
