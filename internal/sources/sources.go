// Package sources fetches raw items from external platforms and normalizes
// them into models.RawSignal values.
package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"golang.org/x/time/rate"

	"github.com/garnizeh/insightpipe/internal/config"
	"github.com/garnizeh/insightpipe/internal/metrics"
	"github.com/garnizeh/insightpipe/pkg/models"
)

var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

// SetLogger allows the application to inject a configured logger.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}

// Candidate is one item as returned by a source, before normalization.
type Candidate struct {
	ExternalID  string
	URL         string
	Title       string
	Text        string
	PublishedAt time.Time
	Metadata    map[string]any
}

// Adapter fetches candidates from one platform. Fetch paginates internally up
// to the configured page cap; since limits results to items newer than it.
type Adapter interface {
	Name() models.Source
	Fetch(ctx context.Context, since *time.Time) ([]Candidate, error)
	Normalize(c Candidate) (models.RawSignal, error)
}

// ErrInvalidCandidate is returned by Normalize for items missing an id or title.
var ErrInvalidCandidate = errors.New("invalid candidate")

// StatusError is a non-2xx response from a source API.
type StatusError struct {
	Source models.Source
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Source, e.Code, e.Body)
}

// Permanent reports whether retrying cannot help: bad credentials or a
// removed endpoint. Rate limits and server errors are transient.
func (e *StatusError) Permanent() bool {
	switch e.Code {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusGone:
		return true
	}
	return false
}

// CredentialsError reports a source that cannot run without a token.
type CredentialsError struct {
	Source models.Source
}

func (e *CredentialsError) Error() string {
	return fmt.Sprintf("%s: missing api credentials", e.Source)
}

func (e *CredentialsError) Permanent() bool { return true }

// Options are shared by every adapter.
type Options struct {
	HTTPClient        *http.Client
	FetchTimeout      time.Duration
	MaxPages          int
	RequestsPerMinute int
	UserAgent         string
}

func OptionsFromConfig(cfg config.SourcesConfig) Options {
	return Options{
		FetchTimeout:      cfg.FetchTimeout,
		MaxPages:          cfg.MaxPages,
		RequestsPerMinute: cfg.RequestsPerMinute,
		UserAgent:         cfg.UserAgent,
	}
}

// fetcher performs rate-limited HTTP calls for one adapter.
type fetcher struct {
	source    models.Source
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
	maxPages  int
}

func newFetcher(src models.Source, o Options) *fetcher {
	client := o.HTTPClient
	if client == nil {
		timeout := o.FetchTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	if o.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(o.RequestsPerMinute))
	}
	ua := o.UserAgent
	if ua == "" {
		ua = "insightpipe/1.0"
	}
	pages := o.MaxPages
	if pages <= 0 {
		pages = 3
	}
	return &fetcher{source: src, client: client, limiter: rate.NewLimiter(limit, 5), userAgent: ua, maxPages: pages}
}

func (f *fetcher) do(ctx context.Context, method, url string, body []byte, headers map[string]string) (*http.Response, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", f.source, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &StatusError{Source: f.source, Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return resp, nil
}

func (f *fetcher) getJSON(ctx context.Context, url string, headers map[string]string, out any) error {
	resp, err := f.do(ctx, http.MethodGet, url, nil, headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", f.source, err)
	}
	return nil
}

func (f *fetcher) postJSON(ctx context.Context, url string, payload any, headers map[string]string, out any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := f.do(ctx, http.MethodPost, url, b, headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", f.source, err)
	}
	return nil
}

func (f *fetcher) getFeed(ctx context.Context, url string) (*gofeed.Feed, error) {
	resp, err := f.do(ctx, http.MethodGet, url, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	feed, err := gofeed.NewParser().Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: parse feed %s: %w", f.source, url, err)
	}
	return feed, nil
}

// normalize validates c at the adapter boundary and fills the metadata keys
// the scorer prompt relies on. A filled key means the platform did not report
// it; it is logged and counted so a zero is not mistaken for real engagement.
func normalize(src models.Source, c Candidate, required map[string]any) (models.RawSignal, error) {
	id := strings.TrimSpace(c.ExternalID)
	title := strings.TrimSpace(c.Title)
	if id == "" {
		return models.RawSignal{}, fmt.Errorf("%s: missing external id: %w", src, ErrInvalidCandidate)
	}
	if title == "" {
		return models.RawSignal{}, fmt.Errorf("%s %s: missing title: %w", src, id, ErrInvalidCandidate)
	}
	meta := models.Metadata{}
	for k, v := range c.Metadata {
		meta[k] = v
	}
	var defaulted []string
	for k, def := range required {
		if _, ok := meta[k]; !ok {
			meta[k] = def
			defaulted = append(defaulted, k)
			metrics.MetadataDefaulted.WithLabelValues(string(src), k).Inc()
		}
	}
	if len(defaulted) > 0 {
		slices.Sort(defaulted)
		logger.Debug("metadata defaulted", "source", src, "external_id", id, "keys", defaulted)
	}
	if !c.PublishedAt.IsZero() {
		meta["published_at"] = c.PublishedAt.UTC().Format(time.RFC3339)
	}
	return models.RawSignal{
		Source:        src,
		ExternalID:    id,
		URL:           strings.TrimSpace(c.URL),
		Title:         title,
		RawText:       strings.TrimSpace(c.Text),
		ExtraMetadata: meta,
		CollectedAt:   time.Now().UTC().UnixMilli(),
	}, nil
}

func before(t time.Time, since *time.Time) bool {
	return since != nil && !t.IsZero() && !t.After(*since)
}

// Registry maps sources to their adapters.
type Registry struct {
	adapters map[models.Source]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[models.Source]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// NewRegistryFromConfig builds an adapter for every enabled source.
func NewRegistryFromConfig(cfg config.SourcesConfig) *Registry {
	o := OptionsFromConfig(cfg)
	r := NewRegistry()
	if cfg.Reddit.Enabled {
		r.Register(NewReddit(cfg.Reddit, o))
	}
	if cfg.ProductHunt.Enabled {
		r.Register(NewProductHunt(cfg.ProductHunt, o))
	}
	if cfg.GoogleTrends.Enabled {
		r.Register(NewGoogleTrends(cfg.GoogleTrends, o))
	}
	if cfg.HackerNews.Enabled {
		r.Register(NewHackerNews(cfg.HackerNews, o))
	}
	if cfg.Twitter.Enabled {
		r.Register(NewTwitter(cfg.Twitter, o))
	}
	if cfg.RSS.Enabled && len(cfg.RSS.Feeds) > 0 {
		r.Register(NewRSS(cfg.RSS, o))
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.adapters[a.Name()] = a
}

func (r *Registry) Get(src models.Source) (Adapter, bool) {
	a, ok := r.adapters[src]
	return a, ok
}

// Sources lists registered sources in scheduling order.
func (r *Registry) Sources() []models.Source {
	var out []models.Source
	for _, s := range models.ScrapeSources {
		if _, ok := r.adapters[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Collect fetches from a and normalizes every candidate. Invalid candidates
// are logged and skipped; skipped reports how many.
func Collect(ctx context.Context, a Adapter, since *time.Time) (signals []models.RawSignal, skipped int, err error) {
	candidates, err := a.Fetch(ctx, since)
	if err != nil {
		return nil, 0, err
	}
	signals = make([]models.RawSignal, 0, len(candidates))
	for _, c := range candidates {
		s, err := a.Normalize(c)
		if err != nil {
			logger.Warn("skipping candidate", "source", a.Name(), "external_id", c.ExternalID, "err", err)
			skipped++
			continue
		}
		signals = append(signals, s)
	}
	return signals, skipped, nil
}
