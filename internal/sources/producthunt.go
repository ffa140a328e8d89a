package sources

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/garnizeh/insightpipe/internal/config"
	"github.com/garnizeh/insightpipe/pkg/models"
)

const productHuntEndpoint = "https://api.producthunt.com/v2/api/graphql"

const productHuntQuery = `query Posts($after: String, $postedAfter: DateTime) {
  posts(order: NEWEST, first: 20, after: $after, postedAfter: $postedAfter) {
    pageInfo { hasNextPage endCursor }
    edges { node {
      id name tagline description url votesCount commentsCount createdAt
      topics(first: 5) { edges { node { name } } }
    } }
  }
}`

type ProductHunt struct {
	*fetcher
	token    string
	endpoint string
}

type productHuntResponse struct {
	Data struct {
		Posts struct {
			PageInfo struct {
				HasNextPage bool   `json:"hasNextPage"`
				EndCursor   string `json:"endCursor"`
			} `json:"pageInfo"`
			Edges []struct {
				Node productHuntPost `json:"node"`
			} `json:"edges"`
		} `json:"posts"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type productHuntPost struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Tagline       string    `json:"tagline"`
	Description   string    `json:"description"`
	URL           string    `json:"url"`
	VotesCount    int       `json:"votesCount"`
	CommentsCount int       `json:"commentsCount"`
	CreatedAt     time.Time `json:"createdAt"`
	Topics        struct {
		Edges []struct {
			Node struct {
				Name string `json:"name"`
			} `json:"node"`
		} `json:"edges"`
	} `json:"topics"`
}

func NewProductHunt(cfg config.ProductHuntConfig, o Options) *ProductHunt {
	endpoint := cfg.BaseURL
	if endpoint == "" {
		endpoint = productHuntEndpoint
	}
	return &ProductHunt{fetcher: newFetcher(models.SourceProductHunt, o), token: cfg.Token, endpoint: endpoint}
}

func (p *ProductHunt) Name() models.Source { return models.SourceProductHunt }

func (p *ProductHunt) Fetch(ctx context.Context, since *time.Time) ([]Candidate, error) {
	if p.token == "" {
		return nil, &CredentialsError{Source: models.SourceProductHunt}
	}
	headers := map[string]string{"Authorization": "Bearer " + p.token, "Accept": "application/json"}

	vars := map[string]any{}
	if since != nil {
		vars["postedAfter"] = since.UTC().Format(time.RFC3339)
	}
	var out []Candidate
	for page := 0; page < p.maxPages; page++ {
		var resp productHuntResponse
		body := map[string]any{"query": productHuntQuery, "variables": vars}
		if err := p.postJSON(ctx, p.endpoint, body, headers, &resp); err != nil {
			return nil, err
		}
		if len(resp.Errors) > 0 {
			msgs := make([]string, 0, len(resp.Errors))
			for _, e := range resp.Errors {
				msgs = append(msgs, e.Message)
			}
			return nil, errors.New("product_hunt: graphql: " + strings.Join(msgs, "; "))
		}

		posts := resp.Data.Posts
		for _, edge := range posts.Edges {
			n := edge.Node
			topics := make([]string, 0, len(n.Topics.Edges))
			for _, t := range n.Topics.Edges {
				topics = append(topics, t.Node.Name)
			}
			text := n.Tagline
			if n.Description != "" {
				text = n.Tagline + "\n\n" + n.Description
			}
			out = append(out, Candidate{
				ExternalID:  n.ID,
				URL:         n.URL,
				Title:       n.Name,
				Text:        text,
				PublishedAt: n.CreatedAt,
				Metadata: map[string]any{
					"votes_count":    n.VotesCount,
					"comments_count": n.CommentsCount,
					"tagline":        n.Tagline,
					"topics":         topics,
				},
			})
		}
		if !posts.PageInfo.HasNextPage || posts.PageInfo.EndCursor == "" {
			break
		}
		vars["after"] = posts.PageInfo.EndCursor
	}
	return out, nil
}

func (p *ProductHunt) Normalize(c Candidate) (models.RawSignal, error) {
	return normalize(models.SourceProductHunt, c, map[string]any{"votes_count": 0, "comments_count": 0})
}
