// Package followgraph fetches a user's current follow list from the
// public AT Protocol API, for the main stream's follow-sync bootstrap
// reconciliation.
package followgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

// MaxPages caps pagination at 100 pages (~10,000 follows) per user.
const MaxPages = 100

const defaultPageSize = 100

// Follow is one entry from app.bsky.graph.getFollows.
type Follow struct {
	DID    string `json:"did"`
	Handle string `json:"handle"`
}

type getFollowsResponse struct {
	Follows []Follow `json:"follows"`
	Cursor  string   `json:"cursor"`
}

// Client fetches follow lists from a public AppView instance, rate
// limited the way the teacher's outbound-PDS calls are bounded.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient builds a Client against baseURL (e.g. https://public.api.bsky.app).
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(10), 10),
	}
}

// GetFollows returns the paginated follow list for actor, capped at
// MaxPages pages. A page failure logs and returns whatever pages were
// fetched so far rather than discarding them (spec §7: follow-graph
// fetch failures log and return what they have).
func (c *Client) GetFollows(ctx context.Context, actor string) ([]Follow, error) {
	var all []Follow
	cursor := ""

	for page := 0; page < MaxPages; page++ {
		if err := c.limiter.Wait(ctx); err != nil {
			log.Printf("followgraph: rate limit wait for %s: %v", actor, err)
			break
		}

		resp, err := c.getFollowsPage(ctx, actor, cursor)
		if err != nil {
			log.Printf("followgraph: get follows page %d for %s: %v", page, actor, err)
			break
		}
		all = append(all, resp.Follows...)

		if resp.Cursor == "" {
			break
		}
		cursor = resp.Cursor
	}

	return all, nil
}

func (c *Client) getFollowsPage(ctx context.Context, actor, cursor string) (*getFollowsResponse, error) {
	q := url.Values{}
	q.Set("actor", actor)
	q.Set("limit", fmt.Sprintf("%d", defaultPageSize))
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	reqURL := fmt.Sprintf("%s/xrpc/app.bsky.graph.getFollows?%s", c.baseURL, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var out getFollowsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}
