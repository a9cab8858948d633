package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/vinylatlas/api/internal/config"
)

// CollectionAPI is the slice of Discogs the pipeline consumes: the paginated
// collection listing and the per-release detail lookup.
type CollectionAPI interface {
	GetCollectionPage(ctx context.Context, username string, page, perPage int, token string) (*CollectionPage, error)
	GetRelease(ctx context.Context, releaseID int64, token string) (*Release, error)
}

// DiscogsClient talks to the Discogs REST API. All calls go through the
// Pacer, which enforces the shared per-call spacing and throttle retries.
type DiscogsClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
	userAgent  string
	pacer      *Pacer
	log        *slog.Logger
}

// APIError carries a non-2xx upstream response. The pacer inspects the
// status code to tell throttling apart from fatal failures.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("discogs API error (status %d): %s", e.StatusCode, e.Body)
}

// Pagination is the page envelope Discogs returns on listing endpoints.
type Pagination struct {
	Page    int `json:"page"`
	Pages   int `json:"pages"`
	PerPage int `json:"per_page"`
	Items   int `json:"items"`
}

// CollectionPage is one page of a user's collection folder.
type CollectionPage struct {
	Pagination Pagination          `json:"pagination"`
	Releases   []CollectionRelease `json:"releases"`
}

// CollectionRelease is a collection listing entry. Only the release id and
// the basic label attributions matter to the analysis.
type CollectionRelease struct {
	ID               int64            `json:"id"`
	BasicInformation BasicInformation `json:"basic_information"`
}

type BasicInformation struct {
	Title  string  `json:"title"`
	Labels []Label `json:"labels"`
}

type Label struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Release is the detail record; country is the only field the pipeline reads.
type Release struct {
	ID      int64  `json:"id"`
	Country string `json:"country"`
}

// NewDiscogsClient creates a Discogs API client.
func NewDiscogsClient(cfg *config.DiscogsConfig, log *slog.Logger) *DiscogsClient {
	if log == nil {
		log = slog.Default()
	}
	return &DiscogsClient{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL:   cfg.BaseURL,
		token:     cfg.Token,
		userAgent: cfg.UserAgent,
		pacer:     NewPacer(cfg.RequestDelay, cfg.ThrottleCooldown, cfg.MaxRetries, log),
		log:       log,
	}
}

// GetCollectionPage fetches one page of the user's "All" folder (folder 0).
func (c *DiscogsClient) GetCollectionPage(ctx context.Context, username string, page, perPage int, token string) (*CollectionPage, error) {
	endpoint := fmt.Sprintf("/users/%s/collection/folders/0/releases?page=%d&per_page=%d&sort=added",
		url.PathEscape(username), page, perPage)

	var result CollectionPage
	err := c.pacer.Do(ctx, func() error {
		return c.get(ctx, endpoint, token, &result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// GetRelease fetches the detail record for one release.
func (c *DiscogsClient) GetRelease(ctx context.Context, releaseID int64, token string) (*Release, error) {
	endpoint := fmt.Sprintf("/releases/%d", releaseID)

	var result Release
	err := c.pacer.Do(ctx, func() error {
		return c.get(ctx, endpoint, token, &result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// get sends a GET request and parses the JSON response. A per-call token
// overrides the client-wide one; neither is ever logged or persisted.
func (c *DiscogsClient) get(ctx context.Context, endpoint, token string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", c.userAgent)
	if token == "" {
		token = c.token
	}
	if token != "" {
		req.Header.Set("Authorization", "Discogs token="+token)
	}

	c.log.Debug("discogs request", "method", req.Method, "path", endpoint)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
