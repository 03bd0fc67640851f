package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// EventSummary is one upstream event as exposed by the event service.
type EventSummary struct {
	Title    string    `json:"title"`
	DateTime time.Time `json:"dateTime"`
	Location string    `json:"location,omitempty"`
	Price    *float64  `json:"price,omitempty"`
}

// Client fetches events from the upstream event service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient constructs an event service client for the supplied base URL.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("events: base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("events: invalid base url: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// ListBetween returns the events within the half-open period [from, to).
func (c *Client) ListBetween(ctx context.Context, from, to time.Time) ([]EventSummary, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	query := url.Values{}
	query.Set("from", from.UTC().Format(time.RFC3339))
	query.Set("to", to.UTC().Format(time.RFC3339))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("events: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("events: list between: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("events: unexpected status %d", resp.StatusCode)
	}

	var items []EventSummary
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("events: decode response: %w", err)
	}
	return items, nil
}
