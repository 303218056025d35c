// Package geo resolves an agent's public IP and location through an
// external ifconfig.co-style JSON endpoint.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DefaultEndpoint answers with the caller's own address information.
const DefaultEndpoint = "https://ifconfig.co/json"

// retryBackoff is the single fixed pause before the one retry allowed
// during agent startup.
const retryBackoff = 2 * time.Second

// Info is the subset of the endpoint's response the agent registers with.
type Info struct {
	IP         string `json:"ip"`
	CountryISO string `json:"country_iso"`
	City       string `json:"city"`
	Region     string `json:"region_name"`
	ASN        string `json:"asn"`
	ASNOrg     string `json:"asn_org"`
}

// Client performs lookups against one endpoint.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient builds a lookup client. An empty endpoint selects
// DefaultEndpoint; a nil httpClient gets a 10 s timeout default.
func NewClient(endpoint string, httpClient *http.Client) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{endpoint: endpoint, http: httpClient}
}

// Lookup fetches the caller's address information. One retry after a
// short fixed backoff; anything beyond that is the reconnect loop's
// problem.
func (c *Client) Lookup(ctx context.Context) (Info, error) {
	info, err := c.fetch(ctx)
	if err == nil {
		return info, nil
	}

	select {
	case <-ctx.Done():
		return Info{}, ctx.Err()
	case <-time.After(retryBackoff):
	}
	return c.fetch(ctx)
}

func (c *Client) fetch(ctx context.Context) (Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return Info{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Info{}, fmt.Errorf("geo lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Info{}, fmt.Errorf("geo lookup: unexpected status %s", resp.Status)
	}

	var info Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return Info{}, fmt.Errorf("geo lookup: decode response: %w", err)
	}
	return info, nil
}
