// Package postal resolves postal codes against an OpenPLZ-style localities API.
package postal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const DefaultBaseURL = "https://openplzapi.org"

// ErrNoLocality is returned when the API knows no locality for the postal code.
var ErrNoLocality = errors.New("postal: no locality found")

type Locality struct {
	Name       string
	PostalCode string
	Region     string
}

// Lookup resolves a postal code within a country.
type Lookup interface {
	Lookup(ctx context.Context, countryCode, postalCode string) (*Locality, error)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(baseURL string, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

type localityResponse struct {
	Name         string `json:"name"`
	PostalCode   string `json:"postalCode"`
	FederalState *struct {
		Name string `json:"name"`
	} `json:"federalState"`
}

func (c *Client) Lookup(ctx context.Context, countryCode, postalCode string) (*Locality, error) {
	country := strings.ToLower(strings.TrimSpace(countryCode))
	code := strings.TrimSpace(postalCode)
	if country == "" || code == "" {
		return nil, fmt.Errorf("postal: country and postal code are required")
	}

	endpoint := fmt.Sprintf("%s/%s/Localities?postalCode=%s", c.baseURL, url.PathEscape(country), url.QueryEscape(code))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("postal: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("Postal lookup failed",
			zap.Error(err),
			zap.String("country", country),
			zap.String("postal_code", code))
		return nil, fmt.Errorf("postal: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("postal: unexpected status %d", resp.StatusCode)
	}

	var localities []localityResponse
	if err := json.NewDecoder(resp.Body).Decode(&localities); err != nil {
		return nil, fmt.Errorf("postal: decode response: %w", err)
	}
	if len(localities) == 0 {
		return nil, ErrNoLocality
	}

	first := localities[0]
	locality := &Locality{Name: first.Name, PostalCode: first.PostalCode}
	if first.FederalState != nil {
		locality.Region = first.FederalState.Name
	}
	return locality, nil
}
