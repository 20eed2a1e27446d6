package geocode

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/circletel/coverage-engine/internal/coverage"
	"github.com/circletel/coverage-engine/internal/remote"
)

// ErrNotFound is returned when the geocoding backend has no match for the
// address text.
var ErrNotFound = errors.New("address not found")

// Location is a geocoded address.
type Location struct {
	Coordinate coverage.Coordinate `json:"coordinate"`
	Formatted  string              `json:"formattedAddress"`
	Suburb     string              `json:"suburb,omitempty"`
	City       string              `json:"city,omitempty"`
	Province   string              `json:"province,omitempty"`
	PostalCode string              `json:"postalCode,omitempty"`
}

// Geocoder translates free-form address text into a coordinate. The engine
// itself never geocodes; only the HTTP layer does, so queries stay pure
// coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (Location, error)
}

// Client is an HTTP geocoder against the platform's geocoding service.
type Client struct {
	client  *remote.Client
	baseURL string
	apiKey  string
}

// New builds a geocoding client. A non-positive timeout falls back to five
// seconds.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		client:  remote.NewClient(timeout, 0),
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

type geocodeResponse struct {
	Results []struct {
		Lat        float64 `json:"lat"`
		Lon        float64 `json:"lon"`
		Formatted  string  `json:"formatted"`
		Suburb     string  `json:"suburb"`
		City       string  `json:"city"`
		Province   string  `json:"province"`
		PostalCode string  `json:"postalCode"`
	} `json:"results"`
}

// Geocode resolves the first match for the address.
func (c *Client) Geocode(ctx context.Context, address string) (Location, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return Location{}, fmt.Errorf("%w: empty address", ErrNotFound)
	}

	values := url.Values{"q": {address}}
	if c.apiKey != "" {
		values.Set("key", c.apiKey)
	}
	var payload geocodeResponse
	if err := c.client.GetJSON(ctx, c.baseURL+"/geocode?"+values.Encode(), &payload); err != nil {
		return Location{}, fmt.Errorf("geocode %q: %w", address, err)
	}
	if len(payload.Results) == 0 {
		return Location{}, fmt.Errorf("%w: %q", ErrNotFound, address)
	}

	first := payload.Results[0]
	loc := Location{
		Coordinate: coverage.Coordinate{Lat: first.Lat, Lon: first.Lon},
		Formatted:  first.Formatted,
		Suburb:     first.Suburb,
		City:       first.City,
		Province:   first.Province,
		PostalCode: first.PostalCode,
	}
	if err := loc.Coordinate.Validate(); err != nil {
		return Location{}, fmt.Errorf("geocode %q: %w", address, err)
	}
	return loc, nil
}
