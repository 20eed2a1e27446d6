package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/circletel/coverage-engine/internal/cache"
	"github.com/circletel/coverage-engine/internal/coverage"
	"github.com/circletel/coverage-engine/internal/geocode"
	"github.com/circletel/coverage-engine/internal/geometry"
	"github.com/circletel/coverage-engine/internal/provider"
	"github.com/circletel/coverage-engine/internal/recommend"
	"github.com/circletel/coverage-engine/internal/resolver"
)

type fixedAdapter struct {
	result coverage.ProviderResult
}

func (f fixedAdapter) Query(_ context.Context, rec provider.Record, _ coverage.Coordinate) coverage.ProviderResult {
	result := f.result
	result.ProviderID = rec.ID
	return result
}

type fixedGeocoder struct {
	loc geocode.Location
	err error
}

func (f fixedGeocoder) Geocode(context.Context, string) (geocode.Location, error) {
	return f.loc, f.err
}

func newTestServer(t *testing.T, adapter provider.Adapter, geocoder geocode.Geocoder, catalog *recommend.Catalog) *Server {
	t.Helper()
	snap, err := provider.BuildSnapshot([]provider.Record{{
		ID:           "mtn",
		Priority:     1,
		Enabled:      true,
		Source:       provider.SourceAPI,
		Technologies: coverage.NewTechSet(coverage.TechFibre, coverage.TechLTE),
		API:          &provider.APIConfig{BaseURL: "http://mtn.test", Timeout: time.Second},
	}})
	require.NoError(t, err)

	registry := provider.NewRegistry(snap)
	index := geometry.NewIndex()
	store := cache.NewMemory(time.Minute, 100)
	engine := resolver.New(registry,
		map[provider.SourceType]provider.Adapter{provider.SourceAPI: adapter},
		store, zerolog.Nop(), nil, resolver.Options{})
	return NewServer(engine, store, registry, index, geocoder, catalog, zerolog.Nop())
}

func TestResolvePost(t *testing.T) {
	adapter := fixedAdapter{result: coverage.ProviderResult{
		Status:       coverage.StatusHit,
		Technologies: []coverage.Technology{coverage.TechFibre},
		Confidence:   90,
	}}
	srv := httptest.NewServer(newTestServer(t, adapter, nil, nil).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/coverage/resolve", "application/json",
		strings.NewReader(`{"lat":-26.2,"lon":28.04,"technologies":["fibre"]}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body resolveResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.True(t, body.HasCoverage)
	require.Equal(t, "mtn", body.PrimaryProviderID)
	require.NotEmpty(t, body.ResolutionID)
}

func TestResolveGetWithQueryParams(t *testing.T) {
	adapter := fixedAdapter{result: coverage.ProviderResult{
		Status:       coverage.StatusHit,
		Technologies: []coverage.Technology{coverage.TechLTE},
	}}
	srv := httptest.NewServer(newTestServer(t, adapter, nil, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/coverage/resolve?lat=-26.2&lon=28.04&technologies=lte")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestResolveRejectsUnknownTechnology(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t, fixedAdapter{}, nil, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/coverage/resolve?lat=1&lon=2&technologies=dialup")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestResolveRequiresCoordinateOrAddress(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t, fixedAdapter{}, nil, nil).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/coverage/resolve", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestResolveViaAddress(t *testing.T) {
	adapter := fixedAdapter{result: coverage.ProviderResult{
		Status:       coverage.StatusHit,
		Technologies: []coverage.Technology{coverage.TechFibre},
	}}
	geocoder := fixedGeocoder{loc: geocode.Location{
		Coordinate: coverage.Coordinate{Lat: -26.2, Lon: 28.04},
		Formatted:  "1 Main Rd, Rosebank",
	}}
	srv := httptest.NewServer(newTestServer(t, adapter, geocoder, nil).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/coverage/resolve", "application/json",
		strings.NewReader(`{"address":"1 Main Rd, Rosebank"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body resolveResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotNil(t, body.Location)
	require.Equal(t, "1 Main Rd, Rosebank", body.Location.Formatted)
}

func TestResolveAddressNotFound(t *testing.T) {
	geocoder := fixedGeocoder{err: geocode.ErrNotFound}
	srv := httptest.NewServer(newTestServer(t, fixedAdapter{}, geocoder, nil).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/coverage/resolve", "application/json",
		strings.NewReader(`{"address":"nowhere"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResolveExhaustionIsServiceUnavailable(t *testing.T) {
	adapter := fixedAdapter{result: coverage.ProviderResult{Status: coverage.StatusError, Err: "down"}}
	srv := httptest.NewServer(newTestServer(t, adapter, nil, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/coverage/resolve?lat=-26.2&lon=28.04")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestResolveIncludesRecommendations(t *testing.T) {
	adapter := fixedAdapter{result: coverage.ProviderResult{
		Status:       coverage.StatusHit,
		Technologies: []coverage.Technology{coverage.TechFibre},
	}}
	catalog := recommend.NewCatalog(recommend.Product{
		ID:         "skyfibre-100",
		Name:       "SkyFibre 100/50",
		Technology: coverage.TechFibre,
		DownMbps:   100,
		PriceZAR:   decimal.RequireFromString("799.00"),
	})
	srv := httptest.NewServer(newTestServer(t, adapter, nil, catalog).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/coverage/resolve?lat=-26.2&lon=28.04")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body resolveResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Recommendations, 1)
	require.Equal(t, "skyfibre-100", body.Recommendations[0].ID)
}

func TestResolveGetHonoursMaxProducts(t *testing.T) {
	adapter := fixedAdapter{result: coverage.ProviderResult{
		Status:       coverage.StatusHit,
		Technologies: []coverage.Technology{coverage.TechFibre},
	}}
	catalog := recommend.NewCatalog(
		recommend.Product{
			ID:         "skyfibre-100",
			Name:       "SkyFibre 100/50",
			Technology: coverage.TechFibre,
			DownMbps:   100,
			PriceZAR:   decimal.RequireFromString("799.00"),
		},
		recommend.Product{
			ID:         "skyfibre-50",
			Name:       "SkyFibre 50/25",
			Technology: coverage.TechFibre,
			DownMbps:   50,
			PriceZAR:   decimal.RequireFromString("599.00"),
		},
	)
	srv := httptest.NewServer(newTestServer(t, adapter, nil, catalog).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/coverage/resolve?lat=-26.2&lon=28.04&maxProducts=1")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body resolveResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Recommendations, 1)
	require.Equal(t, "skyfibre-100", body.Recommendations[0].ID)

	bad, err := http.Get(srv.URL + "/v1/coverage/resolve?lat=-26.2&lon=28.04&maxProducts=three")
	require.NoError(t, err)
	bad.Body.Close()
	require.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestCacheAdminEndpoints(t *testing.T) {
	adapter := fixedAdapter{result: coverage.ProviderResult{
		Status:       coverage.StatusHit,
		Technologies: []coverage.Technology{coverage.TechFibre},
	}}
	srv := httptest.NewServer(newTestServer(t, adapter, nil, nil).Handler())
	defer srv.Close()

	_, err := http.Get(srv.URL + "/v1/coverage/resolve?lat=-26.2&lon=28.04")
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/v1/coverage/cache/stats")
	require.NoError(t, err)
	var stats cache.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	require.Equal(t, 1, stats.Entries)

	resp, err = http.Post(srv.URL+"/v1/coverage/cache/flush", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/v1/coverage/cache/stats")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	require.Equal(t, 0, stats.Entries)
}

func TestHealthz(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t, fixedAdapter{}, nil, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	require.Equal(t, "ok", health.Status)
	require.Equal(t, 1, health.Providers)
}
