package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/circletel/coverage-engine/internal/cache"
	"github.com/circletel/coverage-engine/internal/coverage"
	"github.com/circletel/coverage-engine/internal/geocode"
	"github.com/circletel/coverage-engine/internal/geometry"
	"github.com/circletel/coverage-engine/internal/provider"
	"github.com/circletel/coverage-engine/internal/recommend"
	"github.com/circletel/coverage-engine/internal/resolver"
)

// Server exposes the resolution engine over HTTP. The wire format is owned
// here; the engine itself only speaks coordinates and results.
type Server struct {
	engine   *resolver.Engine
	store    cache.Store
	registry *provider.Registry
	index    *geometry.Index
	geocoder geocode.Geocoder
	catalog  *recommend.Catalog
	logger   zerolog.Logger
	started  time.Time
}

// NewServer wires the HTTP surface. The geocoder and catalog are optional.
func NewServer(engine *resolver.Engine, store cache.Store, registry *provider.Registry, index *geometry.Index, geocoder geocode.Geocoder, catalog *recommend.Catalog, logger zerolog.Logger) *Server {
	return &Server{
		engine:   engine,
		store:    store,
		registry: registry,
		index:    index,
		geocoder: geocoder,
		catalog:  catalog,
		logger:   logger.With().Str("component", "api").Logger(),
		started:  time.Now(),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/coverage/resolve", s.handleResolvePost)
	mux.HandleFunc("GET /v1/coverage/resolve", s.handleResolveGet)
	mux.HandleFunc("GET /v1/coverage/cache/stats", s.handleCacheStats)
	mux.HandleFunc("POST /v1/coverage/cache/flush", s.handleCacheFlush)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

type resolveRequest struct {
	Lat          *float64 `json:"lat,omitempty"`
	Lon          *float64 `json:"lon,omitempty"`
	Address      string   `json:"address,omitempty"`
	Technologies []string `json:"technologies,omitempty"`
	MaxProducts  int      `json:"maxProducts,omitempty"`
}

type resolveResponse struct {
	coverage.Result
	Location        *geocode.Location   `json:"location,omitempty"`
	Recommendations []recommend.Product `json:"recommendations,omitempty"`
}

func (s *Server) handleResolvePost(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	s.resolve(w, r, req)
}

func (s *Server) handleResolveGet(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	query := r.URL.Query()
	if raw := query.Get("lat"); raw != "" {
		lat, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid lat")
			return
		}
		req.Lat = &lat
	}
	if raw := query.Get("lon"); raw != "" {
		lon, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid lon")
			return
		}
		req.Lon = &lon
	}
	req.Address = query.Get("address")
	if raw := query.Get("technologies"); raw != "" {
		req.Technologies = strings.Split(raw, ",")
	}
	if raw := query.Get("maxProducts"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid maxProducts")
			return
		}
		req.MaxProducts = n
	}
	s.resolve(w, r, req)
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request, req resolveRequest) {
	techs := coverage.TechSet{}
	for _, raw := range req.Technologies {
		tech, ok := coverage.ParseTechnology(raw)
		if !ok {
			s.writeError(w, http.StatusBadRequest, "unknown technology "+strconv.Quote(raw))
			return
		}
		techs.Add(tech)
	}

	var location *geocode.Location
	var coord coverage.Coordinate
	switch {
	case req.Lat != nil && req.Lon != nil:
		coord = coverage.Coordinate{Lat: *req.Lat, Lon: *req.Lon}
	case req.Address != "":
		if s.geocoder == nil {
			s.writeError(w, http.StatusBadRequest, "address lookups are not configured")
			return
		}
		loc, err := s.geocoder.Geocode(r.Context(), req.Address)
		if err != nil {
			if errors.Is(err, geocode.ErrNotFound) {
				s.writeError(w, http.StatusNotFound, "address not found")
				return
			}
			s.logger.Error().Err(err).Msg("geocoding failed")
			s.writeError(w, http.StatusBadGateway, "geocoding failed")
			return
		}
		location = &loc
		coord = loc.Coordinate
	default:
		s.writeError(w, http.StatusBadRequest, "either lat/lon or address is required")
		return
	}

	result, err := s.engine.Resolve(r.Context(), coverage.Query{Coordinate: coord, Technologies: techs})
	if err != nil {
		switch {
		case errors.Is(err, coverage.ErrInvalidQuery):
			s.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, resolver.ErrResolutionExhausted):
			s.writeError(w, http.StatusServiceUnavailable, "could not determine coverage")
		default:
			s.logger.Error().Err(err).Msg("resolution failed")
			s.writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	response := resolveResponse{Result: result, Location: location}
	if s.catalog != nil {
		limit := req.MaxProducts
		if limit <= 0 {
			limit = 5
		}
		response.Recommendations = s.catalog.For(result, limit)
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.Stats())
}

func (s *Server) handleCacheFlush(w http.ResponseWriter, r *http.Request) {
	s.store.Flush(r.Context())
	s.logger.Info().Msg("resolution cache flushed by operator")
	s.writeJSON(w, http.StatusOK, map[string]bool{"flushed": true})
}

type healthResponse struct {
	Status    string         `json:"status"`
	Providers int            `json:"providers"`
	Polygons  map[string]int `json:"polygons,omitempty"`
	UptimeS   int64          `json:"uptimeSeconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Providers: s.registry.Current().Len(),
		Polygons:  s.index.PolygonCount(),
		UptimeS:   int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error().Err(err).Msg("encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// Run serves until the context ends, then shuts down gracefully within the
// given timeout.
func (s *Server) Run(ctx context.Context, listen string, readTimeout, writeTimeout, shutdownTimeout time.Duration) error {
	server := &http.Server{
		Addr:         listen,
		Handler:      s.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	s.logger.Info().Str("listen", listen).Msg("http server started")
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	return nil
}
