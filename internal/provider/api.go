package provider

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/circletel/coverage-engine/internal/coverage"
	"github.com/circletel/coverage-engine/internal/ratelimit"
	"github.com/circletel/coverage-engine/internal/remote"
)

// Adapter answers one coverage lookup for one provider.
type Adapter interface {
	Query(ctx context.Context, rec Record, coord coverage.Coordinate) coverage.ProviderResult
}

// apiResponse is the wire shape of the carrier coverage checkers. The field
// set follows the MTN/DFA checker endpoints the original platform consumed.
type apiResponse struct {
	Available    bool     `json:"available"`
	Technologies []string `json:"technologies"`
	Signal       string   `json:"signal"`
	Confidence   int      `json:"confidence"`
	AreaID       string   `json:"areaId"`
}

// APIAdapter performs live lookups with per-provider rate limiting, timeout
// and bounded retry. It does not cache; caching is the engine's job so cache
// keys can be shared across providers.
type APIAdapter struct {
	limiter ratelimit.Limiter
	logger  zerolog.Logger

	mu      sync.Mutex
	clients map[string]*remote.Client
}

// NewAPIAdapter builds the adapter for live providers.
func NewAPIAdapter(limiter ratelimit.Limiter, logger zerolog.Logger) *APIAdapter {
	return &APIAdapter{
		limiter: limiter,
		logger:  logger.With().Str("component", "api_adapter").Logger(),
		clients: make(map[string]*remote.Client),
	}
}

// Query runs one live lookup. Every attempt is bounded by the smaller of the
// provider timeout and the remaining query deadline; retries stop as soon as
// the deadline cannot absorb the next backoff.
func (a *APIAdapter) Query(ctx context.Context, rec Record, coord coverage.Coordinate) coverage.ProviderResult {
	start := time.Now()
	result := coverage.ProviderResult{ProviderID: rec.ID}

	if !a.limiter.Allow(ctx, rec.ID, rec.API.RateLimitRPM) {
		result.Status = coverage.StatusRateLimited
		result.LatencyMS = time.Since(start).Milliseconds()
		return result
	}

	policy := remote.Policy{MaxRetries: rec.API.MaxRetries, Delay: rec.API.RetryDelay}
	client := a.clientFor(rec)
	endpoint := fmt.Sprintf("%s/coverage?lat=%s&lon=%s",
		strings.TrimRight(rec.API.BaseURL, "/"),
		url.QueryEscape(fmt.Sprintf("%.6f", coord.Lat)),
		url.QueryEscape(fmt.Sprintf("%.6f", coord.Lon)))

	var lastErr error
	for attempt := 0; attempt < policy.Attempts(); attempt++ {
		if attempt > 0 && !policy.Sleep(ctx, attempt) {
			break
		}
		var payload apiResponse
		err := func() error {
			callCtx, cancel := context.WithTimeout(ctx, rec.API.Timeout)
			defer cancel()
			return client.GetJSON(callCtx, endpoint, &payload)
		}()
		if err == nil {
			a.fill(&result, rec, payload)
			result.LatencyMS = time.Since(start).Milliseconds()
			return result
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		a.logger.Debug().Err(err).Str("provider", rec.ID).Int("attempt", attempt+1).Msg("coverage lookup attempt failed")
	}

	result.LatencyMS = time.Since(start).Milliseconds()
	result.Status = coverage.StatusError
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(lastErr, context.DeadlineExceeded) {
		result.Status = coverage.StatusTimeout
	}
	if lastErr != nil {
		result.Err = lastErr.Error()
	} else if ctx.Err() != nil {
		result.Err = ctx.Err().Error()
	}
	return result
}

// fill translates the upstream payload into a provider result. Unknown
// technology labels are dropped with a warning rather than failing the
// lookup; a nominally available answer without any recognised technology is
// recorded as a miss so it cannot become the primary provider.
func (a *APIAdapter) fill(result *coverage.ProviderResult, rec Record, payload apiResponse) {
	if !payload.Available {
		result.Status = coverage.StatusMiss
		return
	}
	techs := coverage.TechSet{}
	for _, raw := range payload.Technologies {
		tech, ok := coverage.ParseTechnology(raw)
		if !ok {
			a.logger.Warn().Str("provider", rec.ID).Str("technology", raw).Msg("dropping unknown technology label")
			continue
		}
		techs.Add(tech)
	}
	if techs.Empty() {
		result.Status = coverage.StatusMiss
		return
	}
	result.Status = coverage.StatusHit
	result.Technologies = techs.List()
	result.MatchedAreaID = payload.AreaID
	result.Signal = parseSignal(payload.Signal)
	result.Confidence = payload.Confidence
}

func (a *APIAdapter) clientFor(rec Record) *remote.Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	if client, ok := a.clients[rec.ID]; ok {
		return client
	}
	client := remote.NewClient(rec.API.Timeout, rec.API.Spacing)
	a.clients[rec.ID] = client
	return client
}

func parseSignal(raw string) coverage.Signal {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "excellent":
		return coverage.SignalExcellent
	case "good", "":
		return coverage.SignalGood
	case "fair":
		return coverage.SignalFair
	case "poor":
		return coverage.SignalPoor
	default:
		return coverage.SignalNone
	}
}
