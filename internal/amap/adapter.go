package amap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	weatherflow "github.com/windcrest/weatherflow"
	"github.com/windcrest/weatherflow/internal/eventbus"
	"github.com/windcrest/weatherflow/internal/metrics"
)

// Adapter fetches weather snapshots from the AMap REST service with
// per-attempt timeouts, bounded retries, a circuit breaker and a cap on
// concurrent upstream calls.
type Adapter struct {
	key     string
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
	bus     eventbus.EventBus

	// sem bounds in-flight upstream requests
	sem chan struct{}

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	timeout     time.Duration
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithBaseURL overrides the upstream endpoint, used by tests.
func WithBaseURL(baseURL string) AdapterOption {
	return func(a *Adapter) {
		a.baseURL = baseURL
	}
}

// WithHTTPClient substitutes the HTTP client.
func WithHTTPClient(client *http.Client) AdapterOption {
	return func(a *Adapter) {
		a.client = client
	}
}

// WithMaxAttempts sets the total number of attempts per fetch.
func WithMaxAttempts(attempts int) AdapterOption {
	return func(a *Adapter) {
		if attempts > 0 {
			a.maxAttempts = attempts
		}
	}
}

// WithRetryDelay sets the backoff base and cap.
func WithRetryDelay(base, max time.Duration) AdapterOption {
	return func(a *Adapter) {
		if base > 0 {
			a.baseDelay = base
		}
		if max > 0 {
			a.maxDelay = max
		}
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(timeout time.Duration) AdapterOption {
	return func(a *Adapter) {
		if timeout > 0 {
			a.timeout = timeout
		}
	}
}

// WithConcurrency bounds the number of simultaneous upstream calls.
func WithConcurrency(limit int) AdapterOption {
	return func(a *Adapter) {
		if limit > 0 {
			a.sem = make(chan struct{}, limit)
		}
	}
}

// WithLogger sets the adapter logger.
func WithLogger(logger *slog.Logger) AdapterOption {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// WithEventBus publishes fetch retry events to the bus.
func WithEventBus(bus eventbus.EventBus) AdapterOption {
	return func(a *Adapter) {
		a.bus = bus
	}
}

// NewAdapter creates an adapter for the given API key.
func NewAdapter(key string, options ...AdapterOption) (*Adapter, error) {
	if key == "" {
		return nil, weatherflow.NewConfigurationError("amap api key is required", nil)
	}

	a := &Adapter{
		key:         key,
		baseURL:     defaultBaseURL,
		client:      &http.Client{},
		logger:      slog.Default(),
		sem:         make(chan struct{}, 5),
		maxAttempts: 3,
		baseDelay:   time.Second,
		maxDelay:    time.Second * 10,
		timeout:     time.Second * 30,
	}

	for _, option := range options {
		option(a)
	}

	a.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "amap-weather",
		Timeout: time.Second * 30,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})

	return a, nil
}

var _ weatherflow.WeatherProvider = (*Adapter)(nil)

// Fetch retrieves the snapshot for (adcode, kind), retrying transient
// failures with exponential backoff until the attempt budget runs out.
// Permanent failures return immediately.
func (a *Adapter) Fetch(ctx context.Context, adcode string, kind weatherflow.QueryKind) (*weatherflow.WeatherSnapshot, error) {
	if !kind.Valid() {
		return nil, weatherflow.NewValidationError("fetch", "unknown query kind '"+string(kind)+"'", nil)
	}

	select {
	case a.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, weatherflow.NewTimeoutError("fetch", ctx.Err())
	}
	defer func() { <-a.sem }()

	var lastErr error

	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, weatherflow.NewTimeoutError("fetch", err)
		}

		snapshot, err := a.doAttempt(ctx, adcode, kind)
		if err == nil {
			metrics.ProviderSuccessTotal.Inc()
			return snapshot, nil
		}

		lastErr = err
		metrics.ProviderFailTotal.WithLabelValues(weatherflow.ErrCode(err)).Inc()

		if !weatherflow.IsTransient(err) {
			return nil, err
		}

		if attempt == a.maxAttempts {
			break
		}

		metrics.ProviderRetriesTotal.Inc()
		delay := a.backoffDelay(attempt)
		a.logger.Warn("retrying upstream weather request",
			"adcode", adcode,
			"kind", string(kind),
			"attempt", attempt,
			"delay", delay.String(),
			"error", err)

		if a.bus != nil {
			a.bus.Publish(ctx, eventbus.NewEvent(
				eventbus.EventWeatherFetchRetry,
				adcode,
				"AmapAdapter",
				map[string]interface{}{
					"kind":    string(kind),
					"attempt": attempt,
					"error":   err.Error(),
				},
			))
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, weatherflow.NewTimeoutError("fetch", ctx.Err())
		case <-timer.C:
		}
	}

	return nil, lastErr
}

// doAttempt performs one upstream request under the per-attempt timeout
// and the circuit breaker.
func (a *Adapter) doAttempt(ctx context.Context, adcode string, kind weatherflow.QueryKind) (*weatherflow.WeatherSnapshot, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	extensions := extensionsBase
	if kind == weatherflow.KindForecast {
		extensions = extensionsAll
	}

	params := url.Values{}
	params.Set("key", a.key)
	params.Set("city", adcode)
	params.Set("extensions", extensions)
	params.Set("output", "JSON")

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, a.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, weatherflow.NewInternalError("fetch", "failed to build upstream request", err)
	}

	metrics.ProviderRequestsTotal.Inc()
	started := time.Now()

	result, err := a.breaker.Execute(func() (interface{}, error) {
		resp, execErr := a.client.Do(req)
		if execErr != nil {
			return nil, execErr
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, weatherflow.NewRateLimitedError("fetch", "upstream returned 429", nil)
		}
		if resp.StatusCode >= 500 {
			return nil, weatherflow.NewProviderTransientError("fetch",
				fmt.Sprintf("upstream returned %d", resp.StatusCode), nil)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, weatherflow.NewProviderPermanentError("fetch",
				fmt.Sprintf("upstream returned %d", resp.StatusCode), nil)
		}

		var payload weatherResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&payload); decodeErr != nil {
			return nil, weatherflow.NewValidationError("fetch", "malformed provider response body", decodeErr)
		}
		return &payload, nil
	})

	metrics.ProviderDurationMs.Observe(float64(time.Since(started).Milliseconds()))

	if err != nil {
		return nil, a.classifyTransportError(err)
	}

	payload := result.(*weatherResponse)

	if payload.Status != statusOK || payload.Infocode != infocodeOK {
		return nil, classifyInfocode(payload.Infocode, payload.Info)
	}

	switch kind {
	case weatherflow.KindForecast:
		if len(payload.Forecasts) == 0 {
			return nil, weatherflow.NewValidationError("fetch", "provider response has no forecasts", nil)
		}
		return normalizeForecast(adcode, payload.Forecasts[0])
	default:
		if len(payload.Lives) == 0 {
			return nil, weatherflow.NewValidationError("fetch", "provider response has no lives", nil)
		}
		return normalizeLive(adcode, payload.Lives[0])
	}
}

// classifyTransportError maps breaker and transport failures onto the
// error taxonomy.
func (a *Adapter) classifyTransportError(err error) error {
	if _, ok := weatherflow.AsQueryError(err); ok {
		return err
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return weatherflow.NewProviderTransientError("fetch", "upstream circuit breaker open", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return weatherflow.NewTimeoutError("fetch", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return weatherflow.NewProviderTransientError("fetch", "upstream request failed", err)
}

// backoffDelay computes the exponential delay with jitter for the given
// attempt number (1-based).
func (a *Adapter) backoffDelay(attempt int) time.Duration {
	delay := a.baseDelay << (attempt - 1)
	if a.maxDelay > 0 && delay > a.maxDelay {
		delay = a.maxDelay
	}
	// Full jitter on the upper half keeps retries from aligning.
	half := delay / 2
	if half > 0 {
		delay = half + time.Duration(rand.Int63n(int64(half)+1))
	}
	return delay
}
