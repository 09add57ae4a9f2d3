// Package weatherflow provides the core runtime for orchestrating
// city-targeted weather queries against an upstream provider.
package weatherflow

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/windcrest/weatherflow/internal/eventbus"
)

// Engine is the main entry point into the weatherflow runtime. It wires
// the city resolver, snapshot cache and weather provider behind a state
// machine that drives each query from raw text to a final answer.
type Engine struct {
	// Core components
	resolver    CityResolver
	cache       SnapshotCache
	provider    WeatherProvider
	interpreter Interpreter
	formatter   Formatter
	eventBus    eventbus.EventBus

	// Configuration
	config Config

	// Async processing
	asyncQueries      map[string]*QueryContext
	asyncQueriesMutex sync.RWMutex
}

// Config holds the configuration options for the Engine.
type Config struct {
	// Maximum number of concurrent provider fetches
	MaxConcurrentFetches int

	// Retry configuration for provider calls
	MaxRetries     int
	RetryBaseDelay time.Duration

	// Per-attempt provider timeout
	RequestTimeout time.Duration

	// Cache freshness per query kind
	LiveTTL     time.Duration
	ForecastTTL time.Duration

	// Maximum resident cache entries before LRU eviction
	CacheMaxEntries int

	// City search result cap
	SearchLimit int

	// Forecast day clamping
	ForecastDefaultDays int
	ForecastMaxDays     int

	// Event bus configuration
	EnableEventBus      bool
	EventBusBufferSize  int
	EventBusWorkerCount int
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentFetches: 5,
		MaxRetries:           3,
		RetryBaseDelay:       time.Second,
		RequestTimeout:       time.Second * 30,
		LiveTTL:              time.Minute * 10,
		ForecastTTL:          time.Hour,
		CacheMaxEntries:      1000,
		SearchLimit:          10,
		ForecastDefaultDays:  3,
		ForecastMaxDays:      7,
		EnableEventBus:       true,
		EventBusBufferSize:   100,
		EventBusWorkerCount:  5,
	}
}

// Option is a function that configures an Engine instance.
type Option func(*Engine)

// WithConfig sets the engine configuration.
func WithConfig(config Config) Option {
	return func(e *Engine) {
		e.config = config
	}
}

// WithResolver sets the city resolver component.
func WithResolver(resolver CityResolver) Option {
	return func(e *Engine) {
		e.resolver = resolver
	}
}

// WithCache sets the snapshot cache component.
func WithCache(cache SnapshotCache) Option {
	return func(e *Engine) {
		e.cache = cache
	}
}

// WithProvider sets the weather provider component.
func WithProvider(provider WeatherProvider) Option {
	return func(e *Engine) {
		e.provider = provider
	}
}

// WithInterpreter sets the query interpreter component.
func WithInterpreter(interpreter Interpreter) Option {
	return func(e *Engine) {
		e.interpreter = interpreter
	}
}

// WithFormatter sets the answer formatter component.
func WithFormatter(formatter Formatter) Option {
	return func(e *Engine) {
		e.formatter = formatter
	}
}

// New creates a new Engine with the provided options.
func New(ctx context.Context, options ...Option) (*Engine, error) {
	e := &Engine{
		config:       DefaultConfig(),
		asyncQueries: make(map[string]*QueryContext),
	}

	for _, option := range options {
		option(e)
	}

	// Validate required components
	if e.resolver == nil {
		return nil, NewConfigurationError("city resolver is required", nil)
	}

	if e.cache == nil {
		return nil, NewConfigurationError("snapshot cache is required", nil)
	}

	if e.provider == nil {
		return nil, NewConfigurationError("weather provider is required", nil)
	}

	// Initialize event bus if enabled but not provided
	if e.config.EnableEventBus && e.eventBus == nil {
		e.eventBus = eventbus.NewChannelEventBus(
			eventbus.WithBufferSize(e.config.EventBusBufferSize),
			eventbus.WithWorkerCount(e.config.EventBusWorkerCount),
		)
		log.Printf("Initialized default channel-based event bus")
	}

	return e, nil
}

// Close releases engine resources, including the event bus workers.
func (e *Engine) Close() error {
	if e.eventBus != nil {
		return e.eventBus.Close()
	}
	return nil
}

// Config returns a copy of the engine configuration.
func (e *Engine) Config() Config {
	return e.config
}

// CacheStats reports the snapshot cache counters.
func (e *Engine) CacheStats() CacheStats {
	return e.cache.Stats()
}

// Process handles an end-to-end query execution through the engine
// using a pushdown automaton state machine approach.
func (e *Engine) Process(ctx context.Context, query string) (string, error) {
	if e.interpreter == nil {
		return "", NewConfigurationError("no interpreter configured, use the tool surface instead", nil)
	}

	stateMachine := e.createStateMachine()
	queryContext := NewQueryContext(query)

	return stateMachine.Execute(ctx, queryContext)
}

// createStateMachine builds a state machine with all transitions for the
// query workflow.
func (e *Engine) createStateMachine() *StateMachine {
	var eventBus eventbus.EventBus
	if e.config.EnableEventBus {
		eventBus = e.eventBus
	}

	components := EngineComponents{
		Resolver:    e.resolver,
		Cache:       e.cache,
		Provider:    e.provider,
		Interpreter: e.interpreter,
		Formatter:   e.formatter,
		Config:      e.config,
	}

	return CreateQueryStateMachine(components, eventBus)
}

// ProcessAsync starts an asynchronous query execution.
// It returns a unique query ID that can be used to check the status or
// fetch the result.
func (e *Engine) ProcessAsync(ctx context.Context, query string) (string, error) {
	if e.interpreter == nil {
		return "", NewConfigurationError("no interpreter configured, use the tool surface instead", nil)
	}

	queryID := uuid.New().String()

	stateMachine := e.createStateMachine()
	queryContext := NewQueryContext(query)

	// Detach from the caller's context; cancellation happens through
	// CancelAsyncQuery. The cancel hook is installed before the context
	// is published in the async map.
	asyncCtx, cancel := context.WithCancel(context.Background())
	queryContext.StateData["cancel"] = cancel

	e.asyncQueriesMutex.Lock()
	e.asyncQueries[queryID] = queryContext
	e.asyncQueriesMutex.Unlock()

	if e.config.EnableEventBus && e.eventBus != nil {
		startEvent := eventbus.NewEvent(
			eventbus.EventQueryAsyncStarted,
			query,
			"Engine.ProcessAsync",
			map[string]interface{}{
				"timestamp": time.Now().Format(time.RFC3339),
				"query_id":  queryID,
			},
		)
		e.eventBus.Publish(ctx, startEvent)
	}

	go func() {
		defer cancel()

		// Execute leaves the context in a terminal state with the
		// answer and any error recorded; nothing to patch up here.
		_, err := stateMachine.Execute(asyncCtx, queryContext)

		if e.config.EnableEventBus && e.eventBus != nil {
			eventType := eventbus.EventQueryAsyncSuccess
			metadata := map[string]interface{}{
				"query_id":    queryID,
				"duration_ms": queryContext.GetTotalDuration().Milliseconds(),
			}

			if err != nil {
				_, stage := queryContext.Failure()
				eventType = eventbus.EventQueryAsyncFailure
				metadata["error"] = err.Error()
				metadata["error_stage"] = stage
			}

			completionEvent := eventbus.NewEvent(
				eventType,
				query,
				"Engine.ProcessAsync",
				metadata,
			)
			// Use a background context since the original may be done.
			e.eventBus.Publish(context.Background(), completionEvent)
		}
	}()

	return queryID, nil
}

// resolveOne resolves city text and requires exactly one match.
func (e *Engine) resolveOne(ctx context.Context, stage, city string) (CityRecord, error) {
	candidates, err := e.resolver.Resolve(ctx, city)
	if err != nil {
		return CityRecord{}, err
	}
	if len(candidates) > 1 {
		return CityRecord{}, NewCityAmbiguousError(stage, city, candidates)
	}
	if len(candidates) == 0 {
		// Resolvers report this themselves; guard against foreign
		// implementations returning an empty slice.
		return CityRecord{}, NewCityNotFoundError(stage, city)
	}
	return candidates[0], nil
}

// fetchViaCache runs a provider fetch through the snapshot cache.
func (e *Engine) fetchViaCache(ctx context.Context, adcode string, kind QueryKind) (*WeatherSnapshot, error) {
	return e.cache.GetOrFetch(ctx, adcode, kind, func(fetchCtx context.Context) (*WeatherSnapshot, error) {
		return e.provider.Fetch(fetchCtx, adcode, kind)
	})
}

var _ ToolBackend = (*Engine)(nil)

// GetWeather resolves the city and returns its current or forecast
// weather.
func (e *Engine) GetWeather(ctx context.Context, city string, kind QueryKind) (*WeatherReport, error) {
	if city == "" {
		return nil, NewValidationError("get_weather", "city must not be empty", nil)
	}
	if kind == "" {
		kind = KindLive
	}
	if !kind.Valid() {
		return nil, NewValidationError("get_weather", fmt.Sprintf("unknown weather type '%s'", kind), nil)
	}

	record, err := e.resolveOne(ctx, "get_weather", city)
	if err != nil {
		return nil, err
	}

	snapshot, err := e.fetchViaCache(ctx, record.Adcode, kind)
	if err != nil {
		return nil, err
	}

	return &WeatherReport{
		City:      record,
		Kind:      kind,
		Live:      snapshot.Live,
		Forecast:  snapshot.Forecast,
		FetchedAt: snapshot.FetchedAt,
	}, nil
}

// ListCities returns up to limit records from the division dataset. It
// backs the read-only cities resource on the dispatch surface.
func (e *Engine) ListCities(ctx context.Context, limit int) ([]CityRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	records := e.resolver.Records()
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// SearchCity returns up to limit candidate records for the query text.
func (e *Engine) SearchCity(ctx context.Context, query string, limit int) ([]CityRecord, error) {
	if query == "" {
		return nil, NewValidationError("search_city", "query must not be empty", nil)
	}
	if limit <= 0 || limit > e.config.SearchLimit {
		limit = e.config.SearchLimit
	}

	candidates, err := e.resolver.Resolve(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// GetWeatherForecast resolves the city and returns a forecast clamped to
// the requested number of days.
func (e *Engine) GetWeatherForecast(ctx context.Context, city string, days int) (*ForecastReport, error) {
	if city == "" {
		return nil, NewValidationError("get_weather_forecast", "city must not be empty", nil)
	}
	if days < 0 {
		return nil, NewValidationError("get_weather_forecast", fmt.Sprintf("days must be positive, got %d", days), nil)
	}
	if days == 0 {
		days = e.config.ForecastDefaultDays
	}
	if e.config.ForecastMaxDays > 0 && days > e.config.ForecastMaxDays {
		days = e.config.ForecastMaxDays
	}

	record, err := e.resolveOne(ctx, "get_weather_forecast", city)
	if err != nil {
		return nil, err
	}

	snapshot, err := e.fetchViaCache(ctx, record.Adcode, KindForecast)
	if err != nil {
		return nil, err
	}

	forecast := snapshot.Forecast
	if days < len(forecast) {
		forecast = forecast[:days]
	}

	return &ForecastReport{
		City:      record,
		Days:      len(forecast),
		Forecast:  forecast,
		FetchedAt: snapshot.FetchedAt,
	}, nil
}
