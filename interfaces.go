package weatherflow

import "context"

// CityResolver maps user-facing city text and adcodes onto dataset records.
type CityResolver interface {
	// Resolve matches free-form city text against the division dataset.
	// The returned slice is ordered best-first and never exceeds the
	// resolver's configured limit. An empty result is reported as a
	// CityNotFound error, never as (nil, nil).
	Resolve(ctx context.Context, query string) ([]CityRecord, error)

	// ResolveExact looks up a record by its exact adcode.
	ResolveExact(ctx context.Context, adcode string) (CityRecord, error)

	// Records returns the dataset in load order. Callers must not
	// mutate the returned slice.
	Records() []CityRecord
}

// FetchFunc produces a fresh snapshot when the cache has none. The cache
// decides when to invoke it and shares one invocation among concurrent
// callers of the same key.
type FetchFunc func(ctx context.Context) (*WeatherSnapshot, error)

// SnapshotCache stores weather snapshots keyed by (adcode, kind).
type SnapshotCache interface {
	// GetOrFetch returns a fresh cached snapshot, or invokes fetch and
	// caches its result. Concurrent callers for the same key share a
	// single fetch and receive the same outcome.
	GetOrFetch(ctx context.Context, adcode string, kind QueryKind, fetch FetchFunc) (*WeatherSnapshot, error)

	// Stats reports hit/miss/eviction counters.
	Stats() CacheStats
}

// WeatherProvider fetches weather data from the upstream service.
type WeatherProvider interface {
	Fetch(ctx context.Context, adcode string, kind QueryKind) (*WeatherSnapshot, error)
}

// Interpreter turns a free-form weather question into a structured intent.
type Interpreter interface {
	Interpret(ctx context.Context, query string) (*Intent, error)
}

// Formatter renders a resolved city and its snapshot into a user-facing
// answer.
type Formatter interface {
	Format(ctx context.Context, intent *Intent, city CityRecord, snapshot *WeatherSnapshot) (string, error)
}

// ToolBackend is the operation surface served over the dispatch channel.
// Engine implements it; tests substitute fakes.
type ToolBackend interface {
	GetWeather(ctx context.Context, city string, kind QueryKind) (*WeatherReport, error)
	SearchCity(ctx context.Context, query string, limit int) ([]CityRecord, error)
	GetWeatherForecast(ctx context.Context, city string, days int) (*ForecastReport, error)

	// ListCities backs the read-only cities resource.
	ListCities(ctx context.Context, limit int) ([]CityRecord, error)
}
