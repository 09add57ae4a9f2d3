package weatherflow

import (
	"encoding/json"
	"time"
)

// Level classifies an administrative division record.
type Level string

const (
	// LevelProvince covers provinces, municipalities, autonomous regions
	// and special administrative regions.
	LevelProvince Level = "province"
	// LevelCity covers prefecture-level cities and municipal urban areas.
	LevelCity Level = "city"
	// LevelDistrict covers districts and counties.
	LevelDistrict Level = "district"
)

// Specificity orders levels so district beats city beats province when
// match candidates tie.
func (l Level) Specificity() int {
	switch l {
	case LevelDistrict:
		return 3
	case LevelCity:
		return 2
	case LevelProvince:
		return 1
	default:
		return 0
	}
}

// QueryKind selects which weather product a query asks for.
type QueryKind string

const (
	// KindLive requests current observed conditions.
	KindLive QueryKind = "live"
	// KindForecast requests the multi-day forecast.
	KindForecast QueryKind = "forecast"
)

// Valid reports whether the kind is one of the two known products.
func (k QueryKind) Valid() bool {
	return k == KindLive || k == KindForecast
}

// CityRecord is one entry of the administrative division dataset.
type CityRecord struct {
	Name         string `json:"name"`
	Adcode       string `json:"adcode"`
	Citycode     string `json:"citycode,omitempty"`
	Province     string `json:"province"`
	Level        Level  `json:"level"`
	ParentAdcode string `json:"parent_adcode,omitempty"`
}

// LiveConditions holds normalized current weather observations.
type LiveConditions struct {
	Condition     string `json:"condition"`
	Temperature   int    `json:"temperature"`
	Humidity      int    `json:"humidity"`
	WindDirection string `json:"wind_direction"`
	WindPower     string `json:"wind_power"`
	ReportTime    string `json:"report_time"`
}

// ForecastDay holds one normalized day of the forecast.
type ForecastDay struct {
	Date           string `json:"date"`
	Week           string `json:"week"`
	DayCondition   string `json:"day_condition"`
	NightCondition string `json:"night_condition"`
	DayTemp        int    `json:"day_temp"`
	NightTemp      int    `json:"night_temp"`
	DayWind        string `json:"day_wind"`
	NightWind      string `json:"night_wind"`
	DayPower       string `json:"day_power"`
	NightPower     string `json:"night_power"`
}

// WeatherSnapshot is the cacheable result of one provider fetch.
// Exactly one of Live or Forecast is populated, matching Kind.
type WeatherSnapshot struct {
	Adcode   string          `json:"adcode"`
	Kind     QueryKind       `json:"kind"`
	Province string          `json:"province"`
	City     string          `json:"city"`
	Live     *LiveConditions `json:"live,omitempty"`
	Forecast []ForecastDay   `json:"forecast,omitempty"`

	FetchedAt time.Time `json:"fetched_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the snapshot is stale at the given instant.
func (s *WeatherSnapshot) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Intent is the structured reading of a free-form weather question.
type Intent struct {
	// City is the city-ish text extracted from the question. It still
	// needs resolution against the division dataset.
	City string    `json:"city"`
	Kind QueryKind `json:"kind"`
	// Days is only meaningful for forecast intents. Zero means the
	// configured default.
	Days int `json:"days,omitempty"`
}

// WeatherReport is the payload returned by the get_weather operation.
type WeatherReport struct {
	City      CityRecord      `json:"city"`
	Kind      QueryKind       `json:"type"`
	Live      *LiveConditions `json:"live,omitempty"`
	Forecast  []ForecastDay   `json:"forecast,omitempty"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// ForecastReport is the payload returned by the get_weather_forecast
// operation.
type ForecastReport struct {
	City      CityRecord    `json:"city"`
	Days      int           `json:"days"`
	Forecast  []ForecastDay `json:"forecast"`
	FetchedAt time.Time     `json:"fetched_at"`
}

// ToolCall is one request frame on the dispatch channel.
type ToolCall struct {
	ID   uint64          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolError is the structured error half of a ToolResult.
type ToolError struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Code    string      `json:"code"`
	Details interface{} `json:"details,omitempty"`
}

// ToolResult is one response frame on the dispatch channel. Exactly one
// of Payload or Error is set. ID mirrors the originating ToolCall; it
// is absent only on connection-scoped protocol errors that cannot be
// tied to a call.
type ToolResult struct {
	ID      *uint64         `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ToolError      `json:"error,omitempty"`
}

// CacheStats is a point-in-time view of cache effectiveness counters.
type CacheStats struct {
	Entries   int    `json:"entries"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}
