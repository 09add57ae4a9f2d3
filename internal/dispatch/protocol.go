// Package dispatch serves the typed tool protocol over a bidirectional
// byte stream using newline-delimited JSON frames.
package dispatch

import (
	"encoding/json"

	weatherflow "github.com/windcrest/weatherflow"
)

// Protocol frame types.
const (
	frameHello    = "hello"
	frameReady    = "ready"
	frameCall     = "call"
	frameResult   = "result"
	frameResource = "resource"
	frameShutdown = "shutdown"
)

// ProtocolVersion identifies the frame layout spoken by this server.
const ProtocolVersion = "1.0"

// inboundFrame is the superset of fields a client may send. Type
// selects which of the remaining fields are meaningful.
type inboundFrame struct {
	Type string `json:"type"`

	// hello fields
	Client  string `json:"client,omitempty"`
	Version string `json:"version,omitempty"`

	// call fields
	ID   *uint64         `json:"id,omitempty"`
	Name string          `json:"name,omitempty"`
	Args json.RawMessage `json:"args,omitempty"`

	// resource fields
	URI string `json:"uri,omitempty"`
}

// readyFrame acknowledges the handshake and advertises the operation
// set plus the read-only resources.
type readyFrame struct {
	Type      string           `json:"type"`
	Server    string           `json:"server"`
	Version   string           `json:"version"`
	Tools     []ToolSchema     `json:"tools"`
	Resources []ResourceSchema `json:"resources"`
}

// resultFrame carries one ToolResult back to the client.
type resultFrame struct {
	Type string `json:"type"`
	weatherflow.ToolResult
}

// ParamSchema describes one declared operation parameter.
type ParamSchema struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Required    bool        `json:"required"`
	Description string      `json:"description"`
	Default     interface{} `json:"default,omitempty"`
}

// ToolSchema describes one operation in the closed operation set.
type ToolSchema struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Params      []ParamSchema `json:"params"`
}

// ResourceSchema describes one read-only resource.
type ResourceSchema struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MimeType    string `json:"mime_type"`
}

// Operation names in the closed set.
const (
	OpGetWeather         = "get_weather"
	OpSearchCity         = "search_city"
	OpGetWeatherForecast = "get_weather_forecast"
)

// Read-only resource URIs.
const (
	ResourceCities  = "weather://cities"
	ResourceAPIInfo = "weather://api-info"
)

// citiesResourceLimit caps how many records the cities resource returns.
const citiesResourceLimit = 100

// Registry returns the declared schemas for every served operation.
// Clients receive this list in the ready frame; calls naming anything
// else are protocol errors.
func Registry() []ToolSchema {
	return []ToolSchema{
		{
			Name:        OpGetWeather,
			Description: "Get current or forecast weather for a city",
			Params: []ParamSchema{
				{Name: "city", Type: "string", Required: true, Description: "City name or adcode"},
				{Name: "type", Type: "string", Required: false, Description: "Weather type: live or forecast", Default: "live"},
			},
		},
		{
			Name:        OpSearchCity,
			Description: "Search the administrative division dataset for matching cities",
			Params: []ParamSchema{
				{Name: "query", Type: "string", Required: true, Description: "City name fragment or adcode"},
				{Name: "limit", Type: "integer", Required: false, Description: "Maximum number of candidates", Default: 10},
			},
		},
		{
			Name:        OpGetWeatherForecast,
			Description: "Get a multi-day weather forecast for a city",
			Params: []ParamSchema{
				{Name: "city", Type: "string", Required: true, Description: "City name or adcode"},
				{Name: "days", Type: "integer", Required: false, Description: "Number of forecast days (1-7)", Default: 3},
			},
		},
	}
}

// ResourceRegistry returns the declared schemas for every served
// read-only resource.
func ResourceRegistry() []ResourceSchema {
	return []ResourceSchema{
		{
			URI:         ResourceCities,
			Name:        "城市列表",
			Description: "Supported administrative divisions",
			MimeType:    "application/json",
		},
		{
			URI:         ResourceAPIInfo,
			Name:        "API信息",
			Description: "Upstream weather API capabilities and limits",
			MimeType:    "application/json",
		},
	}
}

// Argument shapes for each operation.

type getWeatherArgs struct {
	City string `json:"city"`
	Type string `json:"type,omitempty"`
}

type searchCityArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type forecastArgs struct {
	City string `json:"city"`
	Days int    `json:"days,omitempty"`
}
