package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	weatherflow "github.com/windcrest/weatherflow"
	"github.com/windcrest/weatherflow/internal/metrics"
)

// decodeArgs strictly unmarshals call arguments, rejecting unknown
// fields so typos surface as validation errors instead of silent
// defaults.
func decodeArgs(name string, raw json.RawMessage, into interface{}) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return weatherflow.NewValidationError(name, "malformed arguments", err)
	}
	return nil
}

// handleCall executes one tool call against the backend and returns the
// correlated result frame.
func (s *Server) handleCall(ctx context.Context, call weatherflow.ToolCall) weatherflow.ToolResult {
	started := time.Now()
	metrics.ToolCallsTotal.WithLabelValues(call.Name).Inc()

	payload, err := s.invoke(ctx, call)

	metrics.ToolCallDurationMs.WithLabelValues(call.Name).Observe(float64(time.Since(started).Milliseconds()))

	if err != nil {
		metrics.ToolCallFailTotal.WithLabelValues(call.Name, weatherflow.ErrCode(err)).Inc()
		return weatherflow.ToolResult{ID: &call.ID, Error: toToolError(err)}
	}

	raw, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		internal := weatherflow.NewInternalError(call.Name, "failed to encode result payload", marshalErr)
		metrics.ToolCallFailTotal.WithLabelValues(call.Name, internal.Code).Inc()
		return weatherflow.ToolResult{ID: &call.ID, Error: toToolError(internal)}
	}

	return weatherflow.ToolResult{ID: &call.ID, Payload: raw}
}

// invoke routes the call to the backend operation named by the frame.
func (s *Server) invoke(ctx context.Context, call weatherflow.ToolCall) (interface{}, error) {
	switch call.Name {
	case OpGetWeather:
		var args getWeatherArgs
		if err := decodeArgs(call.Name, call.Args, &args); err != nil {
			return nil, err
		}
		kind := weatherflow.QueryKind(args.Type)
		if args.Type == "" {
			kind = weatherflow.KindLive
		}
		return s.backend.GetWeather(ctx, args.City, kind)

	case OpSearchCity:
		var args searchCityArgs
		if err := decodeArgs(call.Name, call.Args, &args); err != nil {
			return nil, err
		}
		candidates, err := s.backend.SearchCity(ctx, args.Query, args.Limit)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"candidates": candidates,
			"count":      len(candidates),
		}, nil

	case OpGetWeatherForecast:
		var args forecastArgs
		if err := decodeArgs(call.Name, call.Args, &args); err != nil {
			return nil, err
		}
		return s.backend.GetWeatherForecast(ctx, args.City, args.Days)

	default:
		return nil, weatherflow.NewProtocolError("dispatch", "unknown tool '"+call.Name+"'", nil)
	}
}

// handleResource serves one read-only resource request.
func (s *Server) handleResource(ctx context.Context, id uint64, uri string) weatherflow.ToolResult {
	var payload interface{}

	switch uri {
	case ResourceCities:
		cities, err := s.backend.ListCities(ctx, citiesResourceLimit)
		if err != nil {
			return weatherflow.ToolResult{ID: &id, Error: toToolError(err)}
		}
		payload = map[string]interface{}{
			"uri":    uri,
			"cities": cities,
			"count":  len(cities),
		}

	case ResourceAPIInfo:
		payload = map[string]interface{}{
			"uri":               uri,
			"api_provider":      "高德地图",
			"supported_types":   []string{string(weatherflow.KindLive), string(weatherflow.KindForecast)},
			"supported_regions": "中国大陆",
			"protocol_version":  ProtocolVersion,
		}

	default:
		err := weatherflow.NewValidationError("resource", "unknown resource '"+uri+"'", nil)
		return weatherflow.ToolResult{ID: &id, Error: toToolError(err)}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		internal := weatherflow.NewInternalError("resource", "failed to encode resource payload", err)
		return weatherflow.ToolResult{ID: &id, Error: toToolError(internal)}
	}
	return weatherflow.ToolResult{ID: &id, Payload: raw}
}

// toToolError serializes a pipeline error into the wire error shape.
func toToolError(err error) *weatherflow.ToolError {
	qe, ok := weatherflow.AsQueryError(err)
	if !ok {
		return &weatherflow.ToolError{
			Error:   "internal_error",
			Message: err.Error(),
			Code:    weatherflow.ErrCodeInternal,
		}
	}
	return &weatherflow.ToolError{
		Error:   strings.ToLower(qe.Code),
		Message: qe.Message,
		Code:    qe.Code,
		Details: qe.Details,
	}
}
