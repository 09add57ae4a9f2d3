package dispatch

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	weatherflow "github.com/windcrest/weatherflow"
)

// stubBackend serves canned answers and records which cities were asked
// about. A per-city delay makes ordering tests deterministic.
type stubBackend struct {
	mu     sync.Mutex
	calls  []string
	delays map[string]time.Duration
}

func (b *stubBackend) record(city string) {
	b.mu.Lock()
	b.calls = append(b.calls, city)
	b.mu.Unlock()
}

func (b *stubBackend) wait(ctx context.Context, city string) error {
	d, ok := b.delays[city]
	if !ok {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *stubBackend) GetWeather(ctx context.Context, city string, kind weatherflow.QueryKind) (*weatherflow.WeatherReport, error) {
	b.record(city)
	if err := b.wait(ctx, city); err != nil {
		return nil, err
	}
	if city == "亚特兰蒂斯" {
		return nil, weatherflow.NewCityNotFoundError("resolve", city)
	}
	if city == "鼓楼区" {
		return nil, weatherflow.NewCityAmbiguousError("resolve", city, []weatherflow.CityRecord{
			{Name: "鼓楼区", Adcode: "320106", Province: "江苏省", Level: weatherflow.LevelDistrict},
			{Name: "鼓楼区", Adcode: "350102", Province: "福建省", Level: weatherflow.LevelDistrict},
		})
	}
	return &weatherflow.WeatherReport{
		City: weatherflow.CityRecord{Name: city, Adcode: "110000"},
		Kind: kind,
		Live: &weatherflow.LiveConditions{Condition: "晴", Temperature: 25, Humidity: 40},
	}, nil
}

func (b *stubBackend) SearchCity(ctx context.Context, query string, limit int) ([]weatherflow.CityRecord, error) {
	b.record(query)
	return []weatherflow.CityRecord{{Name: query, Adcode: "110000"}}, nil
}

func (b *stubBackend) GetWeatherForecast(ctx context.Context, city string, days int) (*weatherflow.ForecastReport, error) {
	b.record(city)
	return &weatherflow.ForecastReport{
		City:     weatherflow.CityRecord{Name: city, Adcode: "110000"},
		Days:     days,
		Forecast: make([]weatherflow.ForecastDay, days),
	}, nil
}

func (b *stubBackend) ListCities(ctx context.Context, limit int) ([]weatherflow.CityRecord, error) {
	records := []weatherflow.CityRecord{
		{Name: "北京市", Adcode: "110000", Province: "北京市", Level: weatherflow.LevelProvince},
		{Name: "上海市", Adcode: "310000", Province: "上海市", Level: weatherflow.LevelProvince},
	}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

type testSession struct {
	t    *testing.T
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
	done chan error
}

// startSession runs a Server over one end of a pipe and completes the
// handshake from the client end.
func startSession(t *testing.T, backend weatherflow.ToolBackend, options ...ServerOption) *testSession {
	t.Helper()

	server, err := NewServer(backend, options...)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	clientConn, serverConn := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(context.Background(), serverConn)
	}()
	t.Cleanup(func() {
		clientConn.Close()
		serverConn.Close()
	})

	s := &testSession{
		t:    t,
		conn: clientConn,
		enc:  json.NewEncoder(clientConn),
		dec:  json.NewDecoder(clientConn),
		done: done,
	}

	s.send(map[string]interface{}{"type": "hello", "client": "test-client", "version": "1.0"})

	var ready readyFrame
	if err := s.dec.Decode(&ready); err != nil {
		t.Fatalf("failed to read ready frame: %v", err)
	}
	if ready.Type != frameReady {
		t.Fatalf("expected ready frame, got %q", ready.Type)
	}
	if len(ready.Tools) != 3 {
		t.Fatalf("expected 3 advertised tools, got %d", len(ready.Tools))
	}
	if len(ready.Resources) != 2 {
		t.Fatalf("expected 2 advertised resources, got %d", len(ready.Resources))
	}
	return s
}

// resultID unwraps a result frame's id, failing the test when absent.
func resultID(t *testing.T, result resultFrame) uint64 {
	t.Helper()
	if result.ID == nil {
		t.Fatal("result frame is missing an id")
	}
	return *result.ID
}

func (s *testSession) send(frame interface{}) {
	s.t.Helper()
	if err := s.enc.Encode(frame); err != nil {
		s.t.Fatalf("failed to send frame: %v", err)
	}
}

func (s *testSession) call(id uint64, name string, args interface{}) {
	s.t.Helper()
	raw, err := json.Marshal(args)
	if err != nil {
		s.t.Fatalf("failed to marshal args: %v", err)
	}
	s.send(map[string]interface{}{"type": "call", "id": id, "name": name, "args": json.RawMessage(raw)})
}

func (s *testSession) readResult() resultFrame {
	s.t.Helper()
	var result resultFrame
	if err := s.dec.Decode(&result); err != nil {
		s.t.Fatalf("failed to read result frame: %v", err)
	}
	if result.Type != frameResult {
		s.t.Fatalf("expected result frame, got %q", result.Type)
	}
	return result
}

func (s *testSession) shutdown() {
	s.t.Helper()
	s.send(map[string]interface{}{"type": "shutdown"})
	select {
	case err := <-s.done:
		if err != nil {
			s.t.Fatalf("Serve returned error after shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		s.t.Fatal("Serve did not return after shutdown frame")
	}
}

func TestServe_HandshakeRejectsNonHello(t *testing.T) {
	server, err := NewServer(&stubBackend{})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	done := make(chan error, 1)
	go func() {
		done <- server.Serve(context.Background(), serverConn)
	}()

	if err := json.NewEncoder(clientConn).Encode(map[string]interface{}{"type": "call", "id": 1, "name": "get_weather"}); err != nil {
		t.Fatalf("failed to send frame: %v", err)
	}

	select {
	case err := <-done:
		if weatherflow.ErrCode(err) != weatherflow.ErrCodeProtocol {
			t.Fatalf("expected protocol error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestServe_GetWeather(t *testing.T) {
	s := startSession(t, &stubBackend{})

	s.call(7, OpGetWeather, getWeatherArgs{City: "北京"})
	result := s.readResult()

	if resultID(t, result) != 7 {
		t.Fatalf("expected result id 7, got %d", *result.ID)
	}
	if result.Error != nil {
		t.Fatalf("unexpected call error: %+v", result.Error)
	}

	var report weatherflow.WeatherReport
	if err := json.Unmarshal(result.Payload, &report); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if report.Live == nil || report.Live.Condition != "晴" || report.Live.Temperature != 25 {
		t.Fatalf("unexpected live conditions: %+v", report.Live)
	}

	s.shutdown()
}

func TestServe_AmbiguousCityErrorShape(t *testing.T) {
	s := startSession(t, &stubBackend{})

	s.call(3, OpGetWeather, getWeatherArgs{City: "鼓楼区"})
	result := s.readResult()

	if result.Error == nil {
		t.Fatal("expected an error result")
	}
	if result.Error.Code != weatherflow.ErrCodeCityAmbiguous {
		t.Fatalf("expected code %s, got %s", weatherflow.ErrCodeCityAmbiguous, result.Error.Code)
	}
	if result.Error.Error != "city_ambiguous" {
		t.Fatalf("expected error tag city_ambiguous, got %q", result.Error.Error)
	}
	if result.Error.Details == nil {
		t.Fatal("expected candidate details on ambiguity error")
	}

	s.shutdown()
}

func TestServe_UnknownToolIsProtocolError(t *testing.T) {
	s := startSession(t, &stubBackend{})

	s.call(9, "launch_rocket", map[string]string{})
	result := s.readResult()

	if resultID(t, result) != 9 {
		t.Fatalf("expected result id 9, got %d", *result.ID)
	}
	if result.Error == nil || result.Error.Code != weatherflow.ErrCodeProtocol {
		t.Fatalf("expected protocol error, got %+v", result.Error)
	}

	s.shutdown()
}

func TestServe_UnknownArgFieldIsValidationError(t *testing.T) {
	s := startSession(t, &stubBackend{})

	s.call(4, OpGetWeather, map[string]interface{}{"city": "北京", "mood": "optimistic"})
	result := s.readResult()

	if result.Error == nil || result.Error.Code != weatherflow.ErrCodeValidation {
		t.Fatalf("expected validation error, got %+v", result.Error)
	}

	s.shutdown()
}

func TestServe_MissingCallIDIsProtocolError(t *testing.T) {
	s := startSession(t, &stubBackend{})

	s.send(map[string]interface{}{"type": "call", "name": OpGetWeather, "args": map[string]string{"city": "北京"}})
	result := s.readResult()

	if result.Error == nil || result.Error.Code != weatherflow.ErrCodeProtocol {
		t.Fatalf("expected protocol error, got %+v", result.Error)
	}
	if result.ID != nil {
		t.Fatalf("expected no id on a connection-scoped error, got %d", *result.ID)
	}

	s.shutdown()
}

func TestServe_UnexpectedFrameTypeOmitsID(t *testing.T) {
	s := startSession(t, &stubBackend{})

	s.send(map[string]interface{}{"type": "ping", "id": 6})
	result := s.readResult()

	if result.Error == nil || result.Error.Code != weatherflow.ErrCodeProtocol {
		t.Fatalf("expected protocol error, got %+v", result.Error)
	}
	if result.ID != nil {
		t.Fatalf("expected no id on a connection-scoped error, got %d", *result.ID)
	}

	s.shutdown()
}

func TestServe_DuplicateOutstandingIDIsProtocolError(t *testing.T) {
	backend := &stubBackend{delays: map[string]time.Duration{"慢城": 300 * time.Millisecond}}
	s := startSession(t, backend)

	s.call(11, OpGetWeather, getWeatherArgs{City: "慢城"})
	s.call(11, OpGetWeather, getWeatherArgs{City: "北京"})

	first := s.readResult()
	if resultID(t, first) != 11 || first.Error == nil || first.Error.Code != weatherflow.ErrCodeProtocol {
		t.Fatalf("expected protocol error for duplicate id, got %+v", first)
	}

	second := s.readResult()
	if resultID(t, second) != 11 || second.Error != nil {
		t.Fatalf("expected original call to complete normally, got %+v", second)
	}

	s.shutdown()
}

func TestServe_ResultsCorrelateOutOfOrder(t *testing.T) {
	backend := &stubBackend{delays: map[string]time.Duration{"慢城": 200 * time.Millisecond}}
	s := startSession(t, backend)

	s.call(41, OpGetWeather, getWeatherArgs{City: "慢城"})
	s.call(42, OpGetWeather, getWeatherArgs{City: "北京"})

	first := s.readResult()
	second := s.readResult()

	if resultID(t, first) != 42 {
		t.Fatalf("expected the fast call (id 42) to finish first, got id %d", *first.ID)
	}
	if resultID(t, second) != 41 {
		t.Fatalf("expected the slow call (id 41) to finish second, got id %d", *second.ID)
	}

	var fast weatherflow.WeatherReport
	if err := json.Unmarshal(first.Payload, &fast); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if fast.City.Name != "北京" {
		t.Fatalf("result id 42 carries the wrong payload: %+v", fast.City)
	}

	var slow weatherflow.WeatherReport
	if err := json.Unmarshal(second.Payload, &slow); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if slow.City.Name != "慢城" {
		t.Fatalf("result id 41 carries the wrong payload: %+v", slow.City)
	}

	s.shutdown()
}

func TestServe_SearchCityPayload(t *testing.T) {
	s := startSession(t, &stubBackend{})

	s.call(5, OpSearchCity, searchCityArgs{Query: "深圳", Limit: 3})
	result := s.readResult()

	if result.Error != nil {
		t.Fatalf("unexpected call error: %+v", result.Error)
	}
	var payload struct {
		Candidates []weatherflow.CityRecord `json:"candidates"`
		Count      int                      `json:"count"`
	}
	if err := json.Unmarshal(result.Payload, &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload.Count != 1 || len(payload.Candidates) != 1 {
		t.Fatalf("unexpected search payload: %+v", payload)
	}

	s.shutdown()
}

func TestServe_ShutdownDrainsInFlightCalls(t *testing.T) {
	backend := &stubBackend{delays: map[string]time.Duration{"慢城": 150 * time.Millisecond}}
	s := startSession(t, backend)

	s.call(21, OpGetWeather, getWeatherArgs{City: "慢城"})
	s.send(map[string]interface{}{"type": "shutdown"})

	result := s.readResult()
	if resultID(t, result) != 21 || result.Error != nil {
		t.Fatalf("expected in-flight call to complete before shutdown, got %+v", result)
	}

	select {
	case err := <-s.done:
		if err != nil {
			t.Fatalf("Serve returned error after drain: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after drain")
	}
}

func TestServe_CitiesResource(t *testing.T) {
	s := startSession(t, &stubBackend{})

	s.send(map[string]interface{}{"type": "resource", "id": 31, "uri": ResourceCities})
	result := s.readResult()

	if resultID(t, result) != 31 || result.Error != nil {
		t.Fatalf("expected cities payload, got %+v", result)
	}
	var payload struct {
		URI    string                   `json:"uri"`
		Cities []weatherflow.CityRecord `json:"cities"`
		Count  int                      `json:"count"`
	}
	if err := json.Unmarshal(result.Payload, &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload.URI != ResourceCities || payload.Count != 2 || len(payload.Cities) != 2 {
		t.Fatalf("unexpected cities payload: %+v", payload)
	}

	s.shutdown()
}

func TestServe_APIInfoResource(t *testing.T) {
	s := startSession(t, &stubBackend{})

	s.send(map[string]interface{}{"type": "resource", "id": 32, "uri": ResourceAPIInfo})
	result := s.readResult()

	if resultID(t, result) != 32 || result.Error != nil {
		t.Fatalf("expected api info payload, got %+v", result)
	}
	var payload struct {
		Provider       string   `json:"api_provider"`
		SupportedTypes []string `json:"supported_types"`
	}
	if err := json.Unmarshal(result.Payload, &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload.Provider != "高德地图" || len(payload.SupportedTypes) != 2 {
		t.Fatalf("unexpected api info payload: %+v", payload)
	}

	s.shutdown()
}

func TestServe_UnknownResourceIsValidationError(t *testing.T) {
	s := startSession(t, &stubBackend{})

	s.send(map[string]interface{}{"type": "resource", "id": 33, "uri": "weather://secrets"})
	result := s.readResult()

	if resultID(t, result) != 33 {
		t.Fatalf("expected result id 33, got %+v", result)
	}
	if result.Error == nil || result.Error.Code != weatherflow.ErrCodeValidation {
		t.Fatalf("expected validation error, got %+v", result.Error)
	}

	s.shutdown()
}

func TestServe_ClientDisconnectEndsSession(t *testing.T) {
	s := startSession(t, &stubBackend{})

	s.conn.Close()

	select {
	case err := <-s.done:
		if err != nil {
			t.Fatalf("expected clean session end on disconnect, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after disconnect")
	}
}
