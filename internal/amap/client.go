// Package amap implements the weather provider adapter for the AMap
// (高德) REST weather service.
package amap

import (
	"fmt"
	"strconv"
	"strings"

	weatherflow "github.com/windcrest/weatherflow"
)

const (
	defaultBaseURL = "https://restapi.amap.com/v3/weather/weatherInfo"

	extensionsBase = "base"
	extensionsAll  = "all"

	statusOK   = "1"
	infocodeOK = "10000"
)

// weatherResponse is the upstream envelope. All numeric fields arrive
// as strings.
type weatherResponse struct {
	Status    string         `json:"status"`
	Count     string         `json:"count"`
	Info      string         `json:"info"`
	Infocode  string         `json:"infocode"`
	Lives     []liveWire     `json:"lives"`
	Forecasts []forecastWire `json:"forecasts"`
}

type liveWire struct {
	Province      string `json:"province"`
	City          string `json:"city"`
	Adcode        string `json:"adcode"`
	Weather       string `json:"weather"`
	Temperature   string `json:"temperature"`
	Winddirection string `json:"winddirection"`
	Windpower     string `json:"windpower"`
	Humidity      string `json:"humidity"`
	Reporttime    string `json:"reporttime"`
}

type forecastWire struct {
	Province   string     `json:"province"`
	City       string     `json:"city"`
	Adcode     string     `json:"adcode"`
	Reporttime string     `json:"reporttime"`
	Casts      []castWire `json:"casts"`
}

type castWire struct {
	Date         string `json:"date"`
	Week         string `json:"week"`
	Dayweather   string `json:"dayweather"`
	Nightweather string `json:"nightweather"`
	Daytemp      string `json:"daytemp"`
	Nighttemp    string `json:"nighttemp"`
	Daywind      string `json:"daywind"`
	Nightwind    string `json:"nightwind"`
	Daypower     string `json:"daypower"`
	Nightpower   string `json:"nightpower"`
}

type errorClass int

const (
	classPermanent errorClass = iota
	classTransient
	classRateLimited
)

// infocodeClasses maps upstream infocodes onto the error taxonomy.
// Quota and frequency codes are rate limits, gateway trouble is
// transient, everything about keys, permissions and parameters is
// permanent.
var infocodeClasses = map[string]errorClass{
	"10001": classPermanent,   // invalid user key
	"10002": classPermanent,   // service not available for this key
	"10003": classRateLimited, // daily quota exceeded
	"10004": classRateLimited, // access too frequent
	"10005": classPermanent,   // invalid user IP
	"10006": classPermanent,   // invalid user domain
	"10007": classPermanent,   // invalid signature
	"10008": classPermanent,   // invalid scode
	"10009": classPermanent,   // key does not match platform
	"10010": classRateLimited, // IP query quota exceeded
	"10011": classPermanent,   // https access required
	"10012": classPermanent,   // insufficient privileges
	"10013": classPermanent,   // user key recycled
	"10014": classRateLimited, // concurrent QPS exceeded
	"10015": classTransient,   // gateway timeout
	"10016": classTransient,   // server busy
	"10017": classPermanent,   // resource unavailable
	"20000": classPermanent,   // invalid request parameters
	"20001": classPermanent,   // missing required parameters
	"20002": classPermanent,   // illegal request
	"20003": classTransient,   // unknown upstream error
}

// classifyInfocode turns a non-success infocode into the matching
// QueryError. Engine-side codes (3xxxx) are treated as transient.
func classifyInfocode(infocode, info string) *weatherflow.QueryError {
	message := fmt.Sprintf("amap error %s: %s", infocode, info)

	class, known := infocodeClasses[infocode]
	if !known {
		if strings.HasPrefix(infocode, "3") {
			class = classTransient
		} else {
			class = classPermanent
		}
	}

	switch class {
	case classRateLimited:
		return weatherflow.NewRateLimitedError("fetch", message, nil)
	case classTransient:
		return weatherflow.NewProviderTransientError("fetch", message, nil)
	default:
		return weatherflow.NewProviderPermanentError("fetch", message, nil)
	}
}

// parseWireInt converts an upstream numeric string field.
func parseWireInt(field, raw string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, weatherflow.NewValidationError("fetch",
			fmt.Sprintf("malformed %s '%s' in provider payload", field, raw), err)
	}
	return value, nil
}

// normalizeLive converts the wire live block into a snapshot.
func normalizeLive(adcode string, wire liveWire) (*weatherflow.WeatherSnapshot, error) {
	temperature, err := parseWireInt("temperature", wire.Temperature)
	if err != nil {
		return nil, err
	}
	humidity, err := parseWireInt("humidity", wire.Humidity)
	if err != nil {
		return nil, err
	}

	return &weatherflow.WeatherSnapshot{
		Adcode:   adcode,
		Kind:     weatherflow.KindLive,
		Province: wire.Province,
		City:     wire.City,
		Live: &weatherflow.LiveConditions{
			Condition:     wire.Weather,
			Temperature:   temperature,
			Humidity:      humidity,
			WindDirection: wire.Winddirection,
			WindPower:     wire.Windpower,
			ReportTime:    wire.Reporttime,
		},
	}, nil
}

// normalizeForecast converts the wire forecast block into a snapshot.
func normalizeForecast(adcode string, wire forecastWire) (*weatherflow.WeatherSnapshot, error) {
	if len(wire.Casts) == 0 {
		return nil, weatherflow.NewValidationError("fetch", "provider forecast has no casts", nil)
	}

	days := make([]weatherflow.ForecastDay, 0, len(wire.Casts))
	for _, cast := range wire.Casts {
		dayTemp, err := parseWireInt("daytemp", cast.Daytemp)
		if err != nil {
			return nil, err
		}
		nightTemp, err := parseWireInt("nighttemp", cast.Nighttemp)
		if err != nil {
			return nil, err
		}
		days = append(days, weatherflow.ForecastDay{
			Date:           cast.Date,
			Week:           cast.Week,
			DayCondition:   cast.Dayweather,
			NightCondition: cast.Nightweather,
			DayTemp:        dayTemp,
			NightTemp:      nightTemp,
			DayWind:        cast.Daywind,
			NightWind:      cast.Nightwind,
			DayPower:       cast.Daypower,
			NightPower:     cast.Nightpower,
		})
	}

	return &weatherflow.WeatherSnapshot{
		Adcode:   adcode,
		Kind:     weatherflow.KindForecast,
		Province: wire.Province,
		City:     wire.City,
		Forecast: days,
	}, nil
}
