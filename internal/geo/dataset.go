// Package geo resolves user-facing city text and adcodes against the
// Chinese administrative division dataset.
package geo

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	weatherflow "github.com/windcrest/weatherflow"
)

//go:embed cities.json
var embeddedDataset []byte

// EmbeddedDataset decodes the dataset compiled into the binary.
func EmbeddedDataset() ([]weatherflow.CityRecord, error) {
	return decodeDataset(embeddedDataset)
}

// LoadDataset reads an external dataset file, letting deployments swap
// in a fuller division table without rebuilding.
func LoadDataset(path string) ([]weatherflow.CityRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, weatherflow.NewConfigurationError(fmt.Sprintf("failed to read city dataset '%s'", path), err)
	}
	return decodeDataset(data)
}

func decodeDataset(data []byte) ([]weatherflow.CityRecord, error) {
	var records []weatherflow.CityRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, weatherflow.NewConfigurationError("failed to decode city dataset", err)
	}
	if len(records) == 0 {
		return nil, weatherflow.NewConfigurationError("city dataset is empty", nil)
	}
	for i, record := range records {
		if err := validateRecord(record); err != nil {
			return nil, weatherflow.NewConfigurationError(fmt.Sprintf("invalid city dataset record %d", i), err)
		}
	}
	return records, nil
}

func validateRecord(record weatherflow.CityRecord) error {
	if record.Name == "" {
		return fmt.Errorf("name is empty")
	}
	if !isAdcode(record.Adcode) {
		return fmt.Errorf("adcode '%s' is not six digits", record.Adcode)
	}
	switch record.Level {
	case weatherflow.LevelProvince, weatherflow.LevelCity, weatherflow.LevelDistrict:
	default:
		return fmt.Errorf("unknown level '%s'", record.Level)
	}
	return nil
}

// isAdcode reports whether s is exactly six ASCII digits.
func isAdcode(s string) bool {
	if len(s) != 6 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
