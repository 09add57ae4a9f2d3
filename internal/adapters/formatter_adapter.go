package adapters

import (
	"context"
	"strings"

	"github.com/firebase/genkit/go/core"

	weatherflow "github.com/windcrest/weatherflow"
)

// FormatInput is the expected input structure for the formatter flow.
type FormatInput struct {
	Intent   *weatherflow.Intent          `json:"intent"`
	City     weatherflow.CityRecord       `json:"city"`
	Snapshot *weatherflow.WeatherSnapshot `json:"snapshot"`
}

// GenkitFormatterAdapter uses a Genkit Flow to implement the Formatter
// interface.
type GenkitFormatterAdapter struct {
	formatFlow *core.Flow[*FormatInput, string, struct{}]
}

// NewGenkitFormatterAdapter creates a new adapter for the formatter flow.
func NewGenkitFormatterAdapter(flow *core.Flow[*FormatInput, string, struct{}]) *GenkitFormatterAdapter {
	return &GenkitFormatterAdapter{formatFlow: flow}
}

// Format implements the weatherflow.Formatter interface.
func (a *GenkitFormatterAdapter) Format(ctx context.Context, intent *weatherflow.Intent, city weatherflow.CityRecord, snapshot *weatherflow.WeatherSnapshot) (string, error) {
	if a.formatFlow == nil {
		return "", weatherflow.NewConfigurationError("formatter flow is not configured", nil)
	}

	input := FormatInput{
		Intent:   intent,
		City:     city,
		Snapshot: snapshot,
	}

	answer, err := a.formatFlow.Run(ctx, &input)
	if err != nil {
		return "", weatherflow.NewFormattingError(err)
	}
	if strings.TrimSpace(answer) == "" {
		return "", weatherflow.NewFormattingError(nil)
	}

	return answer, nil
}
