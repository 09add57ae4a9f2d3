// Package adapters bridges Genkit flows onto the engine's Interpreter
// and Formatter interfaces, so language-model flows can be swapped in
// without the engine knowing about Genkit.
package adapters

import (
	"context"
	"strings"

	"github.com/firebase/genkit/go/core"

	weatherflow "github.com/windcrest/weatherflow"
)

// InterpretInput is the expected input structure for the interpreter flow.
type InterpretInput struct {
	Query string `json:"query"`
}

// GenkitInterpreterAdapter uses a Genkit Flow to implement the
// Interpreter interface.
type GenkitInterpreterAdapter struct {
	interpretFlow *core.Flow[*InterpretInput, *weatherflow.Intent, struct{}]
}

// NewGenkitInterpreterAdapter creates a new adapter for the interpreter flow.
func NewGenkitInterpreterAdapter(flow *core.Flow[*InterpretInput, *weatherflow.Intent, struct{}]) *GenkitInterpreterAdapter {
	return &GenkitInterpreterAdapter{interpretFlow: flow}
}

// Interpret implements the weatherflow.Interpreter interface.
func (a *GenkitInterpreterAdapter) Interpret(ctx context.Context, query string) (*weatherflow.Intent, error) {
	if a.interpretFlow == nil {
		return nil, weatherflow.NewConfigurationError("interpreter flow is not configured", nil)
	}

	intent, err := a.interpretFlow.Run(ctx, &InterpretInput{Query: query})
	if err != nil {
		return nil, weatherflow.NewInterpretationError(err)
	}

	if err := ValidateIntent(intent); err != nil {
		return nil, err
	}
	return intent, nil
}

// ValidateIntent checks that a flow-produced intent is usable before it
// enters the pipeline. Flows can hallucinate empty cities or invalid
// kinds; those are interpretation failures, not resolution failures.
func ValidateIntent(intent *weatherflow.Intent) error {
	if intent == nil || strings.TrimSpace(intent.City) == "" {
		return weatherflow.NewValidationError("parse", "interpreter produced no city", nil)
	}
	if intent.Kind != "" && !intent.Kind.Valid() {
		return weatherflow.NewValidationError("parse", "unknown query kind '"+string(intent.Kind)+"'", nil)
	}
	if intent.Days < 0 {
		return weatherflow.NewValidationError("parse", "forecast days must not be negative", nil)
	}
	return nil
}
