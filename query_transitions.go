package weatherflow

import (
	"context"
	"time"

	"github.com/windcrest/weatherflow/internal/eventbus"
)

// EngineComponents holds references to the components needed by state
// transitions.
type EngineComponents struct {
	Resolver    CityResolver
	Cache       SnapshotCache
	Provider    WeatherProvider
	Interpreter Interpreter
	Formatter   Formatter
	Config      Config
}

// CreateQueryStateMachine builds a complete state machine for the query
// workflow.
func CreateQueryStateMachine(components EngineComponents, eventBus eventbus.EventBus) *StateMachine {
	sm := NewStateMachine(eventBus)

	sm.RegisterTransition(StateParse, createParseTransition(components))
	sm.RegisterTransition(StateExtract, createExtractTransition(components))
	sm.RegisterTransition(StateDispatch, createDispatchTransition(components))
	sm.RegisterTransition(StateFormat, createFormatTransition(components))

	return sm
}

// createParseTransition interprets the raw question.
func createParseTransition(components EngineComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, qCtx *QueryContext) (QueryState, error) {
		hasEventBus := eb != nil

		if hasEventBus {
			startEvent := eventbus.NewEvent(
				eventbus.EventQueryProcessingStarted,
				qCtx.Query,
				"StateMachine.Parse",
				map[string]interface{}{
					"timestamp": time.Now().Format(time.RFC3339),
				},
			)
			eb.Publish(ctx, startEvent)
		}

		if components.Interpreter == nil {
			err := NewConfigurationError("no interpreter configured", nil)
			qCtx.SetError(err, "parse")
			return StateError, err
		}

		if hasEventBus {
			eb.Publish(ctx, eventbus.NewEvent(
				eventbus.EventIntentParseStarted, qCtx.Query, "StateMachine.Parse", nil))
		}

		intent, err := components.Interpreter.Interpret(ctx, qCtx.Query)
		if err != nil {
			if hasEventBus {
				publishFailure(ctx, eb, eventbus.EventIntentParseFailure, qCtx.Query, "parse", err)
			}
			qErr := NewInterpretationError(err)
			qCtx.SetError(qErr, "parse")
			return StateError, qErr
		}

		if intent == nil || intent.City == "" {
			qErr := NewValidationError("parse", "query names no city", nil)
			qCtx.SetError(qErr, "parse")
			return StateError, qErr
		}
		if intent.Kind == "" {
			intent.Kind = KindLive
		}
		if !intent.Kind.Valid() {
			qErr := NewValidationError("parse", "unknown query kind '"+string(intent.Kind)+"'", nil)
			qCtx.SetError(qErr, "parse")
			return StateError, qErr
		}

		if hasEventBus {
			eb.Publish(ctx, eventbus.NewEvent(
				eventbus.EventIntentParseSuccess,
				intent,
				"StateMachine.Parse",
				map[string]interface{}{
					"city": intent.City,
					"kind": string(intent.Kind),
				},
			))
		}

		qCtx.Intent = intent
		return StateExtract, nil
	}
}

// createExtractTransition resolves the intent's city text into exactly
// one dataset record.
func createExtractTransition(components EngineComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, qCtx *QueryContext) (QueryState, error) {
		hasEventBus := eb != nil
		intent := qCtx.Intent

		if hasEventBus {
			eb.Publish(ctx, eventbus.NewEvent(
				eventbus.EventCityResolutionStarted, intent.City, "StateMachine.Extract", nil))
		}

		candidates, err := components.Resolver.Resolve(ctx, intent.City)
		if err != nil {
			if hasEventBus {
				publishFailure(ctx, eb, eventbus.EventCityResolutionFailure, qCtx.Query, "resolve", err)
			}
			qCtx.SetError(err, "resolve")
			return StateError, err
		}

		qCtx.Candidates = candidates

		if len(candidates) > 1 {
			qErr := NewCityAmbiguousError("resolve", intent.City, candidates)
			if hasEventBus {
				eb.Publish(ctx, eventbus.NewEvent(
					eventbus.EventCityResolutionAmbiguous,
					candidates,
					"StateMachine.Extract",
					map[string]interface{}{
						"query":           intent.City,
						"candidate_count": len(candidates),
					},
				))
			}
			qCtx.SetError(qErr, "resolve")
			return StateError, qErr
		}

		qCtx.City = candidates[0]

		if hasEventBus {
			eb.Publish(ctx, eventbus.NewEvent(
				eventbus.EventCityResolutionSuccess,
				qCtx.City,
				"StateMachine.Extract",
				map[string]interface{}{
					"adcode": qCtx.City.Adcode,
					"level":  string(qCtx.City.Level),
				},
			))
		}

		return StateDispatch, nil
	}
}

// createDispatchTransition fetches the snapshot through the cache.
func createDispatchTransition(components EngineComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, qCtx *QueryContext) (QueryState, error) {
		hasEventBus := eb != nil
		adcode := qCtx.City.Adcode
		kind := qCtx.Intent.Kind

		if hasEventBus {
			eb.Publish(ctx, eventbus.NewEvent(
				eventbus.EventWeatherFetchStarted,
				adcode,
				"StateMachine.Dispatch",
				map[string]interface{}{
					"kind": string(kind),
				},
			))
		}

		snapshot, err := components.Cache.GetOrFetch(ctx, adcode, kind, func(fetchCtx context.Context) (*WeatherSnapshot, error) {
			return components.Provider.Fetch(fetchCtx, adcode, kind)
		})
		if err != nil {
			if hasEventBus {
				publishFailure(ctx, eb, eventbus.EventWeatherFetchFailure, qCtx.Query, "fetch", err)
			}
			qCtx.SetError(err, "fetch")
			return StateError, err
		}

		if hasEventBus {
			eb.Publish(ctx, eventbus.NewEvent(
				eventbus.EventWeatherFetchSuccess,
				snapshot,
				"StateMachine.Dispatch",
				map[string]interface{}{
					"adcode": adcode,
					"kind":   string(kind),
				},
			))
		}

		qCtx.Snapshot = snapshot
		return StateFormat, nil
	}
}

// createFormatTransition renders the final answer.
func createFormatTransition(components EngineComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, qCtx *QueryContext) (QueryState, error) {
		hasEventBus := eb != nil

		snapshot := qCtx.Snapshot
		if qCtx.Intent.Kind == KindForecast {
			snapshot = truncateForecast(snapshot, qCtx.Intent.Days, components.Config.ForecastMaxDays, components.Config.ForecastDefaultDays)
		}

		formatter := components.Formatter
		if formatter == nil {
			formatter = defaultFormatter{}
		}

		answer, err := formatter.Format(ctx, qCtx.Intent, qCtx.City, snapshot)
		if err != nil {
			if hasEventBus {
				publishFailure(ctx, eb, eventbus.EventQueryProcessingFailure, qCtx.Query, "format", err)
			}
			qErr := NewFormattingError(err)
			qCtx.SetError(qErr, "format")
			return StateError, qErr
		}

		if hasEventBus {
			eb.Publish(ctx, eventbus.NewEvent(
				eventbus.EventQueryProcessingSuccess,
				qCtx.Query,
				"StateMachine.Format",
				map[string]interface{}{
					"answer_length": len(answer),
				},
			))
		}

		qCtx.FinalAnswer = answer
		qCtx.Complete()
		return StateComplete, nil
	}
}

// publishFailure emits a stage failure event plus the query-level
// failure event.
func publishFailure(ctx context.Context, eb eventbus.EventBus, stageEvent eventbus.EventType, query, stage string, err error) {
	eb.Publish(ctx, eventbus.NewEvent(
		stageEvent,
		err.Error(),
		"StateMachine."+stage,
		map[string]interface{}{
			"error": err.Error(),
		},
	))
	eb.Publish(ctx, eventbus.NewEvent(
		eventbus.EventQueryProcessingFailure,
		query,
		"StateMachine."+stage,
		map[string]interface{}{
			"error": err.Error(),
			"stage": stage,
		},
	))
}

// truncateForecast clamps the number of forecast days without mutating
// the cached snapshot.
func truncateForecast(snapshot *WeatherSnapshot, days, maxDays, defaultDays int) *WeatherSnapshot {
	if snapshot == nil || snapshot.Forecast == nil {
		return snapshot
	}
	if days <= 0 {
		days = defaultDays
	}
	if maxDays > 0 && days > maxDays {
		days = maxDays
	}
	if days <= 0 || days >= len(snapshot.Forecast) {
		return snapshot
	}
	clone := *snapshot
	clone.Forecast = snapshot.Forecast[:days]
	return &clone
}
