package weatherflow

import (
	"context"
	"sync"
	"time"

	"github.com/windcrest/weatherflow/internal/eventbus"
	"github.com/windcrest/weatherflow/internal/metrics"
)

// QueryState represents the current state of a query execution.
type QueryState string

const (
	// StateParse interprets the free-form question into an intent.
	StateParse QueryState = "parse"
	// StateExtract resolves the intent's city text into a dataset record.
	StateExtract QueryState = "extract_params"
	// StateDispatch fetches the weather snapshot through the cache.
	StateDispatch QueryState = "dispatch"
	// StateFormat renders the snapshot into a user-facing answer.
	StateFormat QueryState = "format"
	// StateError represents an error state
	StateError QueryState = "error"
	// StateComplete represents the completed state
	StateComplete QueryState = "complete"
	// StateCancelled represents the cancelled state
	StateCancelled QueryState = "cancelled"
	// StateUnknown is used when the status of an async query cannot be determined.
	StateUnknown QueryState = "unknown"
)

// QueryContext carries the data for one query through the state machine.
// It acts as the "tape" of the pushdown automaton: each transition reads
// what earlier transitions wrote.
type QueryContext struct {
	// mu guards the status fields mutated by the executing state
	// machine and read concurrently by the async accessors:
	// CurrentState, StateStack, StateStartTimes, StateData, LastError,
	// ErrorStage, FinalAnswer and EndTime.
	mu sync.Mutex

	// Input
	Query string

	// Intermediate results
	Intent      *Intent
	Candidates  []CityRecord
	City        CityRecord
	Snapshot    *WeatherSnapshot
	FinalAnswer string

	// Error handling
	LastError  error
	ErrorStage string

	// State management
	CurrentState QueryState
	StateStack   []QueryState
	StateData    map[string]interface{}

	// Timestamp tracking
	StartTime       time.Time
	EndTime         time.Time
	StateStartTimes map[QueryState]time.Time
}

// NewQueryContext creates a new query context for the given question.
func NewQueryContext(query string) *QueryContext {
	return &QueryContext{
		Query:           query,
		CurrentState:    StateParse,
		StateStack:      []QueryState{},
		StateData:       make(map[string]interface{}),
		StartTime:       time.Now(),
		StateStartTimes: make(map[QueryState]time.Time),
	}
}

// PushState pushes the current state onto the stack and sets a new current state.
func (qc *QueryContext) PushState(state QueryState) {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	qc.StateStack = append(qc.StateStack, qc.CurrentState)
	qc.CurrentState = state
	qc.StateStartTimes[state] = time.Now()
}

// PopState pops the top state from the stack and sets it as the current state.
// Returns false if the stack is empty.
func (qc *QueryContext) PopState() bool {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	if len(qc.StateStack) == 0 {
		return false
	}
	lastIdx := len(qc.StateStack) - 1
	qc.CurrentState = qc.StateStack[lastIdx]
	qc.StateStack = qc.StateStack[:lastIdx]
	qc.StateStartTimes[qc.CurrentState] = time.Now()
	return true
}

// State returns the current state.
func (qc *QueryContext) State() QueryState {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	return qc.CurrentState
}

// advance moves the machine into the next non-terminal state.
func (qc *QueryContext) advance(state QueryState) {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	qc.CurrentState = state
	qc.StateStartTimes[state] = time.Now()
}

// IsTerminal checks if the current state is a terminal state (Complete, Error, Cancelled).
func (qc *QueryContext) IsTerminal() bool {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	return qc.isTerminalLocked()
}

func (qc *QueryContext) isTerminalLocked() bool {
	return qc.CurrentState == StateComplete || qc.CurrentState == StateError || qc.CurrentState == StateCancelled
}

// SetError sets the last error and error stage, transitioning to StateError.
func (qc *QueryContext) SetError(err error, stage string) {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	qc.LastError = err
	qc.ErrorStage = stage
	qc.CurrentState = StateError
	qc.EndTime = time.Now()
	qc.StateStartTimes[StateError] = qc.EndTime
}

// SetCancelled sets the state to Cancelled and records the cancellation error.
func (qc *QueryContext) SetCancelled(err error, stage string) {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	qc.setCancelledLocked(err, stage)
}

func (qc *QueryContext) setCancelledLocked(err error, stage string) {
	qc.LastError = err
	qc.ErrorStage = stage
	qc.CurrentState = StateCancelled
	qc.EndTime = time.Now()
	qc.StateStartTimes[StateCancelled] = qc.EndTime
}

// Complete marks the query as complete and sets the end time.
func (qc *QueryContext) Complete() {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	qc.CurrentState = StateComplete
	qc.EndTime = time.Now()
	qc.StateStartTimes[StateComplete] = qc.EndTime
}

// Failure returns the recorded error and the stage it happened in.
func (qc *QueryContext) Failure() (error, string) {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	return qc.LastError, qc.ErrorStage
}

// terminalSince reports when the query reached its terminal state.
// ok is false while the query is still running.
func (qc *QueryContext) terminalSince() (time.Time, bool) {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	if !qc.isTerminalLocked() {
		return time.Time{}, false
	}
	return qc.StateStartTimes[qc.CurrentState], true
}

// finish resolves the terminal outcome. A failed or cancelled query
// still yields a user-facing message; the typed error travels alongside
// for logging.
func (qc *QueryContext) finish() (string, error) {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	if qc.LastError != nil && qc.FinalAnswer == "" {
		qc.FinalAnswer = UserMessage(qc.LastError)
	}
	return qc.FinalAnswer, qc.LastError
}

// GetStateDuration returns the duration spent in the given state so far.
func (qc *QueryContext) GetStateDuration(state QueryState) time.Duration {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	startTime, ok := qc.StateStartTimes[state]
	if !ok {
		return 0
	}

	if state == qc.CurrentState {
		return time.Since(startTime)
	}

	return 0
}

// GetTotalDuration returns the total duration of the query so far.
func (qc *QueryContext) GetTotalDuration() time.Duration {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	return qc.totalDurationLocked()
}

func (qc *QueryContext) totalDurationLocked() time.Duration {
	if !qc.EndTime.IsZero() {
		return qc.EndTime.Sub(qc.StartTime)
	}
	return time.Since(qc.StartTime)
}

// StateTransition defines a transition function for the state machine.
type StateTransition func(ctx context.Context, eventBus eventbus.EventBus, qCtx *QueryContext) (QueryState, error)

// StateMachine represents a finite state machine for query execution.
type StateMachine struct {
	transitions map[QueryState]StateTransition
	eventBus    eventbus.EventBus
}

// NewStateMachine creates a new state machine with the provided event bus.
func NewStateMachine(eventBus eventbus.EventBus) *StateMachine {
	return &StateMachine{
		transitions: make(map[QueryState]StateTransition),
		eventBus:    eventBus,
	}
}

// RegisterTransition registers a state transition function.
func (sm *StateMachine) RegisterTransition(state QueryState, transition StateTransition) {
	sm.transitions[state] = transition
}

// Execute runs the state machine until a terminal state is reached. On
// failure the returned answer is a user-facing message rendered from
// the typed error; the error itself is returned alongside for logging.
func (sm *StateMachine) Execute(ctx context.Context, qCtx *QueryContext) (string, error) {
	defer func() {
		metrics.QueriesTotal.WithLabelValues(string(qCtx.State())).Inc()
		metrics.QueryDurationMs.Observe(float64(qCtx.GetTotalDuration().Milliseconds()))
	}()

	for !qCtx.IsTerminal() {
		// Check for context cancellation before executing the next state
		select {
		case <-ctx.Done():
			currentStage := string(qCtx.State())
			qCtx.SetCancelled(NewCancelledError(currentStage, ctx.Err()), currentStage)
			continue
		default:
		}

		state := qCtx.State()
		transition, exists := sm.transitions[state]
		if !exists {
			currentStage := string(state)
			qCtx.SetError(NewInternalError(currentStage, "no transition defined for state: "+currentStage, nil), currentStage)
			continue
		}

		// Execute the transition function for the current state
		nextState, err := transition(ctx, sm.eventBus, qCtx)

		if err != nil {
			currentStage := string(state)
			// A transition may surface cancellation through its own calls;
			// the machine's context decides whether this counts as cancelled.
			if ctx.Err() != nil {
				qCtx.SetCancelled(err, currentStage)
			} else if !qCtx.IsTerminal() {
				// Transitions usually call SetError themselves; this is the
				// fallback for plain error returns.
				qCtx.SetError(err, currentStage)
			}
			continue
		}

		if !qCtx.IsTerminal() {
			qCtx.advance(nextState)
		}
	}

	return qCtx.finish()
}
