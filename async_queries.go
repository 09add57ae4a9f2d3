package weatherflow

import (
	"context"
	"fmt"
	"time"

	"github.com/windcrest/weatherflow/internal/eventbus"
)

// AsyncQueryStatus represents the status information for an async query.
type AsyncQueryStatus struct {
	QueryID      string        `json:"query_id"`
	Query        string        `json:"query"`
	CurrentState QueryState    `json:"current_state"`
	StartTime    time.Time     `json:"start_time"`
	Duration     time.Duration `json:"duration"`
	IsComplete   bool          `json:"is_complete"`
	HasError     bool          `json:"has_error"`
	ErrorMessage string        `json:"error_message,omitempty"`
	ErrorStage   string        `json:"error_stage,omitempty"`
}

// GetAsyncStatus retrieves the current status of an async query.
func (e *Engine) GetAsyncStatus(queryID string) (*AsyncQueryStatus, error) {
	e.asyncQueriesMutex.RLock()
	qCtx, exists := e.asyncQueries[queryID]
	e.asyncQueriesMutex.RUnlock()

	if !exists {
		return nil, fmt.Errorf("query with ID '%s' not found", queryID)
	}

	qCtx.mu.Lock()
	defer qCtx.mu.Unlock()

	status := &AsyncQueryStatus{
		QueryID:      queryID,
		Query:        qCtx.Query,
		CurrentState: qCtx.CurrentState,
		StartTime:    qCtx.StartTime,
		Duration:     qCtx.totalDurationLocked(),
		IsComplete:   qCtx.CurrentState == StateComplete,
		HasError:     qCtx.CurrentState == StateError,
	}

	if qCtx.LastError != nil {
		status.ErrorMessage = qCtx.LastError.Error()
		status.ErrorStage = qCtx.ErrorStage
	}

	return status, nil
}

// GetAsyncResult retrieves the result of a completed async query.
// Returns an error if the query is not complete or failed.
func (e *Engine) GetAsyncResult(queryID string) (string, error) {
	e.asyncQueriesMutex.RLock()
	qCtx, exists := e.asyncQueries[queryID]
	e.asyncQueriesMutex.RUnlock()

	if !exists {
		return "", fmt.Errorf("query with ID '%s' not found", queryID)
	}

	qCtx.mu.Lock()
	defer qCtx.mu.Unlock()

	if qCtx.CurrentState != StateComplete {
		if qCtx.CurrentState == StateError || qCtx.CurrentState == StateCancelled {
			return "", fmt.Errorf("query failed during stage '%s': %w", qCtx.ErrorStage, qCtx.LastError)
		}
		return "", fmt.Errorf("query is still in progress (current state: %s)", qCtx.CurrentState)
	}

	if qCtx.LastError != nil {
		return "", fmt.Errorf("query completed but encountered an error during stage '%s': %w", qCtx.ErrorStage, qCtx.LastError)
	}

	return qCtx.FinalAnswer, nil
}

// CancelAsyncQuery cancels an ongoing async query.
// Returns true if it was cancelled, false if already terminal.
func (e *Engine) CancelAsyncQuery(queryID string) (bool, error) {
	e.asyncQueriesMutex.RLock()
	qCtx, exists := e.asyncQueries[queryID]
	e.asyncQueriesMutex.RUnlock()

	if !exists {
		return false, fmt.Errorf("query with ID '%s' not found", queryID)
	}

	qCtx.mu.Lock()
	if qCtx.isTerminalLocked() {
		qCtx.mu.Unlock()
		return false, nil
	}

	cancelFn, ok := qCtx.StateData["cancel"].(context.CancelFunc)
	if !ok {
		qCtx.mu.Unlock()
		return false, fmt.Errorf("cannot cancel query: cancel function not found")
	}

	stage := string(qCtx.CurrentState)
	qCtx.setCancelledLocked(NewCancelledError(stage, nil), stage)
	qCtx.mu.Unlock()

	cancelFn()

	if e.config.EnableEventBus && e.eventBus != nil {
		cancelEvent := eventbus.NewEvent(
			eventbus.EventQueryAsyncCancelled,
			qCtx.Query,
			"Engine.CancelAsyncQuery",
			map[string]interface{}{
				"query_id":    queryID,
				"duration_ms": qCtx.GetTotalDuration().Milliseconds(),
			},
		)
		e.eventBus.Publish(context.Background(), cancelEvent)
	}

	return true, nil
}

// ListAsyncQueries returns all async query IDs and their current states.
func (e *Engine) ListAsyncQueries() map[string]string {
	e.asyncQueriesMutex.RLock()
	defer e.asyncQueriesMutex.RUnlock()

	result := make(map[string]string)
	for id, qCtx := range e.asyncQueries {
		result[id] = string(qCtx.State())
	}

	return result
}

// CleanupCompletedQueries removes terminal queries older than the given
// duration. This keeps the async map from growing without bound.
func (e *Engine) CleanupCompletedQueries(olderThan time.Duration) int {
	e.asyncQueriesMutex.Lock()
	defer e.asyncQueriesMutex.Unlock()

	now := time.Now()
	count := 0

	for id, qCtx := range e.asyncQueries {
		finishedAt, done := qCtx.terminalSince()
		if done && now.Sub(finishedAt) > olderThan {
			delete(e.asyncQueries, id)
			count++
		}
	}

	return count
}
