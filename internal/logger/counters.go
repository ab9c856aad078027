package logger

import "sync/atomic"

// Process-wide counters behind the metrics endpoints. They are incremented on every
// event, whether or not the matching log line was sampled.
var (
	TotalErrors    atomic.Int64
	TotalWarnings  atomic.Int64
	Total5xxErrors atomic.Int64
	Total4xxErrors atomic.Int64
	SlowRequests   atomic.Int64

	RowsProcessed    atomic.Int64
	RowsEmitted      atomic.Int64
	RowsSkipped      atomic.Int64
	CoercionFailures atomic.Int64
	ActionFailures   atomic.Int64
)

// ErrorHttp5xx counts a server error response.
func ErrorHttp5xx() {
	Total5xxErrors.Add(1)
	TotalErrors.Add(1)
}

// WarnHttp4xx counts a client error response.
func WarnHttp4xx() {
	Total4xxErrors.Add(1)
	TotalWarnings.Add(1)
}

func WarnSlowRequest() {
	SlowRequests.Add(1)
	TotalWarnings.Add(1)
}

// CountRow records one input row taken by a stage.
func CountRow() { RowsProcessed.Add(1) }

// CountEmitted records n output records.
func CountEmitted(n int) { RowsEmitted.Add(int64(n)) }

// CountSkipped records a row vetoed by a rule.
func CountSkipped() { RowsSkipped.Add(1) }

// WarnCoercion records a row whose inferred values did not fit the output schema.
func WarnCoercion() {
	CoercionFailures.Add(1)
	TotalWarnings.Add(1)
}

// WarnActionFailure records a row on which a rule action failed.
func WarnActionFailure() {
	ActionFailures.Add(1)
	TotalWarnings.Add(1)
}
