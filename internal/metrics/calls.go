package metrics

import (
	"time"

	"github.com/hazyhaar/moraltorture/internal/db"
	"github.com/hazyhaar/moraltorture/internal/llm"
)

// CallLog persists every fallback attempt to the metrics database.
type CallLog struct {
	db *db.MetricsDB
}

func NewCallLog(mdb *db.MetricsDB) *CallLog {
	return &CallLog{db: mdb}
}

// ObserveAttempt implements llm.Observer.
func (l *CallLog) ObserveAttempt(a llm.Attempt) {
	if l == nil || l.db == nil {
		return
	}
	var msg string
	if a.Err != nil {
		msg = a.Err.Msg
	}
	l.db.RecordLLMCall(a.Operation, a.Model, a.Index+1, a.StatusCode,
		int(a.Latency/time.Millisecond), a.Err == nil, msg)
}

// RecordHTTP persists one served request.
func (l *CallLog) RecordHTTP(method, route string, status int, d time.Duration) {
	if l == nil || l.db == nil {
		return
	}
	l.db.RecordHTTPRequest(method, route, status, int(d/time.Millisecond))
}
