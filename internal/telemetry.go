package internal

import (
	"context"
	"sync/atomic"
	"time"
)

// TelemetryEmitter receives the metrics sessions record. Sessions call it synchronously on
// the goroutine that ran the statement.
type TelemetryEmitter func(ctx context.Context, name string, labels map[string]string, value any)

const (
	// MetricStatementLatency carries milliseconds, labelled {"stage": "query"|"flush"|"bulk"}.
	MetricStatementLatency = "orma_statement_latency_ms"
	// MetricRowCount carries an int64, labelled {"entity": name, "op": "read"|"insert"|"update"|"delete"|"bulk"}.
	MetricRowCount = "orma_row_count"
)

var emitter atomic.Pointer[TelemetryEmitter]

// RegisterTelemetryEmitter installs fn; nil drops metrics again.
func RegisterTelemetryEmitter(fn TelemetryEmitter) {
	if fn == nil {
		emitter.Store(nil)
		return
	}
	emitter.Store(&fn)
}

func emit(ctx context.Context, name string, labels map[string]string, value any) {
	if fn := emitter.Load(); fn != nil {
		(*fn)(ctx, name, labels, value)
	}
}

// stopwatch starts timing one stage. The returned func records the latency and
// returns it for logging.
func stopwatch(ctx context.Context, stage string) func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		elapsed := time.Since(start)
		emit(ctx, MetricStatementLatency, map[string]string{"stage": stage}, elapsed.Milliseconds())
		return elapsed
	}
}

// EmitRowCount records rows read or written for one entity.
func EmitRowCount(ctx context.Context, entity, op string, rows int64) {
	emit(ctx, MetricRowCount, map[string]string{"entity": entity, "op": op}, rows)
}
