package engine

import (
	"context"
	"time"

	"admission/pkg/abuse"
	"admission/pkg/category"
	"admission/pkg/circuit"
	"admission/pkg/slo"
)

// Recorder receives everything the engine observes. It is invoked by the
// orchestrator after each stage and decision, never from inside a stage.
// Implementations must not block on slow sinks.
type Recorder interface {
	Decision(ctx context.Context, d Decision)
	Degraded(ctx context.Context, ev DegradedEvent)
	Patterns(ctx context.Context, clientID string, patterns []abuse.Pattern)
	Outcome(ctx context.Context, d Decision, status int, latency time.Duration)
	Alerts(ctx context.Context, alerts []slo.Alert)
	Stage(stage Stage, elapsed time.Duration)
	BreakerChanged(endpoint string, c category.Category, from, to circuit.State)
}

type NopRecorder struct{}

func (NopRecorder) Decision(context.Context, Decision) {}
func (NopRecorder) Degraded(context.Context, DegradedEvent) {}
func (NopRecorder) Patterns(context.Context, string, []abuse.Pattern) {}
func (NopRecorder) Outcome(context.Context, Decision, int, time.Duration) {}
func (NopRecorder) Alerts(context.Context, []slo.Alert) {}
func (NopRecorder) Stage(Stage, time.Duration) {}
func (NopRecorder) BreakerChanged(string, category.Category, circuit.State, circuit.State) {}
