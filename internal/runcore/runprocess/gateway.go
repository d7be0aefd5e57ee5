package runprocess

import (
	"context"
)

// Gateway is the external black-box job submitter: it accepts a Job and
// emits an event stream on bus.RunTopic(job.RunID). This package depends
// only on this narrow interface; the concrete adapter wrapping
// internal/agent.Loop lives in internal/runcore/gatewayadapter so that
// runprocess itself never imports the engine runtime.
type Gateway interface {
	// Submit begins executing job. It must be idempotent per RunID:
	// calling Submit twice for the same RunID after a successful first
	// call is a no-op from the gateway's perspective (the caller is
	// expected to track gateway_submitted itself,
	// but a well-behaved Gateway tolerates a duplicate call rather than
	// double-running).
	Submit(ctx context.Context, job Job) error

	// Abort best-effort cancels a running job by RunID. It must not block
	// waiting for the run to actually stop; the run-topic's eventual
	// run_completed (real or gateway-DOWN-synthetic) drives teardown.
	Abort(ctx context.Context, runID string) error
}
