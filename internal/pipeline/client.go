// ============================================================================
// flink-harness Pipeline Control Plane
// ============================================================================
//
// Package: internal/pipeline
// File: client.go
// Purpose: Defines the control-plane contract used to start, stop and inspect
//          a remote pipeline run.
//
// Implementations:
//   - RESTClient:  Flink REST API (jars/run, jobs/{id}, exceptions, checkpoints)
//   - GRPCClient:  control-plane agent reached over gRPC (see grpc.go)
//
// ============================================================================

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/flink-harness/pkg/types"
)

// ErrStateTimeout is returned by WaitForState when the run does not reach the
// wanted state in time.
var ErrStateTimeout = errors.New("pipeline: timed out waiting for state")

// StartParams describes one pipeline run.
type StartParams struct {
	ArtifactID      string            // uploaded program (jar) to run
	EntryClass      string            // optional
	Parallelism     int               // operator parallelism
	Channels        types.Channels    // input is required, the rest are informational
	CompletionDelay time.Duration     // how long the pipeline waits before emitting "completed"
	Properties      map[string]string // extra program arguments (brokers, service urls, ...)
}

// Client is the pipeline control plane.
type Client interface {
	// Start launches a run and returns its id.
	Start(ctx context.Context, cred types.Credential, params StartParams) (string, error)
	// Stop requests cancellation. It does not wait for a terminal state.
	Stop(ctx context.Context, cred types.Credential, runID string) error
	State(ctx context.Context, cred types.Credential, runID string) (types.PipelineState, error)
	Exceptions(ctx context.Context, cred types.Credential, runID string) (types.Exceptions, error)
	Checkpoints(ctx context.Context, cred types.Credential, runID string) (types.Checkpoints, error)
}

// WaitForState polls State every poll interval until match returns true or
// timeout elapses. It returns the last observed state. Query errors end the
// wait immediately.
func WaitForState(ctx context.Context, c Client, cred types.Credential, runID string, match func(types.PipelineState) bool, timeout, poll time.Duration) (types.PipelineState, error) {
	if poll <= 0 {
		poll = time.Second
	}
	deadline := time.Now().Add(timeout)
	var last types.PipelineState

	for {
		state, err := c.State(ctx, cred, runID)
		if err != nil {
			return last, fmt.Errorf("query state of %s: %w", runID, err)
		}
		last = state
		if match(state) {
			return state, nil
		}
		if !time.Now().Before(deadline) {
			return last, fmt.Errorf("%w: run %s is %s after %s", ErrStateTimeout, runID, last, timeout)
		}

		wait := poll
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return last, ctx.Err()
		case <-timer.C:
		}
	}
}

// Is returns a matcher for a single state.
func Is(want types.PipelineState) func(types.PipelineState) bool {
	return func(s types.PipelineState) bool { return s == want }
}

// Terminal matches FINISHED, CANCELED and FAILED.
func Terminal(s types.PipelineState) bool {
	return s.IsTerminal()
}
