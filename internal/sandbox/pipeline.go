package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/ChuLiYu/flink-harness/internal/pipeline"
	"github.com/ChuLiYu/flink-harness/pkg/types"
)

// FakePipeline is a scripted pipeline.Client. It does not process records.
// A started run reports StartState (RUNNING by default); Stop moves it to
// StopState (CANCELED by default).
type FakePipeline struct {
	mu          sync.Mutex
	runs        int
	state       types.PipelineState
	exceptions  types.Exceptions
	checkpoints types.Checkpoints
	started     []pipeline.StartParams
	stops       []string
	stopCreds   []types.Credential
	startState  types.PipelineState
	stopState   types.PipelineState
	startErr    error
	stopErr     error
	queryErr    error

	// StopHook, when set, runs inside Stop before the state changes.
	StopHook func()
}

// NewFakePipeline creates a fake whose runs start RUNNING and stop CANCELED.
func NewFakePipeline() *FakePipeline {
	return &FakePipeline{
		startState: types.StateRunning,
		stopState:  types.StateCanceled,
	}
}

// SetStartState sets the state reported after Start.
func (p *FakePipeline) SetStartState(s types.PipelineState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startState = s
}

// SetStopState sets the state reported after Stop.
func (p *FakePipeline) SetStopState(s types.PipelineState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopState = s
}

// SetRootException makes the next health check report an exception.
func (p *FakePipeline) SetRootException(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exceptions = types.Exceptions{RootException: msg, AllExceptions: []string{msg}}
}

// SetFailedCheckpoints sets counts.failed.
func (p *FakePipeline) SetFailedCheckpoints(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkpoints.Counts.Failed = n
}

// SetErrors injects failures into Start, Stop and the query methods.
func (p *FakePipeline) SetErrors(start, stop, query error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startErr, p.stopErr, p.queryErr = start, stop, query
}

// Started returns the params of every Start call.
func (p *FakePipeline) Started() []pipeline.StartParams {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pipeline.StartParams(nil), p.started...)
}

// Stops returns the run ids passed to Stop.
func (p *FakePipeline) Stops() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.stops...)
}

// StopCredentials returns the credential of every Stop call.
func (p *FakePipeline) StopCredentials() []types.Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]types.Credential(nil), p.stopCreds...)
}

func (p *FakePipeline) Start(ctx context.Context, cred types.Credential, params pipeline.StartParams) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return "", p.startErr
	}
	p.runs++
	p.started = append(p.started, params)
	p.state = p.startState
	return fmt.Sprintf("run-%d", p.runs), nil
}

func (p *FakePipeline) Stop(ctx context.Context, cred types.Credential, runID string) error {
	if p.StopHook != nil {
		p.StopHook()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops = append(p.stops, runID)
	p.stopCreds = append(p.stopCreds, cred)
	if p.stopErr != nil {
		return p.stopErr
	}
	p.state = p.stopState
	return nil
}

func (p *FakePipeline) State(ctx context.Context, cred types.Credential, runID string) (types.PipelineState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queryErr != nil {
		return "", p.queryErr
	}
	return p.state, nil
}

func (p *FakePipeline) Exceptions(ctx context.Context, cred types.Credential, runID string) (types.Exceptions, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queryErr != nil {
		return types.Exceptions{}, p.queryErr
	}
	return p.exceptions, nil
}

func (p *FakePipeline) Checkpoints(ctx context.Context, cred types.Credential, runID string) (types.Checkpoints, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queryErr != nil {
		return types.Checkpoints{}, p.queryErr
	}
	return p.checkpoints, nil
}
