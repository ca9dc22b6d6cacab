package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcohefti/surfwright/pkg/contract"
	"github.com/marcohefti/surfwright/pkg/executor"
	"github.com/marcohefti/surfwright/pkg/scheduler"
)

// fakeScheduler runs execute inline, optionally returning a canned error
// instead, so orchestrator tests stay unit-scoped from real lane semantics.
type fakeScheduler struct {
	err   error
	stats scheduler.Stats
}

func (f *fakeScheduler) Enqueue(ctx context.Context, laneKey string, execute scheduler.Execute) (any, error) {
	if f.err != nil {
		return nil, f.err
	}
	return execute(ctx)
}

func (f *fakeScheduler) Snapshot() scheduler.Stats { return f.stats }

func newRegistry() *executor.Registry {
	r := executor.NewRegistry()
	r.Register("open", func(ctx context.Context, argv []string, sink *executor.OutputSink) (map[string]any, *contract.Error) {
		sink.WriteStdout("opened")
		return map[string]any{"argv": argv}, nil
	})
	r.Register("fail", func(ctx context.Context, argv []string, sink *executor.OutputSink) (map[string]any, *contract.Error) {
		return nil, contract.New(contract.ETargetNotFound, "not found")
	})
	return r
}

func TestHandle_TokenMismatchRejectsImmediately(t *testing.T) {
	o := New(&fakeScheduler{}, newRegistry(), "secret", 8)
	out := o.Handle(context.Background(), Request{Token: "wrong", Kind: "ping"})
	require.False(t, out.Result.OK)
	assert.True(t, out.TokenWasInvalid)
	assert.Equal(t, contract.EDaemonTokenInvalid, out.Result.Err.Kind)
}

func TestHandle_Ping(t *testing.T) {
	o := New(&fakeScheduler{}, newRegistry(), "secret", 8)
	out := o.Handle(context.Background(), Request{Token: "secret", Kind: "ping"})
	require.True(t, out.Result.OK)
	assert.True(t, out.ScheduleIdle)
}

func TestHandle_Shutdown(t *testing.T) {
	o := New(&fakeScheduler{}, newRegistry(), "secret", 8)
	out := o.Handle(context.Background(), Request{Token: "secret", Kind: "shutdown"})
	require.True(t, out.Result.OK)
	assert.True(t, out.ShutdownAfter)
}

func TestHandle_UnknownKind(t *testing.T) {
	o := New(&fakeScheduler{}, newRegistry(), "secret", 8)
	out := o.Handle(context.Background(), Request{Token: "secret", Kind: "dance"})
	require.False(t, out.Result.OK)
	assert.Equal(t, contract.EDaemonRequestInvalid, out.Result.Err.Kind)
}

func TestHandle_RunEmptyArgvInvalid(t *testing.T) {
	o := New(&fakeScheduler{}, newRegistry(), "secret", 8)
	out := o.Handle(context.Background(), Request{Token: "secret", Kind: "run"})
	require.False(t, out.Result.OK)
	assert.Equal(t, contract.EDaemonRequestInvalid, out.Result.Err.Kind)
}

func TestHandle_RunSuccess(t *testing.T) {
	o := New(&fakeScheduler{}, newRegistry(), "secret", 8)
	out := o.Handle(context.Background(), Request{Token: "secret", Kind: "run", Argv: []string{"open", "https://example.com"}})
	require.True(t, out.Result.OK)
	assert.True(t, out.ScheduleIdle)
}

func TestHandle_RunCommandFailurePropagates(t *testing.T) {
	o := New(&fakeScheduler{}, newRegistry(), "secret", 8)
	out := o.Handle(context.Background(), Request{Token: "secret", Kind: "run", Argv: []string{"fail"}})
	require.False(t, out.Result.OK)
	assert.Equal(t, contract.ETargetNotFound, out.Result.Err.Kind)
}

func TestHandle_RunInvalidProfileLaneKey(t *testing.T) {
	o := New(&fakeScheduler{}, newRegistry(), "secret", 8)
	out := o.Handle(context.Background(), Request{Token: "secret", Kind: "run", Argv: []string{"open"}, Profile: "bad name!"})
	require.False(t, out.Result.OK)
	assert.Equal(t, contract.EProfileInvalid, out.Result.Err.Kind)
}

func TestHandle_QueueSaturatedMapsToRetryableEnvelope(t *testing.T) {
	sched := &fakeScheduler{
		err: contract.New(contract.EDaemonQueueSaturated, "lane queue full"),
		stats: scheduler.Stats{Lanes: []scheduler.LaneStats{
			{Key: "control", QueueDepth: 8, Active: true},
		}},
	}
	o := New(sched, newRegistry(), "secret", 8)
	out := o.Handle(context.Background(), Request{Token: "secret", Kind: "run", Argv: []string{"open"}})

	require.False(t, out.Result.OK)
	assert.Equal(t, contract.EDaemonQueueSaturated, out.Result.Err.Kind)
	assert.True(t, out.Result.Err.Retryable)
	assert.Equal(t, "daemon_queue", out.Result.Err.Phase)
	require.NotNil(t, out.Result.Err.Recovery)
	assert.Equal(t, "retry-after-backoff", out.Result.Err.Recovery.Strategy)
	assert.Equal(t, 8, out.Result.Err.HintContext["queueDepth"])
}

func TestHandle_QueueTimeoutMapsToRetryableEnvelope(t *testing.T) {
	sched := &fakeScheduler{err: contract.New(contract.EDaemonQueueTimeout, "deadline exceeded")}
	o := New(sched, newRegistry(), "secret", 8)
	out := o.Handle(context.Background(), Request{Token: "secret", Kind: "run", Argv: []string{"open"}})

	require.False(t, out.Result.OK)
	assert.Equal(t, contract.EDaemonQueueTimeout, out.Result.Err.Kind)
	assert.True(t, out.Result.Err.Retryable)
}

func TestHandle_NonQueueSchedulerErrorMapsToRunFailed(t *testing.T) {
	sched := &fakeScheduler{err: context.Canceled}
	o := New(sched, newRegistry(), "secret", 8)
	out := o.Handle(context.Background(), Request{Token: "secret", Kind: "run", Argv: []string{"open"}})

	require.False(t, out.Result.OK)
	assert.Equal(t, contract.EDaemonRunFailed, out.Result.Err.Kind)
}
