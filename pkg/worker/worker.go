// Package worker implements the request orchestrator that sits between the
// daemon transport (C8) and the lane scheduler (C7): it parses one request
// line, branches on kind, and for "run" requests resolves a lane key and
// enqueues the actual work. Per §9's redesign note on the cyclic reference
// between orchestrator and scheduler, this package depends on the
// DaemonScheduler interface below rather than a concrete *scheduler.Scheduler,
// mirroring how pkg/fleet.Executor takes a RelayClient interface instead of
// a concrete relay type.
package worker

import (
	"context"
	"crypto/subtle"

	"github.com/marcohefti/surfwright/pkg/contract"
	"github.com/marcohefti/surfwright/pkg/executor"
	"github.com/marcohefti/surfwright/pkg/lanekey"
	"github.com/marcohefti/surfwright/pkg/scheduler"
)

// DaemonScheduler is the subset of *scheduler.Scheduler the orchestrator
// needs. Declaring it here (rather than importing the scheduler package's
// concrete type as a dependency of the orchestrator's own exported API)
// breaks the cyclic reference §9 calls out and lets tests substitute a fake
// scheduler.
type DaemonScheduler interface {
	Enqueue(ctx context.Context, laneKey string, execute scheduler.Execute) (any, error)
	Snapshot() scheduler.Stats
}

// Request is one parsed request line of the daemon wire protocol (§4.8).
type Request struct {
	Token     string
	Kind      string
	Argv      []string
	SessionID string
	Profile   string
	AgentID   string
	TimeoutMs int
}

// runResult is the value an enqueued "run" task returns through the
// scheduler, carried across the Execute/any boundary.
type runResult struct {
	outcome   executor.Outcome
	commandID string
}

// Orchestrator parses daemon requests and drives the scheduler/executor
// pair to fulfil them.
type Orchestrator struct {
	scheduler      DaemonScheduler
	commands       *executor.Registry
	token          string
	laneQueueDepth int
}

// New creates an orchestrator that authenticates against expectedToken and
// dispatches "run" requests through sched using the commands registry.
// laneQueueDepth is the configured cap (§4.7) surfaced in queue-rejection
// hintContext so a caller can judge how contended the lane is.
func New(sched DaemonScheduler, commands *executor.Registry, expectedToken string, laneQueueDepth int) *Orchestrator {
	return &Orchestrator{scheduler: sched, commands: commands, token: expectedToken, laneQueueDepth: laneQueueDepth}
}

// Outcome is what Handle returns to the daemon transport: the result
// envelope to write as the response line, plus flags the transport acts on.
type Outcome struct {
	Result          *contract.Result
	ScheduleIdle    bool
	ShutdownAfter   bool
	TokenWasInvalid bool
}

// Handle branches on req.Kind per §4.9 and returns the response envelope.
func (o *Orchestrator) Handle(ctx context.Context, req Request) Outcome {
	if subtle.ConstantTimeCompare([]byte(o.token), []byte(req.Token)) != 1 {
		return Outcome{
			Result:          contract.Failure(contract.New(contract.EDaemonTokenInvalid, "token mismatch")),
			TokenWasInvalid: true,
		}
	}

	switch req.Kind {
	case "ping":
		return Outcome{Result: contract.Success(map[string]any{"kind": "pong"}), ScheduleIdle: true}

	case "shutdown":
		return Outcome{Result: contract.Success(map[string]any{"kind": "shutdown"}), ShutdownAfter: true}

	case "run":
		return o.handleRun(ctx, req)

	default:
		return Outcome{Result: contract.Failure(contract.Newf(contract.EDaemonRequestInvalid, "unknown request kind: %s", req.Kind))}
	}
}

func (o *Orchestrator) handleRun(ctx context.Context, req Request) Outcome {
	if req.Argv == nil || len(req.Argv) == 0 {
		return Outcome{Result: contract.Failure(contract.New(contract.EDaemonRequestInvalid, "argv must be a non-empty array of strings"))}
	}

	laneKey, cerr := lanekey.Resolve(lanekey.Invocation{
		SessionID: req.SessionID,
		Profile:   req.Profile,
		AgentID:   req.AgentID,
	})
	if cerr != nil {
		return Outcome{Result: contract.Failure(cerr)}
	}

	commandID := req.Argv[0]
	value, err := o.scheduler.Enqueue(ctx, laneKey, func(ctx context.Context) (any, error) {
		outcome := o.commands.Run(ctx, commandID, req.Argv[1:])
		return runResult{outcome: outcome, commandID: commandID}, nil
	})
	if err != nil {
		return Outcome{Result: o.queueFailure(err, laneKey, req)}
	}

	rr, ok := value.(runResult)
	if !ok {
		return Outcome{Result: contract.Failure(contract.New(contract.EDaemonRunFailed, "unexpected scheduler result shape"))}
	}

	if !rr.outcome.Result.OK {
		return Outcome{Result: rr.outcome.Result, ScheduleIdle: true}
	}
	return Outcome{
		Result: contract.Success(map[string]any{
			"kind":   "run",
			"code":   rr.outcome.ExitCode,
			"stdout": rr.outcome.Stdout,
			"stderr": rr.outcome.Stderr,
		}),
		ScheduleIdle: true,
	}
}

// queueFailure maps a scheduler rejection to the typed queue-error envelope
// of §4.9: {ok:false, code, retryable:true, phase:"daemon_queue",
// recovery:{strategy:"retry-after-backoff", ...}, hints, hintContext}.
func (o *Orchestrator) queueFailure(err error, laneKey string, req Request) *contract.Result {
	ce, ok := contract.AsError(err)
	if !ok {
		return contract.Failure(contract.Wrap(contract.EDaemonRunFailed, err))
	}
	if ce.Kind != contract.EDaemonQueueSaturated && ce.Kind != contract.EDaemonQueueTimeout {
		return contract.Failure(contract.Wrap(contract.EDaemonRunFailed, ce))
	}

	retryAfterMs := 250
	queueDepth := 0
	snap := o.scheduler.Snapshot()
	for _, l := range snap.Lanes {
		if l.Key == laneKey {
			queueDepth = l.QueueDepth
			break
		}
	}

	annotated := ce.WithPhase("daemon_queue").WithRecovery(&contract.Recovery{
		Strategy:       "retry-after-backoff",
		RequiredFields: []string{"queueScope", "retryAfterMs"},
		Context: map[string]any{
			"queueScope":   laneKey,
			"retryAfterMs": retryAfterMs,
		},
	}).WithHints(
		[]string{"retry the request after retryAfterMs", "consider a less contended lane (session/profile/agent)"},
		map[string]any{
			"queueScope":     laneKey,
			"queueWaitMs":    req.TimeoutMs,
			"queueDepth":     queueDepth,
			"laneQueueDepth": o.laneQueueDepth,
			"retryAfterMs":   retryAfterMs,
		},
	)
	annotated.Retryable = true
	return contract.Failure(annotated)
}
