// Runtime wiring for the surfwright CLI, generalizing
// cmd/devopsclaw/cobra_cli.go's newFleetStack helper: one function builds
// the whole dependency graph (workspace store, profile locks, session
// registry, browser supervisor, lane scheduler, worker orchestrator) from a
// resolved Config and logger.
package main

import (
	"context"
	"log/slog"
	"syscall"
	"time"

	"github.com/marcohefti/surfwright/pkg/browser"
	"github.com/marcohefti/surfwright/pkg/config"
	"github.com/marcohefti/surfwright/pkg/diagnostics"
	"github.com/marcohefti/surfwright/pkg/executor"
	"github.com/marcohefti/surfwright/pkg/profilelock"
	"github.com/marcohefti/surfwright/pkg/scheduler"
	"github.com/marcohefti/surfwright/pkg/session"
	"github.com/marcohefti/surfwright/pkg/worker"
	"github.com/marcohefti/surfwright/pkg/workspace"
)

// cdpProber implements session.Prober against the browser package's debug
// endpoint probe and process-tree kill primitives.
type cdpProber struct{}

func (cdpProber) Probe(ctx context.Context, endpoint string, timeout time.Duration) error {
	if browser.IsCdpEndpointReachable(endpoint, timeout) {
		return nil
	}
	return context.DeadlineExceeded
}

func (cdpProber) Terminate(ctx context.Context, pid int) error {
	if cerr := browser.KillManagedBrowserProcessTree(pid, syscall.SIGTERM); cerr != nil {
		return cerr
	}
	return nil
}

// runtimeStack is the full set of components one CLI invocation or daemon
// process needs.
type runtimeStack struct {
	cfg        *config.Config
	logger     *slog.Logger
	layout     workspace.Layout
	store      *workspace.Store
	locks      *profilelock.Manager
	sessions   *session.Registry
	supervisor *browser.Supervisor
	toolkit    *browser.Toolkit
	dispatcher *browser.TargetDispatcher
	bus        *diagnostics.Bus
	sink       *diagnostics.Sink
	diagStore  *diagnostics.Store
	sched      *scheduler.Scheduler
	commands   *executor.Registry
	orch       *worker.Orchestrator
}

func newRuntimeStack(cfg *config.Config, logger *slog.Logger, layout workspace.Layout) *runtimeStack {
	bus := diagnostics.NewBus()
	sink := diagnostics.NewSink(bus)
	diagStore := diagnostics.NewStore(layout.Root)

	locks := profilelock.New(layout.ProfileSessionsDir(), cfg.LockPoll(), cfg.LockTimeout(), cfg.LockStale())
	registry := session.NewRegistry(cdpProber{}, logger, cfg.ReconcileGrace())
	supervisor := browser.NewSupervisor(layout, locks, registry, logger, browser.Config{})

	toolkit := browser.NewToolkit(browser.ToolkitConfig{})
	dispatcher := browser.NewTargetDispatcher(toolkit)

	sched := scheduler.New(scheduler.Config{
		GlobalActiveLanes: cfg.GlobalActiveLanes,
		LaneQueueDepth:    cfg.LaneQueueDepth,
		QueueWait:         cfg.QueueWait(),
	}, sink, logger)

	store := workspace.New(layout)

	s := &runtimeStack{
		cfg:        cfg,
		logger:     logger,
		layout:     layout,
		store:      store,
		locks:      locks,
		sessions:   registry,
		supervisor: supervisor,
		toolkit:    toolkit,
		dispatcher: dispatcher,
		bus:        bus,
		sink:       sink,
		diagStore:  diagStore,
		sched:      sched,
	}

	s.commands = executor.NewRegistry()
	registerCommands(s.commands, s)
	s.orch = worker.New(s.sched, s.commands, "", cfg.LaneQueueDepth)

	return s
}

// loadSessions hydrates the in-memory session registry from the on-disk
// state document, called once at the start of any command that touches
// sessions.
func (s *runtimeStack) loadSessions(ctx context.Context) error {
	doc, err := s.store.Read(ctx)
	if err != nil {
		return err
	}
	s.sessions.Load(doc.Sessions, doc.ActiveSessionID)
	return nil
}

// persistSessions writes the in-memory session registry's current view back
// to the state document.
func (s *runtimeStack) persistSessions(ctx context.Context) error {
	sessions, active := s.sessions.Snapshot()
	_, err := s.store.Mutate(ctx, func(doc *workspace.Document) error {
		doc.Sessions = sessions
		doc.ActiveSessionID = active
		return nil
	})
	return err
}

func (s *runtimeStack) Close() {
	s.dispatcher.Close()
	s.bus.Close()
}
