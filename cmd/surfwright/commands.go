// Command handlers registered into the shared executor.Registry (C10), so
// the CLI's direct-execution path and the daemon's run-request path (C8/C9)
// invoke exactly the same logic.
package main

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/marcohefti/surfwright/pkg/browser"
	"github.com/marcohefti/surfwright/pkg/contract"
	"github.com/marcohefti/surfwright/pkg/executor"
	"github.com/marcohefti/surfwright/pkg/session"
	"github.com/marcohefti/surfwright/pkg/workspace"
)

// parsedArgs is a flattened view of a command's argv: flags and positional
// arguments, matching the shape NormalizeArgv (C10) already produced for
// the target flag rewrite.
type parsedArgs struct {
	positional []string
	flags      map[string]string
	bools      map[string]bool
}

func parseArgs(argv []string) parsedArgs {
	p := parsedArgs{flags: map[string]string{}, bools: map[string]bool{}}
	for i := 0; i < len(argv); i++ {
		arg := argv[i]
		if !strings.HasPrefix(arg, "--") {
			p.positional = append(p.positional, arg)
			continue
		}
		name := strings.TrimPrefix(arg, "--")
		if eq := strings.IndexByte(name, '='); eq >= 0 {
			p.flags[name[:eq]] = name[eq+1:]
			continue
		}
		if i+1 < len(argv) && !strings.HasPrefix(argv[i+1], "--") {
			p.flags[name] = argv[i+1]
			i++
			continue
		}
		p.bools[name] = true
	}
	return p
}

func (p parsedArgs) str(name, def string) string {
	if v, ok := p.flags[name]; ok {
		return v
	}
	return def
}

func (p parsedArgs) intv(name string, def int) int {
	if v, ok := p.flags[name]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func (p parsedArgs) positionalAt(i int, def string) string {
	if i < len(p.positional) {
		return p.positional[i]
	}
	return def
}

func registerCommands(reg *executor.Registry, s *runtimeStack) {
	reg.Register("doctor", s.cmdDoctor)
	reg.Register("contract", s.cmdContract)
	reg.Register("workspace.info", s.cmdWorkspaceInfo)
	reg.Register("workspace.init", s.cmdWorkspaceInit)
	reg.Register("workspace.profile-locks", s.cmdWorkspaceProfileLocks)
	reg.Register("workspace.profile-lock-clear", s.cmdWorkspaceProfileLockClear)

	reg.Register("session.ensure", s.cmdSessionEnsure)
	reg.Register("session.new", s.cmdSessionEnsure)
	reg.Register("session.fresh", s.cmdSessionFresh)
	reg.Register("session.attach", s.cmdSessionAttach)
	reg.Register("session.use", s.cmdSessionUse)
	reg.Register("session.list", s.cmdSessionList)
	reg.Register("session.prune", s.cmdSessionPrune)
	reg.Register("session.clear", s.cmdSessionClear)
	reg.Register("session.cookie-copy", s.cmdSessionCookieCopy)

	reg.Register("open", s.cmdOpen)
	reg.Register("target", s.cmdTarget)

	reg.Register("state.reconcile", s.cmdStateReconcile)
	reg.Register("state.disk-prune", s.cmdStateDiskPrune)

	reg.Register("run", s.cmdRun)

	reg.Register("update.check", s.cmdUpdateCheck)
	reg.Register("update.run", s.cmdUpdateRun)
	reg.Register("update.rollback", s.cmdUpdateRollback)

	reg.Register("skill.install", s.cmdSkillInstall)
	reg.Register("skill.doctor", s.cmdSkillDoctor)
	reg.Register("skill.update", s.cmdSkillUpdate)
}

// ---- doctor / contract ----

func (s *runtimeStack) cmdDoctor(ctx context.Context, argv []string, sink *executor.OutputSink) (map[string]any, *contract.Error) {
	locks, _ := s.locks.List()
	sessions, active := s.sessions.Snapshot()

	report := map[string]any{
		"goVersion":       runtime.Version(),
		"workspace":       s.layout.Root,
		"daemonEnabled":   s.cfg.DaemonEnabled,
		"profileLocks":    len(locks),
		"sessions":        len(sessions),
		"activeSessionID": active,
		"schedulerStats":  s.sched.Snapshot(),
	}
	return report, nil
}

func (s *runtimeStack) cmdContract(ctx context.Context, argv []string, sink *executor.OutputSink) (map[string]any, *contract.Error) {
	kinds := []string{
		string(contract.EURLInvalid), string(contract.ECDPInvalid), string(contract.ECDPUnreachable),
		string(contract.ESessionIDInvalid), string(contract.ESessionExists), string(contract.ESessionConflict),
		string(contract.ESessionUnreachable), string(contract.EBrowserStartTimeout), string(contract.ETargetIDInvalid),
		string(contract.ETargetNotFound), string(contract.EQueryInvalid), string(contract.ESelectorInvalid),
		string(contract.EWaitTimeout), string(contract.EAssertFailed), string(contract.EProfileInvalid),
		string(contract.EProfileLocked), string(contract.EStateLockTimeout), string(contract.EDaemonRequestInvalid),
		string(contract.EDaemonTokenInvalid), string(contract.EDaemonRunFailed), string(contract.EDaemonQueueSaturated),
		string(contract.EDaemonQueueTimeout), string(contract.EInternal),
	}
	return map[string]any{"kinds": kinds}, nil
}

// ---- workspace ----

func (s *runtimeStack) cmdWorkspaceInfo(ctx context.Context, argv []string, sink *executor.OutputSink) (map[string]any, *contract.Error) {
	return map[string]any{
		"root":          s.layout.Root,
		"statePath":     s.layout.StatePath(),
		"profilesDir":   s.layout.ProfilesDir(),
		"daemonSocket":  s.layout.DaemonSocketPath(),
		"diagnostics":   s.layout.DiagnosticsPath(),
	}, nil
}

func (s *runtimeStack) cmdWorkspaceInit(ctx context.Context, argv []string, sink *executor.OutputSink) (map[string]any, *contract.Error) {
	l, err := workspace.Init(filepath.Dir(s.layout.Root))
	if err != nil {
		if ce, ok := contract.AsError(err); ok {
			return nil, ce
		}
		return nil, contract.Wrap(contract.EInternal, err)
	}
	return map[string]any{"root": l.Root, "created": true}, nil
}

func (s *runtimeStack) cmdWorkspaceProfileLocks(ctx context.Context, argv []string, sink *executor.OutputSink) (map[string]any, *contract.Error) {
	list, err := s.locks.List()
	if err != nil {
		if ce, ok := contract.AsError(err); ok {
			return nil, ce
		}
		return nil, contract.Wrap(contract.EInternal, err)
	}
	return map[string]any{"locks": list}, nil
}

func (s *runtimeStack) cmdWorkspaceProfileLockClear(ctx context.Context, argv []string, sink *executor.OutputSink) (map[string]any, *contract.Error) {
	p := parseArgs(argv)
	profile := p.positionalAt(0, p.str("profile", ""))
	if profile == "" {
		return nil, contract.New(contract.EProfileInvalid, "profile name is required")
	}
	force := p.bools["force"]

	cleared, reason, cerr := s.locks.Clear(profile, force)
	if cerr != nil {
		return nil, cerr
	}
	return map[string]any{"cleared": cleared, "reason": reason}, nil
}

// ---- session ----

func (s *runtimeStack) cmdSessionEnsure(ctx context.Context, argv []string, sink *executor.OutputSink) (map[string]any, *contract.Error) {
	p := parseArgs(argv)
	profile := p.positionalAt(0, p.str("profile", ""))
	if profile == "" {
		return nil, contract.New(contract.EProfileInvalid, "profile name is required")
	}
	mode := browser.ModeHeadless
	if p.str("mode", "") == "headed" {
		mode = browser.ModeHeaded
	}

	if err := s.loadSessions(ctx); err != nil {
		return nil, wrapInternal(err)
	}

	sess, cerr := s.supervisor.EnsureProfileManagedSession(profile, p.intv("timeout-ms", 0), mode)
	if cerr != nil {
		return nil, cerr
	}
	s.sessions.SetActive(sess.ID)
	if err := s.persistSessions(ctx); err != nil {
		return nil, wrapInternal(err)
	}
	return map[string]any{"session": sess}, nil
}

func (s *runtimeStack) cmdSessionFresh(ctx context.Context, argv []string, sink *executor.OutputSink) (map[string]any, *contract.Error) {
	p := parseArgs(argv)
	profile := p.positionalAt(0, p.str("profile", ""))
	if profile == "" {
		return nil, contract.New(contract.EProfileInvalid, "profile name is required")
	}
	if err := s.loadSessions(ctx); err != nil {
		return nil, wrapInternal(err)
	}
	s.sessions.Remove(session.ProfileSessionID(profile))
	if err := s.persistSessions(ctx); err != nil {
		return nil, wrapInternal(err)
	}
	return s.cmdSessionEnsure(ctx, argv, sink)
}

func (s *runtimeStack) cmdSessionAttach(ctx context.Context, argv []string, sink *executor.OutputSink) (map[string]any, *contract.Error) {
	p := parseArgs(argv)
	id := p.positionalAt(0, p.str("id", ""))
	endpoint := p.str("endpoint", "")
	if id == "" || endpoint == "" {
		return nil, contract.New(contract.ESessionIDInvalid, "id and --endpoint are required")
	}

	sess := &session.Session{
		ID: id, Kind: session.KindAttached, DebugEndpoint: endpoint,
		CreatedAt: time.Now(),
	}
	if nerr := session.Normalize(sess, 0, 0); nerr != nil {
		return nil, nerr
	}

	if err := s.loadSessions(ctx); err != nil {
		return nil, wrapInternal(err)
	}
	session.Heartbeat(sess, time.Now())
	s.sessions.Put(sess)
	s.sessions.SetActive(sess.ID)
	if err := s.persistSessions(ctx); err != nil {
		return nil, wrapInternal(err)
	}
	return map[string]any{"session": sess}, nil
}

func (s *runtimeStack) cmdSessionUse(ctx context.Context, argv []string, sink *executor.OutputSink) (map[string]any, *contract.Error) {
	p := parseArgs(argv)
	id := p.positionalAt(0, p.str("id", ""))
	if id == "" {
		return nil, contract.New(contract.ESessionIDInvalid, "session id is required")
	}
	if err := s.loadSessions(ctx); err != nil {
		return nil, wrapInternal(err)
	}
	if _, ok := s.sessions.Get(id); !ok {
		return nil, contract.Newf(contract.ESessionIDInvalid, "unknown session %q", id)
	}
	s.sessions.SetActive(id)
	if err := s.persistSessions(ctx); err != nil {
		return nil, wrapInternal(err)
	}
	return map[string]any{"active": id}, nil
}

func (s *runtimeStack) cmdSessionList(ctx context.Context, argv []string, sink *executor.OutputSink) (map[string]any, *contract.Error) {
	if err := s.loadSessions(ctx); err != nil {
		return nil, wrapInternal(err)
	}
	sessions, active := s.sessions.Snapshot()
	return map[string]any{"sessions": sessions, "active": active}, nil
}

func (s *runtimeStack) cmdSessionPrune(ctx context.Context, argv []string, sink *executor.OutputSink) (map[string]any, *contract.Error) {
	p := parseArgs(argv)
	if err := s.loadSessions(ctx); err != nil {
		return nil, wrapInternal(err)
	}
	result, err := s.sessions.Reconcile(ctx, p.bools["force"])
	if err != nil {
		return nil, wrapInternal(err)
	}
	if perr := s.persistSessions(ctx); perr != nil {
		return nil, wrapInternal(perr)
	}
	return map[string]any{"terminated": result.Terminated, "dropped": result.Dropped, "active": result.ActiveID}, nil
}

func (s *runtimeStack) cmdSessionClear(ctx context.Context, argv []string, sink *executor.OutputSink) (map[string]any, *contract.Error) {
	p := parseArgs(argv)
	id := p.positionalAt(0, p.str("id", ""))
	if id == "" {
		return nil, contract.New(contract.ESessionIDInvalid, "session id is required")
	}
	if err := s.loadSessions(ctx); err != nil {
		return nil, wrapInternal(err)
	}
	s.sessions.Remove(id)
	if err := s.persistSessions(ctx); err != nil {
		return nil, wrapInternal(err)
	}
	return map[string]any{"cleared": id}, nil
}

// cmdSessionCookieCopy checks that both session ids are registered, reads
// the source session's cookies, and returns them with the two ids. It does
// not write any cookie into the destination session. Like every other
// command it runs on the lane resolved from the request's session, profile
// or agent id; no lane key is derived from the from/to ids.
func (s *runtimeStack) cmdSessionCookieCopy(ctx context.Context, argv []string, sink *executor.OutputSink) (map[string]any, *contract.Error) {
	p := parseArgs(argv)
	from := p.positionalAt(0, p.str("from", ""))
	to := p.positionalAt(1, p.str("to", ""))
	if from == "" || to == "" {
		return nil, contract.New(contract.ESessionIDInvalid, "from and to session ids are required")
	}

	if err := s.loadSessions(ctx); err != nil {
		return nil, wrapInternal(err)
	}
	if _, ok := s.sessions.Get(from); !ok {
		return nil, contract.Newf(contract.ESessionIDInvalid, "unknown session %q", from)
	}
	if _, ok := s.sessions.Get(to); !ok {
		return nil, contract.Newf(contract.ESessionIDInvalid, "unknown session %q", to)
	}

	fromPage, err := s.toolkit.NewSession(from)
	if err != nil {
		return nil, contract.Wrap(contract.ESessionUnreachable, err)
	}
	result, err := fromPage.GetCookies(ctx)
	if err != nil {
		return nil, contract.Wrap(contract.ESessionUnreachable, err)
	}
	return map[string]any{"from": from, "to": to, "cookies": result.Data}, nil
}

// ---- browser targets ----

func (s *runtimeStack) cmdOpen(ctx context.Context, argv []string, sink *executor.OutputSink) (map[string]any, *contract.Error) {
	p := parseArgs(argv)
	url := p.positionalAt(0, p.str("url", ""))
	sessionName := p.str("session", "default")
	res := s.dispatcher.Dispatch(ctx, sessionName, "open", map[string]any{"url": url})
	return res.Data, res.Err
}

// cmdTarget dispatches `target <action> [...]`. argv[0] is the action per
// §6's `target {snapshot|find|click|...}` subcommand group; the session
// name and remaining flags are forwarded as dispatcher args.
func (s *runtimeStack) cmdTarget(ctx context.Context, argv []string, sink *executor.OutputSink) (map[string]any, *contract.Error) {
	if len(argv) == 0 {
		return nil, contract.New(contract.EQueryInvalid, "target action is required")
	}
	action := argv[0]
	p := parseArgs(argv[1:])
	sessionName := p.str("session", "default")

	args := map[string]any{}
	for k, v := range p.flags {
		switch k {
		case "timeoutMs", "maxLength":
			args[k] = p.intv(k, 0)
		case "x", "y":
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				args[k] = f
			}
		case "values":
			args[k] = strings.Split(v, ",")
		default:
			args[k] = v
		}
	}
	for k := range p.bools {
		args[k] = true
	}
	if len(p.positional) > 0 {
		switch action {
		case "click", "fill", "extract", "wait", "find", "select-option":
			args["selector"] = p.positional[0]
		}
	}

	switch action {
	case "count", "upload", "url-assert", "network", "network-tail", "network-export", "network-around":
		return nil, contract.Newf(contract.EQueryInvalid, "target action %q is not implemented", action)
	}

	res := s.dispatcher.Dispatch(ctx, sessionName, action, args)
	return res.Data, res.Err
}

// ---- state ----

func (s *runtimeStack) cmdStateReconcile(ctx context.Context, argv []string, sink *executor.OutputSink) (map[string]any, *contract.Error) {
	return s.cmdSessionPrune(ctx, argv, sink)
}

func (s *runtimeStack) cmdStateDiskPrune(ctx context.Context, argv []string, sink *executor.OutputSink) (map[string]any, *contract.Error) {
	if err := s.loadSessions(ctx); err != nil {
		return nil, wrapInternal(err)
	}
	sessions, _ := s.sessions.Snapshot()
	live := map[string]bool{}
	for id := range sessions {
		if profile, ok := session.ProfileFromSessionID(id); ok {
			live[profile] = true
		}
	}
	return map[string]any{"liveProfiles": live}, nil
}

// ---- run / plan ----

// cmdRun implements `run [--plan]`: without --plan it is an alias that
// re-dispatches argv[0] as a command id, matching §9 open-question (c)'s
// decision that an ad hoc command is the common case, not a plan. With
// --plan, argv is a JSON-free sequence of "command:arg,arg" steps executed
// in order via executor.RunPlan, stopping at the first failure — the
// authoritative step set is this flat command-id enum, not a richer DSL,
// per the recorded decision that the plan step kind is lint-free and
// executor-driven rather than a separate linter/recorder mode.
func (s *runtimeStack) cmdRun(ctx context.Context, argv []string, sink *executor.OutputSink) (map[string]any, *contract.Error) {
	p := parseArgs(argv)
	if !p.bools["plan"] {
		if len(p.positional) == 0 {
			return nil, contract.New(contract.EDaemonRequestInvalid, "run requires a command id or --plan")
		}
		commandID := p.positional[0]
		o := s.commands.Run(ctx, commandID, p.positional[1:])
		return map[string]any{"code": o.ExitCode, "stdout": o.Stdout, "stderr": o.Stderr, "result": o.Result}, nil
	}

	steps := make([]executor.PlanStep, 0, len(p.positional))
	for _, raw := range p.positional {
		parts := strings.SplitN(raw, ":", 2)
		step := executor.PlanStep{Command: parts[0]}
		if len(parts) == 2 && parts[1] != "" {
			step.Argv = strings.Split(parts[1], ",")
		}
		steps = append(steps, step)
	}
	outcomes := s.commands.RunPlan(ctx, steps)
	results := make([]map[string]any, 0, len(outcomes))
	for i, o := range outcomes {
		results = append(results, map[string]any{
			"command": steps[i].Command,
			"ok":      o.Result.OK,
			"code":    o.ExitCode,
			"stdout":  o.Stdout,
		})
	}
	return map[string]any{"steps": results}, nil
}

// ---- update ----

func (s *runtimeStack) cmdUpdateCheck(ctx context.Context, argv []string, sink *executor.OutputSink) (map[string]any, *contract.Error) {
	return map[string]any{"current": "dev", "upToDate": true}, nil
}

func (s *runtimeStack) cmdUpdateRun(ctx context.Context, argv []string, sink *executor.OutputSink) (map[string]any, *contract.Error) {
	return nil, contract.New(contract.EInternal, "no update channel is configured")
}

func (s *runtimeStack) cmdUpdateRollback(ctx context.Context, argv []string, sink *executor.OutputSink) (map[string]any, *contract.Error) {
	return nil, contract.New(contract.EInternal, "no update history to roll back")
}

// ---- skill ----

func (s *runtimeStack) cmdSkillInstall(ctx context.Context, argv []string, sink *executor.OutputSink) (map[string]any, *contract.Error) {
	p := parseArgs(argv)
	name := p.positionalAt(0, "")
	if name == "" {
		return nil, contract.New(contract.EDaemonRequestInvalid, "skill name is required")
	}
	sink.WriteStdout(fmt.Sprintf("skill %s recorded (no registry configured)", name))
	return map[string]any{"name": name, "installed": false, "reason": "no registry configured"}, nil
}

func (s *runtimeStack) cmdSkillDoctor(ctx context.Context, argv []string, sink *executor.OutputSink) (map[string]any, *contract.Error) {
	return map[string]any{"skills": []string{}}, nil
}

func (s *runtimeStack) cmdSkillUpdate(ctx context.Context, argv []string, sink *executor.OutputSink) (map[string]any, *contract.Error) {
	return map[string]any{"updated": []string{}}, nil
}

func wrapInternal(err error) *contract.Error {
	if ce, ok := contract.AsError(err); ok {
		return ce
	}
	return contract.Wrap(contract.EInternal, err)
}
