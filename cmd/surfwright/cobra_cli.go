// Command tree for surfwright, laid out the way
// cmd/devopsclaw/cobra_cli.go groups its fleet/node/deploy commands: one
// constructor per leaf or group, wired into the root with AddCommand, every
// leaf RunE resolving the shared runtime stack and printing the result
// envelope the same way regardless of which path produced it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/marcohefti/surfwright/pkg/config"
	"github.com/marcohefti/surfwright/pkg/daemon"
	"github.com/marcohefti/surfwright/pkg/dashboard"
	"github.com/marcohefti/surfwright/pkg/diagnostics"
	"github.com/marcohefti/surfwright/pkg/executor"
	"github.com/marcohefti/surfwright/pkg/logging"
	"github.com/marcohefti/surfwright/pkg/workspace"
)

var (
	flagJSON      bool
	flagPretty    bool
	flagSession   string
	flagAgentID   string
	flagWorkspace string
	flagTimeoutMs int
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "surfwright",
		Short: "Deterministic browser-control runtime",
		Long: `surfwright drives Chromium through a stable session/profile model,
exposing the same command surface over a local daemon socket or a direct CLI
invocation.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().BoolVar(&flagJSON, "json", true, "emit the result envelope as JSON")
	root.PersistentFlags().BoolVar(&flagPretty, "pretty", false, "with --json=false, render human-readable output instead of raw JSON")
	root.PersistentFlags().StringVar(&flagSession, "session", "", "session id to operate against")
	root.PersistentFlags().StringVar(&flagAgentID, "agent-id", "", "agent id, for lane resolution when no session/profile is given")
	root.PersistentFlags().StringVar(&flagWorkspace, "workspace", "", "workspace directory (defaults to discovering .surfwright upward from cwd)")
	root.PersistentFlags().IntVar(&flagTimeoutMs, "timeout-ms", 0, "per-request timeout override in milliseconds")

	root.AddCommand(
		newDoctorCmd(),
		newContractCmd(),
		newWorkspaceCmd(),
		newSessionCmd(),
		newOpenCmd(),
		newTargetCmd(),
		newStateCmd(),
		newRunCmd(),
		newUpdateCmd(),
		newSkillCmd(),
		newDaemonCmd(),
		newDashboardCmd(),
	)

	return root
}

// ---- shared helpers ----

func resolveStack() (*runtimeStack, error) {
	dir := flagWorkspace
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		if found, ok := workspace.Discover(cwd); ok {
			dir = found
		} else {
			l, err := workspace.Init(cwd)
			if err != nil {
				return nil, err
			}
			dir = l.Root
		}
	}

	layout := workspace.Layout{Root: dir}
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	logger := logging.New(os.Stderr, slog.LevelInfo, "text")

	return newRuntimeStack(cfg, logger, layout), nil
}

func runAndPrint(cmd *cobra.Command, commandID string, argv []string) error {
	stack, err := resolveStack()
	if err != nil {
		return err
	}
	defer stack.Close()

	ctx := cmd.Context()
	outcome := stack.commands.Run(ctx, commandID, argv)
	return printOutcome(commandID, outcome)
}

func printOutcome(commandID string, outcome executor.Outcome) error {
	if flagPretty && !flagJSON {
		fmt.Println(executor.Describe(commandID, outcome))
		if outcome.Stdout != "" {
			fmt.Println(outcome.Stdout)
		}
	} else {
		enc := json.NewEncoder(os.Stdout)
		if err := enc.Encode(outcome.Result); err != nil {
			return err
		}
	}
	if !outcome.Result.OK {
		os.Exit(outcome.ExitCode)
	}
	return nil
}

func rootContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()
	return ctx, cancel
}

func flagArgv(extra ...string) []string {
	argv := append([]string{}, extra...)
	if flagTimeoutMs > 0 {
		argv = append(argv, "--timeout-ms", strconv.Itoa(flagTimeoutMs))
	}
	return argv
}

// ---- doctor / contract ----

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Report workspace, session, and scheduler health",
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := resolveStack()
			if err != nil {
				return err
			}
			defer stack.Close()

			outcome := stack.commands.Run(cmd.Context(), "doctor", nil)
			if flagPretty && !flagJSON && outcome.Result.OK {
				rendered, rerr := renderDoctorMarkdown(outcome.Result.Data)
				if rerr == nil {
					fmt.Println(rendered)
					return nil
				}
			}
			return printOutcome("doctor", outcome)
		},
	}
}

// renderDoctorMarkdown formats the doctor report as Markdown and renders it
// through glamour, the same role it plays for runbook docs in the teacher
// (pkg/tui/chat_app.go's glamour.TermRenderer use).
func renderDoctorMarkdown(data map[string]any) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# surfwright doctor\n\n")
	fmt.Fprintf(&b, "- **go**: %v\n", data["goVersion"])
	fmt.Fprintf(&b, "- **workspace**: %v\n", data["workspace"])
	fmt.Fprintf(&b, "- **daemon enabled**: %v\n", data["daemonEnabled"])
	fmt.Fprintf(&b, "- **profile locks**: %v\n", data["profileLocks"])
	fmt.Fprintf(&b, "- **sessions**: %v\n", data["sessions"])
	fmt.Fprintf(&b, "- **active session**: %v\n", data["activeSessionID"])

	renderer, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		return "", err
	}
	return renderer.Render(b.String())
}

func newContractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "contract",
		Short: "List the typed error kinds this runtime can return",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAndPrint(cmd, "contract", nil)
		},
	}
}

// ---- workspace ----

func newWorkspaceCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "workspace", Short: "Inspect and manage the workspace"}
	cmd.AddCommand(
		&cobra.Command{Use: "info", Short: "Show workspace paths", RunE: func(cmd *cobra.Command, args []string) error {
			return runAndPrint(cmd, "workspace.info", nil)
		}},
		&cobra.Command{Use: "init", Short: "Initialize the workspace", RunE: func(cmd *cobra.Command, args []string) error {
			return runAndPrint(cmd, "workspace.init", nil)
		}},
		&cobra.Command{Use: "profile-locks", Short: "List profile lock files", RunE: func(cmd *cobra.Command, args []string) error {
			return runAndPrint(cmd, "workspace.profile-locks", nil)
		}},
		newProfileLockClearCmd(),
	)
	return cmd
}

func newProfileLockClearCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "profile-lock-clear <profile>",
		Short: "Clear a profile's lock file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			argv := args
			if force {
				argv = append(argv, "--force")
			}
			return runAndPrint(cmd, "workspace.profile-lock-clear", argv)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "remove the lock even if it is not stale")
	return cmd
}

// ---- session ----

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "session", Short: "Manage browser sessions"}

	var mode string
	ensure := &cobra.Command{
		Use:   "ensure <profile>",
		Short: "Ensure a managed session exists for a profile, launching one if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			argv := flagArgv(args[0], "--mode", mode)
			return runAndPrint(cmd, "session.ensure", argv)
		},
	}
	ensure.Flags().StringVar(&mode, "mode", "headless", "headless or headed")

	newCmd := &cobra.Command{
		Use:   "new <profile>",
		Short: "Alias for ensure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAndPrint(cmd, "session.new", flagArgv(args[0], "--mode", mode))
		},
	}
	newCmd.Flags().StringVar(&mode, "mode", "headless", "headless or headed")

	fresh := &cobra.Command{
		Use:   "fresh <profile>",
		Short: "Drop and relaunch a profile's managed session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAndPrint(cmd, "session.fresh", flagArgv(args[0]))
		},
	}

	attach := &cobra.Command{
		Use:   "attach <id>",
		Short: "Attach to an externally-launched browser's debug endpoint",
		Args:  cobra.ExactArgs(1),
	}
	var endpoint string
	attach.Flags().StringVar(&endpoint, "endpoint", "", "CDP endpoint to attach to")
	attach.RunE = func(cmd *cobra.Command, args []string) error {
		return runAndPrint(cmd, "session.attach", []string{args[0], "--endpoint", endpoint})
	}

	use := &cobra.Command{
		Use:   "use <id>",
		Short: "Set the active session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAndPrint(cmd, "session.use", args)
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List known sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAndPrint(cmd, "session.list", nil)
		},
	}

	var pruneForce bool
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Reconcile sessions against real liveness, dropping unreachable ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			argv := []string{}
			if pruneForce {
				argv = append(argv, "--force")
			}
			return runAndPrint(cmd, "session.prune", argv)
		},
	}
	prune.Flags().BoolVar(&pruneForce, "force", false, "drop unreachable managed sessions immediately, bypassing the grace window")

	clear := &cobra.Command{
		Use:   "clear <id>",
		Short: "Remove a session record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAndPrint(cmd, "session.clear", args)
		},
	}

	cookieCopy := &cobra.Command{
		Use:   "cookie-copy <from> <to>",
		Short: "Report the source session's cookies (the destination is checked but not written)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAndPrint(cmd, "session.cookie-copy", args)
		},
	}

	cmd.AddCommand(ensure, newCmd, fresh, attach, use, list, prune, clear, cookieCopy)
	return cmd
}

// ---- open ----

func newOpenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open <url>",
		Short: "Navigate the active target to a URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			argv := flagArgv(args[0])
			if flagSession != "" {
				argv = append(argv, "--session", flagSession)
			}
			return runAndPrint(cmd, "open", argv)
		},
	}
}

// ---- target ----

func newTargetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "target",
		Short: "Browser automation primitives against the active target",
	}

	actions := []struct {
		use     string
		short   string
		minArgs int
	}{
		{"snapshot", "Capture a screenshot of the target", 0},
		{"find", "Report the current page's title, URL, and dimensions", 0},
		{"click <selector>", "Click an element", 1},
		{"fill <selector> <text>", "Fill a form field", 2},
		{"select-option <selector> <values>", "Choose option(s) in a select element", 2},
		{"read", "Read the page's visible text", 0},
		{"extract <selector>", "Extract an element's text or attribute", 1},
		{"wait <selector>", "Wait for a selector to appear", 1},
		{"scroll-plan <x> <y>", "Scroll by an offset relative to the current position", 2},
		{"new-session <name>", "Create a named browser session", 1},
		{"close-session <name>", "Close a named browser session", 1},
		{"list-sessions", "List open browser sessions", 0},
		{"upload <selector> <path>", "Upload a file to a file input (not implemented)", 2},
		{"url-assert <pattern>", "Assert the current URL matches a pattern (not implemented)", 1},
		{"count <selector>", "Count matching elements (not implemented)", 1},
		{"network", "Stream network events (not implemented)", 0},
		{"network-tail", "Tail recent network events (not implemented)", 0},
		{"network-export", "Export captured network events (not implemented)", 0},
		{"network-around <target-id>", "Export network events around a target action (not implemented)", 1},
	}

	for _, a := range actions {
		a := a
		sub := &cobra.Command{
			Use:   a.use,
			Short: a.short,
			Args:  cobra.MinimumNArgs(a.minArgs),
			RunE: func(cmd *cobra.Command, args []string) error {
				name := cmd.Name()
				argv := append([]string{name}, targetPositional(name, args)...)
				if flagSession != "" {
					argv = append(argv, "--session", flagSession)
				}
				return runAndPrint(cmd, "target", argv)
			},
		}
		cmd.AddCommand(sub)
	}

	return cmd
}

// targetPositional maps a target action's positional cobra args onto the
// flag names dispatch.go's Dispatch expects in its args map.
func targetPositional(action string, args []string) []string {
	switch action {
	case "click", "extract", "wait", "new-session", "close-session":
		if len(args) > 0 {
			key := "selector"
			if action == "new-session" || action == "close-session" {
				key = "session"
			}
			return []string{"--" + key, args[0]}
		}
	case "fill":
		if len(args) >= 2 {
			return []string{"--selector", args[0], "--text", args[1]}
		}
	case "select-option":
		if len(args) >= 2 {
			return []string{"--selector", args[0], "--values", args[1]}
		}
	case "scroll-plan":
		if len(args) >= 2 {
			return []string{"--x", args[0], "--y", args[1]}
		}
	case "upload":
		if len(args) >= 2 {
			return []string{"--selector", args[0], "--path", args[1]}
		}
	case "url-assert", "count":
		if len(args) > 0 {
			return []string{"--pattern", args[0]}
		}
	case "network-around":
		if len(args) > 0 {
			return []string{"--target-id", args[0]}
		}
	}
	return nil
}

// ---- state ----

func newStateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "state", Short: "Workspace state maintenance"}
	cmd.AddCommand(
		&cobra.Command{Use: "reconcile", Short: "Reconcile session liveness against the state document", RunE: func(cmd *cobra.Command, args []string) error {
			return runAndPrint(cmd, "state.reconcile", nil)
		}},
		&cobra.Command{Use: "disk-prune", Short: "Report which profile directories are still referenced by a live session", RunE: func(cmd *cobra.Command, args []string) error {
			return runAndPrint(cmd, "state.disk-prune", nil)
		}},
	)
	return cmd
}

// ---- run ----

func newRunCmd() *cobra.Command {
	var plan bool
	cmd := &cobra.Command{
		Use:   "run [command] [args...]",
		Short: "Execute a single command, or a --plan sequence of steps",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			argv := args
			if plan {
				argv = append([]string{"--plan"}, argv...)
			}
			return runAndPrint(cmd, "run", argv)
		},
	}
	cmd.Flags().BoolVar(&plan, "plan", false, "treat each argument as a command:arg,arg step, run in order, stop at first failure")
	return cmd
}

// ---- update ----

func newUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "update", Short: "Check for and apply runtime updates"}
	cmd.AddCommand(
		&cobra.Command{Use: "check", Short: "Check for an available update", RunE: func(cmd *cobra.Command, args []string) error {
			return runAndPrint(cmd, "update.check", nil)
		}},
		&cobra.Command{Use: "run", Short: "Apply an available update", RunE: func(cmd *cobra.Command, args []string) error {
			return runAndPrint(cmd, "update.run", nil)
		}},
		&cobra.Command{Use: "rollback", Short: "Roll back to the previous version", RunE: func(cmd *cobra.Command, args []string) error {
			return runAndPrint(cmd, "update.rollback", nil)
		}},
	)
	return cmd
}

// ---- skill ----

func newSkillCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "skill", Short: "Manage agent-facing skill bundles"}
	cmd.AddCommand(
		&cobra.Command{Use: "install <name>", Short: "Install a skill", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
			return runAndPrint(cmd, "skill.install", args)
		}},
		&cobra.Command{Use: "doctor", Short: "Check installed skills for problems", RunE: func(cmd *cobra.Command, args []string) error {
			return runAndPrint(cmd, "skill.doctor", nil)
		}},
		&cobra.Command{Use: "update", Short: "Update installed skills", RunE: func(cmd *cobra.Command, args []string) error {
			return runAndPrint(cmd, "skill.update", nil)
		}},
	)
	return cmd
}

// ---- daemon ----

func newDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "daemon", Short: "Run or control the background daemon"}

	var idleMinutes int
	var tailAddr string
	start := &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the foreground, listening on the workspace socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := resolveStack()
			if err != nil {
				return err
			}
			defer stack.Close()

			d, err := daemon.New(daemon.Config{
				SocketPath:  stack.layout.DaemonSocketPath(),
				TokenPath:   stack.layout.DaemonTokenPath(),
				IdleTimeout: time.Duration(idleMinutes) * time.Minute,
			}, stack.orch, stack.bus, stack.logger)
			if err != nil {
				return err
			}

			ctx, cancel := rootContext()
			defer cancel()

			errCh := make(chan error, 2)
			go func() { errCh <- d.Serve(ctx) }()

			if tailAddr != "" {
				tail := diagnostics.NewLiveTailServer(tailAddr, stack.bus, d.Token())
				stack.logger.Info("diagnostics live-tail listening", "addr", tailAddr)
				go func() { errCh <- tail.Serve(ctx) }()
			}

			return <-errCh
		},
	}
	start.Flags().IntVar(&idleMinutes, "idle-minutes", 5, "minutes of inactivity before the daemon exits")
	start.Flags().StringVar(&tailAddr, "tail-addr", "", "if set, serve a diagnostics live-tail websocket on this address")

	cmd.AddCommand(start)
	return cmd
}

// ---- dashboard ----

func newDashboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Launch the interactive session/lane dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := resolveStack()
			if err != nil {
				return err
			}
			defer stack.Close()
			return dashboard.Run(dashboard.Dependencies{
				Store:     stack.store,
				Sessions:  stack.sessions,
				Scheduler: stack.sched,
			})
		},
	}
}
