// TargetDispatcher backs the `target` command group of §6 ("the browser
// automation primitives themselves ... out of scope" per §1 — these
// per-action mechanics are the external collaborator surface the CLI
// commands call into). Adapted from this package's original BrowserTool,
// which dispatched the same action set for an LLM tool-call loop; the
// dispatch table is unchanged, but results are now the typed contract.Result
// envelope every command emits instead of an LLM-facing tool result.
package browser

import (
	"context"
	"time"

	"github.com/marcohefti/surfwright/pkg/contract"
)

// TargetDispatcher routes a target subcommand's normalized argv to the
// corresponding PageSession method.
type TargetDispatcher struct {
	toolkit *Toolkit
}

// NewTargetDispatcher creates a dispatcher backed by toolkit.
func NewTargetDispatcher(toolkit *Toolkit) *TargetDispatcher {
	return &TargetDispatcher{toolkit: toolkit}
}

// Close shuts down the underlying toolkit and all of its sessions.
func (d *TargetDispatcher) Close() error {
	return d.toolkit.Close()
}

// Dispatch runs one target action against sessionName's active page.
func (d *TargetDispatcher) Dispatch(ctx context.Context, sessionName, action string, args map[string]any) *contract.Result {
	switch action {
	case "new-session":
		return d.newSession(args)
	case "close-session":
		return d.closeSession(args)
	case "list-sessions":
		names := d.toolkit.ListSessions()
		return contract.Success(map[string]any{"sessions": names})
	}

	switch action {
	case "open":
		if stringArg(args, "url", "") == "" {
			return contract.Failure(contract.New(contract.EURLInvalid, "url is required for open"))
		}
	case "click", "fill", "extract", "wait", "select-option":
		if stringArg(args, "selector", "") == "" {
			return contract.Failure(contract.Newf(contract.ESelectorInvalid, "selector is required for %s", action))
		}
	case "snapshot", "scroll-plan", "read", "find":
	default:
		return contract.Failure(contract.Newf(contract.EQueryInvalid, "unknown target action: %s", action))
	}

	if sessionName == "" {
		sessionName = "default"
	}
	sess, err := d.toolkit.NewSession(sessionName)
	if err != nil {
		return contract.Failure(contract.Wrap(contract.ESessionUnreachable, err))
	}

	if timeoutMs, ok := args["timeoutMs"].(int); ok && timeoutMs > 0 {
		sess.timeout = time.Duration(timeoutMs) * time.Millisecond
	}

	var result *ActionResult
	switch action {
	case "open":
		url := stringArg(args, "url", "")
		if url == "" {
			return contract.Failure(contract.New(contract.EURLInvalid, "url is required for open"))
		}
		result, err = sess.Navigate(ctx, url)

	case "click":
		selector := stringArg(args, "selector", "")
		if selector == "" {
			return contract.Failure(contract.New(contract.ESelectorInvalid, "selector is required for click"))
		}
		result, err = sess.Click(ctx, selector)

	case "fill":
		selector := stringArg(args, "selector", "")
		text := stringArg(args, "text", "")
		if selector == "" {
			return contract.Failure(contract.New(contract.ESelectorInvalid, "selector is required for fill"))
		}
		clear, _ := args["clear"].(bool)
		result, err = sess.Type(ctx, selector, text, clear)

	case "snapshot":
		fullPage, _ := args["fullPage"].(bool)
		result, err = sess.Screenshot(ctx, fullPage)

	case "extract":
		selector := stringArg(args, "selector", "")
		if selector == "" {
			return contract.Failure(contract.New(contract.ESelectorInvalid, "selector is required for extract"))
		}
		attr := stringArg(args, "attribute", "")
		result, err = sess.Extract(ctx, selector, attr)

	case "wait":
		selector := stringArg(args, "selector", "")
		if selector == "" {
			return contract.Failure(contract.New(contract.ESelectorInvalid, "selector is required for wait"))
		}
		var timeout time.Duration
		if timeoutMs, ok := args["timeoutMs"].(int); ok {
			timeout = time.Duration(timeoutMs) * time.Millisecond
		}
		result, err = sess.WaitFor(ctx, selector, timeout)

	case "scroll-plan":
		x, _ := args["x"].(float64)
		y, _ := args["y"].(float64)
		result, err = sess.Scroll(ctx, x, y)

	case "read":
		maxLen := 8000
		if ml, ok := args["maxLength"].(int); ok && ml > 0 {
			maxLen = ml
		}
		result, err = sess.GetText(ctx, maxLen)

	case "find":
		result, err = sess.GetPageInfo(ctx)

	case "select-option":
		selector := stringArg(args, "selector", "")
		if selector == "" {
			return contract.Failure(contract.New(contract.ESelectorInvalid, "selector is required for select-option"))
		}
		var values []string
		if v, ok := args["values"].([]string); ok {
			values = v
		}
		result, err = sess.SelectOption(ctx, selector, values)

	default:
		return contract.Failure(contract.Newf(contract.EQueryInvalid, "unknown target action: %s", action))
	}

	if err != nil {
		return contract.Failure(contract.Wrap(contract.ETargetNotFound, err))
	}
	return contract.Success(result.Data)
}

func (d *TargetDispatcher) newSession(args map[string]any) *contract.Result {
	name := stringArg(args, "session", "")
	if name == "" {
		return contract.Failure(contract.New(contract.ESessionIDInvalid, "session name is required"))
	}
	if _, err := d.toolkit.NewSession(name); err != nil {
		return contract.Failure(contract.Wrap(contract.ESessionUnreachable, err))
	}
	return contract.Success(map[string]any{"session": name})
}

func (d *TargetDispatcher) closeSession(args map[string]any) *contract.Result {
	name := stringArg(args, "session", "")
	if name == "" {
		return contract.Failure(contract.New(contract.ESessionIDInvalid, "session name is required"))
	}
	if err := d.toolkit.CloseSession(name); err != nil {
		return contract.Failure(contract.Wrap(contract.ESessionIDInvalid, err))
	}
	return contract.Success(map[string]any{"session": name, "closed": true})
}

func stringArg(args map[string]any, key, defaultVal string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return defaultVal
}
