// Package browser supervises managed browser processes: launching them,
// probing their CDP debug endpoint, connecting an automation handle, and
// terminating their process tree. The Supervisor adds and removes session
// registry records itself; persisting the registry to the workspace state
// document is left to its callers.
//
// Grounded on this file's original NewManager/ensureBrowser (launcher
// wiring, incognito-per-session isolation) for the go-rod plumbing, and on
// other_examples' hackclub-arker browsermgr.Manager for the bounded-backoff
// retry of a failed launch, re-targeted from a single shared browser
// instance to one browser per managed profile. A browser that disconnects
// after a successful launch is not detected or relaunched.
package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fastjson"

	"github.com/marcohefti/surfwright/pkg/contract"
	"github.com/marcohefti/surfwright/pkg/profilelock"
	"github.com/marcohefti/surfwright/pkg/session"
	"github.com/marcohefti/surfwright/pkg/workspace"
)

// Mode is a managed browser's launch mode (§3 "launch mode").
type Mode string

const (
	ModeHeadless Mode = "headless"
	ModeHeaded   Mode = "headed"
)

var profileNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Meta is the per-profile on-disk document at
// profile-sessions/<profile>.json (§3 "Profile").
type Meta struct {
	SessionID   string    `json:"sessionId"`
	CDPOrigin   string    `json:"cdpOrigin"`
	DebugPort   int       `json:"debugPort"`
	BrowserPID  int       `json:"browserPid"`
	BrowserMode Mode      `json:"browserMode"`
	StartedAt   time.Time `json:"startedAt"`
	OwnerID     string    `json:"ownerId,omitempty"`
}

// ReadMeta loads a profile's meta document. Returns ok=false if absent or
// unreadable, never an error — a missing meta document means "no managed
// session yet", not a failure.
func ReadMeta(path string) (*Meta, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false
	}
	return &m, true
}

func writeMeta(path string, m *Meta) *contract.Error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return contract.Wrap(contract.EInternal, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return contract.Wrap(contract.EInternal, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return contract.Wrap(contract.EInternal, err)
	}
	return nil
}

func removeMeta(path string) *contract.Error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return contract.Wrap(contract.EInternal, err)
	}
	return nil
}

// AllocateFreePort asks the OS for an unused TCP port on localhost.
func AllocateFreePort() (int, *contract.Error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, contract.Wrap(contract.EInternal, err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

var probeClient = &fasthttp.Client{
	MaxConnsPerHost:     64,
	MaxIdleConnDuration: 30 * time.Second,
}

// IsCdpEndpointReachable performs a bounded HTTP probe of a CDP debug
// endpoint's /json/version document (§4.5).
func IsCdpEndpointReachable(origin string, timeout time.Duration) bool {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(strings.TrimRight(origin, "/") + "/json/version")
	req.Header.SetMethod(fasthttp.MethodGet)

	if err := probeClient.DoTimeout(req, resp, timeout); err != nil {
		return false
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return false
	}

	var p fastjson.Parser
	v, err := p.ParseBytes(resp.Body())
	if err != nil {
		return false
	}
	return v.Exists("webSocketDebuggerUrl") || v.Exists("Browser")
}

// KillManagedBrowserProcessTree sends signal to the browser process group,
// falling back to signalling the pid alone if the process group send fails
// (e.g. the launcher did not place the browser in its own group).
func KillManagedBrowserProcessTree(pid int, sig syscall.Signal) *contract.Error {
	if pid <= 0 {
		return nil
	}
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	if err := syscall.Kill(pid, sig); err != nil && err != syscall.ESRCH {
		return contract.Wrap(contract.EInternal, err)
	}
	return nil
}

// ConnectOverCdp returns a browser control handle for a reachable debug
// endpoint, used by the (out-of-scope) action commands.
func ConnectOverCdp(ctx context.Context, wsURL string, timeout time.Duration) (*rod.Browser, *contract.Error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := rod.New().Context(ctx).ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, contract.Wrap(contract.ECDPUnreachable, err)
	}
	return b, nil
}

// LaunchSpec requests a new managed browser process for a profile.
type LaunchSpec struct {
	Profile     string
	UserDataDir string
	Mode        Mode
	Port        int
	BrowserBin  string
}

// Config tunes the supervisor's launch/probe/restart behavior.
type Config struct {
	LaunchTimeout  time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
	RestartBackoff []time.Duration
}

func (c *Config) defaults() {
	if c.LaunchTimeout <= 0 {
		c.LaunchTimeout = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 2 * time.Second
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 250 * time.Millisecond
	}
	if len(c.RestartBackoff) == 0 {
		c.RestartBackoff = []time.Duration{0, 2 * time.Second, 5 * time.Second, 10 * time.Second}
	}
}

// Supervisor owns the managed-browser critical path of §4.5. It puts the
// sessions it starts into the registry (C4) and removes them itself; it
// does not write the workspace state document.
type Supervisor struct {
	layout   workspace.Layout
	locks    *profilelock.Manager
	registry *session.Registry
	logger   *slog.Logger
	cfg      Config

	mu        sync.Mutex
	unhealthy map[string]bool
}

// NewSupervisor creates a managed browser supervisor.
func NewSupervisor(layout workspace.Layout, locks *profilelock.Manager, registry *session.Registry, logger *slog.Logger, cfg Config) *Supervisor {
	cfg.defaults()
	return &Supervisor{
		layout:    layout,
		locks:     locks,
		registry:  registry,
		logger:    logger,
		cfg:       cfg,
		unhealthy: map[string]bool{},
	}
}

// StartManagedSession launches a browser per spec, polling the debug
// endpoint until reachable or timeout.
func (s *Supervisor) StartManagedSession(spec LaunchSpec, timeout time.Duration) (*Meta, *contract.Error) {
	if timeout <= 0 {
		timeout = s.cfg.LaunchTimeout
	}

	l := launcher.New().UserDataDir(spec.UserDataDir).Set("remote-debugging-port", strconv.Itoa(spec.Port))
	if spec.BrowserBin != "" {
		l = l.Bin(spec.BrowserBin)
	}
	l = l.Headless(spec.Mode == ModeHeadless)

	if _, err := l.Launch(); err != nil {
		return nil, contract.Wrap(contract.EBrowserStartTimeout, err)
	}
	pid := l.PID()

	origin := fmt.Sprintf("http://127.0.0.1:%d", spec.Port)
	deadline := time.Now().Add(timeout)
	for !IsCdpEndpointReachable(origin, s.cfg.ProbeTimeout) {
		if time.Now().After(deadline) {
			_ = KillManagedBrowserProcessTree(pid, syscall.SIGKILL)
			return nil, contract.Newf(contract.EBrowserStartTimeout, "browser for profile %q did not become reachable within %s", spec.Profile, timeout)
		}
		time.Sleep(s.cfg.ProbeInterval)
	}

	return &Meta{
		CDPOrigin:   origin,
		DebugPort:   spec.Port,
		BrowserPID:  pid,
		BrowserMode: spec.Mode,
		StartedAt:   time.Now(),
	}, nil
}

// EnsureProfileManagedSession is the critical path of §4.5: sanitize,
// lock, inspect, reuse-or-relaunch, persist, release.
func (s *Supervisor) EnsureProfileManagedSession(profile string, timeoutMs int, mode Mode) (*session.Session, *contract.Error) {
	if !profileNamePattern.MatchString(profile) {
		return nil, contract.New(contract.EProfileInvalid, "profile name must match [A-Za-z0-9._-]+")
	}

	userDataDir := s.layout.ProfileDir(profile)
	if err := os.MkdirAll(userDataDir, 0o700); err != nil {
		return nil, contract.Wrap(contract.EInternal, err)
	}

	lock, lerr := s.locks.Acquire(profile)
	if lerr != nil {
		return nil, lerr
	}
	defer lock.Release()

	sessionID := session.ProfileSessionID(profile)
	metaPath := s.layout.ProfileMetaPath(profile)

	if existing, ok := s.registry.Get(sessionID); ok && existing.Kind != session.KindManaged {
		return nil, contract.Newf(contract.ESessionConflict, "session %q is attached, not managed", sessionID)
	}

	timeout := time.Duration(timeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = s.cfg.LaunchTimeout
	}

	if meta, ok := ReadMeta(metaPath); ok {
		alive := pidAlive(meta.BrowserPID) && IsCdpEndpointReachable(meta.CDPOrigin, s.cfg.ProbeTimeout)
		if alive && meta.BrowserMode == mode {
			now := time.Now()
			sess, found := s.registry.Get(sessionID)
			if !found {
				sess = &session.Session{
					ID: sessionID, Kind: session.KindManaged, PID: meta.BrowserPID,
					UserDataDir: userDataDir, BrowserMode: string(meta.BrowserMode),
					DebugEndpoint: meta.CDPOrigin, DebugPort: meta.DebugPort,
				}
			}
			session.Heartbeat(sess, now)
			s.registry.Put(sess)
			return sess, nil
		}

		// Mode mismatch or unreachable: terminate and relaunch.
		if meta.BrowserPID > 0 {
			_ = KillManagedBrowserProcessTree(meta.BrowserPID, syscall.SIGTERM)
		}
		_ = removeMeta(metaPath)
		s.registry.Remove(sessionID)
	}

	port, perr := AllocateFreePort()
	if perr != nil {
		return nil, perr
	}

	newMeta, serr := s.launchWithRestart(LaunchSpec{Profile: profile, UserDataDir: userDataDir, Mode: mode, Port: port}, timeout)
	if serr != nil {
		return nil, serr
	}
	newMeta.SessionID = sessionID

	if err := writeMeta(metaPath, newMeta); err != nil {
		_ = KillManagedBrowserProcessTree(newMeta.BrowserPID, syscall.SIGKILL)
		return nil, err
	}

	now := time.Now()
	sess := &session.Session{
		ID: sessionID, Kind: session.KindManaged, PID: newMeta.BrowserPID,
		UserDataDir: userDataDir, BrowserMode: string(mode),
		DebugEndpoint: newMeta.CDPOrigin, DebugPort: newMeta.DebugPort,
		CreatedAt: now,
	}
	if nerr := session.Normalize(sess, 0, 0); nerr != nil {
		return nil, nerr
	}
	session.Heartbeat(sess, now)
	s.registry.Put(sess)
	return sess, nil
}

// launchWithRestart retries StartManagedSession on the configured backoff
// schedule, marking the profile unhealthy if every attempt fails.
func (s *Supervisor) launchWithRestart(spec LaunchSpec, timeout time.Duration) (*Meta, *contract.Error) {
	var lastErr *contract.Error
	for i, delay := range s.cfg.RestartBackoff {
		if i != 0 {
			if s.logger != nil {
				s.logger.Warn("retrying managed browser launch", "profile", spec.Profile, "attempt", i+1, "delay", delay)
			}
			time.Sleep(delay)
		}
		meta, err := s.StartManagedSession(spec, timeout)
		if err == nil {
			s.mu.Lock()
			delete(s.unhealthy, spec.Profile)
			s.mu.Unlock()
			return meta, nil
		}
		lastErr = err
	}

	s.mu.Lock()
	s.unhealthy[spec.Profile] = true
	s.mu.Unlock()
	if s.logger != nil {
		s.logger.Error("managed browser unrecoverable", "profile", spec.Profile)
	}
	return nil, lastErr
}

// Unhealthy reports whether a profile's browser exhausted its restart
// backoff schedule without becoming reachable.
func (s *Supervisor) Unhealthy(profile string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unhealthy[profile]
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// ToolkitConfig configures the browser manager.
type ToolkitConfig struct {
	// Headless runs the browser without a visible window.
	Headless bool

	// PoolSize defaults to 4. No code reads it, so it does not limit the
	// number of concurrent pages.
	PoolSize int

	// DefaultTimeout is the timeout for page operations.
	// Default: 30s.
	DefaultTimeout time.Duration

	// ViewportWidth and ViewportHeight set the default viewport size.
	// Default: 1280x720.
	ViewportWidth  int
	ViewportHeight int

	// UserAgent overrides the browser's user agent string.
	// If empty, the default Chromium user agent is used.
	UserAgent string

	// BrowserBin is the path to a Chrome/Chromium binary.
	// If empty, Rod will auto-download one.
	BrowserBin string

	// AllowedDomains restricts navigation to these domains.
	// If empty, all domains are allowed.
	AllowedDomains []string
}

func (c *ToolkitConfig) defaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = 4
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.ViewportWidth <= 0 {
		c.ViewportWidth = 1280
	}
	if c.ViewportHeight <= 0 {
		c.ViewportHeight = 720
	}
}

// Toolkit manages the browser lifecycle and session pool.
type Toolkit struct {
	config   ToolkitConfig
	browser  *rod.Browser
	sessions map[string]*PageSession
	mu       sync.Mutex
	closed   bool
}

// NewToolkit creates a browser page-action toolkit backing the target
// command surface. It lazily connects the browser
// on the first session creation to avoid unnecessary Chromium downloads.
func NewToolkit(config ToolkitConfig) *Toolkit {
	config.defaults()
	return &Toolkit{
		config:   config,
		sessions: make(map[string]*PageSession),
	}
}

// ensureBrowser connects to or launches the browser instance.
func (m *Toolkit) ensureBrowser() error {
	if m.browser != nil {
		return nil
	}

	l := launcher.New()
	if m.config.BrowserBin != "" {
		l = l.Bin(m.config.BrowserBin)
	}
	if m.config.Headless {
		l = l.Headless(true)
	} else {
		l = l.Headless(false)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return fmt.Errorf("browser launch failed: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("browser connect failed: %w", err)
	}

	m.browser = browser
	return nil
}

// NewSession creates or retrieves a named session.
// Each session is an incognito browser context with its own cookies and storage.
func (m *Toolkit) NewSession(name string) (*PageSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("manager is closed")
	}

	if sess, ok := m.sessions[name]; ok {
		return sess, nil
	}

	if err := m.ensureBrowser(); err != nil {
		return nil, err
	}

	// Create an incognito context for session isolation
	incognito, err := m.browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context failed: %w", err)
	}

	sess := &PageSession{
		name:      name,
		context:   incognito,
		manager:   m,
		pages:     make(map[string]*rod.Page),
		timeout:   m.config.DefaultTimeout,
		vpWidth:   m.config.ViewportWidth,
		vpHeight:  m.config.ViewportHeight,
		userAgent: m.config.UserAgent,
	}

	m.sessions[name] = sess
	return sess, nil
}

// GetSession returns an existing session by name.
func (m *Toolkit) GetSession(name string) (*PageSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[name]
	return sess, ok
}

// CloseSession closes and removes a named session.
func (m *Toolkit) CloseSession(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[name]
	if !ok {
		return fmt.Errorf("session %q not found", name)
	}

	sess.close()
	delete(m.sessions, name)
	return nil
}

// ListSessions returns the names of all active sessions.
func (m *Toolkit) ListSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.sessions))
	for name := range m.sessions {
		names = append(names, name)
	}
	return names
}

// Close shuts down all sessions and the browser.
func (m *Toolkit) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	for _, sess := range m.sessions {
		sess.close()
	}
	m.sessions = make(map[string]*PageSession)

	if m.browser != nil {
		return m.browser.Close()
	}
	return nil
}

// isDomainAllowed checks if a URL's domain is in the allowed list.
func (m *Toolkit) isDomainAllowed(url string) bool {
	if len(m.config.AllowedDomains) == 0 {
		return true
	}
	for _, domain := range m.config.AllowedDomains {
		if strings.Contains(url, domain) {
			return true
		}
	}
	return false
}

// PageSession represents an isolated browser session with its own cookie jar and storage.
type PageSession struct {
	name      string
	context   *rod.Browser // incognito browser context
	manager   *Toolkit
	pages     map[string]*rod.Page
	activePage *rod.Page
	mu        sync.Mutex
	timeout   time.Duration
	vpWidth   int
	vpHeight  int
	userAgent string
}

// Navigate opens a URL in the session. Returns the page title and URL.
func (s *PageSession) Navigate(ctx context.Context, url string) (*ActionResult, error) {
	if !s.manager.isDomainAllowed(url) {
		return nil, fmt.Errorf("domain not allowed: %s", url)
	}

	page, err := s.getOrCreatePage(ctx, "default")
	if err != nil {
		return nil, err
	}

	err = page.Timeout(s.timeout).Navigate(url)
	if err != nil {
		return nil, fmt.Errorf("navigate failed: %w", err)
	}

	// Wait for the page to stabilize
	err = page.Timeout(s.timeout).WaitStable(300 * time.Millisecond)
	if err != nil {
		// Not fatal — some pages never fully stabilize
	}

	info, err := page.Info()
	if err != nil {
		return nil, fmt.Errorf("page info failed: %w", err)
	}

	return &ActionResult{
		Action:  "navigate",
		Success: true,
		Data: map[string]any{
			"title": info.Title,
			"url":   info.URL,
		},
	}, nil
}

// Click clicks an element matching the CSS selector.
func (s *PageSession) Click(ctx context.Context, selector string) (*ActionResult, error) {
	page, err := s.getActivePage(ctx)
	if err != nil {
		return nil, err
	}

	el, err := page.Timeout(s.timeout).Element(selector)
	if err != nil {
		return nil, fmt.Errorf("element not found: %s: %w", selector, err)
	}

	err = el.Click(proto.InputMouseButtonLeft, 1)
	if err != nil {
		return nil, fmt.Errorf("click failed: %w", err)
	}

	// Wait briefly for any navigation or AJAX
	_ = page.WaitStable(200 * time.Millisecond)

	return &ActionResult{
		Action:  "click",
		Success: true,
		Data: map[string]any{
			"selector": selector,
		},
	}, nil
}

// Type types text into an element matching the CSS selector.
// If clear is true, the field is cleared before typing.
func (s *PageSession) Type(ctx context.Context, selector, text string, clear bool) (*ActionResult, error) {
	page, err := s.getActivePage(ctx)
	if err != nil {
		return nil, err
	}

	el, err := page.Timeout(s.timeout).Element(selector)
	if err != nil {
		return nil, fmt.Errorf("element not found: %s: %w", selector, err)
	}

	if clear {
		err = el.SelectAllText()
		if err != nil {
			return nil, fmt.Errorf("select text failed: %w", err)
		}
	}

	err = el.Input(text)
	if err != nil {
		return nil, fmt.Errorf("type failed: %w", err)
	}

	return &ActionResult{
		Action:  "type",
		Success: true,
		Data: map[string]any{
			"selector": selector,
			"text":     text,
		},
	}, nil
}

// Screenshot captures a screenshot of the current page.
// If fullPage is true, captures the entire scrollable area.
// Returns base64-encoded PNG data.
func (s *PageSession) Screenshot(ctx context.Context, fullPage bool) (*ActionResult, error) {
	page, err := s.getActivePage(ctx)
	if err != nil {
		return nil, err
	}

	var data []byte
	if fullPage {
		data, err = page.Timeout(s.timeout).Screenshot(true, nil)
	} else {
		data, err = page.Timeout(s.timeout).Screenshot(false, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	return &ActionResult{
		Action:  "screenshot",
		Success: true,
		Data: map[string]any{
			"base64":    encoded,
			"full_page": fullPage,
			"size":      len(data),
		},
	}, nil
}

// Evaluate executes JavaScript on the page and returns the result.
// The js argument can be a raw expression (e.g. "document.title") or
// an arrow/function expression (e.g. "() => document.title").
// Raw expressions are automatically wrapped in an arrow function for Rod.
func (s *PageSession) Evaluate(ctx context.Context, js string) (*ActionResult, error) {
	page, err := s.getActivePage(ctx)
	if err != nil {
		return nil, err
	}

	// Rod's Eval expects a function expression. Wrap raw expressions.
	wrapped := wrapJSExpression(js)

	result, err := page.Timeout(s.timeout).Eval(wrapped)
	if err != nil {
		return nil, fmt.Errorf("eval failed: %w", err)
	}

	return &ActionResult{
		Action:  "evaluate",
		Success: true,
		Data: map[string]any{
			"result": result.Value.Val(),
		},
	}, nil
}

// wrapJSExpression wraps a raw JS expression in an arrow function if it isn't
// already a function. Rod's Eval expects `() => expr` or `function() {...}`.
func wrapJSExpression(js string) string {
	trimmed := strings.TrimSpace(js)
	// Already a function expression — leave it alone
	if strings.HasPrefix(trimmed, "()") ||
		strings.HasPrefix(trimmed, "function") ||
		strings.HasPrefix(trimmed, "(function") ||
		strings.HasPrefix(trimmed, "(()") {
		return js
	}
	return "() => " + js
}

// Extract extracts text content from elements matching the selector.
func (s *PageSession) Extract(ctx context.Context, selector string, attribute string) (*ActionResult, error) {
	page, err := s.getActivePage(ctx)
	if err != nil {
		return nil, err
	}

	elements, err := page.Timeout(s.timeout).Elements(selector)
	if err != nil {
		return nil, fmt.Errorf("elements not found: %s: %w", selector, err)
	}

	var results []map[string]string
	for _, el := range elements {
		entry := map[string]string{}

		text, err := el.Text()
		if err == nil {
			entry["text"] = text
		}

		if attribute != "" {
			val, err := el.Attribute(attribute)
			if err == nil && val != nil {
				entry[attribute] = *val
			}
		}

		// Always try to get href for links
		if attribute != "href" {
			href, err := el.Attribute("href")
			if err == nil && href != nil {
				entry["href"] = *href
			}
		}

		results = append(results, entry)
	}

	return &ActionResult{
		Action:  "extract",
		Success: true,
		Data: map[string]any{
			"selector": selector,
			"count":    len(results),
			"elements": results,
		},
	}, nil
}

// WaitFor waits for an element matching the selector to appear.
func (s *PageSession) WaitFor(ctx context.Context, selector string, timeout time.Duration) (*ActionResult, error) {
	page, err := s.getActivePage(ctx)
	if err != nil {
		return nil, err
	}

	if timeout <= 0 {
		timeout = s.timeout
	}

	start := time.Now()
	_, err = page.Timeout(timeout).Element(selector)
	elapsed := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("wait timed out for %s after %v: %w", selector, elapsed, err)
	}

	return &ActionResult{
		Action:  "wait_for",
		Success: true,
		Data: map[string]any{
			"selector": selector,
			"elapsed":  elapsed.String(),
		},
	}, nil
}

// Scroll scrolls the page by the given pixel amounts.
// Use negative values to scroll up/left.
func (s *PageSession) Scroll(ctx context.Context, x, y float64) (*ActionResult, error) {
	page, err := s.getActivePage(ctx)
	if err != nil {
		return nil, err
	}

	// Use JavaScript to scroll
	_, err = page.Eval(fmt.Sprintf("() => window.scrollBy(%f, %f)", x, y))
	if err != nil {
		return nil, fmt.Errorf("scroll failed: %w", err)
	}

	return &ActionResult{
		Action:  "scroll",
		Success: true,
		Data: map[string]any{
			"x": x,
			"y": y,
		},
	}, nil
}

// GetPageInfo returns information about the current page.
func (s *PageSession) GetPageInfo(ctx context.Context) (*ActionResult, error) {
	page, err := s.getActivePage(ctx)
	if err != nil {
		return nil, err
	}

	info, err := page.Info()
	if err != nil {
		return nil, fmt.Errorf("page info failed: %w", err)
	}

	// Get scroll dimensions
	dims, err := page.Eval(`() => JSON.stringify({
		scrollWidth: document.documentElement.scrollWidth,
		scrollHeight: document.documentElement.scrollHeight,
		clientWidth: document.documentElement.clientWidth,
		clientHeight: document.documentElement.clientHeight,
		scrollX: window.scrollX,
		scrollY: window.scrollY,
	})`)

	data := map[string]any{
		"title": info.Title,
		"url":   info.URL,
	}
	if err == nil {
		data["dimensions"] = dims.Value.Str()
	}

	return &ActionResult{
		Action:  "page_info",
		Success: true,
		Data:    data,
	}, nil
}

// SetCookie sets a cookie in the session.
func (s *PageSession) SetCookie(ctx context.Context, name, value, domain, path string) (*ActionResult, error) {
	page, err := s.getActivePage(ctx)
	if err != nil {
		return nil, err
	}

	cookie := &proto.NetworkCookieParam{
		Name:   name,
		Value:  value,
		Domain: domain,
		Path:   path,
	}

	err = page.SetCookies([]*proto.NetworkCookieParam{cookie})
	if err != nil {
		return nil, fmt.Errorf("set cookie failed: %w", err)
	}

	return &ActionResult{
		Action:  "set_cookie",
		Success: true,
		Data: map[string]any{
			"name":   name,
			"domain": domain,
		},
	}, nil
}

// GetCookies returns all cookies for the current page.
func (s *PageSession) GetCookies(ctx context.Context) (*ActionResult, error) {
	page, err := s.getActivePage(ctx)
	if err != nil {
		return nil, err
	}

	cookies, err := page.Cookies(nil)
	if err != nil {
		return nil, fmt.Errorf("get cookies failed: %w", err)
	}

	var cookieData []map[string]any
	for _, c := range cookies {
		cookieData = append(cookieData, map[string]any{
			"name":     c.Name,
			"value":    c.Value,
			"domain":   c.Domain,
			"path":     c.Path,
			"httpOnly": c.HTTPOnly,
			"secure":   c.Secure,
		})
	}

	return &ActionResult{
		Action:  "get_cookies",
		Success: true,
		Data: map[string]any{
			"cookies": cookieData,
			"count":   len(cookieData),
		},
	}, nil
}

// PDF generates a PDF of the current page. Returns base64-encoded PDF data.
func (s *PageSession) PDF(ctx context.Context) (*ActionResult, error) {
	page, err := s.getActivePage(ctx)
	if err != nil {
		return nil, err
	}

	reader, err := page.Timeout(s.timeout).PDF(&proto.PagePrintToPDF{
		PrintBackground: true,
	})
	if err != nil {
		return nil, fmt.Errorf("pdf generation failed: %w", err)
	}

	buf := make([]byte, 0, 1<<20) // 1MB initial
	tmp := make([]byte, 32*1024)
	for {
		n, readErr := reader.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if readErr != nil {
			break
		}
	}

	encoded := base64.StdEncoding.EncodeToString(buf)
	return &ActionResult{
		Action:  "pdf",
		Success: true,
		Data: map[string]any{
			"base64": encoded,
			"size":   len(buf),
		},
	}, nil
}

// WaitForNavigation waits for a page navigation to complete.
func (s *PageSession) WaitForNavigation(ctx context.Context) (*ActionResult, error) {
	page, err := s.getActivePage(ctx)
	if err != nil {
		return nil, err
	}

	err = page.Timeout(s.timeout).WaitLoad()
	if err != nil {
		return nil, fmt.Errorf("wait for navigation failed: %w", err)
	}

	info, err := page.Info()
	if err != nil {
		return nil, fmt.Errorf("page info failed: %w", err)
	}

	return &ActionResult{
		Action:  "wait_navigation",
		Success: true,
		Data: map[string]any{
			"title": info.Title,
			"url":   info.URL,
		},
	}, nil
}

// Hover hovers over an element matching the CSS selector.
func (s *PageSession) Hover(ctx context.Context, selector string) (*ActionResult, error) {
	page, err := s.getActivePage(ctx)
	if err != nil {
		return nil, err
	}

	el, err := page.Timeout(s.timeout).Element(selector)
	if err != nil {
		return nil, fmt.Errorf("element not found: %s: %w", selector, err)
	}

	err = el.Hover()
	if err != nil {
		return nil, fmt.Errorf("hover failed: %w", err)
	}

	return &ActionResult{
		Action:  "hover",
		Success: true,
		Data: map[string]any{
			"selector": selector,
		},
	}, nil
}

// SelectOption selects an option in a <select> element.
func (s *PageSession) SelectOption(ctx context.Context, selector string, values []string) (*ActionResult, error) {
	page, err := s.getActivePage(ctx)
	if err != nil {
		return nil, err
	}

	el, err := page.Timeout(s.timeout).Element(selector)
	if err != nil {
		return nil, fmt.Errorf("element not found: %s: %w", selector, err)
	}

	err = el.Select(values, true, rod.SelectorTypeCSSSector)
	if err != nil {
		return nil, fmt.Errorf("select failed: %w", err)
	}

	return &ActionResult{
		Action:  "select",
		Success: true,
		Data: map[string]any{
			"selector": selector,
			"values":   values,
		},
	}, nil
}

// GetText returns the full text content of the page, truncated to maxLen.
func (s *PageSession) GetText(ctx context.Context, maxLen int) (*ActionResult, error) {
	page, err := s.getActivePage(ctx)
	if err != nil {
		return nil, err
	}

	if maxLen <= 0 {
		maxLen = 8000
	}

	// Extract readable text from the body
	result, err := page.Timeout(s.timeout).Eval(`() => {
		let body = document.body;
		if (!body) return '';
		// Remove script and style elements for cleaner text
		let clone = body.cloneNode(true);
		let scripts = clone.querySelectorAll('script, style, noscript');
		scripts.forEach(s => s.remove());
		return clone.innerText || clone.textContent || '';
	}`)
	if err != nil {
		return nil, fmt.Errorf("get text failed: %w", err)
	}

	text := result.Value.Str()
	truncated := false
	if len(text) > maxLen {
		text = text[:maxLen]
		truncated = true
	}

	return &ActionResult{
		Action:  "get_text",
		Success: true,
		Data: map[string]any{
			"text":      text,
			"truncated": truncated,
			"length":    len(text),
		},
	}, nil
}

// ---- internal helpers ----

func (s *PageSession) getOrCreatePage(ctx context.Context, id string) (*rod.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if page, ok := s.pages[id]; ok {
		s.activePage = page
		return page, nil
	}

	page, err := s.context.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page failed: %w", err)
	}

	// Set viewport
	err = page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:  s.vpWidth,
		Height: s.vpHeight,
	})
	if err != nil {
		return nil, fmt.Errorf("set viewport failed: %w", err)
	}

	// Set user agent if configured
	if s.userAgent != "" {
		err = page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
			UserAgent: s.userAgent,
		})
		if err != nil {
			return nil, fmt.Errorf("set user agent failed: %w", err)
		}
	}

	s.pages[id] = page
	s.activePage = page
	return page, nil
}

func (s *PageSession) getActivePage(ctx context.Context) (*rod.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activePage == nil {
		return nil, fmt.Errorf("no active page — call navigate first")
	}
	return s.activePage, nil
}

func (s *PageSession) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, page := range s.pages {
		_ = page.Close()
	}
	s.pages = make(map[string]*rod.Page)
	s.activePage = nil
	// close the incognito context
	_ = s.context.Close()
}

// ActionResult is the result of a browser action.
type ActionResult struct {
	Action  string         `json:"action"`
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
}
