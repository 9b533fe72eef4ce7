package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"agentbrowser-core/internal/config"
	"agentbrowser-core/internal/logging"
	"agentbrowser-core/internal/mangle"
	"agentbrowser-core/internal/metrics"
	"agentbrowser-core/internal/stealth"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

var log = logging.Component("browser")

// Session describes the public metadata for a tracked browser context.
type Session struct {
	ID         string    `json:"id"`
	TargetID   string    `json:"target_id,omitempty"`
	URL        string    `json:"url,omitempty"`
	Title      string    `json:"title,omitempty"`
	Status     string    `json:"status,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

type sessionRecord struct {
	meta     Session
	page     *rod.Page
	registry *ElementRegistry // Per-session element cache for reliable re-identification
}

type eventThrottler struct {
	interval time.Duration
	mu       sync.Mutex
	last     map[string]time.Time
}

func newEventThrottler(ms int) *eventThrottler {
	if ms <= 0 {
		return nil
	}
	return &eventThrottler{
		interval: time.Duration(ms) * time.Millisecond,
		last:     make(map[string]time.Time),
	}
}

func (t *eventThrottler) Allow(key string) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if last, ok := t.last[key]; ok {
		if now.Sub(last) < t.interval {
			return false
		}
	}
	t.last[key] = now
	return true
}

// ElementFingerprint captures identifying properties of an element for reliable re-identification.
// This enables detection of stale element references when the DOM changes.
type ElementFingerprint struct {
	Ref          string             `json:"ref"`           // Generated reference string
	TagName      string             `json:"tag_name"`      // Lowercase tag name (button, input, etc.)
	ID           string             `json:"id,omitempty"`            // Element ID attribute (if any)
	Name         string             `json:"name,omitempty"`          // Name attribute (if any)
	Classes      []string           `json:"classes,omitempty"`       // CSS class list
	TextContent  string             `json:"text_content,omitempty"`  // First 100 chars of text content
	AriaLabel    string             `json:"aria_label,omitempty"`    // aria-label attribute
	DataTestID   string             `json:"data_testid,omitempty"`   // data-testid attribute
	Role         string             `json:"role,omitempty"`          // ARIA role attribute
	BoundingBox  map[string]float64 `json:"bounding_box,omitempty"`  // x, y, width, height
	AltSelectors []string           `json:"alt_selectors,omitempty"` // Alternative CSS selectors for fallback
	GeneratedAt  time.Time          `json:"generated_at"`  // When the element was discovered
}

// ElementRegistry provides a per-session cache of discovered elements with fingerprints.
// This enables reliable element re-identification even when DOM changes occur.
type ElementRegistry struct {
	mu           sync.RWMutex
	elements     map[string]*ElementFingerprint // ref -> fingerprint
	generationID int                            // Increments on each full discovery or navigation
	lastCleared  time.Time                      // When the registry was last cleared
}

// NewElementRegistry creates a new empty element registry.
func NewElementRegistry() *ElementRegistry {
	return &ElementRegistry{
		elements:    make(map[string]*ElementFingerprint),
		lastCleared: time.Now(),
	}
}

// Register adds or updates an element fingerprint in the registry.
func (r *ElementRegistry) Register(fp *ElementFingerprint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.elements[fp.Ref] = fp
}

// RegisterBatch adds multiple fingerprints and increments the generation ID.
func (r *ElementRegistry) RegisterBatch(fps []*ElementFingerprint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generationID++
	for _, fp := range fps {
		r.elements[fp.Ref] = fp
	}
}

// Get retrieves a fingerprint by ref, returning nil if not found.
func (r *ElementRegistry) Get(ref string) *ElementFingerprint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.elements[ref]
}

// Clear removes all elements and increments the generation ID.
// Called on navigation to invalidate all stale references.
func (r *ElementRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.elements = make(map[string]*ElementFingerprint)
	r.generationID++
	r.lastCleared = time.Now()
}

// GenerationID returns the current generation, useful for staleness detection.
func (r *ElementRegistry) GenerationID() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generationID
}

// Count returns the number of registered elements.
func (r *ElementRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.elements)
}

// IncrementGeneration marks all cached elements as potentially stale without clearing them.
// Called on DOM updates to indicate that element positions/properties may have changed.
// This is lighter than Clear() - elements remain usable but staleness detection becomes active.
func (r *ElementRegistry) IncrementGeneration() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generationID++
}

// lifecycleState tracks the Browser Handle's own state machine, independent
// of whether a caller currently holds it via acquire().
type lifecycleState int

const (
	stateUninitialized lifecycleState = iota
	stateLaunching
	stateRunning
	stateShutDown
)

// ErrShutdownInProgress is returned by acquire() once shutdown() has run;
// the manager does not relaunch after an explicit shutdown.
var ErrShutdownInProgress = errors.New("browser: shutdown in progress or complete")

// BrowserHandle is the singleton launched-browser entity: the driver object,
// the profile directory it owns on disk, and (when we launched the process
// ourselves rather than attaching to an existing debugger_url) the launcher
// used to start and later kill it.
type BrowserHandle struct {
	browser        *rod.Browser
	controlURL     string
	profileDir     string
	launcher       *launcher.Launcher
	shutdownCalled bool // set by Shutdown before the handle becomes unreachable
}

// ScopedGuard is a mutually-exclusive reference to the running BrowserHandle.
// Exactly one guard may be outstanding at a time; Release must be called on
// every exit path (it is safe to call more than once).
type ScopedGuard struct {
	handle *BrowserHandle
	once   sync.Once
	unlock func()
}

// Browser returns the guarded browser driver.
func (g *ScopedGuard) Browser() *rod.Browser { return g.handle.browser }

// Handle returns the guarded BrowserHandle.
func (g *ScopedGuard) Handle() *BrowserHandle { return g.handle }

// Release gives up exclusive use of the handle. Idempotent.
func (g *ScopedGuard) Release() {
	g.once.Do(g.unlock)
}

// SessionManager owns the detached Chrome instance and tracks active sessions.
type SessionManager struct {
	cfg      config.BrowserConfig
	engine   EngineSink
	mu       sync.RWMutex
	state    lifecycleState
	handle   *BrowserHandle
	sessions map[string]*sessionRecord

	// handleMu is the "async lock" from §5: whoever holds it owns exclusive
	// use of the handle for the lifetime of their ScopedGuard.
	handleMu sync.Mutex

	pumpCtx    context.Context
	pumpCancel context.CancelFunc

	launchGroup singleflight.Group // collapses concurrent Start() callers onto one launch
}

// EngineSink defines the minimal interface we need from the logic layer.
type EngineSink interface {
	AddFacts(ctx context.Context, facts []mangle.Fact) error
}

func NewSessionManager(cfg config.BrowserConfig, sink EngineSink) *SessionManager {
	return &SessionManager{
		cfg:      cfg,
		engine:   sink,
		sessions: make(map[string]*sessionRecord),
	}
}

// Start connects to an existing Chrome or launches a new one using Rod's
// launcher. Concurrent callers collapse onto a single launch attempt via
// singleflight: only the winner pays the launch cost, and every caller
// observes the same resulting error or success.
func (m *SessionManager) Start(ctx context.Context) error {
	_, err, _ := m.launchGroup.Do("start", func() (interface{}, error) {
		return nil, m.start(ctx)
	})
	return err
}

func (m *SessionManager) start(ctx context.Context) error {
	m.mu.Lock()
	if m.state == stateShutDown {
		m.mu.Unlock()
		return ErrShutdownInProgress
	}
	existing := m.handle
	m.mu.Unlock()

	if existing != nil {
		if _, err := existing.browser.Version(); err == nil {
			return nil // still healthy, reuse it
		}
		log.Info().Msgf("Stale browser connection detected, reconnecting...")
		_ = existing.browser.Close()
		m.mu.Lock()
		m.handle = nil
		m.state = stateUninitialized
		m.sessions = make(map[string]*sessionRecord)
		m.mu.Unlock()
	}

	if err := m.loadSessions(); err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	m.mu.Lock()
	m.state = stateLaunching
	m.mu.Unlock()

	handle, err := m.launchHandle(ctx)
	if err != nil {
		m.mu.Lock()
		m.state = stateUninitialized
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.handle = handle
	m.state = stateRunning
	m.mu.Unlock()

	log.Info().Msgf("Browser connected at %s", handle.controlURL)
	if m.engine != nil {
		_ = m.engine.AddFacts(ctx, []mangle.Fact{{
			Predicate: "browser_launch",
			Args:      []interface{}{handle.controlURL, m.cfg.IsHeadless()},
			Timestamp: time.Now(),
		}})
	}
	return nil
}

// launchHandle implements §4.C's launch protocol: generate and own a profile
// directory, guarded by a cleanup closure disarmed only once launch makes it
// all the way to a connected browser; partition flags into always-on and
// security-gated sets; launch and start the background event-pump.
func (m *SessionManager) launchHandle(ctx context.Context) (*BrowserHandle, error) {
	controlURL := m.cfg.DebuggerURL
	var l *launcher.Launcher
	var profileDir string
	launchOK := false

	if controlURL == "" && len(m.cfg.Launch) > 0 {
		bin := m.cfg.Launch[0]
		if bin == "" || bin == "auto" {
			resolved, err := discoverExecutable()
			if err != nil {
				return nil, fmt.Errorf("discover executable: %w", err)
			}
			bin = resolved
		}

		dir, err := os.MkdirTemp("", fmt.Sprintf("agentbrowser_%d_", os.Getpid()))
		if err != nil {
			return nil, fmt.Errorf("create profile dir: %w", err)
		}
		profileDir = dir
		defer func() {
			if !launchOK {
				_ = os.RemoveAll(profileDir)
			}
		}()

		l = launcher.New().Bin(bin).Headless(m.cfg.IsHeadless()).UserDataDir(profileDir)
		applyFlag := func(f string) {
			name, val, hasVal := strings.Cut(strings.TrimLeft(f, "-"), "=")
			if hasVal {
				l = l.Set(flags.Flag(name), val)
			} else {
				l = l.Set(flags.Flag(name))
			}
		}
		for _, rawFlag := range m.cfg.Launch[1:] {
			applyFlag(rawFlag)
		}
		// Always-on: stealth-supporting, UI-suppression, and performance
		// flags that don't weaken the web security model.
		for _, f := range stealth.LaunchFlags {
			applyFlag(f)
		}
		// Security-gated: the sandbox-only subset is safe to auto-add when a
		// container is detected (no setuid sandbox helper available there).
		// Same-origin/cert-weakening flags are never auto-added — only an
		// explicit disable_security opts into those.
		if m.cfg.DisableSecurity || isContainerEnvironment() {
			for _, f := range stealth.SandboxFlags {
				applyFlag(f)
			}
		}
		if m.cfg.DisableSecurity {
			for _, f := range stealth.SecurityWeakeningFlags {
				applyFlag(f)
			}
		}

		metrics.BrowserLaunches.Inc()
		url, err := l.Launch()
		if err != nil {
			metrics.BrowserLaunchFailures.Inc()
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = url
	}

	if controlURL == "" {
		return nil, errors.New("no debugger_url or launch command provided")
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		metrics.BrowserLaunchFailures.Inc()
		if l != nil {
			l.Kill()
		}
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}

	m.mu.Lock()
	m.pumpCtx, m.pumpCancel = context.WithCancel(context.Background())
	m.mu.Unlock()

	launchOK = true
	handle := &BrowserHandle{browser: browser, controlURL: controlURL, profileDir: profileDir, launcher: l}
	if profileDir != "" {
		// Drop policy: a handle GC'd without going through Shutdown must not
		// touch the filesystem (a not-yet-exited process still holds files
		// open on Windows) — just warn so the orphaned directory gets found.
		runtime.SetFinalizer(handle, func(h *BrowserHandle) {
			if !h.shutdownCalled {
				log.Warn().Msgf("browser handle dropped without shutdown(); profile directory %s is orphaned", h.profileDir)
			}
		})
	}
	return handle, nil
}

// acquire lazily launches the browser on first call and returns a
// ScopedGuard holding exclusive use of the resulting handle. The caller
// must Release it on every exit path.
func (m *SessionManager) acquire(ctx context.Context) (*ScopedGuard, error) {
	m.mu.RLock()
	shutDown := m.state == stateShutDown
	m.mu.RUnlock()
	if shutDown {
		return nil, ErrShutdownInProgress
	}

	if err := m.Start(ctx); err != nil {
		return nil, err
	}

	m.handleMu.Lock()
	m.mu.RLock()
	handle := m.handle
	m.mu.RUnlock()
	if handle == nil {
		m.handleMu.Unlock()
		return nil, errors.New("browser: handle unavailable after launch")
	}

	return &ScopedGuard{handle: handle, unlock: m.handleMu.Unlock}, nil
}

// Browser returns the underlying connected *rod.Browser, or nil if not
// started. Used by the search and research collaborators, which resolve
// the browser fresh on each call rather than holding a scoped guard across
// their own independently-managed page lifecycle.
func (m *SessionManager) Browser() *rod.Browser {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.handle == nil {
		return nil
	}
	return m.handle.browser
}

// ControlURL returns the WebSocket debugger URL for the connected browser.
func (m *SessionManager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.handle == nil {
		return ""
	}
	return m.handle.controlURL
}

// IsConnected returns whether the browser is currently connected.
func (m *SessionManager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handle != nil
}

// awaitProcessExit blocks until pid exits or timeout elapses, logging and
// continuing on timeout rather than hanging shutdown forever.
func awaitProcessExit(pid int, timeout time.Duration) {
	if pid == 0 {
		return
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	done := make(chan struct{})
	go func() {
		_, _ = proc.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		log.Info().Msgf("timed out waiting for browser process %d to exit", pid)
	}
}

// Shutdown tears down the browser handle in the strict order §4.C and §5
// require: take the handle out of the slot, issue the protocol close, await
// the OS process fully exiting (Windows holds profile-directory files open
// until then), abort the event-pump, then remove the profile directory.
// Idempotent: a second call is a no-op.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.state == stateShutDown {
		m.mu.Unlock()
		return nil
	}
	handle := m.handle
	pumpCancel := m.pumpCancel
	m.handle = nil
	m.state = stateShutDown
	for id, record := range m.sessions {
		if record.page != nil {
			_ = record.page.Close()
		}
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if handle == nil {
		return nil
	}
	handle.shutdownCalled = true

	if err := handle.browser.Close(); err != nil {
		log.Info().Msgf("browser close returned an error, continuing shutdown: %v", err)
	}

	if handle.launcher != nil {
		handle.launcher.Kill()
		awaitProcessExit(handle.launcher.PID(), 5*time.Second)
	}

	if pumpCancel != nil {
		pumpCancel()
	}

	if handle.profileDir != "" {
		if err := os.RemoveAll(handle.profileDir); err != nil {
			log.Info().Msgf("failed to remove browser profile dir %s: %v", handle.profileDir, err)
		}
	}

	log.Info().Msgf("Browser shutdown complete")
	return nil
}

// List returns lightweight metadata for all known sessions.
func (m *SessionManager) List() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]Session, 0, len(m.sessions))
	for _, record := range m.sessions {
		results = append(results, record.meta)
	}
	return results
}

// CreateSession opens a new page (incognito context by default) and tracks it.
func (m *SessionManager) CreateSession(ctx context.Context, url string) (*Session, error) {
	guard, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	incognito, err := guard.Browser().Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}

	page, err := incognito.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	stealthErr := stealth.Apply(page, "America/New_York", "Win32")
	if stealthErr != nil {
		log.Info().Msgf("warning: failed to apply stealth bundle: %v", stealthErr)
	}
	if m.engine != nil {
		_ = m.engine.AddFacts(ctx, []mangle.Fact{{
			Predicate: "stealth_patch_applied",
			Args:      []interface{}{string(page.TargetID), stealthErr == nil},
			Timestamp: time.Now(),
		}})
	}

	// Set viewport dimensions from config (default 1280x720)
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.GetViewportWidth(),
		Height:            m.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		log.Info().Msgf("warning: failed to set viewport: %v", err)
	}

	// Best-effort load; failures are not fatal for scaffolding.
	_ = page.Timeout(m.cfg.NavigationTimeout()).Navigate(url)

	meta := Session{
		ID:         uuid.NewString(),
		TargetID:   string(page.TargetID),
		URL:        url,
		Status:     "active",
		CreatedAt:  time.Now(),
		LastActive: time.Now(),
	}

	m.mu.Lock()
	m.sessions[meta.ID] = &sessionRecord{meta: meta, page: page, registry: NewElementRegistry()}
	metrics.ActiveSessions.Set(float64(len(m.sessions)))
	m.mu.Unlock()
	metrics.SessionsCreated.Inc()

	m.startEventStream(ctx, meta.ID, page)
	_ = m.persistSessions()

	return &meta, nil
}

// Attach attempts to bind to an existing target by TargetID.
func (m *SessionManager) Attach(ctx context.Context, targetID string) (*Session, error) {
	guard, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	page, err := guard.Browser().PageFromTarget(proto.TargetTargetID(targetID))
	if err != nil {
		return nil, fmt.Errorf("attach to target %s: %w", targetID, err)
	}

	meta := Session{
		ID:         uuid.NewString(),
		TargetID:   targetID,
		Status:     "attached",
		CreatedAt:  time.Now(),
		LastActive: time.Now(),
	}

	m.mu.Lock()
	m.sessions[meta.ID] = &sessionRecord{meta: meta, page: page, registry: NewElementRegistry()}
	metrics.ActiveSessions.Set(float64(len(m.sessions)))
	m.mu.Unlock()
	metrics.SessionsCreated.Inc()

	m.startEventStream(ctx, meta.ID, page)
	_ = m.persistSessions()
	return &meta, nil
}

// Page returns the underlying Rod page for a session when present.
func (m *SessionManager) Page(sessionID string) (*rod.Page, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return rec.page, true
}

// Registry returns the element registry for a session.
// Returns nil if session doesn't exist.
func (m *SessionManager) Registry(sessionID string) *ElementRegistry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok || rec.registry == nil {
		return nil
	}
	return rec.registry
}

// UpdateMetadata allows tools to refresh metadata (e.g., URL/title after navigation).
func (m *SessionManager) UpdateMetadata(sessionID string, updater func(Session) Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	rec.meta = updater(rec.meta)
}

// GetSession returns the current session metadata when available.
func (m *SessionManager) GetSession(sessionID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return rec.meta, true
}

// startEventStream wires Rod CDP events into the fact sink (console + network + navigation).
func (m *SessionManager) startEventStream(ctx context.Context, sessionID string, page *rod.Page) {
	if m.engine == nil {
		return
	}

	m.mu.RLock()
	pumpCtx := m.pumpCtx
	m.mu.RUnlock()

	// Tie this session's stream to whichever of the caller's context or the
	// shared event-pump context ends first, so Shutdown's pump-abort step
	// actually stops every session's listeners, not just the caller's own.
	streamCtx, cancelStream := context.WithCancel(ctx)
	if pumpCtx != nil {
		go func() {
			select {
			case <-pumpCtx.Done():
				cancelStream()
			case <-streamCtx.Done():
			}
		}()
	}
	ctx = streamCtx

	go func() {
		var wg sync.WaitGroup

		level := strings.ToLower(m.cfg.EventLoggingLevel)
		captureDOM := m.cfg.EnableDOMIngestion && level != "minimal"
		captureHeaders := m.cfg.EnableHeaderIngestion && level != "minimal"
		consoleErrorsOnly := level == "minimal"
		throttler := newEventThrottler(m.cfg.EventThrottleMs)

		// Optionally capture initial DOM snapshot.
		if captureDOM {
			_ = proto.DOMEnable{}.Call(page)
			_ = m.captureDOMFacts(ctx, sessionID, page)
		}

		// Install lightweight click/input/state trackers in the page context.
		_, _ = page.Context(ctx).Evaluate(&rod.EvalOptions{
			JS: `
			() => {
				const w = window;
				if (w.__agentbrowserHooked) return true;
				w.__agentbrowserHooked = true;
				w.__agentbrowserEvents = [];

				document.addEventListener('click', (ev) => {
					try {
						const target = ev.target || {};
						const id = target.id || '';
						w.__agentbrowserEvents.push({ type: 'click', id, ts: Date.now() });
					} catch (e) {}
				}, true);

				// Input events - capture value changes on form fields
				document.addEventListener('input', (ev) => {
					try {
						const target = ev.target || {};
						const id = target.id || target.name || '';
						const value = target.value || '';
						w.__agentbrowserEvents.push({ type: 'input', id, value, ts: Date.now() });
					} catch (e) {}
				}, true);

				// Change events - capture final values on blur/submit
				document.addEventListener('change', (ev) => {
					try {
						const target = ev.target || {};
						const id = target.id || target.name || '';
						const value = target.value || '';
						w.__agentbrowserEvents.push({ type: 'input', id, value, ts: Date.now() });
					} catch (e) {}
				}, true);

				// State change observation via data-* attributes
				const obs = new MutationObserver((mutations) => {
					mutations.forEach((m) => {
						if (m.type === 'attributes' && m.attributeName && m.attributeName.startsWith('data-state')) {
							const val = (m.target && m.target.getAttribute) ? (m.target.getAttribute(m.attributeName) || '') : '';
							w.__agentbrowserEvents.push({ type: 'state', name: m.attributeName, value: val, ts: Date.now() });
						}
					});
				});
				obs.observe(document.documentElement || document.body, { attributes: true, subtree: true });
				return true;
			}
			`,
			ByValue:      true,
			AwaitPromise: true,
		})

		// Navigation - emit both navigation_event (timestamped) and current_url (stateful)
		waitNav := page.Context(ctx).EachEvent(func(ev *proto.PageFrameNavigated) {
			now := time.Now()

			// Clear element registry on navigation - refs become invalid when page changes
			if registry := m.Registry(sessionID); registry != nil {
				prevCount := registry.Count()
				registry.Clear()
				if prevCount > 0 {
					log.Info().Msgf("[session:%s] navigation cleared %d cached elements (new URL: %s)", sessionID, prevCount, ev.Frame.URL)
				}
			}

			facts := []mangle.Fact{
				{
					Predicate: "navigation_event",
					Args:      []interface{}{sessionID, ev.Frame.URL, now.UnixMilli()},
					Timestamp: now,
				},
				{
					// current_url is the stateful predicate for test assertions
					// It represents "where the session IS" not "where it navigated"
					Predicate: "current_url",
					Args:      []interface{}{sessionID, ev.Frame.URL},
					Timestamp: now,
				},
			}
			if err := m.engine.AddFacts(ctx, facts); err != nil {
				log.Info().Msgf("[session:%s] navigation fact error: %v", sessionID, err)
			}
			m.UpdateMetadata(sessionID, func(s Session) Session {
				s.URL = ev.Frame.URL
				s.LastActive = now
				return s
			})
		})

		// Console, network, and DOM streams
		waitRest := page.Context(ctx).EachEvent(
			func(ev *proto.RuntimeConsoleAPICalled) {
				if consoleErrorsOnly && ev.Type != proto.RuntimeConsoleAPICalledTypeError && ev.Type != proto.RuntimeConsoleAPICalledTypeWarning {
					return
				}
				if !throttler.Allow("console") {
					return
				}
				now := time.Now()
				msg := stringifyConsoleArgs(ev.Args)
				if err := m.engine.AddFacts(ctx, []mangle.Fact{{
					Predicate: "console_event",
					Args:      []interface{}{string(ev.Type), msg, now.UnixMilli()},
					Timestamp: now,
				}}); err != nil {
					log.Info().Msgf("[session:%s] console fact error: %v", sessionID, err)
				}
			},
			func(ev *proto.NetworkRequestWillBeSent) {
				if !throttler.Allow("net_request") {
					return
				}
				now := time.Now()
				initiatorType := ""
				if ev.Initiator != nil {
					initiatorType = string(ev.Initiator.Type)
				}

				facts := []mangle.Fact{{
					Predicate: "net_request",
					Args:      []interface{}{string(ev.RequestID), ev.Request.Method, ev.Request.URL, initiatorType, now.UnixMilli()},
					Timestamp: now,
				}}

				if err := m.engine.AddFacts(ctx, facts); err != nil {
					log.Info().Msgf("[session:%s] net_request fact error: %v", sessionID, err)
				}

				if captureHeaders && ev.Request != nil {
					for k, v := range ev.Request.Headers {
						if err := m.engine.AddFacts(ctx, []mangle.Fact{{
							Predicate: "net_header",
							Args:      []interface{}{string(ev.RequestID), "req", strings.ToLower(k), fmt.Sprintf("%v", v)},
							Timestamp: now,
						}}); err != nil {
							log.Info().Msgf("[session:%s] net_header fact error: %v", sessionID, err)
						}
					}
				}
			},
			func(ev *proto.NetworkResponseReceived) {
				if !throttler.Allow("net_response") {
					return
				}
				now := time.Now()
				var latency, duration int64
				if ev.Response != nil && ev.Response.Timing != nil {
					// Convert CDP float64 timings (milliseconds) to int64 for Mangle arithmetic
					latency = int64(ev.Response.Timing.ReceiveHeadersEnd)
					duration = int64(ev.Response.Timing.ConnectEnd)
				}
				if err := m.engine.AddFacts(ctx, []mangle.Fact{{
					Predicate: "net_response",
					Args:      []interface{}{string(ev.RequestID), ev.Response.Status, latency, duration},
					Timestamp: now,
				}}); err != nil {
					log.Info().Msgf("[session:%s] net_response fact error: %v", sessionID, err)
				}

				if captureHeaders && ev.Response != nil {
					for k, v := range ev.Response.Headers {
						if err := m.engine.AddFacts(ctx, []mangle.Fact{{
							Predicate: "net_header",
							Args:      []interface{}{string(ev.RequestID), "res", strings.ToLower(k), fmt.Sprintf("%v", v)},
							Timestamp: now,
						}}); err != nil {
							log.Info().Msgf("[session:%s] res net_header fact error: %v", sessionID, err)
						}
					}
				}
			},
			func(ev *proto.DOMDocumentUpdated) {
				// Mark cached elements as potentially stale when DOM changes
				if registry := m.Registry(sessionID); registry != nil {
					registry.IncrementGeneration()
				}

				if !captureDOM {
					return
				}
				if !throttler.Allow("dom_update") {
					return
				}
				if err := m.captureDOMFacts(ctx, sessionID, page); err != nil {
					log.Info().Msgf("[session:%s] DOM capture error: %v", sessionID, err)
				}
			},
		)

		wg.Add(3)
		go func() {
			defer wg.Done()
			waitNav()
		}()
		go func() {
			defer wg.Done()
			waitRest()
		}()
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(500 * time.Millisecond)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
						JS: `
						() => {
							const buf = Array.isArray(window.__agentbrowserEvents) ? window.__agentbrowserEvents : [];
							window.__agentbrowserEvents = [];
							return buf;
						}
						`,
						ByValue:      true,
						AwaitPromise: true,
					})
					if err != nil || res == nil {
						continue
					}
					if res.Value.Nil() {
						continue
					}
					raw, err := res.Value.MarshalJSON()
					if err != nil {
						continue
					}
					var events []struct {
						Type  string  `json:"type"`
						ID    string  `json:"id"`
						Name  string  `json:"name"`
						Value string  `json:"value"`
						TS    float64 `json:"ts"`
					}
					if err := json.Unmarshal(raw, &events); err != nil {
						continue
					}

					facts := make([]mangle.Fact, 0, len(events))
					for _, ev := range events {
						ts := time.UnixMilli(int64(ev.TS))
						switch ev.Type {
						case "click":
							facts = append(facts, mangle.Fact{
								Predicate: "click_event",
								Args:      []interface{}{ev.ID, ts.UnixMilli()},
								Timestamp: ts,
							})
						case "input":
							facts = append(facts, mangle.Fact{
								Predicate: "input_event",
								Args:      []interface{}{ev.ID, ev.Value, ts.UnixMilli()},
								Timestamp: ts,
							})
						case "state":
							facts = append(facts, mangle.Fact{
								Predicate: "state_change",
								Args:      []interface{}{ev.Name, ev.Value, ts.UnixMilli()},
								Timestamp: ts,
							})
						}
					}
					if len(facts) > 0 {
						if err := m.engine.AddFacts(ctx, facts); err != nil {
							log.Info().Msgf("[session:%s] click/state/toast fact error: %v", sessionID, err)
						}
					}
				}
			}
		}()
		wg.Wait()
	}()
}

func stringifyConsoleArgs(args []*proto.RuntimeRemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if a == nil {
			continue
		}
		if !a.Value.Nil() {
			parts = append(parts, a.Value.String())
			continue
		}
		if a.Description != "" {
			parts = append(parts, a.Description)
		}
	}
	return strings.Join(parts, " ")
}

// captureDOMFacts snapshots a limited DOM view into facts to keep context light.
func (m *SessionManager) captureDOMFacts(ctx context.Context, sessionID string, page *rod.Page) error {
	const maxNodes = 200
	script := fmt.Sprintf(`
	() => {
		const nodes = Array.from(document.querySelectorAll('*')).slice(0, %d);
		return nodes.map((el, idx) => {
			const attrs = {};
			for (const { name, value } of Array.from(el.attributes || [])) {
				attrs[name] = value;
			}
			const rect = el.getBoundingClientRect();
			const style = window.getComputedStyle(el);
			const isVisible = style.display !== 'none' && style.visibility !== 'hidden' && style.opacity !== '0' && rect.width > 0 && rect.height > 0;
			
			return {
				id: el.id || ('node_' + idx),
				tag: el.tagName,
				text: (el.innerText || '').slice(0, 256),
				parent: el.parentElement && (el.parentElement.id || el.parentElement.tagName || 'root'),
				attrs,
				layout: {
					x: rect.x,
					y: rect.y,
					width: rect.width,
					height: rect.height,
					visible: isVisible
				}
			};
		});
	}
	`, maxNodes)

	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           script,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil || res == nil {
		return err
	}

	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return err
	}

	var nodes []struct {
		ID     string            `json:"id"`
		Tag    string            `json:"tag"`
		Text   string            `json:"text"`
		Parent string            `json:"parent"`
		Attrs  map[string]string `json:"attrs"`
		Layout struct {
			X       float64 `json:"x"`
			Y       float64 `json:"y"`
			Width   float64 `json:"width"`
			Height  float64 `json:"height"`
			Visible bool    `json:"visible"`
		} `json:"layout"`
	}
	if err := json.Unmarshal(raw, &nodes); err != nil {
		return err
	}

	now := time.Now()
	facts := make([]mangle.Fact, 0, len(nodes)*3)
	for _, n := range nodes {
		facts = append(facts, mangle.Fact{
			Predicate: "dom_node",
			Args:      []interface{}{n.ID, n.Tag, n.Text, n.Parent},
			Timestamp: now,
		})
		if n.Text != "" {
			facts = append(facts, mangle.Fact{
				Predicate: "dom_text",
				Args:      []interface{}{n.ID, n.Text},
				Timestamp: now,
			})
		}
		for k, v := range n.Attrs {
			facts = append(facts, mangle.Fact{
				Predicate: "dom_attr",
				Args:      []interface{}{n.ID, k, v},
				Timestamp: now,
			})
		}
		// Add layout fact
		facts = append(facts, mangle.Fact{
			Predicate: "dom_layout",
			Args:      []interface{}{n.ID, n.Layout.X, n.Layout.Y, n.Layout.Width, n.Layout.Height, fmt.Sprintf("%v", n.Layout.Visible)},
			Timestamp: now,
		})
	}
	return m.engine.AddFacts(ctx, facts)
}

// SnapshotDOM triggers a one-off DOM capture for the given session.
func (m *SessionManager) SnapshotDOM(ctx context.Context, sessionID string) error {
	page, ok := m.Page(sessionID)
	if !ok {
		return fmt.Errorf("unknown session: %s", sessionID)
	}
	return m.captureDOMFacts(ctx, sessionID, page)
}

// persistSessions writes session metadata to disk for continuity across restarts.
func (m *SessionManager) persistSessions() error {
	if m.cfg.SessionStore == "" {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]Session, 0, len(m.sessions))
	for _, rec := range m.sessions {
		sessions = append(sessions, rec.meta)
	}

	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(m.cfg.SessionStore), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.cfg.SessionStore, data, 0o644)
}

// loadSessions loads persisted metadata (does not auto-attach to pages).
func (m *SessionManager) loadSessions() error {
	if m.cfg.SessionStore == "" {
		return nil
	}

	data, err := os.ReadFile(m.cfg.SessionStore)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var sessions []Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range sessions {
		// Mark as detached; a caller can use attach-session to bind to a live target.
		s.Status = "detached"
		m.sessions[s.ID] = &sessionRecord{meta: s, page: nil}
	}
	return nil
}

