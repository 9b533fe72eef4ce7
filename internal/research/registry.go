// Package research implements the autonomous research session registry:
// start a query, let a worker crawl search results in the background, and
// poll status/result/stop while it runs.
package research

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"agentbrowser-core/internal/config"
	"agentbrowser-core/internal/logging"
	"agentbrowser-core/internal/metrics"
	"agentbrowser-core/internal/recorder"
	"agentbrowser-core/internal/search"

	"github.com/dustin/go-humanize"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var log = logging.Component("research")

// Status is the single source of truth for session lifecycle. A session is
// "complete" iff Status is one of the terminal values below — no separate
// boolean mirror is maintained.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ResultRecord is one page visited during a research run.
type ResultRecord struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Text    string `json:"text"`
	FoundAt int    `json:"found_at"` // ordinal position among visited pages
}

// Snapshot is the read-only view returned by Status/List.
type Snapshot struct {
	ID            string    `json:"id"`
	Query         string    `json:"query"`
	MaxPages      uint32    `json:"max_pages"`
	Status        Status    `json:"status"`
	StartedAt     time.Time `json:"started_at"`
	Elapsed       string    `json:"elapsed"`
	LastProgress  string    `json:"last_progress"`
	PagesVisited  int       `json:"pages_visited"`
	ResultCount   int       `json:"result_count"`
	Error         string    `json:"error,omitempty"`
	Transient     bool      `json:"transient,omitempty"` // set when List()/sweep could not acquire the lock in time
}

// ErrSessionNotFound is returned by Status/Result/Stop for an unknown id.
var ErrSessionNotFound = errors.New("research: session not found")

// progressEntry is one line of the session's running log, timestamped and
// tagged with how many pages had been successfully visited at that point.
type progressEntry struct {
	timestamp    time.Time
	message      string
	pagesVisited int
}

type session struct {
	id       string
	query    string
	maxPages uint32

	asyncLock    sync.Mutex // guards the mutable fields below; bounded-timeout acquisition only
	status       Status
	startedAt    time.Time
	progress     []progressEntry
	pagesVisited int // successful visits only; independent of len(progress)
	err          string

	resultsMu sync.RWMutex
	results   []ResultRecord

	cancel context.CancelFunc
	done   chan struct{} // closed when the worker goroutine returns
}

// tryLock attempts to acquire s.asyncLock within timeout, returning false on
// timeout rather than silently skipping — callers must still report the
// session, marked Transient.
func (s *session) tryLock(timeout time.Duration) bool {
	done := make(chan struct{})
	var acquired bool
	go func() {
		s.asyncLock.Lock()
		acquired = true
		close(done)
	}()
	select {
	case <-done:
		return acquired
	case <-time.After(timeout):
		return false
	}
}

func (s *session) snapshot(transient bool) Snapshot {
	s.resultsMu.RLock()
	resultCount := len(s.results)
	s.resultsMu.RUnlock()

	last := ""
	if n := len(s.progress); n > 0 {
		last = s.progress[n-1].message
	}

	return Snapshot{
		ID:           s.id,
		Query:        s.query,
		MaxPages:     s.maxPages,
		Status:       s.status,
		StartedAt:    s.startedAt,
		Elapsed:      humanize.RelTime(s.startedAt, time.Now(), "", ""),
		LastProgress: last,
		PagesVisited: s.pagesVisited,
		ResultCount:  resultCount,
		Error:        s.err,
		Transient:    transient,
	}
}

// BrowserSource resolves the shared browser lazily, mirroring
// search.BrowserSource so the registry keeps working if it's constructed
// before the lifecycle manager has launched a browser.
type BrowserSource interface {
	Browser() *rod.Browser
}

// Registry tracks every research session and owns the background eviction
// sweeper. The browser source is used to open pages for crawling; provider
// performs the initial search.
type Registry struct {
	cfg      config.ResearchConfig
	source   BrowserSource
	provider search.Provider
	rec      *recorder.Recorder

	mu       sync.RWMutex
	sessions map[string]*session

	sweepCancel context.CancelFunc
	eg          *errgroup.Group
}

// NewRegistry constructs a registry bound to the lifecycle manager's browser
// and a search provider.
func NewRegistry(cfg config.ResearchConfig, source BrowserSource, provider search.Provider) *Registry {
	return &Registry{
		cfg:      cfg,
		source:   source,
		provider: provider,
		sessions: make(map[string]*session),
	}
}

// WithRecorder attaches a flight recorder; every search hit and page visit
// is traced under the session's id. Nil-safe.
func (r *Registry) WithRecorder(rec *recorder.Recorder) *Registry {
	r.rec = rec
	return r
}

func (r *Registry) trace(sessionID, eventType string, data interface{}) {
	if r.rec == nil {
		return
	}
	r.rec.Log(eventType, sessionID, data)
}

// StartSweeper launches the background eviction sweeper, owned by the
// registry so Shutdown can cancel and bound-wait on it.
func (r *Registry) StartSweeper(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	r.sweepCancel = cancel

	eg, egCtx := errgroup.WithContext(sweepCtx)
	r.eg = eg
	eg.Go(func() error {
		r.sweepLoop(egCtx)
		return nil
	})
}

func (r *Registry) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce()
		}
	}
}

func (r *Registry) sweepOnce() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, s := range r.sessions {
		if !s.tryLock(2 * time.Second) {
			log.Info().Msgf("sweep: session %s busy, skipping this pass (transient)", id)
			continue
		}
		status := s.status
		started := s.startedAt
		s.asyncLock.Unlock()

		if status.terminal() && time.Since(started) > r.cfg.SessionTimeout() {
			delete(r.sessions, id)
			log.Info().Msgf("sweep: evicted session %s (status=%s, age=%s)", id, status, time.Since(started))
		}
	}
}

// Shutdown cancels the sweeper and bound-waits on its exit.
func (r *Registry) Shutdown(ctx context.Context) error {
	if r.sweepCancel == nil {
		return nil
	}
	r.sweepCancel()
	if r.eg == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- r.eg.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start enrolls a new session and spawns its worker, returning immediately.
func (r *Registry) Start(ctx context.Context, query string, maxPages uint32) (string, error) {
	if maxPages == 0 {
		maxPages = r.cfg.GetMaxPagesDefault()
	}
	if err := config.ValidateMaxPages(int(maxPages)); err != nil {
		return "", fmt.Errorf("research: %w", err)
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:        uuid.NewString(),
		query:     query,
		maxPages:  maxPages,
		status:    StatusRunning,
		startedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	r.sessions[s.id] = s
	metrics.ActiveResearchSessions.Set(float64(r.countRunningLocked()))
	r.mu.Unlock()

	go r.runWorker(workerCtx, s)

	return s.id, nil
}

// countRunningLocked counts non-terminal sessions. Callers must hold r.mu.
// A session whose status lock can't be acquired promptly is counted as
// running rather than silently excluded.
func (r *Registry) countRunningLocked() int {
	n := 0
	for _, s := range r.sessions {
		if !s.tryLock(500 * time.Millisecond) {
			n++
			continue
		}
		if !s.status.terminal() {
			n++
		}
		s.asyncLock.Unlock()
	}
	return n
}

func (r *Registry) runWorker(ctx context.Context, s *session) {
	defer close(s.done)

	finish := func(status Status, errMsg string) {
		s.asyncLock.Lock()
		s.status = status
		s.err = errMsg
		s.asyncLock.Unlock()

		switch status {
		case StatusCompleted:
			metrics.ResearchCompleted.Inc()
		case StatusFailed:
			metrics.ResearchFailed.Inc()
		}
		r.mu.RLock()
		metrics.ActiveResearchSessions.Set(float64(r.countRunningLocked()))
		r.mu.RUnlock()
		r.trace(s.id, "research_progress", map[string]interface{}{"status": string(status), "error": errMsg})
	}

	appendProgress := func(line string) {
		s.asyncLock.Lock()
		s.progress = append(s.progress, progressEntry{
			timestamp:    time.Now(),
			message:      line,
			pagesVisited: s.pagesVisited,
		})
		s.asyncLock.Unlock()
		r.trace(s.id, "research_progress", map[string]interface{}{"line": line})
	}

	// recordVisit is appendProgress's counterpart for a page that was
	// actually fetched: it bumps pagesVisited before stamping the entry, so
	// results.len() stays >= progress.last().pages_visited at every point.
	recordVisit := func(line string) {
		s.asyncLock.Lock()
		s.pagesVisited++
		s.progress = append(s.progress, progressEntry{
			timestamp:    time.Now(),
			message:      line,
			pagesVisited: s.pagesVisited,
		})
		s.asyncLock.Unlock()
		r.trace(s.id, "research_progress", map[string]interface{}{"line": line})
	}

	hits, err := r.provider.Search(ctx, s.query, int(s.maxPages))
	if err != nil {
		if ctx.Err() != nil {
			finish(StatusCancelled, "")
			return
		}
		// A worker error is recorded on the session, never propagated to
		// Start's already-returned caller.
		finish(StatusFailed, err.Error())
		return
	}
	appendProgress(fmt.Sprintf("search returned %d candidate pages", len(hits)))

	for i, hit := range hits {
		if uint32(i) >= s.maxPages {
			break
		}
		select {
		case <-ctx.Done():
			finish(StatusCancelled, "")
			return
		default:
		}

		text, err := r.extractPage(ctx, hit.URL)
		if err != nil {
			appendProgress(fmt.Sprintf("visit %s failed: %v", hit.URL, err))
			continue
		}

		s.resultsMu.Lock()
		s.results = append(s.results, ResultRecord{
			URL:     hit.URL,
			Title:   hit.Title,
			Text:    text,
			FoundAt: i,
		})
		s.resultsMu.Unlock()

		recordVisit(fmt.Sprintf("visited %s", hit.URL))

		select {
		case <-ctx.Done():
			finish(StatusCancelled, "")
			return
		default:
		}
	}

	finish(StatusCompleted, "")
}

func (r *Registry) extractPage(ctx context.Context, url string) (string, error) {
	if r.source == nil {
		return "", errors.New("research: no browser source configured")
	}
	browser := r.source.Browser()
	if browser == nil {
		return "", errors.New("research: browser not connected")
	}
	page, err := browser.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return "", err
	}
	defer page.Close()

	page = page.Context(ctx)
	if err := page.WaitLoad(); err != nil {
		return "", err
	}

	text, err := page.Eval(`() => document.body ? document.body.innerText : ''`)
	if err != nil {
		return "", err
	}
	extracted := text.Value.Str()
	if max := r.cfg.GetMaxExtractChars(); max > 0 && len(extracted) > max {
		extracted = extracted[:max]
	}
	return extracted, nil
}

// Status returns a snapshot view for one session.
func (r *Registry) Status(sessionID string) (Snapshot, error) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, ErrSessionNotFound
	}

	if !s.tryLock(2 * time.Second) {
		return s.snapshot(true), nil
	}
	snap := s.snapshot(false)
	s.asyncLock.Unlock()
	return snap, nil
}

// Result returns the (possibly partial) ordered result buffer for a session.
func (r *Registry) Result(sessionID string) ([]ResultRecord, error) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	s.resultsMu.RLock()
	defer s.resultsMu.RUnlock()
	out := make([]ResultRecord, len(s.results))
	copy(out, s.results)
	return out, nil
}

// List returns snapshots for every known session, including ones currently
// being updated (flagged Transient rather than silently dropped).
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		if !s.tryLock(2 * time.Second) {
			out = append(out, s.snapshot(true))
			continue
		}
		out = append(out, s.snapshot(false))
		s.asyncLock.Unlock()
	}
	return out
}

// Stop requests graceful cancellation and awaits acknowledgement bounded by
// the configured stop-ack timeout. A timeout still returns nil (ok with a
// warning, per §4.D) — the goroutine is left for the runtime to reap.
func (r *Registry) Stop(sessionID string) error {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}

	s.cancel()

	select {
	case <-s.done:
		return nil
	case <-time.After(r.cfg.StopAckTimeout()):
		log.Info().Msgf("stop: session %s did not acknowledge within timeout, abandoning", sessionID)
		return nil
	}
}
