// Package inspector owns the per-context state of the observed browsing
// contexts: matched requests awaiting completion, the activities decoded
// from their responses, the network event log and performance snapshots.
package inspector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vincentbai/target-inspector/internal/activity"
	"github.com/vincentbai/target-inspector/internal/flicker"
	"github.com/vincentbai/target-inspector/internal/log"
	"github.com/vincentbai/target-inspector/internal/matcher"
	"github.com/vincentbai/target-inspector/internal/models"
	"github.com/vincentbai/target-inspector/internal/parser"
	"github.com/vincentbai/target-inspector/internal/payload"
)

// ErrNotObserved is returned by operations that need an attached context.
var ErrNotObserved = errors.New("context is not observed")

// Source fetches request and response bodies from the observing session.
type Source interface {
	ResponseBody(ctx context.Context, requestID string) ([]byte, error)
	RequestPostData(ctx context.Context, requestID string) (string, error)
}

// Notifier is told about every committed Activity. Implementations must
// not block.
type Notifier interface {
	ActivityCommitted(contextID string, a models.Activity)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(contextID string, a models.Activity)

func (f NotifierFunc) ActivityCommitted(contextID string, a models.Activity) { f(contextID, a) }

// Request is a request-sent event.
type Request struct {
	ID       string
	URL      string
	Method   string
	Headers  map[string]any
	PostData *models.PostData
}

// Response is a response-received event.
type Response struct {
	RequestID string
	Status    int64
	Headers   map[string]any
	MimeType  string
	Timing    *models.Timing
}

// Options configures a Manager. Zero values select defaults.
type Options struct {
	Matcher    *matcher.Matcher
	Correlator *flicker.Correlator
	Notifiers  []Notifier
	Now        func() time.Time
}

// Manager is the session manager: it creates context state on attach and
// routes observer events to it.
type Manager struct {
	logger     *log.Logger
	matcher    *matcher.Matcher
	correlator *flicker.Correlator
	notifiers  []Notifier
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	contexts map[string]*contextState
}

func NewManager(logger *log.Logger, opts Options) *Manager {
	if opts.Matcher == nil {
		opts.Matcher = matcher.New()
	}
	if opts.Correlator == nil {
		opts.Correlator = flicker.NewCorrelator(nil, opts.Matcher, 0, logger)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:     logger,
		matcher:    opts.Matcher,
		correlator: opts.Correlator,
		notifiers:  opts.Notifiers,
		now:        opts.Now,
		ctx:        ctx,
		cancel:     cancel,
		contexts:   make(map[string]*contextState),
	}
}

// Wait blocks until all scheduled body fetches and collections are done.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Close cancels in-flight work and waits for it to return.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) state(contextID string) *contextState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.contexts[contextID]
}

func (m *Manager) stateOrCreate(contextID string) *contextState {
	if st := m.state(contextID); st != nil {
		return st
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.contexts[contextID]
	if !ok {
		st = newContextState()
		m.contexts[contextID] = st
	}
	return st
}

func (m *Manager) async(fn func(ctx context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn(m.ctx)
	}()
}

// Attach starts observing contextID. Activities stored before a previous
// detach are kept.
func (m *Manager) Attach(contextID string, source Source, probe flicker.PageProbe) {
	st := m.stateOrCreate(contextID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.attached = true
	st.source = source
	st.probe = probe
	st.generation++
	st.pending = make(map[string]*models.PendingRequest)
	m.logger.Infof("Manager:Attach", "tab:%s attached", contextID)
}

// ReportConflict records that attaching to contextID failed, usually
// because another debugger owns it.
func (m *Manager) ReportConflict(contextID string, err error) {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	m.logger.Warnf("Manager:ReportConflict", "tab:%s cannot be observed: %s", contextID, reason)
	m.Store(contextID, activity.Fallback(reason, m.now()))
}

// Detach stops observing contextID. In-flight results are discarded.
func (m *Manager) Detach(contextID string) {
	st := m.state(contextID)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.attached = false
	st.source = nil
	st.probe = nil
	st.generation++
	st.pending = make(map[string]*models.PendingRequest)
	m.logger.Infof("Manager:Detach", "tab:%s detached", contextID)
}

// Forget drops all state of a closed context.
func (m *Manager) Forget(contextID string) {
	m.mu.Lock()
	st, ok := m.contexts[contextID]
	delete(m.contexts, contextID)
	m.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	st.attached = false
	st.reset()
	st.mu.Unlock()
	m.correlator.Clear(contextID)
	m.logger.Debugf("Manager:Forget", "tab:%s forgotten", contextID)
}

// Navigated clears the page data of contextID when its main frame starts
// loading a new document.
func (m *Manager) Navigated(contextID, url string) {
	m.logger.Debugf("Manager:Navigated", "tab:%s url:%s", contextID, url)
	m.Clear(contextID)
}

// Clear drops activities, network events, the performance snapshot and
// pending requests of contextID.
func (m *Manager) Clear(contextID string) {
	st := m.state(contextID)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.reset()
	m.logger.Debugf("Manager:Clear", "tab:%s cleared", contextID)
}

// OnRequestSent tracks req if it is a personalization call.
func (m *Manager) OnRequestSent(contextID string, req Request) {
	kind := m.matcher.Classify(req.URL)
	if kind == models.CallNone {
		return
	}
	st := m.state(contextID)
	if st == nil {
		return
	}

	now := m.now()
	pr := &models.PendingRequest{
		ID:                 req.ID,
		ContextID:          contextID,
		URL:                req.URL,
		Method:             req.Method,
		Headers:            req.Headers,
		PostData:           req.PostData,
		CreatedAt:          now,
		ImplementationKind: kind.Implementation(),
		CallKind:           kind,
	}

	st.mu.Lock()
	if !st.attached {
		st.mu.Unlock()
		return
	}
	// a redirect reuses the request id, the new hop replaces the old one
	st.pending[req.ID] = pr
	st.trackEvent(models.NetworkEvent{
		ID:        req.ID,
		Type:      kind,
		EventType: payload.EventType(req.PostData),
		URL:       req.URL,
		Method:    req.Method,
		Timestamp: now.UnixMilli(),
		Status:    models.StatusPending,
	})
	gen, source := st.generation, st.source
	st.mu.Unlock()

	m.logger.Debugf("Manager:OnRequestSent", "tab:%s rid:%s %s call %s %s", contextID, req.ID, kind, req.Method, req.URL)

	if req.Method != http.MethodPost || (req.PostData != nil && req.PostData.Text != "") || source == nil {
		return
	}
	m.async(func(ctx context.Context) {
		text, err := source.RequestPostData(ctx, req.ID)
		if err != nil {
			m.logger.Debugf("Manager:OnRequestSent", "tab:%s rid:%s post data unavailable: %v", contextID, req.ID, err)
			return
		}
		if text == "" {
			return
		}
		st.mu.Lock()
		defer st.mu.Unlock()
		if st.generation != gen {
			return
		}
		if p, ok := st.pending[req.ID]; ok {
			p.PostData = &models.PostData{Text: text}
		}
	})
}

// OnResponseReceived records the response status of a tracked request.
// Untracked requests are ignored.
func (m *Manager) OnResponseReceived(contextID string, resp Response) {
	st := m.state(contextID)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	pr, ok := st.pending[resp.RequestID]
	if !ok {
		return
	}
	pr.ResponseStatus = resp.Status
	pr.ResponseHeaders = resp.Headers
	pr.MimeType = resp.MimeType
	st.updateEvent(resp.RequestID, resp.Status, resp.Headers, resp.Timing)
}

// OnLoadingFinished removes a tracked request and schedules decoding of its
// response body.
func (m *Manager) OnLoadingFinished(contextID, requestID string) {
	st := m.state(contextID)
	if st == nil {
		return
	}
	now := m.now()

	st.mu.Lock()
	pr, ok := st.pending[requestID]
	if !ok {
		st.mu.Unlock()
		return
	}
	delete(st.pending, requestID)
	st.recordDelivery(now, pr.CreatedAt)
	gen, source := st.generation, st.source
	st.mu.Unlock()

	// the phase lookup reads the state store, keep it off the event loop
	m.async(func(ctx context.Context) {
		m.correlator.ObserveDelivery(ctx, contextID, now)
	})
	m.async(func(ctx context.Context) {
		m.resolve(ctx, st, gen, source, pr)
	})
}

// resolve fetches and parses the response of pr, degrading to a Basic
// Activity when the body cannot be read or parsed.
func (m *Manager) resolve(ctx context.Context, st *contextState, gen uint64, source Source, pr *models.PendingRequest) {
	body, err := m.fetchBody(ctx, source, pr.ID)
	if err != nil {
		if benign(err) {
			m.logger.Debugf("Manager:resolve", "tab:%s rid:%s body not available: %v", pr.ContextID, pr.ID, err)
		} else {
			m.logger.Warnf("Manager:resolve", "tab:%s rid:%s fetching body: %v", pr.ContextID, pr.ID, err)
		}
		m.commit(st, gen, pr.ContextID, activity.Basic(pr, m.decodePayload(pr), m.now()))
		return
	}

	records, err := parser.Parse(pr.ImplementationKind, body)
	if err != nil {
		m.logger.Warnf("Manager:resolve", "tab:%s rid:%s parsing %s response: %v", pr.ContextID, pr.ID, pr.ImplementationKind, err)
		m.commit(st, gen, pr.ContextID, activity.Basic(pr, m.decodePayload(pr), m.now()))
		return
	}
	if pr.ImplementationKind == models.SchemaB {
		if skipped := parser.SkippedHandles(body); len(skipped) > 0 {
			m.logger.Debugf("Manager:resolve", "tab:%s rid:%s ignored handles %v", pr.ContextID, pr.ID, skipped)
		}
	}
	if len(records) == 0 {
		m.logger.Debugf("Manager:resolve", "tab:%s rid:%s no decisions in response", pr.ContextID, pr.ID)
		return
	}

	decoded := m.decodePayload(pr)
	now := m.now()
	stored := 0
	for _, rec := range records {
		if m.commit(st, gen, pr.ContextID, activity.FromRecord(pr, rec, decoded, now)) {
			stored++
		}
	}
	m.logger.Debugf("Manager:resolve", "tab:%s rid:%s stored %d of %d decisions", pr.ContextID, pr.ID, stored, len(records))
}

func (m *Manager) fetchBody(ctx context.Context, source Source, requestID string) ([]byte, error) {
	if source == nil {
		return nil, ErrNotObserved
	}
	body, err := source.ResponseBody(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("fetching response body: %w", err)
	}
	return body, nil
}

func (m *Manager) decodePayload(pr *models.PendingRequest) any {
	v, err := payload.Decode(pr.PostData)
	if err != nil {
		m.logger.Debugf("Manager:decodePayload", "rid:%s undecodable request body: %v", pr.ID, err)
		return nil
	}
	return v
}

// benign reports whether err is the expected "body already evicted" error.
func benign(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "No resource with given identifier found") || strings.Contains(msg, "-32000")
}

// commit stores a in st unless the context moved on since gen was captured.
func (m *Manager) commit(st *contextState, gen uint64, contextID string, a models.Activity) bool {
	st.mu.Lock()
	if st.generation != gen {
		st.mu.Unlock()
		m.logger.Debugf("Manager:commit", "tab:%s discarding stale activity %s", contextID, a.ActivityID)
		return false
	}
	stored := st.store(a)
	st.mu.Unlock()

	if !stored {
		m.logger.Debugf("Manager:commit", "tab:%s duplicate activity %s/%s", contextID, a.ActivityID, a.Experience)
		return false
	}
	m.notify(contextID, a)
	return true
}

func (m *Manager) notify(contextID string, a models.Activity) {
	for _, n := range m.notifiers {
		n.ActivityCommitted(contextID, a)
	}
}

// Store appends a to the activities of contextID unless it is a duplicate.
func (m *Manager) Store(contextID string, a models.Activity) bool {
	st := m.stateOrCreate(contextID)
	st.mu.Lock()
	gen := st.generation
	st.mu.Unlock()
	return m.commit(st, gen, contextID, a)
}
