package devtools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vincentbai/target-inspector/internal/inspector"
	"github.com/vincentbai/target-inspector/internal/log"
	"github.com/vincentbai/target-inspector/internal/matcher"
)

// Target is an entry of the browser's /json/list endpoint.
type Target struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Discover lists the page targets of the browser listening on baseURL.
func Discover(ctx context.Context, client *http.Client, baseURL string) ([]Target, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/json/list", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing targets: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing targets: unexpected status %s", resp.Status)
	}
	var all []Target
	if err := json.NewDecoder(resp.Body).Decode(&all); err != nil {
		return nil, fmt.Errorf("decoding target list: %w", err)
	}

	pages := make([]Target, 0, len(all))
	for _, t := range all {
		if t.Type == "page" {
			pages = append(pages, t)
		}
	}
	return pages, nil
}

// Attacher polls the browser for page targets and runs an Observer for
// every observable page.
type Attacher struct {
	baseURL  string
	interval time.Duration
	client   *http.Client
	manager  *inspector.Manager
	logger   *log.Logger

	mu        sync.Mutex
	running   map[string]context.CancelFunc
	conflicts map[string]bool
	wg        sync.WaitGroup
}

func NewAttacher(baseURL string, interval time.Duration, manager *inspector.Manager, logger *log.Logger) *Attacher {
	return &Attacher{
		baseURL:   baseURL,
		interval:  interval,
		client:    &http.Client{Timeout: 5 * time.Second},
		manager:   manager,
		logger:    logger,
		running:   make(map[string]context.CancelFunc),
		conflicts: make(map[string]bool),
	}
}

// Run polls until ctx is done, then stops all observers.
func (a *Attacher) Run(ctx context.Context) error {
	defer a.client.CloseIdleConnections()
	defer a.wg.Wait()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		a.Sync(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sync attaches to new targets and forgets closed ones.
func (a *Attacher) Sync(ctx context.Context) {
	targets, err := Discover(ctx, a.client, a.baseURL)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Debugf("Attacher:Sync", "%v", err)
		}
		return
	}

	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		seen[t.ID] = true
		if !matcher.IsObservable(t.URL) {
			continue
		}
		a.attach(ctx, t)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for id, cancel := range a.running {
		if !seen[id] {
			cancel()
			delete(a.running, id)
			a.manager.Forget(id)
		}
	}
	for id := range a.conflicts {
		if !seen[id] {
			delete(a.conflicts, id)
			a.manager.Forget(id)
		}
	}
}

func (a *Attacher) attach(ctx context.Context, t Target) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.running[t.ID]; ok {
		return
	}

	// the browser hides the socket of a page another client is attached to
	if t.WebSocketDebuggerURL == "" {
		if !a.conflicts[t.ID] {
			a.conflicts[t.ID] = true
			a.manager.ReportConflict(t.ID, ErrConflict)
		}
		return
	}
	delete(a.conflicts, t.ID)

	octx, cancel := context.WithCancel(ctx)
	a.running[t.ID] = cancel
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		err := a.observe(octx, t)
		if err != nil && octx.Err() == nil {
			a.logger.Warnf("Attacher:observe", "tab:%s %s: %v", t.ID, t.URL, err)
		}

		a.mu.Lock()
		defer a.mu.Unlock()
		// a failed observer is retried on the next sync
		if octx.Err() == nil {
			delete(a.running, t.ID)
		}
		cancel()
	}()
}

func (a *Attacher) observe(ctx context.Context, t Target) error {
	conn, err := NewConnection(ctx, t.WebSocketDebuggerURL, a.logger)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	a.logger.Infof("Attacher:observe", "tab:%s observing %s", t.ID, t.URL)
	return NewObserver(t.ID, conn, a.manager, a.logger).Run(ctx)
}

// Observed lists the ids of targets with a running observer.
func (a *Attacher) Observed() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.running))
	for id := range a.running {
		ids = append(ids, id)
	}
	return ids
}
