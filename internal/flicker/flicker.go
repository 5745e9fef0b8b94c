// Package flicker measures how late personalization lands relative to the
// first contentful paint, both on demand and as a two-phase A/B test that
// compares page loads with and without a prehiding snippet.
package flicker

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"gopkg.in/guregu/null.v3"

	"github.com/vincentbai/target-inspector/internal/log"
	"github.com/vincentbai/target-inspector/internal/matcher"
	"github.com/vincentbai/target-inspector/internal/models"
)

// Keys of the persisted test state. The UI owns the phase transitions and
// writes KeyState/KeyTabID; the correlator writes the results.
const (
	KeyState   = "flickerTestState"
	KeyTabID   = "flickerTestTabId"
	KeyResults = "flickerTestResults"
	KeyURL     = "flickerTestUrl"
)

// Phases of the A/B test.
const (
	PhaseWithSnippet    = "test_with_snippet"
	PhaseWithoutSnippet = "test_without_snippet"
)

// DefaultSettleDelay is how long Collect waits for the page and its
// personalization calls to finish before measuring.
const DefaultSettleDelay = 3 * time.Second

// StateStore is the persisted key-value store shared with the UI.
type StateStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, keys ...string) error
}

// PageProbe reads paint, navigation and resource timing from a page.
type PageProbe interface {
	Measure(ctx context.Context) (models.PageTiming, error)
}

type testData struct {
	// debugger-observed completion times per phase
	deliveredAt map[string]time.Time
	results     models.FlickerResults
}

// Correlator joins page timing with observed personalization calls.
type Correlator struct {
	store   StateStore
	matcher *matcher.Matcher
	logger  *log.Logger
	settle  time.Duration

	mu   sync.Mutex
	data map[string]*testData
}

// NewCorrelator creates a correlator. A nil matcher uses the default patterns.
func NewCorrelator(store StateStore, m *matcher.Matcher, settle time.Duration, logger *log.Logger) *Correlator {
	if m == nil {
		m = matcher.New()
	}
	return &Correlator{
		store:   store,
		matcher: m,
		logger:  logger,
		settle:  settle,
		data:    make(map[string]*testData),
	}
}

// ActivePhase returns the test phase running for contextID, if any.
func (c *Correlator) ActivePhase(ctx context.Context, contextID string) (string, bool, error) {
	if c.store == nil {
		return "", false, nil
	}
	phase, ok, err := c.store.Get(ctx, KeyState)
	if err != nil || !ok || phase == "" {
		return "", false, err
	}
	tab, ok, err := c.store.Get(ctx, KeyTabID)
	if err != nil || !ok || tab != contextID {
		return "", false, err
	}
	return phase, true, nil
}

// ObserveDelivery records the debugger-observed completion time of a
// personalization call for the phase currently under test. The latest time
// wins regardless of arrival order, so the recorded time is when all
// personalization was complete.
func (c *Correlator) ObserveDelivery(ctx context.Context, contextID string, at time.Time) {
	phase, ok, err := c.ActivePhase(ctx, contextID)
	if err != nil {
		c.logger.Warnf("Correlator:ObserveDelivery", "reading test state for %s: %v", contextID, err)
		return
	}
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.get(contextID)
	if prev, ok := d.deliveredAt[phase]; ok && !at.After(prev) {
		return
	}
	d.deliveredAt[phase] = at
	c.logger.Debugf("Correlator:ObserveDelivery", "tab:%s phase:%s at:%d", contextID, phase, at.UnixMilli())
}

// Live computes flicker from one page measurement. decoded is the number of
// activities with decoded content recorded for the page.
func (c *Correlator) Live(timing models.PageTiming, decoded int) models.FlickerMetrics {
	m := c.compute(timing)
	validate(&m, decoded)
	return m
}

// Collect measures the page for the active test phase of contextID and
// stores the result once per phase. It reports whether a result was stored.
// decoded is read after the settle delay so late activities are counted.
func (c *Correlator) Collect(ctx context.Context, contextID string, probe PageProbe, decoded func() int) (bool, error) {
	phase, ok, err := c.ActivePhase(ctx, contextID)
	if err != nil {
		return false, fmt.Errorf("reading test state: %w", err)
	}
	if !ok {
		c.logger.Debugf("Correlator:Collect", "tab:%s is not under test, skipping", contextID)
		return false, nil
	}
	if !ValidPhase(phase) {
		c.logger.Debugf("Correlator:Collect", "tab:%s unknown phase %q", contextID, phase)
		return false, nil
	}

	if c.settle > 0 {
		timer := time.NewTimer(c.settle)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}

	timing, err := probe.Measure(ctx)
	if err != nil {
		return false, fmt.Errorf("measuring page: %w", err)
	}

	m := c.compute(timing)
	if at, ok := c.deliveredAt(contextID, phase); ok && timing.TimeOrigin > 0 {
		m.ActivityTime = null.FloatFrom(math.Round(float64(at.UnixMilli()) - timing.TimeOrigin))
		m.Flicker = flickerOf(m.ActivityTime, m.FirstContentfulPaint)
		m.Source = models.SourceDebugger
	} else {
		c.logger.Debugf("Correlator:Collect", "tab:%s no debugger timing for %s", contextID, phase)
	}
	validate(&m, decoded())

	return c.storePhase(ctx, contextID, phase, m, timing.URL)
}

func (c *Correlator) storePhase(ctx context.Context, contextID, phase string, m models.FlickerMetrics, pageURL string) (bool, error) {
	if phase == PhaseWithoutSnippet {
		saved, err := c.savedResults(ctx)
		if err != nil {
			return false, err
		}
		if saved.Complete() {
			c.logger.Debugf("Correlator:storePhase", "complete results already saved, skipping")
			return false, nil
		}
	}

	c.mu.Lock()
	d := c.get(contextID)
	var results models.FlickerResults
	switch phase {
	case PhaseWithSnippet:
		if d.results.WithSnippet != nil {
			c.mu.Unlock()
			return false, nil
		}
		d.results.WithSnippet = &m
	case PhaseWithoutSnippet:
		if d.results.WithoutSnippet != nil {
			c.mu.Unlock()
			return false, nil
		}
		d.results.WithoutSnippet = &m
	}
	results = d.results
	c.mu.Unlock()

	c.logger.Infof("Correlator:storePhase", "tab:%s stored %s metrics (flicker:%.0fms valid:%t)", contextID, phase, m.Flicker.Float64, m.Flicker.Valid)
	if phase != PhaseWithoutSnippet || c.store == nil {
		return true, nil
	}

	raw, err := json.Marshal(results)
	if err != nil {
		return true, fmt.Errorf("encoding results: %w", err)
	}
	if err := c.store.Set(ctx, KeyResults, string(raw)); err != nil {
		return true, fmt.Errorf("saving results: %w", err)
	}
	if err := c.store.Set(ctx, KeyTabID, contextID); err != nil {
		return true, fmt.Errorf("saving results: %w", err)
	}
	if err := c.store.Set(ctx, KeyURL, pageURL); err != nil {
		return true, fmt.Errorf("saving results: %w", err)
	}
	return true, nil
}

func (c *Correlator) savedResults(ctx context.Context) (models.FlickerResults, error) {
	var results models.FlickerResults
	if c.store == nil {
		return results, nil
	}
	raw, ok, err := c.store.Get(ctx, KeyResults)
	if err != nil {
		return results, fmt.Errorf("reading results: %w", err)
	}
	if !ok || raw == "" {
		return results, nil
	}
	if err := json.Unmarshal([]byte(raw), &results); err != nil {
		// an unreadable record is treated as absent and will be overwritten
		c.logger.Warnf("Correlator:savedResults", "discarding unreadable results: %v", err)
		return models.FlickerResults{}, nil
	}
	return results, nil
}

// Results returns the phases captured in memory for contextID.
func (c *Correlator) Results(contextID string) models.FlickerResults {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.data[contextID]; ok {
		return d.results
	}
	return models.FlickerResults{}
}

// Clear drops the in-memory test data of contextID.
func (c *Correlator) Clear(contextID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, contextID)
}

func (c *Correlator) deliveredAt(contextID, phase string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.data[contextID]
	if !ok {
		return time.Time{}, false
	}
	at, ok := d.deliveredAt[phase]
	return at, ok
}

// get must be called with c.mu held.
func (c *Correlator) get(contextID string) *testData {
	d, ok := c.data[contextID]
	if !ok {
		d = &testData{deliveredAt: make(map[string]time.Time)}
		c.data[contextID] = d
	}
	return d
}

// compute derives activity time from the latest matching resource.
func (c *Correlator) compute(timing models.PageTiming) models.FlickerMetrics {
	m := models.FlickerMetrics{
		FirstContentfulPaint: timing.FirstContentfulPaint,
		PageLoad:             timing.PageLoad,
		Source:               models.SourcePage,
	}

	var earliest, latest float64
	for _, r := range timing.Resources {
		if !c.matcher.MatchResource(r.Name) {
			continue
		}
		end := math.Round(r.ResponseEnd)
		if m.CallsFound == 0 || end < earliest {
			earliest = end
		}
		if m.CallsFound == 0 || end > latest {
			latest = end
		}
		m.CallsFound++
	}
	if m.CallsFound > 0 {
		m.EarliestActivity = null.FloatFrom(earliest)
		m.LatestActivity = null.FloatFrom(latest)
		m.ActivityTime = null.FloatFrom(latest)
	}
	m.Flicker = flickerOf(m.ActivityTime, m.FirstContentfulPaint)
	return m
}

// validate drops activity time and flicker when nothing was decoded: a bare
// API call without personalization content has no flicker to measure.
func validate(m *models.FlickerMetrics, decoded int) {
	if decoded > 0 {
		return
	}
	m.ActivityTime = null.Float{}
	m.Flicker = null.Float{}
}

func flickerOf(activityTime, fcp null.Float) null.Float {
	if !activityTime.Valid || !fcp.Valid {
		return null.Float{}
	}
	return null.FloatFrom(math.Max(0, activityTime.Float64-fcp.Float64))
}
