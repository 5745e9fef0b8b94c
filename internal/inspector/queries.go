package inspector

import (
	"context"
	"fmt"

	"github.com/vincentbai/target-inspector/internal/flicker"
	"github.com/vincentbai/target-inspector/internal/models"
)

// Activities returns a copy of the activities stored for contextID.
func (m *Manager) Activities(contextID string) []models.Activity {
	out := []models.Activity{}
	st := m.state(contextID)
	if st == nil {
		return out
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return append(out, st.activities...)
}

// Events returns a copy of the network event log of contextID.
func (m *Manager) Events(contextID string) []models.NetworkEvent {
	out := []models.NetworkEvent{}
	st := m.state(contextID)
	if st == nil {
		return out
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return append(out, st.events...)
}

// Performance returns the performance snapshot of contextID, or nil when no
// personalization call has completed yet.
func (m *Manager) Performance(contextID string) *models.PerformanceSnapshot {
	st := m.state(contextID)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.perf == nil {
		return nil
	}
	p := *st.perf
	return &p
}

func (m *Manager) IsObserved(contextID string) bool {
	st := m.state(contextID)
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.attached
}

// PendingCount is the number of matched requests awaiting completion.
func (m *Manager) PendingCount(contextID string) int {
	st := m.state(contextID)
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.pending)
}

// DecodedActivityCount counts the activities built from a response payload.
func (m *Manager) DecodedActivityCount(contextID string) int {
	st := m.state(contextID)
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.decodedCount()
}

// Stats summarizes all contexts.
type Stats struct {
	Observed   int
	Activities int
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	states := make([]*contextState, 0, len(m.contexts))
	for _, st := range m.contexts {
		states = append(states, st)
	}
	m.mu.RUnlock()

	var s Stats
	for _, st := range states {
		st.mu.Lock()
		if st.attached {
			s.Observed++
		}
		s.Activities += len(st.activities)
		st.mu.Unlock()
	}
	return s
}

// MeasurePerformance measures the page of contextID now and folds paint
// and flicker figures into its performance snapshot.
func (m *Manager) MeasurePerformance(ctx context.Context, contextID string) (models.FlickerMetrics, error) {
	st := m.state(contextID)
	if st == nil {
		return models.FlickerMetrics{}, ErrNotObserved
	}
	st.mu.Lock()
	probe, gen := st.probe, st.generation
	st.mu.Unlock()
	if probe == nil {
		return models.FlickerMetrics{}, ErrNotObserved
	}

	timing, err := probe.Measure(ctx)
	if err != nil {
		return models.FlickerMetrics{}, fmt.Errorf("measuring page: %w", err)
	}
	metrics := m.correlator.Live(timing, m.DecodedActivityCount(contextID))

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.generation != gen {
		return metrics, nil
	}
	if st.perf == nil {
		st.perf = &models.PerformanceSnapshot{}
	}
	st.perf.FirstContentfulPaint = metrics.FirstContentfulPaint
	st.perf.PageLoadTime = metrics.PageLoad
	st.perf.ActivityTime = metrics.ActivityTime
	st.perf.Flicker = metrics.Flicker
	return metrics, nil
}

// CollectFlickerMetrics captures the active A/B test phase for contextID.
// It reports whether a phase result was stored.
func (m *Manager) CollectFlickerMetrics(ctx context.Context, contextID string) (bool, error) {
	st := m.state(contextID)
	if st == nil {
		return false, ErrNotObserved
	}
	st.mu.Lock()
	probe := st.probe
	st.mu.Unlock()
	if probe == nil {
		return false, ErrNotObserved
	}
	return m.correlator.Collect(ctx, contextID, probe, func() int {
		return m.DecodedActivityCount(contextID)
	})
}

// PageLoaded schedules flicker collection after a load event.
func (m *Manager) PageLoaded(contextID string) {
	m.async(func(ctx context.Context) {
		if _, err := m.CollectFlickerMetrics(ctx, contextID); err != nil && ctx.Err() == nil {
			m.logger.Warnf("Manager:PageLoaded", "tab:%s collecting flicker metrics: %v", contextID, err)
		}
	})
}

// ClearFlickerData drops in-memory A/B test results of contextID.
func (m *Manager) ClearFlickerData(contextID string) {
	m.correlator.Clear(contextID)
}

// StartFlickerTest begins the A/B test on contextID with the snippet phase.
func (m *Manager) StartFlickerTest(ctx context.Context, contextID string) error {
	return m.correlator.Start(ctx, contextID, m.now())
}

// SetFlickerPhase moves the running A/B test on contextID to phase.
func (m *Manager) SetFlickerPhase(ctx context.Context, contextID, phase string) error {
	return m.correlator.SetPhase(ctx, contextID, phase)
}

// FlickerReport returns the persisted A/B test state and results.
func (m *Manager) FlickerReport(ctx context.Context) (flicker.Report, error) {
	return m.correlator.Report(ctx)
}

// EndFlickerTest stops the running A/B test and keeps its results.
func (m *Manager) EndFlickerTest(ctx context.Context) error {
	return m.correlator.Finish(ctx)
}

// ResetFlickerTest stops any A/B test and forgets its results.
func (m *Manager) ResetFlickerTest(ctx context.Context, contextID string) error {
	return m.correlator.Discard(ctx, contextID)
}
