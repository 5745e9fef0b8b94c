package inspector

import (
	"sync"
	"time"

	"gopkg.in/guregu/null.v3"

	"github.com/vincentbai/target-inspector/internal/flicker"
	"github.com/vincentbai/target-inspector/internal/models"
)

// contextState is everything observed for one browsing context. Async
// work captures generation when scheduled and drops its result if the
// context was cleared, navigated or detached in the meantime.
type contextState struct {
	mu sync.Mutex

	attached   bool
	source     Source
	probe      flicker.PageProbe
	generation uint64

	pending    map[string]*models.PendingRequest
	activities []models.Activity
	events     []models.NetworkEvent
	perf       *models.PerformanceSnapshot
}

func newContextState() *contextState {
	return &contextState{pending: make(map[string]*models.PendingRequest)}
}

// reset drops per-page data. Must be called with st.mu held.
func (st *contextState) reset() {
	st.generation++
	st.pending = make(map[string]*models.PendingRequest)
	st.activities = nil
	st.events = nil
	st.perf = nil
}

// store appends a unless it duplicates a stored activity. Must be called
// with st.mu held.
func (st *contextState) store(a models.Activity) bool {
	for _, existing := range st.activities {
		if a.DuplicateOf(existing) {
			return false
		}
	}
	st.activities = append(st.activities, a)
	return true
}

// trackEvent appends ev, or replaces the event already logged under its id.
func (st *contextState) trackEvent(ev models.NetworkEvent) {
	for i := len(st.events) - 1; i >= 0; i-- {
		if st.events[i].ID == ev.ID {
			st.events[i] = ev
			return
		}
	}
	st.events = append(st.events, ev)
}

func (st *contextState) updateEvent(requestID string, status int64, headers map[string]any, timing *models.Timing) {
	for i := range st.events {
		ev := &st.events[i]
		if ev.ID != requestID {
			continue
		}
		ev.Status = models.StatusError
		if status >= 200 && status < 300 {
			ev.Status = models.StatusSuccess
		}
		ev.StatusCode = status
		ev.ResponseHeaders = headers
		ev.Timing = timing
		ev.Duration = null.Float{}
		if timing != nil {
			ev.Duration = null.FloatFrom(timing.ReceiveHeadersEnd - timing.SendStart)
		}
		return
	}
}

func (st *contextState) recordDelivery(at, sent time.Time) {
	if st.perf == nil {
		st.perf = &models.PerformanceSnapshot{}
	}
	p := st.perf
	p.ActivityDeliveryTimestamp = null.IntFrom(at.UnixMilli())
	p.CallDuration = null.IntFrom(at.Sub(sent).Milliseconds())
	if !p.FirstCallTimestamp.Valid {
		p.FirstCallTimestamp = p.ActivityDeliveryTimestamp
	}
	p.CallCount++
}

func (st *contextState) decodedCount() int {
	n := 0
	for _, a := range st.activities {
		if a.Fidelity == models.FidelityDecision {
			n++
		}
	}
	return n
}
