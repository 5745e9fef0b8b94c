package flicker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/vincentbai/target-inspector/internal/models"
)

// KeyStartTime holds the unix milliseconds at which the running test began.
const KeyStartTime = "flickerTestStartTime"

var (
	ErrNoStore      = errors.New("flicker test state is not persisted")
	ErrUnknownPhase = errors.New("unknown flicker test phase")
)

// ValidPhase reports whether phase names a test phase.
func ValidPhase(phase string) bool {
	return phase == PhaseWithSnippet || phase == PhaseWithoutSnippet
}

// Report is the persisted state of the last A/B test.
type Report struct {
	Phase     string // empty when no test is running
	TabID     string
	URL       string
	StartedAt int64
	Results   models.FlickerResults
}

// Start begins a test on contextID in the with-snippet phase. Saved results
// of any earlier test are discarded.
func (c *Correlator) Start(ctx context.Context, contextID string, now time.Time) error {
	if c.store == nil {
		return ErrNoStore
	}
	if err := c.store.Remove(ctx, KeyResults, KeyURL); err != nil {
		return fmt.Errorf("discarding previous results: %w", err)
	}
	c.Clear(contextID)
	if err := c.store.Set(ctx, KeyStartTime, strconv.FormatInt(now.UnixMilli(), 10)); err != nil {
		return fmt.Errorf("saving test state: %w", err)
	}
	return c.SetPhase(ctx, contextID, PhaseWithSnippet)
}

// SetPhase moves the test to phase on contextID.
func (c *Correlator) SetPhase(ctx context.Context, contextID, phase string) error {
	if !ValidPhase(phase) {
		return fmt.Errorf("%w: %q", ErrUnknownPhase, phase)
	}
	if c.store == nil {
		return ErrNoStore
	}
	if err := c.store.Set(ctx, KeyState, phase); err != nil {
		return fmt.Errorf("saving test state: %w", err)
	}
	if err := c.store.Set(ctx, KeyTabID, contextID); err != nil {
		return fmt.Errorf("saving test state: %w", err)
	}
	c.logger.Infof("Correlator:SetPhase", "tab:%s entering %s", contextID, phase)
	return nil
}

// Report reads the persisted test state.
func (c *Correlator) Report(ctx context.Context) (Report, error) {
	var r Report
	if c.store == nil {
		return r, ErrNoStore
	}
	var err error
	if r.Phase, _, err = c.store.Get(ctx, KeyState); err != nil {
		return r, fmt.Errorf("reading test state: %w", err)
	}
	if r.TabID, _, err = c.store.Get(ctx, KeyTabID); err != nil {
		return r, fmt.Errorf("reading test state: %w", err)
	}
	if r.URL, _, err = c.store.Get(ctx, KeyURL); err != nil {
		return r, fmt.Errorf("reading test state: %w", err)
	}
	start, ok, err := c.store.Get(ctx, KeyStartTime)
	if err != nil {
		return r, fmt.Errorf("reading test state: %w", err)
	}
	if ok {
		r.StartedAt, _ = strconv.ParseInt(start, 10, 64)
	}
	r.Results, err = c.savedResults(ctx)
	return r, err
}

// Finish ends the running test. The results and the tab they belong to are
// kept.
func (c *Correlator) Finish(ctx context.Context) error {
	if c.store == nil {
		return ErrNoStore
	}
	if err := c.store.Remove(ctx, KeyState, KeyStartTime); err != nil {
		return fmt.Errorf("clearing test state: %w", err)
	}
	return nil
}

// Discard ends any running test and drops every persisted key, along with
// the in-memory data of contextID.
func (c *Correlator) Discard(ctx context.Context, contextID string) error {
	if c.store == nil {
		return ErrNoStore
	}
	c.Clear(contextID)
	if err := c.store.Remove(ctx, KeyState, KeyTabID, KeyStartTime, KeyResults, KeyURL); err != nil {
		return fmt.Errorf("clearing test state: %w", err)
	}
	return nil
}
