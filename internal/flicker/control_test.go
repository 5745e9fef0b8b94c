package flicker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vincentbai/target-inspector/internal/log"
)

func TestTwoPhaseTest(t *testing.T) {
	t.Parallel()

	c, store := newTestCorrelator(t, "", "")
	ctx := context.Background()
	started := time.UnixMilli(1_700_000_000_000)

	// leftovers of an earlier test are discarded on start
	require.NoError(t, store.Set(ctx, KeyResults, `{"withSnippet":{}}`))
	require.NoError(t, store.Set(ctx, KeyURL, "https://old.example.com/"))

	require.NoError(t, c.Start(ctx, "tab-1", started))
	phase, ok, err := c.ActivePhase(ctx, "tab-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, PhaseWithSnippet, phase)

	r, err := c.Report(ctx)
	require.NoError(t, err)
	assert.Equal(t, PhaseWithSnippet, r.Phase)
	assert.Equal(t, "tab-1", r.TabID)
	assert.Empty(t, r.URL)
	assert.Equal(t, started.UnixMilli(), r.StartedAt)
	assert.False(t, r.Results.Complete())

	stored, err := c.Collect(ctx, "tab-1", &fakeProbe{timing: pageTiming(500, 700)}, one)
	require.NoError(t, err)
	require.True(t, stored)

	require.NoError(t, c.SetPhase(ctx, "tab-1", PhaseWithoutSnippet))
	stored, err = c.Collect(ctx, "tab-1", &fakeProbe{timing: pageTiming(500, 900)}, one)
	require.NoError(t, err)
	require.True(t, stored)

	r, err = c.Report(ctx)
	require.NoError(t, err)
	assert.Equal(t, PhaseWithoutSnippet, r.Phase)
	assert.Equal(t, "https://shop.example.com/", r.URL)
	require.True(t, r.Results.Complete())

	require.NoError(t, c.Finish(ctx))
	_, ok, err = c.ActivePhase(ctx, "tab-1")
	require.NoError(t, err)
	assert.False(t, ok)

	r, err = c.Report(ctx)
	require.NoError(t, err)
	assert.Empty(t, r.Phase)
	assert.Zero(t, r.StartedAt)
	assert.Equal(t, "tab-1", r.TabID)
	assert.True(t, r.Results.Complete())

	require.NoError(t, c.Discard(ctx, "tab-1"))
	r, err = c.Report(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{}, r)
	assert.Nil(t, c.Results("tab-1").WithSnippet)
}

func TestSetPhaseUnknown(t *testing.T) {
	t.Parallel()

	c, store := newTestCorrelator(t, "", "")
	err := c.SetPhase(context.Background(), "tab-1", "idle")
	assert.ErrorIs(t, err, ErrUnknownPhase)

	_, ok, _ := store.Get(context.Background(), KeyState)
	assert.False(t, ok)
}

func TestControlWithoutStore(t *testing.T) {
	t.Parallel()

	c := NewCorrelator(nil, nil, 0, log.NewNullLogger())
	ctx := context.Background()

	assert.ErrorIs(t, c.Start(ctx, "tab-1", time.Now()), ErrNoStore)
	assert.ErrorIs(t, c.SetPhase(ctx, "tab-1", PhaseWithSnippet), ErrNoStore)
	assert.ErrorIs(t, c.Finish(ctx), ErrNoStore)
	assert.ErrorIs(t, c.Discard(ctx, "tab-1"), ErrNoStore)
	_, err := c.Report(ctx)
	assert.ErrorIs(t, err, ErrNoStore)
}
