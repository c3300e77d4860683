package shortterm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/loom/internal/logger"
)

type outline struct {
	Beats []string `json:"beats"`
}

func newTestGeneration(clock *fakeClock, maxActive int) *GenerationCache {
	return NewGenerationCache(GenerationConfig{
		MaxAge:    4 * time.Hour,
		MaxActive: maxActive,
		Clock:     clock.Now,
	}, logger.Discard())
}

// TestGenerationLifecycle tests create, update, complete and decode.
func TestGenerationLifecycle(t *testing.T) {
	clock := newClock()
	g := newTestGeneration(clock, 10)

	id, err := g.Create("outline", outline{Beats: []string{"arrive"}})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	e, ok := g.Get(id)
	require.True(t, ok)
	assert.Equal(t, "outline", e.Stage)
	assert.Equal(t, GenerationActive, e.Status)

	clock.Advance(time.Minute)
	require.NoError(t, g.Update(id, "draft", outline{Beats: []string{"arrive", "depart"}}))
	require.NoError(t, g.Complete(id))

	e, ok = g.Get(id)
	require.True(t, ok)
	assert.Equal(t, "draft", e.Stage)
	assert.Equal(t, GenerationCompleted, e.Status)
	assert.True(t, e.UpdatedAt.After(e.CreatedAt))

	var got outline
	require.NoError(t, e.Decode(&got))
	assert.Equal(t, []string{"arrive", "depart"}, got.Beats)

	other, err := g.Create("review", nil)
	require.NoError(t, err)
	require.NoError(t, g.Fail(other, errors.New("model refused")))
	e, _ = g.Get(other)
	assert.Equal(t, GenerationFailed, e.Status)
	assert.Equal(t, "model refused", e.Error)

	assert.ErrorIs(t, g.Update("missing", "x", nil), ErrGenerationNotFound)
	assert.True(t, g.Delete(id))
	assert.False(t, g.Delete(id))
}

// TestGenerationExpiry tests the independent age-based expiry.
func TestGenerationExpiry(t *testing.T) {
	clock := newClock()
	g := newTestGeneration(clock, 10)

	old, err := g.Create("outline", nil)
	require.NoError(t, err)
	clock.Advance(3 * time.Hour)
	fresh, err := g.Create("outline", nil)
	require.NoError(t, err)

	clock.Advance(90 * time.Minute)
	_, ok := g.Get(old)
	assert.False(t, ok, "older than 4h is absent")
	assert.ErrorIs(t, g.Complete(old), ErrGenerationNotFound)

	_, ok = g.Get(fresh)
	assert.True(t, ok)

	clock.Advance(4 * time.Hour)
	assert.Equal(t, 1, g.Cleanup())
	assert.Zero(t, g.Len())
}

// TestGenerationCapReclaimsCompletedFirst tests cap enforcement order.
func TestGenerationCapReclaimsCompletedFirst(t *testing.T) {
	clock := newClock()
	g := newTestGeneration(clock, 3)

	a, _ := g.Create("a", nil)
	clock.Advance(time.Second)
	b, _ := g.Create("b", nil)
	clock.Advance(time.Second)
	c, _ := g.Create("c", nil)
	require.NoError(t, g.Complete(c))
	clock.Advance(time.Second)

	// Full: the newest but completed entry goes before older active ones.
	d, err := g.Create("d", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, g.Len())
	_, ok := g.Get(c)
	assert.False(t, ok)

	// No completed entries left: the oldest overall goes.
	clock.Advance(time.Second)
	_, err = g.Create("e", nil)
	require.NoError(t, err)
	_, ok = g.Get(a)
	assert.False(t, ok)
	for _, id := range []string{b, d} {
		_, ok := g.Get(id)
		assert.True(t, ok)
	}
	assert.Equal(t, 3, g.Len())
}

// TestGenerationStartStop tests the cleanup timer lifecycle.
func TestGenerationStartStop(t *testing.T) {
	g := NewGenerationCache(GenerationConfig{CleanupEvery: time.Millisecond}, logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, g.Start(ctx))
	assert.Error(t, g.Start(ctx))
	time.Sleep(5 * time.Millisecond)
	g.Stop()
	g.Stop()
	require.NoError(t, g.Start(ctx))
	g.Stop()
}
