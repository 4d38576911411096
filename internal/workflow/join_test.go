package workflow

import (
	"errors"
	"testing"

	"github.com/atelierhq/atelier/pkg/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func developmentPhase(t *testing.T) PhaseSpec {
	t.Helper()
	def := DefaultDefinition()
	require.NoError(t, def.Validate())
	phase, ok := def.Phase("development")
	require.True(t, ok)
	return phase
}

func TestNewJoinRequiresTasks(t *testing.T) {
	b := bus.New(bus.DefaultHistoryCap)

	_, err := NewJoin(b, "project-1", developmentPhase(t), 0)
	require.Error(t, err)
}

func TestJoinPublishesSingleCompleteEventOnAllSuccess(t *testing.T) {
	b := bus.New(bus.DefaultHistoryCap)
	phase := developmentPhase(t)

	j, err := NewJoin(b, "project-1", phase, 2)
	require.NoError(t, err)

	j.TaskDone("frontend", map[string]any{"pages": "3"}, map[string]any{"ui": "app.tsx"})
	assert.Empty(t, b.History(phase.CompleteChannel), "must not publish before all tasks finish")
	assert.False(t, j.Done())

	j.TaskDone("backend", map[string]any{"endpoints": "7"}, map[string]any{"api": "server.go"})
	assert.True(t, j.Done())
	require.NoError(t, j.Err())

	events := b.History(phase.CompleteChannel)
	require.Len(t, events, 1)
	payload, ok := events[0].Payload.(CompletePayload)
	require.True(t, ok)
	assert.Equal(t, "project-1", payload.ProjectID)
	assert.Equal(t, "development", payload.Phase)

	results, ok := payload.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"pages": "3"}, results["frontend"])
	assert.Equal(t, map[string]any{"endpoints": "7"}, results["backend"])
	assert.Equal(t, "app.tsx", payload.Artifacts["ui"])
	assert.Equal(t, "server.go", payload.Artifacts["api"])
}

func TestJoinNeverPublishesAfterFailure(t *testing.T) {
	b := bus.New(bus.DefaultHistoryCap)
	phase := developmentPhase(t)

	j, err := NewJoin(b, "project-1", phase, 2)
	require.NoError(t, err)

	j.TaskFailed("frontend", errors.New("bundler exploded"))
	j.TaskDone("backend", nil, nil)

	assert.True(t, j.Done())
	require.Error(t, j.Err())
	assert.Contains(t, j.Err().Error(), "frontend")
	assert.Empty(t, b.History(phase.CompleteChannel))
}

func TestJoinKeepsFirstFailure(t *testing.T) {
	b := bus.New(bus.DefaultHistoryCap)
	phase := developmentPhase(t)

	j, err := NewJoin(b, "project-1", phase, 2)
	require.NoError(t, err)

	j.TaskFailed("frontend", errors.New("first"))
	j.TaskFailed("backend", errors.New("second"))

	require.Error(t, j.Err())
	assert.Contains(t, j.Err().Error(), "first")
	assert.NotContains(t, j.Err().Error(), "second")
}

func TestJoinIgnoresExtraReports(t *testing.T) {
	b := bus.New(bus.DefaultHistoryCap)
	phase := developmentPhase(t)

	j, err := NewJoin(b, "project-1", phase, 1)
	require.NoError(t, err)

	j.TaskDone("frontend", nil, nil)
	j.TaskDone("frontend", nil, nil)
	j.TaskFailed("frontend", errors.New("late"))

	assert.Len(t, b.History(phase.CompleteChannel), 1)
	assert.NoError(t, j.Err())
}
