package workflow

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/atelierhq/atelier/pkg/bus"
	"github.com/atelierhq/atelier/pkg/project"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestEngine(t *testing.T) (*Engine, *bus.Bus, *project.Store) {
	mr := miniredis.NewMiniRedis()
	err := mr.Start()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store, err := project.NewStore(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	b := bus.New(bus.DefaultHistoryCap)
	return NewEngine(b, store), b, store
}

func createCurrentProject(t *testing.T, store *project.Store) *project.Project {
	t.Helper()
	p, err := store.Create(context.Background(), "web-app", "Web Application", nil)
	require.NoError(t, err)
	require.NoError(t, store.SetCurrent(context.Background(), p.ID))
	return p
}

func TestDefaultDefinitionIsValid(t *testing.T) {
	def := DefaultDefinition()
	require.NoError(t, def.Validate())

	assert.Equal(t, "requirements", def.Phases[0].Name)
	assert.Equal(t, "", def.Phases[len(def.Phases)-1].Next)

	dev, ok := def.Phase("development")
	require.True(t, ok)
	assert.True(t, dev.Parallel)
	assert.Equal(t, []string{"frontend", "backend"}, dev.Roles)
	assert.Equal(t, "phase:development:start", dev.StartChannel)
	assert.Equal(t, "phase:development:complete", dev.CompleteChannel)
}

func TestDefinitionValidation(t *testing.T) {
	tests := []struct {
		name string
		def  Definition
	}{
		{"empty name", Definition{Phases: []PhaseSpec{{Name: "a"}}}},
		{"no phases", Definition{Name: "w"}},
		{"unnamed phase", Definition{Name: "w", Phases: []PhaseSpec{{}}}},
		{"duplicate phase", Definition{Name: "w", Phases: []PhaseSpec{{Name: "a"}, {Name: "a"}}}},
		{"self loop", Definition{Name: "w", Phases: []PhaseSpec{{Name: "a", Next: "a"}}}},
		{"unknown next", Definition{Name: "w", Phases: []PhaseSpec{{Name: "a", Next: "b"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.def.Validate())
		})
	}
}

func TestStartRequiresCurrentProject(t *testing.T) {
	e, _, _ := setupTestEngine(t)

	err := e.Start(context.Background(), DefaultDefinitionName)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no current project")
}

func TestStartRejectsUnknownDefinition(t *testing.T) {
	e, _, store := setupTestEngine(t)
	createCurrentProject(t, store)

	err := e.Start(context.Background(), "no-such-workflow")
	require.Error(t, err)
}

func TestStartBeginsFirstPhase(t *testing.T) {
	e, b, store := setupTestEngine(t)
	p := createCurrentProject(t, store)

	require.NoError(t, e.Start(context.Background(), DefaultDefinitionName))

	current := store.Current()
	assert.Equal(t, project.StatusGatheringRequirements, current.Status)

	record := current.Phases["requirements"]
	require.NotNil(t, record)
	assert.Equal(t, project.PhaseInProgress, record.Status)
	assert.NotZero(t, record.StartedAtMs)

	starts := b.History(bus.PhaseStartChannel("requirements"))
	require.Len(t, starts, 1)
	payload, ok := starts[0].Payload.(StartPayload)
	require.True(t, ok)
	assert.Equal(t, p.ID, payload.ProjectID)
	assert.Equal(t, []string{"requirements"}, payload.Roles)
}

func TestPhaseCompleteAdvancesToNextPhase(t *testing.T) {
	e, b, store := setupTestEngine(t)
	p := createCurrentProject(t, store)
	require.NoError(t, e.Start(context.Background(), DefaultDefinitionName))

	b.Publish(bus.PhaseCompleteChannel("requirements"), CompletePayload{
		ProjectID: p.ID,
		Phase:     "requirements",
		Result:    map[string]any{"summary": "requirements gathered"},
		Artifacts: map[string]any{"doc": "requirements.md"},
	})

	current := store.Current()

	done := current.Phases["requirements"]
	require.NotNil(t, done)
	assert.Equal(t, project.PhaseCompleted, done.Status)
	assert.NotZero(t, done.CompletedAtMs)
	assert.Equal(t, "requirements.md", done.Artifacts["doc"])

	next := current.Phases["architecture"]
	require.NotNil(t, next)
	assert.Equal(t, project.PhaseInProgress, next.Status)
	assert.NotZero(t, next.StartedAtMs)
	assert.Equal(t, project.StatusDesigningArchitecture, current.Status)

	starts := b.History(bus.PhaseStartChannel("architecture"))
	require.Len(t, starts, 1)
	payload := starts[0].Payload.(StartPayload)
	assert.Equal(t, []string{"architect"}, payload.Roles)
}

func TestDuplicateCompleteEventIsIgnored(t *testing.T) {
	e, b, store := setupTestEngine(t)
	p := createCurrentProject(t, store)
	require.NoError(t, e.Start(context.Background(), DefaultDefinitionName))

	complete := CompletePayload{ProjectID: p.ID, Phase: "requirements"}
	b.Publish(bus.PhaseCompleteChannel("requirements"), complete)
	b.Publish(bus.PhaseCompleteChannel("requirements"), complete)

	// The workflow advanced exactly once.
	assert.Len(t, b.History(bus.PhaseStartChannel("architecture")), 1)
}

func TestStaleProjectCompleteEventIsIgnored(t *testing.T) {
	e, b, store := setupTestEngine(t)
	createCurrentProject(t, store)
	require.NoError(t, e.Start(context.Background(), DefaultDefinitionName))

	b.Publish(bus.PhaseCompleteChannel("requirements"), CompletePayload{
		ProjectID: "550e8400-e29b-41d4-a716-446655440000",
		Phase:     "requirements",
	})

	current := store.Current()
	assert.Equal(t, project.PhaseInProgress, current.Phases["requirements"].Status)
	assert.Empty(t, b.History(bus.PhaseStartChannel("architecture")))
}

func TestFullRunCompletesProject(t *testing.T) {
	e, b, store := setupTestEngine(t)
	p := createCurrentProject(t, store)
	require.NoError(t, e.Start(context.Background(), DefaultDefinitionName))

	def := DefaultDefinition()
	for _, phase := range def.Phases {
		b.Publish(bus.PhaseCompleteChannel(phase.Name), CompletePayload{
			ProjectID: p.ID,
			Phase:     phase.Name,
		})
	}

	current := store.Current()
	assert.Equal(t, project.StatusCompleted, current.Status)
	for _, phase := range def.Phases {
		require.NotNil(t, current.Phases[phase.Name], phase.Name)
		assert.Equal(t, project.PhaseCompleted, current.Phases[phase.Name].Status, phase.Name)
	}

	// The terminal phase publishes no further start-event.
	for _, phase := range def.Phases {
		assert.Len(t, b.History(bus.PhaseStartChannel(phase.Name)), 1, phase.Name)
	}
}

func TestRegisterAndRunCustomDefinition(t *testing.T) {
	e, b, store := setupTestEngine(t)
	p := createCurrentProject(t, store)

	custom := Definition{
		Name: "prototype",
		Phases: []PhaseSpec{
			{Name: "sketch", Roles: []string{"designer"}, Next: "review"},
			{Name: "review", Roles: []string{"reviewer"}},
		},
	}
	require.NoError(t, e.Register(custom))

	err := e.Register(custom)
	require.Error(t, err, "duplicate registration must be rejected")

	require.NoError(t, e.Start(context.Background(), "prototype"))
	assert.Len(t, b.History(bus.PhaseStartChannel("sketch")), 1)

	b.Publish(bus.PhaseCompleteChannel("sketch"), CompletePayload{ProjectID: p.ID, Phase: "sketch"})
	assert.Len(t, b.History(bus.PhaseStartChannel("review")), 1)

	b.Publish(bus.PhaseCompleteChannel("review"), CompletePayload{ProjectID: p.ID, Phase: "review"})
	assert.Equal(t, project.StatusCompleted, store.Current().Status)
}

func TestCustomPhaseUsesStatusFallback(t *testing.T) {
	e, _, store := setupTestEngine(t)
	createCurrentProject(t, store)

	custom := Definition{
		Name:   "single",
		Phases: []PhaseSpec{{Name: "sketch", Roles: []string{"designer"}}},
	}
	require.NoError(t, e.Register(custom))
	require.NoError(t, e.Start(context.Background(), "single"))

	// "sketch" has no mapped status; the phase name itself is used.
	assert.Equal(t, project.Status("sketch"), store.Current().Status)
}

func TestMarkPhaseFailedHaltsProgression(t *testing.T) {
	e, b, store := setupTestEngine(t)
	p := createCurrentProject(t, store)
	require.NoError(t, e.Start(context.Background(), DefaultDefinitionName))

	require.NoError(t, e.MarkPhaseFailed(context.Background(), p.ID, "requirements", "worker crashed"))

	current := store.Current()
	assert.Equal(t, project.StatusFailed, current.Status)
	assert.Equal(t, project.PhaseFailed, current.Phases["requirements"].Status)
	assert.Empty(t, b.History(bus.PhaseStartChannel("architecture")))
}

func TestStopUnwiresListeners(t *testing.T) {
	e, b, store := setupTestEngine(t)
	p := createCurrentProject(t, store)
	require.NoError(t, e.Start(context.Background(), DefaultDefinitionName))

	e.Stop()

	b.Publish(bus.PhaseCompleteChannel("requirements"), CompletePayload{ProjectID: p.ID, Phase: "requirements"})
	assert.Equal(t, project.PhaseInProgress, store.Current().Phases["requirements"].Status)
	assert.Empty(t, b.History(bus.PhaseStartChannel("architecture")))
}

func TestRestartDoesNotDoubleFire(t *testing.T) {
	e, b, store := setupTestEngine(t)
	p := createCurrentProject(t, store)

	require.NoError(t, e.Start(context.Background(), DefaultDefinitionName))
	require.NoError(t, e.Start(context.Background(), DefaultDefinitionName))

	b.Publish(bus.PhaseCompleteChannel("requirements"), CompletePayload{ProjectID: p.ID, Phase: "requirements"})

	// Re-wiring on the second Start dropped the first run's listeners, so the
	// completion advanced the workflow exactly once.
	assert.Len(t, b.History(bus.PhaseStartChannel("architecture")), 1)
}
