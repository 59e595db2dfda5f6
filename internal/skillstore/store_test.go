package skillstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// storeFactories runs every behavioral test against both backends,
// matching eventstore's dual-implementation test convention.
func storeFactories(t *testing.T) map[string]func() Store {
	t.Helper()
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"sqlite": func() Store {
			s, err := OpenSQLiteStore("")
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func sampleSkill(name string) *Skill {
	return &Skill{
		Name:        name,
		Description: "does the thing",
		Category:    CategoryWorkflow,
		Origin:      OriginUserDefined,
		Status:      StatusActive,
		Trigger:     SkillTrigger{Keywords: []string{"deploy"}, Priority: 5},
		Steps:       []SkillStep{{Name: "step1", Tool: "exec"}},
	}
}

func TestSaveAndGetSkillRoundTrips(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory()
			ctx := context.Background()

			sk := sampleSkill("deploy-app")
			require.NoError(t, store.SaveSkill(ctx, sk))
			require.NotEmpty(t, sk.ID)

			got, err := store.GetSkill(ctx, sk.ID)
			require.NoError(t, err)
			require.Equal(t, "deploy-app", got.Name)
			require.Equal(t, []string{"deploy"}, got.Trigger.Keywords)
			require.Len(t, got.Steps, 1)

			byName, err := store.GetSkillByName(ctx, "deploy-app")
			require.NoError(t, err)
			require.Equal(t, sk.ID, byName.ID)
		})
	}
}

func TestSaveSkillRejectsDuplicateName(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory()
			ctx := context.Background()

			require.NoError(t, store.SaveSkill(ctx, sampleSkill("dup")))
			err := store.SaveSkill(ctx, sampleSkill("dup"))
			require.ErrorIs(t, err, ErrDuplicateName)
		})
	}
}

func TestGetSkillNotFound(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory()
			_, err := store.GetSkill(context.Background(), "missing")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestListActiveSkillsExcludesDisabled(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory()
			ctx := context.Background()

			active := sampleSkill("active-one")
			disabled := sampleSkill("disabled-one")
			disabled.Status = StatusDisabled
			require.NoError(t, store.SaveSkill(ctx, active))
			require.NoError(t, store.SaveSkill(ctx, disabled))

			got, err := store.ListActiveSkills(ctx)
			require.NoError(t, err)
			require.Len(t, got, 1)
			require.Equal(t, "active-one", got[0].Name)
		})
	}
}

func TestDetectedPatternLifecycle(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory()
			ctx := context.Background()

			p := &DetectedPattern{
				ToolSequence:    []string{"list_files", "read_file"},
				OccurrenceCount: 4,
				ConfidenceScore: 0.9,
			}
			require.NoError(t, store.SavePattern(ctx, p))

			pending, err := store.ListDetectedPatterns(ctx)
			require.NoError(t, err)
			require.Len(t, pending, 1)

			sk := sampleSkill("promoted")
			require.NoError(t, store.SaveSkill(ctx, sk))
			require.NoError(t, store.MarkPatternConverted(ctx, p.ID, sk.ID))

			pending, err = store.ListDetectedPatterns(ctx)
			require.NoError(t, err)
			require.Empty(t, pending)

			err = store.MarkPatternRejected(ctx, p.ID)
			require.ErrorIs(t, err, ErrAlreadyResolved)
		})
	}
}

func TestSkillExecutionCounting(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory()
			ctx := context.Background()

			sk := sampleSkill("counted")
			require.NoError(t, store.SaveSkill(ctx, sk))

			require.NoError(t, store.RecordSkillExecution(ctx, &SkillExecution{SkillID: sk.ID, Success: true}))
			require.NoError(t, store.RecordSkillExecution(ctx, &SkillExecution{SkillID: sk.ID, Success: false}))
			require.NoError(t, store.RecordSkillExecution(ctx, &SkillExecution{SkillID: sk.ID, Success: true}))

			total, successes, err := store.GetSkillExecutionCount(ctx, sk.ID)
			require.NoError(t, err)
			require.Equal(t, 3, total)
			require.Equal(t, 2, successes)
		})
	}
}

func TestPersonaSkillBindingDefault(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory()
			ctx := context.Background()

			sk := sampleSkill("persona-bound")
			require.NoError(t, store.SaveSkill(ctx, sk))
			require.NoError(t, store.BindPersonaSkill(ctx, &PersonaSkillBinding{
				PersonaID: "assistant-1", SkillID: sk.ID, IsDefault: true,
			}))

			bindings, err := store.ListPersonaSkills(ctx, "assistant-1")
			require.NoError(t, err)
			require.Len(t, bindings, 1)
			require.True(t, bindings[0].IsDefault)

			require.NoError(t, store.UnbindPersonaSkill(ctx, "assistant-1", sk.ID))
			bindings, err = store.ListPersonaSkills(ctx, "assistant-1")
			require.NoError(t, err)
			require.Empty(t, bindings)

			err = store.UnbindPersonaSkill(ctx, "assistant-1", sk.ID)
			require.True(t, errors.Is(err, ErrNotFound))
		})
	}
}
