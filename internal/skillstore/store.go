package skillstore

import "context"

// Store is the skillstore contract backing skills.db: skill CRUD,
// detected-pattern lifecycle, execution analytics, and per-persona
// bindings, grounded on cratos-skills' SkillStore operation set.
type Store interface {
	SaveSkill(ctx context.Context, s *Skill) error
	GetSkill(ctx context.Context, id string) (*Skill, error)
	GetSkillByName(ctx context.Context, name string) (*Skill, error)
	DeleteSkill(ctx context.Context, id string) error
	ListSkills(ctx context.Context) ([]*Skill, error)
	ListActiveSkills(ctx context.Context) ([]*Skill, error)
	ListSkillsByCategory(ctx context.Context, category SkillCategory) ([]*Skill, error)

	SavePattern(ctx context.Context, p *DetectedPattern) error
	MarkPatternConverted(ctx context.Context, patternID, skillID string) error
	MarkPatternRejected(ctx context.Context, patternID string) error
	ListDetectedPatterns(ctx context.Context) ([]*DetectedPattern, error)

	RecordSkillExecution(ctx context.Context, e *SkillExecution) error
	GetSkillExecutionCount(ctx context.Context, skillID string) (total, successes int, err error)

	BindPersonaSkill(ctx context.Context, b *PersonaSkillBinding) error
	UnbindPersonaSkill(ctx context.Context, personaID, skillID string) error
	ListPersonaSkills(ctx context.Context, personaID string) ([]*PersonaSkillBinding, error)

	Close() error
}
