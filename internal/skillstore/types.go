// Package skillstore persists learned and authored skills to skills.db
// and routes an incoming message to the skill that should handle it.
// It complements internal/skills (filesystem-discovered, markdown-defined
// skill bundles with gating) with the learning/analytics side of the
// system: skills detected from repeated tool-call patterns, execution
// history for analytics, and per-persona skill bindings.
package skillstore

import "time"

// SkillCategory classifies a skill's purpose.
type SkillCategory string

const (
	CategoryWorkflow    SkillCategory = "workflow"
	CategoryKnowledge   SkillCategory = "knowledge"
	CategoryIntegration SkillCategory = "integration"
	CategoryCustom      SkillCategory = "custom"
)

// SkillOrigin records how a skill came to exist.
type SkillOrigin string

const (
	OriginUserDefined SkillOrigin = "user_defined"
	OriginLearned     SkillOrigin = "learned" // promoted from a DetectedPattern
	OriginBundled     SkillOrigin = "bundled"
)

// SkillStatus is the lifecycle state of a skill.
type SkillStatus string

const (
	StatusDraft    SkillStatus = "draft"
	StatusActive   SkillStatus = "active"
	StatusDisabled SkillStatus = "disabled"
)

// SkillTrigger defines when a skill should be considered for a message.
type SkillTrigger struct {
	Keywords      []string `json:"keywords,omitempty"`
	RegexPatterns []string `json:"regex_patterns,omitempty"`
	Intents       []string `json:"intents,omitempty"`
	Priority      int      `json:"priority"`
}

// SkillStep is one step of a skill's workflow.
type SkillStep struct {
	Name   string         `json:"name"`
	Tool   string         `json:"tool,omitempty"`
	Prompt string         `json:"prompt,omitempty"`
	Args   map[string]any `json:"args,omitempty"`
}

// Skill is a stored, learnable unit of capability: a named trigger plus
// the steps to execute when it fires.
type Skill struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Category    SkillCategory `json:"category"`
	Origin      SkillOrigin   `json:"origin"`
	Status      SkillStatus   `json:"status"`
	Trigger     SkillTrigger  `json:"trigger"`
	Steps       []SkillStep   `json:"steps"`
	InputSchema []byte        `json:"input_schema,omitempty"`
	Embedding   []float32     `json:"-"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// PatternStatus is the lifecycle state of a DetectedPattern.
type PatternStatus string

const (
	PatternDetected  PatternStatus = "detected"
	PatternConverted PatternStatus = "converted"
	PatternRejected  PatternStatus = "rejected"
)

// DetectedPattern is a repeated tool-call sequence the analyzer has
// surfaced as a candidate for promotion into a Skill.
type DetectedPattern struct {
	ID                string        `json:"id"`
	ToolSequence      []string      `json:"tool_sequence"`
	OccurrenceCount   int           `json:"occurrence_count"`
	ConfidenceScore   float64       `json:"confidence_score"`
	ExtractedKeywords []string      `json:"extracted_keywords,omitempty"`
	SampleInputs      []string      `json:"sample_inputs,omitempty"`
	Status            PatternStatus `json:"status"`
	ConvertedSkillID  string        `json:"converted_skill_id,omitempty"`
	DetectedAt        time.Time     `json:"detected_at"`
}

// SkillExecution records one invocation of a skill for analytics.
type SkillExecution struct {
	ID          string    `json:"id"`
	SkillID     string    `json:"skill_id"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Success     bool      `json:"success"`
	DurationMs  *int64    `json:"duration_ms,omitempty"`
	StepResults []string  `json:"step_results,omitempty"`
	StartedAt   time.Time `json:"started_at"`
}

// PersonaSkillBinding associates a skill with a persona, optionally
// overriding its trigger priority for that persona.
type PersonaSkillBinding struct {
	PersonaID        string `json:"persona_id"`
	SkillID          string `json:"skill_id"`
	PriorityOverride *int   `json:"priority_override,omitempty"`
	IsDefault        bool   `json:"is_default"`
}
