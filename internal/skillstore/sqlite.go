package skillstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

// SQLiteStore persists skills, detected patterns, execution history, and
// persona bindings to skills.db, a single-file SQLite database opened
// with WAL journaling, matching eventstore.SQLiteStore's cratos.db setup
// and cratos-skills' three-table schema (skills, detected_patterns,
// skill_executions), extended with persona_skills for per-persona
// routing.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if necessary) the skill store database
// at path, or an in-memory database when path is empty.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("skillstore: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS skills (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT 'custom',
			origin TEXT NOT NULL DEFAULT 'user_defined',
			status TEXT NOT NULL DEFAULT 'draft',
			trigger_keywords TEXT NOT NULL DEFAULT '[]',
			trigger_regex_patterns TEXT NOT NULL DEFAULT '[]',
			trigger_intents TEXT NOT NULL DEFAULT '[]',
			trigger_priority INTEGER NOT NULL DEFAULT 0,
			steps TEXT NOT NULL DEFAULT '[]',
			input_schema TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_skills_status ON skills(status)`,
		`CREATE INDEX IF NOT EXISTS idx_skills_category ON skills(category)`,
		`CREATE TABLE IF NOT EXISTS detected_patterns (
			id TEXT PRIMARY KEY,
			tool_sequence TEXT NOT NULL,
			occurrence_count INTEGER NOT NULL,
			confidence_score REAL NOT NULL,
			extracted_keywords TEXT NOT NULL DEFAULT '[]',
			sample_inputs TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'detected',
			converted_skill_id TEXT,
			detected_at DATETIME NOT NULL,
			FOREIGN KEY (converted_skill_id) REFERENCES skills(id)
		)`,
		`CREATE TABLE IF NOT EXISTS skill_executions (
			id TEXT PRIMARY KEY,
			skill_id TEXT NOT NULL,
			execution_id TEXT,
			success INTEGER NOT NULL,
			duration_ms INTEGER,
			step_results TEXT NOT NULL DEFAULT '[]',
			started_at DATETIME NOT NULL,
			FOREIGN KEY (skill_id) REFERENCES skills(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_skill_executions_skill ON skill_executions(skill_id)`,
		`CREATE TABLE IF NOT EXISTS persona_skills (
			persona_id TEXT NOT NULL,
			skill_id TEXT NOT NULL,
			priority_override INTEGER,
			is_default INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (persona_id, skill_id),
			FOREIGN KEY (skill_id) REFERENCES skills(id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("skillstore: init schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func marshalList(v []string) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func unmarshalList(raw string) []string {
	var out []string
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

// SaveSkill inserts or updates a skill by ID.
func (s *SQLiteStore) SaveSkill(ctx context.Context, sk *Skill) error {
	if sk.ID == "" {
		sk.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if sk.CreatedAt.IsZero() {
		sk.CreatedAt = now
	}
	sk.UpdatedAt = now
	steps, err := json.Marshal(sk.Steps)
	if err != nil {
		return fmt.Errorf("skillstore: marshal steps: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO skills (id, name, description, category, origin, status,
			trigger_keywords, trigger_regex_patterns, trigger_intents, trigger_priority,
			steps, input_schema, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, description=excluded.description, category=excluded.category,
			origin=excluded.origin, status=excluded.status,
			trigger_keywords=excluded.trigger_keywords, trigger_regex_patterns=excluded.trigger_regex_patterns,
			trigger_intents=excluded.trigger_intents, trigger_priority=excluded.trigger_priority,
			steps=excluded.steps, input_schema=excluded.input_schema, updated_at=excluded.updated_at`,
		sk.ID, sk.Name, sk.Description, string(sk.Category), string(sk.Origin), string(sk.Status),
		marshalList(sk.Trigger.Keywords), marshalList(sk.Trigger.RegexPatterns), marshalList(sk.Trigger.Intents),
		sk.Trigger.Priority, string(steps), nullBytes(sk.InputSchema), sk.CreatedAt, sk.UpdatedAt,
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return fmt.Errorf("skillstore: save skill %q: %w", sk.Name, ErrDuplicateName)
		}
		return fmt.Errorf("skillstore: save skill: %w", err)
	}
	return nil
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func isUniqueConstraintErr(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const skillColumns = `id, name, description, category, origin, status,
	trigger_keywords, trigger_regex_patterns, trigger_intents, trigger_priority,
	steps, input_schema, created_at, updated_at`

func scanSkill(row interface{ Scan(dest ...any) error }) (*Skill, error) {
	var sk Skill
	var category, origin, status string
	var keywords, regexPatterns, intents, steps string
	var inputSchema sql.NullString

	if err := row.Scan(&sk.ID, &sk.Name, &sk.Description, &category, &origin, &status,
		&keywords, &regexPatterns, &intents, &sk.Trigger.Priority,
		&steps, &inputSchema, &sk.CreatedAt, &sk.UpdatedAt); err != nil {
		return nil, err
	}
	sk.Category = SkillCategory(category)
	sk.Origin = SkillOrigin(origin)
	sk.Status = SkillStatus(status)
	sk.Trigger.Keywords = unmarshalList(keywords)
	sk.Trigger.RegexPatterns = unmarshalList(regexPatterns)
	sk.Trigger.Intents = unmarshalList(intents)
	_ = json.Unmarshal([]byte(steps), &sk.Steps)
	if inputSchema.Valid {
		sk.InputSchema = []byte(inputSchema.String)
	}
	return &sk, nil
}

// GetSkill fetches a single skill by ID.
func (s *SQLiteStore) GetSkill(ctx context.Context, id string) (*Skill, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+skillColumns+" FROM skills WHERE id = ?", id)
	sk, err := scanSkill(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("skillstore: skill %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("skillstore: get skill: %w", err)
	}
	return sk, nil
}

// GetSkillByName fetches a single skill by its unique name.
func (s *SQLiteStore) GetSkillByName(ctx context.Context, name string) (*Skill, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+skillColumns+" FROM skills WHERE name = ?", name)
	sk, err := scanSkill(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("skillstore: skill %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("skillstore: get skill by name: %w", err)
	}
	return sk, nil
}

// DeleteSkill removes a skill by ID.
func (s *SQLiteStore) DeleteSkill(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM skills WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("skillstore: delete skill: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("skillstore: skill %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) listSkills(ctx context.Context, where string, args ...any) ([]*Skill, error) {
	query := "SELECT " + skillColumns + " FROM skills"
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY trigger_priority DESC, name ASC"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("skillstore: list skills: %w", err)
	}
	defer rows.Close()

	var out []*Skill
	for rows.Next() {
		sk, err := scanSkill(rows)
		if err != nil {
			return nil, fmt.Errorf("skillstore: scan skill: %w", err)
		}
		out = append(out, sk)
	}
	return out, rows.Err()
}

// ListSkills returns every stored skill.
func (s *SQLiteStore) ListSkills(ctx context.Context) ([]*Skill, error) {
	return s.listSkills(ctx, "")
}

// ListActiveSkills returns skills in StatusActive.
func (s *SQLiteStore) ListActiveSkills(ctx context.Context) ([]*Skill, error) {
	return s.listSkills(ctx, "status = ?", string(StatusActive))
}

// ListSkillsByCategory returns skills in the given category.
func (s *SQLiteStore) ListSkillsByCategory(ctx context.Context, category SkillCategory) ([]*Skill, error) {
	return s.listSkills(ctx, "category = ?", string(category))
}

// SavePattern inserts or updates a detected pattern.
func (s *SQLiteStore) SavePattern(ctx context.Context, p *DetectedPattern) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.DetectedAt.IsZero() {
		p.DetectedAt = time.Now().UTC()
	}
	if p.Status == "" {
		p.Status = PatternDetected
	}
	toolSeq, err := json.Marshal(p.ToolSequence)
	if err != nil {
		return fmt.Errorf("skillstore: marshal tool sequence: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO detected_patterns (id, tool_sequence, occurrence_count, confidence_score,
			extracted_keywords, sample_inputs, status, converted_skill_id, detected_at)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			tool_sequence=excluded.tool_sequence, occurrence_count=excluded.occurrence_count,
			confidence_score=excluded.confidence_score, extracted_keywords=excluded.extracted_keywords,
			sample_inputs=excluded.sample_inputs, status=excluded.status,
			converted_skill_id=excluded.converted_skill_id`,
		p.ID, string(toolSeq), p.OccurrenceCount, p.ConfidenceScore,
		marshalList(p.ExtractedKeywords), marshalList(p.SampleInputs), string(p.Status),
		nullString(p.ConvertedSkillID), p.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("skillstore: save pattern: %w", err)
	}
	return nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func (s *SQLiteStore) resolvePattern(ctx context.Context, patternID string, status PatternStatus, skillID string) error {
	var current string
	err := s.db.QueryRowContext(ctx, "SELECT status FROM detected_patterns WHERE id = ?", patternID).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("skillstore: pattern %s: %w", patternID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("skillstore: resolve pattern: %w", err)
	}
	if PatternStatus(current) != PatternDetected {
		return fmt.Errorf("skillstore: pattern %s: %w", patternID, ErrAlreadyResolved)
	}

	_, err = s.db.ExecContext(ctx,
		"UPDATE detected_patterns SET status = ?, converted_skill_id = ? WHERE id = ?",
		string(status), nullString(skillID), patternID)
	if err != nil {
		return fmt.Errorf("skillstore: resolve pattern: %w", err)
	}
	return nil
}

// MarkPatternConverted transitions a pattern to PatternConverted, recording
// the skill it was promoted into.
func (s *SQLiteStore) MarkPatternConverted(ctx context.Context, patternID, skillID string) error {
	return s.resolvePattern(ctx, patternID, PatternConverted, skillID)
}

// MarkPatternRejected transitions a pattern to PatternRejected.
func (s *SQLiteStore) MarkPatternRejected(ctx context.Context, patternID string) error {
	return s.resolvePattern(ctx, patternID, PatternRejected, "")
}

// ListDetectedPatterns returns patterns still awaiting a decision.
func (s *SQLiteStore) ListDetectedPatterns(ctx context.Context) ([]*DetectedPattern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tool_sequence, occurrence_count, confidence_score, extracted_keywords,
			sample_inputs, status, converted_skill_id, detected_at
		FROM detected_patterns WHERE status = ? ORDER BY confidence_score DESC`, string(PatternDetected))
	if err != nil {
		return nil, fmt.Errorf("skillstore: list detected patterns: %w", err)
	}
	defer rows.Close()

	var out []*DetectedPattern
	for rows.Next() {
		var p DetectedPattern
		var toolSeq, keywords, samples, status string
		var convertedSkillID sql.NullString
		if err := rows.Scan(&p.ID, &toolSeq, &p.OccurrenceCount, &p.ConfidenceScore, &keywords,
			&samples, &status, &convertedSkillID, &p.DetectedAt); err != nil {
			return nil, fmt.Errorf("skillstore: scan pattern: %w", err)
		}
		_ = json.Unmarshal([]byte(toolSeq), &p.ToolSequence)
		p.ExtractedKeywords = unmarshalList(keywords)
		p.SampleInputs = unmarshalList(samples)
		p.Status = PatternStatus(status)
		p.ConvertedSkillID = convertedSkillID.String
		out = append(out, &p)
	}
	return out, rows.Err()
}

// RecordSkillExecution appends a skill-execution analytics record.
func (s *SQLiteStore) RecordSkillExecution(ctx context.Context, e *SkillExecution) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now().UTC()
	}
	stepResults, err := json.Marshal(e.StepResults)
	if err != nil {
		return fmt.Errorf("skillstore: marshal step results: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO skill_executions (id, skill_id, execution_id, success, duration_ms, step_results, started_at)
		VALUES (?,?,?,?,?,?,?)`,
		e.ID, e.SkillID, nullString(e.ExecutionID), e.Success, nullInt64Ptr(e.DurationMs), string(stepResults), e.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("skillstore: record skill execution: %w", err)
	}
	return nil
}

func nullInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

// GetSkillExecutionCount returns total invocations and successful
// invocations recorded for a skill.
func (s *SQLiteStore) GetSkillExecutionCount(ctx context.Context, skillID string) (int, int, error) {
	var total, successes int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(success), 0) FROM skill_executions WHERE skill_id = ?",
		skillID).Scan(&total, &successes)
	if err != nil {
		return 0, 0, fmt.Errorf("skillstore: get skill execution count: %w", err)
	}
	return total, successes, nil
}

// BindPersonaSkill attaches a skill to a persona, optionally with a
// priority override or as that persona's default skill.
func (s *SQLiteStore) BindPersonaSkill(ctx context.Context, b *PersonaSkillBinding) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO persona_skills (persona_id, skill_id, priority_override, is_default)
		VALUES (?,?,?,?)
		ON CONFLICT(persona_id, skill_id) DO UPDATE SET
			priority_override=excluded.priority_override, is_default=excluded.is_default`,
		b.PersonaID, b.SkillID, nullIntPtr(b.PriorityOverride), b.IsDefault,
	)
	if err != nil {
		return fmt.Errorf("skillstore: bind persona skill: %w", err)
	}
	return nil
}

func nullIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

// UnbindPersonaSkill removes a persona/skill binding.
func (s *SQLiteStore) UnbindPersonaSkill(ctx context.Context, personaID, skillID string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM persona_skills WHERE persona_id = ? AND skill_id = ?", personaID, skillID)
	if err != nil {
		return fmt.Errorf("skillstore: unbind persona skill: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("skillstore: binding %s/%s: %w", personaID, skillID, ErrNotFound)
	}
	return nil
}

// ListPersonaSkills returns every skill bound to a persona.
func (s *SQLiteStore) ListPersonaSkills(ctx context.Context, personaID string) ([]*PersonaSkillBinding, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT persona_id, skill_id, priority_override, is_default FROM persona_skills WHERE persona_id = ?",
		personaID)
	if err != nil {
		return nil, fmt.Errorf("skillstore: list persona skills: %w", err)
	}
	defer rows.Close()

	var out []*PersonaSkillBinding
	for rows.Next() {
		var b PersonaSkillBinding
		var priority sql.NullInt64
		if err := rows.Scan(&b.PersonaID, &b.SkillID, &priority, &b.IsDefault); err != nil {
			return nil, fmt.Errorf("skillstore: scan persona skill: %w", err)
		}
		if priority.Valid {
			p := int(priority.Int64)
			b.PriorityOverride = &p
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}
