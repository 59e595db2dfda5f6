package skillstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests, grounded on
// eventstore.MemoryStore's map-backed-under-one-mutex shape.
type MemoryStore struct {
	mu         sync.RWMutex
	skills     map[string]*Skill
	byName     map[string]string // name -> id
	patterns   map[string]*DetectedPattern
	executions map[string][]*SkillExecution // keyed by skill id
	bindings   map[string]map[string]*PersonaSkillBinding // persona id -> skill id -> binding
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		skills:     make(map[string]*Skill),
		byName:     make(map[string]string),
		patterns:   make(map[string]*DetectedPattern),
		executions: make(map[string][]*SkillExecution),
		bindings:   make(map[string]map[string]*PersonaSkillBinding),
	}
}

func cloneSkill(s *Skill) *Skill {
	cp := *s
	cp.Trigger.Keywords = append([]string(nil), s.Trigger.Keywords...)
	cp.Trigger.RegexPatterns = append([]string(nil), s.Trigger.RegexPatterns...)
	cp.Trigger.Intents = append([]string(nil), s.Trigger.Intents...)
	cp.Steps = append([]SkillStep(nil), s.Steps...)
	return &cp
}

func (m *MemoryStore) SaveSkill(_ context.Context, s *Skill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if existingID, ok := m.byName[s.Name]; ok && existingID != s.ID {
		return fmt.Errorf("skillstore: save skill %q: %w", s.Name, ErrDuplicateName)
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	m.skills[s.ID] = cloneSkill(s)
	m.byName[s.Name] = s.ID
	return nil
}

func (m *MemoryStore) GetSkill(_ context.Context, id string) (*Skill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.skills[id]
	if !ok {
		return nil, fmt.Errorf("skillstore: skill %s: %w", id, ErrNotFound)
	}
	return cloneSkill(s), nil
}

func (m *MemoryStore) GetSkillByName(_ context.Context, name string) (*Skill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byName[name]
	if !ok {
		return nil, fmt.Errorf("skillstore: skill %q: %w", name, ErrNotFound)
	}
	return cloneSkill(m.skills[id]), nil
}

func (m *MemoryStore) DeleteSkill(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.skills[id]
	if !ok {
		return fmt.Errorf("skillstore: skill %s: %w", id, ErrNotFound)
	}
	delete(m.skills, id)
	delete(m.byName, s.Name)
	return nil
}

func (m *MemoryStore) listSkills(filter func(*Skill) bool) []*Skill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Skill
	for _, s := range m.skills {
		if filter == nil || filter(s) {
			out = append(out, cloneSkill(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Trigger.Priority != out[j].Trigger.Priority {
			return out[i].Trigger.Priority > out[j].Trigger.Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (m *MemoryStore) ListSkills(_ context.Context) ([]*Skill, error) {
	return m.listSkills(nil), nil
}

func (m *MemoryStore) ListActiveSkills(_ context.Context) ([]*Skill, error) {
	return m.listSkills(func(s *Skill) bool { return s.Status == StatusActive }), nil
}

func (m *MemoryStore) ListSkillsByCategory(_ context.Context, category SkillCategory) ([]*Skill, error) {
	return m.listSkills(func(s *Skill) bool { return s.Category == category }), nil
}

func (m *MemoryStore) SavePattern(_ context.Context, p *DetectedPattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.DetectedAt.IsZero() {
		p.DetectedAt = time.Now().UTC()
	}
	if p.Status == "" {
		p.Status = PatternDetected
	}
	cp := *p
	m.patterns[p.ID] = &cp
	return nil
}

func (m *MemoryStore) resolvePattern(patternID string, status PatternStatus, skillID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patterns[patternID]
	if !ok {
		return fmt.Errorf("skillstore: pattern %s: %w", patternID, ErrNotFound)
	}
	if p.Status != PatternDetected {
		return fmt.Errorf("skillstore: pattern %s: %w", patternID, ErrAlreadyResolved)
	}
	p.Status = status
	p.ConvertedSkillID = skillID
	return nil
}

func (m *MemoryStore) MarkPatternConverted(_ context.Context, patternID, skillID string) error {
	return m.resolvePattern(patternID, PatternConverted, skillID)
}

func (m *MemoryStore) MarkPatternRejected(_ context.Context, patternID string) error {
	return m.resolvePattern(patternID, PatternRejected, "")
}

func (m *MemoryStore) ListDetectedPatterns(_ context.Context) ([]*DetectedPattern, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*DetectedPattern
	for _, p := range m.patterns {
		if p.Status == PatternDetected {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConfidenceScore > out[j].ConfidenceScore })
	return out, nil
}

func (m *MemoryStore) RecordSkillExecution(_ context.Context, e *SkillExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now().UTC()
	}
	cp := *e
	m.executions[e.SkillID] = append(m.executions[e.SkillID], &cp)
	return nil
}

func (m *MemoryStore) GetSkillExecutionCount(_ context.Context, skillID string) (int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	execs := m.executions[skillID]
	successes := 0
	for _, e := range execs {
		if e.Success {
			successes++
		}
	}
	return len(execs), successes, nil
}

func (m *MemoryStore) BindPersonaSkill(_ context.Context, b *PersonaSkillBinding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bindings[b.PersonaID] == nil {
		m.bindings[b.PersonaID] = make(map[string]*PersonaSkillBinding)
	}
	cp := *b
	m.bindings[b.PersonaID][b.SkillID] = &cp
	return nil
}

func (m *MemoryStore) UnbindPersonaSkill(_ context.Context, personaID, skillID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	skills, ok := m.bindings[personaID]
	if !ok {
		return fmt.Errorf("skillstore: binding %s/%s: %w", personaID, skillID, ErrNotFound)
	}
	if _, ok := skills[skillID]; !ok {
		return fmt.Errorf("skillstore: binding %s/%s: %w", personaID, skillID, ErrNotFound)
	}
	delete(skills, skillID)
	return nil
}

func (m *MemoryStore) ListPersonaSkills(_ context.Context, personaID string) ([]*PersonaSkillBinding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*PersonaSkillBinding
	for _, b := range m.bindings[personaID] {
		cp := *b
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
