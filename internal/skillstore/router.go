package skillstore

import (
	"context"
	"regexp"
	"sort"
	"strings"
)

// SemanticIndex is the narrow capability the router needs from a vector
// backend: given a query embedding, return candidate skill IDs ranked by
// similarity. internal/memory/backend.Backend satisfies a richer version
// of this shape for memory entries; a caller wanting semantic skill
// routing adapts its embeddings.Provider + vector backend to this
// interface rather than the router depending on either directly.
type SemanticIndex interface {
	SearchSkills(ctx context.Context, queryEmbedding []float32, limit int) ([]SemanticMatch, error)
}

// SemanticMatch is one candidate returned by a SemanticIndex search.
type SemanticMatch struct {
	SkillID string
	Score   float64
}

// Embedder produces the query embedding a SemanticIndex search needs.
// Satisfied by internal/memory/embeddings.Provider without importing it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// TriggerKind records which cascade stage produced a Match.
type TriggerKind string

const (
	TriggerExplicit TriggerKind = "explicit" // "/skillname" or "use the X skill"
	TriggerKeyword  TriggerKind = "keyword"
	TriggerRegex    TriggerKind = "regex"
	TriggerIntent   TriggerKind = "intent"
	TriggerSemantic TriggerKind = "semantic"
	TriggerDefault  TriggerKind = "persona_default"
)

// IntentClassifier classifies message intent for the intent stage.
type IntentClassifier interface {
	Classify(ctx context.Context, message string, candidates []string) (intent string, confidence float64, err error)
}

// Match is the router's decision for a message: which skill to run and
// why it was selected.
type Match struct {
	Skill      *Skill
	Trigger    TriggerKind
	Confidence float64
}

// Router resolves an incoming message to a skill by running the fallback
// cascade in order, stopping at the first stage that produces a match:
// explicit mention, then keyword/regex, then intent classification, then
// semantic vector search, then the persona's bound default skill:
// evaluate stages in priority order, return the first match.
type Router struct {
	store            Store
	intentClassifier IntentClassifier
	embedder         Embedder
	semanticIndex    SemanticIndex

	compiled map[string]*regexp.Regexp
}

// NewRouter creates a Router over store. Intent classification and
// semantic search are optional; set them with SetIntentClassifier and
// SetSemanticSearch.
func NewRouter(store Store) *Router {
	return &Router{store: store, compiled: make(map[string]*regexp.Regexp)}
}

// SetIntentClassifier enables the intent-classification cascade stage.
func (r *Router) SetIntentClassifier(c IntentClassifier) { r.intentClassifier = c }

// SetSemanticSearch enables the semantic-vector cascade stage.
func (r *Router) SetSemanticSearch(embedder Embedder, index SemanticIndex) {
	r.embedder = embedder
	r.semanticIndex = index
}

// Route resolves message to a skill for personaID, running the cascade
// and returning the first stage's match, or nil if no stage matched.
func (r *Router) Route(ctx context.Context, personaID, message string) (*Match, error) {
	active, err := r.store.ListActiveSkills(ctx)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, nil
	}

	if m := r.matchExplicit(active, message); m != nil {
		return m, nil
	}
	if m := r.matchKeywordOrRegex(active, message); m != nil {
		return m, nil
	}
	if m, err := r.matchIntent(ctx, active, message); err != nil {
		return nil, err
	} else if m != nil {
		return m, nil
	}
	if m, err := r.matchSemantic(ctx, active, message); err != nil {
		return nil, err
	} else if m != nil {
		return m, nil
	}
	return r.matchPersonaDefault(ctx, personaID, active)
}

// matchExplicit handles "/skillname ..." and "use the <name> skill"
// phrasing: an unambiguous request for a specific skill by name.
func (r *Router) matchExplicit(skills []*Skill, message string) *Match {
	trimmed := strings.TrimSpace(message)
	lower := strings.ToLower(trimmed)
	for _, s := range skills {
		name := strings.ToLower(s.Name)
		if strings.HasPrefix(trimmed, "/"+s.Name) {
			return &Match{Skill: s, Trigger: TriggerExplicit, Confidence: 1.0}
		}
		if strings.Contains(lower, "use the "+name+" skill") || strings.Contains(lower, "use "+name+" skill") {
			return &Match{Skill: s, Trigger: TriggerExplicit, Confidence: 1.0}
		}
	}
	return nil
}

// matchKeywordOrRegex evaluates every active skill's keyword and regex
// triggers, returning the highest-priority, highest-confidence match.
func (r *Router) matchKeywordOrRegex(skills []*Skill, message string) *Match {
	lower := strings.ToLower(message)
	var best *Match
	var bestPriority int

	consider := func(s *Skill, trigger TriggerKind, confidence float64) {
		if best != nil && s.Trigger.Priority <= bestPriority {
			return
		}
		best = &Match{Skill: s, Trigger: trigger, Confidence: confidence}
		bestPriority = s.Trigger.Priority
	}

	for _, s := range skills {
		for _, kw := range s.Trigger.Keywords {
			if kw == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(kw)) {
				consider(s, TriggerKeyword, 0.7)
				break
			}
		}
		for _, pattern := range s.Trigger.RegexPatterns {
			re, err := r.compile(pattern)
			if err != nil {
				continue
			}
			if re.MatchString(message) {
				consider(s, TriggerRegex, 0.85)
				break
			}
		}
	}
	return best
}

func (r *Router) compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := r.compiled[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	r.compiled[pattern] = re
	return re, nil
}

// matchIntent classifies message against the set of active skills whose
// triggers declare intents, picking the skill whose declared intent the
// classifier returns, if its confidence clears a minimum bar.
func (r *Router) matchIntent(ctx context.Context, skills []*Skill, message string) (*Match, error) {
	if r.intentClassifier == nil {
		return nil, nil
	}
	byIntent := make(map[string]*Skill)
	var candidates []string
	for _, s := range skills {
		for _, intent := range s.Trigger.Intents {
			if intent == "" {
				continue
			}
			if _, exists := byIntent[intent]; !exists {
				candidates = append(candidates, intent)
			}
			byIntent[intent] = s
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	intent, confidence, err := r.intentClassifier.Classify(ctx, message, candidates)
	if err != nil {
		return nil, err
	}
	const minIntentConfidence = 0.5
	if confidence < minIntentConfidence {
		return nil, nil
	}
	s, ok := byIntent[intent]
	if !ok {
		return nil, nil
	}
	return &Match{Skill: s, Trigger: TriggerIntent, Confidence: confidence}, nil
}

// matchSemantic embeds message and searches the configured SemanticIndex,
// resolving the top hit to an active skill. No-op if semantic search was
// never configured via SetSemanticSearch.
func (r *Router) matchSemantic(ctx context.Context, skills []*Skill, message string) (*Match, error) {
	if r.embedder == nil || r.semanticIndex == nil {
		return nil, nil
	}
	byID := make(map[string]*Skill, len(skills))
	for _, s := range skills {
		byID[s.ID] = s
	}

	embedding, err := r.embedder.Embed(ctx, message)
	if err != nil {
		return nil, err
	}
	hits, err := r.semanticIndex.SearchSkills(ctx, embedding, 5)
	if err != nil {
		return nil, err
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })

	const minSemanticScore = 0.6
	for _, hit := range hits {
		if hit.Score < minSemanticScore {
			break
		}
		if s, ok := byID[hit.SkillID]; ok {
			return &Match{Skill: s, Trigger: TriggerSemantic, Confidence: hit.Score}, nil
		}
	}
	return nil, nil
}

// matchPersonaDefault falls back to the persona's bound default skill,
// the last stage of the cascade.
func (r *Router) matchPersonaDefault(ctx context.Context, personaID string, skills []*Skill) (*Match, error) {
	if personaID == "" {
		return nil, nil
	}
	bindings, err := r.store.ListPersonaSkills(ctx, personaID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*Skill, len(skills))
	for _, s := range skills {
		byID[s.ID] = s
	}
	for _, b := range bindings {
		if b.IsDefault {
			if s, ok := byID[b.SkillID]; ok {
				return &Match{Skill: s, Trigger: TriggerDefault, Confidence: 0.3}, nil
			}
		}
	}
	return nil, nil
}
