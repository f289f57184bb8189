package memory

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Rule is one row of the extraction table. Pattern is matched against each
// clause of the turn; on a match, Template is expanded with the pattern's
// submatches (regexp.Expand syntax) to form the memory content.
type Rule struct {
	Name       string
	Type       MemoryType
	Pattern    *regexp.Regexp
	Confidence float64
	Template   string
	// Unless suppresses the rule for clauses it matches.
	Unless *regexp.Regexp
	// EachMatch keeps every distinct match in a clause instead of only the
	// first one. Used for entity mentions.
	EachMatch bool
}

func rule(name string, t MemoryType, conf float64, pattern, template string) Rule {
	return Rule{Name: name, Type: t, Pattern: regexp.MustCompile(pattern), Confidence: conf, Template: template}
}

func (r Rule) unless(pattern string) Rule {
	r.Unless = regexp.MustCompile(pattern)
	return r
}

func (r Rule) eachMatch() Rule {
	r.EachMatch = true
	return r
}

const (
	tail     = `([^,;]+)`
	timeSpec = `(\d{1,2}(?::\d{2})?\s*(?:[ap]\.?m\.?)|\d{1,2}:\d{2}|noon|midnight)`
)

var defaultRules = []Rule{
	// preference
	rule("preference.favorite", TypePreference, 0.9,
		`(?i)\bmy\s+(?:preferred|favou?rite)\s+([a-z][a-z ]{0,30}?)\s+(?:is|are|would be)\s+`+tail,
		"User's preferred $1 is $2"),
	rule("preference.address", TypePreference, 0.9,
		`(?i:\bcall\s+me)\s+([A-Z][A-Za-z'-]+)`,
		"User wants to be called $1"),
	rule("preference.likes", TypePreference, 0.85,
		`(?i)\bi\s+(?:really\s+|much\s+|also\s+)?(prefer|like|love|enjoy)\s+`+tail,
		"User ${1}s $2"),
	rule("preference.dislikes", TypePreference, 0.85,
		`(?i)\bi\s+(?:really\s+)?(?:hate|dislike|don't\s+like|do\s+not\s+like|can't\s+stand)\s+`+tail,
		"User dislikes $1"),
	rule("preference.always", TypePreference, 0.75,
		`(?i)\bi\s+(?:usually|always)\s+`+tail,
		"User always $1"),

	// constraint
	rule("constraint.availability", TypeConstraint, 0.85,
		`(?i)\b(?:i\s+am|i'm)\s+(only\s+)?(?:available|free|reachable)\s+((?:after|before|between|from|until|till|on|in)\b[^,;]*)`,
		"User is ${1}available $2"),
	rule("constraint.unavailable", TypeConstraint, 0.85,
		`(?i)\b(?:i\s+am|i'm)\s+(?:not\s+available|unavailable|busy|away)\s+`+tail,
		"User is unavailable $1"),
	rule("constraint.time", TypeConstraint, 0.8,
		`(?i)\b(not\s+before|no\s+later\s+than|after|before|by|until)\s+`+timeSpec,
		"Time constraint: $1 $2"),
	rule("constraint.diet", TypeConstraint, 0.85,
		`(?i)\bi(?:'m|\s+am)\s+(?:a\s+|an\s+)?(vegetarian|vegan|lactose\s+intolerant|gluten[- ]free|allergic\s+to\s+[^,;]+)`,
		"User is $1"),
	rule("constraint.cannot", TypeConstraint, 0.8,
		`(?i)\bi\s+(?:can't|cannot|can\s+not|am\s+unable\s+to|won't\s+be\s+able\s+to)\s+`+tail,
		"User cannot $1"),
	rule("constraint.never", TypeConstraint, 0.8,
		`(?i)\bi\s+never\s+`+tail,
		"User never $1"),
	rule("constraint.budget", TypeConstraint, 0.8,
		`(?i)\b(?:budget|spend|spending)\s+(?:is\s+|of\s+)?(?:under|below|at\s+most|no\s+more\s+than|max(?:imum)?|up\s+to)\s+`+tail,
		"Budget limit: $1"),
	rule("constraint.only", TypeConstraint, 0.75,
		`(?i)\bi\s+only\s+`+tail,
		"User only $1"),
	rule("constraint.must", TypeConstraint, 0.7,
		`(?i)\bi\s+(?:must|need\s+to|have\s+to)\s+`+tail,
		"User has to $1"),

	// commitment
	rule("commitment.user", TypeCommitment, 0.8,
		`(?i)\bi(?:'ll|\s+will|\s+am\s+going\s+to|'m\s+going\s+to|\s+plan\s+to|'m\s+planning\s+to|\s+promise\s+to)\s+`+tail,
		"User will $1"),
	rule("commitment.remind", TypeCommitment, 0.8,
		`(?i)\bremind\s+me\s+(?:to\s+|about\s+)?`+tail,
		"Reminder requested: $1"),
	rule("commitment.request", TypeCommitment, 0.75,
		`(?i)\b(?:can|could|will|would)\s+you\s+(?:please\s+)?(call|email|text|message|ping|contact|follow\s+up\s+with)\s+me\b([^,;]*)`,
		"Assistant to $1 user$2"),
	rule("commitment.deadline", TypeCommitment, 0.75,
		`(?i)\b(?:deadline|due)\s+(?:is\s+)?(?:on\s+|by\s+)?`+tail,
		"Deadline: $1"),
	rule("commitment.schedule", TypeCommitment, 0.7,
		`(?i)\b(?:let's|let\s+us|we\s+should|please)\s+(schedule|book|set\s+up|arrange)\s+`+tail,
		"Scheduling request: $1 $2"),

	// fact
	rule("fact.name", TypeFact, 0.9,
		`(?i:\bmy\s+name\s+is)\s+([A-Z][A-Za-z'-]+(?:\s+[A-Z][A-Za-z'-]+)?)`,
		"User's name is $1"),
	rule("fact.age", TypeFact, 0.85,
		`(?i)\bi(?:'m|\s+am)\s+(\d{1,3})\s+(?:years?|yrs?)\s+old\b`,
		"User is $1 years old"),
	rule("fact.residence", TypeFact, 0.8,
		`(?i)\bi\s+(live|work)\s+(in|at|for|near)\s+`+tail,
		"User ${1}s $2 $3"),
	rule("fact.origin", TypeFact, 0.8,
		`(?i)\bi(?:'m|\s+am|\s+come)\s+from\s+`+tail,
		"User is from $1"),
	rule("fact.born", TypeFact, 0.8,
		`(?i)\bi\s+(?:grew\s+up|was\s+born)\s+in\s+`+tail,
		"User is from $1"),
	rule("fact.study", TypeFact, 0.75,
		`(?i)\bi\s+(?:study|studied)\s+(at|in)\s+`+tail,
		"User studies $1 $2"),
	rule("fact.role", TypeFact, 0.75,
		`(?i)\bi(?:'m|\s+am)\s+(a|an)\s+`+tail,
		"User is $1 $2"),
	rule("fact.has", TypeFact, 0.7,
		`(?i)\bi\s+have\s+((?:a|an|one|two|three|four|five|\d+)\s+[^,;]+)`,
		"User has $1"),
	rule("fact.possessive", TypeFact, 0.7,
		`(?i)\bmy\s+([a-z]+(?:\s+[a-z]+)?)\s+(?:is|are)\s+`+tail,
		"User's $1 is $2").
		unless(`(?i)\bmy\s+(?:preferred|favou?rite)\b|\bmy\s+name\s+is\b`),

	// instruction
	rule("instruction.from_now_on", TypeInstruction, 0.9,
		`(?i)\bfrom\s+now\s+on,?\s+`+tail,
		"Standing instruction: $1"),
	rule("instruction.always_never", TypeInstruction, 0.85,
		`(?i)\b(always|never)\s+`+tail,
		"Standing instruction: $1 $2").
		unless(`(?i)\b(?:i|we)\s+(?:usually\s+)?(?:always|never)\b`),
	rule("instruction.respond_in", TypeInstruction, 0.85,
		`(?i:\b(?:respond|reply|answer|talk|speak|write)\s+(?:to\s+me\s+)?(?:only\s+)?in)\s+([A-Z][A-Za-z]+(?:\s+[A-Z][A-Za-z]+)?|(?i:bullet\s+points|short\s+sentences|detail|plain\s+english))`,
		"Respond in $1"),
	rule("instruction.remember", TypeInstruction, 0.8,
		`(?i)\b(?:remember|make\s+sure|be\s+sure|don't\s+forget)\s+(?:to\s+|that\s+)?`+tail,
		"Remember: $1"),
	rule("instruction.do_not", TypeInstruction, 0.8,
		`(?i)\b(?:do\s+not|don't)\s+(?:ever\s+)?`+tail,
		"Do not $1").
		unless(`(?i)\b(?:i|we|you|they)\s+(?:do\s+not|don't)\b|\bdon't\s+forget\b`),

	// entity
	rule("entity.proper_noun", TypeEntity, 0.65,
		`([a-z,]\s+)([A-Z][a-z]+(?:\s+[A-Z][a-z]+)*)`,
		"Mentioned: $2").
		eachMatch(),
}

// DefaultRules returns a copy of the built-in extraction table.
func DefaultRules() []Rule {
	out := make([]Rule, len(defaultRules))
	copy(out, defaultRules)
	return out
}

var (
	clauseSplit   = regexp.MustCompile(`[.!?;]+(?:\s+|$)|\n+`)
	spaceRun      = regexp.MustCompile(`\s+`)
	nonAlnumRun   = regexp.MustCompile(`[^\p{L}\p{M}\p{N}]+`)
	trailingNoise = regexp.MustCompile(`(?i)[\s,;:\-]+$|\s+(?:please|thanks|thank\s+you)$`)
)

var personRewrites = []struct {
	re   *regexp.Regexp
	with string
}{
	{regexp.MustCompile(`(?i)\bmyself\b`), "themselves"},
	{regexp.MustCompile(`(?i)\bmy\b`), "their"},
	{regexp.MustCompile(`(?i)\bmine\b`), "theirs"},
	{regexp.MustCompile(`(?i)\bme\b`), "them"},
	{regexp.MustCompile(`\bI'm\b`), "they're"},
	{regexp.MustCompile(`\bI\b`), "they"},
}

// ExtractorConfig tunes candidate filtering and duplicate detection.
type ExtractorConfig struct {
	Rules []Rule
	// MinConfidence is the default threshold for Filter.
	MinConfidence float64
	// DuplicateSimilarity is the cosine similarity at or above which two
	// memories of the same type count as the same fact.
	DuplicateSimilarity float64
}

func DefaultExtractorConfig() ExtractorConfig {
	return ExtractorConfig{
		Rules:               DefaultRules(),
		MinConfidence:       0.6,
		DuplicateSimilarity: 0.92,
	}
}

// Extractor turns turn text into typed memory candidates and folds them into
// what a session already knows.
type Extractor struct {
	rules         []Rule
	minConfidence float64
	dupSimilarity float64
}

func NewExtractor(cfg ExtractorConfig) *Extractor {
	if len(cfg.Rules) == 0 {
		cfg.Rules = DefaultRules()
	}
	if cfg.DuplicateSimilarity <= 0 || cfg.DuplicateSimilarity > 1 {
		cfg.DuplicateSimilarity = 0.92
	}
	if cfg.MinConfidence <= 0 || cfg.MinConfidence > 1 {
		cfg.MinConfidence = 0.6
	}
	return &Extractor{
		rules:         cfg.Rules,
		minConfidence: cfg.MinConfidence,
		dupSimilarity: cfg.DuplicateSimilarity,
	}
}

// MinConfidence is the threshold Filter applies when the caller has no
// override.
func (e *Extractor) MinConfidence() float64 { return e.minConfidence }

type ruleMatch struct {
	rule    int
	pos     int
	content string
	conf    float64
	typ     MemoryType
}

// Extract classifies text into candidates. Text that matches nothing yields
// an empty slice. Within a clause, the strongest match per type wins; across
// the turn, candidates with the same type and normalized content collapse to
// their maximum confidence.
func (e *Extractor) Extract(text string, turnNumber int) []Candidate {
	out := []Candidate{}
	seen := map[string]int{}

	for _, clause := range splitClauses(text) {
		best := map[MemoryType]ruleMatch{}
		var order []MemoryType
		var extra []ruleMatch

		for ri, r := range e.rules {
			if r.Unless != nil && r.Unless.MatchString(clause) {
				continue
			}
			limit := 1
			if r.EachMatch {
				limit = -1
			}
			for _, loc := range r.Pattern.FindAllStringSubmatchIndex(clause, limit) {
				content := renderContent(r, clause, loc)
				if content == "" {
					continue
				}
				m := ruleMatch{rule: ri, pos: loc[0], content: content, conf: r.Confidence, typ: r.Type}
				cur, ok := best[r.Type]
				switch {
				case !ok:
					best[r.Type] = m
					order = append(order, r.Type)
				case m.conf > cur.conf:
					best[r.Type] = m
				case r.EachMatch && ri == cur.rule:
					extra = append(extra, m)
				}
			}
		}

		matches := make([]ruleMatch, 0, len(order)+len(extra))
		for _, t := range order {
			matches = append(matches, best[t])
		}
		for _, m := range extra {
			if w := best[m.typ]; w.rule == m.rule {
				matches = append(matches, m)
			}
		}
		sort.SliceStable(matches, func(i, j int) bool {
			if matches[i].rule != matches[j].rule {
				return matches[i].rule < matches[j].rule
			}
			return matches[i].pos < matches[j].pos
		})

		for _, m := range matches {
			key := string(m.typ) + "|" + Normalize(m.content)
			if i, ok := seen[key]; ok {
				if m.conf > out[i].Confidence {
					out[i].Confidence = m.conf
				}
				continue
			}
			seen[key] = len(out)
			out = append(out, Candidate{Type: m.typ, Content: m.content, Confidence: m.conf, TurnNumber: turnNumber})
		}
	}
	return out
}

// Filter drops candidates below minConfidence. A negative threshold uses the
// extractor's configured default.
func (e *Extractor) Filter(candidates []Candidate, minConfidence float64) []Candidate {
	if minConfidence < 0 {
		minConfidence = e.minConfidence
	}
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Confidence >= minConfidence {
			out = append(out, c)
		}
	}
	return out
}

// Prepared is a candidate with its (optional) embedding, ready for
// deduplication and storage.
type Prepared struct {
	Candidate
	Embedding      []float32
	EmbeddingModel string
}

// DedupPlan is what the store has to do for a batch of candidates.
type DedupPlan struct {
	New        []Prepared
	Raises     []ConfidenceRaise
	Duplicates []Candidate
}

// Deduplicate checks candidates against the session's stored memories of the
// same type. A candidate is a duplicate when its normalized content equals an
// existing memory's, or when both carry embeddings from the same model, the
// similarity index is up, and their cosine similarity reaches the configured
// threshold. Duplicates never create records; they only raise the existing
// memory's confidence when theirs is higher.
func (e *Extractor) Deduplicate(ctx context.Context, r Reader, sessionID string, batch []Prepared) (DedupPlan, error) {
	plan := DedupPlan{}
	if len(batch) == 0 {
		return plan, nil
	}

	types := make([]MemoryType, 0, len(batch))
	seenType := map[MemoryType]bool{}
	for _, p := range batch {
		if !seenType[p.Type] {
			seenType[p.Type] = true
			types = append(types, p.Type)
		}
	}
	existing, err := r.GetBySession(ctx, sessionID, Filter{Types: types})
	if err != nil {
		return DedupPlan{}, fmt.Errorf("load memories for dedup: %w", err)
	}
	useVectors := r.SimilarityAvailable()

	raised := map[int64]int{}
	pending := map[string]int{}
	for _, p := range batch {
		key := string(p.Type) + "|" + Normalize(p.Content)
		if i, ok := pending[key]; ok {
			if p.Confidence > plan.New[i].Confidence {
				plan.New[i].Confidence = p.Confidence
			}
			plan.Duplicates = append(plan.Duplicates, p.Candidate)
			continue
		}

		dup := e.findDuplicate(p, existing, useVectors)
		if dup == nil {
			pending[key] = len(plan.New)
			plan.New = append(plan.New, p)
			continue
		}
		plan.Duplicates = append(plan.Duplicates, p.Candidate)
		if p.Confidence <= dup.Confidence {
			continue
		}
		if i, ok := raised[dup.ID]; ok {
			if p.Confidence > plan.Raises[i].Confidence {
				plan.Raises[i].Confidence = p.Confidence
			}
			continue
		}
		raised[dup.ID] = len(plan.Raises)
		plan.Raises = append(plan.Raises, ConfidenceRaise{MemoryID: dup.ID, Confidence: p.Confidence})
	}
	return plan, nil
}

func (e *Extractor) findDuplicate(p Prepared, existing []Memory, useVectors bool) *Memory {
	norm := Normalize(p.Content)
	var (
		best    *Memory
		bestSim float64
	)
	for i := range existing {
		m := &existing[i]
		if m.Type != p.Type {
			continue
		}
		if Normalize(m.Content) == norm {
			return m
		}
		if !useVectors || len(p.Embedding) == 0 || !m.HasEmbedding() || m.EmbeddingModel != p.EmbeddingModel {
			continue
		}
		if sim := CosineSimilarity(p.Embedding, m.Embedding); sim >= e.dupSimilarity && sim > bestSim {
			best, bestSim = m, sim
		}
	}
	return best
}

// Normalize reduces content to a comparison key: lowercase letter, mark and digit
// runs, in any script, separated by single spaces.
func Normalize(content string) string {
	s := strings.ToLower(content)
	s = nonAlnumRun.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func splitClauses(text string) []string {
	parts := clauseSplit.Split(text, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func renderContent(r Rule, clause string, loc []int) string {
	raw := string(r.Pattern.ExpandString(nil, r.Template, clause, loc))
	return cleanContent(raw)
}

func cleanContent(s string) string {
	s = spaceRun.ReplaceAllString(strings.TrimSpace(s), " ")
	for {
		trimmed := strings.TrimSpace(trailingNoise.ReplaceAllString(s, ""))
		if trimmed == s {
			break
		}
		s = trimmed
	}
	for _, rw := range personRewrites {
		s = rw.re.ReplaceAllString(s, rw.with)
	}
	if s == "" {
		return ""
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[size:]
}
