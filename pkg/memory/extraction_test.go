package memory

import (
	"context"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candidatesOfType(cs []Candidate, t MemoryType) []Candidate {
	out := []Candidate{}
	for _, c := range cs {
		if c.Type == t {
			out = append(out, c)
		}
	}
	return out
}

func TestExtract_PreferredLanguage(t *testing.T) {
	e := NewExtractor(DefaultExtractorConfig())
	got := e.Extract("My preferred language is Kannada", 1)

	prefs := candidatesOfType(got, TypePreference)
	require.Len(t, prefs, 1)
	assert.GreaterOrEqual(t, prefs[0].Confidence, 0.8)
	assert.Contains(t, prefs[0].Content, "Kannada")
	assert.Equal(t, 1, prefs[0].TurnNumber)

	// The generic possessive rule stands down for preferences.
	assert.Empty(t, candidatesOfType(got, TypeFact))
}

func TestExtract_TakesMaxConfidencePerType(t *testing.T) {
	e := NewExtractor(DefaultExtractorConfig())
	got := e.Extract("I am only available after 11 AM", 4)

	cons := candidatesOfType(got, TypeConstraint)
	require.Len(t, cons, 1, "overlapping constraint rules collapse to one candidate")
	assert.InDelta(t, 0.85, cons[0].Confidence, 1e-9, "confidence is the max of matching rules, not their sum")
	assert.Equal(t, "User is only available after 11 AM", cons[0].Content)
}

func TestExtract_MultipleTypesFromOneTurn(t *testing.T) {
	e := NewExtractor(DefaultExtractorConfig())
	got := e.Extract("My name is Asha. I live in Mysore and I prefer tea. Remind me to call Ravi tomorrow.", 2)

	types := map[MemoryType]bool{}
	for _, c := range got {
		types[c.Type] = true
	}
	for _, want := range []MemoryType{TypeFact, TypePreference, TypeCommitment, TypeEntity} {
		assert.True(t, types[want], "expected a %s candidate in %+v", want, got)
	}

	facts := candidatesOfType(got, TypeFact)
	require.NotEmpty(t, facts)
	assert.Equal(t, "User's name is Asha", facts[0].Content)
	assert.InDelta(t, 0.9, facts[0].Confidence, 1e-9)

	commits := candidatesOfType(got, TypeCommitment)
	require.Len(t, commits, 1)
	assert.Equal(t, "Reminder requested: call Ravi tomorrow", commits[0].Content)
}

func TestExtract_FollowUpRequest(t *testing.T) {
	e := NewExtractor(DefaultExtractorConfig())
	got := e.Extract("Can you call me tomorrow?", 937)

	commits := candidatesOfType(got, TypeCommitment)
	require.Len(t, commits, 1)
	assert.Equal(t, "Assistant to call user tomorrow", commits[0].Content)
	assert.Empty(t, candidatesOfType(got, TypePreference), "call me <lowercase word> is not a name")
}

func TestExtract_RewritesFirstPerson(t *testing.T) {
	e := NewExtractor(DefaultExtractorConfig())
	got := e.Extract("I prefer my coffee black", 1)

	prefs := candidatesOfType(got, TypePreference)
	require.Len(t, prefs, 1)
	assert.Equal(t, "User prefers their coffee black", prefs[0].Content)
}

func TestExtract_EntitiesKeepEveryMention(t *testing.T) {
	e := NewExtractor(DefaultExtractorConfig())
	got := e.Extract("we met with Priya and Rahul in New Delhi", 1)

	var names []string
	for _, c := range candidatesOfType(got, TypeEntity) {
		names = append(names, c.Content)
	}
	assert.ElementsMatch(t, []string{"Mentioned: Priya", "Mentioned: Rahul", "Mentioned: New Delhi"}, names)
}

func TestExtract_StandingInstructions(t *testing.T) {
	e := NewExtractor(DefaultExtractorConfig())

	cases := []struct {
		text string
		want string
	}{
		{"Please respond in Kannada", "Respond in Kannada"},
		{"From now on, keep answers short", "Standing instruction: keep answers short"},
		{"Always include the source", "Standing instruction: Always include the source"},
		{"Don't use emojis", "Do not use emojis"},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			got := candidatesOfType(e.Extract(tc.text, 1), TypeInstruction)
			require.Len(t, got, 1, "%+v", got)
			assert.Equal(t, tc.want, got[0].Content)
		})
	}

	// "I never" is about the user, not an instruction.
	assert.Empty(t, candidatesOfType(e.Extract("I never drink coffee", 1), TypeInstruction))
}

func TestExtract_UnclassifiableTextYieldsNothing(t *testing.T) {
	e := NewExtractor(DefaultExtractorConfig())
	for _, text := range []string{"", "   ", "hello there", "ok thanks"} {
		got := e.Extract(text, 1)
		assert.NotNil(t, got)
		assert.Empty(t, got, "text %q", text)
	}
}

func TestExtract_SameFactTwiceInOneTurnMerges(t *testing.T) {
	e := NewExtractor(DefaultExtractorConfig())
	got := e.Extract("My favorite language is Kannada. My preferred language is Kannada!", 1)

	prefs := candidatesOfType(got, TypePreference)
	require.Len(t, prefs, 1)
	assert.InDelta(t, 0.9, prefs[0].Confidence, 1e-9)
}

func TestExtract_CustomRules(t *testing.T) {
	e := NewExtractor(ExtractorConfig{
		Rules: []Rule{{
			Name:       "ticket",
			Type:       TypeEntity,
			Pattern:    regexp.MustCompile(`\b([A-Z]+-\d+)\b`),
			Confidence: 0.95,
			Template:   "Ticket $1",
		}},
	})
	got := e.Extract("please look at OPS-42", 1)
	require.Len(t, got, 1)
	assert.Equal(t, "Ticket OPS-42", got[0].Content)
	assert.Equal(t, 0.6, e.MinConfidence())
}

func TestFilter(t *testing.T) {
	e := NewExtractor(DefaultExtractorConfig())
	in := []Candidate{
		{Type: TypeEntity, Content: "a", Confidence: 0.5},
		{Type: TypeEntity, Content: "b", Confidence: 0.6},
		{Type: TypeFact, Content: "c", Confidence: 0.9},
	}
	assert.Len(t, e.Filter(in, -1), 2, "negative threshold uses the configured default")
	assert.Len(t, e.Filter(in, 0.8), 1)
	assert.Len(t, e.Filter(in, 0), 3)
	assert.Empty(t, e.Filter(nil, 0.1))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "user s preferred language is kannada", Normalize("  User's preferred   language is KANNADA! "))
	assert.Equal(t, Normalize("User likes tea."), Normalize("user likes tea"))
	assert.Equal(t, "", Normalize("?!"))
}

func TestNormalize_KeepsNonLatinScripts(t *testing.T) {
	assert.Equal(t, "user s preferred language is ಕನ್ನಡ", Normalize("User's preferred language is ಕನ್ನಡ."))
	assert.NotEqual(t, Normalize("User's preferred language is ಕನ್ನಡ"), Normalize("User's preferred language is हिन्दी"))
	assert.Equal(t, "हिन्दी", Normalize(" हिन्दी! "), "combining marks stay inside the word")
	assert.Equal(t, Normalize("Ünïcode café"), Normalize("ÜNÏCODE CAFÉ!"))
}

func TestExtract_DistinctNonLatinFactsInOneTurn(t *testing.T) {
	e := NewExtractor(DefaultExtractorConfig())
	got := e.Extract("My preferred language is ಕನ್ನಡ. My preferred language is हिन्दी", 1)

	prefs := candidatesOfType(got, TypePreference)
	require.Len(t, prefs, 2, "facts differing only in non-Latin text are not merged: %+v", got)
	assert.Contains(t, prefs[0].Content, "ಕನ್ನಡ")
	assert.Contains(t, prefs[1].Content, "हिन्दी")
}

func TestDeduplicate_DistinctNonLatinFactsAcrossTurns(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, false)
	e := NewExtractor(DefaultExtractorConfig())

	first := candidatesOfType(e.Extract("My preferred language is ಕನ್ನಡ", 1), TypePreference)
	require.Len(t, first, 1)
	_, err := s.CommitTurn(ctx, "s1", 1, []Memory{
		{SessionID: "s1", TurnNumber: 1, Type: TypePreference, Content: first[0].Content, Confidence: first[0].Confidence},
	}, nil)
	require.NoError(t, err)

	second := candidatesOfType(e.Extract("My preferred language is हिन्दी", 2), TypePreference)
	require.Len(t, second, 1)
	plan, err := e.Deduplicate(ctx, s, "s1", []Prepared{{Candidate: second[0]}})
	require.NoError(t, err)
	assert.Empty(t, plan.Duplicates)
	assert.Empty(t, plan.Raises)
	require.Len(t, plan.New, 1)
	assert.Contains(t, plan.New[0].Content, "हिन्दी")

	// The same non-Latin fact again is still a duplicate.
	plan, err = e.Deduplicate(ctx, s, "s1", []Prepared{{Candidate: first[0]}})
	require.NoError(t, err)
	assert.Empty(t, plan.New)
	assert.Len(t, plan.Duplicates, 1)
}

func TestExtract_DietWithArticle(t *testing.T) {
	e := NewExtractor(DefaultExtractorConfig())
	for _, msg := range []string{"I am a vegetarian", "I'm a vegan", "I am vegetarian"} {
		cons := candidatesOfType(e.Extract(msg, 1), TypeConstraint)
		require.Len(t, cons, 1, msg)
		assert.InDelta(t, 0.85, cons[0].Confidence, 1e-9, msg)
		assert.NotContains(t, cons[0].Content, " a ", msg)
	}
}

func TestDeduplicate_RaisesToMaxConfidence(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, false)
	e := NewExtractor(DefaultExtractorConfig())

	stored, err := s.CommitTurn(ctx, "s1", 1, []Memory{
		{SessionID: "s1", TurnNumber: 1, Type: TypePreference, Content: "User likes tea", Confidence: 0.7},
	}, nil)
	require.NoError(t, err)
	id := stored[0].ID

	plan, err := e.Deduplicate(ctx, s, "s1", []Prepared{
		{Candidate: Candidate{Type: TypePreference, Content: "user likes TEA.", Confidence: 0.85}},
		{Candidate: Candidate{Type: TypePreference, Content: "User likes tea", Confidence: 0.8}},
		{Candidate: Candidate{Type: TypeFact, Content: "User likes tea", Confidence: 0.9}},
	})
	require.NoError(t, err)
	require.Len(t, plan.Raises, 1)
	assert.Equal(t, ConfidenceRaise{MemoryID: id, Confidence: 0.85}, plan.Raises[0])
	assert.Len(t, plan.Duplicates, 2)
	require.Len(t, plan.New, 1, "same text under another type is a different memory")
	assert.Equal(t, TypeFact, plan.New[0].Type)

	// A lower confidence duplicate changes nothing.
	plan, err = e.Deduplicate(ctx, s, "s1", []Prepared{
		{Candidate: Candidate{Type: TypePreference, Content: "User likes tea", Confidence: 0.5}},
	})
	require.NoError(t, err)
	assert.Empty(t, plan.Raises)
	assert.Empty(t, plan.New)
	assert.Len(t, plan.Duplicates, 1)
}

func TestDeduplicate_MergesWithinBatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, false)
	e := NewExtractor(DefaultExtractorConfig())

	plan, err := e.Deduplicate(ctx, s, "s1", []Prepared{
		{Candidate: Candidate{Type: TypeFact, Content: "User lives in Mysore", Confidence: 0.7}},
		{Candidate: Candidate{Type: TypeFact, Content: "user lives in mysore", Confidence: 0.8}},
	})
	require.NoError(t, err)
	require.Len(t, plan.New, 1)
	assert.InDelta(t, 0.8, plan.New[0].Confidence, 1e-9)
}

func TestDeduplicate_UsesVectorsOnlyWhenIndexAvailable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, true)
	e := NewExtractor(DefaultExtractorConfig())

	vec := embedFor(t, "User lives in Mysore")
	_, err := s.CommitTurn(ctx, "s1", 1, []Memory{
		{SessionID: "s1", TurnNumber: 1, Type: TypeFact, Content: "User lives in Mysore", Confidence: 0.7,
			Embedding: vec, EmbeddingModel: ChargramModelID},
	}, nil)
	require.NoError(t, err)

	paraphrase := Prepared{
		Candidate:      Candidate{Type: TypeFact, Content: "User resides in Mysuru", Confidence: 0.8},
		Embedding:      vec,
		EmbeddingModel: ChargramModelID,
	}
	plan, err := e.Deduplicate(ctx, s, "s1", []Prepared{paraphrase})
	require.NoError(t, err)
	assert.Empty(t, plan.New)
	require.Len(t, plan.Raises, 1)

	// A vector from another model is never compared.
	other := paraphrase
	other.EmbeddingModel = HashModelID
	plan, err = e.Deduplicate(ctx, s, "s1", []Prepared{other})
	require.NoError(t, err)
	assert.Len(t, plan.New, 1)

	s.Index().Disable()
	plan, err = e.Deduplicate(ctx, s, "s1", []Prepared{paraphrase})
	require.NoError(t, err)
	assert.Len(t, plan.New, 1, "without the index only normalized text decides")
}

func TestDefaultRulesAreWellFormed(t *testing.T) {
	seen := map[string]bool{}
	for _, r := range DefaultRules() {
		assert.False(t, seen[r.Name], "duplicate rule name %s", r.Name)
		seen[r.Name] = true
		assert.True(t, r.Type.Valid(), r.Name)
		assert.True(t, r.Confidence > 0 && r.Confidence <= 1, r.Name)
		assert.NotNil(t, r.Pattern, r.Name)
		assert.True(t, strings.Contains(r.Template, "$"), "%s template uses no submatch", r.Name)
	}
}
