package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validQuestion(archetype Archetype) Question {
	q := Question{ID: "q-1", Type: archetype, Text: "some question?"}
	switch archetype {
	case ArchetypeMultipleChoice:
		q.Options = []string{"a", "b", "c"}
	case ArchetypeRanking:
		q.Items = []string{"a", "b", "c", "d"}
	case ArchetypeLongForm:
		q.Scenario = "a long story about a disagreement"
	case ArchetypeWouldYouRather, ArchetypeThisOrThat:
		q.Option1 = "first"
		q.Option2 = "second"
	}
	return q
}

func TestParseArchetype(t *testing.T) {
	for _, a := range Archetypes() {
		got, ok := ParseArchetype(string(a))
		require.True(t, ok)
		require.Equal(t, a, got)
	}

	got, ok := ParseArchetype("  yes_no  ")
	require.True(t, ok)
	require.Equal(t, ArchetypeYesNo, got)

	_, ok = ParseArchetype("trivia")
	require.False(t, ok)

	_, ok = ParseArchetype("")
	require.False(t, ok)
}

func TestArchetypes_CoversAllNineTypes(t *testing.T) {
	require.Len(t, Archetypes(), 9)
}

func TestQuestionValidate_AcceptsEveryArchetype(t *testing.T) {
	for _, a := range Archetypes() {
		require.NoError(t, validQuestion(a).Validate(), string(a))
	}
}

func TestQuestionValidate_RequiresIDAndText(t *testing.T) {
	q := validQuestion(ArchetypeYesNo)
	q.ID = " "
	require.Error(t, q.Validate())

	q = validQuestion(ArchetypeYesNo)
	q.Text = ""
	require.Error(t, q.Validate())
}

func TestQuestionValidate_ArchetypeRequirements(t *testing.T) {
	q := validQuestion(ArchetypeMultipleChoice)
	q.Options = []string{"only one"}
	require.Error(t, q.Validate())

	q = validQuestion(ArchetypeRanking)
	q.Items = []string{"a", "b"}
	require.Error(t, q.Validate())

	q = validQuestion(ArchetypeLongForm)
	q.Scenario = "  "
	require.Error(t, q.Validate())

	q = validQuestion(ArchetypeWouldYouRather)
	q.Option2 = ""
	require.Error(t, q.Validate())

	q = validQuestion(ArchetypeThisOrThat)
	q.Option1 = " "
	require.Error(t, q.Validate())

	q = validQuestion(ArchetypeYesNo)
	q.Type = "trivia"
	require.Error(t, q.Validate())
}
