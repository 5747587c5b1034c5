package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Archetype identifies one of the supported question types. The set is
// closed: validation, prompt building and response parsing all switch
// exhaustively on it, so adding an archetype is a compile-visible change.
type Archetype string

const (
	ArchetypeYesNo          Archetype = "yes_no"
	ArchetypeMultipleChoice Archetype = "multiple_choice"
	ArchetypeRanking        Archetype = "ranking"
	ArchetypeShortForm      Archetype = "short_form"
	ArchetypeLongForm       Archetype = "long_form"
	ArchetypeWouldYouRather Archetype = "would_you_rather"
	ArchetypeHotTake        Archetype = "hot_take"
	ArchetypeThisOrThat     Archetype = "this_or_that"
	ArchetypeHypothetical   Archetype = "hypothetical"
)

// Archetypes returns all archetypes in canonical order. Batch prompts and
// batch responses iterate in this order so output is deterministic.
func Archetypes() []Archetype {
	return []Archetype{
		ArchetypeYesNo,
		ArchetypeMultipleChoice,
		ArchetypeRanking,
		ArchetypeShortForm,
		ArchetypeLongForm,
		ArchetypeWouldYouRather,
		ArchetypeHotTake,
		ArchetypeThisOrThat,
		ArchetypeHypothetical,
	}
}

// ParseArchetype maps a wire string to an Archetype.
func ParseArchetype(s string) (Archetype, bool) {
	a := Archetype(strings.TrimSpace(s))
	for _, known := range Archetypes() {
		if a == known {
			return a, true
		}
	}
	return "", false
}

const (
	minChoiceOptions = 2
	minRankingItems  = 3
)

// Question is a single conversation prompt. Immutable once created; the
// archetype decides which of the optional fields must be set.
type Question struct {
	ID       string    `json:"id" dynamodbav:"id"`
	Type     Archetype `json:"type" dynamodbav:"type"`
	Text     string    `json:"text" dynamodbav:"text"`
	Options  []string  `json:"options,omitempty" dynamodbav:"options,omitempty"`
	Items    []string  `json:"items,omitempty" dynamodbav:"items,omitempty"`
	Option1  string    `json:"option1,omitempty" dynamodbav:"option1,omitempty"`
	Option2  string    `json:"option2,omitempty" dynamodbav:"option2,omitempty"`
	Scenario string    `json:"scenario,omitempty" dynamodbav:"scenario,omitempty"`
}

// Validate checks the archetype-dependent field requirements.
func (q Question) Validate() error {
	if strings.TrimSpace(q.ID) == "" {
		return errors.New("question: id is required")
	}
	if strings.TrimSpace(q.Text) == "" {
		return errors.New("question: text is required")
	}
	switch q.Type {
	case ArchetypeYesNo, ArchetypeShortForm, ArchetypeHotTake, ArchetypeHypothetical:
		return nil
	case ArchetypeMultipleChoice:
		if len(q.Options) < minChoiceOptions {
			return fmt.Errorf("question: multiple_choice needs at least %d options", minChoiceOptions)
		}
	case ArchetypeRanking:
		if len(q.Items) < minRankingItems {
			return fmt.Errorf("question: ranking needs at least %d items", minRankingItems)
		}
	case ArchetypeLongForm:
		if strings.TrimSpace(q.Scenario) == "" {
			return errors.New("question: long_form needs a scenario")
		}
	case ArchetypeWouldYouRather, ArchetypeThisOrThat:
		if strings.TrimSpace(q.Option1) == "" || strings.TrimSpace(q.Option2) == "" {
			return errors.New("question: forced-pick needs option1 and option2")
		}
	default:
		return fmt.Errorf("question: unknown type %q", q.Type)
	}
	return nil
}
