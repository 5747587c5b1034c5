package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// AnswerKind tags the two answer shapes.
type AnswerKind string

const (
	AnswerKindText   AnswerKind = "text"
	AnswerKindChoice AnswerKind = "choice"
)

// Answer is the value a user supplies for a question. It is a tagged union:
// either free text, or a selected choice with an optional elaboration. On the
// wire a text answer is a bare JSON string and a choice answer is a
// {choice, elaboration?} object.
type Answer struct {
	Kind        AnswerKind `dynamodbav:"kind"`
	Text        string     `dynamodbav:"text,omitempty"`
	Choice      string     `dynamodbav:"choice,omitempty"`
	Elaboration string     `dynamodbav:"elaboration,omitempty"`
}

// TextAnswer builds a text-shaped answer.
func TextAnswer(text string) Answer {
	return Answer{Kind: AnswerKindText, Text: text}
}

// ChoiceAnswer builds a choice-shaped answer.
func ChoiceAnswer(choice, elaboration string) Answer {
	return Answer{Kind: AnswerKindChoice, Choice: choice, Elaboration: elaboration}
}

// Valid reports whether the answer carries actual content: non-blank text
// for text answers, a non-blank choice for choice answers.
func (a Answer) Valid() bool {
	switch a.Kind {
	case AnswerKindText:
		return strings.TrimSpace(a.Text) != ""
	case AnswerKindChoice:
		return strings.TrimSpace(a.Choice) != ""
	default:
		return false
	}
}

type choiceAnswerJSON struct {
	Choice      string `json:"choice"`
	Elaboration string `json:"elaboration,omitempty"`
}

func (a Answer) MarshalJSON() ([]byte, error) {
	switch a.Kind {
	case AnswerKindText:
		return json.Marshal(a.Text)
	case AnswerKindChoice:
		return json.Marshal(choiceAnswerJSON{Choice: a.Choice, Elaboration: a.Elaboration})
	default:
		return nil, fmt.Errorf("answer: unknown kind %q", a.Kind)
	}
}

func (a *Answer) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*a = TextAnswer(s)
		return nil
	}
	var obj choiceAnswerJSON
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("answer: neither string nor choice object: %w", err)
	}
	*a = ChoiceAnswer(obj.Choice, obj.Elaboration)
	return nil
}
