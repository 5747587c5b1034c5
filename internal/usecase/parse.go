package usecase

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"duet-agent/internal/domain"
)

// GeneratedQuestion is one parsed upstream question. Only the fields for its
// archetype are populated.
type GeneratedQuestion struct {
	Question string   `json:"question,omitempty"`
	Options  []string `json:"options,omitempty"`
	Items    []string `json:"items,omitempty"`
	Option1  string   `json:"option1,omitempty"`
	Option2  string   `json:"option2,omitempty"`
	Scenario string   `json:"scenario,omitempty"`
}

// ArchetypeQuestions holds the parsed questions for one archetype and
// marshals back to that archetype's wire shape: a bare string array for
// yes_no, an object array for everything else.
type ArchetypeQuestions struct {
	Type      domain.Archetype
	YesNo     []string
	Questions []GeneratedQuestion
}

func (a ArchetypeQuestions) Len() int {
	if a.Type == domain.ArchetypeYesNo {
		return len(a.YesNo)
	}
	return len(a.Questions)
}

func (a ArchetypeQuestions) MarshalJSON() ([]byte, error) {
	if a.Type == domain.ArchetypeYesNo {
		return json.Marshal(a.YesNo)
	}
	return json.Marshal(a.Questions)
}

// decodeStrict decodes raw as exactly one JSON value of type T, rejecting
// unknown object fields and trailing data.
func decodeStrict[T any](raw []byte) (T, error) {
	var out T
	dec := json.NewDecoder(bytes.NewReader(bytes.TrimSpace(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		var zero T
		return zero, err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		var zero T
		if err == nil {
			return zero, errors.New("multiple JSON values")
		}
		return zero, fmt.Errorf("trailing data: %w", err)
	}
	return out, nil
}

type questionOnlyJSON struct {
	Question string `json:"question"`
}

type questionOptionsJSON struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

type questionItemsJSON struct {
	Question string   `json:"question"`
	Items    []string `json:"items"`
}

type scenarioQuestionJSON struct {
	Scenario string `json:"scenario"`
	Question string `json:"question"`
}

type forcedPickJSON struct {
	Question string `json:"question"`
	Option1  string `json:"option1"`
	Option2  string `json:"option2"`
}

// parseArchetypePayload validates one archetype's array against its required
// shape. Any violation is fatal for the call; nothing is repaired or
// fabricated.
func parseArchetypePayload(archetype domain.Archetype, raw []byte) (ArchetypeQuestions, error) {
	out := ArchetypeQuestions{Type: archetype}
	switch archetype {
	case domain.ArchetypeYesNo:
		qs, err := decodeStrict[[]string](raw)
		if err != nil {
			return out, fmt.Errorf("%s: %w", archetype, err)
		}
		for i, q := range qs {
			if strings.TrimSpace(q) == "" {
				return out, fmt.Errorf("%s: question %d is empty", archetype, i)
			}
		}
		out.YesNo = qs

	case domain.ArchetypeShortForm, domain.ArchetypeHotTake, domain.ArchetypeHypothetical:
		qs, err := decodeStrict[[]questionOnlyJSON](raw)
		if err != nil {
			return out, fmt.Errorf("%s: %w", archetype, err)
		}
		for i, q := range qs {
			if strings.TrimSpace(q.Question) == "" {
				return out, fmt.Errorf("%s: question %d is empty", archetype, i)
			}
			out.Questions = append(out.Questions, GeneratedQuestion{Question: q.Question})
		}

	case domain.ArchetypeMultipleChoice:
		qs, err := decodeStrict[[]questionOptionsJSON](raw)
		if err != nil {
			return out, fmt.Errorf("%s: %w", archetype, err)
		}
		for i, q := range qs {
			if strings.TrimSpace(q.Question) == "" {
				return out, fmt.Errorf("%s: question %d is empty", archetype, i)
			}
			if len(q.Options) < 2 {
				return out, fmt.Errorf("%s: question %d has fewer than 2 options", archetype, i)
			}
			out.Questions = append(out.Questions, GeneratedQuestion{Question: q.Question, Options: q.Options})
		}

	case domain.ArchetypeRanking:
		qs, err := decodeStrict[[]questionItemsJSON](raw)
		if err != nil {
			return out, fmt.Errorf("%s: %w", archetype, err)
		}
		for i, q := range qs {
			if strings.TrimSpace(q.Question) == "" {
				return out, fmt.Errorf("%s: question %d is empty", archetype, i)
			}
			if len(q.Items) < 3 {
				return out, fmt.Errorf("%s: question %d has fewer than 3 items", archetype, i)
			}
			out.Questions = append(out.Questions, GeneratedQuestion{Question: q.Question, Items: q.Items})
		}

	case domain.ArchetypeLongForm:
		qs, err := decodeStrict[[]scenarioQuestionJSON](raw)
		if err != nil {
			return out, fmt.Errorf("%s: %w", archetype, err)
		}
		for i, q := range qs {
			if strings.TrimSpace(q.Question) == "" || strings.TrimSpace(q.Scenario) == "" {
				return out, fmt.Errorf("%s: entry %d is missing scenario or question", archetype, i)
			}
			out.Questions = append(out.Questions, GeneratedQuestion{Question: q.Question, Scenario: q.Scenario})
		}

	case domain.ArchetypeWouldYouRather, domain.ArchetypeThisOrThat:
		qs, err := decodeStrict[[]forcedPickJSON](raw)
		if err != nil {
			return out, fmt.Errorf("%s: %w", archetype, err)
		}
		for i, q := range qs {
			if strings.TrimSpace(q.Question) == "" {
				return out, fmt.Errorf("%s: question %d is empty", archetype, i)
			}
			if strings.TrimSpace(q.Option1) == "" || strings.TrimSpace(q.Option2) == "" {
				return out, fmt.Errorf("%s: question %d is missing option1 or option2", archetype, i)
			}
			out.Questions = append(out.Questions, GeneratedQuestion{Question: q.Question, Option1: q.Option1, Option2: q.Option2})
		}

	default:
		return out, fmt.Errorf("unknown archetype %q", archetype)
	}

	if out.Len() == 0 {
		return out, fmt.Errorf("%s: empty question array", archetype)
	}
	return out, nil
}

// parseSingleResponse parses the model text for a single-archetype request.
func parseSingleResponse(archetype domain.Archetype, content string) (ArchetypeQuestions, error) {
	return parseArchetypePayload(archetype, []byte(content))
}

// parseBatchResponse parses the model text for a batch request: one JSON
// object keyed by archetype id, every requested archetype present, nothing
// extra.
func parseBatchResponse(counts map[domain.Archetype]int, content string) (map[domain.Archetype]ArchetypeQuestions, error) {
	byKey, err := decodeStrict[map[string]json.RawMessage]([]byte(content))
	if err != nil {
		return nil, fmt.Errorf("batch object: %w", err)
	}
	for key := range byKey {
		archetype, ok := domain.ParseArchetype(key)
		if !ok || counts[archetype] == 0 {
			return nil, fmt.Errorf("batch object: unexpected key %q", key)
		}
	}
	out := make(map[domain.Archetype]ArchetypeQuestions, len(counts))
	for archetype, n := range counts {
		if n == 0 {
			continue
		}
		raw, ok := byKey[string(archetype)]
		if !ok {
			return nil, fmt.Errorf("batch object: missing key %q", archetype)
		}
		parsed, err := parseArchetypePayload(archetype, raw)
		if err != nil {
			return nil, err
		}
		out[archetype] = parsed
	}
	return out, nil
}
