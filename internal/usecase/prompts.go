package usecase

import (
	"fmt"
	"strings"

	"duet-agent/internal/domain"
)

// archetypePrompt carries the system instruction and the per-count user
// instruction for one archetype. The user prompt pins the exact JSON shape
// the parser expects, so prompt and parser must change together.
type archetypePrompt struct {
	system     string
	format     string
	formatHint string
}

const promptPersona = "You are a creative conversationalist who crafts questions that reveal personality, spark debate, and make people think. Mix playful and profound topics; include relationship-focused questions occasionally but keep the variety wide."

var archetypePrompts = map[domain.Archetype]archetypePrompt{
	domain.ArchetypeYesNo: {
		system:     promptPersona + " Generate yes-or-no questions that can be answered with yes or no but spark conversation beyond that.",
		format:     `["question 1?", "question 2?"]`,
		formatHint: "a JSON array of question strings",
	},
	domain.ArchetypeMultipleChoice: {
		system:     promptPersona + " Generate multiple choice questions with 3-4 distinct options that reveal something meaningful about values, preferences, or perspectives.",
		format:     `[{"question": "text?", "options": ["opt1", "opt2", "opt3"]}]`,
		formatHint: "a JSON array of objects with question and options",
	},
	domain.ArchetypeRanking: {
		system:     promptPersona + " Generate ranking questions with 4-6 items to rank by preference, importance, or appeal, forcing interesting trade-offs.",
		format:     `[{"question": "Rank these by preference:", "items": ["item1", "item2", "item3", "item4"]}]`,
		formatHint: "a JSON array of objects with question and items",
	},
	domain.ArchetypeShortForm: {
		system:     promptPersona + " Generate questions that invite short, thoughtful 1-2 sentence answers about memories, opinions, favorites, and personal quirks.",
		format:     `[{"question": "What's your most controversial food opinion?"}]`,
		formatHint: "a JSON array of objects with question",
	},
	domain.ArchetypeLongForm: {
		system:     promptPersona + " Generate realistic story scenarios (6-10 sentences) about everyday conflicts and dilemmas, each followed by a question asking for the reader's take, in the style of advice-forum posts.",
		format:     `[{"scenario": "story description...", "question": "Was I wrong to do that?"}]`,
		formatHint: "a JSON array of objects with scenario and question",
	},
	domain.ArchetypeWouldYouRather: {
		system:     promptPersona + " Generate would-you-rather questions with two distinct options that create genuine dilemmas; both options should be appealing in different ways.",
		format:     `[{"question": "Would you rather...", "option1": "first choice", "option2": "second choice"}]`,
		formatHint: "a JSON array of objects with question, option1 and option2",
	},
	domain.ArchetypeHotTake: {
		system:     promptPersona + " Generate prompts asking for controversial, contrarian, or uniquely personal opinions; fun and judgment-free.",
		format:     `[{"question": "What's your most unpopular opinion about breakfast foods?"}]`,
		formatHint: "a JSON array of objects with question",
	},
	domain.ArchetypeThisOrThat: {
		system:     promptPersona + " Generate rapid-fire this-or-that questions: simple A vs B preference picks, punchy and fun.",
		format:     `[{"question": "This or that:", "option1": "option A", "option2": "option B"}]`,
		formatHint: "a JSON array of objects with question, option1 and option2",
	},
	domain.ArchetypeHypothetical: {
		system:     promptPersona + " Generate imaginative what-if questions and impossible scenarios: time travel, superpowers, alternate lives, unlimited resources.",
		format:     `[{"question": "If you could eliminate one minor inconvenience from existence, what would it be?"}]`,
		formatHint: "a JSON array of objects with question",
	},
}

// buildSingleMessages builds the two-message prompt for a single-archetype
// request.
func buildSingleMessages(archetype domain.Archetype, count int) []domain.LLMMessage {
	p := archetypePrompts[archetype]
	user := fmt.Sprintf(
		"Generate %d unique questions. Return ONLY %s in this exact format: %s. No other text, just the JSON.",
		count, p.formatHint, p.format,
	)
	return []domain.LLMMessage{
		{Role: "system", Content: p.system},
		{Role: "user", Content: user},
	}
}

// buildBatchMessages builds one prompt covering every requested archetype,
// instructing the model to return a single JSON object keyed by archetype
// id. One upstream call regardless of how many archetypes are requested.
func buildBatchMessages(counts map[domain.Archetype]int) []domain.LLMMessage {
	var sections []string
	for _, archetype := range domain.Archetypes() {
		n, ok := counts[archetype]
		if !ok || n == 0 {
			continue
		}
		p := archetypePrompts[archetype]
		sections = append(sections, fmt.Sprintf(
			"%q: %d questions as %s, e.g. %s. Guidance: %s",
			string(archetype), n, p.formatHint, p.format, p.system,
		))
	}
	user := fmt.Sprintf(
		"Generate questions for several categories at once. Return ONLY a single JSON object whose keys are the category ids below and whose values follow each category's format exactly. No other text.\n\n%s",
		strings.Join(sections, "\n\n"),
	)
	return []domain.LLMMessage{
		{Role: "system", Content: promptPersona},
		{Role: "user", Content: user},
	}
}
