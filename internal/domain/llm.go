package domain

// LLMMessage is the provider-agnostic chat message shape sent to the
// upstream completion API.
type LLMMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
