package domain

import "time"

// InboxItem is an answer awaiting the partner's reciprocal answer. The full
// question snapshot rides along so the recipient can render the same form the
// answerer saw.
type InboxItem struct {
	QuestionID string   `json:"questionId" dynamodbav:"questionId"`
	Question   Question `json:"question" dynamodbav:"question"`
	Answer     Answer   `json:"answer" dynamodbav:"answer"`
	AnsweredBy string   `json:"answeredBy" dynamodbav:"answeredBy"`
}

// PairedAnswer is the unlocked two-sided record for a question both users
// have answered. Exactly one exists per question id, shared by both users.
// Messages live in their own append-only items and are attached on read.
type PairedAnswer struct {
	QuestionID   string            `json:"questionId" dynamodbav:"questionId"`
	QuestionText string            `json:"questionText" dynamodbav:"questionText"`
	Answers      map[string]Answer `json:"answers" dynamodbav:"answers"`
	Messages     []ThreadMessage   `json:"messages" dynamodbav:"-"`
}

// ThreadMessage is one append-only chat message inside a PairedAnswer.
type ThreadMessage struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ViewedStatus records the thread length a user had seen when they last
// opened a paired answer. Absence means unviewed; it never gates behavior.
type ViewedStatus struct {
	QuestionID       string `json:"questionId"`
	LastMessageCount int    `json:"lastMessageCount"`
}

// EventKind labels a state-change notification.
type EventKind string

const (
	EventInboxUpdated    EventKind = "inbox_updated"
	EventAnswerPaired    EventKind = "answer_paired"
	EventMessageAppended EventKind = "message_appended"
	EventPoolExtended    EventKind = "pool_extended"
	EventViewedUpdated   EventKind = "viewed_updated"
)

// Event is published after a successful conversation mutation so connected
// clients can refresh the affected view without polling.
type Event struct {
	Kind       EventKind `json:"kind"`
	Users      []string  `json:"users"`
	QuestionID string    `json:"questionId,omitempty"`
}
