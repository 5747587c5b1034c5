package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"duet-agent/internal/domain"
	"duet-agent/internal/repository"
)

// ConversationState is the shared-state backend consumed by the
// conversation service. *repository.Store satisfies it.
type ConversationState interface {
	GetCursor(ctx context.Context, user string) (int, error)
	AdvanceCursor(ctx context.Context, user string) (int, error)
	AppendQuestions(ctx context.Context, questions []domain.Question) error
	QuestionPool(ctx context.Context) ([]domain.Question, error)
	PutInboxItem(ctx context.Context, recipient string, item domain.InboxItem) error
	GetInboxItem(ctx context.Context, user, questionID string) (domain.InboxItem, bool, error)
	DeleteInboxItem(ctx context.Context, user, questionID string) error
	ListInbox(ctx context.Context, user string) ([]domain.InboxItem, error)
	CreatePairAndClearInbox(ctx context.Context, pair domain.PairedAnswer, recipient string) error
	GetPairedAnswer(ctx context.Context, questionID string) (domain.PairedAnswer, bool, error)
	ListPairedAnswers(ctx context.Context) ([]domain.PairedAnswer, error)
	AppendThreadMessage(ctx context.Context, questionID string, msg domain.ThreadMessage) error
	ListThreadMessages(ctx context.Context, questionID string) ([]domain.ThreadMessage, error)
	PutViewedStatus(ctx context.Context, user, questionID string, lastMessageCount int) error
	ListViewedStatuses(ctx context.Context, user string) ([]domain.ViewedStatus, error)
}

// Publisher receives state-change events after successful mutations. The dev
// server fans them out over WebSocket; the Lambda runs without one.
type Publisher interface {
	Publish(event domain.Event)
}

// PairedAnswerView is a PairedAnswer with messages attached and the
// requesting user's unread count derived from their viewed marker.
type PairedAnswerView struct {
	domain.PairedAnswer
	Unread int `json:"unread"`
}

// ConversationService owns the answer-routing lifecycle between the two
// users: question -> answer -> partner inbox -> reciprocal answer -> shared
// paired record -> chat thread.
type ConversationService struct {
	state  ConversationState
	userA  string
	userB  string
	events Publisher
	now    func() time.Time
}

func NewConversationService(state ConversationState, userA, userB string, events Publisher) (*ConversationService, error) {
	if state == nil {
		return nil, errors.New("usecase: conversation state must not be nil")
	}
	userA = strings.TrimSpace(userA)
	userB = strings.TrimSpace(userB)
	if userA == "" || userB == "" {
		return nil, errors.New("usecase: both user names are required")
	}
	if userA == userB {
		return nil, errors.New("usecase: the two users must be distinct")
	}
	return &ConversationService{
		state:  state,
		userA:  userA,
		userB:  userB,
		events: events,
		now:    time.Now,
	}, nil
}

// Users returns the two configured user identities.
func (s *ConversationService) Users() (string, string) {
	return s.userA, s.userB
}

func (s *ConversationService) partnerOf(user string) (string, error) {
	switch user {
	case s.userA:
		return s.userB, nil
	case s.userB:
		return s.userA, nil
	default:
		return "", newError(ErrorInvalidInput, "unknown_user", fmt.Errorf("user %q is not part of this pair", user))
	}
}

func (s *ConversationService) publish(event domain.Event) {
	if s.events != nil {
		s.events.Publish(event)
	}
}

// AnswerQuestion records the caller's answer to a pool question: the answer
// lands in the partner's inbox (never the caller's) and the caller's cursor
// moves forward by one.
func (s *ConversationService) AnswerQuestion(ctx context.Context, user string, question domain.Question, answer domain.Answer) error {
	partner, err := s.partnerOf(user)
	if err != nil {
		return err
	}
	if err := question.Validate(); err != nil {
		return newError(ErrorInvalidInput, "invalid_question", err)
	}
	if !answer.Valid() {
		return newError(ErrorInvalidInput, "empty_answer", nil)
	}

	item := domain.InboxItem{
		QuestionID: question.ID,
		Question:   question,
		Answer:     answer,
		AnsweredBy: user,
	}
	if err := s.state.PutInboxItem(ctx, partner, item); err != nil {
		return newError(ErrorInternal, "inbox_write_error", err)
	}
	if _, err := s.state.AdvanceCursor(ctx, user); err != nil {
		return newError(ErrorInternal, "cursor_write_error", err)
	}

	s.publish(domain.Event{Kind: domain.EventInboxUpdated, Users: []string{partner}, QuestionID: question.ID})
	return nil
}

// SkipQuestion advances the caller's cursor without recording anything.
// Skipped questions are never revisited through this path.
func (s *ConversationService) SkipQuestion(ctx context.Context, user string) error {
	if _, err := s.partnerOf(user); err != nil {
		return err
	}
	if _, err := s.state.AdvanceCursor(ctx, user); err != nil {
		return newError(ErrorInternal, "cursor_write_error", err)
	}
	return nil
}

// AnswerInboxQuestion answers a partner-submitted question from the caller's
// inbox: the inbox item is consumed and a shared PairedAnswer is created
// holding both answers with an empty thread. Answering the same question id
// twice never produces a second pair.
func (s *ConversationService) AnswerInboxQuestion(ctx context.Context, user, questionID string, answer domain.Answer) (domain.PairedAnswer, error) {
	if _, err := s.partnerOf(user); err != nil {
		return domain.PairedAnswer{}, err
	}
	if !answer.Valid() {
		return domain.PairedAnswer{}, newError(ErrorInvalidInput, "empty_answer", nil)
	}

	item, ok, err := s.state.GetInboxItem(ctx, user, questionID)
	if err != nil {
		return domain.PairedAnswer{}, newError(ErrorInternal, "inbox_read_error", err)
	}
	if !ok {
		return domain.PairedAnswer{}, newError(ErrorNotFound, "inbox_item_not_found", nil)
	}

	pair := domain.PairedAnswer{
		QuestionID:   item.QuestionID,
		QuestionText: item.Question.Text,
		Answers: map[string]domain.Answer{
			item.AnsweredBy: item.Answer,
			user:            answer,
		},
	}

	err = s.state.CreatePairAndClearInbox(ctx, pair, user)
	switch {
	case errors.Is(err, repository.ErrPairExists):
		// A stale inbox read raced an earlier pairing. Keep the existing
		// pair untouched and only clear the leftover inbox item.
		if delErr := s.state.DeleteInboxItem(ctx, user, questionID); delErr != nil {
			return domain.PairedAnswer{}, newError(ErrorInternal, "inbox_write_error", delErr)
		}
		existing, found, getErr := s.state.GetPairedAnswer(ctx, questionID)
		if getErr != nil {
			return domain.PairedAnswer{}, newError(ErrorInternal, "pair_read_error", getErr)
		}
		if found {
			pair = existing
		}
	case err != nil:
		return domain.PairedAnswer{}, newError(ErrorInternal, "pair_write_error", err)
	}

	s.publish(domain.Event{Kind: domain.EventAnswerPaired, Users: []string{s.userA, s.userB}, QuestionID: questionID})
	return pair, nil
}

// SendMessage appends a chat message to an unlocked pair's thread.
func (s *ConversationService) SendMessage(ctx context.Context, user, questionID, text string) (domain.ThreadMessage, error) {
	if _, err := s.partnerOf(user); err != nil {
		return domain.ThreadMessage{}, err
	}
	if strings.TrimSpace(text) == "" {
		return domain.ThreadMessage{}, newError(ErrorInvalidInput, "empty_message", nil)
	}

	_, ok, err := s.state.GetPairedAnswer(ctx, questionID)
	if err != nil {
		return domain.ThreadMessage{}, newError(ErrorInternal, "pair_read_error", err)
	}
	if !ok {
		return domain.ThreadMessage{}, newError(ErrorNotFound, "pair_not_found", nil)
	}

	msg := domain.ThreadMessage{
		ID:        newUUID(),
		Author:    user,
		Text:      text,
		Timestamp: s.now().UTC(),
	}
	if err := s.state.AppendThreadMessage(ctx, questionID, msg); err != nil {
		return domain.ThreadMessage{}, newError(ErrorInternal, "thread_write_error", err)
	}

	s.publish(domain.Event{Kind: domain.EventMessageAppended, Users: []string{s.userA, s.userB}, QuestionID: questionID})
	return msg, nil
}

// MarkAnswerAsViewed records the current thread length as seen by the
// caller. Purely for unread derivation; never gates other operations.
func (s *ConversationService) MarkAnswerAsViewed(ctx context.Context, user, questionID string) error {
	if _, err := s.partnerOf(user); err != nil {
		return err
	}
	_, ok, err := s.state.GetPairedAnswer(ctx, questionID)
	if err != nil {
		return newError(ErrorInternal, "pair_read_error", err)
	}
	if !ok {
		return newError(ErrorNotFound, "pair_not_found", nil)
	}
	msgs, err := s.state.ListThreadMessages(ctx, questionID)
	if err != nil {
		return newError(ErrorInternal, "thread_read_error", err)
	}
	if err := s.state.PutViewedStatus(ctx, user, questionID, len(msgs)); err != nil {
		return newError(ErrorInternal, "viewed_write_error", err)
	}
	s.publish(domain.Event{Kind: domain.EventViewedUpdated, Users: []string{user}, QuestionID: questionID})
	return nil
}

// CurrentQuestion returns the question at the caller's cursor. The second
// return is false once the cursor is past the end of the pool, which tells
// the caller to request more questions from the generation gateway.
func (s *ConversationService) CurrentQuestion(ctx context.Context, user string) (domain.Question, bool, error) {
	if _, err := s.partnerOf(user); err != nil {
		return domain.Question{}, false, err
	}
	cursor, err := s.state.GetCursor(ctx, user)
	if err != nil {
		return domain.Question{}, false, newError(ErrorInternal, "cursor_read_error", err)
	}
	pool, err := s.state.QuestionPool(ctx)
	if err != nil {
		return domain.Question{}, false, newError(ErrorInternal, "pool_read_error", err)
	}
	if cursor >= len(pool) {
		return domain.Question{}, false, nil
	}
	return pool[cursor], true, nil
}

// Cursor returns the caller's current question index.
func (s *ConversationService) Cursor(ctx context.Context, user string) (int, error) {
	if _, err := s.partnerOf(user); err != nil {
		return 0, err
	}
	cursor, err := s.state.GetCursor(ctx, user)
	if err != nil {
		return 0, newError(ErrorInternal, "cursor_read_error", err)
	}
	return cursor, nil
}

// AddQuestions appends generated questions to the shared pool.
func (s *ConversationService) AddQuestions(ctx context.Context, questions []domain.Question) error {
	if len(questions) == 0 {
		return nil
	}
	for _, q := range questions {
		if err := q.Validate(); err != nil {
			return newError(ErrorInvalidInput, "invalid_question", err)
		}
	}
	if err := s.state.AppendQuestions(ctx, questions); err != nil {
		return newError(ErrorInternal, "pool_write_error", err)
	}
	s.publish(domain.Event{Kind: domain.EventPoolExtended, Users: []string{s.userA, s.userB}})
	return nil
}

// Inbox returns the caller's pending inbox items.
func (s *ConversationService) Inbox(ctx context.Context, user string) ([]domain.InboxItem, error) {
	if _, err := s.partnerOf(user); err != nil {
		return nil, err
	}
	items, err := s.state.ListInbox(ctx, user)
	if err != nil {
		return nil, newError(ErrorInternal, "inbox_read_error", err)
	}
	return items, nil
}

// PairedAnswers returns every unlocked pair with its thread attached plus
// the caller's unread count. Both users see the same records.
func (s *ConversationService) PairedAnswers(ctx context.Context, user string) ([]PairedAnswerView, error) {
	if _, err := s.partnerOf(user); err != nil {
		return nil, err
	}
	pairs, err := s.state.ListPairedAnswers(ctx)
	if err != nil {
		return nil, newError(ErrorInternal, "pair_read_error", err)
	}
	statuses, err := s.state.ListViewedStatuses(ctx, user)
	if err != nil {
		return nil, newError(ErrorInternal, "viewed_read_error", err)
	}
	viewed := make(map[string]int, len(statuses))
	for _, st := range statuses {
		viewed[st.QuestionID] = st.LastMessageCount
	}

	views := make([]PairedAnswerView, 0, len(pairs))
	for _, pair := range pairs {
		msgs, err := s.state.ListThreadMessages(ctx, pair.QuestionID)
		if err != nil {
			return nil, newError(ErrorInternal, "thread_read_error", err)
		}
		pair.Messages = msgs
		unread := len(msgs) - viewed[pair.QuestionID]
		if unread < 0 {
			unread = 0
		}
		views = append(views, PairedAnswerView{PairedAnswer: pair, Unread: unread})
	}
	return views, nil
}

var newUUID = func() string {
	return uuid.NewString()
}
