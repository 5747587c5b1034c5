package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"duet-agent/internal/domain"
	"duet-agent/internal/usecase"
)

// ConversationUseCase is the slice of the conversation service the handler
// needs. *usecase.ConversationService satisfies it.
type ConversationUseCase interface {
	CurrentQuestion(ctx context.Context, user string) (domain.Question, bool, error)
	Cursor(ctx context.Context, user string) (int, error)
	AnswerQuestion(ctx context.Context, user string, question domain.Question, answer domain.Answer) error
	SkipQuestion(ctx context.Context, user string) error
	Inbox(ctx context.Context, user string) ([]domain.InboxItem, error)
	AnswerInboxQuestion(ctx context.Context, user, questionID string, answer domain.Answer) (domain.PairedAnswer, error)
	PairedAnswers(ctx context.Context, user string) ([]usecase.PairedAnswerView, error)
	MarkAnswerAsViewed(ctx context.Context, user, questionID string) error
	SendMessage(ctx context.Context, user, questionID, text string) (domain.ThreadMessage, error)
	AddQuestions(ctx context.Context, questions []domain.Question) error
}

// GenerateUseCase is the slice of the generation gateway the handler needs.
type GenerateUseCase interface {
	Generate(ctx context.Context, req usecase.GenerateRequest) (usecase.GenerateResult, error)
}

type Handler struct {
	conversations ConversationUseCase
	generator     GenerateUseCase
}

func NewHandler(conversations ConversationUseCase, generator GenerateUseCase) (*Handler, error) {
	if conversations == nil {
		return nil, errors.New("handler: conversation use case must not be nil")
	}
	if generator == nil {
		return nil, errors.New("handler: generate use case must not be nil")
	}
	return &Handler{conversations: conversations, generator: generator}, nil
}

type generateRequest struct {
	usecase.GenerateRequest
	// Refill appends the generated questions to the shared pool instead of
	// only returning them.
	Refill bool `json:"refill,omitempty"`
}

type generateResponse struct {
	Success      bool            `json:"success"`
	QuestionType string          `json:"questionType,omitempty"`
	Batch        bool            `json:"batch,omitempty"`
	Questions    json.RawMessage `json:"questions"`
	Added        int             `json:"added,omitempty"`
}

type answerQuestionRequest struct {
	User     string          `json:"user"`
	Question domain.Question `json:"question"`
	Answer   domain.Answer   `json:"answer"`
}

type userRequest struct {
	User string `json:"user"`
}

type inboxAnswerRequest struct {
	User       string        `json:"user"`
	QuestionID string        `json:"questionId"`
	Answer     domain.Answer `json:"answer"`
}

type viewedRequest struct {
	User       string `json:"user"`
	QuestionID string `json:"questionId"`
}

type messageRequest struct {
	User       string `json:"user"`
	QuestionID string `json:"questionId"`
	Text       string `json:"text"`
}

type currentQuestionResponse struct {
	Question *domain.Question `json:"question"`
	Cursor   int              `json:"cursor"`
	Depleted bool             `json:"depleted"`
}

type errorResponse struct {
	Error            string     `json:"error"`
	Reason           string     `json:"reason,omitempty"`
	RemainingSeconds int        `json:"remainingSeconds,omitempty"`
	CooldownEnds     *time.Time `json:"cooldownEnds,omitempty"`
}

// Handle routes one API Gateway proxy event.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(event.Headers)
	log := slog.With("correlationId", corrID, "method", event.HTTPMethod, "path", event.Path)

	resp, err := h.route(ctx, event)
	if err != nil {
		status, body := errorBody(err)
		if status >= http.StatusInternalServerError {
			log.Error("request failed", "err", err)
		} else {
			log.Info("request rejected", "status", status, "err", err)
		}
		return jsonResponse(status, corrID, body), nil
	}
	return resp.withCorrelation(corrID), nil
}

type routeResult struct {
	status int
	body   any
}

func (r routeResult) withCorrelation(corrID string) events.APIGatewayProxyResponse {
	return jsonResponse(r.status, corrID, r.body)
}

func (h *Handler) route(ctx context.Context, event events.APIGatewayProxyRequest) (routeResult, error) {
	switch event.HTTPMethod + " " + event.Path {
	case http.MethodPost + " /generate":
		return h.handleGenerate(ctx, event.Body)
	case http.MethodGet + " /questions/current":
		return h.handleCurrentQuestion(ctx, queryUser(event))
	case http.MethodPost + " /questions/answer":
		return h.handleAnswerQuestion(ctx, event.Body)
	case http.MethodPost + " /questions/skip":
		return h.handleSkipQuestion(ctx, event.Body)
	case http.MethodGet + " /inbox":
		return h.handleInbox(ctx, queryUser(event))
	case http.MethodPost + " /inbox/answer":
		return h.handleInboxAnswer(ctx, event.Body)
	case http.MethodGet + " /answers":
		return h.handlePairedAnswers(ctx, queryUser(event))
	case http.MethodPost + " /answers/viewed":
		return h.handleViewed(ctx, event.Body)
	case http.MethodPost + " /messages":
		return h.handleMessage(ctx, event.Body)
	default:
		return routeResult{}, &usecase.Error{Code: usecase.ErrorNotFound, Reason: "unknown_route"}
	}
}

func (h *Handler) handleGenerate(ctx context.Context, body string) (routeResult, error) {
	req, err := decodeBody[generateRequest](body)
	if err != nil {
		return routeResult{}, err
	}

	result, err := h.generator.Generate(ctx, req.GenerateRequest)
	if err != nil {
		return routeResult{}, err
	}

	added := 0
	if req.Refill {
		questions := usecase.ToQuestions(result)
		if err := h.conversations.AddQuestions(ctx, questions); err != nil {
			return routeResult{}, err
		}
		added = len(questions)
	}

	var questions json.RawMessage
	if result.Batch {
		questions, err = json.Marshal(result.ByType)
	} else {
		questions, err = json.Marshal(result.Single)
	}
	if err != nil {
		return routeResult{}, &usecase.Error{Code: usecase.ErrorInternal, Reason: "encode_error", Err: err}
	}

	return routeResult{status: http.StatusOK, body: generateResponse{
		Success:      true,
		QuestionType: string(result.QuestionType),
		Batch:        result.Batch,
		Questions:    questions,
		Added:        added,
	}}, nil
}

func (h *Handler) handleCurrentQuestion(ctx context.Context, user string) (routeResult, error) {
	question, ok, err := h.conversations.CurrentQuestion(ctx, user)
	if err != nil {
		return routeResult{}, err
	}
	cursor, err := h.conversations.Cursor(ctx, user)
	if err != nil {
		return routeResult{}, err
	}
	resp := currentQuestionResponse{Cursor: cursor, Depleted: !ok}
	if ok {
		resp.Question = &question
	}
	return routeResult{status: http.StatusOK, body: resp}, nil
}

func (h *Handler) handleAnswerQuestion(ctx context.Context, body string) (routeResult, error) {
	req, err := decodeBody[answerQuestionRequest](body)
	if err != nil {
		return routeResult{}, err
	}
	if err := h.conversations.AnswerQuestion(ctx, req.User, req.Question, req.Answer); err != nil {
		return routeResult{}, err
	}
	return routeResult{status: http.StatusOK, body: map[string]bool{"success": true}}, nil
}

func (h *Handler) handleSkipQuestion(ctx context.Context, body string) (routeResult, error) {
	req, err := decodeBody[userRequest](body)
	if err != nil {
		return routeResult{}, err
	}
	if err := h.conversations.SkipQuestion(ctx, req.User); err != nil {
		return routeResult{}, err
	}
	return routeResult{status: http.StatusOK, body: map[string]bool{"success": true}}, nil
}

func (h *Handler) handleInbox(ctx context.Context, user string) (routeResult, error) {
	items, err := h.conversations.Inbox(ctx, user)
	if err != nil {
		return routeResult{}, err
	}
	if items == nil {
		items = []domain.InboxItem{}
	}
	return routeResult{status: http.StatusOK, body: map[string]any{"inbox": items}}, nil
}

func (h *Handler) handleInboxAnswer(ctx context.Context, body string) (routeResult, error) {
	req, err := decodeBody[inboxAnswerRequest](body)
	if err != nil {
		return routeResult{}, err
	}
	pair, err := h.conversations.AnswerInboxQuestion(ctx, req.User, req.QuestionID, req.Answer)
	if err != nil {
		return routeResult{}, err
	}
	return routeResult{status: http.StatusOK, body: map[string]any{"pairedAnswer": pair}}, nil
}

func (h *Handler) handlePairedAnswers(ctx context.Context, user string) (routeResult, error) {
	views, err := h.conversations.PairedAnswers(ctx, user)
	if err != nil {
		return routeResult{}, err
	}
	if views == nil {
		views = []usecase.PairedAnswerView{}
	}
	return routeResult{status: http.StatusOK, body: map[string]any{"answers": views}}, nil
}

func (h *Handler) handleViewed(ctx context.Context, body string) (routeResult, error) {
	req, err := decodeBody[viewedRequest](body)
	if err != nil {
		return routeResult{}, err
	}
	if err := h.conversations.MarkAnswerAsViewed(ctx, req.User, req.QuestionID); err != nil {
		return routeResult{}, err
	}
	return routeResult{status: http.StatusOK, body: map[string]bool{"success": true}}, nil
}

func (h *Handler) handleMessage(ctx context.Context, body string) (routeResult, error) {
	req, err := decodeBody[messageRequest](body)
	if err != nil {
		return routeResult{}, err
	}
	msg, err := h.conversations.SendMessage(ctx, req.User, req.QuestionID, req.Text)
	if err != nil {
		return routeResult{}, err
	}
	return routeResult{status: http.StatusOK, body: map[string]any{"message": msg}}, nil
}

func decodeBody[T any](body string) (T, error) {
	var out T
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return out, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "malformed_body", Err: err}
	}
	return out, nil
}

func queryUser(event events.APIGatewayProxyRequest) string {
	return event.QueryStringParameters["user"]
}

func errorBody(err error) (int, errorResponse) {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		return http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)}
	}

	resp := errorResponse{Error: string(ucErr.Code), Reason: ucErr.Reason}
	switch ucErr.Code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, resp
	case usecase.ErrorNotFound:
		return http.StatusNotFound, resp
	case usecase.ErrorRateLimited:
		if ucErr.RateLimit != nil {
			resp.RemainingSeconds = ucErr.RateLimit.RemainingSeconds
			ends := ucErr.RateLimit.CooldownEnds
			resp.CooldownEnds = &ends
		}
		return http.StatusTooManyRequests, resp
	case usecase.ErrorUpstream:
		return http.StatusBadGateway, resp
	default:
		return http.StatusInternalServerError, resp
	}
}

func jsonResponse(status int, corrID string, body any) events.APIGatewayProxyResponse {
	payload, err := json.Marshal(body)
	if err != nil {
		payload = []byte(`{"error":"INTERNAL_ERROR"}`)
		status = http.StatusInternalServerError
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":     "application/json",
			"X-Correlation-Id": corrID,
		},
		Body: string(payload),
	}
}

func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, "X-Correlation-Id") && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
