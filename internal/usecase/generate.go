package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"duet-agent/internal/domain"
)

const (
	defaultCooldown       = 30 * time.Second
	generationTemperature = 0.9
	generationMaxTokens   = 2000
	maxQuestionCount      = 50
)

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type LLMClient interface {
	Complete(ctx context.Context, model string, messages []domain.LLMMessage, temperature float64, maxTokens int) (string, error)
}

// RateLimitStore is the shared cooldown record. Shared across gateway
// instances: whichever caller first observes upstream throttling opens the
// window for everyone.
type RateLimitStore interface {
	GetRateLimit(ctx context.Context) (time.Time, bool, error)
	PutRateLimit(ctx context.Context, cooldownEnds time.Time) error
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// GenerateRequest is either a single-type request (questionType + count) or
// a batch request (batch + typeCounts keyed by archetype id).
type GenerateRequest struct {
	QuestionType string         `json:"questionType,omitempty"`
	Count        int            `json:"count,omitempty"`
	Batch        bool           `json:"batch,omitempty"`
	TypeCounts   map[string]int `json:"typeCounts,omitempty"`
}

// GenerateResult is the parsed, typed outcome of one gateway call.
type GenerateResult struct {
	Batch        bool
	QuestionType domain.Archetype
	Single       ArchetypeQuestions
	ByType       map[domain.Archetype]ArchetypeQuestions
}

// GenerateService is the generation gateway: it validates requests, enforces
// the shared cooldown, makes exactly one upstream call per invocation and
// strictly parses the structured response.
type GenerateService struct {
	llm         LLMClient
	rate        RateLimitStore
	params      ParamGetter
	paramPrefix string
	cooldown    time.Duration
	now         func() time.Time

	cacheMu     sync.RWMutex
	cacheLoaded bool
	model       string
}

func NewGenerateService(llm LLMClient, rate RateLimitStore, params ParamGetter, paramPrefix string, cooldown time.Duration) (*GenerateService, error) {
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if rate == nil {
		return nil, errors.New("usecase: rate limit store must not be nil")
	}
	if params == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &GenerateService{
		llm:         llm,
		rate:        rate,
		params:      params,
		paramPrefix: paramPrefix,
		cooldown:    cooldown,
		now:         time.Now,
	}, nil
}

// CheckRateLimit reads the shared cooldown record. A record whose end has
// passed is simply inactive; it is never deleted.
func (s *GenerateService) CheckRateLimit(ctx context.Context) (RateLimitStatus, error) {
	ends, ok, err := s.rate.GetRateLimit(ctx)
	if err != nil {
		return RateLimitStatus{}, newError(ErrorInternal, "rate_limit_read_error", err)
	}
	now := s.now()
	if !ok || !now.Before(ends) {
		return RateLimitStatus{}, nil
	}
	return RateLimitStatus{
		Limited:          true,
		RemainingSeconds: int(math.Ceil(ends.Sub(now).Seconds())),
		CooldownEnds:     ends,
	}, nil
}

// SetRateLimit opens a fresh cooldown window ending now + D. Overwrites any
// existing window; repeated throttling does not stack.
func (s *GenerateService) SetRateLimit(ctx context.Context) (time.Time, error) {
	ends := s.now().Add(s.cooldown)
	if err := s.rate.PutRateLimit(ctx, ends); err != nil {
		return time.Time{}, newError(ErrorInternal, "rate_limit_write_error", err)
	}
	return ends, nil
}

// Generate runs one gateway invocation. Order matters: the cooldown check
// comes first and the upstream is never called while limited; validation
// failures also never reach the upstream.
func (s *GenerateService) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	status, err := s.CheckRateLimit(ctx)
	if err != nil {
		return GenerateResult{}, err
	}
	if status.Limited {
		return GenerateResult{}, newRateLimitError("generation_cooldown", status)
	}

	plan, err := validateGenerateRequest(req)
	if err != nil {
		return GenerateResult{}, err
	}

	if err := s.ensureModel(ctx); err != nil {
		return GenerateResult{}, newError(ErrorInternal, "ssm_load_error", err)
	}

	var messages []domain.LLMMessage
	if plan.batch {
		messages = buildBatchMessages(plan.counts)
	} else {
		messages = buildSingleMessages(plan.archetype, plan.count)
	}

	content, err := s.llm.Complete(ctx, s.model, messages, generationTemperature, generationMaxTokens)
	if err != nil {
		if code, ok := upstreamStatusCode(err); ok && code == 429 {
			ends, setErr := s.SetRateLimit(ctx)
			if setErr != nil {
				return GenerateResult{}, setErr
			}
			return GenerateResult{}, newRateLimitError("upstream_throttled", RateLimitStatus{
				Limited:          true,
				RemainingSeconds: int(math.Ceil(s.cooldown.Seconds())),
				CooldownEnds:     ends,
			})
		}
		return GenerateResult{}, newError(ErrorUpstream, "groq_error", err)
	}

	if plan.batch {
		byType, parseErr := parseBatchResponse(plan.counts, content)
		if parseErr != nil {
			return GenerateResult{}, newError(ErrorUpstream, "groq_malformed_response", parseErr)
		}
		return GenerateResult{Batch: true, ByType: byType}, nil
	}

	single, parseErr := parseSingleResponse(plan.archetype, content)
	if parseErr != nil {
		return GenerateResult{}, newError(ErrorUpstream, "groq_malformed_response", parseErr)
	}
	return GenerateResult{QuestionType: plan.archetype, Single: single}, nil
}

type generatePlan struct {
	batch     bool
	archetype domain.Archetype
	count     int
	counts    map[domain.Archetype]int
}

func validateGenerateRequest(req GenerateRequest) (generatePlan, error) {
	if req.Batch {
		if len(req.TypeCounts) == 0 {
			return generatePlan{}, newError(ErrorInvalidInput, "missing_type_counts", errors.New("typeCounts is required for batch requests"))
		}
		counts := make(map[domain.Archetype]int, len(req.TypeCounts))
		total := 0
		for key, n := range req.TypeCounts {
			archetype, ok := domain.ParseArchetype(key)
			if !ok {
				return generatePlan{}, newError(ErrorInvalidInput, "invalid_question_type", fmt.Errorf("typeCounts key %q is not a known question type", key))
			}
			if n < 0 || n > maxQuestionCount {
				return generatePlan{}, newError(ErrorInvalidInput, "invalid_count", fmt.Errorf("typeCounts[%s] must be between 0 and %d", key, maxQuestionCount))
			}
			if n == 0 {
				continue
			}
			counts[archetype] = n
			total += n
		}
		if total == 0 {
			return generatePlan{}, newError(ErrorInvalidInput, "invalid_type_counts", errors.New("typeCounts must request at least one question"))
		}
		return generatePlan{batch: true, counts: counts}, nil
	}

	if req.QuestionType == "" || req.Count == 0 {
		return generatePlan{}, newError(ErrorInvalidInput, "missing_parameters", errors.New("questionType and count are required"))
	}
	archetype, ok := domain.ParseArchetype(req.QuestionType)
	if !ok {
		return generatePlan{}, newError(ErrorInvalidInput, "invalid_question_type", fmt.Errorf("questionType %q is not a known question type", req.QuestionType))
	}
	if req.Count < 1 || req.Count > maxQuestionCount {
		return generatePlan{}, newError(ErrorInvalidInput, "invalid_count", fmt.Errorf("count must be between 1 and %d", maxQuestionCount))
	}
	return generatePlan{archetype: archetype, count: req.Count}, nil
}

// ToQuestions converts a gateway result into pool-ready questions with
// fresh ids. Question text is lower-cased and trimmed; option and item
// labels are kept verbatim.
func ToQuestions(result GenerateResult) []domain.Question {
	var out []domain.Question
	appendSet := func(set ArchetypeQuestions) {
		if set.Type == domain.ArchetypeYesNo {
			for _, text := range set.YesNo {
				out = append(out, domain.Question{
					ID:   newUUID(),
					Type: domain.ArchetypeYesNo,
					Text: normalizeQuestionText(text),
				})
			}
			return
		}
		for _, q := range set.Questions {
			out = append(out, domain.Question{
				ID:       newUUID(),
				Type:     set.Type,
				Text:     normalizeQuestionText(q.Question),
				Options:  q.Options,
				Items:    q.Items,
				Option1:  q.Option1,
				Option2:  q.Option2,
				Scenario: q.Scenario,
			})
		}
	}

	if result.Batch {
		for _, archetype := range domain.Archetypes() {
			if set, ok := result.ByType[archetype]; ok {
				appendSet(set)
			}
		}
		return out
	}
	appendSet(result.Single)
	return out
}

func normalizeQuestionText(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

func (s *GenerateService) ensureModel(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	model, err := s.params.GetParameter(ctx, s.paramPrefix+"/config/groq_model")
	if err != nil {
		return fmt.Errorf("usecase: load groq model: %w", err)
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return errors.New("usecase: groq model parameter is empty")
	}
	s.model = model
	s.cacheLoaded = true
	return nil
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
