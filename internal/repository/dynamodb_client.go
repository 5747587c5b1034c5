package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"duet-agent/internal/domain"
)

const (
	skCursor       = "CURSOR#"
	skMeta         = "META#"
	skPrefixInbox  = "INBOX#"
	skPrefixMsg    = "MSG#"
	skPrefixViewed = "VIEWED#"
	skPrefixPool   = "Q#"
	skPrefixPair   = "P#"

	poolPK  = "POOL#"
	pairsPK = "PAIRS#"
	ratePK  = "RATE#generation"
)

// ErrPairExists is returned when a PairedAnswer for the question id has
// already been created. There is exactly one pair per question id, ever.
var ErrPairExists = errors.New("repository: paired answer already exists")

// dynamodbAPI is the minimal DynamoDB interface required by Store.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Store wraps a DynamoDB table holding all conversation and rate-limit
// state for the two users. Each independently-addressable piece of state is
// its own item, so concurrent writers on different keys never clobber each
// other and thread appends merge instead of overwriting a nested list.
type Store struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new Store.
func New(api dynamodbAPI, tableName string) (*Store, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Store{api: api, tableName: tableName}, nil
}

func userPK(user string) string {
	return "USER#" + user
}

func pairPK(questionID string) string {
	return "PAIR#" + questionID
}

// msgTimeLayout is RFC 3339 with fixed-width nanoseconds. RFC3339Nano drops
// trailing zeros, which breaks lexicographic ordering of the sort key.
const msgTimeLayout = "2006-01-02T15:04:05.000000000Z"

// msgSK orders thread messages by append time; the message id breaks ties so
// two near-simultaneous appends never collide on the same key.
func msgSK(ts time.Time, msgID string) string {
	return skPrefixMsg + ts.UTC().Format(msgTimeLayout) + "#" + msgID
}

func poolSK(seq int) string {
	return fmt.Sprintf("%s%08d", skPrefixPool, seq)
}

// envelope wraps a domain document under a single attribute next to the
// table keys, so the document round-trips without per-field attribute code.
type envelope[T any] struct {
	PK  string `dynamodbav:"PK"`
	SK  string `dynamodbav:"SK"`
	Doc T      `dynamodbav:"doc"`
}

func marshalEnvelope[T any](pk, sk string, doc T) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(envelope[T]{PK: pk, SK: sk, Doc: doc})
	if err != nil {
		return nil, fmt.Errorf("repository: marshal item %s/%s: %w", pk, sk, err)
	}
	return item, nil
}

func unmarshalDoc[T any](item map[string]types.AttributeValue) (T, error) {
	var env envelope[T]
	if err := attributevalue.UnmarshalMap(item, &env); err != nil {
		var zero T
		return zero, fmt.Errorf("repository: unmarshal item: %w", err)
	}
	return env.Doc, nil
}

// ---------------------------------------------------------------------------
// Question cursor
// ---------------------------------------------------------------------------

// GetCursor returns the user's question-pool cursor; a missing item means 0.
func (s *Store) GetCursor(ctx context.Context, user string) (int, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(user)},
			"SK": &types.AttributeValueMemberS{Value: skCursor},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("repository: GetCursor get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return 0, nil
	}
	cursor, err := intAttr(out.Item, "cursor")
	if err != nil {
		return 0, fmt.Errorf("repository: GetCursor decode cursor: %w", err)
	}
	return cursor, nil
}

// AdvanceCursor atomically moves the user's cursor forward by one and
// returns the new value. ADD keeps sequential answer/skip calls applied in
// issue order without a read-modify-write race.
func (s *Store) AdvanceCursor(ctx context.Context, user string) (int, error) {
	out, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(user)},
			"SK": &types.AttributeValueMemberS{Value: skCursor},
		},
		UpdateExpression:         aws.String("ADD #c :one"),
		ExpressionAttributeNames: map[string]string{"#c": "cursor"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("repository: AdvanceCursor update: %w", err)
	}
	cursor, err := intAttr(out.Attributes, "cursor")
	if err != nil {
		return 0, fmt.Errorf("repository: AdvanceCursor decode cursor: %w", err)
	}
	return cursor, nil
}

// ---------------------------------------------------------------------------
// Question pool
// ---------------------------------------------------------------------------

// AppendQuestions reserves a contiguous sequence range via an atomic counter
// and writes one pool item per question, preserving creation order.
func (s *Store) AppendQuestions(ctx context.Context, questions []domain.Question) error {
	if len(questions) == 0 {
		return nil
	}
	out, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: poolPK},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		UpdateExpression:         aws.String("ADD #n :count"),
		ExpressionAttributeNames: map[string]string{"#n": "total"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":count": &types.AttributeValueMemberN{Value: strconv.Itoa(len(questions))},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return fmt.Errorf("repository: AppendQuestions reserve sequence: %w", err)
	}
	total, err := intAttr(out.Attributes, "total")
	if err != nil {
		return fmt.Errorf("repository: AppendQuestions decode total: %w", err)
	}
	base := total - len(questions)

	for i, q := range questions {
		item, err := marshalEnvelope(poolPK, poolSK(base+i), q)
		if err != nil {
			return err
		}
		if _, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(s.tableName),
			Item:      item,
		}); err != nil {
			return fmt.Errorf("repository: AppendQuestions put %q: %w", q.ID, err)
		}
	}
	return nil
}

// QuestionPool returns all pool questions in creation order.
func (s *Store) QuestionPool(ctx context.Context) ([]domain.Question, error) {
	items, err := s.queryPrefix(ctx, poolPK, skPrefixPool)
	if err != nil {
		return nil, fmt.Errorf("repository: QuestionPool query: %w", err)
	}
	pool := make([]domain.Question, 0, len(items))
	for _, item := range items {
		q, err := unmarshalDoc[domain.Question](item)
		if err != nil {
			return nil, fmt.Errorf("repository: QuestionPool: %w", err)
		}
		pool = append(pool, q)
	}
	return pool, nil
}

// ---------------------------------------------------------------------------
// Inbox
// ---------------------------------------------------------------------------

// PutInboxItem writes an inbox item into the recipient's inbox. The key is
// the question id, so a retried write lands on the same item instead of
// producing a duplicate.
func (s *Store) PutInboxItem(ctx context.Context, recipient string, item domain.InboxItem) error {
	av, err := marshalEnvelope(userPK(recipient), skPrefixInbox+item.QuestionID, item)
	if err != nil {
		return err
	}
	if _, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      av,
	}); err != nil {
		return fmt.Errorf("repository: PutInboxItem: %w", err)
	}
	return nil
}

// GetInboxItem reads one inbox item; the second return is false when absent.
func (s *Store) GetInboxItem(ctx context.Context, user, questionID string) (domain.InboxItem, bool, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(user)},
			"SK": &types.AttributeValueMemberS{Value: skPrefixInbox + questionID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.InboxItem{}, false, fmt.Errorf("repository: GetInboxItem: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.InboxItem{}, false, nil
	}
	item, err := unmarshalDoc[domain.InboxItem](out.Item)
	if err != nil {
		return domain.InboxItem{}, false, fmt.Errorf("repository: GetInboxItem: %w", err)
	}
	return item, true, nil
}

// DeleteInboxItem removes an inbox item; deleting an absent item is a no-op.
func (s *Store) DeleteInboxItem(ctx context.Context, user, questionID string) error {
	if _, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(user)},
			"SK": &types.AttributeValueMemberS{Value: skPrefixInbox + questionID},
		},
	}); err != nil {
		return fmt.Errorf("repository: DeleteInboxItem: %w", err)
	}
	return nil
}

// ListInbox returns the user's inbox items.
func (s *Store) ListInbox(ctx context.Context, user string) ([]domain.InboxItem, error) {
	items, err := s.queryPrefix(ctx, userPK(user), skPrefixInbox)
	if err != nil {
		return nil, fmt.Errorf("repository: ListInbox query: %w", err)
	}
	inbox := make([]domain.InboxItem, 0, len(items))
	for _, item := range items {
		ib, err := unmarshalDoc[domain.InboxItem](item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListInbox: %w", err)
		}
		inbox = append(inbox, ib)
	}
	return inbox, nil
}

// ---------------------------------------------------------------------------
// Paired answers and threads
// ---------------------------------------------------------------------------

// CreatePairAndClearInbox writes the PairedAnswer and removes the recipient's
// inbox item in one transaction. The conditional put enforces one pair per
// question id; when the pair already exists, ErrPairExists is returned and
// nothing is written.
func (s *Store) CreatePairAndClearInbox(ctx context.Context, pair domain.PairedAnswer, recipient string) error {
	pair.Messages = nil
	item, err := marshalEnvelope(pairsPK, skPrefixPair+pair.QuestionID, pair)
	if err != nil {
		return err
	}
	_, err = s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(s.tableName),
					Item:                item,
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Delete: &types.Delete{
					TableName: aws.String(s.tableName),
					Key: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: userPK(recipient)},
						"SK": &types.AttributeValueMemberS{Value: skPrefixInbox + pair.QuestionID},
					},
				},
			},
		},
	})
	if err != nil {
		if isConditionalCancel(err) {
			return ErrPairExists
		}
		return fmt.Errorf("repository: CreatePairAndClearInbox: %w", err)
	}
	return nil
}

// GetPairedAnswer reads one pair record without its messages.
func (s *Store) GetPairedAnswer(ctx context.Context, questionID string) (domain.PairedAnswer, bool, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pairsPK},
			"SK": &types.AttributeValueMemberS{Value: skPrefixPair + questionID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.PairedAnswer{}, false, fmt.Errorf("repository: GetPairedAnswer: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.PairedAnswer{}, false, nil
	}
	pair, err := unmarshalDoc[domain.PairedAnswer](out.Item)
	if err != nil {
		return domain.PairedAnswer{}, false, fmt.Errorf("repository: GetPairedAnswer: %w", err)
	}
	return pair, true, nil
}

// ListPairedAnswers returns all pair records in creation-key order, without
// messages.
func (s *Store) ListPairedAnswers(ctx context.Context) ([]domain.PairedAnswer, error) {
	items, err := s.queryPrefix(ctx, pairsPK, skPrefixPair)
	if err != nil {
		return nil, fmt.Errorf("repository: ListPairedAnswers query: %w", err)
	}
	pairs := make([]domain.PairedAnswer, 0, len(items))
	for _, item := range items {
		pair, err := unmarshalDoc[domain.PairedAnswer](item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListPairedAnswers: %w", err)
		}
		pairs = append(pairs, pair)
	}
	return pairs, nil
}

// AppendThreadMessage persists one chat message as its own item under the
// pair's thread partition.
func (s *Store) AppendThreadMessage(ctx context.Context, questionID string, msg domain.ThreadMessage) error {
	if msg.ID == "" {
		return errors.New("repository: AppendThreadMessage: message id is required")
	}
	if _, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"PK":     &types.AttributeValueMemberS{Value: pairPK(questionID)},
			"SK":     &types.AttributeValueMemberS{Value: msgSK(msg.Timestamp, msg.ID)},
			"id":     &types.AttributeValueMemberS{Value: msg.ID},
			"author": &types.AttributeValueMemberS{Value: msg.Author},
			"text":   &types.AttributeValueMemberS{Value: msg.Text},
			"ts":     &types.AttributeValueMemberN{Value: strconv.FormatInt(msg.Timestamp.UTC().UnixMilli(), 10)},
		},
	}); err != nil {
		return fmt.Errorf("repository: AppendThreadMessage: %w", err)
	}
	return nil
}

// ListThreadMessages returns the pair's messages in timestamp order.
func (s *Store) ListThreadMessages(ctx context.Context, questionID string) ([]domain.ThreadMessage, error) {
	items, err := s.queryPrefix(ctx, pairPK(questionID), skPrefixMsg)
	if err != nil {
		return nil, fmt.Errorf("repository: ListThreadMessages query: %w", err)
	}
	msgs := make([]domain.ThreadMessage, 0, len(items))
	for _, item := range items {
		msg, err := itemToThreadMessage(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListThreadMessages: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func itemToThreadMessage(item map[string]types.AttributeValue) (domain.ThreadMessage, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.ThreadMessage{}, err
	}
	author, err := strAttr(item, "author")
	if err != nil {
		return domain.ThreadMessage{}, err
	}
	text, err := strAttr(item, "text")
	if err != nil {
		return domain.ThreadMessage{}, err
	}
	millis, err := int64Attr(item, "ts")
	if err != nil {
		return domain.ThreadMessage{}, err
	}
	return domain.ThreadMessage{
		ID:        id,
		Author:    author,
		Text:      text,
		Timestamp: time.UnixMilli(millis).UTC(),
	}, nil
}

// ---------------------------------------------------------------------------
// Viewed status
// ---------------------------------------------------------------------------

// PutViewedStatus records the thread length the user has seen.
func (s *Store) PutViewedStatus(ctx context.Context, user, questionID string, lastMessageCount int) error {
	if _, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"PK":               &types.AttributeValueMemberS{Value: userPK(user)},
			"SK":               &types.AttributeValueMemberS{Value: skPrefixViewed + questionID},
			"questionId":       &types.AttributeValueMemberS{Value: questionID},
			"lastMessageCount": &types.AttributeValueMemberN{Value: strconv.Itoa(lastMessageCount)},
		},
	}); err != nil {
		return fmt.Errorf("repository: PutViewedStatus: %w", err)
	}
	return nil
}

// ListViewedStatuses returns the user's viewed markers.
func (s *Store) ListViewedStatuses(ctx context.Context, user string) ([]domain.ViewedStatus, error) {
	items, err := s.queryPrefix(ctx, userPK(user), skPrefixViewed)
	if err != nil {
		return nil, fmt.Errorf("repository: ListViewedStatuses query: %w", err)
	}
	statuses := make([]domain.ViewedStatus, 0, len(items))
	for _, item := range items {
		qid, err := strAttr(item, "questionId")
		if err != nil {
			return nil, fmt.Errorf("repository: ListViewedStatuses: %w", err)
		}
		count, err := intAttr(item, "lastMessageCount")
		if err != nil {
			return nil, fmt.Errorf("repository: ListViewedStatuses: %w", err)
		}
		statuses = append(statuses, domain.ViewedStatus{QuestionID: qid, LastMessageCount: count})
	}
	return statuses, nil
}

// ---------------------------------------------------------------------------
// Rate limit
// ---------------------------------------------------------------------------

// GetRateLimit reads the shared cooldown record; the second return is false
// when no cooldown has ever been set.
func (s *Store) GetRateLimit(ctx context.Context) (time.Time, bool, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: ratePK},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("repository: GetRateLimit: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return time.Time{}, false, nil
	}
	millis, err := int64Attr(out.Item, "cooldownEnds")
	if err != nil {
		return time.Time{}, false, fmt.Errorf("repository: GetRateLimit decode cooldownEnds: %w", err)
	}
	return time.UnixMilli(millis).UTC(), true, nil
}

// PutRateLimit overwrites the shared cooldown record. Overwrite, not
// additive: a fresh throttle signal restarts the window.
func (s *Store) PutRateLimit(ctx context.Context, cooldownEnds time.Time) error {
	if _, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"PK":           &types.AttributeValueMemberS{Value: ratePK},
			"SK":           &types.AttributeValueMemberS{Value: skMeta},
			"cooldownEnds": &types.AttributeValueMemberN{Value: strconv.FormatInt(cooldownEnds.UTC().UnixMilli(), 10)},
		},
	}); err != nil {
		return fmt.Errorf("repository: PutRateLimit: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (s *Store) queryPrefix(ctx context.Context, pk, skPrefix string) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: pk},
				":prefix": &types.AttributeValueMemberS{Value: skPrefix},
			},
			ScanIndexForward:  aws.Bool(true),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, err
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// isConditionalCancel reports whether the transaction failed because the
// conditional put lost the race, as opposed to an infrastructure error.
func isConditionalCancel(err error) bool {
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for _, reason := range canceled.CancellationReasons {
			if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
				return true
			}
		}
		return false
	}
	var conditional *types.ConditionalCheckFailedException
	return errors.As(err, &conditional)
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	n, err := int64Attr(item, key)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
