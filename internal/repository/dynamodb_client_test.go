package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"duet-agent/internal/domain"
)

type fakeDynamo struct {
	getOut *dynamodb.GetItemOutput
	getErr error

	putErr    error
	putInputs []*dynamodb.PutItemInput

	deleteErr       error
	lastDeleteInput *dynamodb.DeleteItemInput

	queryPages  []*dynamodb.QueryOutput
	queryErr    error
	queryCalls  int
	lastQueryIn *dynamodb.QueryInput

	updateOut    *dynamodb.UpdateItemOutput
	updateErr    error
	lastUpdateIn *dynamodb.UpdateItemInput

	txErr       error
	lastTxInput *dynamodb.TransactWriteItemsInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.putInputs = append(f.putInputs, in)
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.lastDeleteInput = in
	return &dynamodb.DeleteItemOutput{}, f.deleteErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.lastQueryIn = in
	f.queryCalls++
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if len(f.queryPages) == 0 {
		return &dynamodb.QueryOutput{}, nil
	}
	page := f.queryPages[0]
	f.queryPages = f.queryPages[1:]
	return page, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.lastUpdateIn = in
	return f.updateOut, f.updateErr
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.lastTxInput = in
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

func mustNewStore(t *testing.T, db *fakeDynamo) *Store {
	t.Helper()
	s, err := New(db, "test-table")
	require.NoError(t, err)
	return s
}

func numberItem(pk, sk, attr string, value string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
		attr: &types.AttributeValueMemberN{Value: value},
	}
}

func mustEnvelope[T any](t *testing.T, pk, sk string, doc T) map[string]types.AttributeValue {
	t.Helper()
	item, err := marshalEnvelope(pk, sk, doc)
	require.NoError(t, err)
	return item
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "test-table")
	require.Error(t, err)

	_, err = New(&fakeDynamo{}, "  ")
	require.Error(t, err)
}

func TestGetCursor_HappyPath(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: numberItem(userPK("alex"), skCursor, "cursor", "7")}}
	s := mustNewStore(t, db)
	cursor, err := s.GetCursor(context.Background(), "alex")
	require.NoError(t, err)
	require.Equal(t, 7, cursor)
}

func TestGetCursor_MissingItemMeansZero(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	s := mustNewStore(t, db)
	cursor, err := s.GetCursor(context.Background(), "alex")
	require.NoError(t, err)
	require.Zero(t, cursor)
}

func TestGetCursor_Errors(t *testing.T) {
	db := &fakeDynamo{getErr: errors.New("boom")}
	s := mustNewStore(t, db)
	_, err := s.GetCursor(context.Background(), "alex")
	require.Error(t, err)
	require.Contains(t, err.Error(), "GetCursor")

	db = &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"PK":     &types.AttributeValueMemberS{Value: userPK("alex")},
		"SK":     &types.AttributeValueMemberS{Value: skCursor},
		"cursor": &types.AttributeValueMemberS{Value: "not-a-number"},
	}}}
	s = mustNewStore(t, db)
	_, err = s.GetCursor(context.Background(), "alex")
	require.Error(t, err)
}

func TestAdvanceCursor_UsesAtomicAdd(t *testing.T) {
	db := &fakeDynamo{updateOut: &dynamodb.UpdateItemOutput{
		Attributes: map[string]types.AttributeValue{"cursor": &types.AttributeValueMemberN{Value: "3"}},
	}}
	s := mustNewStore(t, db)

	cursor, err := s.AdvanceCursor(context.Background(), "alex")
	require.NoError(t, err)
	require.Equal(t, 3, cursor)
	require.Equal(t, "ADD #c :one", *db.lastUpdateIn.UpdateExpression)
	require.Equal(t, "cursor", db.lastUpdateIn.ExpressionAttributeNames["#c"])
	require.Equal(t, userPK("alex"), db.lastUpdateIn.Key["PK"].(*types.AttributeValueMemberS).Value)
}

func TestAppendQuestions_ReservesSequenceAndWritesInOrder(t *testing.T) {
	db := &fakeDynamo{updateOut: &dynamodb.UpdateItemOutput{
		Attributes: map[string]types.AttributeValue{"total": &types.AttributeValueMemberN{Value: "5"}},
	}}
	s := mustNewStore(t, db)

	questions := []domain.Question{
		{ID: "q-1", Type: domain.ArchetypeYesNo, Text: "one?"},
		{ID: "q-2", Type: domain.ArchetypeYesNo, Text: "two?"},
	}
	require.NoError(t, s.AppendQuestions(context.Background(), questions))

	require.Equal(t, "ADD #n :count", *db.lastUpdateIn.UpdateExpression)
	require.Len(t, db.putInputs, 2)
	require.Equal(t, poolSK(3), db.putInputs[0].Item["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, poolSK(4), db.putInputs[1].Item["SK"].(*types.AttributeValueMemberS).Value)
}

func TestAppendQuestions_EmptyIsANoOp(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewStore(t, db)
	require.NoError(t, s.AppendQuestions(context.Background(), nil))
	require.Nil(t, db.lastUpdateIn)
	require.Empty(t, db.putInputs)
}

func TestQuestionPool_RoundTrip(t *testing.T) {
	q1 := domain.Question{ID: "q-1", Type: domain.ArchetypeYesNo, Text: "one?"}
	q2 := domain.Question{ID: "q-2", Type: domain.ArchetypeRanking, Text: "rank:", Items: []string{"a", "b", "c"}}
	db := &fakeDynamo{queryPages: []*dynamodb.QueryOutput{{
		Items: []map[string]types.AttributeValue{
			mustEnvelope(t, poolPK, poolSK(0), q1),
			mustEnvelope(t, poolPK, poolSK(1), q2),
		},
	}}}
	s := mustNewStore(t, db)

	pool, err := s.QuestionPool(context.Background())
	require.NoError(t, err)
	require.Equal(t, []domain.Question{q1, q2}, pool)
	require.Equal(t, "PK = :pk AND begins_with(SK, :prefix)", *db.lastQueryIn.KeyConditionExpression)
	require.True(t, *db.lastQueryIn.ScanIndexForward)
}

func TestQueryPrefix_FollowsPagination(t *testing.T) {
	q1 := domain.Question{ID: "q-1", Type: domain.ArchetypeYesNo, Text: "one?"}
	q2 := domain.Question{ID: "q-2", Type: domain.ArchetypeYesNo, Text: "two?"}
	db := &fakeDynamo{queryPages: []*dynamodb.QueryOutput{
		{
			Items:            []map[string]types.AttributeValue{mustEnvelope(t, poolPK, poolSK(0), q1)},
			LastEvaluatedKey: map[string]types.AttributeValue{"PK": &types.AttributeValueMemberS{Value: poolPK}},
		},
		{
			Items: []map[string]types.AttributeValue{mustEnvelope(t, poolPK, poolSK(1), q2)},
		},
	}}
	s := mustNewStore(t, db)

	pool, err := s.QuestionPool(context.Background())
	require.NoError(t, err)
	require.Len(t, pool, 2)
	require.Equal(t, 2, db.queryCalls)
}

func TestInboxItem_RoundTrip(t *testing.T) {
	item := domain.InboxItem{
		QuestionID: "q-1",
		Question:   domain.Question{ID: "q-1", Type: domain.ArchetypeYesNo, Text: "one?"},
		Answer:     domain.TextAnswer("yes"),
		AnsweredBy: "alex",
	}
	db := &fakeDynamo{}
	s := mustNewStore(t, db)

	require.NoError(t, s.PutInboxItem(context.Background(), "sam", item))
	require.Len(t, db.putInputs, 1)
	require.Equal(t, userPK("sam"), db.putInputs[0].Item["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, skPrefixInbox+"q-1", db.putInputs[0].Item["SK"].(*types.AttributeValueMemberS).Value)

	db.getOut = &dynamodb.GetItemOutput{Item: db.putInputs[0].Item}
	got, ok, err := s.GetInboxItem(context.Background(), "sam", "q-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, item, got)
}

func TestGetInboxItem_Missing(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	s := mustNewStore(t, db)
	_, ok, err := s.GetInboxItem(context.Background(), "sam", "q-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeleteInboxItem_TargetsTheRightKey(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewStore(t, db)
	require.NoError(t, s.DeleteInboxItem(context.Background(), "sam", "q-1"))
	require.Equal(t, userPK("sam"), db.lastDeleteInput.Key["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, skPrefixInbox+"q-1", db.lastDeleteInput.Key["SK"].(*types.AttributeValueMemberS).Value)
}

func TestCreatePairAndClearInbox_TransactionShape(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewStore(t, db)

	pair := domain.PairedAnswer{
		QuestionID:   "q-1",
		QuestionText: "one?",
		Answers: map[string]domain.Answer{
			"alex": domain.TextAnswer("yes"),
			"sam":  domain.TextAnswer("no"),
		},
		Messages: []domain.ThreadMessage{{ID: "should-not-be-stored"}},
	}
	require.NoError(t, s.CreatePairAndClearInbox(context.Background(), pair, "sam"))

	require.Len(t, db.lastTxInput.TransactItems, 2)
	put := db.lastTxInput.TransactItems[0].Put
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", *put.ConditionExpression)
	require.Equal(t, pairsPK, put.Item["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, skPrefixPair+"q-1", put.Item["SK"].(*types.AttributeValueMemberS).Value)

	del := db.lastTxInput.TransactItems[1].Delete
	require.Equal(t, userPK("sam"), del.Key["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, skPrefixInbox+"q-1", del.Key["SK"].(*types.AttributeValueMemberS).Value)
}

func TestCreatePairAndClearInbox_ConditionalFailureIsErrPairExists(t *testing.T) {
	db := &fakeDynamo{txErr: &types.TransactionCanceledException{
		CancellationReasons: []types.CancellationReason{
			{Code: aws.String("ConditionalCheckFailed")},
			{Code: aws.String("None")},
		},
	}}
	s := mustNewStore(t, db)

	err := s.CreatePairAndClearInbox(context.Background(), domain.PairedAnswer{QuestionID: "q-1"}, "sam")
	require.ErrorIs(t, err, ErrPairExists)
}

func TestCreatePairAndClearInbox_OtherTransactionErrors(t *testing.T) {
	db := &fakeDynamo{txErr: &types.TransactionCanceledException{
		CancellationReasons: []types.CancellationReason{{Code: aws.String("TransactionConflict")}},
	}}
	s := mustNewStore(t, db)
	err := s.CreatePairAndClearInbox(context.Background(), domain.PairedAnswer{QuestionID: "q-1"}, "sam")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrPairExists)

	db = &fakeDynamo{txErr: errors.New("throttled")}
	s = mustNewStore(t, db)
	err = s.CreatePairAndClearInbox(context.Background(), domain.PairedAnswer{QuestionID: "q-1"}, "sam")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrPairExists)
}

func TestGetPairedAnswer_RoundTrip(t *testing.T) {
	pair := domain.PairedAnswer{
		QuestionID:   "q-1",
		QuestionText: "one?",
		Answers: map[string]domain.Answer{
			"alex": domain.TextAnswer("yes"),
			"sam":  domain.ChoiceAnswer("no", "just no"),
		},
	}
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{
		Item: mustEnvelope(t, pairsPK, skPrefixPair+"q-1", pair),
	}}
	s := mustNewStore(t, db)

	got, ok, err := s.GetPairedAnswer(context.Background(), "q-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, pair, got)
}

func TestAppendThreadMessage_WritesOneItemPerMessage(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewStore(t, db)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := domain.ThreadMessage{ID: "m-1", Author: "alex", Text: "hello", Timestamp: ts}
	require.NoError(t, s.AppendThreadMessage(context.Background(), "q-1", msg))

	require.Len(t, db.putInputs, 1)
	item := db.putInputs[0].Item
	require.Equal(t, pairPK("q-1"), item["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, msgSK(ts, "m-1"), item["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "hello", item["text"].(*types.AttributeValueMemberS).Value)
}

func TestAppendThreadMessage_RequiresID(t *testing.T) {
	s := mustNewStore(t, &fakeDynamo{})
	err := s.AppendThreadMessage(context.Background(), "q-1", domain.ThreadMessage{Author: "alex", Text: "hello"})
	require.Error(t, err)
}

func TestListThreadMessages_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	db := &fakeDynamo{}
	s := mustNewStore(t, db)

	require.NoError(t, s.AppendThreadMessage(context.Background(), "q-1", domain.ThreadMessage{ID: "m-1", Author: "alex", Text: "one", Timestamp: ts}))
	require.NoError(t, s.AppendThreadMessage(context.Background(), "q-1", domain.ThreadMessage{ID: "m-2", Author: "sam", Text: "two", Timestamp: ts.Add(time.Second)}))

	db.queryPages = []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{
		db.putInputs[0].Item,
		db.putInputs[1].Item,
	}}}
	msgs, err := s.ListThreadMessages(context.Background(), "q-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, domain.ThreadMessage{ID: "m-1", Author: "alex", Text: "one", Timestamp: ts}, msgs[0])
	require.Equal(t, "two", msgs[1].Text)
}

func TestMsgSK_OrdersByTimeThenID(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	earlier := msgSK(ts, "m-1")
	later := msgSK(ts.Add(time.Millisecond), "m-0")
	require.Less(t, earlier, later)
	require.NotEqual(t, msgSK(ts, "m-1"), msgSK(ts, "m-2"))
}

func TestViewedStatus_RoundTrip(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewStore(t, db)

	require.NoError(t, s.PutViewedStatus(context.Background(), "sam", "q-1", 4))
	require.Len(t, db.putInputs, 1)
	require.Equal(t, skPrefixViewed+"q-1", db.putInputs[0].Item["SK"].(*types.AttributeValueMemberS).Value)

	db.queryPages = []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{db.putInputs[0].Item}}}
	statuses, err := s.ListViewedStatuses(context.Background(), "sam")
	require.NoError(t, err)
	require.Equal(t, []domain.ViewedStatus{{QuestionID: "q-1", LastMessageCount: 4}}, statuses)
}

func TestRateLimit_RoundTrip(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	s := mustNewStore(t, db)

	_, ok, err := s.GetRateLimit(context.Background())
	require.NoError(t, err)
	require.False(t, ok)

	ends := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	require.NoError(t, s.PutRateLimit(context.Background(), ends))
	require.Len(t, db.putInputs, 1)
	require.Equal(t, ratePK, db.putInputs[0].Item["PK"].(*types.AttributeValueMemberS).Value)

	db.getOut = &dynamodb.GetItemOutput{Item: db.putInputs[0].Item}
	got, ok, err := s.GetRateLimit(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ends, got)
}
