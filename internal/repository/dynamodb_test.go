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

	"chat-orchestrator/internal/domain"
)

type fakeDynamo struct {
	getOut       *dynamodb.GetItemOutput
	getErr       error
	queryOut     *dynamodb.QueryOutput
	queryErr     error
	txErr        error
	putErr       error
	lastGetInput *dynamodb.GetItemInput
	lastQueryIn  *dynamodb.QueryInput
	lastTxInput  *dynamodb.TransactWriteItemsInput
	lastPutInput *dynamodb.PutItemInput
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.lastQueryIn = in
	return f.queryOut, f.queryErr
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.lastTxInput = in
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func mustNewClient(t *testing.T, db *fakeDynamo, opts ...DynamoOption) *Client {
	t.Helper()
	c, err := New(db, "test-table", opts...)
	require.NoError(t, err)
	c.now = func() time.Time { return fixedNow }
	return c
}

func sampleTurn(seq int64) domain.TurnRecord {
	return domain.TurnRecord{
		ConversationID: "abc",
		Sequence:       seq,
		CallerID:       "user-1",
		UserMessage:    "what is go?",
		Response:       "a language",
		Provenance: []domain.FragmentRef{
			{Source: domain.SourceVector, Origin: "doc-1", Score: 0.9},
		},
		Fingerprint:      "fp",
		Outcome:          domain.OutcomeGenerated,
		Model:            "gpt-4o-mini",
		PromptTokens:     12,
		CompletionTokens: 3,
		CreatedAt:        fixedNow,
	}
}

func sAttr(t *testing.T, item map[string]types.AttributeValue, key string) string {
	t.Helper()
	v, err := strAttr(item, key)
	require.NoError(t, err)
	return v
}

// ─── AppendTurn ─────────────────────────────────────────────────────────────

func TestAppendTurn_WritesTurnAndMetaInOneTransaction(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	require.NoError(t, c.AppendTurn(context.Background(), sampleTurn(7)))

	require.NotNil(t, db.lastTxInput)
	require.Len(t, db.lastTxInput.TransactItems, 2)

	turn := db.lastTxInput.TransactItems[0].Put
	require.Equal(t, "test-table", aws.ToString(turn.TableName))
	require.Contains(t, aws.ToString(turn.ConditionExpression), "attribute_not_exists(PK)")
	require.Equal(t, "CONV#abc", sAttr(t, turn.Item, "PK"))
	require.Equal(t, turnSK(7), sAttr(t, turn.Item, "SK"))
	require.Equal(t, "what is go?", sAttr(t, turn.Item, "userMessage"))
	require.Equal(t, string(domain.OutcomeGenerated), sAttr(t, turn.Item, "outcome"))
	require.Contains(t, turn.Item, "ttl")

	meta := db.lastTxInput.TransactItems[1].Put
	require.Equal(t, skMeta, sAttr(t, meta.Item, "SK"))
	seq, err := intAttr(meta.Item, "lastSequence")
	require.NoError(t, err)
	require.Equal(t, int64(7), seq)
	require.Equal(t, "attribute_not_exists(lastSequence) OR lastSequence < :seq", aws.ToString(meta.ConditionExpression))
	bound, err := intAttr(meta.ExpressionAttributeValues, ":seq")
	require.NoError(t, err)
	require.Equal(t, int64(7), bound)
	require.Nil(t, db.lastPutInput)
}

func canceledTx(codes ...string) error {
	reasons := make([]types.CancellationReason, 0, len(codes))
	for _, code := range codes {
		reasons = append(reasons, types.CancellationReason{Code: aws.String(code)})
	}
	return &types.TransactionCanceledException{CancellationReasons: reasons}
}

func TestAppendTurn_LowerSequenceKeepsMetaAndWritesTurn(t *testing.T) {
	db := &fakeDynamo{txErr: canceledTx("None", conditionCheck)}
	c := mustNewClient(t, db)

	require.NoError(t, c.AppendTurn(context.Background(), sampleTurn(3)))

	require.NotNil(t, db.lastPutInput)
	require.Equal(t, "test-table", aws.ToString(db.lastPutInput.TableName))
	require.Equal(t, turnSK(3), sAttr(t, db.lastPutInput.Item, "SK"))
	require.Contains(t, aws.ToString(db.lastPutInput.ConditionExpression), "attribute_not_exists(SK)")
	require.NotContains(t, db.lastPutInput.Item, "lastSequence")
}

func TestAppendTurn_LowerSequenceDuplicateIsNoop(t *testing.T) {
	db := &fakeDynamo{
		txErr:  canceledTx("None", conditionCheck),
		putErr: &types.ConditionalCheckFailedException{Message: aws.String("exists")},
	}
	c := mustNewClient(t, db)
	require.NoError(t, c.AppendTurn(context.Background(), sampleTurn(3)))
}

func TestAppendTurn_LowerSequencePutError(t *testing.T) {
	db := &fakeDynamo{txErr: canceledTx("None", conditionCheck), putErr: errors.New("boom")}
	c := mustNewClient(t, db)
	require.ErrorContains(t, c.AppendTurn(context.Background(), sampleTurn(3)), "boom")
}

func TestAppendTurn_DuplicateWithOlderSequenceIsNoop(t *testing.T) {
	db := &fakeDynamo{txErr: canceledTx(conditionCheck, conditionCheck)}
	c := mustNewClient(t, db)
	require.NoError(t, c.AppendTurn(context.Background(), sampleTurn(3)))
	require.Nil(t, db.lastPutInput)
}

func TestAppendTurn_DuplicateIsNoop(t *testing.T) {
	db := &fakeDynamo{txErr: &types.TransactionCanceledException{
		CancellationReasons: []types.CancellationReason{{Code: aws.String(conditionCheck)}},
	}}
	c := mustNewClient(t, db)
	require.NoError(t, c.AppendTurn(context.Background(), sampleTurn(1)))
}

func TestAppendTurn_OtherCancellationIsError(t *testing.T) {
	db := &fakeDynamo{txErr: &types.TransactionCanceledException{
		CancellationReasons: []types.CancellationReason{{Code: aws.String("ThrottlingError")}},
	}}
	c := mustNewClient(t, db)
	require.Error(t, c.AppendTurn(context.Background(), sampleTurn(1)))
}

func TestAppendTurn_TransportError(t *testing.T) {
	db := &fakeDynamo{txErr: errors.New("boom")}
	c := mustNewClient(t, db)
	err := c.AppendTurn(context.Background(), sampleTurn(1))
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}

func TestAppendTurn_RejectsInvalidKey(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	rec := sampleTurn(0)
	require.Error(t, c.AppendTurn(context.Background(), rec))
	rec = sampleTurn(1)
	rec.ConversationID = " "
	require.Error(t, c.AppendTurn(context.Background(), rec))
}

func TestAppendTurn_ZeroRetentionOmitsTTL(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db, WithRetention(0))
	require.NoError(t, c.AppendTurn(context.Background(), sampleTurn(1)))
	require.NotContains(t, db.lastTxInput.TransactItems[0].Put.Item, "ttl")
	require.NotContains(t, db.lastTxInput.TransactItems[1].Put.Item, "ttl")
}

// ─── LastSequence ───────────────────────────────────────────────────────────

func TestLastSequence_HappyPath(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"PK":           &types.AttributeValueMemberS{Value: "CONV#abc"},
		"SK":           &types.AttributeValueMemberS{Value: skMeta},
		"lastSequence": &types.AttributeValueMemberN{Value: "42"},
	}}}
	c := mustNewClient(t, db)
	seq, err := c.LastSequence(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, int64(42), seq)
	require.True(t, aws.ToBool(db.lastGetInput.ConsistentRead))
}

func TestLastSequence_UnknownConversation(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})
	seq, err := c.LastSequence(context.Background(), "abc")
	require.NoError(t, err)
	require.Zero(t, seq)
}

func TestLastSequence_Error(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getErr: errors.New("boom")})
	_, err := c.LastSequence(context.Background(), "abc")
	require.Error(t, err)
}

// ─── Turns ──────────────────────────────────────────────────────────────────

func TestTurns_ReturnsAscendingOrder(t *testing.T) {
	writer := &fakeDynamo{}
	c := mustNewClient(t, writer)
	var items []map[string]types.AttributeValue
	for _, seq := range []int64{3, 2, 1} {
		item, err := c.turnItem(sampleTurn(seq))
		require.NoError(t, err)
		items = append(items, item)
	}

	db := &fakeDynamo{queryOut: &dynamodb.QueryOutput{Items: items}}
	c = mustNewClient(t, db)
	recs, err := c.Turns(context.Background(), "abc", 3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, []int64{1, 2, 3}, []int64{recs[0].Sequence, recs[1].Sequence, recs[2].Sequence})
	require.Equal(t, sampleTurn(1), recs[0])
	require.False(t, aws.ToBool(db.lastQueryIn.ScanIndexForward))
	require.Equal(t, int32(3), aws.ToInt32(db.lastQueryIn.Limit))
}

func TestTurns_QueryError(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{queryErr: errors.New("boom")})
	_, err := c.Turns(context.Background(), "abc", 0)
	require.Error(t, err)
}

func TestTurns_MalformedItem(t *testing.T) {
	db := &fakeDynamo{queryOut: &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{
		{"PK": &types.AttributeValueMemberS{Value: "CONV#abc"}},
	}}}
	c := mustNewClient(t, db)
	_, err := c.Turns(context.Background(), "abc", 0)
	require.Error(t, err)
}

// ─── Keys / New ─────────────────────────────────────────────────────────────

func TestTurnSK_SortsNumerically(t *testing.T) {
	require.Less(t, turnSK(9), turnSK(10))
	require.Less(t, turnSK(99), turnSK(100))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "table")
	require.Error(t, err)
	_, err = New(&fakeDynamo{}, "  ")
	require.Error(t, err)
}
