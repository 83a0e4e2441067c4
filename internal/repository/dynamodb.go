// Package repository holds the conversation persistence collaborators. Every
// store is append-only and idempotent on (conversation id, sequence).
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"chat-orchestrator/internal/domain"
)

const (
	skPrefixTurn       = "TURN#"
	skMeta             = "META#"
	defaultTTLDuration = 30 * 24 * time.Hour
	conditionCheck     = "ConditionalCheckFailed"
	turnCondition      = "attribute_not_exists(PK) AND attribute_not_exists(SK)"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client stores conversation turns in a single DynamoDB table:
// PK=CONV#<id>, SK=TURN#<zero-padded sequence>, plus a META# item per
// conversation carrying the last persisted sequence.
type Client struct {
	api       dynamodbAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
}

type DynamoOption func(*Client)

// WithRetention sets how long items live before DynamoDB TTL removes them.
// Zero disables expiry.
func WithRetention(d time.Duration) DynamoOption {
	return func(c *Client) { c.ttl = d }
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string, opts ...DynamoOption) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	c := &Client{api: api, tableName: tableName, ttl: defaultTTLDuration, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// convPK returns the DynamoDB partition key for a conversation.
func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

// turnSK returns the sort key for a turn. Zero padding keeps lexical order
// equal to numeric order.
func turnSK(seq int64) string {
	return fmt.Sprintf("%s%019d", skPrefixTurn, seq)
}

func (c *Client) ttlValue() int64 {
	if c.ttl <= 0 {
		return 0
	}
	return c.now().Add(c.ttl).Unix()
}

// AppendTurn writes the turn and advances the conversation's META# item in one
// transaction. Writing a turn that already exists is a no-op. The stored
// lastSequence never moves backwards: when it is already ahead, only the turn
// is written.
func (c *Client) AppendTurn(ctx context.Context, rec domain.TurnRecord) error {
	if strings.TrimSpace(rec.ConversationID) == "" || rec.Sequence <= 0 {
		return errors.New("repository: AppendTurn: conversation id and positive sequence are required")
	}
	item, err := c.turnItem(rec)
	if err != nil {
		return fmt.Errorf("repository: AppendTurn: %w", err)
	}

	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                item,
					ConditionExpression: aws.String(turnCondition),
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                c.metaItem(rec),
					ConditionExpression: aws.String("attribute_not_exists(lastSequence) OR lastSequence < :seq"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":seq": numAttr(rec.Sequence),
					},
				},
			},
		},
	})
	switch {
	case err == nil:
		return nil
	case cancellationCode(err, 0) == conditionCheck:
		// The turn already exists.
		return nil
	case cancellationCode(err, 1) == conditionCheck && cancellationCode(err, 0) == "None":
		return c.putTurnOnly(ctx, item)
	default:
		return fmt.Errorf("repository: AppendTurn: %w", err)
	}
}

// putTurnOnly writes a turn whose sequence is at or below the stored
// lastSequence, leaving META# untouched.
func (c *Client) putTurnOnly(ctx context.Context, item map[string]types.AttributeValue) error {
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                item,
		ConditionExpression: aws.String(turnCondition),
	})
	var exists *types.ConditionalCheckFailedException
	if errors.As(err, &exists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("repository: AppendTurn put turn: %w", err)
	}
	return nil
}

// cancellationCode returns the cancellation reason code for item i of a
// canceled transaction, or "" when err is not a cancellation.
func cancellationCode(err error, i int) string {
	var canceled *types.TransactionCanceledException
	if !errors.As(err, &canceled) || len(canceled.CancellationReasons) <= i {
		return ""
	}
	return aws.ToString(canceled.CancellationReasons[i].Code)
}

// LastSequence returns the highest persisted sequence, or 0 for an unknown
// conversation.
func (c *Client) LastSequence(ctx context.Context, conversationID string) (int64, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("repository: LastSequence get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return 0, nil
	}
	seq, err := intAttr(out.Item, "lastSequence")
	if err != nil {
		return 0, fmt.Errorf("repository: LastSequence decode: %w", err)
	}
	return seq, nil
}

// Turns returns up to limit of the most recent turns in ascending sequence
// order. A non-positive limit returns a single page.
func (c *Client) Turns(ctx context.Context, conversationID string, limit int) ([]domain.TurnRecord, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
		},
		// Newest first so the limit keeps the most recent turns.
		ScanIndexForward: aws.Bool(false),
		ConsistentRead:   aws.Bool(true),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: Turns query: %w", err)
	}
	recs := make([]domain.TurnRecord, 0, len(out.Items))
	for i := len(out.Items) - 1; i >= 0; i-- {
		rec, err := itemToTurn(out.Items[i])
		if err != nil {
			return nil, fmt.Errorf("repository: Turns unmarshal: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (c *Client) turnItem(rec domain.TurnRecord) (map[string]types.AttributeValue, error) {
	prov, err := json.Marshal(provenanceOrEmpty(rec.Provenance))
	if err != nil {
		return nil, fmt.Errorf("marshal provenance: %w", err)
	}
	item := map[string]types.AttributeValue{
		"PK":               &types.AttributeValueMemberS{Value: convPK(rec.ConversationID)},
		"SK":               &types.AttributeValueMemberS{Value: turnSK(rec.Sequence)},
		"conversationId":   &types.AttributeValueMemberS{Value: rec.ConversationID},
		"sequence":         numAttr(rec.Sequence),
		"callerId":         &types.AttributeValueMemberS{Value: rec.CallerID},
		"userMessage":      &types.AttributeValueMemberS{Value: rec.UserMessage},
		"response":         &types.AttributeValueMemberS{Value: rec.Response},
		"provenance":       &types.AttributeValueMemberS{Value: string(prov)},
		"fingerprint":      &types.AttributeValueMemberS{Value: rec.Fingerprint.String()},
		"outcome":          &types.AttributeValueMemberS{Value: string(rec.Outcome)},
		"model":            &types.AttributeValueMemberS{Value: rec.Model},
		"promptTokens":     numAttr(int64(rec.PromptTokens)),
		"completionTokens": numAttr(int64(rec.CompletionTokens)),
		"createdAt":        &types.AttributeValueMemberS{Value: rec.CreatedAt.UTC().Format(time.RFC3339Nano)},
	}
	if ttl := c.ttlValue(); ttl > 0 {
		item["ttl"] = numAttr(ttl)
	}
	return item, nil
}

func (c *Client) metaItem(rec domain.TurnRecord) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(rec.ConversationID)},
		"SK":             &types.AttributeValueMemberS{Value: skMeta},
		"conversationId": &types.AttributeValueMemberS{Value: rec.ConversationID},
		"lastActivity":   &types.AttributeValueMemberS{Value: c.now().UTC().Format(time.RFC3339)},
		"lastSequence":   numAttr(rec.Sequence),
	}
	if ttl := c.ttlValue(); ttl > 0 {
		item["ttl"] = numAttr(ttl)
	}
	return item
}

// itemToTurn converts a DynamoDB attribute map to a TurnRecord.
func itemToTurn(item map[string]types.AttributeValue) (domain.TurnRecord, error) {
	convID, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.TurnRecord{}, err
	}
	seq, err := intAttr(item, "sequence")
	if err != nil {
		return domain.TurnRecord{}, err
	}
	userMessage, err := strAttr(item, "userMessage")
	if err != nil {
		return domain.TurnRecord{}, err
	}
	response, err := strAttr(item, "response")
	if err != nil {
		return domain.TurnRecord{}, err
	}

	rec := domain.TurnRecord{
		ConversationID: convID,
		Sequence:       seq,
		UserMessage:    userMessage,
		Response:       response,
	}
	rec.CallerID, _ = strAttr(item, "callerId")
	rec.Model, _ = strAttr(item, "model")
	fp, _ := strAttr(item, "fingerprint")
	rec.Fingerprint = domain.Fingerprint(fp)
	outcome, _ := strAttr(item, "outcome")
	rec.Outcome = domain.OutcomeKind(outcome)
	if n, err := intAttr(item, "promptTokens"); err == nil {
		rec.PromptTokens = int(n)
	}
	if n, err := intAttr(item, "completionTokens"); err == nil {
		rec.CompletionTokens = int(n)
	}
	if ts, err := strAttr(item, "createdAt"); err == nil {
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	if raw, err := strAttr(item, "provenance"); err == nil && raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.Provenance); err != nil {
			return domain.TurnRecord{}, fmt.Errorf("repository: decode provenance: %w", err)
		}
	}
	return rec, nil
}

func provenanceOrEmpty(p []domain.FragmentRef) []domain.FragmentRef {
	if p == nil {
		return []domain.FragmentRef{}
	}
	return p
}

func numAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
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

func intAttr(item map[string]types.AttributeValue, key string) (int64, error) {
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
