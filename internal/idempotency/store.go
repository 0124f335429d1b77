package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/imrishuroy/casefab/internal/aws"
)

// Store encapsulates idempotency operations against DynamoDB.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	ttlWindow time.Duration // how long a key is remembered
	nowFunc   func() time.Time
}

// NewStore returns a configured Store.
// tableName: DynamoDB table name for idempotency entries.
// ttlWindow: how long a key blocks duplicates (e.g., 48*time.Hour)
func NewStore(client aws.DynamoDBAPI, tableName string, ttlWindow time.Duration) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		ttlWindow: ttlWindow,
		nowFunc:   time.Now,
	}
}

// ErrNotFound is returned when marking a key that was never claimed.
var ErrNotFound = errors.New("idempotency key not found")

// HashRequest fingerprints a request body so a reused key with a different
// payload can be told apart from a genuine retry.
func HashRequest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Claim creates an IN_PROGRESS record for key unless a live one exists.
// Returns (true, nil) if this caller owns the key, (false, nil) if another
// request already holds it (caller should Get to inspect). A record whose TTL
// lapsed but that DynamoDB has not yet removed can be claimed again.
func (s *Store) Claim(ctx context.Context, key, orderID, sessionID, requestHash string) (bool, error) {
	now := s.nowFunc().UTC()
	rec := Record{
		IdempotencyKey: key,
		Status:         StatusInProgress,
		OrderID:        orderID,
		SessionID:      sessionID,
		RequestHash:    requestHash,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(s.ttlWindow).Unix(),
	}

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return false, fmt.Errorf("marshal record: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:                &s.tableName,
		Item:                     item,
		ConditionExpression:      awsString("attribute_not_exists(idempotency_key) OR #exp < :now"),
		ExpressionAttributeNames: map[string]string{"#exp": "expires_at"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			return false, nil
		}
		return false, fmt.Errorf("put item: %w", err)
	}
	return true, nil
}

// Get retrieves an idempotency record by key. If not found or expired, returns (nil, nil).
func (s *Store) Get(ctx context.Context, key string) (*Record, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"idempotency_key": &types.AttributeValueMemberS{Value: key},
		},
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	if rec.ExpiresAt < s.nowFunc().Unix() {
		return nil, nil
	}
	return &rec, nil
}

// MarkDone sets status to DONE and stores the response replayed to duplicates.
func (s *Store) MarkDone(ctx context.Context, key, responseBody string, responseStatus int) error {
	return s.update(ctx, key, "SET #s = :st, response_body = :rb, response_status = :rs, updated_at = :ua",
		map[string]types.AttributeValue{
			":st": &types.AttributeValueMemberS{Value: StatusDone},
			":rb": &types.AttributeValueMemberS{Value: responseBody},
			":rs": &types.AttributeValueMemberN{Value: strconv.Itoa(responseStatus)},
		})
}

// MarkFailed marks the record FAILED with a note; the client may retry with the same key.
func (s *Store) MarkFailed(ctx context.Context, key, note string) error {
	return s.update(ctx, key, "SET #s = :st, note = :n, updated_at = :ua",
		map[string]types.AttributeValue{
			":st": &types.AttributeValueMemberS{Value: StatusFailed},
			":n":  &types.AttributeValueMemberS{Value: note},
		})
}

// Release deletes the claim by expiring it immediately, so a retry can claim again.
func (s *Store) Release(ctx context.Context, key string) error {
	return s.update(ctx, key, "SET #s = :st, expires_at = :exp, updated_at = :ua",
		map[string]types.AttributeValue{
			":st":  &types.AttributeValueMemberS{Value: StatusFailed},
			":exp": &types.AttributeValueMemberN{Value: strconv.FormatInt(s.nowFunc().Add(-time.Second).Unix(), 10)},
		})
}

func (s *Store) update(ctx context.Context, key, expr string, values map[string]types.AttributeValue) error {
	values[":ua"] = &types.AttributeValueMemberS{Value: s.nowFunc().UTC().Format(time.RFC3339Nano)}
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"idempotency_key": &types.AttributeValueMemberS{Value: key},
		},
		UpdateExpression:          awsString(expr),
		ConditionExpression:       awsString("attribute_exists(idempotency_key)"),
		ExpressionAttributeNames:  map[string]string{"#s": "status"},
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueUpdatedNew,
	})
	if err != nil {
		if isConditionFailure(err) {
			return ErrNotFound
		}
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

func isConditionFailure(err error) bool {
	var ae smithy.APIError
	return errors.As(err, &ae) && ae.ErrorCode() == "ConditionalCheckFailedException"
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
