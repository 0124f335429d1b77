package sessions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/imrishuroy/casefab/internal/aws"
)

var (
	// ErrNotFound covers both a missing record and one whose TTL has lapsed.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidTransition means the record is not in the state the action requires.
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrUnknownAction     = errors.New("unknown session action")
	ErrInvalidAction     = errors.New("invalid session action")
)

// Store encapsulates operations on the sessions table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	ttl       TTLConfig
	nowFunc   func() time.Time
}

// NewStore creates a sessions Store. Zero TTL windows fall back to DefaultTTLs.
func NewStore(client aws.DynamoDBAPI, tableName string, ttl TTLConfig) *Store {
	def := DefaultTTLs()
	if ttl.Created <= 0 {
		ttl.Created = def.Created
	}
	if ttl.Submitted <= 0 {
		ttl.Submitted = def.Submitted
	}
	if ttl.Completed <= 0 {
		ttl.Completed = def.Completed
	}
	return &Store{
		client:    client,
		tableName: tableName,
		ttl:       ttl,
		nowFunc:   time.Now,
	}
}

// WithClock replaces the store clock; used by tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.nowFunc = now
	return s
}

// TTLs returns the expiry windows the store applies.
func (s *Store) TTLs() TTLConfig { return s.ttl }

// Create opens a session. It is idempotent on the session id: when an
// unexpired record already exists it is returned with created=false.
//
// Every session id has an anchor item naming its current record. The new
// record and the anchor swap are written in one transaction, conditioned on
// the anchor still naming the record this call read, so concurrent creates
// for one id produce exactly one record.
func (s *Store) Create(ctx context.Context, in CreateInput) (*Session, bool, error) {
	if in.MachineID == "" {
		return nil, false, fmt.Errorf("%w: machine_id is required", ErrInvalidAction)
	}
	id := in.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	now := s.nowFunc().UTC()

	prev, err := s.getAnchor(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if prev != nil {
		existing, err := s.getRecord(ctx, prev.PK, prev.CurrentSK)
		if err != nil {
			return nil, false, err
		}
		if existing != nil && !existing.Expired(now) {
			return existing, false, nil
		}
	}

	sess := Session{
		PK:          partitionKey(id),
		SK:          sortKey(now),
		SessionID:   id,
		MachineID:   in.MachineID,
		ProductType: in.ProductType,
		Status:      StatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(s.ttl.Created).Unix(),
	}
	item, err := attributevalue.MarshalMap(sess)
	if err != nil {
		return nil, false, fmt.Errorf("marshal session: %w", err)
	}
	anchorItem, err := attributevalue.MarshalMap(anchor{
		PK:        sess.PK,
		SK:        anchorSK,
		CurrentSK: sess.SK,
		ExpiresAt: now.Add(s.ttl.Created + s.ttl.Submitted + s.ttl.Completed).Unix(),
	})
	if err != nil {
		return nil, false, fmt.Errorf("marshal anchor: %w", err)
	}

	anchorPut := &types.Put{
		TableName:           &s.tableName,
		Item:                anchorItem,
		ConditionExpression: awsString("attribute_not_exists(pk)"),
	}
	if prev != nil {
		anchorPut.ConditionExpression = awsString("current_sk = :prev")
		anchorPut.ExpressionAttributeValues = map[string]types.AttributeValue{
			":prev": &types.AttributeValueMemberS{Value: prev.CurrentSK},
		}
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: anchorPut},
			{Put: &types.Put{
				TableName:           &s.tableName,
				Item:                item,
				ConditionExpression: awsString("attribute_not_exists(pk)"),
			}},
		},
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			// another create for this id committed first
			winner, getErr := s.Get(ctx, id)
			if getErr != nil {
				return nil, false, getErr
			}
			if winner != nil {
				return winner, false, nil
			}
		}
		return nil, false, fmt.Errorf("create session: %w", err)
	}
	return &sess, true, nil
}

// Get returns the latest record for a session id. Returns (nil, nil) when
// there is none or its TTL has lapsed; expiry in DynamoDB is asynchronous so
// the check is repeated here.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := s.latest(ctx, sessionID)
	if err != nil || sess == nil {
		return nil, err
	}
	if sess.Expired(s.nowFunc()) {
		return nil, nil
	}
	return sess, nil
}

// Describe is Get for display: a non-terminal record whose TTL has lapsed
// but that the table still holds is returned with StatusExpired.
func (s *Store) Describe(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := s.latest(ctx, sessionID)
	if err != nil || sess == nil {
		return nil, err
	}
	now := s.nowFunc()
	if sess.Status == StatusCompleted && sess.Expired(now) {
		return nil, nil
	}
	sess.Status = sess.CurrentStatus(now)
	return sess, nil
}

func (s *Store) latest(ctx context.Context, sessionID string) (*Session, error) {
	out, err := s.client.Query(ctx, &dyn.QueryInput{
		TableName:                &s.tableName,
		KeyConditionExpression:   awsString("#pk = :pk AND begins_with(#sk, :ts)"),
		ExpressionAttributeNames: map[string]string{"#pk": "pk", "#sk": "sk"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: partitionKey(sessionID)},
			":ts": &types.AttributeValueMemberS{Value: sortPrefix},
		},
		ScanIndexForward: awsBool(false),
		Limit:            awsInt32(1),
		ConsistentRead:   awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	if len(out.Items) == 0 {
		return nil, nil
	}
	var sess Session
	if err := attributevalue.UnmarshalMap(out.Items[0], &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

func (s *Store) getAnchor(ctx context.Context, sessionID string) (*anchor, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: partitionKey(sessionID)},
			"sk": &types.AttributeValueMemberS{Value: anchorSK},
		},
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get session anchor: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var a anchor
	if err := attributevalue.UnmarshalMap(out.Item, &a); err != nil {
		return nil, fmt.Errorf("unmarshal anchor: %w", err)
	}
	return &a, nil
}

func (s *Store) getRecord(ctx context.Context, pk, sk string) (*Session, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: pk},
			"sk": &types.AttributeValueMemberS{Value: sk},
		},
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var sess Session
	if err := attributevalue.UnmarshalMap(out.Item, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

// Apply runs one transition against the session. The precondition is checked
// on the current record and again inside the conditional write together with
// the TTL, so a record that expires or moves between the read and the write
// is never mutated.
func (s *Store) Apply(ctx context.Context, sessionID string, action Action) (*Session, error) {
	if action == nil {
		return nil, ErrUnknownAction
	}
	if err := action.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}

	cur, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, ErrNotFound
	}

	guardAttr, expected := action.guard()
	if got := cur.fieldValue(guardAttr); got != expected {
		return nil, fmt.Errorf("%w: %s requires %s=%s, have %q", ErrInvalidTransition, action.Name(), guardAttr, expected, got)
	}

	now := s.nowFunc().UTC()
	input, err := s.buildUpdate(cur, action, now)
	if err != nil {
		return nil, err
	}

	out, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil, s.explainConditionFailure(action, ccf.Item, now)
		}
		return nil, fmt.Errorf("update session: %w", err)
	}

	var next Session
	if err := attributevalue.UnmarshalMap(out.Attributes, &next); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &next, nil
}

func (s *Store) buildUpdate(cur *Session, action Action, now time.Time) (*dyn.UpdateItemInput, error) {
	guardAttr, expected := action.guard()
	names := map[string]string{
		"#pk":    "pk",
		"#guard": guardAttr,
		"#exp":   "expires_at",
	}
	values := map[string]types.AttributeValue{
		":expected": &types.AttributeValueMemberS{Value: expected},
		":now":      &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
	}

	updateExpr := "SET "
	for i, ch := range action.changes(now, s.ttl) {
		av, err := attributevalue.Marshal(ch.value)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", ch.attr, err)
		}
		n, v := fmt.Sprintf("#f%d", i), fmt.Sprintf(":v%d", i)
		names[n] = ch.attr
		values[v] = av
		if i > 0 {
			updateExpr += ", "
		}
		updateExpr += n + " = " + v
	}

	return &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: cur.PK},
			"sk": &types.AttributeValueMemberS{Value: cur.SK},
		},
		UpdateExpression:                    &updateExpr,
		ConditionExpression:                 awsString("attribute_exists(#pk) AND #guard = :expected AND #exp > :now"),
		ExpressionAttributeNames:            names,
		ExpressionAttributeValues:           values,
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	}, nil
}

// explainConditionFailure decides between not-found and a lost race using the
// item DynamoDB returned with the failure.
func (s *Store) explainConditionFailure(action Action, old map[string]types.AttributeValue, now time.Time) error {
	if len(old) == 0 {
		return ErrNotFound
	}
	var sess Session
	if err := attributevalue.UnmarshalMap(old, &sess); err != nil {
		return fmt.Errorf("unmarshal session: %w", err)
	}
	if sess.Expired(now) {
		return ErrNotFound
	}
	guardAttr, expected := action.guard()
	return fmt.Errorf("%w: %s requires %s=%s, have %q", ErrInvalidTransition, action.Name(), guardAttr, expected, sess.fieldValue(guardAttr))
}

// ListByMachineStatus returns unexpired sessions for a machine in the given
// status, oldest first. Backed by MachineStatusIndex.
func (s *Store) ListByMachineStatus(ctx context.Context, machineID string, status Status) ([]Session, error) {
	now := s.nowFunc()
	input := &dyn.QueryInput{
		TableName:              &s.tableName,
		IndexName:              awsString(MachineStatusIndex),
		KeyConditionExpression: awsString("#m = :m AND #s = :s"),
		FilterExpression:       awsString("#exp > :now"),
		ExpressionAttributeNames: map[string]string{
			"#m":   "machine_id",
			"#s":   "status",
			"#exp": "expires_at",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":m":   &types.AttributeValueMemberS{Value: machineID},
			":s":   &types.AttributeValueMemberS{Value: string(status)},
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	}

	var result []Session
	for {
		out, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("query machine sessions: %w", err)
		}
		var page []Session
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshal sessions: %w", err)
		}
		result = append(result, page...)
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}

	sort.SliceStable(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
func awsInt32(n int32) *int32    { return &n }
