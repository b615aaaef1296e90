// Package dynamo implements the Store against DynamoDB. The two conditional
// updates ride on DynamoDB condition expressions, which makes every
// transition a single atomic round trip against the targeted item.
//
// Table layout: PK "SBX#<sandbox_id>", SK "META". Two GSIs:
// (status, allocated_at) for the candidate scan and the loop sweeps, and
// (idempotency_key, allocated_at) for allocation dedup. allocated_at is
// always numeric (0 sentinel) so the index key is always populated.
package dynamo

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/skillpod/sandbox-broker/pkg/store"
)

const (
	pkPrefix = "SBX#"
	metaSK   = "META"
)

// API is the slice of the DynamoDB client the store uses; tests substitute
// a fake.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

type Config struct {
	TableName        string
	StatusIndex      string
	IdempotencyIndex string
}

func (c Config) withDefaults() Config {
	if c.TableName == "" {
		c.TableName = "SandboxPool"
	}
	if c.StatusIndex == "" {
		c.StatusIndex = "StatusIndex"
	}
	if c.IdempotencyIndex == "" {
		c.IdempotencyIndex = "IdempotencyIndex"
	}
	return c
}

type Store struct {
	api API
	cfg Config
}

var _ store.Store = &Store{}

func New(api API, cfg Config) *Store {
	return &Store{api: api, cfg: cfg.withDefaults()}
}

func key(sandboxID string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"PK": &ddbtypes.AttributeValueMemberS{Value: pkPrefix + sandboxID},
		"SK": &ddbtypes.AttributeValueMemberS{Value: metaSK},
	}
}

func toItem(sb *store.Sandbox) (map[string]ddbtypes.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(sb)
	if err != nil {
		return nil, fmt.Errorf("dynamo: marshal sandbox %s: %w", sb.SandboxID, err)
	}
	item["PK"] = &ddbtypes.AttributeValueMemberS{Value: pkPrefix + sb.SandboxID}
	item["SK"] = &ddbtypes.AttributeValueMemberS{Value: metaSK}
	return item, nil
}

func fromItem(item map[string]ddbtypes.AttributeValue) (*store.Sandbox, error) {
	sb := &store.Sandbox{}
	if err := attributevalue.UnmarshalMap(item, sb); err != nil {
		return nil, fmt.Errorf("dynamo: unmarshal item: %w", err)
	}
	return sb, nil
}

func (s *Store) Get(ctx context.Context, sandboxID string) (*store.Sandbox, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.cfg.TableName),
		Key:       key(sandboxID),
	})
	if err != nil {
		return nil, wrapErr("get "+sandboxID, err)
	}
	if out.Item == nil {
		return nil, store.ErrNotFound
	}
	return fromItem(out.Item)
}

func (s *Store) Put(ctx context.Context, sb *store.Sandbox) error {
	cp := *sb
	cp.UpdatedAt = nowUnix()
	if cp.CreatedAt == 0 {
		cp.CreatedAt = cp.UpdatedAt
	}
	item, err := toItem(&cp)
	if err != nil {
		return err
	}
	if _, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.cfg.TableName),
		Item:      item,
	}); err != nil {
		return wrapErr("put "+sb.SandboxID, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, sandboxID string) error {
	if _, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.cfg.TableName),
		Key:       key(sandboxID),
	}); err != nil {
		return wrapErr("delete "+sandboxID, err)
	}
	return nil
}

func (s *Store) QueryByStatus(ctx context.Context, status store.Status, limit int) ([]*store.Sandbox, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.cfg.TableName),
		IndexName:              aws.String(s.cfg.StatusIndex),
		KeyConditionExpression: aws.String("#status = :status"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":status": &ddbtypes.AttributeValueMemberS{Value: string(status)},
		},
	}
	if limit > 0 {
		input.Limit = aws.Int32(int32(limit))
	}

	var sandboxes []*store.Sandbox
	for {
		out, err := s.api.Query(ctx, input)
		if err != nil {
			return nil, wrapErr("query status "+string(status), err)
		}
		for _, item := range out.Items {
			sb, err := fromItem(item)
			if err != nil {
				return nil, err
			}
			sandboxes = append(sandboxes, sb)
		}
		if limit > 0 && len(sandboxes) >= limit {
			return sandboxes[:limit], nil
		}
		if out.LastEvaluatedKey == nil {
			return sandboxes, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (s *Store) QueryByIdempotencyKey(ctx context.Context, idemKey string) (*store.Sandbox, error) {
	out, err := s.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.cfg.TableName),
		IndexName:              aws.String(s.cfg.IdempotencyIndex),
		KeyConditionExpression: aws.String("idempotency_key = :key"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":key": &ddbtypes.AttributeValueMemberS{Value: idemKey},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return nil, wrapErr("query idempotency key", err)
	}
	if len(out.Items) == 0 {
		return nil, nil
	}
	return fromItem(out.Items[0])
}

func (s *Store) Enumerate(ctx context.Context, cursor string, limit int) ([]*store.Sandbox, string, error) {
	input := &dynamodb.ScanInput{
		TableName: aws.String(s.cfg.TableName),
	}
	if limit > 0 {
		input.Limit = aws.Int32(int32(limit))
	}
	if cursor != "" {
		startKey, err := decodeCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		input.ExclusiveStartKey = startKey
	}

	out, err := s.api.Scan(ctx, input)
	if err != nil {
		return nil, "", wrapErr("scan", err)
	}
	sandboxes := make([]*store.Sandbox, 0, len(out.Items))
	for _, item := range out.Items {
		sb, err := fromItem(item)
		if err != nil {
			return nil, "", err
		}
		sandboxes = append(sandboxes, sb)
	}
	next := ""
	if out.LastEvaluatedKey != nil {
		if next, err = encodeCursor(out.LastEvaluatedKey); err != nil {
			return nil, "", err
		}
	}
	return sandboxes, next, nil
}

func (s *Store) ConditionalAllocate(ctx context.Context, sandboxID, owner, idemKey string, now int64, labTag string) (*store.Sandbox, error) {
	update := "SET #status = :allocated, allocated_to_owner = :owner, allocated_at = :now, idempotency_key = :idem_key, updated_at = :now"
	values := map[string]ddbtypes.AttributeValue{
		":allocated": &ddbtypes.AttributeValueMemberS{Value: string(store.StatusAllocated)},
		":available": &ddbtypes.AttributeValueMemberS{Value: string(store.StatusAvailable)},
		":owner":     &ddbtypes.AttributeValueMemberS{Value: owner},
		":idem_key":  &ddbtypes.AttributeValueMemberS{Value: idemKey},
		":now":       &ddbtypes.AttributeValueMemberN{Value: fmt.Sprint(now)},
	}
	if labTag != "" {
		update += ", lab_tag = :lab_tag"
		values[":lab_tag"] = &ddbtypes.AttributeValueMemberS{Value: labTag}
	}

	out, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.cfg.TableName),
		Key:                 key(sandboxID),
		UpdateExpression:    aws.String(update),
		ConditionExpression: aws.String("attribute_exists(PK) AND #status = :available"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: values,
		ReturnValues:              ddbtypes.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionFailure(err) {
			return nil, store.ErrConditionFailed
		}
		return nil, wrapErr("allocate "+sandboxID, err)
	}
	return fromItem(out.Attributes)
}

func (s *Store) ConditionalMarkForDeletion(ctx context.Context, sandboxID, owner string, now, minValidAllocatedAt int64) (*store.Sandbox, error) {
	out, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.cfg.TableName),
		Key:       key(sandboxID),
		UpdateExpression: aws.String(
			"SET #status = :pending_deletion, deletion_requested_at = :now, updated_at = :now"),
		ConditionExpression: aws.String(
			"attribute_exists(PK) AND #status = :allocated AND allocated_to_owner = :owner AND allocated_at > :min_valid"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":pending_deletion": &ddbtypes.AttributeValueMemberS{Value: string(store.StatusPendingDeletion)},
			":allocated":        &ddbtypes.AttributeValueMemberS{Value: string(store.StatusAllocated)},
			":owner":            &ddbtypes.AttributeValueMemberS{Value: owner},
			":now":              &ddbtypes.AttributeValueMemberN{Value: fmt.Sprint(now)},
			":min_valid":        &ddbtypes.AttributeValueMemberN{Value: fmt.Sprint(minValidAllocatedAt)},
		},
		ReturnValues: ddbtypes.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionFailure(err) {
			return nil, store.ErrConditionFailed
		}
		return nil, wrapErr("mark for deletion "+sandboxID, err)
	}
	return fromItem(out.Attributes)
}

// isConditionFailure distinguishes ordinary contention from transport and
// store errors.
func isConditionFailure(err error) bool {
	var ccf *ddbtypes.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// wrapErr annotates failures with the service error code when the SDK
// surfaced one, so log lines distinguish throttling from outages.
func wrapErr(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("dynamo: %s: %s: %w", op, apiErr.ErrorCode(), err)
	}
	return fmt.Errorf("dynamo: %s: %w", op, err)
}

func encodeCursor(lastKey map[string]ddbtypes.AttributeValue) (string, error) {
	plain := map[string]string{}
	for name, av := range lastKey {
		sv, ok := av.(*ddbtypes.AttributeValueMemberS)
		if !ok {
			return "", fmt.Errorf("dynamo: unsupported cursor attribute %s", name)
		}
		plain[name] = sv.Value
	}
	raw, err := json.Marshal(plain)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decodeCursor(cursor string) (map[string]ddbtypes.AttributeValue, error) {
	raw, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("dynamo: bad cursor: %w", err)
	}
	plain := map[string]string{}
	if err := json.Unmarshal(raw, &plain); err != nil {
		return nil, fmt.Errorf("dynamo: bad cursor: %w", err)
	}
	startKey := make(map[string]ddbtypes.AttributeValue, len(plain))
	for name, value := range plain {
		startKey[name] = &ddbtypes.AttributeValueMemberS{Value: value}
	}
	return startKey, nil
}
