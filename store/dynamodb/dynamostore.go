// Package dynamodb implements store.Store against a DynamoDB table with a
// TTL attribute, using a single conditional PutItem to get race-free
// first-writer-wins semantics:
//
//	attribute_not_exists(key) OR expiry_ts < :now
//	  OR (status = INPROGRESS AND in_progress_expiry_ms < :now_ms)
//
// On a condition failure the store re-fetches the row with GetItem and
// returns it wrapped in idemerr.ItemAlreadyExistsError, the same
// insert-then-fetch-on-conflict shape the Postgres reference store in this
// module's lineage used for its ON CONFLICT DO NOTHING path.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/vortex-fintech/idempotency-go/idemerr"
	"github.com/vortex-fintech/idempotency-go/store"
)

// Store persists DataRecords in a single DynamoDB table.
type Store struct {
	api API
	cfg Config
}

var _ store.Store = (*Store)(nil)

// New builds a Store from an already-configured SDK client (or a fake
// satisfying API in tests).
func New(api API, cfg Config) (*Store, error) {
	if api == nil {
		return nil, errors.New("dynamodb: api client is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.Columns = cfg.Columns.WithDefaults()
	return &Store{api: api, cfg: cfg}, nil
}

func (s *Store) Put(ctx context.Context, rec store.DataRecord, now time.Time) error {
	cols := s.cfg.Columns

	item, err := s.marshalRecord(rec)
	if err != nil {
		return idemerr.Persistence("put", err)
	}

	conditionAttr := cols.PrimaryKeyAttr
	if cols.UsesCompositeKey() {
		conditionAttr = cols.SortKeyAttr
	}

	cond := expression.Or(
		expression.AttributeNotExists(expression.Name(conditionAttr)),
		expression.Name(cols.ExpiresAtAttr).LessThan(expression.Value(now.Unix())),
		expression.And(
			expression.Name(cols.StatusAttr).Equal(expression.Value(string(store.StatusInProgress))),
			expression.Name(cols.InProgressLeaseExpiryAttr).LessThan(expression.Value(now.UnixMilli())),
		),
	)
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return idemerr.Persistence("put", err)
	}

	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.cfg.TableName),
		Item:                      item,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err == nil {
		return nil
	}

	var condFailed *types.ConditionalCheckFailedException
	if !errors.As(err, &condFailed) {
		return idemerr.Persistence("put", err)
	}

	existing, getErr := s.Get(ctx, rec.IdempotencyKey)
	if getErr != nil && !errors.Is(getErr, idemerr.ErrItemNotFound) {
		return idemerr.Persistence("put", getErr)
	}
	if errors.Is(getErr, idemerr.ErrItemNotFound) {
		// The row that won the race was deleted between the failed
		// condition check and our follow-up Get; report the conflict
		// without an existing row rather than inventing one.
		return &idemerr.ItemAlreadyExistsError{Key: rec.IdempotencyKey}
	}
	return &idemerr.ItemAlreadyExistsError{Key: rec.IdempotencyKey, Existing: existing}
}

func (s *Store) Get(ctx context.Context, key string) (store.DataRecord, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.cfg.TableName),
		Key:            s.keyAttributes(key),
		ConsistentRead: aws.Bool(s.cfg.ConsistentRead),
	})
	if err != nil {
		return store.DataRecord{}, idemerr.Persistence("get", err)
	}
	if len(out.Item) == 0 {
		return store.DataRecord{}, idemerr.ErrItemNotFound
	}

	return s.unmarshalRecord(key, out.Item)
}

func (s *Store) Update(ctx context.Context, rec store.DataRecord) error {
	cols := s.cfg.Columns

	update := expression.Set(expression.Name(cols.StatusAttr), expression.Value(string(rec.Status))).
		Set(expression.Name(cols.ExpiresAtAttr), expression.Value(rec.ExpiresAt.Unix()))

	if len(rec.ResponseData) > 0 {
		update = update.Set(expression.Name(cols.ResponseDataAttr), expression.Value(string(rec.ResponseData)))
	} else {
		update = update.Remove(expression.Name(cols.ResponseDataAttr))
	}
	if rec.PayloadHash != "" {
		update = update.Set(expression.Name(cols.PayloadHashAttr), expression.Value(rec.PayloadHash))
	}
	if !rec.InProgressLeaseExpiry.IsZero() {
		update = update.Set(expression.Name(cols.InProgressLeaseExpiryAttr), expression.Value(rec.InProgressLeaseExpiry.UnixMilli()))
	} else {
		update = update.Remove(expression.Name(cols.InProgressLeaseExpiryAttr))
	}

	expr, err := expression.NewBuilder().WithUpdate(update).Build()
	if err != nil {
		return idemerr.Persistence("update", err)
	}

	_, err = s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.cfg.TableName),
		Key:                       s.keyAttributes(rec.IdempotencyKey),
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return idemerr.Persistence("update", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.cfg.TableName),
		Key:       s.keyAttributes(key),
	})
	if err != nil {
		return idemerr.Persistence("delete", err)
	}
	return nil
}

func (s *Store) keyAttributes(idempotencyKey string) map[string]types.AttributeValue {
	cols := s.cfg.Columns
	if cols.UsesCompositeKey() {
		return map[string]types.AttributeValue{
			cols.PrimaryKeyAttr: &types.AttributeValueMemberS{Value: cols.StaticPartitionValue},
			cols.SortKeyAttr:    &types.AttributeValueMemberS{Value: idempotencyKey},
		}
	}
	return map[string]types.AttributeValue{
		cols.PrimaryKeyAttr: &types.AttributeValueMemberS{Value: idempotencyKey},
	}
}

func (s *Store) marshalRecord(rec store.DataRecord) (map[string]types.AttributeValue, error) {
	cols := s.cfg.Columns

	item := s.keyAttributes(rec.IdempotencyKey)
	item[cols.StatusAttr] = &types.AttributeValueMemberS{Value: string(rec.Status)}
	item[cols.ExpiresAtAttr] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", rec.ExpiresAt.Unix())}

	if !rec.InProgressLeaseExpiry.IsZero() {
		item[cols.InProgressLeaseExpiryAttr] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", rec.InProgressLeaseExpiry.UnixMilli())}
	}
	if len(rec.ResponseData) > 0 {
		item[cols.ResponseDataAttr] = &types.AttributeValueMemberS{Value: string(rec.ResponseData)}
	}
	if rec.PayloadHash != "" {
		item[cols.PayloadHashAttr] = &types.AttributeValueMemberS{Value: rec.PayloadHash}
	}
	return item, nil
}

func (s *Store) unmarshalRecord(key string, item map[string]types.AttributeValue) (store.DataRecord, error) {
	cols := s.cfg.Columns

	rec := store.DataRecord{IdempotencyKey: key}

	if v, ok := item[cols.StatusAttr].(*types.AttributeValueMemberS); ok {
		rec.Status = store.Status(v.Value)
	}
	if v, ok := item[cols.ExpiresAtAttr].(*types.AttributeValueMemberN); ok {
		sec, err := parseInt64(v.Value)
		if err != nil {
			return store.DataRecord{}, fmt.Errorf("dynamodb: decoding %s: %w", cols.ExpiresAtAttr, err)
		}
		rec.ExpiresAt = time.Unix(sec, 0).UTC()
	}
	if v, ok := item[cols.InProgressLeaseExpiryAttr].(*types.AttributeValueMemberN); ok {
		ms, err := parseInt64(v.Value)
		if err != nil {
			return store.DataRecord{}, fmt.Errorf("dynamodb: decoding %s: %w", cols.InProgressLeaseExpiryAttr, err)
		}
		rec.InProgressLeaseExpiry = time.UnixMilli(ms).UTC()
	}
	if v, ok := item[cols.ResponseDataAttr].(*types.AttributeValueMemberS); ok {
		rec.ResponseData = []byte(v.Value)
	}
	if v, ok := item[cols.PayloadHashAttr].(*types.AttributeValueMemberS); ok {
		rec.PayloadHash = v.Value
	}

	return rec, nil
}

func parseInt64(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}
