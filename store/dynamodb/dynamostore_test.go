package dynamodb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/vortex-fintech/idempotency-go/idemerr"
	"github.com/vortex-fintech/idempotency-go/store"
)

type fakeAPI struct {
	items map[string]map[string]types.AttributeValue

	putErr error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{items: make(map[string]map[string]types.AttributeValue)}
}

func (f *fakeAPI) itemKey(key map[string]types.AttributeValue) string {
	// Single-attribute key assumed in these unit tests (no composite mode).
	v, ok := key["id"].(*types.AttributeValueMemberS)
	if !ok {
		return ""
	}
	return v.Value
}

func (f *fakeAPI) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}

	id := f.itemKey(in.Item)
	if existing, ok := f.items[id]; ok {
		// Emulate the condition: fail unless expired or lease lapsed. The
		// real evaluation happens server-side; here we just always report
		// conflict for "exists" tests and let callers pre-seed absence when
		// they want success, matching how these focused unit tests are
		// structured (integration tests exercise the real expression).
		_ = existing
		return nil, &types.ConditionalCheckFailedException{Message: stringPtr("conflict")}
	}
	f.items[id] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeAPI) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	id := f.itemKey(in.Key)
	item, ok := f.items[id]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (f *fakeAPI) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	id := f.itemKey(in.Key)
	if _, ok := f.items[id]; !ok {
		f.items[id] = map[string]types.AttributeValue{}
		for k, v := range in.Key {
			f.items[id][k] = v
		}
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeAPI) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	delete(f.items, f.itemKey(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func stringPtr(s string) *string { return &s }

func TestStore_PutInsertsNewRow(t *testing.T) {
	api := newFakeAPI()
	s, err := New(api, Config{TableName: "idempotency"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	now := time.Now().UTC()
	rec := store.DataRecord{
		IdempotencyKey:        "fn#deadbeef",
		Status:                store.StatusInProgress,
		ExpiresAt:             now.Add(time.Hour),
		InProgressLeaseExpiry: now.Add(30 * time.Second),
	}

	if err := s.Put(context.Background(), rec, now); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(context.Background(), rec.IdempotencyKey)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != store.StatusInProgress {
		t.Fatalf("expected INPROGRESS, got %s", got.Status)
	}
}

func TestStore_PutConflictReturnsExisting(t *testing.T) {
	api := newFakeAPI()
	s, err := New(api, Config{TableName: "idempotency"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	now := time.Now().UTC()
	rec := store.DataRecord{
		IdempotencyKey: "fn#deadbeef",
		Status:         store.StatusInProgress,
		ExpiresAt:      now.Add(time.Hour),
	}
	if err := s.Put(context.Background(), rec, now); err != nil {
		t.Fatalf("first Put: %v", err)
	}

	err = s.Put(context.Background(), rec, now)
	var already *idemerr.ItemAlreadyExistsError
	if !errors.As(err, &already) {
		t.Fatalf("expected ItemAlreadyExistsError, got %v", err)
	}
	if already.Key != rec.IdempotencyKey {
		t.Fatalf("unexpected key on conflict: %q", already.Key)
	}
}

func TestStore_ResponseDataStoredAsStringAttribute(t *testing.T) {
	api := newFakeAPI()
	s, err := New(api, Config{TableName: "idempotency"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	now := time.Now().UTC()
	rec := store.DataRecord{
		IdempotencyKey: "fn#deadbeef",
		Status:         store.StatusInProgress,
		ExpiresAt:      now.Add(time.Hour),
		ResponseData:   []byte(`{"ok":true}`),
	}
	if err := s.Put(context.Background(), rec, now); err != nil {
		t.Fatalf("Put: %v", err)
	}

	stored, ok := api.items[rec.IdempotencyKey]["data"]
	if !ok {
		t.Fatalf("expected data attribute to be set")
	}
	s1, ok := stored.(*types.AttributeValueMemberS)
	if !ok {
		t.Fatalf("expected response_data to be stored as a DynamoDB string attribute (per the documented schema), got %T", stored)
	}
	if s1.Value != `{"ok":true}` {
		t.Fatalf("unexpected stored value: %q", s1.Value)
	}

	got, err := s.Get(context.Background(), rec.IdempotencyKey)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.ResponseData) != `{"ok":true}` {
		t.Fatalf("unexpected round-tripped response data: %q", got.ResponseData)
	}
}

func TestStore_GetMissingReturnsNotFound(t *testing.T) {
	api := newFakeAPI()
	s, err := New(api, Config{TableName: "idempotency"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = s.Get(context.Background(), "nope")
	if !errors.Is(err, idemerr.ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound, got %v", err)
	}
}

func TestStore_DeleteIsNoopOnMissing(t *testing.T) {
	api := newFakeAPI()
	s, err := New(api, Config{TableName: "idempotency"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Delete(context.Background(), "nope"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestNew_RequiresAPI(t *testing.T) {
	if _, err := New(nil, Config{TableName: "t"}); err == nil {
		t.Fatalf("expected error for nil API")
	}
}

func TestNew_RequiresTableName(t *testing.T) {
	if _, err := New(newFakeAPI(), Config{}); err == nil {
		t.Fatalf("expected error for empty table name")
	}
}
