package repository

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"relaychat/internal/domain"
)

// fakeTable is an in-memory stand-in for a single DynamoDB table. It only
// understands the key layout and the condition expressions Client issues.
type fakeTable struct {
	mu    sync.Mutex
	items map[string]map[string]map[string]types.AttributeValue // PK -> SK -> item

	getErr   error
	queryErr error
	scanErr  error
	txErr    error
	batchErr error

	// beforeTransact runs without the lock held, before a transaction is
	// applied. Tests use it to interleave a competing write.
	beforeTransact func()
	// unprocessedRounds makes the next N BatchWriteItem calls process only
	// the first request and hand back the rest.
	unprocessedRounds int

	txCalls    int
	batchCalls int
	lastTx     *dynamodb.TransactWriteItemsInput
}

func newFakeTable() *fakeTable {
	return &fakeTable{items: map[string]map[string]map[string]types.AttributeValue{}}
}

func keyOf(item map[string]types.AttributeValue) (string, string) {
	pk, _ := strAttr(item, "PK")
	sk, _ := strAttr(item, "SK")
	return pk, sk
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func (f *fakeTable) get(pk, sk string) (map[string]types.AttributeValue, bool) {
	item, ok := f.items[pk][sk]
	return item, ok
}

func (f *fakeTable) put(item map[string]types.AttributeValue) {
	pk, sk := keyOf(item)
	if f.items[pk] == nil {
		f.items[pk] = map[string]map[string]types.AttributeValue{}
	}
	f.items[pk][sk] = copyItem(item)
}

func (f *fakeTable) remove(pk, sk string) {
	delete(f.items[pk], sk)
	if len(f.items[pk]) == 0 {
		delete(f.items, pk)
	}
}

func sval(av types.AttributeValue) string {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return v.Value
	case *types.AttributeValueMemberN:
		return v.Value
	}
	return ""
}

func (f *fakeTable) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.get(keyOf(in.Key))
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: copyItem(item)}, nil
}

func (f *fakeTable) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.get(keyOf(in.Item)); exists && strings.Contains(aws.ToString(in.ConditionExpression), "attribute_not_exists") {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
	}
	f.put(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeTable) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.get(keyOf(in.Key))
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("missing")}
	}
	item = copyItem(item)
	item["title"] = in.ExpressionAttributeValues[":title"]
	item["searchText"] = in.ExpressionAttributeValues[":search"]
	item["updatedAt"] = in.ExpressionAttributeValues[":now"]
	f.put(item)
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeTable) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	pk := sval(in.ExpressionAttributeValues[":pk"])
	prefix := sval(in.ExpressionAttributeValues[":prefix"])

	sks := make([]string, 0, len(f.items[pk]))
	for sk := range f.items[pk] {
		if strings.HasPrefix(sk, prefix) {
			sks = append(sks, sk)
		}
	}
	sort.Strings(sks)
	out := &dynamodb.QueryOutput{}
	for _, sk := range sks {
		out.Items = append(out.Items, copyItem(f.items[pk][sk]))
	}
	return out, nil
}

func (f *fakeTable) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	meta := sval(in.ExpressionAttributeValues[":meta"])
	q, hasQuery := in.ExpressionAttributeValues[":q"]

	out := &dynamodb.ScanOutput{}
	for _, partition := range f.items {
		for sk, item := range partition {
			if sk == meta || (hasQuery && strings.Contains(sval(item["searchText"]), sval(q))) {
				out.Items = append(out.Items, copyItem(item))
			}
		}
	}
	return out, nil
}

func (f *fakeTable) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	if hook := f.beforeTransact; hook != nil {
		f.beforeTransact = nil
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txCalls++
	f.lastTx = in
	if f.txErr != nil {
		return nil, f.txErr
	}

	canceled := &types.TransactionCanceledException{Message: aws.String("conditional check failed")}
	for _, ti := range in.TransactItems {
		switch {
		case ti.Put != nil:
			if _, exists := f.get(keyOf(ti.Put.Item)); exists {
				return nil, canceled
			}
		case ti.Update != nil:
			item, ok := f.get(keyOf(ti.Update.Key))
			if !ok || sval(item["msgCount"]) != sval(ti.Update.ExpressionAttributeValues[":prev"]) {
				return nil, canceled
			}
		}
	}
	for _, ti := range in.TransactItems {
		switch {
		case ti.Put != nil:
			f.put(ti.Put.Item)
		case ti.Update != nil:
			item, _ := f.get(keyOf(ti.Update.Key))
			item = copyItem(item)
			item["updatedAt"] = ti.Update.ExpressionAttributeValues[":ts"]
			item["msgCount"] = ti.Update.ExpressionAttributeValues[":next"]
			f.put(item)
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (f *fakeTable) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls++
	out := &dynamodb.BatchWriteItemOutput{UnprocessedItems: map[string][]types.WriteRequest{}}
	for table, reqs := range in.RequestItems {
		if len(reqs) > batchWriteLimit {
			return nil, errors.New("too many items in batch")
		}
		process := reqs
		if f.unprocessedRounds > 0 && len(reqs) > 1 {
			f.unprocessedRounds--
			process = reqs[:1]
			out.UnprocessedItems[table] = reqs[1:]
		}
		for _, r := range process {
			f.remove(keyOf(r.DeleteRequest.Key))
		}
	}
	return out, nil
}

func mustNewClient(t *testing.T, db *fakeTable) *Client {
	t.Helper()
	c, err := New(db, "test-table")
	require.NoError(t, err)
	c.wait = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil, "t")
	require.Error(t, err)
}

func TestNew_EmptyTableName(t *testing.T) {
	_, err := New(newFakeTable(), "  ")
	require.Error(t, err)
}

func TestConvPK(t *testing.T) {
	require.Equal(t, "CONV#abc", convPK("abc"))
}

func TestMsgSK_SortsNumerically(t *testing.T) {
	require.Equal(t, "MSG#1700000000000#0000000001", msgSK(1700000000000, 1))
	require.Less(t, msgSK(999, 2), msgSK(1000, 1))
	require.Less(t, msgSK(1000, 9), msgSK(1000, 10))
}

func TestAppendMessage_TransactionShape(t *testing.T) {
	db := newFakeTable()
	c := mustNewClient(t, db)
	ctx := context.Background()
	conv, err := c.CreateConversation(ctx, "x")
	require.NoError(t, err)

	msg := msgAt(conv.ID, domain.RoleUser, "Hello", 4102444800123)
	require.NoError(t, c.AppendMessage(ctx, msg))

	require.NotNil(t, db.lastTx)
	require.Len(t, db.lastTx.TransactItems, 2)

	put := db.lastTx.TransactItems[0].Put
	require.NotNil(t, put)
	require.Equal(t, "test-table", aws.ToString(put.TableName))
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", aws.ToString(put.ConditionExpression))
	require.Equal(t, "CONV#"+conv.ID, sval(put.Item["PK"]))
	require.Equal(t, "MSG#4102444800123#0000000001", sval(put.Item["SK"]))
	require.Equal(t, "hello", sval(put.Item["searchText"]))

	upd := db.lastTx.TransactItems[1].Update
	require.NotNil(t, upd)
	require.Equal(t, "attribute_exists(PK) AND msgCount = :prev", aws.ToString(upd.ConditionExpression))
	require.Equal(t, "0", sval(upd.ExpressionAttributeValues[":prev"]))
	require.Equal(t, "1", sval(upd.ExpressionAttributeValues[":next"]))
	require.Equal(t, "4102444800123", sval(upd.ExpressionAttributeValues[":ts"]))
}

func TestAppendMessage_RetriesOnConflict(t *testing.T) {
	db := newFakeTable()
	c := mustNewClient(t, db)
	ctx := context.Background()
	conv, err := c.CreateConversation(ctx, "x")
	require.NoError(t, err)

	competing := msgAt(conv.ID, domain.RoleAssistant, "competing", 100)
	db.beforeTransact = func() {
		require.NoError(t, c.AppendMessage(ctx, competing))
	}
	mine := msgAt(conv.ID, domain.RoleUser, "mine", 100)
	require.NoError(t, c.AppendMessage(ctx, mine))

	msgs, err := c.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, []domain.Message{competing, mine}, msgs)
	require.Equal(t, 3, db.txCalls)
}

func TestAppendMessage_GivesUpAfterRepeatedConflicts(t *testing.T) {
	db := newFakeTable()
	c := mustNewClient(t, db)
	ctx := context.Background()
	conv, err := c.CreateConversation(ctx, "x")
	require.NoError(t, err)

	db.txErr = &types.TransactionCanceledException{Message: aws.String("conflict")}
	err = c.AppendMessage(ctx, msgAt(conv.ID, domain.RoleUser, "m", 1))
	require.ErrorContains(t, err, "conflicting writes")
	require.Equal(t, maxAppendAttempts, db.txCalls)
}

func TestAppendMessage_OtherErrorsAreNotRetried(t *testing.T) {
	db := newFakeTable()
	c := mustNewClient(t, db)
	ctx := context.Background()
	conv, err := c.CreateConversation(ctx, "x")
	require.NoError(t, err)

	db.txErr = errors.New("throttled")
	err = c.AppendMessage(ctx, msgAt(conv.ID, domain.RoleUser, "m", 1))
	require.ErrorContains(t, err, "throttled")
	require.Equal(t, 1, db.txCalls)
}

func TestDeleteConversation_ResubmitsUnprocessed(t *testing.T) {
	db := newFakeTable()
	c := mustNewClient(t, db)
	ctx := context.Background()
	conv, err := c.CreateConversation(ctx, "x")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, c.AppendMessage(ctx, msgAt(conv.ID, domain.RoleUser, "m", int64(i))))
	}

	var waits []time.Duration
	c.wait = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	db.unprocessedRounds = 2
	require.NoError(t, c.DeleteConversation(ctx, conv.ID))
	require.Equal(t, 3, db.batchCalls)
	require.Empty(t, db.items)
	require.Equal(t, []time.Duration{unprocessedBackoff, 2 * unprocessedBackoff}, waits)
}

func TestDeleteConversation_BackoffHonoursContext(t *testing.T) {
	db := newFakeTable()
	c := mustNewClient(t, db)
	c.wait = sleepContext
	ctx := context.Background()
	conv, err := c.CreateConversation(ctx, "x")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, c.AppendMessage(ctx, msgAt(conv.ID, domain.RoleUser, "m", int64(i))))
	}

	db.unprocessedRounds = 100
	canceled, cancel := context.WithCancel(ctx)
	cancel()
	err = c.DeleteConversation(canceled, conv.ID)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, db.batchCalls)
}

func TestSleepContext(t *testing.T) {
	require.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}

func TestDeleteConversation_GivesUpOnStuckItems(t *testing.T) {
	db := newFakeTable()
	c := mustNewClient(t, db)
	ctx := context.Background()
	conv, err := c.CreateConversation(ctx, "x")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, c.AppendMessage(ctx, msgAt(conv.ID, domain.RoleUser, "m", int64(i))))
	}

	var waits []time.Duration
	c.wait = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	db.unprocessedRounds = 100
	err = c.DeleteConversation(ctx, conv.ID)
	require.ErrorContains(t, err, "unprocessed")
	require.Len(t, waits, maxUnprocessedRetries)
	for _, d := range waits {
		require.LessOrEqual(t, d, maxUnprocessedBackoff)
	}
}

func TestDynamoErrorsAreWrapped(t *testing.T) {
	ctx := context.Background()

	db := newFakeTable()
	db.getErr = errors.New("get boom")
	_, err := mustNewClient(t, db).GetConversation(ctx, "x")
	require.ErrorContains(t, err, "get boom")
	require.NotErrorIs(t, err, domain.ErrNotFound)

	db = newFakeTable()
	db.scanErr = errors.New("scan boom")
	_, err = mustNewClient(t, db).ListConversations(ctx)
	require.ErrorContains(t, err, "scan boom")

	db = newFakeTable()
	c := mustNewClient(t, db)
	conv, err := c.CreateConversation(ctx, "x")
	require.NoError(t, err)
	db.queryErr = errors.New("query boom")
	_, err = c.ListMessages(ctx, conv.ID)
	require.ErrorContains(t, err, "query boom")
	require.ErrorContains(t, c.DeleteConversation(ctx, conv.ID), "query boom")

	db.queryErr = nil
	db.batchErr = errors.New("batch boom")
	require.ErrorContains(t, c.DeleteConversation(ctx, conv.ID), "batch boom")
}

func TestItemToMessage_MissingRole(t *testing.T) {
	_, err := itemToMessage(map[string]types.AttributeValue{
		"id":             &types.AttributeValueMemberS{Value: "m1"},
		"conversationId": &types.AttributeValueMemberS{Value: "c1"},
		"timestamp":      numberAttr(1),
	})
	require.ErrorContains(t, err, `"role"`)
}

func TestIntAttr_Malformed(t *testing.T) {
	_, err := intAttr(map[string]types.AttributeValue{"n": &types.AttributeValueMemberN{Value: "abc"}}, "n")
	require.ErrorContains(t, err, "parse attribute")

	_, err = intAttr(map[string]types.AttributeValue{"n": &types.AttributeValueMemberS{Value: "1"}}, "n")
	require.ErrorContains(t, err, "not a number")
}
