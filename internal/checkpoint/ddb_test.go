package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tyler180/baseball-almanac-backends/internal/almanac"
)

// fakeDDB is an in-memory table that understands the handful of condition
// and update expressions DynamoStore sends.
type fakeDDB struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue

	batchCalls int
	// unprocessedOnce echoes the first BatchGetItem request back as unprocessed
	unprocessedOnce bool
	scanPageSize    int
}

func newFakeDDB() *fakeDDB {
	return &fakeDDB{items: map[string]map[string]types.AttributeValue{}}
}

func keyOf(k map[string]types.AttributeValue) string {
	return k["UnitKey"].(*types.AttributeValueMemberS).Value
}

func numAttr(av types.AttributeValue) int {
	n, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	v, _ := strconv.Atoi(n.Value)
	return v
}

func (f *fakeDDB) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: copyItem(f.items[keyOf(in.Key)])}, nil
}

func copyItem(it map[string]types.AttributeValue) map[string]types.AttributeValue {
	if it == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}

func (f *fakeDDB) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := keyOf(in.Key)
	cur, exists := f.items[key]
	vals := in.ExpressionAttributeValues

	var pass bool
	switch *in.ConditionExpression {
	case condFirst:
		pass = !exists
	case condExists:
		pass = exists
	case condAdvance:
		pass = !exists || numAttr(cur["Rank"]) < numAttr(vals[":rank"])
	case condNotTerminal:
		pass = !exists || numAttr(cur["Rank"]) < numAttr(vals[":committed"])
	case condOpen:
		pass = exists && numAttr(cur["Rank"]) < numAttr(vals[":committed"])
	default:
		return nil, fmt.Errorf("unexpected condition %q", *in.ConditionExpression)
	}
	if !pass {
		return nil, &types.ConditionalCheckFailedException{Message: strPtr("condition failed")}
	}

	next := copyItem(cur)
	if next == nil {
		next = map[string]types.AttributeValue{"UnitKey": in.Key["UnitKey"]}
	}
	expr := *in.UpdateExpression
	setPart, addPart, _ := strings.Cut(expr, " ADD ")
	for _, assign := range strings.Split(strings.TrimPrefix(setPart, "SET "), ", ") {
		name, val, _ := strings.Cut(assign, " = ")
		next[in.ExpressionAttributeNames[name]] = vals[val]
	}
	if addPart != "" {
		for _, add := range strings.Split(addPart, ", ") {
			name, val, _ := strings.Cut(add, " ")
			attr := in.ExpressionAttributeNames[name]
			next[attr] = &types.AttributeValueMemberN{Value: strconv.Itoa(numAttr(next[attr]) + numAttr(vals[val]))}
		}
	}
	f.items[key] = next
	return &dynamodb.UpdateItemOutput{Attributes: copyItem(next)}, nil
}

func (f *fakeDDB) BatchGetItem(_ context.Context, in *dynamodb.BatchGetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls++
	if f.unprocessedOnce {
		f.unprocessedOnce = false
		return &dynamodb.BatchGetItemOutput{UnprocessedKeys: in.RequestItems}, nil
	}
	out := &dynamodb.BatchGetItemOutput{Responses: map[string][]map[string]types.AttributeValue{}}
	for table, ka := range in.RequestItems {
		if len(ka.Keys) > 100 {
			return nil, fmt.Errorf("too many keys: %d", len(ka.Keys))
		}
		for _, k := range ka.Keys {
			if it, ok := f.items[keyOf(k)]; ok {
				out.Responses[table] = append(out.Responses[table], copyItem(it))
			}
		}
	}
	return out, nil
}

func (f *fakeDDB) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.items))
	for k := range f.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	start := 0
	if in.ExclusiveStartKey != nil {
		after := keyOf(in.ExclusiveStartKey)
		start = sort.SearchStrings(keys, after) + 1
	}
	size := f.scanPageSize
	if size <= 0 {
		size = len(keys)
	}
	end := start + size
	if end > len(keys) {
		end = len(keys)
	}
	out := &dynamodb.ScanOutput{}
	for _, k := range keys[start:end] {
		out.Items = append(out.Items, copyItem(f.items[k]))
	}
	if end < len(keys) {
		out.LastEvaluatedKey = map[string]types.AttributeValue{"UnitKey": &types.AttributeValueMemberS{Value: keys[end-1]}}
	}
	return out, nil
}

func strPtr(s string) *string { return &s }

func newTestDynamoStore(f *fakeDDB) *DynamoStore {
	s := NewDynamoStore(f, "almanac-checkpoints")
	s.sleep = func(time.Duration) {}
	return s
}

func TestDynamoStore(t *testing.T) {
	storeSuite(t, func(t *testing.T) Store { return newTestDynamoStore(newFakeDDB()) })
}

func TestDynamoStore_PendingBatchesAndRetriesUnprocessed(t *testing.T) {
	ctx := context.Background()
	f := newFakeDDB()
	s := newTestDynamoStore(f)

	var matrix []almanac.ScrapeUnit
	for season := 1876; season < 1876+150; season++ {
		matrix = append(matrix, almanac.ScrapeUnit{League: "NL", TableType: almanac.TeamStandings, Season: season})
	}
	for _, u := range matrix[:120] {
		_, err := s.Mark(ctx, u, Committed, Progress{})
		require.NoError(t, err)
	}
	f.unprocessedOnce = true

	got, err := s.Pending(ctx, matrix)
	require.NoError(t, err)
	assert.Equal(t, matrix[120:], got)
	// 150 keys -> 2 chunks, first chunk retried once
	assert.Equal(t, 3, f.batchCalls)
}

func TestDynamoStore_ListPaginates(t *testing.T) {
	ctx := context.Background()
	f := newFakeDDB()
	f.scanPageSize = 2
	s := newTestDynamoStore(f)
	for season := 1901; season <= 1905; season++ {
		_, err := s.Mark(ctx, almanac.ScrapeUnit{League: "AL", TableType: almanac.PitcherLeaders, Season: season}, Fetched, Progress{Attempts: 1})
		require.NoError(t, err)
	}
	cps, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, cps, 5)
	assert.Equal(t, 1901, cps[0].Unit.Season)
	assert.Equal(t, 1905, cps[4].Unit.Season)
}

func TestDynamoStore_MarkReturnsItemState(t *testing.T) {
	ctx := context.Background()
	f := newFakeDDB()
	s := newTestDynamoStore(f)

	cp, err := s.Mark(ctx, unitA, Fetched, Progress{Attempts: 3, Retries: 2})
	require.NoError(t, err)
	assert.Equal(t, Fetched, cp.Status)
	assert.Equal(t, 3, cp.Attempts)

	item := f.items[unitA.Key()]
	assert.Equal(t, "2", item["Rank"].(*types.AttributeValueMemberN).Value)
	assert.Equal(t, "AL", item["League"].(*types.AttributeValueMemberS).Value)
}
