package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/tyler180/baseball-almanac-backends/internal/almanac"
)

type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Condition expressions guarding each kind of transition. Rank is numeric so
// "only forward" is a single comparison evaluated by DynamoDB itself.
const (
	condFirst       = "attribute_not_exists(#key)"
	condAdvance     = "attribute_not_exists(#key) OR #rank < :rank"
	condNotTerminal = "attribute_not_exists(#key) OR #rank < :committed"
	condExists      = "attribute_exists(#key)"
	condOpen        = "attribute_exists(#key) AND #rank < :committed"
)

// DynamoStore is the checkpoint backend for Lambda runs.
// PK=UnitKey (S); one item per scrape unit.
type DynamoStore struct {
	ddb   DynamoDBAPI
	table string
	sleep func(time.Duration)
}

func NewDynamoStore(ddb DynamoDBAPI, table string) *DynamoStore {
	return &DynamoStore{ddb: ddb, table: table, sleep: time.Sleep}
}

func (s *DynamoStore) Close() error { return nil }

type ddbItem struct {
	UnitKey   string `dynamodbav:"UnitKey"`
	League    string `dynamodbav:"League"`
	TableType string `dynamodbav:"TableType"`
	Season    int    `dynamodbav:"Season"`
	Page      int    `dynamodbav:"Page"`
	Status    string `dynamodbav:"Status"`
	Rank      int    `dynamodbav:"Rank"`
	Attempts  int    `dynamodbav:"Attempts"`
	Retries   int    `dynamodbav:"Retries"`
	LastError string `dynamodbav:"LastError"`
	UpdatedAt string `dynamodbav:"UpdatedAt"`
}

func (it ddbItem) checkpoint() Checkpoint {
	ts, _ := time.Parse(time.RFC3339Nano, it.UpdatedAt)
	u := almanac.ScrapeUnit{League: it.League, TableType: almanac.TableType(it.TableType), Season: it.Season, Page: it.Page}
	if u.League == "" {
		if parsed, err := almanac.ParseUnitKey(it.UnitKey); err == nil {
			u = parsed
		}
	}
	return Checkpoint{
		Unit:      u,
		Status:    Status(it.Status),
		Attempts:  it.Attempts,
		Retries:   it.Retries,
		LastError: it.LastError,
		UpdatedAt: ts,
	}
}

func unitKey(u almanac.ScrapeUnit) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"UnitKey": &types.AttributeValueMemberS{Value: u.Key()},
	}
}

func decodeItem(av map[string]types.AttributeValue) (Checkpoint, error) {
	var it ddbItem
	if err := attributevalue.UnmarshalMap(av, &it); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint item: %w", err)
	}
	return it.checkpoint(), nil
}

func (s *DynamoStore) Get(ctx context.Context, u almanac.ScrapeUnit) (Checkpoint, error) {
	out, err := s.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            unitKey(u),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Checkpoint{}, fmt.Errorf("get checkpoint %s: %w", u, err)
	}
	if len(out.Item) == 0 {
		return Checkpoint{Unit: u, Status: Pending}, ErrNotFound
	}
	return decodeItem(out.Item)
}

func conditionFor(to Status) string {
	switch to {
	case Pending:
		return condFirst
	case Failed, Skipped:
		return condNotTerminal
	default:
		return condAdvance
	}
}

func (s *DynamoStore) Mark(ctx context.Context, u almanac.ScrapeUnit, to Status, p Progress) (Checkpoint, error) {
	if err := validate(to); err != nil {
		return Checkpoint{}, err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	names := map[string]string{
		"#key":       "UnitKey",
		"#status":    "Status",
		"#rank":      "Rank",
		"#league":    "League",
		"#tt":        "TableType",
		"#season":    "Season",
		"#page":      "Page",
		"#updatedAt": "UpdatedAt",
		"#attempts":  "Attempts",
		"#retries":   "Retries",
	}
	values := map[string]types.AttributeValue{
		":status":   &types.AttributeValueMemberS{Value: string(to)},
		":rank":     &types.AttributeValueMemberN{Value: strconv.Itoa(to.Rank())},
		":league":   &types.AttributeValueMemberS{Value: u.League},
		":tt":       &types.AttributeValueMemberS{Value: string(u.TableType)},
		":season":   &types.AttributeValueMemberN{Value: strconv.Itoa(u.Season)},
		":page":     &types.AttributeValueMemberN{Value: strconv.Itoa(u.Page)},
		":now":      &types.AttributeValueMemberS{Value: now},
		":attempts": &types.AttributeValueMemberN{Value: strconv.Itoa(p.Attempts)},
		":retries":  &types.AttributeValueMemberN{Value: strconv.Itoa(p.Retries)},
	}
	update := "SET #status = :status, #rank = :rank, #league = :league, #tt = :tt, #season = :season, #page = :page, #updatedAt = :now"
	if p.Err != nil {
		names["#lastError"] = "LastError"
		values[":lastError"] = &types.AttributeValueMemberS{Value: p.errText()}
		update += ", #lastError = :lastError"
	}
	update += " ADD #attempts :attempts, #retries :retries"

	cond := conditionFor(to)
	if cond == condNotTerminal {
		values[":committed"] = &types.AttributeValueMemberN{Value: strconv.Itoa(Committed.Rank())}
	}
	out, err := s.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       unitKey(u),
		UpdateExpression:          aws.String(update),
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		if p.hasCounters() {
			return s.addCounters(ctx, u, p, now)
		}
		return s.Get(ctx, u)
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("mark %s: %w", u, err)
	}
	return decodeItem(out.Attributes)
}

// addCounters records a repeated fetch on an open unit whose status does not
// move. A unit that closed meanwhile is returned as is.
func (s *DynamoStore) addCounters(ctx context.Context, u almanac.ScrapeUnit, p Progress, now string) (Checkpoint, error) {
	out, err := s.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 unitKey(u),
		UpdateExpression:    aws.String("SET #updatedAt = :now ADD #attempts :attempts, #retries :retries"),
		ConditionExpression: aws.String(condOpen),
		ExpressionAttributeNames: map[string]string{
			"#key":       "UnitKey",
			"#rank":      "Rank",
			"#updatedAt": "UpdatedAt",
			"#attempts":  "Attempts",
			"#retries":   "Retries",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":       &types.AttributeValueMemberS{Value: now},
			":attempts":  &types.AttributeValueMemberN{Value: strconv.Itoa(p.Attempts)},
			":retries":   &types.AttributeValueMemberN{Value: strconv.Itoa(p.Retries)},
			":committed": &types.AttributeValueMemberN{Value: strconv.Itoa(Committed.Rank())},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return s.Get(ctx, u)
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("mark %s: counters: %w", u, err)
	}
	return decodeItem(out.Attributes)
}

func (s *DynamoStore) Reset(ctx context.Context, u almanac.ScrapeUnit) error {
	_, err := s.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 unitKey(u),
		UpdateExpression:    aws.String("SET #status = :status, #rank = :rank, #lastError = :empty, #updatedAt = :now"),
		ConditionExpression: aws.String(condExists),
		ExpressionAttributeNames: map[string]string{
			"#key":       "UnitKey",
			"#status":    "Status",
			"#rank":      "Rank",
			"#lastError": "LastError",
			"#updatedAt": "UpdatedAt",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: string(Pending)},
			":rank":   &types.AttributeValueMemberN{Value: strconv.Itoa(Pending.Rank())},
			":empty":  &types.AttributeValueMemberS{Value: ""},
			":now":    &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
		},
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reset %s: %w", u, err)
	}
	return nil
}

// Pending reads the matrix back in BatchGetItem chunks of 100 and keeps the
// units that are neither committed nor skipped.
func (s *DynamoStore) Pending(ctx context.Context, matrix []almanac.ScrapeUnit) ([]almanac.ScrapeUnit, error) {
	const maxBatch = 100
	done := make(map[string]bool)
	for i := 0; i < len(matrix); i += maxBatch {
		end := i + maxBatch
		if end > len(matrix) {
			end = len(matrix)
		}
		seen := make(map[string]bool, end-i)
		keys := make([]map[string]types.AttributeValue, 0, end-i)
		for _, u := range matrix[i:end] {
			if seen[u.Key()] {
				continue
			}
			seen[u.Key()] = true
			keys = append(keys, unitKey(u))
		}
		items, err := s.batchGetWithRetry(ctx, keys)
		if err != nil {
			return nil, fmt.Errorf("pending units: %w", err)
		}
		for _, item := range items {
			cp, err := decodeItem(item)
			if err != nil {
				return nil, err
			}
			if cp.Status.Terminal() {
				done[cp.Unit.Key()] = true
			}
		}
	}
	out := make([]almanac.ScrapeUnit, 0, len(matrix))
	for _, u := range matrix {
		if !done[u.Key()] {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *DynamoStore) batchGetWithRetry(ctx context.Context, keys []map[string]types.AttributeValue) ([]map[string]types.AttributeValue, error) {
	input := &dynamodb.BatchGetItemInput{
		RequestItems: map[string]types.KeysAndAttributes{
			s.table: {Keys: keys, ConsistentRead: aws.Bool(true)},
		},
	}
	const maxAttempts = 6
	backoff := 120 * time.Millisecond

	var items []map[string]types.AttributeValue
	for attempt := 0; attempt < maxAttempts; attempt++ {
		out, err := s.ddb.BatchGetItem(ctx, input)
		if err != nil {
			return nil, err
		}
		items = append(items, out.Responses[s.table]...)
		if len(out.UnprocessedKeys) == 0 {
			return items, nil
		}
		input.RequestItems = out.UnprocessedKeys
		s.sleep(backoff)
		if backoff < 2*time.Second {
			backoff += 120 * time.Millisecond
		}
	}
	return nil, fmt.Errorf("unprocessed keys remained after retries for table %s", s.table)
}

func (s *DynamoStore) List(ctx context.Context) ([]Checkpoint, error) {
	var out []Checkpoint
	var start map[string]types.AttributeValue
	for {
		page, err := s.ddb.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.table),
			ExclusiveStartKey: start,
			ConsistentRead:    aws.Bool(true),
		})
		if err != nil {
			return nil, fmt.Errorf("list checkpoints: %w", err)
		}
		for _, item := range page.Items {
			cp, err := decodeItem(item)
			if err != nil {
				return nil, err
			}
			out = append(out, cp)
		}
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		start = page.LastEvaluatedKey
	}
	units := make([]almanac.ScrapeUnit, len(out))
	byKey := make(map[string]Checkpoint, len(out))
	for i, cp := range out {
		units[i] = cp.Unit
		byKey[cp.Unit.Key()] = cp
	}
	almanac.SortUnits(units)
	for i, u := range units {
		out[i] = byKey[u.Key()]
	}
	return out, nil
}
