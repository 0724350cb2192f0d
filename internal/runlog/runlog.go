package runlog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"fxingest/internal/ingest"
)

type DynamoClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Item is one run as stored in the ledger. Runs of the same ingestion date
// share a partition and sort by start time.
type Item struct {
	PK string `dynamodbav:"PK" json:"-"`
	SK string `dynamodbav:"SK" json:"-"`

	RunID            string `dynamodbav:"RunID" json:"run_id"`
	IngestionDate    string `dynamodbav:"IngestionDate" json:"ingestion_date"`
	Status           string `dynamodbav:"Status" json:"status"`
	Stage            string `dynamodbav:"Stage" json:"stage"`
	Error            string `dynamodbav:"Error,omitempty" json:"error,omitempty"`
	Rows             int    `dynamodbav:"Rows" json:"rows"`
	SourceBytes      int    `dynamodbav:"SourceBytes" json:"source_bytes"`
	RawURI           string `dynamodbav:"RawURI,omitempty" json:"raw_uri,omitempty"`
	LoadedURI        string `dynamodbav:"LoadedURI,omitempty" json:"loaded_uri,omitempty"`
	Table            string `dynamodbav:"Table" json:"table"`
	QueryExecutionID string `dynamodbav:"QueryExecutionID,omitempty" json:"query_execution_id,omitempty"`
	StartedAt        string `dynamodbav:"StartedAt" json:"started_at"`
	FinishedAt       string `dynamodbav:"FinishedAt" json:"finished_at"`
	DurationMs       int64  `dynamodbav:"DurationMs" json:"duration_ms"`
	ExpiresAt        int64  `dynamodbav:"ExpiresAt,omitempty" json:"-"`
}

func DatePK(date string) string {
	return fmt.Sprintf("DT#%s", date)
}

// skLayout keeps a fixed width so keys sort in start order.
const skLayout = "2006-01-02T15:04:05.000000000Z07:00"

func RunSK(startedAt time.Time, runID string) string {
	return fmt.Sprintf("RUN#%s#%s", startedAt.UTC().Format(skLayout), runID)
}

// Recorder writes one ledger item per finished run.
type Recorder struct {
	client DynamoClient
	table  string
	ttl    time.Duration
}

// NewRecorder returns a recorder for table. ttl <= 0 stores items without an
// expiry.
func NewRecorder(client DynamoClient, table string, ttl time.Duration) *Recorder {
	return &Recorder{client: client, table: strings.TrimSpace(table), ttl: ttl}
}

func ItemFromSummary(s ingest.Summary, ttl time.Duration) Item {
	status := "ok"
	errMsg := ""
	if !s.Succeeded() {
		status = "failed"
		errMsg = s.Err.Error()
	}

	item := Item{
		PK:               DatePK(s.IngestionDate),
		SK:               RunSK(s.StartedAt, s.RunID),
		RunID:            s.RunID,
		IngestionDate:    s.IngestionDate,
		Status:           status,
		Stage:            string(s.Stage),
		Error:            errMsg,
		Rows:             s.Rows,
		SourceBytes:      s.SourceBytes,
		RawURI:           s.RawURI,
		LoadedURI:        s.LoadedURI,
		Table:            s.Table,
		QueryExecutionID: s.QueryExecutionID,
		StartedAt:        s.StartedAt.UTC().Format(time.RFC3339),
		FinishedAt:       s.FinishedAt.UTC().Format(time.RFC3339),
		DurationMs:       s.Duration().Milliseconds(),
	}
	if ttl > 0 {
		item.ExpiresAt = s.FinishedAt.Add(ttl).Unix()
	}
	return item
}

func (r *Recorder) Report(ctx context.Context, s ingest.Summary) error {
	if r == nil || r.table == "" {
		return nil
	}

	av, err := attributevalue.MarshalMap(ItemFromSummary(s, r.ttl))
	if err != nil {
		return fmt.Errorf("runlog marshal: %w", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.table),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("runlog PutItem: %w", err)
	}
	return nil
}

// RunsForDate lists the ledger items of one ingestion date, newest first.
func (r *Recorder) RunsForDate(ctx context.Context, date string, limit int32) ([]Item, error) {
	if r == nil || r.table == "" {
		return nil, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	out, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.table),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":pk": &ddbtypes.AttributeValueMemberS{Value: DatePK(date)},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("runlog Query: %w", err)
	}

	var items []Item
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
		return nil, fmt.Errorf("runlog unmarshal: %w", err)
	}
	return items, nil
}
