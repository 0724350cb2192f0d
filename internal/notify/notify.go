package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	"fxingest/internal/ingest"
)

type SNSClient interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNS subjects are limited to 100 characters.
const maxSubject = 100

// Alerter publishes one message per failed run. Successful runs are silent.
type Alerter struct {
	client   SNSClient
	topicArn string
}

func NewAlerter(client SNSClient, topicArn string) *Alerter {
	return &Alerter{client: client, topicArn: strings.TrimSpace(topicArn)}
}

func (a *Alerter) Report(ctx context.Context, s ingest.Summary) error {
	if a == nil || a.topicArn == "" || s.Succeeded() {
		return nil
	}

	subject, message := BuildMessage(s)
	_, err := a.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(a.topicArn),
		Subject:  aws.String(subject),
		Message:  aws.String(message),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"stage": {DataType: aws.String("String"), StringValue: aws.String(string(s.Stage))},
		},
	})
	if err != nil {
		return fmt.Errorf("sns publish: %w", err)
	}
	return nil
}

func BuildMessage(s ingest.Summary) (subject string, body string) {
	subject = fmt.Sprintf("fx-ingest: run %s failed at %s", s.IngestionDate, s.Stage)
	if len(subject) > maxSubject {
		subject = subject[:maxSubject]
	}

	lines := []string{
		"FX rate ingestion failed",
		"",
		fmt.Sprintf("RunId: %s", s.RunID),
		fmt.Sprintf("IngestionDate: %s", s.IngestionDate),
		fmt.Sprintf("Stage: %s", s.Stage),
		fmt.Sprintf("Table: %s", s.Table),
	}
	if s.RawURI != "" {
		lines = append(lines, fmt.Sprintf("RawObject: %s", s.RawURI))
	}
	if s.LoadedURI != "" {
		lines = append(lines, fmt.Sprintf("NormalizedObject: %s", s.LoadedURI))
	}
	if s.Err != nil {
		lines = append(lines, "", fmt.Sprintf("Error: %v", s.Err))
	}
	lines = append(lines, "", fmt.Sprintf("FinishedAt: %s", s.FinishedAt.UTC().Format(time.RFC3339)))

	return subject, strings.Join(lines, "\n")
}
