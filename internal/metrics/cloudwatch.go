package metrics

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"fxingest/internal/ingest"
	"fxingest/internal/logger"
)

type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

const (
	MetricRunSucceeded  = "RunSucceeded"
	MetricRunFailed     = "RunFailed"
	MetricRowsLoaded    = "RowsLoaded"
	MetricSourceBytes   = "SourceBytes"
	MetricRunDurationMs = "RunDurationMs"
)

// Publisher sends one PutMetricData batch per finished run.
type Publisher struct {
	client    CloudWatchClient
	namespace string
}

func NewPublisher(client CloudWatchClient, namespace string) *Publisher {
	return &Publisher{client: client, namespace: strings.TrimSpace(namespace)}
}

func (p *Publisher) Report(ctx context.Context, s ingest.Summary) error {
	if p == nil || p.namespace == "" {
		return nil
	}

	data := Datums(s)
	if _, err := p.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(p.namespace),
		MetricData: data,
	}); err != nil {
		return fmt.Errorf("cloudwatch PutMetricData: %w", err)
	}

	names := make([]string, 0, len(data))
	for _, d := range data {
		names = append(names, aws.ToString(d.MetricName))
	}
	logger.GetLogger().WithComponent("cloudwatch").WithFields(logger.Fields{
		"metrics": strings.Join(names, ","),
		"run_id":  s.RunID,
	}).Debug("published metrics to CloudWatch")
	return nil
}

// Datums is the batch for one run. Failures carry a stage dimension.
func Datums(s ingest.Summary) []cwtypes.MetricDatum {
	ts := aws.Time(s.FinishedAt)
	duration := cwtypes.MetricDatum{
		MetricName: aws.String(MetricRunDurationMs),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Value:      aws.Float64(float64(s.Duration().Milliseconds())),
		Timestamp:  ts,
	}

	if !s.Succeeded() {
		return []cwtypes.MetricDatum{
			{
				MetricName: aws.String(MetricRunFailed),
				Dimensions: []cwtypes.Dimension{{Name: aws.String("stage"), Value: aws.String(string(s.Stage))}},
				Unit:       cwtypes.StandardUnitCount,
				Value:      aws.Float64(1),
				Timestamp:  ts,
			},
			duration,
		}
	}

	return []cwtypes.MetricDatum{
		{MetricName: aws.String(MetricRunSucceeded), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(1), Timestamp: ts},
		{MetricName: aws.String(MetricRowsLoaded), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(s.Rows)), Timestamp: ts},
		{MetricName: aws.String(MetricSourceBytes), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(s.SourceBytes)), Timestamp: ts},
		duration,
	}
}
