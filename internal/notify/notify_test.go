package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"fxingest/internal/ingest"
)

type fakeSNS struct {
	published []*sns.PublishInput
	err       error
}

func (f *fakeSNS) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.published = append(f.published, params)
	if f.err != nil {
		return nil, f.err
	}
	return &sns.PublishOutput{MessageId: aws.String("m-1")}, nil
}

func summary(err error, stage ingest.Stage) ingest.Summary {
	return ingest.Summary{
		RunID:         "run-1",
		IngestionDate: "2024-06-03",
		Stage:         stage,
		Err:           err,
		Table:         "AwsDataCatalog.fx.raw_fx_rates",
		RawURI:        "s3://fx-bucket/raw/dt=2024-06-03/source.csv",
		FinishedAt:    time.Date(2024, 6, 3, 6, 0, 1, 0, time.UTC),
	}
}

func TestReportPublishesOnFailure(t *testing.T) {
	c := &fakeSNS{}
	a := NewAlerter(c, "arn:aws:sns:eu-west-1:123456789012:fx-alerts")

	if err := a.Report(context.Background(), summary(errors.New("boom"), ingest.StageNormalizing)); err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(c.published) != 1 {
		t.Fatalf("expected one publish, got %d", len(c.published))
	}
	in := c.published[0]
	if aws.ToString(in.Subject) != "fx-ingest: run 2024-06-03 failed at normalizing" {
		t.Fatalf("subject = %q", aws.ToString(in.Subject))
	}
	msg := aws.ToString(in.Message)
	for _, want := range []string{"RunId: run-1", "Stage: normalizing", "RawObject: s3://fx-bucket/raw/dt=2024-06-03/source.csv", "Error: boom"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
	if strings.Contains(msg, "NormalizedObject") {
		t.Errorf("normalized object should be omitted when not written:\n%s", msg)
	}
	if aws.ToString(in.MessageAttributes["stage"].StringValue) != "normalizing" {
		t.Fatalf("attributes = %+v", in.MessageAttributes)
	}
}

func TestReportSilentOnSuccess(t *testing.T) {
	c := &fakeSNS{}
	if err := NewAlerter(c, "arn:topic").Report(context.Background(), summary(nil, ingest.StageDone)); err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(c.published) != 0 {
		t.Fatalf("success must not alert")
	}
}

func TestReportDisabled(t *testing.T) {
	c := &fakeSNS{}
	if err := NewAlerter(c, "").Report(context.Background(), summary(errors.New("x"), ingest.StageFetching)); err != nil {
		t.Fatalf("report: %v", err)
	}
	var nilAlerter *Alerter
	if err := nilAlerter.Report(context.Background(), summary(errors.New("x"), ingest.StageFetching)); err != nil {
		t.Fatalf("nil report: %v", err)
	}
	if len(c.published) != 0 {
		t.Fatalf("disabled alerter published")
	}
}

func TestReportPublishError(t *testing.T) {
	c := &fakeSNS{err: errors.New("auth")}
	err := NewAlerter(c, "arn:topic").Report(context.Background(), summary(errors.New("x"), ingest.StageLoading))
	if !errors.Is(err, c.err) {
		t.Fatalf("expected wrapped publish error, got %v", err)
	}
}

func TestBuildMessageTruncatesSubject(t *testing.T) {
	s := summary(errors.New("x"), ingest.Stage(strings.Repeat("s", 200)))
	subject, _ := BuildMessage(s)
	if len(subject) != maxSubject {
		t.Fatalf("subject length = %d", len(subject))
	}
}
