package warehouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	athenatypes "github.com/aws/aws-sdk-go-v2/service/athena/types"
)

type AthenaClient interface {
	StartQueryExecution(ctx context.Context, params *athena.StartQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error)
	GetQueryExecution(ctx context.Context, params *athena.GetQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error)
}

type QueryOptions struct {
	Catalog        string
	Database       string
	Workgroup      string
	OutputLocation string // s3://.../athena-results/
	PollInterval   time.Duration
	MaxWait        time.Duration // 0 polls until a terminal state
}

type QueryResult struct {
	QueryExecutionID string
	State            string
	ScannedBytes     int64
	ExecutionMs      int64
}

// RunQuery starts one statement and blocks until Athena reports SUCCEEDED,
// FAILED or CANCELLED. Non-success terminal states come back as *LoadJobError.
func RunQuery(ctx context.Context, c AthenaClient, sql string, opt QueryOptions) (*QueryResult, error) {
	if strings.TrimSpace(opt.Database) == "" {
		return nil, fmt.Errorf("missing athena database")
	}
	if strings.TrimSpace(opt.Workgroup) == "" {
		return nil, fmt.Errorf("missing athena workgroup")
	}
	if strings.TrimSpace(opt.OutputLocation) == "" {
		return nil, fmt.Errorf("missing athena output location")
	}
	if opt.PollInterval <= 0 {
		opt.PollInterval = 2 * time.Second
	}

	qctx := &athenatypes.QueryExecutionContext{Database: aws.String(opt.Database)}
	if opt.Catalog != "" {
		qctx.Catalog = aws.String(opt.Catalog)
	}

	startOut, err := c.StartQueryExecution(ctx, &athena.StartQueryExecutionInput{
		QueryString:           aws.String(sql),
		QueryExecutionContext: qctx,
		ResultConfiguration: &athenatypes.ResultConfiguration{
			OutputLocation: aws.String(opt.OutputLocation),
		},
		WorkGroup: aws.String(opt.Workgroup),
	})
	if err != nil {
		return nil, &LoadJobError{State: "START_FAILED", Reason: "athena StartQueryExecution", Err: err}
	}
	qid := aws.ToString(startOut.QueryExecutionId)

	var deadline time.Time
	if opt.MaxWait > 0 {
		deadline = time.Now().Add(opt.MaxWait)
	}

	for {
		getOut, err := c.GetQueryExecution(ctx, &athena.GetQueryExecutionInput{
			QueryExecutionId: aws.String(qid),
		})
		if err != nil {
			return nil, &LoadJobError{State: "UNKNOWN", Reason: "athena GetQueryExecution", QueryExecutionID: qid, Err: err}
		}
		exec := getOut.QueryExecution
		var state athenatypes.QueryExecutionState
		if exec != nil && exec.Status != nil {
			state = exec.Status.State
		}

		// a missing status is treated like QUEUED until the deadline
		switch state {
		case athenatypes.QueryExecutionStateSucceeded:
			res := &QueryResult{QueryExecutionID: qid, State: string(state)}
			if exec.Statistics != nil {
				res.ScannedBytes = aws.ToInt64(exec.Statistics.DataScannedInBytes)
				res.ExecutionMs = aws.ToInt64(exec.Statistics.EngineExecutionTimeInMillis)
			}
			return res, nil
		case athenatypes.QueryExecutionStateFailed, athenatypes.QueryExecutionStateCancelled:
			return nil, &LoadJobError{
				State:            string(state),
				Reason:           aws.ToString(exec.Status.StateChangeReason),
				QueryExecutionID: qid,
			}
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, &LoadJobError{State: "TIMEOUT", Reason: "query did not finish in time", QueryExecutionID: qid}
		}

		select {
		case <-ctx.Done():
			return nil, &LoadJobError{State: "ABANDONED", Reason: "stopped waiting for query", QueryExecutionID: qid, Err: ctx.Err()}
		case <-time.After(opt.PollInterval):
		}
	}
}
