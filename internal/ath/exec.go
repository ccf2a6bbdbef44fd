// Package ath runs Athena statements and waits for them to finish.
package ath

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/athena/types"

	"github.com/tyler180/baseball-almanac-backends/internal/logger"
)

type AthenaAPI interface {
	StartQueryExecution(ctx context.Context, in *athena.StartQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error)
	GetQueryExecution(ctx context.Context, in *athena.GetQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error)
	GetQueryResults(ctx context.Context, in *athena.GetQueryResultsInput, optFns ...func(*athena.Options)) (*athena.GetQueryResultsOutput, error)
}

var ErrQueryFailed = errors.New("athena query failed")

type Runner struct {
	Client    AthenaAPI
	Workgroup string
	Database  string
	OutputS3  string // s3://bucket/prefix/
	Poll      time.Duration
	Logger    logger.Logger
}

func (r *Runner) log() logger.Logger {
	if r.Logger == nil {
		return logger.NewNop()
	}
	return r.Logger
}

func (r *Runner) ExecAndWait(ctx context.Context, sql string) (*types.QueryExecution, error) {
	in := &athena.StartQueryExecutionInput{
		QueryString: aws.String(sql),
		QueryExecutionContext: &types.QueryExecutionContext{
			Database: aws.String(r.Database),
		},
	}
	if r.Workgroup != "" {
		in.WorkGroup = aws.String(r.Workgroup)
	}
	if r.OutputS3 != "" {
		in.ResultConfiguration = &types.ResultConfiguration{OutputLocation: aws.String(r.OutputS3)}
	}
	startOut, err := r.Client.StartQueryExecution(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("start query: %w", err)
	}
	qid := aws.ToString(startOut.QueryExecutionId)
	r.log().Debug("athena query started", logger.String("qid", qid))

	poll := r.Poll
	if poll <= 0 {
		poll = time.Second
	}
	tick := time.NewTicker(poll)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tick.C:
			ge, err := r.Client.GetQueryExecution(ctx, &athena.GetQueryExecutionInput{
				QueryExecutionId: aws.String(qid),
			})
			if err != nil {
				return nil, fmt.Errorf("get query execution: %w", err)
			}
			qe := ge.QueryExecution
			switch qe.Status.State {
			case types.QueryExecutionStateSucceeded:
				var scannedMB, execSec float64
				if st := qe.Statistics; st != nil {
					scannedMB = float64(aws.ToInt64(st.DataScannedInBytes)) / 1024.0 / 1024.0
					execSec = float64(aws.ToInt64(st.EngineExecutionTimeInMillis)) / 1000.0
				}
				r.log().Info("athena query succeeded",
					logger.String("qid", qid),
					logger.Float64("scanned_mb", scannedMB),
					logger.Float64("exec_s", execSec),
				)
				return qe, nil
			case types.QueryExecutionStateFailed, types.QueryExecutionStateCancelled:
				msg := string(qe.Status.State)
				if qe.Status.AthenaError != nil && qe.Status.AthenaError.ErrorMessage != nil {
					msg = aws.ToString(qe.Status.AthenaError.ErrorMessage)
				} else if qe.Status.StateChangeReason != nil {
					msg = aws.ToString(qe.Status.StateChangeReason)
				}
				return nil, fmt.Errorf("%w: qid=%s: %s", ErrQueryFailed, qid, msg)
			default:
				// queued or running
			}
		}
	}
}

// CountRows runs a single-value COUNT query and parses the result.
func (r *Runner) CountRows(ctx context.Context, sql string) (int64, error) {
	exec, err := r.ExecAndWait(ctx, sql)
	if err != nil {
		return 0, err
	}
	gr, err := r.Client.GetQueryResults(ctx, &athena.GetQueryResultsInput{
		QueryExecutionId: exec.QueryExecutionId,
	})
	if err != nil {
		return 0, fmt.Errorf("get results: %w", err)
	}
	// row 0 is the header
	if len(gr.ResultSet.Rows) < 2 || len(gr.ResultSet.Rows[1].Data) < 1 || gr.ResultSet.Rows[1].Data[0].VarCharValue == nil {
		return 0, errors.New("unexpected COUNT(*) result shape")
	}
	var n int64
	if _, err := fmt.Sscan(*gr.ResultSet.Rows[1].Data[0].VarCharValue, &n); err != nil {
		return 0, fmt.Errorf("parse count: %w", err)
	}
	return n, nil
}
