package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"fxingest/internal/archive"
	"fxingest/internal/logger"
	"fxingest/internal/normalize"
	"fxingest/internal/source"
	"fxingest/internal/warehouse"
)

// Stage names the step a run is in or failed at.
type Stage string

const (
	StageFetching            Stage = "fetching"
	StageArchivingRaw        Stage = "archiving_raw"
	StageNormalizing         Stage = "normalizing"
	StageArchivingNormalized Stage = "archiving_normalized"
	StageLoading             Stage = "loading"
	StageDone                Stage = "done"
)

type Fetcher interface {
	Fetch(ctx context.Context) (*source.Payload, error)
}

type Archiver interface {
	PutRaw(ctx context.Context, date string, data []byte) (archive.Object, error)
	PutNormalized(ctx context.Context, date string, data []byte) (archive.Object, error)
	PutNormalizedParquet(ctx context.Context, date string, data []byte) (archive.Object, error)
}

type Loader interface {
	Load(ctx context.Context, sourceURI string) (*warehouse.LoadResult, error)
	TableID() string
}

// Reporter receives the outcome of every run. Errors are logged and never
// change the outcome.
type Reporter interface {
	Report(ctx context.Context, s Summary) error
}

// RunError is the first failure of a run, tagged with the stage it happened in.
type RunError struct {
	Stage Stage
	RunID string
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run %s failed at %s: %v", e.RunID, e.Stage, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

var ErrInvalidRequest = errors.New("invalid request")

// Request is the optional trigger body.
type Request struct {
	RunDate string `json:"run_date,omitempty"`
}

// Validate accepts an empty RunDate or a YYYY-MM-DD calendar date.
func (r Request) Validate() error {
	if strings.TrimSpace(r.RunDate) == "" {
		return nil
	}
	if _, err := time.Parse(normalize.DateLayout, strings.TrimSpace(r.RunDate)); err != nil {
		return fmt.Errorf("%w: run_date %q is not YYYY-MM-DD", ErrInvalidRequest, r.RunDate)
	}
	return nil
}

type Result struct {
	Status        string `json:"status"`
	RunID         string `json:"run_id"`
	IngestionDate string `json:"ingestion_date"`
	RawURI        string `json:"raw_uri"`
	LoadedURI     string `json:"loaded_uri"`
	Table         string `json:"table"`
	Rows          int    `json:"rows"`
}

// Summary is what reporters see once a run has finished either way.
type Summary struct {
	RunID            string
	IngestionDate    string
	Stage            Stage // StageDone on success
	Err              error
	Rows             int
	SourceBytes      int
	RawURI           string
	LoadedURI        string
	Table            string
	QueryExecutionID string
	StartedAt        time.Time
	FinishedAt       time.Time
}

func (s Summary) Succeeded() bool { return s.Err == nil }

func (s Summary) Duration() time.Duration { return s.FinishedAt.Sub(s.StartedAt) }

type Options struct {
	Location       *time.Location
	ArchiveParquet bool
	Reporters      []Reporter
	Now            func() time.Time
	NewRunID       func() string
}

// Pipeline runs fetch, archive, normalize, archive, load strictly in order.
type Pipeline struct {
	fetcher  Fetcher
	archiver Archiver
	loader   Loader
	opt      Options
	log      *logger.Entry
}

func NewPipeline(f Fetcher, a Archiver, l Loader, opt Options) *Pipeline {
	if opt.Location == nil {
		opt.Location = time.UTC
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.NewRunID == nil {
		opt.NewRunID = uuid.NewString
	}
	return &Pipeline{
		fetcher:  f,
		archiver: a,
		loader:   l,
		opt:      opt,
		log:      logger.GetLogger().WithComponent("ingest"),
	}
}

// IngestionDate is today in the configured location unless req pins a date.
func (p *Pipeline) IngestionDate(req Request) string {
	if d := strings.TrimSpace(req.RunDate); d != "" {
		return d
	}
	return p.opt.Now().In(p.opt.Location).Format(normalize.DateLayout)
}

func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	sum := Summary{
		RunID:         p.opt.NewRunID(),
		IngestionDate: p.IngestionDate(req),
		Table:         p.loader.TableID(),
		StartedAt:     p.opt.Now(),
	}
	log := p.log.WithFields(logger.Fields{
		"run_id":         sum.RunID,
		"ingestion_date": sum.IngestionDate,
	})
	log.Info("run started")

	res, err := p.run(ctx, log, &sum)

	sum.FinishedAt = p.opt.Now()
	if err != nil {
		sum.Err = err
		log.WithError(err).WithFields(logger.Fields{"stage": sum.Stage}).Error("run failed")
	} else {
		sum.Stage = StageDone
		logger.LogPerformanceEntry(log, "ingest", "run", sum.Duration(), logger.Fields{"rows": sum.Rows})
	}
	p.report(ctx, log, sum)

	if err != nil {
		return nil, &RunError{Stage: sum.Stage, RunID: sum.RunID, Err: err}
	}
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, log *logger.Entry, sum *Summary) (*Result, error) {
	date := sum.IngestionDate

	sum.Stage = StageFetching
	payload, err := p.fetcher.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	sum.SourceBytes = len(payload.Body)
	log.WithFields(logger.Fields{"bytes": sum.SourceBytes, "content_type": payload.ContentType}).Info("fetched source")

	sum.Stage = StageArchivingRaw
	rawObj, err := p.archiver.PutRaw(ctx, date, payload.Body)
	if err != nil {
		return nil, err
	}
	sum.RawURI = rawObj.URI()

	sum.Stage = StageNormalizing
	rows, err := normalize.Normalize(payload.Body, date)
	if err != nil {
		return nil, err
	}
	encoded, err := normalize.EncodeCSV(rows)
	if err != nil {
		return nil, &normalize.NormalizationError{Reason: "encode csv", Err: err}
	}
	sum.Rows = len(rows)
	logger.LogDataFlowEntry(log, sum.RawURI, "normalized.csv", sum.Rows, "long_row")

	sum.Stage = StageArchivingNormalized
	normObj, err := p.archiver.PutNormalized(ctx, date, encoded)
	if err != nil {
		return nil, err
	}
	if p.opt.ArchiveParquet {
		// the parquet copy is an extra archive; a failure encoding it is not a load blocker
		pq, err := normalize.EncodeParquet(rows)
		if err != nil {
			log.WithError(err).Warn("parquet encode failed; skipping parquet archive")
		} else if _, err := p.archiver.PutNormalizedParquet(ctx, date, pq); err != nil {
			return nil, err
		}
	}
	sum.LoadedURI = normObj.URI()

	sum.Stage = StageLoading
	lr, err := p.loader.Load(ctx, sum.LoadedURI)
	if err != nil {
		return nil, err
	}
	sum.QueryExecutionID = lr.QueryExecutionID
	log.WithFields(logger.Fields{
		"table":         lr.Table,
		"query_id":      lr.QueryExecutionID,
		"scanned_bytes": lr.ScannedBytes,
	}).Info("load finished")

	return &Result{
		Status:        "ok",
		RunID:         sum.RunID,
		IngestionDate: date,
		RawURI:        sum.RawURI,
		LoadedURI:     sum.LoadedURI,
		Table:         sum.Table,
		Rows:          sum.Rows,
	}, nil
}

func (p *Pipeline) report(ctx context.Context, log *logger.Entry, sum Summary) {
	for _, r := range p.opt.Reporters {
		if r == nil {
			continue
		}
		if err := r.Report(ctx, sum); err != nil {
			log.WithError(err).WithFields(logger.Fields{"reporter": fmt.Sprintf("%T", r)}).Warn("run report failed")
		}
	}
}
