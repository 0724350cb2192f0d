package warehouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"fxingest/internal/logger"
)

// LoadJobError is any failure of the bulk load: missing destination, schema
// mismatch, staging failure or a query that ended FAILED/CANCELLED.
type LoadJobError struct {
	State            string
	Reason           string
	QueryExecutionID string
	Err              error
}

func (e *LoadJobError) Error() string {
	msg := fmt.Sprintf("load %s: %s", e.State, e.Reason)
	if e.QueryExecutionID != "" {
		msg += fmt.Sprintf(" (qid=%s)", e.QueryExecutionID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LoadJobError) Unwrap() error { return e.Err }

type LoaderConfig struct {
	Catalog        string
	Database       string
	Table          string
	Workgroup      string
	OutputLocation string
	PollInterval   time.Duration
	MaxWait        time.Duration
}

type LoadResult struct {
	SourceURI        string
	Table            string
	QueryExecutionID string
	ScannedBytes     int64
	ExecutionMs      int64
}

// Loader appends staged normalized CSV objects to one fixed table.
type Loader struct {
	glue   GlueClient
	athena AthenaClient
	cfg    LoaderConfig
	newID  func() string
}

func NewLoader(g GlueClient, a AthenaClient, cfg LoaderConfig) *Loader {
	return &Loader{glue: g, athena: a, cfg: cfg, newID: uuid.NewString}
}

// TableID is <catalog>.<database>.<table>.
func (l *Loader) TableID() string {
	return fmt.Sprintf("%s.%s.%s", l.cfg.Catalog, l.cfg.Database, l.cfg.Table)
}

// StagingTable names the staging table of one load. Every load gets its own
// so concurrent runs cannot repoint each other's location.
func (l *Loader) StagingTable(id string) string {
	return l.cfg.Table + "_staging_" + strings.ReplaceAll(strings.ToLower(id), "-", "")
}

// Load verifies the destination, registers a staging table over the object's
// partition and runs a single INSERT INTO ... SELECT. It blocks until the
// statement is terminal and never retries. The staging table is dropped
// afterwards whatever the outcome.
func (l *Loader) Load(ctx context.Context, sourceURI string) (*LoadResult, error) {
	location, err := partitionLocation(sourceURI)
	if err != nil {
		return nil, &LoadJobError{State: "INVALID_SOURCE", Reason: err.Error()}
	}

	if err := verifyDestination(ctx, l.glue, l.cfg.Database, l.cfg.Table); err != nil {
		return nil, err
	}

	staging := l.StagingTable(l.newID())
	if err := createStagingTable(ctx, l.glue, l.cfg.Database, staging, location); err != nil {
		return nil, err
	}
	defer l.dropStaging(context.WithoutCancel(ctx), staging)

	res, err := RunQuery(ctx, l.athena, l.InsertSQL(staging, sourceURI), QueryOptions{
		Catalog:        l.cfg.Catalog,
		Database:       l.cfg.Database,
		Workgroup:      l.cfg.Workgroup,
		OutputLocation: l.cfg.OutputLocation,
		PollInterval:   l.cfg.PollInterval,
		MaxWait:        l.cfg.MaxWait,
	})
	if err != nil {
		return nil, err
	}

	return &LoadResult{
		SourceURI:        sourceURI,
		Table:            l.TableID(),
		QueryExecutionID: res.QueryExecutionID,
		ScannedBytes:     res.ScannedBytes,
		ExecutionMs:      res.ExecutionMs,
	}, nil
}

// dropStaging only logs on failure; the load result is already decided.
func (l *Loader) dropStaging(ctx context.Context, staging string) {
	if err := dropStagingTable(ctx, l.glue, l.cfg.Database, staging); err != nil {
		logger.GetLogger().WithComponent("warehouse").WithError(err).WithFields(logger.Fields{
			"staging_table": staging,
		}).Warn("drop staging table")
	}
}

// InsertSQL appends only the rows of sourceURI read through the staging
// table. CAST (not TRY_CAST) makes a single malformed row fail the whole
// statement.
func (l *Loader) InsertSQL(staging, sourceURI string) string {
	return fmt.Sprintf(`INSERT INTO %s.%s ("date", currency, rate, ingestion_date)
SELECT
  CAST(NULLIF("date", '') AS DATE),
  NULLIF(currency, ''),
  CAST(NULLIF(rate, '') AS DOUBLE),
  CAST(ingestion_date AS DATE)
FROM %s.%s
WHERE "$path" = %s`,
		quoteIdent(l.cfg.Database), quoteIdent(l.cfg.Table),
		quoteIdent(l.cfg.Database), quoteIdent(staging),
		quoteLiteral(sourceURI),
	)
}

// partitionLocation turns s3://bucket/raw/dt=X/normalized.csv into
// s3://bucket/raw/dt=X/.
func partitionLocation(uri string) (string, error) {
	if !strings.HasPrefix(uri, "s3://") {
		return "", fmt.Errorf("source %q is not an s3 uri", uri)
	}
	i := strings.LastIndex(uri, "/")
	if i <= len("s3://") || i == len(uri)-1 {
		return "", fmt.Errorf("source %q does not name an object", uri)
	}
	return uri[:i+1], nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
