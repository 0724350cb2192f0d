package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"fxingest/internal/archive"
	"fxingest/internal/config"
	"fxingest/internal/handlers"
	"fxingest/internal/ingest"
	"fxingest/internal/logger"
	"fxingest/internal/metrics"
	"fxingest/internal/notify"
	"fxingest/internal/runlog"
	"fxingest/internal/source"
	"fxingest/internal/warehouse"
)

func main() {
	log := logger.GetLogger()
	ctx := context.Background()

	if err := config.LoadDotEnv(); err != nil {
		log.WithError(err).Fatal("load .env")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.WithError(err).Fatal("load aws config")
	}

	lookup := config.LookupFunc(os.LookupEnv)
	if ssmPath := strings.TrimSpace(os.Getenv("CONFIG_SSM_PATH")); ssmPath != "" {
		fromSSM, err := config.SSMLookup(ctx, ssm.NewFromConfig(awsCfg), ssmPath)
		if err != nil {
			log.WithError(err).Fatal("load ssm parameters")
		}
		lookup = config.Chain(os.LookupEnv, fromSSM)
	}

	cfg, err := config.Load(lookup)
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	if err := log.Configure(cfg.LogLevel, cfg.LogFormat, cfg.LogOutput, cfg.LogMaxAgeDays); err != nil {
		log.WithError(err).Fatal("configure logger")
	}

	h := buildHandler(cfg, clients{
		s3:         s3.NewFromConfig(awsCfg),
		glue:       glue.NewFromConfig(awsCfg),
		athena:     athena.NewFromConfig(awsCfg),
		dynamodb:   dynamodb.NewFromConfig(awsCfg),
		sns:        sns.NewFromConfig(awsCfg),
		cloudwatch: cloudwatch.NewFromConfig(awsCfg),
	})

	log.WithFields(logger.Fields{
		"bucket": cfg.Bucket,
		"table":  cfg.TableID(),
		"source": cfg.SourceURL,
	}).Info("fx-ingest starting")

	if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		lambda.Start(h.Handle)
		return
	}
	serve(cfg.Port, h)
}

type clients struct {
	s3         *s3.Client
	glue       *glue.Client
	athena     *athena.Client
	dynamodb   *dynamodb.Client
	sns        *sns.Client
	cloudwatch *cloudwatch.Client
}

func buildHandler(cfg config.Config, c clients) *handlers.TriggerHandler {
	loader := warehouse.NewLoader(c.glue, c.athena, warehouse.LoaderConfig{
		Catalog:        cfg.DataCatalog,
		Database:       cfg.Dataset,
		Table:          cfg.Table,
		Workgroup:      cfg.AthenaWorkgroup,
		OutputLocation: cfg.AthenaOutput,
		PollInterval:   cfg.LoadPollInterval,
		MaxWait:        cfg.LoadMaxWait,
	})

	var (
		reporters []ingest.Reporter
		runs      handlers.RunLister
	)
	if cfg.RunsTable != "" {
		rec := runlog.NewRecorder(c.dynamodb, cfg.RunsTable, cfg.RunsTTL)
		reporters = append(reporters, rec)
		runs = rec
	}
	if cfg.AlertTopicARN != "" {
		reporters = append(reporters, notify.NewAlerter(c.sns, cfg.AlertTopicARN))
	}
	if cfg.MetricsNamespace != "" {
		reporters = append(reporters, metrics.NewPublisher(c.cloudwatch, cfg.MetricsNamespace))
	}

	p := ingest.NewPipeline(
		source.NewFetcher(cfg.SourceURL, cfg.FetchTimeout, nil),
		archive.NewArchiver(c.s3, cfg.Bucket),
		loader,
		ingest.Options{
			Location:       cfg.Location,
			ArchiveParquet: cfg.ArchiveParquet,
			Reporters:      reporters,
		},
	)
	return handlers.NewTriggerHandler(p, runs)
}

func serve(port string, h http.Handler) {
	log := logger.GetLogger().WithComponent("server")

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithFields(logger.Fields{"addr": srv.Addr}).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	// in-flight runs are not bounded by a deadline, so give them a generous window
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("shutdown")
	}
	log.Info("stopped")
}
