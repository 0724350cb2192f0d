package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"fxingest/internal/archive"
	"fxingest/internal/ingest"
	"fxingest/internal/logger"
	"fxingest/internal/normalize"
	"fxingest/internal/runlog"
	"fxingest/internal/source"
	"fxingest/internal/warehouse"
)

type Runner interface {
	Run(ctx context.Context, req ingest.Request) (*ingest.Result, error)
}

type RunLister interface {
	RunsForDate(ctx context.Context, date string, limit int32) ([]runlog.Item, error)
}

// TriggerHandler serves POST / (one run), GET /healthz and, when a run ledger
// is configured, GET /runs?date=YYYY-MM-DD.
type TriggerHandler struct {
	runner Runner
	runs   RunLister
	log    *logger.Entry
}

func NewTriggerHandler(runner Runner, runs RunLister) *TriggerHandler {
	return &TriggerHandler{
		runner: runner,
		runs:   runs,
		log:    logger.GetLogger().WithComponent("handlers"),
	}
}

func jsonResp(status int, v any) (events.APIGatewayV2HTTPResponse, error) {
	b, _ := json.Marshal(v)
	return events.APIGatewayV2HTTPResponse{
		StatusCode: status,
		Headers: map[string]string{
			"content-type": "application/json",
		},
		Body: string(b),
	}, nil
}

func errResp(status int, msg string) (events.APIGatewayV2HTTPResponse, error) {
	return jsonResp(status, map[string]any{
		"error": msg,
	})
}

func textResp(status int, body string) (events.APIGatewayV2HTTPResponse, error) {
	return events.APIGatewayV2HTTPResponse{
		StatusCode: status,
		Headers:    map[string]string{"content-type": "text/plain; charset=utf-8"},
		Body:       body,
	}, nil
}

func requestPath(req events.APIGatewayV2HTTPRequest) string {
	p := req.RawPath
	if p == "" {
		p = req.RequestContext.HTTP.Path
	}
	if p == "" {
		p = "/"
	}
	return p
}

func (h *TriggerHandler) Handle(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	method := strings.ToUpper(req.RequestContext.HTTP.Method)

	switch requestPath(req) {
	case "/":
		if method != http.MethodPost {
			return errResp(http.StatusMethodNotAllowed, "method not allowed")
		}
		return h.trigger(ctx, req)
	case "/healthz":
		if method != http.MethodGet && method != http.MethodHead {
			return errResp(http.StatusMethodNotAllowed, "method not allowed")
		}
		return textResp(http.StatusOK, "ok")
	case "/runs":
		if h.runs == nil {
			return errResp(http.StatusNotFound, "not found")
		}
		if method != http.MethodGet {
			return errResp(http.StatusMethodNotAllowed, "method not allowed")
		}
		return h.listRuns(ctx, req)
	default:
		return errResp(http.StatusNotFound, "not found")
	}
}

func (h *TriggerHandler) trigger(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	body := req.Body
	if req.IsBase64Encoded && body != "" {
		raw, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return errResp(http.StatusBadRequest, "invalid base64 body")
		}
		body = string(raw)
	}

	var in ingest.Request
	if strings.TrimSpace(body) != "" {
		if err := json.Unmarshal([]byte(body), &in); err != nil {
			return errResp(http.StatusBadRequest, "invalid json body")
		}
	}
	if err := in.Validate(); err != nil {
		return errResp(http.StatusBadRequest, err.Error())
	}

	res, err := h.runner.Run(ctx, in)
	if err != nil {
		status := StatusFor(err)
		out := map[string]any{"error": err.Error()}
		var re *ingest.RunError
		if errors.As(err, &re) {
			out["stage"] = re.Stage
			out["run_id"] = re.RunID
		}
		h.log.WithError(err).WithFields(logger.Fields{"status": status}).Warn("trigger failed")
		return jsonResp(status, out)
	}
	return jsonResp(http.StatusOK, res)
}

func (h *TriggerHandler) listRuns(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	date := strings.TrimSpace(req.QueryStringParameters["date"])
	if date == "" {
		date = time.Now().UTC().Format(normalize.DateLayout)
	}
	if _, err := time.Parse(normalize.DateLayout, date); err != nil {
		return errResp(http.StatusBadRequest, "date must be YYYY-MM-DD")
	}

	limit := int32(20)
	if s := strings.TrimSpace(req.QueryStringParameters["limit"]); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 100 {
			limit = int32(n)
		}
	}

	items, err := h.runs.RunsForDate(ctx, date, limit)
	if err != nil {
		h.log.WithError(err).Warn("list runs failed")
		return errResp(http.StatusInternalServerError, "query failed")
	}
	if items == nil {
		items = []runlog.Item{}
	}
	return jsonResp(http.StatusOK, map[string]any{
		"date":  date,
		"items": items,
	})
}

// StatusFor maps a run failure to the HTTP status returned to the trigger.
func StatusFor(err error) int {
	var (
		fe *source.FetchError
		ne *normalize.NormalizationError
		se *archive.StorageWriteError
		le *warehouse.LoadJobError
	)
	switch {
	case errors.Is(err, ingest.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.As(err, &fe):
		return http.StatusBadGateway
	case errors.As(err, &ne):
		return http.StatusUnprocessableEntity
	case errors.As(err, &se):
		return http.StatusServiceUnavailable
	case errors.As(err, &le):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
