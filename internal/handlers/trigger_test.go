package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/aws-lambda-go/events"

	"fxingest/internal/archive"
	"fxingest/internal/ingest"
	"fxingest/internal/normalize"
	"fxingest/internal/runlog"
	"fxingest/internal/source"
	"fxingest/internal/warehouse"
)

type fakeRunner struct {
	res   *ingest.Result
	err   error
	calls []ingest.Request
	ctx   context.Context
}

func (f *fakeRunner) Run(ctx context.Context, req ingest.Request) (*ingest.Result, error) {
	f.calls = append(f.calls, req)
	f.ctx = ctx
	return f.res, f.err
}

type fakeLister struct {
	items []runlog.Item
	date  string
	limit int32
}

func (f *fakeLister) RunsForDate(ctx context.Context, date string, limit int32) ([]runlog.Item, error) {
	f.date, f.limit = date, limit
	return f.items, nil
}

func okResult() *ingest.Result {
	return &ingest.Result{
		Status:        "ok",
		RunID:         "run-1",
		IngestionDate: "2024-06-03",
		LoadedURI:     "s3://fx-bucket/raw/dt=2024-06-03/normalized.csv",
		Table:         "AwsDataCatalog.fx.raw_fx_rates",
		Rows:          4,
	}
}

func apiReq(method, path, body string) events.APIGatewayV2HTTPRequest {
	return events.APIGatewayV2HTTPRequest{
		RawPath: path,
		Body:    body,
		RequestContext: events.APIGatewayV2HTTPRequestContext{
			HTTP: events.APIGatewayV2HTTPRequestContextHTTPDescription{Method: method, Path: path},
		},
	}
}

func decode(t *testing.T, body string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		t.Fatalf("decode %q: %v", body, err)
	}
	return m
}

func TestTriggerSuccess(t *testing.T) {
	r := &fakeRunner{res: okResult()}
	h := NewTriggerHandler(r, nil)

	resp, err := h.Handle(context.Background(), apiReq("POST", "/", ""))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body=%s", resp.StatusCode, resp.Body)
	}
	m := decode(t, resp.Body)
	if m["status"] != "ok" || m["loaded_uri"] != "s3://fx-bucket/raw/dt=2024-06-03/normalized.csv" || m["table"] != "AwsDataCatalog.fx.raw_fx_rates" {
		t.Fatalf("body = %v", m)
	}
	if len(r.calls) != 1 || r.calls[0].RunDate != "" {
		t.Fatalf("calls = %+v", r.calls)
	}
}

func TestTriggerPassesRunDate(t *testing.T) {
	r := &fakeRunner{res: okResult()}
	h := NewTriggerHandler(r, nil)

	req := apiReq("POST", "/", base64.StdEncoding.EncodeToString([]byte(`{"run_date":"2024-01-15"}`)))
	req.IsBase64Encoded = true
	resp, _ := h.Handle(context.Background(), req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if r.calls[0].RunDate != "2024-01-15" {
		t.Fatalf("run date = %q", r.calls[0].RunDate)
	}
}

func TestTriggerBadRequest(t *testing.T) {
	for _, body := range []string{"{not json", `{"run_date":"15/01/2024"}`} {
		r := &fakeRunner{res: okResult()}
		resp, _ := NewTriggerHandler(r, nil).Handle(context.Background(), apiReq("POST", "/", body))
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%q: status = %d", body, resp.StatusCode)
		}
		if len(r.calls) != 0 {
			t.Errorf("%q: runner should not be called", body)
		}
	}
}

func TestTriggerErrorStatus(t *testing.T) {
	tests := []struct {
		name  string
		stage ingest.Stage
		err   error
		want  int
	}{
		{"fetch", ingest.StageFetching, &source.FetchError{URL: "u", StatusCode: 500}, http.StatusBadGateway},
		{"normalize", ingest.StageNormalizing, &normalize.NormalizationError{Reason: "source has no columns"}, http.StatusUnprocessableEntity},
		{"storage", ingest.StageArchivingRaw, &archive.StorageWriteError{Bucket: "b", Key: "k", Err: errors.New("denied")}, http.StatusServiceUnavailable},
		{"load", ingest.StageLoading, &warehouse.LoadJobError{State: "FAILED", Reason: "bad cast"}, http.StatusInternalServerError},
		{"other", ingest.StageLoading, errors.New("unexpected"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRunner{err: &ingest.RunError{Stage: tt.stage, RunID: "run-9", Err: fmt.Errorf("wrapped: %w", tt.err)}}
			resp, _ := NewTriggerHandler(r, nil).Handle(context.Background(), apiReq("POST", "/", ""))
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			m := decode(t, resp.Body)
			if m["stage"] != string(tt.stage) || m["run_id"] != "run-9" || m["error"] == "" {
				t.Fatalf("body = %v", m)
			}
		})
	}
}

func TestRouting(t *testing.T) {
	h := NewTriggerHandler(&fakeRunner{res: okResult()}, nil)

	tests := []struct {
		method, path string
		want         int
	}{
		{"GET", "/healthz", http.StatusOK},
		{"POST", "/healthz", http.StatusMethodNotAllowed},
		{"GET", "/", http.StatusMethodNotAllowed},
		{"GET", "/nope", http.StatusNotFound},
		{"GET", "/runs", http.StatusNotFound},
	}
	for _, tt := range tests {
		resp, _ := h.Handle(context.Background(), apiReq(tt.method, tt.path, ""))
		if resp.StatusCode != tt.want {
			t.Errorf("%s %s: status = %d, want %d", tt.method, tt.path, resp.StatusCode, tt.want)
		}
	}

	resp, _ := h.Handle(context.Background(), apiReq("GET", "/healthz", ""))
	if resp.Body != "ok" {
		t.Fatalf("health body = %q", resp.Body)
	}
}

func TestListRuns(t *testing.T) {
	l := &fakeLister{items: []runlog.Item{{RunID: "run-1", Status: "ok", Stage: "done"}}}
	h := NewTriggerHandler(&fakeRunner{}, l)

	req := apiReq("GET", "/runs", "")
	req.QueryStringParameters = map[string]string{"date": "2024-06-03", "limit": "5"}
	resp, _ := h.Handle(context.Background(), req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if l.date != "2024-06-03" || l.limit != 5 {
		t.Fatalf("lister got %s %d", l.date, l.limit)
	}
	if !strings.Contains(resp.Body, `"run_id":"run-1"`) {
		t.Fatalf("body = %s", resp.Body)
	}

	req.QueryStringParameters = map[string]string{"date": "june"}
	resp, _ = h.Handle(context.Background(), req)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad date status = %d", resp.StatusCode)
	}
}

func TestServeHTTP(t *testing.T) {
	r := &fakeRunner{res: okResult()}
	srv := httptest.NewServer(NewTriggerHandler(r, nil))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/", "application/json", strings.NewReader(`{"run_date":"2024-06-03"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("content-type") != "application/json" {
		t.Fatalf("status = %d content-type = %q", resp.StatusCode, resp.Header.Get("content-type"))
	}
	if r.calls[0].RunDate != "2024-06-03" {
		t.Fatalf("run date = %q", r.calls[0].RunDate)
	}

	health, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", health.StatusCode)
	}
}

func TestServeHTTPDetachesCancellation(t *testing.T) {
	r := &fakeRunner{res: okResult()}
	h := NewTriggerHandler(r, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if r.ctx.Err() != nil {
		t.Fatalf("run context was cancelled with the request")
	}
}
