package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
)

// maxBody caps trigger bodies; the only field is run_date.
const maxBody = 64 << 10

// ServeHTTP exposes the same routes as Handle over plain net/http. The run
// context is detached from the request so a client abort does not stop
// in-flight backend work.
func (h *TriggerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, `{"error":"read body"}`, http.StatusBadRequest)
		return
	}

	query := map[string]string{}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}

	req := events.APIGatewayV2HTTPRequest{
		RawPath:               r.URL.Path,
		RawQueryString:        r.URL.RawQuery,
		QueryStringParameters: query,
		Body:                  string(body),
		RequestContext: events.APIGatewayV2HTTPRequestContext{
			HTTP: events.APIGatewayV2HTTPRequestContextHTTPDescription{
				Method:    r.Method,
				Path:      r.URL.Path,
				SourceIP:  r.RemoteAddr,
				UserAgent: r.UserAgent(),
			},
		},
	}

	resp, _ := h.Handle(context.WithoutCancel(r.Context()), req)
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.StatusCode)
	if r.Method != http.MethodHead {
		_, _ = io.WriteString(w, resp.Body)
	}
}
