package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const errorSnippetBytes = 512

// Payload is the unmodified source response.
type Payload struct {
	Body        []byte
	ContentType string
	FetchedAt   time.Time
}

// FetchError covers transport failures, timeouts and non-2xx responses.
type FetchError struct {
	URL        string
	StatusCode int    // 0 when no response was received
	Snippet    string // start of a non-2xx body
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fetcher performs one timed GET per call. It never retries.
type Fetcher struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

func NewFetcher(url string, timeout time.Duration, client *http.Client) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{url: url, timeout: timeout, client: client}
}

func (f *Fetcher) URL() string { return f.url }

func (f *Fetcher) Fetch(ctx context.Context) (*Payload, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, &FetchError{URL: f.url, Err: err}
	}
	req.Header.Set("accept", "text/csv, */*")

	res, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: f.url, Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, errorSnippetBytes))
		return nil, &FetchError{URL: f.url, StatusCode: res.StatusCode, Snippet: string(snippet)}
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &FetchError{URL: f.url, StatusCode: res.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	return &Payload{
		Body:        body,
		ContentType: res.Header.Get("content-type"),
		FetchedAt:   time.Now().UTC(),
	}, nil
}
