package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"ingest/internal/records"
)

const userAgent = "ingest-pipeline/1.0"

// API fetches records from a paginated JSON endpoint. Each page is requested
// as <URL>&page=N; the response body is either a JSON array or an object
// with a "docs" array (the common search-API shape).
//
// Transient failures are retried with exponential backoff. A page that still
// fails after the retries is logged and skipped; the remaining pages are
// fetched anyway, so one bad page never sinks the source.
type API struct {
	URL   string
	Pages int

	// Client is the HTTP client used for requests. Defaults to a client
	// with a 30s timeout.
	Client *http.Client

	// MaxRetries is the number of retry attempts after the initial request.
	MaxRetries int

	// InitialBackoff is the base backoff for the first retry; each retry
	// doubles it up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// sleep is injectable so tests stay fast and deterministic.
	sleep func(time.Duration)
}

// NewAPI constructs an API source with default retry behavior.
func NewAPI(url string, pages int) *API {
	return &API{
		URL:            url,
		Pages:          pages,
		Client:         &http.Client{Timeout: 30 * time.Second},
		MaxRetries:     3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// Fetch downloads every configured page and returns the accumulated records
// in page order. Per-page failures degrade to logged warnings as long as at
// least one page comes back; when every page fails the source has produced
// nothing and Fetch returns an error so the run reports it as failed.
func (a *API) Fetch(ctx context.Context) ([]records.Record, error) {
	pages := a.Pages
	if pages <= 0 {
		pages = 1
	}

	var out []records.Record
	var failed int
	var lastErr error
	for page := 1; page <= pages; page++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		url := fmt.Sprintf("%s&page=%d", a.URL, page)
		body, err := a.getWithRetry(ctx, url)
		if err != nil {
			log.Printf("source: fetch page %d/%d failed: %v; skipping", page, pages, err)
			failed++
			lastErr = err
			continue
		}
		recs, err := decodeRecords(body)
		if err != nil {
			log.Printf("source: decode page %d/%d failed: %v; skipping", page, pages, err)
			failed++
			lastErr = err
			continue
		}
		out = append(out, recs...)
	}
	if failed == pages {
		return nil, fmt.Errorf("all %d pages failed: %w", pages, lastErr)
	}
	return out, nil
}

// getWithRetry performs a GET with exponential backoff on transient errors
// (network failures and 5xx responses). 4xx responses fail immediately.
func (a *API) getWithRetry(ctx context.Context, url string) ([]byte, error) {
	client := a.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	backoff := a.InitialBackoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	maxBackoff := a.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 5 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= a.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := a.wait(ctx, backoff); err != nil {
				return nil, err
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", userAgent)

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		switch {
		case err != nil:
			lastErr = err
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("status %s", resp.Status)
		case resp.StatusCode >= 400:
			return nil, fmt.Errorf("status %s", resp.Status)
		default:
			return body, nil
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", a.MaxRetries+1, lastErr)
}

// wait sleeps for d or until the context is canceled.
func (a *API) wait(ctx context.Context, d time.Duration) error {
	if a.sleep != nil {
		a.sleep(d)
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// decodeRecords accepts either a bare JSON array of objects or an object
// with a "docs" array.
func decodeRecords(body []byte) ([]records.Record, error) {
	var envelope struct {
		Docs []map[string]any `json:"docs"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Docs != nil {
		return normalizeAll(envelope.Docs), nil
	}

	var plain []map[string]any
	if err := json.Unmarshal(body, &plain); err != nil {
		return nil, fmt.Errorf("unexpected response shape: %w", err)
	}
	return normalizeAll(plain), nil
}

func normalizeAll(raw []map[string]any) []records.Record {
	out := make([]records.Record, 0, len(raw))
	for _, m := range raw {
		out = append(out, normalizeRecord(m))
	}
	return out
}
