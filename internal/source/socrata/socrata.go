// Package socrata reads NYC 311 service requests from a Socrata SODA endpoint.
package socrata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"nyc311/internal/metrics"
	"nyc311/internal/record"
	"nyc311/internal/retry"
	"nyc311/internal/source"
)

// DefaultEndpoint is the NYC 311 service requests dataset.
const DefaultEndpoint = "https://data.cityofnewyork.us/resource/erm2-nwe9.json"

const (
	defaultLimit   = 1000
	defaultTimeout = 10 * time.Second
	maxMessageLen  = 256
)

// Options configures a Reader.
type Options struct {
	// Endpoint is the dataset URL. Defaults to DefaultEndpoint.
	Endpoint string

	// Limit caps the rows returned per Fetch. Defaults to 1000.
	Limit int

	// AppToken is sent as X-App-Token when set. Unauthenticated requests
	// work but are throttled harder.
	AppToken string

	// Timeout bounds a single HTTP attempt. Defaults to 10s.
	Timeout time.Duration

	// Retry overrides the retry policy. Its Retryable is always replaced by
	// source.Retryable. Zero value means retry.Default.
	Retry retry.Policy

	// HTTPClient overrides the underlying transport (tests, proxies).
	HTTPClient *http.Client

	Logger *zap.Logger

	// now is a test seam for Retry-After date arithmetic.
	now func() time.Time
}

// Reader implements source.Reader over one reusable HTTP client.
type Reader struct {
	client   *resty.Client
	endpoint string
	limit    int
	policy   retry.Policy
	log      *zap.Logger
	now      func() time.Time
}

var _ source.Reader = (*Reader)(nil)

// New builds a Reader. The underlying client is created once and reused by
// every Fetch.
func New(opts Options) *Reader {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	policy := opts.Retry
	if policy.MaxAttempts <= 0 {
		policy = retry.Default(nil)
	}
	policy.Retryable = source.Retryable

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.now
	if now == nil {
		now = time.Now
	}

	var client *resty.Client
	if opts.HTTPClient != nil {
		client = resty.NewWithClient(opts.HTTPClient)
	} else {
		client = resty.New()
	}
	// Retries are owned by policy so every attempt is observable.
	client.SetRetryCount(0).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if tok := strings.TrimSpace(opts.AppToken); tok != "" {
		client.SetHeader("X-App-Token", tok)
	}

	return &Reader{
		client:   client,
		endpoint: endpoint,
		limit:    limit,
		policy:   policy,
		log:      log,
		now:      now,
	}
}

// Fetch returns up to the configured limit of rows created strictly after
// since, newest first. A nil since fetches the newest rows.
//
// Errors:
//   - source.ErrSourceUnavailable (wrapped) once retryable failures exhaust
//     the policy.
//   - *source.StatusError for non-retryable statuses (400, 403, ...).
//   - A decode error for a malformed 2xx body.
//   - ctx.Err() when cancelled.
func (r *Reader) Fetch(ctx context.Context, since *time.Time) ([]record.Raw, error) {
	params := queryParams(r.limit, since)

	policy := r.policy
	prev := policy.OnRetry
	policy.OnRetry = func(attempt int, wait time.Duration, err error) {
		code := 0
		var se *source.StatusError
		if errors.As(err, &se) {
			code = se.StatusCode
		}
		metrics.RecordRetry(code)
		r.log.Warn("socrata: retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		if prev != nil {
			prev(attempt, wait, err)
		}
	}

	var rows []record.Raw
	err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		var err error
		rows, err = r.attempt(ctx, params)
		return err
	})
	if err != nil {
		if errors.Is(err, retry.ErrExhausted) {
			return nil, fmt.Errorf("socrata: %w: %w", source.ErrSourceUnavailable, err)
		}
		return nil, fmt.Errorf("socrata: fetch: %w", err)
	}

	r.log.Info("socrata: fetched",
		zap.Int("rows", len(rows)),
		zap.String("where", params["$where"]),
	)
	return rows, nil
}

func (r *Reader) attempt(ctx context.Context, params map[string]string) ([]record.Raw, error) {
	start := time.Now()
	resp, err := r.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(r.endpoint)
	elapsed := time.Since(start)

	if err != nil {
		metrics.RecordHTTP(0, err, elapsed)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &source.TransportError{Err: err}
	}

	code := resp.StatusCode()
	body := resp.Body()
	if code < 200 || code > 299 {
		se := &source.StatusError{
			StatusCode: code,
			Message:    errorMessage(resp.Header().Get("Content-Type"), body),
		}
		if code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable {
			se.Wait = parseRetryAfter(resp.Header(), r.now())
		}
		metrics.RecordHTTP(code, se, elapsed)
		return nil, se
	}
	metrics.RecordHTTP(code, nil, elapsed)

	rows, err := source.DecodeRecords(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return rows, nil
}

// queryParams builds the SoQL parameters. since is exclusive.
func queryParams(limit int, since *time.Time) map[string]string {
	p := map[string]string{
		"$limit": strconv.Itoa(limit),
		"$order": record.FieldCreatedDate + " DESC",
	}
	if since != nil {
		p["$where"] = fmt.Sprintf("%s > '%s'", record.FieldCreatedDate, record.FormatTimestamp(*since))
	}
	return p
}

// errorMessage extracts something readable from an error body: the SODA
// JSON "message", an HTML page's <title> (CDN error pages), or the trimmed
// raw text.
func errorMessage(contentType string, body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ""
	}

	if strings.Contains(contentType, "html") || bytes.HasPrefix(trimmed, []byte("<")) {
		if doc, err := goquery.NewDocumentFromReader(bytes.NewReader(trimmed)); err == nil {
			if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
				return truncate(title)
			}
		}
	}

	var soda struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if json.Unmarshal(trimmed, &soda) == nil && soda.Message != "" {
		if soda.Code != "" {
			return truncate(soda.Code + ": " + soda.Message)
		}
		return truncate(soda.Message)
	}

	return truncate(strings.Join(strings.Fields(string(trimmed)), " "))
}

func truncate(s string) string {
	if len(s) <= maxMessageLen {
		return s
	}
	i := maxMessageLen
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i] + "..."
}

// parseRetryAfter reads delta-seconds or an HTTP-date.
func parseRetryAfter(h http.Header, now time.Time) time.Duration {
	ra := strings.TrimSpace(h.Get("Retry-After"))
	if ra == "" {
		return 0
	}

	if secs, err := strconv.Atoi(ra); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}

	if t, err := http.ParseTime(ra); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
