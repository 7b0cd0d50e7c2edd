package socrata

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"nyc311/internal/retry"
	"nyc311/internal/source"
)

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	return nil
}

func newTestReader(t *testing.T, url string, rec *sleepRecorder, token string) *Reader {
	t.Helper()
	p := retry.Default(nil)
	p.Sleep = rec.sleep
	return New(Options{
		Endpoint: url,
		Limit:    50,
		AppToken: token,
		Timeout:  2 * time.Second,
		Retry:    p,
		Logger:   zaptest.NewLogger(t),
	})
}

const twoRows = `[
 {"unique_key":"1","created_date":"2025-01-01T12:00:00.000","complaint_type":"Noise"},
 {"unique_key":"2","created_date":"2025-01-01T11:00:00.000","complaint_type":"Heat"}
]`

func TestFetch_SendsQueryAndToken(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		query map[string]string
		token string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		q := r.URL.Query()
		query = map[string]string{"$limit": q.Get("$limit"), "$order": q.Get("$order"), "$where": q.Get("$where")}
		token = r.Header.Get("X-App-Token")
		mu.Unlock()
		_, _ = w.Write([]byte(twoRows))
	}))
	t.Cleanup(srv.Close)

	rd := newTestReader(t, srv.URL, &sleepRecorder{}, "tok123")
	since := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	rows, err := rd.Fetch(context.Background(), &since)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "50", query["$limit"])
	assert.Equal(t, "created_date DESC", query["$order"])
	assert.Equal(t, "created_date > '2025-01-01T10:00:00.000'", query["$where"])
	assert.Equal(t, "tok123", token)
}

func TestFetch_NoSinceNoToken(t *testing.T) {
	t.Parallel()

	var sawWhere, sawToken atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.URL.Query()["$where"]; ok {
			sawWhere.Store(true)
		}
		if r.Header.Get("X-App-Token") != "" {
			sawToken.Store(true)
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	t.Cleanup(srv.Close)

	rows, err := newTestReader(t, srv.URL, &sleepRecorder{}, "").Fetch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.False(t, sawWhere.Load(), "$where must be omitted without since")
	assert.False(t, sawToken.Load(), "X-App-Token must be omitted without a token")
}

func TestFetch_RateLimitedFourTimesThenSuccess(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 4 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(twoRows))
	}))
	t.Cleanup(srv.Close)

	rec := &sleepRecorder{}
	rows, err := newTestReader(t, srv.URL, rec, "").Fetch(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.EqualValues(t, 5, calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, rec.waits)
}

func TestFetch_ServerErrorsExhaustRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`<html><head><title>502 Bad Gateway</title></head><body>cloudfront</body></html>`))
	}))
	t.Cleanup(srv.Close)

	_, err := newTestReader(t, srv.URL, &sleepRecorder{}, "").Fetch(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, source.ErrSourceUnavailable), "err=%v", err)
	assert.EqualValues(t, 5, calls.Load())

	var se *source.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 502, se.StatusCode)
	assert.Equal(t, "502 Bad Gateway", se.Message)
}

func TestFetch_ClientErrorAbortsImmediately(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"query.compiler.malformed","error":true,"message":"Could not parse SoQL query"}`))
	}))
	t.Cleanup(srv.Close)

	rec := &sleepRecorder{}
	_, err := newTestReader(t, srv.URL, rec, "").Fetch(context.Background(), nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, source.ErrSourceUnavailable))
	assert.EqualValues(t, 1, calls.Load())
	assert.Empty(t, rec.waits)

	var se *source.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 400, se.StatusCode)
	assert.Equal(t, "query.compiler.malformed: Could not parse SoQL query", se.Message)
}

func TestFetch_MalformedBodyAborts(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"not":"an array"}`))
	}))
	t.Cleanup(srv.Close)

	_, err := newTestReader(t, srv.URL, &sleepRecorder{}, "").Fetch(context.Background(), nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, source.ErrSourceUnavailable))
	assert.EqualValues(t, 1, calls.Load())
}

func TestFetch_RetryAfterHonoured(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	t.Cleanup(srv.Close)

	rec := &sleepRecorder{}
	_, err := newTestReader(t, srv.URL, rec, "").Fetch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{7 * time.Second}, rec.waits)
}

func TestFetch_TransportErrorsRetried(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close() // connection refused from here on

	rec := &sleepRecorder{}
	_, err := newTestReader(t, url, rec, "").Fetch(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, source.ErrSourceUnavailable), "err=%v", err)

	var te *source.TransportError
	assert.True(t, errors.As(err, &te))
	assert.Len(t, rec.waits, 4)
}

func TestFetch_ContextCancelled(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	p := retry.Default(nil)
	p.Sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	rd := New(Options{Endpoint: srv.URL, Retry: p})

	_, err := rd.Fetch(ctx, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "err=%v", err)
	assert.False(t, errors.Is(err, source.ErrSourceUnavailable))
}

func TestQueryParams(t *testing.T) {
	t.Parallel()

	p := queryParams(10, nil)
	assert.Equal(t, map[string]string{"$limit": "10", "$order": "created_date DESC"}, p)

	since := time.Date(2025, 3, 4, 5, 6, 7, 8_000_000, time.FixedZone("EST", -5*3600))
	p = queryParams(10, &since)
	assert.Equal(t, "created_date > '2025-03-04T10:06:07.008'", p["$where"])
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		val  string
		want time.Duration
	}{
		{name: "absent", val: "", want: 0},
		{name: "seconds", val: "12", want: 12 * time.Second},
		{name: "zero", val: "0", want: 0},
		{name: "negative", val: "-3", want: 0},
		{name: "http_date_future", val: now.Add(90 * time.Second).Format(http.TimeFormat), want: 90 * time.Second},
		{name: "http_date_past", val: now.Add(-time.Minute).Format(http.TimeFormat), want: 0},
		{name: "garbage", val: "soon", want: 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := http.Header{}
			if tc.val != "" {
				h.Set("Retry-After", tc.val)
			}
			if got := parseRetryAfter(h, now); got != tc.want {
				t.Fatalf("parseRetryAfter(%q)=%s, want %s", tc.val, got, tc.want)
			}
		})
	}
}

func TestErrorMessage_TruncatesOnRuneBoundary(t *testing.T) {
	t.Parallel()

	got := errorMessage("text/plain", []byte("a"+strings.Repeat("é", 200)))
	require.True(t, utf8.ValidString(got), "message %q", got)
	require.True(t, strings.HasSuffix(got, "..."))
	assert.LessOrEqual(t, len(got), maxMessageLen+len("..."))
	assert.Equal(t, "a"+strings.Repeat("é", 127)+"...", got)
}

func TestErrorMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ct   string
		body string
		want string
	}{
		{name: "empty", body: "  ", want: ""},
		{name: "html_title", ct: "text/html; charset=utf-8", body: "<html><head><title> 503 Service Unavailable </title></head></html>", want: "503 Service Unavailable"},
		{name: "html_sniffed", body: "<!DOCTYPE html><html><title>Too Many Requests</title></html>", want: "Too Many Requests"},
		{name: "soda_json_no_code", ct: "application/json", body: `{"message":"Unknown column"}`, want: "Unknown column"},
		{name: "plain_text", ct: "text/plain", body: "upstream\n  timed out", want: "upstream timed out"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := errorMessage(tc.ct, []byte(tc.body)); got != tc.want {
				t.Fatalf("errorMessage()=%q, want %q", got, tc.want)
			}
		})
	}
}
