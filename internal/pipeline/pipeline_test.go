package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"nyc311/internal/metrics"
	"nyc311/internal/record"
	"nyc311/internal/source"
)

type fakeWriter struct {
	mu      sync.Mutex
	batches [][]record.ServiceRequest
	err     error
}

func (w *fakeWriter) Write(ctx context.Context, batch []record.ServiceRequest) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.batches = append(w.batches, batch)
	if w.err != nil {
		return 0, w.err
	}
	return int64(len(batch)), nil
}

type fakeWatermark struct {
	values []*time.Time // served in order, last one repeats
	err    error
	calls  int
}

func (f *fakeWatermark) LatestTimestamp(ctx context.Context) (*time.Time, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.values) == 0 {
		return nil, nil
	}
	i := f.calls - 1
	if i >= len(f.values) {
		i = len(f.values) - 1
	}
	return f.values[i], nil
}

func rawOK(key, created string) record.Raw {
	return record.Raw{"unique_key": key, "created_date": created, "complaint_type": "Noise"}
}

func tp(t time.Time) *time.Time { return &t }

func instantAfter(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

func TestRunCycle_SkipsInvalidAndWritesRest(t *testing.T) {
	t.Parallel()

	reader := source.ReaderFunc(func(ctx context.Context, since *time.Time) ([]record.Raw, error) {
		return []record.Raw{
			rawOK("1", "2025-01-01T00:00:00.000"),
			{"unique_key": "2", "complaint_type": "Noise"}, // no created_date
			rawOK("3", "2025-01-02T00:00:00.000"),
		}, nil
	})
	w := &fakeWriter{}
	r := New(reader, w, &fakeWatermark{}, zaptest.NewLogger(t))

	rep, err := r.RunCycle(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Fetched)
	assert.Equal(t, 2, rep.Validated)
	assert.Equal(t, 1, rep.Invalid)
	assert.EqualValues(t, 2, rep.Written)
	assert.NotEmpty(t, rep.CycleID)

	require.Len(t, w.batches, 1)
	assert.Equal(t, "1", w.batches[0][0].UniqueKey)
	assert.Equal(t, "3", w.batches[0][1].UniqueKey)
}

func TestRunCycle_FetchFailureWritesNothing(t *testing.T) {
	t.Parallel()

	reader := source.ReaderFunc(func(ctx context.Context, since *time.Time) ([]record.Raw, error) {
		return nil, source.ErrSourceUnavailable
	})
	w := &fakeWriter{}
	r := New(reader, w, &fakeWatermark{}, nil)

	_, err := r.RunCycle(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, source.ErrSourceUnavailable)
	assert.Empty(t, w.batches)
}

func TestRunCycle_EmptyBatchStillReachesWriter(t *testing.T) {
	t.Parallel()

	reader := source.ReaderFunc(func(ctx context.Context, since *time.Time) ([]record.Raw, error) {
		return nil, nil
	})
	w := &fakeWriter{}
	r := New(reader, w, &fakeWatermark{}, nil)

	rep, err := r.RunCycle(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, rep.Written)
	require.Len(t, w.batches, 1)
	assert.Empty(t, w.batches[0])
}

func TestRunCycle_WriteFailure(t *testing.T) {
	t.Parallel()

	cause := errors.New("write failure: disk full")
	reader := source.ReaderFunc(func(ctx context.Context, since *time.Time) ([]record.Raw, error) {
		return []record.Raw{rawOK("1", "2025-01-01T00:00:00.000")}, nil
	})
	r := New(reader, &fakeWriter{err: cause}, &fakeWatermark{}, nil)

	_, err := r.RunCycle(context.Background(), nil)
	assert.ErrorIs(t, err, cause)
}

func TestRunOnce_ResolvesSince(t *testing.T) {
	t.Parallel()

	wm := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	explicit := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var got []*time.Time
	reader := source.ReaderFunc(func(ctx context.Context, since *time.Time) ([]record.Raw, error) {
		got = append(got, since)
		return nil, nil
	})
	watermark := &fakeWatermark{values: []*time.Time{tp(wm)}}
	r := New(reader, &fakeWriter{}, watermark, nil)

	_, err := r.RunOnce(context.Background(), nil)
	require.NoError(t, err)
	_, err = r.RunOnce(context.Background(), &explicit)
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.True(t, got[0].Equal(wm))
	assert.True(t, got[1].Equal(explicit))
	assert.Equal(t, 1, watermark.calls, "explicit since skips the watermark")

	_, err = New(reader, &fakeWriter{}, &fakeWatermark{err: errors.New("locked")}, nil).RunOnce(context.Background(), nil)
	assert.Error(t, err)
}

func TestListen_ContinuesAfterErrorsAndStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	t1 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)

	var sinces []*time.Time
	reader := source.ReaderFunc(func(ctx context.Context, since *time.Time) ([]record.Raw, error) {
		sinces = append(sinces, since)
		switch len(sinces) {
		case 2:
			return nil, source.ErrSourceUnavailable
		case 4:
			cancel()
		}
		return nil, nil
	})
	watermark := &fakeWatermark{values: []*time.Time{nil, tp(t1), tp(t2)}}
	w := &fakeWriter{}
	r := New(reader, w, watermark, zaptest.NewLogger(t))
	r.after = instantAfter

	err := r.Listen(ctx, nil, time.Minute)
	require.NoError(t, err)

	require.Len(t, sinces, 4)
	assert.Nil(t, sinces[0])
	assert.True(t, sinces[1].Equal(t1))
	assert.True(t, sinces[2].Equal(t2), "watermark re-read every cycle")
	assert.True(t, sinces[3].Equal(t2))
	assert.Len(t, w.batches, 3, "failed fetch skips the write")
}

func TestListen_ExplicitSinceThenWatermark(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	explicit := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	wm := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	var sinces []*time.Time
	reader := source.ReaderFunc(func(ctx context.Context, since *time.Time) ([]record.Raw, error) {
		sinces = append(sinces, since)
		if len(sinces) == 2 {
			cancel()
		}
		return nil, nil
	})
	r := New(reader, &fakeWriter{}, &fakeWatermark{values: []*time.Time{tp(wm)}}, nil)
	r.after = instantAfter

	require.NoError(t, r.Listen(ctx, &explicit, time.Second))
	require.Len(t, sinces, 2)
	assert.True(t, sinces[0].Equal(explicit))
	assert.True(t, sinces[1].Equal(wm))
}

func TestListen_WatermarkFailureKeepsPreviousBound(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	explicit := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var sinces []*time.Time
	reader := source.ReaderFunc(func(ctx context.Context, since *time.Time) ([]record.Raw, error) {
		sinces = append(sinces, since)
		if len(sinces) == 2 {
			cancel()
		}
		return nil, nil
	})
	r := New(reader, &fakeWriter{}, &fakeWatermark{err: errors.New("database is locked")}, nil)
	r.after = instantAfter

	require.NoError(t, r.Listen(ctx, &explicit, time.Second))
	require.Len(t, sinces, 2)
	assert.True(t, sinces[1].Equal(explicit))
}

func TestListen_CancelDuringSleep(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	reader := source.ReaderFunc(func(ctx context.Context, since *time.Time) ([]record.Raw, error) {
		calls++
		return nil, nil
	})
	r := New(reader, &fakeWriter{}, &fakeWatermark{}, nil)
	r.after = func(time.Duration) <-chan time.Time {
		cancel()
		return make(chan time.Time) // never fires
	}

	done := make(chan error, 1)
	go func() { done <- r.Listen(ctx, nil, time.Hour) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("Listen did not return after cancel")
	}
	assert.Equal(t, 1, calls)
}

func TestListen_RejectsNonPositiveInterval(t *testing.T) {
	t.Parallel()

	r := New(source.ReaderFunc(func(context.Context, *time.Time) ([]record.Raw, error) { return nil, nil }), &fakeWriter{}, &fakeWatermark{}, nil)
	assert.Error(t, r.Listen(context.Background(), nil, 0))
}

func TestIdentify(t *testing.T) {
	t.Parallel()

	if got := identify(record.Raw{"unique_key": "42"}, 3); got != "42" {
		t.Fatalf("identify=%q", got)
	}
	if got := identify(record.Raw{"borough": "BRONX"}, 3); got != "#3" {
		t.Fatalf("identify=%q", got)
	}
}

type countingBackend struct {
	mu      sync.Mutex
	flushes int
	err     error
}

func (b *countingBackend) IncCounter(string, float64, metrics.Labels)       {}
func (b *countingBackend) ObserveHistogram(string, float64, metrics.Labels) {}

func (b *countingBackend) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushes++
	return b.err
}

// Installs a process-wide backend, so not parallel.
func TestListen_FlushesMetricsEveryCycle(t *testing.T) {
	b := &countingBackend{err: errors.New("gateway down")}
	metrics.SetBackend(b)
	t.Cleanup(func() { metrics.SetBackend(nil) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cycles := 0
	reader := source.ReaderFunc(func(ctx context.Context, since *time.Time) ([]record.Raw, error) {
		cycles++
		if cycles == 3 {
			cancel()
		}
		return nil, nil
	})
	r := New(reader, &fakeWriter{}, &fakeWatermark{}, zaptest.NewLogger(t))
	r.after = instantAfter

	require.NoError(t, r.Listen(ctx, nil, time.Minute))
	assert.Equal(t, 3, cycles)
	assert.Equal(t, 3, b.flushes, "flush failures do not stop the loop")
}
