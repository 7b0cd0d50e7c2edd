// Package pipeline runs fetch, validate and write cycles against a watermark.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"nyc311/internal/metrics"
	"nyc311/internal/record"
	"nyc311/internal/source"
)

// Writer persists a validated batch and returns the rows inserted.
type Writer interface {
	Write(ctx context.Context, batch []record.ServiceRequest) (int64, error)
}

// Watermark reports the newest persisted created_date, nil when none.
type Watermark interface {
	LatestTimestamp(ctx context.Context) (*time.Time, error)
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	CycleID   string
	Since     *time.Time
	Fetched   int
	Validated int
	Invalid   int
	Written   int64
	Duration  time.Duration
}

// Runner wires a Reader, Writer and Watermark into cycles.
type Runner struct {
	reader    source.Reader
	writer    Writer
	watermark Watermark
	log       *zap.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// New builds a Runner. log may be nil.
func New(reader source.Reader, writer Writer, watermark Watermark, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		reader:    reader,
		writer:    writer,
		watermark: watermark,
		log:       log,
		now:       time.Now,
		after:     time.After,
	}
}

// RunCycle fetches records created strictly after since, validates them one
// by one and writes the survivors. A fetch failure returns before any write.
// An empty batch still reaches the Writer, which treats it as a no-op.
func (r *Runner) RunCycle(ctx context.Context, since *time.Time) (CycleReport, error) {
	start := r.now()
	rep := CycleReport{CycleID: uuid.NewString(), Since: since}
	log := r.log.With(zap.String("cycle_id", rep.CycleID))

	if since != nil {
		log.Info("pipeline: cycle start", zap.String("since", record.FormatTimestamp(*since)))
	} else {
		log.Info("pipeline: cycle start", zap.String("since", "all"))
	}

	fetchStart := r.now()
	raws, err := r.reader.Fetch(ctx, since)
	metrics.RecordStep("fetch", err, r.now().Sub(fetchStart))
	if err != nil {
		rep.Duration = r.now().Sub(start)
		return rep, fmt.Errorf("pipeline: fetch: %w", err)
	}
	rep.Fetched = len(raws)
	metrics.RecordRecords(metrics.KindFetched, rep.Fetched)

	validateStart := r.now()
	batch := make([]record.ServiceRequest, 0, len(raws))
	for i, raw := range raws {
		sr, err := record.Normalize(raw)
		if err != nil {
			rep.Invalid++
			log.Warn("pipeline: skipping invalid record",
				zap.String("unique_key", identify(raw, i)),
				zap.Error(err),
			)
			continue
		}
		batch = append(batch, sr)
	}
	rep.Validated = len(batch)
	metrics.RecordStep("validate", nil, r.now().Sub(validateStart))
	metrics.RecordRecords(metrics.KindValidated, rep.Validated)
	metrics.RecordRecords(metrics.KindInvalid, rep.Invalid)

	n, err := r.writer.Write(ctx, batch)
	rep.Written = n
	rep.Duration = r.now().Sub(start)
	if err != nil {
		return rep, fmt.Errorf("pipeline: write: %w", err)
	}

	log.Info("pipeline: cycle done",
		zap.Int("fetched", rep.Fetched),
		zap.Int("validated", rep.Validated),
		zap.Int("invalid", rep.Invalid),
		zap.Int64("written", rep.Written),
		zap.Duration("duration", rep.Duration),
	)
	return rep, nil
}

// RunOnce runs a single cycle. A nil since is resolved from the watermark.
func (r *Runner) RunOnce(ctx context.Context, since *time.Time) (CycleReport, error) {
	if since == nil {
		wm, err := r.latest(ctx)
		if err != nil {
			return CycleReport{}, err
		}
		since = wm
	}
	rep, err := r.RunCycle(ctx, since)
	metrics.RecordStep("cycle", err, rep.Duration)
	return rep, err
}

// Listen runs cycles every interval until ctx is cancelled, then returns nil.
//
// The first cycle uses since, or the watermark when since is nil. Later cycles
// re-read the watermark. Cycle failures are logged and the loop goes on; when
// the watermark itself cannot be read the previous lower bound is reused.
func (r *Runner) Listen(ctx context.Context, since *time.Time, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("pipeline: listen interval must be positive, got %s", interval)
	}

	r.log.Info("pipeline: listening", zap.Duration("interval", interval))
	first := true
	for {
		if ctx.Err() != nil {
			break
		}

		if !first || since == nil {
			wm, err := r.latest(ctx)
			if err != nil {
				r.log.Error("pipeline: watermark read failed; reusing previous bound", zap.Error(err))
			} else if wm != nil || since == nil {
				since = wm
			}
		}
		first = false

		rep, err := r.RunCycle(ctx, since)
		metrics.RecordStep("cycle", err, rep.Duration)
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				break
			}
			r.log.Error("pipeline: cycle failed", zap.String("cycle_id", rep.CycleID), zap.Error(err))
		}
		// Push backends only publish on flush; a listener never reaches Close.
		if err := metrics.Flush(); err != nil {
			r.log.Warn("pipeline: metrics flush failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
		case <-r.after(interval):
		}
	}

	r.log.Info("pipeline: stopped")
	return nil
}

func (r *Runner) latest(ctx context.Context) (*time.Time, error) {
	wm, err := r.watermark.LatestTimestamp(ctx)
	if err != nil {
		return nil, fmt.Errorf("pipeline: watermark: %w", err)
	}
	if wm != nil {
		metrics.RecordWatermarkLag(*wm, r.now())
	}
	return wm, nil
}

// identify names a raw record in logs: its unique_key, else its position.
func identify(raw record.Raw, pos int) string {
	if v, ok := raw[record.FieldUniqueKey]; ok && v != nil {
		if s := fmt.Sprint(v); s != "" {
			return s
		}
	}
	return fmt.Sprintf("#%d", pos)
}
