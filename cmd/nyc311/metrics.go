package main

import (
	"context"
	"os"

	"go.uber.org/zap"

	"nyc311/internal/metrics"
	"nyc311/internal/metrics/datadog"
	"nyc311/internal/metrics/prompush"
)

// setupMetrics installs the configured backend. A backend that fails to
// initialize is logged and metrics stay disabled; the ETL still runs.
func (a *app) setupMetrics(ctx context.Context) {
	m := a.cfg.Metrics
	log := a.log.With(zap.String("backend", m.Backend), zap.String("job", m.Job))

	switch m.Backend {
	case "pushgateway":
		opts := prompush.Options{URL: m.PushgatewayURL, Job: m.Job, Client: a.httpClient}
		if inst := pushInstance(m.Instance); inst != "" {
			opts.Grouping = map[string]string{"instance": inst}
		}
		b, err := prompush.New(opts)
		if err != nil {
			log.Warn("metrics: pushgateway init failed; using nop", zap.Error(err))
			return
		}
		metrics.SetBackend(b)
		log.Info("metrics: enabled", zap.String("url", m.PushgatewayURL))
		a.closers = append(a.closers, func() {
			if err := b.Close(); err != nil {
				log.Warn("metrics: push failed", zap.Error(err))
			}
		})

	case "datadog":
		// Flushes every FlushEvery; Close stops the loop and submits the rest.
		b, err := datadog.NewBackend(ctx, datadog.Options{
			JobName:    m.Job,
			Tags:       m.Tags,
			FlushEvery: m.FlushEvery,
		})
		if err != nil {
			log.Warn("metrics: datadog init failed; using nop", zap.Error(err))
			return
		}
		metrics.SetBackend(b)
		log.Info("metrics: enabled", zap.Strings("tags", m.Tags))
		a.closers = append(a.closers, func() {
			if err := b.Close(); err != nil {
				log.Warn("metrics: datadog close/flush failed", zap.Error(err))
			}
		})

	default:
		log.Debug("metrics: disabled")
	}
}

// pushInstance keeps listeners on different hosts from replacing each
// other's pushes.
func pushInstance(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil {
		return ""
	}
	return host
}
