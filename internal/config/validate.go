package config

import (
	"fmt"
	"strings"
	"time"

	"nyc311/internal/storage"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path is the dotted YAML key.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

var storageKinds = []string{"sqlite", "postgres", "mssql"}

// Validate reports every problem in c. Warnings do not block a run.
func Validate(c Config) []Issue {
	var out []Issue
	add := func(sev Severity, path, format string, a ...any) {
		out = append(out, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, a...)})
	}

	if !validEndpoint(c.Source.Endpoint) {
		add(SeverityError, "source.endpoint", "must be an absolute http(s) URL, got %q", c.Source.Endpoint)
	}
	switch {
	case c.Source.Limit <= 0:
		add(SeverityError, "source.limit", "must be positive, got %d", c.Source.Limit)
	case c.Source.Limit > maxSourceLimit:
		add(SeverityWarning, "source.limit", "%d exceeds the source page cap of %d", c.Source.Limit, maxSourceLimit)
	}
	if c.Source.Timeout <= 0 {
		add(SeverityError, "source.timeout", "must be positive, got %s", c.Source.Timeout)
	}
	if c.Source.MaxAttempts <= 0 {
		add(SeverityError, "source.max_attempts", "must be positive, got %d", c.Source.MaxAttempts)
	}
	if c.Source.AppToken == "" {
		add(SeverityWarning, "source.app_token", "not set; requests are throttled more aggressively")
	}

	kindOK := false
	for _, k := range storageKinds {
		if c.Storage.Kind == k {
			kindOK = true
		}
	}
	if !kindOK {
		add(SeverityError, "storage.kind", "unsupported %q (want one of %s)", c.Storage.Kind, strings.Join(storageKinds, ", "))
	}
	dsn := strings.TrimSpace(c.Storage.DSN)
	if dsn == "" || (c.Storage.Kind != "sqlite" && dsn == DefaultDB) {
		add(SeverityError, "storage.dsn", "required for kind=%s", c.Storage.Kind)
	}
	if err := storage.ValidateTableName(c.Storage.Table); err != nil {
		add(SeverityError, "storage.table", "%v", err)
	}

	if c.Listen.Interval <= 0 {
		add(SeverityError, "listen.interval", "must be positive, got %s", c.Listen.Interval)
	} else if c.Listen.Interval < time.Second {
		add(SeverityWarning, "listen.interval", "%s polls the source very aggressively", c.Listen.Interval)
	}

	switch c.Metrics.Backend {
	case "", "none", "datadog":
	case "pushgateway":
		if !validEndpoint(c.Metrics.PushgatewayURL) {
			add(SeverityError, "metrics.pushgateway_url", "must be an absolute http(s) URL, got %q", c.Metrics.PushgatewayURL)
		}
	default:
		add(SeverityError, "metrics.backend", "unsupported %q (want none, datadog or pushgateway)", c.Metrics.Backend)
	}

	return out
}

// Check returns an ErrConfiguration error listing every error-level issue,
// or nil when there are none.
func Check(issues []Issue) error {
	var msgs []string
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			msgs = append(msgs, iss.Path+": "+iss.Message)
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrConfiguration, strings.Join(msgs, "; "))
}
