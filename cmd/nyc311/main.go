// Command nyc311 incrementally copies NYC 311 service requests from the
// Socrata API into a relational table.
//
//	nyc311 run                     one cycle from the stored watermark
//	nyc311 listen --interval 300   poll forever
//	nyc311 preview -n 10           newest rows as a table
//	nyc311 count                   row count
//	nyc311 drop                    drop the destination table
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"nyc311/internal/config"
	"nyc311/internal/metrics"

	// Every backend is linked; storage.kind selects one at runtime.
	_ "nyc311/internal/storage/all"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitConfig  = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], deps{
		stdout: os.Stdout,
		stderr: os.Stderr,
		getenv: os.Getenv,
		dotenv: ".env",
	})
	stop()
	os.Exit(code)
}

// deps are the process edges, swapped out by tests.
type deps struct {
	stdout io.Writer
	stderr io.Writer
	getenv func(string) string
	dotenv string

	httpClient *http.Client
}

// usageError marks bad invocations (unknown flag, wrong args): exit 2.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// run executes the CLI and returns the process exit code.
func run(ctx context.Context, args []string, d deps) int {
	a := &app{deps: d}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(d.stdout)
	root.SetErr(d.stderr)

	err := root.ExecuteContext(ctx)
	a.shutdown()
	if err == nil {
		return exitOK
	}

	fmt.Fprintf(d.stderr, "error: %v\n", err)
	var ue usageError
	switch {
	case errors.As(err, &ue),
		errors.Is(err, config.ErrConfiguration),
		strings.HasPrefix(err.Error(), "unknown command"):
		return exitConfig
	default:
		return exitFailure
	}
}

// app carries resolved settings from PersistentPreRunE into the commands.
type app struct {
	deps

	flags   rootFlags
	cfg     config.Config
	log     *zap.Logger
	closers []func()
}

type rootFlags struct {
	configPath     string
	db             string
	storageKind    string
	table          string
	endpoint       string
	limit          int
	maxAttempts    int
	since          string
	appToken       string
	metricsBackend string
	pushgatewayURL string
	verbose        bool
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "nyc311",
		Short:         "Incremental ETL of NYC 311 service requests",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err: err}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configPath, "config", "", "YAML config file")
	pf.StringVar(&a.flags.db, "db", "", "destination DSN or SQLite path (default "+config.DefaultDB+")")
	pf.StringVar(&a.flags.storageKind, "storage", "", "storage backend: sqlite, postgres, mssql")
	pf.StringVar(&a.flags.table, "table", "", "destination table")
	pf.StringVar(&a.flags.endpoint, "endpoint", "", "Socrata dataset URL")
	pf.IntVar(&a.flags.limit, "limit", 0, "max rows per fetch")
	pf.IntVar(&a.flags.maxAttempts, "max-attempts", 0, "HTTP attempts per fetch")
	pf.StringVar(&a.flags.since, "since", "", "fetch records created after this time (any common date format)")
	pf.StringVar(&a.flags.appToken, "app-token", "", "Socrata app token")
	pf.StringVar(&a.flags.metricsBackend, "metrics-backend", "", "metrics backend: none, datadog, pushgateway")
	pf.StringVar(&a.flags.pushgatewayURL, "pushgateway-url", "", "Pushgateway base URL")
	pf.BoolVarP(&a.flags.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newRunCmd(a),
		newListenCmd(a),
		newPreviewCmd(a),
		newCountCmd(a),
		newDropCmd(a),
	)
	return root
}

// setup resolves configuration (flag, env, file, default), validates it and
// builds the logger and metrics backend.
func (a *app) setup(cmd *cobra.Command) error {
	if err := config.LoadDotEnv(a.dotenv); err != nil {
		return err
	}
	cfg, err := config.Load(a.flags.configPath)
	if err != nil {
		return err
	}
	cfg.ApplyEnv(a.getenv)
	a.applyFlags(cmd, &cfg)
	cfg.Finalize()

	issues := config.Validate(cfg)
	for _, iss := range issues {
		fmt.Fprintln(a.stderr, iss.String())
	}
	if err := config.Check(issues); err != nil {
		return err
	}
	a.cfg = cfg

	a.log = newLogger(a.stderr, cfg.Log.Verbose)
	a.closers = append(a.closers, func() { _ = a.log.Sync() })
	a.setupMetrics(cmd.Context())

	a.log.Debug("pipeline: configured",
		zap.String("storage", cfg.Storage.Kind),
		zap.String("table", cfg.Storage.Table),
		zap.String("endpoint", cfg.Source.Endpoint),
		zap.String("metrics", cfg.Metrics.Backend),
	)
	return nil
}

func (a *app) applyFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	str := func(name string, dst *string, v string) {
		if f.Changed(name) {
			*dst = v
		}
	}
	str("db", &cfg.Storage.DSN, a.flags.db)
	str("storage", &cfg.Storage.Kind, a.flags.storageKind)
	str("table", &cfg.Storage.Table, a.flags.table)
	str("endpoint", &cfg.Source.Endpoint, a.flags.endpoint)
	str("app-token", &cfg.Source.AppToken, a.flags.appToken)
	str("metrics-backend", &cfg.Metrics.Backend, a.flags.metricsBackend)
	str("pushgateway-url", &cfg.Metrics.PushgatewayURL, a.flags.pushgatewayURL)
	if f.Changed("limit") {
		cfg.Source.Limit = a.flags.limit
	}
	if f.Changed("max-attempts") {
		cfg.Source.MaxAttempts = a.flags.maxAttempts
	}
	if f.Changed("verbose") {
		cfg.Log.Verbose = a.flags.verbose
	}
}

func (a *app) shutdown() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	metrics.SetBackend(nil)
}

// newLogger writes JSON lines to w; verbose switches to debug level with a
// console encoder.
func newLogger(w io.Writer, verbose bool) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	level := zapcore.InfoLevel
	enc := zapcore.NewJSONEncoder(encCfg)
	if verbose {
		level = zapcore.DebugLevel
		enc = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(w), level))
}
