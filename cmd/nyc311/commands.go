package main

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"nyc311/internal/config"
	"nyc311/internal/pipeline"
	"nyc311/internal/record"
	"nyc311/internal/retry"
	"nyc311/internal/source/socrata"
	"nyc311/internal/storage"
)

func (a *app) openStore(ctx context.Context) (*storage.Store, error) {
	s, err := storage.Open(ctx, a.cfg.StorageConfig(), a.log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = s.Close() })
	return s, nil
}

func (a *app) newRunner(ctx context.Context) (*pipeline.Runner, error) {
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	policy := retry.Default(nil)
	policy.MaxAttempts = a.cfg.Source.MaxAttempts
	reader := socrata.New(socrata.Options{
		Endpoint:   a.cfg.Source.Endpoint,
		Limit:      a.cfg.Source.Limit,
		AppToken:   a.cfg.Source.AppToken,
		Timeout:    a.cfg.Source.Timeout,
		Retry:      policy,
		HTTPClient: a.httpClient,
		Logger:     a.log,
	})
	return pipeline.New(reader, store, store, a.log), nil
}

func (a *app) since() (*time.Time, error) {
	return config.ParseSince(a.flags.since)
}

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one fetch, validate and write cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			since, err := a.since()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			runner, err := a.newRunner(ctx)
			if err != nil {
				return err
			}
			rep, err := runner.RunOnce(ctx, since)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "fetched=%d validated=%d invalid=%d written=%d\n",
				rep.Fetched, rep.Validated, rep.Invalid, rep.Written)
			return nil
		},
	}
}

func newListenCmd(a *app) *cobra.Command {
	var seconds int
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Run cycles every --interval seconds until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			interval := a.cfg.Listen.Interval
			if cmd.Flags().Changed("interval") {
				if seconds <= 0 {
					return usageError{err: fmt.Errorf("--interval must be > 0, got %d", seconds)}
				}
				interval = time.Duration(seconds) * time.Second
			}
			since, err := a.since()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			runner, err := a.newRunner(ctx)
			if err != nil {
				return err
			}
			return runner.Listen(ctx, since, interval)
		},
	}
	cmd.Flags().IntVar(&seconds, "interval", 60, "seconds between cycles")
	return cmd
}

func newPreviewCmd(a *app) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Print the newest stored rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if n <= 0 {
				return usageError{err: fmt.Errorf("-n must be > 0, got %d", n)}
			}
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			rows, err := s.PreviewRows(cmd.Context(), n)
			if err != nil {
				return err
			}
			return printRows(cmd, rows)
		},
	}
	cmd.Flags().IntVarP(&n, "rows", "n", 5, "number of rows")
	return cmd
}

func newCountCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the number of stored rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			n, err := s.CountRows(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
}

func newDropCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "drop",
		Short: "Drop the destination table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			if err := s.DropTable(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dropped table %s\n", s.Table())
			return nil
		},
	}
}

func printRows(cmd *cobra.Command, rows []record.ServiceRequest) error {
	out := cmd.OutOrStdout()
	if len(rows) == 0 {
		fmt.Fprintln(out, "no rows")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "UNIQUE_KEY\tCREATED_DATE\tCOMPLAINT_TYPE\tBOROUGH\tLATITUDE\tLONGITUDE")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.UniqueKey, r.CreatedDate, r.ComplaintType,
			orDash(r.Borough), floatOrDash(r.Latitude), floatOrDash(r.Longitude))
	}
	return tw.Flush()
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func floatOrDash(f *float64) string {
	if f == nil {
		return "-"
	}
	return strconv.FormatFloat(*f, 'f', 6, 64)
}
