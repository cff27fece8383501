package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Mindburn-Labs/compliance-gateway/pkg/archive"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/client"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/config"
	"github.com/Mindburn-Labs/compliance-gateway/pkg/store"
	"github.com/spf13/cobra"
)

func archiveConfig(cfg *config.Config) archive.Config {
	return archive.Config{
		Type:    archive.StoreType(cfg.Archive.Type),
		DataDir: cfg.DataDir,
		S3: archive.S3Config{
			Bucket:   cfg.Archive.S3.Bucket,
			Region:   cfg.Archive.S3.Region,
			Endpoint: cfg.Archive.S3.Endpoint,
			Prefix:   cfg.Archive.S3.Prefix,
		},
		GCS: archive.GCSConfig{
			Bucket: cfg.Archive.GCS.Bucket,
			Prefix: cfg.Archive.GCS.Prefix,
		},
	}
}

// withStore loads config, opens and migrates the database, and runs fn.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, st *store.SQLStore) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	st, err := store.Open(ctx, cfg.DatabaseURL, cfg.DataDir)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return fn(ctx, cfg, st)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(_ context.Context, _ *config.Config, st *store.SQLStore) error {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "schema is up to date (%s)\n", st.Dialect())
				return err
			})
		},
	}
}

func newHealthCmd() *cobra.Command {
	var (
		serverURL string
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check a running server's health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := client.New(serverURL, client.WithTimeout(timeout))
			if err := c.Health(cmd.Context()); err != nil {
				return failed("health check failed: %v", err)
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return err
		},
	}
	cmd.Flags().StringVar(&serverURL, "url", defaultServerURL(), "Gateway base URL")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")
	return cmd
}

func newExportCmd() *cobra.Command {
	var (
		from, to string
		days     int
		appID    string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Seal audit logs over a window into an evidence bundle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := archive.ExportOptions{ApplicationID: appID}
			var err error
			if to != "" {
				if opts.To, err = time.Parse(time.RFC3339, to); err != nil {
					return fmt.Errorf("--to: %w", err)
				}
			}
			switch {
			case from != "":
				if opts.From, err = time.Parse(time.RFC3339, from); err != nil {
					return fmt.Errorf("--from: %w", err)
				}
			case days > 0:
				end := opts.To
				if end.IsZero() {
					end = time.Now().UTC()
					opts.To = end
				}
				opts.From = end.AddDate(0, 0, -days)
			}

			return withStore(cmd, func(ctx context.Context, cfg *config.Config, st *store.SQLStore) error {
				dst, err := archive.New(ctx, archiveConfig(cfg))
				if err != nil {
					return err
				}
				rcpt, err := archive.Export(ctx, st.Audit(), dst, opts)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), rcpt)
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "exported %d audit logs\ndigest: %s\n", rcpt.Count, rcpt.Digest)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Window start, RFC3339 (inclusive)")
	cmd.Flags().StringVar(&to, "to", "", "Window end, RFC3339 (exclusive, default now)")
	cmd.Flags().IntVar(&days, "days", 0, "Window length in days ending at --to (ignored with --from)")
	cmd.Flags().StringVar(&appID, "app", "", "Only this application id")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the receipt as JSON")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	var (
		digest string
		file   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify an evidence bundle by digest or from a file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				b   *archive.Bundle
				err error
			)
			switch {
			case file != "":
				data, rerr := os.ReadFile(file)
				if rerr != nil {
					return rerr
				}
				b, err = archive.VerifyBundle(data, digest)
			case digest != "":
				cfg, cerr := config.Load()
				if cerr != nil {
					return cerr
				}
				src, serr := archive.New(cmd.Context(), archiveConfig(cfg))
				if serr != nil {
					return serr
				}
				b, err = archive.Verify(cmd.Context(), src, digest)
			default:
				return errors.New("--digest or --file is required")
			}
			if err != nil {
				if errors.Is(err, archive.ErrTampered) {
					return &exitError{code: 1, err: err}
				}
				return err
			}

			if asJSON {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"verified":      true,
					"count":         b.Count,
					"entriesDigest": b.EntriesDigest,
					"from":          b.From,
					"to":            b.To,
				})
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "verified: %d audit logs, entries digest %s\n", b.Count, b.EntriesDigest)
			return err
		},
	}
	cmd.Flags().StringVar(&digest, "digest", "", "Bundle digest (sha256:...)")
	cmd.Flags().StringVar(&file, "file", "", "Bundle file handed over out of band")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")
	return cmd
}

func newReconcileCmd() *cobra.Command {
	var (
		since  time.Duration
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "List evaluations that have no audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, _ *config.Config, st *store.SQLStore) error {
				gaps, err := st.EvaluationsWithoutAudit(ctx, time.Now().Add(-since), limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					if gaps == nil {
						gaps = []store.Gap{}
					}
					if err := printJSON(out, gaps); err != nil {
						return err
					}
				} else {
					for _, g := range gaps {
						_, _ = fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", g.EvaluationID, g.ApplicationID, g.Environment, g.EvaluatedAt.Format(time.RFC3339))
					}
				}
				if len(gaps) > 0 {
					return failed("%d evaluations without an audit log", len(gaps))
				}
				if !asJSON {
					_, _ = fmt.Fprintln(out, "no audit gaps")
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&since, "since", 7*24*time.Hour, "How far back to look")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum gaps to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print gaps as JSON")
	return cmd
}
