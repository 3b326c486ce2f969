package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/arbiter/pkg/audit"
)

func newAuditCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect a SQLite audit store",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to the audit database")
	_ = cmd.MarkPersistentFlagRequired("db")

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit hash chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := openAuditStore(cmd.Context(), dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.Verify(ctx)
			if err != nil {
				return fmt.Errorf("chain broken after %d records: %w", n, err)
			}
			seq, head, err := store.Head(ctx)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Chain OK: %d records, head %d %s\n", n, seq, head)
			return err
		},
	}

	var (
		req   audit.ExportRequest
		since string
		until string
		out   string
	)
	export := &cobra.Command{
		Use:   "export",
		Short: "Export records as a zip evidence pack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if req.StartTime, err = parseTime(since); err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			if req.EndTime, err = parseTime(until); err != nil {
				return fmt.Errorf("--until: %w", err)
			}
			store, err := openAuditStore(cmd.Context(), dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			pack, sum, err := audit.NewExporter(store).GeneratePack(cmd.Context(), req)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, pack, 0o600); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d bytes, sha256 %s)\n", out, len(pack), sum)
			return err
		},
	}
	export.Flags().StringVar(&req.CorrelationID, "correlation-id", "", "Export one correlation chain")
	export.Flags().StringVar(&since, "since", "", "Start time (RFC 3339)")
	export.Flags().StringVar(&until, "until", "", "End time (RFC 3339)")
	export.Flags().StringVarP(&out, "out", "o", "evidence.zip", "Output file")

	cmd.AddCommand(verify, export)
	return cmd
}

func openAuditStore(ctx context.Context, path string) (*audit.SQLiteStore, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("audit store: %w", err)
	}
	return audit.OpenSQLite(ctx, path)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
