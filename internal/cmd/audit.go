package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/orbist/conductor/internal/config"
	"github.com/orbist/conductor/internal/ledger"
)

var (
	auditSafety bool
	auditTenant string
	auditLimit  int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Print monitoring or safety audit events as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "audit")
		defer span.End()

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		store, err := ledger.NewStore(cfg.LedgerDBPath())
		if err != nil {
			return fmt.Errorf("opening ledger: %w", err)
		}
		defer store.Close()

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if auditSafety {
			events, err := store.ListSafety(ctx, auditTenant, auditLimit)
			if err != nil {
				return err
			}
			return enc.Encode(events)
		}
		events, err := store.ListMonitoring(ctx, auditTenant, auditLimit)
		if err != nil {
			return err
		}
		return enc.Encode(events)
	},
}

func init() {
	auditCmd.Flags().BoolVar(&auditSafety, "safety", false, "show safety events instead of monitoring events")
	auditCmd.Flags().StringVar(&auditTenant, "tenant", "", "filter by tenant id")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum events to print")
	rootCmd.AddCommand(auditCmd)
}
