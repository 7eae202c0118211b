package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/orbist/conductor/internal/config"
	"github.com/orbist/conductor/internal/secrets"
)

var (
	secretsACLAgents  []string
	secretsACLTenants []string
	secretsForbidden  []string
	secretsAuditName  string
	secretsAuditLimit int
)

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Manage provider keys in the encrypted vault",
}

func openVault() (*secrets.Vault, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKey()
	return secrets.NewVault(cfg.SecretsDBPath(), cfg.SecretsKey)
}

var secretsSetCmd = &cobra.Command{
	Use:   "set <name> <value>",
	Short: "Seal and store a secret with an optional ACL",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "secrets.set")
		defer span.End()

		vault, err := openVault()
		if err != nil {
			return err
		}
		defer vault.Close()

		acl := secrets.ACL{
			Agents:          secretsACLAgents,
			Tenants:         secretsACLTenants,
			ForbiddenAgents: secretsForbidden,
		}
		if err := vault.Set(ctx, args[0], []byte(args[1]), acl); err != nil {
			return err
		}
		fmt.Printf("stored %s\n", args[0])
		return nil
	},
}

var secretsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List secret names and metadata (never values)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "secrets.list")
		defer span.End()

		vault, err := openVault()
		if err != nil {
			return err
		}
		defer vault.Close()

		list, err := vault.List(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tACCESS COUNT\tCREATED")
		for _, s := range list {
			fmt.Fprintf(w, "%s\t%d\t%s\n", s.Name, s.AccessCount, s.CreatedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var secretsRotateCmd = &cobra.Command{
	Use:   "rotate <name>",
	Short: "Re-seal a secret with a fresh nonce",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "secrets.rotate")
		defer span.End()

		vault, err := openVault()
		if err != nil {
			return err
		}
		defer vault.Close()

		if err := vault.Rotate(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("rotated %s\n", args[0])
		return nil
	},
}

var secretsAuditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Print vault access records as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "secrets.audit")
		defer span.End()

		vault, err := openVault()
		if err != nil {
			return err
		}
		defer vault.Close()

		records, err := vault.AuditLog(ctx, secretsAuditName, secretsAuditLimit)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	},
}

func init() {
	secretsSetCmd.Flags().StringSliceVar(&secretsACLAgents, "agent", nil, "agent glob allowed to read (repeatable)")
	secretsSetCmd.Flags().StringSliceVar(&secretsACLTenants, "tenant", nil, "tenant glob allowed to read (repeatable)")
	secretsSetCmd.Flags().StringSliceVar(&secretsForbidden, "forbid-agent", nil, "agent glob explicitly denied (repeatable)")
	secretsAuditCmd.Flags().StringVar(&secretsAuditName, "name", "", "filter by secret name")
	secretsAuditCmd.Flags().IntVar(&secretsAuditLimit, "limit", 50, "maximum records to print")

	secretsCmd.AddCommand(secretsSetCmd, secretsListCmd, secretsRotateCmd, secretsAuditCmd)
	rootCmd.AddCommand(secretsCmd)
}
