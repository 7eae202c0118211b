package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/orbist/conductor/internal/config"
	"github.com/orbist/conductor/internal/manifest"
)

var agentsJSON bool

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List the agents registered in the manifests directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "agents")
		defer span.End()

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		registry, err := manifest.LoadDir(ctx, cfg.AgentsDir)
		if err != nil {
			return fmt.Errorf("loading agent manifests: %w", err)
		}

		all := registry.All()
		if agentsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(all)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSCOPE\tAUTONOMY\tVERSION\tSCHEDULES")
		for _, m := range all {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", m.ID, m.Scope, m.Autonomy, m.VersionTag, len(m.Schedules))
		}
		return w.Flush()
	},
}

func init() {
	agentsCmd.Flags().BoolVar(&agentsJSON, "json", false, "output full manifests as JSON")
	rootCmd.AddCommand(agentsCmd)
}
