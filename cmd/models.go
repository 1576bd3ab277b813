package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/swarmgate/internal/models"
)

func modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "Show configured models and role chains",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			repo, err := models.NewRepo(cfg.Models)
			if err != nil {
				return err
			}
			resolver := models.NewResolver(repo, cfg.Roles, cfg.TaskOverrides)

			descs := repo.List()
			if len(descs) == 0 {
				fmt.Println("no models configured")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tCONTEXT\tIN $/1M\tOUT $/1M\tKEY")
			for _, d := range descs {
				key := "missing"
				if d.APIKey != "" {
					key = "set"
				}
				fmt.Fprintf(w, "%s\t%d\t%.2f\t%.2f\t%s\n",
					d.ID, d.ContextWindow, d.InputCost, d.OutputCost, key)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			roles := make([]string, 0, len(cfg.Roles))
			for role := range cfg.Roles {
				roles = append(roles, role)
			}
			sort.Strings(roles)
			for _, role := range roles {
				chain := resolver.Resolve(role, "", 0)
				ids := make([]string, len(chain))
				for i, d := range chain {
					ids[i] = d.ID
				}
				fmt.Printf("role %s: %s\n", role, strings.Join(ids, " -> "))
			}
			return nil
		},
	}
}
