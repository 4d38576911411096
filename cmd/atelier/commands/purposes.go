package commands

import (
	"fmt"
	"strings"

	"github.com/atelierhq/atelier/internal/printer"
	"github.com/atelierhq/atelier/internal/purpose"
	"github.com/spf13/cobra"
)

var purposesPath string

var purposesCmd = &cobra.Command{
	Use:   "purposes",
	Short: "List the purposes available in the catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog, err := purpose.Load(purposesPath)
		if err != nil {
			return printer.Error("Could not load the purpose catalog",
				fmt.Sprintf("Loading %s failed: %v", purposesPath, err),
				"Check the file exists and matches the documented format")
		}

		for _, id := range catalog.IDs() {
			p := catalog.Purposes[id]
			roles := make([]string, 0, len(p.Roles))
			for _, ref := range p.Roles {
				roles = append(roles, ref.Role)
			}

			printer.Step("%s — %s", id, p.Name)
			printer.Println()
			if p.Category != "" {
				printer.Printf("    category: %s\n", p.Category)
			}
			printer.Printf("    roles:    %s\n", strings.Join(roles, ", "))
		}

		return nil
	},
}

func init() {
	purposesCmd.Flags().StringVar(&purposesPath, "purposes", "purposes.yml", "path to the purpose catalog")
	rootCmd.AddCommand(purposesCmd)
}
