package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MeKo-Tech/tileharvest/internal/provider"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List the built-in tile providers",
	RunE:  runProviders,
}

func init() {
	rootCmd.AddCommand(providersCmd)
}

func runProviders(cmd *cobra.Command, args []string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tZOOMS\tFORMAT\tURL")
	for _, p := range provider.Builtin() {
		fmt.Fprintf(w, "%s\t%d-%d\t%s\t%s\n", p.Name, p.MinZoom, p.MaxZoom, p.Extension(), p.URLTemplate)
	}
	return w.Flush()
}
