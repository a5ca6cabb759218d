package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/poemux/poemux/upstream"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Browse the model catalog",
	Long:  `List the models the proxy can route, with provider and capability metadata.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(headerStyle.Render("Model catalog"))

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			labelStyle.Render("NAME"),
			labelStyle.Render("PROVIDER"),
			labelStyle.Render("CONTEXT"),
			labelStyle.Render("IMAGES"),
			labelStyle.Render("THINKING"),
		)
		for _, m := range upstream.Models() {
			name := m.Name
			if m.Name == upstream.DefaultModel {
				name = valueStyle.Render(name + " (default)")
			}
			fmt.Fprintf(w, "%s\t%s\t%dk\t%s\t%s\n",
				name, m.Provider, m.ContextLength/1000, yesNo(m.SupportsImages), yesNo(m.SupportsThinking))
		}
		return w.Flush()
	},
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}
