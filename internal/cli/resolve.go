package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <url>...",
		Short: "Show which storage service serves each location",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolver, err := newResolver()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-50s  %-40s  %-12s  %s\n", "URL", "ENDPOINT", "REGION", "ACCESS KEY")
			var failed int
			for _, url := range args {
				c, err := resolver.ResolveURL(url)
				if err != nil {
					fmt.Fprintf(out, "%-50s  %s\n", url, err)
					failed++
					continue
				}
				fmt.Fprintf(out, "%-50s  %-40s  %-12s  %s\n", url, c.Endpoint, c.Region, c.AccessKey)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d locations unresolved", failed, len(args))
			}
			return nil
		},
	}
}
