package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/zoocwl/internal/config"
	"github.com/me/zoocwl/internal/store"
)

func newJobsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs [id]",
		Short: "List recorded jobs, or show one job's transitions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.JobDB == "" {
				return errors.New("job history is disabled; set " + config.KeyJobDB)
			}
			st, err := store.NewSQLiteStore(cfg.JobDB, logger)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.Migrate(cmd.Context()); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				rec, err := st.GetJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if rec == nil {
					return fmt.Errorf("job %s not found", args[0])
				}
				fmt.Fprintf(out, "Job:       %s\n", rec.ID)
				fmt.Fprintf(out, "Workflow:  %s\n", rec.Identifier)
				fmt.Fprintf(out, "State:     %s\n", rec.State)
				if rec.Message != "" {
					fmt.Fprintf(out, "Message:   %s\n", rec.Message)
				}
				if rec.CatalogURI != "" {
					fmt.Fprintf(out, "Catalog:   %s\n", rec.CatalogURI)
				}
				transitions, err := st.ListTransitions(cmd.Context(), rec.ID)
				if err != nil {
					return err
				}
				fmt.Fprintln(out)
				fmt.Fprintf(out, "%-20s  %-20s  %-20s  %s\n", "FROM", "TO", "AT", "MESSAGE")
				for _, t := range transitions {
					fmt.Fprintf(out, "%-20s  %-20s  %-20s  %s\n", t.From, t.To, t.At.Format(time.RFC3339), t.Message)
				}
				return nil
			}

			jobs, err := st.ListJobs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No jobs found.")
				return nil
			}
			fmt.Fprintf(out, "%-38s  %-20s  %-18s  %s\n", "ID", "WORKFLOW", "STATE", "CREATED")
			for _, rec := range jobs {
				fmt.Fprintf(out, "%-38s  %-20s  %-18s  %s\n", rec.ID, rec.Identifier, rec.State, humanize.Time(rec.CreatedAt))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of jobs to list")
	return cmd
}
