package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/me/zoocwl/internal/service"
	"github.com/me/zoocwl/pkg/job"
)

// runReport is printed after a job finishes.
type runReport struct {
	Status      int               `json:"status"`
	Message     string            `json:"message,omitempty"`
	Outputs     service.Outputs   `json:"outputs"`
	ServiceLogs map[string]string `json:"service_logs"`
}

func newRunCmd() *cobra.Command {
	var slots []string

	cmd := &cobra.Command{
		Use:   "run <job-conf> [inputs-file]",
		Short: "Execute one job and print its outputs",
		Long: `Runs the configured application package for one job. job-conf is a YAML
document with the job identity (lenv), paths (main), and optional auth token,
pod settings, and additional parameters. inputs-file holds the workflow inputs.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var conf job.ExecutionConfig
			if err := readYAML(args[0], &conf); err != nil {
				return err
			}
			if conf.Auth == "" {
				conf.Auth = os.Getenv("ZOOCWL_AUTH_TOKEN")
			}

			inputs := map[string]any{}
			if len(args) > 1 {
				if err := readYAML(args[1], &inputs); err != nil {
					return err
				}
			}

			outputs := service.Outputs{}
			for _, s := range slots {
				outputs[s] = map[string]any{}
			}

			code := service.Run(cmd.Context(), cfg, &conf, inputs, outputs, service.WithLogger(logger))

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(runReport{
				Status:      code,
				Message:     conf.Message,
				Outputs:     outputs,
				ServiceLogs: job.FlattenServiceLogs(conf.ServiceLogs),
			}); err != nil {
				return err
			}
			if code != job.ServiceSucceeded {
				return fmt.Errorf("job %s failed: %s", conf.NamespaceName(), conf.Message)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&slots, "output", []string{service.ResultSlot}, "Declared output slot (repeatable)")
	return cmd
}

func readYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
