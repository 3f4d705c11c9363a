package cli

import (
	"errors"
	"fmt"

	"github.com/olympusai/buildforge/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and inspect pipeline configuration",
	}
	cmd.AddCommand(newConfigValidateCmd())
	cmd.AddCommand(newConfigDemoCmd())
	return cmd
}

func newConfigValidateCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a pipeline YAML file (schema, tiers, dependency DAG)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return errors.New("--file is required")
			}
			p, err := config.LoadPipeline(file)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Pipeline %q is valid\n", p.Name)
			for _, ph := range p.Phases {
				mode := "sequential"
				if ph.Parallel {
					mode = "parallel"
				}
				_, _ = fmt.Fprintf(out, "  phase %s: %d agent(s), %s", ph.Name, len(ph.Agents), mode)
				if ph.MinTier != "" {
					_, _ = fmt.Fprintf(out, ", minTier=%s", ph.MinTier)
				}
				if ph.Optional {
					_, _ = fmt.Fprint(out, ", optional")
				}
				_, _ = fmt.Fprintln(out)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Pipeline YAML file")
	return cmd
}

func newConfigDemoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Print the built-in demo pipeline as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := yaml.Marshal(config.DemoPipeline())
			if err != nil {
				return err
			}
			_, _ = cmd.OutOrStdout().Write(data)
			return nil
		},
	}
}
