package main

import (
	"context"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newProfilesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "List and show execution profiles",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List profiles",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.with(cmd.Context(), func(context.Context) error {
					for _, p := range a.registry.Profiles() {
						writef(a.out, "%-16s %-9s max=%-3d %s\n", p.Name, p.Mode, p.MaxIterations, p.Description)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "show <name>",
			Short: "Print a profile as YAML",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.with(cmd.Context(), func(context.Context) error {
					p, err := a.registry.Get(args[0])
					if err != nil {
						return err
					}
					enc := yaml.NewEncoder(a.out)
					enc.SetIndent(2)
					if err := enc.Encode(p); err != nil {
						return err
					}
					return enc.Close()
				})
			},
		},
	)
	return cmd
}
