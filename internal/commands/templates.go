package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-budget-transfers/internal/templates"
)

func newTemplatesCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Manage workflow templates",
	}

	load := &cobra.Command{
		Use:   "load <file>",
		Short: "Register every template in a YAML file as a new version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := templates.LoadFile(args[0])
			if err != nil {
				return err
			}
			svc, closeFn, err := g.services(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			for _, def := range defs {
				tpl, err := svc.Templates.Register(cmd.Context(), def)
				if err != nil {
					return fmt.Errorf("registering %s: %w", def.Code, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tv%d\t%d stage(s)\n", tpl.Code, tpl.TransferType, tpl.Version, len(tpl.Stages))
			}
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeFn, err := g.services(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			all, err := svc.Templates.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, tpl := range all {
				active := ""
				if tpl.IsActive {
					active = "active"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\tv%d\t%s\n", tpl.ID, tpl.Code, tpl.TransferType, tpl.Version, active)
			}
			return nil
		},
	}

	cmd.AddCommand(load, list)
	return cmd
}
