package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newToolCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tool",
		Short: "Register and look up instruments",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "register <barcode> [name]",
		Short: "Register an instrument by barcode",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) > 1 {
				name = args[1]
			}
			tool, err := a.svc.RegisterTool(cmd.Context(), args[0], name)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), tool)
		},
	}, &cobra.Command{
		Use:   "scan <barcode>",
		Short: "Resolve a scanned barcode to a registered instrument",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tool, err := a.svc.ScanTool(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), tool)
		},
	}, &cobra.Command{
		Use:   "list",
		Short: "List instruments of the facility",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tools, err := a.svc.ListTools(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), tools)
		},
	}, &cobra.Command{
		Use:   "release <tool-id>",
		Short: "Detach an instrument from its open cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tool, err := a.svc.ReleaseTool(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), tool)
		},
	}, &cobra.Command{
		Use:   "check <tool-id>",
		Short: "Report whether an instrument may be used",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := a.svc.ValidateToolForUse(cmd.Context(), args[0], a.cfg.FacilityID)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: quarantined by an active incident\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", args[0])
			return nil
		},
	})
	return cmd
}
