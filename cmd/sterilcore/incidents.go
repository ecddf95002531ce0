package main

import (
	"github.com/spf13/cobra"
)

func newIncidentCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "incident",
		Short: "Review and resolve BI failure incidents",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List active incidents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			all, _ := cmd.Flags().GetBool("all")
			fetch := a.svc.GetActiveIncidents
			if all {
				fetch = a.svc.ListIncidents
			}
			incidents, err := fetch(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), incidents)
		},
	}
	list.Flags().Bool("all", false, "include resolved incidents")

	resolve := &cobra.Command{
		Use:   "resolve <incident-id>",
		Short: "Resolve an incident and release its quarantined tools",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			by, _ := cmd.Flags().GetString("by")
			notes, _ := cmd.Flags().GetString("notes")
			inc, err := a.svc.ResolveIncident(cmd.Context(), args[0], a.cfg.FacilityID, by, notes)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), inc)
		},
	}
	resolve.Flags().String("by", "", "operator resolving the incident")
	resolve.Flags().String("notes", "", "resolution notes")
	_ = resolve.MarkFlagRequired("by")

	cmd.AddCommand(list, resolve)
	return cmd
}

func newBatchCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Generate and list batch codes",
	}

	generate := &cobra.Command{
		Use:   "generate",
		Short: "Generate a standalone batch code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tools, _ := cmd.Flags().GetInt("tools")
			operator, _ := cmd.Flags().GetString("operator")
			code, err := a.svc.GenerateBatchCode(cmd.Context(), tools, operator)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), code)
		},
	}
	generate.Flags().Int("tools", 1, "number of tools in the batch")
	generate.Flags().String("operator", "", "operator generating the code")
	_ = generate.MarkFlagRequired("operator")

	cmd.AddCommand(generate, &cobra.Command{
		Use:   "list",
		Short: "List issued batch codes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			codes, err := a.svc.ListBatchCodes(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), codes)
		},
	})
	return cmd
}
