package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"sterilcore/pkg/domain"
)

func newCycleCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Run sterilization cycles",
	}

	start := &cobra.Command{
		Use:   "start",
		Short: "Open a new cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			operator, _ := cmd.Flags().GetString("operator")
			c, err := a.svc.StartNewCycle(cmd.Context(), operator)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), c)
		},
	}
	start.Flags().String("operator", "", "operator starting the cycle")
	_ = start.MarkFlagRequired("operator")

	addPhase := &cobra.Command{
		Use:   "add-phase <cycle-id> <phase-id>",
		Short: "Queue a phase on a cycle",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			duration, _ := cmd.Flags().GetDuration("duration")
			tools, _ := cmd.Flags().GetStringSlice("tool")
			p, err := a.svc.AddPhaseToCycle(cmd.Context(), args[0], args[1], duration, tools...)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), p)
		},
	}
	addPhase.Flags().Duration("duration", 0, "override the phase duration")
	addPhase.Flags().StringSlice("tool", nil, "limit the phase to these tool ids")

	completePhase := &cobra.Command{
		Use:   "complete-phase <cycle-id> <instance-id>",
		Short: "Finish an active phase before its countdown ends",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			outcome := domain.PhaseStatusCompleted
			if failed, _ := cmd.Flags().GetBool("failed"); failed {
				outcome = domain.PhaseStatusFailed
			}
			c, err := a.svc.CompletePhase(cmd.Context(), args[0], args[1], outcome)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), c)
		},
	}
	completePhase.Flags().Bool("failed", false, "record the phase as failed")

	cancel := &cobra.Command{
		Use:   "cancel <cycle-id>",
		Short: "Cancel an open cycle and release its tools",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			c, err := a.svc.CancelCycle(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), c)
		},
	}
	cancel.Flags().String("reason", "", "why the cycle was cancelled")

	cmd.AddCommand(start, addPhase, completePhase, cancel, &cobra.Command{
		Use:   "add-tool <cycle-id> <tool-id>...",
		Short: "Add instruments to an open cycle",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var c domain.Cycle
			for _, toolID := range args[1:] {
				var err error
				if c, err = a.svc.AddToolToCycle(cmd.Context(), args[0], toolID); err != nil {
					return err
				}
			}
			return printJSON(cmd.OutOrStdout(), c)
		},
	}, &cobra.Command{
		Use:   "start-phase <cycle-id> <phase-id>",
		Short: "Start the countdown of a queued phase",
		Long: `Starts a queued phase. The countdown runs inside the process that owns
the service; phases left active by a short-lived command are resumed by
"sterilcore serve".`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.svc.StartPhase(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), p)
		},
	}, &cobra.Command{
		Use:   "verify <cycle-id>",
		Short: "Complete a cycle held for BI verification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.svc.VerifyCycle(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), c)
		},
	}, &cobra.Command{
		Use:   "show <cycle-id>",
		Short: "Show a cycle with remaining phase time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.svc.GetCycle(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), c); err != nil {
				return err
			}
			now := a.clock.Now()
			for _, p := range c.Phases {
				if !p.IsActive || p.StartedAt == nil {
					continue
				}
				left := max(p.Duration-now.Sub(*p.StartedAt), 0)
				fmt.Fprintf(cmd.OutOrStdout(), "phase %s (%s): %s remaining\n", p.PhaseID, p.ID, left.Truncate(time.Second))
			}
			return nil
		},
	}, &cobra.Command{
		Use:   "list",
		Short: "List cycles of the facility",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cycles, err := a.svc.ListCycles(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cycles)
		},
	})
	return cmd
}
