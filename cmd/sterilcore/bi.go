package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"sterilcore/pkg/domain"
)

func newBICmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bi",
		Short: "Record and check biological indicator tests",
	}

	record := &cobra.Command{
		Use:   "record",
		Short: "Record a BI test result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := cmd.Flags()
			outcome, _ := f.GetString("result")
			status, _ := f.GetString("status")
			operator, _ := f.GetString("operator")
			lot, _ := f.GetString("lot")
			hours, _ := f.GetFloat64("incubation-hours")
			temp, _ := f.GetFloat64("incubation-temp")
			conditions, _ := f.GetStringToString("condition")
			res, err := a.svc.RecordBITestResult(cmd.Context(), domain.BITestResult{
				OperatorID:      operator,
				Result:          domain.TestOutcome(strings.ToLower(outcome)),
				Status:          domain.TestResultStatus(strings.ToLower(status)),
				LotNumber:       lot,
				IncubationHours: hours,
				IncubationTempC: temp,
				Conditions:      conditions,
			})
			if err != nil {
				return err
			}
			if !res.Confirmed() {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: result %s not yet confirmed by the store: %v\n", res.Result.ID, res.Err)
			}
			if res.Incident != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "incident %s opened: %d tools quarantined\n", res.Incident.IncidentNumber, res.Incident.AffectedToolCount)
			}
			return printJSON(cmd.OutOrStdout(), res.Result)
		},
	}
	record.Flags().String("result", "", "pass, fail or skip")
	record.Flags().String("status", string(domain.TestResultFinal), "incubating or final")
	record.Flags().String("operator", "", "operator recording the result")
	record.Flags().String("lot", "", "indicator lot number")
	record.Flags().Float64("incubation-hours", 0, "incubation time in hours")
	record.Flags().Float64("incubation-temp", 0, "incubation temperature in Celsius")
	record.Flags().StringToString("condition", nil, "extra test conditions (key=value)")
	_ = record.MarkFlagRequired("result")
	_ = record.MarkFlagRequired("operator")

	cmd.AddCommand(record, &cobra.Command{
		Use:   "due",
		Short: "Report whether today's BI test is due",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, err := a.svc.CheckBITestDue(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}, &cobra.Command{
		Use:   "list",
		Short: "List recorded BI results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			results, err := a.svc.Tracker().Results(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), results)
		},
	})
	return cmd
}
