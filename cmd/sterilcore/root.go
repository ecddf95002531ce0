package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"sterilcore/internal/phaseconfig"
)

// skipSetup marks commands that run without opening the store.
const skipSetup = "sterilcore/skip-setup"

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "sterilcore",
		Short:         "Sterilization cycle and biological indicator compliance engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipSetup] != "" {
				return nil
			}
			return a.setup(cmd)
		},
	}
	flags := root.PersistentFlags()
	flags.String("config", "", "config file (yaml, toml or json)")
	flags.String("facility", "", "facility id (overrides facility_id)")
	flags.String("log-level", "", "log level (overrides log.level)")
	_ = a.v.BindPFlag("facility_id", flags.Lookup("facility"))
	_ = a.v.BindPFlag("log.level", flags.Lookup("log-level"))

	root.AddCommand(
		newVersionCmd(),
		newServeCmd(a),
		newPhasesCmd(a),
		newToolCmd(a),
		newCycleCmd(a),
		newBICmd(a),
		newIncidentCmd(a),
		newBatchCmd(a),
	)
	return root
}

// run executes args and always releases what the command opened.
func run(ctx context.Context, a *app, args []string, stdout, stderr io.Writer) error {
	cmd := newRootCmd(a)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	err := cmd.ExecuteContext(ctx)
	return errors.Join(err, a.teardown())
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the build version",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipSetup: "true"},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func newPhasesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "phases",
		Short: "Inspect the phase table",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the configured phases in sequence",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printJSON(cmd.OutOrStdout(), a.svc.Policy().Registry().List())
		},
	}, &cobra.Command{
		Use:         "validate <file>",
		Short:       "Validate a YAML or TOML phase table",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{skipSetup: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := phaseconfig.LoadFile(args[0])
			if err != nil {
				return err
			}
			final := reg.Final()
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d phases, final %s\n", len(reg.List()), final.ID)
			return nil
		},
	})
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
