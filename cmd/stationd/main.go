package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
}

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
}

// buildRoot creates the root command and its subcommands
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createPredictCommand(globalFlags),
		createPassesCommand(globalFlags),
		createTLECommand(globalFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "stationd",
		Short: "Unattended satellite ground station",
		Long: `stationd predicts satellite passes, steers the antenna positioner,
records each pass with the radio receiver and runs the decoding pipeline.

Examples:
  stationd serve --config=stationd.toml
  stationd predict --force
  stationd passes
  stationd tle update`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "stationd.toml", "path to TOML config file")
	return root
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the station daemon",
		Long: `Run the station daemon: positioner link, pass runner, periodic
prediction and TLE refresh, and the status API.

Examples:
  stationd serve
  stationd serve --daemonize --pidfile=/run/stationd.pid --logfile=/var/log/stationd.out`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if serveFlags.Daemonize {
				if err := daemonize(serveFlags.PidFile, serveFlags.LogFile); err != nil {
					return err
				}
			}
			if serveFlags.PidFile != "" {
				if err := writePidFile(serveFlags.PidFile, os.Getpid()); err != nil {
					return fmt.Errorf("failed to write PID file: %w", err)
				}
				defer func() { _ = removePidFile(serveFlags.PidFile) }()
			}
			return runServe(cmd.Context(), globalFlags.ConfigPath)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write daemon PID to file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon stdout/stderr to file")
	return cmd
}

func createPredictCommand(globalFlags *GlobalFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Predict passes for enabled satellites",
		Long: `Predict passes over the configured horizon and store them as
scheduled events. With --force, passes that have not run yet are
deleted and predicted again.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), globalFlags.ConfigPath)
			if err != nil {
				return err
			}
			defer a.close()
			n, err := a.planner.Generate(cmd.Context(), force)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "predicted %d passes\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "delete upcoming passes and predict again")
	return cmd
}

func createPassesCommand(globalFlags *GlobalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "passes",
		Short: "List upcoming passes",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), globalFlags.ConfigPath)
			if err != nil {
				return err
			}
			defer a.close()
			passes, err := upcomingPasses(cmd.Context(), a.store, a.now())
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), passes)
			}
			return printPasses(cmd.OutOrStdout(), passes)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func createTLECommand(globalFlags *GlobalFlags) *cobra.Command {
	tleCmd := &cobra.Command{
		Use:   "tle",
		Short: "Manage orbital elements",
	}
	var force bool
	update := &cobra.Command{
		Use:   "update",
		Short: "Download fresh TLEs for the satellite catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), globalFlags.ConfigPath)
			if err != nil {
				return err
			}
			defer a.close()
			n, err := a.tle.Update(cmd.Context(), force)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "updated %d satellites\n", n)
			return err
		},
	}
	update.Flags().BoolVar(&force, "force", false, "update even when all TLEs are fresh")
	tleCmd.AddCommand(update)
	return tleCmd
}
