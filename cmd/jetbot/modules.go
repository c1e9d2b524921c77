package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/supervisor"
)

func newModulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modules",
		Short: "List and control supervised modules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			status, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			f := newOutputFormatter(cmd)
			if f.JSON() {
				return f.Print(status.Modules)
			}
			return printModules(cmd, status.Modules)
		},
	}

	cmd.AddCommand(
		moduleActionCmd("start", "Start a module (resets a permanently failed module's retries)"),
		moduleActionCmd("stop", "Stop a module; it will not be restarted"),
		moduleActionCmd("restart", "Stop and start a module"),
		newModulesHistoryCmd(),
	)
	return cmd
}

func moduleActionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " NAME",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}

			var st supervisor.RuntimeState
			switch action {
			case "start":
				st, err = c.StartModule(cmd.Context(), args[0])
			case "stop":
				st, err = c.StopModule(cmd.Context(), args[0])
			default:
				st, err = c.RestartModule(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			return newOutputFormatter(cmd).Result(fmt.Sprintf("%s: %s", st.Name, st.State), st)
		},
	}
}

func newModulesHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [NAME]",
		Short: "Show recorded lifecycle transitions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			var module string
			if len(args) == 1 {
				module = args[0]
			}
			entries, err := c.History(cmd.Context(), module, limit)
			if err != nil {
				return err
			}
			f := newOutputFormatter(cmd)
			if f.JSON() {
				return f.Print(entries)
			}
			return printHistory(cmd, entries)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of transitions")
	return cmd
}
