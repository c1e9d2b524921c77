package main

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/journal"
	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/sanitize"
	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/supervisor"
	jetbotversion "github.com/Eshwarpawanpeddi/Jetbot-os/internal/version"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon, module and navigation status",
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
				return f.Print(status)
			}

			out := cmd.OutOrStdout()
			if warn := jetbotversion.CheckVersionMismatch(status.Version); warn != "" {
				fmt.Fprintln(cmd.ErrOrStderr(), warn)
			}
			fmt.Fprintf(out, "jetbotd %s (instance %s, up %s)\n",
				jetbotversion.FormatVersion(status.Version),
				status.Instance,
				time.Duration(status.Uptime*float64(time.Second)).Round(time.Second),
			)
			fmt.Fprintf(out, "bus: %d published, %d dropped, %d subscribers, %d peers\n",
				status.Bus.Published, status.Bus.Dropped, status.Bus.Subscribers, status.Peers)
			if b := status.Broker; b != nil && b.Dropped > 0 {
				fmt.Fprintf(out, "broker: %d frames relayed, %d dropped for slow peers\n", b.Relayed, b.Dropped)
			}
			if nav := status.Navigation; nav != nil {
				p := nav.Payload
				fmt.Fprintf(out, "navigation: %s mode, %s, v=(%.2f, %.2f)",
					p.StringOr("mode", "?"), p.StringOr("state", "?"), floatOr(p, "linear"), floatOr(p, "angular"))
				if emergency, _ := p.Bool("emergency"); emergency {
					fmt.Fprint(out, " EMERGENCY STOP")
				}
				fmt.Fprintln(out)
			}
			fmt.Fprintln(out)
			return printModules(cmd, status.Modules)
		},
	}
}

func printModules(cmd *cobra.Command, modules []supervisor.RuntimeState) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MODULE\tSTATE\tPID\tRETRIES\tCRASHES\tCRITICAL\tLAST ERROR")
	for _, m := range modules {
		pid := "-"
		if m.PID > 0 {
			pid = strconv.Itoa(m.PID)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t%t\t%s\n",
			m.Name, m.State, pid, m.RetryCount, m.MaxRetries, m.CrashCount, m.Critical, truncate(m.LastError, 60))
	}
	return w.Flush()
}

func printHistory(cmd *cobra.Command, entries []journal.Entry) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tMODULE\tFROM\tTO\tPID\tRETRY\tREASON")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			e.At.Local().Format(time.DateTime), e.Module, e.From, e.To, e.PID, e.RetryCount, truncate(e.Reason, 60))
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	out, _ := sanitize.Truncate(sanitize.StripControl(strings.TrimSpace(s)), n, "...")
	return out
}
