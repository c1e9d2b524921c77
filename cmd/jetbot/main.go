package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/client"
	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/config"
	jetbotversion "github.com/Eshwarpawanpeddi/Jetbot-os/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "jetbot",
		Short:         "JetBot operator CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.Version = jetbotversion.Full()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	rootCmd.PersistentFlags().String("url", "", "jetbotd API URL (overrides JETBOT_API_URL)")
	rootCmd.PersistentFlags().Bool("json", false, "print machine-readable JSON")

	rootCmd.AddCommand(
		newStatusCmd(),
		newModulesCmd(),
		newPublishCmd(),
		newEventsCmd(),
		newModeCmd(),
		newDriveCmd(),
		newGoalCmd(),
		newEstopCmd(),
	)
	return rootCmd
}

// newClient resolves the daemon URL from --url, then the environment.
func newClient(cmd *cobra.Command) (*client.Client, error) {
	url, _ := cmd.Flags().GetString("url")
	if url == "" {
		url = config.LoadOrDefault().APIURL
	}
	c, err := client.New(url)
	if err != nil {
		return nil, err
	}
	if c.Plaintext() {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s is not local and the connection is not encrypted\n", c.BaseURL())
	}
	return c, nil
}

// OutputFormatter prints either JSON or human-readable text.
type OutputFormatter struct {
	jsonMode bool
	out      io.Writer
}

func newOutputFormatter(cmd *cobra.Command) *OutputFormatter {
	jsonMode, _ := cmd.Flags().GetBool("json")
	return &OutputFormatter{jsonMode: jsonMode, out: cmd.OutOrStdout()}
}

// JSON reports whether --json was given.
func (f *OutputFormatter) JSON() bool { return f.jsonMode }

// Print writes data as indented JSON.
func (f *OutputFormatter) Print(data any) error {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	_, err = fmt.Fprintln(f.out, string(b))
	return err
}

// Result prints data in JSON mode and message otherwise.
func (f *OutputFormatter) Result(message string, data any) error {
	if f.jsonMode {
		return f.Print(data)
	}
	_, err := fmt.Fprintln(f.out, message)
	return err
}
