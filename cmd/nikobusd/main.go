// Nikobusd bridges a Nikobus installation to Gray Logic over MQTT.
//
// It receives bus frames from TCP feeders and from the PC-link, publishes
// module state, button presses and unclaimed frames, and writes MQTT
// commands back to the bus as group writes. A local HTTP API exposes
// status, the recorded frame log, Prometheus metrics and a live WebSocket
// feed.
//
// Usage:
//
//	nikobusd serve [--config configs/config.yaml]
//	nikobusd encode --function 12 --address C9A5
//	nikobusd decode '$1012A5C94B71C1'
//	nikobusd frames --limit 20
//	nikobusd db status
//
// See 'nikobusd --help' for all commands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// configEnv overrides the default configuration path.
const configEnv = "GRAYLOGIC_CONFIG"

func main() {
	// Cancel on Ctrl+C and SIGTERM so serve shuts down gracefully
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Each call returns an independent tree
// so tests can run commands without shared flag state.
func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "nikobusd",
		Short: "Nikobus PC-link bridge for Gray Logic",
		Long: `Nikobusd connects a Nikobus bus to Gray Logic over MQTT.

The serve command runs the bridge. The remaining commands encode and
decode PC-link frames offline, read the recorded frame log, and browse
the network for other bridges.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to config.yaml (default $"+configEnv+" or "+defaultConfigPath+")")

	resolve := func() string { return getConfigPath(configPath) }

	root.AddCommand(
		newServeCmd(resolve),
		newFramesCmd(resolve),
		newAddressesCmd(resolve),
		newDBCmd(resolve),
		newEncodeCmd(),
		newDecodeCmd(),
		newDiscoverCmd(),
		newVersionCmd(),
	)

	return root
}

// getConfigPath returns the configuration file path.
// The --config flag wins, then GRAYLOGIC_CONFIG, then the default.
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path := os.Getenv(configEnv); path != "" {
		return path
	}
	return defaultConfigPath
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "nikobusd %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
