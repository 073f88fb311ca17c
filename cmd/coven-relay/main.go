// ABOUTME: Entry point for the coven-relay messaging relay
// ABOUTME: Builds the cobra command tree and resolves the config path

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is set by the release build.
var version = "dev"

const banner = `
  ___ _____   _____ _ __        _ __ ___| | __ _ _   _
 / __/ _ \ \ / / _ \ '_ \ _____| '__/ _ \ |/ _' | | | |
| (_| (_) \ V /  __/ | | |_____| | |  __/ | (_| | |_| |
 \___\___/ \_/ \___|_| |_|     |_|  \___|_|\__,_|\__, |
                                                 |___/
`

// resolveConfigPath picks the config file.
// Priority: --config flag > RELAY_CONFIG env var > ./config.yaml
func resolveConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if envPath := os.Getenv("RELAY_CONFIG"); envPath != "" {
		return envPath
	}
	return "config.yaml"
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "coven-relay",
		Short:         "Relay between a WhatsApp gateway and automated replies",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $RELAY_CONFIG or ./config.yaml)")

	path := func() string { return resolveConfigPath(configPath) }
	cmd.AddCommand(
		newServeCommand(path),
		newTokenCommand(path),
		newHealthCommand(path),
		newMigrateProfileCommand(),
	)
	return cmd
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
