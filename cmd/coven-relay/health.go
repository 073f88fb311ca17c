// ABOUTME: health command: probes a running relay's health and readiness endpoints
// ABOUTME: Exits non-zero when the relay is down or its store is unreachable

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"github.com/2389/coven-relay/internal/config"
)

func newHealthCommand(configPath func() string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check relay health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				cfg, err := config.Load(configPath())
				if err != nil {
					return fmt.Errorf("loading config: %w", err)
				}
				addr = cfg.Server.HTTPAddr
			}
			return checkHealth(cmd.Context(), baseURL(addr), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "relay address, host:port or URL (default from config)")
	return cmd
}

func baseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/")
	}
	// A wildcard listen address is reachable on loopback.
	addr = strings.Replace(addr, "0.0.0.0", "127.0.0.1", 1)
	return "http://" + addr
}

func checkHealth(ctx context.Context, base string, out io.Writer) error {
	client := resty.New().SetBaseURL(base).SetTimeout(5 * time.Second)

	for _, path := range []string{"/health", "/health/ready"} {
		resp, err := client.R().SetContext(ctx).Get(path)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("unhealthy: %s returned status %d", path, resp.StatusCode())
		}
	}
	fmt.Fprintln(out, "healthy")
	return nil
}
