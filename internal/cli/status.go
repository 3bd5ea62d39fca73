package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/raphaelgruber/cvat-export/internal/client"
	"github.com/raphaelgruber/cvat-export/internal/config"
	"github.com/raphaelgruber/cvat-export/internal/service"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <rq-id>",
	Short: "Show the state of an export request",
	Long: `Query one export request and print its status, progress and result location.

Examples:
  cvat-export status --server https://cvat.example.com --username alice --password secret \
      "action=export&target=task&id=597&format=CVAT+for+video+1.1"`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	if cfg.Server == "" {
		return fmt.Errorf("--%s is required", config.KeyServer)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	c, err := client.Dial(ctx, cfg.ClientConfig())
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.Server, err)
	}

	rq, err := c.GetRequest(ctx, args[0])
	if err != nil {
		return fmt.Errorf("get request: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "request %s status: %s (progress=%s)\n", rq.ID, rq.Status, rq.ProgressString())
	if rq.Message != "" {
		fmt.Fprintf(out, "  message: %s\n", rq.Message)
	}
	if rq.ResultURL != "" {
		fmt.Fprintf(out, "  result:  %s\n", service.ResolveURL(c.BaseURL(), rq.ResultURL))
	}
	return nil
}
