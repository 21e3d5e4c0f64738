package cmd

import (
	"context"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/musekit/muse/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for assistant integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets MCP clients drive character generation natively. Configure
with:

  {
    "mcpServers": {
      "muse": { "command": "muse", "args": ["mcp"] }
    }
  }

Available tools: muse_chat, muse_confirm, muse_cancel,
muse_task_status, muse_list_characters, muse_token_balance`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
		defer stop()

		a, err := buildApp(ctx)
		if err != nil {
			return err
		}

		srv := mcp.NewServer(a.agent, a.characters, a.ledger, a.userID)
		if err := srv.ServeStdio(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		a.dispatcher.Wait()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
