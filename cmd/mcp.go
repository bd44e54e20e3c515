package cmd

import (
	"github.com/spf13/cobra"

	"github.com/joescharf/tdd/internal/log"
	"github.com/joescharf/tdd/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for agent integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

Agents drive TDD sessions through this server. Configure it in an MCP
client with:

  {
    "mcpServers": {
      "tdd": { "command": "tdd", "args": ["mcp"] }
    }
  }

Available tools: initialize, quick_help, start_session, update_session,
pause_session, resume_session, end_session, get_current_state, next_phase,
rollback, log, history

Logs go to stderr; stdout carries protocol frames only.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := getRegistry(cmd.Context())
		if err != nil {
			return err
		}
		l := log.WithComponent("cmd")
		l.Info().
			Str(log.FieldHolder, reg.Holder().ID).
			Str(log.FieldBackend, storeConfig().Backend).
			Msg("serving MCP on stdio")
		return mcp.NewServer(reg).ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
