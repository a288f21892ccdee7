package cmd

import (
	"github.com/schovi/sdlive/internal/mcp"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the daemon as MCP tools over stdio",
	Args:  cobra.NoArgs,
	RunE:  runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	client, err := connect()
	if err != nil {
		return err
	}
	return mcp.NewServer(mcp.NewToolRegistry(client), version, mcp.WithLogger(log.Named("mcp"))).Run()
}
