package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"xzbridge/internal/app"
)

// serveDebug enables verbose logging across the application.
var serveDebug bool

// serveConfigDir overrides the configuration directory. When empty, the
// XIAOZHI_CONFIG_DIR environment variable or the working directory is used.
var serveConfigDir string

// serveCmd starts the bridge: it connects every configured MCP server and
// serves the aggregated catalog to the configured upstream endpoints until
// interrupted.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bridge and serve the aggregated tool catalog",
	Long: `Starts the bridge: connects the MCP servers declared in
xiaozhi.config.json, aggregates their tools with the configured custom
tools, and serves the combined catalog to every configured upstream
websocket endpoint. The process runs until interrupted (Ctrl+C) and
reloads the configuration when the file changes on disk.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	application, err := app.NewApplication(app.Config{
		Debug:     serveDebug,
		ConfigDir: serveConfigDir,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return application.Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
	serveCmd.Flags().StringVar(&serveConfigDir, "config-dir", "", "Configuration directory (default: $XIAOZHI_CONFIG_DIR or the working directory)")
}
