package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"xzbridge/internal/config"
	"xzbridge/internal/toolcache"
)

// cacheConfigDir overrides the configuration directory for the cache
// command.
var cacheConfigDir string

// newCacheCmd creates the command that inspects the offline tool cache. The
// cache is advisory: it reflects the last successful tools/list per service
// and can be read without a running bridge.
func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache [service]",
		Short: "Show the cached tool snapshots of the configured MCP servers",
		Long: `Reads xiaozhi.cache.json and prints the cached tool snapshot of
every service, or of a single named service. The cache reflects the last
successful tool listing and survives restarts.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runCache,
	}
	cmd.Flags().StringVar(&cacheConfigDir, "config-dir", "", "Configuration directory (default: $XIAOZHI_CONFIG_DIR or the working directory)")
	return cmd
}

func runCache(cmd *cobra.Command, args []string) error {
	dir := cacheConfigDir
	if dir == "" {
		dir = config.GetConfigDir()
	}
	cache := toolcache.New(dir)

	if len(args) == 1 {
		entry, ok := cache.Get(args[0])
		if !ok {
			return fmt.Errorf("no cache entry for service %s", args[0])
		}
		return printJSON(cmd, entry)
	}
	return printJSON(cmd, cache.Load())
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialise cache: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func init() {
	rootCmd.AddCommand(newCacheCmd())
}
