// Package cli implements the envhub command-line interface using Cobra.
// It runs the hub server and talks to a running hub to build environments
// and manage sessions.
package cli

import (
	"path/filepath"

	"github.com/majorcontext/envhub/internal/config"
	"github.com/majorcontext/envhub/internal/hub"
	"github.com/majorcontext/envhub/internal/log"
	"github.com/spf13/cobra"
)

// skipConfig marks commands that run without a valid config file.
const skipConfig = "envhub/skip-config"

var (
	verbose    bool
	jsonOut    bool
	configPath string
	hubAddr    string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "envhub",
	Short: "envhub - repo2docker environments for JupyterHub",
	Long: `envhub builds container images from source repositories with repo2docker,
lists them as selectable environments and spawns single-user sessions from
them, with per-image resource limits and an optional storage bridge sidecar.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations[skipConfig] != "" {
			return nil
		}
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = c

		if err := log.Init(log.Options{
			Verbose:       verbose || cfg.Log.Debug,
			JSONFormat:    jsonOut || cfg.Log.JSON,
			DebugDir:      filepath.Join(cfg.StateDir, "debug"),
			RetentionDays: cfg.Log.RetentionDays,
		}); err != nil {
			// Non-fatal: the stderr logger still works.
			cmd.PrintErrf("Warning: failed to initialize debug logging: %v\n", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		log.Close()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// client returns a hub client for --addr, or for the configured socket or
// listen address.
func client() *hub.Client {
	addr := hubAddr
	if addr == "" {
		addr = cfg.Listen
		if cfg.Socket != "" {
			addr = cfg.Socket
		}
	}
	return hub.NewClient(addr)
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (env: ENVHUB_CONFIG, default ~/.envhub/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&hubAddr, "addr", "", "hub address: host:port or unix:///path (default from config)")
}
