package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/majorcontext/envhub/internal/container"
	"github.com/majorcontext/envhub/internal/sidecar"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove sidecars whose session container is gone",
	Long: `Remove storage bridge sidecars whose session container no longer exists.

This runs against the container engine directly and does not need a running
hub. The hub performs the same sweep on its schedule.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, err := container.NewDockerRuntime(cfg.DockerHost)
		if err != nil {
			return err
		}
		defer rt.Close()

		// Sweeping never reads tokens.
		m := sidecar.New(rt, nil, sidecar.Options{Image: cfg.RDMFS.Image, BasePath: cfg.RDMFS.BasePath})
		removed, err := m.Sweep(cmd.Context())
		if jsonOut {
			if encErr := json.NewEncoder(os.Stdout).Encode(removed); encErr != nil {
				return encErr
			}
			return err
		}
		for _, name := range removed {
			fmt.Printf("Removed %s\n", name)
		}
		if len(removed) == 0 && err == nil {
			fmt.Println("No orphaned sidecars")
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
