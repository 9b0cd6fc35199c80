package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/majorcontext/envhub/internal/builder"
	"github.com/majorcontext/envhub/internal/container"
	"github.com/majorcontext/envhub/internal/form"
	"github.com/majorcontext/envhub/internal/hub"
	"github.com/majorcontext/envhub/internal/limits"
	"github.com/majorcontext/envhub/internal/log"
	"github.com/majorcontext/envhub/internal/registry"
	"github.com/majorcontext/envhub/internal/session"
	"github.com/majorcontext/envhub/internal/sidecar"
	"github.com/majorcontext/envhub/internal/tokenstore"
	"github.com/spf13/cobra"
)

var noSweep bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hub API server",
	Long: `Run the hub API server in the foreground.

The server lists environments, renders the spawn options form, builds images
in the background and starts or stops user sessions. Orphaned storage bridge
sidecars are swept on the configured schedule.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&noSweep, "no-sweep", false, "do not sweep orphaned sidecars")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := container.NewDockerRuntime(cfg.DockerHost)
	if err != nil {
		return err
	}
	defer rt.Close()
	if err := rt.Ping(ctx); err != nil {
		// The hub still serves an empty form while the engine is down.
		log.Warn("container engine not reachable", "error", err)
	}

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	tokens, err := tokenstore.Open(ctx, tokenstore.Options{
		Backend:  cfg.TokenStore.Backend,
		StateDir: cfg.StateDir,
		Path:     cfg.TokenStore.Path,
		Region:   cfg.TokenStore.Region,
		Prefix:   cfg.TokenStore.Prefix,
	})
	if err != nil {
		return fmt.Errorf("opening token store: %w", err)
	}
	defer tokens.Close()

	mounts, err := cfg.SessionMounts()
	if err != nil {
		return err
	}

	sidecars := sidecar.New(rt, tokens, sidecar.Options{Image: cfg.RDMFS.Image, BasePath: cfg.RDMFS.BasePath})
	spawner := session.New(rt, sidecars, session.Options{
		Limits:     limits.Defaults{Memory: cfg.Limits.Memory, CPU: cfg.Limits.CPU},
		NamePrefix: cfg.Session.NamePrefix,
		Port:       cfg.Session.Port,
		Mounts:     mounts,
	})

	defaults := form.Defaults{MemoryBytes: cfg.MemoryBytes(), CPU: cfg.Limits.CPU}
	renderer := form.New(defaults)
	if cfg.FormTemplate != "" {
		if renderer, err = form.NewFromFile(cfg.FormTemplate, defaults); err != nil {
			return err
		}
	}

	srv := hub.NewServer(hub.Deps{
		Runtime:  rt,
		Registry: registry.New(rt),
		Builder: builder.New(rt, builder.Options{
			BuilderImage: cfg.Builder.Image,
			DockerSocket: cfg.Builder.DockerSocket,
		}),
		Spawner: spawner,
		Form:    renderer,
		Tokens:  tokens,
	})

	sweeper, err := listen(srv, sidecars)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if sweeper != nil {
		sweeper.Stop(shutdownCtx)
	}
	return srv.Stop(shutdownCtx)
}

// listen starts the API on the configured socket or address and starts the
// sidecar sweeper, unless disabled. A bad sweep schedule fails before
// anything is listening.
func listen(srv *hub.Server, sidecars *sidecar.Manager) (*sidecar.Sweeper, error) {
	var (
		sweeper *sidecar.Sweeper
		err     error
	)
	if !noSweep {
		if sweeper, err = sidecar.NewSweeper(sidecars, cfg.RDMFS.SweepSchedule); err != nil {
			return nil, err
		}
	}

	if cfg.Socket != "" {
		err = srv.ListenUnix(cfg.Socket)
	} else {
		err = srv.ListenTCP(cfg.Listen)
	}
	if err != nil {
		return nil, fmt.Errorf("starting hub: %w", err)
	}
	if sweeper != nil {
		sweeper.Start()
	}
	return sweeper, nil
}
