package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/majorcontext/envhub/internal/hub"
	"github.com/majorcontext/envhub/internal/registry"
	"github.com/spf13/cobra"
)

var imagesCmd = &cobra.Command{
	Use:     "images",
	Aliases: []string{"image", "env"},
	Short:   "Manage environment images",
}

var imagesListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List environments",
	Args:    cobra.NoArgs,
	RunE:    listImages,
}

var (
	buildFlags hub.BuildRequest
	buildMem   float64
	buildCPU   float64
	buildOpts  map[string]string
	buildWait  bool
)

var imagesBuildCmd = &cobra.Command{
	Use:   "build <repo>",
	Short: "Build an environment from a repository",
	Long: `Build an environment image from a repository with repo2docker.

The build runs on the hub in the background. With --wait the command polls
until the environment is listed as built.`,
	Example: `  envhub images build https://github.com/org/analysis --ref main --memory 2 --cpu 1.5
  envhub images build https://rdm.example/abcde/files --opt provider=rdm --opt repo=https://rdm.example/abcde/`,
	Args: cobra.ExactArgs(1),
	RunE: buildImage,
}

var imagesRmCmd = &cobra.Command{
	Use:     "rm <image>",
	Aliases: []string{"remove"},
	Short:   "Remove an environment image",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client().RemoveImage(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Removed %s\n", args[0])
		return nil
	},
}

func init() {
	f := imagesBuildCmd.Flags()
	f.StringVar(&buildFlags.Ref, "ref", "", "git ref to build (default HEAD)")
	f.StringVar(&buildFlags.Name, "name", "", "display name")
	f.Float64Var(&buildMem, "memory", 0, "memory limit in GB")
	f.Float64Var(&buildCPU, "cpu", 0, "CPU limit in cores")
	f.StringVar(&buildFlags.Username, "username", "", "repository username")
	f.StringVar(&buildFlags.Password, "password", "", "repository password or token")
	f.StringArrayVar(&buildFlags.BuildArgs, "build-arg", nil, "extra repo2docker argument (repeatable)")
	f.StringVar(&buildFlags.Builder, "builder-image", "", "repo2docker image override")
	f.StringVar(&buildFlags.ImageName, "image-name", "", "use this image name instead of one derived from the repository")
	f.StringToStringVar(&buildOpts, "opt", nil, "provider label key=value (repeatable)")
	f.BoolVar(&buildWait, "wait", false, "wait for the build to finish")

	imagesCmd.AddCommand(imagesListCmd, imagesBuildCmd, imagesRmCmd)
	rootCmd.AddCommand(imagesCmd)
}

func listImages(cmd *cobra.Command, _ []string) error {
	envs, err := client().Environments(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(envs)
	}
	if len(envs) == 0 {
		fmt.Println("No environments found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "IMAGE\tNAME\tREPO\tREF\tMEMORY\tCPU\tSTATUS")
	for _, e := range envs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ImageName,
			e.DisplayName,
			e.Repo,
			e.Ref,
			orDash(e.MemLimit),
			orDash(e.CPULimit),
			e.Status,
		)
	}
	return w.Flush()
}

func buildImage(cmd *cobra.Command, args []string) error {
	req := buildFlags
	req.Repo = args[0]
	req.Memory = hub.Number(buildMem)
	req.CPU = hub.Number(buildCPU)
	req.Optional = buildOpts

	c := client()
	resp, err := c.Build(cmd.Context(), req)
	if err != nil {
		return err
	}
	if !buildWait {
		if jsonOut {
			return json.NewEncoder(os.Stdout).Encode(resp)
		}
		fmt.Printf("Building %s\n", resp.ImageName)
		return nil
	}

	fmt.Printf("Building %s ...\n", resp.ImageName)
	env, err := waitBuilt(cmd.Context(), c, resp.ImageName)
	if err != nil {
		return err
	}
	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(env)
	}
	fmt.Printf("Built %s\n", env.ImageName)
	return nil
}

// waitBuilt polls until image is listed as built. A build that disappears
// from the list without producing an image has failed.
func waitBuilt(ctx context.Context, c *hub.Client, image string) (*registry.Environment, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	seen := false
	for {
		envs, err := c.Environments(ctx)
		if err != nil {
			return nil, err
		}
		found := false
		for i := range envs {
			if envs[i].ImageName != image {
				continue
			}
			found = true
			if envs[i].Status == registry.StatusBuilt {
				return &envs[i], nil
			}
		}
		if seen && !found {
			return nil, fmt.Errorf("build of %s failed; see the hub log", image)
		}
		seen = seen || found

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
