package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/majorcontext/envhub/internal/hub"
	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Start and stop user sessions",
}

var sessionEnv map[string]string

var sessionStartCmd = &cobra.Command{
	Use:   "start <user> <image>",
	Short: "Start a session for a user",
	Long: `Start a single-user session from an environment image.

Resource limits come from the image labels, falling back to the hub
defaults. Images built for a storage provider also get a bridge sidecar;
the user must have an access token stored for the image's repository.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := client().StartSession(cmd.Context(), hub.StartSessionRequest{
			User:  args[0],
			Image: args[1],
			Env:   sessionEnv,
		})
		if err != nil {
			return err
		}
		if jsonOut {
			return json.NewEncoder(os.Stdout).Encode(sess)
		}
		fmt.Printf("Started %s (%s)\n", sess.Name, shortID(sess.ID))
		if sess.Sidecar != "" {
			fmt.Printf("  sidecar: %s\n", sess.Sidecar)
		}
		return nil
	},
}

var sessionStopCmd = &cobra.Command{
	Use:   "stop <user>",
	Short: "Stop a user's session and its sidecar",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client().StopSession(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Stopped session for %s\n", args[0])
		return nil
	},
}

func init() {
	sessionStartCmd.Flags().StringToStringVarP(&sessionEnv, "env", "e", nil, "extra environment variable KEY=VALUE (repeatable)")
	sessionCmd.AddCommand(sessionStartCmd, sessionStopCmd)
	rootCmd.AddCommand(sessionCmd)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
