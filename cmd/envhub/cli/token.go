package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/majorcontext/envhub/internal/hub"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage storage access tokens",
}

var tokenSetCmd = &cobra.Command{
	Use:   "set <user> <repo>",
	Short: "Store a user's access token for a repository",
	Long: `Store a user's access token for a repository.

The token is read from the first line of standard input so it does not end
up in shell history.`,
	Example: `  echo "$RDM_TOKEN" | envhub token set alice https://rdm.example/abcde/`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		token := strings.TrimSpace(line)
		if token == "" {
			if err != nil {
				return fmt.Errorf("reading token from stdin: %w", err)
			}
			return fmt.Errorf("empty token")
		}
		if err := client().SetToken(cmd.Context(), hub.SetTokenRequest{
			User:  args[0],
			Repo:  args[1],
			Token: token,
		}); err != nil {
			return err
		}
		fmt.Printf("Stored token for %s\n", args[0])
		return nil
	},
}

func init() {
	tokenCmd.AddCommand(tokenSetCmd)
	rootCmd.AddCommand(tokenCmd)
}
