package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/timebank-app/timebank/internal/auth"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Administrator credentials",
}

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token <actor>",
	Short: "Generate an admin bearer token and its argon2id hash",
	Long: `Prints a new bearer token once, plus the hash to paste into the
[admin.tokens] table of config.toml. Pass --token to hash an existing token.`,
	Args: cobra.ExactArgs(1),
	RunE: runHashToken,
}

func init() {
	hashTokenCmd.Flags().String("token", "", "Hash this token instead of generating one")
	adminCmd.AddCommand(hashTokenCmd)
	rootCmd.AddCommand(adminCmd)
}

type hashedToken struct {
	Actor string `json:"actor"`
	Token string `json:"token,omitempty"`
	Hash  string `json:"hash"`
}

func runHashToken(cmd *cobra.Command, args []string) error {
	token, _ := cmd.Flags().GetString("token")
	generated := token == ""
	if generated {
		t, err := auth.GenerateToken()
		if err != nil {
			return err
		}
		token = t
	}
	hash, err := auth.NewArgon2().Hash(token)
	if err != nil {
		return err
	}

	out := hashedToken{Actor: args[0], Hash: hash}
	if generated {
		out.Token = token
	}
	return render(cmd, out, func(w io.Writer) error {
		if generated {
			fmt.Fprintf(w, "Token (shown once): %s\n\n", token)
		}
		fmt.Fprintln(w, "[admin.tokens]")
		fmt.Fprintf(w, "%q = %q\n", out.Actor, out.Hash)
		return nil
	})
}
