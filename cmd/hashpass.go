package cmd

import (
	"fmt"
	"log"
	"syscall"

	"github.com/AustinAres2007/DeveloperJoe-sub000/developerjoe"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// passwordReader is a function type for reading passwords. It's really
// only here to make testing easier.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var hashpassCmd = &cobra.Command{
	Use:   "hashpass",
	Short: "Hash an admin password for the API config",
	Long: "Prompts for a password and prints its argon2id hash. Set the " +
		"result as api.admin_password_hash (or the DJ_API_ADMIN_PASSWORD_HASH " +
		"environment variable) to enable admin API logins.",
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()

		if customPasswordReader == nil {
			customPasswordReader = func() ([]byte, error) {
				return term.ReadPassword(int(syscall.Stdin))
			}
		}

		var password string
		for {
			fmt.Fprint(out, "Enter admin password: ")
			passwordBytes, err := customPasswordReader()
			if err != nil {
				log.Fatalf("Error reading password: %v", err)
			}
			password = string(passwordBytes)
			fmt.Fprintln(out)

			fmt.Fprint(out, "Confirm admin password: ")
			confirmPasswordBytes, err := customPasswordReader()
			if err != nil {
				log.Fatalf("Error reading password: %v", err)
			}
			confirmPassword := string(confirmPasswordBytes)
			fmt.Fprintln(out)

			if password == confirmPassword {
				break
			}
			fmt.Fprintln(out, "Passwords do not match. Please try again.")
		}

		hashedPassword, err := developerjoe.HashPassword(password)
		if err != nil {
			log.Fatalf("Error hashing password: %v", err)
		}
		fmt.Fprintln(out, hashedPassword)
	},
}

func init() {
	rootCmd.AddCommand(hashpassCmd)
}
