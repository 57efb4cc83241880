package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var authorizePIN string

var authorizeCmd = &cobra.Command{
	Use:   "authorize",
	Short: "Verify the card PIN",
	Long: `Connects, waits for the card to reach state "ready", and verifies
the PIN, moving the session to state "authorized".

Examples:
  keycard-go authorize --pin 123456
  keycard-go authorize   # prompts for the PIN`,
	RunE: runAuthorize,
}

func init() {
	authorizeCmd.Flags().StringVarP(&authorizePIN, "pin", "p", "", "card PIN (prompted if omitted)")
	rootCmd.AddCommand(authorizeCmd)
}

func runAuthorize(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	_, stop, err := connectAndAuthorize(ctx, authorizePIN)
	if err != nil {
		printError(err.Error())
		return err
	}
	defer stop()
	printSuccess("authorized")
	return nil
}
