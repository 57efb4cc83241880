package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	mnemonicPIN        string
	mnemonicPassphrase string
)

var loadMnemonicCmd = &cobra.Command{
	Use:   "load-mnemonic [mnemonic words...]",
	Short: "Derive a BIP39 seed and load it as the card's master key",
	Long: `Connects, authorizes with the PIN, derives a BIP39 seed from the
given mnemonic and an optional passphrase, and loads it onto the card
with LOAD SEED. Refuses to overwrite an already-loaded master key; run
'factory-reset' first.

Examples:
  keycard-go load-mnemonic --pin 123456 abandon abandon abandon ... about
  keycard-go load-mnemonic --pin 123456 --passphrase mypass abandon ... about`,
	Args: cobra.MinimumNArgs(1),
	RunE: runLoadMnemonic,
}

func init() {
	loadMnemonicCmd.Flags().StringVarP(&mnemonicPIN, "pin", "p", "", "card PIN (prompted if omitted)")
	loadMnemonicCmd.Flags().StringVar(&mnemonicPassphrase, "passphrase", "", "BIP39 passphrase")
	rootCmd.AddCommand(loadMnemonicCmd)
}

func runLoadMnemonic(cmd *cobra.Command, args []string) error {
	mnemonic := strings.Join(args, " ")

	ctx := context.Background()
	mgr, stop, err := connectAndAuthorize(ctx, mnemonicPIN)
	if err != nil {
		printError(err.Error())
		return err
	}
	defer stop()

	if mgr.Status().Info.HasKeys() {
		err := fmt.Errorf("card already has a master key loaded; run 'factory-reset' first")
		printError(err.Error())
		return err
	}

	keyUID, err := mgr.LoadMnemonic(mnemonic, mnemonicPassphrase)
	if err != nil {
		printError(fmt.Sprintf("load mnemonic: %v", err))
		return err
	}
	if outputJSON {
		emitJSON(map[string]any{"key-uid": keyUID})
		return nil
	}
	printSuccess(fmt.Sprintf("master key loaded, key-uid=%s", keyUID))
	return nil
}

