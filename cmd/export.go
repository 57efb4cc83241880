package cmd

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/status-keycard/keycard-go/keycard"
	"github.com/status-keycard/keycard-go/output"
	"github.com/status-keycard/keycard-go/session"
)

var exportPIN string

var exportCmd = &cobra.Command{
	Use:   "export-keys",
	Short: "Authorize and export the standard wallet key bundle",
	Long: `Connects, authorizes with the PIN, and exports the six standard
contract paths (master, wallet-root, wallet, eip1581, whisper,
encryption), including private keys.

Examples:
  keycard-go export-keys --pin 123456
  keycard-go export-keys --json`,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportPIN, "pin", "p", "", "card PIN (prompted if omitted)")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	mgr, stop, err := connectAndAuthorize(ctx, exportPIN)
	if err != nil {
		printError(err.Error())
		return err
	}
	defer stop()

	keys, err := mgr.ExportWalletKeys()
	if err != nil {
		printError(fmt.Sprintf("export keys: %v", err))
		return err
	}
	if outputJSON {
		emitJSON(walletKeysToJSON(keys))
		return nil
	}
	output.PrintWalletKeys(keys)
	return nil
}

func walletKeysToJSON(keys session.WalletKeys) map[string]any {
	return map[string]any{
		"master":      walletKeyJSON(keys.Master),
		"wallet-root": walletKeyJSON(keys.WalletRoot),
		"wallet":      walletKeyJSON(keys.Wallet),
		"eip1581":     walletKeyJSON(keys.EIP1581),
		"whisper":     walletKeyJSON(keys.Whisper),
		"encryption":  walletKeyJSON(keys.Encryption),
	}
}

func walletKeyJSON(k keycard.WalletKey) map[string]any {
	m := map[string]any{
		"public-key": hex.EncodeToString(k.PublicKey),
		"address":    hex.EncodeToString(k.Address),
	}
	if len(k.PrivateKey) > 0 {
		m["private-key"] = hex.EncodeToString(k.PrivateKey)
	}
	if len(k.ChainCode) > 0 {
		m["chain-code"] = hex.EncodeToString(k.ChainCode)
	}
	return m
}
