package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/status-keycard/keycard-go/keycard"
	"github.com/status-keycard/keycard-go/session"
)

var (
	initPIN             string
	initPUK             string
	initPairingPassword string
)

var initializeCmd = &cobra.Command{
	Use:   "initialize",
	Short: "Personalize a freshly-installed, uninitialized card",
	Long: `Waits for a card in state "empty-keycard" and runs INIT, setting
its PIN, PUK, and pairing password. Leaves an already-initialized card
untouched; run 'factory-reset' first to re-run INIT on one.

Examples:
  keycard-go initialize --pin 123456 --puk 123456789012 --pairing-pass MyPairingPass1
  keycard-go initialize   # prompts for PIN and PUK, uses the default pairing password`,
	RunE: runInitialize,
}

func init() {
	initializeCmd.Flags().StringVar(&initPIN, "pin", "", "new 6-digit PIN (prompted if omitted)")
	initializeCmd.Flags().StringVar(&initPUK, "puk", "", "new 12-digit PUK (prompted if omitted)")
	initializeCmd.Flags().StringVar(&initPairingPassword, "pairing-pass", "",
		"new pairing password (defaults to the well-known default)")
	rootCmd.AddCommand(initializeCmd)
}

func runInitialize(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	mgr, stop, err := connect(ctx)
	if err != nil {
		printError(err.Error())
		return err
	}
	defer stop()

	if _, err := waitForState(mgr, waitTimeout, session.EmptyKeycard); err != nil {
		printError(err.Error())
		return err
	}

	pin := initPIN
	if pin == "" {
		pin = promptSecret("New PIN")
	}
	puk := initPUK
	if puk == "" {
		puk = promptSecret("New PUK")
	}

	pairingPass := initPairingPassword
	if pairingPass == "" {
		pairingPass = keycard.DefaultPairingPassword
	}
	if err := mgr.Initialize(pin, puk, pairingPass); err != nil {
		printError(fmt.Sprintf("initialize: %v", err))
		return err
	}
	printSuccess("card initialized")
	return nil
}
