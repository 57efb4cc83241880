package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var factoryResetForce bool

var factoryResetCmd = &cobra.Command{
	Use:   "factory-reset",
	Short: "Wipe the card back to its pre-initialized state",
	Long: `Connects to whatever card is present and runs FACTORY RESET,
destroying its keys, pairings, PIN, and PUK irreversibly. Asks for
confirmation unless --force is given.

Examples:
  keycard-go factory-reset
  keycard-go factory-reset --force`,
	RunE: runFactoryReset,
}

func init() {
	factoryResetCmd.Flags().BoolVar(&factoryResetForce, "force", false, "skip the confirmation prompt")
	rootCmd.AddCommand(factoryResetCmd)
}

func runFactoryReset(cmd *cobra.Command, args []string) error {
	if !factoryResetForce {
		fmt.Fprint(os.Stderr, "This destroys all keys and pairings on the card. Type 'yes' to continue: ")
		reader := bufio.NewReader(os.Stdin)
		line, _ := reader.ReadString('\n')
		if strings.TrimSpace(line) != "yes" {
			printWarning("factory reset cancelled")
			return nil
		}
	}

	ctx := context.Background()
	mgr, stop, err := connect(ctx)
	if err != nil {
		printError(err.Error())
		return err
	}
	defer stop()

	// FactoryReset needs the Command Set the connect sequence creates once
	// a card is detected; without one (e.g. NoReadersFound) it returns an
	// error.
	waitForStatusSettled(mgr, waitTimeout)
	if err := mgr.FactoryReset(); err != nil {
		printError(fmt.Sprintf("factory reset: %v", err))
		return err
	}
	printSuccess("card factory-reset")
	return nil
}
