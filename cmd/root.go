// Package cmd implements the command-line front-end: persistent flags
// for storage path, timeout, JSON output and verbosity, and a set of
// subcommands that drive the Session Manager for quick operations and
// the Flow Engine for scripted, pausable ones.
package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/status-keycard/keycard-go/internal/corelog"
	"github.com/status-keycard/keycard-go/output"
	"github.com/status-keycard/keycard-go/session"
	"github.com/status-keycard/keycard-go/signalbus"
	"github.com/status-keycard/keycard-go/transport"
)

var (
	version = "1.0.0"

	// Global flags.
	storagePath string
	waitTimeout time.Duration
	outputJSON  bool
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "keycard-go",
	Short: "Keycard host-library command-line client",
	Long: `keycard-go v` + version + `
Drives a Keycard smart card over PC/SC: pairing, PIN/PUK/pairing-secret
management, BIP32/BIP39 key loading and export, and transaction signing.

This tool supports:
  - Session status and PIN authorization
  - Card initialization and factory reset
  - Wallet key export (master, wallet-root, wallet, eip1581, whisper, encryption)
  - Mnemonic loading and on-card metadata
  - Scripted, pausable flows (login, recover-account, sign, ...)`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&storagePath, "storage", defaultStoragePath(),
		"path to the pairing store file")
	rootCmd.PersistentFlags().DurationVar(&waitTimeout, "timeout", 30*time.Second,
		"how long to wait for a reader/card before giving up")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false,
		"output machine-readable JSON instead of tables")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"log Session Manager/Flow Engine internals to stderr")
}

func defaultStoragePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "keycard-pairings.yaml"
	}
	return dir + "/keycard-go/pairings.yaml"
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// GetVersion returns the current version.
func GetVersion() string {
	return version
}

func newLogger() corelog.Logger {
	if verbose {
		return corelog.New()
	}
	return corelog.NoOp()
}

// connect brings up a Channel and a started Session Manager. Callers
// must defer the returned stop func.
func connect(ctx context.Context) (*session.Manager, func(), error) {
	channel, err := transport.NewPCSC()
	if err != nil {
		return nil, nil, fmt.Errorf("connect to PC/SC subsystem: %w", err)
	}

	bus := signalbus.New()
	mgr := session.New(channel, bus, newLogger())
	if err := mgr.Start(ctx, storagePath); err != nil {
		channel.Close()
		return nil, nil, fmt.Errorf("start session: %w", err)
	}
	stop := func() {
		mgr.Stop()
		channel.Close()
	}
	return mgr, stop, nil
}

// connectAndAuthorize additionally waits for Ready/Authorized and,
// unless the card is already Authorized, verifies pin (prompting if
// empty). Callers must defer the returned stop func.
func connectAndAuthorize(ctx context.Context, pin string) (*session.Manager, func(), error) {
	mgr, stop, err := connect(ctx)
	if err != nil {
		return nil, nil, err
	}

	state, err := waitForState(mgr, waitTimeout, session.Ready, session.Authorized, session.EmptyKeycard)
	if err != nil {
		stop()
		return nil, nil, err
	}
	if state == session.EmptyKeycard {
		stop()
		return nil, nil, fmt.Errorf("card is not initialized; run 'initialize' first")
	}

	if state == session.Ready {
		if pin == "" {
			pin = promptSecret("PIN")
		}
		if err := mgr.Authorize(pin); err != nil {
			stop()
			return nil, nil, fmt.Errorf("authorize: %w", err)
		}
	}
	return mgr, stop, nil
}

// waitForState polls Status() until it matches one of want or the
// reader surfaces an unrecoverable error: ReaderConnectionError,
// ConnectionError, PairingError, NotKeycard, BlockedPIN, and BlockedPUK
// never self-heal.
func waitForState(mgr *session.Manager, timeout time.Duration, want ...session.State) (session.State, error) {
	deadline := time.Now().Add(timeout)
	for {
		s := mgr.State()
		for _, w := range want {
			if s == w {
				return s, nil
			}
		}
		switch s {
		case session.ReaderConnectionError:
			return s, fmt.Errorf("reader connection error")
		case session.ConnectionError:
			return s, fmt.Errorf("card connection error")
		case session.PairingError:
			return s, fmt.Errorf("pairing failed (no free slots or wrong password)")
		case session.NotKeycard:
			return s, fmt.Errorf("card does not implement the Keycard applet")
		case session.BlockedPIN:
			return s, fmt.Errorf("PIN is blocked; unblock with the PUK first")
		case session.BlockedPUK:
			return s, fmt.Errorf("PUK is blocked; card cannot be unblocked")
		}
		if time.Now().After(deadline) {
			return s, fmt.Errorf("timed out waiting for card (last state: %s)", s)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// settledStates lists every session.State waitForStatusSettled treats
// as a stopping point: every state except the transient connect-in-
// progress ones.
var settledStates = []session.State{
	session.NoReadersFound, session.ReaderConnectionError, session.EmptyKeycard,
	session.NotKeycard, session.ConnectionError, session.PairingError,
	session.BlockedPIN, session.BlockedPUK, session.Ready, session.Authorized,
}

// waitForStatusSettled waits for any non-transient state, without
// treating any of them as an error: the status command reports
// whatever it finds.
func waitForStatusSettled(mgr *session.Manager, timeout time.Duration) session.State {
	deadline := time.Now().Add(timeout)
	for {
		s := mgr.State()
		for _, w := range settledStates {
			if s == w {
				return s
			}
		}
		if time.Now().After(deadline) {
			return s
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func printError(msg string) {
	if !outputJSON {
		output.PrintError(msg)
	} else {
		fmt.Fprintln(os.Stderr, msg)
	}
}

func printSuccess(msg string) {
	if !outputJSON {
		output.PrintSuccess(msg)
	}
}

func printWarning(msg string) {
	if !outputJSON {
		output.PrintWarning(msg)
	}
}
