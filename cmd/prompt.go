package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/term"
)

// promptSecret reads a line from the terminal with echo disabled, the
// way a PIN/PUK/pairing-password entry must never appear on screen.
// Falls back to a plain prompt if stdin isn't a terminal (e.g. piped
// input in scripts/tests).
func promptSecret(label string) string {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		var s string
		fmt.Fprintf(os.Stderr, "%s: ", label)
		fmt.Scanln(&s)
		return s
	}
	fmt.Fprintf(os.Stderr, "%s: ", label)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return ""
	}
	return string(b)
}

// emitJSON writes v as indented JSON to stdout, the --json counterpart
// to the table package's Print* functions.
func emitJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
