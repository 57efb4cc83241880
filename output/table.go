// Package output renders Session Manager and Flow Engine results for the
// command-line front-end: go-pretty tables with a consistent color
// palette and Print* naming, applied to keycard snapshots, wallet keys,
// and metadata.
package output

import (
	"encoding/hex"
	"fmt"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/status-keycard/keycard-go/keycard"
	"github.com/status-keycard/keycard-go/session"
)

var (
	colorHeader  = text.Colors{text.FgCyan, text.Bold}
	colorLabel   = text.Colors{text.FgYellow}
	colorValue   = text.Colors{text.FgWhite}
	colorSuccess = text.Colors{text.FgGreen}
	colorError   = text.Colors{text.FgRed}
	colorWarn    = text.Colors{text.FgYellow}
)

func getTableStyle() table.Style {
	style := table.StyleRounded
	style.Color.Header = colorHeader
	style.Color.Row = text.Colors{text.FgWhite}
	style.Color.RowAlternate = text.Colors{text.FgHiWhite}
	style.Options.SeparateRows = false
	return style
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(getTableStyle())
	t.Style().Options.SeparateRows = false
	return t
}

// PrintError prints an error message.
func PrintError(msg string) {
	fmt.Println(colorError.Sprintf("✗ Error: %s", msg))
}

// PrintSuccess prints a success message.
func PrintSuccess(msg string) {
	fmt.Println(colorSuccess.Sprintf("✓ %s", msg))
}

// PrintWarning prints a warning message.
func PrintWarning(msg string) {
	fmt.Println(colorWarn.Sprintf("⚠ %s", msg))
}

// PrintReaderList prints the available PC/SC readers.
func PrintReaderList(readers []string) {
	fmt.Println()
	t := newTable()
	t.SetTitle("AVAILABLE SMART CARD READERS")
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Colors: colorLabel, WidthMin: 8},
		{Number: 2, Colors: colorValue, WidthMin: 50},
	})
	if len(readers) == 0 {
		t.AppendRow(table.Row{"Status", colorWarn.Sprint("No readers found")})
	} else {
		for i, r := range readers {
			t.AppendRow(table.Row{fmt.Sprintf("[%d]", i), r})
		}
	}
	t.Render()
}

// PrintStatus renders a session.Snapshot: reader/session state, the
// SELECT-derived ApplicationInfo, the cached ApplicationStatus, and
// on-card metadata when present.
func PrintStatus(snap session.Snapshot) {
	fmt.Println()
	t := newTable()
	t.SetTitle("KEYCARD STATUS")
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Colors: colorLabel, WidthMin: 22},
		{Number: 2, Colors: colorValue, WidthMin: 50},
	})

	t.AppendRow(table.Row{"Session State", snap.State.String()})
	if !snap.Info.Valid() {
		t.Render()
		return
	}
	t.AppendRow(table.Row{"Installed", snap.Info.Installed})
	t.AppendRow(table.Row{"Initialized", snap.Info.Initialized})
	if len(snap.Info.InstanceUID) > 0 {
		t.AppendRow(table.Row{"Instance UID", hex.EncodeToString(snap.Info.InstanceUID)})
	}
	t.AppendRow(table.Row{"Application Version",
		fmt.Sprintf("%d.%d", snap.Info.AppVersionMajor, snap.Info.AppVersionMinor)})
	t.AppendRow(table.Row{"Free Pairing Slots", snap.Info.AvailablePairingSlots})
	if snap.Info.HasKeys() {
		t.AppendRow(table.Row{"Key UID", hex.EncodeToString(snap.Info.KeyUID)})
	} else {
		t.AppendRow(table.Row{"Key UID", colorWarn.Sprint("(no keys loaded)")})
	}
	if snap.Status != keycard.UnknownApplicationStatus {
		t.AppendRow(table.Row{"PIN Retries", retriesCell(snap.Status.PINRetryCount)})
		t.AppendRow(table.Row{"PUK Retries", retriesCell(snap.Status.PUKRetryCount)})
	}
	t.Render()

	if snap.Metadata.Name != "" || len(snap.Metadata.Indexes) > 0 {
		PrintMetadata(snap.Metadata)
	} else if snap.MetadataErr != nil {
		PrintWarning(fmt.Sprintf("metadata unreadable: %v", snap.MetadataErr))
	}
}

func retriesCell(n int) string {
	if n < 0 {
		return colorWarn.Sprint("unknown")
	}
	if n == 0 {
		return colorError.Sprint("0 (blocked)")
	}
	return fmt.Sprintf("%d", n)
}

// PrintWalletKeys renders the standard contract-path export bundle.
func PrintWalletKeys(keys session.WalletKeys) {
	fmt.Println()
	t := newTable()
	t.SetTitle("EXPORTED WALLET KEYS")
	t.AppendHeader(table.Row{"Path", "Public Key", "Address", "Chain Code"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Colors: colorLabel, WidthMin: 14},
		{Number: 2, Colors: colorValue, WidthMax: 70},
		{Number: 3, Colors: colorValue, WidthMax: 44},
		{Number: 4, Colors: colorValue, WidthMax: 70},
	})
	rows := []struct {
		name string
		key  keycard.WalletKey
	}{
		{"master", keys.Master},
		{"wallet-root", keys.WalletRoot},
		{"wallet", keys.Wallet},
		{"eip1581", keys.EIP1581},
		{"whisper", keys.Whisper},
		{"encryption", keys.Encryption},
	}
	for _, r := range rows {
		t.AppendRow(table.Row{
			r.name,
			hex.EncodeToString(r.key.PublicKey),
			hex.EncodeToString(r.key.Address),
			hex.EncodeToString(r.key.ChainCode),
		})
	}
	t.Render()
}

// PrintWalletKey renders a single exported key, as the Flow Engine's
// export-public and sign flows produce one key/signature at a time.
func PrintWalletKey(path string, key keycard.WalletKey) {
	fmt.Println()
	t := newTable()
	t.SetTitle("EXPORTED KEY")
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Colors: colorLabel, WidthMin: 14},
		{Number: 2, Colors: colorValue, WidthMin: 50},
	})
	t.AppendRow(table.Row{"Path", path})
	t.AppendRow(table.Row{"Public Key", hex.EncodeToString(key.PublicKey)})
	t.AppendRow(table.Row{"Address", hex.EncodeToString(key.Address)})
	if len(key.PrivateKey) > 0 {
		t.AppendRow(table.Row{"Private Key", hex.EncodeToString(key.PrivateKey)})
	}
	if len(key.ChainCode) > 0 {
		t.AppendRow(table.Row{"Chain Code", hex.EncodeToString(key.ChainCode)})
	}
	t.Render()
}

// PrintMetadata renders the decoded on-card metadata blob.
func PrintMetadata(md keycard.Metadata) {
	fmt.Println()
	t := newTable()
	t.SetTitle("CARD METADATA")
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Colors: colorLabel, WidthMin: 16},
		{Number: 2, Colors: colorValue, WidthMin: 50},
	})
	t.AppendRow(table.Row{"Name", md.Name})
	indexes := append([]uint32(nil), md.Indexes...)
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	t.AppendRow(table.Row{"Wallet Indexes", fmt.Sprintf("%v", indexes)})
	t.Render()
}

// PrintFlowPause renders a Flow Engine pause: the action tag asking the
// caller for input, the error tag that produced it, and any status
// payload merged alongside.
func PrintFlowPause(action, errorTag string, extra map[string]any) {
	fmt.Println()
	t := newTable()
	t.SetTitle("FLOW PAUSED")
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Colors: colorLabel, WidthMin: 14},
		{Number: 2, Colors: colorValue, WidthMin: 50},
	})
	t.AppendRow(table.Row{"Action", action})
	t.AppendRow(table.Row{"Error", errorTag})
	for _, k := range sortedKeys(extra) {
		t.AppendRow(table.Row{k, fmt.Sprintf("%v", extra[k])})
	}
	t.Render()
}

// PrintFlowResult renders a completed flow's result envelope.
func PrintFlowResult(result map[string]any) {
	fmt.Println()
	t := newTable()
	t.SetTitle("FLOW RESULT")
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Colors: colorLabel, WidthMin: 18},
		{Number: 2, Colors: colorValue, WidthMax: 70},
	})
	for _, k := range sortedKeys(result) {
		t.AppendRow(table.Row{k, fmt.Sprintf("%v", result[k])})
	}
	t.Render()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
