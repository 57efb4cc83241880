package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/status-keycard/keycard-go/flow"
	"github.com/status-keycard/keycard-go/keycard"
	"github.com/status-keycard/keycard-go/output"
	"github.com/status-keycard/keycard-go/pairing"
	"github.com/status-keycard/keycard-go/signalbus"
	"github.com/status-keycard/keycard-go/transport"
)

var (
	flowParamFlags []string
	flowPIN        string
	flowNewPIN     string
	flowNewPUK     string
	flowPairingPW  string
	flowPath       string
	flowTxHash     string
	flowMnemonic   string
	flowName       string
	flowOverwrite  bool

	currentFlowType flow.FlowType
)

var flowTypesByName = map[string]flow.FlowType{
	flow.GetAppInfo.String():     flow.GetAppInfo,
	flow.Login.String():          flow.Login,
	flow.RecoverAccount.String(): flow.RecoverAccount,
	flow.LoadAccount.String():    flow.LoadAccount,
	flow.Sign.String():           flow.Sign,
	flow.ChangePIN.String():      flow.ChangePIN,
	flow.ChangePUK.String():      flow.ChangePUK,
	flow.ChangePairing.String():  flow.ChangePairing,
	flow.ExportPublic.String():   flow.ExportPublic,
	flow.GetMetadata.String():    flow.GetMetadata,
	flow.StoreMetadata.String():  flow.StoreMetadata,
}

var flowCmd = &cobra.Command{
	Use:   "flow <flow-type>",
	Short: "Run a scripted, pausable Flow Engine procedure",
	Long: `Starts one of the Flow Engine's named flows and drives it to
completion, interactively prompting for whatever it pauses on (PIN,
pairing password, derivation path, mnemonic, ...).

Flow types: get-app-info, login, recover-account, load-account, sign,
change-pin, change-puk, change-pairing, export-public, get-metadata,
store-metadata.

Examples:
  keycard-go flow login --pin 123456
  keycard-go flow sign --pin 123456 --path 44,60,0,0,0 --tx-hash <64 hex chars>
  keycard-go flow load-account --pin 123456
  keycard-go flow change-pin --pin 123456 --new-pin 654321
  keycard-go flow export-public --pin 123456 --path 44,60,0,0,0
  keycard-go flow get-metadata --pin 123456
  keycard-go flow --param foo=bar get-app-info`,
	Args: cobra.ExactArgs(1),
	RunE: runFlow,
}

func init() {
	flowCmd.Flags().StringVarP(&flowPIN, "pin", "p", "", "PIN, supplied up front to skip the enter-pin pause")
	flowCmd.Flags().StringVar(&flowNewPIN, "new-pin", "", "new PIN for change-pin / load-account's pre-init pause")
	flowCmd.Flags().StringVar(&flowNewPUK, "new-puk", "", "new PUK for change-puk / load-account's pre-init pause")
	flowCmd.Flags().StringVar(&flowPairingPW, "new-pairing-pass", "", "new pairing password for change-pairing / load-account's pre-init pause")
	flowCmd.Flags().StringVar(&flowPath, "path", "", "comma-separated BIP44 path, e.g. 44,60,0,0,0")
	flowCmd.Flags().StringVar(&flowTxHash, "tx-hash", "", "hex-encoded 32-byte hash to sign")
	flowCmd.Flags().StringVar(&flowMnemonic, "mnemonic", "", "mnemonic words for load-account (generated on-card if omitted)")
	flowCmd.Flags().StringVar(&flowName, "name", "", "wallet name for store-metadata")
	flowCmd.Flags().BoolVar(&flowOverwrite, "overwrite", false, "allow load-account to overwrite an existing master key")
	flowCmd.Flags().StringArrayVar(&flowParamFlags, "param", nil, "extra key=value flow parameter, repeatable")
	rootCmd.AddCommand(flowCmd)
}

func runFlow(cmd *cobra.Command, args []string) error {
	typ, ok := flowTypesByName[args[0]]
	if !ok {
		err := fmt.Errorf("unknown flow type %q", args[0])
		printError(err.Error())
		return err
	}
	currentFlowType = typ

	channel, err := transport.NewPCSC()
	if err != nil {
		printError(err.Error())
		return err
	}
	defer channel.Close()

	bus := signalbus.New()
	store := pairing.NewStore(storagePath)
	engine := flow.New(channel, store, bus, newLogger())
	ctx := context.Background()
	if err := engine.Init(ctx); err != nil {
		printError(err.Error())
		return err
	}
	defer engine.Close()

	drv := newFlowDriver()
	_, unsubscribe := bus.Subscribe(drv.onSignal)
	defer unsubscribe()

	params := initialFlowParams()
	if err := engine.StartFlow(typ, params); err != nil {
		printError(err.Error())
		return err
	}

	return drv.run(engine, waitTimeout)
}

func initialFlowParams() map[string]any {
	params := map[string]any{}
	if flowPIN != "" {
		params["pin"] = flowPIN
	}
	if flowNewPIN != "" {
		params["new-pin"] = flowNewPIN
	}
	if flowNewPUK != "" {
		params["new-puk"] = flowNewPUK
	}
	if flowPairingPW != "" {
		params["new-pairing-pass"] = flowPairingPW
	}
	if flowPath != "" {
		if path, err := parseIndexes(flowPath); err == nil {
			params["path"] = path
			params["bip44-path"] = path
		}
	}
	if flowTxHash != "" {
		params["tx-hash"] = flowTxHash
	}
	if flowMnemonic != "" {
		params["mnemonic"] = flowMnemonic
	}
	if flowName != "" {
		params["name"] = flowName
	}
	if flowOverwrite {
		params["overwrite"] = true
	}
	for _, kv := range flowParamFlags {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			params[k] = v
		}
	}
	return params
}

// flowDriver collects signals emitted while a flow runs and answers
// each pause interactively, the CLI's counterpart to a mobile UI
// subscribed to the same bus.
type flowDriver struct {
	mu      sync.Mutex
	pending []signalbus.Signal
}

func newFlowDriver() *flowDriver {
	return &flowDriver{}
}

func (d *flowDriver) onSignal(s signalbus.Signal) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, s)
}

func (d *flowDriver) next() (signalbus.Signal, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return signalbus.Signal{}, false
	}
	s := d.pending[0]
	d.pending = d.pending[1:]
	return s, true
}

// run drains signals until the flow reports a result, prompting for
// whichever pause action is outstanding.
func (d *flowDriver) run(engine *flow.Engine, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		s, ok := d.next()
		if !ok {
			if time.Now().After(deadline) {
				err := fmt.Errorf("timed out waiting for the flow")
				printError(err.Error())
				return err
			}
			time.Sleep(50 * time.Millisecond)
			continue
		}
		deadline = time.Now().Add(timeout)

		if s.Type == flow.ActionFlowResult {
			return printFlowResult(s.Payload)
		}

		payload := s.Payload
		errorTag, _ := payload["error"].(string)
		if errorTag == flow.ErrWrongPIN {
			printWarning(fmt.Sprintf("wrong PIN, retries left: %v", payload["pin-retries"]))
		}

		printWarning(fmt.Sprintf("paused: %s (%s)", s.Type, errorTag))
		if !outputJSON {
			extra := map[string]any{}
			for k, v := range payload {
				if k != "error" {
					extra[k] = v
				}
			}
			output.PrintFlowPause(s.Type, errorTag, extra)
		}

		if s.Type == flow.ActionSwapCard || s.Type == flow.ActionInsertCard {
			// pause_and_restart / wait_for_card: the body resumes on its
			// own once the condition is met, no ResumeFlow call needed.
			continue
		}

		if !waitForPaused(engine, 5*time.Second) {
			continue
		}
		resumeParams := promptForAction(s.Type, errorTag)
		if err := engine.ResumeFlow(resumeParams); err != nil {
			printError(fmt.Sprintf("resume: %v", err))
			return err
		}
	}
}

func waitForPaused(engine *flow.Engine, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for engine.State() != flow.Paused {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
	return true
}

func printFlowResult(result map[string]any) error {
	errorTag, _ := result["error"].(string)
	if errorTag != flow.ErrOK && errorTag != "" {
		printError(fmt.Sprintf("flow failed: %s", errorTag))
		if outputJSON {
			emitJSON(result)
		}
		return fmt.Errorf("flow failed: %s", errorTag)
	}
	if outputJSON {
		emitJSON(result)
		return nil
	}
	printSuccess("flow completed")
	if key, ok := result["key"].(map[string]any); ok && currentFlowType == flow.ExportPublic {
		output.PrintWalletKey(flowPath, decodeWalletKeyMap(key))
		return nil
	}
	output.PrintFlowResult(result)
	return nil
}

// decodeWalletKeyMap reverses flow/params.go's walletKeyToMap rendering,
// for the CLI's table output path.
func decodeWalletKeyMap(m map[string]any) keycard.WalletKey {
	var k keycard.WalletKey
	if s, ok := m["public-key"].(string); ok {
		k.PublicKey, _ = hex.DecodeString(s)
	}
	if s, ok := m["address"].(string); ok {
		k.Address, _ = hex.DecodeString(s)
	}
	if s, ok := m["private-key"].(string); ok {
		k.PrivateKey, _ = hex.DecodeString(s)
	}
	if s, ok := m["chain-code"].(string); ok {
		k.ChainCode, _ = hex.DecodeString(s)
	}
	return k
}

// promptForAction asks the user for exactly the parameters the named
// pause point expects, per flow/flows.go's pause call sites.
func promptForAction(action, errorTag string) map[string]any {
	params := map[string]any{}
	switch action {
	case flow.ActionEnterPIN:
		params["pin"] = promptSecret("PIN")
	case flow.ActionEnterPairing:
		params["pairing-pass"] = promptSecret("Pairing password")
	case flow.ActionEnterNewPIN:
		if errorTag == flow.ErrRequireInit {
			params["new-pin"] = promptSecret("New PIN")
			params["new-puk"] = promptSecret("New PUK")
			params["new-pairing-pass"] = promptSecret("New pairing password (blank for default)")
		} else {
			params["new-pin"] = promptSecret("New PIN")
		}
	case flow.ActionEnterNewPUK:
		params["new-puk"] = promptSecret("New PUK")
	case flow.ActionEnterNewPair:
		params["new-pairing-pass"] = promptSecret("New pairing password")
	case flow.ActionEnterPath:
		path, err := parseIndexes(promptLine("BIP44 path (comma-separated)"))
		if err == nil {
			if currentFlowType == flow.ExportPublic {
				params["path"] = path
			} else {
				params["bip44-path"] = path
			}
		}
		if currentFlowType == flow.Sign && flowTxHash == "" {
			params["tx-hash"] = promptLine("Transaction hash (hex)")
		}
	case flow.ActionEnterMnemonic:
		params["mnemonic"] = promptLine("Mnemonic words")
	case flow.ActionEnterName:
		params["name"] = promptLine("Wallet name")
	}
	return params
}

func promptLine(label string) string {
	fmt.Printf("%s: ", label)
	var s string
	fmt.Scanln(&s)
	return s
}
