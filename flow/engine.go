package flow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/status-keycard/keycard-go/commandset"
	"github.com/status-keycard/keycard-go/internal/corelog"
	"github.com/status-keycard/keycard-go/keycard"
	"github.com/status-keycard/keycard-go/pairing"
	"github.com/status-keycard/keycard-go/signalbus"
	"github.com/status-keycard/keycard-go/transport"
)

// cardWaitTick is the optimistic wait spec.md §4.4 requires before the
// first insert-card pause, so a card arriving near-simultaneously with
// start_flow never blinks the UI.
const cardWaitTick = 150 * time.Millisecond

// publicMetadataSlot is the public data slot metadata lives in, per
// spec.md §3/§4.3.
const publicMetadataSlot = 0x00

// flowBody is one flow's full body, run on the engine's worker
// goroutine. It returns the result envelope on success; a non-nil error
// from suspend() (Cancelled, or a real card error) ends the flow.
type flowBody func(e *Engine, fc *flowContext) (map[string]any, error)

// registry maps FlowType to its body, populated by flows.go's init.
var registry = map[FlowType]flowBody{}

// flowRun is the live state of the single active flow.
type flowRun struct {
	typ      FlowType
	params   map[string]any
	cancelCh chan struct{}
	doneCh   chan struct{}

	resumeMu sync.Mutex
	resumeCh chan map[string]any
}

// flowContext is threaded through a flow body; info/status are the
// flow's cached card snapshot, refreshed by selectKeycard and
// openSecureChannelAndAuthenticate, and echoed into every pause event.
type flowContext struct {
	run    *flowRun
	info   keycard.ApplicationInfo
	status keycard.ApplicationStatus
}

func (fc *flowContext) params() map[string]any { return fc.run.params }

// restartSignal is returned by a flow body that called pauseAndRestart;
// executeFlow treats it as "clear snapshot, run the body again" rather
// than a terminal error.
type restartSignal struct{}

func (restartSignal) Error() string { return "flow: restart requested" }

// Engine is the Flow Engine of spec.md §4.4: one Channel, one
// persistent Command Set kept across successive flows against the same
// card, one Pairing Store, one Signal Bus, and a single active flow.
type Engine struct {
	channel transport.Channel
	store   *pairing.Store
	bus     *signalbus.Bus
	log     corelog.Logger

	mu      sync.Mutex
	state   FlowState
	run     *flowRun
	cmds    *commandset.CommandSet
	cmdsUID string
	open    bool

	unsubscribe func()

	presenceMu  sync.Mutex
	cardPresent bool
	cardUID     string
	waiters     []chan struct{}
}

// New creates an Engine bound to channel/store/bus. Call Init before
// starting any flow.
func New(channel transport.Channel, store *pairing.Store, bus *signalbus.Bus, log corelog.Logger) *Engine {
	if log == nil {
		log = corelog.NoOp()
	}
	return &Engine{channel: channel, store: store, bus: bus, log: log, state: Idle}
}

// Init binds the engine to its Channel's event stream and begins
// continuous detection, per spec.md §4.4's `init(storage_path, channel)`
// / `start_continuous_detection`.
func (e *Engine) Init(ctx context.Context) error {
	e.unsubscribe = e.channel.Subscribe(e.handleEvent)
	return e.StartContinuousDetection(ctx)
}

// StartContinuousDetection wraps Channel.StartDetection; kept continuous
// across flows per spec.md §4.4.
func (e *Engine) StartContinuousDetection(ctx context.Context) error {
	return e.channel.StartDetection(ctx)
}

// StopContinuousDetection wraps Channel.StopDetection.
func (e *Engine) StopContinuousDetection() {
	e.channel.StopDetection()
}

// Close unsubscribes from the Channel; the engine must not be reused
// afterward.
func (e *Engine) Close() {
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
}

func (e *Engine) handleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventTargetDetected:
		e.presenceMu.Lock()
		e.cardPresent = true
		e.cardUID = ev.TargetUID
		waiters := e.waiters
		e.waiters = nil
		e.presenceMu.Unlock()
		for _, w := range waiters {
			close(w)
		}
	case transport.EventTargetLost:
		e.presenceMu.Lock()
		e.cardPresent = false
		e.presenceMu.Unlock()
	}
}

func (e *Engine) isCardPresent() (bool, string) {
	e.presenceMu.Lock()
	defer e.presenceMu.Unlock()
	return e.cardPresent, e.cardUID
}

// subscribeCardArrival returns a channel closed the next time a card is
// detected, or nil if a card is already present.
func (e *Engine) subscribeCardArrival() chan struct{} {
	e.presenceMu.Lock()
	defer e.presenceMu.Unlock()
	if e.cardPresent {
		return nil
	}
	ch := make(chan struct{})
	e.waiters = append(e.waiters, ch)
	return ch
}

// State returns the engine's current FlowState.
func (e *Engine) State() FlowState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s FlowState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// StartFlow allocates the named flow, transitions Idle → Running, and
// runs it asynchronously. Returns ErrAlreadyRunning if a flow is already
// active, ErrUnknownFlow for an unregistered FlowType.
func (e *Engine) StartFlow(typ FlowType, params map[string]any) error {
	body, ok := registry[typ]
	if !ok {
		return ErrUnknownFlow
	}

	e.mu.Lock()
	if e.state != Idle {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	if params == nil {
		params = map[string]any{}
	}
	run := &flowRun{
		typ:      typ,
		params:   params,
		cancelCh: make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	e.run = run
	e.state = Running
	e.mu.Unlock()

	go e.execute(run, body)
	return nil
}

// execute is the top-level loop of spec.md §4.4: it re-invokes body from
// the top whenever the body signals a restart, clearing the card
// snapshot first.
func (e *Engine) execute(run *flowRun, body flowBody) {
	defer close(run.doneCh)

	fc := &flowContext{run: run}
	var result map[string]any
	var err error
	for {
		result, err = body(e, fc)
		if _, restart := err.(restartSignal); restart {
			fc.info = keycard.ApplicationInfo{}
			fc.status = keycard.UnknownApplicationStatus
			continue
		}
		break
	}

	e.mu.Lock()
	e.run = nil
	e.state = Idle
	e.mu.Unlock()

	envelope := buildSnapshot(fc, errorTagFor(err))
	if err == nil {
		for k, v := range result {
			envelope[k] = v
		}
	}
	e.bus.Emit(signalbus.Signal{Type: ActionFlowResult, Payload: envelope})
}

func errorTagFor(err error) string {
	switch e := err.(type) {
	case nil:
		return ErrOK
	case keycard.Cancelled:
		return ErrCancelled
	case keycard.PINBlocked:
		return ErrPINBlocked
	case keycard.PUKBlocked:
		return ErrPINBlocked
	case keycard.NoAvailableSlots:
		return ErrCardError
	case keycard.StateError:
		return ErrCardError
	default:
		_ = e
		return ErrCardError
	}
}

// ResumeFlow requires Paused; it delivers params to the pause point and
// transitions Paused → Resuming → Running.
func (e *Engine) ResumeFlow(params map[string]any) error {
	e.mu.Lock()
	if e.state != Paused || e.run == nil {
		e.mu.Unlock()
		return ErrNotPaused
	}
	run := e.run
	e.state = Resuming
	e.mu.Unlock()

	if params == nil {
		params = map[string]any{}
	}

	run.resumeMu.Lock()
	ch := run.resumeCh
	run.resumeMu.Unlock()
	if ch == nil {
		return ErrNotPaused
	}
	ch <- params
	return nil
}

// CancelFlow transitions to Cancelling, wakes the flow, and waits for
// its worker goroutine to observe the cancellation and exit before
// returning to Idle. Cancellation never interrupts an in-flight APDU:
// it only takes effect at the next suspension point.
func (e *Engine) CancelFlow() error {
	e.mu.Lock()
	if e.state == Idle || e.run == nil {
		e.mu.Unlock()
		return ErrNotRunning
	}
	run := e.run
	e.state = Cancelling
	e.mu.Unlock()

	closeOnce(run.cancelCh)
	<-run.doneCh
	return nil
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// suspend is the shared primitive behind pauseAndWait and wait_for_card:
// it emits actionTag with a built event, transitions to Paused, and
// blocks until resumed, cancelled, or (if extraWake is non-nil) some
// other externally-observed condition becomes true.
func (e *Engine) suspend(fc *flowContext, actionTag, errorTag string, statusExtra map[string]any, extraWake <-chan struct{}) (map[string]any, error) {
	event := buildSnapshot(fc, errorTag)
	for k, v := range statusExtra {
		event[k] = v
	}
	e.bus.Emit(signalbus.Signal{Type: actionTag, Payload: event})

	run := fc.run
	resumeCh := make(chan map[string]any)
	run.resumeMu.Lock()
	run.resumeCh = resumeCh
	run.resumeMu.Unlock()
	e.setState(Paused)

	defer func() {
		run.resumeMu.Lock()
		run.resumeCh = nil
		run.resumeMu.Unlock()
	}()

	select {
	case <-run.cancelCh:
		return nil, keycard.Cancelled{}
	case p := <-resumeCh:
		e.setState(Running)
		for k, v := range p {
			run.params[k] = v
		}
		return run.params, nil
	case <-extraWake:
		e.setState(Running)
		return run.params, nil
	}
}

// pauseAndWait implements spec.md §4.4's `pause_and_wait`.
func (e *Engine) pauseAndWait(fc *flowContext, actionTag, errorTag string, statusExtra map[string]any) (map[string]any, error) {
	return e.suspend(fc, actionTag, errorTag, statusExtra, nil)
}

// pauseAndRestart implements `pause_and_restart`: it emits the signal
// and returns a restartSignal for the body to propagate immediately,
// rather than blocking here — the actual wait for the swapped card
// happens the next time execute() re-invokes the body and it reaches
// waitForCard.
func (e *Engine) pauseAndRestart(fc *flowContext, actionTag, errorTag string) error {
	event := buildSnapshot(fc, errorTag)
	e.bus.Emit(signalbus.Signal{Type: actionTag, Payload: event})
	return restartSignal{}
}

// waitForCard implements spec.md §4.4's `wait_for_card`: an optimistic
// 150ms wait, then pause-and-retry until the channel reports a target.
func (e *Engine) waitForCard(fc *flowContext) error {
	if present, _ := e.isCardPresent(); present {
		return nil
	}
	time.Sleep(cardWaitTick)
	for {
		if present, _ := e.isCardPresent(); present {
			return nil
		}
		select {
		case <-fc.run.cancelCh:
			return keycard.Cancelled{}
		default:
		}
		arrived := e.subscribeCardArrival()
		if arrived == nil {
			return nil
		}
		if _, err := e.suspend(fc, ActionInsertCard, ErrConnectionError, nil, arrived); err != nil {
			return err
		}
	}
}

// commandSet returns the engine's current Command Set, set up by
// selectKeycard. Flow bodies call it after the prelude has run.
func (e *Engine) commandSet() *commandset.CommandSet {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cmds
}

// selectKeycard issues SELECT against a Command Set fresh for the
// current card UID, reusing one across flows for as long as the same
// physical card stays connected (spec.md §4.4's persistent Command Set,
// bounded to one card instance at a time).
func (e *Engine) selectKeycard(fc *flowContext) error {
	_, uid := e.isCardPresent()
	e.mu.Lock()
	if e.cmds == nil || e.cmdsUID != uid {
		e.cmds = commandset.New(e.channel)
		e.cmdsUID = uid
		e.open = false
	}
	cmds := e.cmds
	e.mu.Unlock()

	info, err := cmds.Select()
	if err != nil {
		return err
	}
	fc.info = info
	return nil
}

// openSecureChannelAndAuthenticate implements spec.md §4.4's prelude
// step of the same name: pairing lookup (default password, then
// user-supplied on WrongPairingPassword), open_secure_channel once per
// card instance, and optionally verify_pin with re-prompt-on-wrong-PIN.
func (e *Engine) openSecureChannelAndAuthenticate(fc *flowContext, pinRequired bool) error {
	e.mu.Lock()
	cmds := e.cmds
	alreadyOpen := e.open
	e.mu.Unlock()

	if !alreadyOpen {
		pairingInfo, found, err := e.store.Get(fc.info.InstanceUID)
		if err != nil {
			return err
		}
		if !found {
			pairingInfo, err = cmds.Pair(fc.info.SecureChannelPublicKey, keycard.DefaultPairingPassword)
			for {
				if err == nil {
					break
				}
				if _, ok := err.(keycard.WrongPairingPassword); !ok {
					return err
				}
				params, werr := e.pauseAndWait(fc, ActionEnterPairing, ErrEnterPairing, nil)
				if werr != nil {
					return werr
				}
				pw, _ := params["pairing-pass"].(string)
				pairingInfo, err = cmds.Pair(fc.info.SecureChannelPublicKey, pw)
			}
			if err := e.store.Put(fc.info.InstanceUID, pairingInfo); err != nil {
				e.log.Warn("pairing store write failed", "err", err)
			}
		}
		if err := cmds.OpenSecureChannel(fc.info.SecureChannelPublicKey, pairingInfo); err != nil {
			return err
		}
		e.mu.Lock()
		e.open = true
		e.mu.Unlock()
		status, err := cmds.GetStatus()
		if err != nil {
			return err
		}
		fc.status = status
	}

	if !pinRequired {
		return nil
	}

	pin, _ := fc.params()["pin"].(string)
	errTag := ErrEnterPIN
	var statusExtra map[string]any
	for {
		if pin == "" {
			params, werr := e.pauseAndWait(fc, ActionEnterPIN, errTag, statusExtra)
			if werr != nil {
				return werr
			}
			pin, _ = params["pin"].(string)
			continue
		}
		verr := cmds.VerifyPIN(pin)
		if verr == nil {
			if st, err := cmds.GetStatus(); err == nil {
				fc.status = st
			}
			return nil
		}
		pin = ""
		switch wp := verr.(type) {
		case keycard.PINBlocked:
			return wp
		case keycard.WrongPIN:
			fc.status.PINRetryCount = wp.Remaining
			errTag = ErrWrongPIN
			statusExtra = map[string]any{"pin-retries": wp.Remaining}
		default:
			return verr
		}
	}
}

// buildSnapshot is the card snapshot spec.md §4.4 step 1 requires on
// every pause event and §4.4's result envelope: instance/key UIDs, free
// slots, PIN/PUK retries, plus the error tag.
func buildSnapshot(fc *flowContext, errorTag string) map[string]any {
	event := map[string]any{
		"error":            errorTag,
		"instance-uid":     fmt.Sprintf("%x", fc.info.InstanceUID),
		"key-uid":          fmt.Sprintf("%x", fc.info.KeyUID),
		"free-pairing-slots": fc.info.AvailablePairingSlots,
		"pin-retries":      fc.status.PINRetryCount,
		"puk-retries":      fc.status.PUKRetryCount,
	}
	return event
}
