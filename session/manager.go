package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/status-keycard/keycard-go/commandset"
	"github.com/status-keycard/keycard-go/cryptoutil"
	"github.com/status-keycard/keycard-go/internal/corelog"
	"github.com/status-keycard/keycard-go/keycard"
	"github.com/status-keycard/keycard-go/pairing"
	"github.com/status-keycard/keycard-go/signalbus"
	"github.com/status-keycard/keycard-go/transport"
)

// publicMetadataSlot is the public data slot metadata lives in, per
// spec.md §6 "On-card metadata blob (stored in public data slot 0x00)".
const publicMetadataSlot = 0x00

// Snapshot is the structured card snapshot spec.md §4.3's status
// reporting and §4.4's signal envelopes both embed.
type Snapshot struct {
	State       State
	Info        keycard.ApplicationInfo
	Status      keycard.ApplicationStatus
	Metadata    keycard.Metadata
	MetadataErr error
}

// Manager is the Session Manager of spec.md §4.3: it owns exactly one
// Channel, creates a fresh CommandSet per card insertion, and drives the
// connect sequence and state machine. Grounded on the teacher's
// cmd/root.go connectAndPrepareReader, generalized from a one-shot CLI
// sequence into an event-driven, repeatable one.
type Manager struct {
	log  corelog.Logger
	bus  *signalbus.Bus
	opMu sync.Mutex

	mu         sync.Mutex
	started    bool
	channel    transport.Channel
	unsubscribe func()
	store      *pairing.Store

	cmds        *commandset.CommandSet
	state       State
	currentUID  string
	info        keycard.ApplicationInfo
	metadata    keycard.Metadata
	metadataErr error
}

// WalletKeys is the bundle of standard derivation-path exports spec.md
// §4.3's "Key export" names as contract paths.
type WalletKeys struct {
	Master     keycard.WalletKey
	WalletRoot keycard.WalletKey
	Wallet     keycard.WalletKey
	EIP1581    keycard.WalletKey
	Whisper    keycard.WalletKey
	Encryption keycard.WalletKey
}

// New creates a Manager bound to channel and bus. bus may be shared with
// a Flow Engine; log may be corelog.NoOp() in tests.
func New(channel transport.Channel, bus *signalbus.Bus, log corelog.Logger) *Manager {
	if log == nil {
		log = corelog.NoOp()
	}
	return &Manager{channel: channel, bus: bus, log: log, state: UnknownReaderState}
}

// Start begins reader/target detection and loads the pairing store at
// storagePath. It is idempotent-rejecting (spec.md §4.3): a second call
// without an intervening Stop returns ErrAlreadyStarted. It does not
// create a CommandSet; one is created only once a card is detected.
func (m *Manager) Start(ctx context.Context, storagePath string) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.store = pairing.NewStore(storagePath)
	m.state = WaitingForReader
	m.unsubscribe = m.channel.Subscribe(m.handleEvent)
	m.mu.Unlock()

	if err := m.channel.StartDetection(ctx); err != nil {
		m.mu.Lock()
		m.started = false
		m.state = ReaderConnectionError
		m.mu.Unlock()
		return fmt.Errorf("session: start detection: %w", err)
	}
	return nil
}

// Stop tears down detection and any live card connection. Safe to call
// even if Start was never called. Acquires the operation mutex first, so
// Stop never races an in-flight APDU exchange (spec.md §4.3 concurrency
// note).
func (m *Manager) Stop() {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	m.channel.StopDetection()
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	m.cmds = nil
	m.info = keycard.ApplicationInfo{}
	m.metadata = keycard.Metadata{}
	m.metadataErr = nil
	m.started = false
	m.state = UnknownReaderState
}

func (m *Manager) handleEvent(e transport.Event) {
	switch e.Kind {
	case transport.EventReaderAvailabilityChanged:
		m.onReaderAvailabilityChanged(e.ReaderAvailable)
	case transport.EventTargetDetected:
		m.onTargetDetected(e.TargetUID)
	case transport.EventTargetLost:
		m.onTargetLost()
	case transport.EventError:
		m.onChannelError(e)
	}
}

// onReaderAvailabilityChanged implements spec.md §4.3: becoming
// available while in UnknownReaderState or WaitingForReader tears down
// any lingering CommandSet and moves to WaitingForCard, and in any other
// state is ignored; becoming unavailable moves to NoReadersFound.
func (m *Manager) onReaderAvailabilityChanged(available bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !available {
		m.state = NoReadersFound
		m.cmds = nil
		return
	}
	if m.state == UnknownReaderState || m.state == WaitingForReader {
		m.cmds = nil
		m.state = WaitingForCard
	}
}

func (m *Manager) onTargetLost() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cmds = nil
	m.info = keycard.ApplicationInfo{}
	m.state = WaitingForCard
}

func (m *Manager) onChannelError(e transport.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ErrorKind == transport.ErrorKindProtocol {
		m.state = ConnectionError
		return
	}
	m.state = ReaderConnectionError
}

// onTargetDetected runs the 8-step connect sequence of spec.md §4.3. A
// fresh CommandSet is created for every insertion; nothing from a prior
// card's session is reused.
func (m *Manager) onTargetDetected(uid string) {
	m.mu.Lock()
	if uid == m.currentUID && (m.state == Ready || m.state == Authorized || m.state == ConnectingCard) {
		m.mu.Unlock()
		return
	}
	m.currentUID = uid
	m.mu.Unlock()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	m.state = ConnectingCard
	cmds := commandset.New(m.channel)
	m.cmds = cmds
	store := m.store
	m.mu.Unlock()

	m.emitStatus()

	// Step 1: SELECT.
	info, err := cmds.Select()
	if err != nil {
		m.log.Warn("select failed", "uid", uid, "err", err)
		m.setState(ConnectionError)
		return
	}

	// Step 2: NotKeycard check — SELECT succeeded but returned neither
	// instance UID nor secure-channel public key (ApplicationInfo.Valid
	// already enforces this inside Select; this branch covers an
	// installed-but-unrecognized applet surfaced as success with no
	// usable fields).
	if !info.Installed {
		m.setState(NotKeycard)
		return
	}

	m.mu.Lock()
	m.info = info
	m.mu.Unlock()

	// Step 3: EmptyKeycard check — installed but never initialized.
	if !info.Initialized {
		m.setState(EmptyKeycard)
		return
	}

	// Step 4: pairing lookup / attempt-with-default-password / persist.
	pairingInfo, found, err := store.Get(info.InstanceUID)
	if err != nil {
		m.log.Warn("pairing store read failed", "err", err)
		m.setState(PairingError)
		return
	}
	if !found {
		pairingInfo, err = cmds.Pair(info.SecureChannelPublicKey, keycard.DefaultPairingPassword)
		if err != nil {
			switch err.(type) {
			case keycard.NoAvailableSlots:
				m.setState(PairingError)
				return
			case keycard.WrongPairingPassword:
				// spec.md §4.3: Session API surfaces failure rather than
				// pausing for a password, unlike the Flow API.
				m.setState(PairingError)
				return
			default:
				m.log.Warn("pair failed", "err", err)
				m.setState(ConnectionError)
				return
			}
		}
		if err := store.Put(info.InstanceUID, pairingInfo); err != nil {
			m.log.Warn("pairing store write failed", "err", err)
		}
	}

	// Step 5: open_secure_channel.
	if err := cmds.OpenSecureChannel(info.SecureChannelPublicKey, pairingInfo); err != nil {
		m.log.Warn("open_secure_channel failed", "err", err)
		m.setState(ConnectionError)
		return
	}

	// Step 6: mandatory immediate get_status (spec.md §4.2's note on
	// 0x6F05/0x6F00 being symptomatic of skipping this).
	status, err := cmds.GetStatus()
	if err != nil {
		m.log.Warn("get_status failed", "err", err)
		m.setState(ConnectionError)
		return
	}
	if status.PINRetryCount == 0 {
		m.setState(BlockedPIN)
		return
	}
	if status.PUKRetryCount == 0 {
		m.setState(BlockedPUK)
		return
	}

	// Step 7: best-effort metadata fetch.
	m.mu.Lock()
	raw, mErr := cmds.GetData(publicMetadataSlot)
	if mErr != nil {
		m.metadataErr = mErr
		m.metadata = keycard.Metadata{}
	} else {
		md, decodeErr := keycard.DecodeMetadata(raw)
		m.metadataErr = decodeErr
		m.metadata = md
	}
	m.mu.Unlock()

	// Step 8: Ready.
	m.setState(Ready)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	m.emitStatus()
}

// emitStatus publishes a "status-changed" signal carrying the current
// snapshot, per spec.md §6's signal envelope for the Session Manager.
func (m *Manager) emitStatus() {
	if m.bus == nil {
		return
	}
	snap := m.Status()
	m.bus.Emit(signalbus.Signal{
		Type: "status-changed",
		Payload: map[string]any{
			"state":    snap.State.String(),
			"info":     snap.Info,
			"status":   snap.Status,
			"metadata": snap.Metadata,
		},
	})
}

// Status returns a structured snapshot built only from cached state; it
// never issues an APDU (spec.md §4.3 "Status reporting").
func (m *Manager) Status() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{State: m.state, Info: m.info, Metadata: m.metadata, MetadataErr: m.metadataErr}
	if m.cmds != nil {
		snap.Status = m.cmds.CachedApplicationStatus()
	} else {
		snap.Status = keycard.UnknownApplicationStatus
	}
	return snap
}

// Authorize verifies pin against the connected card and, on success,
// transitions Ready → Authorized. Requires State() == Ready.
func (m *Manager) Authorize(pin string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	cmds := m.cmds
	state := m.state
	m.mu.Unlock()

	if state != Ready || cmds == nil {
		return keycard.StateError{Message: "session: Authorize requires state Ready"}
	}

	if err := cmds.VerifyPIN(pin); err != nil {
		switch e := err.(type) {
		case keycard.PINBlocked:
			m.setState(BlockedPIN)
			return e
		default:
			return err
		}
	}

	if _, err := cmds.GetStatus(); err != nil {
		m.log.Warn("get_status after authorize failed", "err", err)
	}
	m.setState(Authorized)
	return nil
}

// State returns the current SessionState.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Initialize personalizes a freshly-installed applet and, per spec.md
// §4.3's "INIT, factory-reset" post-conditions, invalidates the current
// session structurally: it tears down the Command Set, clears the
// tracked UID and authorization, disconnects, and forces a re-scan so
// the full connect sequence runs again against the now-personalized
// card.
func (m *Manager) Initialize(pin, puk, pairingPassword string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	cmds := m.cmds
	info := m.info
	m.mu.Unlock()
	if cmds == nil {
		return keycard.StateError{Message: "session: Initialize requires a connected card"}
	}

	secrets := keycard.Secrets{PIN: pin, PUK: puk, PairingPassword: pairingPassword}
	if err := cmds.Init(info.SecureChannelPublicKey, secrets); err != nil {
		return err
	}
	m.invalidateAfterStructuralChange()
	return nil
}

// FactoryReset wipes the applet back to its pre-initialized state and
// invalidates the current session the same way Initialize does.
func (m *Manager) FactoryReset() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	cmds := m.cmds
	m.mu.Unlock()
	if cmds == nil {
		return keycard.StateError{Message: "session: FactoryReset requires a connected card"}
	}

	if err := cmds.FactoryReset(); err != nil {
		return err
	}
	m.invalidateAfterStructuralChange()
	return nil
}

func (m *Manager) invalidateAfterStructuralChange() {
	m.mu.Lock()
	m.cmds = nil
	m.currentUID = ""
	m.info = keycard.ApplicationInfo{}
	m.metadata = keycard.Metadata{}
	m.metadataErr = nil
	m.state = WaitingForCard
	m.mu.Unlock()
	m.channel.Disconnect()
	m.channel.ForceScan()
}

// ExportWalletKeys exports the full standard bundle of spec.md §4.3's
// contract paths. Requires Authorized. The first export on the wire
// passes make_current=true to seed the card's implicit current-key
// pointer; every later export in the call passes make_current=false.
// The wallet-root export uses the extended-key variant iff the applet
// version supports it.
func (m *Manager) ExportWalletKeys() (WalletKeys, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	cmds := m.cmds
	info := m.info
	state := m.state
	m.mu.Unlock()
	if state != Authorized || cmds == nil {
		return WalletKeys{}, keycard.StateError{Message: "session: ExportWalletKeys requires state Authorized"}
	}

	var keys WalletKeys
	first := true
	makeCurrent := func() bool {
		if first {
			first = false
			return true
		}
		return false
	}

	var err error
	if keys.Master, err = cmds.ExportKey(true, makeCurrent(), keycard.MasterPath, keycard.ExportPrivateAndPublic); err != nil {
		return WalletKeys{}, err
	}
	if info.WalletRootExtendedSupported() {
		keys.WalletRoot, err = cmds.ExportKeyExtended(true, makeCurrent(), keycard.WalletRootPath)
	} else {
		keys.WalletRoot, err = cmds.ExportKey(true, makeCurrent(), keycard.WalletRootPath, keycard.ExportPrivateAndPublic)
	}
	if err != nil {
		return WalletKeys{}, err
	}
	if keys.Wallet, err = cmds.ExportKey(true, makeCurrent(), keycard.WalletPath, keycard.ExportPrivateAndPublic); err != nil {
		return WalletKeys{}, err
	}
	if keys.EIP1581, err = cmds.ExportKey(true, makeCurrent(), keycard.EIP1581Path, keycard.ExportPrivateAndPublic); err != nil {
		return WalletKeys{}, err
	}
	if keys.Whisper, err = cmds.ExportKey(true, makeCurrent(), keycard.WhisperPath, keycard.ExportPrivateAndPublic); err != nil {
		return WalletKeys{}, err
	}
	if keys.Encryption, err = cmds.ExportKey(true, makeCurrent(), keycard.EncryptionPath, keycard.ExportPrivateAndPublic); err != nil {
		return WalletKeys{}, err
	}
	return keys, nil
}

// LoadMnemonic derives a BIP39 seed from mnemonic/passphrase and installs
// it as the card's master key, returning the resulting key UID as lower-
// case hex.
func (m *Manager) LoadMnemonic(mnemonic, passphrase string) (string, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	cmds := m.cmds
	state := m.state
	m.mu.Unlock()
	if state != Authorized || cmds == nil {
		return "", keycard.StateError{Message: "session: LoadMnemonic requires state Authorized"}
	}

	seed := cryptoutil.BIP39Seed(mnemonic, passphrase)
	keyUID, err := cmds.LoadSeed(seed)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", keyUID), nil
}

// StoreMetadata encodes name and the wallet indices in use, and writes
// the blob to the public metadata slot, per spec.md §4.3's "Metadata
// store".
func (m *Manager) StoreMetadata(name string, walletIndexes []uint32) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	cmds := m.cmds
	state := m.state
	m.mu.Unlock()
	if state != Authorized || cmds == nil {
		return keycard.StateError{Message: "session: StoreMetadata requires state Authorized"}
	}

	blob, err := keycard.EncodeMetadata(keycard.Metadata{Name: name, Indexes: walletIndexes})
	if err != nil {
		return err
	}
	if err := cmds.StoreData(publicMetadataSlot, blob); err != nil {
		return err
	}
	m.mu.Lock()
	m.metadata = keycard.Metadata{Name: name, Indexes: walletIndexes}
	m.metadataErr = nil
	m.mu.Unlock()
	return nil
}
