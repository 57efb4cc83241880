package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ebfe/scard"
)

// PCSC is the desktop Channel backend. Grounded on the teacher's
// card/reader.go (github.com/ebfe/scard connect/transmit/disconnect),
// generalized from a one-shot CLI connection into a long-lived,
// event-emitting Channel: a dedicated goroutine calls
// scard.Context.GetStatusChange with an infinite timeout. Every call
// passes StateUnaware as each reader's current state, so it returns at
// once with the present states; the loop therefore re-checks the readers
// continuously and does not block waiting for a change.
type PCSC struct {
	baseChannel

	ctx *scard.Context

	cancel context.CancelFunc
	done   chan struct{}

	cardMu sync.Mutex
	card   *scard.Card
}

// NewPCSC establishes a PC/SC context. The context is released when
// StopDetection is called.
func NewPCSC() (*PCSC, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("transport: establish PC/SC context: %w", err)
	}
	return &PCSC{baseChannel: newBaseChannel(), ctx: ctx}, nil
}

// StartDetection is idempotent: calling it while already running has no
// effect beyond returning nil.
func (p *PCSC) StartDetection(ctx context.Context) error {
	if p.cancel != nil {
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.detectLoop(loopCtx)
	return nil
}

// StopDetection is idempotent.
func (p *PCSC) StopDetection() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel = nil
}

func (p *PCSC) detectLoop(ctx context.Context) {
	defer close(p.done)
	lastReaderCount := -1
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		readers, err := p.ctx.ListReaders()
		if err != nil {
			p.emit(Event{Kind: EventError, ErrorKind: ErrorKindTransport, ErrorMessage: err.Error()})
			return
		}
		available := len(readers) > 0
		if (available && lastReaderCount == 0) || (!available && lastReaderCount != 0) || lastReaderCount == -1 {
			p.emit(Event{Kind: EventReaderAvailabilityChanged, ReaderAvailable: available})
		}
		lastReaderCount = len(readers)
		if !available {
			// Re-check periodically for a reader to appear; there is no
			// blocking primitive to wait on "a reader exists" alone.
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
				continue
			}
		}

		states := make([]scard.ReaderState, len(readers))
		for i, r := range readers {
			states[i] = scard.ReaderState{Reader: r, CurrentState: scard.StateUnaware}
		}
		if err := p.ctx.GetStatusChange(states, scard.InfiniteTimeout); err != nil {
			p.emit(Event{Kind: EventError, ErrorKind: ErrorKindTransport, ErrorMessage: err.Error()})
			return
		}

		for i, st := range states {
			if st.EventState&scard.StatePresent != 0 && st.EventState&scard.StateMute == 0 {
				p.handlePresent(readers[i], st.Atr)
			} else if st.EventState&scard.StatePresent == 0 {
				p.handleAbsent()
			}
		}
	}
}

func (p *PCSC) handlePresent(readerName string, atr []byte) {
	uid := atrUID(atr)
	if !p.onTargetSeen(uid) {
		return
	}
	card, err := p.ctx.Connect(readerName, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		p.emit(Event{Kind: EventError, ErrorKind: ErrorKindTransport, ErrorMessage: err.Error()})
		return
	}
	p.cardMu.Lock()
	p.card = card
	p.cardMu.Unlock()
	p.emit(Event{Kind: EventTargetDetected, TargetUID: uid})
}

func (p *PCSC) handleAbsent() {
	p.cardMu.Lock()
	had := p.card != nil
	p.card = nil
	p.cardMu.Unlock()
	if !had {
		return
	}
	p.onTargetLost()
	p.emit(Event{Kind: EventTargetLost})
}

// atrUID reports the last two bytes of the ATR in lowercase hex, the
// UID convention spec.md §6 assigns to PC/SC ("the last two bytes of the
// ATR in lowercase hex").
func atrUID(atr []byte) string {
	if len(atr) < 2 {
		return fmt.Sprintf("%02x", atr)
	}
	tail := atr[len(atr)-2:]
	return fmt.Sprintf("%02x%02x", tail[0], tail[1])
}

// Transmit serializes concurrent callers so APDU exchanges never
// interleave on the channel, per spec.md §4.1/§5.
func (p *PCSC) Transmit(apduBytes []byte) ([]byte, error) {
	p.transmitMu.Lock()
	defer p.transmitMu.Unlock()

	p.cardMu.Lock()
	card := p.card
	p.cardMu.Unlock()
	if card == nil {
		return nil, ErrNotConnected
	}

	resp, err := card.Transmit(apduBytes)
	if err != nil {
		p.handleAbsent()
		return nil, fmt.Errorf("transport: transmit: %w", err)
	}
	return resp, nil
}

// Disconnect tears down the current target without stopping detection.
func (p *PCSC) Disconnect() {
	p.cardMu.Lock()
	card := p.card
	p.card = nil
	p.cardMu.Unlock()
	if card != nil {
		card.Disconnect(scard.LeaveCard)
	}
	p.onTargetLost()
}

// ForceScan disconnects and re-arms detection so the same physical card
// is reported again via TargetDetected, per spec.md §4.1.
func (p *PCSC) ForceScan() {
	p.Disconnect()
}

// Close releases the underlying PC/SC context. Call after StopDetection.
func (p *PCSC) Close() error {
	return p.ctx.Release()
}
