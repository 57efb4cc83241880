package transport

import "testing"

func TestMockSameUIDSuppression(t *testing.T) {
	m := NewMock()
	var events []Event
	m.Subscribe(func(e Event) { events = append(events, e) })

	m.Insert("aabbccdd")
	if len(events) != 1 {
		t.Fatalf("expected 1 event after first insert, got %d", len(events))
	}
	m.Insert("aabbccdd")
	if len(events) != 1 {
		t.Fatalf("expected same-UID re-tap to be suppressed, got %d events", len(events))
	}
	m.Remove()
	m.Insert("aabbccdd")
	if len(events) != 3 {
		t.Fatalf("expected target_detected to re-fire after target_lost, got %d events", len(events))
	}
}

func TestMockTransmitRecordsAndServesScript(t *testing.T) {
	m := NewMock()
	m.SetScript([][]byte{{0x90, 0x00}, {0x6A, 0x82}})

	resp, err := m.Transmit([]byte{0x00, 0xA4, 0x04, 0x00})
	if err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	if resp[0] != 0x90 {
		t.Fatalf("unexpected first response %v", resp)
	}
	resp2, err := m.Transmit([]byte{0x00, 0xB0, 0x00, 0x00})
	if err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	if resp2[0] != 0x6A {
		t.Fatalf("unexpected second response %v", resp2)
	}
	if len(m.Sent()) != 2 {
		t.Fatalf("expected 2 sent APDUs recorded, got %d", len(m.Sent()))
	}
}

func TestMockScriptExhausted(t *testing.T) {
	m := NewMock()
	if _, err := m.Transmit([]byte{0x00}); err == nil {
		t.Fatal("expected error when script is exhausted")
	}
}

func TestMockHandler(t *testing.T) {
	m := NewMock()
	m.SetHandler(func(apdu []byte) ([]byte, error) {
		return append([]byte{0xAA}, apdu...), nil
	})
	resp, err := m.Transmit([]byte{0x01, 0x02})
	if err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	if resp[0] != 0xAA {
		t.Fatalf("handler not invoked, got %v", resp)
	}
}
