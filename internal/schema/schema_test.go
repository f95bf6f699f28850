package schema

import (
	"testing"

	"github.com/pairdesk/pairdesk/internal/rtdb"
)

func TestPaths(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"device", DevicePath("mobile_ab12"), "devices/mobile_ab12"},
		{"token", TokenPath("pair_x"), "pairing/pair_x"},
		{"commands", CommandsPath("desktop_cd34"), "messages/desktop_cd34/commands"},
		{"status", StatusPath("mobile_ab12"), "messages/mobile_ab12/status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestPairingWriteRule(t *testing.T) {
	rule := PairingWriteRule()

	unused := map[string]rtdb.Value{"used": false, "desktopId": "desktop_1"}
	used := map[string]rtdb.Value{"used": true, "desktopId": "desktop_1", "mobileId": "mobile_1"}

	tests := []struct {
		name string
		old  rtdb.Value
		new  rtdb.Value
		want bool
	}{
		{"creation unused", nil, unused, true},
		{"creation pre-used", nil, used, false},
		{"consume", unused, used, true},
		{"rewrite unused without consuming", unused, unused, false},
		{"double consume", used, used, false},
		{"unconsume", used, unused, false},
		{"delete", used, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rule.Allow(tt.old, tt.new); got != tt.want {
				t.Errorf("Allow() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMessageRoundTrip(t *testing.T) {
	fields := Message{Kind: KindProgress, Body: "halfway", Progress: 50}.Fields()
	// Simulate a store write resolving the server timestamp.
	fields["timestamp"] = int64(4200)

	msg := MessageFrom("-key1", map[string]rtdb.Value(fields))
	if msg.ID != "-key1" {
		t.Errorf("ID = %q, want -key1", msg.ID)
	}
	if msg.Kind != KindProgress || msg.Body != "halfway" || msg.Progress != 50 {
		t.Errorf("decoded = %+v", msg)
	}
	if msg.Timestamp != 4200 {
		t.Errorf("Timestamp = %d, want 4200", msg.Timestamp)
	}
}

func TestCommandFieldsStartUnprocessed(t *testing.T) {
	fields := Message{Kind: KindCommand, Text: "open notepad"}.Fields()
	if fields["processed"] != false {
		t.Errorf("processed = %v, want false on fresh commands", fields["processed"])
	}
	if fields["text"] != "open notepad" {
		t.Errorf("text = %v", fields["text"])
	}
	if _, ok := fields["timestamp"]; !ok {
		t.Error("commands must carry a server-assigned timestamp")
	}
}

func TestDeviceRecordFromTolerantDecoding(t *testing.T) {
	rec := DeviceRecordFrom("mobile_1", map[string]rtdb.Value{
		"type":     "mobile",
		"paired":   true,
		"lastSeen": float64(1234), // JSON transports land numbers as float64
	})
	if rec.Role != RoleMobile || !rec.Paired || rec.LastSeen != 1234 {
		t.Errorf("decoded = %+v", rec)
	}

	// A nil record decodes to a zero value, not a panic.
	zero := DeviceRecordFrom("mobile_1", nil)
	if zero.Paired || zero.PairedWith != "" {
		t.Errorf("zero decode = %+v", zero)
	}
}
