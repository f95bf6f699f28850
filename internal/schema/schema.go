// Package schema fixes the store paths and record shapes both relay
// endpoints must honor. The desktop counterpart implements the mirror of
// this contract; any change here is a wire-protocol change.
package schema

import (
	"github.com/pairdesk/pairdesk/internal/rtdb"
)

// Role identifies which end of the relay a device is.
type Role string

const (
	RoleMobile  Role = "mobile"
	RoleDesktop Role = "desktop"
)

// TokenPrefix is the fixed literal every pairing token starts with.
const TokenPrefix = "pair_"

// TokenTTLSeconds is the validity window fixed at token issuance.
const TokenTTLSeconds = 5 * 60

// DevicePath returns devices/{deviceId}.
func DevicePath(deviceID string) string {
	return rtdb.Join("devices", deviceID)
}

// TokenPath returns pairing/{token}.
func TokenPath(token string) string {
	return rtdb.Join("pairing", token)
}

// CommandsPath returns messages/{deviceId}/commands, the device's command inbox.
func CommandsPath(deviceID string) string {
	return rtdb.Join("messages", deviceID, "commands")
}

// StatusPath returns messages/{deviceId}/status, the device's status inbox.
func StatusPath(deviceID string) string {
	return rtdb.Join("messages", deviceID, "status")
}

// DeviceRecord is one endpoint's registration under devices/{id}.
type DeviceRecord struct {
	ID         string
	Role       Role
	Paired     bool
	PairedWith string
	Online     bool
	LastSeen   int64
	UnpairedAt int64
}

// DeviceRecordFrom decodes a device record read from the store. The id is
// the path key, not a stored field.
func DeviceRecordFrom(id string, v rtdb.Value) DeviceRecord {
	m, _ := v.(map[string]rtdb.Value)
	return DeviceRecord{
		ID:         id,
		Role:       Role(stringField(m, "type")),
		Paired:     boolField(m, "paired"),
		PairedWith: stringField(m, "pairedWith"),
		Online:     boolField(m, "online"),
		LastSeen:   intField(m, "lastSeen"),
		UnpairedAt: intField(m, "unpairedAt"),
	}
}

// Token is a single-use pairing credential under pairing/{token}.
type Token struct {
	Token     string
	DesktopID string
	CreatedAt int64
	ExpiresAt int64
	Used      bool
	MobileID  string
	UsedAt    int64
}

// Fields encodes the token for its creation write.
func (t Token) Fields() map[string]rtdb.Value {
	return map[string]rtdb.Value{
		"desktopId": t.DesktopID,
		"createdAt": t.CreatedAt,
		"expiresAt": t.ExpiresAt,
		"used":      t.Used,
	}
}

// TokenFrom decodes a token record read from the store.
func TokenFrom(token string, v rtdb.Value) Token {
	m, _ := v.(map[string]rtdb.Value)
	return Token{
		Token:     token,
		DesktopID: stringField(m, "desktopId"),
		CreatedAt: intField(m, "createdAt"),
		ExpiresAt: intField(m, "expiresAt"),
		Used:      boolField(m, "used"),
		MobileID:  stringField(m, "mobileId"),
		UsedAt:    intField(m, "usedAt"),
	}
}

// Kind discriminates the message union. Every consumer must match all five
// cases.
type Kind string

const (
	KindCommand    Kind = "command"
	KindStatus     Kind = "status"
	KindProgress   Kind = "progress"
	KindError      Kind = "error"
	KindCompletion Kind = "completion"
)

// Message is one unit of the relay channel: a command heading desktop-wards
// or a status/progress/error/completion heading mobile-wards.
type Message struct {
	ID        string // store-assigned inbox key
	Kind      Kind
	Text      string // command text (KindCommand only)
	Body      string // human-readable status line (non-command kinds)
	Progress  int    // 0-100, KindProgress only
	ErrMsg    string // KindError only
	Timestamp int64  // epoch ms, tie-break ordering
	Processed bool   // commands: set by the consumer after dispatch
}

// Fields encodes the message for a push write. The timestamp is always
// server-assigned so ordering does not depend on device clocks.
func (msg Message) Fields() map[string]rtdb.Value {
	fields := map[string]rtdb.Value{
		"type":      string(msg.Kind),
		"timestamp": rtdb.ServerTimestamp,
	}
	switch msg.Kind {
	case KindCommand:
		fields["text"] = msg.Text
		fields["processed"] = false
	case KindProgress:
		fields["message"] = msg.Body
		fields["progress"] = msg.Progress
	case KindError:
		fields["message"] = msg.Body
		fields["errorMessage"] = msg.ErrMsg
	case KindStatus, KindCompletion:
		fields["message"] = msg.Body
	}
	return fields
}

// MessageFrom decodes an inbox entry. The id is the store-assigned key.
func MessageFrom(id string, v rtdb.Value) Message {
	m, _ := v.(map[string]rtdb.Value)
	return Message{
		ID:        id,
		Kind:      Kind(stringField(m, "type")),
		Text:      stringField(m, "text"),
		Body:      stringField(m, "message"),
		Progress:  int(intField(m, "progress")),
		ErrMsg:    stringField(m, "errorMessage"),
		Timestamp: intField(m, "timestamp"),
		Processed: boolField(m, "processed"),
	}
}

func stringField(m map[string]rtdb.Value, key string) string {
	s, _ := m[key].(string)
	return s
}

func boolField(m map[string]rtdb.Value, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func intField(m map[string]rtdb.Value, key string) int64 {
	switch n := m[key].(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
