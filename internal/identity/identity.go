// Package identity owns the locally generated stable device identifier and
// the locally cached pairing state. The remote device record stays the
// source of truth for pairing; the local cache only makes precondition
// checks synchronous and survives restarts.
package identity

import (
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pairdesk/pairdesk/internal/schema"
	"github.com/pairdesk/pairdesk/internal/store"
	"go.uber.org/zap"
)

const (
	keyDeviceID   = "device_id"
	keyPairedWith = "paired_with"
)

// Manager persists a stable device id across restarts. A nil db degrades to
// session-only identity: the process still works, it just pairs as a fresh
// device next launch.
type Manager struct {
	db     *store.DB
	role   schema.Role
	logger *zap.Logger

	mu         sync.Mutex
	deviceID   string
	pairedWith string
}

// NewManager creates an identity manager for the given role. db may be nil
// when local storage is unavailable.
func NewManager(db *store.DB, role schema.Role, logger *zap.Logger) *Manager {
	return &Manager{db: db, role: role, logger: logger}
}

// Role returns the device role.
func (m *Manager) Role() schema.Role {
	return m.role
}

// DeviceID returns the stable device identifier, generating and persisting
// one on first call. Storage failures degrade to a session-only id with a
// warning, never a hard failure.
func (m *Manager) DeviceID() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deviceID != "" {
		return m.deviceID
	}

	if m.db != nil {
		id, ok, err := m.db.GetKV(keyDeviceID)
		if err != nil {
			m.logger.Warn("identity storage unreadable, using session-only id", zap.Error(err))
		} else if ok {
			m.deviceID = id
			m.loadPairingLocked()
			return m.deviceID
		}
	}

	m.deviceID = generateID(m.role)
	if m.db != nil {
		if err := m.db.SetKV(keyDeviceID, m.deviceID); err != nil {
			m.logger.Warn("failed to persist device id, using session-only id", zap.Error(err))
		}
	}
	m.logger.Info("device identity created", zap.String("device_id", m.deviceID))
	return m.deviceID
}

// PairedWith returns the locally cached counterpart id, or empty when the
// device has no local record of a pairing.
func (m *Manager) PairedWith() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pairedWith == "" {
		m.loadPairingLocked()
	}
	return m.pairedWith
}

// RememberPairing caches the counterpart id locally.
func (m *Manager) RememberPairing(counterpart string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairedWith = counterpart
	if m.db == nil {
		return
	}
	if err := m.db.SetKV(keyPairedWith, counterpart); err != nil {
		m.logger.Warn("failed to persist pairing state", zap.Error(err))
	}
}

// ForgetPairing clears the local pairing cache.
func (m *Manager) ForgetPairing() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairedWith = ""
	if m.db == nil {
		return
	}
	if err := m.db.DeleteKV(keyPairedWith); err != nil {
		m.logger.Warn("failed to clear pairing state", zap.Error(err))
	}
}

func (m *Manager) loadPairingLocked() {
	if m.db == nil {
		return
	}
	if counterpart, ok, err := m.db.GetKV(keyPairedWith); err == nil && ok {
		m.pairedWith = counterpart
	}
}

// generateID builds a role-tagged identifier, e.g. mobile_3f2a9c1d8e4b6a05.
func generateID(role schema.Role) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return string(role) + "_" + raw[:16]
}
