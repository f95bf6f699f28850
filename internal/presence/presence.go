// Package presence writes liveness markers for the local device record and
// registers the server-side on-disconnect cleanup. It owns no timer; the
// app layer invokes Update on its own cadence.
package presence

import (
	"context"
	"fmt"

	"github.com/pairdesk/pairdesk/internal/identity"
	"github.com/pairdesk/pairdesk/internal/rtdb"
	"github.com/pairdesk/pairdesk/internal/schema"
	"go.uber.org/zap"
)

// Updater maintains the online/lastSeen fields of the local device record.
type Updater struct {
	store  rtdb.Store
	ident  *identity.Manager
	logger *zap.Logger
}

// NewUpdater creates a presence updater.
func NewUpdater(store rtdb.Store, ident *identity.Manager, logger *zap.Logger) *Updater {
	return &Updater{store: store, ident: ident, logger: logger}
}

// Update writes online=true, a server-assigned lastSeen and the device role
// to the local device record.
func (u *Updater) Update(ctx context.Context) error {
	id := u.ident.DeviceID()
	err := u.store.Update(ctx, schema.DevicePath(id), map[string]rtdb.Value{
		"type":     string(u.ident.Role()),
		"online":   true,
		"lastSeen": rtdb.ServerTimestamp,
	})
	if err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	return nil
}

// RegisterOnDisconnect installs the store-side cleanup that flips
// online=false if the client vanishes without a clean disconnect. Returns
// the cancel for the registration.
func (u *Updater) RegisterOnDisconnect() (func(), error) {
	id := u.ident.DeviceID()
	cancel, err := u.store.OnDisconnect(schema.DevicePath(id), map[string]rtdb.Value{
		"online":   false,
		"lastSeen": rtdb.ServerTimestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("register on-disconnect: %w", err)
	}
	u.logger.Info("on-disconnect cleanup registered", zap.String("device_id", id))
	return cancel, nil
}
