// Package pairing implements the one-time-token exchange binding a mobile
// device to a desktop counterpart through the shared store.
package pairing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pairdesk/pairdesk/internal/bus"
	"github.com/pairdesk/pairdesk/internal/identity"
	"github.com/pairdesk/pairdesk/internal/rtdb"
	"github.com/pairdesk/pairdesk/internal/schema"
	"github.com/pairdesk/pairdesk/internal/store"
	"go.uber.org/zap"
)

// clockSkewGrace is how far the token's createdAt may sit in the local
// future before we only warn about it. Local device clocks run behind.
const clockSkewGrace = 60 * time.Second

// Result is the outcome of a token submission. Message is human-readable
// and rendered verbatim by the UI, so every failure mode gets a distinct,
// actionable text.
type Result struct {
	Success bool
	Message string
}

// Pairer runs the pairing protocol for the local device.
type Pairer struct {
	store  rtdb.Store
	ident  *identity.Manager
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time
}

// NewPairer creates a pairer. db may be nil; the local audit log is then
// skipped.
func NewPairer(rt rtdb.Store, ident *identity.Manager, db *store.DB, b *bus.Bus, logger *zap.Logger) *Pairer {
	return &Pairer{
		store:  rt,
		ident:  ident,
		db:     db,
		bus:    b,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the pairer's clock. Test use only.
func (p *Pairer) SetClock(now func() time.Time) {
	p.now = now
}

// ExtractToken pulls a pairing token out of raw scanned/typed text. It is a
// cheap local prefilter; authoritative validation is always remote.
func ExtractToken(raw string) (string, bool) {
	token := strings.TrimSpace(raw)
	if len(token) <= len(schema.TokenPrefix) || !strings.HasPrefix(token, schema.TokenPrefix) {
		return "", false
	}
	return token, true
}

// SubmitToken consumes a pairing token: validates it against the remote
// record, atomically marks it used, and registers the local device as
// paired with the issuing desktop. Failures come back as structured results
// with a human-readable reason, never a raw store error.
func (p *Pairer) SubmitToken(ctx context.Context, token string) Result {
	deviceID := p.ident.DeviceID()

	raw, err := p.store.Get(ctx, schema.TokenPath(token))
	if err != nil {
		return Result{Message: fmt.Sprintf("pairing failed: %v", err)}
	}
	if raw == nil {
		return Result{Message: "pairing code not found"}
	}
	rec := schema.TokenFrom(token, raw)

	now := p.now()
	if now.Unix() > rec.ExpiresAt {
		return Result{Message: "pairing code expired"}
	}
	if now.Add(clockSkewGrace).Unix() < rec.CreatedAt {
		// Local clock may be behind; the expiry check above is what counts.
		p.logger.Warn("pairing code created in the local future, clock skew suspected",
			zap.Int64("created_at", rec.CreatedAt),
			zap.Int64("local_now", now.Unix()),
		)
	}
	if rec.Used {
		return Result{Message: "pairing code already used"}
	}

	// Linearization point: the store's write rule only admits the
	// unused -> used transition, so of two racing consumers exactly one
	// lands this update. A rejection here is indistinguishable from a race
	// loss and is reported as "already used", never retried.
	err = p.store.Update(ctx, schema.TokenPath(token), map[string]rtdb.Value{
		"used":     true,
		"mobileId": deviceID,
		"usedAt":   now.Unix(),
	})
	if err != nil {
		if rtdb.IsPermissionDenied(err) {
			return Result{Message: "pairing code already used"}
		}
		return Result{Message: fmt.Sprintf("pairing failed: %v", err)}
	}

	err = p.store.Update(ctx, schema.DevicePath(deviceID), map[string]rtdb.Value{
		"type":       string(p.ident.Role()),
		"paired":     true,
		"pairedWith": rec.DesktopID,
	})
	if err != nil {
		return Result{Message: fmt.Sprintf("pairing failed: %v", err)}
	}

	// The remote registration is complete; local persistence failures only
	// warn, they do not undo a successful pairing.
	p.ident.RememberPairing(rec.DesktopID)
	if p.db != nil {
		if err := p.db.AppendPairingLog("paired", rec.DesktopID); err != nil {
			p.logger.Warn("failed to append pairing log", zap.Error(err))
		}
	}

	p.logger.Info("paired with desktop", zap.String("desktop_id", rec.DesktopID))
	p.bus.Publish("pairing.completed", rec.DesktopID)
	return Result{Success: true, Message: "paired"}
}

// IsPaired reads the pairing flag from the remote device record, the source
// of truth.
func (p *Pairer) IsPaired(ctx context.Context) (bool, error) {
	rec, err := p.deviceRecord(ctx)
	if err != nil {
		return false, err
	}
	return rec.Paired, nil
}

// PairedCounterpart reads the counterpart's device id from the remote device
// record, or empty when unpaired.
func (p *Pairer) PairedCounterpart(ctx context.Context) (string, error) {
	rec, err := p.deviceRecord(ctx)
	if err != nil {
		return "", err
	}
	if !rec.Paired {
		return "", nil
	}
	return rec.PairedWith, nil
}

// Unpair clears the pairing on the local device record only. The
// counterpart discovers the staleness on its own next status check; no
// proactive notification crosses the ownership boundary of its record.
func (p *Pairer) Unpair(ctx context.Context) error {
	deviceID := p.ident.DeviceID()
	counterpart := p.ident.PairedWith()

	err := p.store.Update(ctx, schema.DevicePath(deviceID), map[string]rtdb.Value{
		"paired":     false,
		"pairedWith": nil,
		"unpairedAt": p.now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("unpair: %w", err)
	}

	p.ident.ForgetPairing()
	if p.db != nil {
		if err := p.db.AppendPairingLog("unpaired", counterpart); err != nil {
			p.logger.Warn("failed to append pairing log", zap.Error(err))
		}
	}

	p.logger.Info("unpaired", zap.String("counterpart", counterpart))
	p.bus.Publish("pairing.removed", counterpart)
	return nil
}

func (p *Pairer) deviceRecord(ctx context.Context) (schema.DeviceRecord, error) {
	deviceID := p.ident.DeviceID()
	raw, err := p.store.Get(ctx, schema.DevicePath(deviceID))
	if err != nil {
		return schema.DeviceRecord{}, fmt.Errorf("read device record: %w", err)
	}
	return schema.DeviceRecordFrom(deviceID, raw), nil
}
