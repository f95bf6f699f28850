package desktop

import (
	"context"
	"fmt"

	"github.com/pairdesk/pairdesk/internal/channel"
	"github.com/pairdesk/pairdesk/internal/identity"
	"github.com/pairdesk/pairdesk/internal/rtdb"
	"github.com/pairdesk/pairdesk/internal/schema"
	"go.uber.org/zap"
)

// Handler executes one relayed command and reports progress through the
// emitter. What "execute" means is the embedder's business.
type Handler func(ctx context.Context, text string, emit *Emitter)

// Agent is the desktop endpoint: it waits for a mobile device to consume
// its token, then drains its command inbox and streams status back.
type Agent struct {
	store   rtdb.Store
	ident   *identity.Manager
	client  *channel.Client
	logger  *zap.Logger
	handler Handler
}

// NewAgent creates a desktop agent around an already-constructed channel
// client with role desktop.
func NewAgent(rt rtdb.Store, ident *identity.Manager, client *channel.Client, handler Handler, logger *zap.Logger) *Agent {
	return &Agent{
		store:   rt,
		ident:   ident,
		client:  client,
		logger:  logger,
		handler: handler,
	}
}

// WaitForPairing blocks until the given token is consumed by a mobile
// device, then registers the pairing on the desktop's own device record.
// Returns the mobile device id.
func (a *Agent) WaitForPairing(ctx context.Context, token string) (string, error) {
	consumed := make(chan string, 1)
	cancel := a.store.Subscribe(schema.TokenPath(token), func(snap rtdb.Snapshot) {
		rec := schema.TokenFrom(token, snap.Value)
		if rec.Used && rec.MobileID != "" {
			select {
			case consumed <- rec.MobileID:
			default:
			}
		}
	})
	defer cancel()

	select {
	case mobileID := <-consumed:
		deviceID := a.ident.DeviceID()
		err := a.store.Update(ctx, schema.DevicePath(deviceID), map[string]rtdb.Value{
			"type":       string(schema.RoleDesktop),
			"paired":     true,
			"pairedWith": mobileID,
		})
		if err != nil {
			return "", fmt.Errorf("register desktop pairing: %w", err)
		}
		a.ident.RememberPairing(mobileID)
		a.logger.Info("mobile device paired", zap.String("mobile_id", mobileID))
		return mobileID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Run connects the channel and consumes commands until stop is called.
// Each command is marked processed in the store before dispatch; delivery
// dedup itself is the channel client's job.
func (a *Agent) Run(ctx context.Context) (stop func(), err error) {
	if err := a.client.Connect(ctx); err != nil {
		return nil, err
	}

	unsubscribe := a.client.ListenForCommands(func(msg schema.Message) {
		if msg.Kind != schema.KindCommand || msg.Processed {
			return
		}
		a.markProcessed(msg.ID)
		a.logger.Info("command received", zap.String("msg_id", msg.ID))
		a.handler(ctx, msg.Text, &Emitter{agent: a, ctx: ctx})
	})

	return func() {
		unsubscribe()
		a.client.Disconnect()
	}, nil
}

func (a *Agent) markProcessed(msgID string) {
	path := schema.CommandsPath(a.ident.DeviceID()) + "/" + msgID
	err := a.store.Update(context.Background(), path, map[string]rtdb.Value{
		"processed": true,
	})
	if err != nil {
		a.logger.Warn("failed to mark command processed", zap.String("msg_id", msgID), zap.Error(err))
	}
}

// Emitter writes status messages into the mobile device's status inbox.
type Emitter struct {
	agent *Agent
	ctx   context.Context
}

// Status reports a plain status line.
func (e *Emitter) Status(body string) error {
	return e.send(schema.Message{Kind: schema.KindStatus, Body: body})
}

// Progress reports partial completion, pct in 0-100.
func (e *Emitter) Progress(body string, pct int) error {
	return e.send(schema.Message{Kind: schema.KindProgress, Body: body, Progress: pct})
}

// Error reports a failed command.
func (e *Emitter) Error(body, errMsg string) error {
	return e.send(schema.Message{Kind: schema.KindError, Body: body, ErrMsg: errMsg})
}

// Completed reports a finished command.
func (e *Emitter) Completed(body string) error {
	return e.send(schema.Message{Kind: schema.KindCompletion, Body: body})
}

func (e *Emitter) send(msg schema.Message) error {
	_, err := e.agent.client.SendStatus(e.ctx, msg)
	return err
}
