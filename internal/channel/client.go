// Package channel maintains the live command/status relay between the local
// device and its paired counterpart: sends into the counterpart's inbox,
// subscribes to the own inbox with exactly-once ordered delivery, and prunes
// old entries from the store.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/pairdesk/pairdesk/internal/bus"
	"github.com/pairdesk/pairdesk/internal/identity"
	"github.com/pairdesk/pairdesk/internal/presence"
	"github.com/pairdesk/pairdesk/internal/reconnect"
	"github.com/pairdesk/pairdesk/internal/rtdb"
	"github.com/pairdesk/pairdesk/internal/schema"
	"github.com/pairdesk/pairdesk/internal/status"
	"go.uber.org/zap"
)

var (
	// ErrNotPaired rejects sends while no counterpart is registered.
	ErrNotPaired = errors.New("channel: not paired")

	// ErrNotConnected rejects sends outside the Connected state. Messages
	// are never silently queued.
	ErrNotConnected = errors.New("channel: not connected")
)

const (
	// seenCap bounds the delivered-id set per listener.
	seenCap = 50

	// inboxKeep is how many inbox entries the receiver retains remotely.
	inboxKeep = 10
)

// Client is one logical session's relay endpoint. Instantiate one per
// session and pass it by reference; the single-active-listener state lives
// on the instance, not in package globals.
type Client struct {
	store    rtdb.Store
	ident    *identity.Manager
	machine  *status.Machine
	sup      *reconnect.Supervisor
	presence *presence.Updater
	bus      *bus.Bus
	logger   *zap.Logger

	mu           sync.Mutex
	gen          int
	connCancel   func()
	odCancel     func()
	listenCancel func()
}

// New creates a channel client. Call sup.Bind(client.Connect) afterwards so
// the supervisor can drive reconnect attempts.
func New(
	rt rtdb.Store,
	ident *identity.Manager,
	machine *status.Machine,
	sup *reconnect.Supervisor,
	pres *presence.Updater,
	b *bus.Bus,
	logger *zap.Logger,
) *Client {
	return &Client{
		store:    rt,
		ident:    ident,
		machine:  machine,
		sup:      sup,
		presence: pres,
		bus:      b,
		logger:   logger,
	}
}

// State returns the current channel state.
func (c *Client) State() status.State {
	return c.machine.Current()
}

// Connect brings the channel up: writes initial presence, registers the
// on-disconnect cleanup, subscribes to the connectivity signal and resets
// the reconnect counters. Safe to call again while connected. An attempt
// that loses to a concurrent Disconnect installs nothing and leaves the
// channel the way Disconnect left it.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	switch c.machine.Current() {
	case status.Connected:
		return nil
	case status.Disconnected, status.Reconnecting:
		_ = c.machine.Transition(status.Connecting)
	}

	if err := c.presence.Update(ctx); err != nil {
		c.failConnect()
		return fmt.Errorf("connect: %w", err)
	}

	od, err := c.presence.RegisterOnDisconnect()
	if err != nil {
		c.failConnect()
		return fmt.Errorf("connect: %w", err)
	}

	c.mu.Lock()
	if gen != c.gen {
		// Disconnect ran while this attempt was in flight. Back out the
		// registration and stay down; no retry is scheduled.
		c.mu.Unlock()
		od()
		if c.machine.Current() != status.Disconnected {
			_ = c.machine.Transition(status.Disconnected)
		}
		c.logger.Info("connect attempt abandoned after disconnect")
		return nil
	}
	if c.odCancel != nil {
		c.odCancel()
	}
	c.odCancel = od
	if c.connCancel == nil {
		c.connCancel = c.store.SubscribeConnected(c.onConnectivity)
	}
	c.mu.Unlock()

	_ = c.machine.Transition(status.Connected)
	c.sup.Reset()
	c.logger.Info("channel connected", zap.String("device_id", c.ident.DeviceID()))
	return nil
}

// Disconnect tears the channel down: cancels every subscription, the
// on-disconnect registration and any pending reconnect timer, synchronously.
// Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.gen++
	conn, od, listen := c.connCancel, c.odCancel, c.listenCancel
	c.connCancel, c.odCancel, c.listenCancel = nil, nil, nil
	c.mu.Unlock()

	if conn != nil {
		conn()
	}
	if od != nil {
		od()
	}
	if listen != nil {
		listen()
	}
	c.sup.Stop()

	if c.machine.Current() != status.Disconnected {
		_ = c.machine.Transition(status.Disconnected)
	}
	c.logger.Info("channel disconnected")
}

// SendCommand appends a command into the counterpart's command inbox and
// returns the store-assigned message id. Rejected synchronously while
// unpaired or not connected; no store write is attempted then.
func (c *Client) SendCommand(ctx context.Context, text string) (string, error) {
	return c.send(ctx, schema.Message{Kind: schema.KindCommand, Text: text}, schema.CommandsPath)
}

// SendStatus appends a status-kind message into the counterpart's status
// inbox. This is the desktop mirror of SendCommand; the same preconditions
// apply.
func (c *Client) SendStatus(ctx context.Context, msg schema.Message) (string, error) {
	if msg.Kind == schema.KindCommand {
		return "", fmt.Errorf("channel: %s is not a status kind", msg.Kind)
	}
	return c.send(ctx, msg, schema.StatusPath)
}

func (c *Client) send(ctx context.Context, msg schema.Message, inbox func(string) string) (string, error) {
	counterpart := c.ident.PairedWith()
	if counterpart == "" {
		return "", ErrNotPaired
	}
	if c.machine.Current() != status.Connected {
		return "", ErrNotConnected
	}

	key, err := c.store.Push(ctx, inbox(counterpart), msg.Fields())
	if err != nil {
		return "", fmt.Errorf("send %s: %w", msg.Kind, err)
	}
	c.bus.Publish("channel.message_sent", key)
	return key, nil
}

// ListenForStatus subscribes to the local device's status inbox. At most
// one listener is active per client: installing a second one tears down the
// first, so no message is ever double-delivered. Within a listener's
// lifetime each message id reaches the callback exactly once, in
// non-decreasing timestamp order, however the store batches snapshots.
// Returns the unsubscribe func.
func (c *Client) ListenForStatus(fn func(schema.Message)) func() {
	return c.listen(schema.StatusPath(c.ident.DeviceID()), fn)
}

// ListenForCommands is the desktop mirror: subscribes to the local device's
// command inbox with the same delivery and pruning guarantees.
func (c *Client) ListenForCommands(fn func(schema.Message)) func() {
	return c.listen(schema.CommandsPath(c.ident.DeviceID()), fn)
}

func (c *Client) listen(path string, fn func(schema.Message)) func() {
	c.mu.Lock()
	if c.listenCancel != nil {
		c.listenCancel()
		c.listenCancel = nil
	}
	c.mu.Unlock()

	// A fresh listener gets a fresh lifetime: the handler closure owns its
	// seen set, so a cancelled listener's state cannot leak into this one.
	seen := newSeenSet(seenCap)
	cancel := c.store.Subscribe(path, func(snap rtdb.Snapshot) {
		c.handleInbox(path, seen, fn, snap)
	})

	c.mu.Lock()
	c.listenCancel = cancel
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		if c.listenCancel != nil {
			c.listenCancel()
			c.listenCancel = nil
		}
		c.mu.Unlock()
	}
}

func (c *Client) handleInbox(path string, seen *seenSet, fn func(schema.Message), snap rtdb.Snapshot) {
	children := snap.Children()
	if len(children) == 0 {
		return
	}

	msgs := make([]schema.Message, 0, len(children))
	for key, v := range children {
		msgs = append(msgs, schema.MessageFrom(key, v))
	}
	// Timestamp order, ties broken by store key order, which is itself
	// chronological.
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		return msgs[i].ID < msgs[j].ID
	})

	delivered := 0
	for _, msg := range msgs {
		if seen.Contains(msg.ID) {
			continue
		}
		seen.Add(msg.ID)
		fn(msg)
		c.bus.Publish("channel.message", msg)
		delivered++
	}

	// Prune the oldest excess entries, both to bound remote storage and to
	// bound the next snapshot. Pruned ids leave the seen set in the same
	// step; a deleted entry cannot come back.
	if delivered > 0 && len(msgs) > inboxKeep {
		for _, old := range msgs[:len(msgs)-inboxKeep] {
			if err := c.store.Remove(context.Background(), path+"/"+old.ID); err != nil {
				c.logger.Warn("failed to prune inbox entry", zap.String("msg_id", old.ID), zap.Error(err))
				continue
			}
			seen.Remove(old.ID)
		}
	}
}

// failConnect records a failed connect attempt: the channel falls back to
// Disconnected and the supervisor takes over scheduling.
func (c *Client) failConnect() {
	_ = c.machine.Transition(status.Disconnected)
	c.sup.SignalLost()
}

// onConnectivity reacts to the store's connectivity signal. Loss of signal
// moves a connected channel into Reconnecting and wakes the supervisor;
// regained signal is not acted on directly, the supervisor's next attempt
// handles it.
func (c *Client) onConnectivity(connected bool) {
	if connected {
		return
	}
	c.logger.Warn("connectivity signal lost")
	if c.machine.Current() == status.Connected {
		_ = c.machine.Transition(status.Reconnecting)
	}
	c.sup.SignalLost()
}
