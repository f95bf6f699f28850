// Package rtdb defines the realtime database abstraction the relay core is
// built on: a tree of JSON-ish values addressed by slash-separated paths,
// with push/set/update/remove/subscribe semantics, a connectivity signal and
// server-registered on-disconnect writes. Production deployments bind a
// hosted realtime database behind this interface; the in-memory
// implementation in this package backs tests and single-process demos.
package rtdb

import (
	"context"
	"errors"
	"strings"
)

// Value is any JSON-compatible value stored in the tree: map[string]Value,
// []Value, string, bool, int64/float64 or nil.
type Value = any

// ServerTimestamp is a write-time placeholder the store replaces with its
// own clock (epoch milliseconds) at the moment the write is applied.
var ServerTimestamp Value = serverTimestamp{}

type serverTimestamp struct{}

var (
	// ErrOffline is returned for operations attempted while the live
	// connection to the store is down.
	ErrOffline = errors.New("rtdb: offline")

	// ErrPermissionDenied is returned when a write is rejected by the
	// store's security rules. Callers must not assume they can distinguish
	// a rule violation from a conditional-write race loss.
	ErrPermissionDenied = errors.New("rtdb: permission denied")
)

// IsPermissionDenied reports whether err is a security-rule rejection.
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

// Snapshot is the full value of a subscribed path at some moment.
type Snapshot struct {
	Path  string
	Value Value
}

// Children returns the snapshot's immediate children, or nil when the value
// at the path is absent or not a branch.
func (s Snapshot) Children() map[string]Value {
	m, _ := s.Value.(map[string]Value)
	return m
}

// Store is the contract both relay endpoints share. All operations are safe
// for concurrent use. Subscription callbacks are invoked sequentially per
// subscription, without any store lock held.
type Store interface {
	// Get reads the value at path. An absent path yields (nil, nil).
	Get(ctx context.Context, path string) (Value, error)

	// Set replaces the value at path.
	Set(ctx context.Context, path string, v Value) error

	// Update merges fields into the branch at path. A nil field value
	// deletes that child. The merge is applied atomically with respect to
	// the store's write rules.
	Update(ctx context.Context, path string, fields map[string]Value) error

	// Push appends v under path with a store-assigned child key and returns
	// that key. Keys sort lexicographically in insertion order.
	Push(ctx context.Context, path string, v Value) (string, error)

	// Remove deletes the value at path. Removing an absent path is a no-op.
	Remove(ctx context.Context, path string) error

	// Subscribe installs fn as a listener for the value at path. fn fires
	// once with the current value and again after every change under path.
	// The returned cancel func tears the subscription down synchronously.
	Subscribe(path string, fn func(Snapshot)) (cancel func())

	// SubscribeConnected installs fn as a listener for the store's
	// connectivity signal. fn fires once with the current state.
	SubscribeConnected(fn func(connected bool)) (cancel func())

	// OnDisconnect registers a server-side merge of fields into path that
	// fires if this client's connection drops without a clean disconnect.
	// The registration is data held by the server, not a client callback;
	// it survives until fired or cancelled.
	OnDisconnect(path string, fields map[string]Value) (cancel func(), err error)
}

// Join builds a slash-separated path from parts.
func Join(parts ...string) string {
	return strings.Join(parts, "/")
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(strings.Trim(path, "/"), "/")
}
