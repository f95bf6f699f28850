package channel

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pairdesk/pairdesk/internal/bus"
	"github.com/pairdesk/pairdesk/internal/identity"
	"github.com/pairdesk/pairdesk/internal/presence"
	"github.com/pairdesk/pairdesk/internal/reconnect"
	"github.com/pairdesk/pairdesk/internal/rtdb"
	"github.com/pairdesk/pairdesk/internal/schema"
	"github.com/pairdesk/pairdesk/internal/status"
	"go.uber.org/zap"
)

// quietPolicy keeps the supervisor's timer far away so tests observe state
// transitions without a reconnect attempt racing them.
var quietPolicy = reconnect.Policy{Base: time.Hour, Cap: time.Hour, MaxAttempts: 1}

func newTestClient(t *testing.T, rt rtdb.Store, role schema.Role) (*Client, *identity.Manager) {
	t.Helper()
	logger := zap.NewNop()
	b := bus.New()
	ident := identity.NewManager(nil, role, logger)
	machine := status.NewMachine(b)
	sup := reconnect.New(quietPolicy, b, logger)
	pres := presence.NewUpdater(rt, ident, logger)
	c := New(rt, ident, machine, sup, pres, b, logger)
	sup.Bind(c.Connect)
	t.Cleanup(c.Disconnect)
	return c, ident
}

func TestSendRejectedWhileUnpaired(t *testing.T) {
	rt := rtdb.NewMemory()
	c, _ := newTestClient(t, rt, schema.RoleMobile)

	if _, err := c.SendCommand(context.Background(), "sync"); !errors.Is(err, ErrNotPaired) {
		t.Fatalf("SendCommand() err = %v, want ErrNotPaired", err)
	}
}

func TestSendRejectedWhileDisconnected(t *testing.T) {
	rt := rtdb.NewMemory()
	c, ident := newTestClient(t, rt, schema.RoleMobile)
	ident.RememberPairing("desktop_peer0000")

	if _, err := c.SendCommand(context.Background(), "sync"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendCommand() err = %v, want ErrNotConnected", err)
	}

	// The rejection must be local: nothing reaches the counterpart's inbox.
	v, _ := rt.Get(context.Background(), schema.CommandsPath("desktop_peer0000"))
	if v != nil {
		t.Errorf("counterpart inbox = %v, want untouched", v)
	}
}

func TestSendCommandAppendsToCounterpartInbox(t *testing.T) {
	rt := rtdb.NewMemory()
	c, ident := newTestClient(t, rt, schema.RoleMobile)
	ident.RememberPairing("desktop_peer0000")

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	key, err := c.SendCommand(context.Background(), "sync contacts")
	if err != nil {
		t.Fatal(err)
	}
	if key == "" {
		t.Fatal("SendCommand() returned empty key")
	}

	raw, _ := rt.Get(context.Background(), schema.CommandsPath("desktop_peer0000")+"/"+key)
	msg := schema.MessageFrom(key, raw)
	if msg.Kind != schema.KindCommand || msg.Text != "sync contacts" {
		t.Errorf("stored message = %+v", msg)
	}
	if msg.Processed {
		t.Error("command must start unprocessed")
	}
	if msg.Timestamp == 0 {
		t.Error("timestamp was not assigned by the store")
	}
}

func TestSendStatusRejectsCommandKind(t *testing.T) {
	rt := rtdb.NewMemory()
	c, ident := newTestClient(t, rt, schema.RoleDesktop)
	ident.RememberPairing("mobile_peer00000")
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := c.SendStatus(context.Background(), schema.Message{Kind: schema.KindCommand, Text: "x"}); err == nil {
		t.Fatal("SendStatus() accepted a command kind")
	}
}

func TestConnectWritesPresence(t *testing.T) {
	rt := rtdb.NewMemory()
	c, ident := newTestClient(t, rt, schema.RoleMobile)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	raw, _ := rt.Get(context.Background(), schema.DevicePath(ident.DeviceID()))
	rec := schema.DeviceRecordFrom(ident.DeviceID(), raw)
	if !rec.Online {
		t.Error("device record online = false after connect")
	}
	if rec.LastSeen == 0 {
		t.Error("lastSeen was not stamped")
	}
}

func TestConnectIdempotent(t *testing.T) {
	rt := rtdb.NewMemory()
	c, _ := newTestClient(t, rt, schema.RoleMobile)

	for i := 0; i < 3; i++ {
		if err := c.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if got := c.State(); got != status.Connected {
		t.Errorf("State() = %v, want Connected", got)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	rt := rtdb.NewMemory()
	c, _ := newTestClient(t, rt, schema.RoleMobile)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Disconnect()
	c.Disconnect()
	if got := c.State(); got != status.Disconnected {
		t.Errorf("State() = %v, want Disconnected", got)
	}
}

func TestConnectFailsWhileOffline(t *testing.T) {
	rt := rtdb.NewMemory()
	rt.SetConnected(false)
	c, _ := newTestClient(t, rt, schema.RoleMobile)

	if err := c.Connect(context.Background()); !errors.Is(err, rtdb.ErrOffline) {
		t.Fatalf("Connect() err = %v, want ErrOffline", err)
	}
	if got := c.State(); got != status.Disconnected {
		t.Errorf("State() = %v, want Disconnected after failed connect", got)
	}
}

func TestConnectivityLossMovesToReconnecting(t *testing.T) {
	rt := rtdb.NewMemory()
	c, _ := newTestClient(t, rt, schema.RoleMobile)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	rt.SetConnected(false)
	if got := c.State(); got != status.Reconnecting {
		t.Errorf("State() = %v, want Reconnecting after signal loss", got)
	}
}

func TestListenerDeliversEachMessageOnce(t *testing.T) {
	rt := rtdb.NewMemory()
	c, ident := newTestClient(t, rt, schema.RoleDesktop)

	var got []schema.Message
	cancel := c.ListenForCommands(func(m schema.Message) { got = append(got, m) })
	defer cancel()

	// Each push re-fires the subscription with the full cumulative child
	// set; earlier ids must not be delivered again.
	inbox := schema.CommandsPath(ident.DeviceID())
	for i := 0; i < 5; i++ {
		msg := schema.Message{Kind: schema.KindCommand, Text: fmt.Sprintf("cmd %d", i)}
		if _, err := rt.Push(context.Background(), inbox, msg.Fields()); err != nil {
			t.Fatal(err)
		}
	}

	if len(got) != 5 {
		t.Fatalf("delivered %d messages, want 5", len(got))
	}
	for i, m := range got {
		if want := fmt.Sprintf("cmd %d", i); m.Text != want {
			t.Errorf("message %d text = %q, want %q", i, m.Text, want)
		}
	}
}

func TestListenerOrdersByTimestamp(t *testing.T) {
	rt := rtdb.NewMemory()
	c, ident := newTestClient(t, rt, schema.RoleMobile)
	inbox := schema.StatusPath(ident.DeviceID())

	// Pre-populate out of timestamp order; the initial snapshot must come
	// out sorted.
	entries := []struct {
		key string
		ts  int64
	}{
		{"kc", 3000},
		{"ka", 1000},
		{"kb", 2000},
	}
	for _, e := range entries {
		err := rt.Set(context.Background(), inbox+"/"+e.key, map[string]rtdb.Value{
			"type":      string(schema.KindStatus),
			"text":      e.key,
			"timestamp": e.ts,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	var got []int64
	cancel := c.ListenForStatus(func(m schema.Message) { got = append(got, m.Timestamp) })
	defer cancel()

	if len(got) != 3 {
		t.Fatalf("delivered %d messages, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i] < got[i-1] {
			t.Fatalf("timestamps out of order: %v", got)
		}
	}
}

func TestListenerPrunesInbox(t *testing.T) {
	rt := rtdb.NewMemory()
	c, ident := newTestClient(t, rt, schema.RoleDesktop)
	inbox := schema.CommandsPath(ident.DeviceID())

	delivered := 0
	cancel := c.ListenForCommands(func(schema.Message) { delivered++ })
	defer cancel()

	const total = inboxKeep + 5
	for i := 0; i < total; i++ {
		msg := schema.Message{Kind: schema.KindCommand, Text: fmt.Sprintf("cmd %d", i)}
		if _, err := rt.Push(context.Background(), inbox, msg.Fields()); err != nil {
			t.Fatal(err)
		}
	}

	if delivered != total {
		t.Errorf("delivered = %d, want %d; pruning must not eat deliveries", delivered, total)
	}
	raw, _ := rt.Get(context.Background(), inbox)
	children := rtdb.Snapshot{Path: inbox, Value: raw}.Children()
	if len(children) != inboxKeep {
		t.Errorf("inbox retains %d entries, want %d", len(children), inboxKeep)
	}
}

func TestSecondListenerReplacesFirst(t *testing.T) {
	rt := rtdb.NewMemory()
	c, ident := newTestClient(t, rt, schema.RoleDesktop)
	inbox := schema.CommandsPath(ident.DeviceID())

	firstHits := 0
	c.ListenForCommands(func(schema.Message) { firstHits++ })

	secondHits := 0
	cancel := c.ListenForCommands(func(schema.Message) { secondHits++ })
	defer cancel()

	msg := schema.Message{Kind: schema.KindCommand, Text: "only for the second"}
	if _, err := rt.Push(context.Background(), inbox, msg.Fields()); err != nil {
		t.Fatal(err)
	}

	if firstHits != 0 {
		t.Errorf("first listener received %d messages after replacement", firstHits)
	}
	if secondHits != 1 {
		t.Errorf("second listener received %d messages, want 1", secondHits)
	}
}

func TestCancelledListenerStopsDelivery(t *testing.T) {
	rt := rtdb.NewMemory()
	c, ident := newTestClient(t, rt, schema.RoleDesktop)
	inbox := schema.CommandsPath(ident.DeviceID())

	hits := 0
	cancel := c.ListenForCommands(func(schema.Message) { hits++ })
	cancel()

	msg := schema.Message{Kind: schema.KindCommand, Text: "late"}
	if _, err := rt.Push(context.Background(), inbox, msg.Fields()); err != nil {
		t.Fatal(err)
	}
	if hits != 0 {
		t.Errorf("cancelled listener received %d messages", hits)
	}
}

// Supervisor-driven reconnection against a store that stays offline: the
// failure path inside Connect reports the loss, and the retry schedule must
// still stop dead at MaxAttempts with properly escalating delays.
func TestSupervisorDrivenReconnectStopsAtMax(t *testing.T) {
	rt := rtdb.NewMemory()
	rt.SetConnected(false)

	logger := zap.NewNop()
	b := bus.New()
	events, cancelEvents := b.Subscribe("channel.reconnect", 32)
	defer cancelEvents()

	ident := identity.NewManager(nil, schema.RoleMobile, logger)
	machine := status.NewMachine(b)
	base := 2 * time.Millisecond
	sup := reconnect.New(reconnect.Policy{Base: base, Cap: 8 * time.Millisecond, MaxAttempts: 3}, b, logger)
	c := New(rt, ident, machine, sup, presence.NewUpdater(rt, ident, logger), b, logger)
	sup.Bind(c.Connect)
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("Connect() against an offline store must fail")
	}

	deadline := time.After(time.Second)
	for !sup.Exhausted() {
		select {
		case <-deadline:
			t.Fatal("supervisor never exhausted")
		case <-time.After(time.Millisecond):
		}
	}
	// No attempt may run past the cap.
	time.Sleep(40 * time.Millisecond)
	if got := sup.Attempts(); got != 3 {
		t.Errorf("Attempts() = %d, want exactly 3", got)
	}

	var delays []time.Duration
	for {
		select {
		case ev := <-events:
			if ev.Kind == "channel.reconnect_scheduled" {
				delays = append(delays, ev.Data.(time.Duration))
			}
			continue
		default:
		}
		break
	}
	want := []time.Duration{base, 2 * base, 4 * base}
	if len(delays) != len(want) {
		t.Fatalf("scheduled delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, delays[i], want[i])
		}
	}
}

// gateStore stalls presence writes so a test can interleave Disconnect with
// an in-flight Connect.
type gateStore struct {
	*rtdb.Memory
	entered chan struct{}
	release chan struct{}
}

func (g *gateStore) Update(ctx context.Context, path string, fields map[string]rtdb.Value) error {
	g.entered <- struct{}{}
	<-g.release
	return g.Memory.Update(ctx, path, fields)
}

// A Connect that loses to a concurrent Disconnect must install nothing:
// no on-disconnect registration, no connectivity subscription, no retry.
func TestDisconnectAbandonsInflightConnect(t *testing.T) {
	rt := &gateStore{
		Memory:  rtdb.NewMemory(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}

	logger := zap.NewNop()
	b := bus.New()
	events, cancelEvents := b.Subscribe("channel.reconnect", 8)
	defer cancelEvents()

	ident := identity.NewManager(nil, schema.RoleMobile, logger)
	machine := status.NewMachine(b)
	sup := reconnect.New(quietPolicy, b, logger)
	c := New(rt, ident, machine, sup, presence.NewUpdater(rt, ident, logger), b, logger)
	sup.Bind(c.Connect)

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()

	<-rt.entered
	c.Disconnect()
	close(rt.release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("abandoned Connect() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Connect never returned")
	}

	if got := c.State(); got != status.Disconnected {
		t.Errorf("State() = %v, want Disconnected", got)
	}

	// The registration must have been backed out: a dropped connection
	// leaves the presence record untouched.
	rt.SetConnected(false)
	rt.SetConnected(true)
	raw, _ := rt.Get(context.Background(), schema.DevicePath(ident.DeviceID()))
	rec := schema.DeviceRecordFrom(ident.DeviceID(), raw)
	if !rec.Online {
		t.Error("on-disconnect registration leaked past Disconnect")
	}

	// And no reconnect may have been scheduled.
	time.Sleep(20 * time.Millisecond)
	select {
	case ev := <-events:
		t.Errorf("unexpected %s event after disconnect", ev.Kind)
	default:
	}
	if got := sup.Attempts(); got != 0 {
		t.Errorf("Attempts() = %d, want 0", got)
	}
}

func TestSeenSetEvictsOldest(t *testing.T) {
	s := newSeenSet(3)
	for _, id := range []string{"a", "b", "c", "d"} {
		s.Add(id)
	}
	if s.Contains("a") {
		t.Error("oldest id survived past the cap")
	}
	for _, id := range []string{"b", "c", "d"} {
		if !s.Contains(id) {
			t.Errorf("id %q evicted too early", id)
		}
	}
	s.Remove("c")
	if s.Contains("c") || s.Len() != 2 {
		t.Errorf("after Remove: contains(c)=%v len=%d", s.Contains("c"), s.Len())
	}
}
