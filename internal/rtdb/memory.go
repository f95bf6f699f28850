package rtdb

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// WriteRule is a per-path security rule consulted before every write. The
// pattern is slash-separated; a "*" segment matches exactly one path segment.
// Allow receives the previous and the would-be value at the written path and
// decides whether the write goes through.
type WriteRule struct {
	Pattern string
	Allow   func(old, new Value) bool
}

type watcher struct {
	path string
	fn   func(Snapshot)
}

type odReg struct {
	path   string
	fields map[string]Value
}

// Memory is an in-process Store implementation with the same semantics a
// hosted realtime database provides: server-assigned timestamps,
// chronologically sortable push keys, write rules enforced atomically per
// path, a simulated connectivity signal and on-disconnect registrations.
type Memory struct {
	mu           sync.Mutex
	root         map[string]Value
	rules        []WriteRule
	online       bool
	watchers     map[int]*watcher
	connWatchers map[int]func(bool)
	disconnects  map[int]odReg
	nextID       int
	lastPushMs   int64
	pushSeq      int
	now          func() time.Time
}

// NewMemory creates an in-memory store, initially connected, enforcing the
// given write rules.
func NewMemory(rules ...WriteRule) *Memory {
	return &Memory{
		root:         make(map[string]Value),
		rules:        rules,
		online:       true,
		watchers:     make(map[int]*watcher),
		connWatchers: make(map[int]func(bool)),
		disconnects:  make(map[int]odReg),
		now:          time.Now,
	}
}

// SetClock overrides the store's clock. Test use only.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// SetConnected flips the simulated connectivity signal. Dropping the
// connection fires and clears all on-disconnect registrations, exactly as
// the server side of a real deployment would.
func (m *Memory) SetConnected(connected bool) {
	m.mu.Lock()
	if m.online == connected {
		m.mu.Unlock()
		return
	}
	m.online = connected

	var notify []func(Snapshot)
	var snaps []Snapshot
	if !connected {
		for id, reg := range m.disconnects {
			m.mergeLocked(splitPath(reg.path), reg.fields)
			delete(m.disconnects, id)
			n, s := m.watchersForLocked(reg.path)
			notify = append(notify, n...)
			snaps = append(snaps, s...)
		}
	}
	connFns := make([]func(bool), 0, len(m.connWatchers))
	for _, fn := range m.connWatchers {
		connFns = append(connFns, fn)
	}
	m.mu.Unlock()

	for i, fn := range notify {
		fn(snaps[i])
	}
	for _, fn := range connFns {
		fn(connected)
	}
}

func (m *Memory) Get(_ context.Context, path string) (Value, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.online {
		return nil, ErrOffline
	}
	return copyValue(m.getLocked(splitPath(path))), nil
}

func (m *Memory) Set(_ context.Context, path string, v Value) error {
	return m.write(path, func(parts []string, old Value) (Value, error) {
		return m.resolveTimestampsLocked(copyValue(v)), nil
	})
}

func (m *Memory) Update(_ context.Context, path string, fields map[string]Value) error {
	return m.write(path, func(parts []string, old Value) (Value, error) {
		branch, _ := copyValue(old).(map[string]Value)
		if branch == nil {
			branch = make(map[string]Value)
		}
		for k, v := range fields {
			if v == nil {
				delete(branch, k)
				continue
			}
			branch[k] = m.resolveTimestampsLocked(copyValue(v))
		}
		return branch, nil
	})
}

func (m *Memory) Push(_ context.Context, path string, v Value) (string, error) {
	var key string
	err := m.write(path, func(parts []string, old Value) (Value, error) {
		branch, _ := copyValue(old).(map[string]Value)
		if branch == nil {
			branch = make(map[string]Value)
		}
		key = m.nextPushIDLocked()
		branch[key] = m.resolveTimestampsLocked(copyValue(v))
		return branch, nil
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

func (m *Memory) Remove(_ context.Context, path string) error {
	return m.write(path, func(parts []string, old Value) (Value, error) {
		return nil, nil
	})
}

func (m *Memory) Subscribe(path string, fn func(Snapshot)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = &watcher{path: path, fn: fn}
	initial := Snapshot{Path: path, Value: copyValue(m.getLocked(splitPath(path)))}
	m.mu.Unlock()

	// Initial value event, like a real store fires on attach.
	fn(initial)

	return func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}
}

func (m *Memory) SubscribeConnected(fn func(bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.connWatchers[id] = fn
	current := m.online
	m.mu.Unlock()

	fn(current)

	return func() {
		m.mu.Lock()
		delete(m.connWatchers, id)
		m.mu.Unlock()
	}
}

func (m *Memory) OnDisconnect(path string, fields map[string]Value) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.online {
		return nil, ErrOffline
	}
	id := m.nextID
	m.nextID++
	copied := make(map[string]Value, len(fields))
	for k, v := range fields {
		copied[k] = copyValue(v)
	}
	m.disconnects[id] = odReg{path: path, fields: copied}
	return func() {
		m.mu.Lock()
		delete(m.disconnects, id)
		m.mu.Unlock()
	}, nil
}

// write applies a mutation atomically: rule check against the old value and
// installation of the new value happen under one lock, so two racing
// conditional writes serialize and the loser observes the winner's value.
func (m *Memory) write(path string, mutate func(parts []string, old Value) (Value, error)) error {
	m.mu.Lock()
	if !m.online {
		m.mu.Unlock()
		return ErrOffline
	}
	parts := splitPath(path)
	old := m.getLocked(parts)

	next, err := mutate(parts, old)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	for _, rule := range m.rules {
		if matchPattern(rule.Pattern, parts) && !rule.Allow(copyValue(old), copyValue(next)) {
			m.mu.Unlock()
			return ErrPermissionDenied
		}
	}
	m.setLocked(parts, next)
	notify, snaps := m.watchersForLocked(path)
	m.mu.Unlock()

	for i, fn := range notify {
		fn(snaps[i])
	}
	return nil
}

// mergeLocked applies an on-disconnect merge; rules are not consulted since
// the registration was accepted up front.
func (m *Memory) mergeLocked(parts []string, fields map[string]Value) {
	branch, _ := copyValue(m.getLocked(parts)).(map[string]Value)
	if branch == nil {
		branch = make(map[string]Value)
	}
	for k, v := range fields {
		if v == nil {
			delete(branch, k)
			continue
		}
		branch[k] = m.resolveTimestampsLocked(copyValue(v))
	}
	m.setLocked(parts, branch)
}

func (m *Memory) getLocked(parts []string) Value {
	var cur Value = m.root
	for _, p := range parts {
		branch, ok := cur.(map[string]Value)
		if !ok {
			return nil
		}
		cur, ok = branch[p]
		if !ok {
			return nil
		}
	}
	return cur
}

func (m *Memory) setLocked(parts []string, v Value) {
	if len(parts) == 0 {
		if branch, ok := v.(map[string]Value); ok {
			m.root = branch
		} else {
			m.root = make(map[string]Value)
		}
		return
	}
	cur := m.root
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]Value)
		if !ok {
			next = make(map[string]Value)
			cur[p] = next
		}
		cur = next
	}
	last := parts[len(parts)-1]
	if v == nil {
		delete(cur, last)
		return
	}
	cur[last] = v
}

// watchersForLocked collects callbacks for every watcher whose path is an
// ancestor, descendant or equal of the written path, with a fresh snapshot
// of the watcher's own subtree.
func (m *Memory) watchersForLocked(written string) ([]func(Snapshot), []Snapshot) {
	wparts := splitPath(written)
	var fns []func(Snapshot)
	var snaps []Snapshot
	for _, w := range m.watchers {
		if !pathsRelated(splitPath(w.path), wparts) {
			continue
		}
		fns = append(fns, w.fn)
		snaps = append(snaps, Snapshot{Path: w.path, Value: copyValue(m.getLocked(splitPath(w.path)))})
	}
	return fns, snaps
}

func (m *Memory) resolveTimestampsLocked(v Value) Value {
	switch tv := v.(type) {
	case serverTimestamp:
		return m.now().UnixMilli()
	case map[string]Value:
		for k, child := range tv {
			tv[k] = m.resolveTimestampsLocked(child)
		}
		return tv
	default:
		return v
	}
}

// nextPushIDLocked generates a child key that sorts lexicographically in
// insertion order: fixed-width base36 epoch millis plus a per-millisecond
// sequence number.
func (m *Memory) nextPushIDLocked() string {
	ms := m.now().UnixMilli()
	if ms == m.lastPushMs {
		m.pushSeq++
	} else {
		m.lastPushMs = ms
		m.pushSeq = 0
	}
	ts := strconv.FormatInt(ms, 36)
	for len(ts) < 10 {
		ts = "0" + ts
	}
	seq := strconv.Itoa(m.pushSeq)
	for len(seq) < 4 {
		seq = "0" + seq
	}
	return "-" + ts + seq
}

func copyValue(v Value) Value {
	switch tv := v.(type) {
	case map[string]Value:
		out := make(map[string]Value, len(tv))
		for k, child := range tv {
			out[k] = copyValue(child)
		}
		return out
	case []Value:
		out := make([]Value, len(tv))
		for i, child := range tv {
			out[i] = copyValue(child)
		}
		return out
	default:
		return v
	}
}

func matchPattern(pattern string, parts []string) bool {
	pparts := splitPath(pattern)
	if len(pparts) != len(parts) {
		return false
	}
	for i, pp := range pparts {
		if pp != "*" && pp != parts[i] {
			return false
		}
	}
	return true
}

func pathsRelated(a, b []string) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
