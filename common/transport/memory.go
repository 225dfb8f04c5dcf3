package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is the in-process Transport. It keeps streams, groups and pending
// sets in maps guarded by one mutex, plus per-stream waiter channels used only
// to wake blocked readers. Semantics mirror the Redis backend exactly.
type Memory struct {
	mu        sync.Mutex
	streams   map[string]*memStream
	waiters   map[string][]*waiter
	connected bool
	now       func() time.Time
	logger    Logger
}

// waiter wakes one blocked reader. It may be registered under several streams,
// so firing goes through a Once.
type waiter struct {
	ch   chan struct{}
	once sync.Once
}

func (w *waiter) fire() {
	w.once.Do(func() { close(w.ch) })
}

type memStream struct {
	entries []Message
	lastID  StreamID
	groups  map[string]*memGroup
}

type memGroup struct {
	lastDelivered StreamID
	// pending[consumer] holds delivered-but-unacked entry IDs. A given ID
	// lives in at most one consumer's set.
	pending map[string]map[string]struct{}
}

// NewMemory creates an in-memory transport.
func NewMemory(logger Logger) *Memory {
	return &Memory{
		streams: make(map[string]*memStream),
		waiters: make(map[string][]*waiter),
		now:     time.Now,
		logger:  logger,
	}
}

// SetClock overrides the wall clock used for "*" ID allocation. Tests only.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Connect marks the transport usable.
func (m *Memory) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// Disconnect drops all cached state and releases blocked readers.
func (m *Memory) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.streams = make(map[string]*memStream)
	for stream, ws := range m.waiters {
		for _, w := range ws {
			w.fire()
		}
		delete(m.waiters, stream)
	}
	return nil
}

// Quit is equivalent to Disconnect for the in-memory backend.
func (m *Memory) Quit(ctx context.Context) error {
	return m.Disconnect()
}

func (m *Memory) checkConnected() error {
	if !m.connected {
		return fmt.Errorf("memory transport not connected: %w", ErrUnavailable)
	}
	return nil
}

// XAdd appends an entry. With id "*" the next ID combines wall-clock
// milliseconds with a monotonically increasing sequence so that it orders
// strictly after every existing entry as a (ms, seq) pair.
func (m *Memory) XAdd(ctx context.Context, stream, id string, fields map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkConnected(); err != nil {
		return "", err
	}

	s := m.streams[stream]
	if s == nil {
		s = &memStream{groups: make(map[string]*memGroup)}
		m.streams[stream] = s
	}

	var entryID StreamID
	if id == "*" {
		entryID = m.nextID(s)
	} else {
		parsed, err := ParseID(id)
		if err != nil {
			return "", err
		}
		if !parsed.After(s.lastID) {
			return "", fmt.Errorf("the ID specified in XADD is equal or smaller than the target stream top item")
		}
		entryID = parsed
	}

	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}

	s.entries = append(s.entries, Message{ID: entryID.String(), Fields: copied})
	s.lastID = entryID

	m.wake(stream)
	return entryID.String(), nil
}

func (m *Memory) nextID(s *memStream) StreamID {
	ms := m.now().UnixMilli()
	if ms > s.lastID.Ms {
		return StreamID{Ms: ms}
	}
	// Clock stalled or ran backwards: stay on the last millisecond and bump
	// the sequence so ordering never regresses.
	return StreamID{Ms: s.lastID.Ms, Seq: s.lastID.Seq + 1}
}

// XGroupCreate registers a consumer group at startID.
func (m *Memory) XGroupCreate(ctx context.Context, stream, group, startID string, mkStream bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkConnected(); err != nil {
		return err
	}

	s := m.streams[stream]
	if s == nil {
		if !mkStream {
			return fmt.Errorf("stream %s: %w", stream, ErrNoSuchKey)
		}
		s = &memStream{groups: make(map[string]*memGroup)}
		m.streams[stream] = s
	}

	if _, exists := s.groups[group]; exists {
		return fmt.Errorf("group %s on stream %s: %w", group, stream, ErrGroupExists)
	}

	var start StreamID
	switch startID {
	case "$":
		start = s.lastID
	case "0":
		start = ZeroID
	default:
		parsed, err := ParseID(startID)
		if err != nil {
			return err
		}
		start = parsed
	}

	s.groups[group] = &memGroup{
		lastDelivered: start,
		pending:       make(map[string]map[string]struct{}),
	}
	return nil
}

// XReadGroup reads messages for a consumer according to each cursor's ID mode.
func (m *Memory) XReadGroup(ctx context.Context, group, consumer string, cursors []Cursor, count int, block time.Duration) ([]StreamMessages, error) {
	result, wait, err := m.readOnce(group, consumer, cursors, count, block > 0)
	if err != nil {
		return nil, err
	}
	if result != nil || block <= 0 {
		return result, nil
	}

	// Nothing yet. Wait for a new entry on any listed stream, then re-read once.
	timer := time.NewTimer(block)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case <-wait:
	}

	result, _, err = m.readOnce(group, consumer, cursors, count, false)
	return result, err
}

func (m *Memory) readOnce(group, consumer string, cursors []Cursor, count int, registerWaiter bool) ([]StreamMessages, <-chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkConnected(); err != nil {
		return nil, nil, err
	}

	var result []StreamMessages
	for _, cur := range cursors {
		s := m.streams[cur.Stream]
		var g *memGroup
		if s != nil {
			g = s.groups[group]
		}
		if g == nil {
			return nil, nil, fmt.Errorf("group %s on stream %s: %w", group, cur.Stream, ErrNoGroup)
		}

		var msgs []Message
		switch cur.ID {
		case ">":
			msgs = m.deliverNew(s, g, consumer, count)
		case "0":
			msgs = m.pendingFor(s, g, consumer, count)
		default:
			after, err := ParseID(cur.ID)
			if err != nil {
				return nil, nil, err
			}
			msgs = entriesAfter(s, after, count)
		}

		if len(msgs) > 0 {
			result = append(result, StreamMessages{Stream: cur.Stream, Messages: msgs})
		}
	}

	if result != nil || !registerWaiter {
		return result, nil, nil
	}

	w := &waiter{ch: make(chan struct{})}
	for _, cur := range cursors {
		m.waiters[cur.Stream] = append(m.waiters[cur.Stream], w)
	}
	return nil, w.ch, nil
}

// deliverNew hands out entries beyond the group's last-delivered ID, advances
// that cursor, and records each entry in the consumer's pending set.
func (m *Memory) deliverNew(s *memStream, g *memGroup, consumer string, count int) []Message {
	var msgs []Message
	for _, entry := range s.entries {
		id, _ := ParseID(entry.ID)
		if !id.After(g.lastDelivered) {
			continue
		}
		msgs = append(msgs, entry)
		g.lastDelivered = id

		set := g.pending[consumer]
		if set == nil {
			set = make(map[string]struct{})
			g.pending[consumer] = set
		}
		set[entry.ID] = struct{}{}

		if count > 0 && len(msgs) >= count {
			break
		}
	}
	return msgs
}

// pendingFor returns the consumer's own pending entries in ID order, without
// mutating group state.
func (m *Memory) pendingFor(s *memStream, g *memGroup, consumer string, count int) []Message {
	set := g.pending[consumer]
	if len(set) == 0 {
		return nil
	}

	ids := make([]StreamID, 0, len(set))
	for raw := range set {
		id, _ := ParseID(raw)
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	byID := make(map[string]Message, len(s.entries))
	for _, entry := range s.entries {
		byID[entry.ID] = entry
	}

	var msgs []Message
	for _, id := range ids {
		if entry, ok := byID[id.String()]; ok {
			msgs = append(msgs, entry)
		}
		if count > 0 && len(msgs) >= count {
			break
		}
	}
	return msgs
}

func entriesAfter(s *memStream, after StreamID, count int) []Message {
	var msgs []Message
	for _, entry := range s.entries {
		id, _ := ParseID(entry.ID)
		if !id.After(after) {
			continue
		}
		msgs = append(msgs, entry)
		if count > 0 && len(msgs) >= count {
			break
		}
	}
	return msgs
}

// XAck removes id from whichever consumer's pending set holds it.
func (m *Memory) XAck(ctx context.Context, stream, group, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkConnected(); err != nil {
		return 0, err
	}

	s := m.streams[stream]
	if s == nil {
		return 0, nil
	}
	g := s.groups[group]
	if g == nil {
		return 0, nil
	}

	for consumer, set := range g.pending {
		if _, ok := set[id]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(g.pending, consumer)
			}
			return 1, nil
		}
	}
	return 0, nil
}

// XLen returns the entry count of a stream (0 when absent).
func (m *Memory) XLen(ctx context.Context, stream string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkConnected(); err != nil {
		return 0, err
	}

	s := m.streams[stream]
	if s == nil {
		return 0, nil
	}
	return int64(len(s.entries)), nil
}

// Del removes streams along with their groups.
func (m *Memory) Del(ctx context.Context, streams ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkConnected(); err != nil {
		return err
	}

	for _, stream := range streams {
		delete(m.streams, stream)
	}
	return nil
}

// XInfoGroups lists the groups of a stream.
func (m *Memory) XInfoGroups(ctx context.Context, stream string) ([]GroupInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkConnected(); err != nil {
		return nil, err
	}

	s := m.streams[stream]
	if s == nil {
		return nil, fmt.Errorf("stream %s: %w", stream, ErrNoSuchKey)
	}

	names := make([]string, 0, len(s.groups))
	for name := range s.groups {
		names = append(names, name)
	}
	sort.Strings(names)

	infos := make([]GroupInfo, 0, len(names))
	for _, name := range names {
		g := s.groups[name]
		pending := 0
		for _, set := range g.pending {
			pending += len(set)
		}
		infos = append(infos, GroupInfo{
			Name:            name,
			Consumers:       len(g.pending),
			Pending:         pending,
			LastDeliveredID: g.lastDelivered.String(),
		})
	}
	return infos, nil
}

// XGroupDestroy removes a consumer group. Returns 1 if it existed.
func (m *Memory) XGroupDestroy(ctx context.Context, stream, group string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkConnected(); err != nil {
		return 0, err
	}

	s := m.streams[stream]
	if s == nil {
		return 0, fmt.Errorf("stream %s: %w", stream, ErrNoSuchKey)
	}
	if _, ok := s.groups[group]; !ok {
		return 0, nil
	}
	delete(s.groups, group)
	return 1, nil
}

func (m *Memory) wake(stream string) {
	for _, w := range m.waiters[stream] {
		w.fire()
	}
	delete(m.waiters, stream)
}
