package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"slices"
	"sync"
	"time"

	domain "github.com/example/chat-hub/domain/chat"
	"github.com/example/chat-hub/modules/metrics"
	"github.com/google/uuid"
)

// DefaultWindow is the number of messages kept per room.
const DefaultWindow = 100

const (
	writers        = 4
	writeQueueSize = 1024
	writeTimeout   = 5 * time.Second
)

// entry is the local record of one message. The durable write happens in two
// steps so a partially persisted message can be completed on re-ingest.
// mu guards msg and the flags; writeMu serializes the durable writes so that
// cache round trips never hold mu.
type entry struct {
	mu        sync.Mutex
	msg       domain.Message
	keyStored bool
	listed    bool

	writeMu sync.Mutex
}

func (e *entry) persisted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.keyStored && e.listed
}

type logEntry struct {
	id string
	at time.Time
}

// recentLog is a bounded list of message ids ordered by timestamp.
type recentLog struct {
	mu      sync.Mutex
	entries []logEntry
}

// insert places id by at and returns the ids that fell out of the window,
// which may include id itself when it is older than everything kept.
func (l *recentLog) insert(id string, at time.Time, window int) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := len(l.entries)
	for i > 0 && l.entries[i-1].at.After(at) {
		i--
	}
	l.entries = slices.Insert(l.entries, i, logEntry{id: id, at: at})
	if len(l.entries) <= window {
		return nil
	}

	cut := len(l.entries) - window
	evicted := make([]string, 0, cut)
	for _, le := range l.entries[:cut] {
		evicted = append(evicted, le.id)
	}
	l.entries = slices.Clone(l.entries[cut:])
	return evicted
}

func (l *recentLog) last(n int) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	start := max(len(l.entries)-n, 0)
	out := make([]string, 0, len(l.entries)-start)
	for _, le := range l.entries[start:] {
		out = append(out, le.id)
	}
	return out
}

type writeTask struct {
	run  func(ctx context.Context)
	done chan struct{}
}

// Store is the message history. Every ingested message is indexed locally
// first; the Cache write happens on a background writer so live delivery
// never waits on it. Writes for one room keep their order. Messages are
// deduplicated by id both locally and in the cache.
type Store struct {
	cache   Cache
	window  int
	log     *slog.Logger
	metrics *metrics.Metrics

	index   sync.Map // messageID -> *entry
	rooms   sync.Map // roomID -> *recentLog
	adopted recentLog

	mu     sync.RWMutex
	closed bool
	queues []chan writeTask
	wg     sync.WaitGroup
}

// NewStore creates a Store keeping window messages per room and starts its
// background writers. Close stops them.
func NewStore(cache Cache, window int, log *slog.Logger, m *metrics.Metrics) *Store {
	if window <= 0 {
		window = DefaultWindow
	}
	s := &Store{
		cache:   cache,
		window:  window,
		log:     log,
		metrics: m,
		queues:  make([]chan writeTask, writers),
	}
	for i := range s.queues {
		s.queues[i] = make(chan writeTask, writeQueueSize)
		s.wg.Add(1)
		go s.writer(s.queues[i])
	}
	return s
}

// Window returns the per-room history bound.
func (s *Store) Window() int {
	return s.window
}

// Ingest records msg under roomID and returns its id, generating one when
// msg has none. The durable write is queued, not awaited. Ingesting an id
// that is already known never creates a second history entry. A returned
// ErrStoreUnavailable means the write queue is full; the message is still
// held locally.
func (s *Store) Ingest(_ context.Context, roomID string, msg *domain.Message) (string, error) {
	e, loaded := s.admit(roomID, msg)
	s.metrics.Ingested(loaded)
	if loaded && e.persisted() {
		return msg.ID, nil
	}

	if !s.enqueue(msg.RoomID, func(ctx context.Context) { s.persistInBackground(ctx, e) }) {
		s.metrics.StoreError()
		return msg.ID, fmt.Errorf("%w: write queue full", domain.ErrStoreUnavailable)
	}
	return msg.ID, nil
}

// Persist is Ingest with the durable write done before it returns. Any cache
// failure comes back as ErrStoreUnavailable with the message held locally,
// so a redelivered event can complete the write later.
func (s *Store) Persist(ctx context.Context, roomID string, msg *domain.Message) (string, error) {
	e, loaded := s.admit(roomID, msg)
	s.metrics.Ingested(loaded)

	if err := s.persist(ctx, e); err != nil {
		s.metrics.StoreError()
		return msg.ID, err
	}
	return msg.ID, nil
}

// admit fills in the missing fields of msg and indexes it locally.
func (s *Store) admit(roomID string, msg *domain.Message) (*entry, bool) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if roomID != "" {
		msg.RoomID = roomID
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.ReadBy == nil {
		msg.ReadBy = []string{}
	}

	v, loaded := s.index.LoadOrStore(msg.ID, &entry{msg: msg.Clone()})
	if !loaded {
		s.remember(msg.RoomID, msg.ID, msg.Timestamp)
	}
	return v.(*entry), loaded
}

// remember adds id to the room's local log and drops ids that fell out of the window.
func (s *Store) remember(roomID, id string, at time.Time) {
	v, _ := s.rooms.LoadOrStore(roomID, &recentLog{})
	for _, old := range v.(*recentLog).insert(id, at, s.window) {
		s.index.Delete(old)
	}
}

func (s *Store) persistInBackground(ctx context.Context, e *entry) {
	if err := s.persist(ctx, e); err != nil {
		s.metrics.StoreError()
		e.mu.Lock()
		id, room := e.msg.ID, e.msg.RoomID
		e.mu.Unlock()
		s.log.Warn("Message held locally, not persisted", "message", id, "room", room, "error", err)
	}
}

// persist completes whichever durable steps e is missing.
func (s *Store) persist(ctx context.Context, e *entry) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.mu.Lock()
	keyStored, listed := e.keyStored, e.listed
	msg := e.msg.Clone()
	e.mu.Unlock()
	if keyStored && listed {
		return nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message %s: %w", msg.ID, err)
	}

	if !keyStored {
		created, err := s.cache.SetNX(ctx, messageKey(msg.ID), data)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
		}
		e.mu.Lock()
		e.keyStored = true
		if !created {
			// Already written by another instance, which also appended it.
			e.listed = true
		}
		e.mu.Unlock()
		if !created {
			s.log.Debug("Message already persisted", "message", msg.ID)
			return nil
		}
	}

	if !listed {
		if err := s.cache.ListAppend(ctx, roomKey(msg.RoomID), data, s.window); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
		}
		e.mu.Lock()
		e.listed = true
		e.mu.Unlock()
	}
	return nil
}

func (s *Store) enqueue(roomID string, run func(ctx context.Context)) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.queues[s.shard(roomID)] <- writeTask{run: run}:
		return true
	default:
		return false
	}
}

func (s *Store) shard(roomID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(roomID))
	return int(h.Sum32() % uint32(len(s.queues)))
}

func (s *Store) writer(queue <-chan writeTask) {
	defer s.wg.Done()
	for task := range queue {
		if task.run != nil {
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			task.run(ctx)
			cancel()
		}
		if task.done != nil {
			close(task.done)
		}
	}
}

// Pending returns the number of queued durable writes.
func (s *Store) Pending() int {
	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	return n
}

// Flush waits until every write queued before the call has been attempted.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil
	}
	dones := make([]chan struct{}, 0, len(s.queues))
	for _, q := range s.queues {
		done := make(chan struct{})
		select {
		case q <- writeTask{done: done}:
		case <-ctx.Done():
			s.mu.RUnlock()
			return ctx.Err()
		}
		dones = append(dones, done)
	}
	s.mu.RUnlock()

	for _, done := range dones {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close drains the queued writes and stops the writers. Later writes fail
// with ErrStoreUnavailable.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, q := range s.queues {
		close(q)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("history writers: %w", ctx.Err())
	}
}

// GetHistory returns up to limit of the room's newest messages, oldest first.
// Unknown rooms yield an empty slice. Messages whose durable write is still
// pending are included. When the cache cannot be read, the locally held
// messages are returned instead.
func (s *Store) GetHistory(ctx context.Context, roomID string, limit int) []domain.Message {
	if limit <= 0 {
		return []domain.Message{}
	}
	limit = min(limit, s.window)

	// Taken before the list read: an entry listed in between is in one of the two.
	pending := s.pending(roomID, limit)

	raw, err := s.cache.ListRange(ctx, roomKey(roomID), int64(-limit), -1)
	if err != nil {
		s.metrics.StoreError()
		s.log.Warn("History cache unavailable, serving local history", "room", roomID, "error", err)
		return s.localHistory(roomID, limit)
	}

	out := make([]domain.Message, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	var cold []int
	for _, b := range raw {
		var m domain.Message
		if err := json.Unmarshal(b, &m); err != nil {
			s.log.Warn("Skipping undecodable history entry", "room", roomID, "error", err)
			continue
		}
		if m.ReadBy == nil {
			m.ReadBy = []string{}
		}
		if v, ok := s.index.Load(m.ID); ok {
			e := v.(*entry)
			e.mu.Lock()
			m.MergeReaders(e.msg.ReadBy)
			e.mu.Unlock()
		} else {
			cold = append(cold, len(out))
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	s.mergeDurableReaders(ctx, out, cold)

	added := false
	for _, m := range pending {
		if _, dup := seen[m.ID]; !dup {
			out = append(out, m)
			added = true
		}
	}
	if !added {
		return out
	}
	slices.SortStableFunc(out, func(a, b domain.Message) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out[max(len(out)-limit, 0):]
}

// pending returns the room's local messages not yet in the cache list.
func (s *Store) pending(roomID string, limit int) []domain.Message {
	v, ok := s.rooms.Load(roomID)
	if !ok {
		return nil
	}

	var out []domain.Message
	for _, id := range v.(*recentLog).last(limit) {
		ev, ok := s.index.Load(id)
		if !ok {
			continue
		}
		e := ev.(*entry)
		e.mu.Lock()
		if !e.listed {
			out = append(out, e.msg.Clone())
		}
		e.mu.Unlock()
	}
	return out
}

// mergeDurableReaders refreshes read state for messages not held locally;
// list entries carry the state at append time only.
func (s *Store) mergeDurableReaders(ctx context.Context, msgs []domain.Message, positions []int) {
	if len(positions) == 0 {
		return
	}
	keys := make([]string, len(positions))
	for i, p := range positions {
		keys[i] = messageKey(msgs[p].ID)
	}

	values, err := s.cache.GetMany(ctx, keys...)
	if err != nil {
		s.log.Debug("Could not refresh read receipts for history", "error", err)
		return
	}
	for i, b := range values {
		if b == nil {
			continue
		}
		var durable domain.Message
		if err := json.Unmarshal(b, &durable); err != nil {
			continue
		}
		msgs[positions[i]].MergeReaders(durable.ReadBy)
	}
}

func (s *Store) localHistory(roomID string, limit int) []domain.Message {
	v, ok := s.rooms.Load(roomID)
	if !ok {
		return []domain.Message{}
	}

	ids := v.(*recentLog).last(limit)
	out := make([]domain.Message, 0, len(ids))
	for _, id := range ids {
		ev, ok := s.index.Load(id)
		if !ok {
			continue
		}
		e := ev.(*entry)
		e.mu.Lock()
		out = append(out, e.msg.Clone())
		e.mu.Unlock()
	}
	return out
}

// GetByID returns the message with the given id or domain.ErrNotFound.
func (s *Store) GetByID(ctx context.Context, messageID string) (domain.Message, error) {
	if v, ok := s.index.Load(messageID); ok {
		e := v.(*entry)
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.msg.Clone(), nil
	}
	return s.loadDurable(ctx, messageID)
}

func (s *Store) loadDurable(ctx context.Context, messageID string) (domain.Message, error) {
	data, err := s.cache.Get(ctx, messageKey(messageID))
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return domain.Message{}, fmt.Errorf("%w: message %s", domain.ErrNotFound, messageID)
		}
		s.metrics.StoreError()
		return domain.Message{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return domain.Message{}, fmt.Errorf("failed to decode message %s: %w", messageID, err)
	}
	if msg.ReadBy == nil {
		msg.ReadBy = []string{}
	}
	return msg, nil
}

// lookup returns the local entry for messageID, adopting it from the cache
// when it is not held locally. Only this adoption reads the cache.
func (s *Store) lookup(ctx context.Context, messageID string) (*entry, error) {
	if v, ok := s.index.Load(messageID); ok {
		return v.(*entry), nil
	}

	msg, err := s.loadDurable(ctx, messageID)
	if err != nil {
		return nil, err
	}

	v, loaded := s.index.LoadOrStore(messageID, &entry{msg: msg, keyStored: true, listed: true})
	if !loaded {
		for _, old := range s.adopted.insert(messageID, time.Now(), s.window) {
			s.index.Delete(old)
		}
	}
	return v.(*entry), nil
}

// MarkRead adds userID to the message's read set. added is false when the user
// had already read it. Unknown ids yield domain.ErrNotFound. The durable
// update is queued behind the room's pending writes; a returned
// ErrStoreUnavailable still carries the updated message.
func (s *Store) MarkRead(ctx context.Context, messageID, userID string) (domain.Message, bool, error) {
	e, err := s.lookup(ctx, messageID)
	if err != nil {
		return domain.Message{}, false, err
	}

	e.mu.Lock()
	added := e.msg.AddReader(userID)
	msg := e.msg.Clone()
	e.mu.Unlock()
	if !added {
		return msg, false, nil
	}

	if !s.enqueue(msg.RoomID, func(ctx context.Context) { s.writeReaders(ctx, e) }) {
		s.metrics.StoreError()
		return msg, true, fmt.Errorf("%w: write queue full", domain.ErrStoreUnavailable)
	}
	return msg, true, nil
}

// writeReaders merges e's readers with the durable copy and writes it back.
func (s *Store) writeReaders(ctx context.Context, e *entry) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.mu.Lock()
	stored, id := e.keyStored, e.msg.ID
	e.mu.Unlock()
	if !stored {
		// The pending durable write carries the new reader.
		return
	}

	if durable, err := s.loadDurable(ctx, id); err == nil {
		e.mu.Lock()
		e.msg.MergeReaders(durable.ReadBy)
		e.mu.Unlock()
	}

	e.mu.Lock()
	data, err := json.Marshal(e.msg)
	e.mu.Unlock()
	if err != nil {
		s.log.Error("Failed to encode message", "message", id, "error", err)
		return
	}
	if err := s.cache.Set(ctx, messageKey(id), data); err != nil {
		s.metrics.StoreError()
		s.log.Warn("Read state held locally, not persisted", "message", id, "error", err)
	}
}

// Ping checks the cache.
func (s *Store) Ping(ctx context.Context) error {
	return s.cache.Ping(ctx)
}
