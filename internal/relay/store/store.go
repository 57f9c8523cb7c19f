// Package store holds the relay's only mutable state: sessions,
// connections, and per-session queues of undeliverable envelopes.
// Everything lives in memory behind one mutex; TTLs are authoritative
// and checked on every read, so a stale entry can never be served
// even if the janitor has not swept it yet.
package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"doomcode/go-backend/internal/wire"
)

const (
	// SessionTTL bounds a session's absolute lifetime.
	SessionTTL = 24 * time.Hour
	// QueueTTL bounds how long an undelivered envelope is held.
	QueueTTL = 24 * time.Hour
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrSlotOccupied    = errors.New("slot occupied")
	ErrBadRole         = errors.New("unknown role")
)

// Slot binds one role of a session to a live connection and the
// public key it joined with.
type Slot struct {
	ConnectionID string
	PublicKey    string
}

// Session is one controller/operator rendezvous. LastOperatorKey
// survives operator disconnects so a rejoin with a different key can
// be detected and the queue purged.
type Session struct {
	ID              string
	CreatedAt       time.Time
	ExpiresAt       time.Time
	Controller      *Slot
	Operator        *Slot
	LastOperatorKey string
}

func (s *Session) slot(role string) **Slot {
	switch role {
	case wire.RoleController:
		return &s.Controller
	case wire.RoleOperator:
		return &s.Operator
	default:
		return nil
	}
}

// Connection is the relay-side record of one transport connection.
type Connection struct {
	ID          string
	SessionID   string
	Role        string
	PublicKey   string
	ConnectedAt time.Time
}

// QueuedEnvelope is an envelope held for a momentarily absent
// operator, ordered by QueuedAt.
type QueuedEnvelope struct {
	Envelope  wire.Envelope
	QueuedAt  time.Time
	ExpiresAt time.Time
}

// Stats is a point-in-time snapshot for metrics and queue_status.
type Stats struct {
	Sessions    int
	Connections int
	Queued      int
}

// Store owns the three tables. All operations take the single lock,
// which is what makes slot and queue updates atomic: two concurrent
// joins for one role serialize here and the second sees a filled slot.
type Store struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	connections map[string]*Connection
	queues      map[string][]QueuedEnvelope

	now func() time.Time
}

func New() *Store {
	return &Store{
		sessions:    make(map[string]*Session),
		connections: make(map[string]*Connection),
		queues:      make(map[string][]QueuedEnvelope),
		now:         time.Now,
	}
}

// SetClock overrides the store clock. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// CreateSession registers a fresh session with the fixed TTL.
func (s *Store) CreateSession(id string) Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	sess := &Session{ID: id, CreatedAt: now, ExpiresAt: now.Add(SessionTTL)}
	s.sessions[id] = sess
	return *sess
}

// GetSession returns a live session copy. Expired sessions are
// removed on sight.
func (s *Store) GetSession(id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.liveSessionLocked(id)
	if err != nil {
		return Session{}, err
	}
	return copySession(sess), nil
}

func (s *Store) liveSessionLocked(id string) (*Session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if !s.now().Before(sess.ExpiresAt) {
		s.dropSessionLocked(id)
		return nil, ErrSessionExpired
	}
	return sess, nil
}

func (s *Store) dropSessionLocked(id string) {
	if sess, ok := s.sessions[id]; ok {
		for _, slot := range []*Slot{sess.Controller, sess.Operator} {
			if slot != nil {
				delete(s.connections, slot.ConnectionID)
			}
		}
	}
	delete(s.sessions, id)
	delete(s.queues, id)
}

// SetSessionSlot fills a role slot in one atomic update. Fails with
// ErrSlotOccupied if another connection already holds the role; the
// caller decides whether to probe and evict.
func (s *Store) SetSessionSlot(sessionID, role, connectionID, publicKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.liveSessionLocked(sessionID)
	if err != nil {
		return err
	}
	slot := sess.slot(role)
	if slot == nil {
		return ErrBadRole
	}
	if *slot != nil {
		return ErrSlotOccupied
	}
	*slot = &Slot{ConnectionID: connectionID, PublicKey: publicKey}
	s.connections[connectionID] = &Connection{
		ID:          connectionID,
		SessionID:   sessionID,
		Role:        role,
		PublicKey:   publicKey,
		ConnectedAt: s.now(),
	}
	return nil
}

// ClearSessionSlot empties a role slot and drops its connection
// record. Clearing an already-empty slot is a no-op.
func (s *Store) ClearSessionSlot(sessionID, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	slot := sess.slot(role)
	if slot == nil || *slot == nil {
		return
	}
	delete(s.connections, (*slot).ConnectionID)
	*slot = nil
}

// EvictSlot clears a slot only while a specific connection holds it,
// so a probe-evict cannot race a legitimate rejoin.
func (s *Store) EvictSlot(sessionID, role, connectionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return false
	}
	slot := sess.slot(role)
	if slot == nil || *slot == nil || (*slot).ConnectionID != connectionID {
		return false
	}
	delete(s.connections, connectionID)
	*slot = nil
	return true
}

// OperatorKeyChanged records publicKey as the session's operator key
// and reports whether a different key was recorded before. Atomic, so
// a rotation check and its bookkeeping cannot interleave with another
// join.
func (s *Store) OperatorKeyChanged(sessionID, publicKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.liveSessionLocked(sessionID)
	if err != nil {
		return false, err
	}
	changed := sess.LastOperatorKey != "" && sess.LastOperatorKey != publicKey
	sess.LastOperatorKey = publicKey
	return changed, nil
}

// GetConnection looks up a connection record.
func (s *Store) GetConnection(connectionID string) (Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[connectionID]
	if !ok {
		return Connection{}, false
	}
	return *c, true
}

// DeleteConnection removes the record and clears the slot it held.
func (s *Store) DeleteConnection(connectionID string) (Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[connectionID]
	if !ok {
		return Connection{}, false
	}
	delete(s.connections, connectionID)
	if sess, ok := s.sessions[c.SessionID]; ok {
		if slot := sess.slot(c.Role); slot != nil && *slot != nil && (*slot).ConnectionID == connectionID {
			*slot = nil
		}
	}
	return *c, true
}

// Enqueue holds an envelope for the absent operator.
func (s *Store) Enqueue(sessionID string, env wire.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.liveSessionLocked(sessionID); err != nil {
		return err
	}
	now := s.now()
	s.queues[sessionID] = append(s.queues[sessionID], QueuedEnvelope{
		Envelope:  env,
		QueuedAt:  now,
		ExpiresAt: now.Add(QueueTTL),
	})
	return nil
}

// ListQueue returns live queued envelopes ascending by QueuedAt.
// Expired entries are pruned, never returned.
func (s *Store) ListQueue(sessionID string) []QueuedEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := s.pruneQueueLocked(sessionID)
	out := make([]QueuedEnvelope, len(live))
	copy(out, live)
	sort.SliceStable(out, func(i, j int) bool { return out[i].QueuedAt.Before(out[j].QueuedAt) })
	return out
}

func (s *Store) pruneQueueLocked(sessionID string) []QueuedEnvelope {
	q := s.queues[sessionID]
	if len(q) == 0 {
		return nil
	}
	now := s.now()
	live := q[:0]
	for _, item := range q {
		if now.Before(item.ExpiresAt) {
			live = append(live, item)
		}
	}
	if len(live) == 0 {
		delete(s.queues, sessionID)
		return nil
	}
	s.queues[sessionID] = live
	return live
}

// DeleteQueuedUpTo removes all queued envelopes up to and including
// messageID, in queue order. An absent id deletes nothing; a
// reordered or repeated ack is a no-op, not an error.
func (s *Store) DeleteQueuedUpTo(sessionID, messageID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.pruneQueueLocked(sessionID)
	cut := -1
	for i, item := range q {
		if item.Envelope.MessageID == messageID {
			cut = i
			break
		}
	}
	if cut < 0 {
		return 0
	}
	rest := append([]QueuedEnvelope(nil), q[cut+1:]...)
	if len(rest) == 0 {
		delete(s.queues, sessionID)
	} else {
		s.queues[sessionID] = rest
	}
	return cut + 1
}

// PurgeQueue drops every queued envelope for the session.
func (s *Store) PurgeQueue(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.queues[sessionID])
	delete(s.queues, sessionID)
	return n
}

// Sweep evicts expired sessions and envelopes; returns how many
// sessions were dropped. Called periodically by the relay.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	dropped := 0
	for id, sess := range s.sessions {
		if !now.Before(sess.ExpiresAt) {
			s.dropSessionLocked(id)
			dropped++
		}
	}
	for id := range s.queues {
		s.pruneQueueLocked(id)
	}
	return dropped
}

// Snapshot reports table sizes.
func (s *Store) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	queued := 0
	for _, q := range s.queues {
		queued += len(q)
	}
	return Stats{Sessions: len(s.sessions), Connections: len(s.connections), Queued: queued}
}

func copySession(in *Session) Session {
	out := Session{ID: in.ID, CreatedAt: in.CreatedAt, ExpiresAt: in.ExpiresAt, LastOperatorKey: in.LastOperatorKey}
	if in.Controller != nil {
		c := *in.Controller
		out.Controller = &c
	}
	if in.Operator != nil {
		o := *in.Operator
		out.Operator = &o
	}
	return out
}
