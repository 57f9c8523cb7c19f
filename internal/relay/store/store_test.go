package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"doomcode/go-backend/internal/wire"
)

func envWithID(sessionID, messageID string) wire.Envelope {
	return wire.Envelope{
		Version:          wire.EnvelopeVersion,
		SessionID:        sessionID,
		MessageID:        messageID,
		Timestamp:        time.Now().UnixMilli(),
		Sender:           wire.RoleController,
		Nonce:            "bm9uY2U=",
		EncryptedPayload: "Y3Q=",
	}
}

func TestSessionLifecycleAndExpiry(t *testing.T) {
	s := New()
	base := time.Now()
	clock := base
	var mu sync.Mutex
	s.SetClock(func() time.Time { mu.Lock(); defer mu.Unlock(); return clock })

	created := s.CreateSession("s1")
	if created.ExpiresAt.Sub(created.CreatedAt) != SessionTTL {
		t.Fatalf("session TTL must be %v", SessionTTL)
	}
	if _, err := s.GetSession("s1"); err != nil {
		t.Fatalf("fresh session must be readable: %v", err)
	}
	if _, err := s.GetSession("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("got %v, want ErrSessionNotFound", err)
	}

	mu.Lock()
	clock = base.Add(SessionTTL + time.Second)
	mu.Unlock()
	if _, err := s.GetSession("s1"); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("got %v, want ErrSessionExpired", err)
	}
	if err := s.SetSessionSlot("s1", wire.RoleController, "c1", "pk"); err == nil {
		t.Fatal("no operation may succeed on an expired session")
	}
}

func TestSlotExclusivityPerRole(t *testing.T) {
	s := New()
	s.CreateSession("s1")

	if err := s.SetSessionSlot("s1", wire.RoleController, "c1", "pkC"); err != nil {
		t.Fatalf("first join: %v", err)
	}
	if err := s.SetSessionSlot("s1", wire.RoleController, "c2", "pkC2"); !errors.Is(err, ErrSlotOccupied) {
		t.Fatalf("second controller join: got %v, want ErrSlotOccupied", err)
	}
	if err := s.SetSessionSlot("s1", wire.RoleOperator, "o1", "pkO"); err != nil {
		t.Fatalf("operator join beside controller: %v", err)
	}

	conn, ok := s.GetConnection("o1")
	if !ok || conn.Role != wire.RoleOperator || conn.SessionID != "s1" {
		t.Fatalf("connection record wrong: %+v ok=%v", conn, ok)
	}

	s.ClearSessionSlot("s1", wire.RoleController)
	if err := s.SetSessionSlot("s1", wire.RoleController, "c2", "pkC2"); err != nil {
		t.Fatalf("rejoin after clear: %v", err)
	}
}

func TestConcurrentJoinsForSameRoleSerialize(t *testing.T) {
	s := New()
	s.CreateSession("s1")

	const workers = 32
	var wg sync.WaitGroup
	successes := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			conn := fmt.Sprintf("c%d", id)
			if err := s.SetSessionSlot("s1", wire.RoleOperator, conn, "pk"); err == nil {
				successes <- conn
			}
		}(i)
	}
	wg.Wait()
	close(successes)
	if n := len(successes); n != 1 {
		t.Fatalf("exactly one concurrent join may win, got %d", n)
	}
}

func TestEvictSlotOnlyForHolder(t *testing.T) {
	s := New()
	s.CreateSession("s1")
	if err := s.SetSessionSlot("s1", wire.RoleController, "c1", "pk"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if s.EvictSlot("s1", wire.RoleController, "someone-else") {
		t.Fatal("evict must not fire for a non-holder")
	}
	if !s.EvictSlot("s1", wire.RoleController, "c1") {
		t.Fatal("evict must clear the holder")
	}
	if _, ok := s.GetConnection("c1"); ok {
		t.Fatal("evicted connection record must be gone")
	}
}

func TestQueueOrderAckAndPurge(t *testing.T) {
	s := New()
	base := time.Now()
	clock := base
	var mu sync.Mutex
	s.SetClock(func() time.Time { mu.Lock(); defer mu.Unlock(); return clock })
	s.CreateSession("s1")

	for i := 1; i <= 3; i++ {
		mu.Lock()
		clock = base.Add(time.Duration(i) * time.Millisecond)
		mu.Unlock()
		if err := s.Enqueue("s1", envWithID("s1", fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	q := s.ListQueue("s1")
	if len(q) != 3 {
		t.Fatalf("queue length: got %d want 3", len(q))
	}
	for i, item := range q {
		if want := fmt.Sprintf("m%d", i+1); item.Envelope.MessageID != want {
			t.Fatalf("queue order broken at %d: got %s want %s", i, item.Envelope.MessageID, want)
		}
	}

	// Absent id is a no-op, not an error.
	if n := s.DeleteQueuedUpTo("s1", "never-seen"); n != 0 {
		t.Fatalf("ack of unknown id deleted %d", n)
	}
	if n := s.DeleteQueuedUpTo("s1", "m2"); n != 2 {
		t.Fatalf("ack up to m2 deleted %d, want 2", n)
	}
	if q := s.ListQueue("s1"); len(q) != 1 || q[0].Envelope.MessageID != "m3" {
		t.Fatalf("remaining queue wrong: %+v", q)
	}
	// Repeating the same ack is idempotent.
	if n := s.DeleteQueuedUpTo("s1", "m2"); n != 0 {
		t.Fatalf("repeated ack deleted %d", n)
	}

	if n := s.PurgeQueue("s1"); n != 1 {
		t.Fatalf("purge removed %d, want 1", n)
	}
	if q := s.ListQueue("s1"); len(q) != 0 {
		t.Fatal("queue must be empty after purge")
	}
}

func TestExpiredEnvelopesNeverReplayed(t *testing.T) {
	s := New()
	base := time.Now()
	clock := base
	var mu sync.Mutex
	s.SetClock(func() time.Time { mu.Lock(); defer mu.Unlock(); return clock })
	// Session outlives the first envelope's queue TTL.
	s.CreateSession("s1")
	if err := s.Enqueue("s1", envWithID("s1", "old")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	mu.Lock()
	clock = base.Add(QueueTTL - time.Minute)
	mu.Unlock()
	if err := s.Enqueue("s1", envWithID("s1", "fresh")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	mu.Lock()
	clock = base.Add(QueueTTL + time.Minute)
	mu.Unlock()
	q := s.ListQueue("s1")
	if len(q) != 1 || q[0].Envelope.MessageID != "fresh" {
		t.Fatalf("expired envelope leaked into replay: %+v", q)
	}
}

func TestSweepDropsExpiredSessions(t *testing.T) {
	s := New()
	base := time.Now()
	clock := base
	var mu sync.Mutex
	s.SetClock(func() time.Time { mu.Lock(); defer mu.Unlock(); return clock })

	s.CreateSession("old")
	if err := s.SetSessionSlot("old", wire.RoleController, "c1", "pk"); err != nil {
		t.Fatalf("join: %v", err)
	}
	mu.Lock()
	clock = base.Add(SessionTTL + time.Second)
	mu.Unlock()
	s.CreateSession("new")

	if dropped := s.Sweep(); dropped != 1 {
		t.Fatalf("sweep dropped %d, want 1", dropped)
	}
	stats := s.Snapshot()
	if stats.Sessions != 1 || stats.Connections != 0 {
		t.Fatalf("post-sweep stats wrong: %+v", stats)
	}
}

func TestOperatorKeyChangeDetection(t *testing.T) {
	s := New()
	s.CreateSession("s1")

	changed, err := s.OperatorKeyChanged("s1", "KO")
	if err != nil {
		t.Fatalf("first operator key: %v", err)
	}
	if changed {
		t.Fatal("first key must not count as a change")
	}
	if changed, _ = s.OperatorKeyChanged("s1", "KO"); changed {
		t.Fatal("same key must not count as a change")
	}
	if changed, _ = s.OperatorKeyChanged("s1", "KO-prime"); !changed {
		t.Fatal("new key must be detected")
	}
	if _, err := s.OperatorKeyChanged("nope", "K"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("got %v, want ErrSessionNotFound", err)
	}
}

func TestDeleteConnectionClearsItsSlot(t *testing.T) {
	s := New()
	s.CreateSession("s1")
	if err := s.SetSessionSlot("s1", wire.RoleOperator, "o1", "pk"); err != nil {
		t.Fatalf("join: %v", err)
	}
	conn, ok := s.DeleteConnection("o1")
	if !ok || conn.Role != wire.RoleOperator {
		t.Fatalf("delete connection: %+v ok=%v", conn, ok)
	}
	sess, err := s.GetSession("s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Operator != nil {
		t.Fatal("operator slot must be cleared with its connection")
	}
}
