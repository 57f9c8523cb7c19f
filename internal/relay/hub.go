package relay

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"doomcode/go-backend/internal/relay/store"
	"doomcode/go-backend/internal/wire"
)

// Hub routes frames between the two ends of each session. It owns the
// live connection set; all session/queue state lives in the store.
// The relay never decrypts: an envelope is routed or queued on its
// header alone.
type Hub struct {
	store   *store.Store
	metrics *Metrics
	log     *slog.Logger

	mu    sync.Mutex
	conns map[string]*conn
}

func NewHub(st *store.Store, metrics *Metrics, log *slog.Logger) *Hub {
	return &Hub{
		store:   st,
		metrics: metrics,
		log:     log,
		conns:   make(map[string]*conn),
	}
}

// Register adds a freshly upgraded connection and returns its id.
func (h *Hub) Register(c *conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	h.metrics.ConnectionOpened()
}

func (h *Hub) lookup(id string) (*conn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[id]
	return c, ok
}

// HandleFrame dispatches one raw inbound frame from a connection.
func (h *Hub) HandleFrame(c *conn, raw []byte) {
	switch wire.Classify(raw) {
	case wire.KindControl:
		frame, err := wire.DecodeControl(raw)
		if err != nil {
			h.log.Debug("control frame rejected", "connection_id", c.id, "err", err)
			return
		}
		h.handleControl(c, frame)
	case wire.KindEnvelope:
		env, err := wire.DecodeEnvelope(raw)
		if err != nil {
			// Validation failures are logged and dropped; they must
			// never take the connection down.
			h.log.Debug("envelope rejected", "connection_id", c.id, "err", err)
			h.metrics.EnvelopeInvalid()
			return
		}
		h.routeEnvelope(c, env)
	default:
		h.log.Debug("unclassifiable frame dropped", "connection_id", c.id)
	}
}

func (h *Hub) handleControl(c *conn, frame wire.ControlFrame) {
	switch frame.Action {
	case wire.ActionCreate:
		h.handleCreate(c, frame)
	case wire.ActionJoin:
		h.handleJoin(c, frame)
	case wire.ActionLeave:
		h.Disconnect(c)
	case wire.ActionAck:
		h.handleAck(c, frame)
	case wire.ActionQueueStatus:
		h.handleQueueStatus(c, frame)
	default:
		_ = c.sendJSON(wire.ErrorFrame(wire.CodeInternalError, "unknown action"))
	}
}

// handleCreate allocates a session and binds the caller as its
// controller in one step.
func (h *Hub) handleCreate(c *conn, frame wire.ControlFrame) {
	if frame.PublicKey == "" {
		_ = c.sendJSON(wire.ErrorFrame(wire.CodeInternalError, "publicKey required"))
		return
	}
	if !h.requireUnbound(c) {
		return
	}
	sess := h.store.CreateSession(uuid.NewString())
	if err := h.store.SetSessionSlot(sess.ID, wire.RoleController, c.id, frame.PublicKey); err != nil {
		_ = c.sendJSON(wire.ErrorFrame(wire.CodeInternalError, "session registration failed"))
		return
	}
	h.metrics.SessionCreated()
	h.log.Info("session created", "session_id", sess.ID, "connection_id", c.id)
	_ = c.sendJSON(wire.ControlFrame{Action: wire.ActionSessionCreated, SessionID: sess.ID})
}

func (h *Hub) handleJoin(c *conn, frame wire.ControlFrame) {
	if !wire.ValidRole(frame.Role) || frame.PublicKey == "" || frame.SessionID == "" {
		_ = c.sendJSON(wire.ErrorFrame(wire.CodeInternalError, "join requires sessionId, role, publicKey"))
		return
	}
	if !h.requireUnbound(c) {
		return
	}

	err := h.store.SetSessionSlot(frame.SessionID, frame.Role, c.id, frame.PublicKey)
	if errors.Is(err, store.ErrSlotOccupied) {
		if !h.evictIfGone(frame.SessionID, frame.Role) {
			_ = c.sendJSON(wire.ErrorFrame(wire.CodeAlreadyConnected, "role already connected"))
			return
		}
		err = h.store.SetSessionSlot(frame.SessionID, frame.Role, c.id, frame.PublicKey)
	}
	if err != nil {
		switch {
		case errors.Is(err, store.ErrSessionNotFound), errors.Is(err, store.ErrSessionExpired):
			_ = c.sendJSON(wire.ErrorFrame(wire.CodeSessionNotFound, "session not found"))
		case errors.Is(err, store.ErrSlotOccupied):
			_ = c.sendJSON(wire.ErrorFrame(wire.CodeAlreadyConnected, "role already connected"))
		default:
			_ = c.sendJSON(wire.ErrorFrame(wire.CodeInternalError, "join failed"))
		}
		return
	}

	// Queued ciphertexts addressed to a previous operator key are
	// unreadable forever; purge before anything can be replayed.
	if frame.Role == wire.RoleOperator {
		if changed, err := h.store.OperatorKeyChanged(frame.SessionID, frame.PublicKey); err == nil && changed {
			purged := h.store.PurgeQueue(frame.SessionID)
			h.metrics.QueuePurged(purged)
			h.log.Info("queue purged on operator key rotation", "session_id", frame.SessionID, "purged", purged)
		}
	}

	sess, err := h.store.GetSession(frame.SessionID)
	if err != nil {
		_ = c.sendJSON(wire.ErrorFrame(wire.CodeSessionNotFound, "session not found"))
		return
	}

	joined := wire.ControlFrame{Action: wire.ActionSessionJoined, SessionID: sess.ID}
	if peer := slotFor(sess, wire.PeerRole(frame.Role)); peer != nil {
		joined.PeerPublicKey = peer.PublicKey
	}
	_ = c.sendJSON(joined)
	h.log.Info("session joined", "session_id", sess.ID, "connection_id", c.id, "role", frame.Role)

	h.notifyPeer(sess, wire.PeerRole(frame.Role), wire.ControlFrame{
		Action:        wire.ActionPeerConnected,
		PeerPublicKey: frame.PublicKey,
		PeerType:      frame.Role,
	})

	if frame.Role == wire.RoleOperator {
		h.replayQueue(c, sess.ID)
	}
}

// requireUnbound rejects create/join from a connection that already
// holds a slot. A connection belongs to at most one session; a second
// bind would orphan the first session's slot, since disconnect clears
// only the slot the connection record points at.
func (h *Hub) requireUnbound(c *conn) bool {
	record, bound := h.store.GetConnection(c.id)
	if !bound {
		return true
	}
	h.log.Debug("rebind rejected", "connection_id", c.id, "session_id", record.SessionID)
	_ = c.sendJSON(wire.ErrorFrame(wire.CodeAlreadyConnected, "connection already bound to a session"))
	return false
}

// replayQueue announces the backlog and replays it in order.
func (h *Hub) replayQueue(c *conn, sessionID string) {
	queued := h.store.ListQueue(sessionID)
	oldest := int64(0)
	if len(queued) > 0 {
		oldest = queued[0].QueuedAt.UnixMilli()
	}
	_ = c.sendJSON(wire.QueueStatusFrame(sessionID, len(queued), oldest))
	for _, item := range queued {
		if err := c.sendJSON(item.Envelope); err != nil {
			return
		}
		h.metrics.EnvelopeReplayed()
	}
}

// evictIfGone probes the incumbent for a role; on Gone it evicts and
// reports true so the join can proceed.
func (h *Hub) evictIfGone(sessionID, role string) bool {
	sess, err := h.store.GetSession(sessionID)
	if err != nil {
		return false
	}
	slot := slotFor(sess, role)
	if slot == nil {
		// Raced with a disconnect; slot is free now.
		return true
	}
	incumbent, ok := h.lookup(slot.ConnectionID)
	if ok && incumbent.probe() {
		return false
	}
	if !h.store.EvictSlot(sessionID, role, slot.ConnectionID) {
		return false
	}
	if ok {
		incumbent.close()
	}
	h.forget(slot.ConnectionID)
	h.metrics.IncumbentEvicted()
	h.log.Info("incumbent evicted", "session_id", sessionID, "role", role, "connection_id", slot.ConnectionID)
	return true
}

func (h *Hub) handleAck(c *conn, frame wire.ControlFrame) {
	record, ok := h.store.GetConnection(c.id)
	if !ok || record.Role != wire.RoleOperator {
		_ = c.sendJSON(wire.ErrorFrame(wire.CodeNotJoined, "ack requires a joined operator"))
		return
	}
	if frame.LastMessageID == "" {
		return
	}
	deleted := h.store.DeleteQueuedUpTo(record.SessionID, frame.LastMessageID)
	if deleted > 0 {
		h.log.Debug("queue acked", "session_id", record.SessionID, "deleted", deleted)
	}
}

func (h *Hub) handleQueueStatus(c *conn, frame wire.ControlFrame) {
	record, ok := h.store.GetConnection(c.id)
	if !ok {
		_ = c.sendJSON(wire.ErrorFrame(wire.CodeNotJoined, "not joined"))
		return
	}
	sessionID := frame.SessionID
	if sessionID == "" {
		sessionID = record.SessionID
	}
	queued := h.store.ListQueue(sessionID)
	oldest := int64(0)
	if len(queued) > 0 {
		oldest = queued[0].QueuedAt.UnixMilli()
	}
	_ = c.sendJSON(wire.QueueStatusFrame(sessionID, len(queued), oldest))
}

// routeEnvelope forwards to the peer slot, queues controller
// envelopes for an absent operator, and silently drops operator
// envelopes for an absent controller.
func (h *Hub) routeEnvelope(c *conn, env wire.Envelope) {
	record, ok := h.store.GetConnection(c.id)
	if !ok {
		_ = c.sendJSON(wire.ErrorFrame(wire.CodeNotJoined, "send requires a joined connection"))
		return
	}
	if env.SessionID != record.SessionID {
		h.log.Debug("envelope for foreign session dropped", "connection_id", c.id)
		h.metrics.EnvelopeInvalid()
		return
	}
	// The slot the connection occupies is authoritative for sender.
	env.Sender = record.Role

	sess, err := h.store.GetSession(record.SessionID)
	if err != nil {
		_ = c.sendJSON(wire.ErrorFrame(wire.CodeSessionNotFound, "session not found"))
		return
	}

	peerRole := wire.PeerRole(record.Role)
	if peer := slotFor(sess, peerRole); peer != nil {
		if target, ok := h.lookup(peer.ConnectionID); ok {
			if err := target.sendJSON(env); err == nil {
				h.metrics.EnvelopeForwarded()
				return
			}
		}
		// Peer slot filled but unreachable; fall through to the
		// absent-peer policy below.
	}

	if record.Role == wire.RoleController {
		if err := h.store.Enqueue(record.SessionID, env); err == nil {
			h.metrics.EnvelopeQueued()
		}
		return
	}
	// Operator to absent controller: the operator UI owns the retry.
	h.metrics.EnvelopeDropped()
}

// Disconnect tears a connection down, clears any slot it held, and
// notifies the peer. Queues survive controller disconnects.
func (h *Hub) Disconnect(c *conn) {
	h.forget(c.id)
	record, held := h.store.DeleteConnection(c.id)
	c.close()
	h.metrics.ConnectionClosed()
	if !held {
		return
	}
	h.log.Info("connection left session", "session_id", record.SessionID, "connection_id", c.id, "role", record.Role)
	sess, err := h.store.GetSession(record.SessionID)
	if err != nil {
		return
	}
	h.notifyPeer(sess, wire.PeerRole(record.Role), wire.ControlFrame{
		Action:   wire.ActionPeerDisconnected,
		PeerType: record.Role,
	})
}

func (h *Hub) notifyPeer(sess store.Session, peerRole string, frame wire.ControlFrame) {
	slot := slotFor(sess, peerRole)
	if slot == nil {
		return
	}
	if peer, ok := h.lookup(slot.ConnectionID); ok {
		_ = peer.sendJSON(frame)
	}
}

func (h *Hub) forget(id string) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}

func slotFor(sess store.Session, role string) *store.Slot {
	if role == wire.RoleController {
		return sess.Controller
	}
	return sess.Operator
}
