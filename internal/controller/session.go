// Package controller implements both ends of the encrypted channel:
// the desktop session that supervises the agent and streams its
// terminal, and the operator loop that drives it remotely.
package controller

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"doomcode/go-backend/internal/agent"
	"doomcode/go-backend/internal/agent/scanner"
	"doomcode/go-backend/internal/config"
	"doomcode/go-backend/internal/crypto"
	"doomcode/go-backend/internal/diffparse"
	"doomcode/go-backend/internal/pairing"
	"doomcode/go-backend/internal/patchtrack"
	"doomcode/go-backend/internal/wire"
	"doomcode/go-backend/pkg/models"
)

const (
	heartbeatEvery   = 30 * time.Second
	reconnectMax     = 30 * time.Second
	sessionCreateTTL = 10 * time.Second
)

var ErrNotPaired = errors.New("no operator paired yet")

// Session is the controller runtime for one working directory.
type Session struct {
	cfg     config.ControllerConfig
	reuse   bool
	workdir string
	out     io.Writer

	sup     *agent.Supervisor
	tracker *patchtrack.Tracker
	seq     atomic.Uint64

	mu        sync.Mutex
	keys      crypto.Keypair
	sessionID string
	ws        *websocket.Conn
	box       *crypto.Box
	peerKey   []byte
	pending   map[string]scanner.Patch
}

func NewSession(cfg config.ControllerConfig, reuse bool) (*Session, error) {
	workdir := cfg.WorkingDir
	if workdir == "" {
		workdir = "."
	}
	workdir, err := filepath.Abs(workdir)
	if err != nil {
		return nil, err
	}
	s := &Session{
		cfg:     cfg,
		reuse:   reuse,
		workdir: workdir,
		out:     os.Stdout,
		pending: make(map[string]scanner.Patch),
		tracker: patchtrack.New(workdir),
	}
	s.sup = agent.NewSupervisor(agent.Options{
		Binary:         cfg.Agent,
		Dir:            workdir,
		EnterMode:      cfg.EnterMode,
		Typewrite:      cfg.Typewrite,
		TypewriteDelay: cfg.TypewriteDelay,
	}, agent.Handlers{
		Output:     s.onAgentOutput,
		Permission: s.onPermission,
		Patch:      s.onPatch,
		Status:     s.onAgentStatus,
	})
	return s, nil
}

// Run creates or reuses the session, prints the pairing bundle, and
// keeps the relay connection alive until the context is cancelled.
func (s *Session) Run(ctx context.Context) error {
	if err := s.bootstrap(ctx); err != nil {
		return err
	}
	defer s.sup.Stop()

	backoff := time.Second
	for {
		err := s.connectOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		log.Printf("controller: relay connection lost: %v; retrying in %s", err, backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < reconnectMax {
			backoff *= 2
		}
	}
}

// bootstrap mints or restores identity and session, persists the
// cache, and renders the pairing bundle.
func (s *Session) bootstrap(ctx context.Context) error {
	if s.reuse {
		cache, keys, err := LoadCache(s.workdir)
		if err != nil {
			return fmt.Errorf("reuse: %w", err)
		}
		s.mu.Lock()
		s.keys = keys
		s.sessionID = cache.SessionID
		s.mu.Unlock()
		if cache.WSURL != "" {
			s.cfg.WSURL = cache.WSURL
		}
		if cache.HTTPURL != "" {
			s.cfg.HTTPURL = cache.HTTPURL
		}
		fmt.Fprintf(s.out, "Reusing session %s\n", cache.SessionID)
		return nil
	}

	keys, err := crypto.GenerateKeypair()
	if err != nil {
		return err
	}
	sessionID, err := createSession(ctx, s.cfg.HTTPURL)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.keys = keys
	s.sessionID = sessionID
	s.mu.Unlock()

	if err := SaveCache(s.workdir, sessionID, s.cfg.WSURL, s.cfg.HTTPURL, keys); err != nil {
		log.Printf("controller: could not write session cache: %v", err)
	}
	s.printPairing(sessionID, keys)
	return nil
}

func (s *Session) printPairing(sessionID string, keys crypto.Keypair) {
	payload := pairing.New(sessionID, keys.Public, s.cfg.WSURL)
	encoded, err := payload.Encode()
	if err != nil {
		log.Printf("controller: pairing payload: %v", err)
		return
	}
	text, _ := payload.EncodeText()
	fmt.Fprintf(s.out, "Session %s created.\n", sessionID)
	fmt.Fprintf(s.out, "Pairing payload (scan):\n  %s\n", encoded)
	fmt.Fprintf(s.out, "Pairing code (type):\n  %s\n", text)
}

func createSession(ctx context.Context, httpURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, sessionCreateTTL)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, httpURL+"/session", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("create session: relay returned %s", resp.Status)
	}
	var body struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if body.SessionID == "" {
		return "", errors.New("create session: relay returned no session id")
	}
	return body.SessionID, nil
}

// connectOnce runs one websocket lifetime: join, then read until the
// transport fails.
func (s *Session) connectOnce(ctx context.Context) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.WSURL, nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ws = ws
	sessionID := s.sessionID
	publicKey := base64.StdEncoding.EncodeToString(s.keys.Public[:])
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.ws == ws {
			s.ws = nil
		}
		s.mu.Unlock()
		ws.Close()
	}()

	join := wire.ControlFrame{
		Action:    wire.ActionJoin,
		SessionID: sessionID,
		Role:      wire.RoleController,
		PublicKey: publicKey,
	}
	if err := s.writeFrame(join); err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	go s.heartbeatLoop(done)

	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		switch wire.Classify(raw) {
		case wire.KindControl:
			frame, err := wire.DecodeControl(raw)
			if err != nil {
				continue
			}
			s.handleControl(frame)
		case wire.KindEnvelope:
			s.handleEnvelope(raw)
		}
	}
}

func (s *Session) heartbeatLoop(done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.sendPayload(models.Heartbeat{
				Type:        models.TypeHeartbeat,
				Timestamp:   time.Now().UnixMilli(),
				AgentStatus: s.sup.Status(),
			})
		}
	}
}

func (s *Session) handleControl(frame wire.ControlFrame) {
	switch frame.Action {
	case wire.ActionSessionJoined:
		log.Printf("controller: joined session %s", frame.SessionID)
		if frame.PeerPublicKey != "" {
			s.pairWith(frame.PeerPublicKey)
		}
	case wire.ActionPeerConnected:
		s.pairWith(frame.PeerPublicKey)
	case wire.ActionPeerDisconnected:
		log.Printf("controller: operator disconnected; output will queue")
	case wire.ActionError:
		log.Printf("controller: relay error %s: %s", frame.Code, frame.Message)
	}
}

// pairWith precomputes the box for a newly announced operator key,
// prints the verification phrase, starts the agent, and pushes a
// state snapshot so a reconnecting operator can rebuild its panels.
func (s *Session) pairWith(peerKeyB64 string) {
	peerKey, err := base64.StdEncoding.DecodeString(peerKeyB64)
	if err != nil || len(peerKey) != crypto.KeySize {
		log.Printf("controller: operator announced a malformed key")
		return
	}
	s.mu.Lock()
	rotated := s.peerKey != nil && !bytes.Equal(s.peerKey, peerKey)
	box, err := crypto.NewBox(s.keys.Secret[:], peerKey)
	if err != nil {
		s.mu.Unlock()
		log.Printf("controller: pairing failed: %v", err)
		return
	}
	s.box = box
	s.peerKey = peerKey
	myPublic := s.keys.Public
	s.mu.Unlock()

	if rotated {
		log.Printf("controller: operator key rotated; previous queue was purged by the relay")
	}
	fmt.Fprintf(s.out, "Operator connected. Verification phrase:\n  %s\n", pairing.VerificationPhrase(myPublic[:], peerKey))

	if err := s.sup.Start(""); err != nil {
		log.Printf("controller: agent start failed: %v", err)
	}
	s.sendPayload(s.snapshot())
}

func (s *Session) snapshot() models.SessionStateSnapshot {
	s.mu.Lock()
	pendingIDs := make([]string, 0, len(s.pending))
	for id := range s.pending {
		pendingIDs = append(pendingIDs, id)
	}
	s.mu.Unlock()
	return models.SessionStateSnapshot{
		Type:            models.TypeSessionState,
		AgentID:         s.cfg.Agent,
		AgentStatus:     s.sup.Status(),
		LastPrompt:      s.sup.LastPrompt(),
		PendingPatchIDs: pendingIDs,
		HistoryPatchIDs: s.tracker.PatchIDs(),
	}
}

func (s *Session) handleEnvelope(raw []byte) {
	env, err := wire.DecodeEnvelope(raw)
	if err != nil {
		log.Printf("controller: dropping malformed envelope: %v", err)
		return
	}
	s.mu.Lock()
	box := s.box
	sessionID := s.sessionID
	s.mu.Unlock()
	if env.SessionID != sessionID {
		return
	}
	if box == nil {
		log.Printf("controller: dropping envelope, not paired")
		return
	}
	nonce, ciphertext, err := env.Sealed()
	if err != nil {
		return
	}
	plaintext, err := box.Open(nonce, ciphertext)
	if err != nil {
		log.Printf("controller: dropping undecryptable envelope %s: %v", env.MessageID, err)
		return
	}
	payload, err := models.Decode(plaintext)
	if err != nil {
		log.Printf("controller: dropping unknown payload: %v", err)
		return
	}
	s.dispatch(payload)
}

func (s *Session) dispatch(payload any) {
	switch p := payload.(type) {
	case *models.UserPrompt:
		if err := s.sup.SendPrompt(p.Prompt); err != nil {
			log.Printf("controller: prompt rejected: %v", err)
		}
	case *models.PermissionResponse:
		if err := s.sup.ResolvePermission(p.RequestID, p.Decision); err != nil {
			log.Printf("controller: permission response: %v", err)
		}
	case *models.PatchDecision:
		s.handlePatchDecision(p)
	case *models.UndoRequest:
		result := s.tracker.Undo(p.PatchID)
		s.sendPayload(result)
	case *models.AgentControl:
		if err := s.sup.Control(*p); err != nil {
			log.Printf("controller: agent control: %v", err)
		}
		s.sendPayload(s.sup.StatusUpdate())
	case *models.Heartbeat:
		s.sendPayload(models.Heartbeat{
			Type:        models.TypeHeartbeat,
			Timestamp:   time.Now().UnixMilli(),
			AgentStatus: s.sup.Status(),
		})
	default:
		if config.DebugSession() {
			log.Printf("controller: ignoring payload %T", payload)
		}
	}
}

func (s *Session) handlePatchDecision(p *models.PatchDecision) {
	s.mu.Lock()
	patch, ok := s.pending[p.PatchID]
	if ok {
		delete(s.pending, p.PatchID)
	}
	s.mu.Unlock()
	if !ok {
		log.Printf("controller: decision for unknown patch %s", p.PatchID)
		return
	}

	switch p.Decision {
	case models.PatchReject:
		log.Printf("controller: patch %s rejected", p.PatchID)
		return
	case models.PatchEdit:
		edited, err := diffparse.Parse(p.EditedDiff)
		if err != nil {
			log.Printf("controller: edited patch %s unparsable: %v", p.PatchID, err)
			return
		}
		if _, err := s.tracker.Prepare(p.PatchID, s.cfg.Agent, s.sup.LastPrompt(), edited); err != nil {
			log.Printf("controller: prepare edited patch: %v", err)
			return
		}
		patch.Files = edited
		fallthrough
	case models.PatchApply:
		if err := s.applyFiles(patch.Files); err != nil {
			log.Printf("controller: apply patch %s: %v", p.PatchID, err)
			return
		}
		record, err := s.tracker.Finalize(p.PatchID)
		if err != nil {
			log.Printf("controller: finalize patch %s: %v", p.PatchID, err)
			return
		}
		s.sendPayload(models.PatchApplied{Type: models.TypePatchApplied, Patch: record})
	default:
		log.Printf("controller: unknown patch decision %q", p.Decision)
	}
}

func (s *Session) applyFiles(files []diffparse.File) error {
	for _, f := range files {
		abs := filepath.Join(s.workdir, f.Path())
		if f.IsDelete {
			if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
				return err
			}
			continue
		}
		var current string
		if !f.IsNew {
			raw, err := os.ReadFile(abs)
			if err != nil {
				return err
			}
			current = string(raw)
		}
		next, err := diffparse.Apply(f, current)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(abs, []byte(next), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) onAgentOutput(data []byte) {
	s.sendPayload(s.terminalPayload(data))
}

// terminalPayload stamps the next sequence number. The series starts
// at zero so the operator can spot a gap from the very first chunk.
func (s *Session) terminalPayload(data []byte) models.TerminalOutput {
	return models.TerminalOutput{
		Type:     models.TypeTerminalOutput,
		Stream:   "stdout",
		Data:     string(data),
		Sequence: s.seq.Add(1) - 1,
	}
}

func (s *Session) onPermission(req models.PermissionRequest) {
	s.sendPayload(req)
}

// onPatch runs the tracker's prepare pass before the patch ever
// reaches the operator, so undo stays possible whatever happens next.
func (s *Session) onPatch(p scanner.Patch) {
	if _, err := s.tracker.Prepare(p.Payload.PatchID, s.cfg.Agent, s.sup.LastPrompt(), p.Files); err != nil {
		log.Printf("controller: prepare patch %s: %v", p.Payload.PatchID, err)
	}
	s.mu.Lock()
	s.pending[p.Payload.PatchID] = p
	s.mu.Unlock()
	s.sendPayload(p.Payload)
}

func (s *Session) onAgentStatus(update models.AgentStatusUpdate) {
	s.sendPayload(update)
}

// sendPayload seals and ships one payload; silently dropped until an
// operator key is known, since nothing could decrypt it.
func (s *Session) sendPayload(v any) {
	s.mu.Lock()
	box := s.box
	sessionID := s.sessionID
	s.mu.Unlock()
	if box == nil {
		if config.DebugSession() {
			log.Printf("controller: holding payload %T, not paired", v)
		}
		return
	}
	raw, err := models.Encode(v)
	if err != nil {
		log.Printf("controller: encode payload: %v", err)
		return
	}
	nonce, ciphertext, err := box.Seal(raw)
	if err != nil {
		log.Printf("controller: seal payload: %v", err)
		return
	}
	env := wire.NewEnvelope(sessionID, wire.RoleController, nonce, ciphertext)
	if err := s.writeFrame(env); err != nil {
		if config.DebugSession() {
			log.Printf("controller: envelope write failed: %v", err)
		}
	}
}

type encoder interface {
	Encode() ([]byte, error)
}

func (s *Session) writeFrame(f encoder) error {
	raw, err := f.Encode()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ws == nil {
		return errors.New("not connected")
	}
	return s.ws.WriteMessage(websocket.TextMessage, raw)
}
