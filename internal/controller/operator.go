package controller

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"doomcode/go-backend/internal/config"
	"doomcode/go-backend/internal/crypto"
	"doomcode/go-backend/internal/pairing"
	"doomcode/go-backend/internal/wire"
	"doomcode/go-backend/pkg/models"
)

// Operator is the terminal-based remote end: it joins an existing
// session, streams the controller's terminal, and turns typed lines
// into prompts, approvals, and patch decisions.
type Operator struct {
	cfg    config.ControllerConfig
	target string
	out    io.Writer
	in     io.Reader

	mu          sync.Mutex
	keys        crypto.Keypair
	sessionID   string
	ws          *websocket.Conn
	box         *crypto.Box
	lastPerm    *models.PermissionRequest
	lastPatchID string
}

// NewOperator accepts either a bare session id or a full pairing
// payload (JSON or the base58 line).
func NewOperator(cfg config.ControllerConfig, target string) *Operator {
	return &Operator{
		cfg:    cfg,
		target: target,
		out:    os.Stdout,
		in:     os.Stdin,
	}
}

func (o *Operator) Run(ctx context.Context) error {
	keys, err := crypto.GenerateKeypair()
	if err != nil {
		return err
	}
	wsURL := o.cfg.WSURL
	sessionID := o.target
	var peerKey []byte
	if payload, err := pairing.Decode(o.target, time.Now()); err == nil {
		sessionID = payload.SessionID
		if payload.RelayURL != "" {
			wsURL = payload.RelayURL
		}
		peerKey, _ = base64.StdEncoding.DecodeString(payload.PublicKey)
	}

	o.mu.Lock()
	o.keys = keys
	o.sessionID = sessionID
	o.mu.Unlock()
	if peerKey != nil {
		o.adoptPeerKey(peerKey)
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.ws = ws
	o.mu.Unlock()
	defer ws.Close()

	join := wire.ControlFrame{
		Action:    wire.ActionJoin,
		SessionID: sessionID,
		Role:      wire.RoleOperator,
		PublicKey: base64.StdEncoding.EncodeToString(keys.Public[:]),
	}
	if err := o.writeFrame(join); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		ws.Close()
	}()
	go o.readInput(ctx)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		switch wire.Classify(raw) {
		case wire.KindControl:
			frame, err := wire.DecodeControl(raw)
			if err != nil {
				continue
			}
			if err := o.handleControl(frame); err != nil {
				return err
			}
		case wire.KindEnvelope:
			o.handleEnvelope(raw)
		}
	}
}

func (o *Operator) handleControl(frame wire.ControlFrame) error {
	switch frame.Action {
	case wire.ActionSessionJoined:
		fmt.Fprintf(o.out, "Joined session %s\n", frame.SessionID)
		if frame.PeerPublicKey != "" {
			peerKey, err := base64.StdEncoding.DecodeString(frame.PeerPublicKey)
			if err == nil {
				o.adoptPeerKey(peerKey)
			}
		}
	case wire.ActionQueueStatus:
		if frame.QueuedMessages != nil && *frame.QueuedMessages > 0 {
			fmt.Fprintf(o.out, "[%d queued messages follow]\n", *frame.QueuedMessages)
		}
	case wire.ActionPeerConnected:
		fmt.Fprintln(o.out, "[controller online]")
	case wire.ActionPeerDisconnected:
		fmt.Fprintln(o.out, "[controller offline]")
	case wire.ActionError:
		if frame.Code == wire.CodeSessionNotFound || frame.Code == wire.CodeAlreadyConnected {
			return fmt.Errorf("relay: %s: %s", frame.Code, frame.Message)
		}
		fmt.Fprintf(o.out, "[relay error %s: %s]\n", frame.Code, frame.Message)
	}
	return nil
}

func (o *Operator) adoptPeerKey(peerKey []byte) {
	o.mu.Lock()
	box, err := crypto.NewBox(o.keys.Secret[:], peerKey)
	if err != nil {
		o.mu.Unlock()
		log.Printf("operator: bad controller key: %v", err)
		return
	}
	o.box = box
	myPublic := o.keys.Public
	o.mu.Unlock()
	fmt.Fprintf(o.out, "Verification phrase:\n  %s\n", pairing.VerificationPhrase(myPublic[:], peerKey))
}

func (o *Operator) handleEnvelope(raw []byte) {
	env, err := wire.DecodeEnvelope(raw)
	if err != nil {
		return
	}
	o.mu.Lock()
	box := o.box
	o.mu.Unlock()
	if box == nil {
		fmt.Fprintln(o.out, "[encrypted message before pairing, dropped]")
		return
	}
	nonce, ciphertext, err := env.Sealed()
	if err != nil {
		return
	}
	plaintext, err := box.Open(nonce, ciphertext)
	if err != nil {
		log.Printf("operator: dropping undecryptable envelope %s: %v", env.MessageID, err)
		return
	}
	payload, err := models.Decode(plaintext)
	if err != nil {
		return
	}
	o.render(payload)

	// Acknowledge so the relay can trim its queue.
	ack := wire.ControlFrame{
		Action:        wire.ActionAck,
		SessionID:     env.SessionID,
		LastMessageID: env.MessageID,
	}
	if err := o.writeFrame(ack); err != nil && config.DebugSession() {
		log.Printf("operator: ack failed: %v", err)
	}
}

func (o *Operator) render(payload any) {
	switch p := payload.(type) {
	case *models.TerminalOutput:
		io.WriteString(o.out, p.Data)
	case *models.PermissionRequest:
		o.mu.Lock()
		o.lastPerm = p
		o.mu.Unlock()
		fmt.Fprintf(o.out, "\n[permission] %s — answer y or n\n", p.Description)
	case *models.DiffPatch:
		o.mu.Lock()
		o.lastPatchID = p.PatchID
		o.mu.Unlock()
		fmt.Fprintf(o.out, "\n[patch %s] %s (risk %s)\n", p.PatchID, p.Summary, p.EstimatedRisk)
		for _, f := range p.Files {
			fmt.Fprintf(o.out, "  %s +%d -%d\n", f.Path, f.Additions, f.Deletions)
		}
		fmt.Fprintln(o.out, "  /apply, /reject, or /undo <patchId>")
	case *models.PatchApplied:
		fmt.Fprintf(o.out, "\n[patch %s applied]\n", p.Patch.PatchID)
	case *models.UndoResult:
		if p.Success {
			fmt.Fprintf(o.out, "\n[undo %s ok: %s]\n", p.PatchID, strings.Join(p.RevertedFiles, ", "))
		} else {
			fmt.Fprintf(o.out, "\n[undo %s failed: %s]\n", p.PatchID, p.Error)
		}
	case *models.AgentStatusUpdate:
		fmt.Fprintf(o.out, "\n[agent %s: %s]\n", p.AgentID, p.Status)
	case *models.SessionStateSnapshot:
		fmt.Fprintf(o.out, "\n[session state: agent %s %s, %d pending patches]\n",
			p.AgentID, p.AgentStatus, len(p.PendingPatchIDs))
	case *models.Heartbeat:
		if config.DebugSession() {
			log.Printf("operator: heartbeat, agent %s", p.AgentStatus)
		}
	}
}

// readInput turns stdin lines into payloads: y/n answers a pending
// permission, /commands drive patches and the agent, anything else is
// a prompt for the assistant.
func (o *Operator) readInput(ctx context.Context) {
	scan := bufio.NewScanner(o.in)
	for scan.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scan.Text())
		if line == "" {
			continue
		}
		o.handleLine(line)
	}
}

func (o *Operator) handleLine(line string) {
	o.mu.Lock()
	perm := o.lastPerm
	lastPatch := o.lastPatchID
	o.mu.Unlock()

	lower := strings.ToLower(line)
	if perm != nil && (lower == "y" || lower == "n") {
		decision := models.DecisionApprove
		if lower == "n" {
			decision = models.DecisionDeny
		}
		o.mu.Lock()
		o.lastPerm = nil
		o.mu.Unlock()
		o.sendPayload(models.PermissionResponse{
			Type:      models.TypePermissionResponse,
			RequestID: perm.RequestID,
			Decision:  decision,
		})
		return
	}

	if strings.HasPrefix(line, "/") {
		fields := strings.Fields(line)
		arg := ""
		if len(fields) > 1 {
			arg = fields[1]
		}
		switch fields[0] {
		case "/apply", "/reject":
			patchID := arg
			if patchID == "" {
				patchID = lastPatch
			}
			if patchID == "" {
				fmt.Fprintln(o.out, "[no patch to decide]")
				return
			}
			decision := models.PatchApply
			if fields[0] == "/reject" {
				decision = models.PatchReject
			}
			o.sendPayload(models.PatchDecision{Type: models.TypePatchDecision, PatchID: patchID, Decision: decision})
		case "/undo":
			if arg == "" {
				fmt.Fprintln(o.out, "[usage: /undo <patchId>]")
				return
			}
			o.sendPayload(models.UndoRequest{Type: models.TypeUndoRequest, PatchID: arg})
		case "/stop":
			o.sendPayload(models.AgentControl{Type: models.TypeAgentControl, Command: models.AgentStop})
		case "/retry":
			o.sendPayload(models.AgentControl{Type: models.TypeAgentControl, Command: models.AgentRetry})
		case "/start":
			o.sendPayload(models.AgentControl{Type: models.TypeAgentControl, Command: models.AgentStart, AgentID: arg})
		default:
			fmt.Fprintf(o.out, "[unknown command %s]\n", fields[0])
		}
		return
	}

	o.sendPayload(models.UserPrompt{Type: models.TypeUserPrompt, Prompt: line})
}

func (o *Operator) sendPayload(v any) {
	o.mu.Lock()
	box := o.box
	sessionID := o.sessionID
	o.mu.Unlock()
	if box == nil {
		fmt.Fprintln(o.out, "[not paired yet]")
		return
	}
	raw, err := models.Encode(v)
	if err != nil {
		log.Printf("operator: encode: %v", err)
		return
	}
	nonce, ciphertext, err := box.Seal(raw)
	if err != nil {
		log.Printf("operator: seal: %v", err)
		return
	}
	env := wire.NewEnvelope(sessionID, wire.RoleOperator, nonce, ciphertext)
	if err := o.writeFrame(env); err != nil {
		log.Printf("operator: send: %v", err)
	}
}

func (o *Operator) writeFrame(f encoder) error {
	raw, err := f.Encode()
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ws == nil {
		return errors.New("not connected")
	}
	return o.ws.WriteMessage(websocket.TextMessage, raw)
}
