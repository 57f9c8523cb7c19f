package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Payload type discriminators carried inside encrypted envelopes.
const (
	TypeTerminalOutput     = "terminal_output"
	TypeUserPrompt         = "user_prompt"
	TypePermissionRequest  = "permission_request"
	TypePermissionResponse = "permission_response"
	TypeDiffPatch          = "diff_patch"
	TypePatchDecision      = "patch_decision"
	TypePatchApplied       = "patch_applied"
	TypeUndoRequest        = "undo_request"
	TypeUndoResult         = "undo_result"
	TypeAgentControl       = "agent_control"
	TypeAgentStatusUpdate  = "agent_status_update"
	TypeHeartbeat          = "heartbeat"
	TypeSessionState       = "session_state"
)

// Permission decisions an operator can return.
const (
	DecisionApprove       = "approve"
	DecisionDeny          = "deny"
	DecisionApproveAlways = "approve_always"
	DecisionDenyAlways    = "deny_always"
)

// Patch decisions.
const (
	PatchApply  = "apply"
	PatchReject = "reject"
	PatchEdit   = "edit"
)

// Agent control commands.
const (
	AgentStart     = "start"
	AgentStop      = "stop"
	AgentRetry     = "retry"
	AgentConfigure = "configure"
)

// Agent supervisor states.
const (
	StatusIdle         = "idle"
	StatusRunning      = "running"
	StatusWaitingInput = "waiting_input"
	StatusError        = "error"
)

var ErrUnknownPayloadType = errors.New("unknown payload type")

type TerminalOutput struct {
	Type     string `json:"type"`
	Stream   string `json:"stream"`
	Data     string `json:"data"`
	Sequence uint64 `json:"sequence"`
}

type UserPrompt struct {
	Type    string `json:"type"`
	Prompt  string `json:"prompt"`
	Context string `json:"context,omitempty"`
}

type PermissionRequest struct {
	Type        string            `json:"type"`
	RequestID   string            `json:"requestId"`
	Action      string            `json:"action"`
	Description string            `json:"description"`
	Details     map[string]string `json:"details,omitempty"`
	Timeout     int64             `json:"timeout,omitempty"`
}

type PermissionResponse struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Decision  string `json:"decision"`
}

// PatchFile is one file of a diff_patch as presented to the operator.
type PatchFile struct {
	Path      string `json:"path"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Diff      string `json:"diff"`
}

type DiffPatch struct {
	Type           string      `json:"type"`
	PatchID        string      `json:"patchId"`
	Files          []PatchFile `json:"files"`
	Summary        string      `json:"summary"`
	EstimatedRisk  string      `json:"estimatedRisk"`
	TotalAdditions int         `json:"totalAdditions"`
	TotalDeletions int         `json:"totalDeletions"`
}

type PatchDecision struct {
	Type       string `json:"type"`
	PatchID    string `json:"patchId"`
	Decision   string `json:"decision"`
	EditedDiff string `json:"editedDiff,omitempty"`
}

// AppliedFile records one file of an applied patch, enough to undo it.
type AppliedFile struct {
	Path            string `json:"path"`
	BeforeHash      string `json:"beforeHash"`
	AfterHash       string `json:"afterHash"`
	ReverseDiff     string `json:"reverseDiff"`
	DeletedOriginal string `json:"deletedOriginal,omitempty"`
}

type AppliedPatch struct {
	PatchID   string        `json:"patchId"`
	Timestamp int64         `json:"timestamp"`
	AgentID   string        `json:"agentId"`
	Prompt    string        `json:"prompt"`
	Files     []AppliedFile `json:"files"`
}

type PatchApplied struct {
	Type  string       `json:"type"`
	Patch AppliedPatch `json:"patch"`
}

type UndoRequest struct {
	Type    string `json:"type"`
	PatchID string `json:"patchId"`
}

type UndoResult struct {
	Type          string   `json:"type"`
	PatchID       string   `json:"patchId"`
	Success       bool     `json:"success"`
	Error         string   `json:"error,omitempty"`
	RevertedFiles []string `json:"revertedFiles"`
}

type AgentConfig struct {
	Model           string            `json:"model,omitempty"`
	Temperature     *float64          `json:"temperature,omitempty"`
	ToolPermissions map[string]string `json:"toolPermissions,omitempty"`
}

type AgentControl struct {
	Type    string       `json:"type"`
	Command string       `json:"command"`
	AgentID string       `json:"agentId"`
	Config  *AgentConfig `json:"config,omitempty"`
}

type AgentStatusUpdate struct {
	Type       string `json:"type"`
	AgentID    string `json:"agentId"`
	Status     string `json:"status"`
	LastPrompt string `json:"lastPrompt,omitempty"`
}

type Heartbeat struct {
	Type        string `json:"type"`
	Timestamp   int64  `json:"timestamp"`
	AgentStatus string `json:"agentStatus"`
}

// SessionStateSnapshot is the controller's resync payload after a
// reconnect: enough for the operator to rebuild its panels.
type SessionStateSnapshot struct {
	Type            string   `json:"type"`
	AgentID         string   `json:"agentId"`
	AgentStatus     string   `json:"agentStatus"`
	LastPrompt      string   `json:"lastPrompt,omitempty"`
	PendingPatchIDs []string `json:"pendingPatchIds,omitempty"`
	HistoryPatchIDs []string `json:"historyPatchIds,omitempty"`
}

// Encode marshals a payload struct for encryption. The struct is
// expected to carry its own populated Type field.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// PayloadType peeks at the discriminator without decoding the body.
func PayloadType(raw []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", fmt.Errorf("payload type: %w", err)
	}
	if head.Type == "" {
		return "", ErrUnknownPayloadType
	}
	return head.Type, nil
}

// Decode unmarshals raw into the typed struct matching its
// discriminator and returns it as any.
func Decode(raw []byte) (any, error) {
	kind, err := PayloadType(raw)
	if err != nil {
		return nil, err
	}
	var v any
	switch kind {
	case TypeTerminalOutput:
		v = &TerminalOutput{}
	case TypeUserPrompt:
		v = &UserPrompt{}
	case TypePermissionRequest:
		v = &PermissionRequest{}
	case TypePermissionResponse:
		v = &PermissionResponse{}
	case TypeDiffPatch:
		v = &DiffPatch{}
	case TypePatchDecision:
		v = &PatchDecision{}
	case TypePatchApplied:
		v = &PatchApplied{}
	case TypeUndoRequest:
		v = &UndoRequest{}
	case TypeUndoResult:
		v = &UndoResult{}
	case TypeAgentControl:
		v = &AgentControl{}
	case TypeAgentStatusUpdate:
		v = &AgentStatusUpdate{}
	case TypeHeartbeat:
		v = &Heartbeat{}
	case TypeSessionState:
		v = &SessionStateSnapshot{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPayloadType, kind)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, err
	}
	return v, nil
}
