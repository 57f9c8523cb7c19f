package models

import (
	"errors"
	"testing"
)

func TestDecodeDispatchesByType(t *testing.T) {
	cases := []struct {
		raw  string
		want any
	}{
		{`{"type":"terminal_output","stream":"stdout","data":"hi","sequence":7}`, &TerminalOutput{}},
		{`{"type":"user_prompt","prompt":"fix it"}`, &UserPrompt{}},
		{`{"type":"permission_request","requestId":"r1","action":"file_write"}`, &PermissionRequest{}},
		{`{"type":"permission_response","requestId":"r1","decision":"approve"}`, &PermissionResponse{}},
		{`{"type":"diff_patch","patchId":"p1"}`, &DiffPatch{}},
		{`{"type":"patch_decision","patchId":"p1","decision":"apply"}`, &PatchDecision{}},
		{`{"type":"undo_request","patchId":"p1"}`, &UndoRequest{}},
		{`{"type":"undo_result","patchId":"p1","success":true,"revertedFiles":[]}`, &UndoResult{}},
		{`{"type":"agent_control","command":"start","agentId":"claude"}`, &AgentControl{}},
		{`{"type":"agent_status_update","agentId":"claude","status":"running"}`, &AgentStatusUpdate{}},
		{`{"type":"heartbeat","timestamp":1,"agentStatus":"idle"}`, &Heartbeat{}},
		{`{"type":"session_state","agentId":"claude","agentStatus":"running"}`, &SessionStateSnapshot{}},
	}
	for _, tc := range cases {
		got, err := Decode([]byte(tc.raw))
		if err != nil {
			t.Fatalf("decode %s: %v", tc.raw, err)
		}
		if want, have := typeString(tc.want), typeString(got); want != have {
			t.Fatalf("decode %s: got %s, want %s", tc.raw, have, want)
		}
	}
}

func typeString(v any) string {
	switch v.(type) {
	case *TerminalOutput:
		return "TerminalOutput"
	case *UserPrompt:
		return "UserPrompt"
	case *PermissionRequest:
		return "PermissionRequest"
	case *PermissionResponse:
		return "PermissionResponse"
	case *DiffPatch:
		return "DiffPatch"
	case *PatchDecision:
		return "PatchDecision"
	case *PatchApplied:
		return "PatchApplied"
	case *UndoRequest:
		return "UndoRequest"
	case *UndoResult:
		return "UndoResult"
	case *AgentControl:
		return "AgentControl"
	case *AgentStatusUpdate:
		return "AgentStatusUpdate"
	case *Heartbeat:
		return "Heartbeat"
	case *SessionStateSnapshot:
		return "SessionStateSnapshot"
	default:
		return "unknown"
	}
}

func TestDecodeFieldValues(t *testing.T) {
	got, err := Decode([]byte(`{"type":"terminal_output","stream":"stdout","data":"hi","sequence":7}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	out, ok := got.(*TerminalOutput)
	if !ok {
		t.Fatalf("decoded %T", got)
	}
	if out.Stream != "stdout" || out.Data != "hi" || out.Sequence != 7 {
		t.Fatalf("fields: %+v", out)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"carrier_pigeon"}`)); !errors.Is(err, ErrUnknownPayloadType) {
		t.Fatalf("unknown type: %v", err)
	}
	if _, err := Decode([]byte(`{"prompt":"no discriminator"}`)); !errors.Is(err, ErrUnknownPayloadType) {
		t.Fatalf("missing type: %v", err)
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatal("garbage must fail")
	}
}

func TestPayloadTypePeeksWithoutFullDecode(t *testing.T) {
	kind, err := PayloadType([]byte(`{"type":"diff_patch","files":"wrong shape entirely"}`))
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if kind != TypeDiffPatch {
		t.Fatalf("kind: %s", kind)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	src := PermissionRequest{
		Type:        TypePermissionRequest,
		RequestID:   "r9",
		Action:      "shell_command",
		Description: "Run command: make test",
		Details:     map[string]string{"command": "make test"},
	}
	raw, err := Encode(src)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	req, ok := got.(*PermissionRequest)
	if !ok {
		t.Fatalf("decoded %T", got)
	}
	if req.RequestID != src.RequestID || req.Details["command"] != "make test" {
		t.Fatalf("round trip: %+v", req)
	}
}
