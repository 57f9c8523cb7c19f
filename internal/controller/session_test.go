package controller

import (
	"testing"

	"doomcode/go-backend/internal/config"
)

func TestTerminalOutputSequenceStartsAtZero(t *testing.T) {
	s, err := NewSession(config.ControllerConfig{WorkingDir: t.TempDir()}, false)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	for want := uint64(0); want < 3; want++ {
		out := s.terminalPayload([]byte("chunk"))
		if out.Sequence != want {
			t.Fatalf("sequence %d, want %d", out.Sequence, want)
		}
		if out.Stream != "stdout" || out.Data != "chunk" {
			t.Fatalf("payload: %+v", out)
		}
	}
	if out := s.terminalPayload(nil); out.Sequence != 3 {
		t.Fatalf("sequence after three chunks: %d", out.Sequence)
	}
}
