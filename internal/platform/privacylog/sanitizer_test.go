package privacylog

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestHandlerRedactsKeyMaterial(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(Wrap(slog.NewTextHandler(&buf, nil)))

	logger.Info("join accepted",
		"public_key", "c29tZS1rZXktYnl0ZXM=",
		"role", "operator",
	)

	out := buf.String()
	if strings.Contains(out, "c29tZS1rZXktYnl0ZXM=") {
		t.Fatalf("key material leaked into log: %s", out)
	}
	if !strings.Contains(out, redactedValue) {
		t.Fatalf("sensitive key not redacted: %s", out)
	}
	if !strings.Contains(out, "role=operator") {
		t.Fatalf("benign attribute must survive: %s", out)
	}
}

func TestHandlerFingerprintsSessionIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(Wrap(slog.NewTextHandler(&buf, nil)))

	logger.Info("envelope queued", "session_id", "11111111-2222-3333-4444-555555555555")

	out := buf.String()
	if strings.Contains(out, "11111111-2222-3333-4444-555555555555") {
		t.Fatalf("session id leaked into log: %s", out)
	}
	if !strings.Contains(out, "session_id_fp=fp_") {
		t.Fatalf("session id must be fingerprinted: %s", out)
	}
}

func TestFingerprintStableWithinBoot(t *testing.T) {
	a := Fingerprint("sess-1")
	b := Fingerprint("sess-1")
	c := Fingerprint("sess-2")
	if a != b {
		t.Fatal("fingerprint must be stable for one value")
	}
	if a == c {
		t.Fatal("different values must not collide trivially")
	}
	if Fingerprint("  ") != "" {
		t.Fatal("blank values fingerprint to empty")
	}
}
