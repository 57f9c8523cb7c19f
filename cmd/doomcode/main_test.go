package main

import "testing"

func TestConnectConfigAcceptsFullFlagSet(t *testing.T) {
	cfg, target := connectConfig([]string{
		"sess-1",
		"--ws-url", "ws://relay.example/ws",
		"--http-url", "http://relay.example",
		"--agent", "claude",
	})
	if target != "sess-1" {
		t.Fatalf("target: %q", target)
	}
	if cfg.WSURL != "ws://relay.example/ws" {
		t.Fatalf("ws url: %q", cfg.WSURL)
	}
	if cfg.HTTPURL != "http://relay.example" {
		t.Fatalf("http url: %q", cfg.HTTPURL)
	}
	if cfg.Agent != "claude" {
		t.Fatalf("agent: %q", cfg.Agent)
	}
}

func TestConnectConfigDefaultsWithoutFlags(t *testing.T) {
	cfg, target := connectConfig([]string{"sess-2"})
	if target != "sess-2" {
		t.Fatalf("target: %q", target)
	}
	if cfg.WSURL == "" {
		t.Fatal("ws url must fall back to config default")
	}
}
