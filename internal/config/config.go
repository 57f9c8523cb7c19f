// Package config loads yaml configuration for the relay and the
// controller, with environment overrides layered on top. Files are
// optional: every field has a working default so both binaries run
// with no config at all.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Enter modes for input injection.
const (
	EnterCR   = "cr"
	EnterLF   = "lf"
	EnterCRLF = "crlf"
)

const (
	DefaultWSURL   = "ws://127.0.0.1:8787/ws"
	DefaultHTTPURL = "http://127.0.0.1:8787"

	defaultTypewriteDelay = 5 * time.Millisecond
)

type RelayConfig struct {
	ListenAddr     string  `yaml:"listenAddr"`
	RateLimitRPS   float64 `yaml:"rateLimitRps"`
	RateLimitBurst int     `yaml:"rateLimitBurst"`
}

type ControllerConfig struct {
	WSURL      string `yaml:"wsUrl"`
	HTTPURL    string `yaml:"httpUrl"`
	WorkingDir string `yaml:"workingDir"`
	Agent      string `yaml:"agent"`

	EnterMode      string        `yaml:"enterMode"`
	Typewrite      *bool         `yaml:"typewrite"`
	TypewriteDelay time.Duration `yaml:"typewriteDelay"`
}

type Config struct {
	Relay      RelayConfig      `yaml:"relay"`
	Controller ControllerConfig `yaml:"controller"`
}

func Default() Config {
	return Config{
		Relay: RelayConfig{
			ListenAddr:     ":8787",
			RateLimitRPS:   20,
			RateLimitBurst: 40,
		},
		Controller: ControllerConfig{
			WSURL:          DefaultWSURL,
			HTTPURL:        DefaultHTTPURL,
			Agent:          "claude",
			EnterMode:      EnterCR,
			TypewriteDelay: defaultTypewriteDelay,
		},
	}
}

// Load reads the first readable candidate path, then applies env
// overrides. An empty configPath falls back to conventional names.
func Load(configPath string) Config {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			".doomcode/config.yaml",
			"configs/doomcode.yaml",
		)
	}
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var fileCfg Config
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			continue
		}
		cfg = merge(cfg, fileCfg)
		break
	}

	applyEnv(&cfg)
	return cfg
}

func merge(base, over Config) Config {
	if over.Relay.ListenAddr != "" {
		base.Relay.ListenAddr = over.Relay.ListenAddr
	}
	if over.Relay.RateLimitRPS > 0 {
		base.Relay.RateLimitRPS = over.Relay.RateLimitRPS
	}
	if over.Relay.RateLimitBurst > 0 {
		base.Relay.RateLimitBurst = over.Relay.RateLimitBurst
	}
	if over.Controller.WSURL != "" {
		base.Controller.WSURL = over.Controller.WSURL
	}
	if over.Controller.HTTPURL != "" {
		base.Controller.HTTPURL = over.Controller.HTTPURL
	}
	if over.Controller.WorkingDir != "" {
		base.Controller.WorkingDir = over.Controller.WorkingDir
	}
	if over.Controller.Agent != "" {
		base.Controller.Agent = over.Controller.Agent
	}
	if ValidEnterMode(over.Controller.EnterMode) {
		base.Controller.EnterMode = over.Controller.EnterMode
	}
	if over.Controller.Typewrite != nil {
		base.Controller.Typewrite = over.Controller.Typewrite
	}
	if over.Controller.TypewriteDelay > 0 {
		base.Controller.TypewriteDelay = over.Controller.TypewriteDelay
	}
	return base
}

func applyEnv(cfg *Config) {
	if mode := strings.ToLower(strings.TrimSpace(os.Getenv("DOOMCODE_ENTER_MODE"))); ValidEnterMode(mode) {
		cfg.Controller.EnterMode = mode
	}
	if v, ok := ParseBoolEnv("DOOMCODE_TYPEWRITE"); ok {
		cfg.Controller.Typewrite = &v
	}
	if raw := strings.TrimSpace(os.Getenv("DOOMCODE_TYPEWRITE_DELAY_MS")); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil && ms >= 0 {
			cfg.Controller.TypewriteDelay = time.Duration(ms) * time.Millisecond
		}
	}
}

// ValidEnterMode reports whether s names an enter mode.
func ValidEnterMode(s string) bool {
	switch s {
	case EnterCR, EnterLF, EnterCRLF:
		return true
	default:
		return false
	}
}

// EnterSuffix returns the bytes the mode appends after a line.
func EnterSuffix(mode string) []byte {
	switch mode {
	case EnterLF:
		return []byte{'\n'}
	case EnterCRLF:
		return []byte{'\r', '\n'}
	default:
		return []byte{'\r'}
	}
}

// DebugSession reports whether session-level debug logging is on.
func DebugSession() bool {
	v, ok := ParseBoolEnv("DOOMCODE_DEBUG_SESSION")
	return ok && v
}

// DebugPTY reports whether PTY-level debug logging is on.
func DebugPTY() bool {
	v, ok := ParseBoolEnv("DOOMCODE_DEBUG_PTY")
	return ok && v
}

// ParseBoolEnv reads a boolean env var; the second result reports
// whether the variable held a recognizable value.
func ParseBoolEnv(name string) (bool, bool) {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(name))) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}
