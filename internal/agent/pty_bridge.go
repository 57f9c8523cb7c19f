package agent

import (
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"
	"sync"

	"doomcode/go-backend/internal/config"
)

// bridgePTY is the fallback backend: a helper `script` process owns
// the pseudo-terminal and proxies bytes over plain pipes. Used when
// the native spawn fails. The helper also sets the slave terminal's
// input discipline: ICRNL on for cr mode, off for lf and crlf so the
// assistant sees the newline bytes we actually send.
type bridgePTY struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	mu       sync.Mutex
	onData   func([]byte)
	onExit   func(error)
	readOnce sync.Once
}

func startBridge(path, dir, enterMode string) (*bridgePTY, error) {
	discipline := "icrnl"
	if enterMode == config.EnterLF || enterMode == config.EnterCRLF {
		discipline = "-icrnl"
	}
	inner := fmt.Sprintf("stty %s 2>/dev/null; exec %s", discipline, shellQuote(path))

	cmd := exec.Command("script", "-qefc", inner, "/dev/null")
	cmd.Dir = dir
	cmd.Env = agentEnv()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &bridgePTY{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (b *bridgePTY) Write(p []byte) (int, error) {
	return b.stdin.Write(p)
}

func (b *bridgePTY) OnData(fn func([]byte)) {
	b.mu.Lock()
	b.onData = fn
	b.mu.Unlock()
	b.readOnce.Do(func() { go b.readLoop() })
}

func (b *bridgePTY) OnExit(fn func(error)) {
	b.mu.Lock()
	b.onExit = fn
	b.mu.Unlock()
}

// Resize is a no-op: the helper owns the terminal and offers no way
// to change its window after start.
func (b *bridgePTY) Resize(cols, rows uint16) error {
	return nil
}

func (b *bridgePTY) Kill() error {
	if b.cmd.Process == nil {
		return nil
	}
	return b.cmd.Process.Kill()
}

func (b *bridgePTY) readLoop() {
	buf := make([]byte, 4096)
	for {
		count, err := b.stdout.Read(buf)
		if count > 0 {
			data := make([]byte, count)
			copy(data, buf[:count])
			if config.DebugPTY() {
				log.Printf("pty bridge: read %d bytes", count)
			}
			b.mu.Lock()
			fn := b.onData
			b.mu.Unlock()
			if fn != nil {
				fn(data)
			}
		}
		if err != nil {
			break
		}
	}
	waitErr := b.cmd.Wait()
	b.stdin.Close()
	b.mu.Lock()
	fn := b.onExit
	b.mu.Unlock()
	if fn != nil {
		fn(waitErr)
	}
}
