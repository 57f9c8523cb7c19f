package agent

import (
	"log"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"

	"doomcode/go-backend/internal/config"
)

const (
	ptyCols = 120
	ptyRows = 40
)

// nativePTY runs the subprocess on a kernel pseudo-terminal.
type nativePTY struct {
	cmd *exec.Cmd
	tty *os.File

	mu       sync.Mutex
	onData   func([]byte)
	onExit   func(error)
	readOnce sync.Once
}

func startNative(path, dir string) (*nativePTY, error) {
	cmd := exec.Command(path)
	cmd.Dir = dir
	cmd.Env = agentEnv()

	tty, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: ptyRows, Cols: ptyCols})
	if err != nil {
		return nil, err
	}
	return &nativePTY{cmd: cmd, tty: tty}, nil
}

// agentEnv forces the interactive-terminal environment assistants
// expect: a real TERM, color on, CI heuristics off, a concrete SHELL.
func agentEnv() []string {
	env := append([]string{}, os.Environ()...)
	env = append(env,
		"TERM=xterm-256color",
		"FORCE_COLOR=1",
		"CI=false",
	)
	if os.Getenv("SHELL") == "" {
		env = append(env, "SHELL=/bin/sh")
	}
	return env
}

func (n *nativePTY) Write(p []byte) (int, error) {
	return n.tty.Write(p)
}

func (n *nativePTY) OnData(fn func([]byte)) {
	n.mu.Lock()
	n.onData = fn
	n.mu.Unlock()
	n.readOnce.Do(func() { go n.readLoop() })
}

func (n *nativePTY) OnExit(fn func(error)) {
	n.mu.Lock()
	n.onExit = fn
	n.mu.Unlock()
}

func (n *nativePTY) Resize(cols, rows uint16) error {
	return pty.Setsize(n.tty, &pty.Winsize{Rows: rows, Cols: cols})
}

func (n *nativePTY) Kill() error {
	if n.cmd.Process == nil {
		return nil
	}
	return n.cmd.Process.Kill()
}

func (n *nativePTY) readLoop() {
	buf := make([]byte, 4096)
	for {
		count, err := n.tty.Read(buf)
		if count > 0 {
			data := make([]byte, count)
			copy(data, buf[:count])
			if config.DebugPTY() {
				log.Printf("pty: read %d bytes", count)
			}
			n.mu.Lock()
			fn := n.onData
			n.mu.Unlock()
			if fn != nil {
				fn(data)
			}
		}
		if err != nil {
			break
		}
	}
	waitErr := n.cmd.Wait()
	n.tty.Close()
	n.mu.Lock()
	fn := n.onExit
	n.mu.Unlock()
	if fn != nil {
		fn(waitErr)
	}
}
