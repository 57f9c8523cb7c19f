// Package agent supervises the coding-assistant subprocess: locating
// the binary, keeping it attached to a pseudo-terminal, scanning its
// output, and injecting operator input through a single writer.
package agent

// Provider abstracts the PTY backend the subprocess runs on. OnData
// and OnExit must be registered before the first Write; registering
// OnData starts the read loop.
type Provider interface {
	Write(p []byte) (int, error)
	OnData(fn func(data []byte))
	OnExit(fn func(err error))
	Resize(cols, rows uint16) error
	Kill() error
}
