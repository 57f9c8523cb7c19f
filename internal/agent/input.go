package agent

import (
	"io"
	"time"

	"doomcode/go-backend/internal/config"
)

type inputStyle int

const (
	styleLine inputStyle = iota
	styleTypewrite
)

const (
	typewritePrime  = 100 * time.Millisecond
	forceSubmitGap  = 10 * time.Millisecond
	defaultKeyDelay = 5 * time.Millisecond
)

// injectLine writes the text followed by the enter suffix once.
func injectLine(w io.Writer, text, enterMode string) error {
	payload := append([]byte(text), config.EnterSuffix(enterMode)...)
	_, err := w.Write(payload)
	return err
}

// injectTypewrite paces the text one code point at a time, then
// force-submits with CR and LF so submission works regardless of the
// assistant's line discipline. The leading ESC is bridge-only: it
// knocks the assistant out of any composed-input mode.
func injectTypewrite(w io.Writer, text string, bridge bool, delay time.Duration) error {
	if bridge {
		if _, err := w.Write([]byte{0x1b}); err != nil {
			return err
		}
	}
	time.Sleep(typewritePrime)
	if delay <= 0 {
		delay = defaultKeyDelay
	}
	for _, r := range text {
		if _, err := w.Write([]byte(string(r))); err != nil {
			return err
		}
		time.Sleep(delay)
	}
	if _, err := w.Write([]byte{0x0d}); err != nil {
		return err
	}
	time.Sleep(forceSubmitGap)
	_, err := w.Write([]byte{0x0a})
	return err
}
