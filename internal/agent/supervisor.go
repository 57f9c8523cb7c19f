package agent

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"doomcode/go-backend/internal/agent/scanner"
	"doomcode/go-backend/pkg/models"
)

var (
	ErrNotRunning     = errors.New("agent not running")
	ErrUnknownRequest = errors.New("unknown permission request")
	ErrInputBacklog   = errors.New("agent input queue full")
	ErrNoLastPrompt   = errors.New("no prompt to retry")
)

const inputQueueDepth = 16

// Handlers receive supervisor events. All callbacks fire outside the
// supervisor's lock; Output and Patch come from the PTY read
// goroutine, Status from whichever goroutine caused the transition.
type Handlers struct {
	Output     func(data []byte)
	Permission func(req models.PermissionRequest)
	Patch      func(p scanner.Patch)
	Status     func(update models.AgentStatusUpdate)
}

type Options struct {
	Binary         string
	Dir            string
	EnterMode      string
	Typewrite      *bool // nil picks the backend default
	TypewriteDelay time.Duration
}

type injection struct {
	text  string
	style inputStyle
}

// Supervisor owns one assistant subprocess at a time. All PTY writes
// funnel through a single goroutine draining the input queue, so a
// slow typewrite can never interleave with a permission answer.
type Supervisor struct {
	opts     Options
	handlers Handlers

	locate func(name string) (string, error)
	spawn  func(path, dir, enterMode string) (Provider, bool, error)

	mu          sync.Mutex
	status      string
	agentID     string
	lastPrompt  string
	agentConfig *models.AgentConfig
	provider    Provider
	bridge      bool
	scan        *scanner.Scanner
	pending     map[string]models.PermissionRequest
	input       chan injection
	gen         int
}

func NewSupervisor(opts Options, handlers Handlers) *Supervisor {
	return &Supervisor{
		opts:     opts,
		handlers: handlers,
		status:   models.StatusIdle,
		agentID:  opts.Binary,
		locate:   Locate,
		spawn:    spawnProvider,
	}
}

// spawnProvider tries the native PTY first and falls back to the
// script bridge when the native spawn fails.
func spawnProvider(path, dir, enterMode string) (Provider, bool, error) {
	native, err := startNative(path, dir)
	if err == nil {
		return native, false, nil
	}
	log.Printf("agent: native pty spawn failed, trying bridge: %v", err)
	bridge, bridgeErr := startBridge(path, dir, enterMode)
	if bridgeErr != nil {
		return nil, false, fmt.Errorf("native: %v; bridge: %w", err, bridgeErr)
	}
	return bridge, true, nil
}

// Start launches the agent, replacing a running one when the id
// differs. Starting the agent that is already running is a no-op.
func (s *Supervisor) Start(agentID string) error {
	if agentID == "" {
		agentID = s.opts.Binary
	}
	s.mu.Lock()
	if s.provider != nil {
		if s.agentID == agentID {
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
		s.Stop()
	} else {
		s.mu.Unlock()
	}

	path, err := s.locate(agentID)
	if err != nil {
		s.transition(models.StatusError)
		return err
	}
	provider, bridge, err := s.spawn(path, s.opts.Dir, s.opts.EnterMode)
	if err != nil {
		s.transition(models.StatusError)
		return fmt.Errorf("spawn %s: %w", agentID, err)
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.provider = provider
	s.bridge = bridge
	s.agentID = agentID
	s.scan = scanner.New()
	s.pending = make(map[string]models.PermissionRequest)
	input := make(chan injection, inputQueueDepth)
	s.input = input
	s.mu.Unlock()

	provider.OnExit(func(err error) { s.handleExit(gen, input, err) })
	provider.OnData(func(data []byte) { s.handleData(gen, data) })
	go s.writeLoop(provider, bridge, input)

	s.transition(models.StatusRunning)
	return nil
}

// Stop kills the subprocess; the exit callback performs the cleanup
// and the transition to idle.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	provider := s.provider
	s.mu.Unlock()
	if provider != nil {
		_ = provider.Kill()
	}
}

// Retry replays the last prompt, restarting the agent first when it
// is not running.
func (s *Supervisor) Retry() error {
	s.mu.Lock()
	prompt := s.lastPrompt
	agentID := s.agentID
	running := s.provider != nil
	s.mu.Unlock()
	if prompt == "" {
		return ErrNoLastPrompt
	}
	if !running {
		if err := s.Start(agentID); err != nil {
			return err
		}
	}
	return s.SendPrompt(prompt)
}

// Configure records the operator-supplied agent configuration; it
// takes effect on the next start.
func (s *Supervisor) Configure(cfg *models.AgentConfig) {
	s.mu.Lock()
	s.agentConfig = cfg
	s.mu.Unlock()
	s.emitStatus()
}

// Control dispatches an operator agent_control payload.
func (s *Supervisor) Control(ctl models.AgentControl) error {
	switch ctl.Command {
	case models.AgentStart:
		return s.Start(ctl.AgentID)
	case models.AgentStop:
		s.Stop()
		return nil
	case models.AgentRetry:
		return s.Retry()
	case models.AgentConfigure:
		s.Configure(ctl.Config)
		return nil
	default:
		return fmt.Errorf("unknown agent command %q", ctl.Command)
	}
}

// SendPrompt queues a prompt for injection, remembering it for retry.
// Style defaults to line on the native backend and typewrite on the
// bridge; Options.Typewrite overrides.
func (s *Supervisor) SendPrompt(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.input == nil {
		return ErrNotRunning
	}
	style := styleLine
	if s.typewriteLocked() {
		style = styleTypewrite
	}
	select {
	case s.input <- injection{text: text, style: style}:
		s.lastPrompt = text
		return nil
	default:
		return ErrInputBacklog
	}
}

func (s *Supervisor) typewriteLocked() bool {
	if s.opts.Typewrite != nil {
		return *s.opts.Typewrite
	}
	return s.bridge
}

// ResolvePermission answers a pending approval prompt with y or n and
// returns the supervisor to running.
func (s *Supervisor) ResolvePermission(requestID, decision string) error {
	s.mu.Lock()
	_, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	answer := "n"
	if decision == models.DecisionApprove || decision == models.DecisionApproveAlways {
		answer = "y"
	}
	if err := s.enqueue(injection{text: answer, style: styleLine}); err != nil {
		return err
	}
	s.transition(models.StatusRunning)
	return nil
}

func (s *Supervisor) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Supervisor) LastPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPrompt
}

// StatusUpdate snapshots the supervisor for a status payload.
func (s *Supervisor) StatusUpdate() models.AgentStatusUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.AgentStatusUpdate{
		Type:       models.TypeAgentStatusUpdate,
		AgentID:    s.agentID,
		Status:     s.status,
		LastPrompt: s.lastPrompt,
	}
}

// Resize forwards a window change to the backend.
func (s *Supervisor) Resize(cols, rows uint16) error {
	s.mu.Lock()
	provider := s.provider
	s.mu.Unlock()
	if provider == nil {
		return ErrNotRunning
	}
	return provider.Resize(cols, rows)
}

// enqueue sends under the lock so a concurrent exit cannot close the
// channel between the nil check and the send.
func (s *Supervisor) enqueue(inj injection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.input == nil {
		return ErrNotRunning
	}
	select {
	case s.input <- inj:
		return nil
	default:
		return ErrInputBacklog
	}
}

func (s *Supervisor) writeLoop(provider Provider, bridge bool, input <-chan injection) {
	for inj := range input {
		var err error
		switch inj.style {
		case styleTypewrite:
			err = injectTypewrite(provider, inj.text, bridge, s.opts.TypewriteDelay)
		default:
			err = injectLine(provider, inj.text, s.opts.EnterMode)
		}
		if err != nil {
			log.Printf("agent: pty write failed: %v", err)
			s.transition(models.StatusError)
			s.Stop()
			return
		}
	}
}

func (s *Supervisor) handleData(gen int, data []byte) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	events := s.scan.Feed(data)
	for _, req := range events.Permissions {
		s.pending[req.RequestID] = req
	}
	s.mu.Unlock()

	if s.handlers.Output != nil {
		s.handlers.Output(data)
	}
	for _, req := range events.Permissions {
		s.transition(models.StatusWaitingInput)
		if s.handlers.Permission != nil {
			s.handlers.Permission(req)
		}
	}
	for _, patch := range events.Patches {
		if s.handlers.Patch != nil {
			s.handlers.Patch(patch)
		}
	}
}

// handleExit always releases the dead provider's write loop; the
// supervisor state only resets when the exit belongs to the current
// generation (a replaced agent's late exit must not clobber its
// successor).
func (s *Supervisor) handleExit(gen int, input chan injection, err error) {
	s.mu.Lock()
	close(input)
	if s.input == input {
		s.input = nil
	}
	stale := s.gen != gen
	if !stale {
		s.provider = nil
		s.pending = nil
	}
	wasError := s.status == models.StatusError
	s.mu.Unlock()
	if stale {
		return
	}

	if err != nil {
		log.Printf("agent: subprocess exited: %v", err)
	}
	if !wasError {
		s.transition(models.StatusIdle)
	}
}

func (s *Supervisor) transition(status string) {
	s.mu.Lock()
	changed := s.status != status
	s.status = status
	s.mu.Unlock()
	if changed {
		s.emitStatus()
	}
}

func (s *Supervisor) emitStatus() {
	if s.handlers.Status != nil {
		s.handlers.Status(s.StatusUpdate())
	}
}
