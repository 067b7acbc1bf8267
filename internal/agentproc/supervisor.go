package agentproc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/coderelay/sessioncore/internal/apperr"
	"github.com/coderelay/sessioncore/internal/wire"
)

// ExitNotification carries the reason a Supervisor stopped producing
// events, so the Session Multiplexer can decide whether to restart it,
// surface a terminal error, or treat the stop as a clean shutdown.
type ExitNotification struct {
	Err        *apperr.Error
	WasActive  bool
	StderrTail []byte
}

// Supervisor owns one session's agent subprocess end to end: spawning it,
// classifying its NDJSON stdout into wire.Events, accepting egress
// commands (user messages, permission resolutions, cancellation), and
// applying the crash/restart policy of spec §4.1.
//
// Grounded on the teacher's process.ManagedProcess (atomic state machine,
// graceful-then-kill shutdown, waitForProcess reaping goroutine).
type Supervisor struct {
	cfg       Config
	log       zerolog.Logger
	sessionID string

	state atomicState

	mu     sync.Mutex // guards cmd/stdin across restarts
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *ringBuffer

	events chan *wire.Event
	exited chan ExitNotification

	ctx    context.Context
	cancel context.CancelFunc

	noise       protocolNoise
	turnActive  atomic.Bool
	crashTimes  []time.Time
	crashsMu    sync.Mutex
	restarting  atomic.Bool
}

// New constructs a Supervisor bound to sessionID. Call Spawn to start the
// child process.
func New(cfg Config, sessionID string, log zerolog.Logger) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:       cfg,
		log:       log.With().Str("session_id", sessionID).Logger(),
		sessionID: sessionID,
		stderr:    newRingBuffer(cfg.StderrBufferBytes),
		events:    make(chan *wire.Event, 256),
		exited:    make(chan ExitNotification, 1),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Events returns the channel of translated wire.Events. The Session
// Multiplexer is the sole consumer; it assigns sequence numbers at
// append time.
func (s *Supervisor) Events() <-chan *wire.Event { return s.events }

// Exited delivers an ExitNotification when a stopped child has been
// reaped, when a crash exceeds the restart budget or its restart fails, or
// when the agent's version is refused. A crash that is restarted within
// budget publishes nothing. The channel holds one pending notification;
// further ones are dropped while it is full.
func (s *Supervisor) Exited() <-chan ExitNotification { return s.exited }

// State reports the current lifecycle state.
func (s *Supervisor) State() State { return s.state.load() }

// Spawn starts the child process per the spawn contract (spec §4.1):
// builds argv from Config, wires stdio, and begins ingest.
func (s *Supervisor) Spawn(ctx context.Context) error {
	if !s.state.compareAndSwap(StatePending, StateStarting) &&
		!s.state.compareAndSwap(StateStopped, StateStarting) &&
		!s.state.compareAndSwap(StateFailed, StateStarting) {
		return apperr.New(apperr.AgentSpawn, "supervisor already running")
	}

	args := s.buildArgs()
	cmd := exec.CommandContext(s.ctx, s.cfg.Binary, args...)
	cmd.Dir = s.cfg.WorkingDir
	if s.cfg.Env != nil {
		cmd.Env = s.cfg.Env
	} else {
		cmd.Env = os.Environ()
	}
	cmd.Stderr = s.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.state.store(StateFailed)
		return apperr.Wrap(apperr.AgentSpawn, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.state.store(StateFailed)
		return apperr.Wrap(apperr.AgentSpawn, err)
	}

	if err := cmd.Start(); err != nil {
		s.state.store(StateFailed)
		return apperr.Wrap(apperr.AgentSpawn, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.stdin = stdin
	s.mu.Unlock()

	s.state.store(StateRunning)
	s.log.Info().Str("binary", s.cfg.Binary).Msg("agent process spawned")

	go s.ingestLoop(stdout)
	go s.reap()

	return nil
}

func (s *Supervisor) buildArgs() []string {
	args := []string{"--output-format", "stream-json", "--input-format", "stream-json"}
	if s.cfg.Model != "" {
		args = append(args, "--model", s.cfg.Model)
	}
	if len(s.cfg.AllowedTools) > 0 {
		args = append(args, "--allowed-tools")
		for _, t := range s.cfg.AllowedTools {
			args = append(args, t)
		}
	}
	if s.cfg.ResumeSessionID != "" {
		args = append(args, "--resume", s.cfg.ResumeSessionID)
	}
	return args
}

// reap waits for the child to exit, then applies the crash/restart policy
// (spec §4.1 "Crash handling") before publishing an ExitNotification.
func (s *Supervisor) reap() {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()

	waitErr := cmd.Wait()
	wasActive := s.turnActive.Load()
	stopping := s.state.load() == StateStopping

	if stopping {
		s.state.store(StateStopped)
		s.publishExit(ExitNotification{WasActive: wasActive, StderrTail: s.stderr.Bytes()})
		return
	}

	s.state.store(StateFailed)

	if s.withinCrashBudget() {
		s.log.Warn().Err(waitErr).Msg("agent process crashed, restarting")
		if s.cfg.ResumeSessionID == "" {
			s.cfg.ResumeSessionID = s.sessionID
		}
		if err := s.Spawn(s.ctx); err != nil {
			s.publishExit(ExitNotification{
				Err:        apperr.Wrap(apperr.SubprocessCrashed, err).AsFatal(),
				WasActive:  wasActive,
				StderrTail: s.stderr.Bytes(),
			})
		}
		return
	}

	s.log.Error().Err(waitErr).Msg("agent process exceeded crash budget")
	s.publishExit(ExitNotification{
		Err: apperr.Newf(apperr.SubprocessCrashed,
			"agent crashed %d times within %s", s.cfg.MaxConsecutiveCrashes, s.cfg.CrashWindow).
			WithDetail(map[string]any{"wait_error": fmt.Sprint(waitErr)}).
			AsFatal(),
		WasActive:  wasActive,
		StderrTail: s.stderr.Bytes(),
	})
}

// withinCrashBudget records this crash and reports whether the consecutive
// crash count within CrashWindow is still under MaxConsecutiveCrashes.
func (s *Supervisor) withinCrashBudget() bool {
	s.crashsMu.Lock()
	defer s.crashsMu.Unlock()

	now := time.Now()
	cutoff := now.Add(-s.cfg.CrashWindow)
	kept := s.crashTimes[:0]
	for _, t := range s.crashTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	s.crashTimes = kept

	return len(s.crashTimes) < s.cfg.MaxConsecutiveCrashes
}

func (s *Supervisor) publishExit(n ExitNotification) {
	select {
	case s.exited <- n:
	default:
	}
}

// Shutdown interrupts the child (an interrupt control request on stdin
// and os.Interrupt), waits InterruptGrace, then kills it; a cancelled ctx
// ends the wait and kills at once. The wait does not end early when the
// child exits sooner, and Shutdown returns without waiting for the child
// to be reaped.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	prev := s.state.load()
	if prev == StateStopped || prev == StatePending {
		s.cancel()
		return nil
	}
	s.state.store(StateStopping)

	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		s.cancel()
		return nil
	}

	_ = s.sendControlCommand(map[string]any{"type": "control_request", "subtype": "interrupt"})
	_ = cmd.Process.Signal(os.Interrupt)

	timer := time.NewTimer(s.cfg.InterruptGrace)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
	case <-timer.C:
		_ = cmd.Process.Kill()
	case <-ctx.Done():
		_ = cmd.Process.Kill()
	}
	s.cancel()
	return nil
}

// SendUserMessage writes one user-turn message to the child's stdin as an
// NDJSON control document (spec §4.1 "Egress").
func (s *Supervisor) SendUserMessage(content json.RawMessage) error {
	s.turnActive.Store(true)
	return s.sendControlCommand(map[string]any{
		"type":    "user",
		"message": json.RawMessage(content),
	})
}

// ResolvePermission writes a control_response resolving a pending
// permission_request or user_question by request id.
func (s *Supervisor) ResolvePermission(requestID string, response json.RawMessage) error {
	return s.sendControlCommand(map[string]any{
		"type":       "control_response",
		"request_id": requestID,
		"response":   json.RawMessage(response),
	})
}

// Cancel best-effort interrupts the active turn. If the child has not
// produced a result within InterruptGrace, the caller should escalate by
// calling Shutdown/Spawn (restart), matching spec §4.2's 10s cancellation
// escalation window.
func (s *Supervisor) Cancel() (wasActive bool, err error) {
	wasActive = s.turnActive.Load()
	err = s.sendControlCommand(map[string]any{"type": "control_request", "subtype": "interrupt"})
	return wasActive, err
}

func (s *Supervisor) sendControlCommand(doc map[string]any) error {
	s.mu.Lock()
	stdin := s.stdin
	s.mu.Unlock()
	if stdin == nil {
		return apperr.New(apperr.SessionClosed, "agent process has no stdin")
	}
	line, err := json.Marshal(doc)
	if err != nil {
		return apperr.Wrap(apperr.AgentSpawn, err)
	}
	line = append(line, '\n')

	w := bufio.NewWriter(stdin)
	if _, err := w.Write(line); err != nil {
		return apperr.Wrap(apperr.SubprocessCrashed, err)
	}
	return w.Flush()
}

// ProtocolNoiseCount reports how many stdout lines failed to classify
// since New, for diagnostics/metrics; the count is not reset when the
// child is restarted.
func (s *Supervisor) ProtocolNoiseCount() int64 { return s.noise.count }
