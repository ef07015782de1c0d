// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package block

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/ManuGH/obsnet/internal/log"
	"github.com/ManuGH/obsnet/internal/metrics"
	"github.com/ManuGH/obsnet/internal/procgroup"
	"github.com/ManuGH/obsnet/internal/protocol"
	"github.com/rs/zerolog"
)

// ExitStatus describes how a worker subprocess ended.
type ExitStatus struct {
	Code     int
	Signaled bool
	// Err is set when the exit status could not be determined.
	Err error
}

// Success reports a clean zero exit.
func (e ExitStatus) Success() bool {
	return e.Err == nil && !e.Signaled && e.Code == 0
}

func (e ExitStatus) String() string {
	switch {
	case e.Err != nil:
		return "error: " + e.Err.Error()
	case e.Signaled:
		return "signaled"
	default:
		return fmt.Sprintf("exit %d", e.Code)
	}
}

func exitStatusFrom(err error) ExitStatus {
	if err == nil {
		return ExitStatus{}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code < 0 {
			return ExitStatus{Code: code, Signaled: true}
		}
		return ExitStatus{Code: code}
	}
	return ExitStatus{Code: -1, Err: err}
}

// ProcessHandler receives a worker's stdout lines and its single exit.
type ProcessHandler interface {
	OnLine(p *ProcessConnection, line string)
	OnExit(p *ProcessConnection, exit ExitStatus)
}

// ProcessSpec describes a worker subprocess.
type ProcessSpec struct {
	// Name identifies the connection in logs and the name index.
	Name string
	// Kind is a low-cardinality label for metrics, e.g. "astrometry".
	Kind string
	Exe  string
	Args []string
	Dir  string
	Env  []string
}

// ProcessConnection is a Connection whose peer is a spawned worker. Its
// stdout is the inbound line stream; stdin is not wired.
type ProcessConnection struct {
	conn    *Connection
	spec    ProcessSpec
	cmd     *exec.Cmd
	handler ProcessHandler
	exited  chan struct{}

	terminating bool
	finalized   bool
	exit        ExitStatus
}

// Spawn starts a worker and registers its connection. A start failure is
// returned synchronously and nothing is registered.
func (b *Block) Spawn(spec ProcessSpec, h ProcessHandler) (*ProcessConnection, error) {
	if spec.Kind == "" {
		spec.Kind = "worker"
	}
	if spec.Name == "" {
		spec.Name = spec.Kind
	}
	cmd := exec.Command(spec.Exe, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	procgroup.Set(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		metrics.IncProcessSpawn(spec.Kind, "error")
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawn, spec.Exe, err)
	}
	logger := log.WithComponent("process").With().
		Str("kind", spec.Kind).
		Str(log.FieldPeer, spec.Name).
		Logger()
	cmd.Stderr = &stderrLogger{log: logger}

	if err := cmd.Start(); err != nil {
		metrics.IncProcessSpawn(spec.Kind, "error")
		logger.Error().
			Str(log.FieldEvent, "process.spawn_failed").
			Str(log.FieldPath, spec.Exe).
			Err(err).
			Msg("failed to start worker")
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawn, spec.Exe, err)
	}
	metrics.IncProcessSpawn(spec.Kind, "ok")

	c := b.newConnection(RoleProcess, spec.Name, fmt.Sprintf("pid:%d", cmd.Process.Pid))
	c.log = c.log.With().Int(log.FieldPID, cmd.Process.Pid).Logger()
	p := &ProcessConnection{
		conn:    c,
		spec:    spec,
		cmd:     cmd,
		handler: h,
		exited:  make(chan struct{}),
	}
	c.proc = p
	c.setState(StateOpen)
	b.register(c)

	c.log.Info().
		Str(log.FieldEvent, "process.spawned").
		Str(log.FieldPath, spec.Exe).
		Strs("args", spec.Args).
		Msg("worker started")

	go p.readLoop(b, stdout)
	return p, nil
}

// Connection returns the underlying connection.
func (p *ProcessConnection) Connection() *Connection { return p.conn }

// Spec returns the spawn parameters.
func (p *ProcessConnection) Spec() ProcessSpec { return p.spec }

// PID returns the worker's process id.
func (p *ProcessConnection) PID() int { return p.cmd.Process.Pid }

// Finalized reports whether the exit has been processed.
func (p *ProcessConnection) Finalized() bool { return p.finalized }

// Exit returns the exit status once finalized.
func (p *ProcessConnection) Exit() ExitStatus { return p.exit }

// Close asks the worker to stop. Finalization follows when the exit is observed.
func (p *ProcessConnection) Close() { p.conn.Close() }

// readLoop delivers stdout lines, including a final unterminated one, then
// reaps the process and posts its single exit. Unreadable output becomes
// the close reason so truncation is visible after a clean exit.
func (p *ProcessConnection) readLoop(b *Block, stdout io.Reader) {
	sc := protocol.NewScanner(stdout)
	for sc.Scan() {
		line := sc.Text()
		b.post(func() { p.conn.handleLine(line) })
	}
	if err := sc.Err(); err != nil {
		p.conn.log.Warn().
			Str(log.FieldEvent, "process.output_truncated").
			Err(err).
			Msg("worker output unreadable, discarding rest")
		readErr := fmt.Errorf("%w: worker output: %v", ErrProtocol, err)
		b.post(func() {
			if p.conn.closeErr == nil {
				p.conn.closeErr = readErr
			}
		})
		_, _ = io.Copy(io.Discard, stdout)
	}
	status := exitStatusFrom(p.cmd.Wait())
	close(p.exited)
	b.post(func() { p.finalize(status) })
}

func (p *ProcessConnection) handleLine(line string) {
	if p.finalized || p.handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.conn.log.Error().Interface("panic", r).Msg("process line handler panicked")
		}
	}()
	p.handler.OnLine(p, line)
}

func (p *ProcessConnection) terminate(reason error) {
	if p.terminating || p.finalized {
		return
	}
	p.terminating = true
	p.conn.closeErr = reason
	p.conn.setState(StateClosing)
	grace := p.conn.b.opts.KillGrace
	logger := p.conn.log
	go func() {
		if err := procgroup.Terminate(p.cmd, p.exited, grace); err != nil {
			logger.Error().
				Str(log.FieldEvent, "process.kill_failed").
				Err(err).
				Msg("worker did not exit after SIGKILL")
		}
	}()
}

// finalize runs exactly once per worker, whichever of exit or close came first.
func (p *ProcessConnection) finalize(status ExitStatus) {
	if p.finalized {
		return
	}
	p.finalized = true
	p.exit = status
	c := p.conn
	// A truncation reason recorded by readLoop wins over the exit status.
	if c.closeErr == nil && !status.Success() {
		c.closeErr = fmt.Errorf("%w: worker %s", ErrTransport, status)
	}
	c.setState(StateClosed)

	outcome := "success"
	if !status.Success() {
		outcome = "failure"
	}
	metrics.IncProcessFinalized(p.spec.Kind, outcome)
	c.log.Info().
		Str(log.FieldEvent, "process.exited").
		Int(log.FieldExitCode, status.Code).
		Bool("signaled", status.Signaled).
		Msg("worker exited")

	if p.handler != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error().Interface("panic", r).Msg("process exit handler panicked")
				}
			}()
			p.handler.OnExit(p, status)
		}()
	}
	c.b.connectionClosed(c)
}

// stderrLogger forwards worker stderr to the debug log line by line.
type stderrLogger struct {
	log zerolog.Logger
	buf bytes.Buffer
}

func (s *stderrLogger) Write(p []byte) (int, error) {
	s.buf.Write(p)
	for {
		line, err := s.buf.ReadString('\n')
		if err != nil {
			// keep the partial line for the next write
			s.buf.Reset()
			s.buf.WriteString(line)
			break
		}
		if line = strings.TrimRight(line, "\r\n"); line != "" {
			s.log.Debug().Str(log.FieldLine, line).Msg("worker stderr")
		}
	}
	return len(p), nil
}
