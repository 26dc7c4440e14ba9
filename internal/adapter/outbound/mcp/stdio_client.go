// Package mcp provides the backend transports the gateway relays to: a
// stdio subprocess, a legacy SSE endpoint and a Streamable HTTP endpoint.
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/akfldk1028/mcp-gateway/internal/domain/transport"
	"github.com/akfldk1028/mcp-gateway/pkg/mcp"
)

const (
	// maxLineSize bounds a single JSON-RPC line read from a subprocess.
	maxLineSize = 4 << 20
	// stderrChunkSize is the read size for subprocess stderr.
	stderrChunkSize = 4096
	// maxPendingStderr bounds stderr buffered before a handler is installed.
	maxPendingStderr = 64 << 10
	// killGrace bounds the wait for exit after SIGKILL.
	killGrace = 5 * time.Second
)

// ErrNotStarted is returned by Send before Start.
var ErrNotStarted = errors.New("transport not started")

// ErrTransportClosed is returned by Send after Close.
var ErrTransportClosed = errors.New("transport closed")

// StdioTransport runs an MCP server as a subprocess and exchanges
// newline-delimited JSON-RPC over its stdin and stdout. Stderr is captured
// separately and exposed through OnStderr.
type StdioTransport struct {
	transport.Hooks

	path             string
	args             []string
	env              []string
	terminateTimeout time.Duration
	logger           *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	closing bool
	done    chan struct{}

	writeMu sync.Mutex

	stderrMu      sync.Mutex
	onStderr      func([]byte)
	stderrPending [][]byte
	stderrBytes   int

	closeOnce sync.Once
}

// NewStdioTransport creates a transport for the resolved executable path.
// env is the complete environment of the child in KEY=VALUE form.
func NewStdioTransport(path string, args, env []string, terminateTimeout time.Duration, logger *slog.Logger) *StdioTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		path:             path,
		args:             args,
		env:              env,
		terminateTimeout: terminateTimeout,
		logger:           logger,
		done:             make(chan struct{}),
	}
}

// Start launches the subprocess. The process is not bound to ctx; it lives
// until Close or until it exits on its own.
func (t *StdioTransport) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd != nil {
		return errors.New("transport already started")
	}
	if t.closing {
		return ErrTransportClosed
	}

	cmd := exec.Command(t.path, t.args...)
	cmd.Env = t.env
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		_ = stderr.Close()
		return fmt.Errorf("failed to start %s: %w", t.path, err)
	}
	t.cmd = cmd
	t.stdin = stdin

	t.logger.Debug("backend process started", "path", t.path, "pid", cmd.Process.Pid)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		t.readStdout(stdout)
	}()
	go func() {
		defer readers.Done()
		t.readStderr(stderr)
	}()
	go t.wait(cmd, &readers)

	return nil
}

// readStdout delivers one message per line. Lines that are not JSON-RPC are
// logged and skipped.
func (t *StdioTransport) readStdout(r io.Reader) {
	reader := bufio.NewReaderSize(r, 64<<10)
	for {
		line, err := readLine(reader)
		if errors.Is(err, errLineTooLong) {
			t.logger.Warn("skipping oversized line from backend", "limit", maxLineSize)
			continue
		}
		if len(line) > 0 {
			msg, decodeErr := mcp.WrapMessage(line)
			if decodeErr != nil {
				t.logger.Warn("skipping non JSON-RPC output from backend", "error", decodeErr)
			} else {
				t.Deliver(msg)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Debug("backend stdout closed", "error", err)
			}
			return
		}
	}
}

var errLineTooLong = fmt.Errorf("line exceeds %d bytes", maxLineSize)

// readLine reads a full line without the trailing newline. A line longer
// than maxLineSize is consumed and reported as errLineTooLong.
func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	tooLong := false
	for {
		chunk, isPrefix, err := r.ReadLine()
		if !tooLong {
			line = append(line, chunk...)
			if len(line) > maxLineSize {
				tooLong, line = true, nil
			}
		}
		if err != nil {
			return line, err
		}
		if !isPrefix {
			if tooLong {
				return nil, errLineTooLong
			}
			return line, nil
		}
	}
}

// readStderr delivers stderr in chunks that never end inside a UTF-8
// sequence. An incomplete trailing rune is held until the next read, or
// flushed as is when the stream ends.
func (t *StdioTransport) readStderr(r io.Reader) {
	buf := make([]byte, stderrChunkSize)
	var carry []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, 0, len(carry)+n)
			chunk = append(append(chunk, carry...), buf[:n]...)
			chunk, carry = splitIncompleteRune(chunk)
			if len(chunk) > 0 {
				t.deliverStderr(chunk)
			}
		}
		if err != nil {
			if len(carry) > 0 {
				t.deliverStderr(carry)
			}
			return
		}
	}
}

// splitIncompleteRune splits b before a trailing UTF-8 sequence that is cut
// short. Invalid bytes are left in complete.
func splitIncompleteRune(b []byte) (complete, rest []byte) {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return b, nil
		}
		return b[:i], b[i:]
	}
	return b, nil
}

func (t *StdioTransport) deliverStderr(chunk []byte) {
	t.stderrMu.Lock()
	defer t.stderrMu.Unlock()

	if t.onStderr != nil {
		t.onStderr(chunk)
		return
	}
	if t.stderrBytes+len(chunk) > maxPendingStderr {
		return
	}
	t.stderrPending = append(t.stderrPending, chunk)
	t.stderrBytes += len(chunk)
}

// OnStderr installs the stderr handler and flushes chunks captured so far.
func (t *StdioTransport) OnStderr(fn func(chunk []byte)) {
	t.stderrMu.Lock()
	defer t.stderrMu.Unlock()

	t.onStderr = fn
	pending := t.stderrPending
	t.stderrPending, t.stderrBytes = nil, 0
	if fn == nil {
		return
	}
	for _, chunk := range pending {
		fn(chunk)
	}
}

// wait reaps the process once both pipes are drained and reports the close.
func (t *StdioTransport) wait(cmd *exec.Cmd, readers *sync.WaitGroup) {
	readers.Wait()
	err := cmd.Wait()
	close(t.done)

	t.mu.Lock()
	closing := t.closing
	t.mu.Unlock()

	if closing || err == nil {
		t.Closed(nil)
		return
	}
	t.Closed(fmt.Errorf("backend process exited: %w", err))
}

// Send writes msg as a single line to the subprocess stdin.
func (t *StdioTransport) Send(_ context.Context, msg *mcp.Message) error {
	t.mu.Lock()
	stdin := t.stdin
	closing := t.closing
	t.mu.Unlock()

	if closing || t.IsClosed() {
		return ErrTransportClosed
	}
	if stdin == nil {
		return ErrNotStarted
	}

	line := msg.Raw
	if bytes.ContainsAny(line, "\r\n") {
		var compact bytes.Buffer
		if err := json.Compact(&compact, line); err != nil {
			return fmt.Errorf("compact message: %w", err)
		}
		line = compact.Bytes()
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := stdin.Write(append(line[:len(line):len(line)], '\n')); err != nil {
		return fmt.Errorf("write to backend stdin: %w", err)
	}
	return nil
}

// Close closes stdin, sends SIGTERM to the process group and escalates to
// SIGKILL once the terminate timeout elapses.
func (t *StdioTransport) Close() error {
	var errs []error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closing = true
		cmd, stdin := t.cmd, t.stdin
		t.mu.Unlock()

		if cmd == nil {
			t.Closed(nil)
			return
		}

		if stdin != nil {
			if err := stdin.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				errs = append(errs, fmt.Errorf("close stdin: %w", err))
			}
		}

		select {
		case <-t.done:
			return
		default:
		}

		if err := terminateGroup(cmd.Process); err != nil {
			errs = append(errs, fmt.Errorf("terminate process: %w", err))
		}
		select {
		case <-t.done:
			return
		case <-time.After(t.terminateTimeout):
		}

		t.logger.Warn("backend did not exit after SIGTERM, killing", "pid", cmd.Process.Pid)
		if err := killGroup(cmd.Process); err != nil {
			errs = append(errs, fmt.Errorf("kill process: %w", err))
		}
		select {
		case <-t.done:
		case <-time.After(killGrace):
			errs = append(errs, errors.New("backend process did not exit after kill"))
			t.Closed(nil)
		}
	})
	return errors.Join(errs...)
}

// SessionID returns "": stdio backends have no session id.
func (t *StdioTransport) SessionID() string { return "" }

// Pid returns the subprocess id, or 0 before Start.
func (t *StdioTransport) Pid() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd == nil || t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

var (
	_ transport.Transport    = (*StdioTransport)(nil)
	_ transport.StderrSource = (*StdioTransport)(nil)
)
