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
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"
)

// stopTimeout is how long Close waits for the subprocess to exit after
// SIGTERM before killing it.
const stopTimeout = 5 * time.Second

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// WorkingDir is the subprocess working directory. Empty means the
	// current directory.
	WorkingDir string

	// Env holds additional environment variables, appended to the
	// current process environment.
	Env map[string]string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with an MCP server running as a
// subprocess. JSON-RPC messages are newline-delimited on stdin/stdout.
//
// Requests are serialized through a one-slot semaphore so only one
// request is outstanding at a time. A background reader delivers stdout
// lines; lines that are not a response to the current request (server
// notifications, late answers to abandoned requests) are skipped.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	sem chan struct{}

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	lines   chan []byte
	done    chan struct{} // closed when the stdout reader exits
	quit    chan struct{} // closed by stop to release a blocked reader
	readErr error         // valid after done is closed
	closed  bool
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is not started until the first Send or Notify call.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config: cfg,
		logger: logger,
		sem:    make(chan struct{}, 1),
	}
}

// acquire takes the request slot, honouring ctx.
func (t *StdioTransport) acquire(ctx context.Context) error {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	// Both cases may be ready at once; never proceed on a dead context.
	if err := ctx.Err(); err != nil {
		t.release()
		return err
	}
	return nil
}

func (t *StdioTransport) release() {
	<-t.sem
}

// start launches the subprocess if it has not been started. The
// subprocess is not bound to any call context; it lives until Close.
// Once it has exited the transport stays dead so the owner can replace
// the connection and re-run the handshake.
func (t *StdioTransport) start() (io.Writer, <-chan []byte, <-chan struct{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, nil, nil, ErrConnectionClosed
	}
	if t.cmd != nil {
		return t.stdin, t.lines, t.done, nil
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Dir = t.config.WorkingDir
	cmd.Env = append(os.Environ(), envList(t.config.Env)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, nil, nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	// Capture stderr for logging; it is not part of the protocol.
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, nil, nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		return nil, nil, nil, fmt.Errorf("start subprocess %s: %w", t.config.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.lines = make(chan []byte, 16)
	t.done = make(chan struct{})
	t.quit = make(chan struct{})

	go t.readLoop(bufio.NewReaderSize(stdout, 1<<20), t.lines, t.done, t.quit)
	go t.drainStderr(stderrPipe)

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return t.stdin, t.lines, t.done, nil
}

// readLoop forwards non-empty stdout lines until EOF or stop.
func (t *StdioTransport) readLoop(r *bufio.Reader, lines chan<- []byte, done chan<- struct{}, quit <-chan struct{}) {
	defer close(done)
	for {
		line, err := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			select {
			case lines <- line:
			case <-quit:
				t.readErr = ErrConnectionClosed
				return
			}
		}
		if err != nil {
			t.readErr = err
			return
		}
	}
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// Send writes a request to stdin and waits for the stdout line that
// answers it.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	defer t.release()

	stdin, lines, done, err := t.start()
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("write to subprocess stdin: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case line := <-lines:
			if resp, ok := t.match(line, req.ID); ok {
				return resp, nil
			}
		case <-done:
			// The reader may have queued the answer before exiting.
			for {
				select {
				case line := <-lines:
					if resp, ok := t.match(line, req.ID); ok {
						return resp, nil
					}
				default:
					return nil, fmt.Errorf("read from subprocess stdout: %w", t.exitCause())
				}
			}
		}
	}
}

// match reports whether line is the response to request id.
func (t *StdioTransport) match(line []byte, id int64) (*Response, bool) {
	resp, ok := decodeInbound(line)
	if !ok {
		t.logger.Debug("skipping non-response line from MCP subprocess",
			"line", string(bytes.TrimSpace(line)),
		)
		return nil, false
	}
	if resp.ID != id {
		t.logger.Debug("skipping unmatched MCP message", "id", resp.ID, "want", id)
		return nil, false
	}
	return resp, true
}

func (t *StdioTransport) exitCause() error {
	if t.readErr == nil || errors.Is(t.readErr, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return t.readErr
}

// Notify sends a JSON-RPC notification over stdin. No response is expected.
func (t *StdioTransport) Notify(ctx context.Context, notif *Notification) error {
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()

	stdin, _, _, err := t.start()
	if err != nil {
		return err
	}

	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write notification to subprocess stdin: %w", err)
	}
	return nil
}

// Close terminates the subprocess and releases resources. It does not
// wait for an in-flight Send; that Send fails once the process exits.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	return t.stop()
}

// stop closes stdin, sends SIGTERM and waits for the subprocess to
// exit, killing it after stopTimeout. Caller must hold t.mu.
func (t *StdioTransport) stop() error {
	if t.cmd == nil || t.cmd.Process == nil {
		return nil
	}
	cmd := t.cmd
	t.cmd = nil

	t.logger.Info("stopping MCP subprocess", "pid", cmd.Process.Pid)

	t.stdin.Close()
	close(t.quit)
	_ = cmd.Process.Signal(syscall.SIGTERM)

	waited := make(chan error, 1)
	go func() {
		<-t.done
		waited <- cmd.Wait()
	}()

	var err error
	select {
	case err = <-waited:
	case <-time.After(stopTimeout):
		t.logger.Warn("MCP subprocess did not exit gracefully, killing",
			"pid", cmd.Process.Pid,
		)
		_ = cmd.Process.Kill()
		err = <-waited
	}

	// Exiting on our signal is the expected outcome.
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// envList renders env as sorted KEY=VALUE pairs.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
