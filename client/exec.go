package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
)

// ExecOptions are the arguments to Exec.
type ExecOptions struct {
	// Command is the program and its arguments. Must be non-empty.
	Command []string

	// ServiceContext runs the command with the named service's
	// environment and working directory as the base.
	ServiceContext string

	// Environment sets extra environment variables.
	Environment map[string]string

	// WorkingDir overrides the working directory.
	WorkingDir string

	// Timeout, if non-zero, makes the server kill the command after the
	// given duration. The server reports the timeout as a change error.
	Timeout time.Duration

	// User/group identity for the command; nil/empty means the server
	// default.
	UserID  *int
	User    string
	GroupID *int
	Group   string

	// CombineStderr merges the command's stderr into its stdout stream.
	// No stderr channel is opened and Stderr must be nil.
	CombineStderr bool

	// Stdin, Stdout and Stderr attach caller streams to the process. For
	// each one left nil the process exposes its own handle instead.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

type execPayload struct {
	Command        []string          `json:"command"`
	ServiceContext string            `json:"service-context,omitempty"`
	Environment    map[string]string `json:"environment,omitempty"`
	WorkingDir     string            `json:"working-dir,omitempty"`
	Timeout        string            `json:"timeout,omitempty"`
	UserID         *int              `json:"user-id,omitempty"`
	User           string            `json:"user,omitempty"`
	GroupID        *int              `json:"group-id,omitempty"`
	Group          string            `json:"group,omitempty"`
	SplitStderr    bool              `json:"split-stderr"`
}

type execResult struct {
	TaskID string `json:"task-id"`
}

// ExecProcess is a running (or just finished) remote process. Exactly one of
// Wait or WaitOutput must be called on every ExecProcess.
type ExecProcess struct {
	client  *Client
	log     *zap.SugaredLogger
	command []string
	timeout time.Duration

	changeID ChangeID
	taskID   TaskID

	// procCtx spans the process's websocket traffic; stdinCtx is
	// cancelled separately so a blocked stdin pump can be released the
	// moment the command is known to be done.
	procCtx     context.Context
	procCancel  context.CancelFunc
	stdinCtx    context.Context
	stdinCancel context.CancelFunc

	controlConn *websocket.Conn
	stdioConn   *websocket.Conn
	stderrConn  *websocket.Conn

	pumps     sync.WaitGroup
	closeOnce sync.Once

	// Handles exposed when the caller did not attach its own streams.
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader

	waitCalled int32
}

// Exec starts a command on the remote system. The returned process is live:
// its I/O channels are open and the command is running. Call Wait or
// WaitOutput exactly once to collect the exit status and release the
// channels.
func (c *Client) Exec(ctx context.Context, opts *ExecOptions) (*ExecProcess, error) {
	if len(opts.Command) == 0 {
		return nil, errors.New("exec requires a non-empty command")
	}
	if opts.CombineStderr && opts.Stderr != nil {
		return nil, errors.New("Stderr must be nil when CombineStderr is set")
	}

	payload := execPayload{
		Command:        opts.Command,
		ServiceContext: opts.ServiceContext,
		Environment:    opts.Environment,
		WorkingDir:     opts.WorkingDir,
		UserID:         opts.UserID,
		User:           opts.User,
		GroupID:        opts.GroupID,
		Group:          opts.Group,
		SplitStderr:    !opts.CombineStderr,
	}
	if opts.Timeout > 0 {
		payload.Timeout = formatDuration(opts.Timeout)
	}

	var result execResult
	changeID, err := c.doAsync(ctx, "POST", "/v1/exec", nil, &payload, &result)
	if err != nil {
		return nil, err
	}
	if result.TaskID == "" {
		return nil, protocolErrorf("exec response without task id")
	}

	procCtx, procCancel := context.WithCancel(context.Background())
	stdinCtx, stdinCancel := context.WithCancel(procCtx)
	p := &ExecProcess{
		client:      c,
		log:         c.log.Named("exec"),
		command:     opts.Command,
		timeout:     opts.Timeout,
		changeID:    changeID,
		taskID:      TaskID(result.TaskID),
		procCtx:     procCtx,
		procCancel:  procCancel,
		stdinCtx:    stdinCtx,
		stdinCancel: stdinCancel,
	}

	p.controlConn, err = c.dialTaskWebsocket(ctx, p.taskID, "control")
	if err != nil {
		return nil, p.dialFailed(ctx, err)
	}
	p.stdioConn, err = c.dialTaskWebsocket(ctx, p.taskID, "stdio")
	if err != nil {
		p.closeConns(websocket.StatusInternalError, "setup failed")
		return nil, p.dialFailed(ctx, err)
	}
	if !opts.CombineStderr {
		p.stderrConn, err = c.dialTaskWebsocket(ctx, p.taskID, "stderr")
		if err != nil {
			p.closeConns(websocket.StatusInternalError, "setup failed")
			return nil, p.dialFailed(ctx, err)
		}
	}

	p.wireStreams(opts)

	// Discarding a process without waiting leaks its pumps and sockets;
	// make that visible instead of silent.
	runtime.SetFinalizer(p, func(leaked *ExecProcess) {
		if atomic.LoadInt32(&leaked.waitCalled) == 0 {
			leaked.log.Warnw("exec process discarded without Wait or WaitOutput",
				"command", leaked.command, "change", leaked.changeID)
			leaked.procCancel()
			leaked.closeConns(websocket.StatusGoingAway, "process leaked")
		}
	})

	return p, nil
}

func (c *Client) dialTaskWebsocket(ctx context.Context, taskID TaskID, which string) (*websocket.Conn, error) {
	u := fmt.Sprintf("ws://localhost/v1/tasks/%s/websocket/%s", taskID, which)
	c.log.Debugw("dialing task websocket", "url", u)
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: c.rawClient})
	if err != nil {
		return nil, fmt.Errorf("dialing %s channel: %w", which, err)
	}
	conn.SetReadLimit(wsReadLimit)
	return conn, nil
}

// dialFailed resolves why a websocket could not be opened: if the underlying
// change already failed, that is the real error, not the connection refusal.
func (p *ExecProcess) dialFailed(ctx context.Context, dialErr error) error {
	p.procCancel()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	chg, err := p.client.WaitChange(waitCtx, p.changeID, nil)
	if err == nil && chg.Err != "" {
		return &ChangeError{Err: chg.Err, Change: chg}
	}
	return &ConnectionError{Err: dialErr}
}

// wireStreams sets up one pump goroutine per direction the caller attached a
// stream to, and bare websocket-backed handles for the rest.
func (p *ExecProcess) wireStreams(opts *ExecOptions) {
	if opts.Stdin != nil {
		p.pumps.Add(1)
		go p.pumpStdin(opts.Stdin)
	} else {
		p.stdin = &wsWriter{ctx: p.stdinCtx, endCtx: p.procCtx, conn: p.stdioConn, log: p.log.Named("stdin")}
	}

	if opts.Stdout != nil {
		p.pumps.Add(1)
		go p.pumpOutput("stdout", p.stdioConn, opts.Stdout)
	} else {
		p.stdout = &wsReader{ctx: p.procCtx, conn: p.stdioConn}
	}

	if p.stderrConn != nil {
		if opts.Stderr != nil {
			p.pumps.Add(1)
			go p.pumpOutput("stderr", p.stderrConn, opts.Stderr)
		} else {
			p.stderr = &wsReader{ctx: p.procCtx, conn: p.stderrConn}
		}
	}
}

// Stdin returns the process's input handle, present only when the caller did
// not pass its own reader. Closing it sends the end-of-stream frame.
func (p *ExecProcess) Stdin() io.WriteCloser { return p.stdin }

// Stdout returns the process's output handle, present only when the caller
// did not pass its own writer.
func (p *ExecProcess) Stdout() io.Reader { return p.stdout }

// Stderr returns the process's error-output handle. It is nil when the
// caller passed its own writer and always nil with CombineStderr.
func (p *ExecProcess) Stderr() io.Reader { return p.stderr }

// CloseStdin ends the process's input: any internal handle is closed, a
// blocked stdin pump is released, and the end-of-stream frame is sent so the
// remote process is not left waiting.
func (p *ExecProcess) CloseStdin() error {
	if p.stdin != nil {
		return p.stdin.Close()
	}
	p.stdinCancel()
	return nil
}

// pumpStdin copies the caller's reader to the stdio channel as binary
// frames, then marks end-of-stream. Reads are raced against stdinCtx so the
// pump can be released without draining an exhausted source.
func (p *ExecProcess) pumpStdin(src io.Reader) {
	defer p.pumps.Done()

	reads := make(chan readResult)
	go readLoop(p.stdinCtx, src, reads)

	w := &wsWriter{ctx: p.stdinCtx, endCtx: p.procCtx, conn: p.stdioConn, log: p.log.Named("stdin")}
	defer w.Close() // sends the end-of-stream frame

	for {
		select {
		case res, ok := <-reads:
			if !ok {
				return
			}
			if len(res.data) > 0 {
				if _, err := w.Write(res.data); err != nil {
					p.log.Debugw("stdin write failed", "error", err)
					return
				}
			}
			if res.err != nil {
				if res.err != io.EOF {
					p.log.Debugw("stdin read failed", "error", res.err)
				}
				return
			}
		case <-p.stdinCtx.Done():
			return
		}
	}
}

type readResult struct {
	data []byte
	err  error
}

func readLoop(ctx context.Context, src io.Reader, out chan<- readResult) {
	defer close(out)
	for {
		buf := make([]byte, 16*1024)
		n, err := src.Read(buf)
		select {
		case out <- readResult{data: buf[:n], err: err}:
		case <-ctx.Done():
			// The pump is gone; a late Read result has no consumer.
			return
		}
		if err != nil {
			return
		}
	}
}

// pumpOutput copies one output channel to the caller's writer until
// end-of-stream.
func (p *ExecProcess) pumpOutput(name string, conn *websocket.Conn, dst io.Writer) {
	defer p.pumps.Done()
	r := &wsReader{ctx: p.procCtx, conn: conn}
	if _, err := io.Copy(dst, r); err != nil {
		p.log.Debugw("output pump stopped", "stream", name, "error", err)
	}
}

// Wait blocks until the command finishes, then joins all pump workers and
// shuts down the websockets. A non-zero exit code yields an ExecError; a
// change-level failure (including a server-side command timeout) yields a
// ChangeError.
func (p *ExecProcess) Wait() error {
	if !atomic.CompareAndSwapInt32(&p.waitCalled, 0, 1) {
		return errors.New("Wait or WaitOutput already called on this process")
	}
	return p.wait(nil)
}

// WaitOutput behaves like Wait but captures the process's stdout and stderr
// and returns them. It requires that the caller did not attach its own
// output streams. With CombineStderr the returned stderr is nil.
func (p *ExecProcess) WaitOutput() (stdout, stderr []byte, err error) {
	if !atomic.CompareAndSwapInt32(&p.waitCalled, 0, 1) {
		return nil, nil, errors.New("Wait or WaitOutput already called on this process")
	}
	if p.stdout == nil || (p.stderrConn != nil && p.stderr == nil) {
		return nil, nil, errors.New("WaitOutput requires the process to own its output streams")
	}

	var outBuf, errBuf bytes.Buffer
	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(&outBuf, p.stdout)
		return err
	})
	if p.stderr != nil {
		g.Go(func() error {
			_, err := io.Copy(&errBuf, p.stderr)
			return err
		})
	}

	waitErr := p.wait(g.Wait)
	if waitErr != nil {
		if execErr, ok := waitErr.(*ExecError); ok {
			execErr.Stdout = outBuf.Bytes()
			if p.stderr != nil {
				execErr.Stderr = errBuf.Bytes()
			}
		}
	}

	stdout = outBuf.Bytes()
	if p.stderr != nil {
		stderr = errBuf.Bytes()
	}
	return stdout, stderr, waitErr
}

// wait blocks on the change, then drains and joins every pump before tearing
// the websockets down, so no output is lost to the shutdown.
func (p *ExecProcess) wait(drain func() error) error {
	ctx := context.Background()
	if p.timeout > 0 {
		// One second of slack so the server's own command timeout
		// fires first and is reported as a change error.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout+time.Second)
		defer cancel()
	}

	chg, err := p.client.WaitChange(ctx, p.changeID, nil)

	// The command is done (or the wait failed); a stdin pump still
	// blocked on its source must not hold up shutdown.
	p.stdinCancel()
	if err != nil {
		p.procCancel()
		if drain != nil {
			_ = drain()
		}
		p.pumps.Wait()
		p.closeConns(websocket.StatusInternalError, "wait failed")
		return err
	}

	var drainErr error
	if drain != nil {
		drainErr = drain()
	}
	p.pumps.Wait()
	p.procCancel()
	p.closeConns(websocket.StatusNormalClosure, "")
	// A failed change usually explains broken streams too; report it in
	// preference to any teardown error from the drain.
	if chg.Err != "" {
		return &ChangeError{Err: chg.Err, Change: chg}
	}
	if drainErr != nil {
		return &ConnectionError{Err: drainErr}
	}

	exitCode := -1
	found := false
	for _, t := range chg.Tasks {
		if t.ID != p.taskID {
			continue
		}
		ok, err := t.Get("exit-code", &exitCode)
		if err != nil {
			return protocolErrorf("cannot decode exit code: %v", err)
		}
		found = ok
	}
	if !found {
		return protocolErrorf("change %s carries no exit code for task %s", p.changeID, p.taskID)
	}
	if exitCode != 0 {
		// WaitOutput attaches the captured buffers afterwards.
		return &ExecError{Command: p.command, ExitCode: exitCode}
	}
	return nil
}

func (p *ExecProcess) closeConns(code websocket.StatusCode, reason string) {
	p.closeOnce.Do(func() {
		for _, conn := range []*websocket.Conn{p.controlConn, p.stdioConn, p.stderrConn} {
			if conn == nil {
				continue
			}
			if err := conn.Close(code, reason); err != nil {
				p.log.Debugw("error closing websocket", "error", err)
			}
		}
	})
}
