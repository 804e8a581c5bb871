package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	wsReadLimit = 1 << 20

	// wsWriteChunk bounds one outgoing binary frame.
	wsWriteChunk = 32 * 1024
)

// execCommand is a text frame on an exec channel. Binary frames carry raw
// stream data; text frames carry these JSON commands.
type execCommand struct {
	Command string             `json:"command"`
	Signal  *execSignalPayload `json:"signal,omitempty"`
}

type execSignalPayload struct {
	Name string `json:"name"`
}

// SendSignal delivers a POSIX signal, by name (e.g. "SIGHUP"), to the
// running process over the control channel. Signal delivery is not ordered
// relative to stdio data.
func (p *ExecProcess) SendSignal(signal string) error {
	p.log.Debugw("sending signal", "signal", signal)
	err := wsjson.Write(p.procCtx, p.controlConn, &execCommand{
		Command: "signal",
		Signal:  &execSignalPayload{Name: signal},
	})
	if err != nil {
		return &ConnectionError{Err: fmt.Errorf("sending signal %s: %w", signal, err)}
	}
	return nil
}

// SendOSSignal is like SendSignal, resolving a numeric os.Signal to its name
// first.
func (p *ExecProcess) SendOSSignal(sig os.Signal) error {
	ss, ok := sig.(syscall.Signal)
	if !ok {
		return fmt.Errorf("cannot resolve signal %v to a name", sig)
	}
	name := unix.SignalName(ss)
	if name == "" {
		return fmt.Errorf("unknown signal number %d", int(ss))
	}
	return p.SendSignal(name)
}

// wsWriter writes binary data frames to an exec channel. Close sends the
// reserved end-of-stream command; the websocket itself stays open.
type wsWriter struct {
	ctx context.Context
	// endCtx outlives ctx: cancelling stdin must release pending data
	// writes, but the end-of-stream frame still has to reach the server
	// on the live connection.
	endCtx context.Context
	conn   *websocket.Conn
	log    *zap.SugaredLogger
}

func (w *wsWriter) Write(b []byte) (int, error) {
	written := 0
	for written < len(b) {
		chunk := b[written:]
		if len(chunk) > wsWriteChunk {
			chunk = chunk[:wsWriteChunk]
		}
		if err := w.conn.Write(w.ctx, websocket.MessageBinary, chunk); err != nil {
			return written, err
		}
		written += len(chunk)
	}
	return written, nil
}

func (w *wsWriter) Close() error {
	err := wsjson.Write(w.endCtx, w.conn, &execCommand{Command: "end"})
	w.log.Debugw("sent end-of-stream", "error", err)
	return err
}

// wsReader reads binary data frames from an exec channel, turning the
// end-of-stream command or a normal close into io.EOF.
type wsReader struct {
	ctx      context.Context
	conn     *websocket.Conn
	leftover []byte
	eof      bool
}

func (r *wsReader) Read(b []byte) (int, error) {
	for len(r.leftover) == 0 {
		if r.eof {
			return 0, io.EOF
		}
		typ, data, err := r.conn.Read(r.ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				r.eof = true
				return 0, io.EOF
			}
			return 0, err
		}
		if typ == websocket.MessageText {
			var cmd execCommand
			if jerr := json.Unmarshal(data, &cmd); jerr != nil {
				return 0, fmt.Errorf("invalid command frame: %w", jerr)
			}
			if cmd.Command == "end" {
				r.eof = true
				return 0, io.EOF
			}
			continue // other commands are not data
		}
		r.leftover = data
	}
	n := copy(b, r.leftover)
	r.leftover = r.leftover[n:]
	return n, nil
}
