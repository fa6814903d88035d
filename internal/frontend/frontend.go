// Package frontend implements the per-channel loop: read a header,
// route PUSH to the argument stack, route EXECUTE to the dispatcher,
// and manage the four-state channel status machine.
package frontend

import (
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/mbedhost/offloadfrontend/internal/dispatch"
	"github.com/mbedhost/offloadfrontend/internal/frame"
	"github.com/mbedhost/offloadfrontend/internal/observability"
	"github.com/mbedhost/offloadfrontend/internal/stack"
)

// Status is the channel's four-state machine.
type Status int

const (
	StatusOK Status = iota
	StatusOutOfMemory
	StatusExited
	StatusDead
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusOutOfMemory:
		return "OUT_OF_MEMORY"
	case StatusExited:
		return "EXITED"
	case StatusDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Context owns one channel's state: the connection, the argument
// stack, and the status machine. It is used by exactly one goroutine;
// no field is safe for concurrent access.
type Context struct {
	Conn           io.ReadWriteCloser
	Dispatcher     *dispatch.Dispatcher
	MaxOutputBytes uint32
	MaxAllocBytes  uint32
	DebugSink      io.Writer
	Log            zerolog.Logger

	stack      stack.Stack
	status     Status
	exitCode   int
	lastStatus frame.Status
}

// Status reports the channel's current state, mostly for tests.
func (c *Context) Status() Status { return c.status }

// Run synchronizes on the channel, then repeatedly pulls one message
// and dispatches it until the status leaves {OK, OUT_OF_MEMORY}. It
// closes Conn before returning. The returned exit code is the
// target's own exit code if the session reached EXITED, otherwise the
// last protocol status numerically, matching the CLI's exit contract.
func (c *Context) Run() int {
	defer c.Conn.Close()

	if err := frame.Sync(c.Conn, c.DebugSink); err != nil {
		c.Log.Error().Err(err).Msg("sync failed")
		c.status = StatusDead
		return int(c.lastStatus)
	}

	for c.status == StatusOK || c.status == StatusOutOfMemory {
		hdr, err := frame.ReadHeader(c.Conn)
		if err != nil {
			c.Log.Error().Err(err).Msg("header read failed")
			c.status = StatusDead
			break
		}

		switch hdr.Type {
		case frame.TypePush:
			c.handlePush(hdr)
		case frame.TypeExecute:
			c.handleExecute(hdr)
		default:
			c.Log.Error().Str("type", hdr.Type.String()).Msg("unrecognized frame type")
			c.status = StatusDead
		}
	}

	if c.status == StatusExited {
		return c.exitCode
	}
	return int(c.lastStatus)
}

func (c *Context) handlePush(hdr frame.Header) {
	length := hdr.Field
	if length > c.MaxAllocBytes {
		c.Log.Debug().Uint32("length", length).Msg("push exceeds allocation budget, entering OUT_OF_MEMORY")
		c.status = StatusOutOfMemory
		if _, err := io.CopyN(io.Discard, c.Conn, int64(length)); err != nil {
			c.Log.Error().Err(err).Msg("failed draining oversized push")
			c.status = StatusDead
		}
		return
	}

	buf := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(c.Conn, buf); err != nil {
			c.Log.Error().Err(err).Msg("push payload read failed")
			c.status = StatusDead
			return
		}
	}
	c.stack.Push(buf)
}

func (c *Context) handleExecute(hdr frame.Header) {
	opcode := hdr.Field

	if c.status == StatusOutOfMemory {
		if err := frame.WriteResult(c.Conn, frame.EncodeStatus(frame.StatusAllocFailed), c.MaxOutputBytes); err != nil {
			c.Log.Error().Err(err).Msg("failed to send ALLOC_FAILED reply")
			c.status = StatusDead
			return
		}
		c.stack.Reset()
		c.lastStatus = frame.StatusAllocFailed
		c.status = StatusOK
		return
	}

	args := c.stack.Take(dispatch.ArityOf(opcode))
	start := time.Now()
	result := c.Dispatcher.Dispatch(opcode, args)
	c.stack.Reset()

	if result.Status == frame.StatusOK {
		for _, out := range result.Outputs {
			if uint32(len(out)) > c.MaxOutputBytes {
				result = dispatch.Result{Status: frame.StatusUnsupportedOutput}
				break
			}
		}
	}

	c.lastStatus = result.Status
	observability.RecordDispatch(opcodeLabel(opcode), result.Status.String(), time.Since(start))
	if c.Dispatcher.Handles != nil {
		observability.SetHandlesInUse(c.Dispatcher.Handles.InUse())
	}

	if result.Exited {
		c.status = StatusExited
		c.exitCode = result.ExitCode
		c.Log.Info().Int("exit_code", result.ExitCode).Msg("target requested exit")
		return
	}

	if err := frame.WriteResult(c.Conn, frame.EncodeStatus(result.Status), c.MaxOutputBytes); err != nil {
		c.Log.Error().Err(err).Msg("failed to send status reply")
		c.status = StatusDead
		return
	}
	if result.Status != frame.StatusOK {
		return
	}
	for _, out := range result.Outputs {
		if err := frame.WriteResult(c.Conn, out, c.MaxOutputBytes); err != nil {
			c.Log.Error().Err(err).Msg("failed to send data reply")
			c.status = StatusDead
			return
		}
	}
}

func opcodeLabel(opcode uint32) string {
	if name, ok := dispatch.OpcodeName(opcode); ok {
		return name
	}
	return "UNKNOWN"
}
