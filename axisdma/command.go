package axisdma

import (
	"context"
	"strconv"

	"github.com/brickingsoft/errors"
	"github.com/sirupsen/logrus"
)

// Command is a request code of the character-device style command surface.
type Command uint32

const (
	CmdGetBufferSize     Command = 0x01
	CmdGetBufferCount    Command = 0x02
	CmdWriteData         Command = 0x03
	CmdReadCopy          Command = 0x04
	CmdReadZeroCopy      Command = 0x05
	CmdPostBack          Command = 0x06
	CmdAcknowledgeOnline Command = 0x07
	CmdIsReadable        Command = 0x08
)

func (c Command) String() string {
	switch c {
	case CmdGetBufferSize:
		return "GetBufferSize"
	case CmdGetBufferCount:
		return "GetBufferCount"
	case CmdWriteData:
		return "WriteData"
	case CmdReadCopy:
		return "ReadCopy"
	case CmdReadZeroCopy:
		return "ReadZeroCopy"
	case CmdPostBack:
		return "PostBack"
	case CmdAcknowledgeOnline:
		return "AcknowledgeOnline"
	case CmdIsReadable:
		return "IsReadable"
	}
	return "Command(0x" + strconv.FormatUint(uint64(c), 16) + ")"
}

// Result is the status code carried by a Response. Zero is success and
// failures are negative.
type Result int32

const (
	ResultOK             Result = 0
	ResultDriver         Result = -1
	ResultBufferOverflow Result = -2
	ResultDMAOverflow    Result = -3
	ResultAXIWriteError  Result = -4
	ResultNotReady       Result = -5
	ResultClosed         Result = -6
	ResultMisuse         Result = -7
	ResultMalformed      Result = -8
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultDriver:
		return "driver_error"
	case ResultBufferOverflow:
		return "buffer_overflow"
	case ResultDMAOverflow:
		return "dma_overflow"
	case ResultAXIWriteError:
		return "axi_write_error"
	case ResultNotReady:
		return "not_ready"
	case ResultClosed:
		return "closed"
	case ResultMisuse:
		return "misuse"
	case ResultMalformed:
		return "malformed"
	}
	return "Result(" + strconv.Itoa(int(r)) + ")"
}

// ResultOf maps an engine error to a Result, defaulting to ResultDriver.
func ResultOf(err error) Result {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, ErrNotReady):
		return ResultNotReady
	case errors.Is(err, ErrClosed):
		return ResultClosed
	case errors.Is(err, ErrBufferOverflow), errors.Is(err, ErrPayloadTooLarge):
		return ResultBufferOverflow
	case IsMisuse(err), errors.Is(err, ErrInvalidMapping):
		return ResultMisuse
	case errors.Is(err, ErrUnknownCommand):
		return ResultMalformed
	}
	return ResultDriver
}

// Request is one command. Only the fields the command uses are read.
type Request struct {
	Command Command
	// Dest receives the frame of CmdReadCopy.
	Dest []byte
	// Payload is the frame of CmdWriteData.
	Payload []byte
	Tags    Tags
	// Index is the buffer returned by CmdPostBack.
	Index int
	// NonBlocking makes reads and writes return ResultNotReady instead of
	// waiting.
	NonBlocking bool
}

// Response is the outcome of a Request.
type Response struct {
	Result Result
	// Value carries the answer of the query commands: buffer size, buffer
	// count or 1 when readable.
	Value  int
	Length int
	Index  int
	Tags
	Overflow   bool
	WriteError bool
}

// DispatchRead executes a receive-side command.
func (e *Engine) DispatchRead(ctx context.Context, req Request) Response {
	rx := e.Rx()
	switch req.Command {
	case CmdGetBufferSize:
		return Response{Value: rx.BufferSize()}
	case CmdGetBufferCount:
		return Response{Value: rx.BufferCount()}
	case CmdIsReadable:
		return Response{Value: int(b2u(rx.IsReadable()))}
	case CmdAcknowledgeOnline:
		return Response{Result: ResultOf(rx.AcknowledgeOnline())}
	case CmdReadCopy:
		var f Frame
		var err error
		if req.NonBlocking {
			f, err = rx.TryReadCopy(req.Dest)
		} else {
			f, err = rx.ReadCopy(ctx, req.Dest)
		}
		return frameResponse(f, err)
	case CmdReadZeroCopy:
		var f Frame
		var err error
		if req.NonBlocking {
			f, err = rx.TryReadZeroCopy()
		} else {
			f, err = rx.ReadZeroCopy(ctx)
		}
		return frameResponse(f, err)
	case CmdPostBack:
		return Response{Result: ResultOf(rx.PostBack(req.Index)), Index: req.Index}
	}
	e.stats.badReadCommands.Add(1)
	return e.badCommand("rx", req.Command)
}

// DispatchWrite executes a transmit-side command.
func (e *Engine) DispatchWrite(ctx context.Context, req Request) Response {
	tx := e.Tx()
	switch req.Command {
	case CmdGetBufferSize:
		return Response{Value: tx.BufferSize()}
	case CmdGetBufferCount:
		return Response{Value: tx.BufferCount()}
	case CmdWriteData:
		var n int
		var err error
		if req.NonBlocking {
			n, err = tx.TryWrite(req.Payload, req.Tags)
		} else {
			n, err = tx.Write(ctx, req.Payload, req.Tags)
		}
		return Response{Result: ResultOf(err), Length: n}
	}
	e.stats.badWriteCommands.Add(1)
	return e.badCommand("tx", req.Command)
}

func (e *Engine) badCommand(dir string, c Command) Response {
	err := errors.From(ErrUnknownCommand, errors.WithMeta("command", c.String()))
	e.log.WithFields(logrus.Fields{"dir": dir}).WithError(err).Warn("rejected command")
	return Response{Result: ResultOf(err)}
}

// frameResponse reports the frame flags as result codes when the read itself
// succeeded. An overflow takes precedence over a write error.
func frameResponse(f Frame, err error) Response {
	r := Response{
		Result:     ResultOf(err),
		Length:     f.Length,
		Index:      f.Index,
		Tags:       f.Tags,
		Overflow:   f.Overflow,
		WriteError: f.WriteError,
	}
	if err == nil {
		switch {
		case f.Overflow:
			r.Result = ResultDMAOverflow
		case f.WriteError:
			r.Result = ResultAXIWriteError
		}
	}
	return r
}
