package nbd

import (
	"context"
	"encoding/binary"
	"io"
	"math"
)

// Logger is the minimal interface the pipeline needs; internal/logging
// implements it, and tests can supply a stub.
type Logger interface {
	Debugf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Errorf(string, ...interface{}) {}

// Serve drives c's request pipeline to completion: receive, dispatch,
// send, repeated until the client disconnects, sends NBD_CMD_DISC, or a
// protocol-fatal error occurs. c must already have an export attached (the
// handshake having completed). Serve returns once the receive loop has
// stopped and c.Close has been called; the client's final release happens
// when the last in-flight request has sent its reply. Serve reports no
// error: unexpected receive errors are logged, while EOF and NBD_CMD_DISC
// are not, since the protocol defines them as how a session normally ends.
func Serve(ctx context.Context, c *Client, log Logger, sink MetricsSink) {
	if log == nil {
		log = nopLogger{}
	}
	if sink == nil {
		sink = noopSink{}
	}
	defer c.Close()

	e := c.export
	for {
		select {
		case c.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		var req nbdRequest
		if err := req.Read(c.conn); err != nil {
			<-c.sem
			if err != io.EOF {
				log.Debugf("nbd: receive error: %v", err)
			}
			return
		}
		if req.NbdRequestMagic != NBD_REQUEST_MAGIC {
			<-c.sem
			log.Errorf("nbd: bad request magic %#x, closing", req.NbdRequestMagic)
			return
		}

		// Reject offset+length overflow outright: treat it as an attack,
		// not a recoverable request-level error (§4.E step 2).
		if req.NbdLength > 0 && req.NbdOffset > math.MaxUint64-uint64(req.NbdLength) {
			<-c.sem
			log.Errorf("nbd: offset+length overflow from handle %#x, closing", req.NbdHandle)
			return
		}

		cmd := int(req.NbdCommandType)
		flags := CmdTypeMap[cmd]

		if flags&CMDT_SET_DISCONNECT_RECEIVED != 0 {
			<-c.sem
			log.Debugf("nbd: client disconnect")
			return
		}

		var payload []byte
		failENOMEM := false
		if flags&(CMDT_REQ_PAYLOAD|CMDT_REP_PAYLOAD) != 0 {
			if int64(req.NbdLength) > int64(c.maxBufferSize) {
				<-c.sem
				log.Errorf("nbd: request length %d exceeds max buffer size, closing", req.NbdLength)
				return
			}
			if req.NbdLength > 0 {
				buf, ok := e.Backend.TryAlignedAlloc(int(req.NbdLength))
				if !ok {
					failENOMEM = true
				} else {
					payload = buf
				}
			}
		}

		if flags&CMDT_REQ_PAYLOAD != 0 && req.NbdLength > 0 {
			if failENOMEM {
				if err := drain(c.conn, req.NbdLength); err != nil {
					<-c.sem
					return
				}
			} else if _, err := io.ReadFull(c.conn, payload); err != nil {
				<-c.sem
				return
			}
		}

		handle, offset, length, cmdFlags := req.NbdHandle, req.NbdOffset, req.NbdLength, req.NbdCommandFlags
		c.ref()
		sink.RequestStarted(cmd)
		go func() {
			defer func() {
				<-c.sem
				c.unref()
			}()
			var err error
			if failENOMEM {
				err = errnoError(NBD_ENOMEM)
			} else {
				err = dispatch(ctx, e, cmd, cmdFlags, offset, length, payload)
			}
			if err != nil {
				log.Debugf("nbd: dispatch handle=%#x cmd=%d error: %v", handle, cmd, err)
			}
			code := errnoCode(err)
			sink.RequestFinished(cmd, code)
			if cmd == NBD_CMD_READ {
				sink.BytesTransferred(len(payload), 0)
			} else if cmd == NBD_CMD_WRITE {
				sink.BytesTransferred(0, len(payload))
			}
			sendReply(c, handle, err, payloadForReply(cmd, payload, err))
		}()
	}
}

// payloadForReply returns the data to attach to a reply: the READ
// payload on success, or nil otherwise. A failed READ carries no data in
// its reply frame, only the header — attaching the payload buffer
// anyway would put len(payload) extra bytes on the wire the client
// never expects, desyncing every reply that follows.
func payloadForReply(cmd int, payload []byte, err error) []byte {
	if cmd == NBD_CMD_READ && err == nil {
		return payload
	}
	return nil
}

// dispatch executes one decoded request against e's backend, on e's
// owning I/O context, and returns the error to report in the reply frame
// (nil for success). The backend call itself runs via e.Context so that
// every request against one export is serialized onto that export's
// single-threaded scheduler, per §5.
func dispatch(ctx context.Context, e *Export, cmd int, cmdFlags uint16, offset uint64, length uint32, payload []byte) error {
	flags := CmdTypeMap[cmd]

	if flags&CMDT_CHECK_LENGTH_OFFSET != 0 {
		if offset+uint64(length) > uint64(e.SizeBytes) {
			return errnoError(NBD_EINVAL)
		}
	}

	if offset%SectorSize != 0 || length%SectorSize != 0 {
		return errnoError(NBD_EINVAL)
	}
	offsetSectors := e.DevOffsetSectors + int64(offset/SectorSize)
	nSectors := int64(length / SectorSize)
	fua := cmdFlags&NBD_CMD_FLAG_FUA != 0

	var result error
	e.Context.DispatchSync(func() {
		switch cmd {
		case NBD_CMD_READ:
			if fua {
				if err := e.Backend.Flush(ctx); err != nil {
					result = err
					return
				}
			}
			if nSectors > 0 {
				result = e.Backend.ReadAt(ctx, payload, offsetSectors, nSectors)
			}

		case NBD_CMD_WRITE:
			if e.ReadOnly() {
				result = ErrReadOnly
				return
			}
			if nSectors > 0 {
				if err := e.Backend.WriteAt(ctx, payload, offsetSectors, nSectors); err != nil {
					result = err
					return
				}
			}
			if fua {
				result = e.Backend.Flush(ctx)
			}

		case NBD_CMD_FLUSH:
			result = e.Backend.Flush(ctx)

		case NBD_CMD_TRIM:
			if e.ReadOnly() {
				result = ErrReadOnly
				return
			}
			result = e.Backend.Discard(ctx, offsetSectors, nSectors)

		default:
			result = errnoError(NBD_EINVAL)
		}
	})

	if result == ErrReadOnly {
		return errnoError(NBD_EPERM)
	}
	return result
}

// errnoVal wraps a plain NBD error code as a Go error so it can be returned
// alongside backend errors, without a fake syscall.Errno value (those are
// reserved for genuine OS errors). errnoCode reads it back directly, ahead
// of the ErrnoToNBD mapping that backend errors go through.
type errnoVal uint32

func (e errnoVal) Error() string { return "nbd error" }

func errnoError(code uint32) error {
	if code == 0 {
		return nil
	}
	return errnoVal(code)
}

// sendReply serializes one reply frame under c.sendMu: header and payload
// (if any) go out as a single Write so the two are never interleaved with
// another reply's header, which is the atomicity guarantee §4.E's "send
// step" and §5's "ordering guarantees" require. A single combined write
// also stands in for the cork/uncork coalescing the distilled spec
// describes: Go's net.Conn has no portable TCP_CORK equivalent, and one
// Write syscall for header+payload achieves the same "don't let the
// kernel send a half frame" effect without one.
func sendReply(c *Client, handle uint64, replyErr error, data []byte) {
	buf := make([]byte, 16+len(data))
	binary.BigEndian.PutUint32(buf[0:4], NBD_REPLY_MAGIC)
	binary.BigEndian.PutUint32(buf[4:8], errnoCode(replyErr))
	binary.BigEndian.PutUint64(buf[8:16], handle)
	if len(data) > 0 {
		copy(buf[16:], data)
	}
	c.sendMu.Lock()
	_, err := c.conn.Write(buf)
	c.sendMu.Unlock()
	if err != nil {
		c.Close()
	}
}

func errnoCode(err error) uint32 {
	if ev, ok := err.(errnoVal); ok {
		return uint32(ev)
	}
	return ErrnoToNBD(err)
}
