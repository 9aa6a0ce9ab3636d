package nbd

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// maxDrainedOptionPayload bounds how much of an oversized or unknown
// option's payload we will read into memory while draining it. There is
// no wire limit on NBD_OPT length; this is a defensive sanity cap, not a
// protocol requirement.
const maxDrainedOptionPayload = 1 << 20

// PerformOldstyle runs the fixed-oldstyle handshake: the acceptor has
// already preselected export e (no option negotiation happens), so the
// server just emits the full 152-byte block and the connection is ready
// for the request pipeline (§4.D, state AwaitingClientFlags skipped
// entirely for oldstyle).
func PerformOldstyle(conn net.Conn, e *Export) error {
	buf := make([]byte, 152)
	copy(buf[0:8], []byte("NBDMAGIC"))
	binary.BigEndian.PutUint64(buf[8:16], uint64(NBD_CLISERV_MAGIC))
	binary.BigEndian.PutUint64(buf[16:24], uint64(e.SizeBytes))
	flags := advertisedFlags(e)
	binary.BigEndian.PutUint16(buf[24:26], flags)
	binary.BigEndian.PutUint16(buf[26:28], flags)
	// buf[28:152] is the 124 reserved zero bytes.
	_, err := conn.Write(buf)
	return err
}

// advertisedFlags combines HAS_FLAGS and the three transmission
// capabilities this server always supports with the export's own
// (low 16 bit) feature flags.
func advertisedFlags(e *Export) uint16 {
	return NBD_FLAG_HAS_FLAGS | NBD_FLAG_SEND_FLUSH | NBD_FLAG_SEND_FUA | NBD_FLAG_SEND_TRIM | (e.Flags & 0xFFFF)
}

// ErrAborted is returned by PerformNewstyle when the client sends
// NBD_OPT_ABORT.
var ErrAborted = fmt.Errorf("nbd: client aborted negotiation")

// PerformNewstyle runs the fixed-newstyle handshake to completion: it
// emits the newstyle greeting, validates client flags, then loops over
// option frames until the client selects an export (attaching c to it and
// sending the post-negotiation block) or the connection must close. States
// AwaitingClientFlags -> AwaitingOption* -> ExportSelected -> PostNegotiation
// are all driven from this one function; any protocol violation returns a
// non-nil error and the caller is expected to close the connection (state
// Closing).
func PerformNewstyle(conn net.Conn, registry *Registry, c *Client) (*Export, error) {
	greeting := nbdNewStyleHeader{
		NbdMagic:       NBD_MAGIC,
		NbdOptsMagic:   NBD_OPTS_MAGIC,
		NbdGlobalFlags: NBD_FLAG_FIXED_NEWSTYLE,
	}
	if err := greeting.Write(conn); err != nil {
		return nil, err
	}

	var clientFlags nbdClientFlags
	if err := clientFlags.Read(conn); err != nil {
		return nil, err
	}
	if clientFlags.NbdClientFlags != 0 && clientFlags.NbdClientFlags != NBD_FLAG_C_FIXED_NEWSTYLE {
		return nil, fmt.Errorf("nbd: unsupported client flags %#x", clientFlags.NbdClientFlags)
	}

	for {
		var opt nbdClientOpt
		if err := opt.Read(conn); err != nil {
			return nil, err
		}
		if opt.NbdOptMagic != NBD_OPTS_MAGIC {
			return nil, fmt.Errorf("nbd: bad option magic %#x", opt.NbdOptMagic)
		}

		switch opt.NbdOptId {
		case NBD_OPT_LIST:
			if opt.NbdOptLen != 0 {
				if err := drain(conn, opt.NbdOptLen); err != nil {
					return nil, err
				}
				if err := sendOptReply(conn, opt.NbdOptId, NBD_REP_ERR_INVALID, nil); err != nil {
					return nil, err
				}
				continue
			}
			for _, e := range registry.List() {
				name := e.Name()
				data := make([]byte, 4+len(name))
				binary.BigEndian.PutUint32(data[0:4], uint32(len(name)))
				copy(data[4:], name)
				if err := sendOptReply(conn, opt.NbdOptId, NBD_REP_SERVER, data); err != nil {
					return nil, err
				}
			}
			if err := sendOptReply(conn, opt.NbdOptId, NBD_REP_ACK, nil); err != nil {
				return nil, err
			}

		case NBD_OPT_ABORT:
			return nil, ErrAborted

		case NBD_OPT_EXPORT_NAME:
			name, err := readExportName(conn, opt.NbdOptLen)
			if err != nil {
				return nil, err
			}
			e, ok := registry.Find(name)
			if !ok {
				return nil, fmt.Errorf("nbd: unknown export %q", name)
			}
			c.attachExport(e)
			size := uint64(e.SizeBytes)
			flags := advertisedFlags(e)
			tail := make([]byte, 10+124)
			binary.BigEndian.PutUint64(tail[0:8], size)
			binary.BigEndian.PutUint16(tail[8:10], flags)
			if _, err := conn.Write(tail); err != nil {
				return nil, err
			}
			return e, nil

		default:
			if err := drain(conn, opt.NbdOptLen); err != nil {
				return nil, err
			}
			if err := sendOptReply(conn, opt.NbdOptId, NBD_REP_ERR_UNSUP, nil); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("nbd: unsupported option %#x", opt.NbdOptId)
		}
	}
}

func readExportName(r io.Reader, length uint32) (string, error) {
	if length > MaxExportNameLength {
		// Not a valid export name under §6's limit; still drain the
		// frame so any later traffic (there won't be any: we close) does
		// not get desynced, then report it as simply "not found" by the
		// caller via the lookup failing.
		if err := drain(r, length); err != nil {
			return "", err
		}
		return "", nil
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func drain(r io.Reader, n uint32) error {
	for n > 0 {
		chunk := n
		if chunk > maxDrainedOptionPayload {
			chunk = maxDrainedOptionPayload
		}
		if _, err := io.CopyN(io.Discard, r, int64(chunk)); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

func sendOptReply(w io.Writer, optID, replyType uint32, data []byte) error {
	rep := nbdOptReply{
		NbdOptReplyMagic:  NBD_REP_MAGIC,
		NbdOptId:          optID,
		NbdOptReplyType:   replyType,
		NbdOptReplyLength: uint32(len(data)),
	}
	if err := rep.Write(w); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	_, err := w.Write(data)
	return err
}
