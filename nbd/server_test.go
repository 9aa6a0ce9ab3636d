package nbd

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"
)

func TestServerOldstyleHandshakeAndIO(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	r, e, _ := newTestExport(65536)
	defer r.Release(e)

	srv := &Server{Registry: r, PreselectedExport: e}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx, l)

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	buf := make([]byte, 152)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read oldstyle handshake: %v", err)
	}
	if string(buf[0:8]) != "NBDMAGIC" {
		t.Fatalf("bad magic %q", buf[0:8])
	}

	writeRequest(t, conn, NBD_CMD_WRITE, 0, 42, 0, 512, make([]byte, 512))
	h, _ := readReply(t, conn)
	if h.Handle != 42 || h.Err != 0 {
		t.Fatalf("write reply = %+v, want handle=42 err=0", h)
	}
}

func TestServerNewstyleHandshakeAndIO(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	r := NewRegistry()
	ctx := NewIOContext()
	defer ctx.Close()
	e := r.New(newMemBackend(65536), 0, 65536, 0, ctx)
	name := "disk0"
	if err := r.SetName(e, &name); err != nil {
		t.Fatalf("SetName: %v", err)
	}
	defer r.Release(e)

	srv := &Server{Registry: r}
	sctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(sctx, l)

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	greeting := make([]byte, 18)
	if _, err := io.ReadFull(conn, greeting); err != nil {
		t.Fatalf("read greeting: %v", err)
	}

	flagBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(flagBuf, NBD_FLAG_C_FIXED_NEWSTYLE)
	conn.Write(flagBuf)

	optHeader := make([]byte, 16)
	binary.BigEndian.PutUint64(optHeader[0:8], NBD_OPTS_MAGIC)
	binary.BigEndian.PutUint32(optHeader[8:12], NBD_OPT_EXPORT_NAME)
	binary.BigEndian.PutUint32(optHeader[12:16], uint32(len(name)))
	conn.Write(optHeader)
	conn.Write([]byte(name))

	tail := make([]byte, 10+124)
	if _, err := io.ReadFull(conn, tail); err != nil {
		t.Fatalf("read export tail: %v", err)
	}

	writeRequest(t, conn, NBD_CMD_READ, 0, 99, 0, 512, nil)
	h, _ := readReply(t, conn)
	if h.Handle != 99 || h.Err != 0 {
		t.Fatalf("read reply = %+v, want handle=99 err=0", h)
	}
	payload := make([]byte, 512)
	if _, err := io.ReadFull(conn, payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}
}
