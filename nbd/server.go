package nbd

import (
	"context"
	"net"
)

// Listener is the socket acceptor the distilled spec treats as an
// external collaborator: anything that yields connected stream sockets.
// net.Listener already has exactly this shape.
type Listener = net.Listener

// Server accepts connections on a Listener and runs each one through the
// handshake and request pipeline against a shared Registry. One Server
// can back several listeners (TCP and/or Unix) all sharing the same
// Registry, which is how a single set of exports gets advertised
// consistently on every listen address.
type Server struct {
	Registry      *Registry
	MaxInFlight   int
	MaxBufferSize int
	Log           Logger
	Metrics       MetricsSink

	// PreselectedExport, when non-nil, makes every accepted connection run
	// the fixed-oldstyle handshake against this export instead of
	// fixed-newstyle negotiation (§4.D: "if the acceptor handed a
	// pre-selected export").
	PreselectedExport *Export
}

// Serve accepts connections from l until ctx is cancelled or l.Accept
// fails. Each connection is handled in its own goroutine.
func (s *Server) Serve(ctx context.Context, l Listener) error {
	log := s.Log
	if log == nil {
		log = nopLogger{}
	}
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	log := s.Log
	if log == nil {
		log = nopLogger{}
	}
	metrics := s.Metrics
	if metrics == nil {
		metrics = noopSink{}
	}

	metrics.ConnectionOpened()
	c := NewClient(conn, s.MaxInFlight, s.MaxBufferSize, metrics.ConnectionClosed)

	var e *Export
	var err error
	if s.PreselectedExport != nil {
		e = s.PreselectedExport
		c.attachExport(e)
		err = PerformOldstyle(conn, e)
	} else {
		e, err = PerformNewstyle(conn, s.Registry, c)
	}
	if err != nil {
		log.Debugf("nbd: handshake from %s failed: %v", conn.RemoteAddr(), err)
		c.Close()
		return
	}

	Serve(ctx, c, log, metrics)
}
