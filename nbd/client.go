package nbd

import (
	"net"
	"sync"
	"sync/atomic"
)

// halfCloser is implemented by *net.TCPConn and *net.UnixConn; Close on a
// Client shuts down both directions independently when the underlying
// conn supports it, to unblock any peer-waiting read or write immediately
// rather than waiting for a future I/O error.
type halfCloser interface {
	CloseRead() error
	CloseWrite() error
}

// Client is per-connection state. It is created on accept and destroyed
// (its resources released) once its reference count reaches zero AND
// closing is true; the final release is guaranteed to happen only after
// every in-flight request has released its reference (§3, "Client").
type Client struct {
	conn   net.Conn
	export *Export

	sendMu sync.Mutex // serializes reply frames; header+payload of one reply is atomic under it

	sem      chan struct{} // in-flight semaphore, capacity == NewClient's maxInFlight (default MaxInFlight)
	refcount int32
	closing  int32
	closeOnce sync.Once

	maxBufferSize int
	onClose       func()
}

// NewClient wraps an accepted connection. onClose, if non-nil, is invoked
// exactly once when the client starts closing, so external bookkeeping
// (e.g. a connection-count gauge) can release its own reference.
func NewClient(conn net.Conn, maxInFlight, maxBufferSize int, onClose func()) *Client {
	if maxInFlight <= 0 {
		maxInFlight = MaxInFlight
	}
	if maxBufferSize <= 0 {
		maxBufferSize = MaxBufferSize
	}
	return &Client{
		conn:          conn,
		sem:           make(chan struct{}, maxInFlight),
		refcount:      1,
		maxBufferSize: maxBufferSize,
		onClose:       onClose,
	}
}

// CanRead reports whether the in-flight cap currently permits starting a
// new request. It is a snapshot, useful for tests and metrics; the
// authoritative enforcement is the blocking acquire of sem in the receive
// loop itself.
func (c *Client) CanRead() bool {
	return len(c.sem) < cap(c.sem)
}

// InFlight reports the current number of requests in dispatch.
func (c *Client) InFlight() int {
	return len(c.sem)
}

// Closing reports whether Close has been called.
func (c *Client) Closing() bool {
	return atomic.LoadInt32(&c.closing) != 0
}

func (c *Client) ref() {
	atomic.AddInt32(&c.refcount, 1)
}

// unref drops a reference taken by ref. The assertion in §3 ("the final
// release is asserted to occur only while closing==true") is enforced
// here: a client cannot reach a zero refcount without having been closed
// first, because the constructor's own reference (released only from
// Close) is the last one standing whenever nothing else is in flight.
func (c *Client) unref() {
	if atomic.AddInt32(&c.refcount, -1) == 0 {
		if !c.Closing() {
			panic("nbd: client released to zero references before closing")
		}
		c.finalRelease()
	}
}

func (c *Client) finalRelease() {
	c.conn.Close()
	if c.export != nil {
		c.export.detachClient(c)
	}
}

// Close is idempotent. It marks the client closing, shuts down both
// socket directions to unblock any in-progress or future I/O, invokes the
// acceptor-supplied close callback, and releases the constructor's own
// reference. The actual teardown (finalRelease) happens once every
// in-flight request has also released its reference.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.closing, 1)
		if hc, ok := c.conn.(halfCloser); ok {
			hc.CloseRead()
			hc.CloseWrite()
		} else {
			c.conn.Close()
		}
		if c.onClose != nil {
			c.onClose()
		}
		c.unref()
	})
}

// attachExport binds c to e, registering it on e's client list under
// e.attachClient and bumping e's reference count, as the final step of a
// successful NBD_OPT_EXPORT_NAME or oldstyle selection.
func (c *Client) attachExport(e *Export) {
	c.export = e
	e.attachClient(c)
}
