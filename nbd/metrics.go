package nbd

// MetricsSink receives pipeline events; internal/metrics implements this
// against Prometheus collectors. Nil-safe: Serve substitutes a no-op sink
// when none is supplied.
type MetricsSink interface {
	ConnectionOpened()
	ConnectionClosed()
	RequestStarted(cmd int)
	RequestFinished(cmd int, nbdErrCode uint32)
	BytesTransferred(read, written int)
}

type noopSink struct{}

func (noopSink) ConnectionOpened()           {}
func (noopSink) ConnectionClosed()           {}
func (noopSink) RequestStarted(int)          {}
func (noopSink) RequestFinished(int, uint32) {}
func (noopSink) BytesTransferred(int, int)   {}
