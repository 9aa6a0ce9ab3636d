package nbd

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Export is a named, addressable block volume backed by a single Backend
// at a fixed sector offset with a fixed size. It is immutable after
// creation except for its registry name binding.
type Export struct {
	Backend          Backend
	DevOffsetSectors int64
	SizeBytes        int64 // rounded down to a SectorSize multiple
	Flags            uint16 // low 16 bits only; HAS_FLAGS/SEND_* are added by the handshake
	Context          *IOContext

	registry *Registry
	name     *string
	refcount int32
	clients  map[*Client]struct{}
}

// ReadOnly reports whether this export rejects WRITE/TRIM.
func (e *Export) ReadOnly() bool {
	return e.Flags&NBD_FLAG_READ_ONLY != 0
}

// Name returns the export's currently bound name, or "" if unbound.
func (e *Export) Name() string {
	e.registry.mu.Lock()
	defer e.registry.mu.Unlock()
	if e.name == nil {
		return ""
	}
	return *e.name
}

// Registry is a process-wide, ordered collection of exports with name
// uniqueness, used to resolve NBD_OPT_EXPORT_NAME and enumerate
// NBD_OPT_LIST. A single registry instance is shared by every listener
// so that handshake lookups and management writes observe the same
// state, per design note "global mutable state".
type Registry struct {
	mu     sync.Mutex
	order  []*Export
	byName map[string]*Export
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Export)}
}

// New creates an export tracked by this registry, unnamed, with an initial
// reference count of 1 representing the caller's own (management) hold on
// it. The caller must eventually call Release to drop that reference. While
// a name is bound, releasing it leaves the name's reference as the last
// one, which unref then drops by unbinding the name.
func (r *Registry) New(backend Backend, devOffsetSectors int64, sizeBytes int64, flags uint16, ctx *IOContext) *Export {
	sizeBytes -= sizeBytes % SectorSize
	e := &Export{
		Backend:          backend,
		DevOffsetSectors: devOffsetSectors,
		SizeBytes:        sizeBytes,
		Flags:            flags &^ NBD_FLAG_HAS_FLAGS, // HAS_FLAGS is a wire-only advertisement flag, not export state
		Context:          ctx,
		registry:         r,
		refcount:         1,
		clients:          make(map[*Client]struct{}),
	}
	r.mu.Lock()
	r.order = append(r.order, e)
	r.mu.Unlock()
	return e
}

// ErrNameTaken is returned by SetName when binding to a name already in use.
var ErrNameTaken = errors.New("nbd: export name already bound")

// ErrNameTooLong is returned by SetName when name exceeds the wire limit.
var ErrNameTooLong = errors.New("nbd: export name exceeds 255 bytes")

// MaxExportNameLength is the wire limit on an export name (§6).
const MaxExportNameLength = 255

// SetName binds or unbinds e's registry name. Binding acquires one strong
// reference; unbinding releases it (per §3, "Export").
func (r *Registry) SetName(e *Export, name *string) error {
	r.mu.Lock()
	if name != nil {
		if len(*name) > MaxExportNameLength {
			r.mu.Unlock()
			return ErrNameTooLong
		}
		if _, taken := r.byName[*name]; taken {
			r.mu.Unlock()
			return fmt.Errorf("%w: %q", ErrNameTaken, *name)
		}
		if e.name != nil {
			delete(r.byName, *e.name)
		}
		n := *name
		e.name = &n
		r.byName[n] = e
		r.mu.Unlock()
		e.ref()
		return nil
	}
	// Unbind.
	if e.name == nil {
		r.mu.Unlock()
		return nil
	}
	delete(r.byName, *e.name)
	e.name = nil
	r.mu.Unlock()
	e.unref()
	return nil
}

// Find looks up a bound export by name.
func (r *Registry) Find(name string) (*Export, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byName[name]
	return e, ok
}

// List returns exports in insertion order, for NBD_OPT_LIST. Only named
// exports are advertised; an export management has created but not yet
// bound a name to is not discoverable.
func (r *Registry) List() []*Export {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Export, 0, len(r.order))
	for _, e := range r.order {
		if e.name != nil {
			out = append(out, e)
		}
	}
	return out
}

// Close forcibly closes every client attached to e and unbinds its name.
func (r *Registry) Close(e *Export) {
	r.mu.Lock()
	clients := make([]*Client, 0, len(e.clients))
	for c := range e.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
	r.SetName(e, nil)
}

// Release drops the caller's management reference acquired by New.
func (r *Registry) Release(e *Export) {
	e.unref()
}

// attachClient attaches c to e, taking one reference on e on c's behalf.
func (e *Export) attachClient(c *Client) {
	e.registry.mu.Lock()
	e.clients[c] = struct{}{}
	e.registry.mu.Unlock()
	e.ref()
}

// detachClient removes c from e's client list and releases the reference
// attachClient took.
func (e *Export) detachClient(c *Client) {
	e.registry.mu.Lock()
	delete(e.clients, c)
	e.registry.mu.Unlock()
	e.unref()
}

func (e *Export) ref() {
	atomic.AddInt32(&e.refcount, 1)
}

// unref drops a reference. If the count falls to exactly one while a name
// is still bound, the name is unbound first (which itself drops the
// reference the binding held), matching the invariant in §3: "If refcount
// drops to one and a name is still bound, name is unbound ... before
// teardown completes." Teardown happens when the count reaches zero.
func (e *Export) unref() {
	n := atomic.AddInt32(&e.refcount, -1)
	if n == 1 {
		e.registry.mu.Lock()
		named := e.name != nil
		e.registry.mu.Unlock()
		if named {
			e.registry.SetName(e, nil)
			return
		}
	}
	if n == 0 {
		e.teardown()
	}
}

func (e *Export) teardown() {
	e.registry.mu.Lock()
	for i, x := range e.registry.order {
		if x == e {
			e.registry.order = append(e.registry.order[:i], e.registry.order[i+1:]...)
			break
		}
	}
	e.registry.mu.Unlock()
	e.Backend.Close()
}
