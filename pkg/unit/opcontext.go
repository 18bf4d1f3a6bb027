package unit

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/virtblk/virtblk-engine/pkg/types"
)

// maxContextSlots bounds the process-wide operation context registry.
const maxContextSlots = 4096

// OpContext is the request/response pair bound to one dispatcher worker.
// It is exclusively owned by that worker, never shared, and cleared when
// the worker exits.
type OpContext struct {
	Request  *types.Request
	Response *types.Response

	unit *Unit
	slot uint64
	data []byte

	inflightHint atomic.Uint64
	inflightKind atomic.Uint32
}

// Unit returns the storage unit the context's worker serves.
func (c *OpContext) Unit() *Unit {
	return c.unit
}

// Slot returns the context's registry slot id.
func (c *OpContext) Slot() uint64 {
	return c.slot
}

// Inflight reports the request currently being routed on the context's
// worker, if any. Safe to call from other goroutines.
func (c *OpContext) Inflight() (hint uint64, kind types.Kind, busy bool) {
	hint = c.inflightHint.Load()
	return hint, types.Kind(c.inflightKind.Load()), hint != 0
}

func (c *OpContext) beginOperation(req *types.Request) {
	c.inflightKind.Store(uint32(req.Kind))
	c.inflightHint.Store(req.Hint)
}

func (c *OpContext) endOperation() {
	c.inflightHint.Store(0)
}

// dataBuffer returns the worker's scratch buffer grown to size bytes. The
// buffer is reused across iterations; the worker is strictly sequential so
// no copy is needed.
func (c *OpContext) dataBuffer(size int) []byte {
	if cap(c.data) < size {
		c.data = make([]byte, size)
	}
	return c.data[:size]
}

// contextSlots is the process-wide operation context registry. It is
// initialized on first use under its own lock, not by a platform lazy-init
// primitive, and torn down only by an explicit Finalize.
var contextSlots struct {
	sync.Mutex
	initialized bool
	next        uint64
	active      map[uint64]*OpContext
}

func initContextSlots() error {
	contextSlots.Lock()
	defer contextSlots.Unlock()
	return initContextSlotsLocked()
}

func initContextSlotsLocked() error {
	if contextSlots.initialized {
		return nil
	}
	contextSlots.active = make(map[uint64]*OpContext)
	contextSlots.initialized = true
	return nil
}

// Finalize tears down the operation context registry. Only meant for
// deliberate process-level cleanup; every dispatcher must have been
// stopped first.
func Finalize() {
	contextSlots.Lock()
	defer contextSlots.Unlock()
	contextSlots.initialized = false
	contextSlots.active = nil
	contextSlots.next = 0
}

func bindOpContext(u *Unit) (*OpContext, error) {
	contextSlots.Lock()
	defer contextSlots.Unlock()
	if err := initContextSlotsLocked(); err != nil {
		return nil, err
	}
	if len(contextSlots.active) >= maxContextSlots {
		return nil, types.ErrSlotExhausted
	}

	contextSlots.next++
	octx := &OpContext{
		Request:  &types.Request{},
		Response: &types.Response{},
		unit:     u,
		slot:     contextSlots.next,
	}
	contextSlots.active[octx.slot] = octx
	return octx, nil
}

// clear unbinds the context so a reused slot id can never surface a stale
// request/response pair.
func (c *OpContext) clear() {
	contextSlots.Lock()
	defer contextSlots.Unlock()
	if contextSlots.active != nil {
		delete(contextSlots.active, c.slot)
	}
}

// ActiveOperationContexts snapshots the registry, ordered by slot id.
func ActiveOperationContexts() []*OpContext {
	contextSlots.Lock()
	contexts := make([]*OpContext, 0, len(contextSlots.active))
	for _, octx := range contextSlots.active {
		contexts = append(contexts, octx)
	}
	contextSlots.Unlock()

	sort.Slice(contexts, func(i, j int) bool {
		return contexts[i].slot < contexts[j].slot
	})
	return contexts
}

type opContextKey struct{}

func withOpContext(ctx context.Context, octx *OpContext) context.Context {
	return context.WithValue(ctx, opContextKey{}, octx)
}

// GetOperationContext returns the operation context bound to the dispatcher
// worker that issued ctx, or nil if ctx did not come from a dispatcher
// worker.
func GetOperationContext(ctx context.Context) *OpContext {
	octx, _ := ctx.Value(opContextKey{}).(*OpContext)
	return octx
}
