package unit

import (
	"context"

	. "gopkg.in/check.v1"
)

func (s *TestSuite) TestGetOperationContextOutsideWorker(c *C) {
	c.Assert(GetOperationContext(context.Background()), IsNil)
}

func (s *TestSuite) TestContextSlotRegistry(c *C) {
	c.Assert(initContextSlots(), IsNil)
	// idempotent init
	c.Assert(initContextSlots(), IsNil)

	first, err := bindOpContext(nil)
	c.Assert(err, IsNil)
	second, err := bindOpContext(nil)
	c.Assert(err, IsNil)
	c.Assert(first.Slot() < second.Slot(), Equals, true)

	active := ActiveOperationContexts()
	c.Assert(len(active), Equals, 2)
	c.Assert(active[0], Equals, first)
	c.Assert(active[1], Equals, second)

	first.clear()
	c.Assert(len(ActiveOperationContexts()), Equals, 1)

	// a cleared slot id never surfaces again
	first.clear()
	c.Assert(len(ActiveOperationContexts()), Equals, 1)

	second.clear()
	Finalize()
	c.Assert(len(ActiveOperationContexts()), Equals, 0)
}

func (s *TestSuite) TestInflightSnapshot(c *C) {
	octx, err := bindOpContext(nil)
	c.Assert(err, IsNil)
	defer octx.clear()

	_, _, busy := octx.Inflight()
	c.Assert(busy, Equals, false)

	octx.Request.Hint = 6
	octx.beginOperation(octx.Request)
	hint, _, busy := octx.Inflight()
	c.Assert(busy, Equals, true)
	c.Assert(hint, Equals, uint64(6))

	octx.endOperation()
	_, _, busy = octx.Inflight()
	c.Assert(busy, Equals, false)
}
