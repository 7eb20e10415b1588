package job

// Context is passed to a running job's body, letting it identify
// itself and spawn children.
type Context struct {
	system *System
	self   uint16
}

// Self returns the running job's full ID (current generation + short-ID).
func (c *Context) Self() JobID {
	sl := c.system.slotAt(c.self)
	return makeJobID(sl.gen16(), c.self)
}

// AddSubJob spawns a child job from within a running job's body. The
// parent's dependency counter is pre-incremented before the child is
// published so the parent cannot finalize until every child does,
// per spec.md §4.6.
func AddSubJob[P any](c *Context, param P, fn func(*Context, *P), deps ...JobID) (JobID, error) {
	s := c.system
	parentShort := c.self
	parentSlot := s.slotAt(parentShort)
	parentSlot.dependencies.Add(1)

	childID, err := ScheduleWithDeps(s, param, fn, deps)
	if err != nil {
		parentSlot.dependencies.Add(-1)
		return 0, err
	}

	childSlot := s.slotAt(childID.ShortID())
	if !childSlot.addPermit(childID.Generation(), parentShort, s) {
		// The child raced to completion before we could register the
		// parent as its successor; release the pin directly instead.
		s.decrementPublish(parentShort)
	}
	return childID, nil
}
