package runner

import (
	appErr "runnerd/pkg/errors"
)

// slotPool hands out per-run CPU slot indexes, one per configured core. The
// slot index names the run's cgroup, so concurrent runs never share a
// limiter scope. An exhausted pool rejects immediately; queueing is the
// upstream scheduler's job.
type slotPool struct {
	slots chan int
}

func newSlotPool(n int) *slotPool {
	if n <= 0 {
		n = 1
	}
	p := &slotPool{slots: make(chan int, n)}
	for i := 0; i < n; i++ {
		p.slots <- i
	}
	return p
}

func (p *slotPool) acquire() (int, error) {
	select {
	case slot := <-p.slots:
		return slot, nil
	default:
		return 0, appErr.New(appErr.ResourceExhausted)
	}
}

func (p *slotPool) release(slot int) {
	p.slots <- slot
}
