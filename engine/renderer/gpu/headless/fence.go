package headless

import (
	"sync"
	"time"

	"github.com/spaghettifunk/anima-rtx/engine/renderer/gpu"
)

// Fence completes queue signals immediately unless it is held, in which case
// the signals queue up until the caller lets them through. Holding a fence is
// how a test plays a slow GPU.
type Fence struct {
	device    *Device
	mu        sync.Mutex
	completed uint64
	held      bool
	pending   []uint64
	signals   []uint64
	changed   chan struct{}
	released  bool
}

func newFence(d *Device, initial uint64) *Fence {
	return &Fence{
		device:    d,
		completed: initial,
		changed:   make(chan struct{}),
	}
}

func (f *Fence) CompletedValue() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed
}

func (f *Fence) Wait(value uint64, timeout time.Duration) error {
	if err := f.device.call("FenceWait"); err != nil {
		return err
	}

	var deadline <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		f.mu.Lock()
		if f.completed >= value {
			f.mu.Unlock()
			return nil
		}
		changed := f.changed
		f.mu.Unlock()

		select {
		case <-changed:
		case <-deadline:
			return gpu.ErrWaitTimeout
		}
	}
}

// Hold defers every following queue signal until CompleteNext or Resume.
func (f *Fence) Hold() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held = true
}

// CompleteNext lets the oldest held signal through. It reports false when
// nothing was pending.
func (f *Fence) CompleteNext() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return false
	}
	v := f.pending[0]
	f.pending = f.pending[1:]
	f.advanceLocked(v)
	return true
}

// Resume lets every held signal through and stops holding.
func (f *Fence) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held = false
	for _, v := range f.pending {
		f.advanceLocked(v)
	}
	f.pending = nil
}

// Pending returns the number of held signals.
func (f *Fence) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Signals returns every value the queue asked this fence to reach, in order.
func (f *Fence) Signals() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.signals...)
}

func (f *Fence) signal(value uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, value)
	if f.held {
		f.pending = append(f.pending, value)
		return
	}
	f.advanceLocked(value)
}

func (f *Fence) advanceLocked(value uint64) {
	if value <= f.completed {
		return
	}
	f.completed = value
	close(f.changed)
	f.changed = make(chan struct{})
}

func (f *Fence) Release() {
	f.mu.Lock()
	if f.released {
		f.mu.Unlock()
		return
	}
	f.released = true
	f.mu.Unlock()
	f.device.drop()
}
