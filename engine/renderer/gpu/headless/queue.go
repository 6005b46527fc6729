package headless

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/anima-rtx/engine/renderer/gpu"
)

// Submission is the content of one ExecuteCommandLists call.
type Submission struct {
	Commands []Command
}

type Queue struct {
	device      *Device
	mu          sync.Mutex
	submissions []Submission
	// Allocators whose work was submitted since the last signal.
	unsignaled []*CommandAllocator
}

func (q *Queue) ExecuteCommandLists(lists ...gpu.CommandList) error {
	if err := q.device.call("ExecuteCommandLists"); err != nil {
		return err
	}

	var sub Submission
	allocators := make([]*CommandAllocator, 0, len(lists))
	for _, list := range lists {
		l, ok := list.(*CommandList)
		if !ok {
			return fmt.Errorf("headless: foreign command list %T", list)
		}
		if !l.closed {
			return ErrListNotClosed
		}
		sub.Commands = append(sub.Commands, l.commands...)
		allocators = append(allocators, l.allocator)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, a := range allocators {
		a.submitted()
	}
	q.unsignaled = append(q.unsignaled, allocators...)
	q.submissions = append(q.submissions, sub)
	return nil
}

func (q *Queue) Signal(fence gpu.Fence, value uint64) error {
	if err := q.device.call("Signal"); err != nil {
		return err
	}
	f, ok := fence.(*Fence)
	if !ok {
		return fmt.Errorf("headless: foreign fence %T", fence)
	}

	q.mu.Lock()
	for _, a := range q.unsignaled {
		a.retireOn(f, value)
	}
	q.unsignaled = nil
	q.mu.Unlock()

	f.signal(value)
	return nil
}

// Submissions returns everything executed on the queue so far.
func (q *Queue) Submissions() []Submission {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Submission(nil), q.submissions...)
}
