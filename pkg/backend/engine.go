// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/containers/memrt/pkg/hwinfo"
	"github.com/containers/memrt/pkg/memory"
	"github.com/containers/memrt/pkg/utils"
)

// Batch is a command buffer to execute. Its contents are not interpreted.
type Batch struct {
	// Buffer is the allocation holding the commands.
	Buffer *memory.Allocation
	// Offset of the commands within Buffer.
	Offset uint64
	// Length of the commands in bytes.
	Length uint64
	// Label names the batch, for sub-capture filtering and recording.
	Label string
	// Work, if set, simulates the effect of the batch on device memory.
	Work func(Device)
}

// Submission is a batch together with its completion signal.
type Submission struct {
	Batch
	// Tag is the allocation the task count is written to on completion.
	Tag *memory.Allocation
	// TaskCount identifies the submission within its context.
	TaskCount uint32
}

// EngineStats are the execution statistics of an engine.
type EngineStats struct {
	Submitted uint64
	Executed  uint64
	Overrides uint64
	Head      uint64
	Tail      uint64
	Completed uint32
}

// Engine is the execution context of a single engine. Submissions are
// executed in order on a dedicated goroutine.
type Engine struct {
	typ       hwinfo.EngineType
	b         *Backend
	ringSize  uint64
	alignment uint64

	lock         sync.Mutex
	cond         *sync.Cond
	pending      []*Submission
	queue        []*Submission
	paused       bool
	closed       bool
	overrideHead bool
	stats        EngineStats
	notify       chan struct{}
	done         chan struct{}
}

func newEngine(b *Backend, typ hwinfo.EngineType) *Engine {
	e := &Engine{
		typ:       typ,
		b:         b,
		ringSize:  max(b.traits.RingSize, memory.PageSize),
		alignment: max(b.traits.BatchAlignment, 1),
		notify:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.lock)

	go e.run()

	return e
}

// Type returns the type of the engine.
func (e *Engine) Type() hwinfo.EngineType {
	return e.typ
}

// Submit queues a submission for execution at the next Flush.
func (e *Engine) Submit(s *Submission) error {
	if s.Tag == nil {
		return fmt.Errorf("%w: submission %d without tag", ErrInvalidSubmission, s.TaskCount)
	}
	if s.Buffer != nil && s.Offset+s.Length > s.Buffer.Size() {
		return fmt.Errorf("%w: batch [%d, %d) outside %s", ErrInvalidSubmission,
			s.Offset, s.Offset+s.Length, s.Buffer)
	}

	e.lock.Lock()
	defer e.lock.Unlock()

	if e.closed {
		return ErrClosed
	}

	e.pending = append(e.pending, s)
	e.stats.Submitted++

	return nil
}

// Flush hands all queued submissions over for execution.
func (e *Engine) Flush() {
	e.lock.Lock()
	defer e.lock.Unlock()

	if len(e.pending) == 0 {
		return
	}

	e.queue = append(e.queue, e.pending...)
	e.pending = nil
	e.cond.Broadcast()
}

// DiscardPending drops the work of the submissions signalling tag which
// have not been flushed yet, or of all of them if tag is nil. Their
// completion is still signalled at the next Flush, so task counts stay
// in submission order.
func (e *Engine) DiscardPending(tag *memory.Allocation) int {
	e.lock.Lock()
	defer e.lock.Unlock()

	n := 0
	for i, s := range e.pending {
		if tag != nil && s.Tag != tag {
			continue
		}
		e.pending[i] = &Submission{Tag: s.Tag, TaskCount: s.TaskCount}
		n++
	}
	return n
}

// OverrideHead makes the next executed submission restart the ring.
func (e *Engine) OverrideHead() {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.overrideHead = true
}

// Pause stops executing submissions until Resume is called.
func (e *Engine) Pause() {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.paused = true
}

// Resume resumes executing submissions.
func (e *Engine) Resume() {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.paused = false
	e.cond.Broadcast()
}

// Completion returns a channel which is closed when the next submission
// completes.
func (e *Engine) Completion() <-chan struct{} {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.notify
}

// Stats returns the execution statistics of the engine.
func (e *Engine) Stats() EngineStats {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.stats
}

func (e *Engine) close() {
	e.lock.Lock()
	if e.closed {
		e.lock.Unlock()
		return
	}
	e.closed = true
	e.cond.Broadcast()
	e.lock.Unlock()

	<-e.done
}

func (e *Engine) run() {
	defer close(e.done)

	for {
		e.lock.Lock()
		for !e.closed && (len(e.queue) == 0 || e.paused) {
			e.cond.Wait()
		}
		if e.closed {
			if n := len(e.queue); n > 0 {
				log.Warn("%s: dropping %d unexecuted submissions", e.typ, n)
			}
			e.lock.Unlock()
			return
		}
		s := e.queue[0]
		e.queue = e.queue[1:]
		e.lock.Unlock()

		e.execute(s)
	}
}

func (e *Engine) execute(s *Submission) {
	if e.b.dataPath && s.Work != nil {
		s.Work(&deviceView{mem: e.b.mem, banks: e.b.banks})
	}

	e.lock.Lock()
	if e.overrideHead {
		e.stats.Head = e.stats.Tail
		e.stats.Overrides++
		e.overrideHead = false
		e.b.recorder.record(Event{Kind: EventOverrideHead, Engine: e.typ, Offset: e.stats.Head})
	}
	e.stats.Tail = (e.stats.Tail + utils.AlignUp(s.Length, e.alignment)) % e.ringSize
	e.stats.Executed++
	e.stats.Completed = s.TaskCount
	e.lock.Unlock()

	e.b.signal(s.Tag, s.TaskCount)

	e.lock.Lock()
	close(e.notify)
	e.notify = make(chan struct{})
	e.lock.Unlock()

	log.Debug("%s: completed task %d (%s)", e.typ, s.TaskCount, s.Label)
}

// signal writes the task count to the tag allocation in device memory.
func (b *Backend) signal(tag *memory.Allocation, count uint32) {
	var value [4]byte
	binary.LittleEndian.PutUint32(value[:], count)
	(tag.Banks() & b.banks).Foreach(func(bank int) bool {
		b.mem.write(bank, tag.GPUAddress(), value[:])
		return true
	})
}
