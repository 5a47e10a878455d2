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

package submission

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	cfgapi "github.com/containers/memrt/pkg/apis/config/v1alpha1/submission"
	"github.com/containers/memrt/pkg/backend"
	"github.com/containers/memrt/pkg/healthz"
	"github.com/containers/memrt/pkg/hwinfo"
	"github.com/containers/memrt/pkg/instrumentation/tracing"
	logger "github.com/containers/memrt/pkg/log"
	"github.com/containers/memrt/pkg/memory"
	"github.com/containers/memrt/pkg/memory/manager"
)

var (
	log     = logger.Get("submission")
	details = logger.Get("submission-details")
)

var (
	// ErrNoBackend is returned when a tracker is created without a backend.
	ErrNoBackend = fmt.Errorf("submission: no backend")
	// ErrNotIssued is returned for a wait on a task count never flushed.
	ErrNotIssued = fmt.Errorf("submission: task count not issued")
	// ErrTimeout is returned when a wait gives up.
	ErrTimeout = fmt.Errorf("submission: wait timed out")
)

// Allocator provides the tag allocation of a tracker.
type Allocator interface {
	Allocate(manager.Properties) (*memory.Allocation, error)
	Free(*memory.Allocation)
}

// CompletionStamp identifies a flushed task.
type CompletionStamp struct {
	// TaskCount of the task.
	TaskCount uint32
	// TaskLevel is a dependency ordering hint.
	TaskLevel uint32
	// FlushStamp counts the backend flushes of the context.
	FlushStamp uint64
}

// Tracker tracks the submissions and the residency of allocations of one
// execution context.
type Tracker struct {
	id      memory.ContextID
	name    string
	backend *backend.Backend
	engine  *backend.Engine
	alloc   Allocator
	tag     *memory.Allocation
	policy  WaitPolicy

	lock          sync.Mutex
	taskCount     uint32
	taskLevel     uint32
	latestSent    uint32
	latestFlushed uint32
	flushStamp    uint64
	resident      map[uint64]*memory.Allocation
	fresh         map[uint64]struct{}
	flushed       atomic.Uint32
	timedOut      atomic.Bool

	tagLock   sync.Mutex
	completed uint32
}

// Option is an opaque option for a Tracker.
type Option func(*Tracker) error

// WithEngine selects the engine the tracker submits to.
func WithEngine(typ hwinfo.EngineType) Option {
	return func(t *Tracker) error {
		e, err := t.backend.Engine(typ)
		if err != nil {
			return err
		}
		t.engine = e
		return nil
	}
}

// WithWaitConfig sets the default wait policy of the tracker.
func WithWaitConfig(cfg *cfgapi.Config) Option {
	return func(t *Tracker) error {
		t.policy = PolicyFromConfig(cfg)
		return nil
	}
}

// NewTracker creates a tracker for the given context. Without a usable
// backend no tracker is created.
func NewTracker(id memory.ContextID, b *backend.Backend, alloc Allocator, options ...Option) (*Tracker, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: context %d", ErrNoBackend, id)
	}

	t := &Tracker{
		id:       id,
		name:     strconv.FormatUint(uint64(id), 10),
		backend:  b,
		engine:   b.DefaultEngine(),
		alloc:    alloc,
		policy:   PolicyFromConfig(nil),
		resident: make(map[uint64]*memory.Allocation),
		fresh:    make(map[uint64]struct{}),
	}

	for _, o := range options {
		if err := o(t); err != nil {
			return nil, fmt.Errorf("submission: failed to apply option: %w", err)
		}
	}

	tag, err := alloc.Allocate(manager.Properties{Type: memory.TypeTagBuffer, Size: memory.PageSize})
	if err != nil {
		return nil, fmt.Errorf("submission: failed to allocate tag for context %d: %w", id, err)
	}

	t.tag = tag
	t.tag.SetResidencyState(id, memory.Resident)
	b.Upload(t.tag)

	healthz.Register(t.healthName(), t.health)

	log.Info("created tracker for context %d on engine %s", id, t.engine.Type())

	return t, nil
}

// ID returns the context id of the tracker.
func (t *Tracker) ID() memory.ContextID {
	return t.id
}

// Engine returns the engine the tracker submits to.
func (t *Tracker) Engine() *backend.Engine {
	return t.engine
}

// Tag returns the completion tag allocation.
func (t *Tracker) Tag() *memory.Allocation {
	return t.tag
}

// TaskCount returns the task count of the latest task.
func (t *Tracker) TaskCount() uint32 {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.taskCount
}

// TaskLevel returns the current task level.
func (t *Tracker) TaskLevel() uint32 {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.taskLevel
}

// LatestSentTaskCount returns the task count of the latest submitted task.
func (t *Tracker) LatestSentTaskCount() uint32 {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.latestSent
}

// LatestFlushedTaskCount returns the task count of the latest flushed task.
func (t *Tracker) LatestFlushedTaskCount() uint32 {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.latestFlushed
}

// FlushStamp returns the number of backend flushes so far.
func (t *Tracker) FlushStamp() uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.flushStamp
}

// CompletedTaskCount returns the latest task count observed in the tag.
func (t *Tracker) CompletedTaskCount() uint32 {
	t.tagLock.Lock()
	defer t.tagLock.Unlock()
	return t.completed
}

// Flush submits the buffer and flushes it for execution. The allocations
// in residency and the allocation of the buffer itself are made resident
// for the task. Zero-length buffers are not submitted but the task is
// counted and its completion signalled.
func (t *Tracker) Flush(ctx context.Context, buffer backend.Batch, residency []*memory.Allocation) (CompletionStamp, error) {
	return t.submit(ctx, buffer, residency, true)
}

// Submit is like Flush but leaves the task pending until FlushPending.
func (t *Tracker) Submit(ctx context.Context, buffer backend.Batch, residency []*memory.Allocation) (CompletionStamp, error) {
	return t.submit(ctx, buffer, residency, false)
}

func (t *Tracker) submit(ctx context.Context, buffer backend.Batch, residency []*memory.Allocation, flush bool) (CompletionStamp, error) {
	_, span := tracing.StartSpan(ctx, "submission.Flush",
		tracing.WithAttributes(
			tracing.Attribute("context", int(t.id)),
			tracing.Attribute("label", buffer.Label),
			tracing.Attribute("length", int64(buffer.Length)),
			tracing.Attribute("residency", len(residency)),
		),
	)

	t.backend.CheckAndActivateSubCapture(buffer.Label)

	t.lock.Lock()
	defer t.lock.Unlock()

	t.evictDownloaded()

	next := t.taskCount + 1
	writes := make([]*memory.Allocation, 0, len(residency)+1)
	seen := make(map[uint64]struct{}, len(residency)+1)

	for _, a := range append(slices.Clip(residency), buffer.Buffer) {
		if a == nil {
			continue
		}
		t.makeResident(a, next)
		if _, ok := seen[a.ID()]; !ok {
			seen[a.ID()] = struct{}{}
			writes = append(writes, a)
		}
	}

	for _, a := range writes {
		t.backend.Write(a)
	}

	s := &backend.Submission{Tag: t.tag, TaskCount: next}
	kind := "empty"
	if buffer.Length > 0 {
		s.Batch = buffer
		kind = "batch"
	}

	if err := t.backend.Submit(t.engine, s); err != nil {
		span.End(tracing.WithStatus(err))
		return CompletionStamp{}, fmt.Errorf("submission: context %d, task %d: %w", t.id, next, err)
	}

	t.taskCount = next
	t.taskLevel++
	t.latestSent = next
	if flush {
		t.flushPending()
	}

	flushesTotal.WithLabelValues(kind).Inc()
	taskCount.WithLabelValues(t.name).Set(float64(t.taskCount))
	residentAllocations.WithLabelValues(t.name).Set(float64(len(t.resident)))

	stamp := CompletionStamp{
		TaskCount:  t.taskCount,
		TaskLevel:  t.taskLevel,
		FlushStamp: t.flushStamp,
	}

	log.Debug("context %d: task %d (%s, %d bytes, %d resident)", t.id, next, kind, buffer.Length, len(t.resident))
	span.End()

	return stamp, nil
}

// MakeResident makes the allocation resident for the next task.
func (t *Tracker) MakeResident(a *memory.Allocation) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.makeResident(a, t.taskCount+1)
}

func (t *Tracker) makeResident(a *memory.Allocation, submission uint32) {
	if a.ResidencyState(t.id) == memory.Resident && a.ResidencyTaskCount(t.id) >= submission {
		return
	}

	if _, ok := t.resident[a.ID()]; !ok {
		t.resident[a.ID()] = a
		t.fresh[a.ID()] = struct{}{}
	}

	a.UpdateResidencyTaskCount(t.id, submission)
	a.UpdateTaskCount(t.id, submission)
	a.SetResidencyState(t.id, memory.Resident)
}

// FlushPending flushes all submitted but not yet flushed tasks.
func (t *Tracker) FlushPending() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.flushPending()
}

func (t *Tracker) flushPending() {
	if t.latestFlushed >= t.latestSent {
		return
	}

	t.backend.Flush(t.engine)
	t.latestFlushed = t.latestSent
	t.flushed.Store(t.latestFlushed)
	t.flushStamp++
	clear(t.fresh)
}

// DiscardPending drops the work of all submitted but not yet flushed
// tasks, and the residency they introduced. The discarded tasks still
// complete, so task counts never roll back.
func (t *Tracker) DiscardPending() int {
	t.lock.Lock()
	defer t.lock.Unlock()

	n := t.engine.DiscardPending(t.tag)

	for id := range t.fresh {
		if a, ok := t.resident[id]; ok {
			a.ReleaseResidency(t.id)
			delete(t.resident, id)
		}
	}
	clear(t.fresh)

	t.flushPending()
	residentAllocations.WithLabelValues(t.name).Set(float64(len(t.resident)))

	if n > 0 {
		log.Info("context %d: discarded %d pending submissions", t.id, n)
	}

	return n
}

// MakeSurfacePackNonResident marks the resident allocations in the list
// pending download, without evicting them. If clearList is true the list
// is returned emptied.
func (t *Tracker) MakeSurfacePackNonResident(list []*memory.Allocation, clearList bool) []*memory.Allocation {
	t.lock.Lock()
	defer t.lock.Unlock()

	for _, a := range list {
		if _, ok := t.resident[a.ID()]; !ok {
			continue
		}
		if a.ResidencyState(t.id) == memory.Resident {
			a.SetResidencyState(t.id, memory.PendingDownload)
		}
	}

	if clearList {
		return list[:0]
	}
	return list
}

// Invalidate evicts the allocation from the context right away.
func (t *Tracker) Invalidate(a *memory.Allocation) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if _, ok := t.resident[a.ID()]; !ok {
		return
	}

	t.evict(a)
	residentAllocations.WithLabelValues(t.name).Set(float64(len(t.resident)))
}

func (t *Tracker) evictDownloaded() {
	for _, a := range t.resident {
		if a.ResidencyState(t.id) == memory.Downloaded {
			t.evict(a)
		}
	}
}

func (t *Tracker) evict(a *memory.Allocation) {
	a.ReleaseResidency(t.id)
	delete(t.resident, a.ID())
	delete(t.fresh, a.ID())
	evictionsTotal.Inc()
	log.Debug("context %d: evicted %s", t.id, a)
}

// ResidentAllocations returns the allocations resident in the context,
// ordered by allocation id.
func (t *Tracker) ResidentAllocations() []*memory.Allocation {
	t.lock.Lock()
	defer t.lock.Unlock()

	list := make([]*memory.Allocation, 0, len(t.resident))
	for _, a := range t.resident {
		list = append(list, a)
	}
	slices.SortFunc(list, func(a, b *memory.Allocation) int {
		return cmp.Compare(a.ID(), b.ID())
	})

	return list
}

// downloadCompleted downloads the allocations pending download whose
// last task has completed.
func (t *Tracker) downloadCompleted(completed uint32) int {
	t.lock.Lock()
	var pending []*memory.Allocation
	for _, a := range t.resident {
		if a.ResidencyState(t.id) == memory.PendingDownload && a.ResidencyTaskCount(t.id) <= completed {
			pending = append(pending, a)
		}
	}
	t.lock.Unlock()

	for _, a := range pending {
		t.backend.Download(a)
	}

	t.lock.Lock()
	defer t.lock.Unlock()
	for _, a := range pending {
		if a.ResidencyState(t.id) == memory.PendingDownload {
			a.SetResidencyState(t.id, memory.Downloaded)
		}
	}

	return len(pending)
}

// Close waits for all submitted tasks, releases all residency and frees
// the tag allocation.
func (t *Tracker) Close(ctx context.Context) error {
	healthz.Unregister(t.healthName())
	t.FlushPending()

	_, err := t.WaitForTaskCount(ctx, t.LatestSentTaskCount(), t.policy)

	t.lock.Lock()
	for _, a := range t.resident {
		a.ReleaseResidency(t.id)
	}
	clear(t.resident)
	clear(t.fresh)
	t.lock.Unlock()

	if err != nil {
		log.Warn("context %d: closing with unfinished tasks: %v", t.id, err)
		return err
	}

	t.tag.ReleaseResidency(t.id)
	t.alloc.Free(t.tag)
	taskCount.DeleteLabelValues(t.name)
	residentAllocations.DeleteLabelValues(t.name)

	return nil
}

func (t *Tracker) healthName() string {
	return "submission/context-" + t.name
}

// health reports the context degraded while its last wait timed out.
func (t *Tracker) health() (healthz.Status, error) {
	if !t.timedOut.Load() {
		return healthz.Healthy, nil
	}
	return healthz.Degraded, fmt.Errorf("context %d: wait for task %d timed out, completed %d",
		t.id, t.LatestSentTaskCount(), t.CompletedTaskCount())
}

// Dump logs the state of the tracker if details are being debugged.
func (t *Tracker) Dump(what string) {
	if !details.DebugEnabled() {
		return
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	var b strings.Builder
	for _, a := range t.resident {
		fmt.Fprintf(&b, "\n  - %s: %s, residency task %d", a, a.ResidencyState(t.id), a.ResidencyTaskCount(t.id))
	}

	details.Debug("%s: context %d: task count %d (sent %d, flushed %d, level %d), resident:%s",
		what, t.id, t.taskCount, t.latestSent, t.latestFlushed, t.taskLevel, b.String())
}
