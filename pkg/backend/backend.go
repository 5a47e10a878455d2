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
	"fmt"
	"slices"
	"sync"

	cfgapi "github.com/containers/memrt/pkg/apis/config/v1alpha1/backend"
	"github.com/containers/memrt/pkg/hwinfo"
	logger "github.com/containers/memrt/pkg/log"
	"github.com/containers/memrt/pkg/memory"
)

var (
	log = logger.Get("backend")
)

var (
	// ErrNoBackend is returned when no backend can simulate a device.
	ErrNoBackend = fmt.Errorf("backend: no backend for device")
	// ErrInvalidConfig is returned for an invalid backend configuration.
	ErrInvalidConfig = fmt.Errorf("backend: invalid configuration")
	// ErrInvalidSubmission is returned for a malformed submission.
	ErrInvalidSubmission = fmt.Errorf("backend: invalid submission")
	// ErrUnknownEngine is returned for an engine the device does not have.
	ErrUnknownEngine = fmt.Errorf("backend: unknown engine")
	// ErrClosed is returned for submissions after Close.
	ErrClosed = fmt.Errorf("backend: closed")
)

// Accessor runs accesses to CPU-visible memory which may hit protected
// pages, resolving any faults they cause.
type Accessor interface {
	Access(fn func())
}

type directAccess struct{}

func (directAccess) Access(fn func()) {
	fn()
}

// Backend simulates a device: it transfers allocation contents between
// CPU-visible memory and device memory and executes submissions.
type Backend struct {
	info     hwinfo.Info
	traits   hwinfo.Traits
	registry *hwinfo.Registry
	config   *cfgapi.Config
	dataPath bool
	banks    memory.BankMask
	copier   Copier
	mem      *deviceMemory
	engines  map[hwinfo.EngineType]*Engine
	order    []hwinfo.EngineType
	capture  *SubCapture
	recorder *Recorder

	lock      sync.Mutex
	tracked   map[uint64]*memory.Allocation
	listeners []func()
	access    Accessor
}

// Option is an opaque option for a Backend.
type Option func(*Backend) error

// WithRegistry sets the hardware family registry to use.
func WithRegistry(r *hwinfo.Registry) Option {
	return func(b *Backend) error {
		b.registry = r
		return nil
	}
}

// WithConfig sets the backend configuration.
func WithConfig(cfg *cfgapi.Config) Option {
	return func(b *Backend) error {
		if cfg != nil {
			b.config = cfg
		}
		return nil
	}
}

// WithCopier overrides the copy strategy picked for the CPU.
func WithCopier(c Copier) Option {
	return func(b *Backend) error {
		b.copier = c
		return nil
	}
}

// New creates a simulated backend for the given device.
func New(info hwinfo.Info, options ...Option) (*Backend, error) {
	b := &Backend{
		info:     info,
		registry: hwinfo.Default(),
		config:   &cfgapi.Config{},
		engines:  make(map[hwinfo.EngineType]*Engine),
		recorder: &Recorder{},
		tracked:  make(map[uint64]*memory.Allocation),
		access:   directAccess{},
	}

	for _, o := range options {
		if err := o(b); err != nil {
			return nil, fmt.Errorf("%w: failed to apply option: %w", ErrInvalidConfig, err)
		}
	}

	if err := info.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoBackend, err)
	}

	traits, err := b.registry.Traits(&info)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoBackend, err)
	}

	b.traits = traits
	b.dataPath = traits.DataPath && !b.config.DisableDataPath
	b.banks = memory.AllBanks(info.BankCount())
	if b.copier == nil {
		b.copier = NewCopier()
	}
	b.mem = newDeviceMemory(info.BankCount(), b.copier)

	if b.capture, err = newSubCapture(&b.config.Capture); err != nil {
		return nil, err
	}
	b.recorder.setEnabled(b.capture.IsActive())

	b.order = slices.Clone(info.Engines)
	if len(b.order) == 0 {
		b.order = []hwinfo.EngineType{hwinfo.EngineCompute}
	}
	for _, typ := range b.order {
		b.engines[typ] = newEngine(b, typ)
	}

	if !b.dataPath {
		log.Warn("no data path for %s, writes and submissions are no-ops", info.Family)
	}

	log.Info("created backend for %s (banks %s, engines %v, copier %s, capture %s)",
		info.Family, b.banks, b.order, b.copier.Name(), b.capture.Mode())

	return b, nil
}

// Info returns the descriptor of the simulated device.
func (b *Backend) Info() hwinfo.Info {
	return b.info
}

// Traits returns the simulation traits of the device.
func (b *Backend) Traits() hwinfo.Traits {
	return b.traits
}

// HasDataPath returns true if memory transfers are simulated.
func (b *Backend) HasDataPath() bool {
	return b.dataPath
}

// Copier returns the copy strategy in use.
func (b *Backend) Copier() Copier {
	return b.copier
}

// Recorder returns the capture recorder.
func (b *Backend) Recorder() *Recorder {
	return b.recorder
}

// SubCapture returns the sub-capture policy.
func (b *Backend) SubCapture() *SubCapture {
	return b.capture
}

// Engine returns the execution context of the given engine.
func (b *Backend) Engine(typ hwinfo.EngineType) (*Engine, error) {
	e, ok := b.engines[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEngine, typ)
	}
	return e, nil
}

// DefaultEngine returns the compute engine, or the first engine if the
// device has no compute engine.
func (b *Backend) DefaultEngine() *Engine {
	if e, ok := b.engines[hwinfo.EngineCompute]; ok {
		return e
	}
	return b.engines[b.order[0]]
}

// SetAccessor sets the accessor used for CPU-visible memory.
func (b *Backend) SetAccessor(a Accessor) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if a == nil {
		a = directAccess{}
	}
	b.access = a
}

func (b *Backend) accessor() Accessor {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.access
}

// Track adds an allocation to the set which is made writable when a new
// capture window opens.
func (b *Backend) Track(a *memory.Allocation) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.tracked[a.ID()] = a
}

// Forget removes an allocation from the backend, dropping its device memory.
func (b *Backend) Forget(a *memory.Allocation) {
	b.lock.Lock()
	delete(b.tracked, a.ID())
	b.lock.Unlock()

	b.mem.release(a.GPUAddress(), a.Size())
}

// Tracked returns the number of tracked allocations.
func (b *Backend) Tracked() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.tracked)
}

// Write uploads the allocation to every bank it is writable to. Read
// mostly allocations are uploaded once, until they are marked writable
// again. It returns true if anything was written.
func (b *Backend) Write(a *memory.Allocation) bool {
	if !b.dataPath {
		writesTotal.WithLabelValues("unavailable").Inc()
		return false
	}

	b.Track(a)

	var (
		banks    = a.WritableBanks() & b.banks
		oneShot  = b.traits.OneTimeWritable && a.Type().IsOneTimeWritable()
		written  = false
		capturer = b.capture.IsActive()
	)

	banks.Foreach(func(bank int) bool {
		b.writeBank(a, bank, capturer)
		if oneShot {
			a.SetWritable(false, memory.NewBankMask(bank))
		}
		written = true
		return true
	})

	if written {
		writesTotal.WithLabelValues("written").Inc()
	} else {
		writesTotal.WithLabelValues("skipped").Inc()
	}

	return written
}

// Upload unconditionally uploads the allocation to all of its banks,
// regardless of its writable flags. It returns false without a data path.
func (b *Backend) Upload(a *memory.Allocation) bool {
	if !b.dataPath {
		writesTotal.WithLabelValues("unavailable").Inc()
		return false
	}

	b.Track(a)

	capturer := b.capture.IsActive()
	(a.Banks() & b.banks).Foreach(func(bank int) bool {
		b.writeBank(a, bank, capturer)
		return true
	})
	writesTotal.WithLabelValues("written").Inc()

	return true
}

func (b *Backend) writeBank(a *memory.Allocation, bank int, capturing bool) {
	changed := 0
	b.accessor().Access(func() {
		changed = b.mem.write(bank, a.GPUAddress(), a.Storage())
	})
	writtenBytes.Add(float64(changed))

	if capturing {
		b.recorder.record(Event{
			Kind:       EventWrite,
			Allocation: a.ID(),
			Address:    a.GPUAddress(),
			Size:       a.Size(),
			Bank:       bank,
		})
	}

	log.Debug("wrote %s to bank %d (%d bytes changed)", a, bank, changed)
}

// Download copies the device contents of the allocation into its
// CPU-visible copy. Ranges never written on the device are left intact.
// It returns true if any device contents were found.
func (b *Backend) Download(a *memory.Allocation) bool {
	bank := (a.Banks() & b.banks).First()
	if bank < 0 {
		return false
	}

	found := false
	b.accessor().Access(func() {
		found = b.mem.read(bank, a.GPUAddress(), a.Storage())
	})
	downloadsTotal.Inc()

	if a.IsDumpable() && b.capture.IsActive() {
		b.recorder.record(Event{
			Kind:       EventDump,
			Allocation: a.ID(),
			Address:    a.GPUAddress(),
			Size:       a.Size(),
			Bank:       bank,
		})
		a.SetDumpable(false)
	}

	return found
}

// Submit queues a submission on the given engine.
func (b *Backend) Submit(e *Engine, s *Submission) error {
	if err := e.Submit(s); err != nil {
		return err
	}

	submissionsTotal.WithLabelValues(string(e.Type())).Inc()

	if b.capture.IsActive() {
		var buf uint64
		if s.Buffer != nil {
			buf = s.Buffer.ID()
		}
		b.recorder.record(Event{
			Kind:       EventSubmit,
			Label:      s.Label,
			Engine:     e.Type(),
			Allocation: buf,
			Offset:     s.Offset,
			Size:       s.Length,
			TaskCount:  s.TaskCount,
		})
	}

	return nil
}

// Flush starts executing the submissions queued on the given engine.
func (b *Backend) Flush(e *Engine) {
	e.Flush()
}

// OnSubCaptureActivation registers a function to call when a new capture
// window opens, before tracked allocations are made writable.
func (b *Backend) OnSubCaptureActivation(fn func()) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.listeners = append(b.listeners, fn)
}

// CheckAndActivateSubCapture checks whether capture is active for a
// dispatch with the given label. When a new capture window opens every
// tracked allocation is made writable again, so the capture starts with
// a complete memory image.
func (b *Backend) CheckAndActivateSubCapture(label string) CaptureStatus {
	status := b.capture.check(label)

	switch {
	case status.Activated():
		b.activateCapture(label)
	case status.Deactivated():
		b.recorder.record(Event{Kind: EventDeactivate, Label: label})
		b.recorder.setEnabled(false)
		clog.Info("capture window closed at %q", label)
	}

	return status
}

func (b *Backend) activateCapture(label string) {
	b.lock.Lock()
	listeners := slices.Clone(b.listeners)
	b.lock.Unlock()

	for _, fn := range listeners {
		fn()
	}

	b.lock.Lock()
	tracked := make([]*memory.Allocation, 0, len(b.tracked))
	for _, a := range b.tracked {
		tracked = append(tracked, a)
	}
	b.lock.Unlock()

	for _, a := range tracked {
		a.SetWritable(true, a.Banks())
	}
	for _, e := range b.engines {
		e.OverrideHead()
	}

	b.recorder.setEnabled(true)
	b.recorder.record(Event{Kind: EventActivate, Label: label})
	captureActivations.Inc()

	clog.Info("capture window opened at %q, %d allocations made writable", label, len(tracked))
}

// Close stops all engines and the capture policy.
func (b *Backend) Close() {
	for _, typ := range b.order {
		b.engines[typ].close()
	}
	b.capture.close()
}
