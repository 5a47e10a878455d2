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
	"sync"

	"github.com/containers/memrt/pkg/hwinfo"
	"github.com/containers/memrt/pkg/memory"
)

// EventKind is the kind of a recorded capture event.
type EventKind string

const (
	EventActivate     EventKind = "activate"
	EventDeactivate   EventKind = "deactivate"
	EventWrite        EventKind = "write"
	EventSubmit       EventKind = "submit"
	EventDump         EventKind = "dump"
	EventOverrideHead EventKind = "override-head"
)

// Event is a single recorded capture event.
type Event struct {
	Kind       EventKind
	Label      string
	Engine     hwinfo.EngineType
	Allocation uint64
	Address    memory.Address
	Size       uint64
	Bank       int
	Offset     uint64
	TaskCount  uint32
}

// Recorder keeps an in-memory record of events while capture is active.
type Recorder struct {
	lock    sync.Mutex
	enabled bool
	events  []Event
}

func (r *Recorder) setEnabled(enabled bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.enabled = enabled
}

func (r *Recorder) record(e Event) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.enabled {
		r.events = append(r.events, e)
	}
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]Event(nil), r.events...)
}

// Reset drops all recorded events.
func (r *Recorder) Reset() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = nil
}
