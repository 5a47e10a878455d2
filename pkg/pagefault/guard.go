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

package pagefault

import (
	"runtime/debug"

	"github.com/containers/memrt/pkg/memory"
)

// Guard runs memory accesses with faults turned into panics. A fault is
// offered to the handler and, if handled, the access is run again. An
// unhandled fault is re-raised as the original runtime panic.
type Guard struct {
	handler func(memory.Address) bool
}

// NewGuard returns a guard which offers faults to handler.
func NewGuard(handler func(memory.Address) bool) *Guard {
	return &Guard{handler: handler}
}

// faultError is the runtime error of a memory fault.
type faultError interface {
	error
	Addr() uintptr
}

// Access runs fn, retrying it after each handled fault. fn may be run
// more than once, so it must be restartable.
func (g *Guard) Access(fn func()) {
	for {
		fault := g.try(fn)
		if fault == nil {
			return
		}

		addr := memory.Address(fault.Addr())
		if !g.handler(addr) {
			log.Error("unhandled memory fault at 0x%x", addr)
			panic(fault)
		}

		log.Debug("retrying access after fault at 0x%x", addr)
	}
}

func (g *Guard) try(fn func()) (fault faultError) {
	prev := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(prev)

	defer func() {
		if r := recover(); r != nil {
			f, ok := r.(faultError)
			if !ok {
				panic(r)
			}
			fault = f
		}
	}()

	fn()

	return nil
}
