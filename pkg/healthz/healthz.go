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

// Package healthz aggregates component health checks and serves them at
// /healthz.
package healthz

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	logger "github.com/containers/memrt/pkg/log"
)

var (
	lock     sync.Mutex
	checkers = map[string]CheckFn{}
	sorted   []string
	// our logger instance
	log = logger.Get("health-check")
)

// CheckFn reports the health of a single component.
type CheckFn func() (status Status, details error)

// Status describes the health of a component or the whole.
type Status int

const (
	Healthy Status = iota
	Degraded
	NonFunctional
)

// String returns a string representation of the status.
func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case NonFunctional:
		return "non-functional"
	}
	return fmt.Sprintf("%%!(healthz:Bad-Status %d)", int(s))
}

// Setup prepares the given HTTP request multiplexer for serving healthz.
func Setup(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", serve)
}

// serve serves a single HTTP request.
func serve(w http.ResponseWriter, _ *http.Request) {
	status, details := Check()
	if status == Healthy {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			log.Errorf("failed to write response: %v", err)
		}
		return
	}

	names := make([]string, 0, len(details))
	for name := range details {
		names = append(names, name)
	}
	sort.Strings(names)

	msg := &strings.Builder{}
	fmt.Fprintf(msg, "%s\n", status)
	for _, name := range names {
		fmt.Fprintf(msg, "%s: %v\n", name, details[name])
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	if _, err := w.Write([]byte(msg.String())); err != nil {
		log.Errorf("failed to write response: %v", err)
	}
}

// Register registers the given health checker function. Registering a
// name again replaces the earlier checker.
func Register(name string, fn CheckFn) {
	lock.Lock()
	defer lock.Unlock()

	if _, ok := checkers[name]; ok {
		log.Warn("replacing health checker %q", name)
	} else {
		sorted = append(sorted, name)
		sort.Strings(sorted)
	}

	checkers[name] = fn
}

// Unregister removes the named health checker.
func Unregister(name string) {
	lock.Lock()
	defer lock.Unlock()

	if _, ok := checkers[name]; !ok {
		return
	}

	delete(checkers, name)
	if i := sort.SearchStrings(sorted, name); i < len(sorted) && sorted[i] == name {
		sorted = append(sorted[:i], sorted[i+1:]...)
	}
}

// Check runs all registered checkers. The overall status is the worst
// reported one, details are the errors of unhealthy components.
func Check() (Status, map[string]error) {
	status := Healthy
	details := map[string]error{}

	lock.Lock()
	defer lock.Unlock()

	for _, name := range sorted {
		if s, err := checkers[name](); s != Healthy {
			if s > status {
				status = s
			}
			if err != nil {
				details[name] = err
				log.Errorf("component %s reported %s: %v", name, s, err)
			}
		}
	}

	return status, details
}
