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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	cfgapi "github.com/containers/memrt/pkg/apis/config/v1alpha1/backend"
	logger "github.com/containers/memrt/pkg/log"
	"github.com/containers/memrt/pkg/utils"
)

var (
	clog = logger.Get("capture")
)

// CaptureStatus is the result of a sub-capture check.
type CaptureStatus struct {
	// IsActive is true if capture is active after the check.
	IsActive bool
	// WasActiveBefore is true if capture was active before the check.
	WasActiveBefore bool
}

// Activated returns true if the check opened a new capture window.
func (s CaptureStatus) Activated() bool {
	return s.IsActive && !s.WasActiveBefore
}

// Deactivated returns true if the check closed a capture window.
func (s CaptureStatus) Deactivated() bool {
	return !s.IsActive && s.WasActiveBefore
}

// SubCapture decides when capture is active.
type SubCapture struct {
	lock   sync.Mutex
	mode   cfgapi.CaptureMode
	filter string
	start  uint32
	end    uint32
	index  uint32
	active bool
	toggle bool
	watch  *toggleWatch
}

func newSubCapture(cfg *cfgapi.CaptureConfig) (*SubCapture, error) {
	c := &SubCapture{
		mode: cfg.GetMode(),
	}

	switch c.mode {
	case cfgapi.CaptureOff:
	case cfgapi.CaptureAll:
		c.active = true
	case cfgapi.CaptureFilter:
		c.filter = cfg.Filter
		c.start = cfg.StartIndex
		c.end = cfg.EndIndex
		if c.end != 0 && c.end < c.start {
			return nil, fmt.Errorf("%w: capture window [%d, %d]", ErrInvalidConfig, c.start, c.end)
		}
	case cfgapi.CaptureToggle:
		if cfg.ToggleFile != "" {
			w, err := watchToggleFile(cfg.ToggleFile, c.SetToggle)
			if err != nil {
				return nil, fmt.Errorf("%w: capture toggle file: %w", ErrInvalidConfig, err)
			}
			c.watch = w
		}
	default:
		return nil, fmt.Errorf("%w: unknown capture mode %q", ErrInvalidConfig, c.mode)
	}

	return c, nil
}

// Mode returns the capture mode.
func (c *SubCapture) Mode() cfgapi.CaptureMode {
	return c.mode
}

// IsActive returns true if capture is currently active.
func (c *SubCapture) IsActive() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.active
}

// SetToggle sets the capture toggle used in toggle mode.
func (c *SubCapture) SetToggle(on bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.toggle != on {
		clog.Info("capture toggle %s", map[bool]string{true: "on", false: "off"}[on])
	}
	c.toggle = on
}

func (c *SubCapture) check(label string) CaptureStatus {
	c.lock.Lock()
	defer c.lock.Unlock()

	status := CaptureStatus{WasActiveBefore: c.active}

	switch c.mode {
	case cfgapi.CaptureFilter:
		idx := c.index
		c.index++
		c.active = idx >= c.start && (c.end == 0 || idx <= c.end) &&
			(c.filter == "" || c.filter == label)
	case cfgapi.CaptureToggle:
		c.active = c.toggle
	}

	status.IsActive = c.active
	return status
}

func (c *SubCapture) close() {
	if c.watch != nil {
		c.watch.stop()
	}
}

// toggleWatch follows the contents of a toggle file.
type toggleWatch struct {
	dir      string
	file     string
	fsw      *fsnotify.Watcher
	set      func(bool)
	stopOnce sync.Once
	stopC    chan struct{}
	doneC    chan struct{}
}

func watchToggleFile(file string, set func(bool)) (*toggleWatch, error) {
	absPath, err := filepath.Abs(file)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err = fsw.Add(filepath.Dir(absPath)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &toggleWatch{
		dir:   filepath.Dir(absPath),
		file:  filepath.Base(absPath),
		fsw:   fsw,
		set:   set,
		stopC: make(chan struct{}),
		doneC: make(chan struct{}),
	}

	if err := w.update(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fsw.Close()
		return nil, err
	}

	go w.run()

	return w, nil
}

func (w *toggleWatch) stop() {
	w.stopOnce.Do(func() {
		close(w.stopC)
		<-w.doneC
	})
}

func (w *toggleWatch) run() {
	defer close(w.doneC)

	for {
		select {
		case <-w.stopC:
			if err := w.fsw.Close(); err != nil {
				clog.Warn("failed to close toggle file watcher: %v", err)
			}
			return

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			clog.Warn("toggle file watcher error: %v", err)

		case e, ok := <-w.fsw.Events:
			if !ok {
				clog.Error("toggle file watcher closed unexpectedly")
				return
			}

			if filepath.Base(e.Name) != w.file {
				continue
			}

			clog.Debug("toggle file event %s", e)

			switch {
			case e.Op&(fsnotify.Create|fsnotify.Write) != 0:
				if err := w.update(); err != nil {
					clog.Warn("failed to read toggle file: %v", err)
				}
			case e.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				w.set(false)
			}
		}
	}
}

func (w *toggleWatch) update() error {
	data, err := os.ReadFile(filepath.Join(w.dir, w.file))
	if err != nil {
		return err
	}

	value := strings.TrimSpace(string(data))
	if value == "" {
		w.set(false)
		return nil
	}

	on, err := utils.ParseEnabled(value)
	if err != nil {
		return err
	}

	w.set(on)
	return nil
}
