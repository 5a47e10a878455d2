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
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	cfgapi "github.com/containers/memrt/pkg/apis/config/v1alpha1/submission"
	"github.com/containers/memrt/pkg/instrumentation/tracing"
)

// WaitState is the state of a task count wait.
type WaitState int

const (
	// WaitPending waits for a completion notification from the engine.
	WaitPending WaitState = iota
	// WaitPolling polls the completion tag periodically.
	WaitPolling
	// WaitCompleted is reached once the tag reaches the target.
	WaitCompleted
	// WaitTimedOut is reached when the wait is abandoned.
	WaitTimedOut
)

// String returns the name of the wait state.
func (s WaitState) String() string {
	switch s {
	case WaitPending:
		return "pending"
	case WaitPolling:
		return "polling"
	case WaitCompleted:
		return "completed"
	case WaitTimedOut:
		return "timed-out"
	}
	return fmt.Sprintf("%%!(submission:Bad-WaitState %d)", int(s))
}

// WaitPolicy controls how a wait progresses. A zero Timeout means no
// deadline besides the one of the context passed to the wait. Zero
// NotifyTimeout and PollInterval take the configuration defaults.
type WaitPolicy struct {
	// NotifyTimeout is how long to wait for notifications before polling.
	NotifyTimeout time.Duration
	// PollInterval is the interval between tag polls.
	PollInterval time.Duration
	// Timeout is the deadline for the whole wait.
	Timeout time.Duration
}

// PolicyFromConfig returns the wait policy for the given configuration.
func PolicyFromConfig(cfg *cfgapi.Config) WaitPolicy {
	return WaitPolicy{
		NotifyTimeout: cfg.GetNotifyTimeout(),
		PollInterval:  cfg.GetPollInterval(),
		Timeout:       cfg.GetTimeout(),
	}
}

func (p WaitPolicy) withDefaults() WaitPolicy {
	if p.NotifyTimeout <= 0 {
		p.NotifyTimeout = cfgapi.DefaultNotifyTimeout
	}
	if p.PollInterval <= 0 {
		p.PollInterval = cfgapi.DefaultPollInterval
	}
	return p
}

// DefaultWaitPolicy returns the wait policy the tracker was created with.
func (t *Tracker) DefaultWaitPolicy() WaitPolicy {
	return t.policy
}

// WaitResult describes a finished wait.
type WaitResult struct {
	// State is the final state, WaitCompleted or WaitTimedOut.
	State WaitState
	// Target is the task count waited for.
	Target uint32
	// Observed is the last task count observed in the tag.
	Observed uint32
	// Polls is the number of tag polls done.
	Polls int
	// Downloaded is the number of allocations downloaded on completion.
	Downloaded int
}

// WaitForTaskCount blocks until the completion tag reaches target. It
// first waits for engine notifications, then falls back to polling the
// tag. Waiting for a task count never issued is an error. Completion
// downloads the allocations pending download whose task has finished.
func (t *Tracker) WaitForTaskCount(ctx context.Context, target uint32, policy WaitPolicy) (WaitResult, error) {
	t.lock.Lock()
	issued := t.taskCount
	needFlush := target > t.latestFlushed
	t.lock.Unlock()

	result := WaitResult{Target: target}

	if !log.Assert(target <= issued, "context %d: wait for task %d, only %d issued", t.id, target, issued) {
		waitsTotal.WithLabelValues("invalid").Inc()
		return result, fmt.Errorf("%w: context %d, task %d (issued %d)", ErrNotIssued, t.id, target, issued)
	}

	if needFlush {
		t.FlushPending()
	}

	ctx, span := tracing.StartSpan(ctx, "submission.Wait",
		tracing.WithAttributes(
			tracing.Attribute("context", int(t.id)),
			tracing.Attribute("target", int64(target)),
		),
	)

	result, err := t.await(ctx, target, policy)
	t.timedOut.Store(result.State == WaitTimedOut)
	if result.State == WaitCompleted {
		result.Downloaded = t.downloadCompleted(result.Observed)
	}

	span.End(tracing.WithStatus(err))

	return result, err
}

// Sync waits until all tasks flushed so far have completed. Unlike
// WaitForTaskCount it downloads nothing and never blocks on the tracker
// lock, so it can be used while a flush is in progress, for instance
// from a page fault hit during one.
func (t *Tracker) Sync(ctx context.Context) error {
	_, err := t.await(ctx, t.flushed.Load(), t.policy)
	return err
}

// await runs the wait state machine until the tag reaches target or the
// wait times out.
func (t *Tracker) await(ctx context.Context, target uint32, policy WaitPolicy) (WaitResult, error) {
	policy = policy.withDefaults()
	if policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.Timeout)
		defer cancel()
	}

	var (
		result  = WaitResult{Target: target}
		state   = WaitPending
		notify  = time.NewTimer(policy.NotifyTimeout)
		limiter = rate.NewLimiter(rate.Every(policy.PollInterval), 1)
		err     error
	)
	defer notify.Stop()

	for state != WaitCompleted && state != WaitTimedOut {
		completion := t.engine.Completion()

		result.Observed = t.observe()
		if result.Observed >= target {
			state = WaitCompleted
			break
		}

		switch state {
		case WaitPending:
			select {
			case <-completion:
			case <-notify.C:
				log.Debug("context %d: no completion of task %d in %s, polling",
					t.id, target, policy.NotifyTimeout)
				state = WaitPolling
			case <-ctx.Done():
				state = WaitTimedOut
			}
		case WaitPolling:
			if limiter.Wait(ctx) != nil {
				state = WaitTimedOut
			} else {
				result.Polls++
			}
		}
	}

	result.State = state

	if state == WaitTimedOut {
		cause := context.Cause(ctx)
		if cause == nil {
			cause = context.DeadlineExceeded
		}
		err = fmt.Errorf("%w: context %d, task %d (completed %d): %w",
			ErrTimeout, t.id, target, result.Observed, cause)
		log.Warn("%v", err)
	}

	waitsTotal.WithLabelValues(state.String()).Inc()

	return result, err
}

// observe reads the completion tag from device memory.
func (t *Tracker) observe() uint32 {
	t.tagLock.Lock()
	defer t.tagLock.Unlock()

	t.backend.Download(t.tag)
	if count := binary.LittleEndian.Uint32(t.tag.Storage()); count > t.completed {
		t.completed = count
	}

	return t.completed
}
