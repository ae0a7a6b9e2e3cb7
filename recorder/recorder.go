/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package recorder is the top-level stream recorder (C13): it discovers
channels, spawns one orchestrator (C12) per channel under an errgroup,
aggregates per-channel status, and tracks recorder session boundaries
across restarts.
*/
package recorder

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mijahauan/hf-timestd/orchestrator"
)

// channelEntry bundles a registered channel's orchestrator and session
// tracker under one name.
type channelEntry struct {
	name    string
	orch    *orchestrator.Orchestrator
	tracker *SessionTracker
}

// Recorder owns the whole set of per-channel orchestrators for one process.
type Recorder struct {
	mu       sync.Mutex
	channels []channelEntry
	started  bool
}

// New constructs an empty Recorder.
func New() *Recorder {
	return &Recorder{}
}

// Register adds a channel's orchestrator (and optional session tracker) to
// the recorder. Must be called before Start.
func (r *Recorder) Register(name string, orch *orchestrator.Orchestrator, tracker *SessionTracker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("recorder: cannot register %q after Start", name)
	}
	for _, c := range r.channels {
		if c.name == name {
			return fmt.Errorf("recorder: channel %q already registered", name)
		}
	}
	r.channels = append(r.channels, channelEntry{name: name, orch: orch, tracker: tracker})
	return nil
}

// Start checks every registered channel's session tracker for an offline
// gap, then starts all orchestrators concurrently under an errgroup. Their
// loops are bound to a child context of ctx that outlives Start; the first
// hard startup error from any channel is returned and cancels that child
// context, which stops the channels that did start.
func (r *Recorder) Start(ctx context.Context) (err error) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("recorder: already started")
	}
	r.started = true
	channels := append([]channelEntry(nil), r.channels...)
	r.mu.Unlock()

	now := float64(time.Now().Unix())
	for _, c := range channels {
		if c.tracker == nil {
			continue
		}
		rec, err := c.tracker.CheckForOfflineGap(now)
		if err != nil {
			log.Warnf("recorder[%s]: session gap check failed: %v", c.name, err)
			continue
		}
		if rec != nil {
			log.Warnf("recorder[%s]: recorder was offline for %.2f hours", c.name, rec.GapDurationHours)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer func() {
		if err != nil {
			cancel()
		}
	}()
	var eg errgroup.Group
	for _, c := range channels {
		c := c
		eg.Go(func() error {
			if err := c.orch.Start(runCtx); err != nil {
				return fmt.Errorf("channel %q: %w", c.name, err)
			}
			return nil
		})
	}
	return eg.Wait()
}

// ChannelStatus is one channel's aggregated state for status reporting.
type ChannelStatus struct {
	Channel string
	State   orchestrator.State
	Stats   orchestrator.Stats
}

// Status returns a point-in-time snapshot of every registered channel.
func (r *Recorder) Status() []ChannelStatus {
	r.mu.Lock()
	channels := append([]channelEntry(nil), r.channels...)
	r.mu.Unlock()

	out := make([]ChannelStatus, 0, len(channels))
	for _, c := range channels {
		out = append(out, ChannelStatus{
			Channel: c.name,
			State:   c.orch.State(),
			Stats:   c.orch.Stats(),
		})
	}
	return out
}

// Shutdown stops every channel's orchestrator within timeout, collecting
// and returning any per-channel errors.
func (r *Recorder) Shutdown(timeout time.Duration) []error {
	r.mu.Lock()
	channels := append([]channelEntry(nil), r.channels...)
	r.mu.Unlock()

	var mu sync.Mutex
	var errs []error
	var wg sync.WaitGroup
	for _, c := range channels {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.orch.Shutdown(timeout); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("channel %q: %w", c.name, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errs
}
