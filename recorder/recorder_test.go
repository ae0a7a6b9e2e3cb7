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

package recorder

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mijahauan/hf-timestd/archive"
	"github.com/mijahauan/hf-timestd/calibrator"
	"github.com/mijahauan/hf-timestd/clockoffset"
	"github.com/mijahauan/hf-timestd/diskqueue"
	"github.com/mijahauan/hf-timestd/gpsdomonitor"
	"github.com/mijahauan/hf-timestd/orchestrator"
	"github.com/mijahauan/hf-timestd/phase2"
	"github.com/mijahauan/hf-timestd/propagation"
)

func newTestChannel(t *testing.T, dir, channel string, sampleRate uint32) (*orchestrator.Orchestrator, *SessionTracker) {
	t.Helper()
	q := diskqueue.NewWriter(64, 1)
	aw := archive.NewWriter(archive.Config{
		Root:        dir,
		ChannelDir:  archive.NormalizeChannelDir(channel),
		FrequencyHz: 10e6,
		SampleRate:  sampleRate,
	}, q)
	cal, err := calibrator.Open(filepath.Join(dir, channel+"_calibration.json"))
	require.NoError(t, err)
	mon := gpsdomonitor.NewMonitor()
	solver, err := propagation.NewSolver(20, 0.7, 0.2, 0.1)
	require.NoError(t, err)
	engine := phase2.NewEngine(phase2.Config{Channel: channel, FrequencyMHz: 10, SampleRate: sampleRate}, solver, cal, mon)
	series, err := clockoffset.NewSeries(filepath.Join(dir, channel+"_clock_offset.csv"))
	require.NoError(t, err)
	orch := orchestrator.New(orchestrator.Config{Channel: channel, SampleRate: sampleRate}, aw, engine, mon, series)
	tracker := NewSessionTracker(dir, channel, sampleRate)
	return orch, tracker
}

func TestRegisterRejectsDuplicateChannel(t *testing.T) {
	r := New()
	dir := t.TempDir()
	orch, tracker := newTestChannel(t, dir, "WWV 10 MHz", 20000)
	require.NoError(t, r.Register("WWV_10_MHz", orch, tracker))
	require.Error(t, r.Register("WWV_10_MHz", orch, tracker))
}

func TestStartSpawnsAllChannels(t *testing.T) {
	r := New()
	dir := t.TempDir()
	orchA, trackerA := newTestChannel(t, dir, "WWV 10 MHz", 20000)
	orchB, trackerB := newTestChannel(t, dir, "WWV 5 MHz", 20000)
	require.NoError(t, r.Register("WWV_10_MHz", orchA, trackerA))
	require.NoError(t, r.Register("WWV_5_MHz", orchB, trackerB))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))

	statuses := r.Status()
	require.Len(t, statuses, 2)
	for _, s := range statuses {
		require.Equal(t, orchestrator.StateRunning, s.State)
	}
}

func TestRegisterAfterStartFails(t *testing.T) {
	r := New()
	dir := t.TempDir()
	orch, tracker := newTestChannel(t, dir, "WWV 10 MHz", 20000)
	require.NoError(t, r.Register("WWV_10_MHz", orch, tracker))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))

	orch2, tracker2 := newTestChannel(t, dir, "WWV 5 MHz", 20000)
	require.Error(t, r.Register("WWV_5_MHz", orch2, tracker2))
}

func TestShutdownStopsAllChannels(t *testing.T) {
	r := New()
	dir := t.TempDir()
	orch, tracker := newTestChannel(t, dir, "WWV 10 MHz", 20000)
	require.NoError(t, r.Register("WWV_10_MHz", orch, tracker))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))

	errs := r.Shutdown(2 * time.Second)
	require.Empty(t, errs)
	require.Equal(t, orchestrator.StateIdle, orch.State())
}

func TestSessionTrackerNoPriorSessionReturnsNil(t *testing.T) {
	dir := t.TempDir()
	tr := NewSessionTracker(dir, "WWV 10 MHz", 20000)
	rec, err := tr.CheckForOfflineGap(float64(time.Now().Unix()))
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestSessionTrackerHistoryEmptyWhenNoLog(t *testing.T) {
	dir := t.TempDir()
	tr := NewSessionTracker(dir, "WWV 10 MHz", 20000)
	hist, err := tr.GetSessionHistory(7)
	require.NoError(t, err)
	require.Empty(t, hist)
}
