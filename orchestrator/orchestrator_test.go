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

package orchestrator

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
	"github.com/mijahauan/hf-timestd/phase2"
	"github.com/mijahauan/hf-timestd/propagation"
)

func newTestOrchestrator(t *testing.T, sampleRate uint32) *Orchestrator {
	t.Helper()
	dir := t.TempDir()

	q := diskqueue.NewWriter(64, 1)
	aw := archive.NewWriter(archive.Config{
		Root:        dir,
		ChannelDir:  "WWV_10_MHz",
		FrequencyHz: 10e6,
		SampleRate:  sampleRate,
	}, q)

	cal, err := calibrator.Open(filepath.Join(dir, "timing_calibration.json"))
	require.NoError(t, err)
	mon := gpsdomonitor.NewMonitor()
	solver, err := propagation.NewSolver(20, 0.7, 0.2, 0.1)
	require.NoError(t, err)
	engine := phase2.NewEngine(phase2.Config{
		Channel:      "WWV_10_MHz",
		FrequencyMHz: 10,
		SampleRate:   sampleRate,
	}, solver, cal, mon)

	series, err := clockoffset.NewSeries(filepath.Join(dir, "clock_offset.csv"))
	require.NoError(t, err)

	return New(Config{Channel: "WWV_10_MHz", SampleRate: sampleRate}, aw, engine, mon, series)
}

func TestStartTransitionsToRunning(t *testing.T) {
	o := newTestOrchestrator(t, 20000)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, o.Start(ctx))
	require.Equal(t, StateRunning, o.State())
}

func TestStartTwiceFails(t *testing.T) {
	o := newTestOrchestrator(t, 20000)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, o.Start(ctx))
	require.Error(t, o.Start(ctx))
}

func TestProcessSamplesAccumulatesAndAnalyzesFullMinute(t *testing.T) {
	const rate = 4000
	o := newTestOrchestrator(t, rate)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, o.Start(ctx))

	samples := make([]complex64, archive.SamplesPerMinute+100)
	for i := range samples {
		samples[i] = complex(0.01, 0)
	}
	require.NoError(t, o.ProcessSamples(SampleBatch{
		RTPTimestamp:    0,
		Samples:         samples,
		ArrivalWallTime: 0,
	}))

	require.Eventually(t, func() bool {
		return o.Stats().MinutesAnalyzed >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestShutdownFlushesArchiveAndStopsLoop(t *testing.T) {
	o := newTestOrchestrator(t, 20000)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, o.Start(ctx))

	require.NoError(t, o.ProcessSamples(SampleBatch{
		RTPTimestamp:    0,
		Samples:         make([]complex64, 1000),
		ArrivalWallTime: 0,
	}))

	require.NoError(t, o.Shutdown(2*time.Second))
	require.Equal(t, StateIdle, o.State())
}

func TestAccumulateGapZeroFillsInPlaceWithoutShiftingLaterSamples(t *testing.T) {
	const rate = 4
	o := newTestOrchestrator(t, rate)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, o.Start(ctx))

	const frontN = 10
	const gapN = 5

	front := make([]complex64, frontN)
	for i := range front {
		front[i] = complex(float32(i+1), 0)
	}
	require.NoError(t, o.ProcessSamples(SampleBatch{
		RTPTimestamp:    0,
		Samples:         front,
		ArrivalWallTime: 0,
	}))
	require.NoError(t, o.ProcessSamples(SampleBatch{
		RTPTimestamp:     frontN,
		Samples:          nil,
		GapSamplesBefore: gapN,
		ArrivalWallTime:  0,
	}))

	o.mu.Lock()
	require.NotNil(t, o.current)
	require.Equal(t, frontN+gapN, o.current.writePos)
	require.Equal(t, uint64(gapN), o.current.gapSamples)
	require.Equal(t, 1, o.current.gapCount)
	for i := 0; i < frontN; i++ {
		require.Equal(t, complex64(complex(float32(i+1), 0)), o.current.samples[i], "front sample %d", i)
	}
	for i := frontN; i < frontN+gapN; i++ {
		require.Equal(t, complex64(complex(0, 0)), o.current.samples[i], "gap-filled sample %d", i)
	}
	o.mu.Unlock()

	rest := make([]complex64, 3)
	for i := range rest {
		rest[i] = complex(float32(1000+i), 0)
	}
	require.NoError(t, o.ProcessSamples(SampleBatch{
		RTPTimestamp:    frontN + gapN,
		Samples:         rest,
		ArrivalWallTime: 0,
	}))

	o.mu.Lock()
	defer o.mu.Unlock()
	// The critical regression check: real samples after the gap must land
	// at their true RTP-derived position, not shifted earlier by gapN.
	require.Equal(t, complex64(complex(1000, 0)), o.current.samples[frontN+gapN])
	require.Equal(t, frontN+gapN+3, o.current.writePos)
}

func TestStatsReflectBatchesProcessed(t *testing.T) {
	o := newTestOrchestrator(t, 20000)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, o.Start(ctx))

	require.NoError(t, o.ProcessSamples(SampleBatch{RTPTimestamp: 0, Samples: make([]complex64, 10), ArrivalWallTime: 0}))
	require.NoError(t, o.ProcessSamples(SampleBatch{RTPTimestamp: 10, Samples: make([]complex64, 10), ArrivalWallTime: 0.0005}))

	require.Equal(t, uint64(2), o.Stats().BatchesProcessed)
}
