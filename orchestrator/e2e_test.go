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
	"math"
	"math/rand"
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

// synthesizeWWVMinute builds one minute of complex-IQ noise carrying a
// 1000 Hz, 800 ms WWV tone centered on the minute, matching phase2's own
// synthetic-tone fixture.
func synthesizeWWVMinute(rate float64, nSamples int, seed int64) []complex64 {
	samples := make([]complex64, nSamples)
	rng := rand.New(rand.NewSource(seed))
	centerIdx := nSamples / 2
	durSamples := int(0.8 * rate)
	start := centerIdx - durSamples/2
	for i := range samples {
		samples[i] = complex(float32(rng.NormFloat64()*0.05), 0)
	}
	for i := 0; i < durSamples; i++ {
		idx := start + i
		if idx < 0 || idx >= nSamples {
			continue
		}
		tSec := float64(i) / rate
		val := float32(2.0) * float32(math.Cos(2*math.Pi*1000*tSec))
		samples[idx] = complex(real(samples[idx])+val, 0)
	}
	return samples
}

func newE2EOrchestrator(t *testing.T, dir string, sampleRate uint32) (*Orchestrator, *calibrator.Calibrator, *clockoffset.Series) {
	t.Helper()
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

	return New(Config{Channel: "WWV_10_MHz", SampleRate: sampleRate}, aw, engine, mon, series), cal, series
}

// TestColdStartNoNTPFeedsClockOffsetSeries exercises scenario 1: ten
// minutes of synthetic 20 kHz WWV IQ through the full receive -> archive
// -> analyze -> clock-offset pipeline. Exact quality grades depend on the
// matched-filter/propagation numerics, so this asserts the structural
// properties the scenario cares about rather than precise SNR-derived
// grades: every minute is analyzed, at least one clock-offset row is
// appended, and the calibrator is in one of its valid phases.
func TestColdStartNoNTPFeedsClockOffsetSeries(t *testing.T) {
	const rate = 20000
	const nMinutes = 10
	nSamples := rate * 60

	dir := t.TempDir()
	o, cal, series := newE2EOrchestrator(t, dir, rate)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, o.Start(ctx))

	for minute := 0; minute < nMinutes; minute++ {
		samples := synthesizeWWVMinute(rate, nSamples, int64(minute))
		require.NoError(t, o.ProcessSamples(SampleBatch{
			RTPTimestamp:    uint32(minute * nSamples),
			Samples:         samples,
			ArrivalWallTime: float64(minute * 60),
		}))
	}

	require.Eventually(t, func() bool {
		return o.Stats().MinutesAnalyzed >= nMinutes
	}, 5*time.Second, 10*time.Millisecond)

	require.Contains(t, []calibrator.Phase{calibrator.PhaseBootstrap, calibrator.PhaseCalibrated, calibrator.PhaseVerified}, cal.Phase())

	rows := 0
	for target := 0; target < nMinutes; target++ {
		offset, _, ok := series.GetOffsetAtTime(time.Unix(int64(target*60), 0).UTC(), false)
		if ok {
			rows++
			_ = offset
		}
	}
	require.Greater(t, rows, 0, "expected at least one clock-offset row from ten minutes of WWV tone")
}

// TestSampleLossMidStreamTriggersReanchor exercises scenario 2: a reported
// gap on one minute's batch must invalidate the anchor via the sample
// integrity watchdog, forcing REANCHOR_REQUIRED and a subsequent full
// Pass-0 search.
func TestSampleLossMidStreamTriggersReanchor(t *testing.T) {
	const rate = 20000
	nSamples := rate * 60

	dir := t.TempDir()
	o, _, _ := newE2EOrchestrator(t, dir, rate)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, o.Start(ctx))

	require.NoError(t, o.ProcessSamples(SampleBatch{
		RTPTimestamp:    0,
		Samples:         synthesizeWWVMinute(rate, nSamples, 1),
		ArrivalWallTime: 0,
	}))
	require.Eventually(t, func() bool {
		return o.Stats().MinutesAnalyzed >= 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, o.ProcessSamples(SampleBatch{
		RTPTimestamp:     uint32(nSamples),
		Samples:          synthesizeWWVMinute(rate, nSamples, 2),
		GapSamplesBefore: 40000,
		ArrivalWallTime:  60,
	}))
	require.Eventually(t, func() bool {
		return o.Stats().MinutesAnalyzed >= 2
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, gpsdomonitor.StateReanchorRequired, o.monitor.State())
}
