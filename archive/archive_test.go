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

package archive

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mijahauan/hf-timestd/diskqueue"
)

func TestNormalizeChannelDir(t *testing.T) {
	require.Equal(t, "WWV_10_MHz", NormalizeChannelDir("WWV 10 MHz"))
}

func TestWriteSamplesAnchorsOnceAndSealsOnBoundary(t *testing.T) {
	dir := t.TempDir()
	q := diskqueue.NewWriter(8, 1)
	defer q.Shutdown()

	cfg := Config{Root: dir, ChannelDir: "WWV_10_MHz", SampleRate: 4, FrequencyHz: 10e6}
	w := NewWriter(cfg, q)

	// anchor at unix time 0 for rtp=0 (4 samples/sec), minute boundary 0..60s
	// write exactly SamplesPerMinute samples so the minute seals immediately.
	samples := make([]complex64, SamplesPerMinute)
	for i := range samples {
		samples[i] = complex(float32(i), 0)
	}
	n, err := w.WriteSamples(samples, 0, 0, 0)
	require.NoError(t, err)
	require.Equal(t, SamplesPerMinute, n)

	require.Eventually(t, func() bool {
		return q.Stats().Written == 1
	}, time.Second, time.Millisecond)

	binPath := filepath.Join(dir, "raw_buffer", "WWV_10_MHz", "19700101", "0.bin")
	mm, err := OpenMinute(binPath)
	require.NoError(t, err)
	defer mm.Close()
	require.Len(t, mm.Samples, SamplesPerMinute)
	require.Equal(t, complex64(complex(0, 0)), mm.Samples[0])
	require.Equal(t, complex64(complex(1, 0)), mm.Samples[1])

	metaPath := filepath.Join(dir, "raw_buffer", "WWV_10_MHz", "19700101", "0.json")
	meta, err := ReadMetadata(metaPath)
	require.NoError(t, err)
	require.Equal(t, SamplesPerMinute, meta.SamplesWritten)
	require.InDelta(t, 100.0, meta.CompletenessPct, 0.0001)
}

func TestWriteSamplesSplitsAcrossMinuteBoundary(t *testing.T) {
	dir := t.TempDir()
	q := diskqueue.NewWriter(8, 1)
	defer q.Shutdown()

	cfg := Config{Root: dir, ChannelDir: "CHU_3330_kHz", SampleRate: 20000, FrequencyHz: 3.33e6}
	w := NewWriter(cfg, q)

	// SamplesPerMinute + 5: the first minute seals exactly full, the
	// remaining 5 samples open (but don't seal) the next minute.
	samples := make([]complex64, SamplesPerMinute+5)
	n, err := w.WriteSamples(samples, 0, 0, 0)
	require.NoError(t, err)
	require.Equal(t, SamplesPerMinute+5, n)
	require.NoError(t, w.Flush())

	require.Eventually(t, func() bool {
		return q.Stats().Written == 2
	}, time.Second, time.Millisecond)

	m0, err := ReadMetadata(filepath.Join(dir, "raw_buffer", "CHU_3330_kHz", "19700101", "0.json"))
	require.NoError(t, err)
	require.Equal(t, SamplesPerMinute, m0.SamplesWritten)

	m1, err := ReadMetadata(filepath.Join(dir, "raw_buffer", "CHU_3330_kHz", "19700101", "60.json"))
	require.NoError(t, err)
	require.Equal(t, 5, m1.SamplesWritten)
}

func TestGapAccounting(t *testing.T) {
	dir := t.TempDir()
	q := diskqueue.NewWriter(8, 1)
	defer q.Shutdown()

	cfg := Config{Root: dir, ChannelDir: "WWVH_15_MHz", SampleRate: 1}
	w := NewWriter(cfg, q)
	_, err := w.WriteSamples(make([]complex64, 10), 0, 0, 4)
	require.NoError(t, err)
	require.Equal(t, 1, w.current.gapCount)
	require.Equal(t, uint64(4), w.current.gapSamples)
}

func TestGapZeroFillsInPlaceWithoutShiftingLaterSamples(t *testing.T) {
	dir := t.TempDir()
	q := diskqueue.NewWriter(8, 1)
	defer q.Shutdown()

	cfg := Config{Root: dir, ChannelDir: "WWV_10_MHz", SampleRate: 4, FrequencyHz: 10e6}
	w := NewWriter(cfg, q)

	const frontN = 10
	const gapN = 5
	restN := SamplesPerMinute - frontN - gapN

	front := make([]complex64, frontN)
	for i := range front {
		front[i] = complex(float32(i+1), 0)
	}
	n, err := w.WriteSamples(front, 0, 0, 0)
	require.NoError(t, err)
	require.Equal(t, frontN, n)

	// A lost packet: nil samples, reported as a gap starting where the
	// front batch left off.
	n, err = w.WriteSamples(nil, frontN, 0, gapN)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	rest := make([]complex64, restN)
	for i := range rest {
		rest[i] = complex(float32(1000+i), 0)
	}
	n, err = w.WriteSamples(rest, frontN+gapN, 0, 0)
	require.NoError(t, err)
	require.Equal(t, restN, n)

	require.Eventually(t, func() bool {
		return q.Stats().Written == 1
	}, time.Second, time.Millisecond)

	binPath := filepath.Join(dir, "raw_buffer", "WWV_10_MHz", "19700101", "0.bin")
	mm, err := OpenMinute(binPath)
	require.NoError(t, err)
	defer mm.Close()

	for i := 0; i < frontN; i++ {
		require.Equal(t, complex64(complex(float32(i+1), 0)), mm.Samples[i], "front sample %d", i)
	}
	for i := frontN; i < frontN+gapN; i++ {
		require.Equal(t, complex64(complex(0, 0)), mm.Samples[i], "gap-filled sample %d", i)
	}
	// The critical regression check: real samples after the gap must land
	// at their true RTP-derived position, not shifted earlier by gapN.
	require.Equal(t, complex64(complex(1000, 0)), mm.Samples[frontN+gapN])

	metaPath := filepath.Join(dir, "raw_buffer", "WWV_10_MHz", "19700101", "0.json")
	meta, err := ReadMetadata(metaPath)
	require.NoError(t, err)
	require.Equal(t, frontN+restN, meta.SamplesWritten)
	require.Equal(t, uint64(gapN), meta.GapSamples)
	require.Equal(t, 1, meta.GapCount)
	require.InDelta(t, 100.0*float64(SamplesPerMinute-gapN)/float64(SamplesPerMinute), meta.CompletenessPct, 0.0001)
}
