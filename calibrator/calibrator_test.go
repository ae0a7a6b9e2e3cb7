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

package calibrator

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func detection(station string, minute int, delay float64) Detection {
	return Detection{
		Channel:          "WWV_10_MHz",
		Station:          station,
		FrequencyHz:      10e6,
		Minute:           minute,
		DelayMs:          delay,
		SNRdB:            25,
		Confidence:       0.9,
		RTPTimestamp:     uint32(minute * 1200000),
		SamplesPerMinute: 1200000,
		SampleRate:       20000,
		MinuteUnix:       int64(minute * 60),
	}
}

func TestOpenInitializesBootstrapWhenNoFile(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "timing_calibration.json"))
	require.NoError(t, err)
	require.Equal(t, PhaseBootstrap, c.Phase())
}

func TestBootstrapToCalibratedTransition(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "timing_calibration.json"))
	require.NoError(t, err)

	for i := 0; i < BootstrapMinDetections; i++ {
		station := "WWV"
		if i%2 == 1 {
			station = "WWVH"
		}
		require.NoError(t, c.Update(detection(station, 1, 5.0)))
	}
	require.Equal(t, PhaseCalibrated, c.Phase())
}

func TestCalibratedToVerifiedOnGroundTruthMinutes(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "timing_calibration.json"))
	require.NoError(t, err)

	for i := 0; i < BootstrapMinDetections; i++ {
		station := "WWV"
		if i%2 == 1 {
			station = "WWVH"
		}
		require.NoError(t, c.Update(detection(station, 20, 5.0)))
	}
	require.Equal(t, PhaseCalibrated, c.Phase())

	for i := 0; i < VerifiedMinGroundTruth; i++ {
		require.NoError(t, c.Update(detection("WWV", 1, 5.0)))
	}
	require.Equal(t, PhaseVerified, c.Phase())
}

func TestPersistAndReopenRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timing_calibration.json")
	c, err := Open(path)
	require.NoError(t, err)
	for i := 0; i < BootstrapMinDetections; i++ {
		station := "WWV"
		if i%2 == 1 {
			station = "WWVH"
		}
		require.NoError(t, c.Update(detection(station, 1, 5.0)))
	}
	require.NoError(t, c.Persist())

	c2, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, PhaseCalibrated, c2.Phase())
}

func TestGetSearchWindowNarrowsAfterCalibration(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "timing_calibration.json"))
	require.NoError(t, err)

	half, _ := c.GetSearchWindowMs("WWV", 10e6)
	require.Equal(t, 500.0, half)

	for i := 0; i < BootstrapMinDetections; i++ {
		station := "WWV"
		if i%2 == 1 {
			station = "WWVH"
		}
		require.NoError(t, c.Update(detection(station, 1, 5.0)))
	}
	half2, _ := c.GetSearchWindowMs("WWV", 10e6)
	require.LessOrEqual(t, half2, 50.0)
}

func TestInvalidateResetsToBootstrap(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "timing_calibration.json"))
	require.NoError(t, err)
	for i := 0; i < BootstrapMinDetections; i++ {
		station := "WWV"
		if i%2 == 1 {
			station = "WWVH"
		}
		require.NoError(t, c.Update(detection(station, 1, 5.0)))
	}
	require.Equal(t, PhaseCalibrated, c.Phase())
	c.Invalidate()
	require.Equal(t, PhaseBootstrap, c.Phase())
}
