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

package discriminator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mijahauan/hf-timestd/tone"
)

func TestComputeM1DifferentialDelay(t *testing.T) {
	dets := []tone.Detection{
		{Station: tone.StationWWV, PeakMag: 2.0, TimingErrorMs: 10},
		{Station: tone.StationWWVH, PeakMag: 1.0, TimingErrorMs: 5},
	}
	m1 := ComputeM1(dets)
	require.True(t, m1.HaveBoth)
	require.InDelta(t, 5, m1.DifferentialDelayMs, 1e-9)
	require.Greater(t, m1.PowerRatioDB, 0.0)
}

func TestComputeM5DetectsAndAssertsStationOnSpecialMinutes(t *testing.T) {
	res := ComputeM5(0.3, 0.1, 8)
	require.True(t, res.Detected)
	require.Equal(t, tone.StationWWV, res.Station)

	res44 := ComputeM5(0.3, 0.1, 44)
	require.Equal(t, tone.StationWWVH, res44.Station)

	resOther := ComputeM5(0.3, 0.1, 20)
	require.True(t, resOther.Detected)
	require.Equal(t, tone.StationUnknown, resOther.Station)

	resLow := ComputeM5(0.05, 0.05, 8)
	require.False(t, resLow.Detected)
}

func TestMaxCoherentWindowClampedToRange(t *testing.T) {
	require.Equal(t, 60.0, MaxCoherentWindowSeconds(0))
	require.InDelta(t, 10, MaxCoherentWindowSeconds(2.0), 1e-9) // 1/(8*2)=0.0625 -> clamp to 10
	require.InDelta(t, 12.5, MaxCoherentWindowSeconds(0.01), 1e-9)
}

func TestWeightsForMinuteCases(t *testing.T) {
	require.Equal(t, weights{w440: 10, wBCD: 2, wCarrier: 1, wTick: 5, wTest: 0}, weightsForMinute(1))
	require.Equal(t, weights{w440: 0, wBCD: 10, wCarrier: 2, wTick: 5, wTest: 0}, weightsForMinute(8))
	require.Equal(t, weights{w440: 0, wBCD: 2, wCarrier: 10, wTick: 5, wTest: 0}, weightsForMinute(20))
}

func TestCombineTestSignalOverridesVote(t *testing.T) {
	m5 := M5Result{Detected: true, Station: tone.StationWWVH, CombinedScore: 0.9}
	res := Combine(44, M1Result{}, M2Result{}, M3Result{}, M4Result{}, m5)
	require.Equal(t, tone.StationWWVH, res.DominantStation)
	require.Equal(t, ConfidenceHigh, res.Confidence)
}

func TestCombineCarrierRatioDrivesVoteOutsideSpecialMinutes(t *testing.T) {
	m1 := M1Result{HaveBoth: true, PowerRatioDB: 4}
	res := Combine(20, m1, M2Result{}, M3Result{}, M4Result{}, M5Result{})
	require.Equal(t, tone.StationWWV, res.DominantStation)
}

func TestCombineLowWhenNoMethodVotes(t *testing.T) {
	res := Combine(20, M1Result{}, M2Result{}, M3Result{}, M4Result{}, M5Result{})
	require.Equal(t, ConfidenceLow, res.Confidence)
}

func TestFindPeaksOrdersByHeight(t *testing.T) {
	x := make([]float64, 20)
	x[4] = 5
	x[12] = 9
	peaks := findPeaks(x, 2)
	require.Equal(t, []int{12, 4}, peaks)
}
