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
Package transmission back-calculates the UTC(NIST) emission time of a
time-signal tone from its measured arrival time and the propagation delay
solved by the propagation package, and forms a multi-channel consensus
estimate per station.
*/
package transmission

import (
	"math"
	"time"
)

// secondAlignmentToleranceMs is the tolerance for second-aligned emission.
const secondAlignmentToleranceMs = 2.0

// modeConfidenceVerifiedThreshold is the minimum propagation-mode confidence
// for a second-aligned emission to count as utc_verified.
const modeConfidenceVerifiedThreshold = 0.7

// dualStationToleranceMs is the agreement tolerance between WWV and WWVH
// consensus emission times for dual-station verification.
const dualStationToleranceMs = 2.0

// Solution is one channel's back-calculated emission time and its
// verification flags.
type Solution struct {
	EmissionTimeUTC time.Time
	SecondAligned   bool
	UTCVerified     bool
}

// BackCalculateEmissionTime computes emission = arrival - delay/1000.
func BackCalculateEmissionTime(arrivalUTC time.Time, propagationDelayMs float64) time.Time {
	return arrivalUTC.Add(-time.Duration(propagationDelayMs * float64(time.Millisecond)))
}

// Solve derives the Solution for one channel's arrival measurement.
func Solve(arrivalUTC time.Time, propagationDelayMs, modeConfidence float64) Solution {
	emission := BackCalculateEmissionTime(arrivalUTC, propagationDelayMs)
	aligned := isSecondAligned(emission)
	verified := aligned && modeConfidence > modeConfidenceVerifiedThreshold
	return Solution{EmissionTimeUTC: emission, SecondAligned: aligned, UTCVerified: verified}
}

func isSecondAligned(t time.Time) bool {
	nanos := t.Nanosecond()
	msFrac := float64(nanos) / 1e6
	if msFrac > 500 {
		msFrac = 1000 - msFrac
	}
	return msFrac <= secondAlignmentToleranceMs
}

// ChannelEstimate is one channel's contribution to a multi-channel
// consensus: its emission-time solution plus the weighting inputs.
type ChannelEstimate struct {
	Station        string
	EmissionTimeUTC time.Time
	SNRdB          float64
	ModeConfidence float64
}

// Consensus is the weighted-mean emission time across channels for one
// station, plus its spread-derived accuracy.
type Consensus struct {
	Station         string
	MeanEmissionUTC time.Time
	AccuracyMs      float64
	N               int
}

// WeightedConsensus computes the weighted mean (weight = snr_db *
// mode_confidence) and std of the emission times for one station's
// channels.
func WeightedConsensus(estimates []ChannelEstimate) (Consensus, bool) {
	if len(estimates) == 0 {
		return Consensus{}, false
	}
	station := estimates[0].Station
	ref := estimates[0].EmissionTimeUTC

	var sumW, sumWx float64
	offsets := make([]float64, len(estimates))
	weights := make([]float64, len(estimates))
	for i, e := range estimates {
		w := e.SNRdB * e.ModeConfidence
		if w < 0 {
			w = 0
		}
		offsetMs := e.EmissionTimeUTC.Sub(ref).Seconds() * 1000
		offsets[i] = offsetMs
		weights[i] = w
		sumW += w
		sumWx += w * offsetMs
	}
	if sumW == 0 {
		return Consensus{}, false
	}
	meanOffsetMs := sumWx / sumW

	var sumWSq float64
	for i := range estimates {
		d := offsets[i] - meanOffsetMs
		sumWSq += weights[i] * d * d
	}
	variance := sumWSq / sumW
	accuracyMs := math.Sqrt(math.Max(variance, 0))

	meanTime := ref.Add(time.Duration(meanOffsetMs * float64(time.Millisecond)))
	return Consensus{
		Station:         station,
		MeanEmissionUTC: meanTime,
		AccuracyMs:      accuracyMs,
		N:               len(estimates),
	}, true
}

// DualStationVerified reports whether the WWV and WWVH consensus emission
// times agree within dualStationToleranceMs.
func DualStationVerified(wwv, wwvh Consensus) bool {
	diffMs := math.Abs(wwv.MeanEmissionUTC.Sub(wwvh.MeanEmissionUTC).Seconds() * 1000)
	return diffMs <= dualStationToleranceMs
}
