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

import "math"

// amEnvelope computes |iq| for every sample, mirroring C4's own AM
// demodulation so C5's remaining four methods see the same signal C4 does.
func amEnvelope(samples []complex64) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		re, im := float64(real(s)), float64(imag(s))
		out[i] = math.Sqrt(re*re + im*im)
	}
	return out
}

// mainsHumHz and mainsHumBandwidthHz bound the notch applied ahead of M2's
// tick stacking and M3's 440Hz search, clearing AC mains hum picked up by
// the envelope detector without touching either station's tone frequencies.
const (
	mainsHumHz          = 60.0
	mainsHumBandwidthHz = 5.0
)

// notchFilter applies a second-order IIR notch (Audio EQ Cookbook biquad,
// Q = freqHz/bandwidthHz) centered on freqHz.
func notchFilter(x []float64, freqHz, sampleRate, bandwidthHz float64) []float64 {
	if len(x) == 0 {
		return x
	}
	w0 := 2 * math.Pi * freqHz / sampleRate
	q := freqHz / bandwidthHz
	alpha := math.Sin(w0) / (2 * q)
	cosW0 := math.Cos(w0)

	a0 := 1 + alpha
	b0, b1, b2 := 1/a0, -2*cosW0/a0, 1/a0
	a1, a2 := -2*cosW0/a0, (1-alpha)/a0

	out := make([]float64, len(x))
	var x1, x2, y1, y2 float64
	for i, v := range x {
		y := b0*v + b1*x1 + b2*x2 - a1*y1 - a2*y2
		x2, x1 = x1, v
		y2, y1 = y1, y
		out[i] = y
	}
	return out
}

// tickWindows slices the cleaned envelope into one window per second, +-50ms
// around each expected on-the-second tick, for M2's coherent/incoherent tick
// stacking. The minute's first sample is assumed aligned to :00.
func tickWindows(envelope []float64, sampleRate float64) [][]float64 {
	if len(envelope) == 0 || sampleRate <= 0 {
		return nil
	}
	halfWidth := int(0.05 * sampleRate)
	if halfWidth < 1 {
		halfWidth = 1
	}
	secondSamples := int(sampleRate)
	var ticks [][]float64
	for center := 0; center < len(envelope); center += secondSamples {
		lo := center - halfWidth
		hi := center + halfWidth
		if lo < 0 {
			lo = 0
		}
		if hi > len(envelope) {
			hi = len(envelope)
		}
		if hi <= lo {
			continue
		}
		window := make([]float64, hi-lo)
		copy(window, envelope[lo:hi])
		ticks = append(ticks, window)
	}
	return ticks
}

// bcdCarrierHz is the BCD time-code sub-carrier frequency riding on the AM
// envelope.
const bcdCarrierHz = 100.0

// bcdSignal recovers the BCD sub-carrier baseband by bandpassing the
// envelope around bcdCarrierHz (cascaded single-pole high/low pass),
// rectifying, then lowpassing to the pulse-rate band.
func bcdSignal(envelope []float64, sampleRate float64) []float64 {
	if len(envelope) == 0 || sampleRate <= 0 {
		return nil
	}
	band := lowpass(highpass(envelope, sampleRate, bcdCarrierHz-15), sampleRate, bcdCarrierHz+15)
	rectified := make([]float64, len(band))
	for i, v := range band {
		rectified[i] = math.Abs(v)
	}
	return lowpass(rectified, sampleRate, 10)
}

// bcdTemplate synthesizes the expected BCD pulse train for minuteOfHour: one
// width-coded pulse per second for 60 seconds, following the WWV timecode
// convention (0.8s marker, 0.5s binary one, 0.2s binary zero), with the
// minute value's low six bits carried on seconds 1 through 6.
func bcdTemplate(minuteOfHour int, sampleRate float64) []float64 {
	if sampleRate <= 0 {
		return nil
	}
	secondSamples := int(sampleRate)
	out := make([]float64, 60*secondSamples)
	for sec := 0; sec < 60; sec++ {
		widthS := 0.2
		switch {
		case sec == 0 || sec == 59:
			widthS = 0.8
		case sec >= 1 && sec <= 6:
			bit := (minuteOfHour >> uint(sec-1)) & 1
			if bit == 1 {
				widthS = 0.5
			}
		}
		width := int(widthS * sampleRate)
		base := sec * secondSamples
		for i := 0; i < width && base+i < len(out); i++ {
			out[base+i] = 1
		}
	}
	return out
}

// multitoneFrequenciesHz are the scientific multitone test-signal
// frequencies, chosen clear of both stations' fundamental tones and BCD
// sub-carrier.
var multitoneFrequenciesHz = []float64{500, 750, 1500, 1750}

// multitoneScore estimates the fraction of the envelope's power carried by
// the multitone test-signal frequencies via per-frequency Goertzel power.
func multitoneScore(envelope []float64, sampleRate float64) float64 {
	if len(envelope) == 0 || sampleRate <= 0 {
		return 0
	}
	var tonePower float64
	for _, f := range multitoneFrequenciesHz {
		tonePower += goertzelPower(envelope, f, sampleRate)
	}
	total := signalPower(envelope)
	if total <= 0 {
		return 0
	}
	score := tonePower / total
	if score > 1 {
		score = 1
	}
	return score
}

// chirpLowHz and chirpHighHz bound the scientific chirp test signal's sweep.
const (
	chirpLowHz  = 300.0
	chirpHighHz = 1200.0
)

// chirpScore normalized-cross-correlates the mean-removed envelope against a
// synthesized linear chirp covering the full minute.
func chirpScore(envelope []float64, sampleRate float64) float64 {
	n := len(envelope)
	if n == 0 || sampleRate <= 0 {
		return 0
	}
	mean := meanOf(envelope)
	ref := linearChirp(n, sampleRate, chirpLowHz, chirpHighHz)

	var dot, refEnergy, envEnergy float64
	for i, v := range envelope {
		centered := v - mean
		dot += centered * ref[i]
		refEnergy += ref[i] * ref[i]
		envEnergy += centered * centered
	}
	denom := math.Sqrt(refEnergy * envEnergy)
	if denom <= 0 {
		return 0
	}
	score := dot / denom
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

func linearChirp(n int, sampleRate, f0, f1 float64) []float64 {
	out := make([]float64, n)
	duration := float64(n) / sampleRate
	for i := range out {
		t := float64(i) / sampleRate
		instFreq := f0 + (f1-f0)*t/duration
		out[i] = math.Sin(2 * math.Pi * instFreq * t)
	}
	return out
}

// goertzelPower estimates the power at freqHz via a single-bin DFT,
// normalized by window length squared so it's comparable across windows.
func goertzelPower(x []float64, freqHz, sampleRate float64) float64 {
	var sinSum, cosSum float64
	for i, v := range x {
		t := float64(i) / sampleRate
		sinSum += v * math.Sin(2*math.Pi*freqHz*t)
		cosSum += v * math.Cos(2*math.Pi*freqHz*t)
	}
	n := float64(len(x))
	if n == 0 {
		return 0
	}
	return (sinSum*sinSum + cosSum*cosSum) / (n * n)
}

func signalPower(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return sum / float64(len(x))
}

func meanOf(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += v
	}
	return sum / float64(len(x))
}

// lowpass and highpass are single-pole RC filters used to build the BCD
// bandpass without pulling in a filter-design library for a single narrow
// band.
func lowpass(x []float64, sampleRate, cutoffHz float64) []float64 {
	if len(x) == 0 {
		return x
	}
	rc := 1 / (2 * math.Pi * cutoffHz)
	dt := 1 / sampleRate
	alpha := dt / (rc + dt)
	out := make([]float64, len(x))
	out[0] = x[0]
	for i := 1; i < len(x); i++ {
		out[i] = out[i-1] + alpha*(x[i]-out[i-1])
	}
	return out
}

func highpass(x []float64, sampleRate, cutoffHz float64) []float64 {
	if len(x) == 0 {
		return x
	}
	rc := 1 / (2 * math.Pi * cutoffHz)
	dt := 1 / sampleRate
	alpha := rc / (rc + dt)
	out := make([]float64, len(x))
	out[0] = 0
	for i := 1; i < len(x); i++ {
		out[i] = alpha * (out[i-1] + x[i] - x[i-1])
	}
	return out
}
