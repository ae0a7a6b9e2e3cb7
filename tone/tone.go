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
Package tone implements phase-invariant quadrature matched filtering for the
WWV/WWVH/CHU fundamental time-signal tones, on the AM envelope of a
complex-IQ minute buffer.
*/
package tone

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Station identifies a NIST/NRC time-signal station.
type Station int

const (
	StationUnknown Station = iota
	StationWWV
	StationWWVH
	StationCHU
)

func (s Station) String() string {
	switch s {
	case StationWWV:
		return "WWV"
	case StationWWVH:
		return "WWVH"
	case StationCHU:
		return "CHU"
	default:
		return "UNKNOWN"
	}
}

// Template describes one fundamental-tone search target.
type Template struct {
	Station      Station
	FrequencyHz  float64
	DurationS    float64
}

// DefaultTemplates returns the three fundamental-tone templates named in the
// time-signal standard: WWV 1000 Hz/0.8s, WWVH 1200 Hz/0.8s, CHU 1000 Hz/0.5s.
func DefaultTemplates() []Template {
	return []Template{
		{Station: StationWWV, FrequencyHz: 1000, DurationS: 0.8},
		{Station: StationWWVH, FrequencyHz: 1200, DurationS: 0.8},
		{Station: StationCHU, FrequencyHz: 1000, DurationS: 0.5},
	}
}

// Detection is one matched-filter result for a single template on a single
// minute buffer.
type Detection struct {
	Station         Station
	MinuteBoundary  int64
	TimingErrorMs   float64
	SNRdB           float64
	Confidence      float64
	UseForTimeSnap  bool
	PeakMag         float64
	NoiseFloor      float64
}

// Config configures a Detector.
type Config struct {
	SampleRate       float64 // native IQ sample rate, typically 20000
	ResampleRate     float64 // not used: correlation runs at SampleRate, no resampling is done
	SearchWindowMs   float64 // default 500
	TukeyAlpha       float64 // default 0.1
	GuardSamples     int     // default 100 (at SampleRate)
}

// DefaultConfig returns the spec's default tone-detector parameters.
func DefaultConfig() Config {
	return Config{
		SampleRate:     20000,
		ResampleRate:   3000,
		SearchWindowMs: 500,
		TukeyAlpha:     0.1,
		GuardSamples:   100,
	}
}

// Detector runs per-minute matched filtering and caches results to enforce
// at-most-once-per-minute processing.
type Detector struct {
	cfg       Config
	templates []Template

	cache     map[int64][]Detection
	order     []int64 // insertion order, for last-10-minutes retention

	detectionCounts map[Station]int
	timingErrorsMs  []float64
	diffDelayMs     []float64 // WWV-WWVH differential delay history
}

// NewDetector constructs a Detector with the default fundamental-tone
// templates.
func NewDetector(cfg Config) *Detector {
	return &Detector{
		cfg:             cfg,
		templates:       DefaultTemplates(),
		cache:           make(map[int64][]Detection),
		detectionCounts: make(map[Station]int),
	}
}

// SetSearchWindowMs narrows or widens the matched-filter search half-width,
// letting a caller switch between a BOOTSTRAP-wide search and a calibrated
// narrow search around a predicted offset.
func (d *Detector) SetSearchWindowMs(ms float64) {
	d.cfg.SearchWindowMs = ms
}

// Process runs matched filtering for every template against samples (one
// minute of complex-IQ, expected length archive.SamplesPerMinute), centered
// on minuteBoundary. A repeated call for a minute already processed returns
// nil without recomputation.
func (d *Detector) Process(minuteBoundary int64, samples []complex64, rtpTimestampAtStart uint32) []Detection {
	if _, ok := d.cache[minuteBoundary]; ok {
		return nil
	}

	envelope := amEnvelope(samples)
	mean := stat.Mean(envelope, nil)
	for i := range envelope {
		envelope[i] -= mean
	}

	var detections []Detection
	for _, tmpl := range d.templates {
		det, ok := d.matchTemplate(tmpl, envelope, minuteBoundary)
		if ok {
			detections = append(detections, det)
			d.detectionCounts[tmpl.Station]++
			d.timingErrorsMs = append(d.timingErrorsMs, det.TimingErrorMs)
		}
	}

	if wwv, wwvh, ok := pairedDetections(detections); ok {
		diff := wwv.TimingErrorMs - wwvh.TimingErrorMs
		d.diffDelayMs = append(d.diffDelayMs, diff)
		if len(d.diffDelayMs) > 1000 {
			d.diffDelayMs = d.diffDelayMs[len(d.diffDelayMs)-1000:]
		}
	}

	d.remember(minuteBoundary, detections)
	return detections
}

func pairedDetections(dets []Detection) (wwv, wwvh Detection, ok bool) {
	var haveWWV, haveWWVH bool
	for _, d := range dets {
		switch d.Station {
		case StationWWV:
			wwv, haveWWV = d, true
		case StationWWVH:
			wwvh, haveWWVH = d, true
		}
	}
	return wwv, wwvh, haveWWV && haveWWVH
}

func (d *Detector) remember(minuteBoundary int64, dets []Detection) {
	d.cache[minuteBoundary] = dets
	d.order = append(d.order, minuteBoundary)
	if len(d.order) > 10 {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.cache, oldest)
	}
}

// matchTemplate performs the quadrature matched filter over the search
// window and returns a Detection if the peak exceeds the noise floor.
func (d *Detector) matchTemplate(tmpl Template, envelope []float64, minuteBoundary int64) (Detection, bool) {
	rate := d.cfg.SampleRate
	searchHalfSamples := int(d.cfg.SearchWindowMs / 1000 * rate)
	centerIdx := len(envelope) / 2
	lo := centerIdx - searchHalfSamples
	hi := centerIdx + searchHalfSamples
	if lo < 0 {
		lo = 0
	}
	if hi > len(envelope) {
		hi = len(envelope)
	}

	durSamples := int(tmpl.DurationS * rate)
	if durSamples < 1 || durSamples > len(envelope) {
		return Detection{}, false
	}
	window := tukeyWindow(durSamples, d.cfg.TukeyAlpha)

	bestIdx := -1
	bestMag := 0.0
	for start := lo; start+durSamples <= hi; start++ {
		sinCorr, cosCorr := 0.0, 0.0
		for i := 0; i < durSamples; i++ {
			t := float64(i) / rate
			w := window[i]
			s := envelope[start+i] * w
			sinCorr += s * math.Sin(2*math.Pi*tmpl.FrequencyHz*t)
			cosCorr += s * math.Cos(2*math.Pi*tmpl.FrequencyHz*t)
		}
		mag := math.Sqrt(sinCorr*sinCorr + cosCorr*cosCorr)
		if mag > bestMag {
			bestMag = mag
			bestIdx = start
		}
	}
	if bestIdx < 0 {
		return Detection{}, false
	}

	noiseFloor := d.noiseFloor(envelope, lo, hi, d.cfg.GuardSamples)
	if bestMag <= noiseFloor {
		return Detection{}, false
	}

	peakTimeS := float64(bestIdx-centerIdx) / rate
	timingErrorMs := peakTimeS * 1000
	for timingErrorMs > 30000 {
		timingErrorMs -= 60000
	}
	for timingErrorMs < -30000 {
		timingErrorMs += 60000
	}

	snrDB := 20 * math.Log10(bestMag/math.Max(noiseFloor, 1e-12))
	confidence := confidenceFromSNR(snrDB)

	return Detection{
		Station:        tmpl.Station,
		MinuteBoundary: minuteBoundary,
		TimingErrorMs:  timingErrorMs,
		SNRdB:          snrDB,
		Confidence:     confidence,
		UseForTimeSnap: tmpl.Station == StationWWV || tmpl.Station == StationCHU,
		PeakMag:        bestMag,
		NoiseFloor:     noiseFloor,
	}, true
}

// noiseFloor computes mean + 2*std outside [lo,hi) with a guard band.
func (d *Detector) noiseFloor(envelope []float64, lo, hi, guard int) float64 {
	var samples []float64
	guardLo := lo - guard
	guardHi := hi + guard
	for i, v := range envelope {
		if i >= guardLo && i < guardHi {
			continue
		}
		samples = append(samples, math.Abs(v))
	}
	if len(samples) == 0 {
		return 0
	}
	mean := stat.Mean(samples, nil)
	std := stat.StdDev(samples, nil)
	return mean + 2*std
}

func confidenceFromSNR(snrDB float64) float64 {
	c := snrDB / 30.0
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	return c
}

// amEnvelope computes |iq| for every sample.
func amEnvelope(samples []complex64) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = float64(cmplxAbs(s))
	}
	return out
}

func cmplxAbs(c complex64) float32 {
	re, im := real(c), imag(c)
	return float32(math.Sqrt(float64(re)*float64(re) + float64(im)*float64(im)))
}

// tukeyWindow returns a Tukey (tapered cosine) window of length n with taper
// fraction alpha.
func tukeyWindow(n int, alpha float64) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	taper := int(alpha * float64(n-1) / 2)
	for i := 0; i < n; i++ {
		switch {
		case i < taper:
			w[i] = 0.5 * (1 + math.Cos(math.Pi*(float64(i)/float64(taper)-1)))
		case i >= n-taper:
			w[i] = 0.5 * (1 + math.Cos(math.Pi*(float64(i-(n-1-taper))/float64(taper))))
		default:
			w[i] = 1
		}
	}
	return w
}

// Stats summarizes detection statistics for monitoring/status output.
type Stats struct {
	DetectionCounts    map[Station]int
	TimingErrorRMSMs   float64
	DifferentialDelays []float64
}

// StatsSnapshot returns a point-in-time copy of detector statistics.
func (d *Detector) StatsSnapshot() Stats {
	counts := make(map[Station]int, len(d.detectionCounts))
	for k, v := range d.detectionCounts {
		counts[k] = v
	}
	rms := rmsOf(d.timingErrorsMs)
	diffs := append([]float64(nil), d.diffDelayMs...)
	return Stats{DetectionCounts: counts, TimingErrorRMSMs: rms, DifferentialDelays: diffs}
}

func rmsOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sumSq float64
	for _, x := range xs {
		sumSq += x * x
	}
	return math.Sqrt(sumSq / float64(len(xs)))
}
