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
Package phase2 orchestrates, once per minute buffer, the fundamental-tone
time-snap anchor, channel characterisation, and transmission-time solution:
C4 (tone) and C5 (discriminator) feed C6 (propagation) and C7
(transmission), gated by C9's calibration phase and reported to C10's
watchdogs.
*/
package phase2

import (
	"fmt"
	"math"
	"time"

	"github.com/mijahauan/hf-timestd/calibrator"
	"github.com/mijahauan/hf-timestd/discriminator"
	"github.com/mijahauan/hf-timestd/gpsdomonitor"
	"github.com/mijahauan/hf-timestd/propagation"
	"github.com/mijahauan/hf-timestd/tone"
	"github.com/mijahauan/hf-timestd/transmission"
)

// ProcessingVersion is stamped onto every emitted result so downstream
// consumers can tell which engine revision produced it.
const ProcessingVersion = "phase2-1"

// Source identifies where a TimeSnapReference's anchor came from.
type Source string

const (
	SourceWWVVerified  Source = "wwv_verified"
	SourceWWVHVerified Source = "wwvh_verified"
	SourceCHUVerified  Source = "chu_verified"
	SourceNTP          Source = "ntp"
	SourceWallClock    Source = "wall_clock"
	SourceArchive      Source = "archive"
)

// TimeSnapReference is the core RTP-to-UTC anchor, shared conceptually by
// Phase 1's archive writer, this engine's projection, and the GPSDO
// monitor's verification.
type TimeSnapReference struct {
	RTPTimestamp  uint64
	UTCTimestamp  float64
	SampleRate    uint32
	Source        Source
	Confidence    float64
	EstablishedAt float64
}

// UTCAt derives t_utc(R) = utc_timestamp + (R - rtp_timestamp) / sample_rate.
func (r TimeSnapReference) UTCAt(rtp uint64) float64 {
	return r.UTCTimestamp + float64(int64(rtp)-int64(r.RTPTimestamp))/float64(r.SampleRate)
}

// Valid reports whether the anchor has ever been established.
func (r TimeSnapReference) Valid() bool {
	return r.SampleRate > 0
}

// ChannelCharacterization summarizes one minute's discrimination quality.
type ChannelCharacterization struct {
	DelaySpreadMs     float64
	DopplerWWVStdHz   float64
	DopplerWWVHStdHz  float64
	StationConfidence string
}

// Phase2Result is the per-minute output: §4.8's Phase2Result, plus the
// diagnostic fields C11's ClockOffsetMeasurement needs and that don't fit
// naturally anywhere else in the per-minute chain.
type Phase2Result struct {
	SystemTime        time.Time
	UTCTime           time.Time
	MinuteBoundaryUTC int64
	Solution          transmission.Solution
	Channel           ChannelCharacterization
	TimeSnap          TimeSnapReference
	UncertaintyMs     float64
	ProcessedAt       time.Time
	ProcessingVersion string

	DominantStation    string
	PropagationMode    string
	NHops              int
	ModeConfidence     float64
	PropagationDelayMs float64
	SNRdB              float64
	WWVPowerDB         float64
	WWVHPowerDB        float64
	RTPTimestamp       uint32
}

// StationGeometry is the fixed geography needed by C6 for one station.
type StationGeometry struct {
	Station            string
	DistanceKm         float64
	MaxDopplerHz       float64
	SolarZenithDeg     float64
}

// Config configures one channel's Phase-2 engine.
type Config struct {
	Channel          string
	FrequencyMHz     float64
	SampleRate       uint32
	BootstrapWindowMs float64 // default 500, used when calibrator is in BOOTSTRAP
	Geometry         map[string]StationGeometry // keyed by station name
}

// Engine runs Phase-2 for a single channel.
type Engine struct {
	cfg    Config
	tones  *tone.Detector
	solver *propagation.Solver
	cal    *calibrator.Calibrator
	mon    *gpsdomonitor.Monitor

	anchor TimeSnapReference
}

// NewEngine constructs a Phase-2 engine with a fresh tone detector and the
// shared calibrator/monitor for this channel.
func NewEngine(cfg Config, solver *propagation.Solver, cal *calibrator.Calibrator, mon *gpsdomonitor.Monitor) *Engine {
	toneCfg := tone.DefaultConfig()
	if cfg.SampleRate > 0 {
		toneCfg.SampleRate = float64(cfg.SampleRate)
	}
	return &Engine{
		cfg:    cfg,
		tones:  tone.NewDetector(toneCfg),
		solver: solver,
		cal:    cal,
		mon:    mon,
	}
}

// MinuteInput is one sealed minute buffer ready for analysis.
type MinuteInput struct {
	MinuteBoundaryUnix int64
	StartRTP           uint32
	Samples            []complex64
	ArrivalWallTime     float64
	GapCount            int
	GapSamples          uint64
	Envelope             []float64 // cleaned AM envelope for M3, may be nil
	Ticks               [][]float64 // per-second tick windows for M2, may be nil
	BCDSignal            []float64
	BCDTemplate          []float64
	MultitoneScore       float64
	ChirpScore           float64
}

// Process runs one minute through the full C4 -> C5 -> C6 -> C7 chain and
// returns the assembled Phase2Result.
func (e *Engine) Process(in MinuteInput) (Phase2Result, error) {
	now := time.Now()

	e.mon.ObserveBatchQuality(gpsdomonitor.BatchQuality{
		GapCount: in.GapCount,
	})

	searchWindowMs := e.cfg.BootstrapWindowMs
	if searchWindowMs <= 0 {
		searchWindowMs = 500
	}
	fullSearch := e.cal.Phase() == calibrator.PhaseBootstrap || !e.anchor.Valid() ||
		e.mon.State() == gpsdomonitor.StateReanchorRequired
	if !fullSearch {
		halfWidth, _ := e.cal.GetSearchWindowMs(dominantStationGuess(e.cfg.Geometry), e.cfg.FrequencyMHz)
		searchWindowMs = halfWidth
	}
	e.tones.SetSearchWindowMs(searchWindowMs)

	detections := e.tones.Process(in.MinuteBoundaryUnix, in.Samples, in.StartRTP)

	minuteOfHour := int((in.MinuteBoundaryUnix / 60) % 60)
	m1 := discriminator.ComputeM1(detections)
	var m2 discriminator.M2Result
	if len(in.Ticks) > 0 {
		m2 = discriminator.ComputeM2(in.Ticks, float64(e.cfg.SampleRate), 1.0)
	}
	var m3 discriminator.M3Result
	if len(in.Envelope) > 0 {
		m3 = discriminator.ComputeM3(in.Envelope, float64(e.cfg.SampleRate))
	}
	var m4 discriminator.M4Result
	if len(in.BCDSignal) > 0 && len(in.BCDTemplate) > 0 {
		m4 = discriminator.ComputeM4(in.BCDSignal, in.BCDTemplate)
	}
	m5 := discriminator.ComputeM5(in.MultitoneScore, in.ChirpScore, minuteOfHour)

	combined := discriminator.Combine(minuteOfHour, m1, m2, m3, m4, m5)

	channel := ChannelCharacterization{
		DelaySpreadMs:     math.Max(m4.DelaySpreadWWVMs, m4.DelaySpreadWWVHMs),
		DopplerWWVStdHz:   0,
		DopplerWWVHStdHz:  0,
		StationConfidence: combined.Confidence.String(),
	}

	e.feedCalibrator(in, detections, combined)
	e.maybeUpdateAnchor(in, detections)

	geo, haveGeo := e.cfg.Geometry[combined.DominantStation.String()]
	var solution transmission.Solution
	var uncertaintyMs float64
	var utcTime time.Time

	var propagationMode string
	var nHops int
	var modeConfidence float64
	var propagationDelayMs float64
	if haveGeo {
		delayMs := m1.DifferentialDelayMs
		if delayMs == 0 {
			delayMs = theoreticalFallbackDelay(geo.DistanceKm)
		}
		propResult, err := e.solver.Solve(propagation.Input{
			Station:         geo.Station,
			FrequencyMHz:    e.cfg.FrequencyMHz,
			DistanceKm:      geo.DistanceKm,
			MeasuredDelayMs: math.Abs(delayMs),
			DelaySpreadMs:   channel.DelaySpreadMs,
			DopplerStdHz:    geo.MaxDopplerHz,
			SolarZenithDeg:  geo.SolarZenithDeg,
		})
		if err != nil {
			return Phase2Result{}, fmt.Errorf("propagation solve: %w", err)
		}

		arrival := time.Unix(in.MinuteBoundaryUnix, 0).UTC()
		modeConfidence = scoreToConfidence(combined)
		solution = transmission.Solve(arrival, propResult.PredictedDelayMs, modeConfidence)
		utcTime = solution.EmissionTimeUTC
		uncertaintyMs = propResult.UncertaintyMs
		propagationMode = propResult.Mode.Name
		nHops = propResult.Mode.NHops
		propagationDelayMs = propResult.PredictedDelayMs
	} else {
		utcTime = time.Unix(in.MinuteBoundaryUnix, 0).UTC()
		uncertaintyMs = 500
	}

	return Phase2Result{
		SystemTime:        now,
		UTCTime:           utcTime,
		MinuteBoundaryUTC: in.MinuteBoundaryUnix,
		Solution:          solution,
		Channel:           channel,
		TimeSnap:          e.anchor,
		UncertaintyMs:     uncertaintyMs,
		ProcessedAt:       now,
		ProcessingVersion: ProcessingVersion,
		DominantStation:    combined.DominantStation.String(),
		PropagationMode:    propagationMode,
		NHops:              nHops,
		ModeConfidence:     modeConfidence,
		PropagationDelayMs: propagationDelayMs,
		SNRdB:              math.Max(m1.WWVPowerDB, m1.WWVHPowerDB),
		WWVPowerDB:         m1.WWVPowerDB,
		WWVHPowerDB:        m1.WWVHPowerDB,
		RTPTimestamp:       in.StartRTP,
	}, nil
}

func dominantStationGuess(geo map[string]StationGeometry) string {
	for name := range geo {
		return name
	}
	return "WWV"
}

func theoreticalFallbackDelay(distanceKm float64) float64 {
	return distanceKm / 299792.458 * 1000
}

func scoreToConfidence(r discriminator.Result) float64 {
	switch r.Confidence {
	case discriminator.ConfidenceHigh:
		return 0.9
	case discriminator.ConfidenceMedium:
		return 0.6
	case discriminator.ConfidenceBalanced:
		return 0.5
	default:
		return 0.3
	}
}

func (e *Engine) feedCalibrator(in MinuteInput, detections []tone.Detection, combined discriminator.Result) {
	for _, d := range detections {
		if !d.UseForTimeSnap {
			continue
		}
		err := e.cal.Update(calibrator.Detection{
			Channel:          e.cfg.Channel,
			Station:          d.Station.String(),
			FrequencyHz:      e.cfg.FrequencyMHz * 1e6,
			Minute:           int((in.MinuteBoundaryUnix / 60) % 60),
			DelayMs:          d.TimingErrorMs,
			SNRdB:            d.SNRdB,
			Confidence:       d.Confidence,
			TestSignal:       false,
			RTPTimestamp:     in.StartRTP,
			SamplesPerMinute: uint32(len(in.Samples)),
			MinuteUnix:       in.MinuteBoundaryUnix,
			SampleRate:       e.cfg.SampleRate,
		})
		if err != nil {
			continue
		}
	}
}

func (e *Engine) maybeUpdateAnchor(in MinuteInput, detections []tone.Detection) {
	for _, d := range detections {
		if !d.UseForTimeSnap || d.Confidence < 0.5 {
			continue
		}
		src := SourceWWVVerified
		if d.Station == tone.StationCHU {
			src = SourceCHUVerified
		}
		anchor := TimeSnapReference{
			RTPTimestamp:  uint64(in.StartRTP),
			UTCTimestamp:  float64(in.MinuteBoundaryUnix) + d.TimingErrorMs/1000,
			SampleRate:    e.cfg.SampleRate,
			Source:        src,
			Confidence:    d.Confidence,
			EstablishedAt: in.ArrivalWallTime,
		}
		if e.anchor.Valid() {
			expected := gpsdomonitor.CalculateExpectedSample(gpsdomonitor.Anchor{
				RTPTimestamp: uint32(e.anchor.RTPTimestamp),
				UTCUnix:      e.anchor.UTCTimestamp,
				SampleRate:   float64(e.cfg.SampleRate),
				ClockRatio:   1.0,
			}, in.MinuteBoundaryUnix)
			e.mon.VerifyProjection(float64(in.StartRTP), expected, float64(e.cfg.SampleRate), time.Now())
		}
		e.anchor = anchor
		return
	}
}
