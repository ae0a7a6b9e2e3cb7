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
Package orchestrator owns one channel's full pipeline: it fans incoming
sample batches to the archive writer (C3) for durable storage and, in
parallel, accumulates its own in-memory minute buffer that feeds an
analysis queue drained by a dedicated goroutine running the Phase-2 engine
(C8), the shared timing calibrator (C9), and the shared GPSDO monitor
(C10), finally appending results through the clock-offset writer (C11).
*/
package orchestrator

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mijahauan/hf-timestd/archive"
	"github.com/mijahauan/hf-timestd/clockoffset"
	"github.com/mijahauan/hf-timestd/gpsdomonitor"
	"github.com/mijahauan/hf-timestd/phase2"
)

// State is the per-channel lifecycle.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	default:
		return "IDLE"
	}
}

// SampleBatch is one delivery from the RTP receiver (C1).
type SampleBatch struct {
	RTPTimestamp     uint32
	Samples          []complex64
	GapSamplesBefore uint32
	ArrivalWallTime  float64
}

// AnalysisJob is one sealed minute queued for Phase-2 analysis.
type AnalysisJob struct {
	MinuteUnix      int64
	StartRTP        uint32
	Samples         []complex64
	GapCount        int
	GapSamples      uint64
	ArrivalWallTime float64
}

// analysisBuffer mirrors archive's minute-alignment bookkeeping but is
// owned exclusively by the orchestrator for analysis, independent of C3's
// on-disk buffer (spec: "C3 never consumes C8 output; C8 only reads its
// own minute buffer in-memory").
// writePos is the total cursor (real samples plus zero-filled gap spans);
// see archive.minuteBuffer for the same split.
type analysisBuffer struct {
	minuteBoundary int64
	samples        []complex64
	writePos       int
	startRTP       uint32
	gapCount       int
	gapSamples     uint64
}

// Stats summarizes one channel's orchestration counters.
type Stats struct {
	BatchesProcessed  uint64
	MinutesAnalyzed   uint64
	AnalysisQueueDrops uint64
	ArchiveWriteErrors uint64
}

// Config configures one channel's orchestrator.
type Config struct {
	Channel           string
	SampleRate        uint32
	AnalysisQueueSize int // default 8
}

// Orchestrator owns one channel's complete pipeline.
type Orchestrator struct {
	cfg Config

	archiveWriter *archive.Writer
	engine        *phase2.Engine
	monitor       *gpsdomonitor.Monitor
	series        *clockoffset.Series

	mu      sync.Mutex
	state   State
	current *analysisBuffer

	haveAnchor  bool
	rtpUnixOffs float64

	queue  chan AnalysisJob
	stopCh chan struct{}
	wg     sync.WaitGroup

	batchesProcessed   atomic.Uint64
	minutesAnalyzed    atomic.Uint64
	analysisQueueDrops atomic.Uint64
}

// New constructs an idle Orchestrator for one channel.
func New(cfg Config, archiveWriter *archive.Writer, engine *phase2.Engine, monitor *gpsdomonitor.Monitor, series *clockoffset.Series) *Orchestrator {
	if cfg.AnalysisQueueSize <= 0 {
		cfg.AnalysisQueueSize = 8
	}
	return &Orchestrator{
		cfg:           cfg,
		archiveWriter: archiveWriter,
		engine:        engine,
		monitor:       monitor,
		series:        series,
		state:         StateIdle,
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Stats returns a point-in-time counter snapshot.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		BatchesProcessed:   o.batchesProcessed.Load(),
		MinutesAnalyzed:    o.minutesAnalyzed.Load(),
		AnalysisQueueDrops: o.analysisQueueDrops.Load(),
		ArchiveWriteErrors: o.archiveWriter.WriteErrors(),
	}
}

// Start transitions IDLE -> STARTING -> RUNNING and launches the analysis
// loop goroutine.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator[%s]: cannot start from state %s", o.cfg.Channel, o.state)
	}
	o.state = StateStarting
	o.queue = make(chan AnalysisJob, o.cfg.AnalysisQueueSize)
	o.stopCh = make(chan struct{})
	o.mu.Unlock()

	o.wg.Add(1)
	go o.analysisLoop(ctx)

	o.mu.Lock()
	o.state = StateRunning
	o.mu.Unlock()
	log.Infof("orchestrator[%s]: running", o.cfg.Channel)
	return nil
}

// ProcessSamples writes samples to the durable archive and, independently,
// accumulates the orchestrator's own analysis minute buffer, enqueuing
// completed minutes for Phase-2 analysis. Archive writes never block on
// analysis backpressure.
func (o *Orchestrator) ProcessSamples(batch SampleBatch) error {
	o.batchesProcessed.Add(1)

	_, archErr := o.archiveWriter.WriteSamples(batch.Samples, batch.RTPTimestamp, batch.ArrivalWallTime, uint64(batch.GapSamplesBefore))

	o.mu.Lock()
	o.accumulate(batch)
	o.mu.Unlock()

	return archErr
}

// accumulate routes batch into the in-process analysis buffer. A reported
// gap is advanced over first, independently of any real samples in this
// batch: it consumes its span of the buffer's already-zeroed slots
// (zero-fill) and moves the RTP cursor forward by GapSamplesBefore before
// real samples are routed, so they land at their true RTP-derived position
// instead of being shifted earlier by the lost span.
func (o *Orchestrator) accumulate(batch SampleBatch) {
	if !o.haveAnchor {
		o.rtpUnixOffs = batch.ArrivalWallTime - float64(batch.RTPTimestamp)/float64(o.cfg.SampleRate)
		o.haveAnchor = true
	}

	rtp := batch.RTPTimestamp
	if batch.GapSamplesBefore > 0 {
		rtp = o.advance(rtp, int(batch.GapSamplesBefore), nil, batch.ArrivalWallTime)
	}
	o.advance(rtp, len(batch.Samples), batch.Samples, batch.ArrivalWallTime)
}

// advance routes n samples worth of span starting at rtp into the current
// analysis buffer, splitting and sealing (enqueuing) across minute
// boundaries as needed, returning the new rtp cursor. When data is nil the
// span is a reported gap: the buffer's pre-zeroed slots are left untouched
// and the span is folded into the current minute's gap ledger instead of
// being copied.
func (o *Orchestrator) advance(rtp uint32, n int, data []complex64, arrivalWallTime float64) uint32 {
	remaining := n
	for remaining > 0 {
		sampleUnix := float64(rtp)/float64(o.cfg.SampleRate) + o.rtpUnixOffs
		minuteBoundary := int64(math.Floor(sampleUnix/archive.SecondsPerMinute)) * archive.SecondsPerMinute

		if o.current == nil {
			offset := int(math.Round((sampleUnix - float64(minuteBoundary)) * float64(o.cfg.SampleRate)))
			if offset < 0 {
				offset = 0
			}
			o.current = &analysisBuffer{
				minuteBoundary: minuteBoundary,
				samples:        make([]complex64, archive.SamplesPerMinute),
				writePos:       offset,
				startRTP:       rtp - uint32(offset),
			}
		} else if minuteBoundary > o.current.minuteBoundary {
			o.enqueueCompleted(arrivalWallTime)
			o.current = &analysisBuffer{
				minuteBoundary: minuteBoundary,
				samples:        make([]complex64, archive.SamplesPerMinute),
				writePos:       0,
				startRTP:       rtp,
			}
		}

		space := archive.SamplesPerMinute - o.current.writePos
		chunk := remaining
		if chunk > space {
			chunk = space
		}
		if data != nil {
			copy(o.current.samples[o.current.writePos:], data[:chunk])
			data = data[chunk:]
		} else {
			o.current.gapCount++
			o.current.gapSamples += uint64(chunk)
		}
		o.current.writePos += chunk
		remaining -= chunk
		rtp += uint32(chunk)

		if o.current.writePos == archive.SamplesPerMinute {
			o.enqueueCompleted(arrivalWallTime)
			o.current = nil
		}
	}
	return rtp
}

func (o *Orchestrator) enqueueCompleted(arrivalWallTime float64) {
	mb := o.current
	job := AnalysisJob{
		MinuteUnix:      mb.minuteBoundary,
		StartRTP:        mb.startRTP,
		Samples:         mb.samples,
		GapCount:        mb.gapCount,
		GapSamples:      mb.gapSamples,
		ArrivalWallTime: arrivalWallTime,
	}
	select {
	case o.queue <- job:
	default:
		o.analysisQueueDrops.Add(1)
		log.Warnf("orchestrator[%s]: analysis queue full, dropped minute %d", o.cfg.Channel, mb.minuteBoundary)
	}
}

func (o *Orchestrator) analysisLoop(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case job := <-o.queue:
			o.analyze(job)
		case <-o.stopCh:
			o.drainRemaining()
			return
		case <-ctx.Done():
			o.drainRemaining()
			return
		}
	}
}

func (o *Orchestrator) drainRemaining() {
	for {
		select {
		case job := <-o.queue:
			o.analyze(job)
		default:
			return
		}
	}
}

// deriveSignals extracts the per-method C5 inputs (tick windows, BCD
// sub-carrier signal/template, multitone/chirp scores) from one sealed
// minute's raw samples, so M2 through M5 run against real IQ data instead of
// staying zero-valued stubs.
func (o *Orchestrator) deriveSignals(job AnalysisJob, minuteOfHour int) (envelope []float64, ticks [][]float64, bcdSig, bcdTmpl []float64, multiScore, chirpSc float64) {
	if len(job.Samples) == 0 {
		return nil, nil, nil, nil, 0, 0
	}
	rate := float64(o.cfg.SampleRate)
	envelope = notchFilter(amEnvelope(job.Samples), mainsHumHz, rate, mainsHumBandwidthHz)
	ticks = tickWindows(envelope, rate)
	bcdSig = bcdSignal(envelope, rate)
	bcdTmpl = bcdTemplate(minuteOfHour, rate)
	multiScore = multitoneScore(envelope, rate)
	chirpSc = chirpScore(envelope, rate)
	return envelope, ticks, bcdSig, bcdTmpl, multiScore, chirpSc
}

func (o *Orchestrator) analyze(job AnalysisJob) {
	minuteOfHour := int((job.MinuteUnix / 60) % 60)
	envelope, ticks, bcdSig, bcdTmpl, multiScore, chirpSc := o.deriveSignals(job, minuteOfHour)

	result, err := o.engine.Process(phase2.MinuteInput{
		MinuteBoundaryUnix: job.MinuteUnix,
		StartRTP:           job.StartRTP,
		Samples:            job.Samples,
		ArrivalWallTime:    job.ArrivalWallTime,
		GapCount:           job.GapCount,
		GapSamples:         job.GapSamples,
		Envelope:           envelope,
		Ticks:              ticks,
		BCDSignal:          bcdSig,
		BCDTemplate:        bcdTmpl,
		MultitoneScore:     multiScore,
		ChirpScore:         chirpSc,
	})
	if err != nil {
		log.Errorf("orchestrator[%s]: phase2 analysis failed for minute %d: %v", o.cfg.Channel, job.MinuteUnix, err)
		return
	}
	o.minutesAnalyzed.Add(1)

	if o.series != nil {
		m := measurementFromResult(o.cfg.Channel, result)
		if err := o.series.Append(m); err != nil {
			log.Errorf("orchestrator[%s]: clock-offset append failed: %v", o.cfg.Channel, err)
		}
	}
}

func measurementFromResult(channel string, r phase2.Phase2Result) clockoffset.Measurement {
	offsetMs := r.SystemTime.Sub(r.UTCTime).Seconds() * 1000
	station := r.DominantStation
	if station == "" {
		station = channel
	}
	return clockoffset.Measurement{
		SystemTime:               r.SystemTime,
		UTCTime:                  r.UTCTime,
		MinuteBoundaryUTC:        r.MinuteBoundaryUTC,
		ClockOffsetMs:            offsetMs,
		Station:                  station,
		PropagationDelayMs:       r.PropagationDelayMs,
		PropagationMode:          r.PropagationMode,
		NHops:                    r.NHops,
		Confidence:               r.ModeConfidence,
		UncertaintyMs:            r.UncertaintyMs,
		QualityGrade:             clockoffset.GradeFromUncertainty(r.UncertaintyMs, true),
		SNRdB:                    r.SNRdB,
		DelaySpreadMs:            r.Channel.DelaySpreadMs,
		DopplerStdHz:             math.Max(r.Channel.DopplerWWVStdHz, r.Channel.DopplerWWVHStdHz),
		WWVPowerDB:               &r.WWVPowerDB,
		WWVHPowerDB:              &r.WWVHPowerDB,
		DiscriminationConfidence: r.Channel.StationConfidence,
		UTCVerified:              r.Solution.UTCVerified,
		RTPTimestamp:             r.RTPTimestamp,
		ProcessedAt:              r.ProcessedAt,
	}
}

// Shutdown stops the analysis loop, waits up to timeout for the queue to
// drain, and flushes the archive writer. It does not save calibrator state.
func (o *Orchestrator) Shutdown(timeout time.Duration) error {
	o.mu.Lock()
	if o.state == StateIdle {
		o.mu.Unlock()
		return nil
	}
	o.state = StateStopping
	o.mu.Unlock()

	o.mu.Lock()
	if o.current != nil {
		o.enqueueCompleted(0)
		o.current = nil
	}
	o.mu.Unlock()

	close(o.stopCh)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		log.Warnf("orchestrator[%s]: shutdown timed out waiting for analysis loop", o.cfg.Channel)
	}

	o.mu.Lock()
	o.state = StateIdle
	o.mu.Unlock()

	return o.archiveWriter.Flush()
}
