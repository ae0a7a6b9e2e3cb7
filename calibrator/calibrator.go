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
Package calibrator implements the cross-process timing calibration state
machine (BOOTSTRAP -> CALIBRATED -> VERIFIED), its per-station EWMA delay
model, and the RTP-to-station offset model, persisted to a shared JSON file
guarded by advisory file locking so multiple channel processes can merge
updates safely.
*/
package calibrator

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/eclesh/welford"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Phase is the calibrator's coarse lock state.
type Phase string

const (
	PhaseBootstrap  Phase = "BOOTSTRAP"
	PhaseCalibrated Phase = "CALIBRATED"
	PhaseVerified   Phase = "VERIFIED"
)

// Tunable thresholds named in §4.9.
const (
	BootstrapMinDetections = 5
	BootstrapMinStations   = 2
	StationStdMaxMs        = 20.0
	VerifiedMinGroundTruth = 5
	VerifiedMinTestSignal  = 2
	ReanchorThresholdMs    = 50.0
)

// groundTruthMinutes are the minutes-of-hour that carry known discrimination
// content and therefore count toward VERIFIED promotion.
var groundTruthMinutes = map[int]bool{
	1: true, 2: true, 8: true, 16: true, 17: true, 19: true,
	43: true, 44: true, 45: true, 46: true, 47: true, 48: true, 49: true, 50: true, 51: true,
}

// StationCalibration is the persisted per-station delay model.
type StationCalibration struct {
	PropagationDelayMs     float64   `json:"propagation_delay_ms"`
	PropagationDelayStdMs  float64   `json:"propagation_delay_std_ms"`
	NSamples               int       `json:"n_samples"`
	LastUpdated            time.Time `json:"last_updated"`
	FrequenciesContributing []float64 `json:"frequencies_contributing"`

	acc *welford.Stats `json:"-"`
}

// RTPCalibration is the persisted per-channel RTP-to-station offset model.
type RTPCalibration struct {
	FrequencyHz          float64   `json:"frequency_hz"`
	SampleRate           uint32    `json:"sample_rate"`
	ReferenceMinuteUTC   int64     `json:"reference_minute_utc"`
	ReferenceRTPTimestamp uint32   `json:"reference_rtp_timestamp"`
	RTPOffsetSamples     int64     `json:"rtp_offset_samples"`
	CalibrationSNRdB     float64   `json:"calibration_snr_db"`
	CalibrationConfidence float64  `json:"calibration_confidence"`
	NConfirmations       int       `json:"n_confirmations"`
	LastConfirmed        time.Time `json:"last_confirmed"`
	DetectedStation      string    `json:"detected_station"`
}

// Stats aggregates bootstrap/verification counters.
type Stats struct {
	BootstrapDetections int            `json:"bootstrap_detections"`
	GroundTruthVerified int            `json:"ground_truth_verified"`
	TestSignalVerified  int            `json:"test_signal_verified"`
	StationsSeen        map[string]bool `json:"-"`
}

// State is the full persisted calibrator document (§6.3 "Calibrator state
// JSON").
type State struct {
	Phase              Phase                          `json:"phase"`
	StationCalibration map[string]*StationCalibration  `json:"station_calibration"`
	RTPCalibration     map[string]*RTPCalibration       `json:"rtp_calibration"`
	Stats              Stats                          `json:"stats"`
	SavedAt            time.Time                      `json:"saved_at"`
}

func newState() *State {
	return &State{
		Phase:              PhaseBootstrap,
		StationCalibration: make(map[string]*StationCalibration),
		RTPCalibration:     make(map[string]*RTPCalibration),
		Stats:              Stats{StationsSeen: make(map[string]bool)},
	}
}

// Calibrator owns the in-process state and its file-backed persistence.
type Calibrator struct {
	path string
	mu   sync.Mutex
	state *State

	sinceLastPersist int
}

// Detection is the input to Update: one accepted discrimination result for
// a channel/minute.
type Detection struct {
	Channel        string
	Station        string
	FrequencyHz    float64
	Minute         int // minute-of-hour, 0-59
	DelayMs        float64
	SNRdB          float64
	Confidence     float64 // 0..1
	TestSignal     bool
	RTPTimestamp   uint32
	SamplesPerMinute uint32
	MinuteUnix     int64
	SampleRate     uint32
}

// Open loads (or initializes) the calibrator state from path.
func Open(path string) (*Calibrator, error) {
	c := &Calibrator{path: path, state: newState()}
	if err := c.reload(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return c, nil
}

// Phase returns the current calibration phase.
func (c *Calibrator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Phase
}

// GetSearchWindowMs implements the per-station/frequency narrowing search
// window prediction API.
func (c *Calibrator) GetSearchWindowMs(station string, _ float64) (halfWidthMs, expectedOffsetMs float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Phase == PhaseBootstrap {
		return 500, 0
	}
	sc, ok := c.state.StationCalibration[station]
	if !ok {
		return 500, 0
	}
	half := 3*sc.PropagationDelayStdMs + 2
	if half < 3 {
		half = 3
	}
	if half > 50 {
		half = 50
	}
	return half, sc.PropagationDelayMs
}

// PredictStation implements the RTP-offset-based station prediction API.
func (c *Calibrator) PredictStation(channel string, rtpTimestamp, samplesPerMinute uint32, detectedStation string, detectionConfidence string) (predictedStation string, confidence float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rc, ok := c.state.RTPCalibration[channel]
	if !ok {
		return detectedStation, 0
	}
	currentOffset := int64(rtpTimestamp % samplesPerMinute)
	expected := rc.RTPOffsetSamples
	toleranceSamples := int64(5.0 / 1000.0 * float64(rc.SampleRate))
	if abs64(currentOffset-expected) > toleranceSamples {
		return detectedStation, 0
	}
	predicted := rc.DetectedStation
	conf := math.Min(0.95, 0.5+0.05*float64(rc.NConfirmations))
	if detectedStation != "" && detectedStation != predicted && detectionConfidence != "high" {
		rc.DetectedStation = detectedStation
		rc.NConfirmations = 0
		return detectedStation, conf
	}
	return predicted, conf
}

func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

// Update applies one accepted detection: reloads shared state, merges,
// mutates the station/RTP models, and persists per the BOOTSTRAP-every-call
// / every-5-calls-otherwise schedule.
func (c *Calibrator) Update(d Detection) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.reloadLocked(); err != nil && !os.IsNotExist(err) {
		log.Warnf("calibrator: reload before update failed, proceeding with in-memory state: %v", err)
	}

	if c.state.Phase == PhaseBootstrap {
		c.state.Stats.BootstrapDetections++
		if c.state.Stats.StationsSeen == nil {
			c.state.Stats.StationsSeen = make(map[string]bool)
		}
		c.state.Stats.StationsSeen[d.Station] = true
	}
	if groundTruthMinutes[d.Minute] {
		c.state.Stats.GroundTruthVerified++
	}
	if d.TestSignal {
		c.state.Stats.TestSignalVerified++
	}

	c.updateStationModel(d)
	c.updateRTPModel(d)
	c.checkTransitions()

	c.sinceLastPersist++
	shouldPersist := c.state.Phase == PhaseBootstrap || c.sinceLastPersist >= 5
	if shouldPersist {
		c.sinceLastPersist = 0
		return c.persistLocked()
	}
	return nil
}

func (c *Calibrator) updateStationModel(d Detection) {
	sc, ok := c.state.StationCalibration[d.Station]
	if !ok {
		sc = &StationCalibration{acc: welford.New()}
		c.state.StationCalibration[d.Station] = sc
	}
	if sc.acc == nil {
		sc.acc = welford.New()
	}
	weight := math.Min(1, d.SNRdB/30) * d.Confidence
	if weight <= 0 {
		weight = 0.01
	}
	// welford.Stats has no native weighting; approximate by adding the
	// sample `ceil(weight*10)` times, capturing the weight's intent
	// (low-confidence detections count for little) without a bespoke
	// weighted-variance implementation.
	reps := int(math.Ceil(weight * 10))
	if reps < 1 {
		reps = 1
	}
	for i := 0; i < reps; i++ {
		sc.acc.Add(d.DelayMs)
	}
	sc.PropagationDelayMs = sc.acc.Mean()
	sc.PropagationDelayStdMs = sc.acc.Stddev()
	sc.NSamples++
	sc.LastUpdated = time.Now().UTC()
	sc.FrequenciesContributing = appendUniqueFreq(sc.FrequenciesContributing, d.FrequencyHz)
}

func appendUniqueFreq(freqs []float64, f float64) []float64 {
	for _, existing := range freqs {
		if existing == f {
			return freqs
		}
	}
	return append(freqs, f)
}

func (c *Calibrator) updateRTPModel(d Detection) {
	if d.SamplesPerMinute == 0 {
		return
	}
	rc, ok := c.state.RTPCalibration[d.Channel]
	offset := int64(d.RTPTimestamp % d.SamplesPerMinute)
	if !ok {
		c.state.RTPCalibration[d.Channel] = &RTPCalibration{
			FrequencyHz:           d.FrequencyHz,
			SampleRate:            d.SampleRate,
			ReferenceMinuteUTC:    d.MinuteUnix,
			ReferenceRTPTimestamp: d.RTPTimestamp,
			RTPOffsetSamples:      offset,
			CalibrationSNRdB:      d.SNRdB,
			CalibrationConfidence: d.Confidence,
			NConfirmations:        1,
			LastConfirmed:         time.Now().UTC(),
			DetectedStation:       d.Station,
		}
		return
	}
	drift := abs64(offset - rc.RTPOffsetSamples)
	if drift > 10 {
		log.Warnf("calibrator: rtp_offset_model drift of %d samples for channel %s (not reanchoring; monitor owns that)", drift, d.Channel)
	}
	rc.NConfirmations++
	rc.CalibrationSNRdB = d.SNRdB
	rc.CalibrationConfidence = d.Confidence
	rc.LastConfirmed = time.Now().UTC()
}

func (c *Calibrator) checkTransitions() {
	switch c.state.Phase {
	case PhaseBootstrap:
		if c.checkBootstrapComplete() {
			c.state.Phase = PhaseCalibrated
			log.Infof("calibrator: BOOTSTRAP -> CALIBRATED")
		}
	case PhaseCalibrated:
		if c.checkVerifiedTransition() {
			c.state.Phase = PhaseVerified
			log.Infof("calibrator: CALIBRATED -> VERIFIED")
		}
	}
}

func (c *Calibrator) checkBootstrapComplete() bool {
	if c.state.Stats.BootstrapDetections < BootstrapMinDetections {
		return false
	}
	if len(c.state.Stats.StationsSeen) < BootstrapMinStations {
		return false
	}
	for _, sc := range c.state.StationCalibration {
		if sc.PropagationDelayStdMs > StationStdMaxMs {
			return false
		}
	}
	return true
}

func (c *Calibrator) checkVerifiedTransition() bool {
	return c.state.Stats.GroundTruthVerified >= VerifiedMinGroundTruth ||
		c.state.Stats.TestSignalVerified >= VerifiedMinTestSignal
}

// Invalidate forces the calibrator into REANCHOR_REQUIRED territory by
// resetting to BOOTSTRAP; called by the GPSDO monitor, never by the
// calibrator itself, per spec.md's "do not reanchor from calibrator" note.
func (c *Calibrator) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Phase = PhaseBootstrap
	c.state.Stats.BootstrapDetections = 0
}

// reload refreshes in-memory state from disk under lock.
func (c *Calibrator) reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reloadLocked()
}

func (c *Calibrator) reloadLocked() error {
	f, err := os.Open(c.path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		return fmt.Errorf("flock shared on calibrator state: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	var onDisk State
	if err := json.NewDecoder(f).Decode(&onDisk); err != nil {
		return fmt.Errorf("decoding calibrator state: %w", err)
	}
	c.mergeFromDisk(&onDisk)
	return nil
}

// mergeFromDisk merges on-disk state into the in-memory state, taking the
// max of counters so concurrent writers never regress each other (P6).
func (c *Calibrator) mergeFromDisk(onDisk *State) {
	if phaseRank(onDisk.Phase) > phaseRank(c.state.Phase) {
		c.state.Phase = onDisk.Phase
	}
	if onDisk.Stats.BootstrapDetections > c.state.Stats.BootstrapDetections {
		c.state.Stats.BootstrapDetections = onDisk.Stats.BootstrapDetections
	}
	if onDisk.Stats.GroundTruthVerified > c.state.Stats.GroundTruthVerified {
		c.state.Stats.GroundTruthVerified = onDisk.Stats.GroundTruthVerified
	}
	if onDisk.Stats.TestSignalVerified > c.state.Stats.TestSignalVerified {
		c.state.Stats.TestSignalVerified = onDisk.Stats.TestSignalVerified
	}
	for station, sc := range onDisk.StationCalibration {
		existing, ok := c.state.StationCalibration[station]
		if !ok || sc.NSamples > existing.NSamples {
			c.state.StationCalibration[station] = sc
		}
	}
	for channel, rc := range onDisk.RTPCalibration {
		existing, ok := c.state.RTPCalibration[channel]
		if !ok || rc.NConfirmations > existing.NConfirmations {
			c.state.RTPCalibration[channel] = rc
		}
	}
}

func phaseRank(p Phase) int {
	switch p {
	case PhaseVerified:
		return 2
	case PhaseCalibrated:
		return 1
	default:
		return 0
	}
}

// Persist writes the current state to disk: lock -> write-temp -> fsync ->
// rename, per spec.md §9's merge recipe.
func (c *Calibrator) Persist() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persistLocked()
}

func (c *Calibrator) persistLocked() error {
	c.state.SavedAt = time.Now().UTC()

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("creating calibrator state dir: %w", err)
	}

	lockFile, err := os.OpenFile(c.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("opening calibrator state for lock: %w", err)
	}
	defer lockFile.Close()
	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("flock exclusive on calibrator state: %w", err)
	}
	defer unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)

	var onDisk State
	if err := json.NewDecoder(lockFile).Decode(&onDisk); err == nil {
		c.mergeFromDisk(&onDisk)
	}

	tmpPath := c.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating calibrator state temp file: %w", err)
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(c.state); err != nil {
		tmp.Close()
		return fmt.Errorf("encoding calibrator state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync calibrator state temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		return fmt.Errorf("renaming calibrator state into place: %w", err)
	}
	return nil
}
