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
Package clockoffset assembles per-minute ClockOffsetMeasurements, appends
them to a fixed-schema CSV (never rewritten), periodically snapshots the
full series as JSON (following the teacher's marshal-to-map-then-serve
pattern in ptp/ptp4u/stats/json.go), and answers linear-interpolation
offset queries.
*/
package clockoffset

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"
)

// QualityGrade is the coarse accuracy grade derived from uncertainty_ms.
type QualityGrade string

const (
	GradeA QualityGrade = "A"
	GradeB QualityGrade = "B"
	GradeC QualityGrade = "C"
	GradeD QualityGrade = "D"
	GradeX QualityGrade = "X" // no valid solution
)

// GradeFromUncertainty maps uncertainty_ms to a quality grade per §4.11.
func GradeFromUncertainty(uncertaintyMs float64, valid bool) QualityGrade {
	if !valid {
		return GradeX
	}
	switch {
	case uncertaintyMs < 1:
		return GradeA
	case uncertaintyMs < 3:
		return GradeB
	case uncertaintyMs < 10:
		return GradeC
	default:
		return GradeD
	}
}

// Measurement is one row: the full clock-offset CSV schema in fixed column
// order (§6.3).
type Measurement struct {
	SystemTime              time.Time
	UTCTime                 time.Time
	MinuteBoundaryUTC       int64
	ClockOffsetMs           float64
	Station                 string
	FrequencyMHz            float64
	PropagationDelayMs      float64
	PropagationMode         string
	NHops                   int
	Confidence              float64
	UncertaintyMs           float64
	QualityGrade            QualityGrade
	SNRdB                   float64
	DelaySpreadMs           float64
	DopplerStdHz            float64
	FSSdB                   *float64 // reserved; left nil per spec.md's open question
	WWVPowerDB              *float64
	WWVHPowerDB             *float64
	DiscriminationConfidence string
	UTCVerified             bool
	MultiStationVerified    bool
	RTPTimestamp            uint32
	ProcessedAt             time.Time
}

var csvHeader = []string{
	"system_time", "utc_time", "minute_boundary_utc", "clock_offset_ms",
	"station", "frequency_mhz", "propagation_delay_ms", "propagation_mode",
	"n_hops", "confidence", "uncertainty_ms", "quality_grade",
	"snr_db", "delay_spread_ms", "doppler_std_hz", "fss_db",
	"wwv_power_db", "wwvh_power_db", "discrimination_confidence",
	"utc_verified", "multi_station_verified", "rtp_timestamp", "processed_at",
}

func (m Measurement) toRow() []string {
	return []string{
		m.SystemTime.UTC().Format(time.RFC3339Nano),
		m.UTCTime.UTC().Format(time.RFC3339Nano),
		strconv.FormatInt(m.MinuteBoundaryUTC, 10),
		formatFloat(m.ClockOffsetMs),
		m.Station,
		formatFloat(m.FrequencyMHz),
		formatFloat(m.PropagationDelayMs),
		m.PropagationMode,
		strconv.Itoa(m.NHops),
		formatFloat(m.Confidence),
		formatFloat(m.UncertaintyMs),
		string(m.QualityGrade),
		formatFloat(m.SNRdB),
		formatFloat(m.DelaySpreadMs),
		formatFloat(m.DopplerStdHz),
		formatOptionalFloat(m.FSSdB),
		formatOptionalFloat(m.WWVPowerDB),
		formatOptionalFloat(m.WWVHPowerDB),
		m.DiscriminationConfidence,
		strconv.FormatBool(m.UTCVerified),
		strconv.FormatBool(m.MultiStationVerified),
		strconv.FormatUint(uint64(m.RTPTimestamp), 10),
		m.ProcessedAt.UTC().Format(time.RFC3339Nano),
	}
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

func formatOptionalFloat(f *float64) string {
	if f == nil {
		return ""
	}
	return formatFloat(*f)
}

// Series owns one channel's append-only CSV writer and periodic JSON
// snapshot, plus the in-memory history used for interpolation queries.
type Series struct {
	csvPath string
	history []Measurement
}

// NewSeries opens (creating if absent) the append-only CSV for path,
// writing the header only if the file is new.
func NewSeries(csvPath string) (*Series, error) {
	if err := os.MkdirAll(filepath.Dir(csvPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating clock-offset dir: %w", err)
	}
	_, err := os.Stat(csvPath)
	needsHeader := os.IsNotExist(err)

	f, err := os.OpenFile(csvPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening clock-offset csv: %w", err)
	}
	defer f.Close()

	if needsHeader {
		w := csv.NewWriter(f)
		if err := w.Write(csvHeader); err != nil {
			return nil, fmt.Errorf("writing csv header: %w", err)
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, err
		}
	}

	return &Series{csvPath: csvPath}, nil
}

// Append writes one measurement row to the CSV (append-only, never
// rewritten) and retains it in memory for interpolation queries.
func (s *Series) Append(m Measurement) error {
	f, err := os.OpenFile(s.csvPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening clock-offset csv for append: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(m.toRow()); err != nil {
		return fmt.Errorf("appending csv row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	s.history = append(s.history, m)
	sort.Slice(s.history, func(i, j int) bool {
		return s.history[i].SystemTime.Before(s.history[j].SystemTime)
	})
	return nil
}

// QualitySummary counts measurements by quality grade.
type QualitySummary map[QualityGrade]int

// Snapshot is the periodic JSON snapshot shape: full series plus a quality
// summary, mirroring the teacher's marshal-to-map pattern for stats JSON.
type Snapshot struct {
	Measurements   []Measurement  `json:"measurements"`
	QualitySummary QualitySummary `json:"quality_summary"`
	SavedAt        time.Time      `json:"saved_at"`
}

// WriteSnapshot writes the full in-memory series as a timestamped JSON
// snapshot file at <dir>/clock_offset_<YYYYmmdd_HHMMSS>.json.
func (s *Series) WriteSnapshot(dir string, now time.Time) (string, error) {
	summary := make(QualitySummary)
	for _, m := range s.history {
		summary[m.QualityGrade]++
	}
	snap := Snapshot{Measurements: s.history, QualitySummary: summary, SavedAt: now.UTC()}

	name := fmt.Sprintf("clock_offset_%s.json", now.UTC().Format("20060102_150405"))
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// GetOffsetAtTime implements get_offset_at_time: linear interpolation
// between the two measurements bracketing target (the earlier one when
// interpolate is false). If target falls outside the series' range, the
// nearest end measurement is returned; ok is false only for an empty series.
func (s *Series) GetOffsetAtTime(target time.Time, interpolate bool) (offsetMs, uncertaintyMs float64, ok bool) {
	if len(s.history) == 0 {
		return 0, 0, false
	}
	var before, after *Measurement
	for i := range s.history {
		m := &s.history[i]
		if !m.SystemTime.After(target) {
			before = m
		}
		if m.SystemTime.After(target) && after == nil {
			after = m
		}
	}
	switch {
	case before != nil && after != nil:
		if !interpolate {
			return before.ClockOffsetMs, before.UncertaintyMs, true
		}
		span := after.SystemTime.Sub(before.SystemTime).Seconds()
		if span <= 0 {
			return before.ClockOffsetMs, before.UncertaintyMs, true
		}
		alpha := target.Sub(before.SystemTime).Seconds() / span
		offset := before.ClockOffsetMs + alpha*(after.ClockOffsetMs-before.ClockOffsetMs)
		maxUnc := before.UncertaintyMs
		if after.UncertaintyMs > maxUnc {
			maxUnc = after.UncertaintyMs
		}
		unc := maxUnc * (1 + alpha*(1-alpha))
		return offset, unc, true
	case before != nil:
		return before.ClockOffsetMs, before.UncertaintyMs, true
	case after != nil:
		return after.ClockOffsetMs, after.UncertaintyMs, true
	default:
		return 0, 0, false
	}
}
