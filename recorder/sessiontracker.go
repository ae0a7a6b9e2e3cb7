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

package recorder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mijahauan/hf-timestd/archive"
	"github.com/mijahauan/hf-timestd/ntpinfo"
)

// defaultChronySocket is the conventional chronyd control socket path on
// Linux; overridable per SessionTracker for test or non-default setups.
const defaultChronySocket = "/var/run/chrony/chronyd.sock"

// offlineGapThreshold is the minimum gap between sessions worth logging;
// shorter gaps are ordinary restarts.
const offlineGapThreshold = 120 * time.Second

// SessionRecord is one RECORDER_OFFLINE boundary logged to
// session_boundaries.jsonl.
type SessionRecord struct {
	Channel              string    `json:"channel"`
	GapType              string    `json:"gap_type"`
	PreviousSessionEnd   float64   `json:"previous_session_end"`
	CurrentSessionStart  float64   `json:"current_session_start"`
	GapDurationSec       float64   `json:"gap_duration_sec"`
	GapDurationHours     float64   `json:"gap_duration_hours"`
	Explanation          string    `json:"explanation"`
	DetectedAt           time.Time `json:"detected_at"`
}

// SessionTracker detects recorder offline gaps by comparing the start of a
// new session against the last archived minute for a channel, and keeps a
// persistent JSONL log of every gap found.
type SessionTracker struct {
	archiveDir   string
	channel      string
	sampleRate   uint32
	logPath      string
	chronySocket string
}

// NewSessionTracker constructs a tracker for one channel's archive
// directory (the root passed to archive.Config, not the channel subdir).
func NewSessionTracker(archiveDir, channel string, sampleRate uint32) *SessionTracker {
	return &SessionTracker{
		archiveDir:   archiveDir,
		channel:      channel,
		sampleRate:   sampleRate,
		logPath:      filepath.Join(archiveDir, "session_boundaries.jsonl"),
		chronySocket: defaultChronySocket,
	}
}

// WriteSessionSummary records the optional NTP/leap-second metadata for a
// newly started session under metadata/, per spec.md §6.2-§6.3. chronyd
// being unreachable is expected on a receiver with no host NTP daemon; the
// summary is still written with NTPAvailable false.
func (s *SessionTracker) WriteSessionSummary(sessionStart time.Time) error {
	snap, err := ntpinfo.Collect(s.chronySocket)
	summary := archive.SessionSummary{
		Channel:         s.channel,
		SessionStart:    sessionStart,
		TAIUTCLeapCount: snap.LeapSecondCount,
		NTPAvailable:    err == nil,
	}
	if err == nil {
		summary.NTPOffsetMs = snap.OffsetMs
		summary.NTPStratum = snap.Stratum
		summary.NTPRootDelayMs = snap.RootDelayMs
	} else {
		log.Debugf("channel %q: chrony query unavailable: %v", s.channel, err)
	}

	channelDir := archive.NormalizeChannelDir(s.channel)
	return archive.WriteSessionSummary(s.archiveDir, channelDir, sessionStart, summary)
}

// CheckForOfflineGap looks for the prior session's last archived minute and,
// if the gap to currentStart exceeds offlineGapThreshold, logs and returns a
// SessionRecord. Returns nil, nil when there is no prior session or the gap
// is short enough to be an ordinary restart.
func (s *SessionTracker) CheckForOfflineGap(currentStart float64) (*SessionRecord, error) {
	lastEnd, found, err := s.lastSessionEnd()
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	gapSec := currentStart - lastEnd
	if gapSec < offlineGapThreshold.Seconds() {
		return nil, nil
	}

	rec := &SessionRecord{
		Channel:             s.channel,
		GapType:             "RECORDER_OFFLINE",
		PreviousSessionEnd:  lastEnd,
		CurrentSessionStart: currentStart,
		GapDurationSec:      gapSec,
		GapDurationHours:    gapSec / 3600,
		Explanation: fmt.Sprintf(
			"recorder offline for %.2f hours (previous session ended %s, current session started %s)",
			gapSec/3600,
			time.Unix(int64(lastEnd), 0).UTC().Format(time.RFC3339),
			time.Unix(int64(currentStart), 0).UTC().Format(time.RFC3339),
		),
		DetectedAt: time.Now().UTC(),
	}
	if err := s.appendRecord(*rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// lastSessionEnd finds the channel's most recent archived minute's end time
// via archive.LatestComplete's day-directory scan.
func (s *SessionTracker) lastSessionEnd() (float64, bool, error) {
	channelDir := archive.NormalizeChannelDir(s.channel)
	base, _, err := archive.LatestComplete(s.archiveDir, channelDir, time.Now())
	if err != nil {
		return 0, false, nil
	}

	meta, err := archive.ReadMetadata(base + ".json")
	if err != nil {
		return 0, false, fmt.Errorf("reading last session metadata: %w", err)
	}
	rate := float64(meta.SampleRate)
	if rate <= 0 {
		rate = float64(s.sampleRate)
	}
	endTime := float64(meta.MinuteBoundary) + float64(meta.SamplesWritten)/rate
	return endTime, true, nil
}

func (s *SessionTracker) appendRecord(rec SessionRecord) error {
	f, err := os.OpenFile(s.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening session log: %w", err)
	}
	defer f.Close()
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = f.Write(append(b, '\n'))
	return err
}

// GetSessionHistory returns this channel's logged gaps from the last `days`
// days, most recent first.
func (s *SessionTracker) GetSessionHistory(days int) ([]SessionRecord, error) {
	f, err := os.Open(s.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour).Unix()
	var records []SessionRecord
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		var rec SessionRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if rec.Channel == s.channel && int64(rec.CurrentSessionStart) >= cutoff {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CurrentSessionStart > records[j].CurrentSessionStart
	})
	return records, scanner.Err()
}
