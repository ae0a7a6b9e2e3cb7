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

package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SessionSummary is the optional per-session NTP/leap-second record written
// under <root>/raw_buffer/<CHANNEL_DIR>/<YYYYMMDD>/metadata/.
type SessionSummary struct {
	Channel         string    `json:"channel"`
	SessionStart    time.Time `json:"session_start"`
	NTPOffsetMs     float64   `json:"ntp_offset_ms,omitempty"`
	NTPStratum      uint16    `json:"ntp_stratum,omitempty"`
	NTPRootDelayMs  float64   `json:"ntp_root_delay_ms,omitempty"`
	NTPAvailable    bool      `json:"ntp_available"`
	TAIUTCLeapCount int       `json:"tai_utc_leap_count"`
}

// WriteSessionSummary writes summary to <root>/raw_buffer/<channelDir>/<day>/metadata/
// as a single JSON file named by the session's start time, creating
// directories as needed. One file per session start, never rewritten.
func WriteSessionSummary(root, channelDir string, day time.Time, summary SessionSummary) error {
	dir := filepath.Join(root, "raw_buffer", channelDir, day.UTC().Format("20060102"), "metadata")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating metadata dir: %w", err)
	}

	name := fmt.Sprintf("session_%s.json", summary.SessionStart.UTC().Format("20060102_150405"))
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling session summary: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, name), data, 0o644)
}
