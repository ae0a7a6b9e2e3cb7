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

// Package hoststats collects host and process resource metrics for
// inclusion in session summaries, so an operator can tell a quiet receiver
// apart from one that is about to run out of disk.
package hoststats

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/process"
)

var procStartTime = time.Now()

// Snapshot is a point-in-time host/process resource reading.
type Snapshot struct {
	CollectedAt time.Time `json:"collected_at"`

	ProcessUptimeSec uint64 `json:"process_uptime_sec"`
	ProcessRSSBytes  uint64 `json:"process_rss_bytes"`
	NumGoroutines    int    `json:"num_goroutines"`

	DiskPath       string  `json:"disk_path"`
	DiskTotalBytes uint64  `json:"disk_total_bytes"`
	DiskUsedBytes  uint64  `json:"disk_used_bytes"`
	DiskFreeBytes  uint64  `json:"disk_free_bytes"`
	DiskUsedPct    float64 `json:"disk_used_pct"`
}

// Collect gathers a Snapshot for the current process and the filesystem
// backing dataRoot (the archive's storage root).
func Collect(dataRoot string) (Snapshot, error) {
	s := Snapshot{
		CollectedAt:      time.Now().UTC(),
		ProcessUptimeSec: uint64(time.Since(procStartTime).Seconds()),
		NumGoroutines:    runtime.NumGoroutine(),
		DiskPath:         dataRoot,
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return s, fmt.Errorf("hoststats: reading process info: %w", err)
	}
	if mem, err := proc.MemoryInfo(); err == nil {
		s.ProcessRSSBytes = mem.RSS
	}

	usage, err := disk.Usage(dataRoot)
	if err != nil {
		return s, fmt.Errorf("hoststats: reading disk usage for %q: %w", dataRoot, err)
	}
	s.DiskTotalBytes = usage.Total
	s.DiskUsedBytes = usage.Used
	s.DiskFreeBytes = usage.Free
	s.DiskUsedPct = usage.UsedPercent
	return s, nil
}

// LowDiskSpace reports whether free space on the archive's filesystem has
// dropped below minFreePct percent, the threshold an operator should be
// warned about before the recorder starts failing archive writes.
func (s Snapshot) LowDiskSpace(minFreePct float64) bool {
	return 100-s.DiskUsedPct < minFreePct
}
