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
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// MappedMinute is a read-only, memory-mapped view of a sealed minute file.
// Callers must call Close to unmap.
type MappedMinute struct {
	data    []byte
	Samples []complex64
}

// Close unmaps the underlying file.
func (m *MappedMinute) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	m.Samples = nil
	return err
}

// OpenMinute memory-maps path (a sealed .bin file) and returns a typed view
// of length file_size/8 complex64 samples, decoded from little-endian pairs.
func OpenMinute(path string) (*MappedMinute, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening minute file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat minute file: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return &MappedMinute{}, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap minute file: %w", err)
	}

	n := len(data) / BytesPerSample
	samples := make([]complex64, n)
	for i := 0; i < n; i++ {
		off := i * BytesPerSample
		re := math.Float32frombits(leUint32(data[off:]))
		im := math.Float32frombits(leUint32(data[off+4:]))
		samples[i] = complex(re, im)
	}
	return &MappedMinute{data: data, Samples: samples}, nil
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// ReadMetadata loads and decodes a minute's JSON sidecar.
func ReadMetadata(path string) (Metadata, error) {
	var m Metadata
	b, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, err
	}
	return m, nil
}

// LatestComplete returns the path (without extension) of the most recently
// sealed minute for channelDir under root, preferring the expected
// current-UTC-minute-minus-60 boundary and falling back to a directory scan
// when that file doesn't exist (e.g. after a restart or a gap).
func LatestComplete(root, channelDir string, now time.Time) (string, int64, error) {
	expected := (now.UTC().Unix() / SecondsPerMinute * SecondsPerMinute) - SecondsPerMinute
	dayDir := time.Unix(expected, 0).UTC().Format("20060102")
	base := filepath.Join(root, "raw_buffer", channelDir, dayDir, fmt.Sprintf("%d", expected))
	if _, err := os.Stat(base + ".bin"); err == nil {
		return base, expected, nil
	}

	// Fallback: scan the day directory (and the previous day, for
	// boundary-crossing cases) for the highest minute_unix .bin present.
	var best int64 = -1
	var bestDir string
	for _, d := range []string{dayDir, time.Unix(expected, 0).UTC().AddDate(0, 0, -1).Format("20060102")} {
		dir := filepath.Join(root, "raw_buffer", channelDir, d)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			name := e.Name()
			if !strings.HasSuffix(name, ".bin") {
				continue
			}
			stem := strings.TrimSuffix(name, ".bin")
			v, err := strconv.ParseInt(stem, 10, 64)
			if err != nil {
				continue
			}
			if v > best {
				best = v
				bestDir = dir
			}
		}
	}
	if best < 0 {
		return "", 0, fmt.Errorf("no sealed minutes found for channel %q under %q", channelDir, root)
	}
	return filepath.Join(bestDir, fmt.Sprintf("%d", best)), best, nil
}
