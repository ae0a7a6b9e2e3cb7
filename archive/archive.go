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
Package archive writes minute-aligned, preallocated complex-IQ files and
their JSON metadata sidecars, never mutated after flush. The RTP-to-Unix
time anchor is established exactly once per writer lifetime; all routing
thereafter is derived purely from RTP timestamps.
*/
package archive

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash"
	log "github.com/sirupsen/logrus"

	"github.com/mijahauan/hf-timestd/diskqueue"
)

// SamplesPerMinute is the fixed minute-file length at 20kHz nominal rate.
const SamplesPerMinute = 1_200_000

// BytesPerSample is the on-disk size of one little-endian complex64 sample.
const BytesPerSample = 8

// SecondsPerMinute is the minute boundary stride.
const SecondsPerMinute = 60

// Metadata mirrors the per-minute JSON sidecar schema exactly.
type Metadata struct {
	MinuteBoundary    int64   `json:"minute_boundary"`
	Channel           string  `json:"channel"`
	FrequencyHz       float64 `json:"frequency_hz"`
	SampleRate        uint32  `json:"sample_rate"`
	SamplesWritten    int     `json:"samples_written"`
	SamplesExpected   int     `json:"samples_expected"`
	CompletenessPct   float64 `json:"completeness_pct"`
	GapCount          int     `json:"gap_count"`
	GapSamples        uint64  `json:"gap_samples"`
	StartRTPTimestamp uint32  `json:"start_rtp_timestamp"`
	Dtype             string  `json:"dtype"`
	ByteOrder         string  `json:"byte_order"`
	WrittenAt         string  `json:"written_at"`
	StationCallsign   string  `json:"station_callsign"`
	StationGrid       string  `json:"station_grid"`
	ContentChecksum   uint64  `json:"content_checksum,omitempty"`
}

// Config configures a Writer.
type Config struct {
	Root            string
	ChannelDir      string // ASCII-space-normalized channel directory name
	FrequencyHz     float64
	SampleRate      uint32
	StationCallsign string
	StationGrid     string
	Checksum        bool // if true, compute xxhash of each sealed minute
}

// NormalizeChannelDir replaces ASCII spaces with underscores, per the
// on-disk naming convention (e.g. "WWV 10 MHz" -> "WWV_10_MHz").
func NormalizeChannelDir(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		if name[i] == ' ' {
			out[i] = '_'
		} else {
			out[i] = name[i]
		}
	}
	return string(out)
}

// minuteBuffer is the in-flight, preallocated minute under construction.
// writePos is the total cursor (real samples plus zero-filled gap spans);
// written counts only the real samples actually copied in. For a buffer
// that starts at the minute boundary, written + gapSamples == writePos; the
// first buffer of a stream may start mid-minute, with writePos set to its
// offset into the minute.
type minuteBuffer struct {
	minuteBoundary int64
	samples        []complex64
	writePos       int
	written        int
	startRTP       uint32
	gapCount       int
	gapSamples     uint64
}

// Writer is the per-channel binary archive writer (C3).
type Writer struct {
	cfg     Config
	queue   *diskqueue.Writer
	current *minuteBuffer

	haveAnchor  bool
	rtpUnixOffs float64 // seconds: unix = rtp/rate + offset

	writeErrors uint64
}

// NewWriter constructs a Writer that enqueues sealed minutes onto queue.
func NewWriter(cfg Config, queue *diskqueue.Writer) *Writer {
	return &Writer{cfg: cfg, queue: queue}
}

// WriteErrors reports the cumulative count of enqueue failures.
func (w *Writer) WriteErrors() uint64 { return w.writeErrors }

// WriteSamples anchors (on first call), routes, and copies samples into the
// current minute buffer, splitting and sealing across minute boundaries as
// needed. wallTimeHint is only consulted on the very first call. A reported
// gap is advanced over first, independently of samples: it consumes its
// span of the minute buffer's already-zeroed slots (zero-fill) and moves
// the RTP cursor forward by gapSamplesHint before any real sample is
// routed, so real samples following a gap land at their true RTP-derived
// position instead of being shifted earlier by the lost span.
func (w *Writer) WriteSamples(samples []complex64, rtpTimestamp uint32, wallTimeHint float64, gapSamplesHint uint64) (int, error) {
	if !w.haveAnchor {
		w.rtpUnixOffs = wallTimeHint - float64(rtpTimestamp)/float64(w.cfg.SampleRate)
		w.haveAnchor = true
		log.Infof("archive[%s]: anchor established rtp=%d unix_offset=%.6f", w.cfg.ChannelDir, rtpTimestamp, w.rtpUnixOffs)
	}

	rtp := rtpTimestamp
	if gapSamplesHint > 0 {
		var err error
		rtp, _, err = w.advance(rtp, int(gapSamplesHint), nil)
		if err != nil {
			w.writeErrors++
			return 0, err
		}
	}

	_, written, err := w.advance(rtp, len(samples), samples)
	if err != nil {
		w.writeErrors++
		return written, err
	}
	return written, nil
}

// advance routes n samples worth of span starting at rtp into the current
// minute buffer, splitting and sealing across minute boundaries as needed,
// returning the new rtp cursor and the count actually copied in. When data
// is nil the span is a reported gap: the buffer's pre-zeroed slots are left
// untouched and the span is folded into the sealed minute's gap ledger
// instead of being copied (so the returned count is always 0 for a gap).
func (w *Writer) advance(rtp uint32, n int, data []complex64) (uint32, int, error) {
	written := 0
	remaining := n
	for remaining > 0 {
		next, chunk, err := w.advanceChunk(rtp, remaining, data)
		if err != nil {
			return rtp, written, err
		}
		rtp = next
		remaining -= chunk
		if data != nil {
			data = data[chunk:]
			written += chunk
		}
	}
	return rtp, written, nil
}

// advanceChunk advances into a single minute buffer segment (until either n
// samples are consumed or the current buffer seals), returning the new rtp
// cursor and the count consumed. data == nil means "gap": the chunk is
// zero-filled in place and counted into gapSamples/gapCount instead of
// written.
func (w *Writer) advanceChunk(rtp uint32, n int, data []complex64) (uint32, int, error) {
	sampleUnix := float64(rtp)/float64(w.cfg.SampleRate) + w.rtpUnixOffs
	minuteBoundary := int64(math.Floor(sampleUnix/SecondsPerMinute)) * SecondsPerMinute

	if w.current == nil {
		offsetInMinute := int(math.Round((sampleUnix - float64(minuteBoundary)) * float64(w.cfg.SampleRate)))
		if offsetInMinute < 0 {
			offsetInMinute = 0
		}
		w.current = &minuteBuffer{
			minuteBoundary: minuteBoundary,
			samples:        make([]complex64, SamplesPerMinute),
			writePos:       offsetInMinute,
			startRTP:       rtp - uint32(offsetInMinute),
		}
	} else if minuteBoundary > w.current.minuteBoundary {
		if err := w.seal(); err != nil {
			return rtp, 0, err
		}
		w.current = &minuteBuffer{
			minuteBoundary: minuteBoundary,
			samples:        make([]complex64, SamplesPerMinute),
			writePos:       0,
			startRTP:       rtp,
		}
	}

	space := SamplesPerMinute - w.current.writePos
	chunk := n
	if chunk > space {
		chunk = space
	}
	if data != nil {
		copy(w.current.samples[w.current.writePos:], data[:chunk])
		w.current.written += chunk
	} else {
		w.current.gapCount++
		w.current.gapSamples += uint64(chunk)
	}
	w.current.writePos += chunk
	rtp += uint32(chunk)

	if w.current.writePos == SamplesPerMinute {
		if err := w.seal(); err != nil {
			return rtp, chunk, err
		}
		w.current = nil
	}
	return rtp, chunk, nil
}

// Flush seals any in-flight minute buffer immediately (partial minute).
func (w *Writer) Flush() error {
	if w.current == nil {
		return nil
	}
	err := w.seal()
	w.current = nil
	return err
}

// Close flushes and releases the writer. Safe to call multiple times.
func (w *Writer) Close() error {
	return w.Flush()
}

func (w *Writer) seal() error {
	mb := w.current
	dayDir := time.Unix(mb.minuteBoundary, 0).UTC().Format("20060102")
	dir := filepath.Join(w.cfg.Root, "raw_buffer", w.cfg.ChannelDir, dayDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating archive dir: %w", err)
	}
	base := fmt.Sprintf("%d", mb.minuteBoundary)
	blobPath := filepath.Join(dir, base+".bin")
	metaPath := filepath.Join(dir, base+".json")

	blob := encodeSamples(mb.samples)
	// P3: completeness_pct = 100*(samples_expected - gap_samples)/samples_expected,
	// independent of writePos (which folds gap-filled spans in too).
	completeness := 100.0 * float64(SamplesPerMinute-int64(mb.gapSamples)) / float64(SamplesPerMinute)
	meta := Metadata{
		MinuteBoundary:    mb.minuteBoundary,
		Channel:           w.cfg.ChannelDir,
		FrequencyHz:       w.cfg.FrequencyHz,
		SampleRate:        w.cfg.SampleRate,
		SamplesWritten:    mb.written,
		SamplesExpected:   SamplesPerMinute,
		CompletenessPct:   completeness,
		GapCount:          mb.gapCount,
		GapSamples:        mb.gapSamples,
		StartRTPTimestamp: mb.startRTP,
		Dtype:             "complex64",
		ByteOrder:         "little",
		WrittenAt:         time.Now().UTC().Format(time.RFC3339),
		StationCallsign:   w.cfg.StationCallsign,
		StationGrid:       w.cfg.StationGrid,
	}
	if w.cfg.Checksum {
		meta.ContentChecksum = xxhash.Sum64(blob)
	}

	metaMap, err := metadataToMap(meta)
	if err != nil {
		return err
	}

	ok := w.queue.QueueWrite(diskqueue.WriteRequest{
		BlobPath:     blobPath,
		MetadataPath: metaPath,
		Blob:         blob,
		Metadata:     metaMap,
		Priority:     diskqueue.PriorityNormal,
	})
	if !ok {
		return fmt.Errorf("archive[%s]: queue full, dropped minute %d", w.cfg.ChannelDir, mb.minuteBoundary)
	}
	return nil
}

func encodeSamples(samples []complex64) []byte {
	buf := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		off := i * BytesPerSample
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(real(s)))
		binary.LittleEndian.PutUint32(buf[off+4:], math.Float32bits(imag(s)))
	}
	return buf
}
