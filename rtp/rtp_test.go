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

package rtp

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	pionrtp "github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

func samplePayload(n int, re, im float32) []byte {
	buf := make([]byte, n*BytesPerSample)
	for i := 0; i < n; i++ {
		off := i * BytesPerSample
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(re))
		binary.LittleEndian.PutUint32(buf[off+4:], math.Float32bits(im))
	}
	return buf
}

func pkt(seq uint16, ts uint32, n int) pionrtp.Packet {
	return pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			SequenceNumber: seq,
			Timestamp:      ts,
		},
		Payload: samplePayload(n, 1, -1),
	}
}

func TestDecodeSamples(t *testing.T) {
	buf := samplePayload(2, 0.5, -0.25)
	samples := decodeSamples(buf)
	require.Len(t, samples, 2)
	require.Equal(t, complex64(complex(0.5, -0.25)), samples[0])
	require.Equal(t, complex64(complex(0.5, -0.25)), samples[1])
}

func TestSeq16DiffWrap(t *testing.T) {
	require.Equal(t, 1, seq16Diff(0, 65535))
	require.Equal(t, -1, seq16Diff(65535, 0))
	require.Equal(t, 0, seq16Diff(100, 100))
}

func TestSeqDiff32Wrap(t *testing.T) {
	require.Equal(t, int64(1), SeqDiff32(0, 4294967295))
	require.Equal(t, int64(-1), SeqDiff32(4294967295, 0))
}

func TestIngestInOrderDelivery(t *testing.T) {
	r := NewReceiver(Config{ResequenceDepth: 4, SamplesPerPacket: 4})
	out := make(chan SampleBatch, 16)
	r.ingest(pkt(0, 0, 4), time.Unix(0, 0), out)
	r.ingest(pkt(1, 4, 4), time.Unix(0, 0), out)
	close(out)
	var batches []SampleBatch
	for b := range out {
		batches = append(batches, b)
	}
	require.Len(t, batches, 2)
	require.EqualValues(t, 0, batches[0].RTPTimestamp)
	require.EqualValues(t, 4, batches[1].RTPTimestamp)
	require.Zero(t, batches[0].GapSamplesBefore)
}

func TestIngestOutOfOrderWithinWindowReordersCorrectly(t *testing.T) {
	r := NewReceiver(Config{ResequenceDepth: 4, SamplesPerPacket: 4})
	out := make(chan SampleBatch, 16)
	r.ingest(pkt(10, 40, 4), time.Unix(0, 0), out) // establishes the baseline, flushes immediately
	r.ingest(pkt(12, 48, 4), time.Unix(0, 0), out) // arrives ahead of 11, held in the window
	r.ingest(pkt(11, 44, 4), time.Unix(0, 0), out) // fills the gap; both 11 and 12 flush in order
	close(out)
	var seqs []uint16
	for b := range out {
		seqs = append(seqs, b.RTPSequence)
	}
	require.Equal(t, []uint16{10, 11, 12}, seqs)
}

func TestIngestGapDetectedAndZeroFilled(t *testing.T) {
	r := NewReceiver(Config{ResequenceDepth: 4, SamplesPerPacket: 4})
	out := make(chan SampleBatch, 16)
	r.ingest(pkt(0, 0, 4), time.Unix(0, 0), out)
	// seq 1 is lost; seq 5 arrives far enough ahead to force the window to
	// advance, and the remaining pending slots are confirmed lost at shutdown.
	r.ingest(pkt(5, 20, 4), time.Unix(0, 0), out)
	r.FlushRemaining(out)
	close(out)
	var gapTotal uint32
	var n int
	for b := range out {
		n++
		gapTotal += b.GapSamplesBefore
	}
	require.Equal(t, uint32(4*4), gapTotal) // seq 1..4 missing = 4 packets * 4 samples
	require.Equal(t, uint64(4), r.stats.PacketsLost)
}

func TestIngestLatePacketDroppedAndCounted(t *testing.T) {
	r := NewReceiver(Config{ResequenceDepth: 4, SamplesPerPacket: 4})
	out := make(chan SampleBatch, 16)
	r.ingest(pkt(5, 20, 4), time.Unix(0, 0), out)
	<-out // drain the real batch for seq 5, which also sets the window head to seq 6
	r.ingest(pkt(0, 0, 4), time.Unix(0, 0), out) // older than window head now
	require.Equal(t, uint64(1), r.stats.PacketsLate)
}
