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
Package rtp subscribes to a multicast RTP stream of 20kHz complex-IQ samples
and delivers resequenced, gap-annotated SampleBatches tagged with a
monotonic sample index and a GPS-derived wall-clock time, when available.
*/
package rtp

import (
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"time"

	pionrtp "github.com/pion/rtp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

// BytesPerSample is the wire size of one little-endian complex<f32> sample.
const BytesPerSample = 8

// ErrSocket is returned when the multicast socket itself fails; the receiver
// for that channel must terminate.
type ErrSocket struct{ Err error }

func (e *ErrSocket) Error() string { return fmt.Sprintf("rtp socket error: %v", e.Err) }
func (e *ErrSocket) Unwrap() error { return e.Err }

// SampleBatch is an immutable slice of decoded IQ samples along with the
// RTP framing metadata needed to place it in the archive and derive UTC.
type SampleBatch struct {
	RTPTimestamp     uint32
	RTPSequence      uint16
	Samples          []complex64
	GapSamplesBefore uint32
	ArrivalWallTime  float64
}

// QualityStats are the cumulative counters exported by a Receiver.
type QualityStats struct {
	PacketsReceived   uint64
	PacketsLost       uint64
	PacketsLate       uint64
	PacketsResequenced uint64
	GapSamplesTotal   uint64
	LastRTPTimestamp  uint32
}

// Config configures a Receiver.
type Config struct {
	Multicast          net.IP
	Port               int
	Interface          string
	SamplesPerPacket   int // expected payload samples per packet, e.g. 400
	ResequenceDepth    int // default 64
	SampleRate         uint32
}

// DefaultResequenceDepth is used when Config.ResequenceDepth is unset.
const DefaultResequenceDepth = 64

// Receiver binds a multicast socket and produces resequenced SampleBatches.
type Receiver struct {
	cfg    Config
	conn   *net.UDPConn
	pconn  *ipv4.PacketConn
	stats  QualityStats
	window []pendingPacket
	nextSeq uint16
	haveSeq bool
}

type pendingPacket struct {
	present bool
	pkt     pionrtp.Packet
	arrival time.Time
}

// NewReceiver constructs a Receiver; call Subscribe to start reading.
func NewReceiver(cfg Config) *Receiver {
	if cfg.ResequenceDepth <= 0 {
		cfg.ResequenceDepth = DefaultResequenceDepth
	}
	return &Receiver{
		cfg:    cfg,
		window: make([]pendingPacket, cfg.ResequenceDepth),
	}
}

// Subscribe opens the multicast socket and joins the group on the configured
// interface. Callers must call Close when done.
func (r *Receiver) Subscribe() error {
	addr := &net.UDPAddr{IP: r.cfg.Multicast, Port: r.cfg.Port}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: r.cfg.Port})
	if err != nil {
		return &ErrSocket{Err: err}
	}
	pconn := ipv4.NewPacketConn(conn)
	var iface *net.Interface
	if r.cfg.Interface != "" {
		iface, err = net.InterfaceByName(r.cfg.Interface)
		if err != nil {
			conn.Close()
			return &ErrSocket{Err: fmt.Errorf("resolving interface %q: %w", r.cfg.Interface, err)}
		}
	}
	if err := pconn.JoinGroup(iface, &net.UDPAddr{IP: addr.IP}); err != nil {
		conn.Close()
		return &ErrSocket{Err: fmt.Errorf("joining multicast group %s: %w", addr.IP, err)}
	}
	r.conn = conn
	r.pconn = pconn
	return nil
}

// Close leaves the multicast group and closes the socket.
func (r *Receiver) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

// Stats returns a snapshot of the cumulative quality counters.
func (r *Receiver) Stats() QualityStats { return r.stats }

// Run reads datagrams until the socket errors or ctx-like stop is requested
// via Close, delivering resequenced batches on out. Run returns (and closes
// out) when the socket fails; callers should treat that as terminal for this
// channel only, per spec.
func (r *Receiver) Run(out chan<- SampleBatch) error {
	defer close(out)
	buf := make([]byte, 65536)
	for {
		n, _, _, err := r.pconn.ReadFrom(buf)
		if err != nil {
			return &ErrSocket{Err: err}
		}
		arrival := time.Now()
		var pkt pionrtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			log.Warnf("rtp: dropping malformed packet: %v", err)
			continue
		}
		r.stats.PacketsReceived++
		r.ingest(pkt, arrival, out)
	}
}

// ingest places pkt into the resequence window and flushes any batches whose
// window has closed, in strict sequence order, zero-filling gaps exactly
// once.
func (r *Receiver) ingest(pkt pionrtp.Packet, arrival time.Time, out chan<- SampleBatch) {
	if !r.haveSeq {
		r.nextSeq = pkt.SequenceNumber
		r.haveSeq = true
	}

	// distance of pkt, relative to the oldest still-pending slot (r.nextSeq),
	// using signed 16-bit wraparound arithmetic.
	dist := seq16Diff(pkt.SequenceNumber, r.nextSeq)
	if dist < 0 {
		// packet older than our window head: late, drop and count.
		r.stats.PacketsLate++
		return
	}
	if dist >= len(r.window) {
		// Packet is far enough ahead that we must flush out everything
		// up through (dist - len(window) + 1) slots as missing before we
		// can make room.
		toFlush := dist - len(r.window) + 1
		for i := 0; i < toFlush; i++ {
			r.flushHead(out)
		}
		dist = seq16Diff(pkt.SequenceNumber, r.nextSeq)
	}
	idx := int(dist) % len(r.window)
	if r.window[idx].present {
		r.stats.PacketsResequenced++
	}
	r.window[idx] = pendingPacket{present: true, pkt: pkt, arrival: arrival}

	// Opportunistically flush a full prefix of the window, in order.
	for r.window[0].present {
		r.flushHead(out)
	}
}

// flushHead emits (or synthesizes a gap for) the packet at the head of the
// resequence window, then rotates the window forward by one sequence slot.
func (r *Receiver) flushHead(out chan<- SampleBatch) {
	head := r.window[0]
	copy(r.window, r.window[1:])
	r.window[len(r.window)-1] = pendingPacket{}

	if !head.present {
		r.stats.PacketsLost++
		gap := uint32(r.cfg.SamplesPerPacket)
		r.stats.GapSamplesTotal += uint64(gap)
		out <- SampleBatch{
			RTPTimestamp:     r.nextSeq32Estimate(),
			RTPSequence:      r.nextSeq,
			Samples:          nil,
			GapSamplesBefore: gap,
		}
		r.nextSeq++
		return
	}

	samples := decodeSamples(head.pkt.Payload)
	r.stats.LastRTPTimestamp = head.pkt.Timestamp
	out <- SampleBatch{
		RTPTimestamp:     head.pkt.Timestamp,
		RTPSequence:      head.pkt.SequenceNumber,
		Samples:          samples,
		GapSamplesBefore: 0,
		ArrivalWallTime:  float64(head.arrival.UnixNano()) / 1e9,
	}
	r.nextSeq++
}

// FlushRemaining force-flushes every slot still outstanding in the
// resequence window, in order, confirming any gaps. The receive pump in
// cmd/hf-timestd calls this on shutdown so a receiver's last few packets
// aren't silently held back.
func (r *Receiver) FlushRemaining(out chan<- SampleBatch) {
	for i := 0; i < len(r.window); i++ {
		r.flushHead(out)
	}
}

// nextSeq32Estimate extrapolates an RTP timestamp for a lost packet from the
// last seen timestamp and the expected samples-per-packet stride; exact
// values are not recoverable for a missing packet, only a best estimate for
// placement purposes (the caller fills with zeros regardless).
func (r *Receiver) nextSeq32Estimate() uint32 {
	return r.stats.LastRTPTimestamp + uint32(r.cfg.SamplesPerPacket)
}

// decodeSamples unpacks a payload of packed little-endian complex<f32>
// pairs into complex64 samples.
func decodeSamples(payload []byte) []complex64 {
	n := len(payload) / BytesPerSample
	out := make([]complex64, n)
	for i := 0; i < n; i++ {
		off := i * BytesPerSample
		re := math.Float32frombits(binary.LittleEndian.Uint32(payload[off:]))
		im := math.Float32frombits(binary.LittleEndian.Uint32(payload[off+4:]))
		out[i] = complex(re, im)
	}
	return out
}

// seq16Diff returns a-b as a signed difference over a 16-bit wrapping
// sequence space, using the half-range two's-complement convention: results
// are in [-32768, 32767].
func seq16Diff(a, b uint16) int {
	d := int16(a - b)
	return int(d)
}

// SeqDiff32 returns a-b as a signed difference over a 32-bit wrapping RTP
// timestamp space, using the half-range two's-complement convention. This is
// the wrap-safe comparison spec.md requires for RTP timestamp arithmetic
// (the 2^32 wrap case).
func SeqDiff32(a, b uint32) int64 {
	d := int32(a - b)
	return int64(d)
}
