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

// Package ntpinfo queries the host's chronyd for its current NTP
// synchronization state and the system leap second table, for inclusion in
// Phase-1 session summaries. Both are advisory: a receiver with no chronyd
// running, or a tzdata file with no leap information, still records fine.
package ntpinfo

import (
	"fmt"
	"time"

	"github.com/mijahauan/hf-timestd/leapsectz"
	"github.com/mijahauan/hf-timestd/ntp/chrony"
)

// Snapshot is one point-in-time read of host time synchronization quality.
type Snapshot struct {
	OffsetMs        float64   `json:"ntp_offset_ms"`
	Stratum         uint16    `json:"ntp_stratum"`
	RootDelayMs     float64   `json:"ntp_root_delay_ms"`
	LeapSecondCount int       `json:"tai_utc_leap_count"`
	QueriedAt       time.Time `json:"queried_at"`
}

// Collect dials chronyd's control socket (commonly /var/run/chrony/chronyd.sock)
// for a tracking reply and reads the system leap second table. The leap
// count is still returned (best-effort) even if the chrony query fails, so
// a caller may choose to embed a partial snapshot; a fully-missing chronyd
// only drops the NTP-specific fields from the caller's perspective since
// they're left zero-valued.
func Collect(chronySocket string) (Snapshot, error) {
	snap := Snapshot{QueriedAt: time.Now().UTC()}

	leaps, err := leapsectz.Parse()
	if err == nil {
		snap.LeapSecondCount = len(leaps)
	}

	conn, err := dialUnix(chronySocket)
	if err != nil {
		return snap, fmt.Errorf("dialing chronyd: %w", err)
	}
	defer conn.Close()

	tracking, err := queryTracking(&chrony.Client{Sequence: 1, Connection: conn})
	if err != nil {
		return snap, fmt.Errorf("querying chronyd: %w", err)
	}
	snap.OffsetMs = tracking.CurrentCorrection * 1000
	snap.Stratum = tracking.Stratum
	snap.RootDelayMs = tracking.RootDelay * 1000
	return snap, nil
}

// chronyClient is satisfied by *chrony.Client; narrowed to allow tests to
// inject a fake without a real chronyd socket.
type chronyClient interface {
	Communicate(packet chrony.RequestPacket) (chrony.ResponsePacket, error)
}

func queryTracking(client chronyClient) (*chrony.Tracking, error) {
	reply, err := client.Communicate(chrony.NewTrackingPacket())
	if err != nil {
		return nil, err
	}
	tracking, ok := reply.(*chrony.ReplyTracking)
	if !ok {
		return nil, fmt.Errorf("unexpected tracking reply type %T", reply)
	}
	return &tracking.Tracking, nil
}
