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

package ntpinfo

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mijahauan/hf-timestd/ntp/chrony"
)

type fakeChronyClient struct {
	reply chrony.ResponsePacket
	err   error
}

func (f *fakeChronyClient) Communicate(_ chrony.RequestPacket) (chrony.ResponsePacket, error) {
	return f.reply, f.err
}

func TestQueryTrackingReturnsParsedFields(t *testing.T) {
	client := &fakeChronyClient{reply: &chrony.ReplyTracking{
		Tracking: chrony.Tracking{
			Stratum:           2,
			CurrentCorrection: 0.0012,
			RootDelay:         0.003,
		},
	}}
	tracking, err := queryTracking(client)
	require.NoError(t, err)
	require.EqualValues(t, 2, tracking.Stratum)
	require.InDelta(t, 0.0012, tracking.CurrentCorrection, 1e-9)
}

func TestQueryTrackingWrongReplyType(t *testing.T) {
	client := &fakeChronyClient{reply: &chrony.ReplySources{}}
	_, err := queryTracking(client)
	require.Error(t, err)
}

func TestQueryTrackingCommunicateError(t *testing.T) {
	client := &fakeChronyClient{err: fmt.Errorf("no such source")}
	_, err := queryTracking(client)
	require.Error(t, err)
}

func TestCollectMissingSocketStillReturnsSnapshot(t *testing.T) {
	snap, err := Collect("/nonexistent/chronyd.sock")
	require.Error(t, err)
	require.Zero(t, snap.OffsetMs)
}
