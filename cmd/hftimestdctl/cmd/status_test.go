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

package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mijahauan/hf-timestd/orchestrator"
	"github.com/mijahauan/hf-timestd/recorder"
)

func TestFetchStatusDecodesChannelList(t *testing.T) {
	want := []recorder.ChannelStatus{
		{Channel: "wwv-10", State: orchestrator.StateRunning},
		{Channel: "wwv-5", State: orchestrator.StateIdle},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(want))
	}))
	defer srv.Close()

	got, err := fetchStatus(srv.URL)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestFetchStatusNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := fetchStatus(srv.URL)
	require.Error(t, err)
}

func TestStateStringCoversAllStates(t *testing.T) {
	require.Contains(t, stateString(orchestrator.StateRunning), "RUNNING")
	require.Contains(t, stateString(orchestrator.StateIdle), "IDLE")
	require.Contains(t, stateString(orchestrator.StateStarting), "STARTING")
	require.Contains(t, stateString(orchestrator.StateStopping), "STOPPING")
}
