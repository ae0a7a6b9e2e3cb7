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

package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/mijahauan/hf-timestd/orchestrator"
	"github.com/mijahauan/hf-timestd/recorder"
)

type fakeSource struct {
	statuses []recorder.ChannelStatus
}

func (f fakeSource) Status() []recorder.ChannelStatus { return f.statuses }

func TestJSONExporterWritesStatusSnapshot(t *testing.T) {
	src := fakeSource{statuses: []recorder.ChannelStatus{
		{Channel: "WWV_10_MHz", State: orchestrator.StateRunning, Stats: orchestrator.Stats{BatchesProcessed: 5}},
	}}
	exp := NewJSONExporter(src)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	exp.handleRequest(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out []recorder.ChannelStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	require.Equal(t, "WWV_10_MHz", out[0].Channel)
	require.Equal(t, uint64(5), out[0].Stats.BatchesProcessed)
}

func TestPrometheusCollectorEmitsPerChannelMetrics(t *testing.T) {
	src := fakeSource{statuses: []recorder.ChannelStatus{
		{Channel: "WWV_10_MHz", State: orchestrator.StateRunning, Stats: orchestrator.Stats{
			BatchesProcessed: 3, MinutesAnalyzed: 2, AnalysisQueueDrops: 1, ArchiveWriteErrors: 0,
		}},
	}}
	collector := NewPrometheusCollector(src)

	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(collector))

	families, err := registry.Gather()
	require.NoError(t, err)

	found := map[string]bool{}
	for _, fam := range families {
		found[fam.GetName()] = true
		for _, m := range fam.GetMetric() {
			require.Len(t, m.GetLabel(), 1)
			require.Equal(t, "channel", m.GetLabel()[0].GetName())
			require.Equal(t, "WWV_10_MHz", m.GetLabel()[0].GetValue())
		}
	}
	require.True(t, found["hf_timestd_batches_processed_total"])
	require.True(t, found["hf_timestd_minutes_analyzed_total"])
	require.True(t, found["hf_timestd_channel_state"])
}

func TestPrometheusCollectorValuesMatchStats(t *testing.T) {
	src := fakeSource{statuses: []recorder.ChannelStatus{
		{Channel: "WWV_10_MHz", State: orchestrator.StateRunning, Stats: orchestrator.Stats{BatchesProcessed: 7}},
	}}
	collector := NewPrometheusCollector(src)
	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(collector))

	families, err := registry.Gather()
	require.NoError(t, err)

	var got float64
	for _, fam := range families {
		if fam.GetName() != "hf_timestd_batches_processed_total" {
			continue
		}
		for _, m := range fam.GetMetric() {
			got = m.GetCounter().GetValue()
		}
	}
	require.Equal(t, float64(7), got)
}
