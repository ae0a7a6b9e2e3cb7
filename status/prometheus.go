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
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

var (
	batchesProcessedDesc = prometheus.NewDesc(
		"hf_timestd_batches_processed_total", "RTP sample batches processed per channel", []string{"channel"}, nil)
	minutesAnalyzedDesc = prometheus.NewDesc(
		"hf_timestd_minutes_analyzed_total", "minutes passed through the temporal engine per channel", []string{"channel"}, nil)
	analysisQueueDropsDesc = prometheus.NewDesc(
		"hf_timestd_analysis_queue_drops_total", "minutes dropped because the analysis queue was full", []string{"channel"}, nil)
	archiveWriteErrorsDesc = prometheus.NewDesc(
		"hf_timestd_archive_write_errors_total", "archive write failures per channel", []string{"channel"}, nil)
	channelStateDesc = prometheus.NewDesc(
		"hf_timestd_channel_state", "orchestrator lifecycle state (0=idle,1=starting,2=running,3=stopping)", []string{"channel"}, nil)
)

// PrometheusCollector adapts a Source into a prometheus.Collector, scraping
// live status on every Collect call rather than caching counters, following
// the pack's registry-per-process convention from sptp's exporter.
type PrometheusCollector struct {
	source Source
}

// NewPrometheusCollector builds a collector over source.
func NewPrometheusCollector(source Source) *PrometheusCollector {
	return &PrometheusCollector{source: source}
}

// Describe implements prometheus.Collector.
func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- batchesProcessedDesc
	ch <- minutesAnalyzedDesc
	ch <- analysisQueueDropsDesc
	ch <- archiveWriteErrorsDesc
	ch <- channelStateDesc
}

// Collect implements prometheus.Collector.
func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.source.Status() {
		ch <- prometheus.MustNewConstMetric(batchesProcessedDesc, prometheus.CounterValue, float64(s.Stats.BatchesProcessed), s.Channel)
		ch <- prometheus.MustNewConstMetric(minutesAnalyzedDesc, prometheus.CounterValue, float64(s.Stats.MinutesAnalyzed), s.Channel)
		ch <- prometheus.MustNewConstMetric(analysisQueueDropsDesc, prometheus.CounterValue, float64(s.Stats.AnalysisQueueDrops), s.Channel)
		ch <- prometheus.MustNewConstMetric(archiveWriteErrorsDesc, prometheus.CounterValue, float64(s.Stats.ArchiveWriteErrors), s.Channel)
		ch <- prometheus.MustNewConstMetric(channelStateDesc, prometheus.GaugeValue, float64(s.State), s.Channel)
	}
}

// ServePrometheus registers the collector on a fresh registry and blocks
// serving /metrics on listenPort, mirroring sptp stats' PrometheusExporter.
func ServePrometheus(source Source, listenPort int) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(NewPrometheusCollector(source))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	addr := fmt.Sprintf(":%d", listenPort)
	log.Infof("starting prometheus exporter on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}
