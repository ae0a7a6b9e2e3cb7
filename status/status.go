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

// Package status exports the recorder's per-channel state over JSON (for
// humans and the inspection CLI) and Prometheus (for monitoring).
package status

import (
	"encoding/json"
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/mijahauan/hf-timestd/recorder"
)

// Source reports the current status of every channel a recorder owns.
type Source interface {
	Status() []recorder.ChannelStatus
}

// JSONExporter serves a point-in-time status snapshot as JSON, the same
// shape as ptp4u's JSONStats http handler.
type JSONExporter struct {
	source Source
}

// NewJSONExporter builds an exporter reading from source on every request.
func NewJSONExporter(source Source) *JSONExporter {
	return &JSONExporter{source: source}
}

// Start runs the blocking HTTP status server on monitoringPort.
func (e *JSONExporter) Start(monitoringPort int) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", e.handleRequest)
	addr := fmt.Sprintf(":%d", monitoringPort)
	log.Infof("starting status http server on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("failed to start status listener: %v", err)
	}
}

func (e *JSONExporter) handleRequest(w http.ResponseWriter, _ *http.Request) {
	js, err := json.Marshal(e.source.Status())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(js); err != nil {
		log.Errorf("failed to reply to status request: %v", err)
	}
}
