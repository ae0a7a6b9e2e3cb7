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
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mijahauan/hf-timestd/orchestrator"
	"github.com/mijahauan/hf-timestd/recorder"
)

var statusAddrFlag string

func init() {
	RootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVarP(&statusAddrFlag, "addr", "a", "http://localhost:8889", "hf-timestd status endpoint")
}

func fetchStatus(addr string) ([]recorder.ChannelStatus, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(addr)
	if err != nil {
		return nil, fmt.Errorf("fetching %q: %w", addr, err)
	}
	defer resp.Body.Close()

	var out []recorder.ChannelStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding status from %q: %w", addr, err)
	}
	return out, nil
}

func stateString(s orchestrator.State) string {
	switch s {
	case orchestrator.StateRunning:
		return color.GreenString(s.String())
	case orchestrator.StateIdle, orchestrator.StateStarting, orchestrator.StateStopping:
		return color.YellowString(s.String())
	default:
		return color.RedString(s.String())
	}
}

func renderStatus(w *tablewriter.Table, channels []recorder.ChannelStatus) {
	w.SetHeader([]string{"channel", "state", "batches", "minutes", "queue drops", "archive errors"})
	for _, c := range channels {
		w.Append([]string{
			c.Channel,
			stateString(c.State),
			strconv.FormatUint(c.Stats.BatchesProcessed, 10),
			strconv.FormatUint(c.Stats.MinutesAnalyzed, 10),
			strconv.FormatUint(c.Stats.AnalysisQueueDrops, 10),
			strconv.FormatUint(c.Stats.ArchiveWriteErrors, 10),
		})
	}
	w.Render()
}

func statusRun(addr string) error {
	channels, err := fetchStatus(addr)
	if err != nil {
		return err
	}
	renderStatus(tablewriter.NewWriter(os.Stdout), channels)
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print per-channel recorder status",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()
		if err := statusRun(statusAddrFlag); err != nil {
			log.Fatal(err)
		}
	},
}
