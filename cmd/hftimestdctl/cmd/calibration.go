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
	"os"
	"sort"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mijahauan/hf-timestd/calibrator"
)

var calibrationPathFlag string

func init() {
	RootCmd.AddCommand(calibrationCmd)
	calibrationCmd.Flags().StringVarP(&calibrationPathFlag, "path", "p", "", "path to a channel's calibration.json")
	if err := calibrationCmd.MarkFlagRequired("path"); err != nil {
		log.Fatal(err)
	}
}

func readCalibrationState(path string) (*calibrator.State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}
	var state calibrator.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parsing %q: %w", path, err)
	}
	return &state, nil
}

func phaseString(p calibrator.Phase) string {
	switch p {
	case calibrator.PhaseVerified:
		return color.GreenString(string(p))
	case calibrator.PhaseCalibrated:
		return color.YellowString(string(p))
	default:
		return color.RedString(string(p))
	}
}

func renderCalibration(state *calibrator.State) {
	fmt.Printf("phase: %s  saved: %s\n", phaseString(state.Phase), state.SavedAt)
	fmt.Printf("bootstrap detections: %d  ground truth verified: %d  test signal verified: %d\n\n",
		state.Stats.BootstrapDetections, state.Stats.GroundTruthVerified, state.Stats.TestSignalVerified)

	stations := make([]string, 0, len(state.StationCalibration))
	for s := range state.StationCalibration {
		stations = append(stations, s)
	}
	sort.Strings(stations)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"station", "delay(ms)", "std(ms)", "samples", "last updated"})
	for _, s := range stations {
		sc := state.StationCalibration[s]
		table.Append([]string{
			s,
			strconv.FormatFloat(sc.PropagationDelayMs, 'f', 3, 64),
			strconv.FormatFloat(sc.PropagationDelayStdMs, 'f', 3, 64),
			strconv.Itoa(sc.NSamples),
			sc.LastUpdated.String(),
		})
	}
	table.Render()
}

func calibrationRun(path string) error {
	state, err := readCalibrationState(path)
	if err != nil {
		return err
	}
	renderCalibration(state)
	return nil
}

var calibrationCmd = &cobra.Command{
	Use:   "calibration",
	Short: "Dump a channel's timing calibrator state",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()
		if err := calibrationRun(calibrationPathFlag); err != nil {
			log.Fatal(err)
		}
	},
}
