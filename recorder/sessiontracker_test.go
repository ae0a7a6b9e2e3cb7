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

package recorder

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriteSessionSummaryWithoutChronydStillWritesFile(t *testing.T) {
	dir := t.TempDir()
	tracker := NewSessionTracker(dir, "WWV 10 MHz", 20000)
	tracker.chronySocket = filepath.Join(dir, "no-such-chronyd.sock")

	start := time.Now().UTC()
	require.NoError(t, tracker.WriteSessionSummary(start))

	metaDir := filepath.Join(dir, "raw_buffer", "WWV_10_MHz", start.Format("20060102"), "metadata")
	entries, err := os.ReadDir(metaDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
