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

package decimated

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAppendThenReadDayRoundTrips(t *testing.T) {
	dir := t.TempDir()
	b := NewBuffer(dir)
	day := time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC)

	rec1 := Record{MinuteBoundaryUnix: 100, DecimationFactor: 10, Samples: []complex64{1 + 2i, 3 - 4i}}
	rec2 := Record{MinuteBoundaryUnix: 160, DecimationFactor: 10, Samples: []complex64{0.5 + 0.5i}}

	require.NoError(t, b.Append(day, rec1))
	require.NoError(t, b.Append(day, rec2))

	got, err := b.ReadDay(day)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, rec1.MinuteBoundaryUnix, got[0].MinuteBoundaryUnix)
	require.Equal(t, rec1.Samples, got[0].Samples)
	require.Equal(t, rec2.Samples, got[1].Samples)
}

func TestReadDayMissingFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	b := NewBuffer(dir)
	got, err := b.ReadDay(time.Now())
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestAppendConcurrentWritersDoNotCorrupt(t *testing.T) {
	dir := t.TempDir()
	b := NewBuffer(dir)
	day := time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := Record{MinuteBoundaryUnix: int64(i), DecimationFactor: 1, Samples: []complex64{complex(float32(i), 0)}}
			require.NoError(t, b.Append(day, rec))
		}(i)
	}
	wg.Wait()

	got, err := b.ReadDay(day)
	require.NoError(t, err)
	require.Len(t, got, 8)
}
