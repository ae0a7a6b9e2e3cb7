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
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"time"
)

// ReadDay reads every Record appended to day's file, in append order. It is
// provided so tests (and a future Phase-3 collaborator) can verify what was
// written without reimplementing the binary layout.
func (b *Buffer) ReadDay(day time.Time) ([]Record, error) {
	path := b.pathForDay(day)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("decimated: opening %q: %w", path, err)
	}
	defer f.Close()

	var records []Record
	header := make([]byte, recordHeaderSize)
	for {
		if _, err := io.ReadFull(f, header); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("decimated: reading record header: %w", err)
		}
		minuteBoundary := int64(binary.LittleEndian.Uint64(header[0:8]))
		decimationFactor := binary.LittleEndian.Uint32(header[8:12])
		n := binary.LittleEndian.Uint32(header[12:16])

		body := make([]byte, int(n)*8)
		if _, err := io.ReadFull(f, body); err != nil {
			return nil, fmt.Errorf("decimated: reading record body: %w", err)
		}
		samples := make([]complex64, n)
		for i := range samples {
			re := math.Float32frombits(binary.LittleEndian.Uint32(body[i*8 : i*8+4]))
			im := math.Float32frombits(binary.LittleEndian.Uint32(body[i*8+4 : i*8+8]))
			samples[i] = complex(re, im)
		}
		records = append(records, Record{
			MinuteBoundaryUnix: minuteBoundary,
			DecimationFactor:   decimationFactor,
			Samples:            samples,
		})
	}
	return records, nil
}
