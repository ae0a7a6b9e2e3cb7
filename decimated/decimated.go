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

// Package decimated implements the write side of the contract a Phase-3
// collaborator (spectrogram generation, long-term storage upload) appends
// to: one advisory-locked file per UTC day holding decimated IQ records.
// This package owns only the append contract, never the downstream
// consumer.
package decimated

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// Record is one decimated sample block: a reduced-rate IQ snapshot plus the
// minute boundary it was derived from, appended in arrival order.
type Record struct {
	MinuteBoundaryUnix int64
	DecimationFactor   uint32
	Samples            []complex64
}

const recordHeaderSize = 8 + 4 + 4 // minute boundary + decimation factor + sample count

// Buffer appends Records to one advisory-locked file per UTC day.
type Buffer struct {
	root string
}

// NewBuffer returns a Buffer rooted at dir; one file per day is created
// under it as "YYYY-MM-DD.decimated".
func NewBuffer(dir string) *Buffer {
	return &Buffer{root: dir}
}

func (b *Buffer) pathForDay(day time.Time) string {
	return filepath.Join(b.root, day.UTC().Format("2006-01-02")+".decimated")
}

// Append acquires an exclusive advisory lock on the day file, seeks to its
// end, writes rec, then unlocks — the minimal contract spec.md's
// concurrency model requires of any writer sharing this file with other
// channel processes.
func (b *Buffer) Append(day time.Time, rec Record) error {
	if err := os.MkdirAll(b.root, 0o755); err != nil {
		return fmt.Errorf("decimated: creating buffer dir: %w", err)
	}

	path := b.pathForDay(day)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("decimated: opening %q: %w", path, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("decimated: locking %q: %w", path, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	if _, err := f.Seek(0, os.SEEK_END); err != nil {
		return fmt.Errorf("decimated: seeking %q: %w", path, err)
	}

	buf := make([]byte, recordHeaderSize+len(rec.Samples)*8)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(rec.MinuteBoundaryUnix))
	binary.LittleEndian.PutUint32(buf[8:12], rec.DecimationFactor)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(rec.Samples)))
	off := recordHeaderSize
	for _, s := range rec.Samples {
		binary.LittleEndian.PutUint32(buf[off:off+4], math.Float32bits(real(s)))
		binary.LittleEndian.PutUint32(buf[off+4:off+8], math.Float32bits(imag(s)))
		off += 8
	}

	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("decimated: writing %q: %w", path, err)
	}
	return nil
}
