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

/*
Package diskqueue implements a bounded priority queue of binary+metadata
write requests, drained by one or more dedicated workers. Backpressure is
drop-on-full with accounting: raw ingest must never block on disk I/O.
*/
package diskqueue

import (
	"container/heap"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// Priority is lower-value-first: 0 sorts before 1.
type Priority int

// Default priorities; callers may use any int, lower drains first.
const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 5
	PriorityLow    Priority = 10
)

// WriteRequest is one unit of work: a binary blob and its metadata sidecar,
// written atomically (binary first, then metadata JSON).
type WriteRequest struct {
	BlobPath     string
	MetadataPath string
	Blob         []byte
	Metadata     map[string]any
	Priority     Priority

	seq int64 // tie-break for equal priority, preserves submission order
}

// Stats are the cumulative counters exported by a Writer.
type Stats struct {
	Queued         uint64
	Written        uint64
	QueueFullDrops uint64
	WriteErrors    uint64
}

// Writer is a bounded priority-queued async disk writer.
type Writer struct {
	capacity int
	mu       sync.Mutex
	heap     reqHeap
	notEmpty chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	seqGen   int64

	queued         atomic.Uint64
	written        atomic.Uint64
	queueFullDrops atomic.Uint64
	writeErrors    atomic.Uint64
}

// NewWriter constructs a Writer with the given bounded capacity and starts
// numWorkers worker goroutines draining it.
func NewWriter(capacity, numWorkers int) *Writer {
	w := &Writer{
		capacity: capacity,
		notEmpty: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	heap.Init(&w.heap)
	for i := 0; i < numWorkers; i++ {
		w.wg.Add(1)
		go w.worker(i)
	}
	return w
}

// QueueWrite enqueues a write request. Safe to call from any goroutine. On a
// full queue, the write is dropped, queueFullDrops is incremented, and false
// is returned. No retry is attempted.
func (w *Writer) QueueWrite(req WriteRequest) bool {
	w.mu.Lock()
	if w.heap.Len() >= w.capacity {
		w.mu.Unlock()
		w.queueFullDrops.Add(1)
		log.Warnf("diskqueue: queue full (capacity %d), dropping write to %s", w.capacity, req.BlobPath)
		return false
	}
	w.seqGen++
	req.seq = w.seqGen
	heap.Push(&w.heap, req)
	w.mu.Unlock()
	w.queued.Add(1)
	select {
	case w.notEmpty <- struct{}{}:
	default:
	}
	return true
}

// Stats returns a snapshot of the cumulative counters.
func (w *Writer) Stats() Stats {
	return Stats{
		Queued:         w.queued.Load(),
		Written:        w.written.Load(),
		QueueFullDrops: w.queueFullDrops.Load(),
		WriteErrors:    w.writeErrors.Load(),
	}
}

// Len reports the current queue depth.
func (w *Writer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.heap.Len()
}

// Shutdown signals all workers to drain the queue and stop, then blocks
// until they have.
func (w *Writer) Shutdown() {
	close(w.done)
	// wake any worker blocked waiting for work
	for i := 0; i < cap(w.notEmpty)+1; i++ {
		select {
		case w.notEmpty <- struct{}{}:
		default:
		}
	}
	w.wg.Wait()
}

func (w *Writer) worker(_ int) {
	defer w.wg.Done()
	for {
		req, ok := w.pop()
		if ok {
			w.process(req)
			continue
		}
		select {
		case <-w.done:
			// final drain pass in case a request snuck in between the
			// failed pop and the done signal
			for {
				req, ok := w.pop()
				if !ok {
					return
				}
				w.process(req)
			}
		case <-w.notEmpty:
		}
	}
}

func (w *Writer) pop() (WriteRequest, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.heap.Len() == 0 {
		return WriteRequest{}, false
	}
	return heap.Pop(&w.heap).(WriteRequest), true
}

func (w *Writer) process(req WriteRequest) {
	if err := writeAtomic(req); err != nil {
		w.writeErrors.Add(1)
		log.Errorf("diskqueue: write error for %s: %v", req.BlobPath, err)
		return
	}
	w.written.Add(1)
}

// writeAtomic writes the binary blob, fsyncs it, then writes the metadata
// JSON sidecar. Cost-vs-safety trade-off: we fsync per file rather than
// batching, so a crash never leaves a metadata sidecar referencing a blob
// that didn't make it to disk.
func writeAtomic(req WriteRequest) error {
	if err := writeFileSynced(req.BlobPath, req.Blob); err != nil {
		return fmt.Errorf("writing blob: %w", err)
	}
	metaBytes, err := json.Marshal(req.Metadata)
	if err != nil {
		return fmt.Errorf("marshalling metadata: %w", err)
	}
	if err := writeFileSynced(req.MetadataPath, metaBytes); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	return nil
}

func writeFileSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}

// reqHeap is a container/heap of WriteRequest ordered by (Priority, seq).
type reqHeap []WriteRequest

func (h reqHeap) Len() int { return len(h) }
func (h reqHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h reqHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *reqHeap) Push(x any)   { *h = append(*h, x.(WriteRequest)) }
func (h *reqHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
