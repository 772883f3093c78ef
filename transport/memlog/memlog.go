// Package memlog provides an in-memory implementation of transport.Log for
// tests and single-process runs. A single Log instance is shared by all
// workers in the process; partition ownership guarantees that each record is
// polled by exactly one of them.
package memlog

import (
	"context"
	"sync"

	"github.com/kgraph/pregel/transport"
	"golang.org/x/xerrors"
)

// Log is an in-memory partitioned FIFO log.
type Log struct {
	mu         sync.Mutex
	partitions [][]transport.Record
	pending    map[int][]transport.Record
	closed     bool
}

var _ transport.Log = (*Log)(nil)

// New creates an in-memory log with the given number of partitions.
func New(numPartitions int) *Log {
	return &Log{
		partitions: make([][]transport.Record, numPartitions),
		pending:    make(map[int][]transport.Record),
	}
}

// Publish implements transport.Log. Records become visible to consumers
// when Flush is called.
func (l *Log) Publish(_ context.Context, records ...transport.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return xerrors.New("publish on closed log")
	}
	for _, rec := range records {
		if rec.Partition < 0 || rec.Partition >= len(l.partitions) {
			return xerrors.Errorf("publish to unknown partition %d", rec.Partition)
		}
		l.pending[rec.Partition] = append(l.pending[rec.Partition], rec)
	}
	return nil
}

// Flush implements transport.Log.
func (l *Log) Flush(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return xerrors.New("flush on closed log")
	}
	for partition, records := range l.pending {
		l.partitions[partition] = append(l.partitions[partition], records...)
		delete(l.pending, partition)
	}
	return nil
}

// Poll implements transport.Log.
func (l *Log) Poll(_ context.Context, partition int) ([]transport.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, xerrors.New("poll on closed log")
	}
	if partition < 0 || partition >= len(l.partitions) {
		return nil, xerrors.Errorf("poll on unknown partition %d", partition)
	}
	records := l.partitions[partition]
	l.partitions[partition] = nil
	return records, nil
}

// Close implements transport.Log.
func (l *Log) Close() error {
	l.mu.Lock()
	l.closed = true
	l.partitions = nil
	l.pending = nil
	l.mu.Unlock()
	return nil
}
