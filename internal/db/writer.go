package db

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/uartplot/internal/series"
)

// DefaultWriterBuffer is the number of queued archive operations.
const DefaultWriterBuffer = 4096

// maxBatch bounds the operations committed in one transaction.
const maxBatch = 256

// ErrWriterClosed is returned for operations queued after Close.
var ErrWriterClosed = errors.New("archive writer closed")

type opKind int

const (
	opBegin opKind = iota
	opSample
	opEnd
)

type archiveOp struct {
	kind   opKind
	id     string
	at     time.Time
	sample series.Sample
}

// Writer archives sessions from a background goroutine so callers never wait
// on disk I/O. Queued operations are committed in batches, one transaction
// per batch. Session starts and ends wait for queue space; samples are
// dropped and counted when the queue is full.
type Writer struct {
	db  *DB
	ops chan archiveOp

	mu     sync.RWMutex // held for reading while sending, for writing to close
	closed bool

	dropped atomic.Int64
	done    chan struct{}
}

// NewWriter starts a Writer over db with room for buffer queued operations.
func NewWriter(db *DB, buffer int) *Writer {
	w := newWriter(db, buffer)
	go w.run()
	return w
}

func newWriter(db *DB, buffer int) *Writer {
	if buffer <= 0 {
		buffer = DefaultWriterBuffer
	}
	return &Writer{
		db:   db,
		ops:  make(chan archiveOp, buffer),
		done: make(chan struct{}),
	}
}

// BeginSession queues the start of a session.
func (w *Writer) BeginSession(id string, startedAt time.Time) error {
	return w.enqueue(archiveOp{kind: opBegin, id: id, at: startedAt}, true)
}

// RecordSample queues a sample, dropping it if the queue is full.
func (w *Writer) RecordSample(id string, s series.Sample) error {
	return w.enqueue(archiveOp{kind: opSample, id: id, sample: s}, false)
}

// EndSession queues the end of a session.
func (w *Writer) EndSession(id string, endedAt time.Time) error {
	return w.enqueue(archiveOp{kind: opEnd, id: id, at: endedAt}, true)
}

// Dropped returns the number of samples dropped because the queue was full.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

func (w *Writer) enqueue(op archiveOp, wait bool) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrWriterClosed
	}
	if wait {
		w.ops <- op
		return nil
	}
	select {
	case w.ops <- op:
	default:
		w.dropped.Add(1)
	}
	return nil
}

// Close stops accepting operations and returns once everything queued has
// been written.
func (w *Writer) Close() error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.ops)
	}
	w.mu.Unlock()
	<-w.done
	return nil
}

func (w *Writer) run() {
	defer close(w.done)

	var reported int64
	batch := make([]archiveOp, 0, maxBatch)
	for op := range w.ops {
		batch = append(batch[:0], op)
	drain:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-w.ops:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}

		if err := w.db.writeBatch(batch); err != nil {
			log.Printf("failed to archive %d operations: %v", len(batch), err)
		}
		if dropped := w.dropped.Load(); dropped > reported {
			log.Printf("\033[93mArchive queue full: dropped %d samples\033[0m", dropped-reported)
			reported = dropped
		}
	}
}

// writeBatch applies ops in one transaction. A failing operation is logged
// and skipped; the rest of the batch still commits.
func (db *DB) writeBatch(ops []archiveOp) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			log.Printf("failed to roll back archive batch: %v", err)
		}
	}()

	for _, op := range ops {
		var err error
		switch op.kind {
		case opBegin:
			err = beginSession(tx, op.id, op.at)
		case opSample:
			err = recordSample(tx, op.id, op.sample)
		case opEnd:
			err = endSession(tx, op.id, op.at)
		}
		if err != nil {
			log.Printf("archive: %v", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit archive batch: %w", err)
	}
	return nil
}
