// Package persistence moves bus events into durable storage off the
// trading path.
package persistence

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"execution-core/pkg/db"
)

// BatchWriter batches database writes into transactions.
type BatchWriter struct {
	db          *sql.DB
	log         zerolog.Logger
	buffer      []db.Op
	mu          sync.Mutex
	flushMu     sync.Mutex
	maxSize     int
	maxPending  int
	flushIntval time.Duration
	kick        chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup

	totalWrites  atomic.Uint64
	totalBatches atomic.Uint64
	totalErrors  atomic.Uint64
	dropped      atomic.Uint64
	lastBatch    atomic.Int64
	lastFlush    atomic.Int64
}

// BatchWriterMetrics provides statistics about batch operations.
type BatchWriterMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	Dropped       uint64    `json:"dropped"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// NewBatchWriter creates a batch writer.
// maxSize: max operations before auto-flush
// interval: time-based flush interval
func NewBatchWriter(conn *sql.DB, maxSize int, interval time.Duration, log zerolog.Logger) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	bw := &BatchWriter{
		db:          conn,
		log:         log.With().Str("component", "batch_writer").Logger(),
		buffer:      make([]db.Op, 0, maxSize),
		maxSize:     maxSize,
		maxPending:  maxSize * 100,
		flushIntval: interval,
		kick:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}

	bw.wg.Add(1)
	go bw.backgroundFlush()

	return bw
}

// Write adds an operation to the batch. When the database has fallen far
// behind the oldest pending operations are dropped.
func (bw *BatchWriter) Write(op db.Op) {
	bw.mu.Lock()
	if len(bw.buffer) >= bw.maxPending {
		bw.buffer = bw.buffer[1:]
		if n := bw.dropped.Add(1); n == 1 || n%1000 == 0 {
			bw.log.Warn().Uint64("dropped_total", n).Msg("write backlog full, dropping oldest")
		}
	}
	bw.buffer = append(bw.buffer, op)
	shouldFlush := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if shouldFlush {
		select {
		case bw.kick <- struct{}{}:
		default:
		}
	}
}

// Flush immediately writes all buffered operations to the database.
func (bw *BatchWriter) Flush() error {
	bw.flushMu.Lock()
	defer bw.flushMu.Unlock()

	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	ops := bw.buffer
	bw.buffer = make([]db.Op, 0, bw.maxSize)
	bw.mu.Unlock()

	return bw.executeBatch(ops)
}

// executeBatch runs a batch of operations in a transaction.
func (bw *BatchWriter) executeBatch(ops []db.Op) error {
	bw.totalWrites.Add(uint64(len(ops)))
	bw.totalBatches.Add(1)
	bw.lastBatch.Store(int64(len(ops)))
	bw.lastFlush.Store(time.Now().UnixNano())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := bw.db.BeginTx(ctx, nil)
	if err != nil {
		bw.totalErrors.Add(1)
		bw.log.Error().Err(err).Msg("failed to begin transaction")
		return err
	}

	for _, op := range ops {
		if _, err := tx.ExecContext(ctx, op.Query, op.Args...); err != nil {
			_ = tx.Rollback()
			bw.totalErrors.Add(1)
			bw.log.Error().Err(err).Int("batch", len(ops)).Msg("query failed, rolling back")
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		bw.totalErrors.Add(1)
		bw.log.Error().Err(err).Msg("commit failed")
		return err
	}

	bw.log.Debug().Int("ops", len(ops)).Msg("batch flushed")
	return nil
}

// backgroundFlush periodically flushes the buffer.
func (bw *BatchWriter) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.flushIntval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := bw.Flush(); err != nil {
				bw.log.Warn().Err(err).Msg("background flush error")
			}
		case <-bw.kick:
			if err := bw.Flush(); err != nil {
				bw.log.Warn().Err(err).Msg("size-triggered flush error")
			}
		case <-bw.done:
			if err := bw.Flush(); err != nil {
				bw.log.Warn().Err(err).Msg("final flush error")
			}
			return
		}
	}
}

// Pending returns the number of pending operations.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

func (bw *BatchWriter) Metrics() BatchWriterMetrics {
	m := BatchWriterMetrics{
		TotalWrites:   bw.totalWrites.Load(),
		TotalBatches:  bw.totalBatches.Load(),
		TotalErrors:   bw.totalErrors.Load(),
		Dropped:       bw.dropped.Load(),
		LastBatchSize: int(bw.lastBatch.Load()),
	}
	if ns := bw.lastFlush.Load(); ns > 0 {
		m.LastFlushTime = time.Unix(0, ns)
	}
	return m
}

// Close stops the background loop after a final flush.
func (bw *BatchWriter) Close() error {
	bw.closeOnce.Do(func() { close(bw.done) })
	bw.wg.Wait()
	return nil
}
